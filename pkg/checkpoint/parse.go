package checkpoint

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// ParseOutcome tags the result of a best-effort save-state parse.
type ParseOutcome string

const (
	// ParseOK means the container format was recognized and decoded.
	ParseOK ParseOutcome = "ok"

	// ParsePartial means the container was recognized but could not be
	// fully decoded.
	ParsePartial ParseOutcome = "partial"

	// ParseUnrecognized means the blob format is unknown. No fields are
	// fabricated in this case.
	ParseUnrecognized ParseOutcome = "unrecognized"
)

// ParsedState is the tagged result of ParseState.
type ParsedState struct {
	Outcome ParseOutcome `json:"outcome"`

	// Format names the detected container ("gzip", "zip", "png", "raw").
	Format string `json:"format,omitempty"`

	// Size is the blob size in bytes.
	Size int `json:"size"`

	// UncompressedSize is set when the container decompressed cleanly.
	UncompressedSize int `json:"uncompressedSize,omitempty"`

	// Error describes why decoding stopped, for partial results.
	Error string `json:"error,omitempty"`
}

// Container magics.
var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte{'P', 'K', 0x03, 0x04}
	pngMagic  = []byte{0x89, 'P', 'N', 'G'}
)

// maxDecompressed caps how much a parse will inflate, guarding against
// decompression bombs in user-uploaded blobs.
const maxDecompressed = 64 << 20

// ParseState inspects a save-state blob. Emulator save-state layouts vary by
// core and version, so only the container is decoded; the payload structure
// is deliberately left opaque.
func ParseState(state []byte) *ParsedState {
	result := &ParsedState{Size: len(state)}
	if len(state) == 0 {
		result.Outcome = ParseUnrecognized
		result.Error = "empty blob"
		return result
	}

	switch {
	case bytes.HasPrefix(state, gzipMagic):
		result.Format = "gzip"
		n, err := gzipUncompressedSize(state)
		if err != nil {
			result.Outcome = ParsePartial
			result.Error = err.Error()
			return result
		}
		result.Outcome = ParseOK
		result.UncompressedSize = n
		return result

	case bytes.HasPrefix(state, zipMagic):
		result.Format = "zip"
		result.Outcome = ParseOK
		return result

	case bytes.HasPrefix(state, pngMagic):
		result.Format = "png"
		result.Outcome = ParseOK
		return result

	default:
		result.Outcome = ParseUnrecognized
		return result
	}
}

func gzipUncompressedSize(state []byte) (int, error) {
	r, err := gzip.NewReader(bytes.NewReader(state))
	if err != nil {
		return 0, fmt.Errorf("gzip header: %w", err)
	}
	defer r.Close()

	n, err := io.Copy(io.Discard, io.LimitReader(r, maxDecompressed))
	if err != nil {
		return int(n), fmt.Errorf("gzip body: %w", err)
	}
	return int(n), nil
}
