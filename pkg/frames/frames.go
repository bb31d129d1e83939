// Package frames abstracts the emulator: capturing the screen, injecting
// button presses, and lifecycle commands. The coordinator serializes all
// calls; implementations need not be safe for concurrent use by one agent.
package frames

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/gambit/pkg/game"
)

// Sentinel failures a Source can report.
var (
	// ErrFrameUnavailable is transient; the caller backs off and retries.
	ErrFrameUnavailable = errors.New("frame unavailable")

	// ErrAdapterLost is terminal for the run.
	ErrAdapterLost = errors.New("adapter lost")

	// ErrUnsupported marks optional operations the source does not provide.
	ErrUnsupported = errors.New("operation unsupported")
)

// MinFrameSize is the smallest decoded frame payload accepted, in bytes.
const MinFrameSize = 1000

// MinHoldMs is the hold duration below which a press may not be observable
// by the emulator.
const MinHoldMs = 100

// Frame is one captured screen.
type Frame struct {
	// Data is the PNG image payload.
	Data []byte

	Timestamp time.Time
}

// DataURL renders the frame as a base64 PNG data URL.
func (f Frame) DataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// Source is the emulator adapter.
type Source interface {
	// Capture returns the current screen, or ErrFrameUnavailable.
	Capture(ctx context.Context) (Frame, error)

	// PressAndRelease injects one button press. A press with
	// holdMs >= MinHoldMs is observable by the emulator before return.
	PressAndRelease(ctx context.Context, button game.Button, holdMs int) error

	// SetVolume sets emulator audio volume in [0, 100].
	SetVolume(ctx context.Context, volume int) error

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// SaveState returns an opaque save-state blob.
	SaveState(ctx context.Context) ([]byte, error)

	// LoadState restores an earlier SaveState blob.
	LoadState(ctx context.Context, state []byte) error

	// ReadMemory reads emulator memory, or returns ErrUnsupported.
	ReadMemory(ctx context.Context, addr, length int) ([]byte, error)
}

const pngDataURLPrefix = "data:image/png;base64,"

// ValidateFrame checks a client-supplied frame: it must be a base64 PNG data
// URL whose decoded payload is at least MinFrameSize bytes.
func ValidateFrame(dataURL string) error {
	if !strings.HasPrefix(dataURL, pngDataURLPrefix) {
		return fmt.Errorf("frame must be a base64 PNG data URL")
	}
	payload := dataURL[len(pngDataURLPrefix):]
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("frame payload is not valid base64: %w", err)
	}
	if len(decoded) < MinFrameSize {
		return fmt.Errorf("frame too small: %d bytes, need at least %d", len(decoded), MinFrameSize)
	}
	return nil
}

// DecodeFrame validates and decodes a data URL frame.
func DecodeFrame(dataURL string) (Frame, error) {
	if err := ValidateFrame(dataURL); err != nil {
		return Frame{}, err
	}
	data, _ := base64.StdEncoding.DecodeString(dataURL[len(pngDataURLPrefix):])
	return Frame{Data: data, Timestamp: time.Now()}, nil
}
