// Package heuristics holds the pure computations the loop applies around
// each decision: frame fingerprinting, visual change detection, reward
// shaping, stuck classification, and the per-run button statistics that
// drive avoid hints and bans.
package heuristics

import (
	"hash/fnv"

	"github.com/kadirpekel/gambit/pkg/game"
)

// DefaultStride is the sampling stride over the base64 frame payload.
const DefaultStride = 1000

// Fingerprint hashes the frame payload sampled at a fixed stride. It is an
// equality-only 32-bit hash; two frames with equal bytes at the sampled
// positions always collide, which is the property change detection needs.
func Fingerprint(frame string, stride int) uint32 {
	if stride <= 0 {
		stride = DefaultStride
	}

	h := fnv.New32a()
	buf := [1]byte{}
	for i := 0; i < len(frame); i += stride {
		buf[0] = frame[i]
		_, _ = h.Write(buf[:])
	}
	// Fold the length in so frames of different sizes differ even when the
	// sampled bytes agree.
	lenBytes := [4]byte{
		byte(len(frame)),
		byte(len(frame) >> 8),
		byte(len(frame) >> 16),
		byte(len(frame) >> 24),
	}
	_, _ = h.Write(lenBytes[:])
	return h.Sum32()
}

// Change classifies the transition between two consecutive fingerprints.
func Change(prev, curr uint32, isFirst bool) game.VisualChange {
	if isFirst {
		return game.ChangeFirstFrame
	}
	if prev == curr {
		return game.ChangeNone
	}
	return game.ChangeDetected
}
