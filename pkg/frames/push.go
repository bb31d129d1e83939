package frames

import (
	"context"
	"sync"

	"github.com/kadirpekel/gambit/pkg/game"
)

// PushSource is a Source fed by an external client instead of a bridge: the
// decide endpoint pushes the frame it received, and the executed presses are
// collected for the response. It is also the test double for the loop.
type PushSource struct {
	mu sync.Mutex

	frame    *Frame
	presses  []game.Button
	saved    []byte
	memory   []byte
	paused   bool
	volume   int
	lost     bool
	captures int
}

// NewPushSource creates an empty client-fed source.
func NewPushSource() *PushSource {
	return &PushSource{volume: 100}
}

// Push stores the next frame to serve.
func (s *PushSource) Push(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = &f
}

// PushDataURL validates, decodes, and stores a data URL frame.
func (s *PushSource) PushDataURL(dataURL string) error {
	f, err := DecodeFrame(dataURL)
	if err != nil {
		return err
	}
	s.Push(f)
	return nil
}

// MarkLost makes every subsequent call fail with ErrAdapterLost.
func (s *PushSource) MarkLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = true
}

// SetSaveState stores the blob SaveState will return.
func (s *PushSource) SetSaveState(state []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = state
}

// SetMemory enables ReadMemory over the given image.
func (s *PushSource) SetMemory(memory []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = memory
}

// Presses returns and clears the buttons pressed since the last call.
func (s *PushSource) Presses() []game.Button {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.presses
	s.presses = nil
	return out
}

// Captures returns how many frames were served.
func (s *PushSource) Captures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures
}

// Capture implements Source.
func (s *PushSource) Capture(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return Frame{}, ErrAdapterLost
	}
	if s.frame == nil {
		return Frame{}, ErrFrameUnavailable
	}
	s.captures++
	return *s.frame, nil
}

// PressAndRelease implements Source.
func (s *PushSource) PressAndRelease(ctx context.Context, button game.Button, holdMs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return ErrAdapterLost
	}
	s.presses = append(s.presses, button)
	return nil
}

// SetVolume implements Source.
func (s *PushSource) SetVolume(ctx context.Context, volume int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = volume
	return nil
}

// Pause implements Source.
func (s *PushSource) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	return nil
}

// Resume implements Source.
func (s *PushSource) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	return nil
}

// Paused reports the pause flag.
func (s *PushSource) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SaveState implements Source.
func (s *PushSource) SaveState(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return nil, ErrAdapterLost
	}
	if s.saved == nil {
		return nil, ErrUnsupported
	}
	out := make([]byte, len(s.saved))
	copy(out, s.saved)
	return out, nil
}

// LoadState implements Source.
func (s *PushSource) LoadState(ctx context.Context, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return ErrAdapterLost
	}
	s.saved = make([]byte, len(state))
	copy(s.saved, state)
	return nil
}

// ReadMemory implements Source.
func (s *PushSource) ReadMemory(ctx context.Context, addr, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memory == nil {
		return nil, ErrUnsupported
	}
	if addr < 0 || length < 0 || addr+length > len(s.memory) {
		return nil, ErrUnsupported
	}
	out := make([]byte, length)
	copy(out, s.memory[addr:addr+length])
	return out, nil
}

var _ Source = (*PushSource)(nil)
var _ Source = (*RemoteSource)(nil)
