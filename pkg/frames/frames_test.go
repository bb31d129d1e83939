package frames

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/gambit/pkg/game"
)

func pngDataURL(size int) string {
	payload := make([]byte, size)
	copy(payload, []byte("\x89PNG\r\n\x1a\n"))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(payload)
}

func TestValidateFrame(t *testing.T) {
	assert.NoError(t, ValidateFrame(pngDataURL(2048)))
	assert.NoError(t, ValidateFrame(pngDataURL(1001)))
	assert.NoError(t, ValidateFrame(pngDataURL(MinFrameSize)))

	assert.Error(t, ValidateFrame(pngDataURL(999)))
	assert.Error(t, ValidateFrame("data:image/png;base64,!!!"))
	assert.Error(t, ValidateFrame("data:image/jpeg;base64,aGVsbG8="))
	assert.Error(t, ValidateFrame(""))
}

func TestDecodeFrameRoundTrip(t *testing.T) {
	url := pngDataURL(1500)
	f, err := DecodeFrame(url)
	require.NoError(t, err)
	assert.Len(t, f.Data, 1500)
	assert.Equal(t, url, f.DataURL())
}

func TestPushSourceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewPushSource()

	_, err := s.Capture(ctx)
	assert.ErrorIs(t, err, ErrFrameUnavailable)

	require.NoError(t, s.PushDataURL(pngDataURL(1200)))
	f, err := s.Capture(ctx)
	require.NoError(t, err)
	assert.Len(t, f.Data, 1200)
	assert.Equal(t, 1, s.Captures())

	require.NoError(t, s.PressAndRelease(ctx, game.ButtonA, 150))
	require.NoError(t, s.PressAndRelease(ctx, game.ButtonRight, 150))
	assert.Equal(t, []game.Button{game.ButtonA, game.ButtonRight}, s.Presses())
	assert.Empty(t, s.Presses(), "presses drain on read")

	require.NoError(t, s.Pause(ctx))
	assert.True(t, s.Paused())
	require.NoError(t, s.Resume(ctx))
	assert.False(t, s.Paused())
}

func TestPushSourceSaveState(t *testing.T) {
	ctx := context.Background()
	s := NewPushSource()

	_, err := s.SaveState(ctx)
	assert.ErrorIs(t, err, ErrUnsupported)

	s.SetSaveState([]byte{0x01, 0x02})
	state, err := s.SaveState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, state)

	require.NoError(t, s.LoadState(ctx, []byte{0x09}))
	state, err = s.SaveState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x09}, state)
}

func TestPushSourceReadMemory(t *testing.T) {
	ctx := context.Background()
	s := NewPushSource()

	_, err := s.ReadMemory(ctx, 0, 4)
	assert.ErrorIs(t, err, ErrUnsupported)

	s.SetMemory([]byte{1, 2, 3, 4, 5})
	got, err := s.ReadMemory(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3, 4}, got)

	_, err = s.ReadMemory(ctx, 4, 10)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestPushSourceAdapterLost(t *testing.T) {
	ctx := context.Background()
	s := NewPushSource()
	require.NoError(t, s.PushDataURL(pngDataURL(1100)))

	s.MarkLost()
	_, err := s.Capture(ctx)
	assert.ErrorIs(t, err, ErrAdapterLost)
	assert.ErrorIs(t, s.PressAndRelease(ctx, game.ButtonA, 150), ErrAdapterLost)
}
