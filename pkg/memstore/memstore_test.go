package memstore

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/gambit/pkg/game"
	"github.com/kadirpekel/gambit/pkg/kv"
)

func newStore(t *testing.T) (*Store, kv.Store) {
	t.Helper()
	backend := kv.NewMemoryStore()
	t.Cleanup(func() { _ = backend.Close() })
	return New(backend, WithClock(func() time.Time {
		return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	})), backend
}

func TestGetNotesEmpty(t *testing.T) {
	s, _ := newStore(t)
	notes, err := s.GetNotes(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, notes.IsZero())
}

func TestMergeNotesOverwriteSemantics(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.MergeNotes(ctx, "agent-1", game.Notes{
		CurrentObjective:  "reach Viridian City",
		LastKnownLocation: "Route 1",
	})
	require.NoError(t, err)

	// Non-empty fields overwrite, empty fields leave prior values alone.
	merged, err := s.MergeNotes(ctx, "agent-1", game.Notes{CurrentObjective: "beat Brock"})
	require.NoError(t, err)
	assert.Equal(t, "beat Brock", merged.CurrentObjective)
	assert.Equal(t, "Route 1", merged.LastKnownLocation)
}

func TestMergeNotesFailedAttemptsAppend(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	for i := 0; i < MaxFailedAttempts+3; i++ {
		_, err := s.MergeNotes(ctx, "agent-1", game.Notes{
			FailedAttempts: []string{fmt.Sprintf("attempt %d", i)},
		})
		require.NoError(t, err)
	}

	notes, err := s.GetNotes(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, notes.FailedAttempts, MaxFailedAttempts)
	assert.Equal(t, "attempt 7", notes.FailedAttempts[MaxFailedAttempts-1])
	assert.Equal(t, "attempt 3", notes.FailedAttempts[0])
}

func TestPutNotesShedsOversizedFields(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.MergeNotes(ctx, "agent-1", game.Notes{
		General:            strings.Repeat("x", MaxNotesBytes*2),
		CurrentObjective:   "beat Brock",
		ImportantDiscovery: "hidden potion",
	})
	require.NoError(t, err)

	notes, err := s.GetNotes(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "beat Brock", notes.CurrentObjective)
	assert.Equal(t, "hidden potion", notes.ImportantDiscovery)
	assert.Less(t, len(notes.General), MaxNotesBytes)
}

func TestGetNotesLegacyPlainText(t *testing.T) {
	s, backend := newStore(t)
	ctx := context.Background()

	key := kv.AgentKey("agent-1", kv.SuffixMemstash)
	require.NoError(t, backend.Set(ctx, key, "old free-form notes", kv.StateTTL))

	notes, err := s.GetNotes(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "old free-form notes", notes.Legacy)
}

func TestFormatNotesForPrompt(t *testing.T) {
	out := FormatNotesForPrompt(game.Notes{
		CurrentObjective: "beat Brock",
		StuckMode:        game.StuckWallHug,
		FailedAttempts:   []string{"north exit blocked"},
	}, 0)
	assert.Contains(t, out, "Objective: beat Brock\n")
	assert.Contains(t, out, "Stuck strategy: wall_hug\n")
	assert.Contains(t, out, "Failed: north exit blocked\n")

	// StuckNone is omitted.
	out = FormatNotesForPrompt(game.Notes{StuckMode: game.StuckNone}, 0)
	assert.Empty(t, out)
}

func TestFormatNotesForPromptTruncatesOnLineBoundary(t *testing.T) {
	notes := game.Notes{
		CurrentObjective: strings.Repeat("a", 100),
		General:          strings.Repeat("b", 2000),
	}
	out := FormatNotesForPrompt(notes, 200)
	assert.LessOrEqual(t, len(out), 200)
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.Contains(t, out, "Objective: ")
}

func TestDecisionLogAppendAndRead(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	first, err := s.AppendDecisionLog(ctx, "agent-1", game.ButtonA, "talk to Oak")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Step)

	second, err := s.AppendDecisionLog(ctx, "agent-1", game.ButtonRight, "head east")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Step)

	entries, err := s.GetDecisionLog(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, game.ButtonA, entries[0].Button)
	assert.Equal(t, "head east", entries[1].Reasoning)
}

func TestClearRemovesNotesAndLog(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.MergeNotes(ctx, "agent-1", game.Notes{General: "something"})
	require.NoError(t, err)
	_, err = s.AppendDecisionLog(ctx, "agent-1", game.ButtonA, "")
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, "agent-1"))

	notes, err := s.GetNotes(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, notes.IsZero())

	entries, err := s.GetDecisionLog(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
