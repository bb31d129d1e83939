// Package memstore persists the structured agent notes and the append-only
// decision log on top of the kv store.
//
// Notes are field-by-field overwrite-on-write, except failedAttempts which
// appends and keeps the last 5. The serialized notes payload is capped at
// ~5 KiB and the prompt projection at 1 KiB.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/gambit/pkg/game"
	"github.com/kadirpekel/gambit/pkg/kv"
)

const (
	// MaxNotesBytes caps the serialized notes payload.
	MaxNotesBytes = 5 * 1024

	// MaxPromptChars caps the notes projection included in prompts.
	MaxPromptChars = 1024

	// MaxFailedAttempts caps the failedAttempts history.
	MaxFailedAttempts = 5

	// MaxDecisionLogEntries caps the decision log.
	MaxDecisionLogEntries = 500
)

// Store reads and writes per-agent notes and decision logs.
type Store struct {
	kv  kv.Store
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store on the given kv backend.
func New(store kv.Store, opts ...Option) *Store {
	s := &Store{kv: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetNotes loads the agent's notes, tolerating the legacy free-text form.
func (s *Store) GetNotes(ctx context.Context, agentID string) (game.Notes, error) {
	raw, err := s.kv.Get(ctx, kv.AgentKey(agentID, kv.SuffixMemstash))
	if err != nil {
		if err == kv.ErrNotFound {
			return game.Notes{}, nil
		}
		return game.Notes{}, fmt.Errorf("memstore: get notes: %w", err)
	}

	var notes game.Notes
	if err := json.Unmarshal([]byte(raw), &notes); err != nil {
		// Pre-structured notes were stored as plain text.
		return game.Notes{Legacy: raw}, nil
	}
	return notes, nil
}

// MergeNotes applies a delta: non-empty fields overwrite, failedAttempts
// appends and keeps the last MaxFailedAttempts entries.
func (s *Store) MergeNotes(ctx context.Context, agentID string, delta game.Notes) (game.Notes, error) {
	notes, err := s.GetNotes(ctx, agentID)
	if err != nil {
		return game.Notes{}, err
	}

	if delta.CurrentObjective != "" {
		notes.CurrentObjective = delta.CurrentObjective
	}
	if delta.LastKnownLocation != "" {
		notes.LastKnownLocation = delta.LastKnownLocation
	}
	if delta.ExitFound != "" {
		notes.ExitFound = delta.ExitFound
	}
	if delta.StuckMode != "" {
		notes.StuckMode = delta.StuckMode
	}
	if delta.ImportantDiscovery != "" {
		notes.ImportantDiscovery = delta.ImportantDiscovery
	}
	if delta.General != "" {
		notes.General = delta.General
	}
	if delta.Legacy != "" {
		notes.Legacy = delta.Legacy
	}
	if len(delta.FailedAttempts) > 0 {
		notes.FailedAttempts = append(notes.FailedAttempts, delta.FailedAttempts...)
		if len(notes.FailedAttempts) > MaxFailedAttempts {
			notes.FailedAttempts = notes.FailedAttempts[len(notes.FailedAttempts)-MaxFailedAttempts:]
		}
	}

	if err := s.putNotes(ctx, agentID, notes); err != nil {
		return game.Notes{}, err
	}
	return notes, nil
}

func (s *Store) putNotes(ctx context.Context, agentID string, notes game.Notes) error {
	payload, err := json.Marshal(notes)
	if err != nil {
		return fmt.Errorf("memstore: marshal notes: %w", err)
	}

	// Shed the lowest-value fields until the payload fits.
	for len(payload) > MaxNotesBytes {
		switch {
		case notes.Legacy != "":
			notes.Legacy = ""
		case notes.General != "":
			notes.General = truncate(notes.General, len(notes.General)/2)
		case len(notes.FailedAttempts) > 0:
			notes.FailedAttempts = notes.FailedAttempts[1:]
		default:
			notes.ImportantDiscovery = truncate(notes.ImportantDiscovery, len(notes.ImportantDiscovery)/2)
		}
		payload, err = json.Marshal(notes)
		if err != nil {
			return fmt.Errorf("memstore: marshal notes: %w", err)
		}
	}

	if err := s.kv.Set(ctx, kv.AgentKey(agentID, kv.SuffixMemstash), string(payload), kv.StateTTL); err != nil {
		return fmt.Errorf("memstore: set notes: %w", err)
	}
	return nil
}

// ClearNotes removes the notes; called on reset.
func (s *Store) ClearNotes(ctx context.Context, agentID string) error {
	_, err := s.kv.Del(ctx, kv.AgentKey(agentID, kv.SuffixMemstash))
	if err != nil {
		return fmt.Errorf("memstore: clear notes: %w", err)
	}
	return nil
}

// FormatNotesForPrompt renders the notes as a deterministic human-readable
// block, truncated to limit characters on a line boundary. limit <= 0 uses
// MaxPromptChars.
func FormatNotesForPrompt(notes game.Notes, limit int) string {
	if limit <= 0 {
		limit = MaxPromptChars
	}

	var b strings.Builder
	writeLine := func(label, value string) {
		if value != "" {
			b.WriteString(label)
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteString("\n")
		}
	}

	writeLine("Objective", notes.CurrentObjective)
	writeLine("Last known location", notes.LastKnownLocation)
	writeLine("Exit found", notes.ExitFound)
	if notes.StuckMode != "" && notes.StuckMode != game.StuckNone {
		writeLine("Stuck strategy", string(notes.StuckMode))
	}
	for _, attempt := range notes.FailedAttempts {
		writeLine("Failed", attempt)
	}
	writeLine("Discovery", notes.ImportantDiscovery)
	writeLine("Notes", notes.General)
	writeLine("Earlier notes", notes.Legacy)

	out := b.String()
	if len(out) <= limit {
		return out
	}

	// Cut on the last full line that fits.
	cut := strings.LastIndexByte(out[:limit], '\n')
	if cut < 0 {
		return out[:limit]
	}
	return out[:cut+1]
}

// AppendDecisionLog appends one entry, assigning the next step number from
// the current log length, and truncates to the last MaxDecisionLogEntries.
func (s *Store) AppendDecisionLog(ctx context.Context, agentID string, button game.Button, reasoning string) (game.DecisionLogEntry, error) {
	key := kv.AgentKey(agentID, kv.SuffixDecisionLog)

	length, err := s.kv.LLen(ctx, key)
	if err != nil {
		return game.DecisionLogEntry{}, fmt.Errorf("memstore: log length: %w", err)
	}

	entry := game.DecisionLogEntry{
		Step:      length + 1,
		Button:    button,
		Reasoning: reasoning,
		Timestamp: s.now().UTC(),
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return game.DecisionLogEntry{}, fmt.Errorf("memstore: marshal log entry: %w", err)
	}
	if _, err := s.kv.RPush(ctx, key, string(payload)); err != nil {
		return game.DecisionLogEntry{}, fmt.Errorf("memstore: append log: %w", err)
	}
	if err := s.kv.LTrim(ctx, key, -MaxDecisionLogEntries, -1); err != nil {
		return game.DecisionLogEntry{}, fmt.Errorf("memstore: trim log: %w", err)
	}
	return entry, nil
}

// GetDecisionLog returns the retained log entries in order.
func (s *Store) GetDecisionLog(ctx context.Context, agentID string) ([]game.DecisionLogEntry, error) {
	raw, err := s.kv.LRange(ctx, kv.AgentKey(agentID, kv.SuffixDecisionLog), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("memstore: read log: %w", err)
	}

	entries := make([]game.DecisionLogEntry, 0, len(raw))
	for _, item := range raw {
		var entry game.DecisionLogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Clear removes notes and the decision log together. Best-effort atomicity:
// both deletes are issued even if the first fails.
func (s *Store) Clear(ctx context.Context, agentID string) error {
	_, err1 := s.kv.Del(ctx, kv.AgentKey(agentID, kv.SuffixMemstash))
	_, err2 := s.kv.Del(ctx, kv.AgentKey(agentID, kv.SuffixDecisionLog))
	if err1 != nil {
		return fmt.Errorf("memstore: clear notes: %w", err1)
	}
	if err2 != nil {
		return fmt.Errorf("memstore: clear log: %w", err2)
	}
	return nil
}

func truncate(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if len(s) <= n {
		return s
	}
	return s[:n]
}
