package heuristics

import (
	"sort"

	"github.com/kadirpekel/gambit/pkg/game"
)

// Thresholds for the per-run button statistics.
const (
	AvoidStartSelectAfter = 2  // avoid hint when consecutive presses exceed this
	AvoidWaitAfter        = 3  // avoid hint at or past this
	AvoidBAfter           = 5  // avoid hint at or past this
	NoChangePenaltyAfter  = 5  // confidence floor + avoid after this many no-changes
	BanAfterPresses       = 10 // ban once total presses reach this
	BanPromptCount        = 2  // prompts a ban lasts
	NoChangeFloor         = 0.20
)

// ButtonStats is the per-run button accounting owned by the loop coordinator.
// The model never sees it directly; it is projected into avoid/ban hint lists
// on each prompt. Not safe for concurrent use; the coordinator serializes
// access under its iteration lock.
type ButtonStats struct {
	ConsecutiveStartSelect int `json:"consecutiveStartSelect"`
	ConsecutiveWait        int `json:"consecutiveWait"`
	ConsecutiveB           int `json:"consecutiveB"`

	NoChangeCounts map[game.Button]int `json:"noChangeCounts"`
	TotalPresses   map[game.Button]int `json:"totalPresses"`

	ButtonsToAvoid map[game.Button]bool `json:"buttonsToAvoid"`
	// BannedButtons maps button to prompts remaining on the ban.
	BannedButtons map[game.Button]int `json:"bannedButtons"`
}

// NewButtonStats returns zeroed statistics.
func NewButtonStats() *ButtonStats {
	return &ButtonStats{
		NoChangeCounts: make(map[game.Button]int),
		TotalPresses:   make(map[game.Button]int),
		ButtonsToAvoid: make(map[game.Button]bool),
		BannedButtons:  make(map[game.Button]int),
	}
}

// Reset clears all counters; used on agent reset.
func (s *ButtonStats) Reset() {
	*s = *NewButtonStats()
}

// RecordPress updates consecutive counters and total press counts for the
// executed button. Crossing the ban threshold bans the button for the next
// BanPromptCount prompts and resets its total counter.
func (s *ButtonStats) RecordPress(b game.Button) {
	switch b {
	case game.ButtonStart, game.ButtonSelect:
		s.ConsecutiveStartSelect++
		s.ConsecutiveWait = 0
		s.ConsecutiveB = 0
	case game.ButtonWait:
		s.ConsecutiveWait++
		s.ConsecutiveStartSelect = 0
		s.ConsecutiveB = 0
	case game.ButtonB:
		s.ConsecutiveB++
		s.ConsecutiveStartSelect = 0
		s.ConsecutiveWait = 0
	default:
		s.ConsecutiveStartSelect = 0
		s.ConsecutiveWait = 0
		s.ConsecutiveB = 0
	}

	s.TotalPresses[b]++
	if s.TotalPresses[b] >= BanAfterPresses {
		s.BannedButtons[b] = BanPromptCount
		s.TotalPresses[b] = 0
	}
}

// RecordOutcome updates the per-button no-change accounting for the executed
// button. Five consecutive no-changes floor the button's projected confidence
// and add it to the avoid set; any observed change clears both.
func (s *ButtonStats) RecordOutcome(b game.Button, change game.VisualChange) {
	switch change {
	case game.ChangeNone:
		s.NoChangeCounts[b]++
		if s.NoChangeCounts[b] >= NoChangePenaltyAfter {
			s.ButtonsToAvoid[b] = true
		}
	case game.ChangeDetected:
		delete(s.NoChangeCounts, b)
		delete(s.ButtonsToAvoid, b)
	}
}

// TickPrompt advances ban lifetimes by one prompt, evicting expired bans.
// Call once per prompt built.
func (s *ButtonStats) TickPrompt() {
	for b, remaining := range s.BannedButtons {
		remaining--
		if remaining <= 0 {
			delete(s.BannedButtons, b)
		} else {
			s.BannedButtons[b] = remaining
		}
	}
}

// AvoidStartSelect reports whether the prompt should warn against START/SELECT.
func (s *ButtonStats) AvoidStartSelect() bool {
	return s.ConsecutiveStartSelect > AvoidStartSelectAfter
}

// AvoidWait reports whether the prompt should warn against WAIT.
func (s *ButtonStats) AvoidWait() bool {
	return s.ConsecutiveWait >= AvoidWaitAfter
}

// AvoidB reports whether the prompt should warn against B.
func (s *ButtonStats) AvoidB() bool {
	return s.ConsecutiveB >= AvoidBAfter
}

// Avoided returns the buttons currently penalized for repeated no-change,
// in stable order.
func (s *ButtonStats) Avoided() []game.Button {
	out := make([]game.Button, 0, len(s.ButtonsToAvoid))
	for b := range s.ButtonsToAvoid {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Banned returns the currently banned buttons in stable order.
func (s *ButtonStats) Banned() []game.Button {
	out := make([]game.Button, 0, len(s.BannedButtons))
	for b := range s.BannedButtons {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ApplyFloors caps the projected confidence for penalized buttons at
// NoChangeFloor in the "previous scores" table shown to the model.
func (s *ButtonStats) ApplyFloors(scores game.ConfidenceTable) game.ConfidenceTable {
	if scores == nil {
		return nil
	}
	out := scores.Clone()
	for b := range s.ButtonsToAvoid {
		if v, ok := out[b]; ok && v > NoChangeFloor {
			out[b] = NoChangeFloor
		} else if !ok {
			out[b] = NoChangeFloor
		}
	}
	return out
}
