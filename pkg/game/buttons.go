package game

import "strings"

// Button is a single emulator input. WAIT is a coordinator-only convention
// meaning "no input this step"; it is never sent to the frame source.
type Button string

const (
	ButtonA      Button = "A"
	ButtonB      Button = "B"
	ButtonStart  Button = "START"
	ButtonSelect Button = "SELECT"
	ButtonUp     Button = "UP"
	ButtonDown   Button = "DOWN"
	ButtonLeft   Button = "LEFT"
	ButtonRight  Button = "RIGHT"
	ButtonL      Button = "L"
	ButtonR      Button = "R"
	ButtonWait   Button = "WAIT"
)

// AllButtons lists the full button vocabulary in stable order.
// Prompt projections and confidence tables iterate this slice so the
// model-facing vocabulary never reorders between prompts.
var AllButtons = []Button{
	ButtonA, ButtonB,
	ButtonStart, ButtonSelect,
	ButtonUp, ButtonDown, ButtonLeft, ButtonRight,
	ButtonL, ButtonR,
	ButtonWait,
}

// ParseButton converts a string to a Button, case-insensitively.
func ParseButton(s string) (Button, bool) {
	for _, b := range AllButtons {
		if strings.EqualFold(string(b), s) {
			return b, true
		}
	}
	return "", false
}

// IsDirectional reports whether the button is a d-pad direction.
func (b Button) IsDirectional() bool {
	switch b {
	case ButtonUp, ButtonDown, ButtonLeft, ButtonRight:
		return true
	}
	return false
}

// ConfidenceTable maps every button to a confidence in [0, 1].
type ConfidenceTable map[Button]float64

// ArgMax returns the highest-confidence button and its score.
// Ties resolve in AllButtons order so the result is deterministic.
func (t ConfidenceTable) ArgMax() (Button, float64) {
	best := ButtonWait
	bestScore := -1.0
	for _, b := range AllButtons {
		if score, ok := t[b]; ok && score > bestScore {
			best = b
			bestScore = score
		}
	}
	if bestScore < 0 {
		return ButtonWait, 0
	}
	return best, bestScore
}

// Clone returns a copy of the table.
func (t ConfidenceTable) Clone() ConfidenceTable {
	out := make(ConfidenceTable, len(t))
	for b, s := range t {
		out[b] = s
	}
	return out
}
