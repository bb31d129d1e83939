package heuristics

import "github.com/kadirpekel/gambit/pkg/game"

// StuckKind classifies why the agent appears stuck.
type StuckKind string

const (
	StuckKindNone          StuckKind = "none"
	StuckKindWallCollision StuckKind = "wall_collision"
	StuckKindDialogueLoop  StuckKind = "dialogue_loop"
	StuckKindUnknown       StuckKind = "unknown"
)

// stuckThreshold is the consecutive no-change count that marks the agent stuck.
const stuckThreshold = 3

// DetectStuck classifies stuck state from the consecutive no-change counter
// and the most recent 3-5 executed buttons (newest last).
func DetectStuck(consecutiveNoChange int, recent []game.Button) StuckKind {
	if consecutiveNoChange < stuckThreshold {
		return StuckKindNone
	}
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}

	if n, b := trailingRun(recent); n >= 3 {
		if b.IsDirectional() {
			return StuckKindWallCollision
		}
		if b == game.ButtonA {
			return StuckKindDialogueLoop
		}
	}
	return StuckKindUnknown
}

// trailingRun returns the length and button of the identical run at the end
// of the slice.
func trailingRun(buttons []game.Button) (int, game.Button) {
	if len(buttons) == 0 {
		return 0, ""
	}
	last := buttons[len(buttons)-1]
	n := 0
	for i := len(buttons) - 1; i >= 0 && buttons[i] == last; i-- {
		n++
	}
	return n, last
}
