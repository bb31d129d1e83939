package decision

import "github.com/kadirpekel/gambit/pkg/game"

// SequenceConfidenceThreshold gates multi-step execution: steps after the
// first run only while their argmax confidence stays at or above it.
const SequenceConfidenceThreshold = 0.85

// MaxSequenceLength bounds how many presses one decision may execute.
const MaxSequenceLength = 5

// DeriveSequence turns the model's proposed button sequence into the
// execution plan. Step 1's argmax is always taken; later steps are included
// until the first one under the threshold. The plan is never empty: failed
// derivation yields a single WAIT.
func DeriveSequence(steps []game.SequenceStep) []game.Button {
	if len(steps) == 0 {
		return []game.Button{game.ButtonWait}
	}

	primary, _ := steps[0].Confidences.ArgMax()
	plan := []game.Button{primary}

	for _, step := range steps[1:] {
		if len(plan) >= MaxSequenceLength {
			break
		}
		button, confidence := step.Confidences.ArgMax()
		if confidence < SequenceConfidenceThreshold {
			break
		}
		plan = append(plan, button)
	}
	return plan
}
