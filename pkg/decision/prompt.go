package decision

import (
	"fmt"
	"strings"

	"github.com/kadirpekel/gambit/pkg/game"
	"github.com/kadirpekel/gambit/pkg/heuristics"
	"github.com/kadirpekel/gambit/pkg/llms"
)

// Inputs carries everything one decision prompt is built from. The
// coordinator assembles it per iteration; the decide endpoint assembles it
// from the client request.
type Inputs struct {
	AgentID string

	// Frame is the current screen as a base64 PNG data URL.
	Frame string

	// PreviousFrames holds up to the last 2 frames, oldest first.
	PreviousFrames []string

	// CommandHistory is the formatted recent command list with change
	// indicators, oldest first.
	CommandHistory []string

	// PreviousConfidences is the prior per-button table after penalty floors.
	PreviousConfidences game.ConfidenceTable

	// DialogHistory holds the last model personality comments, oldest first.
	DialogHistory []string

	AvoidStartSelect bool
	AvoidWait        bool
	AvoidB           bool
	ButtonsToAvoid   []game.Button
	BannedButtons    []game.Button

	// NotesProjection is the memory store's prompt-sized notes rendering.
	NotesProjection string

	GameState game.State

	// RecentDecisions holds the last few decisions, oldest first.
	RecentDecisions []game.Decision

	// ScreenType carries a pre-analyzed screen kind, if any; the step runs
	// its own screen-type phase when it is empty or unknown.
	ScreenType        game.ScreenType
	ScreenDescription string
}

const systemPrompt = `You are playing a Pokemon game through an emulator. Each turn you see the current screen and must choose the next button press.

Buttons: A (confirm/interact), B (cancel/back), START (main menu), SELECT, UP, DOWN, LEFT, RIGHT (movement), L, R, WAIT (do nothing this turn).

Goals, in order: win gym badges, advance the story, keep your party healthy, explore new areas. Read dialogue by pressing A. In battles pick effective moves. Avoid re-pressing buttons that did not change the screen.

Score every button from 0.0 to 1.0 in each step of buttonSequence. Propose more than one step only when you are confident about the follow-ups (0.85 or higher).`

// maxCommandHistoryLines bounds the formatted history in the prompt.
const maxCommandHistoryLines = 25

// BuildScreenTypeRequest builds the lightweight phase-one request.
func BuildScreenTypeRequest(in *Inputs) (*llms.Request, error) {
	mediaType, data, err := llms.ParseDataURL(in.Frame)
	if err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	return &llms.Request{
		System: "Classify the game screen. Answer with the screen type and one short sentence.",
		Messages: []llms.Message{
			llms.UserMessage(
				llms.TextPart("What kind of screen is this?"),
				llms.ImagePart(mediaType, data),
			),
		},
		MaxTokens: ScreenTypeMaxTokens,
		Output: &llms.StructuredOutputConfig{
			Name:   "screen_type",
			Schema: ScreenTypeSchema(),
		},
	}, nil
}

// BuildDecisionRequest builds the full phase-two request.
func BuildDecisionRequest(in *Inputs) (*llms.Request, error) {
	mediaType, data, err := llms.ParseDataURL(in.Frame)
	if err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	parts := []llms.ContentPart{llms.TextPart(buildContext(in))}

	for i, prev := range in.PreviousFrames {
		prevMedia, prevData, err := llms.ParseDataURL(prev)
		if err != nil {
			continue
		}
		parts = append(parts,
			llms.TextPart(fmt.Sprintf("Previous frame %d:", i+1)),
			llms.ImagePart(prevMedia, prevData),
		)
	}

	parts = append(parts,
		llms.TextPart("Current frame:"),
		llms.ImagePart(mediaType, data),
	)

	return &llms.Request{
		System:    systemPrompt,
		Messages:  []llms.Message{llms.UserMessage(parts...)},
		MaxTokens: DecisionMaxTokens,
		Output: &llms.StructuredOutputConfig{
			Name:   "decision",
			Schema: DecisionSchema(),
		},
	}, nil
}

func buildContext(in *Inputs) string {
	var b strings.Builder

	if in.ScreenType != "" && in.ScreenType != game.ScreenUnknown {
		fmt.Fprintf(&b, "Screen type: %s", in.ScreenType)
		if in.ScreenDescription != "" {
			fmt.Fprintf(&b, " (%s)", in.ScreenDescription)
		}
		b.WriteString("\n\n")
	}

	writeGameState(&b, in.GameState)

	if in.NotesProjection != "" {
		b.WriteString("Your notes:\n")
		b.WriteString(in.NotesProjection)
		b.WriteString("\n\n")
	}

	if len(in.CommandHistory) > 0 {
		history := in.CommandHistory
		if len(history) > maxCommandHistoryLines {
			history = history[len(history)-maxCommandHistoryLines:]
		}
		b.WriteString("Recent commands (oldest first, * marks a screen change):\n")
		for _, line := range history {
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	if len(in.RecentDecisions) > 0 {
		b.WriteString("Recent reasoning:\n")
		for _, d := range in.RecentDecisions {
			reasoning := d.Reasoning
			if len(reasoning) > 120 {
				reasoning = reasoning[:120] + "..."
			}
			fmt.Fprintf(&b, "  %s: %s\n", d.Button, reasoning)
		}
		b.WriteByte('\n')
	}

	if len(in.DialogHistory) > 0 {
		b.WriteString("Your recent comments:\n")
		for _, line := range in.DialogHistory {
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	if len(in.PreviousConfidences) > 0 {
		b.WriteString("Previous button scores (penalties applied):\n")
		for _, button := range game.AllButtons {
			if score, ok := in.PreviousConfidences[button]; ok {
				fmt.Fprintf(&b, "  %s: %.2f\n", button, score)
			}
		}
		b.WriteByte('\n')
	}

	writeHints(&b, in)

	return strings.TrimRight(b.String(), "\n")
}

func writeGameState(b *strings.Builder, s game.State) {
	b.WriteString("Game state: ")
	fields := []string{}
	if s.Area != "" {
		fields = append(fields, "area="+s.Area)
	}
	fields = append(fields, fmt.Sprintf("badges=%d", s.Badges))
	if s.PokemonCount > 0 {
		fields = append(fields, fmt.Sprintf("party=%d", s.PokemonCount))
	}
	if s.EstimatedPartyHP > 0 {
		fields = append(fields, fmt.Sprintf("partyHP=%.0f%%", s.EstimatedPartyHP*100))
	}
	if s.PartyLevelSum > 0 {
		fields = append(fields, fmt.Sprintf("partyLevels=%.0f", s.PartyLevelSum))
	}
	if s.InBattle {
		fields = append(fields, "in battle")
	}
	if s.InDialogue {
		fields = append(fields, "in dialogue")
	}
	if s.InMenu {
		fields = append(fields, "in menu")
	}
	if s.InTextEntry {
		fields = append(fields, "entering text")
	}
	b.WriteString(strings.Join(fields, ", "))
	b.WriteString("\n\n")
}

func writeHints(b *strings.Builder, in *Inputs) {
	hints := []string{priorityHint(heuristics.PriorityAction(in.GameState))}
	if in.AvoidStartSelect {
		hints = append(hints, "You pressed START/SELECT repeatedly; avoid them unless the menu is the goal.")
	}
	if in.AvoidWait {
		hints = append(hints, "You chose WAIT several times in a row; take an action.")
	}
	if in.AvoidB {
		hints = append(hints, "You pressed B repeatedly; it is probably not helping.")
	}
	if len(in.ButtonsToAvoid) > 0 {
		hints = append(hints, fmt.Sprintf("These buttons produced no screen change recently, avoid them: %s.", joinButtons(in.ButtonsToAvoid)))
	}
	if len(in.BannedButtons) > 0 {
		hints = append(hints, fmt.Sprintf("These buttons are banned this turn, do NOT choose them: %s.", joinButtons(in.BannedButtons)))
	}

	b.WriteString("Hints:\n")
	for _, h := range hints {
		b.WriteString("  - ")
		b.WriteString(h)
		b.WriteByte('\n')
	}
}

func priorityHint(p heuristics.Priority) string {
	switch p {
	case heuristics.PriorityHeal:
		return "Priority: heal. Party HP is critically low; reach a Pokemon Center or use a healing item."
	case heuristics.PriorityBattle:
		return "Priority: battle. Pick an effective move and finish the fight."
	case heuristics.PriorityProgress:
		return "Priority: progress. Advance the current dialogue or menu."
	default:
		return "Priority: explore. Head toward places you have not visited yet."
	}
}

func joinButtons(buttons []game.Button) string {
	names := make([]string, len(buttons))
	for i, b := range buttons {
		names[i] = string(b)
	}
	return strings.Join(names, ", ")
}

// FormatCommandHistory renders frame history entries as prompt lines, with a
// leading * on entries whose press changed the screen.
func FormatCommandHistory(entries []game.FrameHistoryEntry) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		marker := " "
		if e.VisualChange == game.ChangeDetected {
			marker = "*"
		}
		lines = append(lines, fmt.Sprintf("%s %s", marker, e.Button))
	}
	return lines
}
