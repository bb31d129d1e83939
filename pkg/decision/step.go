package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/gambit/pkg/game"
	"github.com/kadirpekel/gambit/pkg/llms"
)

// Phase limits.
const (
	ScreenTypeTimeout   = 30 * time.Second
	DecisionTimeout     = 60 * time.Second
	ScreenTypeMaxTokens = 100
	DecisionMaxTokens   = 1000
)

// Step runs the two-phase model call for one agent iteration. A Step is
// cheap; the coordinator builds one per agent and reuses it.
type Step struct {
	provider llms.Provider
	counter  *TokenCounter
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Step.
type Option func(*Step)

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Step) { s.now = now }
}

// New creates a decision step bound to a provider.
func New(provider llms.Provider, opts ...Option) *Step {
	s := &Step{
		provider: provider,
		now:      time.Now,
		logger:   slog.Default().With("component", "decision"),
	}
	// Token estimation backstops providers that omit usage; failure to build
	// an encoding only disables the estimate.
	if counter, err := NewTokenCounter(provider.GetModelName()); err == nil {
		s.counter = counter
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is the outcome of one decision step. Run never fails: model errors
// surface as a fallback decision with IsFallback set.
type Result struct {
	Decision  game.Decision
	GameState game.State
	Usage     llms.Usage
	Cost      float64

	ScreenType        game.ScreenType
	ScreenDescription string
}

// Run executes the screen-type phase (unless the inputs carry a pre-analyzed
// result) and then the decision phase, merging the response onto the
// previous game state.
func (s *Step) Run(ctx context.Context, in *Inputs) *Result {
	result := &Result{
		GameState:  in.GameState,
		ScreenType: in.ScreenType,
	}

	if result.ScreenType == "" || result.ScreenType == game.ScreenUnknown {
		screenType, description, usage := s.classifyScreen(ctx, in)
		result.ScreenType = screenType
		result.ScreenDescription = description
		addUsage(&result.Usage, usage)
		in = withScreenResult(in, screenType, description)
	} else {
		result.ScreenDescription = in.ScreenDescription
	}

	decision, state, usage, err := s.decide(ctx, in)
	addUsage(&result.Usage, usage)
	if err != nil {
		s.logger.Warn("decision phase failed, using fallback",
			"agent", in.AgentID, "error", err)
		decision = s.Fallback()
		state = in.GameState
		// Estimated tokens cover calls the provider never metered; a parse
		// failure after a successful call keeps the real usage.
		if usage.TotalTokens == 0 {
			addUsage(&result.Usage, FallbackUsage())
		}
	}

	state.ScreenType = result.ScreenType
	result.Decision = decision
	result.GameState = state
	result.Cost = Cost(s.provider.GetModelName(), result.Usage)
	return result
}

// classifyScreen runs phase one. Any failure degrades to unknown.
func (s *Step) classifyScreen(ctx context.Context, in *Inputs) (game.ScreenType, string, llms.Usage) {
	req, err := BuildScreenTypeRequest(in)
	if err != nil {
		s.logger.Warn("screen-type prompt build failed", "agent", in.AgentID, "error", err)
		return game.ScreenUnknown, "", llms.Usage{}
	}

	phaseCtx, cancel := context.WithTimeout(ctx, ScreenTypeTimeout)
	defer cancel()

	resp, err := s.provider.GenerateStructured(phaseCtx, req)
	if err != nil {
		s.logger.Warn("screen-type phase failed", "agent", in.AgentID, "error", err)
		return game.ScreenUnknown, "", llms.Usage{}
	}

	var payload screenTypePayload
	if err := json.Unmarshal([]byte(resp.Text), &payload); err != nil {
		s.logger.Warn("screen-type response unparseable", "agent", in.AgentID, "error", err)
		return game.ScreenUnknown, "", resp.Usage
	}
	return parseScreenType(payload.ScreenType), payload.BriefDescription, resp.Usage
}

func (s *Step) decide(ctx context.Context, in *Inputs) (game.Decision, game.State, llms.Usage, error) {
	req, err := BuildDecisionRequest(in)
	if err != nil {
		return game.Decision{}, game.State{}, llms.Usage{}, err
	}

	phaseCtx, cancel := context.WithTimeout(ctx, DecisionTimeout)
	defer cancel()

	resp, err := s.provider.GenerateStructured(phaseCtx, req)
	if err != nil {
		return game.Decision{}, game.State{}, llms.Usage{}, err
	}
	if resp.Usage.TotalTokens == 0 && s.counter != nil {
		resp.Usage.PromptTokens = s.counter.EstimateRequest(req)
		resp.Usage.CompletionTokens = s.counter.Count(resp.Text)
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}

	var payload decisionPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &payload); err != nil {
		return game.Decision{}, game.State{}, resp.Usage,
			fmt.Errorf("response is not valid JSON: %w", err)
	}

	decision, err := s.buildDecision(&payload)
	if err != nil {
		return game.Decision{}, game.State{}, resp.Usage, err
	}

	state := mergeGameState(in.GameState, payload.GameState)
	return decision, state, resp.Usage, nil
}

// buildDecision validates the payload and derives the execution plan.
func (s *Step) buildDecision(payload *decisionPayload) (game.Decision, error) {
	body := &payload.Decision
	if len(body.ButtonSequence) == 0 {
		return game.Decision{}, fmt.Errorf("buttonSequence is empty")
	}

	steps := make([]game.SequenceStep, 0, len(body.ButtonSequence))
	for i, raw := range body.ButtonSequence {
		table := parseConfidenceTable(raw)
		if len(table) == 0 {
			return game.Decision{}, fmt.Errorf("buttonSequence[%d] has no recognizable buttons", i)
		}
		steps = append(steps, game.SequenceStep{Confidences: table})
	}

	plan := DeriveSequence(steps)
	primary, confidence := steps[0].Confidences.ArgMax()

	progressConfidence := body.ProgressConfidence
	if progressConfidence < 0 {
		progressConfidence = 0
	} else if progressConfidence > 1 {
		progressConfidence = 1
	}

	d := game.Decision{
		Button:             primary,
		Confidence:         confidence,
		ConfidenceScores:   steps[0].Confidences,
		ScreenAnalysis:     body.ScreenAnalysis,
		Reasoning:          body.Reasoning,
		Sequence:           steps,
		ExecutionPlan:      plan,
		ProgressConfidence: progressConfidence,
		Timestamp:          s.now(),
	}
	if body.PersonalityComment != nil {
		d.PersonalityComment = *body.PersonalityComment
	}
	if body.Notes != nil {
		d.Notes = notesFromPayload(body.Notes)
	}
	return d, nil
}

// Fallback is the safe decision used when the model call fails: WAIT at 0.5
// with a low-confidence table favoring WAIT.
func (s *Step) Fallback() game.Decision {
	table := make(game.ConfidenceTable, len(game.AllButtons))
	for _, b := range game.AllButtons {
		table[b] = 0.1
	}
	table[game.ButtonWait] = 0.5

	return game.Decision{
		Button:           game.ButtonWait,
		Confidence:       0.5,
		ConfidenceScores: table,
		Reasoning:        "model call failed; waiting one step",
		Sequence:         []game.SequenceStep{{Confidences: table.Clone()}},
		ExecutionPlan:    []game.Button{game.ButtonWait},
		IsFallback:       true,
		Timestamp:        s.now(),
	}
}

func parseScreenType(raw string) game.ScreenType {
	switch game.ScreenType(raw) {
	case game.ScreenOverworld, game.ScreenBattle, game.ScreenMenu,
		game.ScreenDialogue, game.ScreenTextEntry, game.ScreenTransition:
		return game.ScreenType(raw)
	default:
		return game.ScreenUnknown
	}
}

func withScreenResult(in *Inputs, screenType game.ScreenType, description string) *Inputs {
	out := *in
	out.ScreenType = screenType
	out.ScreenDescription = description
	return &out
}

// mergeGameState applies the model's optional state delta onto the previous
// state. Absent fields keep their previous values.
func mergeGameState(prev game.State, p *gameStatePayload) game.State {
	state := prev
	if p == nil {
		return state
	}
	if p.Area != nil {
		state.Area = *p.Area
	}
	if p.InBattle != nil {
		state.InBattle = *p.InBattle
	}
	if p.InMenu != nil {
		state.InMenu = *p.InMenu
	}
	if p.InDialogue != nil {
		state.InDialogue = *p.InDialogue
	}
	if p.InTextEntry != nil {
		state.InTextEntry = *p.InTextEntry
	}
	if p.PokemonCount != nil && *p.PokemonCount >= 0 {
		state.PokemonCount = *p.PokemonCount
	}
	if p.Badges != nil && *p.Badges >= 0 {
		state.Badges = *p.Badges
	}
	if p.ScreenType != nil {
		state.ScreenType = parseScreenType(*p.ScreenType)
	}
	if p.EstimatedPartyHP != nil {
		hp := *p.EstimatedPartyHP
		if hp > 1 {
			hp = hp / 100 // some models answer in percent
		}
		if hp >= 0 && hp <= 1 {
			state.EstimatedPartyHP = hp
		}
	}
	if p.PartyLevelSum != nil && *p.PartyLevelSum > 0 {
		state.PartyLevelSum = *p.PartyLevelSum
	}
	return state
}

func notesFromPayload(p *notesPayload) *game.Notes {
	notes := &game.Notes{}
	if p.CurrentObjective != nil {
		notes.CurrentObjective = *p.CurrentObjective
	}
	if p.LastKnownLocation != nil {
		notes.LastKnownLocation = *p.LastKnownLocation
	}
	if p.ExitFound != nil {
		notes.ExitFound = *p.ExitFound
	}
	if p.StuckMode != nil {
		notes.StuckMode = game.StuckMode(*p.StuckMode)
	}
	if len(p.FailedAttempts) > 0 {
		notes.FailedAttempts = p.FailedAttempts
	}
	if p.ImportantDiscovery != nil {
		notes.ImportantDiscovery = *p.ImportantDiscovery
	}
	if p.General != nil {
		notes.General = *p.General
	}
	if notes.IsZero() {
		return nil
	}
	return notes
}

func addUsage(total *llms.Usage, u llms.Usage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}
