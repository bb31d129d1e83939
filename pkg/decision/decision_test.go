package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/gambit/pkg/game"
	"github.com/kadirpekel/gambit/pkg/llms"
)

type fakeCall struct {
	text  string
	usage llms.Usage
	err   error
}

type fakeProvider struct {
	model string
	calls []fakeCall
	seen  []*llms.Request
}

func (f *fakeProvider) GenerateStructured(ctx context.Context, req *llms.Request) (*llms.Response, error) {
	f.seen = append(f.seen, req)
	if len(f.calls) == 0 {
		return nil, errors.New("no scripted response")
	}
	call := f.calls[0]
	f.calls = f.calls[1:]
	if call.err != nil {
		return nil, call.err
	}
	return &llms.Response{Text: call.text, Usage: call.usage}, nil
}

func (f *fakeProvider) GetModelName() string { return f.model }
func (f *fakeProvider) Close() error         { return nil }

const testFrame = "data:image/png;base64,aGVsbG8tZnJhbWUtYnl0ZXM="

func fixedClock() func() time.Time {
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func decisionJSON() string {
	return `{
		"gameState": {"area": "Pallet Town", "inDialogue": true, "estimatedPartyHP": 80},
		"decision": {
			"screenAnalysis": "A character is speaking.",
			"reasoning": "Advance the dialogue.",
			"personality_comment": "Here we go!",
			"buttonSequence": [
				{"A": 0.9, "B": 0.1, "WAIT": 0.2},
				{"A": 0.88, "B": 0.1},
				{"A": 0.5, "B": 0.3}
			],
			"progressConfidence": 0.7,
			"notes": {"currentObjective": "Talk to Oak"}
		}
	}`
}

func TestDeriveSequence(t *testing.T) {
	steps := []game.SequenceStep{
		{Confidences: game.ConfidenceTable{game.ButtonA: 0.9}},
		{Confidences: game.ConfidenceTable{game.ButtonUp: 0.86}},
		{Confidences: game.ConfidenceTable{game.ButtonUp: 0.84}},
		{Confidences: game.ConfidenceTable{game.ButtonA: 0.99}},
	}
	assert.Equal(t, []game.Button{game.ButtonA, game.ButtonUp}, DeriveSequence(steps),
		"steps stop at the first sub-threshold confidence")

	assert.Equal(t, []game.Button{game.ButtonWait}, DeriveSequence(nil))

	// Step 1 is always taken regardless of confidence.
	low := []game.SequenceStep{{Confidences: game.ConfidenceTable{game.ButtonLeft: 0.3}}}
	assert.Equal(t, []game.Button{game.ButtonLeft}, DeriveSequence(low))

	// The plan length is bounded.
	long := make([]game.SequenceStep, 10)
	for i := range long {
		long[i] = game.SequenceStep{Confidences: game.ConfidenceTable{game.ButtonA: 0.95}}
	}
	assert.Len(t, DeriveSequence(long), MaxSequenceLength)
}

func TestParseConfidenceTable(t *testing.T) {
	table := parseConfidenceTable(map[string]float64{
		"A":       0.9,
		"right":   0.5,
		"TURBO":   0.4, // not a button
		"B":       -0.2,
		"START":   1.7,
	})
	assert.Equal(t, 0.9, table[game.ButtonA])
	assert.Equal(t, 0.5, table[game.ButtonRight])
	assert.Equal(t, 0.0, table[game.ButtonB])
	assert.Equal(t, 1.0, table[game.ButtonStart])
	assert.NotContains(t, table, game.Button("TURBO"))
}

func TestSchemasAreObjects(t *testing.T) {
	st := ScreenTypeSchema()
	assert.Equal(t, "object", st["type"])
	props, ok := st["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "screenType")

	ds := DecisionSchema()
	assert.Equal(t, "object", ds["type"])
	props, ok = ds["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "decision")
}

func TestStepRunSuccess(t *testing.T) {
	provider := &fakeProvider{
		model: "gpt-4o",
		calls: []fakeCall{
			{text: `{"screenType": "dialogue", "briefDescription": "NPC talking"}`,
				usage: llms.Usage{PromptTokens: 200, CompletionTokens: 20, TotalTokens: 220}},
			{text: decisionJSON(),
				usage: llms.Usage{PromptTokens: 1200, CompletionTokens: 300, TotalTokens: 1500}},
		},
	}

	step := New(provider, WithClock(fixedClock()))
	result := step.Run(context.Background(), &Inputs{
		AgentID:   "agent-1",
		Frame:     testFrame,
		GameState: game.NewState(time.Now()),
	})

	require.False(t, result.Decision.IsFallback)
	assert.Equal(t, game.ButtonA, result.Decision.Button)
	assert.Equal(t, 0.9, result.Decision.Confidence)
	assert.Equal(t, []game.Button{game.ButtonA, game.ButtonA}, result.Decision.ExecutionPlan)
	assert.Equal(t, "Here we go!", result.Decision.PersonalityComment)
	require.NotNil(t, result.Decision.Notes)
	assert.Equal(t, "Talk to Oak", result.Decision.Notes.CurrentObjective)

	assert.Equal(t, game.ScreenDialogue, result.ScreenType)
	assert.Equal(t, game.ScreenDialogue, result.GameState.ScreenType)
	assert.Equal(t, "Pallet Town", result.GameState.Area)
	assert.True(t, result.GameState.InDialogue)
	assert.InDelta(t, 0.8, result.GameState.EstimatedPartyHP, 1e-9, "percent values normalize to a fraction")

	assert.Equal(t, 1400, result.Usage.PromptTokens)
	assert.Equal(t, 320, result.Usage.CompletionTokens)
	assert.Greater(t, result.Cost, 0.0)

	require.Len(t, provider.seen, 2)
	assert.NotNil(t, provider.seen[0].Output)
	assert.NotNil(t, provider.seen[1].Output)
}

func TestStepRunSkipsScreenPhaseWhenPreAnalyzed(t *testing.T) {
	provider := &fakeProvider{
		model: "gpt-4o",
		calls: []fakeCall{{text: decisionJSON(), usage: llms.Usage{PromptTokens: 1000, CompletionTokens: 200, TotalTokens: 1200}}},
	}

	step := New(provider, WithClock(fixedClock()))
	result := step.Run(context.Background(), &Inputs{
		AgentID:    "agent-1",
		Frame:      testFrame,
		GameState:  game.NewState(time.Now()),
		ScreenType: game.ScreenBattle,
	})

	assert.Len(t, provider.seen, 1, "only the decision phase should run")
	assert.Equal(t, game.ScreenBattle, result.ScreenType)
	assert.False(t, result.Decision.IsFallback)
}

func TestStepRunFallbackOnModelError(t *testing.T) {
	provider := &fakeProvider{
		model: "gpt-4o",
		calls: []fakeCall{
			{text: `{"screenType": "overworld", "briefDescription": "field"}`},
			{err: errors.New("rate limited")},
		},
	}

	step := New(provider, WithClock(fixedClock()))
	result := step.Run(context.Background(), &Inputs{
		AgentID:   "agent-1",
		Frame:     testFrame,
		GameState: game.NewState(time.Now()),
	})

	require.True(t, result.Decision.IsFallback)
	assert.Equal(t, game.ButtonWait, result.Decision.Button)
	assert.Equal(t, 0.5, result.Decision.Confidence)
	assert.Equal(t, []game.Button{game.ButtonWait}, result.Decision.ExecutionPlan)
	assert.GreaterOrEqual(t, result.Usage.PromptTokens, FallbackPromptTokens)
	assert.GreaterOrEqual(t, result.Usage.CompletionTokens, FallbackCompletionTokens)
	assert.Greater(t, result.Cost, 0.0)
}

func TestStepRunFallbackOnUnparseableJSON(t *testing.T) {
	provider := &fakeProvider{
		model: "claude-sonnet-4-20250514",
		calls: []fakeCall{
			{text: `{"screenType": "menu", "briefDescription": "menu"}`},
			{text: "the screen shows a menu"},
		},
	}

	step := New(provider, WithClock(fixedClock()))
	result := step.Run(context.Background(), &Inputs{
		AgentID:   "agent-1",
		Frame:     testFrame,
		GameState: game.NewState(time.Now()),
	})

	assert.True(t, result.Decision.IsFallback)
	assert.Equal(t, game.ScreenMenu, result.ScreenType)
}

func TestStepRunFallbackKeepsMeteredUsage(t *testing.T) {
	provider := &fakeProvider{
		model: "gpt-4o",
		calls: []fakeCall{
			{text: `{"screenType": "menu", "briefDescription": "menu"}`,
				usage: llms.Usage{PromptTokens: 200, CompletionTokens: 20, TotalTokens: 220}},
			{text: "the screen shows a menu",
				usage: llms.Usage{PromptTokens: 1200, CompletionTokens: 300, TotalTokens: 1500}},
		},
	}

	step := New(provider, WithClock(fixedClock()))
	result := step.Run(context.Background(), &Inputs{
		AgentID:   "agent-1",
		Frame:     testFrame,
		GameState: game.NewState(time.Now()),
	})

	// The call succeeded and was metered; only parsing failed. Estimated
	// fallback tokens would double-charge here.
	require.True(t, result.Decision.IsFallback)
	assert.Equal(t, 1400, result.Usage.PromptTokens)
	assert.Equal(t, 320, result.Usage.CompletionTokens)
}

func TestMergeGameState(t *testing.T) {
	prev := game.NewState(time.Now())
	prev.Area = "Route 1"
	prev.Badges = 2
	prev.PartyLevelSum = 15

	hp := 0.4
	inBattle := true
	merged := mergeGameState(prev, &gameStatePayload{
		InBattle:         &inBattle,
		EstimatedPartyHP: &hp,
	})
	assert.Equal(t, "Route 1", merged.Area, "absent fields keep previous values")
	assert.Equal(t, 2, merged.Badges)
	assert.True(t, merged.InBattle)
	assert.Equal(t, 0.4, merged.EstimatedPartyHP)
	assert.Equal(t, 15.0, merged.PartyLevelSum)

	levels := 18.0
	merged = mergeGameState(prev, &gameStatePayload{PartyLevelSum: &levels})
	assert.Equal(t, 18.0, merged.PartyLevelSum)

	assert.Equal(t, prev, mergeGameState(prev, nil))
}

func TestBuildContextPriorityHint(t *testing.T) {
	battle := game.NewState(time.Now())
	battle.InBattle = true
	assert.Contains(t, buildContext(&Inputs{GameState: battle}), "Priority: battle")

	hurt := game.NewState(time.Now())
	hurt.EstimatedPartyHP = 0.1
	assert.Contains(t, buildContext(&Inputs{GameState: hurt}), "Priority: heal")

	talking := game.NewState(time.Now())
	talking.InDialogue = true
	assert.Contains(t, buildContext(&Inputs{GameState: talking}), "Priority: progress")

	assert.Contains(t, buildContext(&Inputs{GameState: game.NewState(time.Now())}), "Priority: explore")
}

func TestPricing(t *testing.T) {
	assert.Equal(t, PricingFor("gpt-4o-mini-2024-07-18"), pricingTable["gpt-4o-mini"],
		"longest prefix wins over gpt-4o")
	assert.Equal(t, PricingFor("GPT-4o"), pricingTable["gpt-4o"])
	assert.Equal(t, defaultPricing, PricingFor("some-new-model"))

	usage := llms.Usage{PromptTokens: 1000, CompletionTokens: 1000}
	p := PricingFor("gpt-4o")
	assert.InDelta(t, p.InputPer1K+p.OutputPer1K, Cost("gpt-4o", usage), 1e-9)
	assert.Equal(t, 0.0, Cost("gpt-4o", llms.Usage{}))
}

func TestFormatCommandHistory(t *testing.T) {
	lines := FormatCommandHistory([]game.FrameHistoryEntry{
		{Button: game.ButtonA, VisualChange: game.ChangeDetected},
		{Button: game.ButtonRight, VisualChange: game.ChangeNone},
	})
	assert.Equal(t, []string{"* A", "  RIGHT"}, lines)
}
