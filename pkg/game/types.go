// Package game defines the shared domain model for gambit agents: buttons,
// game state, decisions, notes, and the per-run statistics the loop
// coordinator maintains.
package game

import "time"

// Status is the agent lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusThinking Status = "thinking"
	StatusActing   Status = "acting"
	StatusPaused   Status = "paused"
	StatusError    Status = "error"
)

// ScreenType classifies the current screen.
type ScreenType string

const (
	ScreenOverworld  ScreenType = "overworld"
	ScreenBattle     ScreenType = "battle"
	ScreenMenu       ScreenType = "menu"
	ScreenDialogue   ScreenType = "dialogue"
	ScreenTextEntry  ScreenType = "textEntry"
	ScreenTransition ScreenType = "transition"
	ScreenUnknown    ScreenType = "unknown"
)

// VisualChange classifies consecutive-frame comparison outcomes.
type VisualChange string

const (
	ChangeFirstFrame VisualChange = "first_frame"
	ChangeDetected   VisualChange = "change_detected"
	ChangeNone       VisualChange = "no_change"
)

// StuckMode is the model-selected unstick strategy recorded in notes.
type StuckMode string

const (
	StuckNone          StuckMode = "none"
	StuckPerimeterScan StuckMode = "perimeter_scan"
	StuckWallHug       StuckMode = "wall_hug"
	StuckBacktrack     StuckMode = "backtrack"
)

// ProgressMetrics tracks long-horizon progress. Milestones and visited areas
// grow monotonically within a run and are only cleared by an explicit reset.
type ProgressMetrics struct {
	Milestones          []string  `json:"milestones"`
	VisitedAreas        []string  `json:"visitedAreas"`
	UniqueAreas         int       `json:"uniqueAreas"`
	HealingReward       float64   `json:"healingReward"`
	LevelReward         float64   `json:"levelReward"`
	ConsecutiveNoChange int       `json:"consecutiveNoChange"`
	LastEffectiveAction Button    `json:"lastEffectiveAction,omitempty"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// HasMilestone reports whether the milestone was already recorded.
func (p *ProgressMetrics) HasMilestone(name string) bool {
	for _, m := range p.Milestones {
		if m == name {
			return true
		}
	}
	return false
}

// HasVisited reports whether the area label was already recorded.
func (p *ProgressMetrics) HasVisited(area string) bool {
	for _, a := range p.VisitedAreas {
		if a == area {
			return true
		}
	}
	return false
}

// State is the observable game state carried on the agent record. It is
// created on agent init, mutated only by the decision step's response merger,
// and destroyed on reset.
type State struct {
	Area             string          `json:"area,omitempty"`
	InBattle         bool            `json:"inBattle"`
	InMenu           bool            `json:"inMenu"`
	InDialogue       bool            `json:"inDialogue"`
	InTextEntry      bool            `json:"inTextEntry"`
	ScreenType       ScreenType      `json:"screenType"`
	PokemonCount     int             `json:"pokemonCount"`
	Badges           int             `json:"badges"`
	EstimatedPartyHP float64         `json:"estimatedPartyHP"`
	PartyLevelSum    float64         `json:"partyLevelSum,omitempty"`
	Progress         ProgressMetrics `json:"progress"`
	LastInput        Button          `json:"lastInput,omitempty"`
}

// NewState returns a fresh State for agent init or reset.
func NewState(now time.Time) State {
	return State{
		ScreenType: ScreenUnknown,
		Progress: ProgressMetrics{
			Milestones:   []string{},
			VisitedAreas: []string{},
			UpdatedAt:    now,
		},
	}
}

// Notes is the structured per-agent scratchpad the model reads on each prompt
// and updates through its response. All fields overwrite on write except
// FailedAttempts, which appends and truncates to the last 5 entries.
type Notes struct {
	CurrentObjective   string    `json:"currentObjective,omitempty"`
	LastKnownLocation  string    `json:"lastKnownLocation,omitempty"`
	ExitFound          string    `json:"exitFound,omitempty"`
	StuckMode          StuckMode `json:"stuckMode,omitempty"`
	FailedAttempts     []string  `json:"failedAttempts,omitempty"`
	ImportantDiscovery string    `json:"importantDiscovery,omitempty"`
	General            string    `json:"general,omitempty"`

	// Legacy holds free-text notes written before the structured form.
	Legacy string `json:"legacy,omitempty"`
}

// IsZero reports whether the notes carry no content.
func (n Notes) IsZero() bool {
	return n.CurrentObjective == "" && n.LastKnownLocation == "" &&
		n.ExitFound == "" && (n.StuckMode == "" || n.StuckMode == StuckNone) &&
		len(n.FailedAttempts) == 0 && n.ImportantDiscovery == "" &&
		n.General == "" && n.Legacy == ""
}

// SequenceStep is one element of a model-proposed button sequence: a full
// per-button confidence table.
type SequenceStep struct {
	Confidences ConfidenceTable `json:"confidences"`
}

// Decision is the validated outcome of one decision step.
type Decision struct {
	Button             Button          `json:"button"`
	Confidence         float64         `json:"confidence"`
	ConfidenceScores   ConfidenceTable `json:"confidenceScores"`
	ScreenAnalysis     string          `json:"screenAnalysis,omitempty"`
	Reasoning          string          `json:"reasoning,omitempty"`
	PersonalityComment string          `json:"personalityComment,omitempty"`
	Sequence           []SequenceStep  `json:"buttonSequence,omitempty"`
	ExecutionPlan      []Button        `json:"executionPlan"`
	ProgressConfidence float64         `json:"progressConfidence"`
	Notes              *Notes          `json:"notes,omitempty"`
	IsFallback         bool            `json:"isFallback"`
	Timestamp          time.Time       `json:"timestamp"`
}

// FrameHistoryEntry records one executed decision together with the frame
// fingerprint observed afterwards. Bounded to the most recent 25 entries.
type FrameHistoryEntry struct {
	Button       Button       `json:"button"`
	Reasoning    string       `json:"reasoning,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
	Fingerprint  uint32       `json:"fingerprint"`
	VisualChange VisualChange `json:"visualChange"`
}

// DecisionLogEntry is one line of the append-only decision log.
type DecisionLogEntry struct {
	Step      int       `json:"step"`
	Button    Button    `json:"button"`
	Reasoning string    `json:"reasoning,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentState is the full persisted agent record (24h TTL in the KV store).
type AgentState struct {
	ID             string              `json:"id"`
	Model          string              `json:"model"`
	Status         Status              `json:"status"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	Game           State               `json:"gameState"`
	TotalDecisions int                 `json:"totalDecisions"`
	FrameCount     int                 `json:"frameCount"`
	FallbackCount  int                 `json:"fallbackCount"`
	TotalCost      float64             `json:"totalCost"`
	TotalTokensIn  int                 `json:"totalTokensIn"`
	TotalTokensOut int                 `json:"totalTokensOut"`
	Decisions      []Decision          `json:"decisions,omitempty"`
	FrameHistory   []FrameHistoryEntry `json:"frameHistory,omitempty"`
	LastError      string              `json:"lastError,omitempty"`
}

// History bounds enforced on the agent record.
const (
	MaxDecisionHistory = 25
	MaxFrameHistory    = 25
	MaxDialogHistory   = 10
	MaxRecentFrames    = 2
)

// NewAgentState initializes a fresh agent record.
func NewAgentState(id, model string, now time.Time) *AgentState {
	return &AgentState{
		ID:        id,
		Model:     model,
		Status:    StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
		Game:      NewState(now),
	}
}

// AppendDecision records a decision, keeping the most recent MaxDecisionHistory.
func (s *AgentState) AppendDecision(d Decision) {
	s.Decisions = append(s.Decisions, d)
	if len(s.Decisions) > MaxDecisionHistory {
		s.Decisions = s.Decisions[len(s.Decisions)-MaxDecisionHistory:]
	}
}

// AppendFrameHistory records a frame outcome, keeping the most recent MaxFrameHistory.
func (s *AgentState) AppendFrameHistory(e FrameHistoryEntry) {
	s.FrameHistory = append(s.FrameHistory, e)
	if len(s.FrameHistory) > MaxFrameHistory {
		s.FrameHistory = s.FrameHistory[len(s.FrameHistory)-MaxFrameHistory:]
	}
}
