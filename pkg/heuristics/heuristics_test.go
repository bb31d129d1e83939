package heuristics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kadirpekel/gambit/pkg/game"
)

func TestFingerprintStability(t *testing.T) {
	frame := strings.Repeat("iVBORw0KGgo=", 500)
	assert.Equal(t, Fingerprint(frame, 0), Fingerprint(frame, 0))
	assert.NotEqual(t, Fingerprint(frame, 0), Fingerprint(frame+"x", 0))
}

func TestFingerprintLengthFolding(t *testing.T) {
	// Same sampled bytes, different lengths.
	a := strings.Repeat("a", 2000)
	b := strings.Repeat("a", 2500)
	assert.NotEqual(t, Fingerprint(a, 1000), Fingerprint(b, 1000))
}

func TestChange(t *testing.T) {
	assert.Equal(t, game.ChangeFirstFrame, Change(0, 42, true))
	assert.Equal(t, game.ChangeNone, Change(42, 42, false))
	assert.Equal(t, game.ChangeDetected, Change(42, 43, false))
}

func TestButtonStatsConsecutiveHints(t *testing.T) {
	s := NewButtonStats()

	s.RecordPress(game.ButtonStart)
	s.RecordPress(game.ButtonSelect)
	assert.False(t, s.AvoidStartSelect())
	s.RecordPress(game.ButtonStart)
	assert.True(t, s.AvoidStartSelect())

	// Any other button resets the run.
	s.RecordPress(game.ButtonA)
	assert.False(t, s.AvoidStartSelect())

	for i := 0; i < AvoidWaitAfter; i++ {
		s.RecordPress(game.ButtonWait)
	}
	assert.True(t, s.AvoidWait())

	for i := 0; i < AvoidBAfter; i++ {
		s.RecordPress(game.ButtonB)
	}
	assert.True(t, s.AvoidB())
	assert.False(t, s.AvoidWait())
}

func TestButtonStatsBanLifecycle(t *testing.T) {
	s := NewButtonStats()
	for i := 0; i < BanAfterPresses; i++ {
		s.RecordPress(game.ButtonA)
	}
	assert.Equal(t, []game.Button{game.ButtonA}, s.Banned())
	// Crossing the threshold resets the press counter.
	assert.Equal(t, 0, s.TotalPresses[game.ButtonA])

	s.TickPrompt()
	assert.Equal(t, []game.Button{game.ButtonA}, s.Banned())
	s.TickPrompt()
	assert.Empty(t, s.Banned())
}

func TestButtonStatsNoChangePenalty(t *testing.T) {
	s := NewButtonStats()
	for i := 0; i < NoChangePenaltyAfter; i++ {
		s.RecordOutcome(game.ButtonRight, game.ChangeNone)
	}
	assert.Equal(t, []game.Button{game.ButtonRight}, s.Avoided())

	scores := s.ApplyFloors(game.ConfidenceTable{game.ButtonRight: 0.9, game.ButtonA: 0.8})
	assert.Equal(t, NoChangeFloor, scores[game.ButtonRight])
	assert.Equal(t, 0.8, scores[game.ButtonA])

	// A detected change clears the penalty.
	s.RecordOutcome(game.ButtonRight, game.ChangeDetected)
	assert.Empty(t, s.Avoided())
}

func TestApplyFloorsDoesNotMutateInput(t *testing.T) {
	s := NewButtonStats()
	for i := 0; i < NoChangePenaltyAfter; i++ {
		s.RecordOutcome(game.ButtonUp, game.ChangeNone)
	}
	orig := game.ConfidenceTable{game.ButtonUp: 0.95}
	_ = s.ApplyFloors(orig)
	assert.Equal(t, 0.95, orig[game.ButtonUp])
}

func TestNavigationReward(t *testing.T) {
	p := &game.ProgressMetrics{VisitedAreas: []string{"Pallet Town"}}
	assert.Equal(t, 0.0, NavigationReward(p, "Pallet Town"))
	assert.Equal(t, 0.0, NavigationReward(p, ""))
	assert.Equal(t, NavigationRewardPerArea, NavigationReward(p, "Viridian City"))
}

func TestHealingReward(t *testing.T) {
	assert.Equal(t, 0.0, HealingReward(50, 40, 100))
	assert.Equal(t, 0.0, HealingReward(50, 80, 0))
	assert.InDelta(t, 2.5*30/100, HealingReward(50, 80, 100), 1e-9)
}

func TestLevelRewardSoftCap(t *testing.T) {
	assert.Equal(t, 0.0, LevelReward(0))
	assert.Equal(t, 0.5*10, LevelReward(10))
	// Past the soft cap growth slows to a quarter.
	assert.InDelta(t, 0.5*(22+(30-22)/4.0), LevelReward(30), 1e-9)
}

func TestEventReward(t *testing.T) {
	assert.Equal(t, RewardChampion, EventReward("became_champion"))
	assert.Equal(t, RewardEliteFour, EventReward("elite_four_lorelei"))
	assert.Equal(t, RewardGymLeader, EventReward("badge_boulder"))
	assert.Equal(t, RewardCaveExit, EventReward("mt_moon_cave_exit"))
	assert.Equal(t, RewardOtherMilestone, EventReward("met_oak"))
}

func TestPriorityAction(t *testing.T) {
	assert.Equal(t, PriorityHeal, PriorityAction(game.State{EstimatedPartyHP: 0.1, InBattle: true}))
	assert.Equal(t, PriorityBattle, PriorityAction(game.State{EstimatedPartyHP: 0.9, InBattle: true}))
	assert.Equal(t, PriorityProgress, PriorityAction(game.State{EstimatedPartyHP: 0.9, InDialogue: true}))
	assert.Equal(t, PriorityExplore, PriorityAction(game.State{EstimatedPartyHP: 0.9}))
}

func TestDetectStuck(t *testing.T) {
	assert.Equal(t, StuckKindNone, DetectStuck(2, []game.Button{game.ButtonUp, game.ButtonUp, game.ButtonUp}))

	wall := []game.Button{game.ButtonRight, game.ButtonRight, game.ButtonRight}
	assert.Equal(t, StuckKindWallCollision, DetectStuck(3, wall))

	dialogue := []game.Button{game.ButtonA, game.ButtonA, game.ButtonA, game.ButtonA}
	assert.Equal(t, StuckKindDialogueLoop, DetectStuck(5, dialogue))

	mixed := []game.Button{game.ButtonA, game.ButtonUp, game.ButtonB}
	assert.Equal(t, StuckKindUnknown, DetectStuck(4, mixed))

	// Only the trailing five buttons count.
	long := []game.Button{
		game.ButtonUp, game.ButtonUp, game.ButtonUp,
		game.ButtonA, game.ButtonB, game.ButtonA, game.ButtonB, game.ButtonA,
	}
	assert.Equal(t, StuckKindUnknown, DetectStuck(4, long))
}
