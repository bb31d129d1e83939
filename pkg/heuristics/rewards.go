package heuristics

import (
	"strings"

	"github.com/kadirpekel/gambit/pkg/game"
)

// Reward constants.
const (
	NavigationRewardPerArea = 0.005
	HealingRewardFactor     = 2.5
	LevelRewardFactor       = 0.5
	levelSoftCap            = 22.0
)

// NavigationReward returns the reward for entering area given the set of
// already visited areas: a small fixed bonus per newly seen label.
func NavigationReward(progress *game.ProgressMetrics, area string) float64 {
	if area == "" || progress.HasVisited(area) {
		return 0
	}
	return NavigationRewardPerArea
}

// HealingReward rewards recovered HP, scaled by party max HP. Only positive
// recovery counts.
func HealingReward(hpBefore, hpAfter, hpMax float64) float64 {
	if hpMax <= 0 {
		return 0
	}
	recovered := hpAfter - hpBefore
	if recovered <= 0 {
		return 0
	}
	return HealingRewardFactor * recovered / hpMax
}

// LevelReward maps a party level sum to a reward with diminishing returns
// past the soft cap. Callers apply only the positive differential between
// consecutive readings.
func LevelReward(levelSum float64) float64 {
	if levelSum <= 0 {
		return 0
	}
	capped := levelSum
	if soft := (levelSum-levelSoftCap)/4 + levelSoftCap; soft < capped {
		capped = soft
	}
	return LevelRewardFactor * capped
}

// Milestone event rewards.
const (
	RewardGymLeader      = 5
	RewardCaveExit       = 3
	RewardEliteFour      = 10
	RewardChampion       = 50
	RewardOtherMilestone = 1
)

// EventReward returns the integer reward for completing a named milestone.
// Unknown milestones earn a small default so new content still registers.
func EventReward(milestone string) int {
	m := strings.ToLower(milestone)
	switch {
	case strings.Contains(m, "champion"):
		return RewardChampion
	case strings.Contains(m, "elite_four") || strings.Contains(m, "elite four"):
		return RewardEliteFour
	case strings.Contains(m, "gym") || strings.Contains(m, "badge"):
		return RewardGymLeader
	case strings.Contains(m, "cave") && strings.Contains(m, "exit"):
		return RewardCaveExit
	default:
		return RewardOtherMilestone
	}
}

// Priority is the coarse action class suggested to the model.
type Priority string

const (
	PriorityHeal     Priority = "heal"
	PriorityBattle   Priority = "battle"
	PriorityProgress Priority = "progress"
	PriorityExplore  Priority = "explore"
)

// criticalHPFraction is the party HP fraction below which healing dominates.
const criticalHPFraction = 0.2

// PriorityAction derives the suggested action class from the game state.
func PriorityAction(state game.State) Priority {
	if state.EstimatedPartyHP > 0 && state.EstimatedPartyHP <= criticalHPFraction {
		return PriorityHeal
	}
	if state.InBattle {
		return PriorityBattle
	}
	if state.InDialogue || state.InMenu || state.InTextEntry {
		return PriorityProgress
	}
	return PriorityExplore
}
