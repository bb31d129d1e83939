package kv

import (
	"fmt"
	"time"
)

// Agent key suffixes. Every per-agent key lives under "agent:{id}:".
const (
	SuffixState       = "state"
	SuffixHeartbeat   = "heartbeat"
	SuffixFrames      = "frames"
	SuffixDecisions   = "decisions"
	SuffixMilestones  = "milestones"
	SuffixLocations   = "locations"
	SuffixProgress    = "progress"
	SuffixRewards     = "rewards"
	SuffixStuck       = "stuck"
	SuffixMemstash    = "memstash"
	SuffixDecisionLog = "decisionlog"
)

// TTLs for the per-agent namespaces.
const (
	HeartbeatTTL = 60 * time.Second
	RewardsTTL   = time.Hour
	StuckTTL     = 5 * time.Minute
	StateTTL     = 24 * time.Hour
)

// AgentKey builds a namespaced per-agent key.
func AgentKey(agentID, suffix string) string {
	return fmt.Sprintf("agent:%s:%s", agentID, suffix)
}

// AgentPrefix is the prefix covering every key owned by one agent,
// used by reset to delete the whole namespace.
func AgentPrefix(agentID string) string {
	return fmt.Sprintf("agent:%s:", agentID)
}

// LeaderboardKey builds a shared leaderboard key. Kinds: badges,
// milestones, cost.
func LeaderboardKey(kind string) string {
	return fmt.Sprintf("leaderboard:%s", kind)
}
