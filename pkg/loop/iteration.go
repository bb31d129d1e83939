package loop

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/gambit/pkg/decision"
	"github.com/kadirpekel/gambit/pkg/frames"
	"github.com/kadirpekel/gambit/pkg/game"
	"github.com/kadirpekel/gambit/pkg/heuristics"
	"github.com/kadirpekel/gambit/pkg/kv"
	"github.com/kadirpekel/gambit/pkg/memstore"
)

// IterationResult is the outcome of one loop iteration.
type IterationResult struct {
	Decision       game.Decision   `json:"decision"`
	GameState      game.State      `json:"gameState"`
	Executed       []game.Button   `json:"executed"`
	Cost           float64         `json:"cost"`
	TotalCost      float64         `json:"totalCost"`
	TotalDecisions int             `json:"totalDecisions"`
	TokensIn       int             `json:"tokensIn"`
	TokensOut      int             `json:"tokensOut"`
	ScreenType     game.ScreenType `json:"screenType"`
	Cooldown       time.Duration   `json:"-"`

	// VisualChange feeds the deferred KV publication in the autonomous loop.
	VisualChange game.VisualChange `json:"-"`
}

// ClientHints carries the heuristic context a driving client accumulated on
// its side; they are unioned with the coordinator's own counters.
type ClientHints struct {
	PreviousFrames      []string
	CommandHistory      []string
	PreviousConfidences game.ConfidenceTable
	DialogHistory       []string
	AvoidStartSelect    bool
	AvoidWait           bool
	AvoidB              bool
	ButtonsToAvoid      []game.Button
	BannedButtons       []game.Button
}

// RunIteration executes one full iteration under the iteration lock:
// capture, heuristics, decide, act, persist, publish. It returns
// ErrFrameUnavailable without advancing totals when no frame can be captured.
func (c *Coordinator) RunIteration(ctx context.Context) (*IterationResult, error) {
	result, err := c.runIteration(ctx, nil)
	if err == nil {
		c.publishIteration(context.WithoutCancel(ctx), result.VisualChange, result.Executed)
	}
	return result, err
}

// RunClientIteration is RunIteration with client-supplied hints, used by the
// decide endpoint.
func (c *Coordinator) RunClientIteration(ctx context.Context, hints *ClientHints) (*IterationResult, error) {
	result, err := c.runIteration(ctx, hints)
	if err == nil {
		c.publishIteration(context.WithoutCancel(ctx), result.VisualChange, result.Executed)
	}
	return result, err
}

func (c *Coordinator) runIteration(ctx context.Context, hints *ClientHints) (*IterationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setStatus(game.StatusThinking)

	frame, err := c.deps.Source.Capture(ctx)
	if err != nil {
		if isAdapterLost(err) {
			c.fail(ctx, err)
		} else {
			c.setStatus(game.StatusIdle)
		}
		return nil, err
	}

	fingerprint, change := c.observeFrame(frame)
	c.applyOutcome(change)

	inputs := c.buildInputs(ctx, frame, hints)

	deadlineCtx, cancel := context.WithTimeout(ctx, c.cfg.DecisionDeadline)
	result := c.deps.Step.Run(deadlineCtx, inputs)
	cancel()

	if ctx.Err() != nil {
		c.setStatus(game.StatusPaused)
		return nil, ctx.Err()
	}

	c.setStatus(game.StatusActing)
	executed, execErr := c.executePlan(ctx, result.Decision.ExecutionPlan)
	if execErr != nil && isAdapterLost(execErr) {
		c.fail(ctx, execErr)
		return nil, execErr
	}

	c.recordDecision(ctx, frame, fingerprint, change, result)

	if ctx.Err() != nil {
		c.setStatus(game.StatusPaused)
		return nil, ctx.Err()
	}
	c.setStatus(game.StatusIdle)

	c.stateMu.RLock()
	out := &IterationResult{
		Decision:       result.Decision,
		GameState:      c.state.Game,
		Executed:       executed,
		Cost:           result.Cost,
		TotalCost:      c.state.TotalCost,
		TotalDecisions: c.state.TotalDecisions,
		TokensIn:       c.state.TotalTokensIn,
		TokensOut:      c.state.TotalTokensOut,
		ScreenType:     result.ScreenType,
		Cooldown:       c.cooldownFor(result.ScreenType),
		VisualChange:   change,
	}
	c.stateMu.RUnlock()
	return out, nil
}

// observeFrame fingerprints the captured frame against the previous one.
func (c *Coordinator) observeFrame(frame frames.Frame) (uint32, game.VisualChange) {
	payload := base64.StdEncoding.EncodeToString(frame.Data)
	fingerprint := heuristics.Fingerprint(payload, heuristics.DefaultStride)

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	change := heuristics.Change(c.lastFingerprint, fingerprint, !c.haveFingerprint)
	c.lastFingerprint = fingerprint
	c.haveFingerprint = true
	return fingerprint, change
}

// applyOutcome attributes the observed change to the previous press.
func (c *Coordinator) applyOutcome(change game.VisualChange) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.lastButton == "" || change == game.ChangeFirstFrame {
		return
	}

	c.stats.RecordOutcome(c.lastButton, change)

	progress := &c.state.Game.Progress
	switch change {
	case game.ChangeNone:
		progress.ConsecutiveNoChange++
	case game.ChangeDetected:
		progress.ConsecutiveNoChange = 0
		progress.LastEffectiveAction = c.lastButton
	}
	progress.UpdatedAt = c.now()
}

func (c *Coordinator) buildInputs(ctx context.Context, frame frames.Frame, hints *ClientHints) *decision.Inputs {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	in := &decision.Inputs{
		AgentID:             c.cfg.AgentID,
		Frame:               frame.DataURL(),
		PreviousFrames:      append([]string(nil), c.recentFrames...),
		CommandHistory:      decision.FormatCommandHistory(c.state.FrameHistory),
		PreviousConfidences: c.stats.ApplyFloors(c.lastScores),
		DialogHistory:       append([]string(nil), c.dialogHistory...),
		AvoidStartSelect:    c.stats.AvoidStartSelect(),
		AvoidWait:           c.stats.AvoidWait(),
		AvoidB:              c.stats.AvoidB(),
		ButtonsToAvoid:      c.stats.Avoided(),
		BannedButtons:       c.stats.Banned(),
		GameState:           c.state.Game,
	}

	if n := len(c.state.Decisions); n > 0 {
		start := n - 5
		if start < 0 {
			start = 0
		}
		in.RecentDecisions = append([]game.Decision(nil), c.state.Decisions[start:]...)
	}

	if notes, err := c.deps.Memory.GetNotes(ctx, c.cfg.AgentID); err == nil {
		in.NotesProjection = memstore.FormatNotesForPrompt(notes, memstore.MaxPromptChars)
	}

	if hints != nil {
		mergeHints(in, hints)
	}

	// Bans last a fixed number of prompts; age them only after this prompt
	// has consumed them.
	c.stats.TickPrompt()
	return in
}

// mergeHints unions client-side context into the inputs. Client histories
// replace empty server ones; avoid and ban sets union.
func mergeHints(in *decision.Inputs, h *ClientHints) {
	if len(h.PreviousFrames) > 0 {
		in.PreviousFrames = lastN(h.PreviousFrames, game.MaxRecentFrames)
	}
	if len(h.CommandHistory) > 0 {
		in.CommandHistory = h.CommandHistory
	}
	if len(h.DialogHistory) > 0 {
		in.DialogHistory = lastN(h.DialogHistory, game.MaxDialogHistory)
	}
	if len(h.PreviousConfidences) > 0 {
		if in.PreviousConfidences == nil {
			in.PreviousConfidences = h.PreviousConfidences.Clone()
		} else {
			for b, score := range h.PreviousConfidences {
				if cur, ok := in.PreviousConfidences[b]; !ok || score < cur {
					in.PreviousConfidences[b] = score
				}
			}
		}
	}
	in.AvoidStartSelect = in.AvoidStartSelect || h.AvoidStartSelect
	in.AvoidWait = in.AvoidWait || h.AvoidWait
	in.AvoidB = in.AvoidB || h.AvoidB
	in.ButtonsToAvoid = unionButtons(in.ButtonsToAvoid, h.ButtonsToAvoid)
	in.BannedButtons = unionButtons(in.BannedButtons, h.BannedButtons)
}

// executePlan presses the plan's buttons in order. WAIT is never sent to the
// source. Cancellation lets the current press finish but issues no more.
func (c *Coordinator) executePlan(ctx context.Context, plan []game.Button) ([]game.Button, error) {
	executed := make([]game.Button, 0, len(plan))
	for i, button := range plan {
		if i > 0 {
			if !c.sleep(ctx, c.cfg.BetweenPressDelay) {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		if button != game.ButtonWait && c.cfg.ExecuteInputs {
			if err := c.deps.Source.PressAndRelease(ctx, button, PressHoldMs); err != nil {
				return executed, err
			}
			c.deps.Metrics.RecordPress(ctx, c.cfg.AgentID, string(button))
		}

		c.stateMu.Lock()
		c.stats.RecordPress(button)
		c.stateMu.Unlock()
		executed = append(executed, button)
	}
	return executed, nil
}

// recordDecision merges the result into the agent record, memory, rewards,
// and leaderboards. KV publication is the caller's job so the autonomous
// loop can defer it until the post-decision cooldown has elapsed.
func (c *Coordinator) recordDecision(ctx context.Context, frame frames.Frame, fingerprint uint32, change game.VisualChange, result *decision.Result) {
	// Persistence must finish even when the iteration was canceled mid-press.
	ctx = context.WithoutCancel(ctx)
	d := result.Decision

	c.stateMu.Lock()
	prevState := c.state.Game
	c.state.Game = result.GameState
	c.state.TotalDecisions++
	c.state.FrameCount++
	if d.IsFallback {
		c.state.FallbackCount++
	}
	c.state.TotalCost += result.Cost
	c.state.TotalTokensIn += result.Usage.PromptTokens
	c.state.TotalTokensOut += result.Usage.CompletionTokens
	c.state.UpdatedAt = c.now()
	c.state.Game.LastInput = d.Button
	c.state.AppendDecision(d)
	c.state.AppendFrameHistory(game.FrameHistoryEntry{
		Button:       d.Button,
		Reasoning:    truncate(d.Reasoning, 140),
		Timestamp:    c.now(),
		Fingerprint:  fingerprint,
		VisualChange: change,
	})

	c.lastButton = d.Button
	c.lastScores = d.ConfidenceScores.Clone()

	c.recentFrames = append(c.recentFrames, frame.DataURL())
	if len(c.recentFrames) > game.MaxRecentFrames {
		c.recentFrames = c.recentFrames[len(c.recentFrames)-game.MaxRecentFrames:]
	}
	if d.PersonalityComment != "" {
		c.dialogHistory = append(c.dialogHistory, d.PersonalityComment)
		if len(c.dialogHistory) > game.MaxDialogHistory {
			c.dialogHistory = c.dialogHistory[len(c.dialogHistory)-game.MaxDialogHistory:]
		}
	}

	totalDecisions := c.state.TotalDecisions
	c.stateMu.Unlock()

	if d.Notes != nil {
		if _, err := c.deps.Memory.MergeNotes(ctx, c.cfg.AgentID, *d.Notes); err != nil {
			c.logger.Warn("notes merge failed", "error", err)
		}
	}
	if _, err := c.deps.Memory.AppendDecisionLog(ctx, c.cfg.AgentID, d.Button, d.Reasoning); err != nil {
		c.logger.Warn("decision log append failed", "error", err)
	}

	c.applyRewards(ctx, prevState, result.GameState, frame)
	c.deps.Metrics.RecordCost(ctx, c.cfg.AgentID, c.cfg.Model, result.Cost)

	if c.deps.Checkpoint != nil && c.deps.Checkpoint.ShouldCheckpoint(totalDecisions) {
		if _, err := c.deps.Checkpoint.Save(ctx, c.deps.Source, c.cfg.AgentID, c.cfg.Model, totalDecisions); err != nil {
			c.logger.Warn("checkpoint failed", "decision", totalDecisions, "error", err)
		}
	}
}

// applyRewards detects area changes, badge milestones, and healing, and
// updates progress metrics, reward keys, and leaderboards.
func (c *Coordinator) applyRewards(ctx context.Context, prev, curr game.State, frame frames.Frame) {
	agentID := c.cfg.AgentID
	var reward float64

	c.stateMu.Lock()
	progress := &c.state.Game.Progress

	if curr.Area != "" && !progress.HasVisited(curr.Area) {
		reward += heuristics.NavigationReward(progress, curr.Area)
		progress.VisitedAreas = append(progress.VisitedAreas, curr.Area)
		progress.UniqueAreas = len(progress.VisitedAreas)
	}

	var newMilestones []string
	if curr.Badges > prev.Badges {
		for n := prev.Badges + 1; n <= curr.Badges; n++ {
			milestone := fmt.Sprintf("badge_%d", n)
			if !progress.HasMilestone(milestone) {
				progress.Milestones = append(progress.Milestones, milestone)
				newMilestones = append(newMilestones, milestone)
			}
		}
	}

	if healing := heuristics.HealingReward(prev.EstimatedPartyHP, curr.EstimatedPartyHP, 1.0); healing > 0 {
		progress.HealingReward += healing
		reward += healing
	}

	if curr.PartyLevelSum > prev.PartyLevelSum {
		if gained := heuristics.LevelReward(curr.PartyLevelSum) - heuristics.LevelReward(prev.PartyLevelSum); gained > 0 {
			progress.LevelReward += gained
			reward += gained
		}
	}

	badges := curr.Badges
	milestoneCount := len(progress.Milestones)
	totalCost := c.state.TotalCost
	c.stateMu.Unlock()

	if curr.Area != "" && curr.Area != prev.Area {
		if _, err := c.deps.KV.SAdd(ctx, kv.AgentKey(agentID, kv.SuffixLocations), curr.Area); err != nil {
			c.logger.Warn("location record failed", "error", err)
		}
	}

	for _, milestone := range newMilestones {
		reward += float64(heuristics.EventReward(milestone))
		if _, err := c.deps.KV.SAdd(ctx, kv.AgentKey(agentID, kv.SuffixMilestones), milestone); err != nil {
			c.logger.Warn("milestone record failed", "milestone", milestone, "error", err)
		}
		if c.deps.Checkpoint != nil {
			if _, err := c.deps.Checkpoint.SaveMilestoneScreenshot(ctx, agentID, milestone, frame); err == nil {
				c.logger.Info("milestone reached", "milestone", milestone)
			}
		}
	}

	if reward > 0 {
		key := kv.AgentKey(agentID, kv.SuffixRewards)
		if _, err := c.deps.KV.IncrByFloat(ctx, key, reward); err != nil {
			c.logger.Warn("reward accumulation failed", "error", err)
		} else if err := c.deps.KV.Expire(ctx, key, kv.RewardsTTL); err != nil {
			c.logger.Warn("reward expiry failed", "error", err)
		}
	}

	// Leaderboard updates are idempotent: member = agentId, score = latest.
	lb := func(kind string, score float64) {
		if err := c.deps.KV.ZAdd(ctx, kv.LeaderboardKey(kind), agentID, score); err != nil {
			c.logger.Warn("leaderboard update failed", "kind", kind, "error", err)
		}
	}
	lb("badges", float64(badges))
	lb("milestones", float64(milestoneCount))
	lb("cost", totalCost)
}

// publishIteration writes the per-iteration KV records.
func (c *Coordinator) publishIteration(ctx context.Context, change game.VisualChange, executed []game.Button) {
	agentID := c.cfg.AgentID

	if err := c.publishState(ctx); err != nil {
		c.logger.Warn("state publish failed", "error", err)
	}
	if _, err := c.deps.KV.IncrBy(ctx, kv.AgentKey(agentID, kv.SuffixFrames), 1); err != nil {
		c.logger.Warn("frame count publish failed", "error", err)
	}
	if _, err := c.deps.KV.IncrBy(ctx, kv.AgentKey(agentID, kv.SuffixDecisions), 1); err != nil {
		c.logger.Warn("decision count publish failed", "error", err)
	}

	c.stateMu.RLock()
	progress := c.state.Game.Progress
	noChange := progress.ConsecutiveNoChange
	recent := recentButtons(c.state.FrameHistory, 5)
	c.stateMu.RUnlock()

	if payload, err := json.Marshal(progress); err == nil {
		if err := c.deps.KV.Set(ctx, kv.AgentKey(agentID, kv.SuffixProgress), string(payload), kv.StateTTL); err != nil {
			c.logger.Warn("progress publish failed", "error", err)
		}
	}

	if kind := heuristics.DetectStuck(noChange, recent); kind != heuristics.StuckKindNone {
		if err := c.deps.KV.Set(ctx, kv.AgentKey(agentID, kv.SuffixStuck), string(kind), kv.StuckTTL); err != nil {
			c.logger.Warn("stuck publish failed", "error", err)
		}
	}
}

func (c *Coordinator) cooldownFor(screenType game.ScreenType) time.Duration {
	if screenType == game.ScreenDialogue {
		return c.cfg.CooldownDialogue
	}
	return c.cfg.CooldownDefault
}

func (c *Coordinator) setStatus(status game.Status) {
	c.stateMu.Lock()
	c.state.Status = status
	c.state.UpdatedAt = c.now()
	c.stateMu.Unlock()
}

// fail moves the agent to the terminal error state and persists it.
func (c *Coordinator) fail(ctx context.Context, err error) {
	c.stateMu.Lock()
	c.state.Status = game.StatusError
	c.state.LastError = err.Error()
	c.state.UpdatedAt = c.now()
	c.stateMu.Unlock()

	if pubErr := c.publishState(context.WithoutCancel(ctx)); pubErr != nil {
		c.logger.Warn("state publish on failure failed", "error", pubErr)
	}
}

func isFrameUnavailable(err error) bool {
	return errors.Is(err, frames.ErrFrameUnavailable)
}

func isAdapterLost(err error) bool {
	return errors.Is(err, frames.ErrAdapterLost)
}

func recentButtons(history []game.FrameHistoryEntry, n int) []game.Button {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]game.Button, 0, len(history))
	for _, e := range history {
		out = append(out, e.Button)
	}
	return out
}

func lastN(items []string, n int) []string {
	if len(items) > n {
		items = items[len(items)-n:]
	}
	return append([]string(nil), items...)
}

func unionButtons(a, b []game.Button) []game.Button {
	seen := make(map[game.Button]bool, len(a)+len(b))
	out := make([]game.Button, 0, len(a)+len(b))
	for _, set := range [][]game.Button{a, b} {
		for _, button := range set {
			if !seen[button] {
				seen[button] = true
				out = append(out, button)
			}
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return strings.TrimSpace(s[:n-3]) + "..."
}
