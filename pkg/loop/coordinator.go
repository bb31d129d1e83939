// Package loop runs the per-agent decision loop: capture, decide, act,
// persist. One Coordinator owns one agent; a Manager owns the coordinators.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kadirpekel/gambit/pkg/checkpoint"
	"github.com/kadirpekel/gambit/pkg/decision"
	"github.com/kadirpekel/gambit/pkg/frames"
	"github.com/kadirpekel/gambit/pkg/game"
	"github.com/kadirpekel/gambit/pkg/heuristics"
	"github.com/kadirpekel/gambit/pkg/kv"
	"github.com/kadirpekel/gambit/pkg/memstore"
	"github.com/kadirpekel/gambit/pkg/observability"
)

// Loop timing defaults.
const (
	IterationPeriod         = 3 * time.Second
	CooldownDialogue        = 8 * time.Second
	CooldownDefault         = 500 * time.Millisecond
	DecisionDeadline        = 30 * time.Second
	HeartbeatInterval       = 10 * time.Second
	ClientGoneAfter         = 30 * time.Second
	FrameUnavailableBackoff = 2 * time.Second
	BetweenPressDelay       = 500 * time.Millisecond
	PressHoldMs             = 150
)

// Config configures one coordinator. Zero durations take the package
// defaults; tests shrink them.
type Config struct {
	AgentID string
	Model   string

	// ExecuteInputs controls whether the coordinator presses buttons on the
	// source. Client-driven agents receive the plan in the response and
	// execute it themselves.
	ExecuteInputs bool

	// WatchClientHeartbeat pauses the loop when the driving client stops
	// heartbeating for ClientGoneAfter.
	WatchClientHeartbeat bool

	IterationPeriod         time.Duration
	CooldownDialogue        time.Duration
	CooldownDefault         time.Duration
	DecisionDeadline        time.Duration
	HeartbeatInterval       time.Duration
	ClientGoneAfter         time.Duration
	FrameUnavailableBackoff time.Duration
	BetweenPressDelay       time.Duration
}

// SetDefaults fills zero durations.
func (c *Config) SetDefaults() {
	if c.IterationPeriod == 0 {
		c.IterationPeriod = IterationPeriod
	}
	if c.CooldownDialogue == 0 {
		c.CooldownDialogue = CooldownDialogue
	}
	if c.CooldownDefault == 0 {
		c.CooldownDefault = CooldownDefault
	}
	if c.DecisionDeadline == 0 {
		c.DecisionDeadline = DecisionDeadline
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = HeartbeatInterval
	}
	if c.ClientGoneAfter == 0 {
		c.ClientGoneAfter = ClientGoneAfter
	}
	if c.FrameUnavailableBackoff == 0 {
		c.FrameUnavailableBackoff = FrameUnavailableBackoff
	}
	if c.BetweenPressDelay == 0 {
		c.BetweenPressDelay = BetweenPressDelay
	}
}

// Validate rejects incomplete configurations.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agent id is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// Deps are the shared services a coordinator uses.
type Deps struct {
	Step       *decision.Step
	Source     frames.Source
	KV         kv.Store
	Memory     *memstore.Store
	Checkpoint *checkpoint.Manager
	Metrics    *observability.Metrics
	Now        func() time.Time
}

// Coordinator sequences one agent's iterations. The iteration mutex
// guarantees at most one in-flight decision per agent, whether driven by the
// autonomous loop or the decide endpoint.
type Coordinator struct {
	cfg  Config
	deps Deps

	logger *slog.Logger
	now    func() time.Time

	// mu is the iteration lock.
	mu sync.Mutex

	// stateMu guards the fields below for snapshot readers.
	stateMu         sync.RWMutex
	state           *game.AgentState
	stats           *heuristics.ButtonStats
	recentFrames    []string
	dialogHistory   []string
	lastFingerprint uint32
	haveFingerprint bool
	lastButton      game.Button
	lastScores      game.ConfidenceTable
	lastClientBeat  time.Time

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	running  bool
}

// NewCoordinator builds a coordinator for one agent.
func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	c := &Coordinator{
		cfg:    cfg,
		deps:   deps,
		now:    deps.Now,
		logger: slog.Default().With("component", "loop", "agent", cfg.AgentID),
		state:  game.NewAgentState(cfg.AgentID, cfg.Model, deps.Now()),
		stats:  heuristics.NewButtonStats(),
	}
	c.lastClientBeat = deps.Now()
	return c, nil
}

// AgentID returns the agent this coordinator owns.
func (c *Coordinator) AgentID() string { return c.cfg.AgentID }

// Model returns the agent's model id.
func (c *Coordinator) Model() string { return c.cfg.Model }

// Source returns the agent's frame source. The decide endpoint uses it to
// feed client-supplied frames into a push source.
func (c *Coordinator) Source() frames.Source { return c.deps.Source }

// Snapshot returns a copy of the agent record.
func (c *Coordinator) Snapshot() game.AgentState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return *c.state
}

// NoteClientHeartbeat records client liveness and persists the heartbeat key.
func (c *Coordinator) NoteClientHeartbeat(ctx context.Context) error {
	now := c.now()
	c.stateMu.Lock()
	c.lastClientBeat = now
	c.stateMu.Unlock()

	return c.deps.KV.Set(ctx,
		kv.AgentKey(c.cfg.AgentID, kv.SuffixHeartbeat),
		strconv.FormatInt(now.UnixMilli(), 10),
		kv.HeartbeatTTL)
}

// clientGone reports whether the driving client stopped heartbeating.
func (c *Coordinator) clientGone() bool {
	if !c.cfg.WatchClientHeartbeat {
		return false
	}
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.now().Sub(c.lastClientBeat) > c.cfg.ClientGoneAfter
}

// Run drives the autonomous loop until the context is canceled or the agent
// hits a terminal error. It emits heartbeats on a side ticker.
func (c *Coordinator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.running = true
	c.cancelMu.Unlock()
	defer func() {
		cancel()
		c.cancelMu.Lock()
		c.running = false
		c.cancelMu.Unlock()
	}()

	c.deps.Metrics.AgentStarted(runCtx)
	defer c.deps.Metrics.AgentStopped(context.WithoutCancel(runCtx))

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		c.heartbeatLoop(runCtx)
	}()
	// Cancel before waiting so self-initiated returns below also stop the
	// heartbeat goroutine.
	defer func() {
		cancel()
		<-heartbeatDone
	}()

	c.logger.Info("loop started", "model", c.cfg.Model)

	for {
		if err := runCtx.Err(); err != nil {
			c.pauseLocked(context.WithoutCancel(runCtx), "stopped")
			return nil
		}

		if c.clientGone() {
			c.logger.Info("client heartbeat lost, pausing")
			c.pauseLocked(runCtx, "client gone")
			return nil
		}
		if c.Status() == game.StatusPaused {
			if !c.sleep(runCtx, c.cfg.IterationPeriod) {
				return nil
			}
			continue
		}

		started := c.now()
		result, err := c.runIteration(runCtx, nil)
		switch {
		case err == nil:
			c.deps.Metrics.RecordDecision(runCtx, c.cfg.AgentID, c.cfg.Model,
				c.now().Sub(started), result.Decision.IsFallback)
			// Readers of the KV record must never see a decision before its
			// cooldown has elapsed, so publication follows the sleep.
			cooled := c.sleep(runCtx, result.Cooldown)
			c.publishIteration(context.WithoutCancel(runCtx), result.VisualChange, result.Executed)
			if !cooled {
				return nil
			}
			// Keep cadence: only sleep the remainder of the period.
			if rest := c.cfg.IterationPeriod - c.now().Sub(started); rest > 0 {
				if !c.sleep(runCtx, rest) {
					return nil
				}
			}

		case isFrameUnavailable(err):
			c.logger.Warn("frame unavailable, backing off")
			if !c.sleep(runCtx, c.cfg.FrameUnavailableBackoff) {
				return nil
			}

		case isAdapterLost(err):
			c.logger.Error("adapter lost, stopping loop", "error", err)
			return err

		case runCtx.Err() != nil:
			c.pauseLocked(context.WithoutCancel(runCtx), "canceled")
			return nil

		default:
			c.logger.Error("iteration failed", "error", err)
			if !c.sleep(runCtx, c.cfg.IterationPeriod) {
				return nil
			}
		}
	}
}

// Stop cancels a running loop.
func (c *Coordinator) Stop() {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Running reports whether the autonomous loop is active.
func (c *Coordinator) Running() bool {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	return c.running
}

// Status returns the agent lifecycle state.
func (c *Coordinator) Status() game.Status {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state.Status
}

// Pause moves the agent to paused and persists the state.
func (c *Coordinator) Pause(ctx context.Context) {
	c.pauseLocked(ctx, "user pause")
}

func (c *Coordinator) pauseLocked(ctx context.Context, reason string) {
	c.stateMu.Lock()
	if c.state.Status != game.StatusError {
		c.state.Status = game.StatusPaused
	}
	c.state.UpdatedAt = c.now()
	c.stateMu.Unlock()

	if err := c.publishState(ctx); err != nil {
		c.logger.Warn("state publish on pause failed", "reason", reason, "error", err)
	}
}

// Resume moves a paused agent back to idle.
func (c *Coordinator) Resume(ctx context.Context) {
	c.stateMu.Lock()
	if c.state.Status == game.StatusPaused {
		c.state.Status = game.StatusIdle
		c.state.UpdatedAt = c.now()
	}
	c.stateMu.Unlock()

	if err := c.publishState(ctx); err != nil {
		c.logger.Warn("state publish on resume failed", "error", err)
	}
}

// Reset aborts any in-flight iteration, clears all run state, and deletes
// the agent's KV namespace.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.Stop()

	// Take the iteration lock so no decision is mid-flight while we wipe.
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.deps.KV.Keys(ctx, kv.AgentPrefix(c.cfg.AgentID))
	if err != nil {
		return fmt.Errorf("failed to enumerate agent keys: %w", err)
	}
	if len(keys) > 0 {
		if _, err := c.deps.KV.Del(ctx, keys...); err != nil {
			return fmt.Errorf("failed to delete agent keys: %w", err)
		}
	}

	c.stateMu.Lock()
	c.state = game.NewAgentState(c.cfg.AgentID, c.cfg.Model, c.now())
	c.stats.Reset()
	c.recentFrames = nil
	c.dialogHistory = nil
	c.haveFingerprint = false
	c.lastFingerprint = 0
	c.lastButton = ""
	c.lastScores = nil
	c.stateMu.Unlock()

	c.logger.Info("agent reset")
	return nil
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	c.emitHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emitHeartbeat(ctx)
		}
	}
}

func (c *Coordinator) emitHeartbeat(ctx context.Context) {
	err := c.deps.KV.Set(ctx,
		kv.AgentKey(c.cfg.AgentID, kv.SuffixHeartbeat),
		strconv.FormatInt(c.now().UnixMilli(), 10),
		kv.HeartbeatTTL)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("heartbeat write failed", "error", err)
	}
}

// publishState writes the agent record under the 24h TTL.
func (c *Coordinator) publishState(ctx context.Context) error {
	c.stateMu.RLock()
	payload, err := json.Marshal(c.state)
	c.stateMu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal agent state: %w", err)
	}
	return c.deps.KV.Set(ctx,
		kv.AgentKey(c.cfg.AgentID, kv.SuffixState),
		string(payload),
		kv.StateTTL)
}

// sleep waits for d or until cancellation; false means canceled.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
