package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/gambit/pkg/checkpoint"
	"github.com/kadirpekel/gambit/pkg/decision"
	"github.com/kadirpekel/gambit/pkg/frames"
	"github.com/kadirpekel/gambit/pkg/game"
	"github.com/kadirpekel/gambit/pkg/kv"
	"github.com/kadirpekel/gambit/pkg/llms"
	"github.com/kadirpekel/gambit/pkg/memstore"
	"github.com/kadirpekel/gambit/pkg/observability"
	"github.com/kadirpekel/gambit/pkg/registry"
)

// ManagerDeps are the shared services every coordinator gets.
type ManagerDeps struct {
	Providers  *llms.ProviderRegistry
	APIKeys    map[string]string
	KV         kv.Store
	Memory     *memstore.Store
	Checkpoint *checkpoint.Manager
	Metrics    *observability.Metrics

	// NewSource builds the frame source for one agent. When nil, agents get
	// a client-fed PushSource.
	NewSource func(agentID string) frames.Source

	// Defaults is the coordinator config template; AgentID and Model are
	// filled per agent.
	Defaults Config

	Now func() time.Time
}

// Manager owns the live coordinators and their goroutines.
type Manager struct {
	deps ManagerDeps

	coordinators *registry.BaseRegistry[*Coordinator]
	logger       *slog.Logger

	mu     sync.Mutex
	group  *errgroup.Group
	runCtx context.Context
	cancel context.CancelFunc
}

// NewManager creates an empty manager.
func NewManager(deps ManagerDeps) *Manager {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewSource == nil {
		deps.NewSource = func(string) frames.Source { return frames.NewPushSource() }
	}
	return &Manager{
		deps:         deps,
		coordinators: registry.NewBaseRegistry[*Coordinator](),
		logger:       slog.Default().With("component", "loop-manager"),
	}
}

// Get returns the coordinator for an agent.
func (m *Manager) Get(agentID string) (*Coordinator, bool) {
	return m.coordinators.Get(agentID)
}

// GetOrCreate returns the agent's coordinator, creating an idle one bound to
// the model on first use. An existing coordinator with a different model is
// an error; reset the agent first.
func (m *Manager) GetOrCreate(agentID, model string) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.coordinators.Get(agentID); ok {
		if model != "" && c.Model() != model {
			return nil, fmt.Errorf("agent %q already bound to model %q", agentID, c.Model())
		}
		return c, nil
	}
	if model == "" {
		return nil, fmt.Errorf("agent %q does not exist and no model was given", agentID)
	}

	provider, err := m.deps.Providers.Resolve(model, m.deps.APIKeys)
	if err != nil {
		return nil, err
	}

	cfg := m.deps.Defaults
	cfg.AgentID = agentID
	cfg.Model = model

	c, err := NewCoordinator(cfg, Deps{
		Step:       decision.New(provider),
		Source:     m.deps.NewSource(agentID),
		KV:         m.deps.KV,
		Memory:     m.deps.Memory,
		Checkpoint: m.deps.Checkpoint,
		Metrics:    m.deps.Metrics,
		Now:        m.deps.Now,
	})
	if err != nil {
		return nil, err
	}
	if err := m.coordinators.Register(agentID, c); err != nil {
		return nil, err
	}
	m.logger.Info("agent created", "agent", agentID, "model", model)
	return c, nil
}

// StartAgent creates (if needed) and runs an agent's autonomous loop.
func (m *Manager) StartAgent(ctx context.Context, agentID, model string) (*Coordinator, error) {
	c, err := m.GetOrCreate(agentID, model)
	if err != nil {
		return nil, err
	}
	// A start request clears a paused state, whether the loop is still
	// spinning or exited when the client went away.
	c.Resume(ctx)
	if c.Running() {
		return c, nil
	}

	// Loops outlive the request that started them; they stop on StopAgent
	// or manager shutdown, not when the caller's context ends.
	m.mu.Lock()
	if m.group == nil {
		groupCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.group, _ = errgroup.WithContext(groupCtx)
		m.runCtx = groupCtx
		m.cancel = cancel
	}
	group, runCtx := m.group, m.runCtx
	m.mu.Unlock()

	group.Go(func() error {
		if err := c.Run(runCtx); err != nil {
			m.logger.Error("agent loop exited", "agent", agentID, "error", err)
		}
		return nil
	})
	return c, nil
}

// StopAgent pauses an agent's loop without destroying its state.
func (m *Manager) StopAgent(agentID string) error {
	c, ok := m.coordinators.Get(agentID)
	if !ok {
		return fmt.Errorf("unknown agent %q", agentID)
	}
	c.Stop()
	return nil
}

// ResetAgent aborts and wipes an agent.
func (m *Manager) ResetAgent(ctx context.Context, agentID string) error {
	c, ok := m.coordinators.Get(agentID)
	if !ok {
		// No live coordinator; still clear the persisted namespace.
		keys, err := m.deps.KV.Keys(ctx, kv.AgentPrefix(agentID))
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if _, err := m.deps.KV.Del(ctx, keys...); err != nil {
				return err
			}
		}
		return nil
	}
	return c.Reset(ctx)
}

// AgentSummary is one row of the agents listing.
type AgentSummary struct {
	ID             string      `json:"id"`
	Model          string      `json:"model"`
	Status         game.Status `json:"status"`
	TotalDecisions int         `json:"totalDecisions"`
	TotalCost      float64     `json:"totalCost"`
	Badges         int         `json:"badges"`
	Running        bool        `json:"running"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// ListAgents merges live coordinators with agents only present in the KV
// store (e.g. from a previous process).
func (m *Manager) ListAgents(ctx context.Context) ([]AgentSummary, error) {
	byID := make(map[string]AgentSummary)

	for _, c := range m.coordinators.List() {
		s := c.Snapshot()
		byID[s.ID] = AgentSummary{
			ID:             s.ID,
			Model:          s.Model,
			Status:         s.Status,
			TotalDecisions: s.TotalDecisions,
			TotalCost:      s.TotalCost,
			Badges:         s.Game.Badges,
			Running:        c.Running(),
			UpdatedAt:      s.UpdatedAt,
		}
	}

	keys, err := m.deps.KV.Keys(ctx, "agent:")
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if !strings.HasSuffix(key, ":"+kv.SuffixState) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(key, "agent:"), ":"+kv.SuffixState)
		if _, live := byID[id]; live {
			continue
		}
		raw, err := m.deps.KV.Get(ctx, key)
		if err != nil {
			continue
		}
		var s game.AgentState
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		byID[id] = AgentSummary{
			ID:             s.ID,
			Model:          s.Model,
			Status:         s.Status,
			TotalDecisions: s.TotalDecisions,
			TotalCost:      s.TotalCost,
			Badges:         s.Game.Badges,
			UpdatedAt:      s.UpdatedAt,
		}
	}

	out := make([]AgentSummary, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sortSummaries(out)
	return out, nil
}

// Leaderboard returns the sorted set for one leaderboard kind.
func (m *Manager) Leaderboard(ctx context.Context, kind string) ([]kv.ZMember, error) {
	switch kind {
	case "badges", "milestones", "cost":
	default:
		return nil, fmt.Errorf("unknown leaderboard %q", kind)
	}
	return m.deps.KV.ZRevRange(ctx, kv.LeaderboardKey(kind), 0, -1)
}

// Shutdown stops every loop and waits for them to exit.
func (m *Manager) Shutdown() error {
	for _, c := range m.coordinators.List() {
		c.Stop()
	}

	m.mu.Lock()
	group := m.group
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		return group.Wait()
	}
	return nil
}

func sortSummaries(items []AgentSummary) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
}
