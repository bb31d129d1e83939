// Package checkpoint saves emulator state to the blob store on a fixed
// decision cadence, captures milestone screenshots, and offers best-effort
// parsing of save-state blobs.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/kadirpekel/gambit/pkg/blob"
	"github.com/kadirpekel/gambit/pkg/frames"
)

// Interval is the decision cadence between automatic checkpoints.
const Interval = 100

// Config controls the checkpoint manager.
type Config struct {
	// Enabled turns automatic checkpointing on.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Interval overrides the default decision cadence.
	Interval int `yaml:"interval" mapstructure:"interval"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = Interval
	}
}

// Manager uploads save-states and milestone screenshots.
type Manager struct {
	config *Config
	store  blob.Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a checkpoint manager writing to the blob store.
func NewManager(cfg *Config, store blob.Store, opts ...Option) *Manager {
	if cfg == nil {
		cfg = &Config{Enabled: true}
	}
	cfg.SetDefaults()

	m := &Manager{
		config: cfg,
		store:  store,
		now:    time.Now,
		logger: slog.Default().With("component", "checkpoint"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ShouldCheckpoint reports whether the given decision count is on the
// checkpoint cadence.
func (m *Manager) ShouldCheckpoint(totalDecisions int) bool {
	return m.config.Enabled && totalDecisions > 0 && totalDecisions%m.config.Interval == 0
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9-]`)

// ModelSafeName sanitizes a model id for use in blob paths.
func ModelSafeName(model string) string {
	return unsafeNameChars.ReplaceAllString(model, "-")
}

// Filename builds the blob path for one checkpoint.
func Filename(agentID string, at time.Time, decisionNumber int, model string) string {
	return fmt.Sprintf("save-states/%s/%s_%s_D%d_%s.state",
		agentID,
		at.Format("2006-01-02"),
		at.Format("15-04"),
		decisionNumber,
		ModelSafeName(model))
}

// Saved describes one uploaded checkpoint.
type Saved struct {
	URL            string `json:"url"`
	Filename       string `json:"filename"`
	DecisionNumber int    `json:"decisionNumber"`
}

// Save requests a save-state from the source and uploads it. Failures are
// logged and returned but must not stop the caller's loop.
func (m *Manager) Save(ctx context.Context, source frames.Source, agentID, model string, decisionNumber int) (*Saved, error) {
	state, err := source.SaveState(ctx)
	if err != nil {
		m.logger.Warn("save-state request failed",
			"agent", agentID, "decision", decisionNumber, "error", err)
		return nil, err
	}
	return m.Upload(ctx, agentID, model, decisionNumber, state)
}

// Upload stores an already-captured save-state blob.
func (m *Manager) Upload(ctx context.Context, agentID, model string, decisionNumber int, state []byte) (*Saved, error) {
	if len(state) == 0 {
		return nil, fmt.Errorf("empty save-state")
	}

	path := Filename(agentID, m.now(), decisionNumber, model)
	url, err := m.store.Put(ctx, path, state, "application/octet-stream")
	if err != nil {
		m.logger.Warn("checkpoint upload failed",
			"agent", agentID, "path", path, "error", err)
		return nil, err
	}

	m.logger.Info("checkpoint saved",
		"agent", agentID, "decision", decisionNumber, "path", path, "bytes", len(state))
	return &Saved{URL: url, Filename: path, DecisionNumber: decisionNumber}, nil
}

// SaveMilestoneScreenshot stores the frame captured when a milestone was
// earned, for the progress gallery. It returns the public URL.
func (m *Manager) SaveMilestoneScreenshot(ctx context.Context, agentID, milestone string, frame frames.Frame) (string, error) {
	path := fmt.Sprintf("milestones/%s/%s_%s.png",
		agentID,
		m.now().Format("2006-01-02_15-04-05"),
		ModelSafeName(milestone))

	url, err := m.store.Put(ctx, path, frame.Data, "image/png")
	if err != nil {
		m.logger.Warn("milestone screenshot upload failed",
			"agent", agentID, "milestone", milestone, "error", err)
		return "", err
	}
	return url, nil
}

// List returns the stored checkpoints for an agent, newest first.
func (m *Manager) List(ctx context.Context, agentID string) ([]blob.Object, error) {
	return m.store.List(ctx, "save-states/"+agentID+"/")
}
