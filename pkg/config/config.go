// Package config loads the application configuration from a YAML file with
// environment expansion, applies defaults, and builds the backing stores.
package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/gambit/pkg/blob"
	"github.com/kadirpekel/gambit/pkg/checkpoint"
	"github.com/kadirpekel/gambit/pkg/decision"
	"github.com/kadirpekel/gambit/pkg/kv"
	"github.com/kadirpekel/gambit/pkg/loop"
	"github.com/kadirpekel/gambit/pkg/observability"
	"github.com/kadirpekel/gambit/pkg/server"
)

// Config is the full application configuration.
type Config struct {
	Server     server.Config        `yaml:"server" mapstructure:"server"`
	KV         KVConfig             `yaml:"kv" mapstructure:"kv"`
	Blob       BlobConfig           `yaml:"blob" mapstructure:"blob"`
	Loop       LoopConfig           `yaml:"loop" mapstructure:"loop"`
	Checkpoint checkpoint.Config    `yaml:"checkpoint" mapstructure:"checkpoint"`
	Metrics    observability.Config `yaml:"metrics" mapstructure:"metrics"`
	Logging    LoggingConfig        `yaml:"logging" mapstructure:"logging"`

	// APIKeys maps provider vendor to key; values usually reference
	// environment variables, e.g. "${OPENAI_API_KEY}".
	APIKeys map[string]string `yaml:"api_keys" mapstructure:"api_keys"`

	// Pricing overrides or extends the built-in per-1K-token price table,
	// keyed by model name prefix.
	Pricing map[string]PricingConfig `yaml:"pricing" mapstructure:"pricing"`
}

// KVConfig selects and configures the key-value backend.
type KVConfig struct {
	// Backend is "memory" or "sql".
	Backend string `yaml:"backend" mapstructure:"backend"`

	// Dialect is the SQL driver: sqlite3, postgres, or mysql.
	Dialect string `yaml:"dialect" mapstructure:"dialect"`

	// DSN is the driver connection string (file path for sqlite3).
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// SetDefaults fills zero values.
func (c *KVConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Backend == "sql" && c.Dialect == "" {
		c.Dialect = "sqlite3"
	}
	if c.Dialect == "sqlite3" && c.DSN == "" {
		c.DSN = "gambit.db"
	}
}

// Validate checks the backend selection.
func (c *KVConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "sql":
		if c.DSN == "" {
			return fmt.Errorf("kv: sql backend requires a dsn")
		}
		return nil
	default:
		return fmt.Errorf("kv: unknown backend %q (memory, sql)", c.Backend)
	}
}

// Build opens the configured store.
func (c *KVConfig) Build() (kv.Store, error) {
	switch c.Backend {
	case "sql":
		return kv.NewSQLStore(kv.SQLConfig{Dialect: c.Dialect, DSN: c.DSN})
	default:
		return kv.NewMemoryStore(), nil
	}
}

// BlobConfig selects and configures the blob backend.
type BlobConfig struct {
	// Backend is "memory" or "fs".
	Backend string `yaml:"backend" mapstructure:"backend"`

	// Root is the storage directory for the fs backend.
	Root string `yaml:"root" mapstructure:"root"`

	// BaseURL prefixes the public URLs returned for stored blobs.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// SetDefaults fills zero values.
func (c *BlobConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "fs"
	}
	if c.Root == "" {
		c.Root = "blobs"
	}
}

// Validate checks the backend selection.
func (c *BlobConfig) Validate() error {
	switch c.Backend {
	case "memory", "fs":
		return nil
	default:
		return fmt.Errorf("blob: unknown backend %q (memory, fs)", c.Backend)
	}
}

// Build opens the configured store. The second return is the public handler
// for the fs backend, nil otherwise.
func (c *BlobConfig) Build() (blob.Store, *blob.FSStore, error) {
	switch c.Backend {
	case "fs":
		store, err := blob.NewFSStore(c.Root, c.BaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return blob.NewMemoryStore(c.BaseURL), nil, nil
	}
}

// LoopConfig carries the coordinator defaults shared by every agent.
type LoopConfig struct {
	// ExecuteInputs presses buttons on the frame source; when false, clients
	// receive the plan and execute it themselves.
	ExecuteInputs bool `yaml:"execute_inputs" mapstructure:"execute_inputs"`

	// WatchClientHeartbeat pauses autonomous loops when the driving client
	// stops heartbeating.
	WatchClientHeartbeat bool `yaml:"watch_client_heartbeat" mapstructure:"watch_client_heartbeat"`

	IterationPeriod  time.Duration `yaml:"iteration_period" mapstructure:"iteration_period"`
	CooldownDialogue time.Duration `yaml:"cooldown_dialogue" mapstructure:"cooldown_dialogue"`
	CooldownDefault  time.Duration `yaml:"cooldown_default" mapstructure:"cooldown_default"`
	DecisionDeadline time.Duration `yaml:"decision_deadline" mapstructure:"decision_deadline"`
}

// Coordinator converts to the loop package's config; unset durations fall
// back to the loop constants.
func (c *LoopConfig) Coordinator() loop.Config {
	return loop.Config{
		ExecuteInputs:        c.ExecuteInputs,
		WatchClientHeartbeat: c.WatchClientHeartbeat,
		IterationPeriod:      c.IterationPeriod,
		CooldownDialogue:     c.CooldownDialogue,
		CooldownDefault:      c.CooldownDefault,
		DecisionDeadline:     c.DecisionDeadline,
	}
}

// LoggingConfig controls the process-wide logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" mapstructure:"level"`

	// Format is "simple" or "verbose".
	Format string `yaml:"format" mapstructure:"format"`

	// File appends logs to a file instead of stderr when set.
	File string `yaml:"file" mapstructure:"file"`
}

// SetDefaults fills zero values.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// PricingConfig is one price table entry, USD per 1K tokens.
type PricingConfig struct {
	InputPer1K  float64 `yaml:"input_per_1k" mapstructure:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" mapstructure:"output_per_1k"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.KV.SetDefaults()
	c.Blob.SetDefaults()
	c.Checkpoint.SetDefaults()
	c.Logging.SetDefaults()
	if c.APIKeys == nil {
		c.APIKeys = map[string]string{}
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.KV.Validate(); err != nil {
		return err
	}
	if err := c.Blob.Validate(); err != nil {
		return err
	}
	return nil
}

// ApplyPricing pushes the configured pricing overrides into the cost table.
func (c *Config) ApplyPricing() {
	if len(c.Pricing) == 0 {
		return
	}
	overrides := make(map[string]decision.ModelPricing, len(c.Pricing))
	for prefix, p := range c.Pricing {
		overrides[prefix] = decision.ModelPricing{InputPer1K: p.InputPer1K, OutputPer1K: p.OutputPer1K}
	}
	decision.OverridePricing(overrides)
}
