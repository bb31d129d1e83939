package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/gambit/pkg/checkpoint"
	"github.com/kadirpekel/gambit/pkg/config"
	"github.com/kadirpekel/gambit/pkg/llms"
	"github.com/kadirpekel/gambit/pkg/loop"
	"github.com/kadirpekel/gambit/pkg/memstore"
	"github.com/kadirpekel/gambit/pkg/observability"
	"github.com/kadirpekel/gambit/pkg/server"
)

// ServeCmd starts the agent server.
type ServeCmd struct {
	Host string `help:"Host to bind to."`
	Port int    `help:"Port to listen on." default:"0"`

	ExecuteInputs *bool `name:"execute-inputs" negatable:"" help:"Press buttons on the frame source instead of returning plans to clients."`

	Watch bool `help:"Watch config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	if err := config.LoadEnvFiles(); err != nil {
		return err
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	cleanup, err := initLogger(cli, cfg.Logging)
	if err != nil {
		return err
	}
	defer cleanup()

	// CLI flags override file config.
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.ExecuteInputs != nil {
		cfg.Loop.ExecuteInputs = *c.ExecuteInputs
	}

	cfg.ApplyPricing()

	kvStore, err := cfg.KV.Build()
	if err != nil {
		return fmt.Errorf("failed to open kv store: %w", err)
	}
	defer kvStore.Close()

	blobs, fsBlobs, err := cfg.Blob.Build()
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}

	metrics, err := observability.Init(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	providers := llms.NewProviderRegistry()
	defer func() {
		if err := providers.CloseAll(); err != nil {
			slog.Warn("Provider shutdown", "error", err)
		}
	}()

	memory := memstore.New(kvStore)
	checkpoints := checkpoint.NewManager(&cfg.Checkpoint, blobs)

	manager := loop.NewManager(loop.ManagerDeps{
		Providers:  providers,
		APIKeys:    cfg.APIKeys,
		KV:         kvStore,
		Memory:     memory,
		Checkpoint: checkpoints,
		Metrics:    metrics,
		Defaults:   cfg.Loop.Coordinator(),
	})
	defer func() {
		if err := manager.Shutdown(); err != nil {
			slog.Warn("Manager shutdown", "error", err)
		}
	}()

	deps := server.Deps{
		Manager:        manager,
		KV:             kvStore,
		Memory:         memory,
		Checkpoint:     checkpoints,
		Blobs:          blobs,
		Metrics:        metrics,
		MetricsEnabled: cfg.Metrics.Enabled,
	}
	if fsBlobs != nil {
		deps.BlobHandler = fsBlobs.Handler()
	}
	srv := server.New(cfg.Server, deps)

	if c.Watch && cli.Config != "" {
		go func() {
			err := config.Watch(ctx, cli.Config, func(next *config.Config) {
				// Only pricing is safe to swap while loops are running; the
				// rest needs a restart.
				next.ApplyPricing()
			})
			if err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	fmt.Printf("\nGambit server ready\n")
	fmt.Printf("   API:         http://%s/api\n", cfg.Server.Address())
	fmt.Printf("   Health:      http://%s/health\n", cfg.Server.Address())
	if cfg.Metrics.Enabled {
		fmt.Printf("   Metrics:     http://%s/metrics\n", cfg.Server.Address())
	}
	if cfg.KV.Backend == "sql" {
		fmt.Printf("   State:       %s (%s)\n", cfg.KV.Dialect, cfg.KV.DSN)
	} else {
		fmt.Printf("   State:       in-memory (not persisted)\n")
	}
	if fsBlobs != nil {
		fmt.Printf("   Blobs:       %s (served at %s)\n", cfg.Blob.Root, cfg.Server.BlobPathPrefix)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}
