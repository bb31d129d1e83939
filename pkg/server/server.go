// Package server exposes the agent loop over a REST surface: the decide
// endpoint for client-driven iterations, agent lifecycle and state routes,
// frame and checkpoint uploads, and the shared leaderboards.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/gambit/pkg/blob"
	"github.com/kadirpekel/gambit/pkg/checkpoint"
	"github.com/kadirpekel/gambit/pkg/kv"
	"github.com/kadirpekel/gambit/pkg/loop"
	"github.com/kadirpekel/gambit/pkg/memstore"
	"github.com/kadirpekel/gambit/pkg/observability"
)

// Config controls the HTTP listener.
type Config struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`

	// BlobPathPrefix mounts the blob store's public handler when non-empty.
	BlobPathPrefix string `yaml:"blob_path_prefix" mapstructure:"blob_path_prefix"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.BlobPathPrefix == "" {
		c.BlobPathPrefix = "/blobs"
	}
}

// Address returns the listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Deps are the services the handlers operate on.
type Deps struct {
	Manager    *loop.Manager
	KV         kv.Store
	Memory     *memstore.Store
	Checkpoint *checkpoint.Manager
	Blobs      blob.Store
	Metrics    *observability.Metrics

	// BlobHandler serves stored blobs read-only; nil disables the mount.
	BlobHandler http.Handler

	// MetricsEnabled mounts /metrics with the prometheus handler.
	MetricsEnabled bool

	Now func() time.Time
}

// Server is the gambit HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	server *http.Server
}

// New builds a server; call Start to listen.
func New(cfg Config, deps Deps) *Server {
	cfg.SetDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default().With("component", "server"),
	}
}

// Routes builds the chi router. Exposed so tests can drive handlers through
// httptest without a listener.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/agent/decide", s.handleDecide)
		r.Get("/agent/decide", s.handleDecideGet)

		r.Route("/agent/{agentID}", func(r chi.Router) {
			r.Post("/heartbeat", s.handleHeartbeatPost)
			r.Get("/heartbeat", s.handleHeartbeatGet)

			r.Get("/state", s.handleStateGet)
			r.Post("/state", s.handleStatePost)
			r.Delete("/state", s.handleStateDelete)

			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/reset", s.handleReset)

			r.Post("/save-state", s.handleSaveStatePost)
			r.Get("/parse-state", s.handleParseState)

			r.Get("/frames", s.handleFramesGet)
			r.Post("/frames", s.handleFramesPost)

			r.Get("/memstash", s.handleMemstashGet)
			r.Delete("/memstash", s.handleMemstashDelete)
		})

		r.Get("/agents", s.handleAgents)
		r.Get("/leaderboard/{kind}", s.handleLeaderboard)
	})

	if s.deps.MetricsEnabled && s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}
	if s.deps.BlobHandler != nil {
		prefix := s.cfg.BlobPathPrefix
		r.Handle(prefix+"/*", http.StripPrefix(prefix+"/", s.deps.BlobHandler))
	}

	return r
}

// Start listens until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("http server starting", "address", s.cfg.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.logger.Info("http server shutting down")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   fmt.Sprintf(format, args...),
	})
}
