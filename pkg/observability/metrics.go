// Package observability exposes decision-loop metrics through OpenTelemetry
// with a Prometheus exporter. When disabled, all recording calls are no-ops
// on a zero-value Metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config controls the metrics subsystem.
type Config struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// Metrics records decision-loop events. The zero value drops everything.
type Metrics struct {
	decisionDuration metric.Float64Histogram
	decisionsTotal   metric.Int64Counter
	fallbacksTotal   metric.Int64Counter
	llmDuration      metric.Float64Histogram
	llmInputTokens   metric.Int64Counter
	llmOutputTokens  metric.Int64Counter
	llmErrorsTotal   metric.Int64Counter
	costTotal        metric.Float64Counter
	pressesTotal     metric.Int64Counter
	agentsActive     metric.Int64UpDownCounter
}

// Init builds the Prometheus-backed metrics, or a no-op set when disabled.
func Init(cfg Config) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meter := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	).Meter("gambit")

	m := &Metrics{}

	if m.decisionDuration, err = meter.Float64Histogram(
		"gambit_decision_duration_seconds",
		metric.WithDescription("Full decision iteration duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create decision duration histogram: %w", err)
	}
	if m.decisionsTotal, err = meter.Int64Counter(
		"gambit_decisions_total",
		metric.WithDescription("Total decisions executed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}
	if m.fallbacksTotal, err = meter.Int64Counter(
		"gambit_fallback_decisions_total",
		metric.WithDescription("Total fallback decisions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create fallbacks counter: %w", err)
	}
	if m.llmDuration, err = meter.Float64Histogram(
		"gambit_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}
	if m.llmInputTokens, err = meter.Int64Counter(
		"gambit_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the model"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}
	if m.llmOutputTokens, err = meter.Int64Counter(
		"gambit_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the model"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}
	if m.llmErrorsTotal, err = meter.Int64Counter(
		"gambit_llm_errors_total",
		metric.WithDescription("Total model call errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}
	if m.costTotal, err = meter.Float64Counter(
		"gambit_llm_cost_dollars_total",
		metric.WithDescription("Accumulated model cost in USD"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cost counter: %w", err)
	}
	if m.pressesTotal, err = meter.Int64Counter(
		"gambit_button_presses_total",
		metric.WithDescription("Total button presses sent to the emulator"),
	); err != nil {
		return nil, fmt.Errorf("failed to create presses counter: %w", err)
	}
	if m.agentsActive, err = meter.Int64UpDownCounter(
		"gambit_agents_active",
		metric.WithDescription("Currently running agent loops"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active agents counter: %w", err)
	}

	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDecision records one completed decision iteration.
func (m *Metrics) RecordDecision(ctx context.Context, agentID, model string, duration time.Duration, fallback bool) {
	if m == nil || m.decisionDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("model", model),
	)
	m.decisionDuration.Record(ctx, duration.Seconds(), attrs)
	m.decisionsTotal.Add(ctx, 1, attrs)
	if fallback {
		m.fallbacksTotal.Add(ctx, 1, attrs)
	}
}

// RecordLLMCall records one model call.
func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		m.llmErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordCost accumulates dollar cost for one call.
func (m *Metrics) RecordCost(ctx context.Context, agentID, model string, cost float64) {
	if m == nil || m.costTotal == nil {
		return
	}
	m.costTotal.Add(ctx, cost, metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("model", model),
	))
}

// RecordPress counts one button press.
func (m *Metrics) RecordPress(ctx context.Context, agentID, button string) {
	if m == nil || m.pressesTotal == nil {
		return
	}
	m.pressesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("button", button),
	))
}

// AgentStarted marks one loop as running.
func (m *Metrics) AgentStarted(ctx context.Context) {
	if m == nil || m.agentsActive == nil {
		return
	}
	m.agentsActive.Add(ctx, 1)
}

// AgentStopped marks one loop as stopped.
func (m *Metrics) AgentStopped(ctx context.Context) {
	if m == nil || m.agentsActive == nil {
		return
	}
	m.agentsActive.Add(ctx, -1)
}
