package observer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments the runtime exports: iteration
// count, tool latency, token usage, and active session count, per the
// ambient metrics surface (grounded on haasonsaas-nexus's observability
// package, trimmed to this runtime's own concerns).
type Metrics struct {
	Iterations prometheus.CounterVec
	ToolCalls  prometheus.CounterVec
	ToolLatency prometheus.HistogramVec

	TokensUsed prometheus.CounterVec

	ActiveSessions prometheus.Gauge
}

// NewMetrics registers every instrument against reg and returns the
// populated Metrics. Pass prometheus.NewRegistry() for an isolated
// registry in tests, or prometheus.DefaultRegisterer for the process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Iterations: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coda",
			Name:      "iterations_total",
			Help:      "Executor iterations, labeled by model tier.",
		}, []string{"model"}),

		ToolCalls: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coda",
			Name:      "tool_calls_total",
			Help:      "Tool dispatches, labeled by tool name and outcome.",
		}, []string{"tool", "outcome"}),

		ToolLatency: *factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coda",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call duration in seconds, labeled by tool name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		TokensUsed: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coda",
			Name:      "tokens_total",
			Help:      "Tokens consumed, labeled by direction (input/output) and model.",
		}, []string{"direction", "model"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "coda",
			Name:      "active_sessions",
			Help:      "Number of sessions currently executing.",
		}),
	}
}

// RecordIteration increments the iteration counter for model.
func (m *Metrics) RecordIteration(model string) {
	m.Iterations.WithLabelValues(model).Inc()
}

// RecordToolCall increments the tool call counter and observes its latency.
// outcome is "ok" or "error".
func (m *Metrics) RecordToolCall(tool, outcome string, seconds float64) {
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolLatency.WithLabelValues(tool).Observe(seconds)
}

// RecordTokens adds input/output token counts for model.
func (m *Metrics) RecordTokens(model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		m.TokensUsed.WithLabelValues("input", model).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensUsed.WithLabelValues("output", model).Add(float64(outputTokens))
	}
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() { m.ActiveSessions.Inc() }

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded() { m.ActiveSessions.Dec() }
