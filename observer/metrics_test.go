package observer

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordIteration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordIteration("fast")
	m.RecordIteration("fast")
	m.RecordIteration("scout")

	if got := testutil.ToFloat64(m.Iterations.WithLabelValues("fast")); got != 2 {
		t.Errorf("fast iterations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Iterations.WithLabelValues("scout")); got != 1 {
		t.Errorf("scout iterations = %v, want 1", got)
	}
}

func TestMetricsRecordToolCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordToolCall("bash", "ok", 0.2)
	m.RecordToolCall("bash", "error", 1.5)

	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("bash", "ok")); got != 1 {
		t.Errorf("ok tool calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("bash", "error")); got != 1 {
		t.Errorf("error tool calls = %v, want 1", got)
	}
}

func TestMetricsRecordTokensSkipsZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordTokens("fast", 100, 0)

	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("input", "fast")); got != 100 {
		t.Errorf("input tokens = %v, want 100", got)
	}
	if got := testutil.CollectAndCount(m.TokensUsed); got != 1 {
		t.Errorf("expected only the input series to exist, got %d series", got)
	}
}

func TestMetricsActiveSessionsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
}
