// Package observer is the ambient tracing and metrics surface: a
// coda.Tracer backed by OpenTelemetry spans, and a prometheus Metrics
// registry with instruments for iterations, tool calls and their latency,
// token usage, and active sessions. Metrics records only what its callers
// pass to its Record methods; package coda does not call them.
//
// Tracing and metrics are deliberately independent systems here rather
// than bridged through one otel pipeline: spans go through the otel
// trace SDK only (no OTLP exporter wired by default — attach one by
// calling sdktrace.NewTracerProvider's own WithBatcher from the host
// binary if a backend is available), and counters/histograms are
// served directly off a prometheus registry for scraping.
package observer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/codalabs/coda"
)

const scopeName = "github.com/codalabs/coda/observer"

// Init configures the global OTEL TracerProvider for the current process
// and returns a shutdown function to call on exit. With no exporter
// attached, spans are created and can be inspected via span processors
// added by the caller, but nothing leaves the process by default.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// otelTracer implements coda.Tracer using OpenTelemetry. It is the only
// Tracer the runtime ships: spans are named and attributed around the
// executor's own vocabulary (iterations, tool calls by class, stream
// attempts) rather than generic request/response spans, so a trace
// backend shows the same shape of run a session event log does.
type otelTracer struct {
	inner trace.Tracer
}

// NewTracer returns a coda.Tracer backed by the global OTEL TracerProvider.
// Call observer.Init() first to configure the provider; otherwise spans go to
// a no-op backend.
func NewTracer() coda.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...coda.SpanAttr) (context.Context, coda.Span) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(otelAttrs...))
	return ctx, &otelSpan{inner: span}
}

// otelSpan implements coda.Span using an OTEL trace.Span.
type otelSpan struct {
	inner trace.Span
}

func (s *otelSpan) SetAttr(attrs ...coda.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.SetAttributes(otelAttrs...)
}

func (s *otelSpan) Event(name string, attrs ...coda.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.inner.End()
}

// toOTELAttr converts a coda.SpanAttr to an OTEL attribute.KeyValue.
func toOTELAttr(a coda.SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

// compile-time checks
var (
	_ coda.Tracer = (*otelTracer)(nil)
	_ coda.Span   = (*otelSpan)(nil)
)
