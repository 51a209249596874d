package coda

import "context"

// Tracer starts spans for the executor's iterations, tool dispatches, and
// stream attempts. The otel-backed implementation lives in package observer;
// this interface keeps package coda free of a hard otel dependency.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one in-flight trace span.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	Event(name string, attrs ...SpanAttr)
	Error(err error)
	End()
}

// SpanAttr is one key/value pair attached to a span or span event.
type SpanAttr struct {
	Key   string
	Value any
}

func StringAttr(k, v string) SpanAttr  { return SpanAttr{k, v} }
func IntAttr(k string, v int) SpanAttr { return SpanAttr{k, v} }
func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{k, v} }
func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{k, v} }

// noopTracer is used when the caller does not supply a Tracer.
type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttr(attrs ...SpanAttr)        {}
func (noopSpan) Event(name string, attrs ...SpanAttr) {}
func (noopSpan) Error(err error)                  {}
func (noopSpan) End()                             {}
