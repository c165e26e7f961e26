package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the mnemo tracer.
const tracerName = "github.com/MrWong99/mnemo"

// Span attribute keys shared by memory operations.
const (
	AgentKey = attribute.Key("mnemo.agent")
	RoundKey = attribute.Key("mnemo.round")
	CycleKey = attribute.Key("mnemo.reflection.cycle")
)

// Tracer returns the package-level [trace.Tracer] for mnemo. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// scope is the agent context carried alongside a span.
type scope struct {
	agent string
	cycle string
}

type scopeKey struct{}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// StartAgentSpan starts a span for an operation on one agent's memory. The
// agent id and round become span attributes, and the agent id is carried in
// the returned context so that [Logger] tags every line with it.
func StartAgentSpan(ctx context.Context, name, agent string, round int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	s := scopeFrom(ctx)
	s.agent = agent
	ctx = context.WithValue(ctx, scopeKey{}, s)
	attrs = append([]attribute.KeyValue{AgentKey.String(agent), RoundKey.Int(round)}, attrs...)
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// WithCycle records the reflection cycle id on the span in ctx and carries it
// in the returned context for [Logger].
func WithCycle(ctx context.Context, cycle string) context.Context {
	trace.SpanFromContext(ctx).SetAttributes(CycleKey.String(cycle))
	s := scopeFrom(ctx)
	s.cycle = cycle
	return context.WithValue(ctx, scopeKey{}, s)
}

// Fail records err on span and marks the span as failed. A nil err is
// ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID returns the trace ID of the active span in ctx, or "" when
// there is none. HTTP responses echo it so a request can be found in traces.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the trace and span ids of
// ctx and the agent and reflection cycle set by [StartAgentSpan] and
// [WithCycle].
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	s := scopeFrom(ctx)
	if s.agent != "" {
		l = l.With(slog.String("agent", s.agent))
	}
	if s.cycle != "" {
		l = l.With(slog.String("cycle", s.cycle))
	}
	return l
}
