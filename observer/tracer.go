package observer

import (
	"context"
	"fmt"
	"time"

	"github.com/cogito-sh/cogito"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// canonicalKeys maps the core library's short span-attribute names onto the
// keys the observer metrics use, so spans and metrics join on the same
// dimensions in the backend.
var canonicalKeys = map[string]attribute.Key{
	"task":     AttrTaskID,
	"taskType": AttrTaskType,
	"state":    AttrTaskState,
	"tool":     AttrToolName,
	"provider": AttrLLMProvider,
}

// tracer implements cogito.Tracer on the global OTEL TracerProvider.
type tracer struct {
	inner trace.Tracer
}

// NewTracer returns a cogito.Tracer backed by the global OTEL
// TracerProvider. Call Init first to configure the provider; otherwise spans
// go to a no-op backend.
func NewTracer() cogito.Tracer {
	return &tracer{inner: otel.Tracer(scopeName)}
}

func (t *tracer) Start(ctx context.Context, name string, attrs ...cogito.SpanAttr) (context.Context, cogito.Span) {
	ctx, s := t.inner.Start(ctx, name, trace.WithAttributes(convertAttrs(attrs)...))
	return ctx, span{s}
}

// span adapts an OTEL trace.Span to cogito.Span.
type span struct {
	s trace.Span
}

func (sp span) SetAttr(attrs ...cogito.SpanAttr) {
	sp.s.SetAttributes(convertAttrs(attrs)...)
}

func (sp span) Event(name string, attrs ...cogito.SpanAttr) {
	sp.s.AddEvent(name, trace.WithAttributes(convertAttrs(attrs)...))
}

func (sp span) Error(err error) {
	sp.s.RecordError(err)
	sp.s.SetStatus(codes.Error, err.Error())
}

func (sp span) End() {
	sp.s.End()
}

func convertAttrs(attrs []cogito.SpanAttr) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		out[i] = convertAttr(a)
	}
	return out
}

// convertAttr translates one SpanAttr, canonicalizing well-known keys and
// flattening durations to milliseconds.
func convertAttr(a cogito.SpanAttr) attribute.KeyValue {
	key := a.Key
	if canonical, ok := canonicalKeys[a.Key]; ok {
		key = string(canonical)
	}
	switch v := a.Value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case time.Duration:
		return attribute.Int64(key+"_ms", v.Milliseconds())
	case []string:
		return attribute.StringSlice(key, v)
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}

// compile-time checks
var (
	_ cogito.Tracer = (*tracer)(nil)
	_ cogito.Span   = span{}
)
