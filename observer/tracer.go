package observer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	silas "github.com/DavSimFel/silas"
)

// Tracer adapts an OTEL tracer to the silas.Tracer interface.
type Tracer struct {
	tracer trace.Tracer
}

// compile-time check
var _ silas.Tracer = (*Tracer)(nil)

// NewTracer returns a silas.Tracer backed by the globally registered
// OTEL tracer provider. Call Init first; without it spans go to the
// default no-op provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(scopeName)}
}

func (t *Tracer) Start(ctx context.Context, name string, attrs ...silas.SpanAttr) (context.Context, silas.Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(convertAttrs(attrs)...))
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetAttr(attrs ...silas.SpanAttr) {
	s.span.SetAttributes(convertAttrs(attrs)...)
}

func (s *otelSpan) Event(name string, attrs ...silas.SpanAttr) {
	s.span.AddEvent(name, trace.WithAttributes(convertAttrs(attrs)...))
}

func (s *otelSpan) Error(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.span.End()
}

func convertAttrs(attrs []silas.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out = append(out, attribute.String(a.Key, v))
		case int:
			out = append(out, attribute.Int(a.Key, v))
		case int64:
			out = append(out, attribute.Int64(a.Key, v))
		case bool:
			out = append(out, attribute.Bool(a.Key, v))
		case float64:
			out = append(out, attribute.Float64(a.Key, v))
		default:
			out = append(out, attribute.String(a.Key, fmt.Sprintf("%v", v)))
		}
	}
	return out
}
