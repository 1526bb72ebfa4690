package telemetry

import (
	"context"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const DefaultTailLatency = time.Second

type tailBasedSpanExporter struct {
	wrappedExporter sdktrace.SpanExporter

	latency time.Duration
}

type TailBasedSpanExporterOption func(o *tailBasedSpanExporter)

func WithLatency(latency time.Duration) TailBasedSpanExporterOption {
	return func(o *tailBasedSpanExporter) {
		o.latency = latency
	}
}

var _ sdktrace.SpanExporter = (*tailBasedSpanExporter)(nil)

// NewTailLatencySpanExporter returns a SpanExporter that forwards the spans of a trace only if the
// trace's root span, such as a whole streaming map, lasted at least the configured latency.
// Spans whose root is not in the same batch are dropped.
//
// If the exporter is nil, the span processor will do nothing.
func NewTailLatencySpanExporter(exporter sdktrace.SpanExporter, options ...TailBasedSpanExporterOption) sdktrace.SpanExporter {
	t := &tailBasedSpanExporter{
		wrappedExporter: exporter,
		latency:         DefaultTailLatency,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

func (t *tailBasedSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if t.wrappedExporter == nil {
		return nil
	}

	slow := make(map[trace.TraceID]struct{})
	for _, span := range spans {
		if !span.Parent().IsValid() && span.EndTime().Sub(span.StartTime()) >= t.latency {
			slow[span.SpanContext().TraceID()] = struct{}{}
		}
	}
	if len(slow) == 0 {
		return nil
	}

	exported := make([]sdktrace.ReadOnlySpan, 0, len(spans))
	for _, span := range spans {
		if _, ok := slow[span.SpanContext().TraceID()]; ok {
			exported = append(exported, span)
		}
	}
	return t.wrappedExporter.ExportSpans(ctx, exported)
}

func (t *tailBasedSpanExporter) Shutdown(ctx context.Context) error {
	if t.wrappedExporter == nil {
		return nil
	}
	return t.wrappedExporter.Shutdown(ctx)
}
