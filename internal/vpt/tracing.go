package vpt

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/tinyrange/vpt/internal/vpt")

// traceOp starts a span for a lifecycle operation, tagged with
// vcpu.id and, when entry is non-nil, timer.id/timer.source/
// timer.pending. A nil global TracerProvider (the default until one is
// installed) makes this a no-op, so device models pay nothing for
// tracing unless the embedder wires up go.opentelemetry.io/otel/sdk.
func traceOp(name string, vcpuID int, entry *TimerEntry) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.Int("vcpu.id", vcpuID)}
	if entry != nil {
		attrs = append(attrs,
			attribute.String("timer.id", entry.id.String()),
			attribute.String("timer.source", entry.source.String()),
			attribute.Int("timer.pending", entry.pendingIntrNr),
		)
	}
	return tracer.Start(context.Background(), name, trace.WithAttributes(attrs...))
}
