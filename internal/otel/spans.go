package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for broker spans.
var (
	AttrTaskID       = attribute.Key("taskbroker.task.id")
	AttrWorkerID     = attribute.Key("taskbroker.worker.id")
	AttrTaskStatus   = attribute.Key("taskbroker.task.status")
	AttrQueueDepth   = attribute.Key("taskbroker.queue.depth")
	AttrLeaseOwner   = attribute.Key("taskbroker.lease.owner")
	AttrStreamCursor = attribute.Key("taskbroker.stream.cursor")
	AttrEventType    = attribute.Key("taskbroker.event.type")
	AttrRiskScore    = attribute.Key("taskbroker.task.risk_score")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (public or internal HTTP API).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (Durable Store command).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
