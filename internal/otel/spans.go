package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for daemon spans and metrics.
var (
	AttrAgentID   = attribute.Key("dispatchd.agent.id")
	AttrChannel   = attribute.Key("dispatchd.channel")
	AttrSender    = attribute.Key("dispatchd.sender")
	AttrSessionID = attribute.Key("dispatchd.session.id")
	AttrStatus    = attribute.Key("dispatchd.dispatch.status")
	AttrEntryName = attribute.Key("dispatchd.queue.entry")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (health endpoint).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
