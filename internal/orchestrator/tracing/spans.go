package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	lifecycleTracerName = "madrox-lifecycle"
	brokerTracerName    = "madrox-broker"
)

func lifecycleTracer() trace.Tracer {
	return Tracer(lifecycleTracerName)
}

func brokerTracer() trace.Tracer {
	return Tracer(brokerTracerName)
}

// TraceSpawn creates a span for one instance spawn.
func TraceSpawn(ctx context.Context, role, kind, parentID string) (context.Context, trace.Span) {
	ctx, span := lifecycleTracer().Start(ctx, "lifecycle.spawn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("role", role),
		attribute.String("kind", kind),
		attribute.String("parent_id", parentID),
	)
	return ctx, span
}

// TraceTerminate creates a span for one instance termination cascade.
func TraceTerminate(ctx context.Context, instanceID string, force bool) (context.Context, trace.Span) {
	ctx, span := lifecycleTracer().Start(ctx, "lifecycle.terminate",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("instance_id", instanceID),
		attribute.Bool("force", force),
	)
	return ctx, span
}

// TraceSend creates a span for one Messaging Broker send.
func TraceSend(ctx context.Context, recipientID string, waitForResponse bool) (context.Context, trace.Span) {
	ctx, span := brokerTracer().Start(ctx, "broker.send",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("recipient_id", recipientID),
		attribute.Bool("wait_for_response", waitForResponse),
	)
	return ctx, span
}

// EndWithResult records the final protocol/error outcome of a span and
// ends it.
func EndWithResult(span trace.Span, protocol string, err error) {
	if protocol != "" {
		span.SetAttributes(attribute.String("protocol", protocol))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
