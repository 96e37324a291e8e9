package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "prdforge"

// StartHandleSpan starts a span for an agent handling one event.
func StartHandleSpan(ctx context.Context, agent, topic, correlationID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.handle",
		trace.WithAttributes(
			attribute.String("agent.name", agent),
			attribute.String("event.topic", topic),
			attribute.String("correlation.id", correlationID),
		),
	)
}

// StartCollaboratorSpan starts a client span for an external call such as an
// LLM completion or a web search.
func StartCollaboratorSpan(ctx context.Context, collaborator, operation string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, collaborator+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("collaborator", collaborator)),
	)
}
