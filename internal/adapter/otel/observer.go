package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/eventbus"
)

var _ eventbus.Observer = (*BusObserver)(nil)

// BusObserver records bus activity as metrics and as events on the span
// active in the publishing context.
type BusObserver struct {
	m *Metrics
}

// NewBusObserver creates an observer recording into m.
func NewBusObserver(m *Metrics) *BusObserver {
	return &BusObserver{m: m}
}

func topicAttrs(msg event.Message) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("event.topic", msg.Topic),
		attribute.String("event.source", msg.Source),
	)
}

// OnPublish counts the delivery and records its latency.
func (o *BusObserver) OnPublish(ctx context.Context, msg event.Message, took time.Duration) {
	attrs := topicAttrs(msg)
	o.m.EventsPublished.Add(ctx, 1, attrs)
	o.m.PublishLatency.Record(ctx, float64(took)/float64(time.Millisecond), attrs)
}

// OnRetry counts the scheduled retry.
func (o *BusObserver) OnRetry(ctx context.Context, msg event.Message, attempt int, delay time.Duration, err error) {
	o.m.Retries.Add(ctx, 1, topicAttrs(msg))
	trace.SpanFromContext(ctx).AddEvent("bus.retry", trace.WithAttributes(
		attribute.String("event.id", msg.ID),
		attribute.Int("attempt", attempt),
		attribute.Int64("delay_ms", delay.Milliseconds()),
		attribute.String("error", err.Error()),
	))
}

// OnHandlerError counts the failure and marks the active span.
func (o *BusObserver) OnHandlerError(ctx context.Context, msg event.Message, handler string, err error) {
	o.m.HandlerErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.topic", msg.Topic),
		attribute.String("handler", handler),
	))
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(attribute.String("handler", handler)))
	span.SetStatus(codes.Error, "handler failed")
}

// OnEscalation counts the escalation.
func (o *BusObserver) OnEscalation(ctx context.Context, msg event.Message, reason string) {
	o.m.Escalations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.topic", msg.Topic),
		attribute.String("reason", reason),
	))
}

// RecordTokens adds LLM token usage for an agent.
func (m *Metrics) RecordTokens(ctx context.Context, agent string, in, out int) {
	m.LLMTokens.Add(ctx, int64(in), metric.WithAttributes(
		attribute.String("agent.name", agent), attribute.String("direction", "in")))
	m.LLMTokens.Add(ctx, int64(out), metric.WithAttributes(
		attribute.String("agent.name", agent), attribute.String("direction", "out")))
}
