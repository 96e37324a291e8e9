package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "prdforge"

// Metrics holds all PRDForge metric instruments.
type Metrics struct {
	EventsPublished metric.Int64Counter
	PublishLatency  metric.Float64Histogram
	Retries         metric.Int64Counter
	HandlerErrors   metric.Int64Counter
	Escalations     metric.Int64Counter
	LLMTokens       metric.Int64Counter
	CacheLookups    metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.GetMeterProvider())
}

// NewMetricsWith creates all metric instruments on mp.
func NewMetricsWith(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	m.EventsPublished, err = meter.Int64Counter("prdforge.bus.events",
		metric.WithDescription("Number of events delivered by the bus"))
	if err != nil {
		return nil, err
	}

	m.PublishLatency, err = meter.Float64Histogram("prdforge.bus.delivery_ms",
		metric.WithDescription("Event delivery latency in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	m.Retries, err = meter.Int64Counter("prdforge.bus.retries",
		metric.WithDescription("Number of scheduled publish retries"))
	if err != nil {
		return nil, err
	}

	m.HandlerErrors, err = meter.Int64Counter("prdforge.bus.handler_errors",
		metric.WithDescription("Number of failed or panicking handlers"))
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("prdforge.bus.escalations",
		metric.WithDescription("Number of events escalated to system.error"))
	if err != nil {
		return nil, err
	}

	m.LLMTokens, err = meter.Int64Counter("prdforge.llm.tokens",
		metric.WithDescription("LLM tokens consumed"))
	if err != nil {
		return nil, err
	}

	m.CacheLookups, err = meter.Int64Counter("prdforge.cache.lookups",
		metric.WithDescription("Search cache lookups by answering tier"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// CacheLookup counts one search cache read answered by tier.
func (m *Metrics) CacheLookup(ctx context.Context, tier string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}
