package otel_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	prdotel "github.com/Strob0t/PRDForge/internal/adapter/otel"
	"github.com/Strob0t/PRDForge/internal/adapter/tiered"
	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/eventbus"
)

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestBusObserverCountsDeliveries(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := prdotel.NewMetricsWith(mp)
	if err != nil {
		t.Fatalf("NewMetricsWith: %v", err)
	}

	bus := eventbus.New(eventbus.WithObserver(prdotel.NewBusObserver(m)))
	defer bus.Close()

	_, err = bus.Subscribe(event.TypeFeatureDefined, func(context.Context, event.Message) error {
		return errors.New("boom")
	}, eventbus.WithAgent("validation"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	_, err = bus.Publish(context.Background(), eventbus.PublishRequest{
		Type:   event.TypeFeatureDefined,
		Source: "feature",
		Target: "validation",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	// the original event plus the handler_error report
	if got := sumOf(t, rm, "prdforge.bus.events"); got != 2 {
		t.Errorf("expected 2 delivered events, got %d", got)
	}
	if got := sumOf(t, rm, "prdforge.bus.handler_errors"); got != 1 {
		t.Errorf("expected 1 handler error, got %d", got)
	}
}

func TestBusObserverMarksSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	m, err := prdotel.NewMetricsWith(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetricsWith: %v", err)
	}
	obs := prdotel.NewBusObserver(m)

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	msg := event.Message{ID: "m1", Topic: "agent.lead.feature_request"}
	obs.OnRetry(ctx, msg, 1, time.Second, errors.New("queue down"))
	obs.OnHandlerError(ctx, msg, "lead/agent.lead.feature_request#1", errors.New("boom"))
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	var names []string
	for _, e := range spans[0].Events {
		names = append(names, e.Name)
	}
	if len(names) != 2 || names[0] != "bus.retry" || names[1] != "exception" {
		t.Errorf("unexpected span events %v", names)
	}
	if spans[0].Status.Description != "handler failed" {
		t.Errorf("unexpected status %+v", spans[0].Status)
	}
}

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, err := prdotel.Init(context.Background(), config.OTEL{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestHTTPMiddlewarePassesThrough(t *testing.T) {
	h := prdotel.HTTPMiddleware("prdforge")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rec.Code)
	}
}

func TestHTTPMiddlewareSkipsProbes(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	h := prdotel.HTTPMiddleware("prdforge")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for _, path := range []string{"/health", "/ws", "/api/v1/projects/progress"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, http.NoBody))
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "GET /api/v1/projects/progress" {
		t.Errorf("unexpected span name %q", spans[0].Name)
	}
}

func TestCacheLookupCountsByTier(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := prdotel.NewMetricsWith(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetricsWith: %v", err)
	}
	ctx := context.Background()
	m.CacheLookup(ctx, tiered.TierL1)
	m.CacheLookup(ctx, tiered.TierL1)
	m.CacheLookup(ctx, tiered.TierMiss)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := sumOf(t, rm, "prdforge.cache.lookups"); got != 3 {
		t.Errorf("lookups = %d, want 3", got)
	}
}
