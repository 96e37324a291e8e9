// Package agent implements the PRD pipeline agents. Every agent is an
// event-reactive worker bound to one *eventbus.Bus; agents never call each
// other except through events, with the Memory agent's FeatureRecorder as the
// single direct collaborator of the Lead agent.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	prdotel "github.com/Strob0t/PRDForge/internal/adapter/otel"
	"github.com/Strob0t/PRDForge/internal/domain"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/eventbus"
	"github.com/Strob0t/PRDForge/internal/port/llm"
)

// Agent names double as bus targets.
const (
	NameLead       = "lead"
	NameResearch   = "research"
	NameFeature    = "feature"
	NameValidation = "validation"
	NameMemory     = "memory"
	NameConsultant = "consultant"
)

// ErrNotImplemented is returned by capabilities an agent does not override.
var ErrNotImplemented = domain.ErrNotImplemented

// Status discriminates a Result.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Result is the typed outcome of an agent operation. Expected failures, such
// as a collaborator timeout, are results rather than Go errors.
type Result struct {
	Status Status `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OK wraps data in a successful result.
func OK(data any) Result { return Result{Status: StatusOK, Data: data} }

// Fail wraps err in an error result.
func Fail(err error) Result { return Result{Status: StatusError, Error: err.Error()} }

// Failed reports whether r is an error result.
func (r Result) Failed() bool { return r.Status == StatusError }

// Task is a direct request to an agent outside the event flow.
type Task struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Agent is the contract every pipeline agent satisfies.
type Agent interface {
	Name() string
	HandleEvent(ctx context.Context, msg event.Message) error
	ExecuteTask(ctx context.Context, task Task) (Result, error)
	Close()
}

// DefaultMaxConcurrent bounds background collaborator calls per agent.
const DefaultMaxConcurrent = 4

// Base carries what every agent shares: its name, the bus, a logger and a
// bounded pool for background work.
type Base struct {
	name    string
	bus     *eventbus.Bus
	log     *slog.Logger
	metrics *prdotel.Metrics

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewBase creates the shared part of an agent. maxConcurrent <= 0 uses
// DefaultMaxConcurrent.
func NewBase(name string, bus *eventbus.Bus, log *slog.Logger, maxConcurrent int) *Base {
	if log == nil {
		log = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Base{
		name: name,
		bus:  bus,
		log:  log.With("agent", name),
		sem:  semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Name returns the agent name.
func (b *Base) Name() string { return b.name }

// Bus returns the bus the agent is bound to.
func (b *Base) Bus() *eventbus.Bus { return b.bus }

// Logger returns the agent logger.
func (b *Base) Logger() *slog.Logger { return b.log }

// SetMetrics enables token usage metrics.
func (b *Base) SetMetrics(m *prdotel.Metrics) { b.metrics = m }

// Subscribe registers h for agent.<name>.<eventType>. Each delivery runs in
// an agent.handle span.
func (b *Base) Subscribe(eventType event.Type, h eventbus.Handler) error {
	if _, err := b.bus.Subscribe(eventType, b.traced(h), eventbus.WithAgent(b.name)); err != nil {
		return fmt.Errorf("%s subscribe %s: %w", b.name, eventType, err)
	}
	return nil
}

// SubscribeSystem registers h for system.<eventType>, owned by this agent.
func (b *Base) SubscribeSystem(eventType event.Type, h eventbus.Handler) error {
	if _, err := b.bus.Subscribe(eventType, b.traced(h), eventbus.WithOwner(b.name)); err != nil {
		return fmt.Errorf("%s subscribe system %s: %w", b.name, eventType, err)
	}
	return nil
}

func (b *Base) traced(h eventbus.Handler) eventbus.Handler {
	return func(ctx context.Context, msg event.Message) error {
		ctx, span := prdotel.StartHandleSpan(ctx, b.name, msg.Topic, msg.CorrelationID)
		defer span.End()
		err := h(ctx, msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// complete calls the LLM inside a collaborator span and records token usage.
func (b *Base) complete(ctx context.Context, c llm.Completer, req llm.Request) (llm.Response, error) {
	ctx, span := prdotel.StartCollaboratorSpan(ctx, "llm", "complete")
	defer span.End()
	resp, err := c.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	if b.metrics != nil {
		b.metrics.RecordTokens(ctx, b.name, resp.TokensIn, resp.TokensOut)
	}
	return resp, nil
}

// collaboratorSpan starts a client span for a non-LLM collaborator call.
func collaboratorSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return prdotel.StartCollaboratorSpan(ctx, name, op)
}

// Publish sends payload to target ("" or "*" broadcasts). The correlation id
// of ctx is carried forward.
func (b *Base) Publish(ctx context.Context, eventType event.Type, payload any, target string) error {
	_, err := b.bus.Publish(ctx, eventbus.PublishRequest{
		Type:    eventType,
		Source:  b.name,
		Target:  target,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("%s publish %s: %w", b.name, eventType, err)
	}
	return nil
}

// HandleEvent is the default event entry point.
func (b *Base) HandleEvent(context.Context, event.Message) error {
	return ErrNotImplemented
}

// ExecuteTask is the default direct task entry point.
func (b *Base) ExecuteTask(context.Context, Task) (Result, error) {
	return Result{}, ErrNotImplemented
}

// Close removes every subscription of the agent. It is idempotent.
func (b *Base) Close() {
	b.bus.UnsubscribeAll(b.name)
}

// Report logs err, escalates it as system.error and returns the error result.
func (b *Base) Report(ctx context.Context, feature string, err error) Result {
	reason := event.ErrAgentFailure
	if llm.IsQuotaExceeded(err) {
		reason = event.ErrQuotaExceeded
		b.log.WarnContext(ctx, "collaborator quota exceeded", "feature", feature, "error", err)
	} else {
		b.log.ErrorContext(ctx, "agent operation failed", "feature", feature, "error", err)
	}
	b.bus.ReportError(ctx, b.name, event.ErrorPayload{
		Error:   reason,
		Message: err.Error(),
		Feature: feature,
	})
	return Fail(err)
}

// Go runs fn in the background once a worker slot is free. It never blocks
// the caller, so it is safe to call from a bus handler. The correlation id of
// ctx is preserved; cancellation is not.
func (b *Base) Go(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.sem.Acquire(ctx, 1); err != nil {
			b.log.ErrorContext(ctx, "acquire worker slot", "error", err)
			return
		}
		defer b.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				b.Report(ctx, "", fmt.Errorf("background task panic: %v", r))
			}
		}()
		fn(ctx)
	}()
}

// Wait blocks until all background work, including work started by that
// work, has finished.
func (b *Base) Wait() {
	b.wg.Wait()
}

// decodeOrReport decodes a payload; a malformed payload is reported and
// returned as a non-nil error so the bus records it as a handler failure.
func decodeOrReport[T any](ctx context.Context, b *Base, msg event.Message) (T, error) {
	v, err := event.Decode[T](msg)
	if err != nil {
		b.log.WarnContext(ctx, "rejected payload", "topic", msg.Topic, "error", err)
		return v, err
	}
	return v, nil
}
