// Package eventbus implements the in-process publish/subscribe substrate the
// agents coordinate through: topic routing and validation, retried delivery
// with backoff, handler isolation, and a bounded event history.
package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/Strob0t/PRDForge/internal/domain"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/logger"
	"github.com/Strob0t/PRDForge/internal/resilience"
)

// Handler processes one delivered message. Returned errors and panics are
// isolated by the bus.
type Handler func(ctx context.Context, msg event.Message) error

// FilterFunc decides whether a subscription receives a message.
type FilterFunc func(msg event.Message) bool

type subscription struct {
	id      string
	seq     uint64
	topic   string
	owner   string
	handler Handler
	filter  FilterFunc
}

func (s *subscription) name() string {
	return s.owner + "/" + s.topic + "#" + s.id
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	agent  string
	owner  string
	filter FilterFunc
}

// WithAgent scopes the subscription to agent.<id>.<event> and makes id its owner.
func WithAgent(id string) SubscribeOption {
	return func(o *subscribeOptions) { o.agent = id }
}

// WithOwner groups the subscription under owner for UnsubscribeAll and metrics
// without changing the topic.
func WithOwner(owner string) SubscribeOption {
	return func(o *subscribeOptions) { o.owner = owner }
}

// WithFilter delivers only messages for which fn returns true. Rejected
// messages are dropped silently.
func WithFilter(fn FilterFunc) SubscribeOption {
	return func(o *subscribeOptions) { o.filter = fn }
}

// Option configures a Bus.
type Option func(*Bus)

// WithRouter replaces the default router.
func WithRouter(r *Router) Option { return func(b *Bus) { b.router = r } }

// WithHistorySize sets the event store capacity.
func WithHistorySize(n int) Option { return func(b *Bus) { b.store = NewStore(n) } }

// WithTransport replaces local delivery.
func WithTransport(t Transport) Option { return func(b *Bus) { b.transport = t } }

// WithScheduler replaces the timer used for retries.
func WithScheduler(s Scheduler) Option { return func(b *Bus) { b.scheduler = s } }

// WithRetryPolicy sets the publish retry policy.
func WithRetryPolicy(p resilience.RetryPolicy) Option { return func(b *Bus) { b.policy = p } }

// WithObserver installs instrumentation callbacks.
func WithObserver(o Observer) Option { return func(b *Bus) { b.observer = o } }

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.log = l } }

// WithClock sets the source of message timestamps.
func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

// Bus is the publish/subscribe engine. It is safe for concurrent use; a
// process may run any number of independent buses.
type Bus struct {
	router    *Router
	store     *Store
	transport Transport
	scheduler Scheduler
	policy    resilience.RetryPolicy
	observer  Observer
	log       *slog.Logger
	now       func() time.Time

	subSeq atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]*pendingRetry
	retrySeq uint64
	closed   bool
}

// pendingRetry is a scheduled attempt. Close escalates it with the last
// transport error.
type pendingRetry struct {
	timer   Timer
	ctx     context.Context
	msg     event.Message
	attempt int
	err     error
}

// New creates a bus with local delivery, the default taxonomy, and the
// default retry policy.
func New(opts ...Option) *Bus {
	b := &Bus{
		router:    NewRouter(),
		store:     NewStore(DefaultHistorySize),
		transport: Local{},
		scheduler: RealScheduler{},
		policy:    resilience.DefaultRetryPolicy(),
		observer:  noopObserver{},
		log:       slog.Default(),
		now:       time.Now,
		pending:   make(map[uint64]*pendingRetry),
	}
	for _, o := range opts {
		o(b)
	}
	if b.policy.MaxAttempts < 1 {
		b.policy.MaxAttempts = 1
	}
	return b
}

// Router returns the bus router.
func (b *Bus) Router() *Router { return b.router }

// PublishRequest describes one event to publish.
type PublishRequest struct {
	Type          event.Type
	Source        string
	Target        string // agent id, "*" or empty for broadcast
	Payload       any    // marshalled to JSON; json.RawMessage is used as-is
	CorrelationID string // defaults to the context correlation ID, then a new UUID
	NoRetry       bool
}

// Publish delivers an event synchronously to the current subscribers of its
// topic. A transport failure is retried on the scheduler and, once the retry
// policy is exhausted, escalated as a system.error event; it is not returned
// to the caller unless NoRetry is set. Malformed requests fail immediately
// with an error matching domain.ErrValidation.
func (b *Bus) Publish(ctx context.Context, req PublishRequest) (event.Message, error) {
	msg, err := b.newMessage(ctx, req)
	if err != nil {
		return event.Message{}, err
	}
	if err := b.attempt(ctx, msg, 1, nil, req.NoRetry); err != nil && req.NoRetry {
		return msg, err
	}
	return msg, nil
}

func (b *Bus) newMessage(ctx context.Context, req PublishRequest) (event.Message, error) {
	if req.Type == "" {
		return event.Message{}, &InvalidTopicError{Reason: "event type is required"}
	}
	if req.Type == Wildcard {
		return event.Message{}, &InvalidTopicError{Topic: Wildcard, Reason: "cannot publish to the wildcard topic"}
	}
	topic, err := b.router.Resolve(req.Type, req.Target)
	if err != nil {
		return event.Message{}, err
	}
	if err := b.router.Validate(topic); err != nil {
		return event.Message{}, err
	}
	payload, err := encodePayload(req.Payload)
	if err != nil {
		return event.Message{}, fmt.Errorf("encode %s payload: %v: %w", req.Type, err, domain.ErrValidation)
	}

	corr := req.CorrelationID
	if corr == "" {
		corr = logger.CorrelationID(ctx)
	}
	if corr == "" {
		corr = uuid.NewString()
	}
	target := req.Target
	if target == "" {
		target = event.Broadcast
	}

	return event.Message{
		ID:            uuid.NewString(),
		Type:          req.Type,
		Topic:         topic,
		Source:        req.Source,
		Target:        target,
		Timestamp:     b.now().UTC(),
		Payload:       payload,
		CorrelationID: corr,
	}, nil
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return bytes.Clone(p), nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return bytes.Clone(p), nil
	}
	return json.Marshal(v)
}

// attempt sends msg once. On failure it schedules the next attempt or, when
// attempts are exhausted, escalates.
func (b *Bus) attempt(ctx context.Context, msg event.Message, n int, bo backoff.BackOff, noRetry bool) error {
	start := time.Now()
	err := b.transport.Send(ctx, msg, b.deliver)
	if err == nil {
		took := time.Since(start)
		b.store.Append(event.Record(msg, took))
		b.observer.OnPublish(ctx, msg, took)
		return nil
	}

	terr := &TransportError{Topic: msg.Topic, Attempt: n, Err: err}
	if noRetry {
		b.log.WarnContext(ctx, "publish failed", "topic", msg.Topic, "message_id", msg.ID, "error", err)
		return terr
	}
	if n >= b.policy.MaxAttempts {
		b.log.ErrorContext(ctx, "publish retries exhausted",
			"topic", msg.Topic, "message_id", msg.ID, "attempts", n, "error", err)
		b.escalate(ctx, msg, event.ErrMaxRetriesExceeded, terr)
		return terr
	}

	retry := &pendingRetry{ctx: context.WithoutCancel(ctx), msg: msg, attempt: n, err: terr}
	if b.isClosed() {
		b.cancelled(retry)
		return terr
	}
	if bo == nil {
		bo = b.policy.NewBackOff()
	}
	delay := bo.NextBackOff()
	b.observer.OnRetry(ctx, msg, n, delay, err)
	b.log.WarnContext(ctx, "publish failed, retry scheduled",
		"topic", msg.Topic, "message_id", msg.ID, "attempt", n, "delay", delay, "error", err)

	if !b.schedule(delay, retry, func() { _ = b.attempt(retry.ctx, msg, n+1, bo, false) }) {
		b.cancelled(retry)
	}
	return terr
}

// schedule registers f with the scheduler. It returns false once the bus is closed.
func (b *Bus) schedule(d time.Duration, p *pendingRetry, f func()) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	id := b.retrySeq
	b.retrySeq++
	b.pending[id] = p
	b.mu.Unlock()

	t := b.scheduler.AfterFunc(d, func() {
		b.mu.Lock()
		_, ok := b.pending[id]
		delete(b.pending, id)
		b.mu.Unlock()
		if ok {
			f()
		}
	})

	b.mu.Lock()
	p.timer = t
	b.mu.Unlock()
	return true
}

// deliver runs every matching handler in registration order. Each handler
// gets its own copy of the payload.
func (b *Bus) deliver(ctx context.Context, msg event.Message) {
	ctx = logger.WithCorrelationID(ctx, msg.CorrelationID)
	for _, s := range b.router.match(msg.Topic) {
		if err := invoke(ctx, s, msg.Clone()); err != nil {
			b.handlerFailed(ctx, s, msg, err)
		}
	}
}

func invoke(ctx context.Context, s *subscription, msg event.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if s.filter != nil && !s.filter(msg) {
		return nil
	}
	return s.handler(ctx, msg)
}

func (b *Bus) handlerFailed(ctx context.Context, s *subscription, msg event.Message, err error) {
	herr := &HandlerError{Handler: s.name(), Topic: msg.Topic, Err: err}
	b.log.ErrorContext(ctx, "event handler failed", "handler", herr.Handler, "topic", msg.Topic, "error", err)
	b.observer.OnHandlerError(ctx, msg, herr.Handler, err)

	// Failures while handling an escalation are only logged.
	if msg.Target == event.SystemMonitor {
		return
	}
	b.emit(ctx, event.TypeHandlerError, s.owner, event.HandlerErrorPayload{
		Error:   err.Error(),
		Handler: herr.Handler,
		Event:   msg,
	}, msg.CorrelationID)
}

func (b *Bus) escalate(ctx context.Context, msg event.Message, reason string, err error) {
	b.observer.OnEscalation(ctx, msg, reason)
	original := msg
	b.emit(ctx, event.TypeError, msg.Source, event.ErrorPayload{
		Error:         reason,
		Message:       err.Error(),
		Agent:         msg.Source,
		OriginalEvent: &original,
	}, msg.CorrelationID)
}

// ReportError publishes a system.error escalation on behalf of source.
func (b *Bus) ReportError(ctx context.Context, source string, p event.ErrorPayload) {
	if p.Agent == "" {
		p.Agent = source
	}
	b.emit(ctx, event.TypeError, source, p, logger.CorrelationID(ctx))
}

// emit delivers a system-monitor event locally, bypassing the transport so
// escalations still arrive when the transport is failing.
func (b *Bus) emit(ctx context.Context, typ event.Type, source string, payload any, corr string) {
	msg, err := b.newMessage(ctx, PublishRequest{
		Type:          typ,
		Source:        source,
		Target:        event.SystemMonitor,
		Payload:       payload,
		CorrelationID: corr,
	})
	if err != nil {
		b.log.ErrorContext(ctx, "cannot build escalation", "type", typ, "error", err)
		return
	}
	start := time.Now()
	b.deliver(ctx, msg)
	took := time.Since(start)
	b.store.Append(event.Record(msg, took))
	b.observer.OnPublish(ctx, msg, took)
}

// Subscribe registers h for an event type. Without WithAgent the subscription
// is on system.<event>; with it, on agent.<id>.<event>. The string "*"
// subscribes to every topic.
func (b *Bus) Subscribe(eventType event.Type, h Handler, opts ...SubscribeOption) (string, error) {
	o := subscribeOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	topic, err := b.router.Resolve(eventType, o.agent)
	if err != nil {
		return "", err
	}
	return b.subscribe(topic, h, o)
}

// SubscribeTopic registers h for an already formatted topic such as
// "system.initialized" or "agent.lead.research_complete".
func (b *Bus) SubscribeTopic(topic string, h Handler, opts ...SubscribeOption) (string, error) {
	o := subscribeOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	return b.subscribe(topic, h, o)
}

func (b *Bus) subscribe(topic string, h Handler, o subscribeOptions) (string, error) {
	if h == nil {
		return "", fmt.Errorf("handler is required: %w", domain.ErrValidation)
	}
	if err := b.router.Validate(topic); err != nil {
		return "", err
	}
	owner := o.owner
	if owner == "" {
		owner = o.agent
	}
	if owner == "" {
		owner = "anonymous"
	}
	seq := b.subSeq.Add(1)
	s := &subscription{
		id:      strconv.FormatUint(seq, 10),
		seq:     seq,
		topic:   topic,
		owner:   owner,
		handler: h,
		filter:  o.filter,
	}
	b.router.add(s)
	b.log.Debug("subscribed", "topic", topic, "owner", owner, "subscription", s.id)
	return s.id, nil
}

// Unsubscribe removes one subscription. It reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	return b.router.remove(id)
}

// UnsubscribeAll removes every subscription owned by owner. Calling it for
// an owner without subscriptions is a no-op.
func (b *Bus) UnsubscribeAll(owner string) int {
	n := b.router.removeOwner(owner)
	if n > 0 {
		b.log.Debug("unsubscribed all", "owner", owner, "count", n)
	}
	return n
}

// History returns retained events matching f, oldest first.
func (b *Bus) History(f HistoryFilter) []event.StoredEvent {
	return b.store.History(f)
}

// Metrics describes the retained window plus live subscription counts.
type Metrics struct {
	Stats
	ActiveSubscriptions map[string]int `json:"active_subscriptions"`
	HistoryCapacity     int            `json:"history_capacity"`
	PendingRetries      int            `json:"pending_retries"`
}

// Metrics computes bus metrics. Event counts cover only retained events.
func (b *Bus) Metrics() Metrics {
	b.mu.Lock()
	pending := len(b.pending)
	b.mu.Unlock()
	return Metrics{
		Stats:               b.store.Stats(),
		ActiveSubscriptions: b.router.countByOwner(),
		HistoryCapacity:     b.store.Cap(),
		PendingRetries:      pending,
	}
}

// Close cancels pending retries and escalates each cancelled message as a
// retry_cancelled system.error. Publishing after Close still delivers but
// failed publishes are escalated at once instead of retried.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	ids := make([]uint64, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	dropped := make([]*pendingRetry, 0, len(ids))
	for _, id := range ids {
		p := b.pending[id]
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(b.pending, id)
		dropped = append(dropped, p)
	}
	b.mu.Unlock()

	for _, p := range dropped {
		b.cancelled(p)
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) cancelled(p *pendingRetry) {
	b.log.WarnContext(p.ctx, "bus closed, retry cancelled",
		"topic", p.msg.Topic, "message_id", p.msg.ID, "attempts", p.attempt)
	b.escalate(p.ctx, p.msg, event.ErrRetryCancelled, p.err)
}
