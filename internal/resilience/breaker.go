// Package resilience guards the LLM and search clients: exponential retry
// delays for the event bus and circuit breakers for outbound HTTP calls.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned, wrapped with the breaker name, while a breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State of a Breaker.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Breaker counts consecutive failures of one upstream. After maxFailures it
// opens for cooldown; then a single probe call decides whether it closes
// again. Calls arriving while the probe is in flight are rejected.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	isFailure   func(error) bool
	onChange    func(name string, from, to State)
	clock       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithName labels the breaker in errors and transition callbacks.
func WithName(name string) BreakerOption {
	return func(b *Breaker) { b.name = name }
}

// WithFailurePredicate limits which errors count toward opening the circuit.
// Other errors reach the caller without touching the breaker, e.g. a
// rejected prompt from an otherwise healthy model.
func WithFailurePredicate(fn func(error) bool) BreakerOption {
	return func(b *Breaker) { b.isFailure = fn }
}

// OnStateChange registers fn for every transition. fn runs after the lock is
// released.
func OnStateChange(fn func(name string, from, to State)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// WithBreakerClock replaces time.Now.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.clock = now }
}

// NewBreaker returns a closed breaker.
func NewBreaker(maxFailures int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:        "upstream",
		maxFailures: max(maxFailures, 1),
		cooldown:    cooldown,
		isFailure:   func(error) bool { return true },
		clock:       time.Now,
		state:       Closed,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name returns the breaker label.
func (b *Breaker) Name() string { return b.name }

// State reports the current state. An open breaker whose cooldown has passed
// reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.clock().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Execute runs fn unless the breaker rejects the call.
func (b *Breaker) Execute(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Open:
		if b.clock().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return false, fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.state = HalfOpen
		fallthrough
	case HalfOpen:
		if b.probing {
			b.mu.Unlock()
			return false, fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.probing = true
		probe = true
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return probe, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	from := b.state
	if probe {
		b.probing = false
	}
	switch {
	case err == nil:
		b.failures = 0
		b.state = Closed
	case !b.isFailure(err):
		if probe {
			b.failures = 0
			b.state = Closed
		}
	default:
		b.failures++
		if probe || b.failures >= b.maxFailures {
			b.state = Open
			b.openedAt = b.clock()
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
