package agent_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Strob0t/PRDForge/internal/adapter/sqlite"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/eventbus"
	"github.com/Strob0t/PRDForge/internal/port/llm"
	"github.com/Strob0t/PRDForge/internal/port/search"
)

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	b := eventbus.New(eventbus.WithLogger(quietLogger()))
	t.Cleanup(b.Close)
	return b
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// capture records every message published on one topic pattern.
type capture struct {
	mu   sync.Mutex
	msgs []event.Message
}

func watch(t *testing.T, bus *eventbus.Bus, topic string) *capture {
	t.Helper()
	c := &capture{}
	_, err := bus.SubscribeTopic(topic, func(_ context.Context, msg event.Message) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.msgs = append(c.msgs, msg)
		return nil
	})
	require.NoError(t, err)
	return c
}

func (c *capture) all() []event.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Message(nil), c.msgs...)
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func decodeAll[T any](t *testing.T, msgs []event.Message) []T {
	t.Helper()
	out := make([]T, 0, len(msgs))
	for _, m := range msgs {
		var v T
		require.NoError(t, json.Unmarshal(m.Payload, &v))
		out = append(out, v)
	}
	return out
}

type fakeSearcher struct {
	mu      sync.Mutex
	calls   int
	results []search.Result
	err     error
}

func (s *fakeSearcher) Search(_ context.Context, _ string) ([]search.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]search.Result(nil), s.results...), nil
}

func (s *fakeSearcher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// completerFunc adapts a function to llm.Completer.
type completerFunc func(ctx context.Context, req llm.Request) (llm.Response, error)

func (f completerFunc) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	return f(ctx, req)
}

// featureModel answers feature requests with a complete feature named after
// the objective, or keeps the name of a feature under revision.
func featureModel() completerFunc {
	return func(_ context.Context, req llm.Request) (llm.Response, error) {
		prompt := req.Messages[len(req.Messages)-1].Content
		name := "Revised"
		if _, obj, ok := strings.Cut(prompt, "Define the feature for this objective: "); ok {
			name = strings.ToUpper(obj[:1]) + strings.TrimSpace(obj[1:])
		}
		data, _ := json.Marshal(map[string]any{
			"name":         name,
			"description":  "Lets users " + strings.ToLower(name),
			"requirements": []string{"Works on desktop", "Works on mobile"},
			"dependencies": []string{},
			"priority":     "high",
		})
		return llm.Response{Content: string(data), Data: data, TokensIn: 10, TokensOut: 20}, nil
	}
}

// manualScheduler records scheduled calls; tests fire them explicitly.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (s *manualScheduler) AfterFunc(_ time.Duration, f func()) eventbus.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) fire() bool {
	s.mu.Lock()
	var next *manualTimer
	for _, t := range s.timers {
		if !t.stopped {
			next = t
			break
		}
	}
	if next != nil {
		next.stopped = true
	}
	s.mu.Unlock()
	if next == nil {
		return false
	}
	next.f()
	return true
}

func eventbusRequest(typ event.Type, target string, payload any) eventbus.PublishRequest {
	return eventbus.PublishRequest{Type: typ, Source: "test", Target: target, Payload: payload}
}
