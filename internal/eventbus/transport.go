package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/port/messagequeue"
)

// Transport carries a message from the publisher to the router. Send returns
// an error only when the message did not reach the router; handler failures
// are handled by the bus and never surface here.
type Transport interface {
	Send(ctx context.Context, msg event.Message, deliver func(context.Context, event.Message)) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg event.Message, deliver func(context.Context, event.Message)) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, msg event.Message, deliver func(context.Context, event.Message)) error {
	return f(ctx, msg, deliver)
}

// Local delivers in-process and never fails.
type Local struct{}

// Send invokes deliver synchronously.
func (Local) Send(ctx context.Context, msg event.Message, deliver func(context.Context, event.Message)) error {
	deliver(ctx, msg)
	return nil
}

// Mirror forwards every message to a message queue before delivering it
// locally. A queue failure is a transport failure: the message is not
// delivered locally either, so a retry does not duplicate local delivery.
type Mirror struct {
	Queue   messagequeue.Queue
	Prefix  string
	Timeout time.Duration
}

// Subject returns the queue subject a topic is mirrored to.
func (m Mirror) Subject(topic string) string {
	prefix := m.Prefix
	if prefix == "" {
		prefix = messagequeue.SubjectEventsPrefix
	}
	return prefix + "." + topic
}

// Send publishes msg to the queue, then delivers it locally.
func (m Mirror) Send(ctx context.Context, msg event.Message, deliver func(context.Context, event.Message)) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pubCtx := ctx
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	if err := m.Queue.Publish(pubCtx, m.Subject(msg.Topic), data); err != nil {
		return err
	}
	deliver(ctx, msg)
	return nil
}
