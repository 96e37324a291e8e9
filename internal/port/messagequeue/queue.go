// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the correlation ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Subjects may use the broker's wildcard syntax. The returned function
	// cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects used by PRDForge.
const (
	// SubjectEventsPrefix prefixes mirrored bus events: prdforge.events.<topic>.
	SubjectEventsPrefix = "prdforge.events"
	// SubjectEventsAll matches every mirrored bus event.
	SubjectEventsAll = SubjectEventsPrefix + ".>"
	// SubjectCommandsPrefix prefixes inbound pipeline commands.
	SubjectCommandsPrefix = "prdforge.commands"
	// SubjectStartProject asks a running server to start a pipeline.
	SubjectStartProject = SubjectCommandsPrefix + ".start"
	// SubjectUserFeedback submits reviewer feedback for a running project.
	SubjectUserFeedback = SubjectCommandsPrefix + ".feedback"
)
