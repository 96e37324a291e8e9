// Package broadcast defines the port that pushes bus events to live clients.
package broadcast

import "context"

// Broadcaster fans a payload out to every connected client. It must not
// block on slow clients.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
