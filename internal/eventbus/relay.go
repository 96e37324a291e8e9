package eventbus

import (
	"context"

	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/port/broadcast"
)

// RelayEventType is the broadcast type of relayed bus events.
const RelayEventType = "bus.event"

// RelayOwner owns the relay subscription.
const RelayOwner = "relay"

// Relay forwards every delivered event to a broadcaster. The returned id
// removes the relay via Unsubscribe.
func Relay(b *Bus, to broadcast.Broadcaster) (string, error) {
	return b.SubscribeTopic(Wildcard, func(ctx context.Context, msg event.Message) error {
		to.BroadcastEvent(ctx, RelayEventType, msg)
		return nil
	}, WithOwner(RelayOwner))
}
