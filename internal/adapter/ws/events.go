package ws

import (
	"context"
	"encoding/json"

	"github.com/Strob0t/PRDForge/internal/logger"
)

// Message is the frame sent to clients.
type Message struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// BroadcastEvent frames payload as eventType and queues it for every
// interested client. The correlation id of ctx selects the project.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.ErrorContext(ctx, "marshal ws payload", "type", eventType, "error", err)
		return
	}
	corr := logger.CorrelationID(ctx)
	frame, err := json.Marshal(Message{Type: eventType, CorrelationID: corr, Payload: raw})
	if err != nil {
		h.log.ErrorContext(ctx, "marshal ws frame", "type", eventType, "error", err)
		return
	}
	h.send(corr, frame)
}
