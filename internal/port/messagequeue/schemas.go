package messagequeue

import (
	"encoding/json"

	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/project"
)

// StartProjectPayload is the schema for prdforge.commands.start messages.
type StartProjectPayload struct {
	ProjectID string          `json:"project_id,omitempty"`
	Summary   project.Summary `json:"summary"`
}

// UserFeedbackCommand is the schema for prdforge.commands.feedback messages.
type UserFeedbackCommand = event.UserFeedbackPayload

// MirroredEvent is the schema for prdforge.events.> messages: a serialized
// bus message.
type MirroredEvent struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Topic         string          `json:"topic"`
	Source        string          `json:"source_agent"`
	Target        string          `json:"target_agent"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
}
