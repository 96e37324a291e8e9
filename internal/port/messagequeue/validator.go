package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects only need valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var target any
	switch {
	case subject == SubjectStartProject:
		target = &StartProjectPayload{}
	case subject == SubjectUserFeedback:
		target = &UserFeedbackCommand{}
	case strings.HasPrefix(subject, SubjectEventsPrefix+"."):
		var ev MirroredEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if ev.ID == "" || ev.Topic == "" {
			return fmt.Errorf("schema validation failed for %s: id and topic are required", subject)
		}
		if want := strings.TrimPrefix(subject, SubjectEventsPrefix+"."); want != ev.Topic {
			return fmt.Errorf("schema validation failed for %s: topic %q does not match subject", subject, ev.Topic)
		}
		return nil
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}
