package eventbus

import (
	"fmt"

	"github.com/Strob0t/PRDForge/internal/domain"
)

// InvalidTopicError reports a topic that cannot be formatted or is not part
// of the declared taxonomy.
type InvalidTopicError struct {
	Topic  string
	Reason string
}

func (e *InvalidTopicError) Error() string {
	if e.Topic == "" {
		return "invalid topic: " + e.Reason
	}
	return fmt.Sprintf("invalid topic %q: %s", e.Topic, e.Reason)
}

// Unwrap makes InvalidTopicError match domain.ErrValidation.
func (e *InvalidTopicError) Unwrap() error { return domain.ErrValidation }

// TransportError reports a publish that did not reach the router.
type TransportError struct {
	Topic   string
	Attempt int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s (attempt %d): %v", e.Topic, e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HandlerError reports a subscriber that returned an error or panicked.
type HandlerError struct {
	Handler string
	Topic   string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s on %s: %v", e.Handler, e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
