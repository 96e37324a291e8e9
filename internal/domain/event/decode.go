package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/Strob0t/PRDForge/internal/domain"
)

// PayloadError reports a payload that does not match the schema of its event type.
type PayloadError struct {
	Type   Type
	Reason string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Type, e.Reason)
}

// Unwrap makes PayloadError match domain.ErrValidation.
func (e *PayloadError) Unwrap() error { return domain.ErrValidation }

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

type selfValidator interface {
	Validate() error
}

// Decode strictly decodes a message payload into T. Unknown fields, missing
// required fields and failed Validate methods all yield a *PayloadError.
func Decode[T any](msg Message) (T, error) {
	var out T
	if len(msg.Payload) == 0 {
		return out, &PayloadError{Type: msg.Type, Reason: "empty payload"}
	}

	dec := json.NewDecoder(bytes.NewReader(msg.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, &PayloadError{Type: msg.Type, Reason: err.Error()}
	}
	if err := Check(msg.Type, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Check runs struct-tag validation and, when present, the Validate method on v.
// v must be a pointer to a struct.
func Check(t Type, v any) error {
	if err := structValidator().Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &PayloadError{Type: t, Reason: fmt.Sprintf("field %s failed %q", fe.Namespace(), fe.Tag())}
		}
		return &PayloadError{Type: t, Reason: err.Error()}
	}
	if sv, ok := v.(selfValidator); ok {
		if err := sv.Validate(); err != nil {
			return &PayloadError{Type: t, Reason: err.Error()}
		}
	}
	return nil
}
