// Package llm defines the reasoning collaborator ports: chat completion with
// optional structured output, and text embedding.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Strob0t/PRDForge/internal/domain"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request. When Schema is set the model is asked for
// a JSON object matching it and Response.Data carries the decoded object.
type Request struct {
	Messages    []Message
	Schema      json.RawMessage
	SchemaName  string
	Temperature float64
}

// Response is a completion result.
type Response struct {
	Content   string
	Data      json.RawMessage
	TokensIn  int
	TokensOut int
}

// Completer produces chat completions.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

var (
	// ErrTimeout is returned when the model did not answer within the deadline.
	ErrTimeout = fmt.Errorf("llm timeout: %w", domain.ErrCollaborator)
	// ErrRateLimited is returned for transient throttling.
	ErrRateLimited = fmt.Errorf("llm rate limited: %w", domain.ErrCollaborator)
	// ErrQuotaExceeded is returned when the account quota is exhausted.
	ErrQuotaExceeded = fmt.Errorf("llm quota exceeded: %w", domain.ErrCollaborator)
	// ErrInvalidOutput is returned when structured output does not match the schema.
	ErrInvalidOutput = fmt.Errorf("llm output invalid: %w", domain.ErrCollaborator)
)

// IsQuotaExceeded reports whether err means the quota is exhausted.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}
