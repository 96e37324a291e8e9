// Package event defines the messages exchanged between agents on the event bus.
package event

import (
	"bytes"
	"encoding/json"
	"time"
)

// Type identifies the kind of event. It is the last segment of a topic.
type Type string

// Pipeline events exchanged between agents.
const (
	TypeProjectSummaryReady Type = "project_summary_ready"
	TypeResearchRequest     Type = "research_request"
	TypeResearchComplete    Type = "research_complete"
	TypeFeatureRequest      Type = "feature_request"
	TypeFeatureDefined      Type = "feature_defined"
	TypeFeatureCompleted    Type = "feature_completed"
	TypeValidationRequest   Type = "validation_request"
	TypeValidationComplete  Type = "validation_complete"
	TypeValidationResult    Type = "validation_result"
	TypeUpdateMemory        Type = "update_memory"
	TypeMemoryUpdated       Type = "memory_updated"
	TypeUserFeedback        Type = "user_feedback"
	TypeDocumentComplete    Type = "documentation_complete"
)

// System events.
const (
	TypeInitialized  Type = "initialized"
	TypeShutdown     Type = "shutdown"
	TypeError        Type = "error"
	TypeHandlerError Type = "handler_error"
	TypeProgress     Type = "progress"
)

// Broadcast is the target of events addressed to every subscriber.
const Broadcast = "*"

// SystemMonitor is the logical target of error escalations.
const SystemMonitor = "system_monitor"

// Message is a single immutable event instance.
type Message struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Topic         string          `json:"topic"`
	Source        string          `json:"source_agent"`
	Target        string          `json:"target_agent"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id"`
}

// Clone returns a copy whose payload does not share memory with m.
func (m Message) Clone() Message {
	m.Payload = bytes.Clone(m.Payload)
	return m
}

// IsBroadcast reports whether the message targets every subscriber.
func (m Message) IsBroadcast() bool {
	return m.Target == "" || m.Target == Broadcast
}

// StoredEvent is a record of one observed publish, kept in the event store.
type StoredEvent struct {
	Topic            string          `json:"topic"`
	Type             Type            `json:"type"`
	MessageID        string          `json:"message_id"`
	Source           string          `json:"source_agent"`
	Target           string          `json:"target_agent"`
	CorrelationID    string          `json:"correlation_id"`
	Data             json.RawMessage `json:"data,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	ProcessingTimeMs float64         `json:"processing_time_ms"`
}

// Record converts a delivered message into a stored event.
func Record(msg Message, took time.Duration) StoredEvent {
	return StoredEvent{
		Topic:            msg.Topic,
		Type:             msg.Type,
		MessageID:        msg.ID,
		Source:           msg.Source,
		Target:           msg.Target,
		CorrelationID:    msg.CorrelationID,
		Data:             bytes.Clone(msg.Payload),
		Timestamp:        msg.Timestamp,
		ProcessingTimeMs: float64(took.Microseconds()) / 1000,
	}
}
