package postgres

import (
	"context"
	"fmt"

	"github.com/Strob0t/PRDForge/internal/domain/event"
)

// AppendEvent inserts a delivered bus event into the append-only log.
func (s *Store) AppendEvent(ctx context.Context, e event.StoredEvent) error {
	var data any
	if len(e.Data) > 0 {
		data = []byte(e.Data)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bus_events (message_id, topic, type, source_agent, target_agent, correlation_id, data, processing_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.MessageID, e.Topic, string(e.Type), e.Source, e.Target, e.CorrelationID, data, e.ProcessingTimeMs, e.Timestamp)
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.MessageID, err)
	}
	return nil
}

// ListEventsByCorrelation returns every logged event of one correlation chain
// in insertion order.
func (s *Store) ListEventsByCorrelation(ctx context.Context, correlationID string) ([]event.StoredEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, topic, type, source_agent, target_agent, correlation_id, COALESCE(data, 'null'::jsonb), processing_time_ms, created_at
		FROM bus_events WHERE correlation_id = $1 ORDER BY id`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", correlationID, err)
	}
	defer rows.Close()

	var out []event.StoredEvent
	for rows.Next() {
		var (
			e    event.StoredEvent
			data []byte
		)
		if err := rows.Scan(&e.MessageID, &e.Topic, &e.Type, &e.Source, &e.Target,
			&e.CorrelationID, &data, &e.ProcessingTimeMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Data = data
		out = append(out, e)
	}
	return orEmpty(out), rows.Err()
}
