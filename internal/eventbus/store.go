package eventbus

import (
	"sync"
	"time"

	"github.com/Strob0t/PRDForge/internal/domain/event"
)

// DefaultHistorySize is the event store capacity used when none is configured.
const DefaultHistorySize = 1000

// Store is a fixed-capacity FIFO of recently delivered events.
type Store struct {
	mu    sync.Mutex
	buf   []event.StoredEvent
	start int
	size  int
}

// NewStore creates a store holding at most capacity events.
func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = DefaultHistorySize
	}
	return &Store{buf: make([]event.StoredEvent, capacity)}
}

// Append records e, evicting the oldest event when full.
func (s *Store) Append(e event.StoredEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size < len(s.buf) {
		s.buf[(s.start+s.size)%len(s.buf)] = e
		s.size++
		return
	}
	s.buf[s.start] = e
	s.start = (s.start + 1) % len(s.buf)
}

// Len returns the number of retained events.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Cap returns the store capacity.
func (s *Store) Cap() int { return len(s.buf) }

// HistoryFilter narrows a history query. Zero fields match everything;
// set fields combine with AND.
type HistoryFilter struct {
	Topic string
	Start time.Time
	End   time.Time
}

func (f HistoryFilter) match(e event.StoredEvent) bool {
	if f.Topic != "" && f.Topic != Wildcard && e.Topic != f.Topic {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

// History returns retained events matching f, oldest first.
func (s *Store) History(f HistoryFilter) []event.StoredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.StoredEvent, 0, s.size)
	for i := range s.size {
		e := s.buf[(s.start+i)%len(s.buf)]
		if f.match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Stats summarises the retained window.
type Stats struct {
	TotalEvents         int            `json:"total_events"`
	AverageProcessingMs float64        `json:"average_processing_ms"`
	EventsByTopic       map[string]int `json:"events_by_topic"`
}

// Stats computes totals over the retained events only.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{TotalEvents: s.size, EventsByTopic: make(map[string]int)}
	var sum float64
	for i := range s.size {
		e := s.buf[(s.start+i)%len(s.buf)]
		sum += e.ProcessingTimeMs
		st.EventsByTopic[e.Topic]++
	}
	if s.size > 0 {
		st.AverageProcessingMs = sum / float64(s.size)
	}
	return st
}
