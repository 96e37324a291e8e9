package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/PRDForge/internal/domain/event"
)

// EventAppender persists delivered events. database.Store satisfies it.
type EventAppender interface {
	AppendEvent(ctx context.Context, e event.StoredEvent) error
}

// DefaultJournalBuffer is the queue size used when NewJournal gets size <= 0.
const DefaultJournalBuffer = 1024

// Journal is an Observer that writes every published event to durable
// storage. Writes happen on a background worker so publishing never waits on
// the database; when the queue is full events are dropped and counted.
type Journal struct {
	noopObserver
	store EventAppender
	log   *slog.Logger

	mu      sync.RWMutex
	closed  bool
	ch      chan event.StoredEvent
	wg      sync.WaitGroup
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewJournal starts a journal writing to store.
func NewJournal(store EventAppender, size int, log *slog.Logger) *Journal {
	if size <= 0 {
		size = DefaultJournalBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	j := &Journal{store: store, log: log, ch: make(chan event.StoredEvent, size)}
	j.wg.Add(1)
	go j.drain()
	return j
}

func (j *Journal) drain() {
	defer j.wg.Done()
	for e := range j.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := j.store.AppendEvent(ctx, e); err != nil {
			j.failed.Add(1)
			j.log.Warn("journal append failed", "topic", e.Topic, "message_id", e.MessageID, "error", err)
		}
		cancel()
	}
}

// OnPublish enqueues msg for persistence.
func (j *Journal) OnPublish(_ context.Context, msg event.Message, took time.Duration) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.ch <- event.Record(msg, took):
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns the number of events that were not persisted because the
// queue was full or the journal was closed.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Failed returns the number of events the store rejected.
func (j *Journal) Failed() int64 { return j.failed.Load() }

// Close stops accepting events and waits until the queue is written.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.ch)
	}
	j.mu.Unlock()
	j.wg.Wait()
}
