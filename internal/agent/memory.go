package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Strob0t/PRDForge/internal/domain"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/memory"
	"github.com/Strob0t/PRDForge/internal/domain/project"
	"github.com/Strob0t/PRDForge/internal/eventbus"
	"github.com/Strob0t/PRDForge/internal/port/blackboard"
	"github.com/Strob0t/PRDForge/internal/port/database"
	"github.com/Strob0t/PRDForge/internal/port/llm"
	"github.com/Strob0t/PRDForge/internal/port/vectorindex"
)

// DefaultSimilarK is the number of hits SearchSimilar returns by default.
const DefaultSimilarK = 5

// Memory persists features, research and validation results, indexes
// feature text for similarity search and announces every store.
type Memory struct {
	*Base
	store    database.Store
	index    vectorindex.Index
	embedder llm.Embedder
	board    blackboard.Store

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewMemory creates the memory agent and subscribes it to update_memory.
func NewMemory(bus *eventbus.Bus, store database.Store, index vectorindex.Index, embedder llm.Embedder, log *slog.Logger) (*Memory, error) {
	m := &Memory{
		Base:     NewBase(NameMemory, bus, log, 1),
		store:    store,
		index:    index,
		embedder: embedder,
		locks:    make(map[string]*keyLock),
	}
	if err := m.Subscribe(event.TypeUpdateMemory, m.HandleEvent); err != nil {
		return nil, err
	}
	return m, nil
}

// SetBlackboard stores project snapshots in b.
func (m *Memory) SetBlackboard(b blackboard.Store) { m.board = b }

// lock serializes writes to one key and returns the unlock func.
func (m *Memory) lock(key string) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// HandleEvent stores the record carried by update_memory.
func (m *Memory) HandleEvent(ctx context.Context, msg event.Message) error {
	u, err := decodeOrReport[event.UpdateMemoryPayload](ctx, m.Base, msg)
	if err != nil {
		return err
	}
	m.Apply(ctx, u)
	return nil
}

// ExecuteTask supports "update" with a memory.Update and "search" with a
// query string.
func (m *Memory) ExecuteTask(ctx context.Context, task Task) (Result, error) {
	switch task.Type {
	case "update":
		u, ok := task.Payload.(memory.Update)
		if !ok {
			return Result{}, fmt.Errorf("memory update payload must be memory.Update, got %T", task.Payload)
		}
		if err := u.Validate(); err != nil {
			return Fail(err), nil
		}
		return m.Apply(ctx, u), nil
	case "search":
		q, ok := task.Payload.(string)
		if !ok {
			return Result{}, fmt.Errorf("memory search payload must be string, got %T", task.Payload)
		}
		hits, err := m.SearchSimilar(ctx, q, DefaultSimilarK)
		if err != nil {
			return Fail(err), nil
		}
		return OK(hits), nil
	}
	return Result{}, fmt.Errorf("memory task %q: %w", task.Type, ErrNotImplemented)
}

// Apply dispatches a validated update by kind.
func (m *Memory) Apply(ctx context.Context, u memory.Update) Result {
	switch u.Kind {
	case memory.KindFeature:
		return m.StoreFeature(ctx, *u.Feature)
	case memory.KindResearch:
		return m.StoreResearch(ctx, *u.Research)
	case memory.KindValidation:
		return m.StoreValidation(ctx, *u.Validation)
	case memory.KindRecord:
		return m.Store(ctx, *u.Record)
	case memory.KindSnapshot:
		return m.StoreSnapshot(ctx, u.Snapshot)
	}
	return Fail(fmt.Errorf("memory kind %q: %w", u.Kind, domain.ErrValidation))
}

// Store persists a free-form record as a feature row keyed by name.
func (m *Memory) Store(ctx context.Context, r memory.Record) Result {
	if err := r.Validate(); err != nil {
		return Fail(fmt.Errorf("%w: %w", domain.ErrValidation, err))
	}
	unlock := m.lock("feature:" + r.Name)
	defer unlock()

	row, err := m.store.UpsertFeature(ctx, memory.FeatureRow{Name: r.Name, Description: r.Text, Status: r.Status})
	if err != nil {
		return m.Report(ctx, r.Name, fmt.Errorf("store record: %w", err))
	}
	m.indexText(ctx, row.ID, r.Name+" "+r.Text)
	return m.announce(ctx, memory.KindRecord, r.Name, row.ID, row)
}

// StoreFeature upserts f by name and appends its new dependencies.
func (m *Memory) StoreFeature(ctx context.Context, f project.Feature) Result {
	if err := project.ValidateName(f.Name); err != nil {
		return Fail(err)
	}
	unlock := m.lock("feature:" + f.Name)
	defer unlock()

	row, err := m.store.UpsertFeature(ctx, memory.FromFeature(f))
	if err != nil {
		return m.Report(ctx, f.Name, fmt.Errorf("store feature: %w", err))
	}
	if len(f.Dependencies) > 0 {
		deps := make([]memory.Dependency, 0, len(f.Dependencies))
		for _, d := range f.Dependencies {
			if d = strings.TrimSpace(d); d != "" {
				deps = append(deps, memory.Dependency{Description: d, Type: "feature", Status: "pending"})
			}
		}
		if err := m.store.AddDependencies(ctx, row.ID, deps); err != nil {
			return m.Report(ctx, f.Name, fmt.Errorf("store dependencies: %w", err))
		}
	}
	m.indexText(ctx, row.ID, featureText(f))
	return m.announce(ctx, memory.KindFeature, f.Name, row.ID, row)
}

// StoreResearch upserts a finding by task id.
func (m *Memory) StoreResearch(ctx context.Context, f project.Finding) Result {
	if f.TaskID == "" {
		return Fail(fmt.Errorf("research task_id is required: %w", domain.ErrValidation))
	}
	unlock := m.lock("research:" + f.TaskID)
	defer unlock()

	rec := memory.FromFinding(f)
	if err := m.store.UpsertResearch(ctx, rec); err != nil {
		return m.Report(ctx, "", fmt.Errorf("store research: %w", err))
	}
	return m.announce(ctx, memory.KindResearch, f.TaskID, 0, rec)
}

// StoreValidation appends one row per rule result. The feature must exist.
func (m *Memory) StoreValidation(ctx context.Context, v memory.Validation) Result {
	unlock := m.lock("feature:" + v.FeatureName)
	defer unlock()

	row, err := m.store.GetFeatureByName(ctx, v.FeatureName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Fail(fmt.Errorf("validation for unknown feature %q: %w", v.FeatureName, err))
		}
		return m.Report(ctx, v.FeatureName, fmt.Errorf("lookup feature: %w", err))
	}
	rows := make([]memory.ValidationRow, 0, len(v.Results))
	for _, r := range v.Results {
		rows = append(rows, memory.ValidationRow{FeatureID: row.ID, Rule: r.Rule, Score: r.Score, Feedback: r.Feedback})
	}
	if err := m.store.InsertValidationResults(ctx, rows); err != nil {
		return m.Report(ctx, v.FeatureName, fmt.Errorf("store validation: %w", err))
	}
	return m.announce(ctx, memory.KindValidation, v.FeatureName, row.ID, rows)
}

// StoreSnapshot writes the project context to the blackboard under
// project:<id>. Without a blackboard it is a no-op.
func (m *Memory) StoreSnapshot(ctx context.Context, c *project.Context) Result {
	if c == nil || c.ID == "" {
		return Fail(fmt.Errorf("snapshot id is required: %w", domain.ErrValidation))
	}
	if m.board == nil {
		m.log.DebugContext(ctx, "no blackboard configured, snapshot skipped", "project_id", c.ID)
		return OK(nil)
	}
	key := "project:" + c.ID
	unlock := m.lock(key)
	defer unlock()

	data, err := json.Marshal(c)
	if err != nil {
		return m.Report(ctx, "", fmt.Errorf("marshal snapshot: %w", err))
	}
	sctx, span := collaboratorSpan(ctx, "blackboard", "put")
	version, err := m.board.Put(sctx, key, data)
	span.End()
	if err != nil {
		return m.Report(ctx, "", fmt.Errorf("store snapshot: %w", err))
	}
	return m.announce(ctx, memory.KindSnapshot, key, version, nil)
}

// SearchSimilar returns up to k stored features closest to query.
func (m *Memory) SearchSimilar(ctx context.Context, query string, k int) ([]memory.Similar, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required: %w", domain.ErrValidation)
	}
	if k <= 0 {
		k = DefaultSimilarK
	}
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	dists, ids, err := m.index.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	out := make([]memory.Similar, 0, len(ids))
	for i, id := range ids {
		row, err := m.store.GetFeature(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("load feature %d: %w", id, err)
		}
		out = append(out, memory.Similar{Feature: *row, Distance: dists[i]})
	}
	return out, nil
}

// indexText embeds text under id. Failures only degrade search, so they are
// logged and swallowed.
func (m *Memory) indexText(ctx context.Context, id int64, text string) {
	if m.index == nil || m.embedder == nil {
		return
	}
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		m.log.WarnContext(ctx, "embedding failed", "id", id, "error", err)
		return
	}
	if err := m.index.Add(ctx, id, vec); err != nil {
		m.log.WarnContext(ctx, "vector index add failed", "id", id, "error", err)
	}
}

func featureText(f project.Feature) string {
	var b strings.Builder
	b.WriteString(f.Name)
	b.WriteString(": ")
	b.WriteString(f.Description)
	for _, r := range f.Requirements {
		b.WriteString(" ")
		b.WriteString(r)
	}
	return b.String()
}

func (m *Memory) announce(ctx context.Context, kind memory.Kind, key string, id int64, data any) Result {
	if err := m.Publish(ctx, event.TypeMemoryUpdated, event.MemoryUpdatedPayload{Kind: kind, Key: key, ID: id}, ""); err != nil {
		return m.Report(ctx, key, err)
	}
	m.log.DebugContext(ctx, "memory updated", "kind", kind, "key", key)
	return OK(data)
}
