package agent_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Strob0t/PRDForge/internal/agent"
	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/port/search"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func TestSummarize(t *testing.T) {
	results := []search.Result{
		{URL: "https://a", Snippet: "medium", Score: 0.75},
		{URL: "https://b", Snippet: "low", Score: 0.2},
		{URL: "https://a", Snippet: "best", Score: 0.95},
		{URL: "https://c", Snippet: "medium", Score: 0.8},
		{URL: "", Snippet: "  ", Score: 0.99},
	}
	findings, sources := agent.Summarize(results, 0.7)
	assert.Equal(t, []string{"best", "medium"}, findings)
	assert.Equal(t, []string{"https://a", "https://b", "https://c"}, sources)

	findings, sources = agent.Summarize(nil, 0.7)
	assert.Empty(t, findings)
	assert.NotNil(t, sources)
}

func TestResearchPublishesFindings(t *testing.T) {
	bus := newBus(t)
	s := &fakeSearcher{results: []search.Result{
		{URL: "https://x", Snippet: "Use OAuth", Score: 0.9},
		{URL: "https://y", Snippet: "Noise", Score: 0.1},
	}}
	r, err := agent.NewResearch(bus, s, config.Orchestrator{}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	done := watch(t, bus, "agent.lead.research_complete")

	_, err = bus.Publish(context.Background(), eventbusRequest(event.TypeResearchRequest, agent.NameResearch,
		event.ResearchRequestPayload{TaskID: "t1", Query: "auth patterns"}))
	require.NoError(t, err)
	r.Wait()

	got := decodeAll[event.ResearchCompletePayload](t, done.all())
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TaskID)
	assert.Equal(t, []string{"Use OAuth"}, got[0].Findings)
	assert.Equal(t, []string{"https://x", "https://y"}, got[0].Sources)
}

func TestResearchFailureReportsWithoutCompletion(t *testing.T) {
	bus := newBus(t)
	s := &fakeSearcher{err: search.ErrTimeout}
	r, err := agent.NewResearch(bus, s, config.Orchestrator{}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	done := watch(t, bus, "agent.lead.research_complete")
	errs := watch(t, bus, "system.error")

	res := r.Run(context.Background(), event.ResearchRequestPayload{TaskID: "t1", Query: "q"})
	assert.True(t, res.Failed())
	assert.Zero(t, done.len())
	payloads := decodeAll[event.ErrorPayload](t, errs.all())
	require.Len(t, payloads, 1)
	assert.Equal(t, event.ErrAgentFailure, payloads[0].Error)
	assert.Equal(t, agent.NameResearch, payloads[0].Agent)
}

func TestResearchRejectsMalformedRequest(t *testing.T) {
	bus := newBus(t)
	s := &fakeSearcher{}
	r, err := agent.NewResearch(bus, s, config.Orchestrator{}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	handlerErrs := watch(t, bus, "system.handler_error")

	_, err = bus.Publish(context.Background(), eventbusRequest(event.TypeResearchRequest, agent.NameResearch,
		map[string]any{"task_id": "t1", "bogus": true}))
	require.NoError(t, err)
	r.Wait()

	assert.Zero(t, s.count())
	assert.Equal(t, 1, handlerErrs.len())
}

func TestResearchUsesCache(t *testing.T) {
	bus := newBus(t)
	s := &fakeSearcher{results: []search.Result{{URL: "https://x", Snippet: "Cached", Score: 0.9}}}
	r, err := agent.NewResearch(bus, s, config.Orchestrator{}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	r.SetCache(&mapCache{}, time.Hour)

	ctx := context.Background()
	first := r.Run(ctx, event.ResearchRequestPayload{TaskID: "t1", Query: "Auth  Patterns"})
	second := r.Run(ctx, event.ResearchRequestPayload{TaskID: "t2", Query: "auth patterns"})
	require.False(t, first.Failed())
	require.False(t, second.Failed())
	assert.Equal(t, 1, s.count())

	out, ok := second.Data.(event.ResearchCompletePayload)
	require.True(t, ok)
	assert.Equal(t, []string{"Cached"}, out.Findings)
}

func TestResearchExecuteTask(t *testing.T) {
	bus := newBus(t)
	r, err := agent.NewResearch(bus, &fakeSearcher{}, config.Orchestrator{}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(r.Close)

	_, err = r.ExecuteTask(context.Background(), agent.Task{Type: "write"})
	assert.True(t, errors.Is(err, agent.ErrNotImplemented))

	res, err := r.ExecuteTask(context.Background(), agent.Task{Type: "research", Payload: event.ResearchRequestPayload{TaskID: "t", Query: "q"}})
	require.NoError(t, err)
	assert.False(t, res.Failed())
}
