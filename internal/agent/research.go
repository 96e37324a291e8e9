package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/eventbus"
	"github.com/Strob0t/PRDForge/internal/port/cache"
	"github.com/Strob0t/PRDForge/internal/port/search"
)

// DefaultRelevanceThreshold is the minimum search score kept as a finding.
const DefaultRelevanceThreshold = 0.7

// Research answers research_request events with web search findings.
type Research struct {
	*Base
	searcher  search.Searcher
	threshold float64

	cache cache.Cache
	ttl   time.Duration
	group singleflight.Group
}

// NewResearch creates the research agent and subscribes it to research_request.
func NewResearch(bus *eventbus.Bus, searcher search.Searcher, cfg config.Orchestrator, log *slog.Logger) (*Research, error) {
	r := &Research{
		Base:      NewBase(NameResearch, bus, log, cfg.MaxConcurrentTasks),
		searcher:  searcher,
		threshold: cfg.RelevanceThreshold,
	}
	if r.threshold <= 0 {
		r.threshold = DefaultRelevanceThreshold
	}
	if err := r.Subscribe(event.TypeResearchRequest, r.HandleEvent); err != nil {
		return nil, err
	}
	return r, nil
}

// SetCache caches search results for ttl.
func (r *Research) SetCache(c cache.Cache, ttl time.Duration) {
	r.cache = c
	r.ttl = ttl
}

// HandleEvent validates the request and runs the search in the background.
func (r *Research) HandleEvent(ctx context.Context, msg event.Message) error {
	p, err := decodeOrReport[event.ResearchRequestPayload](ctx, r.Base, msg)
	if err != nil {
		return err
	}
	r.Go(ctx, func(ctx context.Context) { r.Run(ctx, p) })
	return nil
}

// ExecuteTask supports "research" with an event.ResearchRequestPayload.
func (r *Research) ExecuteTask(ctx context.Context, task Task) (Result, error) {
	if task.Type != "research" {
		return Result{}, fmt.Errorf("research task %q: %w", task.Type, ErrNotImplemented)
	}
	p, ok := task.Payload.(event.ResearchRequestPayload)
	if !ok {
		return Result{}, fmt.Errorf("research payload must be event.ResearchRequestPayload, got %T", task.Payload)
	}
	return r.Run(ctx, p), nil
}

// Run searches, filters by relevance and publishes research_complete to the
// lead. A failed search publishes nothing but a system.error.
func (r *Research) Run(ctx context.Context, p event.ResearchRequestPayload) Result {
	results, err := r.search(ctx, p.Query)
	if err != nil {
		return r.Report(ctx, "", fmt.Errorf("research %s: %w", p.TaskID, err))
	}
	out := event.ResearchCompletePayload{TaskID: p.TaskID, Query: p.Query}
	out.Findings, out.Sources = Summarize(results, r.threshold)

	if err := r.Publish(ctx, event.TypeResearchComplete, out, NameLead); err != nil {
		return r.Report(ctx, "", err)
	}
	r.log.InfoContext(ctx, "research complete", "task_id", p.TaskID, "findings", len(out.Findings), "sources", len(out.Sources))
	return OK(out)
}

// Summarize keeps snippets scoring at least threshold, best first, and lists
// every distinct source URL in result order.
func Summarize(results []search.Result, threshold float64) (findings, sources []string) {
	relevant := make([]search.Result, 0, len(results))
	for _, res := range results {
		if u := strings.TrimSpace(res.URL); u != "" && !slices.Contains(sources, u) {
			sources = append(sources, u)
		}
		if res.Score >= threshold && strings.TrimSpace(res.Snippet) != "" {
			relevant = append(relevant, res)
		}
	}
	slices.SortStableFunc(relevant, func(a, b search.Result) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	findings = make([]string, 0, len(relevant))
	for _, res := range relevant {
		s := strings.TrimSpace(res.Snippet)
		if !slices.Contains(findings, s) {
			findings = append(findings, s)
		}
	}
	if sources == nil {
		sources = []string{}
	}
	return findings, sources
}

func cacheKey(query string) string {
	return "research:" + strings.ToLower(strings.Join(strings.Fields(query), " "))
}

// search consults the cache, then the searcher. Concurrent identical queries
// share one upstream call.
func (r *Research) search(ctx context.Context, query string) ([]search.Result, error) {
	key := cacheKey(query)
	if r.cache != nil {
		if data, ok, err := r.cache.Get(ctx, key); err != nil {
			r.log.WarnContext(ctx, "search cache get failed", "error", err)
		} else if ok {
			var cached []search.Result
			if err := json.Unmarshal(data, &cached); err == nil {
				r.log.DebugContext(ctx, "search cache hit", "query", query)
				return cached, nil
			}
		}
	}

	v, err, shared := r.group.Do(key, func() (any, error) {
		sctx, span := collaboratorSpan(ctx, "search", "query")
		res, err := r.searcher.Search(sctx, query)
		if err != nil {
			span.RecordError(err)
			span.End()
			return nil, err
		}
		span.End()
		if r.cache != nil {
			if data, err := json.Marshal(res); err == nil {
				if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
					r.log.WarnContext(ctx, "search cache set failed", "error", err)
				}
			}
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.log.DebugContext(ctx, "search deduplicated", "query", query)
	}
	return slices.Clone(v.([]search.Result)), nil
}
