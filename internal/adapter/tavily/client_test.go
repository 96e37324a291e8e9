package tavily_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Strob0t/PRDForge/internal/adapter/tavily"
	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/port/search"
	"github.com/Strob0t/PRDForge/internal/resilience"
)

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tvly-key" {
			t.Fatalf("unexpected auth: %q", auth)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["query"] != "offline sync" || body["search_depth"] != "advanced" {
			t.Fatalf("unexpected body %v", body)
		}
		if body["max_results"] != float64(3) {
			t.Fatalf("unexpected max_results %v", body["max_results"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"title": "CRDTs", "url": "https://example.com/a", "content": "merge state", "score": 0.91},
				{"title": "Sync", "url": "https://example.com/b", "content": "queue writes", "score": 0.42},
			},
		})
	}))
	defer srv.Close()

	c := tavily.New(config.Search{URL: srv.URL, APIKey: "tvly-key", MaxResults: 3})
	res, err := c.Search(context.Background(), "offline sync")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	if res[0].Snippet != "merge state" || res[0].Score != 0.91 {
		t.Errorf("unexpected first result %+v", res[0])
	}
}

func TestSearchAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := tavily.New(config.Search{URL: srv.URL})
	if _, err := c.Search(context.Background(), "q"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestSearchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := tavily.New(config.Search{URL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Search(context.Background(), "q")
	if !errors.Is(err, search.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSearchBreakerOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := tavily.New(config.Search{URL: srv.URL})
	c.SetBreaker(resilience.NewBreaker(1, time.Minute))
	_, _ = c.Search(context.Background(), "q")
	_, err := c.Search(context.Background(), "q")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}
