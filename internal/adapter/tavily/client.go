// Package tavily implements the web search port against the Tavily search API.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/port/search"
	"github.com/Strob0t/PRDForge/internal/resilience"
)

// DefaultDomains biases searches toward developer sources.
var DefaultDomains = []string{"github.com", "stackoverflow.com", "medium.com"}

// Client is a Tavily search client.
type Client struct {
	baseURL    string
	apiKey     string
	maxResults int
	domains    []string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// New creates a client from the search config section.
func New(cfg config.Search) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		maxResults: maxResults,
		domains:    DefaultDomains,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetBreaker attaches a circuit breaker to outgoing searches.
func (c *Client) SetBreaker(b *resilience.Breaker) { c.breaker = b }

// SetDomains overrides the include_domains filter. Nil searches the whole web.
func (c *Client) SetDomains(d []string) { c.domains = d }

type searchRequest struct {
	Query          string   `json:"query"`
	SearchDepth    string   `json:"search_depth"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	MaxResults     int      `json:"max_results"`
}

// Search runs an advanced search and returns the hits in provider order.
func (c *Client) Search(ctx context.Context, query string) ([]search.Result, error) {
	body, err := json.Marshal(searchRequest{
		Query:          query,
		SearchDepth:    "advanced",
		IncludeDomains: c.domains,
		MaxResults:     c.maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal search: %w", err)
	}

	var out []search.Result
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			var t interface{ Timeout() bool }
			if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &t) && t.Timeout()) {
				return fmt.Errorf("%w: %w", search.ErrTimeout, err)
			}
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("tavily API error %d: %s", resp.StatusCode, string(data))
		}

		var sr struct {
			Results []search.Result `json:"results"`
		}
		if err := json.Unmarshal(data, &sr); err != nil {
			return fmt.Errorf("unmarshal results: %w", err)
		}
		out = sr.Results
		return nil
	}

	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	return out, nil
}
