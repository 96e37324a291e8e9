// Package litellm provides an HTTP client for the LiteLLM Proxy: chat
// completions with structured output, embeddings, and the admin health API.
package litellm

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
	"github.com/Strob0t/PRDForge/internal/port/llm"
	"github.com/Strob0t/PRDForge/internal/resilience"
)

// APIError is a non-2xx response from the proxy.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("litellm API error %d: %s", e.Status, e.Body)
}

// Client talks to the LiteLLM Proxy.
type Client struct {
	baseURL        string
	masterKey      string
	model          string
	embeddingModel string
	temperature    float64
	httpClient     *http.Client
	breaker        *resilience.Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithModel sets the chat model name.
func WithModel(name string) Option { return func(c *Client) { c.model = name } }

// WithEmbeddingModel sets the embedding model name.
func WithEmbeddingModel(name string) Option { return func(c *Client) { c.embeddingModel = name } }

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// NewClient creates a new LiteLLM client.
func NewClient(baseURL, masterKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		masterKey:   masterKey,
		temperature: 0.7,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// FromConfig builds a client from the litellm config section.
func FromConfig(cfg config.LiteLLM) *Client {
	c := NewClient(cfg.URL, cfg.MasterKey,
		WithModel(cfg.Model),
		WithEmbeddingModel(cfg.EmbeddingModel),
	)
	if cfg.Timeout > 0 {
		c.httpClient.Timeout = cfg.Timeout
	}
	c.temperature = cfg.Temperature
	return c
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// CountsAsFailure is the breaker predicate for this client: throttling and
// quota responses come from a healthy proxy and do not open the circuit.
func CountsAsFailure(err error) bool {
	return !errors.Is(err, llm.ErrRateLimited) && !errors.Is(err, llm.ErrQuotaExceeded)
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []llm.Message   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends a chat completion. With a schema, the content must be a JSON
// object and is returned in Response.Data as well.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}
	body := chatRequest{Model: c.model, Messages: req.Messages, Temperature: temp}
	if len(req.Schema) > 0 {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		body.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchema{Name: name, Schema: req.Schema, Strict: true},
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return llm.Response{}, fmt.Errorf("marshal completion: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/chat/completions", payload)
	if err != nil {
		return llm.Response{}, fmt.Errorf("complete: %w", err)
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return llm.Response{}, fmt.Errorf("unmarshal completion: %w", err)
	}
	if len(cr.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("complete: no choices: %w", llm.ErrInvalidOutput)
	}

	resp := llm.Response{
		Content:   cr.Choices[0].Message.Content,
		TokensIn:  cr.Usage.PromptTokens,
		TokensOut: cr.Usage.CompletionTokens,
	}
	if len(req.Schema) > 0 {
		raw := []byte(stripFence(resp.Content))
		if !json.Valid(raw) {
			return resp, fmt.Errorf("complete: content is not JSON: %w", llm.ErrInvalidOutput)
		}
		resp.Data = raw
	}
	return resp, nil
}

// stripFence removes a surrounding markdown code fence some models add.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// Embed returns the embedding of text from the configured embedding model.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]any{"model": c.embeddingModel, "input": text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding: %w", err)
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/embeddings", payload)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	var er struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &er); err != nil {
		return nil, fmt.Errorf("unmarshal embedding: %w", err)
	}
	if len(er.Data) == 0 {
		return nil, fmt.Errorf("embed: empty response: %w", llm.ErrInvalidOutput)
	}
	return er.Data[0].Embedding, nil
}

// Ping checks that the proxy is alive.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.doRequest(ctx, http.MethodGet, "/health/liveliness", nil); err != nil {
		return fmt.Errorf("litellm ping: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.masterKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.masterKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if isTimeout(ctx, err) {
				return fmt.Errorf("http request: %w: %w", llm.ErrTimeout, err)
			}
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return classify(resp.StatusCode, data)
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}

func classify(status int, body []byte) error {
	apiErr := &APIError{Status: status, Body: string(body)}
	switch {
	case status == http.StatusTooManyRequests && isQuotaBody(body):
		return fmt.Errorf("%w: %w", llm.ErrQuotaExceeded, apiErr)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", llm.ErrRateLimited, apiErr)
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %w", llm.ErrTimeout, apiErr)
	}
	return apiErr
}

func isQuotaBody(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "insufficient_quota") || strings.Contains(s, "quota")
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
