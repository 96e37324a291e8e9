package mcp_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	prdmcp "github.com/Strob0t/PRDForge/internal/adapter/mcp"
	"github.com/Strob0t/PRDForge/internal/adapter/sqlite"
	"github.com/Strob0t/PRDForge/internal/adapter/vector"
	"github.com/Strob0t/PRDForge/internal/agent"
	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/memory"
	"github.com/Strob0t/PRDForge/internal/domain/project"
	"github.com/Strob0t/PRDForge/internal/eventbus"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(t *testing.T) (*prdmcp.Server, prdmcp.ServerDeps) {
	t.Helper()
	log := quietLogger()
	bus := eventbus.New(eventbus.WithLogger(log))
	t.Cleanup(bus.Close)

	store, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	lead, err := agent.NewLead(bus, config.Orchestrator{MaxConcurrentTasks: 1}, log)
	if err != nil {
		t.Fatalf("new lead: %v", err)
	}
	mem, err := agent.NewMemory(bus, store, vector.NewFlat(16), vector.CharEmbedder{Dim: 16}, log)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	t.Cleanup(lead.Close)
	t.Cleanup(mem.Close)

	deps := prdmcp.ServerDeps{Lead: lead, Memory: mem, Bus: bus, Store: store}
	return prdmcp.NewServer(prdmcp.ServerConfig{Name: "test", Version: "0.1.0"}, deps), deps
}

func call(t *testing.T, s *prdmcp.Server, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	tool, ok := s.MCPServer().ListTools()[name]
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	result, err := tool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		t.Fatalf("%s: handler error: %v", name, err)
	}
	return result
}

func text(t *testing.T, r *mcplib.CallToolResult) string {
	t.Helper()
	tc, ok := r.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	return tc.Text
}

var initArgs = map[string]any{
	"title":       "Tic Tac Toe",
	"description": "A two player game",
	"objectives":  []any{"board"},
}

func TestToolRegistration(t *testing.T) {
	s, _ := newServer(t)

	tools := s.MCPServer().ListTools()
	expected := map[string]bool{
		"initialize_project": false,
		"submit_feedback":    false,
		"get_progress":       false,
		"get_document":       false,
		"get_event_history":  false,
		"get_metrics":        false,
		"search_memory":      false,
	}
	if len(tools) != len(expected) {
		t.Fatalf("expected %d tools, got %d", len(expected), len(tools))
	}
	for name := range tools {
		if _, ok := expected[name]; !ok {
			t.Errorf("unexpected tool: %s", name)
		}
		expected[name] = true
	}
	for name, found := range expected {
		if !found {
			t.Errorf("expected tool %q not registered", name)
		}
	}
}

func TestInitializeAndProgress(t *testing.T) {
	s, _ := newServer(t)

	if r := call(t, s, "get_progress", nil); !r.IsError {
		t.Fatal("expected error before a project exists")
	}
	if r := call(t, s, "initialize_project", map[string]any{"title": "x"}); !r.IsError {
		t.Fatal("expected error without objectives")
	}

	r := call(t, s, "initialize_project", initArgs)
	if r.IsError {
		t.Fatalf("initialize_project failed: %s", text(t, r))
	}
	var started project.Progress
	if err := json.Unmarshal([]byte(text(t, r)), &started); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if started.ProjectID == "" {
		t.Fatal("expected a generated project id")
	}

	r = call(t, s, "get_progress", nil)
	var p project.Progress
	if err := json.Unmarshal([]byte(text(t, r)), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.ProjectID != started.ProjectID || p.Status != project.StatusResearchDispatched {
		t.Errorf("unexpected progress: %+v", p)
	}
}

func TestGetDocument(t *testing.T) {
	s, _ := newServer(t)
	call(t, s, "initialize_project", initArgs)

	r := call(t, s, "get_document", nil)
	if r.IsError || !strings.HasPrefix(text(t, r), "# Tic Tac Toe") {
		t.Errorf("expected markdown document, got %q", text(t, r))
	}

	r = call(t, s, "get_document", map[string]any{"format": "json"})
	var doc project.Document
	if err := json.Unmarshal([]byte(text(t, r)), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Title != "Tic Tac Toe" {
		t.Errorf("expected title, got %q", doc.Title)
	}

	if r := call(t, s, "get_document", map[string]any{"format": "pdf"}); !r.IsError {
		t.Error("expected error for unknown format")
	}
}

func TestSubmitFeedback(t *testing.T) {
	s, deps := newServer(t)

	if r := call(t, s, "submit_feedback", map[string]any{"objectives": []any{"export"}}); !r.IsError {
		t.Fatal("expected error without a project")
	}
	call(t, s, "initialize_project", initArgs)

	if r := call(t, s, "submit_feedback", map[string]any{"feature": "Missing", "feedback": "more"}); !r.IsError {
		t.Error("expected error for unknown feature")
	}
	if r := call(t, s, "submit_feedback", nil); !r.IsError {
		t.Error("expected error for empty feedback")
	}

	r := call(t, s, "submit_feedback", map[string]any{"objectives": []any{"export"}})
	if r.IsError {
		t.Fatalf("submit_feedback failed: %s", text(t, r))
	}
	p, err := deps.Lead.Progress()
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Status != project.StatusUpdating {
		t.Errorf("expected updating, got %q", p.Status)
	}

	events := deps.Bus.History(eventbus.HistoryFilter{Topic: "agent.lead.user_feedback"})
	if len(events) != 1 || events[0].Source != prdmcp.SourceMCP || events[0].CorrelationID != p.ProjectID {
		t.Errorf("unexpected feedback events: %+v", events)
	}
}

func TestEventHistoryAndMetrics(t *testing.T) {
	s, deps := newServer(t)
	call(t, s, "initialize_project", initArgs)

	r := call(t, s, "get_event_history", map[string]any{"topic": "system.progress"})
	var events []event.StoredEvent
	if err := json.Unmarshal([]byte(text(t, r)), &events); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected one progress event, got %d", len(events))
	}

	if r := call(t, s, "get_event_history", map[string]any{"topic": "bogus"}); !r.IsError {
		t.Error("expected error for invalid topic")
	}
	if r := call(t, s, "get_event_history", map[string]any{"since": "yesterday"}); !r.IsError {
		t.Error("expected error for invalid since")
	}

	err := deps.Store.AppendEvent(context.Background(), event.StoredEvent{
		Topic: "system.progress", Type: event.TypeProgress, MessageID: "m1", CorrelationID: "c1",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	r = call(t, s, "get_event_history", map[string]any{"correlation_id": "c1"})
	events = nil
	if err := json.Unmarshal([]byte(text(t, r)), &events); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(events) != 1 || events[0].MessageID != "m1" {
		t.Errorf("expected stored event m1, got %+v", events)
	}

	r = call(t, s, "get_metrics", nil)
	var m eventbus.Metrics
	if err := json.Unmarshal([]byte(text(t, r)), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.TotalEvents == 0 || m.ActiveSubscriptions[agent.NameLead] == 0 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}

func TestSearchMemory(t *testing.T) {
	s, deps := newServer(t)
	if res := deps.Memory.Store(context.Background(), memory.Record{Name: "Login", Text: "password login", Status: "active"}); res.Failed() {
		t.Fatalf("store: %s", res.Error)
	}

	if r := call(t, s, "search_memory", nil); !r.IsError {
		t.Error("expected error without query")
	}
	r := call(t, s, "search_memory", map[string]any{"query": "login", "k": float64(3)})
	var hits []memory.Similar
	if err := json.Unmarshal([]byte(text(t, r)), &hits); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(hits) != 1 || hits[0].Feature.Name != "Login" {
		t.Errorf("expected Login, got %+v", hits)
	}
}

func TestNilDeps(t *testing.T) {
	s := prdmcp.NewServer(prdmcp.ServerConfig{}, prdmcp.ServerDeps{})
	for name := range s.MCPServer().ListTools() {
		args := map[string]any{"query": "x", "title": "x", "objectives": []any{"y"}}
		if r := call(t, s, name, args); !r.IsError {
			t.Errorf("%s: expected error result when deps are nil", name)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name    string
		key     string
		headers map[string]string
		want    int
	}{
		{"disabled", "", nil, http.StatusOK},
		{"missing", "secret", nil, http.StatusUnauthorized},
		{"bare key is not a bearer token", "secret", map[string]string{"Authorization": "secret"}, http.StatusUnauthorized},
		{"wrong", "secret", map[string]string{"Authorization": "Bearer nope"}, http.StatusForbidden},
		{"wrong length", "secret", map[string]string{"Authorization": "Bearer secret-but-longer"}, http.StatusForbidden},
		{"bearer", "secret", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"scheme is case insensitive", "secret", map[string]string{"Authorization": "bearer secret"}, http.StatusOK},
		{"api key header", "secret", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/mcp", http.NoBody)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			prdmcp.AuthMiddleware(tt.key, next).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusOK {
				return
			}
			var body struct {
				JSONRPC string `json:"jsonrpc"`
				Error   struct {
					Code int `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.JSONRPC != "2.0" || body.Error.Code != -32001 {
				t.Errorf("expected a JSON-RPC error body, got %s", rec.Body.String())
			}
		})
	}
}
