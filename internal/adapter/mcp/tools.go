package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/PRDForge/internal/agent"
	"github.com/Strob0t/PRDForge/internal/domain"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/project"
	"github.com/Strob0t/PRDForge/internal/eventbus"
	"github.com/Strob0t/PRDForge/internal/logger"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.initializeProjectTool(),
		s.submitFeedbackTool(),
		s.getProgressTool(),
		s.getDocumentTool(),
		s.getEventHistoryTool(),
		s.getMetricsTool(),
		s.searchMemoryTool(),
	)
}

func (s *Server) initializeProjectTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("initialize_project",
		mcplib.WithDescription("Start a new PRD project. Replaces the active project."),
		mcplib.WithString("title", mcplib.Required(), mcplib.Description("Project title")),
		mcplib.WithString("description", mcplib.Description("What the project is about")),
		mcplib.WithArray("objectives", mcplib.Required(), mcplib.WithStringItems(),
			mcplib.Description("One feature is defined per objective")),
		mcplib.WithArray("target_users", mcplib.WithStringItems(), mcplib.Description("Who the product is for")),
		mcplib.WithArray("goals", mcplib.WithStringItems(), mcplib.Description("Business goals")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleInitializeProject}
}

func (s *Server) submitFeedbackTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("submit_feedback",
		mcplib.WithDescription("Revise a defined feature and/or add objectives to the active project"),
		mcplib.WithString("feature", mcplib.Description("Name of a feature in the current document to revise")),
		mcplib.WithString("feedback", mcplib.Description("What to change in that feature")),
		mcplib.WithArray("objectives", mcplib.WithStringItems(), mcplib.Description("New objectives to define features for")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleSubmitFeedback}
}

func (s *Server) getProgressTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_progress",
		mcplib.WithDescription("Status, research counters and per-feature state of the active project"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetProgress}
}

func (s *Server) getDocumentTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_document",
		mcplib.WithDescription("The PRD of the active project; a draft until documentation is complete"),
		mcplib.WithString("format", mcplib.Enum("markdown", "json"), mcplib.Description("Output format (default: markdown)")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetDocument}
}

func (s *Server) getEventHistoryTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_event_history",
		mcplib.WithDescription("Bus events, newest window from memory or one project's full log from storage"),
		mcplib.WithString("topic", mcplib.Description("Topic such as system.progress or agent.lead.feature_defined")),
		mcplib.WithString("since", mcplib.Description("RFC 3339 lower bound")),
		mcplib.WithString("until", mcplib.Description("RFC 3339 upper bound")),
		mcplib.WithString("correlation_id", mcplib.Description("Read the durable log of this project instead")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetEventHistory}
}

func (s *Server) getMetricsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_metrics",
		mcplib.WithDescription("Event counts per topic, average processing time and live subscriptions"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetMetrics}
}

func (s *Server) searchMemoryTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("search_memory",
		mcplib.WithDescription("Find stored features similar to a query"),
		mcplib.WithString("query", mcplib.Required(), mcplib.Description("Free text")),
		mcplib.WithNumber("k", mcplib.Description("Max results (default: 5)")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleSearchMemory}
}

func (s *Server) handleInitializeProject(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Lead == nil {
		return mcplib.NewToolResultError("lead not configured"), nil
	}
	in := project.Init{
		Title:       req.GetString("title", ""),
		Description: req.GetString("description", ""),
		Objectives:  req.GetStringSlice("objectives", nil),
		TargetUsers: req.GetStringSlice("target_users", nil),
		Goals:       req.GetStringSlice("goals", nil),
	}
	ctx = logger.WithCorrelationID(ctx, uuid.NewString())
	res := s.deps.Lead.InitializeProject(ctx, in)
	if res.Failed() {
		return mcplib.NewToolResultError(res.Error), nil
	}
	return toolResultJSON(res.Data)
}

func (s *Server) handleSubmitFeedback(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Lead == nil {
		return mcplib.NewToolResultError("lead not configured"), nil
	}
	p := event.UserFeedbackPayload{Objectives: req.GetStringSlice("objectives", nil)}
	if name := req.GetString("feature", ""); name != "" {
		f, err := s.findFeature(name)
		if err != nil {
			return mcplib.NewToolResultErrorFromErr("cannot revise "+name, err), nil
		}
		p.Features = []event.FeedbackItem{{Feature: f, Feedback: req.GetString("feedback", "")}}
	}
	msg, err := s.deps.Lead.SubmitFeedback(ctx, SourceMCP, p)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("feedback rejected", err), nil
	}
	return toolResultJSON(map[string]string{"message_id": msg.ID, "project_id": msg.CorrelationID})
}

// findFeature looks up a feature by name in the current document.
func (s *Server) findFeature(name string) (project.Feature, error) {
	doc, err := s.deps.Lead.Document()
	if err != nil {
		return project.Feature{}, err
	}
	for _, f := range doc.Features {
		if f.Name == name {
			return f, nil
		}
	}
	return project.Feature{}, fmt.Errorf("feature %q: %w", name, domain.ErrNotFound)
}

func (s *Server) handleGetProgress(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Lead == nil {
		return mcplib.NewToolResultError("lead not configured"), nil
	}
	p, err := s.deps.Lead.Progress()
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("no progress", err), nil
	}
	return toolResultJSON(p)
}

func (s *Server) handleGetDocument(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Lead == nil {
		return mcplib.NewToolResultError("lead not configured"), nil
	}
	doc, err := s.deps.Lead.Document()
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("no document", err), nil
	}
	switch req.GetString("format", "markdown") {
	case "json":
		return toolResultJSON(doc)
	case "markdown":
		return mcplib.NewToolResultText(doc.Markdown()), nil
	default:
		return mcplib.NewToolResultError("format must be markdown or json"), nil
	}
}

func (s *Server) handleGetEventHistory(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if corr := req.GetString("correlation_id", ""); corr != "" {
		if s.deps.Store == nil {
			return mcplib.NewToolResultError("event log not configured"), nil
		}
		events, err := s.deps.Store.ListEventsByCorrelation(ctx, corr)
		if err != nil {
			return mcplib.NewToolResultErrorFromErr("failed to read event log", err), nil
		}
		return toolResultJSON(events)
	}
	if s.deps.Bus == nil {
		return mcplib.NewToolResultError("bus not configured"), nil
	}

	f := eventbus.HistoryFilter{Topic: req.GetString("topic", "")}
	var err error
	if f.Start, err = timeArg(req, "since"); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid since", err), nil
	}
	if f.End, err = timeArg(req, "until"); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid until", err), nil
	}
	if f.Topic != "" {
		if err := s.deps.Bus.Router().Validate(f.Topic); err != nil {
			return mcplib.NewToolResultErrorFromErr("invalid topic", err), nil
		}
	}
	return toolResultJSON(s.deps.Bus.History(f))
}

func (s *Server) handleGetMetrics(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Bus == nil {
		return mcplib.NewToolResultError("bus not configured"), nil
	}
	return toolResultJSON(s.deps.Bus.Metrics())
}

func (s *Server) handleSearchMemory(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Memory == nil {
		return mcplib.NewToolResultError("memory not configured"), nil
	}
	query := req.GetString("query", "")
	if query == "" {
		return mcplib.NewToolResultError("query is required"), nil
	}
	k := req.GetInt("k", agent.DefaultSimilarK)
	if k < 1 {
		return mcplib.NewToolResultError("k must be positive"), nil
	}
	hits, err := s.deps.Memory.SearchSimilar(ctx, query, k)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("search failed", err), nil
	}
	return toolResultJSON(hits)
}

var errBadTime = errors.New("expected an RFC 3339 timestamp")

func timeArg(req mcplib.CallToolRequest, key string) (time.Time, error) { //nolint:gocritic // hugeParam: mcp-go request type
	v := req.GetString(key, "")
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s %q: %w", key, v, errBadTime)
	}
	return t, nil
}

// toolResultJSON marshals v into a text result.
func toolResultJSON(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
