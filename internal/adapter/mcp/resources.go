package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	progressURI = "prdforge://project/progress"
	documentURI = "prdforge://project/document"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			progressURI,
			"Project Progress",
			mcplib.WithResourceDescription("Status and feature states of the active project"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleProgressResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			documentURI,
			"Product Requirements Document",
			mcplib.WithResourceDescription("The PRD of the active project in Markdown"),
			mcplib.WithMIMEType("text/markdown"),
		),
		s.handleDocumentResource,
	)
}

func (s *Server) handleProgressResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Lead == nil {
		return textResource(req.Params.URI, "application/json", `{"error":"lead not configured"}`), nil
	}
	p, err := s.deps.Lead.Progress()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return textResource(req.Params.URI, "application/json", string(data)), nil
}

func (s *Server) handleDocumentResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Lead == nil {
		return textResource(req.Params.URI, "text/markdown", "lead not configured"), nil
	}
	doc, err := s.deps.Lead.Document()
	if err != nil {
		return nil, err
	}
	return textResource(req.Params.URI, "text/markdown", doc.Markdown()), nil
}

func textResource(uri, mime, text string) []mcplib.ResourceContents {
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: mime, Text: text},
	}
}
