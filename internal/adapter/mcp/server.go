// Package mcp exposes the PRD pipeline as Model Context Protocol tools and
// resources, over stdio or streamable HTTP.
package mcp

import (
	"context"
	"io"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/PRDForge/internal/agent"
	"github.com/Strob0t/PRDForge/internal/eventbus"
	"github.com/Strob0t/PRDForge/internal/port/database"
)

// SourceMCP is the source agent of events published through MCP tools.
const SourceMCP = "mcp"

// ServerConfig holds MCP server identity.
type ServerConfig struct {
	Name    string
	Version string
}

// ServerDeps holds the collaborators behind the tools. Memory and Store are
// optional; tools needing them return a tool error when unset.
type ServerDeps struct {
	Lead   *agent.Lead
	Memory *agent.Memory
	Bus    *eventbus.Bus
	Store  database.Store
}

// Server wraps an mcp-go server with the PRDForge tools registered.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
}

// NewServer creates the MCP server and registers every tool and resource.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	if cfg.Name == "" {
		cfg.Name = "prdforge"
	}
	s := &Server{cfg: cfg, deps: deps}
	s.mcpServer = mcpserver.NewMCPServer(
		cfg.Name,
		cfg.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(instructions),
	)
	s.registerTools()
	s.registerResources()
	return s
}

const instructions = "PRDForge turns a project idea into a product requirements document. " +
	"Call initialize_project with a title, description and objectives, poll get_progress " +
	"until the status is documentation_complete, then read get_document. " +
	"Use submit_feedback to revise features or add objectives."

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// ServeStdio serves MCP over in and out until ctx is done or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return mcpserver.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

// Handler returns the streamable HTTP transport, guarded by apiKey when set.
func (s *Server) Handler(apiKey string) http.Handler {
	return AuthMiddleware(apiKey, mcpserver.NewStreamableHTTPServer(s.mcpServer))
}
