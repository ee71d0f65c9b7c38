// Package mcp exposes the tool catalog as an MCP (Model Context Protocol)
// server. Every enabled tool becomes one MCP tool named after its tool_name,
// with an input schema derived from its declared parameters. Calls run
// through the same catalog path as the HTTP API, so parameter filtering,
// coercion and invocation logging apply unchanged.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/toolrun/internal/domain"
	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/tools"
)

// ActorID is recorded as the caller of every MCP-initiated run.
const ActorID = "mcp"

// Catalog is the subset of tools.Service the server needs.
type Catalog interface {
	List(ctx context.Context) ([]domain.Tool, error)
	Run(ctx context.Context, id uuid.UUID, params map[string]any) (*sandbox.Result, error)
}

// Server serves catalog tools over MCP.
type Server struct {
	catalog Catalog
	mcp     *server.MCPServer
	logger  *slog.Logger

	mu         sync.Mutex
	registered []string
}

// NewServer creates an MCP server for catalog. Call Refresh to load tools.
func NewServer(catalog Catalog, name, version string, logger *slog.Logger) *Server {
	return &Server{
		catalog: catalog,
		mcp:     server.NewMCPServer(name, version, server.WithToolCapabilities(true)),
		logger:  logger,
	}
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Refresh replaces the registered MCP tools with the catalog's enabled tools
// and returns how many were registered.
func (s *Server) Refresh(ctx context.Context) (int, error) {
	list, err := s.catalog.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tools: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.registered) > 0 {
		s.mcp.DeleteTools(s.registered...)
	}
	s.registered = s.registered[:0]

	for i := range list {
		t := list[i]
		if !t.Enabled {
			continue
		}
		schema, err := json.Marshal(tools.InputSchema(&t))
		if err != nil {
			return 0, fmt.Errorf("encoding schema for %s: %w", t.ToolName, err)
		}
		s.mcp.AddTool(
			mcp.NewToolWithRawSchema(t.ToolName, describe(&t), schema),
			s.handler(t.ID, t.ToolName),
		)
		s.registered = append(s.registered, t.ToolName)
	}

	s.logger.Debug("mcp tools registered", slog.Int("count", len(s.registered)))
	return len(s.registered), nil
}

// ServeStdio serves MCP over r and w until ctx is cancelled or r is closed.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, r, w)
}

func (s *Server) handler(id uuid.UUID, toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = tools.ContextWithUserID(ctx, ActorID)
		s.logger.InfoContext(ctx, "mcp tool call", slog.String("tool", toolName))

		res, err := s.catalog.Run(ctx, id, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return formatResult(res), nil
	}
}

// formatResult converts a run result into MCP content. A timeout is reported
// as a tool error carrying the timeout message.
func formatResult(res *sandbox.Result) *mcp.CallToolResult {
	if res.Error != "" {
		return mcp.NewToolResultError(res.Error)
	}
	if s, ok := res.Value.(string); ok {
		return mcp.NewToolResultText(s)
	}
	data, err := json.Marshal(res.Value)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

func describe(t *domain.Tool) string {
	switch {
	case t.Description != "":
		return t.Description
	case t.Summary != "":
		return t.Summary
	default:
		return t.Name
	}
}
