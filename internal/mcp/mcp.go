// Package mcp exposes a read-only Model Context Protocol surface over the
// store, letting MCP-compatible agents browse recorded context history.
// Appends stay on the binary protocol; these tools never mutate state.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/cxdb/internal/catalog"
	"github.com/ashita-ai/cxdb/internal/store"
)

// Server wraps the MCP server over the store's read surface.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     *store.Store
	logger    *slog.Logger
}

// New creates and configures the MCP server with all tools registered.
func New(st *store.Store, logger *slog.Logger, version string) *Server {
	s := &Server{store: st, logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"cxdb",
		version,
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("cxdb_list_contexts",
			mcplib.WithDescription("List recorded conversation contexts, newest first. Filter by client_tag or session_id to find a specific agent's history."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("client_tag",
				mcplib.Description("Only contexts created with this client tag"),
			),
			mcplib.WithString("session_id",
				mcplib.Description("Only contexts created with this session id"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of contexts to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListContexts,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cxdb_get_turns",
			mcplib.WithDescription("Read the newest turns of a context as typed JSON (oldest first within the batch). Use before_turn_id from a previous call to page backward through history."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithNumber("context_id",
				mcplib.Description("The context to read"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of turns to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(20),
			),
			mcplib.WithNumber("before_turn_id",
				mcplib.Description("Pagination cursor from a previous call"),
			),
		),
		s.handleGetTurns,
	)
}

func (s *Server) handleListContexts(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := int(request.GetFloat("limit", 20))
	list, err := s.store.ListContexts(ctx, catalog.Filter{
		ClientTag: request.GetString("client_tag", ""),
		SessionID: request.GetString("session_id", ""),
		Limit:     limit,
	})
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("list contexts: %v", err)), nil
	}

	type row struct {
		ContextID  uint64 `json:"context_id"`
		HeadTurnID uint64 `json:"head_turn_id"`
		HeadDepth  uint32 `json:"head_depth"`
		ClientTag  string `json:"client_tag,omitempty"`
		Title      string `json:"title,omitempty"`
	}
	rows := make([]row, 0, len(list))
	for _, c := range list {
		out := row{ContextID: c.ContextID, HeadTurnID: c.HeadTurnID, HeadDepth: c.HeadDepth}
		if c.Meta != nil {
			out.ClientTag = c.Meta.ClientTag
			out.Title = c.Meta.Title
		}
		rows = append(rows, out)
	}
	return jsonResult(map[string]any{"contexts": rows})
}

func (s *Server) handleGetTurns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	contextID := uint64(request.GetFloat("context_id", 0))
	if contextID == 0 {
		return mcplib.NewToolResultError("context_id is required"), nil
	}

	result, err := s.store.GetTurns(ctx, store.ReadRequest{
		ContextID:    contextID,
		Limit:        int(request.GetFloat("limit", 20)),
		BeforeTurnID: uint64(request.GetFloat("before_turn_id", 0)),
		View:         store.ViewBoth,
	})
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("get turns: %v", err)), nil
	}

	type row struct {
		TurnID uint64         `json:"turn_id"`
		Depth  uint32         `json:"depth"`
		TypeID string         `json:"type_id"`
		Data   map[string]any `json:"data,omitempty"`
	}
	rows := make([]row, 0, len(result.Turns))
	for _, v := range result.Turns {
		out := row{TurnID: v.Turn.TurnID, Depth: v.Turn.Depth, TypeID: v.Turn.DeclaredTypeID}
		if v.Typed != nil {
			out.Data = v.Typed.Data
		}
		rows = append(rows, out)
	}
	return jsonResult(map[string]any{
		"context_id":          result.ContextID,
		"head_turn_id":        result.HeadTurnID,
		"turns":               rows,
		"next_before_turn_id": result.NextBeforeTurnID,
	})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcplib.NewToolResultText(string(raw)), nil
}
