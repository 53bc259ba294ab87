// Package mcp exposes Cortex operations as MCP tools so agents can remember and
// recall through any MCP host.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aschepis/backscratcher/cortex/cortex"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
)

// Tool names. They contain no dots so hosts that restrict tool names accept them.
const (
	ToolEnsureMemorySpace = "cortex_ensure_memory_space"
	ToolRecall            = "cortex_recall"
	ToolRemember          = "cortex_remember"
	ToolStorePreference   = "cortex_store_preference"
	ToolFactHistory       = "cortex_fact_history"
	ToolCreateContext     = "cortex_create_context"
	ToolUpdateContext     = "cortex_update_context"
	ToolShareConversation = "cortex_share_conversation"
	ToolAccessShare       = "cortex_access_share"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewServer returns an MCP server with every Cortex tool registered.
func NewServer(svc *cortex.Service, logger zerolog.Logger) *server.MCPServer {
	t := &tools{svc: svc, logger: logger.With().Str("component", "mcp").Logger()}
	s := server.NewMCPServer("cortex", Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	t.register(s)
	return s
}

// HTTPHandler serves s over the streamable HTTP transport.
func HTTPHandler(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s)
}

// ServeStdio serves s on stdin and stdout until the input closes.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

type tools struct {
	svc    *cortex.Service
	logger zerolog.Logger
}

// handle adapts a typed operation to a tool handler: arguments are decoded into Req
// and the result is returned as JSON text. Failures become tool errors rather than
// protocol errors so the calling model sees them.
func handle[Req, Resp any](t *tools, name string, call func(ctx context.Context, req Req) (Resp, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var req Req
		if err := request.BindArguments(&req); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		resp, err := call(ctx, req)
		if err != nil {
			t.logger.Warn().Err(err).Str("tool", name).Msg("Tool call failed")
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("encode %s result: %w", name, err)
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}
