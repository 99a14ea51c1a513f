// Package hub re-exposes every upstream MCP server's tools under one
// aggregated MCP endpoint. Tools keep their original JSON schemas and are
// published under server-prefixed names, with base64 payloads offloaded on
// both sides of the forwarded call.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/chatrelay/chatrelay/internal/mcp"
)

// ClientSource resolves upstream clients by server name. Satisfied by
// *mcp.ConnectionManager.
type ClientSource interface {
	ActiveClient(name string) (mcp.ClientInterface, error)
}

// PayloadOffloader rewrites inline base64 payloads into retrieval URLs.
// Satisfied by *offload.Offloader.
type PayloadOffloader interface {
	ToolArguments(ctx context.Context, toolName string, args map[string]interface{}) map[string]interface{}
	ToolResult(ctx context.Context, result interface{}, fallbackName string) interface{}
}

// Hub owns the aggregated MCP server and the per-upstream tool registry.
type Hub struct {
	srv     *server.MCPServer
	clients ClientSource
	offload PayloadOffloader

	mu         sync.Mutex
	registered map[string][]string // upstream name -> prefixed tool names
}

// New creates the hub server.
func New(name, version string, clients ClientSource, offloader PayloadOffloader) *Hub {
	return &Hub{
		srv: server.NewMCPServer(
			name,
			version,
			server.WithToolCapabilities(true),
		),
		clients:    clients,
		offload:    offloader,
		registered: make(map[string][]string),
	}
}

// RegisterServerTools publishes one upstream server's tools under
// <server>/<tool> names, replacing any previous registration for that
// server. Wired as the connection manager's activate handler so the exposed
// tool set tracks reconnects.
func (h *Hub) RegisterServerTools(serverName string, tools []mcp.ToolInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old := h.registered[serverName]; len(old) > 0 {
		h.srv.DeleteTools(old...)
	}

	names := make([]string, 0, len(tools))
	for _, info := range tools {
		prefixed := serverName + "/" + info.Name
		tool := mcplib.NewToolWithRawSchema(prefixed,
			fmt.Sprintf("[%s] %s", serverName, info.Description),
			info.InputSchema)
		h.srv.AddTool(tool, h.proxyHandler(serverName, info.Name))
		names = append(names, prefixed)
	}
	h.registered[serverName] = names
	log.Printf("hub: published %d tools for server %s", len(names), serverName)
}

// UnregisterServerTools removes an upstream server's tools, e.g. when the
// connection is declared dead.
func (h *Hub) UnregisterServerTools(serverName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old := h.registered[serverName]; len(old) > 0 {
		h.srv.DeleteTools(old...)
	}
	delete(h.registered, serverName)
}

// proxyHandler forwards one tool call to its upstream server, offloading
// arguments before the call and the result after.
func (h *Hub) proxyHandler(serverName, toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		client, err := h.clients.ActiveClient(serverName)
		if err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}

		args := h.offload.ToolArguments(ctx, toolName, request.GetArguments())
		result, err := client.CallTool(ctx, toolName, args)
		if err != nil {
			return mcplib.NewToolResultError(fmt.Sprintf("Tool call failed: %v", err)), nil
		}
		result = h.offload.ToolResult(ctx, result, toolName)

		return renderResult(result), nil
	}
}

// renderResult converts an upstream tool result into a CallToolResult.
// String results pass through as text; structured results are JSON encoded.
func renderResult(result interface{}) *mcplib.CallToolResult {
	switch v := result.(type) {
	case string:
		return mcplib.NewToolResultText(v)
	case nil:
		return mcplib.NewToolResultText("")
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return mcplib.NewToolResultText(fmt.Sprintf("%v", v))
		}
		return mcplib.NewToolResultText(string(raw))
	}
}

// Handler returns the streamable HTTP handler for mounting the hub endpoint
// on the API router.
func (h *Hub) Handler() http.Handler {
	return server.NewStreamableHTTPServer(h.srv)
}
