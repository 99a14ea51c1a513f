package mcp

import (
	"context"

	"github.com/chatrelay/chatrelay/internal/jsonrpc"
)

// ClientInterface is the client surface the connection manager, health
// monitor, hub and chat loop depend on. *Client implements it; tests swap in
// doubles.
type ClientInterface interface {
	Start(ctx context.Context) (*ServerInfo, error)
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error)
	Ping(ctx context.Context) error
	Close() error
}

var _ ClientInterface = (*Client)(nil)

// NewStreamableClient builds the production client stack for one upstream
// endpoint: streamable HTTP transport, wrapped in the ping filter so
// keep-alives are absorbed below the dispatcher, with the MCP client on top.
func NewStreamableClient(endpoint string, opts ...ClientOption) *Client {
	transport := jsonrpc.NewPingFilter(jsonrpc.NewStreamableTransport(endpoint))
	return NewClient(transport, opts...)
}
