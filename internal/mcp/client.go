package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatrelay/chatrelay/internal/jsonrpc"
)

// ToolInfo describes one tool advertised by an upstream server.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ServerInfo identifies the upstream server after initialization.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Client speaks MCP over a jsonrpc.Transport. Callers are expected to hand it
// a ping-filtered transport so keep-alive traffic never reaches the dispatch
// path; the client itself only correlates requests with responses.
type Client struct {
	transport jsonrpc.Transport
	timeout   time.Duration

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[string]chan *jsonrpc.Message
	closed  bool

	notifyMu       sync.RWMutex
	onNotification func(*jsonrpc.Message)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout overrides the default per-request timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// NewClient wraps the transport and claims its handler slots.
func NewClient(transport jsonrpc.Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: transport,
		timeout:   30 * time.Second,
		pending:   make(map[string]chan *jsonrpc.Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	transport.SetMessageHandler(c.handleMessage)
	transport.SetCloseHandler(c.handleClose)
	return c
}

// SetNotificationHandler registers a callback for server notifications.
func (c *Client) SetNotificationHandler(h func(*jsonrpc.Message)) {
	c.notifyMu.Lock()
	c.onNotification = h
	c.notifyMu.Unlock()
}

// Start opens the transport and performs the MCP initialize handshake.
func (c *Client) Start(ctx context.Context) (*ServerInfo, error) {
	if err := c.transport.Start(ctx); err != nil {
		return nil, fmt.Errorf("start transport: %w", err)
	}

	resp, err := c.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": "2025-03-26",
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
		"clientInfo": map[string]string{
			"name":    "chatrelay",
			"version": "1.0",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var result struct {
		ServerInfo ServerInfo `json:"serverInfo"`
	}
	if err := resp.UnmarshalResult(&result); err != nil {
		return nil, fmt.Errorf("parse initialize result: %w", err)
	}

	note, err := jsonrpc.NewNotification("notifications/initialized", nil)
	if err != nil {
		return nil, err
	}
	if err := c.transport.Send(ctx, note); err != nil {
		return nil, fmt.Errorf("send initialized: %w", err)
	}

	return &result.ServerInfo, nil
}

// ListTools fetches the upstream tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	resp, err := c.call(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := resp.UnmarshalResult(&result); err != nil {
		return nil, fmt.Errorf("parse tools response: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool and returns its untyped result, which downstream
// offloading walks as plain decoded JSON.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	resp, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("tool call %s: %w", name, err)
	}
	return resp.Result, nil
}

// Ping checks that the upstream end is still responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Close tears down the transport and fails all in-flight requests.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.handleClose()
	return err
}

// call sends one request and waits for its response, the context, or the
// client timeout, whichever comes first.
func (c *Client) call(ctx context.Context, method string, params interface{}) (*jsonrpc.Message, error) {
	id := c.nextID.Add(1)
	key := fmt.Sprint(id)

	ch := make(chan *jsonrpc.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	c.pending[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if err := c.transport.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, fmt.Errorf("connection closed while waiting for %s", method)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request %s timed out after %v", method, c.timeout)
	}
}

// handleMessage routes responses to their waiting callers and notifications
// to the notification handler. Server-initiated requests are answered with a
// method-not-found error; this client exposes no server-callable surface.
func (c *Client) handleMessage(msg *jsonrpc.Message) {
	switch {
	case msg.IsResponse():
		key := fmt.Sprint(normalizeID(msg.ID))
		c.mu.Lock()
		ch, ok := c.pending[key]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	case msg.IsNotification():
		c.notifyMu.RLock()
		h := c.onNotification
		c.notifyMu.RUnlock()
		if h != nil {
			h(msg)
		}
	case msg.IsRequest():
		reply := jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method %s not supported", msg.Method))
		_ = c.transport.Send(context.Background(), reply)
	}
}

// handleClose fails every pending request so callers unblock immediately.
func (c *Client) handleClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for key, ch := range c.pending {
		close(ch)
		delete(c.pending, key)
	}
}

// normalizeID collapses the numeric types JSON decoding can produce so a
// response id matches the int64 the request was sent with.
func normalizeID(id interface{}) interface{} {
	if f, ok := id.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	return id
}
