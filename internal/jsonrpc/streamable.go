package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const sessionHeader = "Mcp-Session-Id"

// maxBodySize bounds a POST response body (16MB). Tool results can carry
// inline media, so the bound is generous.
const maxBodySize = 16 * 1024 * 1024

// StreamableTransport is a client-side Transport speaking JSON-RPC over
// streamable HTTP: a long-lived GET delivers server-to-client messages as
// newline-delimited JSON, and each outbound message is its own POST. The
// server may answer a POST with a JSON-RPC message body, which is dispatched
// through the message handler like streamed traffic.
type StreamableTransport struct {
	endpoint  string
	client    *http.Client
	sessionID string

	mu        sync.RWMutex
	onMessage func(*Message)
	onClose   func()
	onError   func(error)

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// StreamableOption configures a StreamableTransport.
type StreamableOption func(*StreamableTransport)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) StreamableOption {
	return func(t *StreamableTransport) {
		t.client = c
	}
}

// NewStreamableTransport creates a transport for the given MCP endpoint URL.
func NewStreamableTransport(endpoint string, opts ...StreamableOption) *StreamableTransport {
	t := &StreamableTransport{
		endpoint:  endpoint,
		sessionID: uuid.NewString(),
		client: &http.Client{
			// No overall timeout: the stream request stays open for the
			// lifetime of the connection. Sends get per-call contexts.
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   4,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SessionID returns the session identifier sent with every request.
func (t *StreamableTransport) SessionID() string {
	return t.sessionID
}

// Start opens the inbound stream and begins dispatching messages. It returns
// after the stream is established; reading happens on a transport goroutine.
func (t *StreamableTransport) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("transport already started")
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")
	req.Header.Set(sessionHeader, t.sessionID)

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return fmt.Errorf("open stream: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	t.wg.Add(1)
	go t.readLoop(resp.Body)
	return nil
}

// readLoop decodes newline-delimited messages until the stream ends. EOF and
// deliberate shutdown fire the close handler; anything else fires the error
// handler first.
func (t *StreamableTransport) readLoop(body io.ReadCloser) {
	defer t.wg.Done()
	defer body.Close()

	dec := json.NewDecoder(body)
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			if err != io.EOF && !t.closed.Load() {
				t.fireError(fmt.Errorf("read stream: %w", err))
			}
			t.fireClose()
			return
		}
		t.dispatch(&msg)
	}
}

// Send POSTs one message to the endpoint. A JSON-RPC message in the response
// body is dispatched through the message handler.
func (t *StreamableTransport) Send(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(sessionHeader, t.sessionID)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send message: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if resp.StatusCode == http.StatusOK && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if len(bytes.TrimSpace(body)) > 0 {
			var reply Message
			if err := json.Unmarshal(body, &reply); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			t.dispatch(&reply)
		}
	}
	return nil
}

// Close shuts the transport down and fires the close handler once the read
// loop has drained.
func (t *StreamableTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	return nil
}

// SetMessageHandler registers the inbound-message callback.
func (t *StreamableTransport) SetMessageHandler(h func(*Message)) {
	t.mu.Lock()
	t.onMessage = h
	t.mu.Unlock()
}

// SetCloseHandler registers the close callback.
func (t *StreamableTransport) SetCloseHandler(h func()) {
	t.mu.Lock()
	t.onClose = h
	t.mu.Unlock()
}

// SetErrorHandler registers the error callback.
func (t *StreamableTransport) SetErrorHandler(h func(error)) {
	t.mu.Lock()
	t.onError = h
	t.mu.Unlock()
}

func (t *StreamableTransport) dispatch(msg *Message) {
	t.mu.RLock()
	h := t.onMessage
	t.mu.RUnlock()
	if h != nil {
		h(msg)
	}
}

func (t *StreamableTransport) fireClose() {
	t.mu.RLock()
	h := t.onClose
	t.mu.RUnlock()
	if h != nil {
		h()
	}
}

func (t *StreamableTransport) fireError(err error) {
	t.mu.RLock()
	h := t.onError
	t.mu.RUnlock()
	if h != nil {
		h(err)
	}
}

var _ Transport = (*StreamableTransport)(nil)
var _ Transport = (*PingFilter)(nil)
