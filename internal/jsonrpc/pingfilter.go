package jsonrpc

import (
	"context"
	"fmt"
	"sync"
)

// methodPing is the keep-alive method name defined by the MCP spec. Servers
// send it periodically to confirm the client side is still responsive.
const methodPing = "ping"

// PingFilter wraps a Transport and answers inbound ping requests itself so
// they never reach the owning client. All other traffic passes through
// unchanged in both directions, which makes the filter a drop-in substitute
// for the transport it wraps.
type PingFilter struct {
	inner Transport

	mu        sync.RWMutex
	onMessage func(*Message)
	onClose   func()
	onError   func(error)
}

// NewPingFilter wraps inner and takes over its handler slots. The filter must
// be the only consumer of inner from this point on; the owner registers its
// handlers on the filter instead.
func NewPingFilter(inner Transport) *PingFilter {
	f := &PingFilter{inner: inner}
	inner.SetMessageHandler(f.dispatch)
	inner.SetCloseHandler(f.handleClose)
	inner.SetErrorHandler(f.handleError)
	return f
}

// Start delegates to the wrapped transport.
func (f *PingFilter) Start(ctx context.Context) error {
	return f.inner.Start(ctx)
}

// Send delegates to the wrapped transport. Outbound traffic is not filtered.
func (f *PingFilter) Send(ctx context.Context, msg *Message) error {
	return f.inner.Send(ctx, msg)
}

// Close delegates to the wrapped transport.
func (f *PingFilter) Close() error {
	return f.inner.Close()
}

// SetMessageHandler registers the owner's inbound-message callback.
func (f *PingFilter) SetMessageHandler(h func(*Message)) {
	f.mu.Lock()
	f.onMessage = h
	f.mu.Unlock()
}

// SetCloseHandler registers the owner's close callback.
func (f *PingFilter) SetCloseHandler(h func()) {
	f.mu.Lock()
	f.onClose = h
	f.mu.Unlock()
}

// SetErrorHandler registers the owner's error callback.
func (f *PingFilter) SetErrorHandler(h func(error)) {
	f.mu.Lock()
	f.onError = h
	f.mu.Unlock()
}

// dispatch inspects each inbound message. Ping requests are answered with an
// empty result on the wrapped transport and swallowed; ping notifications are
// swallowed without a reply. Everything else is forwarded to the owner.
// Only the method name decides: a message merely carrying a "ping" field in
// its params is not a ping.
func (f *PingFilter) dispatch(msg *Message) {
	if msg.Method == methodPing {
		if msg.ID != nil {
			pong := NewResponse(msg.ID, struct{}{})
			if err := f.inner.Send(context.Background(), pong); err != nil {
				f.handleError(fmt.Errorf("ping filter: send pong for id %v: %w", msg.ID, err))
			}
		}
		return
	}

	f.mu.RLock()
	h := f.onMessage
	f.mu.RUnlock()
	if h != nil {
		h(msg)
	}
}

func (f *PingFilter) handleClose() {
	f.mu.RLock()
	h := f.onClose
	f.mu.RUnlock()
	if h != nil {
		h()
	}
}

func (f *PingFilter) handleError(err error) {
	f.mu.RLock()
	h := f.onError
	f.mu.RUnlock()
	if h != nil {
		h(err)
	}
}
