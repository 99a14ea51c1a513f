package jsonrpc

import "context"

// Transport moves JSON-RPC messages between this process and a remote peer.
// Implementations own the underlying channel (HTTP stream, pipe, socket) and
// deliver inbound traffic through the registered handlers. Handler slots must
// be set before Start; setting a nil handler drops the corresponding events.
type Transport interface {
	// Start begins reading inbound messages. It returns once the transport
	// is established; delivery happens on transport-owned goroutines.
	Start(ctx context.Context) error

	// Send transmits a single message to the peer.
	Send(ctx context.Context, msg *Message) error

	// Close tears down the transport. Safe to call more than once.
	Close() error

	// SetMessageHandler registers the callback for inbound messages.
	SetMessageHandler(func(*Message))

	// SetCloseHandler registers the callback fired when the peer or the
	// transport itself closes the channel.
	SetCloseHandler(func())

	// SetErrorHandler registers the callback for transport-level errors.
	SetErrorHandler(func(error))
}
