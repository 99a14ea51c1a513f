package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records sends and lets tests inject inbound traffic.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []*Message
	sendErr   error
	started   bool
	closed    bool
	onMessage func(*Message)
	onClose   func()
	onError   func(error)
}

func (t *fakeTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	return nil
}

func (t *fakeTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) SetMessageHandler(h func(*Message)) { t.onMessage = h }
func (t *fakeTransport) SetCloseHandler(h func())           { t.onClose = h }
func (t *fakeTransport) SetErrorHandler(h func(error))      { t.onError = h }

func (t *fakeTransport) deliver(msg *Message) {
	if t.onMessage != nil {
		t.onMessage(msg)
	}
}

func (t *fakeTransport) sentMessages() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Message, len(t.sent))
	copy(out, t.sent)
	return out
}

func TestPingFilterAnswersPingRequest(t *testing.T) {
	inner := &fakeTransport{}
	filter := NewPingFilter(inner)

	var received []*Message
	filter.SetMessageHandler(func(msg *Message) {
		received = append(received, msg)
	})

	inner.deliver(&Message{Jsonrpc: Version, ID: float64(7), Method: "ping"})

	sent := inner.sentMessages()
	require.Len(t, sent, 1, "expected exactly one pong")
	assert.Equal(t, Version, sent[0].Jsonrpc)
	assert.Equal(t, float64(7), sent[0].ID)
	assert.Nil(t, sent[0].Error)

	// Result must serialize to an empty object.
	raw, err := json.Marshal(sent[0].Result)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(raw))

	assert.Empty(t, received, "ping must not reach the owner")
}

func TestPingFilterSwallowsPingNotification(t *testing.T) {
	inner := &fakeTransport{}
	filter := NewPingFilter(inner)

	var received []*Message
	filter.SetMessageHandler(func(msg *Message) {
		received = append(received, msg)
	})

	inner.deliver(&Message{Jsonrpc: Version, Method: "ping"})

	assert.Empty(t, inner.sentMessages(), "notifications get no reply")
	assert.Empty(t, received, "ping notification must not reach the owner")
}

func TestPingFilterForwardsOtherMessages(t *testing.T) {
	inner := &fakeTransport{}
	filter := NewPingFilter(inner)

	var received []*Message
	filter.SetMessageHandler(func(msg *Message) {
		received = append(received, msg)
	})

	// A params payload containing a "ping" field must not trigger the filter.
	params := json.RawMessage(`{"ping":true}`)
	cases := []*Message{
		{Jsonrpc: Version, ID: float64(1), Method: "tools/call", Params: params},
		{Jsonrpc: Version, Method: "notifications/progress"},
		{Jsonrpc: Version, ID: float64(2), Result: map[string]interface{}{"ok": true}},
	}
	for _, msg := range cases {
		inner.deliver(msg)
	}

	require.Len(t, received, len(cases))
	for i, msg := range cases {
		assert.Same(t, msg, received[i], "message %d must pass through unchanged", i)
	}
	assert.Empty(t, inner.sentMessages(), "filter must not send anything on its own")
}

func TestPingFilterReportsPongSendFailure(t *testing.T) {
	inner := &fakeTransport{sendErr: errors.New("connection reset")}
	filter := NewPingFilter(inner)

	var gotErr error
	filter.SetErrorHandler(func(err error) { gotErr = err })

	inner.deliver(&Message{Jsonrpc: Version, ID: float64(3), Method: "ping"})

	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "pong")
}

func TestPingFilterForwardsCloseAndError(t *testing.T) {
	inner := &fakeTransport{}
	filter := NewPingFilter(inner)

	closed := false
	var gotErr error
	filter.SetCloseHandler(func() { closed = true })
	filter.SetErrorHandler(func(err error) { gotErr = err })

	inner.onError(errors.New("boom"))
	inner.onClose()

	assert.True(t, closed)
	require.Error(t, gotErr)
	assert.Equal(t, "boom", gotErr.Error())
}

func TestPingFilterWithoutHandlersDoesNotPanic(t *testing.T) {
	inner := &fakeTransport{}
	_ = NewPingFilter(inner)

	// No owner handlers registered: events are dropped silently.
	inner.deliver(&Message{Jsonrpc: Version, ID: float64(1), Method: "tools/list"})
	inner.onClose()
	inner.onError(errors.New("boom"))
}

func TestPingFilterDelegates(t *testing.T) {
	inner := &fakeTransport{}
	filter := NewPingFilter(inner)

	require.NoError(t, filter.Start(context.Background()))
	assert.True(t, inner.started)

	msg := &Message{Jsonrpc: Version, ID: float64(9), Method: "tools/list"}
	require.NoError(t, filter.Send(context.Background(), msg))
	sent := inner.sentMessages()
	require.Len(t, sent, 1)
	assert.Same(t, msg, sent[0])

	require.NoError(t, filter.Close())
	assert.True(t, inner.closed)
}
