package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageShapeClassification(t *testing.T) {
	req := &Message{Jsonrpc: Version, ID: 1, Method: "tools/list"}
	assert.True(t, req.IsRequest())
	assert.False(t, req.IsNotification())
	assert.False(t, req.IsResponse())

	note := &Message{Jsonrpc: Version, Method: "notifications/progress"}
	assert.True(t, note.IsNotification())
	assert.False(t, note.IsRequest())

	resp := &Message{Jsonrpc: Version, ID: 1, Result: map[string]interface{}{}}
	assert.True(t, resp.IsResponse())
	assert.False(t, resp.IsRequest())
}

func TestNewRequestMarshalsParams(t *testing.T) {
	msg, err := NewRequest(5, "tools/call", map[string]interface{}{"name": "navigate"})
	require.NoError(t, err)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"navigate"}}`, string(data))
}

func TestNewRequestWithoutParams(t *testing.T) {
	msg, err := NewRequest(1, "ping", nil)
	require.NoError(t, err)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, string(data))
}

func TestUnmarshalResult(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[{"name":"navigate"}]}}`), &msg))

	var out struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, msg.UnmarshalResult(&out))
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "navigate", out.Tools[0].Name)
}
