package jsonrpc

import "encoding/json"

// Version is the protocol version carried by every message.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is a JSON-RPC 2.0 message. It covers all three wire shapes:
// requests (ID + Method), notifications (Method only) and responses
// (ID + Result or Error).
type Message struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the error member of a JSON-RPC response.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// IsRequest reports whether m is a request expecting a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification reports whether m is a fire-and-forget notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IsResponse reports whether m is a response to an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// NewRequest builds a request message with marshaled params. A nil params
// value produces a request without a params member.
func NewRequest(id interface{}, method string, params interface{}) (*Message, error) {
	msg := &Message{
		Jsonrpc: Version,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewNotification builds a notification message with marshaled params.
func NewNotification(method string, params interface{}) (*Message, error) {
	msg, err := NewRequest(nil, method, params)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// NewResponse builds a successful response for the given request ID.
func NewResponse(id interface{}, result interface{}) *Message {
	return &Message{
		Jsonrpc: Version,
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse builds an error response for the given request ID.
func NewErrorResponse(id interface{}, code int, message string) *Message {
	return &Message{
		Jsonrpc: Version,
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// UnmarshalResult decodes a response result into out. Results arrive as
// untyped JSON values, so a marshal round-trip is used to fill typed structs.
func (m *Message) UnmarshalResult(out interface{}) error {
	raw, err := json.Marshal(m.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
