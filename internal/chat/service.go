// Package chat runs the tool-using conversation loop: offload inbound
// payloads, ask the model, execute any tool calls against upstream MCP
// servers, and repeat until the model produces a final answer.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/chatrelay/chatrelay/internal/llm"
	"github.com/chatrelay/chatrelay/internal/mcp"
	"github.com/chatrelay/chatrelay/pkg/events"
)

// DefaultMaxTurns caps how many model round-trips one Run may take.
const DefaultMaxTurns = 8

// LLM is the slice of the inference client the loop needs.
type LLM interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// ToolSource provides upstream tool inventories and clients. Satisfied by
// *mcp.ConnectionManager.
type ToolSource interface {
	List() []mcp.ConnectionInfo
	ActiveClient(name string) (mcp.ClientInterface, error)
}

// PayloadOffloader rewrites inline base64 payloads into retrieval URLs.
// Satisfied by *offload.Offloader.
type PayloadOffloader interface {
	Messages(ctx context.Context, messages []interface{}) []interface{}
	ToolArguments(ctx context.Context, toolName string, args map[string]interface{}) map[string]interface{}
	ToolResult(ctx context.Context, result interface{}, fallbackName string) interface{}
}

// Service wires the loop's collaborators together.
type Service struct {
	llm      LLM
	tools    ToolSource
	offload  PayloadOffloader
	bus      *events.EventBus
	model    string
	maxTurns int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMaxTurns overrides the model round-trip cap.
func WithMaxTurns(n int) ServiceOption {
	return func(s *Service) {
		s.maxTurns = n
	}
}

// NewService creates the chat service. The bus may be nil when no one is
// listening for stream events.
func NewService(llmClient LLM, tools ToolSource, offloader PayloadOffloader, bus *events.EventBus, model string, opts ...ServiceOption) *Service {
	s := &Service{
		llm:      llmClient,
		tools:    tools,
		offload:  offloader,
		bus:      bus,
		model:    model,
		maxTurns: DefaultMaxTurns,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives one conversation turn for a session: the inbound message list is
// offloaded, the model is called with the aggregated upstream tool set, and
// any requested tool calls are executed (arguments offloaded before the call,
// results after) until the model answers without tool calls or the turn cap
// is hit. It returns the full message list including everything appended.
func (s *Service) Run(ctx context.Context, sessionID string, messages []interface{}) ([]interface{}, error) {
	s.publish(events.ChatStarted, sessionID, nil)

	msgs := s.offload.Messages(ctx, messages)
	toolDefs := s.collectTools()

	for turn := 0; turn < s.maxTurns; turn++ {
		resp, err := s.llm.Complete(ctx, llm.Request{
			Model:    s.model,
			Messages: msgs,
			Tools:    toolDefs,
		})
		if err != nil {
			s.publish(events.ChatError, sessionID, map[string]interface{}{"error": err.Error()})
			return msgs, fmt.Errorf("chat: completion failed: %w", err)
		}

		assistant := resp.Choices[0].Message
		msgs = append(msgs, assistantToWire(assistant))

		if len(assistant.ToolCalls) == 0 {
			s.publish(events.ChatMessage, sessionID, map[string]interface{}{"content": assistant.Content})
			s.publish(events.ChatDone, sessionID, nil)
			return msgs, nil
		}

		for _, call := range assistant.ToolCalls {
			msgs = append(msgs, s.executeToolCall(ctx, sessionID, call))
		}
	}

	err := fmt.Errorf("chat: turn limit (%d) reached without a final answer", s.maxTurns)
	s.publish(events.ChatError, sessionID, map[string]interface{}{"error": err.Error()})
	return msgs, err
}

// executeToolCall runs one tool call and returns the tool-role message to
// append. Failures never abort the conversation; the error text goes back to
// the model as the tool result instead.
func (s *Service) executeToolCall(ctx context.Context, sessionID string, call llm.ToolCall) map[string]interface{} {
	s.publish(events.ToolCallStarted, sessionID, map[string]interface{}{
		"id":   call.ID,
		"name": call.Function.Name,
	})

	result, err := s.invoke(ctx, call)
	if err != nil {
		log.Printf("chat: tool call %s (%s) failed: %v", call.ID, call.Function.Name, err)
		s.publish(events.ToolCallDone, sessionID, map[string]interface{}{
			"id":    call.ID,
			"error": err.Error(),
		})
		return toolMessage(call.ID, fmt.Sprintf("Error: %s", err.Error()))
	}

	s.publish(events.ToolCallDone, sessionID, map[string]interface{}{"id": call.ID})
	return toolMessage(call.ID, resultText(result))
}

// invoke resolves the prefixed tool name, offloads the arguments, calls the
// upstream server and offloads the result.
func (s *Service) invoke(ctx context.Context, call llm.ToolCall) (interface{}, error) {
	server, tool, ok := splitToolName(call.Function.Name)
	if !ok {
		return nil, fmt.Errorf("tool name %q is not server/tool", call.Function.Name)
	}

	var args map[string]interface{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("parse arguments: %w", err)
		}
	}
	args = s.offload.ToolArguments(ctx, tool, args)

	client, err := s.tools.ActiveClient(server)
	if err != nil {
		return nil, err
	}

	result, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	return s.offload.ToolResult(ctx, result, tool), nil
}

// collectTools aggregates the tool inventories of every active upstream
// server under server-prefixed names.
func (s *Service) collectTools() []llm.Tool {
	var defs []llm.Tool
	for _, conn := range s.tools.List() {
		if conn.State != mcp.StateActive {
			continue
		}
		for _, t := range conn.Tools {
			defs = append(defs, llm.Tool{
				Type: "function",
				Function: llm.FunctionSpec{
					Name:        conn.Name + "/" + t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
	}
	return defs
}

func (s *Service) publish(eventType events.EventType, sessionID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: eventType, SessionID: sessionID, Data: data})
}

func splitToolName(name string) (server, tool string, ok bool) {
	server, tool, found := strings.Cut(name, "/")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// assistantToWire converts the typed assistant message back into the decoded
// JSON shape the rest of the conversation travels in.
func assistantToWire(msg llm.AssistantMessage) map[string]interface{} {
	raw, err := json.Marshal(msg)
	if err != nil {
		return map[string]interface{}{"role": "assistant", "content": msg.Content}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"role": "assistant", "content": msg.Content}
	}
	return out
}

func toolMessage(callID, content string) map[string]interface{} {
	return map[string]interface{}{
		"role":         "tool",
		"tool_call_id": callID,
		"content":      content,
	}
}

// resultText renders a tool result for the model. String results pass
// through; everything else is JSON encoded.
func resultText(result interface{}) string {
	if s, ok := result.(string); ok {
		return s
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(raw)
}
