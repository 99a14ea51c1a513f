// Package server exposes the HTTP surface: the chat endpoint, a websocket
// event stream, a health view over upstream connections and the aggregated
// MCP endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/chatrelay/chatrelay/internal/mcp"
	"github.com/chatrelay/chatrelay/pkg/events"
)

// ChatRunner runs one conversation turn. Satisfied by *chat.Service.
type ChatRunner interface {
	Run(ctx context.Context, sessionID string, messages []interface{}) ([]interface{}, error)
}

// ConnectionLister reports upstream connection state. Satisfied by
// *mcp.ConnectionManager.
type ConnectionLister interface {
	List() []mcp.ConnectionInfo
}

// streamedEventTypes are the bus events forwarded to websocket clients.
var streamedEventTypes = []events.EventType{
	events.ChatStarted,
	events.ChatMessage,
	events.ChatDone,
	events.ChatError,
	events.ToolCallStarted,
	events.ToolCallDone,
	events.UploadFailed,
}

// Server is the HTTP front of the gateway.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	chat       ChatRunner
	conns      ConnectionLister
	bus        *events.EventBus
	upgrader   websocket.Upgrader
}

// New builds the server and its routes. hubHandler may be nil when the MCP
// endpoint is disabled.
func New(addr string, chatRunner ChatRunner, conns ConnectionLister, bus *events.EventBus, hubHandler http.Handler) *Server {
	s := &Server{
		router: mux.NewRouter(),
		chat:   chatRunner,
		conns:  conns,
		bus:    bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.router.HandleFunc("/api/chat", s.handleChat).Methods("POST")
	s.router.HandleFunc("/api/chat/stream", s.handleStream).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if hubHandler != nil {
		s.router.PathPrefix("/mcp").Handler(hubHandler)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving. It blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	log.Printf("server: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type chatRequest struct {
	SessionID string        `json:"session_id"`
	Messages  []interface{} `json:"messages"`
}

type chatResponse struct {
	SessionID string        `json:"session_id"`
	Messages  []interface{} `json:"messages"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	msgs, err := s.chat.Run(r.Context(), req.SessionID, req.Messages)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{SessionID: req.SessionID, Messages: msgs})
}

// handleStream upgrades to a websocket and forwards the session's bus events
// until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id query parameter required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Buffered so slow websocket writes drop events instead of stalling the
	// bus workers.
	eventCh := make(chan events.Event, 64)
	var unsubscribes []func()
	for _, eventType := range streamedEventTypes {
		unsubscribes = append(unsubscribes, s.bus.Subscribe(eventType, func(e events.Event) {
			if e.SessionID != sessionID {
				return
			}
			select {
			case eventCh <- e:
			default:
			}
		}))
	}
	defer func() {
		for _, unsub := range unsubscribes {
			unsub()
		}
	}()

	// Reader goroutine: its only job is noticing the peer went away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-eventCh:
			if err := conn.WriteJSON(streamEvent(e)); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// streamEvent is the wire shape of one forwarded event.
func streamEvent(e events.Event) map[string]interface{} {
	return map[string]interface{}{
		"id":         e.ID,
		"type":       string(e.Type),
		"session_id": e.SessionID,
		"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
		"data":       e.Data,
	}
}

type healthConnection struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	State      string `json:"state"`
	Tools      int    `json:"tools"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	conns := s.conns.List()

	healthy := true
	out := make([]healthConnection, 0, len(conns))
	for _, c := range conns {
		if c.State != mcp.StateActive {
			healthy = false
		}
		out = append(out, healthConnection{
			Name:       c.Name,
			URL:        c.URL,
			State:      c.State.String(),
			Tools:      len(c.Tools),
			RetryCount: c.RetryCount,
			LastError:  c.LastError,
		})
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"healthy":     healthy,
		"connections": out,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
