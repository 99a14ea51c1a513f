package mcp

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// ConnectionState tracks where an upstream server is in its lifecycle.
type ConnectionState int

const (
	StateConfigured ConnectionState = iota // Known from config, not connected
	StateConnecting                        // Attempting connection
	StateActive                            // Connected and responsive
	StateRetrying                          // Connection lost, retrying
	StateDead                              // Given up (circuit open or stopped)
)

func (s ConnectionState) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateRetrying:
		return "retrying"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ConnectionInfo is a snapshot of one upstream connection.
type ConnectionInfo struct {
	Name        string
	URL         string
	State       ConnectionState
	Tools       []ToolInfo
	ConnectedAt time.Time
	RetryCount  int
	LastError   string
}

// connection is the manager-internal record for one upstream server.
type connection struct {
	name    string
	url     string
	state   ConnectionState
	client  ClientInterface
	tools   []ToolInfo
	backoff *ExponentialBackoff
	breaker *CircuitBreaker

	connectedAt time.Time
	retryCount  int
	lastError   error
}

// ClientFactory builds the client stack for one endpoint URL. The default is
// NewStreamableClient; tests substitute doubles.
type ClientFactory func(url string) ClientInterface

// ConnectionManager owns all upstream MCP connections. Internal state is
// confined to a single goroutine processing typed requests over a channel, so
// connection records need no locking; reconnect loops run as separate
// goroutines and feed state changes back through the same channel.
type ConnectionManager struct {
	requests   chan interface{}
	conns      map[string]*connection
	newClient  ClientFactory
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	onActivate func(name string, tools []ToolInfo)
}

type addRequest struct {
	name     string
	url      string
	response chan error
}

type listRequest struct {
	response chan []ConnectionInfo
}

type getClientRequest struct {
	name     string
	response chan ClientInterface
}

type stateChangeRequest struct {
	name     string
	newState ConnectionState
	client   ClientInterface
	tools    []ToolInfo
	err      error
}

type reconnectRequest struct {
	name string
}

// NewConnectionManager creates a manager using the production client stack.
func NewConnectionManager() *ConnectionManager {
	return NewConnectionManagerWithFactory(func(url string) ClientInterface {
		return NewStreamableClient(url)
	})
}

// NewConnectionManagerWithFactory creates a manager with a custom client
// factory. Used by tests to avoid real network transports.
func NewConnectionManagerWithFactory(factory ClientFactory) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ConnectionManager{
		requests:  make(chan interface{}, 16),
		conns:     make(map[string]*connection),
		newClient: factory,
		ctx:       ctx,
		cancel:    cancel,
	}
	m.wg.Add(1)
	go m.processLoop()
	return m
}

// SetActivateHandler registers a callback fired from the manager goroutine
// whenever a connection becomes active, with the freshly fetched tool list.
// Must be set before the first Add.
func (m *ConnectionManager) SetActivateHandler(h func(name string, tools []ToolInfo)) {
	m.onActivate = h
}

// Add registers an upstream server and starts connecting to it.
func (m *ConnectionManager) Add(name, url string) error {
	resp := make(chan error, 1)
	select {
	case m.requests <- addRequest{name: name, url: url, response: resp}:
		return <-resp
	case <-m.ctx.Done():
		return fmt.Errorf("connection manager stopped")
	}
}

// List returns a snapshot of all connections.
func (m *ConnectionManager) List() []ConnectionInfo {
	resp := make(chan []ConnectionInfo, 1)
	select {
	case m.requests <- listRequest{response: resp}:
		return <-resp
	case <-m.ctx.Done():
		return nil
	}
}

// ActiveClient returns the client for a named connection, or an error when
// the connection is missing or not active.
func (m *ConnectionManager) ActiveClient(name string) (ClientInterface, error) {
	resp := make(chan ClientInterface, 1)
	select {
	case m.requests <- getClientRequest{name: name, response: resp}:
		if client := <-resp; client != nil {
			return client, nil
		}
		return nil, fmt.Errorf("server %s is not connected", name)
	case <-m.ctx.Done():
		return nil, fmt.Errorf("connection manager stopped")
	}
}

// Reconnect drops the current client for a connection and starts a fresh
// connect cycle. Called by the health monitor when pings keep failing.
func (m *ConnectionManager) Reconnect(name string) {
	select {
	case m.requests <- reconnectRequest{name: name}:
	case <-m.ctx.Done():
	}
}

// Stop shuts down all connections and the manager goroutine.
func (m *ConnectionManager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// processLoop is the single goroutine that owns connection state.
func (m *ConnectionManager) processLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			for _, conn := range m.conns {
				if conn.client != nil {
					conn.client.Close()
				}
			}
			return
		case req := <-m.requests:
			m.handleRequest(req)
		}
	}
}

func (m *ConnectionManager) handleRequest(req interface{}) {
	switch r := req.(type) {
	case addRequest:
		if _, exists := m.conns[r.name]; exists {
			r.response <- fmt.Errorf("server %s already registered", r.name)
			return
		}
		conn := &connection{
			name:    r.name,
			url:     r.url,
			state:   StateConfigured,
			backoff: NewExponentialBackoff(),
			breaker: DefaultCircuitBreaker(),
		}
		m.conns[r.name] = conn
		m.startConnect(conn)
		r.response <- nil

	case listRequest:
		out := make([]ConnectionInfo, 0, len(m.conns))
		for _, conn := range m.conns {
			info := ConnectionInfo{
				Name:        conn.name,
				URL:         conn.url,
				State:       conn.state,
				Tools:       conn.tools,
				ConnectedAt: conn.connectedAt,
				RetryCount:  conn.retryCount,
			}
			if conn.lastError != nil {
				info.LastError = conn.lastError.Error()
			}
			out = append(out, info)
		}
		r.response <- out

	case getClientRequest:
		if conn, ok := m.conns[r.name]; ok && conn.state == StateActive {
			r.response <- conn.client
			return
		}
		r.response <- nil

	case stateChangeRequest:
		conn, ok := m.conns[r.name]
		if !ok {
			return
		}
		conn.state = r.newState
		conn.lastError = r.err
		switch r.newState {
		case StateActive:
			conn.client = r.client
			conn.tools = r.tools
			conn.connectedAt = time.Now()
			conn.retryCount = 0
			conn.backoff.Reset()
			conn.breaker.RecordSuccess()
			log.Printf("mcp: server %s active with %d tools", conn.name, len(r.tools))
			if m.onActivate != nil {
				m.onActivate(conn.name, r.tools)
			}
		case StateRetrying:
			conn.retryCount++
			conn.breaker.RecordFailure()
			log.Printf("mcp: server %s connection failed (attempt %d): %v", conn.name, conn.retryCount, r.err)
		case StateDead:
			log.Printf("mcp: server %s marked dead: %v", conn.name, r.err)
		}

	case reconnectRequest:
		conn, ok := m.conns[r.name]
		if !ok {
			return
		}
		if conn.state == StateConnecting || conn.state == StateRetrying {
			// A connect loop is already working on it.
			return
		}
		if conn.client != nil {
			conn.client.Close()
			conn.client = nil
		}
		conn.state = StateRetrying
		m.startConnect(conn)
	}
}

// startConnect launches the connect/retry loop for one connection. The loop
// only reads the connection's url and backoff (owned by this loop while it
// runs) and reports results back through the request channel.
func (m *ConnectionManager) startConnect(conn *connection) {
	name, url := conn.name, conn.url
	backoff := conn.backoff
	breaker := conn.breaker

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			if m.ctx.Err() != nil {
				return
			}
			if !breaker.AllowRequest() {
				m.sendStateChange(stateChangeRequest{name: name, newState: StateDead,
					err: fmt.Errorf("circuit breaker open after repeated failures")})
				return
			}

			m.sendStateChange(stateChangeRequest{name: name, newState: StateConnecting})

			client, tools, err := m.connectOnce(url)
			if err == nil {
				m.sendStateChange(stateChangeRequest{name: name, newState: StateActive,
					client: client, tools: tools})
				return
			}

			m.sendStateChange(stateChangeRequest{name: name, newState: StateRetrying, err: err})
			if waitErr := backoff.Wait(m.ctx); waitErr != nil {
				return
			}
		}
	}()
}

// connectOnce dials one endpoint: build client, handshake, fetch tools.
func (m *ConnectionManager) connectOnce(url string) (ClientInterface, []ToolInfo, error) {
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	client := m.newClient(url)
	if _, err := client.Start(ctx); err != nil {
		client.Close()
		return nil, nil, err
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}
	return client, tools, nil
}

func (m *ConnectionManager) sendStateChange(req stateChangeRequest) {
	select {
	case m.requests <- req:
	case <-m.ctx.Done():
	}
}
