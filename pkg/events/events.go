package events

import (
	"context"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	ChatStarted     EventType = "chat.started"
	ChatMessage     EventType = "chat.message"
	ChatDone        EventType = "chat.done"
	ChatError       EventType = "chat.error"
	ToolCallStarted EventType = "tool.call.started"
	ToolCallDone    EventType = "tool.call.done"
	UploadFailed    EventType = "upload.failed"
	MCPConnected    EventType = "mcp.connected"
	MCPDisconnected EventType = "mcp.disconnected"
)

// Event is one bus message. SessionID scopes chat traffic to one
// conversation; connection-level events leave it empty.
type Event struct {
	ID        string
	Type      EventType
	SessionID string
	Timestamp time.Time
	Data      map[string]interface{}
}

type Handler func(event Event)

// WorkerPoolConfig holds configuration for the event bus worker pool.
type WorkerPoolConfig struct {
	WorkerCount int // Number of worker goroutines (default: CPU cores * 2)
	BufferSize  int // Channel buffer size (default: 1000)
}

// DefaultWorkerPoolConfig returns the default configuration.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: runtime.NumCPU() * 2,
		BufferSize:  1000,
	}
}

type eventTask struct {
	event   Event
	handler Handler
}

type subscription struct {
	id      int
	handler Handler
}

// EventBus dispatches events to subscribers through a worker pool so slow
// handlers never block publishers.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[EventType][]subscription
	nextSubID  int
	workerPool chan eventTask
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewEventBus() *EventBus {
	return NewEventBusWithConfig(DefaultWorkerPoolConfig())
}

func NewEventBusWithConfig(config WorkerPoolConfig) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		handlers:   make(map[EventType][]subscription),
		workerPool: make(chan eventTask, config.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < config.WorkerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case task := <-eb.workerPool:
			runHandler(task.handler, task.event)
		case <-eb.ctx.Done():
			return
		}
	}
}

// runHandler executes one handler with panic recovery so a bad subscriber
// cannot take down the pool.
func runHandler(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: handler panic: %v", r)
		}
	}()
	h(e)
}

// Subscribe registers a handler for one event type and returns a function
// that removes it again.
func (eb *EventBus) Subscribe(eventType EventType, handler Handler) (unsubscribe func()) {
	eb.mu.Lock()
	eb.nextSubID++
	id := eb.nextSubID
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})
	eb.mu.Unlock()

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		subs := eb.handlers[eventType]
		for i, sub := range subs {
			if sub.id == id {
				eb.handlers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish stamps the event and fans it out to all subscribers of its type.
func (eb *EventBus) Publish(event Event) {
	event.Timestamp = time.Now()
	event.ID = uuid.NewString()

	eb.mu.RLock()
	subs := make([]subscription, len(eb.handlers[event.Type]))
	copy(subs, eb.handlers[event.Type])
	eb.mu.RUnlock()

	for _, sub := range subs {
		task := eventTask{event: event, handler: sub.handler}
		select {
		case eb.workerPool <- task:
		default:
			// Worker pool full: run in a fresh goroutine instead of dropping.
			go runHandler(sub.handler, event)
		}
	}
}

// Shutdown gracefully stops the worker pool.
func (eb *EventBus) Shutdown() {
	eb.cancel()
	eb.wg.Wait()
}
