// Package events is the in-process pub/sub bus for run lifecycle
// events. The CLI verbose printer and the REST stats handler subscribe;
// the engine and the task queue publish.
package events

import (
	"sync"
	"time"
)

// Type names a run lifecycle event.
type Type string

const (
	RunStarted    Type = "run_started"
	RunCompleted  Type = "run_completed"
	RunFailed     Type = "run_failed"
	RunCancelled  Type = "run_cancelled"
	RunWaiting    Type = "run_waiting"
	NodeStarted   Type = "node_started"
	NodeCompleted Type = "node_completed"
	NodeFailed    Type = "node_failed"
	TokenForked   Type = "token_forked"
	TokenJoined   Type = "token_joined"
	TaskCreated   Type = "task_created"
	TaskResolved  Type = "task_resolved"
	TaskExpired   Type = "task_expired"
)

// Event is one run lifecycle notification.
type Event struct {
	Type       Type                   `json:"type"`
	RunID      string                 `json:"run_id,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	NodeID     string                 `json:"node_id,omitempty"`
	TokenID    string                 `json:"token_id,omitempty"`
	TaskID     string                 `json:"task_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Handler consumes events. Handlers run on the publisher's goroutine
// and must not block.
type Handler func(Event)

// Logger is the minimal logging surface the bus needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Bus fans events out to subscribers. A nil *Bus is a valid no-op
// publisher so callers can skip the nil checks.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
	logger   Logger
}

// NewBus creates an event bus.
func NewBus(logger Logger) *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for every published event. The returned
// function removes the subscription.
func (b *Bus) Subscribe(h Handler) func() {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	key := b.next
	b.next++
	b.handlers[key] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, key)
		b.mu.Unlock()
	}
}

// Publish stamps the event and delivers it to every subscriber in
// subscription order.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for i := 0; i < b.next; i++ {
		if h, ok := b.handlers[i]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
