// Package events provides a non-blocking pub/sub bus carrying task and
// pipeline status transitions to whatever presentation layer is attached.
package events

import (
	"sync"
	"time"

	"github.com/segue-sh/segue/internal/model"
)

// EventType discriminates the events the engine emits.
type EventType string

const (
	EventTaskStatusChanged EventType = "task_status_changed"
	EventPipelineStarted   EventType = "pipeline_started"
	EventPipelinePaused    EventType = "pipeline_paused"
	EventPipelineResumed   EventType = "pipeline_resumed"
	EventPipelineCompleted EventType = "pipeline_completed"
	EventPipelineCancelled EventType = "pipeline_cancelled"
)

// Event is one engine emission. TaskID/StepID/Status are set for
// task-level events; Detail carries the recorded error text if any.
type Event struct {
	Type       EventType        `json:"type"`
	Timestamp  time.Time        `json:"timestamp"`
	PipelineID string           `json:"pipeline_id"`
	TaskID     string           `json:"task_id,omitempty"`
	StepID     string           `json:"step_id,omitempty"`
	Status     model.TaskStatus `json:"status,omitempty"`
	Detail     string           `json:"detail,omitempty"`
}

// Subscriber receives events; it runs on its own goroutine.
type Subscriber func(Event)

// Bus is a non-blocking event bus. Delivery is asynchronous via
// buffered channels; a full subscriber drops events rather than stall
// the coordinator.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	bufferSize  int
	closed      bool
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe registers fn for all events and returns an unsubscribe
// function. Panics in fn are swallowed so a broken renderer cannot take
// the engine down with it.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	ch := make(chan Event, b.bufferSize)
	b.subscribers = append(b.subscribers, ch)

	go func() {
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, subCh := range b.subscribers {
			if subCh == ch {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends the event to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			// subscriber buffer full, drop
		}
	}
}

// Close closes all subscriber channels and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
