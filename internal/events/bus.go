// Package events provides a non-blocking pub/sub bus for execution
// progress. Any UI (CLI status line, dashboard bridge) can subscribe
// without being able to stall the core.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventWorkerStarted is published when a worker executor is launched.
	EventWorkerStarted EventType = "worker_started"
	// EventWorkerCompleted is published when a worker result is recorded.
	EventWorkerCompleted EventType = "worker_completed"
	// EventBatchProgress is the coordinator's periodic progress tick.
	EventBatchProgress EventType = "batch_progress"
	// EventBatchFinished is published when every story in a batch has a result.
	EventBatchFinished EventType = "batch_finished"
	// EventCheckpointSaved is published after a checkpoint write.
	EventCheckpointSaved EventType = "checkpoint_saved"
	// EventDelegationRejected is published when the tracker rejects a delegation.
	EventDelegationRejected EventType = "delegation_rejected"
	// EventRecovery is published when crash recovery resolves a session.
	EventRecovery EventType = "recovery"
)

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus. Events are delivered asynchronously
// via buffered channels; if a subscriber's channel is full, the event
// is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	dropped     map[EventType]int
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per
// subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		dropped:     make(map[EventType]int),
		bufferSize:  bufferSize,
	}
}

// Dropped reports how many events of the given type were discarded
// because a subscriber's buffer was full.
func (b *Bus) Dropped(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[eventType]
}

// Subscribe registers a subscriber for a specific event type and
// returns an unsubscribe function. The subscriber runs in its own
// goroutine; panics are recovered so one subscriber cannot take the
// bus down.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends an event to all subscribers of the given type without
// blocking.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	drops := 0
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Channel full; drop rather than block the publisher.
			drops++
		}
	}
	b.mu.RUnlock()

	if drops > 0 {
		b.mu.Lock()
		b.dropped[eventType] += drops
		b.mu.Unlock()
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
