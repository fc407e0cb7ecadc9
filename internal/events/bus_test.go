package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{})

	bus.Subscribe(EventWorkerCompleted, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		close(done)
	})

	bus.Publish(EventWorkerCompleted, map[string]interface{}{"story_id": "A"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d events, want 1", len(received))
	}
	if received[0].Data["story_id"] != "A" {
		t.Errorf("Data[story_id] = %v, want A", received[0].Data["story_id"])
	}
}

func TestBus_TypeIsolation(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	got := make(chan EventType, 2)
	bus.Subscribe(EventBatchProgress, func(e Event) { got <- e.Type })

	bus.Publish(EventWorkerStarted, nil)
	bus.Publish(EventBatchProgress, nil)

	select {
	case typ := <-got:
		if typ != EventBatchProgress {
			t.Errorf("received %s, want %s", typ, EventBatchProgress)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}

	select {
	case typ := <-got:
		t.Errorf("unexpected second event %s", typ)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	got := make(chan struct{}, 10)
	unsub := bus.Subscribe(EventCheckpointSaved, func(Event) { got <- struct{}{} })
	unsub()

	bus.Publish(EventCheckpointSaved, nil)

	select {
	case <-got:
		t.Errorf("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_CountsDroppedEvents(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	defer close(block)
	bus.Subscribe(EventBatchProgress, func(Event) { <-block })

	for i := 0; i < 5; i++ {
		bus.Publish(EventBatchProgress, nil)
	}

	if bus.Dropped(EventBatchProgress) == 0 {
		t.Errorf("no drops counted with a stalled subscriber and full buffer")
	}
	if bus.Dropped(EventWorkerStarted) != 0 {
		t.Errorf("drops leaked across event types")
	}
}

func TestBus_PanickingSubscriberDoesNotBreakBus(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ok := make(chan struct{})
	bus.Subscribe(EventRecovery, func(Event) { panic("boom") })
	bus.Subscribe(EventRecovery, func(Event) { close(ok) })

	bus.Publish(EventRecovery, nil)

	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatalf("healthy subscriber starved by panicking sibling")
	}
}
