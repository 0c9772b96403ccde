package emit

import (
	"context"
	"sync"
)

// BufferedEmitter stores every event in memory and provides simple
// query helpers. Useful in tests that assert on the shape of a round
// without wiring a real logging or tracing backend.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events []Event
}

// NewBufferedEmitter returns an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{}
}

// Emit appends event to the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

// EmitBatch appends every event in events, in order.
func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, events...)
	return nil
}

// Flush is a no-op: events are already resident in memory.
func (b *BufferedEmitter) Flush(context.Context) error { return nil }

// All returns every event recorded so far, in emission order.
func (b *BufferedEmitter) All() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// ForNode returns every event recorded for nodeID, in emission order.
func (b *BufferedEmitter) ForNode(nodeID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.events {
		if e.NodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// ForRound returns every event recorded for round, in emission order.
func (b *BufferedEmitter) ForRound(round int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.events {
		if e.Round == round {
			out = append(out, e)
		}
	}
	return out
}

// Clear discards all recorded events.
func (b *BufferedEmitter) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}
