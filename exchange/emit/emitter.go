package emit

import "context"

// Emitter receives observability events from the exchange round loop.
//
// Implementations must not block the round loop for long and must not
// panic; Emit is called from the orchestrator's own goroutine, so a slow
// or panicking Emitter stalls or crashes the whole exchange.
type Emitter interface {
	// Emit sends a single event.
	Emit(event Event)

	// EmitBatch sends several events at once, in order.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until any buffered events have been delivered. Called
	// when an Orchestrator shuts down.
	Flush(ctx context.Context) error
}
