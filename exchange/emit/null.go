package emit

import "context"

// NullEmitter discards every event. It is the Orchestrator's default
// when no Emitter is configured via WithEmitter.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that does nothing.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards event.
func (NullEmitter) Emit(Event) {}

// EmitBatch discards events and always returns nil.
func (NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

// Flush is a no-op.
func (NullEmitter) Flush(context.Context) error { return nil }
