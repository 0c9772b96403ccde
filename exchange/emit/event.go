// Package emit provides pluggable observability for the exchange round
// loop: every state transition the Orchestrator makes (round start,
// node visited, translation applied, round closed, conflict resolved)
// is emitted as an Event to whatever Emitter the caller configured.
package emit

// Event is one observability event emitted by the Orchestrator.
type Event struct {
	// Round is the round number (1-indexed) on round-level events
	// (round_start, round_closed, round_save_failed). Per-node events and
	// events outside any round (startup, shutdown) leave it zero.
	Round int

	// NodeID identifies which node this event concerns. Empty for
	// round-level events with no single node (round start/close).
	NodeID string

	// Msg is a short, stable event name: "round_start", "node_visited",
	// "translation_applied", "node_unchanged", "round_closed",
	// "conflict_resolved".
	Msg string

	// Meta carries event-specific structured data, e.g. "from" for a
	// translation_applied event, "duration_ms" for a round_closed event,
	// or "resolution" for a conflict_resolved event.
	Meta map[string]any
}
