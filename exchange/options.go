package exchange

import (
	"time"

	"github.com/sebastianwelsh/modex/exchange/emit"
	"github.com/sebastianwelsh/modex/exchange/store"
)

// Option configures an Orchestrator at construction time.
type Option func(*orchestratorConfig)

type orchestratorConfig struct {
	emitter         emit.Emitter
	metrics         *Metrics
	store           store.Store
	fatal           FatalFunc
	resolveConflict ConflictResolver
	closeOutTimeout time.Duration
}

func defaultConfig() *orchestratorConfig {
	c := &orchestratorConfig{
		emitter:         emit.NewNullEmitter(),
		closeOutTimeout: 30 * time.Second,
	}
	c.fatal = func(err error) { defaultFatalFunc(c.emitter, err) }
	return c
}

// FatalFunc handles an unrecoverable exchange error: a translation
// operation returning an error, an I/O failure persisting a node, or an
// unexpected protocol response. The reference implementation this
// system was ported from treats these as process-fatal (a Rust panic);
// FatalFunc defaults to doing the same (log then panic) but can be
// overridden, e.g. so tests can assert on the error instead of crashing.
type FatalFunc func(err error)

func defaultFatalFunc(emitter emit.Emitter, err error) {
	if emitter != nil {
		emitter.Emit(emit.Event{Msg: "fatal", Meta: map[string]any{"error": err.Error()}})
	}
	panic(err)
}

// ConflictResolver decides how to reconcile a Conflict response reported
// by a Node during startup.
type ConflictResolver func(identifier string, diff *ModelDiff) ConflictResolution

// WithEmitter sets the Emitter that observability events are sent to.
// Default: emit.NewNullEmitter() (events are discarded).
func WithEmitter(e emit.Emitter) Option {
	return func(c *orchestratorConfig) { c.emitter = e }
}

// WithMetrics sets the Prometheus metrics collector. Default: nil (all
// recording calls become no-ops).
func WithMetrics(m *Metrics) Option {
	return func(c *orchestratorConfig) { c.metrics = m }
}

// WithStore sets where round history is persisted. Default: nil (round
// history is not persisted).
func WithStore(s store.Store) Option {
	return func(c *orchestratorConfig) { c.store = s }
}

// WithFatalHandler overrides how the Orchestrator reacts to an
// unrecoverable error. Default: log and panic.
func WithFatalHandler(f FatalFunc) Option {
	return func(c *orchestratorConfig) { c.fatal = f }
}

// WithConflictResolver sets the function that decides KeepRep vs
// UpdateRep when a Node reports a startup Conflict. If a Conflict is
// reported and no resolver is configured, New's startup sequencing
// returns ErrNoConflictResolver.
func WithConflictResolver(r ConflictResolver) Option {
	return func(c *orchestratorConfig) { c.resolveConflict = r }
}

// WithCloseOutTimeout sets the maximum time the round close-out barrier
// waits for a single node's Done response. Default: 30s.
func WithCloseOutTimeout(d time.Duration) Option {
	return func(c *orchestratorConfig) { c.closeOutTimeout = d }
}
