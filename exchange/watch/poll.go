package watch

import (
	"sync"
	"time"

	"github.com/sebastianwelsh/modex/exchange/emit"
)

// CheckFunc is called once per poll interval. It reports whether the
// foreign representation changed since the last call, or an error if
// the check itself failed (emitted, not fatal — a single failed poll
// should not take the watcher down).
type CheckFunc func() (changed bool, err error)

// PollWatcher calls a CheckFunc on a fixed interval and fires its
// trigger whenever the check reports a change. Used by nodes with no
// filesystem to watch: the remote modeling-service node (comparing
// dateModified) and the co-simulation node (comparing the simulator's
// consumed_value).
type PollWatcher struct {
	interval time.Duration
	check    CheckFunc
	emitter  emit.Emitter
	nodeID   string

	mu    sync.Mutex
	timer *time.Ticker
	done  chan struct{}
}

// NewPollWatcher returns a PollWatcher that calls check every interval,
// reporting a failed check through emitter as a "watch_poll_failed"
// event tagged with nodeID. A nil emitter discards these events.
func NewPollWatcher(interval time.Duration, check CheckFunc, emitter emit.Emitter, nodeID string) *PollWatcher {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &PollWatcher{interval: interval, check: check, emitter: emitter, nodeID: nodeID}
}

// Start begins polling in a background goroutine.
func (w *PollWatcher) Start(trigger TriggerFunc) error {
	w.mu.Lock()
	w.timer = time.NewTicker(w.interval)
	w.done = make(chan struct{})
	ticker := w.timer
	done := w.done
	w.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				changed, err := w.check()
				if err != nil {
					w.emitter.Emit(emit.Event{NodeID: w.nodeID, Msg: "watch_poll_failed", Meta: map[string]any{"error": err.Error()}})
					continue
				}
				if changed {
					trigger()
				}
			case <-done:
				return
			}
		}
	}()
	return nil
}

// Stop halts polling.
func (w *PollWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		return nil
	}
	w.timer.Stop()
	close(w.done)
	w.timer = nil
	return nil
}
