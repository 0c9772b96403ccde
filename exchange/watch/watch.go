// Package watch provides the two ways a Node detects that its foreign
// representation changed out from under it: watching a local path for
// filesystem events, or polling a remote source on an interval.
package watch

// TriggerFunc is called whenever a Watcher observes a change. It is
// typically bound to a ChangeQueue.Enqueue for the watched node's
// identifier.
type TriggerFunc func()

// Watcher observes a single node's foreign representation for changes
// and calls a bound TriggerFunc when one is detected.
type Watcher interface {
	// Start begins watching and calling trigger on every detected
	// change. It returns once watching has been established (for
	// FileWatcher, once the underlying fsnotify watch is registered);
	// it does not block for the lifetime of the watch.
	Start(trigger TriggerFunc) error

	// Stop releases any resources the Watcher holds.
	Stop() error
}
