package watch

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sebastianwelsh/modex/exchange/emit"
)

// debounce is how long FileWatcher waits after the most recent event in
// a burst before firing its trigger (each new event restarts the wait),
// coalescing the write+rename+chmod
// flurry many editors and writers produce into a single trigger call.
const debounce = 5 * time.Millisecond

// FileWatcher watches a single local file for changes using fsnotify.
// fsnotify watches directories, not individual files (so it still sees
// the file after an editor replaces it via rename-into-place), so
// FileWatcher watches the file's parent directory and filters events
// down to the target filename.
type FileWatcher struct {
	path    string
	emitter emit.Emitter
	nodeID  string

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	done    chan struct{}
	trigger TriggerFunc
}

// NewFileWatcher returns a FileWatcher for path. path need not exist yet
// at construction time; it must exist by the time Start is called. A
// fsnotify error is reported through emitter as a "watch_fsnotify_error"
// event tagged with nodeID rather than taking the watcher down; a nil
// emitter discards these events.
func NewFileWatcher(path string, emitter emit.Emitter, nodeID string) *FileWatcher {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &FileWatcher{path: path, emitter: emitter, nodeID: nodeID}
}

// Start begins watching the file's parent directory and spawns a
// goroutine that debounces fsnotify events into trigger calls. It
// returns once the underlying watch is registered.
func (w *FileWatcher) Start(trigger TriggerFunc) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: creating fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch: watching %s: %w", dir, err)
	}

	w.mu.Lock()
	w.fsw = fsw
	w.trigger = trigger
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run()
	return nil
}

func (w *FileWatcher) run() {
	target := filepath.Base(w.path)
	var timer *time.Timer

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, w.trigger)
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.emitter.Emit(emit.Event{NodeID: w.nodeID, Msg: "watch_fsnotify_error", Meta: map[string]any{"error": err.Error()}})
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Stop closes the underlying fsnotify watcher and terminates the
// debounce goroutine.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return nil
	}
	close(w.done)
	err := w.fsw.Close()
	w.fsw = nil
	return err
}
