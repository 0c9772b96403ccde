package exchange

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sebastianwelsh/modex/exchange/emit"
	"github.com/sebastianwelsh/modex/exchange/watch"
)

// Exchangeable is implemented by each concrete node kind (local file,
// spreadsheet, remote modeling service, co-simulation job), covering
// only the foreign side of the exchange: a remote API, a spreadsheet
// workbook, a co-simulation job's consumed/produced values. The local
// sedaroml IR file every Node kind shares is owned by Node itself
// (Refresh/Persist below), not by Exchangeable — a LocalFileNode's
// foreign "source" and its disk cache happen to be the same file, but
// Remote and Cosim nodes keep the two genuinely separate.
type Exchangeable interface {
	// Identifier returns this node's unique identifier.
	Identifier() string
	// SedaromlFilename returns the local IR file path this node's disk
	// cache is read from and written to.
	SedaromlFilename() string
	// Read loads the current ModelIR from the node's foreign
	// representation (a remote API, a spreadsheet, a simulator job).
	Read() (*ModelIR, error)
	// Write pushes ir to the node's foreign representation.
	Write(ir *ModelIR) error
}

// ConflictChecker is implemented by Exchangeable kinds that can disagree
// with themselves at startup: a remote-service node whose local
// sedaroml file may be stale relative to the foreign representation
// (the co-simulation node does not implement it). CheckConflict returns a non-nil, non-empty ModelDiff
// when the two disagree, or nil when they agree. A local-file or
// spreadsheet node has no separate foreign copy to disagree with and
// typically does not implement this interface.
type ConflictChecker interface {
	CheckConflict() (*ModelDiff, error)
}

// DiffWriter is implemented by Exchangeable kinds whose foreign write is
// cheaper or more correct as a partial update than a full resend: the
// remote-service Node PATCHes only added/updated/removed blocks and root
// fields, and the co-simulation Node pushes only root.produced_value's
// updated entry. Kinds without a meaningfully
// partial foreign write (local file, spreadsheet) need not implement it;
// handleChanged falls back to Write(ir) with the Node's full IR.
type DiffWriter interface {
	WriteDiff(diff *ModelDiff) error
}

// Watched is implemented by Exchangeable kinds that watch something
// other than their own sedaroml file for changes: a remote-service or
// co-simulation Node polls a foreign endpoint instead of a local path.
// Kinds without this fall back to a FileWatcher on SedaromlFilename.
// emitter is the Orchestrator's configured emit.Emitter, passed through
// so a watcher can report its own failures (a failed poll, a dropped
// fsnotify event) without the implementation needing to hold one itself.
type Watched interface {
	Watcher(emitter emit.Emitter) watch.Watcher
}

// ConflictResolverHook is implemented by Exchangeable kinds that need to
// act on a CmdResolveConflict. ResolveConflict returns the ModelIR that
// should become the node's local disk cache: for KeepRep this is the
// node's own prior representation (the implementation is expected to
// push it to the foreign source as a side effect); for UpdateRep this is
// the foreign representation already observed by CheckConflict. Kinds
// with no ConflictChecker need not implement this either.
type ConflictResolverHook interface {
	ResolveConflict(resolution ConflictResolution) (*ModelIR, error)
}

// Node wraps an Exchangeable with the command/response channel pair the
// Orchestrator drives it through, plus the cached ModelIR the round loop
// reads and mutates under Lock/Unlock.
type Node struct {
	impl Exchangeable

	mu sync.Mutex
	ir *ModelIR

	Commands  chan Command
	Responses chan Response
}

// responseBuffer lets a worker emit a CmdResolveConflict's two responses
// (ConflictResolved then Started) and a CmdChanged's eventual Done
// without the Orchestrator having to be receiving at that exact instant
// — the round loop only drains a changed Node's Done during close-out,
// by which point the worker has moved on to whatever CmdDone
// notification followed it.
const responseBuffer = 4

// NewNode wraps impl in a Node ready to be registered with an
// Orchestrator. Commands are unbuffered, so the Orchestrator and a
// Node's worker goroutine hand off one command at a time; Responses is
// buffered (see responseBuffer).
func NewNode(impl Exchangeable) *Node {
	return &Node{
		impl:      impl,
		Commands:  make(chan Command),
		Responses: make(chan Response, responseBuffer),
	}
}

// Identifier returns the wrapped Exchangeable's identifier.
func (n *Node) Identifier() string { return n.impl.Identifier() }

// SedaromlFilename returns the wrapped Exchangeable's local file path.
func (n *Node) SedaromlFilename() string { return n.impl.SedaromlFilename() }

// Lock acquires the Node's mutex. Callers must always lock the source
// node before the destination node when touching two Nodes at once, to
// avoid lock-order deadlocks.
func (n *Node) Lock() { n.mu.Lock() }

// Unlock releases the Node's mutex.
func (n *Node) Unlock() { n.mu.Unlock() }

// IR returns the cached ModelIR. Callers must hold the Node's lock.
func (n *Node) IR() *ModelIR { return n.ir }

// SetIR replaces the cached ModelIR. Callers must hold the Node's lock.
func (n *Node) SetIR(ir *ModelIR) { n.ir = ir }

// Refresh reloads the cached ModelIR from the node's local disk cache.
// Callers must hold the Node's lock.
func (n *Node) Refresh() error {
	ir, err := n.readDisk()
	if err != nil {
		return err
	}
	n.ir = ir
	return nil
}

// Persist writes the cached ModelIR to the node's local disk cache.
// Callers must hold the Node's lock.
func (n *Node) Persist() error {
	return n.writeDisk(n.ir)
}

func (n *Node) readDisk() (*ModelIR, error) {
	f, err := os.Open(n.impl.SedaromlFilename())
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeModelIR(f)
}

func (n *Node) writeDisk(ir *ModelIR) error {
	f, err := os.Create(n.impl.SedaromlFilename())
	if err != nil {
		return err
	}
	defer f.Close()
	return EncodeModelIR(f, ir)
}

// Watcher returns the Watcher that should be bound to this Node's
// identifier: the Exchangeable's own if it implements Watched, otherwise
// a FileWatcher on its sedaroml file. emitter is forwarded so either
// path can report its own failures without dropping them silently.
func (n *Node) Watcher(emitter emit.Emitter) watch.Watcher {
	if w, ok := n.impl.(Watched); ok {
		return w.Watcher(emitter)
	}
	return watch.NewFileWatcher(n.impl.SedaromlFilename(), emitter, n.Identifier())
}

// SendCommand delivers cmd to the Node's worker, blocking until the
// worker receives it or ctx is done.
func (n *Node) SendCommand(ctx context.Context, cmd Command) error {
	select {
	case n.Commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecvResponse blocks until the Node's worker sends a Response or ctx is
// done.
func (n *Node) RecvResponse(ctx context.Context) (Response, error) {
	select {
	case resp := <-n.Responses:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Run is the Node's worker loop: it processes Commands from the
// Orchestrator and sends back Responses, until ctx is done or a CmdStop
// is handled. Launch it in its own goroutine once per Node before the
// Orchestrator starts sending commands.
func (n *Node) Run(ctx context.Context) {
	for {
		select {
		case cmd, ok := <-n.Commands:
			if !ok {
				return
			}
			if n.handle(ctx, cmd) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handle processes one command and sends the resulting Response(s). It
// reports whether the worker loop should exit (true only after CmdStop).
func (n *Node) handle(ctx context.Context, cmd Command) bool {
	switch cmd.Kind {
	case CmdStart:
		n.respond(ctx, n.handleStart())
	case CmdStop:
		n.respond(ctx, Response{Kind: RespStopped})
		return true
	case CmdChanged:
		n.respond(ctx, n.handleChanged(cmd.Diff))
	case CmdDone:
		// One-way notification: no response expected (§4.3.3).
	case CmdResolveConflict:
		resolvedResp := n.handleResolveConflict(cmd.Resolution)
		n.respond(ctx, resolvedResp)
		if resolvedResp.Kind == RespConflictResolved {
			n.respond(ctx, Response{Kind: RespStarted})
		}
	default:
		n.respond(ctx, Response{Kind: RespError, Err: ErrUnexpectedResponse})
	}
	return false
}

func (n *Node) respond(ctx context.Context, resp Response) {
	select {
	case n.Responses <- resp:
	case <-ctx.Done():
	}
}

// handleStart pulls the foreign representation and, absent a conflict,
// bootstraps the local disk cache from it so the Orchestrator's
// subsequent Refresh finds a file in place even on a node's very first
// run. It never touches n.ir directly:
// the Orchestrator owns that by calling Refresh after Started.
func (n *Node) handleStart() Response {
	foreign, err := n.impl.Read()
	if err != nil {
		return Response{Kind: RespError, Err: err}
	}

	if cc, ok := n.impl.(ConflictChecker); ok {
		diff, err := cc.CheckConflict()
		if err != nil {
			return Response{Kind: RespError, Err: err}
		}
		if diff != nil && !diff.IsEmpty() {
			return Response{Kind: RespConflict, Diff: diff}
		}
	}

	if err := n.writeDisk(foreign); err != nil {
		return Response{Kind: RespError, Err: err}
	}
	return Response{Kind: RespStarted}
}

// handleChanged pushes the change to the Node's foreign representation,
// preferring a partial DiffWriter.WriteDiff over a full Write(ir) when
// the Exchangeable implements it. By the time a CmdChanged arrives, the
// Orchestrator has already mutated n.ir in place and persisted it to
// disk, so a full Write(ir) always reflects the latest state even
// without the diff.
func (n *Node) handleChanged(diff *ModelDiff) Response {
	start := time.Now()

	n.Lock()
	defer n.Unlock()

	if n.ir == nil {
		return Response{Kind: RespError, Err: ErrUnexpectedResponse}
	}

	var err error
	if dw, ok := n.impl.(DiffWriter); ok {
		err = dw.WriteDiff(diff)
	} else {
		err = n.impl.Write(n.ir)
	}
	if err != nil {
		return Response{Kind: RespError, Err: err}
	}
	return Response{Kind: RespDone, Duration: time.Since(start)}
}

func (n *Node) handleResolveConflict(resolution ConflictResolution) Response {
	start := time.Now()

	rc, ok := n.impl.(ConflictResolverHook)
	if !ok {
		return Response{Kind: RespError, Err: fmt.Errorf("%w: node %q has no conflict resolver hook", ErrUnexpectedResponse, n.Identifier())}
	}

	resolved, err := rc.ResolveConflict(resolution)
	if err != nil {
		return Response{Kind: RespError, Err: err}
	}
	if err := n.writeDisk(resolved); err != nil {
		return Response{Kind: RespError, Err: err}
	}
	return Response{Kind: RespConflictResolved, Duration: time.Since(start)}
}
