package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sebastianwelsh/modex/exchange/emit"
	"github.com/sebastianwelsh/modex/exchange/omap"
	"github.com/sebastianwelsh/modex/exchange/store"
	"github.com/sebastianwelsh/modex/exchange/watch"
)

// pollInterval is how long the round loop sleeps when the change queue
// is empty.
const pollInterval = 10 * time.Millisecond

// Orchestrator owns the translation registry, the change queue, and the
// single round-loop goroutine that keeps a set of Nodes consistent with
// one another.
type Orchestrator struct {
	cfg *orchestratorConfig

	nodes    *omap.Map[*Node]
	registry *Registry
	queue    *ChangeQueue
	watchers *omap.Map[watch.Watcher]

	cancel context.CancelFunc
	wg     sync.WaitGroup

	roundMu sync.Mutex
	round   int
}

// New validates translations, starts every Node referenced by them,
// binds a filesystem watcher to each, and launches the round loop.
// Validation and startup failures are reported through the configured
// FatalFunc (default: panic) in addition to being returned; callers that
// install WithFatalHandler can instead inspect the returned error.
func New(translations []*Translation, opts ...Option) (*Orchestrator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	o := &Orchestrator{
		cfg:      cfg,
		nodes:    omap.New[*Node](),
		registry: NewRegistry(),
		queue:    NewChangeQueue(),
		watchers: omap.New[watch.Watcher](),
	}

	if err := o.validateAndRegister(translations); err != nil {
		cfg.fatal(err)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.nodes.Range(func(_ string, n *Node) bool {
		o.wg.Add(1)
		go func(n *Node) {
			defer o.wg.Done()
			n.Run(ctx)
		}(n)
		return true
	})

	if err := o.startupSequence(ctx); err != nil {
		cfg.fatal(err)
		cancel()
		return nil, err
	}

	if err := o.bindWatchers(); err != nil {
		cfg.fatal(err)
		cancel()
		return nil, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.roundLoop(ctx)
	}()

	return o, nil
}

// validateAndRegister applies the six validation rules below, in
// declaration order, to every translation, registering each into the
// node table and Registry only once every rule has passed for it.
func (o *Orchestrator) validateAndRegister(translations []*Translation) error {
	seenPairs := make(map[[2]string]bool)

	for _, t := range translations {
		from, to := t.From, t.To

		// Rule 1: self-loop by instance.
		if from == to {
			return fmt.Errorf("%w: `%s` & `%s`", ErrSameInstance, from.Identifier(), to.Identifier())
		}

		// Rule 2: self-loop by identifier (distinct instances).
		if from.Identifier() == to.Identifier() {
			return fmt.Errorf("%w: `%s` == `%s`", ErrSameIdentifier, from.Identifier(), to.Identifier())
		}

		// Rule 3: duplicate identifier bound to a different instance.
		for _, n := range [2]*Node{from, to} {
			if existing, ok := o.nodes.Get(n.Identifier()); ok && existing != n {
				return fmt.Errorf("%w: `%s`", ErrDuplicateIdentifier, n.Identifier())
			}
		}

		// Rule 4: duplicate sedaroml_filename bound to a different
		// instance. from and to are distinct instances at this point (rule
		// 1 already rejected the alternative), so a shared filename
		// between them is itself a violation, in addition to either one
		// colliding with a Node from an earlier translation.
		if from.SedaromlFilename() == to.SedaromlFilename() {
			return fmt.Errorf("%w: `%s`", ErrDuplicateFilename, from.SedaromlFilename())
		}
		filenames := o.filenameIndex()
		for _, n := range [2]*Node{from, to} {
			if existing, ok := filenames.Get(n.SedaromlFilename()); ok && existing != n {
				return fmt.Errorf("%w: `%s`", ErrDuplicateFilename, n.SedaromlFilename())
			}
		}

		// Rule 5: duplicate unordered {from, to} pair.
		pair := t.pairKey()
		if seenPairs[pair] {
			return fmt.Errorf("%w: {`%s`, `%s`}", ErrDuplicatePair, pair[0], pair[1])
		}
		seenPairs[pair] = true

		// Rule 6: insert both directions.
		o.nodes.Set(from.Identifier(), from)
		o.nodes.Set(to.Identifier(), to)
		o.registry.Register(t)
	}

	return nil
}

// filenameIndex rebuilds the sedaroml_filename -> Node lookup used by
// rule 4 from the nodes registered so far. Nodes are few, so rebuilding
// on every translation is not worth a persistent index.
func (o *Orchestrator) filenameIndex() *omap.Map[*Node] {
	idx := omap.New[*Node]()
	o.nodes.Range(func(_ string, n *Node) bool {
		idx.Set(n.SedaromlFilename(), n)
		return true
	})
	return idx
}

// startupSequence sends Start to every Node in insertion order, resolves
// any reported Conflict, and refreshes each Node's IR from disk once it
// is Started.
func (o *Orchestrator) startupSequence(ctx context.Context) error {
	var failure error
	o.nodes.Range(func(identifier string, n *Node) bool {
		if err := o.startNode(ctx, identifier, n); err != nil {
			failure = err
			return false
		}
		return true
	})
	return failure
}

func (o *Orchestrator) startNode(ctx context.Context, identifier string, n *Node) error {
	if err := n.SendCommand(ctx, Command{Kind: CmdStart}); err != nil {
		return err
	}
	resp, err := n.RecvResponse(ctx)
	if err != nil {
		return err
	}

	switch resp.Kind {
	case RespStarted:
		return o.refreshNode(n)
	case RespConflict:
		return o.resolveStartupConflict(ctx, identifier, n, resp.Diff)
	case RespError:
		return resp.Err
	default:
		return fmt.Errorf("%w: node `%s` start: kind %d", ErrUnexpectedResponse, identifier, resp.Kind)
	}
}

func (o *Orchestrator) resolveStartupConflict(ctx context.Context, identifier string, n *Node, diff *ModelDiff) error {
	if o.cfg.resolveConflict == nil {
		return fmt.Errorf("%w: node `%s`", ErrNoConflictResolver, identifier)
	}
	resolution := o.cfg.resolveConflict(identifier, diff)

	if err := n.SendCommand(ctx, Command{Kind: CmdResolveConflict, Resolution: resolution}); err != nil {
		return err
	}
	resolvedResp, err := n.RecvResponse(ctx)
	if err != nil {
		return err
	}
	if resolvedResp.Kind == RespError {
		return resolvedResp.Err
	}
	if resolvedResp.Kind != RespConflictResolved {
		return fmt.Errorf("%w: node `%s` resolve-conflict: kind %d", ErrUnexpectedResponse, identifier, resolvedResp.Kind)
	}
	o.cfg.metrics.IncConflict(identifier, resolution)
	o.cfg.emitter.Emit(emit.Event{NodeID: identifier, Msg: "conflict_resolved", Meta: map[string]any{
		"resolution":  resolution.String(),
		"duration_ms": resolvedResp.Duration.Milliseconds(),
	}})

	startedResp, err := n.RecvResponse(ctx)
	if err != nil {
		return err
	}
	if startedResp.Kind != RespStarted {
		return fmt.Errorf("%w: node `%s` post-resolve: kind %d", ErrUnexpectedResponse, identifier, startedResp.Kind)
	}
	return o.refreshNode(n)
}

func (o *Orchestrator) refreshNode(n *Node) error {
	n.Lock()
	defer n.Unlock()
	return n.Refresh()
}

// bindWatchers attaches each Node's Watcher (a FileWatcher unless the
// Node's Exchangeable implements Watched), triggering an enqueue of the
// Node's identifier on every detected change.
func (o *Orchestrator) bindWatchers() error {
	var failure error
	o.nodes.Range(func(identifier string, n *Node) bool {
		w := n.Watcher(o.cfg.emitter)
		if err := w.Start(func() { o.queue.Enqueue(identifier) }); err != nil {
			failure = fmt.Errorf("binding watcher for `%s`: %w", identifier, err)
			return false
		}
		o.watchers.Set(identifier, w)
		return true
	})
	return failure
}

// TriggerWatchForModel enqueues identifier unconditionally. It does not
// validate that identifier names a known Node — an unknown identifier is
// silently dropped when the round loop dequeues it; ModEx trusts its
// callers here rather than rejecting an unrecognized trigger.
func (o *Orchestrator) TriggerWatchForModel(identifier string) {
	o.queue.Enqueue(identifier)
	if o.cfg.metrics != nil {
		o.cfg.metrics.SetQueueDepth(o.queue.Len())
	}
}

// Wait blocks until every Node worker and the round loop have exited,
// which only happens once Close cancels their context.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close stops the round loop, every Node worker, and every watcher.
func (o *Orchestrator) Close() error {
	o.watchers.Range(func(_ string, w watch.Watcher) bool {
		_ = w.Stop()
		return true
	})
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	return o.cfg.emitter.Flush(context.Background())
}

// roundLoop is the Orchestrator's single round-loop goroutine (spec
// §4.3.3). One "round" may span several dequeues: a changed Node is
// re-enqueued onto the same ChangeQueue so the BFS continues through it
// as a new source, and round-scoped state (visited, changed) persists
// across those dequeues until every Node has been visited.
func (o *Orchestrator) roundLoop(ctx context.Context) {
	visited := make(map[string]bool)
	var changed []string
	var roundStart time.Time
	roundActive := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		identifier, ok := o.queue.Dequeue()
		if !ok {
			select {
			case <-time.After(pollInterval):
				continue
			case <-ctx.Done():
				return
			}
		}
		if o.cfg.metrics != nil {
			o.cfg.metrics.SetQueueDepth(o.queue.Len())
		}

		if !roundActive {
			roundActive = true
			roundStart = time.Now()
			o.roundMu.Lock()
			o.round++
			roundNumber := o.round
			o.roundMu.Unlock()
			o.cfg.emitter.Emit(emit.Event{Round: roundNumber, Msg: "round_start"})
		}

		if visited[identifier] {
			continue
		}

		// processSource reports fatal errors to cfg.fatal itself, so its
		// return value is not used here: the default FatalFunc panics, and
		// after a caller-supplied handler returns the loop goes on to the
		// next dequeue.
		o.processSource(ctx, identifier, visited, &changed)

		if len(visited) >= o.nodes.Len() {
			o.closeOutRound(ctx, roundStart, visited, changed)
			visited = make(map[string]bool)
			changed = nil
			roundActive = false
		}
	}
}

// processSource runs one dequeued identifier's outgoing translations. It
// reports true if a fatal error occurred (already reported to FatalFunc
// before returning).
func (o *Orchestrator) processSource(ctx context.Context, identifier string, visited map[string]bool, changed *[]string) (fatal bool) {
	src, ok := o.nodes.Get(identifier)
	if !ok {
		// Unknown identifier, e.g. from an untrusted TriggerWatchForModel
		// call; nothing to propagate, and it does not count as visited.
		return false
	}
	visited[identifier] = true
	o.cfg.emitter.Emit(emit.Event{NodeID: identifier, Msg: "node_visited"})

	edges := o.registry.OutgoingEdges(identifier)
	if len(edges) == 0 {
		return false
	}

	src.Lock()
	defer src.Unlock()
	if err := src.Refresh(); err != nil {
		o.cfg.fatal(fmt.Errorf("%w: refreshing `%s`: %v", ErrPersistFailed, identifier, err))
		return true
	}
	srcIR := src.IR()

	for _, edge := range edges {
		if visited[edge.To] {
			continue
		}
		if o.applyEdge(ctx, identifier, srcIR, edge, visited, changed) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) applyEdge(ctx context.Context, from string, srcIR *ModelIR, edge Edge, visited map[string]bool, changed *[]string) (fatal bool) {
	dst, ok := o.nodes.Get(edge.To)
	if !ok {
		return false
	}

	dst.Lock()
	prior := CloneModelIR(dst.IR())
	result, err := edge.Apply(srcIR, dst.IR())
	if err != nil {
		dst.Unlock()
		if o.cfg.metrics != nil {
			o.cfg.metrics.IncTranslationError(from + "->" + edge.To)
		}
		o.cfg.fatal(fmt.Errorf("%w: `%s` -> `%s`: %v", ErrTranslationFailed, from, edge.To, err))
		return true
	}

	if result == Unchanged {
		dst.Unlock()
		o.cfg.emitter.Emit(emit.Event{NodeID: edge.To, Msg: "node_unchanged", Meta: map[string]any{"from": from}})
		markReachableVisited(o.registry, edge.To, visited)
		if err := dst.SendCommand(ctx, Command{Kind: CmdDone}); err != nil {
			o.cfg.fatal(err)
			return true
		}
		return false
	}

	diff := Diff(prior, dst.IR())
	if err := dst.Persist(); err != nil {
		dst.Unlock()
		o.cfg.fatal(fmt.Errorf("%w: `%s`: %v", ErrPersistFailed, edge.To, err))
		return true
	}
	dst.Unlock()

	*changed = append(*changed, edge.To)
	if o.cfg.metrics != nil {
		o.cfg.metrics.IncNodeChanged(edge.To)
	}
	o.cfg.emitter.Emit(emit.Event{NodeID: edge.To, Msg: "translation_applied", Meta: map[string]any{"from": from}})

	if err := dst.SendCommand(ctx, Command{Kind: CmdChanged, Diff: diff}); err != nil {
		o.cfg.fatal(err)
		return true
	}
	if err := dst.SendCommand(ctx, Command{Kind: CmdDone}); err != nil {
		o.cfg.fatal(err)
		return true
	}

	o.queue.Enqueue(edge.To)
	return false
}

// markReachableVisited marks start and every identifier reachable from
// it through the Registry's (already bidirectional) edges as visited,
// without processing any of them as a source. This is the "unchanged
// short-circuit": once a branch of the translation graph reports no
// change, nothing further downstream of it can change in this round
// either.
func markReachableVisited(registry *Registry, start string, visited map[string]bool) {
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, e := range registry.OutgoingEdges(cur) {
			if !visited[e.To] {
				queue = append(queue, e.To)
			}
		}
	}
}

// closeOutRound awaits Done from every changed Node before logging the
// round complete, then resets round-scoped state.
func (o *Orchestrator) closeOutRound(ctx context.Context, roundStart time.Time, visited map[string]bool, changed []string) {
	if len(changed) > 0 {
		grp, gctx := errgroup.WithContext(ctx)
		for _, identifier := range changed {
			identifier := identifier
			n, ok := o.nodes.Get(identifier)
			if !ok {
				continue
			}
			grp.Go(func() error { return awaitDone(gctx, n, o.cfg.closeOutTimeout) })
		}
		if err := grp.Wait(); err != nil {
			o.cfg.fatal(fmt.Errorf("exchange: round close-out: %w", err))
		}
	}

	duration := time.Since(roundStart)
	if o.cfg.metrics != nil {
		o.cfg.metrics.ObserveRoundDuration(duration)
	}

	visitedList := make([]string, 0, len(visited))
	o.nodes.Range(func(identifier string, _ *Node) bool {
		if visited[identifier] {
			visitedList = append(visitedList, identifier)
		}
		return true
	})

	o.roundMu.Lock()
	roundNumber := o.round
	o.roundMu.Unlock()

	o.cfg.emitter.Emit(emit.Event{Round: roundNumber, Msg: "round_closed", Meta: map[string]any{
		"duration_ms": duration.Milliseconds(),
		"changed":     len(changed),
		"visited":     len(visitedList),
	}})

	if o.cfg.store != nil {
		record := store.RoundRecord{
			RoundNumber: roundNumber,
			StartedAt:   roundStart,
			Duration:    duration,
			Visited:     visitedList,
			Changed:     changed,
		}
		if err := o.cfg.store.SaveRound(ctx, record); err != nil {
			o.cfg.emitter.Emit(emit.Event{Round: roundNumber, Msg: "round_save_failed", Meta: map[string]any{"error": err.Error()}})
		}
	}
}

func awaitDone(ctx context.Context, n *Node, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		resp, err := n.RecvResponse(cctx)
		if err != nil {
			return fmt.Errorf("awaiting done from `%s`: %w", n.Identifier(), err)
		}
		if resp.Kind == RespDone {
			return nil
		}
		if resp.Kind == RespError {
			return resp.Err
		}
		// Ignore any other spurious response.
	}
}
