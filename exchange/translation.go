package exchange

import "github.com/sebastianwelsh/modex/exchange/omap"

// OperationResult reports whether an OperationFunc actually mutated its
// destination. The round loop uses this, not a post-hoc diff, to decide
// whether a translated-into Node counts as changed: a Translation step
// like a leading noop can run and still leave the destination
// untouched.
type OperationResult int

const (
	// Unchanged means the OperationFunc ran but left dst equivalent to
	// how it found it.
	Unchanged OperationResult = iota
	// Changed means the OperationFunc mutated dst.
	Changed
)

// OperationFunc mutates dst to reflect src and reports whether it
// changed dst. src is read-only; dst accumulates the effects of every
// Operation in a Translation, applied in declaration order.
type OperationFunc func(src, dst *ModelIR) (OperationResult, error)

// Operation is one invertible step of a Translation: Forward maps
// from-model state onto the to-model, Reverse maps it back. Name is
// optional and used only in error messages and logging.
type Operation struct {
	Name    string
	Forward OperationFunc
	Reverse OperationFunc
}

// Translation declares a pair of Nodes and the Operations that keep them
// consistent. Registering a Translation wires routing in both
// directions: a change on From applies every Operation's Forward func
// onto To, and a change on To applies every Operation's Reverse func
// onto From.
type Translation struct {
	Name       string
	From       *Node
	To         *Node
	Operations []Operation
}

func (t *Translation) pairKey() [2]string {
	a, b := t.From.Identifier(), t.To.Identifier()
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Registry indexes Translations by source identifier, so the round loop
// can iterate a changed Node's outgoing edges in a deterministic order:
// the order Translations were registered.
type Registry struct {
	// outgoing[from][to] is the ordered list of OperationFuncs to run,
	// src-to-dst, already oriented for that edge.
	outgoing *omap.Map[*omap.Map[[]OperationFunc]]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{outgoing: omap.New[*omap.Map[[]OperationFunc]]()}
}

// Register adds t's routing in both directions. Forward operations run
// when From changes and a round visits To; Reverse operations run when
// To changes and a round visits From.
func (r *Registry) Register(t *Translation) {
	forwardFuncs := make([]OperationFunc, len(t.Operations))
	reverseFuncs := make([]OperationFunc, len(t.Operations))
	for i, op := range t.Operations {
		forwardFuncs[i] = op.Forward
		reverseFuncs[i] = op.Reverse
	}
	r.addEdge(t.From.Identifier(), t.To.Identifier(), forwardFuncs)
	r.addEdge(t.To.Identifier(), t.From.Identifier(), reverseFuncs)
}

func (r *Registry) addEdge(from, to string, funcs []OperationFunc) {
	dests, ok := r.outgoing.Get(from)
	if !ok {
		dests = omap.New[[]OperationFunc]()
		r.outgoing.Set(from, dests)
	}
	dests.Set(to, funcs)
}

// OutgoingEdges returns the destinations reachable from identifier and
// the operation funcs bound for each edge, in registration order.
func (r *Registry) OutgoingEdges(identifier string) []Edge {
	dests, ok := r.outgoing.Get(identifier)
	if !ok {
		return nil
	}
	edges := make([]Edge, 0, dests.Len())
	dests.Range(func(to string, funcs []OperationFunc) bool {
		edges = append(edges, Edge{To: to, Funcs: funcs})
		return true
	})
	return edges
}

// Edge is one destination reachable from a changed Node, with the
// OperationFuncs to run against it.
type Edge struct {
	To    string
	Funcs []OperationFunc
}

// Apply runs every OperationFunc on this edge in order against dst,
// using src as the (fixed) source of truth for each step. It reports
// Changed if any step reported Changed, Unchanged only if every step
// did.
func (e Edge) Apply(src, dst *ModelIR) (OperationResult, error) {
	result := Unchanged
	for _, fn := range e.Funcs {
		r, err := fn(src, dst)
		if err != nil {
			return Unchanged, err
		}
		if r == Changed {
			result = Changed
		}
	}
	return result, nil
}
