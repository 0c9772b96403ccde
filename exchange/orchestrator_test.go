package exchange

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebastianwelsh/modex/exchange/omap"
	"github.com/sebastianwelsh/modex/exchange/store"
)

func readIRFile(filename string) (*ModelIR, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeModelIR(f)
}

// counterNode is an in-memory Exchangeable holding a single block "i"
// with integer field "v". Its Read/Write stand in for a foreign
// representation (e.g. a remote API); the Node's own disk cache at
// SedaromlFilename is exercised for real, since handleStart bootstraps
// it from Read and the round loop refreshes/persists it directly.
type counterNode struct {
	id       string
	filename string

	mu sync.Mutex
	v  int64
}

func newCounterNode(t *testing.T, id string, v int64) *counterNode {
	t.Helper()
	return &counterNode{id: id, filename: filepath.Join(t.TempDir(), id+".sedaroml.json"), v: v}
}

func newCounterNodeAt(id, filename string, v int64) *counterNode {
	return &counterNode{id: id, filename: filename, v: v}
}

func (c *counterNode) Identifier() string       { return c.id }
func (c *counterNode) SedaromlFilename() string { return c.filename }

func (c *counterNode) Read() (*ModelIR, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ir := NewModelIR()
	block := omap.New[any]()
	block.Set("v", NumberFromInt64(c.v))
	ir.Blocks.Set("i", block)
	return ir, nil
}

func (c *counterNode) Write(ir *ModelIR) error {
	block, err := ir.BlockByID("i")
	if err != nil {
		return err
	}
	val, ok := block.Get("v")
	if !ok {
		return fmt.Errorf("counterNode %s: block i missing field v", c.id)
	}
	i, _ := AsInt64(val)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v = i
	return nil
}

func (c *counterNode) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// intOp builds an OperationFunc that maps field "v" through f, reporting
// Changed only if the result actually differs from the destination's
// prior value.
func intOp(f func(int64) int64) OperationFunc {
	return func(src, dst *ModelIR) (OperationResult, error) {
		srcBlock, err := src.BlockByID("i")
		if err != nil {
			return Unchanged, err
		}
		srcVal, _ := srcBlock.Get("v")
		srcInt, _ := AsInt64(srcVal)
		next := f(srcInt)

		dstBlock, err := dst.BlockByID("i")
		if err != nil {
			return Unchanged, err
		}
		prevVal, _ := dstBlock.Get("v")
		prevInt, _ := AsInt64(prevVal)
		dstBlock.Set("v", NumberFromInt64(next))

		if prevInt == next {
			return Unchanged, nil
		}
		return Changed, nil
	}
}

func noopOp() OperationFunc {
	return func(_, _ *ModelIR) (OperationResult, error) { return Unchanged, nil }
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestOrchestratorFiveNodeScenario reproduces a worked five-node
// scenario: nodes a,b,c,d,e wired by t1..t4, triggered from e, must
// settle at a=0, b=1, c=2, d=4, e=10 after one round.
func TestOrchestratorFiveNodeScenario(t *testing.T) {
	a := newCounterNode(t, "a", 0)
	b := newCounterNode(t, "b", 0)
	c := newCounterNode(t, "c", 0)
	d := newCounterNode(t, "d", 0)
	e := newCounterNode(t, "e", 10)

	na, nb, nc, nd, ne := NewNode(a), NewNode(b), NewNode(c), NewNode(d), NewNode(e)

	t1 := &Translation{Name: "t1", From: na, To: nb, Operations: []Operation{
		{Name: "delta1", Forward: intOp(func(v int64) int64 { return v + 1 }), Reverse: intOp(func(v int64) int64 { return v - 1 })},
	}}
	t2 := &Translation{Name: "t2", From: nb, To: nc, Operations: []Operation{
		{Name: "scale2", Forward: intOp(func(v int64) int64 { return v * 2 }), Reverse: intOp(func(v int64) int64 { return v / 2 })},
	}}
	t3 := &Translation{Name: "t3", From: nb, To: ne, Operations: []Operation{
		{Name: "scale10", Forward: intOp(func(v int64) int64 { return v * 10 }), Reverse: intOp(func(v int64) int64 { return v / 10 })},
	}}
	t4 := &Translation{Name: "t4", From: nc, To: nd, Operations: []Operation{
		{Name: "noop", Forward: noopOp(), Reverse: noopOp()},
		{Name: "scale2", Forward: intOp(func(v int64) int64 { return v * 2 }), Reverse: intOp(func(v int64) int64 { return v / 2 })},
	}}

	st := store.NewMemoryStore()
	orch, err := New([]*Translation{t1, t2, t3, t4}, WithStore(st))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer orch.Close()

	orch.TriggerWatchForModel("e")

	waitFor(t, 2*time.Second, func() bool {
		rounds, err := st.RecentRounds(context.Background(), 1)
		return err == nil && len(rounds) == 1
	})

	if got := a.value(); got != 0 {
		t.Errorf("a = %d, want 0", got)
	}
	if got := b.value(); got != 1 {
		t.Errorf("b = %d, want 1", got)
	}
	if got := c.value(); got != 2 {
		t.Errorf("c = %d, want 2", got)
	}
	if got := d.value(); got != 4 {
		t.Errorf("d = %d, want 4", got)
	}
	if got := e.value(); got != 10 {
		t.Errorf("e = %d, want 10", got)
	}

	rounds, err := st.RecentRounds(context.Background(), 1)
	if err != nil || len(rounds) != 1 {
		t.Fatalf("RecentRounds: %v, %v", rounds, err)
	}
	record := rounds[0]
	wantChanged := map[string]bool{"b": true, "c": true, "d": true}
	if len(record.Changed) != len(wantChanged) {
		t.Fatalf("Changed = %v, want exactly %v", record.Changed, wantChanged)
	}
	for _, id := range record.Changed {
		if !wantChanged[id] {
			t.Errorf("unexpected changed node %q", id)
		}
	}
	if len(record.Visited) != 5 {
		t.Errorf("Visited = %v, want all 5 nodes", record.Visited)
	}
}

// TestOrchestratorAllUnchangedSaturatesOneRound covers the case where
// every operation reports Unchanged: the visited set saturates in
// exactly one round and changed_nodes stays empty.
func TestOrchestratorAllUnchangedSaturatesOneRound(t *testing.T) {
	a := newCounterNode(t, "a", 0)
	b := newCounterNode(t, "b", 0)
	na, nb := NewNode(a), NewNode(b)

	t1 := &Translation{Name: "t1", From: na, To: nb, Operations: []Operation{
		{Name: "noop", Forward: noopOp(), Reverse: noopOp()},
	}}

	st := store.NewMemoryStore()
	orch, err := New([]*Translation{t1}, WithStore(st))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer orch.Close()

	orch.TriggerWatchForModel("a")

	waitFor(t, 2*time.Second, func() bool {
		rounds, err := st.RecentRounds(context.Background(), 1)
		return err == nil && len(rounds) == 1
	})

	rounds, _ := st.RecentRounds(context.Background(), 1)
	record := rounds[0]
	if len(record.Changed) != 0 {
		t.Errorf("Changed = %v, want none", record.Changed)
	}
	if len(record.Visited) != 2 {
		t.Errorf("Visited = %v, want both nodes", record.Visited)
	}
}

func TestValidationRejectsSameInstance(t *testing.T) {
	msg := recoverPanicMessage(t, func() {
		a := NewNode(newCounterNode(t, "a", 0))
		_, _ = New([]*Translation{{Name: "t", From: a, To: a}})
	})
	if !strings.Contains(msg, "`a` & `a`") {
		t.Fatalf("panic message %q does not contain `a` & `a`", msg)
	}
}

func TestValidationRejectsSameIdentifierDifferentInstances(t *testing.T) {
	msg := recoverPanicMessage(t, func() {
		a1 := NewNode(newCounterNodeAt("a", filepath.Join(t.TempDir(), "a1.json"), 0))
		a2 := NewNode(newCounterNodeAt("a", filepath.Join(t.TempDir(), "a2.json"), 0))
		_, _ = New([]*Translation{{Name: "t", From: a1, To: a2}})
	})
	if !strings.Contains(msg, "`a` == `a`") {
		t.Fatalf("panic message %q does not contain `a` == `a`", msg)
	}
}

func TestValidationRejectsDuplicateIdentifier(t *testing.T) {
	msg := recoverPanicMessage(t, func() {
		a := NewNode(newCounterNode(t, "a", 0))
		b1 := NewNode(newCounterNode(t, "b", 0))
		c := NewNode(newCounterNode(t, "c", 0))
		b2 := NewNode(newCounterNode(t, "b", 0))
		_, _ = New([]*Translation{
			{Name: "t1", From: a, To: b1},
			{Name: "t2", From: b2, To: c},
		})
	})
	if !strings.Contains(msg, "Duplicate model identifier detected: `b`") {
		t.Fatalf("panic message %q does not contain the duplicate-identifier diagnostic", msg)
	}
}

func TestValidationRejectsDuplicateFilename(t *testing.T) {
	msg := recoverPanicMessage(t, func() {
		shared := "a.txt"
		x := NewNode(newCounterNodeAt("x", shared, 0))
		y := NewNode(newCounterNodeAt("y", shared, 0))
		_, _ = New([]*Translation{{Name: "t", From: x, To: y}})
	})
	if !strings.Contains(msg, "Duplicate filename detected: `a.txt`") {
		t.Fatalf("panic message %q does not contain the duplicate-filename diagnostic", msg)
	}
}

// conflictingNode is an in-memory Exchangeable whose foreign "v" can
// disagree with whatever is already on disk, exercising the
// ConflictChecker/ConflictResolverHook startup handshake.
type conflictingNode struct {
	id       string
	filename string
	remoteV  int64
}

func newConflictingNode(t *testing.T, id string, localV, remoteV int64) *conflictingNode {
	t.Helper()
	filename := filepath.Join(t.TempDir(), id+".sedaroml.json")
	seedIRFile(t, filename, localV)
	return &conflictingNode{id: id, filename: filename, remoteV: remoteV}
}

func seedIRFile(t *testing.T, filename string, v int64) {
	t.Helper()
	ir := NewModelIR()
	block := omap.New[any]()
	block.Set("v", NumberFromInt64(v))
	ir.Blocks.Set("i", block)
	f, err := os.Create(filename)
	if err != nil {
		t.Fatalf("seedIRFile: %v", err)
	}
	defer f.Close()
	if err := EncodeModelIR(f, ir); err != nil {
		t.Fatalf("seedIRFile: %v", err)
	}
}

func (c *conflictingNode) Identifier() string       { return c.id }
func (c *conflictingNode) SedaromlFilename() string { return c.filename }

func (c *conflictingNode) Read() (*ModelIR, error) {
	ir := NewModelIR()
	block := omap.New[any]()
	block.Set("v", NumberFromInt64(c.remoteV))
	ir.Blocks.Set("i", block)
	return ir, nil
}

func (c *conflictingNode) Write(ir *ModelIR) error { return nil }

func (c *conflictingNode) CheckConflict() (*ModelDiff, error) {
	local, err := readIRFile(c.filename)
	if err != nil {
		return nil, err
	}
	remote, err := c.Read()
	if err != nil {
		return nil, err
	}
	diff := Diff(local, remote)
	if diff.IsEmpty() {
		return nil, nil
	}
	return diff, nil
}

func (c *conflictingNode) ResolveConflict(resolution ConflictResolution) (*ModelIR, error) {
	switch resolution {
	case UpdateRep:
		return c.Read()
	case KeepRep:
		return readIRFile(c.filename)
	default:
		return nil, fmt.Errorf("unknown resolution %v", resolution)
	}
}

func TestOrchestratorResolvesStartupConflictUpdateRep(t *testing.T) {
	conflicting := newConflictingNode(t, "x", 1, 99)
	plain := newCounterNode(t, "y", 0)
	nx, ny := NewNode(conflicting), NewNode(plain)

	t1 := &Translation{Name: "t", From: nx, To: ny, Operations: []Operation{
		{Name: "noop", Forward: noopOp(), Reverse: noopOp()},
	}}

	orch, err := New([]*Translation{t1}, WithConflictResolver(func(_ string, _ *ModelDiff) ConflictResolution {
		return UpdateRep
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer orch.Close()

	ir, err := readIRFile(conflicting.filename)
	if err != nil {
		t.Fatalf("readIRFile: %v", err)
	}
	block, err := ir.BlockByID("i")
	if err != nil {
		t.Fatalf("BlockByID: %v", err)
	}
	v, _ := block.Get("v")
	got, _ := AsInt64(v)
	if got != 99 {
		t.Errorf("after UpdateRep, local disk v = %d, want 99 (remote)", got)
	}
}

func TestOrchestratorResolvesStartupConflictKeepRep(t *testing.T) {
	conflicting := newConflictingNode(t, "x", 1, 99)
	plain := newCounterNode(t, "y", 0)
	nx, ny := NewNode(conflicting), NewNode(plain)

	t1 := &Translation{Name: "t", From: nx, To: ny, Operations: []Operation{
		{Name: "noop", Forward: noopOp(), Reverse: noopOp()},
	}}

	orch, err := New([]*Translation{t1}, WithConflictResolver(func(_ string, _ *ModelDiff) ConflictResolution {
		return KeepRep
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer orch.Close()

	ir, err := readIRFile(conflicting.filename)
	if err != nil {
		t.Fatalf("readIRFile: %v", err)
	}
	block, err := ir.BlockByID("i")
	if err != nil {
		t.Fatalf("BlockByID: %v", err)
	}
	v, _ := block.Get("v")
	got, _ := AsInt64(v)
	if got != 1 {
		t.Errorf("after KeepRep, local disk v = %d, want 1 (kept local)", got)
	}
}

func TestOrchestratorMissingConflictResolverIsFatal(t *testing.T) {
	conflicting := newConflictingNode(t, "x", 1, 99)
	plain := newCounterNode(t, "y", 0)
	nx, ny := NewNode(conflicting), NewNode(plain)

	t1 := &Translation{Name: "t", From: nx, To: ny, Operations: []Operation{
		{Name: "noop", Forward: noopOp(), Reverse: noopOp()},
	}}

	msg := recoverPanicMessage(t, func() {
		_, _ = New([]*Translation{t1})
	})
	if !strings.Contains(msg, "node reported a conflict but no conflict resolver is configured") {
		t.Fatalf("panic message %q does not mention the missing resolver", msg)
	}
}

func recoverPanicMessage(t *testing.T, fn func()) (msg string) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a panic, got none")
		}
		msg = fmt.Sprint(r)
	}()
	fn()
	return ""
}
