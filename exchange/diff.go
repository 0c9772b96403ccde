package exchange

import "github.com/sebastianwelsh/modex/exchange/omap"

// BlockDiff describes how one block's fields changed between two
// ModelIR snapshots. Added and Updated preserve the order fields were
// encountered while walking the new block; Removed preserves the order
// fields were encountered while walking the old block.
type BlockDiff struct {
	Added   *omap.Map[any]
	Removed *omap.Map[any]
	Updated *omap.Map[any]
}

func newBlockDiff() *BlockDiff {
	return &BlockDiff{Added: omap.New[any](), Removed: omap.New[any](), Updated: omap.New[any]()}
}

// IsEmpty reports whether this BlockDiff records no field changes.
func (bd *BlockDiff) IsEmpty() bool {
	return bd.Added.Len() == 0 && bd.Removed.Len() == 0 && bd.Updated.Len() == 0
}

// ModelDiff describes how one Node's ModelIR changed between two
// snapshots: changes to the root field map, plus per-block field diffs
// for every block that was added, removed, or had at least one field
// change.
//
// AddedBlocks, RemovedBlocks, and UpdatedBlocks preserve the order
// blocks were encountered while walking the new (added/updated) or old
// (removed) ModelIR's Blocks map.
type ModelDiff struct {
	RootDiff      *BlockDiff
	AddedBlocks   *omap.Map[*Block]
	RemovedBlocks *omap.Map[*Block]
	UpdatedBlocks *omap.Map[*BlockDiff]
}

func newModelDiff() *ModelDiff {
	return &ModelDiff{
		RootDiff:      newBlockDiff(),
		AddedBlocks:   omap.New[*Block](),
		RemovedBlocks: omap.New[*Block](),
		UpdatedBlocks: omap.New[*BlockDiff](),
	}
}

// IsEmpty reports whether diff records no changes at all. The round
// loop does not consult it: whether a destination changed is decided by
// its Operations' OperationResult.
func (d *ModelDiff) IsEmpty() bool {
	return d.RootDiff.IsEmpty() && d.AddedBlocks.Len() == 0 &&
		d.RemovedBlocks.Len() == 0 && d.UpdatedBlocks.Len() == 0
}

// diffBlock compares old and new field maps of the same block (or of two
// root maps), walking new's fields first (to populate Added/Updated in
// new's order) and then old's fields (to populate Removed in old's
// order).
func diffBlock(old, new *Block) *BlockDiff {
	bd := newBlockDiff()

	new.Range(func(key string, newVal any) bool {
		oldVal, existed := old.Get(key)
		switch {
		case !existed:
			bd.Added.Set(key, newVal)
		case !ValuesEqual(oldVal, newVal):
			bd.Updated.Set(key, newVal)
		}
		return true
	})

	old.Range(func(key string, oldVal any) bool {
		if !new.Has(key) {
			bd.Removed.Set(key, oldVal)
		}
		return true
	})

	return bd
}

// Diff computes the ModelDiff needed to turn old into new: applying it
// to old via ApplyDiff reproduces new.
func Diff(old, new *ModelIR) *ModelDiff {
	d := newModelDiff()
	d.RootDiff = diffBlock(old.Root, new.Root)

	new.Blocks.Range(func(id string, newBlock *Block) bool {
		oldBlock, existed := old.Blocks.Get(id)
		if !existed {
			d.AddedBlocks.Set(id, newBlock)
			return true
		}
		bd := diffBlock(oldBlock, newBlock)
		if !bd.IsEmpty() {
			d.UpdatedBlocks.Set(id, bd)
		}
		return true
	})

	old.Blocks.Range(func(id string, oldBlock *Block) bool {
		if !new.Blocks.Has(id) {
			d.RemovedBlocks.Set(id, oldBlock)
		}
		return true
	})

	return d
}

// applyBlockDiff mutates block in place: removed fields are deleted
// first, then updated fields are overwritten, then added fields are
// appended. Removing before updating/adding means a field that was
// removed and then re-added under the same key in the same diff ends up
// present (an edge case Diff itself never produces, but ApplyDiff stays
// well-defined for hand-built diffs too).
func applyBlockDiff(block *Block, bd *BlockDiff) {
	bd.Removed.Range(func(key string, _ any) bool {
		block.Delete(key)
		return true
	})
	bd.Updated.Range(func(key string, val any) bool {
		block.Set(key, val)
		return true
	})
	bd.Added.Range(func(key string, val any) bool {
		block.Set(key, val)
		return true
	})
}

// ApplyDiff mutates ir in place so that it matches the ModelIR diff was
// computed from (the "new" snapshot passed to Diff). Blocks are removed
// first, then existing blocks are updated, then added blocks are
// inserted, matching applyBlockDiff's field-level ordering.
func ApplyDiff(ir *ModelIR, diff *ModelDiff) {
	applyBlockDiff(ir.Root, diff.RootDiff)

	diff.RemovedBlocks.Range(func(id string, _ *Block) bool {
		ir.Blocks.Delete(id)
		return true
	})
	diff.UpdatedBlocks.Range(func(id string, bd *BlockDiff) bool {
		if block, ok := ir.Blocks.Get(id); ok {
			applyBlockDiff(block, bd)
		}
		return true
	})
	diff.AddedBlocks.Range(func(id string, block *Block) bool {
		ir.Blocks.Set(id, block)
		return true
	})
}
