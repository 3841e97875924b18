// Package depgraph records which cells each formula reads and answers the
// reverse question, which formulas read a given cell, through one spatial
// index per worksheet.
package depgraph

import (
	"iter"
	"maps"
	"slices"

	"github.com/vogtb/go-recalc/packages/address"
	"github.com/vogtb/go-recalc/packages/spatial"
)

// Graph stores precedent ranges per formula cell (the owner) and indexes
// them by the worksheet they point at.
type Graph struct {
	opts spatial.Options

	// precedent worksheet ID -> index of (range, owner)
	indexes map[uint32]*spatial.Index[address.Cell]

	// owner -> deduplicated precedent ranges
	precedents map[address.Cell][]address.Range

	// worksheet ID -> owners living on that worksheet
	owners map[uint32]map[address.Cell]struct{}
}

// ShiftResult reports the owners touched by a structural edit. Every
// address is expressed after the edit.
type ShiftResult struct {
	// Broken owners lost at least one precedent; their edges are cleared.
	Broken []address.Cell
	// Changed owners had a precedent moved or resized, or lost cells
	// inside a precedent whose bounds did not change.
	Changed []address.Cell
	// Moved maps an owner's address before the edit to its address after.
	Moved map[address.Cell]address.Cell
	// Removed owners lived in the deleted lines.
	Removed []address.Cell
}

// New creates an empty graph whose indexes use opts.
func New(opts spatial.Options) *Graph {
	return &Graph{
		opts:       opts,
		indexes:    make(map[uint32]*spatial.Index[address.Cell]),
		precedents: make(map[address.Cell][]address.Range),
		owners:     make(map[uint32]map[address.Cell]struct{}),
	}
}

// SetPrecedents replaces the precedent set of owner, touching only the
// index entries that actually changed.
func (g *Graph) SetPrecedents(owner address.Cell, ranges []address.Range) {
	next := dedupe(ranges)
	prev := g.precedents[owner]

	keep := make(map[address.Range]struct{}, len(next))
	for _, r := range next {
		keep[r] = struct{}{}
	}
	had := make(map[address.Range]struct{}, len(prev))
	for _, r := range prev {
		had[r] = struct{}{}
		if _, ok := keep[r]; !ok {
			g.index(r.WorksheetID).Remove(r, owner)
		}
	}
	for _, r := range next {
		if _, ok := had[r]; !ok {
			g.index(r.WorksheetID).Insert(r, owner)
		}
	}

	if len(next) == 0 {
		g.forget(owner)
		return
	}
	g.precedents[owner] = next
	g.ownerSet(owner.WorksheetID)[owner] = struct{}{}
}

// ClearPrecedents removes every edge of owner.
func (g *Graph) ClearPrecedents(owner address.Cell) {
	for _, r := range g.precedents[owner] {
		if ix, ok := g.indexes[r.WorksheetID]; ok {
			ix.Remove(r, owner)
		}
	}
	g.forget(owner)
}

// Precedents returns a copy of the precedent ranges of owner.
func (g *Graph) Precedents(owner address.Cell) []address.Range {
	return slices.Clone(g.precedents[owner])
}

// FindDirectDependents returns the owners with a precedent range covering
// the cell, each once, in row-major order.
func (g *Graph) FindDirectDependents(c address.Cell) []address.Cell {
	ix, ok := g.indexes[c.WorksheetID]
	if !ok {
		return nil
	}
	return collect(ix.Contains(c))
}

// FindDependentsOfRange returns the owners with a precedent range
// overlapping r.
func (g *Graph) FindDependentsOfRange(r address.Range) []address.Cell {
	ix, ok := g.indexes[r.WorksheetID]
	if !ok {
		return nil
	}
	return collect(ix.Intersects(r))
}

// OnSheetDeleted drops every edge pointing at the worksheet and every edge
// of formulas living on it. It returns the owners on other worksheets that
// referenced the deleted one.
func (g *Graph) OnSheetDeleted(worksheetID uint32) []address.Cell {
	var referencing []address.Cell
	if ix, ok := g.indexes[worksheetID]; ok {
		seen := make(map[address.Cell]struct{})
		for _, owner := range ix.All() {
			if _, dup := seen[owner]; dup {
				continue
			}
			seen[owner] = struct{}{}
			if owner.WorksheetID != worksheetID {
				referencing = append(referencing, owner)
			}
		}
	}

	for _, owner := range referencing {
		g.ClearPrecedents(owner)
	}
	for owner := range g.owners[worksheetID] {
		g.ClearPrecedents(owner)
	}
	delete(g.indexes, worksheetID)
	delete(g.owners, worksheetID)

	slices.SortFunc(referencing, address.Cell.Compare)
	return referencing
}

// OnStructuralShift applies a row or column insert (delta > 0) or delete
// (delta < 0) at pivot on one worksheet: precedent ranges pointing at the
// worksheet are translated, and owners living on it are re-keyed.
func (g *Graph) OnStructuralShift(worksheetID uint32, axis address.Axis, pivot uint32, delta int) ShiftResult {
	res := ShiftResult{Moved: make(map[address.Cell]address.Cell)}
	if delta == 0 {
		return res
	}

	broken := make(map[address.Cell]struct{})
	changed := make(map[address.Cell]struct{})
	if ix, ok := g.indexes[worksheetID]; ok {
		// ranges reaching into deleted or pushed-off lines lose cells even
		// when their bounds stay put, as A:A does
		var touched []address.Cell
		if strip, ok := lostLines(worksheetID, axis, pivot, delta); ok {
			touched = collect(ix.Intersects(strip))
		}
		var moves []spatial.Move[address.Cell]
		if axis == address.Columns {
			moves = ix.ShiftColumns(pivot, delta)
		} else {
			moves = ix.ShiftRows(pivot, delta)
		}
		byOwner := make(map[address.Cell]map[address.Range]spatial.Move[address.Cell])
		for _, m := range moves {
			if byOwner[m.Owner] == nil {
				byOwner[m.Owner] = make(map[address.Range]spatial.Move[address.Cell])
			}
			byOwner[m.Owner][m.Old] = m
		}
		for owner, updates := range byOwner {
			var next []address.Range
			seen := make(map[address.Range]struct{})
			for _, r := range g.precedents[owner] {
				if m, ok := updates[r]; ok {
					if m.Dropped {
						broken[owner] = struct{}{}
						continue
					}
					r = m.New
				}
				if _, dup := seen[r]; dup {
					// two ranges collapsed onto each other
					ix.Remove(r, owner)
					continue
				}
				seen[r] = struct{}{}
				next = append(next, r)
			}
			g.precedents[owner] = next
			if _, ok := broken[owner]; !ok {
				changed[owner] = struct{}{}
			}
		}
		for _, owner := range touched {
			if _, ok := broken[owner]; !ok {
				changed[owner] = struct{}{}
			}
		}
	}
	for owner := range broken {
		g.ClearPrecedents(owner)
	}

	// re-key owners living on the shifted worksheet in two passes so that
	// an owner moving onto the old address of another is not clobbered
	type relocation struct {
		to     address.Cell
		ranges []address.Range
	}
	var relocations []relocation
	removed := make(map[address.Cell]struct{})
	for owner := range g.owners[worksheetID] {
		next, ok := owner.Shifted(axis, pivot, delta)
		if !ok {
			removed[owner] = struct{}{}
			continue
		}
		if next == owner {
			continue
		}
		res.Moved[owner] = next
		relocations = append(relocations, relocation{to: next, ranges: g.precedents[owner]})
		g.ClearPrecedents(owner)
	}
	for owner := range removed {
		g.ClearPrecedents(owner)
	}
	for _, rel := range relocations {
		g.SetPrecedents(rel.to, rel.ranges)
	}

	// broken owners on the shifted worksheet move too
	for owner := range broken {
		if owner.WorksheetID != worksheetID {
			continue
		}
		if next, ok := owner.Shifted(axis, pivot, delta); ok && next != owner {
			res.Moved[owner] = next
		} else if !ok {
			removed[owner] = struct{}{}
		}
	}

	translate := func(set map[address.Cell]struct{}) []address.Cell {
		out := make([]address.Cell, 0, len(set))
		for owner := range set {
			if _, gone := removed[owner]; gone {
				continue
			}
			if next, ok := res.Moved[owner]; ok {
				owner = next
			}
			out = append(out, owner)
		}
		slices.SortFunc(out, address.Cell.Compare)
		return out
	}
	res.Broken = translate(broken)
	res.Changed = translate(changed)
	res.Removed = slices.SortedFunc(maps.Keys(removed), address.Cell.Compare)
	return res
}

// lostLines returns the strip of lines whose cells an edit destroys: the
// deleted lines, or the lines an insert pushes off the grid.
func lostLines(worksheetID uint32, axis address.Axis, pivot uint32, delta int) (address.Range, bool) {
	limit := int64(axis.Limit())
	var first, last int64
	if delta < 0 {
		first, last = int64(pivot), min(int64(pivot)-int64(delta)-1, limit)
	} else {
		first, last = max(limit-int64(delta)+1, int64(pivot), 1), limit
	}
	if first < 1 || first > last {
		return address.Range{}, false
	}
	if axis == address.Columns {
		return address.EntireColumns(worksheetID, uint32(first), uint32(last)), true
	}
	return address.EntireRows(worksheetID, uint32(first), uint32(last)), true
}

// OwnerCount returns the number of formula cells holding at least one edge.
func (g *Graph) OwnerCount() int {
	return len(g.precedents)
}

// EdgeCount returns the number of stored (range, owner) pairs.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, ix := range g.indexes {
		n += ix.Len()
	}
	return n
}

func (g *Graph) index(worksheetID uint32) *spatial.Index[address.Cell] {
	ix, ok := g.indexes[worksheetID]
	if !ok {
		ix = spatial.New[address.Cell](g.opts)
		g.indexes[worksheetID] = ix
	}
	return ix
}

func (g *Graph) ownerSet(worksheetID uint32) map[address.Cell]struct{} {
	set, ok := g.owners[worksheetID]
	if !ok {
		set = make(map[address.Cell]struct{})
		g.owners[worksheetID] = set
	}
	return set
}

func (g *Graph) forget(owner address.Cell) {
	delete(g.precedents, owner)
	if set, ok := g.owners[owner.WorksheetID]; ok {
		delete(set, owner)
	}
}

func dedupe(ranges []address.Range) []address.Range {
	seen := make(map[address.Range]struct{}, len(ranges))
	out := make([]address.Range, 0, len(ranges))
	for _, r := range ranges {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func collect(owners iter.Seq[address.Cell]) []address.Cell {
	seen := make(map[address.Cell]struct{})
	var out []address.Cell
	for owner := range owners {
		if _, ok := seen[owner]; ok {
			continue
		}
		seen[owner] = struct{}{}
		out = append(out, owner)
	}
	slices.SortFunc(out, address.Cell.Compare)
	return out
}
