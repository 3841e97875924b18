// Package spatial indexes rectangular ranges of one worksheet so that the
// ranges covering a cell, or overlapping another range, can be found
// without scanning every stored range.
//
// The index is a quadtree over the worksheet grid. The root cuts the grid
// into bands (by default 64 row bands of 16384 rows, giving square
// 16384 x 16384 children); every deeper node halves its rows and its
// columns until it reaches the minimum node size. A range lives at the
// shallowest node whose box contains it completely, so large ranges such
// as A:A stay near the root and small ranges sink to the leaves.
//
// An Index is not safe for concurrent use.
package spatial

import (
	"iter"
	"sort"

	"github.com/vogtb/go-recalc/packages/address"
)

// Options tunes the fan-out of the tree.
type Options struct {
	RootRowBands    uint32 `json:"root_row_bands" yaml:"root_row_bands" toml:"root_row_bands" validate:"required,min=1,max=4096"`
	RootColumnBands uint32 `json:"root_column_bands" yaml:"root_column_bands" toml:"root_column_bands" validate:"required,min=1,max=1024"`
	MinNodeRows     uint32 `json:"min_node_rows" yaml:"min_node_rows" toml:"min_node_rows" validate:"required,min=1"`
	MinNodeColumns  uint32 `json:"min_node_columns" yaml:"min_node_columns" toml:"min_node_columns" validate:"required,min=1"`
}

// DefaultOptions returns the fan-out used when none is configured.
func DefaultOptions() Options {
	return Options{
		RootRowBands:    64,
		RootColumnBands: 1,
		MinNodeRows:     32,
		MinNodeColumns:  32,
	}
}

// Move describes what a structural shift did to one stored entry.
type Move[T comparable] struct {
	Owner   T
	Old     address.Range
	New     address.Range
	Dropped bool
}

type span struct {
	lo, hi uint32
}

func (s span) size() uint32 {
	return s.hi - s.lo + 1
}

type entry[T comparable] struct {
	rng   address.Range
	owner T
}

type node[T comparable] struct {
	rows, cols span

	// nil for leaves
	rowSplits []span
	colSplits []span
	children  []*node[T]

	entries []entry[T]
	count   int // entries in this subtree
}

// Index maps ranges of a single worksheet to owners. The same owner may be
// stored with several ranges, and the same (range, owner) pair may be
// stored more than once.
type Index[T comparable] struct {
	opts Options
	root *node[T]
}

// New creates an empty index. Zero fields of opts fall back to the
// defaults.
func New[T comparable](opts Options) *Index[T] {
	def := DefaultOptions()
	if opts.RootRowBands == 0 {
		opts.RootRowBands = def.RootRowBands
	}
	if opts.RootColumnBands == 0 {
		opts.RootColumnBands = def.RootColumnBands
	}
	if opts.MinNodeRows == 0 {
		opts.MinNodeRows = def.MinNodeRows
	}
	if opts.MinNodeColumns == 0 {
		opts.MinNodeColumns = def.MinNodeColumns
	}

	rows := span{1, address.MaxRows}
	cols := span{1, address.MaxColumns}
	root := &node[T]{
		rows:      rows,
		cols:      cols,
		rowSplits: bands(rows, opts.RootRowBands),
		colSplits: bands(cols, opts.RootColumnBands),
	}
	root.children = make([]*node[T], len(root.rowSplits)*len(root.colSplits))
	return &Index[T]{opts: opts, root: root}
}

// Len returns the number of stored entries.
func (ix *Index[T]) Len() int {
	return ix.root.count
}

// Insert stores the range for owner.
func (ix *Index[T]) Insert(r address.Range, owner T) {
	n := ix.root
	for {
		n.count++
		i := n.childFor(r)
		if i < 0 {
			n.entries = append(n.entries, entry[T]{rng: r, owner: owner})
			return
		}
		if n.children[i] == nil {
			n.children[i] = ix.newChild(n, i)
		}
		n = n.children[i]
	}
}

// Remove deletes one entry matching both range and owner. It reports
// whether an entry was found.
func (ix *Index[T]) Remove(r address.Range, owner T) bool {
	path := make([]*node[T], 0, 16)
	n := ix.root
	for n != nil {
		path = append(path, n)
		i := n.childFor(r)
		if i < 0 {
			break
		}
		n = n.children[i]
	}
	if n == nil {
		return false
	}

	for k, e := range n.entries {
		if e.rng == r && e.owner == owner {
			last := len(n.entries) - 1
			n.entries[k] = n.entries[last]
			n.entries[last] = entry[T]{}
			n.entries = n.entries[:last]
			for _, p := range path {
				p.count--
			}
			return true
		}
	}
	return false
}

// Contains yields the owner of every stored range containing the cell.
// An owner stored with several matching ranges is yielded once per range.
func (ix *Index[T]) Contains(c address.Cell) iter.Seq[T] {
	return func(yield func(T) bool) {
		n := ix.root
		for n != nil && n.count > 0 {
			for _, e := range n.entries {
				if e.rng.StartRow <= c.Row && c.Row <= e.rng.EndRow &&
					e.rng.StartColumn <= c.Column && c.Column <= e.rng.EndColumn {
					if !yield(e.owner) {
						return
					}
				}
			}
			if n.rowSplits == nil {
				return
			}
			i := findSpan(n.rowSplits, c.Row, c.Row)
			j := findSpan(n.colSplits, c.Column, c.Column)
			if i < 0 || j < 0 {
				return
			}
			n = n.children[i*len(n.colSplits)+j]
		}
	}
}

// Intersects yields the owner of every stored range that shares at least
// one cell with q.
func (ix *Index[T]) Intersects(q address.Range) iter.Seq[T] {
	return func(yield func(T) bool) {
		ix.visit(ix.root, q, func(e entry[T]) bool {
			return yield(e.owner)
		})
	}
}

// All yields every stored entry.
func (ix *Index[T]) All() iter.Seq2[address.Range, T] {
	return func(yield func(address.Range, T) bool) {
		q := address.NewRange(0, 1, 1, address.MaxRows, address.MaxColumns)
		ix.visit(ix.root, q, func(e entry[T]) bool {
			return yield(e.rng, e.owner)
		})
	}
}

// ShiftRows applies a row insert (delta > 0) or delete (delta < 0) at
// pivot to every stored range. Dropped entries are removed from the index.
func (ix *Index[T]) ShiftRows(pivot uint32, delta int) []Move[T] {
	return ix.shift(address.Rows, pivot, delta)
}

// ShiftColumns is ShiftRows for columns.
func (ix *Index[T]) ShiftColumns(pivot uint32, delta int) []Move[T] {
	return ix.shift(address.Columns, pivot, delta)
}

func (ix *Index[T]) shift(axis address.Axis, pivot uint32, delta int) []Move[T] {
	if delta == 0 || pivot == 0 || pivot > axis.Limit() {
		return nil
	}

	// only ranges reaching pivot or beyond can move
	q := address.EntireRows(0, pivot, address.MaxRows)
	if axis == address.Columns {
		q = address.EntireColumns(0, pivot, address.MaxColumns)
	}
	var affected []entry[T]
	ix.visit(ix.root, q, func(e entry[T]) bool {
		affected = append(affected, e)
		return true
	})

	var moves []Move[T]
	for _, e := range affected {
		next, ok := e.rng.Shifted(axis, pivot, delta)
		if ok && next == e.rng {
			continue
		}
		ix.Remove(e.rng, e.owner)
		if !ok {
			moves = append(moves, Move[T]{Owner: e.owner, Old: e.rng, Dropped: true})
			continue
		}
		ix.Insert(next, e.owner)
		moves = append(moves, Move[T]{Owner: e.owner, Old: e.rng, New: next})
	}
	return moves
}

// visit walks every entry intersecting q (ignoring worksheet IDs) and stops
// when fn returns false.
func (ix *Index[T]) visit(n *node[T], q address.Range, fn func(entry[T]) bool) bool {
	if n == nil || n.count == 0 {
		return true
	}
	for _, e := range n.entries {
		if e.rng.StartRow <= q.EndRow && q.StartRow <= e.rng.EndRow &&
			e.rng.StartColumn <= q.EndColumn && q.StartColumn <= e.rng.EndColumn {
			if !fn(e) {
				return false
			}
		}
	}
	if n.rowSplits == nil {
		return true
	}
	rlo, rhi := overlapping(n.rowSplits, q.StartRow, q.EndRow)
	clo, chi := overlapping(n.colSplits, q.StartColumn, q.EndColumn)
	for i := rlo; i < rhi; i++ {
		for j := clo; j < chi; j++ {
			if !ix.visit(n.children[i*len(n.colSplits)+j], q, fn) {
				return false
			}
		}
	}
	return true
}

func (ix *Index[T]) newChild(parent *node[T], i int) *node[T] {
	rows := parent.rowSplits[i/len(parent.colSplits)]
	cols := parent.colSplits[i%len(parent.colSplits)]
	n := &node[T]{rows: rows, cols: cols}
	rs := halve(rows, ix.opts.MinNodeRows)
	cs := halve(cols, ix.opts.MinNodeColumns)
	if len(rs) == 1 && len(cs) == 1 {
		return n
	}
	n.rowSplits, n.colSplits = rs, cs
	n.children = make([]*node[T], len(rs)*len(cs))
	return n
}

// childFor returns the index of the child whose box contains r, or -1 if
// r must live on n itself.
func (n *node[T]) childFor(r address.Range) int {
	if n.rowSplits == nil {
		return -1
	}
	i := findSpan(n.rowSplits, r.StartRow, r.EndRow)
	j := findSpan(n.colSplits, r.StartColumn, r.EndColumn)
	if i < 0 || j < 0 {
		return -1
	}
	return i*len(n.colSplits) + j
}

// findSpan returns the span containing [lo, hi], or -1.
func findSpan(spans []span, lo, hi uint32) int {
	i := sort.Search(len(spans), func(k int) bool { return spans[k].hi >= lo })
	if i < len(spans) && spans[i].lo <= lo && hi <= spans[i].hi {
		return i
	}
	return -1
}

// overlapping returns the half-open index interval of spans meeting [lo, hi].
func overlapping(spans []span, lo, hi uint32) (int, int) {
	start := sort.Search(len(spans), func(k int) bool { return spans[k].hi >= lo })
	end := sort.Search(len(spans), func(k int) bool { return spans[k].lo > hi })
	return start, end
}

func bands(s span, parts uint32) []span {
	parts = max(1, min(parts, s.size()))
	width := (s.size() + parts - 1) / parts
	out := make([]span, 0, parts)
	for lo := s.lo; lo <= s.hi; lo += width {
		out = append(out, span{lo, min(lo+width-1, s.hi)})
		if s.hi-lo < width {
			break
		}
	}
	return out
}

func halve(s span, minSize uint32) []span {
	if s.size() <= minSize || s.size() < 2 {
		return []span{s}
	}
	mid := s.lo + (s.hi-s.lo)/2
	return []span{{s.lo, mid}, {mid + 1, s.hi}}
}
