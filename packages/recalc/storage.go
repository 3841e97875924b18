package recalc

import (
	"iter"
	"math/bits"
	"slices"

	"github.com/vogtb/go-recalc/packages/address"
	"github.com/vogtb/go-recalc/packages/value"
)

// Storage holds raw cell values. The engine reads it for plain value
// cells and writes it on WriteValue.
//
// A Storage that also implements SheetDeleter or Shifter is kept in step
// with OnSheetDeleted and OnStructuralShift.
type Storage interface {
	GetRawValue(c address.Cell) value.Primitive
	// SetRawValue stores v; a nil v empties the cell.
	SetRawValue(c address.Cell, v value.Primitive)
	// Populated yields the non-empty cells inside r.
	Populated(r address.Range) iter.Seq[address.Cell]
}

// SheetDeleter is implemented by storages that can drop a worksheet.
type SheetDeleter interface {
	DeleteSheet(worksheetID uint32)
}

// Shifter is implemented by storages that can apply structural edits.
type Shifter interface {
	Shift(worksheetID uint32, axis address.Axis, pivot uint32, delta int)
}

const (
	ChunkRows uint32 = 64                    // rows per chunk
	ChunkCols uint32 = 64                    // columns per chunk
	ChunkSize        = ChunkRows * ChunkCols // 4096 cells per chunk
)

type chunkKey struct {
	row, col uint32 // zero-based chunk coordinates
}

// chunk is a ChunkRows x ChunkCols block of cells with a bitmap marking
// the occupied slots.
type chunk struct {
	values   [ChunkSize]value.Primitive
	occupied [ChunkSize / 64]uint64
	count    int
}

type sheetStore struct {
	chunks map[chunkKey]*chunk
	count  int
}

// MemoryStore is a sparse in-memory Storage. Cells are grouped into
// 64x64 chunks so that range scans only visit populated regions.
//
// MemoryStore is not safe for concurrent use.
type MemoryStore struct {
	sheets map[uint32]*sheetStore
}

var (
	_ Storage      = (*MemoryStore)(nil)
	_ SheetDeleter = (*MemoryStore)(nil)
	_ Shifter      = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sheets: make(map[uint32]*sheetStore)}
}

func locate(c address.Cell) (chunkKey, uint32) {
	row, col := c.Row-1, c.Column-1
	key := chunkKey{row: row / ChunkRows, col: col / ChunkCols}
	return key, (row%ChunkRows)*ChunkCols + col%ChunkCols
}

// GetRawValue returns the stored value or nil.
func (m *MemoryStore) GetRawValue(c address.Cell) value.Primitive {
	s, ok := m.sheets[c.WorksheetID]
	if !ok {
		return nil
	}
	key, slot := locate(c)
	ch, ok := s.chunks[key]
	if !ok {
		return nil
	}
	return ch.values[slot]
}

// SetRawValue stores v at c. A nil v removes the cell.
func (m *MemoryStore) SetRawValue(c address.Cell, v value.Primitive) {
	v = value.Normalize(v)
	s, ok := m.sheets[c.WorksheetID]
	if !ok {
		if v == nil {
			return
		}
		s = &sheetStore{chunks: make(map[chunkKey]*chunk)}
		m.sheets[c.WorksheetID] = s
	}

	key, slot := locate(c)
	ch, ok := s.chunks[key]
	if !ok {
		if v == nil {
			return
		}
		ch = &chunk{}
		s.chunks[key] = ch
	}

	word, bit := slot/64, uint64(1)<<(slot%64)
	was := ch.occupied[word]&bit != 0
	switch {
	case v == nil && was:
		ch.values[slot] = nil
		ch.occupied[word] &^= bit
		ch.count--
		s.count--
		if ch.count == 0 {
			delete(s.chunks, key)
		}
	case v != nil:
		ch.values[slot] = v
		if !was {
			ch.occupied[word] |= bit
			ch.count++
			s.count++
		}
	}
}

// Populated yields the occupied cells inside r, chunk by chunk in
// row-major chunk order.
func (m *MemoryStore) Populated(r address.Range) iter.Seq[address.Cell] {
	return func(yield func(address.Cell) bool) {
		s, ok := m.sheets[r.WorksheetID]
		if !ok || s.count == 0 {
			return
		}
		for _, key := range s.chunksIn(r) {
			ch := s.chunks[key]
			for word, bitsSet := range ch.occupied {
				for bitsSet != 0 {
					b := uint32(bits.TrailingZeros64(bitsSet))
					bitsSet &= bitsSet - 1
					slot := uint32(word)*64 + b
					c := address.Cell{
						WorksheetID: r.WorksheetID,
						Row:         key.row*ChunkRows + slot/ChunkCols + 1,
						Column:      key.col*ChunkCols + slot%ChunkCols + 1,
					}
					if r.Contains(c) && !yield(c) {
						return
					}
				}
			}
		}
	}
}

// chunksIn returns the existing chunks overlapping r, sorted.
func (s *sheetStore) chunksIn(r address.Range) []chunkKey {
	r1, r2 := (r.StartRow-1)/ChunkRows, (r.EndRow-1)/ChunkRows
	c1, c2 := (r.StartColumn-1)/ChunkCols, (r.EndColumn-1)/ChunkCols

	var keys []chunkKey
	span := uint64(r2-r1+1) * uint64(c2-c1+1)
	if span <= uint64(len(s.chunks)) {
		for row := r1; row <= r2; row++ {
			for col := c1; col <= c2; col++ {
				if _, ok := s.chunks[chunkKey{row, col}]; ok {
					keys = append(keys, chunkKey{row, col})
				}
			}
		}
		return keys
	}
	for key := range s.chunks {
		if key.row >= r1 && key.row <= r2 && key.col >= c1 && key.col <= c2 {
			keys = append(keys, key)
		}
	}
	slices.SortFunc(keys, func(a, b chunkKey) int {
		if a.row != b.row {
			return int(a.row) - int(b.row)
		}
		return int(a.col) - int(b.col)
	})
	return keys
}

// Len returns the number of occupied cells on the worksheet.
func (m *MemoryStore) Len(worksheetID uint32) int {
	if s, ok := m.sheets[worksheetID]; ok {
		return s.count
	}
	return 0
}

// DeleteSheet drops every cell of the worksheet.
func (m *MemoryStore) DeleteSheet(worksheetID uint32) {
	delete(m.sheets, worksheetID)
}

// Shift moves cells for a row or column insert (delta > 0) or delete
// (delta < 0). Cells in deleted lines, or pushed off the grid, are lost.
func (m *MemoryStore) Shift(worksheetID uint32, axis address.Axis, pivot uint32, delta int) {
	s, ok := m.sheets[worksheetID]
	if !ok || delta == 0 {
		return
	}
	type moved struct {
		cell address.Cell
		v    value.Primitive
	}
	all := address.NewRange(worksheetID, 1, 1, address.MaxRows, address.MaxColumns)
	cells := make([]moved, 0, s.count)
	for c := range m.Populated(all) {
		cells = append(cells, moved{cell: c, v: m.GetRawValue(c)})
	}

	delete(m.sheets, worksheetID)
	for _, mv := range cells {
		if next, ok := mv.cell.Shifted(axis, pivot, delta); ok {
			m.SetRawValue(next, mv.v)
		}
	}
}
