// Package address holds the cell and range coordinates shared by the index,
// the dependency graph and the recalculation engine. Rows and columns are
// 1-based and bounded by the worksheet grid.
package address

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// Grid limits of a single worksheet.
const (
	MaxRows    uint32 = excelize.TotalRows
	MaxColumns uint32 = excelize.MaxColumns
)

// Axis selects rows or columns for structural edits.
type Axis uint8

const (
	Rows Axis = iota
	Columns
)

func (a Axis) String() string {
	if a == Columns {
		return "columns"
	}
	return "rows"
}

// Limit returns the last valid line on the axis.
func (a Axis) Limit() uint32 {
	if a == Columns {
		return MaxColumns
	}
	return MaxRows
}

// Cell addresses a single cell.
type Cell struct {
	WorksheetID uint32
	Row         uint32
	Column      uint32
}

// NewCell returns the cell at row, col on the given worksheet.
func NewCell(worksheetID, row, col uint32) Cell {
	return Cell{WorksheetID: worksheetID, Row: row, Column: col}
}

// Valid reports whether the cell lies inside the grid.
func (c Cell) Valid() bool {
	return c.Row >= 1 && c.Row <= MaxRows && c.Column >= 1 && c.Column <= MaxColumns
}

// Range returns the single-cell range covering c.
func (c Cell) Range() Range {
	return Range{
		WorksheetID: c.WorksheetID,
		StartRow:    c.Row,
		StartColumn: c.Column,
		EndRow:      c.Row,
		EndColumn:   c.Column,
	}
}

// Less orders cells by worksheet, then row, then column.
func (c Cell) Less(o Cell) bool {
	if c.WorksheetID != o.WorksheetID {
		return c.WorksheetID < o.WorksheetID
	}
	if c.Row != o.Row {
		return c.Row < o.Row
	}
	return c.Column < o.Column
}

// Compare is Less as a three-way comparison, suitable for slices.SortFunc.
func (c Cell) Compare(o Cell) int {
	switch {
	case c == o:
		return 0
	case c.Less(o):
		return -1
	default:
		return 1
	}
}

// Shifted moves the cell by a structural edit on its worksheet. It returns
// false when the edit deletes the cell or pushes it off the grid.
func (c Cell) Shifted(axis Axis, pivot uint32, delta int) (Cell, bool) {
	line := c.Row
	if axis == Columns {
		line = c.Column
	}
	moved, ok := shiftPoint(line, axis.Limit(), pivot, delta)
	if !ok {
		return c, false
	}
	if axis == Columns {
		c.Column = moved
	} else {
		c.Row = moved
	}
	return c, true
}

// A1 renders the cell without its worksheet, e.g. "B7".
func (c Cell) A1() string {
	name, err := excelize.CoordinatesToCellName(int(c.Column), int(c.Row))
	if err != nil {
		return fmt.Sprintf("R%dC%d", c.Row, c.Column)
	}
	return name
}

func (c Cell) String() string {
	return fmt.Sprintf("%d!%s", c.WorksheetID, c.A1())
}

// Range is a rectangular block of cells on one worksheet. Constructors
// normalize it so that Start <= End on both axes.
type Range struct {
	WorksheetID uint32
	StartRow    uint32
	StartColumn uint32
	EndRow      uint32
	EndColumn   uint32
}

// NewRange builds a normalized range from two corners.
func NewRange(worksheetID, row1, col1, row2, col2 uint32) Range {
	return Range{
		WorksheetID: worksheetID,
		StartRow:    min(row1, row2),
		StartColumn: min(col1, col2),
		EndRow:      max(row1, row2),
		EndColumn:   max(col1, col2),
	}
}

// EntireRows covers rows first..last across every column.
func EntireRows(worksheetID, first, last uint32) Range {
	return NewRange(worksheetID, first, 1, last, MaxColumns)
}

// EntireColumns covers columns first..last across every row.
func EntireColumns(worksheetID, first, last uint32) Range {
	return NewRange(worksheetID, 1, first, MaxRows, last)
}

// Contains reports whether the cell lies inside the range.
func (r Range) Contains(c Cell) bool {
	return r.WorksheetID == c.WorksheetID &&
		c.Row >= r.StartRow && c.Row <= r.EndRow &&
		c.Column >= r.StartColumn && c.Column <= r.EndColumn
}

// ContainsRange reports whether o lies completely inside r.
func (r Range) ContainsRange(o Range) bool {
	return r.WorksheetID == o.WorksheetID &&
		o.StartRow >= r.StartRow && o.EndRow <= r.EndRow &&
		o.StartColumn >= r.StartColumn && o.EndColumn <= r.EndColumn
}

// Intersects reports whether the two ranges share at least one cell.
func (r Range) Intersects(o Range) bool {
	return r.WorksheetID == o.WorksheetID &&
		r.StartRow <= o.EndRow && o.StartRow <= r.EndRow &&
		r.StartColumn <= o.EndColumn && o.StartColumn <= r.EndColumn
}

// IsEntireRow reports whether the range spans every column.
func (r Range) IsEntireRow() bool {
	return r.StartColumn == 1 && r.EndColumn == MaxColumns
}

// IsEntireColumn reports whether the range spans every row.
func (r Range) IsEntireColumn() bool {
	return r.StartRow == 1 && r.EndRow == MaxRows
}

// IsSingleCell reports whether the range covers exactly one cell.
func (r Range) IsSingleCell() bool {
	return r.StartRow == r.EndRow && r.StartColumn == r.EndColumn
}

// Start returns the top-left cell.
func (r Range) Start() Cell {
	return Cell{WorksheetID: r.WorksheetID, Row: r.StartRow, Column: r.StartColumn}
}

// End returns the bottom-right cell.
func (r Range) End() Cell {
	return Cell{WorksheetID: r.WorksheetID, Row: r.EndRow, Column: r.EndColumn}
}

// Size returns the number of cells in the range.
func (r Range) Size() uint64 {
	return uint64(r.EndRow-r.StartRow+1) * uint64(r.EndColumn-r.StartColumn+1)
}

// Shifted applies a structural edit on the range's worksheet. Inserting
// (delta > 0) adds delta lines before pivot; deleting (delta < 0) removes
// the lines pivot..pivot-delta-1. The result is false when the range is
// deleted entirely or pushed off the grid.
func (r Range) Shifted(axis Axis, pivot uint32, delta int) (Range, bool) {
	if delta == 0 {
		return r, true
	}
	first, last := r.StartRow, r.EndRow
	if axis == Columns {
		first, last = r.StartColumn, r.EndColumn
	}
	nf, nl, ok := shiftSpan(first, last, axis.Limit(), pivot, delta)
	if !ok {
		return r, false
	}
	if axis == Columns {
		r.StartColumn, r.EndColumn = nf, nl
	} else {
		r.StartRow, r.EndRow = nf, nl
	}
	return r, true
}

// shiftSpan translates the interval [first, last] on an axis ending at
// limit. A last boundary sitting on the limit stays there.
func shiftSpan(first, last, limit, pivot uint32, delta int) (uint32, uint32, bool) {
	f, l := int64(first), int64(last)
	p, d, lim := int64(pivot), int64(delta), int64(limit)

	if d > 0 {
		if f >= p {
			f += d
		}
		if l >= p && l != lim {
			l = min(l+d, lim)
		}
		if f > lim {
			return 0, 0, false
		}
		return uint32(f), uint32(l), true
	}

	end := p - d - 1
	switch {
	case f > end:
		f += d
	case f >= p:
		f = p
	}
	if l != lim {
		switch {
		case l > end:
			l += d
		case l >= p:
			l = p - 1
		}
	}
	if l < 1 || f > l {
		return 0, 0, false
	}
	return uint32(f), uint32(l), true
}

func shiftPoint(line, limit, pivot uint32, delta int) (uint32, bool) {
	v, p, d := int64(line), int64(pivot), int64(delta)
	if d > 0 {
		if v >= p {
			v += d
		}
		if v > int64(limit) {
			return 0, false
		}
		return uint32(v), true
	}
	end := p - d - 1
	switch {
	case v > end:
		v += d
	case v >= p:
		return 0, false
	}
	return uint32(v), true
}
