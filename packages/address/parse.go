package address

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrInvalidReference is returned for text that is not an A1 reference.
var ErrInvalidReference = errors.New("invalid reference")

// ParseCell parses an A1 style cell such as "B7" or "$B$7".
func ParseCell(worksheetID uint32, ref string) (Cell, error) {
	col, row, err := excelize.CellNameToCoordinates(strings.ReplaceAll(ref, "$", ""))
	if err != nil {
		return Cell{}, fmt.Errorf("%w: %q: %v", ErrInvalidReference, ref, err)
	}
	c := NewCell(worksheetID, uint32(row), uint32(col))
	if !c.Valid() {
		return Cell{}, fmt.Errorf("%w: %q is outside the grid", ErrInvalidReference, ref)
	}
	return c, nil
}

// ParseRange parses "A1", "A1:C3", "A:C" or "2:5".
func ParseRange(worksheetID uint32, ref string) (Range, error) {
	clean := strings.ReplaceAll(ref, "$", "")
	first, last, isPair := strings.Cut(clean, ":")
	if !isPair {
		c, err := ParseCell(worksheetID, first)
		if err != nil {
			return Range{}, err
		}
		return c.Range(), nil
	}

	if isDigits(first) && isDigits(last) {
		r1, err1 := parseLine(first, MaxRows)
		r2, err2 := parseLine(last, MaxRows)
		if err := errors.Join(err1, err2); err != nil {
			return Range{}, fmt.Errorf("%w: %q: %v", ErrInvalidReference, ref, err)
		}
		return EntireRows(worksheetID, r1, r2), nil
	}

	if isLetters(first) && isLetters(last) {
		c1, err1 := excelize.ColumnNameToNumber(first)
		c2, err2 := excelize.ColumnNameToNumber(last)
		if err := errors.Join(err1, err2); err != nil {
			return Range{}, fmt.Errorf("%w: %q: %v", ErrInvalidReference, ref, err)
		}
		return EntireColumns(worksheetID, uint32(c1), uint32(c2)), nil
	}

	start, err := ParseCell(worksheetID, first)
	if err != nil {
		return Range{}, err
	}
	end, err := ParseCell(worksheetID, last)
	if err != nil {
		return Range{}, err
	}
	return NewRange(worksheetID, start.Row, start.Column, end.Row, end.Column), nil
}

// A1 renders the range without its worksheet. Entire rows and columns use
// the "2:5" and "A:C" forms.
func (r Range) A1() string {
	switch {
	case r.IsEntireColumn() && !r.IsEntireRow():
		return columnName(r.StartColumn) + ":" + columnName(r.EndColumn)
	case r.IsEntireRow() && !r.IsEntireColumn():
		return strconv.FormatUint(uint64(r.StartRow), 10) + ":" + strconv.FormatUint(uint64(r.EndRow), 10)
	case r.IsSingleCell():
		return r.Start().A1()
	default:
		return r.Start().A1() + ":" + r.End().A1()
	}
}

func (r Range) String() string {
	return fmt.Sprintf("%d!%s", r.WorksheetID, r.A1())
}

func columnName(col uint32) string {
	name, err := excelize.ColumnNumberToName(int(col))
	if err != nil {
		return "?"
	}
	return name
}

func parseLine(s string, limit uint32) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	if n < 1 || uint32(n) > limit {
		return 0, fmt.Errorf("line %d out of range", n)
	}
	return uint32(n), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

func isLetters(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if !(ch >= 'A' && ch <= 'Z' || ch >= 'a' && ch <= 'z') {
			return false
		}
	}
	return true
}
