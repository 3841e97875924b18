package recalc

import (
	"errors"
	"fmt"

	"github.com/vogtb/go-recalc/packages/address"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrCircularReference is matched by every *CircularReferenceError.
	ErrCircularReference = errors.New("circular reference")

	// ErrBrokenReference is matched by every *BrokenReferenceError.
	ErrBrokenReference = errors.New("broken reference")
)

// CircularReferenceError is returned when evaluation re-enters a cell that
// is already being evaluated further up the same read.
type CircularReferenceError struct {
	Cell address.Cell
}

func (e *CircularReferenceError) Error() string {
	return fmt.Sprintf("circular reference at %s", e.Cell)
}

func (e *CircularReferenceError) Is(target error) bool {
	return target == ErrCircularReference
}

// BrokenReferenceError is returned for a formula that lost a precedent to
// a sheet deletion or a structural delete. Only a new formula clears it.
type BrokenReferenceError struct {
	Cell   address.Cell
	Reason string
}

func (e *BrokenReferenceError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("broken reference at %s", e.Cell)
	}
	return fmt.Sprintf("broken reference at %s: %s", e.Cell, e.Reason)
}

func (e *BrokenReferenceError) Is(target error) bool {
	return target == ErrBrokenReference
}
