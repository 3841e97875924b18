// Package recalc is the lazy recalculation engine. Writes push staleness
// to every transitive dependent at write time; reads evaluate dirty
// formulas on demand, recursing into precedents through the same read
// path, and cache the result.
package recalc

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/vogtb/go-recalc/packages/address"
	"github.com/vogtb/go-recalc/packages/depgraph"
	"github.com/vogtb/go-recalc/packages/spatial"
	"github.com/vogtb/go-recalc/packages/value"
)

// Extractor lists the ranges a formula reads, without evaluating it.
type Extractor interface {
	ExtractPrecedents(owner address.Cell, formula string) ([]address.Range, error)
}

// Evaluator computes a formula. Every reference must be read through the
// resolver so that precedents are evaluated on demand and cycles are seen.
type Evaluator interface {
	Evaluate(owner address.Cell, formula string, r Resolver) (value.Primitive, error)
}

// Resolver is handed to the Evaluator for the duration of one evaluation.
type Resolver interface {
	// Resolve returns the value of a cell, evaluating it first if needed.
	Resolve(c address.Cell) (value.Primitive, error)
	// Populated yields the cells inside r holding a value or a formula.
	Populated(r address.Range) iter.Seq[address.Cell]
}

// FormulaRewriter is optionally implemented by the Extractor. When present
// the engine rewrites stored formula text after a structural edit.
type FormulaRewriter interface {
	ShiftFormula(owner address.Cell, formula string, worksheetID uint32, axis address.Axis, pivot uint32, delta int) (string, error)
}

type cellState struct {
	formula    string
	cached     value.Primitive
	hasCache   bool
	dirty      bool
	evaluating bool
	broken     bool
	reason     string
}

func (s *cellState) invalidate() {
	s.dirty = true
	s.cached = nil
	s.hasCache = false
}

// Engine tracks formula cells of one workbook. All methods are safe for
// concurrent use; they serialize on a single lock.
type Engine struct {
	mu sync.Mutex

	graph     *depgraph.Graph
	storage   Storage
	extractor Extractor
	evaluator Evaluator
	logger    *slog.Logger

	states   map[address.Cell]*cellState
	formulas *MemoryStore // presence of formula cells, for range scans
	counter  uint64
}

// Option configures an Engine.
type Option func(*engineConfig)

type engineConfig struct {
	storage Storage
	index   spatial.Options
	logger  *slog.Logger
}

// WithStorage replaces the default MemoryStore.
func WithStorage(s Storage) Option {
	return func(c *engineConfig) { c.storage = s }
}

// WithIndexOptions tunes the spatial index of the dependency graph.
func WithIndexOptions(o spatial.Options) Option {
	return func(c *engineConfig) { c.index = o }
}

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// New creates an engine around the formula collaborators.
func New(extractor Extractor, evaluator Evaluator, opts ...Option) *Engine {
	cfg := engineConfig{index: spatial.DefaultOptions()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.storage == nil {
		cfg.storage = NewMemoryStore()
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		graph:     depgraph.New(cfg.index),
		storage:   cfg.storage,
		extractor: extractor,
		evaluator: evaluator,
		logger:    cfg.logger,
		states:    make(map[address.Cell]*cellState),
		formulas:  NewMemoryStore(),
	}
}

// WriteValue stores a plain value, dropping any formula held by the cell,
// and marks every transitive dependent dirty. It returns the dependents
// that were marked. Writing the value a plain cell already holds is a
// no-op.
func (e *Engine) WriteValue(c address.Cell, v value.Primitive) []address.Cell {
	e.mu.Lock()
	defer e.mu.Unlock()

	v = value.Normalize(v)
	if _, isFormula := e.states[c]; !isFormula && value.Equal(e.storage.GetRawValue(c), v) {
		return nil
	}
	e.dropFormula(c)
	e.storage.SetRawValue(c, v)

	dirtied := e.propagate([]address.Cell{c})
	e.counter++
	writesTotal.WithLabelValues("value").Inc()
	e.logger.Debug("value written", "cell", c, "dirtied", len(dirtied))
	return dirtied
}

// WriteFormula stores a formula, records its precedents and marks the cell
// and every transitive dependent dirty. It returns the marked cells, the
// written cell first. A formula whose precedents cannot be extracted is
// rejected and nothing changes.
func (e *Engine) WriteFormula(c address.Cell, formula string) ([]address.Cell, error) {
	ranges, err := e.extractor.ExtractPrecedents(c, formula)
	if err != nil {
		return nil, fmt.Errorf("extracting precedents of %s: %w", c, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.graph.SetPrecedents(c, ranges)
	st, ok := e.states[c]
	if !ok {
		st = &cellState{}
		e.states[c] = st
	}
	if !st.dirty {
		cellsDirtied.Inc()
	}
	st.formula = formula
	st.broken, st.reason = false, ""
	st.invalidate()
	e.storage.SetRawValue(c, nil)
	e.formulas.SetRawValue(c, true)

	dirtied := append([]address.Cell{c}, e.propagate([]address.Cell{c})...)
	e.counter++
	writesTotal.WithLabelValues("formula").Inc()
	e.logger.Debug("formula written", "cell", c, "precedents", len(ranges), "dirtied", len(dirtied))
	return dirtied, nil
}

// Clear empties the cell, formula included.
func (e *Engine) Clear(c address.Cell) []address.Cell {
	return e.WriteValue(c, nil)
}

// ReadValue returns the value of a cell, evaluating it and any dirty
// precedents first. Failures leave the cell dirty so a later read retries;
// a broken cell fails with *BrokenReferenceError until it is rewritten.
func (e *Engine) ReadValue(c address.Cell) (value.Primitive, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.read(c)
}

func (e *Engine) read(c address.Cell) (value.Primitive, error) {
	st, ok := e.states[c]
	if !ok {
		return e.storage.GetRawValue(c), nil
	}
	if st.broken {
		return nil, &BrokenReferenceError{Cell: c, Reason: st.reason}
	}
	if !st.dirty && st.hasCache {
		cacheHits.Inc()
		return st.cached, nil
	}
	if st.evaluating {
		evaluationsTotal.WithLabelValues(resultCircular).Inc()
		return nil, &CircularReferenceError{Cell: c}
	}

	st.evaluating = true
	start := time.Now()
	v, err := e.evaluator.Evaluate(c, st.formula, resolver{e: e})
	evaluationDuration.Observe(time.Since(start).Seconds())
	st.evaluating = false

	if err != nil {
		st.invalidate()
		if errors.Is(err, ErrCircularReference) {
			evaluationsTotal.WithLabelValues(resultCircular).Inc()
		} else {
			evaluationsTotal.WithLabelValues(resultError).Inc()
		}
		return nil, err
	}
	st.cached, st.hasCache, st.dirty = value.Normalize(v), true, false
	evaluationsTotal.WithLabelValues(resultOK).Inc()
	return st.cached, nil
}

// IsDirty reports whether the cell holds a formula whose cached value is
// stale. Plain value cells are never dirty.
func (e *Engine) IsDirty(c address.Cell) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[c]
	return ok && st.dirty
}

// IsBroken reports whether the cell lost a precedent for good.
func (e *Engine) IsBroken(c address.Cell) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[c]
	return ok && st.broken
}

// Formula returns the formula text held by the cell.
func (e *Engine) Formula(c address.Cell) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[c]; ok {
		return st.formula, true
	}
	return "", false
}

// Precedents returns the ranges the formula at c reads.
func (e *Engine) Precedents(c address.Cell) []address.Range {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Precedents(c)
}

// GetRecalculationCounter returns the number of writes that changed
// something so far.
func (e *Engine) GetRecalculationCounter() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter
}

// DirtyCells returns every dirty formula cell in row-major order.
func (e *Engine) DirtyCells() []address.Cell {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []address.Cell
	for c, st := range e.states {
		if st.dirty {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, address.Cell.Compare)
	return out
}

// FormulaCells returns every formula cell in row-major order.
func (e *Engine) FormulaCells() []address.Cell {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]address.Cell, 0, len(e.states))
	for c := range e.states {
		out = append(out, c)
	}
	slices.SortFunc(out, address.Cell.Compare)
	return out
}

// InvalidateRange marks dirty every formula reading any cell of r, and
// their dependents.
func (e *Engine) InvalidateRange(r address.Range) []address.Cell {
	e.mu.Lock()
	defer e.mu.Unlock()

	direct := e.graph.FindDependentsOfRange(r)
	if len(direct) == 0 {
		return nil
	}
	for _, c := range direct {
		if st, ok := e.states[c]; ok && !st.dirty {
			st.invalidate()
			cellsDirtied.Inc()
		}
	}
	dirtied := mergeSorted(direct, e.propagate(direct))
	e.counter++
	return dirtied
}

// RenameReferences rewrites the stored text of every formula through fn.
// Precedents are keyed by worksheet ID, so a sheet rename changes the text
// but not the graph. fn returns false to leave a formula alone.
func (e *Engine) RenameReferences(fn func(owner address.Cell, formula string) (string, bool)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for c, st := range e.states {
		if next, ok := fn(c, st.formula); ok && next != st.formula {
			st.formula = next
			n++
		}
	}
	return n
}

// OnSheetDeleted breaks every formula reading the worksheet, forgets the
// formulas living on it and dirties the dependents of the broken cells.
func (e *Engine) OnSheetDeleted(worksheetID uint32) []address.Cell {
	e.mu.Lock()
	defer e.mu.Unlock()

	referencing := e.graph.OnSheetDeleted(worksheetID)
	for c := range e.states {
		if c.WorksheetID == worksheetID {
			delete(e.states, c)
		}
	}
	e.formulas.DeleteSheet(worksheetID)
	if d, ok := e.storage.(SheetDeleter); ok {
		d.DeleteSheet(worksheetID)
	}

	for _, c := range referencing {
		e.markBroken(c, "referenced worksheet was deleted", causeSheetDeleted)
	}
	dirtied := e.propagate(referencing)
	if len(referencing) > 0 {
		e.counter++
		e.logger.Warn("worksheet deletion broke formulas", "worksheet", worksheetID, "broken", len(referencing))
	}
	return mergeSorted(referencing, dirtied)
}

// OnStructuralShift applies a row or column insert (delta > 0) or delete
// (delta < 0) at pivot on one worksheet. Formulas living on the worksheet
// move with it and formulas that lost a precedent become broken. Formulas
// whose precedents moved or lost cells are dirtied along with their
// dependents.
func (e *Engine) OnStructuralShift(worksheetID uint32, axis address.Axis, pivot uint32, delta int) depgraph.ShiftResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := e.graph.OnStructuralShift(worksheetID, axis, pivot, delta)
	if delta == 0 {
		return res
	}

	// re-key formula states in two passes, see depgraph
	type relocation struct {
		to    address.Cell
		state *cellState
	}
	var relocations []relocation
	for c, st := range e.states {
		if c.WorksheetID != worksheetID {
			continue
		}
		next, ok := c.Shifted(axis, pivot, delta)
		if ok && next == c {
			continue
		}
		delete(e.states, c)
		if ok {
			relocations = append(relocations, relocation{to: next, state: st})
		}
	}
	for _, rel := range relocations {
		e.states[rel.to] = rel.state
	}
	e.formulas.Shift(worksheetID, axis, pivot, delta)
	if s, ok := e.storage.(Shifter); ok {
		s.Shift(worksheetID, axis, pivot, delta)
	}

	if rw, ok := e.extractor.(FormulaRewriter); ok {
		for _, c := range mergeSorted(res.Changed, res.Broken) {
			st, ok := e.states[c]
			if !ok {
				continue
			}
			text, err := rw.ShiftFormula(c, st.formula, worksheetID, axis, pivot, delta)
			if err != nil {
				e.logger.Warn("formula rewrite failed", "cell", c, "error", err)
				continue
			}
			st.formula = text
		}
	}

	for _, c := range res.Broken {
		e.markBroken(c, "precedent was deleted", causeShift)
	}
	for _, c := range res.Changed {
		if st, ok := e.states[c]; ok && !st.dirty {
			st.invalidate()
			cellsDirtied.Inc()
		}
	}
	seeds := mergeSorted(res.Broken, res.Changed)
	e.propagate(seeds)
	if len(seeds) > 0 || len(relocations) > 0 {
		e.counter++
	}
	e.logger.Debug("structural shift applied",
		"worksheet", worksheetID, "axis", axis.String(), "pivot", pivot, "delta", delta,
		"changed", len(res.Changed), "broken", len(res.Broken), "moved", len(res.Moved))
	return res
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	Formulas int
	Dirty    int
	Broken   int
	Owners   int
	Edges    int
	Counter  uint64
}

// Stats returns counts for diagnostics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Formulas: len(e.states),
		Owners:   e.graph.OwnerCount(),
		Edges:    e.graph.EdgeCount(),
		Counter:  e.counter,
	}
	for _, st := range e.states {
		if st.dirty {
			s.Dirty++
		}
		if st.broken {
			s.Broken++
		}
	}
	return s
}

func (e *Engine) dropFormula(c address.Cell) {
	if _, ok := e.states[c]; !ok {
		return
	}
	e.graph.ClearPrecedents(c)
	delete(e.states, c)
	e.formulas.SetRawValue(c, nil)
}

func (e *Engine) markBroken(c address.Cell, reason, cause string) {
	st, ok := e.states[c]
	if !ok {
		return
	}
	if !st.broken {
		brokenCells.WithLabelValues(cause).Inc()
	}
	st.broken, st.reason = true, reason
	st.invalidate()
}

// propagate marks dirty every transitive dependent of the seeds, visiting
// each cell once, and returns the visited dependents in row-major order.
// Already-dirty cells are still traversed: a formula may have skipped a
// dirty precedent (an untaken IF branch) and been cached anyway.
func (e *Engine) propagate(seeds []address.Cell) []address.Cell {
	visited := make(map[address.Cell]struct{}, len(seeds))
	for _, s := range seeds {
		visited[s] = struct{}{}
	}
	queue := slices.Clone(seeds)
	var out []address.Cell
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		for _, dep := range e.graph.FindDirectDependents(c) {
			if _, seen := visited[dep]; seen {
				continue
			}
			visited[dep] = struct{}{}
			if st, ok := e.states[dep]; ok && !st.dirty {
				st.invalidate()
				cellsDirtied.Inc()
			}
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}
	slices.SortFunc(out, address.Cell.Compare)
	return out
}

func mergeSorted(a, b []address.Cell) []address.Cell {
	out := make([]address.Cell, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.SortFunc(out, address.Cell.Compare)
	return slices.Compact(out)
}

// resolver runs under the engine lock held by the outer ReadValue.
type resolver struct {
	e *Engine
}

func (r resolver) Resolve(c address.Cell) (value.Primitive, error) {
	return r.e.read(c)
}

func (r resolver) Populated(rng address.Range) iter.Seq[address.Cell] {
	return func(yield func(address.Cell) bool) {
		for c := range r.e.storage.Populated(rng) {
			if !yield(c) {
				return
			}
		}
		for c := range r.e.formulas.Populated(rng) {
			if !yield(c) {
				return
			}
		}
	}
}
