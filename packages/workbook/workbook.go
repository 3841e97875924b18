// Package workbook is the document model around the recalculation engine:
// named worksheets, raw cell storage, defined names and structural edits.
// Addresses are written "Sheet1!B2"; a bare "B2" refers to the first
// worksheet.
package workbook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vogtb/go-recalc/packages/address"
	"github.com/vogtb/go-recalc/packages/formula"
	"github.com/vogtb/go-recalc/packages/recalc"
	"github.com/vogtb/go-recalc/packages/spatial"
	"github.com/vogtb/go-recalc/packages/value"
)

const tracerName = "github.com/vogtb/go-recalc/packages/workbook"

// Workbook is safe for concurrent use. Document operations are serialized;
// the engine takes its own lock underneath.
type Workbook struct {
	mu sync.Mutex

	id       uuid.UUID
	names    *nameTables
	formulas *formula.Formulas
	engine   *recalc.Engine
	logger   *slog.Logger
	tracer   trace.Tracer
}

type options struct {
	logger    *slog.Logger
	tracer    trace.TracerProvider
	index     spatial.Options
	cacheSize int
	storage   recalc.Storage
}

// Option configures a Workbook.
type Option func(*options)

// WithLogger sets the logger used by the workbook and its engine.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracerProvider sets the provider used for Recalculate spans. The
// global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithIndexOptions tunes the engine's spatial index.
func WithIndexOptions(idx spatial.Options) Option {
	return func(o *options) { o.index = idx }
}

// WithFormulaCacheSize bounds the parsed formula cache.
func WithFormulaCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithStorage replaces the in-memory cell store.
func WithStorage(s recalc.Storage) Option {
	return func(o *options) { o.storage = s }
}

// New creates an empty workbook with no worksheets.
func New(opts ...Option) *Workbook {
	o := options{index: spatial.DefaultOptions()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.tracer == nil {
		o.tracer = otel.GetTracerProvider()
	}
	if o.storage == nil {
		o.storage = recalc.NewMemoryStore()
	}

	id := uuid.New()
	logger := o.logger.With("workbook", id.String())
	names := newNameTables()
	formulas := formula.New(names, formula.WithCacheSize(o.cacheSize))
	engine := recalc.New(formulas, formulas,
		recalc.WithStorage(o.storage),
		recalc.WithIndexOptions(o.index),
		recalc.WithLogger(logger),
	)
	return &Workbook{
		id:       id,
		names:    names,
		formulas: formulas,
		engine:   engine,
		logger:   logger,
		tracer:   o.tracer.Tracer(tracerName),
	}
}

// ID identifies the workbook in logs.
func (w *Workbook) ID() uuid.UUID {
	return w.id
}

// splitAddress separates "Sheet!A1" into the worksheet name and the local
// part, removing quotes around the name.
func splitAddress(s string) (sheet, local string) {
	i := strings.LastIndex(s, "!")
	if i < 0 {
		return "", s
	}
	sheet, local = s[:i], s[i+1:]
	if len(sheet) >= 2 && sheet[0] == '\'' && sheet[len(sheet)-1] == '\'' {
		sheet = strings.ReplaceAll(sheet[1:len(sheet)-1], "''", "'")
	}
	return sheet, local
}

func (w *Workbook) worksheetOf(sheet string) (uint32, error) {
	if sheet == "" {
		id, ok := w.names.firstWorksheet()
		if !ok {
			return 0, NewApplicationError(FailedPrecondition, "Workbook has no worksheets")
		}
		return id, nil
	}
	id, defined := w.names.definedWorksheet(sheet)
	if !defined {
		return 0, NewApplicationError(NotFound, fmt.Sprintf("Worksheet %q not found", sheet))
	}
	return id, nil
}

func (w *Workbook) resolveCell(addr string) (address.Cell, error) {
	sheet, local := splitAddress(addr)
	id, err := w.worksheetOf(sheet)
	if err != nil {
		return address.Cell{}, err
	}
	c, err := address.ParseCell(id, local)
	if err != nil {
		return address.Cell{}, wrapError(InvalidArgument, err, "Invalid address %q", addr)
	}
	return c, nil
}

func (w *Workbook) resolveRange(ref string) (address.Range, error) {
	sheet, local := splitAddress(ref)
	id, err := w.worksheetOf(sheet)
	if err != nil {
		return address.Range{}, err
	}
	r, err := address.ParseRange(id, local)
	if err != nil {
		return address.Range{}, wrapError(InvalidArgument, err, "Invalid range %q", ref)
	}
	return r, nil
}

// format renders a cell as "Sheet!A1".
func (w *Workbook) format(c address.Cell) string {
	name, ok := w.names.worksheetName(c.WorksheetID)
	if !ok {
		return c.String()
	}
	return formula.QuoteSheetName(name) + "!" + c.A1()
}

// Set writes a value or, for strings starting with "=", a formula.
func (w *Workbook) Set(addr string, v value.Primitive) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, err := w.resolveCell(addr)
	if err != nil {
		return err
	}

	if text, ok := v.(string); ok && len(text) > 1 && text[0] == '=' {
		dirtied, err := w.engine.WriteFormula(c, text)
		if err != nil {
			return wrapError(InvalidArgument, err, "Invalid formula in %s", addr)
		}
		w.logger.Debug("formula set", "cell", w.format(c), "dirtied", len(dirtied))
		return nil
	}

	v = value.Normalize(v)
	switch v.(type) {
	case nil, float64, string, bool, *value.SpreadsheetError:
	default:
		return NewApplicationError(InvalidArgument, fmt.Sprintf("Unsupported value type %T", v))
	}
	dirtied := w.engine.WriteValue(c, v)
	w.logger.Debug("value set", "cell", w.format(c), "dirtied", len(dirtied))
	return nil
}

// Remove clears a cell.
func (w *Workbook) Remove(addr string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, err := w.resolveCell(addr)
	if err != nil {
		return err
	}
	w.engine.Clear(c)
	return nil
}

// Get returns the display value of a cell. Formula failures come back as
// error values: circular and broken references as #REF!.
func (w *Workbook) Get(addr string) (value.Primitive, error) {
	v, err := w.Value(addr)
	if err == nil {
		return v, nil
	}
	var ssErr *value.SpreadsheetError
	switch {
	case errors.As(err, &ssErr):
		return ssErr, nil
	case errors.Is(err, recalc.ErrCircularReference), errors.Is(err, recalc.ErrBrokenReference):
		return value.NewSpreadsheetError(value.ErrorCodeRef, err.Error()), nil
	}
	return nil, err
}

// Value returns the engine's result for a cell, errors included.
func (w *Workbook) Value(addr string) (value.Primitive, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, err := w.resolveCell(addr)
	if err != nil {
		return nil, err
	}
	return w.engine.ReadValue(c)
}

// Formula returns the formula text of a cell.
func (w *Workbook) Formula(addr string) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, err := w.resolveCell(addr)
	if err != nil {
		return "", false, err
	}
	text, ok := w.engine.Formula(c)
	return text, ok, nil
}

// IsDirty reports whether a formula cell is waiting to be evaluated.
func (w *Workbook) IsDirty(addr string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, err := w.resolveCell(addr)
	if err != nil {
		return false, err
	}
	return w.engine.IsDirty(c), nil
}

// RecalculationCounter returns the engine's write counter.
func (w *Workbook) RecalculationCounter() uint64 {
	return w.engine.GetRecalculationCounter()
}

// RecalcReport summarizes a Recalculate call.
type RecalcReport struct {
	Evaluated int
	Failed    int
}

// Recalculate evaluates every dirty formula. Failing cells are counted,
// not returned; ctx is checked between cells.
func (w *Workbook) Recalculate(ctx context.Context) (RecalcReport, error) {
	ctx, span := w.tracer.Start(ctx, "workbook.Recalculate",
		trace.WithAttributes(attribute.String("workbook.id", w.id.String())))
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()

	var report RecalcReport
	dirty := w.engine.DirtyCells()
	span.SetAttributes(attribute.Int("recalc.dirty", len(dirty)))
	for _, c := range dirty {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			return report, err
		}
		report.Evaluated++
		if _, err := w.engine.ReadValue(c); err != nil {
			report.Failed++
		}
	}
	span.SetAttributes(
		attribute.Int("recalc.evaluated", report.Evaluated),
		attribute.Int("recalc.failed", report.Failed),
	)
	w.logger.Debug("recalculated", "evaluated", report.Evaluated, "failed", report.Failed)
	return report, nil
}

// rebind re-extracts the precedents of every formula matched by fn.
func (w *Workbook) rebind(fn func(text string) bool) int {
	n := 0
	for _, c := range w.engine.FormulaCells() {
		text, ok := w.engine.Formula(c)
		if !ok || !fn(text) {
			continue
		}
		if _, err := w.engine.WriteFormula(c, text); err != nil {
			w.logger.Warn("rebinding formula failed", "cell", w.format(c), "error", err)
			continue
		}
		n++
	}
	return n
}

func validWorksheetName(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewApplicationError(InvalidArgument, "Worksheet name is empty")
	}
	if strings.ContainsAny(name, `!:\/?*[]`) {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("Worksheet name %q contains an invalid character", name))
	}
	return nil
}

// AddWorksheet adds a worksheet. Formulas that already referenced the name
// are dirtied so they pick it up.
func (w *Workbook) AddWorksheet(name string) error {
	if err := validWorksheetName(name); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.names.mu.Lock()
	if _, defined := w.names.worksheets.lookup(name); defined {
		w.names.mu.Unlock()
		return NewApplicationError(AlreadyExists, fmt.Sprintf("Worksheet %q already exists", name))
	}
	id := w.names.worksheets.define(name)
	w.names.mu.Unlock()

	whole := address.NewRange(id, 1, 1, address.MaxRows, address.MaxColumns)
	dirtied := w.engine.InvalidateRange(whole)
	w.logger.Info("worksheet added", "name", name, "id", id, "dirtied", len(dirtied))
	return nil
}

// RemoveWorksheet deletes a worksheet with its cells and the defined names
// pointing into it. Formulas elsewhere that read it become broken.
func (w *Workbook) RemoveWorksheet(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.names.mu.Lock()
	id, defined := w.names.worksheets.lookup(name)
	if !defined {
		w.names.mu.Unlock()
		return NewApplicationError(NotFound, fmt.Sprintf("Worksheet %q not found", name))
	}
	w.names.worksheets.undefine(id)
	dropped := w.names.namedRanges.dropWorksheet(id)
	w.names.mu.Unlock()

	affected := w.engine.OnSheetDeleted(id)
	w.logger.Info("worksheet removed", "name", name, "id", id,
		"affected", len(affected), "names_dropped", len(dropped))
	return nil
}

// RenameWorksheet renames a worksheet and rewrites the formulas naming it.
func (w *Workbook) RenameWorksheet(oldName, newName string) error {
	if err := validWorksheetName(newName); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.names.mu.Lock()
	id, defined := w.names.worksheets.lookup(oldName)
	if !defined {
		w.names.mu.Unlock()
		return NewApplicationError(NotFound, fmt.Sprintf("Worksheet %q not found", oldName))
	}
	if other, exists := w.names.worksheets.lookup(newName); exists && other != id {
		w.names.mu.Unlock()
		return NewApplicationError(AlreadyExists, fmt.Sprintf("Worksheet %q already exists", newName))
	}
	orphan := w.names.worksheets.rename(id, newName)
	w.names.mu.Unlock()

	rewritten := w.engine.RenameReferences(func(_ address.Cell, text string) (string, bool) {
		next, changed, err := w.formulas.RenameSheet(text, oldName, newName)
		if err != nil {
			return text, false
		}
		return next, changed
	})
	// formulas that waited for a worksheet called newName now read this one
	rebound := 0
	if orphan != 0 {
		rebound = w.rebind(func(text string) bool { return w.formulas.UsesSheet(text, newName) })
	}
	w.logger.Info("worksheet renamed", "from", oldName, "to", newName,
		"rewritten", rewritten, "rebound", rebound)
	return nil
}

// WorksheetExists reports whether a worksheet is defined.
func (w *Workbook) WorksheetExists(name string) bool {
	_, defined := w.names.definedWorksheet(name)
	return defined
}

// Worksheets lists the defined worksheets in creation order.
func (w *Workbook) Worksheets() []string {
	w.names.mu.RLock()
	defer w.names.mu.RUnlock()
	ids := w.names.worksheets.definedIDs()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, w.names.worksheets.names[id])
	}
	return out
}

// ReferencedWorksheets lists names used by formulas that are not defined.
func (w *Workbook) ReferencedWorksheets() []string {
	w.names.mu.RLock()
	defer w.names.mu.RUnlock()
	return w.names.worksheets.undefinedNames()
}

// InsertRows inserts count rows before row on a worksheet.
func (w *Workbook) InsertRows(sheet string, row, count uint32) error {
	return w.shift(sheet, address.Rows, row, count, true)
}

// DeleteRows deletes count rows starting at row.
func (w *Workbook) DeleteRows(sheet string, row, count uint32) error {
	return w.shift(sheet, address.Rows, row, count, false)
}

// InsertColumns inserts count columns before col.
func (w *Workbook) InsertColumns(sheet string, col, count uint32) error {
	return w.shift(sheet, address.Columns, col, count, true)
}

// DeleteColumns deletes count columns starting at col.
func (w *Workbook) DeleteColumns(sheet string, col, count uint32) error {
	return w.shift(sheet, address.Columns, col, count, false)
}

func (w *Workbook) shift(sheet string, axis address.Axis, pivot, count uint32, insert bool) error {
	if count == 0 {
		return NewApplicationError(InvalidArgument, "Count must be positive")
	}
	limit := axis.Limit()
	if pivot < 1 || pivot > limit {
		return NewApplicationError(OutOfRange, fmt.Sprintf("%s %d is outside the grid", axis, pivot))
	}
	if !insert && uint64(pivot)+uint64(count)-1 > uint64(limit) {
		return NewApplicationError(OutOfRange, fmt.Sprintf("Deleting %d %s at %d runs past the grid", count, axis, pivot))
	}
	if count > limit {
		return NewApplicationError(OutOfRange, fmt.Sprintf("Cannot insert %d %s", count, axis))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	id, err := w.worksheetOf(sheet)
	if err != nil {
		return err
	}
	delta := int(count)
	if !insert {
		delta = -delta
	}

	w.names.mu.Lock()
	dropped := w.names.namedRanges.shift(id, axis, pivot, delta)
	w.names.mu.Unlock()

	res := w.engine.OnStructuralShift(id, axis, pivot, delta)
	w.logger.Info("structural edit", "worksheet", sheet, "axis", axis.String(),
		"pivot", pivot, "delta", delta, "changed", len(res.Changed),
		"broken", len(res.Broken), "removed", len(res.Removed), "names_dropped", len(dropped))
	return nil
}

func validName(name string) error {
	if name == "" {
		return NewApplicationError(InvalidArgument, "Name is empty")
	}
	expr, err := formula.Parse(name)
	if err != nil {
		return wrapError(InvalidArgument, err, "Invalid name %q", name)
	}
	if _, ok := expr.Root.(*formula.NameNode); !ok {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("%q cannot be used as a name", name))
	}
	return nil
}

// DefineName points a workbook-level name at a range, replacing any
// previous definition. Formulas using the name are rebound.
func (w *Workbook) DefineName(name, ref string) error {
	if err := validName(name); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r, err := w.resolveRange(ref)
	if err != nil {
		return err
	}
	w.names.mu.Lock()
	w.names.namedRanges.define(name, r)
	w.names.mu.Unlock()

	n := w.rebind(func(text string) bool { return w.formulas.UsesName(text, name) })
	w.logger.Info("name defined", "name", name, "range", ref, "rebound", n)
	return nil
}

// RemoveName deletes a defined name. Formulas using it evaluate to #NAME?.
func (w *Workbook) RemoveName(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.names.mu.Lock()
	ok := w.names.namedRanges.undefine(name)
	w.names.mu.Unlock()
	if !ok {
		return NewApplicationError(NotFound, fmt.Sprintf("Name %q not found", name))
	}

	n := w.rebind(func(text string) bool { return w.formulas.UsesName(text, name) })
	w.logger.Info("name removed", "name", name, "rebound", n)
	return nil
}

// NameExists reports whether a defined name exists.
func (w *Workbook) NameExists(name string) bool {
	_, ok := w.names.DefinedName(name)
	return ok
}

// NamedRange is a defined name and its target.
type NamedRange struct {
	Name  string
	Range string
}

// Names lists the defined names.
func (w *Workbook) Names() []NamedRange {
	w.names.mu.RLock()
	list := w.names.namedRanges.list()
	w.names.mu.RUnlock()

	out := make([]NamedRange, 0, len(list))
	for _, dn := range list {
		sheet, _ := w.names.worksheetName(dn.Ref.WorksheetID)
		out = append(out, NamedRange{Name: dn.Name, Range: formula.QuoteSheetName(sheet) + "!" + dn.Ref.A1()})
	}
	return out
}

// FormulaInfo describes one formula cell for diagnostics.
type FormulaInfo struct {
	Cell       string
	Formula    string
	Precedents []string
	Dirty      bool
	Broken     bool
}

// Describe lists every formula cell with its precedents, in address order.
func (w *Workbook) Describe() []FormulaInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	cells := w.engine.FormulaCells()
	out := make([]FormulaInfo, 0, len(cells))
	for _, c := range cells {
		text, _ := w.engine.Formula(c)
		info := FormulaInfo{
			Cell:    w.format(c),
			Formula: text,
			Dirty:   w.engine.IsDirty(c),
			Broken:  w.engine.IsBroken(c),
		}
		for _, r := range w.engine.Precedents(c) {
			name, _ := w.names.worksheetName(r.WorksheetID)
			info.Precedents = append(info.Precedents, formula.QuoteSheetName(name)+"!"+r.A1())
		}
		out = append(out, info)
	}
	return out
}

// Stats returns engine counters.
func (w *Workbook) Stats() recalc.Stats {
	return w.engine.Stats()
}
