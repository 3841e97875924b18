package recalc

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vogtb/go-recalc/packages/address"
	"github.com/vogtb/go-recalc/packages/value"
)

const (
	sheet1 uint32 = 1
	sheet2 uint32 = 2
)

// sumFormulas understands "TERM+TERM+..." where a term is a number, a
// reference ("A1", "B1:B3", "2!A1" for worksheet 2) or either one followed
// by "*NUMBER". References to ranges sum their populated cells.
type sumFormulas struct {
	evaluations map[address.Cell]int
}

func newSumFormulas() *sumFormulas {
	return &sumFormulas{evaluations: make(map[address.Cell]int)}
}

type term struct {
	ref    address.Range
	isRef  bool
	factor float64
}

func parseTerms(owner address.Cell, text string) ([]term, error) {
	var out []term
	for _, part := range strings.Split(text, "+") {
		part = strings.TrimSpace(part)
		factor := 1.0
		if ref, mul, ok := strings.Cut(part, "*"); ok {
			f, err := strconv.ParseFloat(mul, 64)
			if err != nil {
				return nil, fmt.Errorf("bad factor %q", mul)
			}
			factor, part = f, ref
		}
		if f, err := strconv.ParseFloat(part, 64); err == nil {
			out = append(out, term{factor: f * factor})
			continue
		}
		ws := owner.WorksheetID
		if sheet, ref, ok := strings.Cut(part, "!"); ok {
			n, err := strconv.ParseUint(sheet, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad sheet %q", sheet)
			}
			ws, part = uint32(n), ref
		}
		r, err := address.ParseRange(ws, part)
		if err != nil {
			return nil, err
		}
		out = append(out, term{ref: r, isRef: true, factor: factor})
	}
	return out, nil
}

func (f *sumFormulas) ExtractPrecedents(owner address.Cell, text string) ([]address.Range, error) {
	terms, err := parseTerms(owner, text)
	if err != nil {
		return nil, err
	}
	var out []address.Range
	for _, t := range terms {
		if t.isRef {
			out = append(out, t.ref)
		}
	}
	return out, nil
}

func (f *sumFormulas) Evaluate(owner address.Cell, text string, r Resolver) (value.Primitive, error) {
	f.evaluations[owner]++
	terms, err := parseTerms(owner, text)
	if err != nil {
		return nil, err
	}
	total := 0.0
	for _, t := range terms {
		if !t.isRef {
			total += t.factor
			continue
		}
		targets := []address.Cell{t.ref.Start()}
		if !t.ref.IsSingleCell() {
			targets = slices.Collect(r.Populated(t.ref))
		}
		for _, c := range targets {
			v, err := r.Resolve(c)
			if err != nil {
				return nil, err
			}
			n, ok := value.ToNumber(v)
			if !ok {
				return nil, value.NewSpreadsheetError(value.ErrorCodeValue, "")
			}
			total += n * t.factor
		}
	}
	return total, nil
}

func at(t *testing.T, sheet uint32, ref string) address.Cell {
	t.Helper()
	c, err := address.ParseCell(sheet, ref)
	require.NoError(t, err)
	return c
}

func at1(t *testing.T, refs ...string) []address.Cell {
	t.Helper()
	out := make([]address.Cell, 0, len(refs))
	for _, ref := range refs {
		out = append(out, at(t, sheet1, ref))
	}
	return out
}

type harness struct {
	t        *testing.T
	engine   *Engine
	formulas *sumFormulas
}

func newHarness(t *testing.T) *harness {
	f := newSumFormulas()
	return &harness{t: t, engine: New(f, f), formulas: f}
}

func (h *harness) value(ref string, v value.Primitive) []address.Cell {
	h.t.Helper()
	return h.engine.WriteValue(at(h.t, sheet1, ref), v)
}

func (h *harness) formula(ref, text string) []address.Cell {
	h.t.Helper()
	dirtied, err := h.engine.WriteFormula(at(h.t, sheet1, ref), text)
	require.NoError(h.t, err)
	return dirtied
}

func (h *harness) read(ref string) (value.Primitive, error) {
	h.t.Helper()
	return h.engine.ReadValue(at(h.t, sheet1, ref))
}

func (h *harness) readOK(ref string) value.Primitive {
	h.t.Helper()
	v, err := h.read(ref)
	require.NoError(h.t, err, ref)
	return v
}

func (h *harness) dirty(ref string) bool {
	return h.engine.IsDirty(at(h.t, sheet1, ref))
}

func (h *harness) chain() {
	h.value("A1", 15)
	h.formula("A2", "A1*10")
	h.formula("A3", "A2*10")
	h.formula("A4", "A1+A2+A3")
}

func TestReadPlainValue(t *testing.T) {
	h := newHarness(t)
	h.value("B2", 7)
	assert.Equal(t, 7.0, h.readOK("B2"))
	assert.Nil(t, h.readOK("Z99"))
	assert.False(t, h.dirty("B2"), "plain values are never dirty")
}

func TestLazyEvaluationCachesPrecedents(t *testing.T) {
	h := newHarness(t)
	h.chain()
	for _, ref := range []string{"A2", "A3", "A4"} {
		assert.True(t, h.dirty(ref), ref)
	}

	assert.Equal(t, 1665.0, h.readOK("A4"))
	for _, ref := range []string{"A2", "A3", "A4"} {
		assert.False(t, h.dirty(ref), ref)
	}
	assert.Equal(t, 150.0, h.readOK("A2"))
	assert.Equal(t, 1500.0, h.readOK("A3"))
	for _, ref := range []string{"A2", "A3", "A4"} {
		assert.Equal(t, 1, h.formulas.evaluations[at(t, sheet1, ref)], "%s evaluated once", ref)
	}

	dirtied := h.formula("A2", "A1*2")
	assert.Equal(t, at1(t, "A2", "A3", "A4"), dirtied)
	assert.False(t, h.dirty("A1"))
	assert.True(t, h.dirty("A3"))
	assert.True(t, h.dirty("A4"))
	assert.Equal(t, 15.0+30+300, h.readOK("A4"))
}

func TestCleanReadsAreIdempotent(t *testing.T) {
	h := newHarness(t)
	h.chain()
	first := h.readOK("A4")
	counter := h.engine.GetRecalculationCounter()
	hits := testutil.ToFloat64(cacheHits)

	for range 5 {
		assert.Equal(t, first, h.readOK("A4"))
		assert.False(t, h.dirty("A4"))
	}
	assert.Equal(t, counter, h.engine.GetRecalculationCounter())
	assert.Equal(t, hits+5, testutil.ToFloat64(cacheHits))
	assert.Equal(t, 1, h.formulas.evaluations[at(t, sheet1, "A4")])
}

func TestWriteDirtiesTransitiveClosure(t *testing.T) {
	h := newHarness(t)
	h.value("A1", 1)
	h.formula("A2", "A1*10")
	h.formula("A3", "A2*10")
	h.formula("A4", "A1:A3")
	h.formula("C1", "B1")
	h.readOK("A4")
	h.readOK("C1")

	dirtied := h.value("A1", 2)
	if diff := cmp.Diff(at1(t, "A2", "A3", "A4"), dirtied); diff != "" {
		t.Errorf("dirtied (-want +got):\n%s", diff)
	}
	assert.False(t, h.dirty("C1"))
	assert.Equal(t, 2.0+20+200, h.readOK("A4"))

	assert.Empty(t, h.value("Q7", 1), "nothing depends on Q7")
}

// Grid where each row reads the row above; no formula reads D4.
//
//	  A      B      C      D
//	1 1      2      3      4
//	2 A1     B1     C1
//	3 A2     B2     C2
//	4 A3     B3     C3     D3
//	5 A4+B4  B4     C4
func TestEditingDoesNotAffectNonDependingCells(t *testing.T) {
	h := newHarness(t)
	for i, col := range []string{"A", "B", "C", "D"} {
		h.value(col+"1", i+1)
	}
	for _, col := range []string{"A", "B", "C"} {
		for row := 2; row <= 4; row++ {
			h.formula(col+strconv.Itoa(row), col+strconv.Itoa(row-1))
		}
	}
	h.formula("D4", "D3")
	h.formula("A5", "A4+B4")
	h.formula("B5", "B4")
	h.formula("C5", "C4")
	for _, ref := range []string{"A5", "B5", "C5", "D4"} {
		h.readOK(ref)
	}

	assert.Equal(t, at1(t, "C4", "C5"), h.formula("C4", "C3*2"))
	assert.Equal(t, at1(t, "C5"), h.value("C4", 10))
	assert.Empty(t, h.value("D4", 5))
	assert.False(t, h.dirty("A5"))
	assert.False(t, h.dirty("D4"))
	assert.Equal(t, 10.0, h.readOK("C5"))
	assert.Equal(t, 2.0, h.readOK("B5"))
}

func TestCycleDetectionIsTotal(t *testing.T) {
	for _, start := range []string{"A1", "A2", "A3", "A4"} {
		t.Run(start, func(t *testing.T) {
			h := newHarness(t)
			h.formula("A1", "A2+A3+A4")
			h.formula("A2", "A1*10")
			h.formula("A3", "A2*10")
			h.formula("A4", "A3*10")

			for range 2 {
				_, err := h.read(start)
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrCircularReference)
				var circ *CircularReferenceError
				require.ErrorAs(t, err, &circ)
			}
			for _, ref := range []string{"A1", "A2", "A3", "A4"} {
				assert.True(t, h.dirty(ref), "%s stays dirty", ref)
				assert.False(t, h.engine.IsBroken(at(t, sheet1, ref)))
			}
		})
	}
}

func TestBreakingCycleRecovers(t *testing.T) {
	h := newHarness(t)
	h.formula("A1", "A2")
	h.formula("A2", "A1*10")
	_, err := h.read("A2")
	require.ErrorIs(t, err, ErrCircularReference)

	h.value("A1", 3)
	assert.Equal(t, 30.0, h.readOK("A2"))
}

func TestSelfReference(t *testing.T) {
	h := newHarness(t)
	circular := testutil.ToFloat64(evaluationsTotal.WithLabelValues(resultCircular))
	h.formula("B1", "B1+1")
	_, err := h.read("B1")
	assert.ErrorIs(t, err, ErrCircularReference)
	assert.Greater(t, testutil.ToFloat64(evaluationsTotal.WithLabelValues(resultCircular)), circular)
}

func TestMarkingThroughCycleDoesNotFail(t *testing.T) {
	h := newHarness(t)
	h.formula("A1", "A2")
	h.formula("A2", "A1")
	dirtied := h.value("B1", 1)
	assert.Empty(t, dirtied)
	dirtied = h.formula("A1", "A2+B1")
	assert.Equal(t, at1(t, "A1", "A2"), dirtied)
}

func TestEvaluationErrorLeavesCellDirty(t *testing.T) {
	h := newHarness(t)
	h.value("A1", "text")
	h.formula("A2", "A1")
	h.formula("B2", "5")

	_, err := h.read("A2")
	var ssErr *value.SpreadsheetError
	require.ErrorAs(t, err, &ssErr)
	assert.Equal(t, value.ErrorCodeValue, ssErr.ErrorCode)
	assert.True(t, h.dirty("A2"))
	assert.Equal(t, 5.0, h.readOK("B2"), "other cells are unaffected")

	h.value("A1", 4)
	assert.Equal(t, 4.0, h.readOK("A2"))
}

func TestWriteFormulaRejectsBadText(t *testing.T) {
	h := newHarness(t)
	h.value("A1", 1)
	counter := h.engine.GetRecalculationCounter()
	_, err := h.engine.WriteFormula(at(t, sheet1, "A1"), "A1*x")
	require.Error(t, err)
	assert.Equal(t, counter, h.engine.GetRecalculationCounter())
	assert.Equal(t, 1.0, h.readOK("A1"))
	_, isFormula := h.engine.Formula(at(t, sheet1, "A1"))
	assert.False(t, isFormula)
}

func TestWriteValueReplacesFormula(t *testing.T) {
	h := newHarness(t)
	h.value("A1", 1)
	h.formula("A2", "A1")
	h.formula("A3", "A2")
	h.readOK("A3")

	assert.Equal(t, at1(t, "A3"), h.value("A2", 9))
	assert.Empty(t, h.engine.Precedents(at(t, sheet1, "A2")))
	assert.Empty(t, h.value("A1", 2), "A2 no longer reads A1")
	assert.Equal(t, 9.0, h.readOK("A3"))

	h.engine.Clear(at(t, sheet1, "A2"))
	assert.Equal(t, 0.0, h.readOK("A3"))
}

func TestRecalculationCounter(t *testing.T) {
	h := newHarness(t)
	assert.Zero(t, h.engine.GetRecalculationCounter())

	h.value("Z1", 1)
	assert.EqualValues(t, 1, h.engine.GetRecalculationCounter(), "a direct write counts once")
	h.value("Z1", 1)
	assert.EqualValues(t, 1, h.engine.GetRecalculationCounter(), "unchanged value")
	h.formula("A1", "Z1")
	assert.EqualValues(t, 2, h.engine.GetRecalculationCounter())
	h.readOK("A1")
	assert.EqualValues(t, 2, h.engine.GetRecalculationCounter(), "reads never count")

	last := h.engine.GetRecalculationCounter()
	for i := range 10 {
		h.value("Z1", i+10)
		next := h.engine.GetRecalculationCounter()
		assert.Greater(t, next, last)
		last = next
	}
}

func TestSheetDeletionPoisonsReferences(t *testing.T) {
	f := newSumFormulas()
	e := New(f, f)
	require.Empty(t, e.WriteValue(address.NewCell(sheet2, 1, 1), 42))
	a1 := address.NewCell(sheet1, 1, 1)
	b1 := address.NewCell(sheet1, 1, 2)
	_, err := e.WriteFormula(a1, "2!A1")
	require.NoError(t, err)
	_, err = e.WriteFormula(b1, "A1+1")
	require.NoError(t, err)

	v, err := e.ReadValue(b1)
	require.NoError(t, err)
	assert.Equal(t, 43.0, v)

	before := testutil.ToFloat64(brokenCells.WithLabelValues(causeSheetDeleted))
	affected := e.OnSheetDeleted(sheet2)
	assert.Equal(t, []address.Cell{a1, b1}, affected)
	assert.Equal(t, before+1, testutil.ToFloat64(brokenCells.WithLabelValues(causeSheetDeleted)))

	_, err = e.ReadValue(a1)
	assert.ErrorIs(t, err, ErrBrokenReference)
	_, err = e.ReadValue(b1)
	assert.ErrorIs(t, err, ErrBrokenReference, "the dependent fails through its broken precedent")
	assert.True(t, e.IsBroken(a1))
	assert.True(t, e.IsDirty(b1))

	// rewriting the formula is the only way out
	_, err = e.WriteFormula(a1, "7")
	require.NoError(t, err)
	v, err = e.ReadValue(b1)
	require.NoError(t, err)
	assert.Equal(t, 8.0, v)
}

func TestSheetDeletionDropsFormulasOnSheet(t *testing.T) {
	f := newSumFormulas()
	e := New(f, f)
	_, err := e.WriteFormula(address.NewCell(sheet2, 1, 1), "1")
	require.NoError(t, err)
	e.WriteValue(address.NewCell(sheet2, 2, 1), 5)

	e.OnSheetDeleted(sheet2)
	_, ok := e.Formula(address.NewCell(sheet2, 1, 1))
	assert.False(t, ok)
	v, err := e.ReadValue(address.NewCell(sheet2, 2, 1))
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Zero(t, e.Stats().Formulas)
}

func TestStructuralShiftDirtiesDependents(t *testing.T) {
	h := newHarness(t)
	h.value("B1", 1)
	h.value("B2", 2)
	h.formula("D1", "B1:B2")
	h.formula("E1", "D1")
	h.formula("F1", "A100")
	assert.Equal(t, 3.0, h.readOK("E1"))
	h.readOK("F1")
	counter := h.engine.GetRecalculationCounter()

	res := h.engine.OnStructuralShift(sheet1, address.Rows, 2, 1)
	assert.Equal(t, at1(t, "D1", "F1"), res.Changed)
	assert.Equal(t, []address.Range{address.NewRange(sheet1, 1, 2, 3, 2)}, h.engine.Precedents(at(t, sheet1, "D1")))
	assert.True(t, h.dirty("D1"))
	assert.True(t, h.dirty("E1"))
	assert.Greater(t, h.engine.GetRecalculationCounter(), counter)

	// raw storage moved with the grid
	assert.Nil(t, h.readOK("B2"))
	assert.Equal(t, 2.0, h.readOK("B3"))
	assert.Equal(t, 3.0, h.readOK("E1"))
}

func TestStructuralShiftMovesFormulaCells(t *testing.T) {
	h := newHarness(t)
	h.value("A1", 4)
	h.formula("A3", "A1*2")
	h.formula("B3", "A1*3")
	h.readOK("B3")

	res := h.engine.OnStructuralShift(sheet1, address.Rows, 2, 2)
	assert.Equal(t, map[address.Cell]address.Cell{
		at(t, sheet1, "A3"): at(t, sheet1, "A5"),
		at(t, sheet1, "B3"): at(t, sheet1, "B5"),
	}, res.Moved)
	_, ok := h.engine.Formula(at(t, sheet1, "A3"))
	assert.False(t, ok)
	text, ok := h.engine.Formula(at(t, sheet1, "A5"))
	require.True(t, ok)
	assert.Equal(t, "A1*2", text)
	assert.Empty(t, res.Changed)
	assert.Equal(t, 8.0, h.readOK("A5"))
	assert.Equal(t, 12.0, h.readOK("B5"))
	assert.Nil(t, h.readOK("B3"))
}

func TestStructuralDeleteBreaksFormulas(t *testing.T) {
	h := newHarness(t)
	h.value("C1", 1)
	h.formula("A1", "C1")
	h.formula("A2", "A1")
	h.formula("A3", "D1")
	h.readOK("A2")

	res := h.engine.OnStructuralShift(sheet1, address.Columns, 3, -1)
	assert.Equal(t, at1(t, "A1"), res.Broken)
	assert.Equal(t, at1(t, "A3"), res.Changed)
	assert.True(t, h.engine.IsBroken(at(t, sheet1, "A1")))
	_, err := h.read("A2")
	assert.ErrorIs(t, err, ErrBrokenReference)
	assert.Equal(t, []address.Range{address.NewRange(sheet1, 1, 3, 1, 3)}, h.engine.Precedents(at(t, sheet1, "A3")))
}

func TestStructuralDeleteInsideWholeColumn(t *testing.T) {
	h := newHarness(t)
	h.value("A1", 1)
	h.value("A2", 2)
	h.value("A3", 3)
	h.formula("B1", "A:A")
	h.formula("C1", "B1")
	assert.Equal(t, 6.0, h.readOK("C1"))

	res := h.engine.OnStructuralShift(sheet1, address.Rows, 3, -1)
	assert.Equal(t, at1(t, "B1"), res.Changed)
	assert.Empty(t, res.Broken)
	assert.Equal(t, []address.Range{address.EntireColumns(sheet1, 1, 1)}, h.engine.Precedents(at(t, sheet1, "B1")))
	assert.True(t, h.dirty("B1"))
	assert.True(t, h.dirty("C1"))
	assert.Equal(t, 3.0, h.readOK("C1"))
}

func TestStructuralDeleteDropsFormulaReadByWholeColumn(t *testing.T) {
	h := newHarness(t)
	h.value("A1", 1)
	h.formula("A2", "A1*10")
	h.formula("B1", "A:A")
	assert.Equal(t, 11.0, h.readOK("B1"))

	res := h.engine.OnStructuralShift(sheet1, address.Rows, 2, -1)
	assert.Equal(t, at1(t, "A2"), res.Removed)
	assert.Equal(t, at1(t, "B1"), res.Changed)
	_, ok := h.engine.Formula(at(t, sheet1, "A2"))
	assert.False(t, ok)
	assert.Equal(t, 1.0, h.readOK("B1"))
}

func TestStructuralDeleteInsideWholeRow(t *testing.T) {
	h := newHarness(t)
	h.value("A1", 1)
	h.value("B1", 2)
	h.value("C1", 4)
	h.formula("D5", "1:1")
	assert.Equal(t, 7.0, h.readOK("D5"))

	res := h.engine.OnStructuralShift(sheet1, address.Columns, 2, -1)
	assert.Equal(t, map[address.Cell]address.Cell{at(t, sheet1, "D5"): at(t, sheet1, "C5")}, res.Moved)
	assert.Equal(t, at1(t, "C5"), res.Changed)
	assert.True(t, h.dirty("C5"))
	assert.Equal(t, 5.0, h.readOK("C5"))
}

func TestInvalidateRange(t *testing.T) {
	h := newHarness(t)
	h.formula("A1", "2!B2")
	h.formula("A2", "A1")
	h.formula("A3", "C3")
	h.readOK("A2")
	h.readOK("A3")

	dirtied := h.engine.InvalidateRange(address.NewRange(sheet2, 1, 1, 10, 10))
	assert.Equal(t, at1(t, "A1", "A2"), dirtied)
	assert.False(t, h.dirty("A3"))
	assert.Equal(t, at1(t, "A1", "A2"), h.engine.DirtyCells())
	assert.Empty(t, h.engine.InvalidateRange(address.NewRange(sheet2, 20, 20, 30, 30)))
}

func TestRenameReferences(t *testing.T) {
	h := newHarness(t)
	h.formula("A1", "2!B2")
	h.formula("A2", "B2")
	n := h.engine.RenameReferences(func(_ address.Cell, text string) (string, bool) {
		if !strings.HasPrefix(text, "2!") {
			return "", false
		}
		return "2!" + strings.ToLower(text[2:]), true
	})
	assert.Equal(t, 1, n)
	text, _ := h.engine.Formula(at(t, sheet1, "A1"))
	assert.Equal(t, "2!b2", text)
}

type failingEvaluator struct{ err error }

func (f failingEvaluator) Evaluate(address.Cell, string, Resolver) (value.Primitive, error) {
	return nil, f.err
}

func TestEvaluatorErrorsPropagateUnchanged(t *testing.T) {
	boom := errors.New("boom")
	e := New(newSumFormulas(), failingEvaluator{err: boom})
	c := address.NewCell(sheet1, 1, 1)
	_, err := e.WriteFormula(c, "1")
	require.NoError(t, err)

	_, err = e.ReadValue(c)
	assert.Same(t, boom, err)
	assert.True(t, e.IsDirty(c))
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	h.chain()
	h.readOK("A3")
	s := h.engine.Stats()
	assert.Equal(t, Stats{Formulas: 3, Dirty: 1, Owners: 3, Edges: 5, Counter: 4}, s)
}
