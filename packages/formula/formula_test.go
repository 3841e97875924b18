package formula

import (
	"iter"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vogtb/go-recalc/packages/address"
	"github.com/vogtb/go-recalc/packages/recalc"
	"github.com/vogtb/go-recalc/packages/value"
)

// testNames knows Sheet1, Sheet2 and "My Sheet". Other worksheet names are
// interned from ID 100 up.
type testNames struct {
	sheets  map[string]uint32
	pending map[string]uint32
	defined map[string]address.Range
}

func newTestNames() *testNames {
	return &testNames{
		sheets:  map[string]uint32{"sheet1": 1, "sheet2": 2, "my sheet": 3},
		pending: map[string]uint32{},
		defined: map[string]address.Range{},
	}
}

func (n *testNames) WorksheetID(name string) (uint32, bool) {
	key := strings.ToLower(name)
	if id, ok := n.sheets[key]; ok {
		return id, true
	}
	if id, ok := n.pending[key]; ok {
		return id, false
	}
	id := uint32(100 + len(n.pending))
	n.pending[key] = id
	return id, false
}

func (n *testNames) DefinedName(name string) (address.Range, bool) {
	r, ok := n.defined[strings.ToLower(name)]
	return r, ok
}

// gridResolver serves fixed values and records every resolved cell.
type gridResolver struct {
	cells map[address.Cell]value.Primitive
	errs  map[address.Cell]error
	reads []address.Cell
}

func newGridResolver() *gridResolver {
	return &gridResolver{
		cells: map[address.Cell]value.Primitive{},
		errs:  map[address.Cell]error{},
	}
}

func (g *gridResolver) set(t *testing.T, sheet uint32, ref string, v value.Primitive) {
	t.Helper()
	c, err := address.ParseCell(sheet, ref)
	require.NoError(t, err)
	g.cells[c] = v
}

func (g *gridResolver) fail(t *testing.T, sheet uint32, ref string, err error) {
	t.Helper()
	c, perr := address.ParseCell(sheet, ref)
	require.NoError(t, perr)
	g.errs[c] = err
}

func (g *gridResolver) Resolve(c address.Cell) (value.Primitive, error) {
	g.reads = append(g.reads, c)
	if err, ok := g.errs[c]; ok {
		return nil, err
	}
	return g.cells[c], nil
}

func (g *gridResolver) Populated(r address.Range) iter.Seq[address.Cell] {
	return func(yield func(address.Cell) bool) {
		for c := range g.cells {
			if r.Contains(c) && !yield(c) {
				return
			}
		}
		for c := range g.errs {
			if r.Contains(c) && !yield(c) {
				return
			}
		}
	}
}

var _ recalc.Resolver = (*gridResolver)(nil)

func owner() address.Cell {
	return address.NewCell(1, 10, 10)
}

func testGrid(t *testing.T) (*Formulas, *gridResolver) {
	names := newTestNames()
	names.defined["total"] = address.NewRange(1, 1, 1, 1, 1)
	res := newGridResolver()
	res.set(t, 1, "A1", 1.0)
	res.set(t, 1, "A2", 2.0)
	res.set(t, 1, "A3", "x")
	res.set(t, 2, "A1", 21.0)
	res.set(t, 3, "B2", "spaced")
	return New(names), res
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		formula string
		want    value.Primitive
	}{
		{"=1+2*3", 7.0},
		{"=(1+2)*3", 9.0},
		{"=2^3^2", 512.0},
		{"=-2^2", 4.0},
		{"=10%", 0.1},
		{"=7-2-1", 4.0},
		{`="a"&"b"&1`, "ab1"},
		{"=1<2", true},
		{`="abc"="ABC"`, true},
		{"=A1<>A2", true},
		{"=A1+A2", 3.0},
		{"=A9", nil},
		{"=A9+1", 1.0},
		{"=SUM(A1:A3)", 3.0},
		{"=SUM(A1:A3, 10)", 13.0},
		{"=AVERAGE(A1:A2)", 1.5},
		{"=COUNT(A1:A3)", 2.0},
		{"=COUNTA(A1:A3)", 3.0},
		{"=MAX(A1:A3, -4)", 2.0},
		{"=MIN(A1:A3)", 1.0},
		{"=MIN(B1:B9)", 0.0},
		{"=Sheet2!A1*2", 42.0},
		{"='My Sheet'!B2", "spaced"},
		{`=IF(A1>0, "pos", "neg")`, "pos"},
		{"=IF(A1>5, 1)", false},
		{"=ROUND(3.14159, 2)", 3.14},
		{"=ROUND(2.5)", 3.0},
		{"=MOD(-3, 2)", 1.0},
		{"=POWER(2, 10)", 1024.0},
		{"=ABS(-4)+FLOOR(1.7)+CEILING(1.2)", 7.0},
		{`=LEN("héllo")`, 5.0},
		{`=TRIM("  a   b ")`, "a b"},
		{`=UPPER("abc")&LOWER("DEF")`, "ABCdef"},
		{`=CONCATENATE("x", 1, TRUE)`, "x1TRUE"},
		{"=AND(TRUE, 1)", true},
		{"=OR(FALSE, 0)", false},
		{"=OR(A1:A2)", true},
		{"=NOT(0)", true},
		{"=total*2", 2.0},
		{"=sum(A1, 1)", 2.0},
	}
	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			f, res := testGrid(t)
			got, err := f.Evaluate(owner(), tt.formula, res)
			require.NoError(t, err)
			if want, ok := tt.want.(float64); ok {
				assert.InDelta(t, want, got, 1e-9)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateSpreadsheetErrors(t *testing.T) {
	tests := []struct {
		formula string
		code    value.ErrorCode
	}{
		{"=1/0", value.ErrorCodeDiv0},
		{"=A1+A3", value.ErrorCodeValue},
		{"=NOPE(1)", value.ErrorCodeName},
		{"=missing+1", value.ErrorCodeName},
		{"=Ghost!A1", value.ErrorCodeRef},
		{"=SQRT(-1)", value.ErrorCodeNum},
		{"=A1:A3", value.ErrorCodeValue},
		{"=A1:A3+1", value.ErrorCodeValue},
		{"=#N/A", value.ErrorCodeNA},
		{"=#REF!+1", value.ErrorCodeRef},
		{"=SUM(A1, A4)", value.ErrorCodeDiv0},
		{"=A4*2", value.ErrorCodeDiv0},
		{"=AVERAGE(B1:B3)", value.ErrorCodeDiv0},
		{"=NOT(1, 2)", value.ErrorCodeNA},
		{"=IF(1/0, 1, 2)", value.ErrorCodeDiv0},
		{"=MOD(1, 0)", value.ErrorCodeDiv0},
	}
	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			f, res := testGrid(t)
			res.fail(t, 1, "A4", value.NewSpreadsheetError(value.ErrorCodeDiv0, ""))
			got, err := f.Evaluate(owner(), tt.formula, res)
			assert.Nil(t, got)
			var ssErr *value.SpreadsheetError
			require.ErrorAs(t, err, &ssErr)
			assert.Equal(t, tt.code, ssErr.ErrorCode, ssErr.Error())
		})
	}
}

func TestCountSkipsErrorsInRanges(t *testing.T) {
	f, res := testGrid(t)
	res.fail(t, 1, "A4", value.NewSpreadsheetError(value.ErrorCodeDiv0, ""))

	got, err := f.Evaluate(owner(), "=COUNT(A1:A4)", res)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)

	got, err = f.Evaluate(owner(), "=COUNTA(A1:A4)", res)
	require.NoError(t, err)
	assert.Equal(t, 4.0, got)
}

func TestEngineErrorsAbortEvaluation(t *testing.T) {
	boom := &recalc.CircularReferenceError{Cell: address.NewCell(1, 5, 1)}

	for _, formula := range []string{"=A5+1", "=SUM(A4:A6)", "=IF(TRUE, A5)", "=COUNT(A5:A5, 1)"} {
		t.Run(formula, func(t *testing.T) {
			f, res := testGrid(t)
			res.fail(t, 1, "A5", boom)
			_, err := f.Evaluate(owner(), formula, res)
			require.ErrorIs(t, err, recalc.ErrCircularReference)
			assert.Same(t, boom, err)
		})
	}
}

func TestIfOnlyReadsTakenBranch(t *testing.T) {
	f, res := testGrid(t)
	res.fail(t, 1, "A5", &recalc.CircularReferenceError{})

	got, err := f.Evaluate(owner(), "=IF(A1=1, A2, A5)", res)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)

	a5 := address.NewCell(1, 5, 1)
	assert.NotContains(t, res.reads, a5)
}

func TestExtractPrecedents(t *testing.T) {
	names := newTestNames()
	names.defined["total"] = address.NewRange(2, 4, 4, 5, 5)
	f := New(names)

	got, err := f.ExtractPrecedents(owner(), "=A1+Sheet2!B1:B3+SUM(C:C)+total+IF(A1, D4, 'My Sheet'!E5)")
	require.NoError(t, err)
	want := []address.Range{
		address.NewRange(1, 1, 1, 1, 1),
		address.NewRange(2, 1, 2, 3, 2),
		address.EntireColumns(1, 3, 3),
		address.NewRange(2, 4, 4, 5, 5),
		address.NewRange(1, 1, 1, 1, 1),
		address.NewRange(1, 4, 4, 4, 4),
		address.NewRange(3, 5, 5, 5, 5),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ExtractPrecedents mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractPrecedentsOfUnknownWorksheet(t *testing.T) {
	names := newTestNames()
	f := New(names)

	got, err := f.ExtractPrecedents(owner(), "=Later!A1+LATER!B1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(100), got[0].WorksheetID)
	assert.Equal(t, got[0].WorksheetID, got[1].WorksheetID)

	got, err = f.ExtractPrecedents(owner(), "=undefined*2")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseErrors(t *testing.T) {
	f := New(newTestNames())
	for _, formula := range []string{
		"=",
		"=1+",
		"=SUM(1",
		"=(1+2",
		"=A1 B1",
		"=1 2",
		"=!A1",
	} {
		t.Run(formula, func(t *testing.T) {
			_, err := f.ExtractPrecedents(owner(), formula)
			assert.ErrorIs(t, err, ErrSyntax)
		})
	}
}

func TestRenderRoundTrip(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"=1+2*3", "=1+2*3"},
		{"=(A1+1)*-B1%", "=(A1+1)*-B1%"},
		{"=SUM(A1:B2, 3)", "=SUM(A1:B2,3)"},
		{"=sum(A1)", "=SUM(A1)"},
		{`="say ""hi"""`, `="say ""hi"""`},
		{"='My Sheet'!A1+Sheet2!B2:C3", "='My Sheet'!A1+Sheet2!B2:C3"},
		{"=SUM(C:C)+SUM(2:3)", "=SUM(C:C)+SUM(2:3)"},
		{"=IF(A1>=1,TRUE,FALSE)", "=IF(A1>=1,TRUE,FALSE)"},
		{"=#DIV/0!", "=#DIV/0!"},
		{"1+1", "=1+1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			expr, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, expr.String())
		})
	}
}

func TestQuoteSheetName(t *testing.T) {
	assert.Equal(t, "Sheet1", QuoteSheetName("Sheet1"))
	assert.Equal(t, "'My Sheet'", QuoteSheetName("My Sheet"))
	assert.Equal(t, "'A1'", QuoteSheetName("A1"))
	assert.Equal(t, "'1st'", QuoteSheetName("1st"))
	assert.Equal(t, "'Bob''s'", QuoteSheetName("Bob's"))
}

func TestShiftFormula(t *testing.T) {
	tests := []struct {
		name    string
		formula string
		axis    address.Axis
		pivot   uint32
		delta   int
		want    string
	}{
		{"insert rows", "=SUM(A1:A3)+B10", address.Rows, 2, 1, "=SUM(A1:A4)+B11"},
		{"delete rows", "=A2+A5", address.Rows, 2, -2, "=#REF!+A3"},
		{"shrink range", "=SUM(A1:A5)", address.Rows, 2, -2, "=SUM(A1:A3)"},
		{"insert columns", "=C1*2", address.Columns, 2, 1, "=D1*2"},
		{"qualified", "=Sheet1!A5", address.Rows, 1, 1, "=Sheet1!A6"},
		{"other worksheet", "=Sheet2!A5", address.Rows, 1, 1, "=Sheet2!A5"},
		{"untouched keeps text", "= A1 +  1", address.Rows, 5, 1, "= A1 +  1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(newTestNames())
			got, err := f.ShiftFormula(owner(), tt.formula, 1, tt.axis, tt.pivot, tt.delta)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenameSheet(t *testing.T) {
	f := New(newTestNames())

	got, changed, err := f.RenameSheet("=sheet2!A1+A1+Sheet3!B1", "Sheet2", "Q1 Data")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "='Q1 Data'!A1+A1+Sheet3!B1", got)

	got, changed, err = f.RenameSheet("=A1", "Sheet2", "Other")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "=A1", got)
}

func TestUsesName(t *testing.T) {
	f := New(newTestNames())
	assert.True(t, f.UsesName("=SUM(Total)*2", "total"))
	assert.False(t, f.UsesName("=SUM(A1)", "total"))
	assert.False(t, f.UsesName("=(", "total"))
}

func TestParseCache(t *testing.T) {
	f := New(newTestNames(), WithCacheSize(2))
	a, err := f.Parse("=A1+1")
	require.NoError(t, err)
	b, err := f.Parse("=A1+1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, _ = f.Parse("=A2")
	_, _ = f.Parse("=A3")
	size, hits, misses, evictions := f.CacheStats()
	assert.Equal(t, 2, size)
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(3), misses)
	assert.Equal(t, int64(1), evictions)
}

func TestBuiltinsRegister(t *testing.T) {
	b := NewBuiltins()
	b.Register("double", func(args ...value.Primitive) (value.Primitive, error) {
		n, _ := value.ToNumber(args[0])
		return n * 2, nil
	})
	f := New(newTestNames(), WithBuiltins(b))
	got, err := f.Evaluate(owner(), "=DOUBLE(21)", newGridResolver())
	require.NoError(t, err)
	assert.Equal(t, 42.0, got)
	assert.Contains(t, f.Functions(), "DOUBLE")
}

func TestUsesSheet(t *testing.T) {
	f := New(newTestNames())
	assert.True(t, f.UsesSheet("=1+SUM('my sheet'!A1:A2)", "My Sheet"))
	assert.False(t, f.UsesSheet("=A1", "Sheet1"))
}
