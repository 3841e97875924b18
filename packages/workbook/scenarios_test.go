package workbook

import (
	"fmt"
	"testing"

	"github.com/vogtb/go-recalc/packages/value"
)

func TestCrossWorksheetReferences(t *testing.T) {
	t.Run("WorksheetReferenceChain", func(t *testing.T) {
		NewWorkbookTestCase(t, "cross-sheet chain").
			AddWorksheet("Sheet2").
			AddWorksheet("Sheet3").
			Set("Sheet1!A1", 10.0).
			Set("Sheet2!A1", "=Sheet1!A1*2").
			Set("Sheet3!A1", "=Sheet2!A1*2").
			AssertCellEq("Sheet3!A1", 40.0).
			Set("Sheet1!A1", 1.0).
			AssertDirty("Sheet3!A1", true).
			AssertCellEq("Sheet3!A1", 4.0).
			End()
	})

	t.Run("SameCellsDifferentSheets", func(t *testing.T) {
		NewWorkbookTestCase(t, "relative to owner").
			AddWorksheet("Sheet2").
			Set("Sheet1!A1", 100.0).
			Set("Sheet2!A1", 200.0).
			Set("Sheet1!B1", "=A1").
			Set("Sheet2!B1", "=A1").
			AssertCellEq("Sheet1!B1", 100.0).
			AssertCellEq("Sheet2!B1", 200.0).
			End()
	})

	t.Run("RemoveSheetInTheMiddle", func(t *testing.T) {
		NewWorkbookTestCase(t, "remove with cross refs").
			AddWorksheet("Sheet2").
			AddWorksheet("Sheet3").
			Set("Sheet1!A1", 10.0).
			Set("Sheet2!A1", "=Sheet1!A1*2").
			Set("Sheet3!A1", "=Sheet2!A1*2").
			AssertCellEq("Sheet3!A1", 40.0).
			RemoveWorksheet("Sheet2").
			AssertCellErr("Sheet3!A1", value.ErrorCodeRef).
			End()
	})

	t.Run("QuotedSheetNames", func(t *testing.T) {
		NewWorkbookTestCase(t, "quoted").
			AddWorksheet("Q1 Sales").
			AddWorksheet("Bob's").
			Set("'Q1 Sales'!A1", 3.0).
			Set("'Bob''s'!A1", 4.0).
			Set("A1", "='Q1 Sales'!A1*'Bob''s'!A1").
			AssertCellEq("A1", 12.0).
			End()
	})
}

func TestAdvancedCircularReferences(t *testing.T) {
	t.Run("ThreeCellCircular", func(t *testing.T) {
		NewWorkbookTestCase(t, "three cell circular").
			Set("A1", "=C1").
			Set("B1", "=A1").
			Set("C1", "=B1").
			AssertCellErr("A1", value.ErrorCodeRef).
			AssertCellErr("B1", value.ErrorCodeRef).
			AssertCellErr("C1", value.ErrorCodeRef).
			End()
	})

	t.Run("CircularThroughRange", func(t *testing.T) {
		NewWorkbookTestCase(t, "circular via range").
			Set("A2", 5.0).
			Set("A1", "=SUM(A1:A3)").
			AssertCellErr("A1", value.ErrorCodeRef).
			End()
	})

	t.Run("CircularViaIF", func(t *testing.T) {
		NewWorkbookTestCase(t, "circular via IF").
			Set("A1", "=IF(B1>0, B1, 0)").
			Set("B1", "=A1+1").
			AssertCellErr("A1", value.ErrorCodeRef).
			AssertCellErr("B1", value.ErrorCodeRef).
			End()
	})

	t.Run("CrossSheetCircular", func(t *testing.T) {
		NewWorkbookTestCase(t, "cross-sheet circular").
			AddWorksheet("Sheet2").
			Set("Sheet1!A1", "=Sheet2!A1").
			Set("Sheet2!A1", "=Sheet1!A1").
			AssertCellErr("Sheet1!A1", value.ErrorCodeRef).
			AssertCellErr("Sheet2!A1", value.ErrorCodeRef).
			End()
	})

	t.Run("BreakingTheCycle", func(t *testing.T) {
		NewWorkbookTestCase(t, "deep chain").
			Set("A1", "=A2").
			Set("A2", "=A3").
			Set("A3", "=A4").
			Set("A4", "=A5").
			Set("A5", "=A1").
			AssertCellErr("A1", value.ErrorCodeRef).
			Set("A5", 7.0).
			AssertCellEq("A1", 7.0).
			End()
	})
}

func TestRangeEdgeCases(t *testing.T) {
	t.Run("InvertedRange", func(t *testing.T) {
		NewWorkbookTestCase(t, "inverted range").
			Set("A1", 1.0).
			Set("A2", 2.0).
			Set("B1", 3.0).
			Set("B2", 4.0).
			Set("C1", "=SUM(B2:A1)").
			AssertCellEq("C1", 10.0).
			Set("B2", 5.0).
			AssertCellEq("C1", 11.0).
			End()
	})

	t.Run("LargeRange", func(t *testing.T) {
		tc := NewWorkbookTestCase(t, "large range")
		for i := 1; i <= 100; i++ {
			tc.Set(fmt.Sprintf("A%d", i), float64(i))
		}
		tc.Set("B1", "=SUM(A1:A100)").
			AssertCellEq("B1", 5050.0).
			End()
	})

	t.Run("RangeWithError", func(t *testing.T) {
		NewWorkbookTestCase(t, "range with mixed cells").
			Set("A1", 10.0).
			Set("A2", "=1/0").
			Set("A4", 20.0).
			Set("B1", "=SUM(A1:A5)").
			AssertCellErr("B1", value.ErrorCodeDiv0).
			Set("A2", 5.0).
			AssertCellEq("B1", 35.0).
			End()
	})
}

func TestErrorPropagation(t *testing.T) {
	NewWorkbookTestCase(t, "error in formula").
		Set("A1", "=1/0").
		Set("B1", "=A1+10").
		AssertCellErr("A1", value.ErrorCodeDiv0).
		AssertCellErr("B1", value.ErrorCodeDiv0).
		End()

	for _, tt := range []struct {
		formula string
		code    value.ErrorCode
	}{
		{`=ABS("text")`, value.ErrorCodeValue},
		{"=BAD()", value.ErrorCodeName},
		{`="a" & CHAR(10)`, value.ErrorCodeName},
		{"=SQRT(-1)", value.ErrorCodeNum},
		{"=IF()", value.ErrorCodeNA},
	} {
		NewWorkbookTestCase(t, tt.formula).
			Set("A1", tt.formula).
			AssertCellErr("A1", tt.code).
			End()
	}
}

func TestComplexRealWorldScenarios(t *testing.T) {
	t.Run("FinancialCalculation", func(t *testing.T) {
		NewWorkbookTestCase(t, "compound interest").
			Set("A1", 1000.0).
			Set("A2", 0.05).
			Set("A3", 12.0).
			Set("B1", "=ROUND(A1*(1+A2/A3)^(A3*2), 4)").
			AssertCellEq("B1", 1104.9413).
			End()
	})

	t.Run("ConditionalAggregation", func(t *testing.T) {
		NewWorkbookTestCase(t, "conditional sum").
			Set("A1", 10.0).
			Set("A2", 20.0).
			Set("A3", 30.0).
			Set("A4", 40.0).
			Set("B1", "=IF(SUM(A1:A4)>50, AVERAGE(A1:A4), MAX(A1:A4))").
			AssertCellEq("B1", 25.0).
			Set("A4", -50.0).
			AssertCellEq("B1", 30.0).
			End()
	})

	t.Run("DataValidation", func(t *testing.T) {
		NewWorkbookTestCase(t, "data validation").
			Set("A1", -5.0).
			Set("B1", `=IF(A1<0, "ERROR: Negative", IF(A1>100, "ERROR: Too large", "OK"))`).
			AssertCellEq("B1", "ERROR: Negative").
			Set("A1", 500.0).
			AssertCellEq("B1", "ERROR: Too large").
			Set("A1", 50.0).
			AssertCellEq("B1", "OK").
			End()
	})

	t.Run("RollingCalculations", func(t *testing.T) {
		NewWorkbookTestCase(t, "rolling averages").
			Set("A1", 10.0).
			Set("A2", 20.0).
			Set("A3", 30.0).
			Set("A4", 40.0).
			Set("A5", 50.0).
			Set("B3", "=AVERAGE(A1:A3)").
			Set("B4", "=AVERAGE(A2:A4)").
			Set("B5", "=AVERAGE(A3:A5)").
			AssertCellEq("B3", 20.0).
			AssertCellEq("B4", 30.0).
			AssertCellEq("B5", 40.0).
			Set("A1", 40.0).
			AssertDirty("B3", true).
			AssertDirty("B4", false).
			AssertDirty("B5", false).
			AssertCellEq("B3", 30.0).
			End()
	})

	t.Run("UnicodeText", func(t *testing.T) {
		NewWorkbookTestCase(t, "mixed scripts").
			Set("A1", "café ñ").
			Set("A2", "=UPPER(A1)").
			Set("A3", "=LEN(A1)").
			AssertCellEq("A2", "CAFÉ Ñ").
			AssertCellEq("A3", 6.0).
			End()
	})
}
