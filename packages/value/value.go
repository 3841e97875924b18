// Package value defines the cell values that flow between storage, the
// formula evaluator and the recalculation engine.
package value

import (
	"fmt"
	"strconv"
	"strings"
)

// Primitive represents basic spreadsheet value types.
// types:
//   - float64: numeric values (integers are converted to float64)
//   - string: text values
//   - bool: boolean values (TRUE/FALSE)
//   - nil: empty/null cells
//   - *SpreadsheetError: error values (#DIV/0!, #VALUE!, etc.)
type Primitive any

// ErrorCode represents standard spreadsheet error codes following
// Excel conventions
type ErrorCode uint8

const (
	ErrorCodeNull  ErrorCode = 1 // #NULL! - no cells in common between ranges
	ErrorCodeDiv0  ErrorCode = 2 // #DIV/0! - division by zero
	ErrorCodeValue ErrorCode = 3 // #VALUE! - wrong type of argument or operand
	ErrorCodeRef   ErrorCode = 4 // #REF! - invalid cell reference
	ErrorCodeName  ErrorCode = 5 // #NAME? - unrecognized function or name
	ErrorCodeNum   ErrorCode = 6 // #NUM! - number too large or small to be represented
	ErrorCodeNA    ErrorCode = 7 // #N/A - value not available
	ErrorCodeOther ErrorCode = 8 // #ERROR! - all other errors
)

// ErrorMapper maps error code numbers to their string representations
var ErrorMapper = map[ErrorCode]string{
	ErrorCodeNull:  "#NULL!",
	ErrorCodeDiv0:  "#DIV/0!",
	ErrorCodeValue: "#VALUE!",
	ErrorCodeRef:   "#REF!",
	ErrorCodeName:  "#NAME?",
	ErrorCodeNum:   "#NUM!",
	ErrorCodeNA:    "#N/A",
	ErrorCodeOther: "#ERROR!",
}

func (c ErrorCode) String() string {
	if s, ok := ErrorMapper[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(c))
}

// ParseErrorCode maps the display form ("#REF!") back to its code.
func ParseErrorCode(s string) (ErrorCode, bool) {
	for code, text := range ErrorMapper {
		if strings.EqualFold(text, s) {
			return code, true
		}
	}
	return 0, false
}

// SpreadsheetError preserves error code for display in cells
type SpreadsheetError struct {
	ErrorCode ErrorCode
	Message   string
}

func (e *SpreadsheetError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return ErrorMapper[e.ErrorCode]
}

// Is matches any *SpreadsheetError with the same code, so callers can
// test with errors.Is(err, value.NewSpreadsheetError(value.ErrorCodeRef, "")).
func (e *SpreadsheetError) Is(target error) bool {
	t, ok := target.(*SpreadsheetError)
	return ok && t.ErrorCode == e.ErrorCode
}

func NewSpreadsheetError(code ErrorCode, message string) *SpreadsheetError {
	if message == "" {
		message = ErrorMapper[code]
	}
	return &SpreadsheetError{
		ErrorCode: code,
		Message:   message,
	}
}

// CheckForError returns the error if value is a *SpreadsheetError, nil otherwise
func CheckForError(v Primitive) *SpreadsheetError {
	if err, ok := v.(*SpreadsheetError); ok {
		return err
	}
	return nil
}

// Normalize converts Go numeric types into float64 so that stored values
// always hold one of the documented primitive types.
func Normalize(v Primitive) Primitive {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// ToNumber converts value to number, returning ok=false if conversion fails
func ToNumber(v Primitive) (float64, bool) {
	switch n := Normalize(v).(type) {
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		num, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return num, true
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

// ToString converts value to its display text
func ToString(v Primitive) string {
	switch n := Normalize(v).(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case bool:
		if n {
			return "TRUE"
		}
		return "FALSE"
	case *SpreadsheetError:
		return ErrorMapper[n.ErrorCode]
	default:
		return fmt.Sprint(n)
	}
}

// IsTruthy checks if value is truthy
func IsTruthy(v Primitive) bool {
	switch n := Normalize(v).(type) {
	case bool:
		return n
	case float64:
		return n != 0
	case string:
		return n != ""
	case nil:
		return false
	default:
		return true
	}
}

// Compare compares two primitive values. returns -1 if left < right,
// 0 if equal, 1 if left > right
func Compare(left, right Primitive) int {
	if left == nil && right == nil {
		return 0
	}
	if left == nil {
		return -1
	}
	if right == nil {
		return 1
	}

	leftNum, leftIsNum := numeric(left)
	rightNum, rightIsNum := numeric(right)
	if leftIsNum && rightIsNum {
		switch {
		case leftNum < rightNum:
			return -1
		case leftNum > rightNum:
			return 1
		}
		return 0
	}

	leftBool, leftIsBool := left.(bool)
	rightBool, rightIsBool := right.(bool)
	if leftIsBool && rightIsBool {
		switch {
		case leftBool == rightBool:
			return 0
		case !leftBool:
			return -1
		}
		return 1
	}

	return strings.Compare(strings.ToUpper(ToString(left)), strings.ToUpper(ToString(right)))
}

// Equal reports whether two stored values are identical, including their
// type. Error values compare by code.
func Equal(a, b Primitive) bool {
	a, b = Normalize(a), Normalize(b)
	ea, aIsErr := a.(*SpreadsheetError)
	eb, bIsErr := b.(*SpreadsheetError)
	if aIsErr || bIsErr {
		return aIsErr && bIsErr && ea.ErrorCode == eb.ErrorCode
	}
	return a == b
}

func numeric(v Primitive) (float64, bool) {
	switch n := Normalize(v).(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
