package formula

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/vogtb/go-recalc/packages/value"
)

// Function is a built-in spreadsheet function. Range arguments arrive as
// Range; everything else is a scalar value.
type Function func(args ...value.Primitive) (value.Primitive, error)

// Builtins is the function table used by the evaluator.
type Builtins struct {
	funcs map[string]Function
}

// NewBuiltins returns the default function table.
func NewBuiltins() *Builtins {
	b := &Builtins{funcs: make(map[string]Function)}
	b.Register("SUM", sum)
	b.Register("AVERAGE", average)
	b.Register("COUNT", count)
	b.Register("COUNTA", countA)
	b.Register("MIN", minimum)
	b.Register("MAX", maximum)
	b.Register("AND", and)
	b.Register("OR", or)
	b.Register("NOT", not)
	b.Register("CONCATENATE", concatenate)
	b.Register("LEN", unaryText(func(s string) value.Primitive { return float64(len([]rune(s))) }))
	b.Register("UPPER", unaryText(func(s string) value.Primitive { return strings.ToUpper(s) }))
	b.Register("LOWER", unaryText(func(s string) value.Primitive { return strings.ToLower(s) }))
	b.Register("TRIM", unaryText(func(s string) value.Primitive { return strings.Join(strings.Fields(s), " ") }))
	b.Register("ABS", unaryNumber(math.Abs))
	b.Register("FLOOR", unaryNumber(math.Floor))
	b.Register("CEILING", unaryNumber(math.Ceil))
	b.Register("SQRT", sqrt)
	b.Register("ROUND", round)
	b.Register("MOD", mod)
	b.Register("POWER", power)
	b.Register("PI", pi)
	return b
}

// Register adds or replaces a function. Names are case-insensitive.
func (b *Builtins) Register(name string, fn Function) {
	b.funcs[strings.ToUpper(name)] = fn
}

// Names returns the registered function names, sorted.
func (b *Builtins) Names() []string {
	names := make([]string, 0, len(b.funcs))
	for name := range b.funcs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Call invokes a function by name.
func (b *Builtins) Call(name string, args ...value.Primitive) (value.Primitive, error) {
	fn, ok := b.funcs[strings.ToUpper(name)]
	if !ok {
		return nil, value.NewSpreadsheetError(value.ErrorCodeName, fmt.Sprintf("Unknown function: %s", name))
	}
	return fn(args...)
}

// numbers walks every argument, flattening ranges. Errors in direct
// arguments and in range cells stop the walk and are returned.
func numbers(args []value.Primitive, fn func(float64)) error {
	for _, arg := range args {
		if err := value.CheckForError(arg); err != nil {
			return err
		}
		if r, ok := arg.(Range); ok {
			for v := range r.IterateValues() {
				if err := value.CheckForError(v); err != nil {
					return err
				}
				// text and booleans inside ranges are ignored
				if n, ok := v.(float64); ok && !math.IsNaN(n) {
					fn(n)
				}
			}
			continue
		}
		if n, ok := value.ToNumber(arg); ok && !math.IsNaN(n) {
			fn(n)
		}
	}
	return nil
}

func sum(args ...value.Primitive) (value.Primitive, error) {
	total := 0.0
	if err := numbers(args, func(n float64) { total += n }); err != nil {
		return nil, err
	}
	return total, nil
}

func average(args ...value.Primitive) (value.Primitive, error) {
	total, n := 0.0, 0
	if err := numbers(args, func(v float64) { total += v; n++ }); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, value.NewSpreadsheetError(value.ErrorCodeDiv0, "Division by zero")
	}
	return total / float64(n), nil
}

func minimum(args ...value.Primitive) (value.Primitive, error) {
	best, seen := math.Inf(1), false
	if err := numbers(args, func(v float64) { best, seen = min(best, v), true }); err != nil {
		return nil, err
	}
	if !seen {
		return 0.0, nil
	}
	return best, nil
}

func maximum(args ...value.Primitive) (value.Primitive, error) {
	best, seen := math.Inf(-1), false
	if err := numbers(args, func(v float64) { best, seen = max(best, v), true }); err != nil {
		return nil, err
	}
	if !seen {
		return 0.0, nil
	}
	return best, nil
}

// count counts numbers only; errors inside ranges are skipped, not raised.
func count(args ...value.Primitive) (value.Primitive, error) {
	n := 0
	for _, arg := range args {
		if err := value.CheckForError(arg); err != nil {
			return nil, err
		}
		if r, ok := arg.(Range); ok {
			for v := range r.IterateValues() {
				if _, isNum := v.(float64); isNum {
					n++
				}
			}
			continue
		}
		if _, isNum := arg.(float64); isNum {
			n++
		}
	}
	return float64(n), nil
}

// countA counts every non-empty value, errors included.
func countA(args ...value.Primitive) (value.Primitive, error) {
	n := 0
	for _, arg := range args {
		if err := value.CheckForError(arg); err != nil {
			return nil, err
		}
		if r, ok := arg.(Range); ok {
			for range r.IterateValues() {
				n++
			}
			continue
		}
		n++
	}
	return float64(n), nil
}

// logical flattens arguments for AND and OR.
func logical(args []value.Primitive, fn func(bool) bool) error {
	for _, arg := range args {
		if err := value.CheckForError(arg); err != nil {
			return err
		}
		if r, ok := arg.(Range); ok {
			for v := range r.IterateValues() {
				if err := value.CheckForError(v); err != nil {
					return err
				}
				if !fn(value.IsTruthy(v)) {
					return nil
				}
			}
			continue
		}
		if !fn(value.IsTruthy(arg)) {
			return nil
		}
	}
	return nil
}

func and(args ...value.Primitive) (value.Primitive, error) {
	res := true
	err := logical(args, func(b bool) bool { res = res && b; return res })
	return res, err
}

func or(args ...value.Primitive) (value.Primitive, error) {
	res := false
	err := logical(args, func(b bool) bool { res = res || b; return !res })
	return res, err
}

func not(args ...value.Primitive) (value.Primitive, error) {
	if len(args) != 1 {
		return nil, value.NewSpreadsheetError(value.ErrorCodeNA, "NOT requires exactly 1 argument")
	}
	if err := value.CheckForError(args[0]); err != nil {
		return nil, err
	}
	return !value.IsTruthy(args[0]), nil
}

func concatenate(args ...value.Primitive) (value.Primitive, error) {
	var b strings.Builder
	for _, arg := range args {
		if err := value.CheckForError(arg); err != nil {
			return nil, err
		}
		if _, ok := arg.(Range); ok {
			return nil, value.NewSpreadsheetError(value.ErrorCodeValue, "CONCATENATE does not accept ranges")
		}
		b.WriteString(value.ToString(arg))
	}
	return b.String(), nil
}

// single checks arity and error for one-argument functions.
func single(name string, args []value.Primitive) (value.Primitive, error) {
	if len(args) != 1 {
		return nil, value.NewSpreadsheetError(value.ErrorCodeNA, name+" requires exactly 1 argument")
	}
	if err := value.CheckForError(args[0]); err != nil {
		return nil, err
	}
	if _, ok := args[0].(Range); ok {
		return nil, value.NewSpreadsheetError(value.ErrorCodeValue, name+" does not accept ranges")
	}
	return args[0], nil
}

func unaryText(fn func(string) value.Primitive) Function {
	return func(args ...value.Primitive) (value.Primitive, error) {
		arg, err := single("function", args)
		if err != nil {
			return nil, err
		}
		return fn(value.ToString(arg)), nil
	}
}

func unaryNumber(fn func(float64) float64) Function {
	return func(args ...value.Primitive) (value.Primitive, error) {
		arg, err := single("function", args)
		if err != nil {
			return nil, err
		}
		n, ok := value.ToNumber(arg)
		if !ok {
			return nil, value.NewSpreadsheetError(value.ErrorCodeValue, "numeric argument required")
		}
		return fn(n), nil
	}
}

func sqrt(args ...value.Primitive) (value.Primitive, error) {
	arg, err := single("SQRT", args)
	if err != nil {
		return nil, err
	}
	n, ok := value.ToNumber(arg)
	if !ok {
		return nil, value.NewSpreadsheetError(value.ErrorCodeValue, "SQRT requires a numeric argument")
	}
	if n < 0 {
		return nil, value.NewSpreadsheetError(value.ErrorCodeNum, "SQRT requires a non-negative argument")
	}
	return math.Sqrt(n), nil
}

// pair checks arity and types for two-number functions.
func pair(name string, args []value.Primitive) (float64, float64, error) {
	if len(args) != 2 {
		return 0, 0, value.NewSpreadsheetError(value.ErrorCodeNA, name+" requires exactly 2 arguments")
	}
	for _, arg := range args {
		if err := value.CheckForError(arg); err != nil {
			return 0, 0, err
		}
	}
	a, ok1 := value.ToNumber(args[0])
	b, ok2 := value.ToNumber(args[1])
	if !ok1 || !ok2 {
		return 0, 0, value.NewSpreadsheetError(value.ErrorCodeValue, name+" requires numeric arguments")
	}
	return a, b, nil
}

func round(args ...value.Primitive) (value.Primitive, error) {
	if len(args) == 1 {
		args = append(args, 0.0)
	}
	n, places, err := pair("ROUND", args)
	if err != nil {
		return nil, err
	}
	m := math.Pow(10, math.Trunc(places))
	return math.Round(n*m) / m, nil
}

// mod takes the sign of the divisor.
func mod(args ...value.Primitive) (value.Primitive, error) {
	n, d, err := pair("MOD", args)
	if err != nil {
		return nil, err
	}
	if d == 0 {
		return nil, value.NewSpreadsheetError(value.ErrorCodeDiv0, "Division by zero")
	}
	return n - d*math.Floor(n/d), nil
}

func power(args ...value.Primitive) (value.Primitive, error) {
	base, exp, err := pair("POWER", args)
	if err != nil {
		return nil, err
	}
	res := math.Pow(base, exp)
	if math.IsNaN(res) || math.IsInf(res, 0) {
		return nil, value.NewSpreadsheetError(value.ErrorCodeNum, "")
	}
	return res, nil
}

func pi(args ...value.Primitive) (value.Primitive, error) {
	if len(args) != 0 {
		return nil, value.NewSpreadsheetError(value.ErrorCodeNA, "PI takes no arguments")
	}
	return math.Pi, nil
}
