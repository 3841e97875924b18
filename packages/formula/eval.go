package formula

import (
	"errors"
	"iter"
	"math"
	"slices"

	"github.com/vogtb/go-recalc/packages/address"
	"github.com/vogtb/go-recalc/packages/recalc"
	"github.com/vogtb/go-recalc/packages/value"
)

// Range is a multi-cell argument handed to built-in functions.
type Range interface {
	// IterateValues yields the values of the populated cells in row-major
	// order. Empty cells are skipped.
	IterateValues() iter.Seq[value.Primitive]
}

// evalContext carries one evaluation. Spreadsheet errors travel as values;
// any other error (a circular or broken reference from the engine) aborts
// the whole evaluation and is returned unchanged.
type evalContext struct {
	owner    address.Cell
	names    Names
	resolver recalc.Resolver
	funcs    *Builtins
	fatal    error
}

func (ctx *evalContext) resolve(c address.Cell) (value.Primitive, error) {
	v, err := ctx.resolver.Resolve(c)
	if err == nil {
		return v, nil
	}
	var ssErr *value.SpreadsheetError
	if errors.As(err, &ssErr) {
		return ssErr, nil
	}
	return nil, err
}

func (ctx *evalContext) rangeOf(sheet string, r address.Range) (address.Range, bool) {
	if sheet == "" {
		r.WorksheetID = ctx.owner.WorksheetID
		return r, true
	}
	id, defined := ctx.names.WorksheetID(sheet)
	r.WorksheetID = id
	return r, defined
}

// reference turns a resolved range into a scalar for a single cell and a
// Range otherwise.
func (ctx *evalContext) reference(r address.Range) (value.Primitive, error) {
	if r.IsSingleCell() {
		return ctx.resolve(r.Start())
	}
	return &cellRange{ctx: ctx, rng: r}, nil
}

type cellRange struct {
	ctx *evalContext
	rng address.Range
}

func (r *cellRange) IterateValues() iter.Seq[value.Primitive] {
	return func(yield func(value.Primitive) bool) {
		if r.ctx.fatal != nil {
			return
		}
		cells := slices.SortedFunc(r.ctx.resolver.Populated(r.rng), address.Cell.Compare)
		for _, c := range cells {
			v, err := r.ctx.resolve(c)
			if err != nil {
				r.ctx.fatal = err
				return
			}
			if v == nil {
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

func (n *NumberNode) eval(*evalContext) (value.Primitive, error) {
	return n.Value, nil
}

func (n *StringNode) eval(*evalContext) (value.Primitive, error) {
	return n.Value, nil
}

func (n *BooleanNode) eval(*evalContext) (value.Primitive, error) {
	return n.Value, nil
}

func (n *ErrorNode) eval(*evalContext) (value.Primitive, error) {
	return value.NewSpreadsheetError(n.Code, n.Text), nil
}

func (n *RefNode) eval(ctx *evalContext) (value.Primitive, error) {
	r, ok := ctx.rangeOf(n.Sheet, n.Ref)
	if !ok {
		return value.NewSpreadsheetError(value.ErrorCodeRef, "Worksheet not found: "+n.Sheet), nil
	}
	return ctx.reference(r)
}

func (n *NameNode) eval(ctx *evalContext) (value.Primitive, error) {
	r, ok := ctx.names.DefinedName(n.Name)
	if !ok {
		return value.NewSpreadsheetError(value.ErrorCodeName, "Named range '"+n.Name+"' not found"), nil
	}
	return ctx.reference(r)
}

func (n *GroupNode) eval(ctx *evalContext) (value.Primitive, error) {
	return n.Inner.eval(ctx)
}

// scalar evaluates a node for use as an operand: ranges are not operands.
func scalar(ctx *evalContext, n Node) (value.Primitive, error) {
	v, err := n.eval(ctx)
	if err != nil {
		return nil, err
	}
	if _, isRange := v.(Range); isRange {
		return value.NewSpreadsheetError(value.ErrorCodeValue, "Range used where a value is expected"), nil
	}
	return v, nil
}

func (n *BinaryOpNode) eval(ctx *evalContext) (value.Primitive, error) {
	left, err := scalar(ctx, n.Left)
	if err != nil {
		return nil, err
	}
	right, err := scalar(ctx, n.Right)
	if err != nil {
		return nil, err
	}
	if e := value.CheckForError(left); e != nil {
		return e, nil
	}
	if e := value.CheckForError(right); e != nil {
		return e, nil
	}

	switch n.Op {
	case BinOpConcat:
		return value.ToString(left) + value.ToString(right), nil
	case BinOpEqual:
		return value.Compare(left, right) == 0, nil
	case BinOpNotEqual:
		return value.Compare(left, right) != 0, nil
	case BinOpLess:
		return value.Compare(left, right) < 0, nil
	case BinOpLessEqual:
		return value.Compare(left, right) <= 0, nil
	case BinOpGreater:
		return value.Compare(left, right) > 0, nil
	case BinOpGreaterEqual:
		return value.Compare(left, right) >= 0, nil
	}

	l, lok := value.ToNumber(left)
	r, rok := value.ToNumber(right)
	if !lok || !rok {
		return value.NewSpreadsheetError(value.ErrorCodeValue, "Operator "+n.Op.String()+" requires numeric values"), nil
	}
	switch n.Op {
	case BinOpAdd:
		return l + r, nil
	case BinOpSubtract:
		return l - r, nil
	case BinOpMultiply:
		return l * r, nil
	case BinOpDivide:
		if r == 0 {
			return value.NewSpreadsheetError(value.ErrorCodeDiv0, "Division by zero"), nil
		}
		return l / r, nil
	case BinOpPower:
		res := math.Pow(l, r)
		if math.IsNaN(res) || math.IsInf(res, 0) {
			return value.NewSpreadsheetError(value.ErrorCodeNum, ""), nil
		}
		return res, nil
	}
	return value.NewSpreadsheetError(value.ErrorCodeValue, "Unknown operator"), nil
}

func (n *UnaryOpNode) eval(ctx *evalContext) (value.Primitive, error) {
	v, err := scalar(ctx, n.Operand)
	if err != nil {
		return nil, err
	}
	if e := value.CheckForError(v); e != nil {
		return e, nil
	}
	num, ok := value.ToNumber(v)
	if !ok {
		return value.NewSpreadsheetError(value.ErrorCodeValue, "Unary operator requires a numeric value"), nil
	}
	if n.Op == UnaryOpPercent {
		return num / 100, nil
	}
	return -num, nil
}

func (n *FunctionCallNode) eval(ctx *evalContext) (value.Primitive, error) {
	if n.Name == "IF" {
		return n.evalIf(ctx)
	}
	args := make([]value.Primitive, len(n.Args))
	for i, arg := range n.Args {
		v, err := arg.eval(ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	res, err := ctx.funcs.Call(n.Name, args...)
	if ctx.fatal != nil {
		return nil, ctx.fatal
	}
	if err != nil {
		var ssErr *value.SpreadsheetError
		if errors.As(err, &ssErr) {
			return ssErr, nil
		}
		return value.NewSpreadsheetError(value.ErrorCodeValue, err.Error()), nil
	}
	return res, nil
}

// evalIf evaluates only the branch selected by the condition, so a
// reference in the other branch is never read.
func (n *FunctionCallNode) evalIf(ctx *evalContext) (value.Primitive, error) {
	if len(n.Args) < 2 || len(n.Args) > 3 {
		return value.NewSpreadsheetError(value.ErrorCodeNA, "IF requires 2 or 3 arguments"), nil
	}
	cond, err := scalar(ctx, n.Args[0])
	if err != nil {
		return nil, err
	}
	if e := value.CheckForError(cond); e != nil {
		return e, nil
	}
	if value.IsTruthy(cond) {
		return n.Args[1].eval(ctx)
	}
	if len(n.Args) == 3 {
		return n.Args[2].eval(ctx)
	}
	return false, nil
}

// result converts the value of a whole formula into the engine's result.
func result(v value.Primitive) (value.Primitive, error) {
	switch v := v.(type) {
	case *value.SpreadsheetError:
		return nil, v
	case Range:
		return nil, value.NewSpreadsheetError(value.ErrorCodeValue, "Formula evaluates to a range")
	}
	return v, nil
}
