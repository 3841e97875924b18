package formula

import (
	"strings"

	"github.com/vogtb/go-recalc/packages/address"
	"github.com/vogtb/go-recalc/packages/value"
)

// Node is a parsed formula expression. Nodes are immutable once parsed so
// a cached tree can be shared between cells.
type Node interface {
	eval(ctx *evalContext) (value.Primitive, error)
	// write renders the node; ref renders each reference.
	write(b *strings.Builder, ref func(*RefNode) string)
}

// BinaryOp identifies an infix operator.
type BinaryOp uint8

const (
	BinOpAdd BinaryOp = iota
	BinOpSubtract
	BinOpMultiply
	BinOpDivide
	BinOpPower
	BinOpConcat
	BinOpEqual
	BinOpNotEqual
	BinOpLess
	BinOpLessEqual
	BinOpGreater
	BinOpGreaterEqual
)

var binaryOps = map[string]BinaryOp{
	"+":  BinOpAdd,
	"-":  BinOpSubtract,
	"*":  BinOpMultiply,
	"/":  BinOpDivide,
	"^":  BinOpPower,
	"&":  BinOpConcat,
	"=":  BinOpEqual,
	"<>": BinOpNotEqual,
	"<":  BinOpLess,
	"<=": BinOpLessEqual,
	">":  BinOpGreater,
	">=": BinOpGreaterEqual,
}

var binaryOpText = [...]string{
	BinOpAdd:          "+",
	BinOpSubtract:     "-",
	BinOpMultiply:     "*",
	BinOpDivide:       "/",
	BinOpPower:        "^",
	BinOpConcat:       "&",
	BinOpEqual:        "=",
	BinOpNotEqual:     "<>",
	BinOpLess:         "<",
	BinOpLessEqual:    "<=",
	BinOpGreater:      ">",
	BinOpGreaterEqual: ">=",
}

func (op BinaryOp) String() string {
	if int(op) < len(binaryOpText) {
		return binaryOpText[op]
	}
	return "?"
}

// UnaryOp identifies a prefix or postfix operator.
type UnaryOp uint8

const (
	UnaryOpMinus UnaryOp = iota
	UnaryOpPercent
)

// NumberNode is a numeric literal. Text keeps the literal as written.
type NumberNode struct {
	Value float64
	Text  string
}

// StringNode is a text literal.
type StringNode struct {
	Value string
}

// BooleanNode is TRUE or FALSE.
type BooleanNode struct {
	Value bool
}

// ErrorNode is an error literal such as #REF!.
type ErrorNode struct {
	Code value.ErrorCode
	Text string
}

// RefNode is a cell or range reference. Ref carries no worksheet; Sheet is
// the worksheet name as written, empty for the formula's own worksheet.
type RefNode struct {
	Sheet string
	Ref   address.Range
}

// NameNode is a reference to a defined name.
type NameNode struct {
	Name string
}

// BinaryOpNode is an infix operation.
type BinaryOpNode struct {
	Op          BinaryOp
	Left, Right Node
}

// UnaryOpNode is a prefix minus or a postfix percent.
type UnaryOpNode struct {
	Op      UnaryOp
	Operand Node
}

// GroupNode is a parenthesized expression, kept so rendering round-trips.
type GroupNode struct {
	Inner Node
}

// FunctionCallNode is a call to a built-in function.
type FunctionCallNode struct {
	Name string
	Args []Node
}

func (n *NumberNode) write(b *strings.Builder, _ func(*RefNode) string) {
	b.WriteString(n.Text)
}

func (n *StringNode) write(b *strings.Builder, _ func(*RefNode) string) {
	b.WriteByte('"')
	b.WriteString(strings.ReplaceAll(n.Value, `"`, `""`))
	b.WriteByte('"')
}

func (n *BooleanNode) write(b *strings.Builder, _ func(*RefNode) string) {
	if n.Value {
		b.WriteString("TRUE")
	} else {
		b.WriteString("FALSE")
	}
}

func (n *ErrorNode) write(b *strings.Builder, _ func(*RefNode) string) {
	b.WriteString(n.Text)
}

func (n *RefNode) write(b *strings.Builder, ref func(*RefNode) string) {
	b.WriteString(ref(n))
}

// String renders the reference as written in a formula.
func (n *RefNode) String() string {
	if n.Sheet == "" {
		return n.Ref.A1()
	}
	return QuoteSheetName(n.Sheet) + "!" + n.Ref.A1()
}

func (n *NameNode) write(b *strings.Builder, _ func(*RefNode) string) {
	b.WriteString(n.Name)
}

func (n *BinaryOpNode) write(b *strings.Builder, ref func(*RefNode) string) {
	n.Left.write(b, ref)
	b.WriteString(n.Op.String())
	n.Right.write(b, ref)
}

func (n *UnaryOpNode) write(b *strings.Builder, ref func(*RefNode) string) {
	if n.Op == UnaryOpMinus {
		b.WriteByte('-')
		n.Operand.write(b, ref)
		return
	}
	n.Operand.write(b, ref)
	b.WriteByte('%')
}

func (n *GroupNode) write(b *strings.Builder, ref func(*RefNode) string) {
	b.WriteByte('(')
	n.Inner.write(b, ref)
	b.WriteByte(')')
}

func (n *FunctionCallNode) write(b *strings.Builder, ref func(*RefNode) string) {
	b.WriteString(n.Name)
	b.WriteByte('(')
	for i, arg := range n.Args {
		if i > 0 {
			b.WriteByte(',')
		}
		arg.write(b, ref)
	}
	b.WriteByte(')')
}

// Walk calls fn for n and every node below it, depth first. Returning
// false from fn skips the node's children.
func Walk(n Node, fn func(Node) bool) {
	if !fn(n) {
		return
	}
	switch n := n.(type) {
	case *BinaryOpNode:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *UnaryOpNode:
		Walk(n.Operand, fn)
	case *GroupNode:
		Walk(n.Inner, fn)
	case *FunctionCallNode:
		for _, arg := range n.Args {
			Walk(arg, fn)
		}
	}
}

// QuoteSheetName wraps a worksheet name in single quotes when it could not
// be written bare in a reference.
func QuoteSheetName(name string) string {
	bare := name != ""
	for i, ch := range name {
		letter := ch >= 'A' && ch <= 'Z' || ch >= 'a' && ch <= 'z' || ch == '_'
		digit := ch >= '0' && ch <= '9'
		if !(letter || (i > 0 && (digit || ch == '.'))) {
			bare = false
			break
		}
	}
	if bare {
		if _, err := address.ParseCell(0, name); err == nil {
			bare = false
		}
	}
	if bare {
		return name
	}
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}
