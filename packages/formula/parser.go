package formula

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/efp"

	"github.com/vogtb/go-recalc/packages/address"
	"github.com/vogtb/go-recalc/packages/value"
)

// ErrSyntax is wrapped by every parse failure.
var ErrSyntax = errors.New("formula syntax error")

// Expr is a parsed formula.
type Expr struct {
	Text string
	Root Node
}

// String renders the formula with a leading "=".
func (e *Expr) String() string {
	return e.render(func(n *RefNode) string { return n.String() })
}

func (e *Expr) render(ref func(*RefNode) string) string {
	var b strings.Builder
	b.WriteByte('=')
	e.Root.write(&b, ref)
	return b.String()
}

// Parse parses formula text, with or without the leading "=".
func Parse(text string) (*Expr, error) {
	ps := efp.ExcelParser()
	tokens := ps.Parse(text)
	// efp reports the leading "=" as an infix operator
	if len(tokens) > 0 && tokens[0].TType == efp.TokenTypeOperatorInfix && tokens[0].TValue == "=" {
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty formula", ErrSyntax)
	}

	p := &parser{tokens: tokens}
	root, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, p.errorf("unexpected %q after expression", p.tokens[p.pos].TValue)
	}
	return &Expr{Text: text, Root: root}, nil
}

type parser struct {
	tokens []efp.Token
	pos    int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSyntax, fmt.Sprintf(format, args...))
}

func (p *parser) peek() (efp.Token, bool) {
	if p.pos >= len(p.tokens) {
		return efp.Token{}, false
	}
	return p.tokens[p.pos], true
}

// infix consumes the next token if it is one of the given infix operators.
func (p *parser) infix(ops ...BinaryOp) (BinaryOp, bool) {
	tok, ok := p.peek()
	if !ok || tok.TType != efp.TokenTypeOperatorInfix {
		return 0, false
	}
	op, known := binaryOps[tok.TValue]
	if !known {
		return 0, false
	}
	for _, want := range ops {
		if op == want {
			p.pos++
			return op, true
		}
	}
	return 0, false
}

func (p *parser) binaryLevel(next func() (Node, error), ops ...BinaryOp) (Node, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.infix(ops...)
		if !ok {
			return left, nil
		}
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &BinaryOpNode{Op: op, Left: left, Right: right}
	}
}

// parseComparison handles the lowest precedence operators.
func (p *parser) parseComparison() (Node, error) {
	return p.binaryLevel(p.parseConcatenation,
		BinOpEqual, BinOpNotEqual, BinOpLess, BinOpLessEqual, BinOpGreater, BinOpGreaterEqual)
}

func (p *parser) parseConcatenation() (Node, error) {
	return p.binaryLevel(p.parseAddition, BinOpConcat)
}

func (p *parser) parseAddition() (Node, error) {
	return p.binaryLevel(p.parseMultiplication, BinOpAdd, BinOpSubtract)
}

func (p *parser) parseMultiplication() (Node, error) {
	return p.binaryLevel(p.parsePower, BinOpMultiply, BinOpDivide)
}

// parsePower is right-associative.
func (p *parser) parsePower() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if _, ok := p.infix(BinOpPower); !ok {
		return left, nil
	}
	right, err := p.parsePower()
	if err != nil {
		return nil, err
	}
	return &BinaryOpNode{Op: BinOpPower, Left: left, Right: right}, nil
}

func (p *parser) parseUnary() (Node, error) {
	tok, ok := p.peek()
	if ok && tok.TType == efp.TokenTypeOperatorPrefix && tok.TValue == "-" {
		p.pos++
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryOpNode{Op: UnaryOpMinus, Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.TType != efp.TokenTypeOperatorPostfix || tok.TValue != "%" {
			return node, nil
		}
		p.pos++
		node = &UnaryOpNode{Op: UnaryOpPercent, Operand: node}
	}
}

func (p *parser) parsePrimary() (Node, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, p.errorf("unexpected end of formula")
	}

	switch tok.TType {
	case efp.TokenTypeOperand:
		p.pos++
		return p.parseOperand(tok)

	case efp.TokenTypeFunction:
		if tok.TSubType != efp.TokenSubTypeStart {
			return nil, p.errorf("unexpected ')'")
		}
		p.pos++
		return p.parseFunctionCall(tok.TValue)

	case efp.TokenTypeSubexpression:
		if tok.TSubType != efp.TokenSubTypeStart {
			return nil, p.errorf("unexpected ')'")
		}
		p.pos++
		inner, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		closing, ok := p.peek()
		if !ok || closing.TType != efp.TokenTypeSubexpression || closing.TSubType != efp.TokenSubTypeStop {
			return nil, p.errorf("expected closing parenthesis")
		}
		p.pos++
		return &GroupNode{Inner: inner}, nil

	case efp.TokenTypeOperatorInfix:
		if tok.TSubType == efp.TokenSubTypeUnion || tok.TSubType == efp.TokenSubTypeIntersection {
			return nil, p.errorf("range union and intersection are not supported")
		}
	}
	return nil, p.errorf("unexpected %q", tok.TValue)
}

func (p *parser) parseFunctionCall(name string) (Node, error) {
	call := &FunctionCallNode{Name: strings.ToUpper(name)}
	if tok, ok := p.peek(); ok && tok.TType == efp.TokenTypeFunction && tok.TSubType == efp.TokenSubTypeStop {
		p.pos++
		return call, nil
	}
	for {
		arg, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)

		tok, ok := p.peek()
		switch {
		case !ok:
			return nil, p.errorf("unexpected end in arguments of %s", call.Name)
		case tok.TType == efp.TokenTypeFunction && tok.TSubType == efp.TokenSubTypeStop:
			p.pos++
			return call, nil
		case tok.TType == efp.TokenTypeArgument:
			p.pos++
		default:
			return nil, p.errorf("expected ',' or ')' in arguments of %s", call.Name)
		}
	}
}

func (p *parser) parseOperand(tok efp.Token) (Node, error) {
	switch tok.TSubType {
	case efp.TokenSubTypeNumber:
		n, err := strconv.ParseFloat(tok.TValue, 64)
		if err != nil {
			return nil, p.errorf("invalid number %q", tok.TValue)
		}
		return &NumberNode{Value: n, Text: tok.TValue}, nil
	case efp.TokenSubTypeText:
		return &StringNode{Value: tok.TValue}, nil
	case efp.TokenSubTypeLogical:
		return &BooleanNode{Value: tok.TValue == "TRUE"}, nil
	case efp.TokenSubTypeError:
		code, ok := value.ParseErrorCode(tok.TValue)
		if !ok {
			code = value.ErrorCodeOther
		}
		return &ErrorNode{Code: code, Text: tok.TValue}, nil
	case efp.TokenSubTypeRange:
		return p.parseReference(tok.TValue)
	}
	return nil, p.errorf("unexpected operand %q", tok.TValue)
}

// parseReference handles "A1", "B2:C3", "A:A", "Sheet2!A1" and defined
// names. efp has already dropped the quotes around sheet names.
func (p *parser) parseReference(text string) (Node, error) {
	switch strings.ToUpper(text) {
	case "TRUE":
		return &BooleanNode{Value: true}, nil
	case "FALSE":
		return &BooleanNode{Value: false}, nil
	}

	sheet, local := "", text
	if i := strings.LastIndex(text, "!"); i >= 0 {
		sheet, local = text[:i], text[i+1:]
		if sheet == "" || strings.Contains(sheet, ":") {
			return nil, p.errorf("invalid reference %q", text)
		}
	}
	r, err := address.ParseRange(0, local)
	if err == nil {
		return &RefNode{Sheet: sheet, Ref: r}, nil
	}
	if sheet == "" && isName(text) {
		return &NameNode{Name: text}, nil
	}
	return nil, p.errorf("invalid reference %q", text)
}

func isName(s string) bool {
	for i, ch := range s {
		letter := ch >= 'A' && ch <= 'Z' || ch >= 'a' && ch <= 'z' || ch == '_' || ch == '\\'
		if !letter && (i == 0 || !(ch >= '0' && ch <= '9' || ch == '.')) {
			return false
		}
	}
	return s != ""
}
