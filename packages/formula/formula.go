// Package formula parses, analyses and evaluates cell formulas. It
// implements the recalc engine's Extractor, Evaluator and FormulaRewriter
// on top of the efp tokenizer.
package formula

import (
	"fmt"
	"strings"

	"github.com/vogtb/go-recalc/packages/address"
	"github.com/vogtb/go-recalc/packages/recalc"
	"github.com/vogtb/go-recalc/packages/value"
)

// Names resolves the names written in formulas. Implementations are called
// while the engine lock is held and must not call back into the engine.
type Names interface {
	// WorksheetID returns the ID for a worksheet name. Unknown names are
	// still given a stable ID so that a dependency on a worksheet that does
	// not exist yet can be recorded; defined reports whether it exists.
	WorksheetID(name string) (id uint32, defined bool)
	// DefinedName returns the range a defined name points at.
	DefinedName(name string) (address.Range, bool)
}

var (
	_ recalc.Extractor       = (*Formulas)(nil)
	_ recalc.Evaluator       = (*Formulas)(nil)
	_ recalc.FormulaRewriter = (*Formulas)(nil)
)

// Formulas is the formula front end for one workbook.
type Formulas struct {
	names Names
	cache *LRUCache[string, *Expr]
	funcs *Builtins
}

type config struct {
	cacheSize int
	funcs     *Builtins
}

// Option configures Formulas.
type Option func(*config)

// WithCacheSize bounds the number of parsed formulas kept in memory.
func WithCacheSize(n int) Option {
	return func(c *config) { c.cacheSize = n }
}

// WithBuiltins replaces the default function table.
func WithBuiltins(b *Builtins) Option {
	return func(c *config) { c.funcs = b }
}

// New returns a formula front end resolving names through names.
func New(names Names, opts ...Option) *Formulas {
	cfg := config{cacheSize: 1024}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.funcs == nil {
		cfg.funcs = NewBuiltins()
	}
	return &Formulas{
		names: names,
		cache: NewLRUCache[string, *Expr](cfg.cacheSize),
		funcs: cfg.funcs,
	}
}

// Parse returns the parsed form of text. Identical formula text shares one
// tree.
func (f *Formulas) Parse(text string) (*Expr, error) {
	if expr, ok := f.cache.Get(text); ok {
		return expr, nil
	}
	expr, err := Parse(text)
	if err != nil {
		return nil, err
	}
	f.cache.Set(text, expr)
	return expr, nil
}

// ExtractPrecedents lists every range the formula may read. Both branches
// of IF are included. A defined name that does not exist contributes
// nothing; the caller re-extracts when the name is defined.
func (f *Formulas) ExtractPrecedents(owner address.Cell, text string) ([]address.Range, error) {
	expr, err := f.Parse(text)
	if err != nil {
		return nil, err
	}
	var out []address.Range
	Walk(expr.Root, func(n Node) bool {
		switch n := n.(type) {
		case *RefNode:
			out = append(out, f.locate(owner, n))
		case *NameNode:
			if r, ok := f.names.DefinedName(n.Name); ok {
				out = append(out, r)
			}
		}
		return true
	})
	return out, nil
}

// locate binds a reference to a worksheet, relative to owner.
func (f *Formulas) locate(owner address.Cell, n *RefNode) address.Range {
	r := n.Ref
	if n.Sheet == "" {
		r.WorksheetID = owner.WorksheetID
		return r
	}
	r.WorksheetID, _ = f.names.WorksheetID(n.Sheet)
	return r
}

// Evaluate computes the formula owned by owner. A spreadsheet error result
// is returned as a *value.SpreadsheetError; engine errors raised by the
// resolver are returned unchanged.
func (f *Formulas) Evaluate(owner address.Cell, text string, r recalc.Resolver) (value.Primitive, error) {
	expr, err := f.Parse(text)
	if err != nil {
		return nil, err
	}
	ctx := &evalContext{owner: owner, names: f.names, resolver: r, funcs: f.funcs}
	v, err := expr.Root.eval(ctx)
	if err != nil {
		return nil, err
	}
	if ctx.fatal != nil {
		return nil, ctx.fatal
	}
	return result(v)
}

// ShiftFormula rewrites the references that point into worksheetID after
// lines were inserted or deleted there. References into deleted lines
// become #REF!. The text is returned as is when nothing moved.
func (f *Formulas) ShiftFormula(owner address.Cell, text string, worksheetID uint32, axis address.Axis, pivot uint32, delta int) (string, error) {
	expr, err := f.Parse(text)
	if err != nil {
		return "", err
	}
	changed := false
	out := expr.render(func(n *RefNode) string {
		r := f.locate(owner, n)
		if r.WorksheetID != worksheetID {
			return n.String()
		}
		shifted, ok := r.Shifted(axis, pivot, delta)
		if !ok {
			changed = true
			return value.ErrorCodeRef.String()
		}
		if shifted == r {
			return n.String()
		}
		changed = true
		return (&RefNode{Sheet: n.Sheet, Ref: shifted}).String()
	})
	if !changed {
		return text, nil
	}
	return out, nil
}

// RenameSheet rewrites references to the worksheet oldName so they use
// newName. Names are matched case-insensitively.
func (f *Formulas) RenameSheet(text, oldName, newName string) (string, bool, error) {
	expr, err := f.Parse(text)
	if err != nil {
		return "", false, err
	}
	changed := false
	out := expr.render(func(n *RefNode) string {
		if n.Sheet == "" || !strings.EqualFold(n.Sheet, oldName) {
			return n.String()
		}
		changed = true
		return (&RefNode{Sheet: newName, Ref: n.Ref}).String()
	})
	if !changed {
		return text, false, nil
	}
	return out, true, nil
}

// UsesName reports whether the formula mentions the defined name.
func (f *Formulas) UsesName(text, name string) bool {
	expr, err := f.Parse(text)
	if err != nil {
		return false
	}
	found := false
	Walk(expr.Root, func(n Node) bool {
		if nn, ok := n.(*NameNode); ok && strings.EqualFold(nn.Name, name) {
			found = true
		}
		return !found
	})
	return found
}

// UsesSheet reports whether the formula names the worksheet explicitly.
func (f *Formulas) UsesSheet(text, sheet string) bool {
	expr, err := f.Parse(text)
	if err != nil {
		return false
	}
	found := false
	Walk(expr.Root, func(n Node) bool {
		if ref, ok := n.(*RefNode); ok && ref.Sheet != "" && strings.EqualFold(ref.Sheet, sheet) {
			found = true
		}
		return !found
	})
	return found
}

// CacheStats reports parse cache activity.
func (f *Formulas) CacheStats() (size int, hits, misses, evictions int64) {
	hits, misses, evictions = f.cache.Stats()
	return f.cache.Len(), hits, misses, evictions
}

// Functions returns the registered function names.
func (f *Formulas) Functions() []string {
	return f.funcs.Names()
}

func (f *Formulas) String() string {
	size, hits, misses, _ := f.CacheStats()
	return fmt.Sprintf("formula.Formulas{cached: %d, hits: %d, misses: %d}", size, hits, misses)
}
