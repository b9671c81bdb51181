// Package expr implements the symbolic expression kernel for rate and ODE
// expressions. Expressions are immutable trees over model symbols, exact
// rational literals, arithmetic operators, and a small closed set of
// transcendental functions. Simplification produces a deterministic
// canonical form; equality is defined on that form, not on syntax.
package expr

import (
	"math"
	"math/big"

	"github.com/pflow-xyz/go-ctmc/symtab"
)

// Env carries the numeric bindings for evaluation: state values ordered by
// state index, parameter values ordered by parameter index, and time.
// Slices must be sized for the table that produced the expression.
type Env struct {
	Y     []float64
	Theta []float64
	T     float64
}

// Expr is a symbolic expression node. Implementations are immutable; all
// operations return new trees.
type Expr interface {
	// Simplify returns the canonical simplified form of the expression.
	Simplify() Expr

	// String renders the expression in infix notation.
	String() string

	// Eval computes the numeric value under the given environment.
	Eval(env *Env) float64

	// Diff returns the symbolic derivative with respect to the symbol.
	Diff(s symtab.Symbol) Expr

	// Equal reports algebraic equality on canonical simplified forms.
	Equal(other Expr) bool

	isExpr()
}

// Num is an exact rational literal.
type Num struct {
	val *big.Rat
}

// Int creates an integer literal.
func Int(n int64) *Num {
	return &Num{val: new(big.Rat).SetInt64(n)}
}

// Rat creates a rational literal p/q.
func Rat(p, q int64) *Num {
	return &Num{val: new(big.Rat).SetFrac64(p, q)}
}

// FromRat creates a literal from a big.Rat (copied).
func FromRat(r *big.Rat) *Num {
	return &Num{val: new(big.Rat).Set(r)}
}

func (n *Num) isExpr()        {}
func (n *Num) Simplify() Expr { return n }

func (n *Num) String() string {
	if n.val.IsInt() {
		return n.val.Num().String()
	}
	return n.val.RatString()
}

func (n *Num) Eval(env *Env) float64 {
	f, _ := n.val.Float64()
	return f
}

func (n *Num) Diff(s symtab.Symbol) Expr { return Int(0) }

func (n *Num) Equal(other Expr) bool {
	o, ok := other.Simplify().(*Num)
	return ok && n.val.Cmp(o.val) == 0
}

// Rat returns a copy of the exact rational value.
func (n *Num) Rat() *big.Rat { return new(big.Rat).Set(n.val) }

// IsZero reports whether the literal is exactly zero.
func (n *Num) IsZero() bool { return n.val.Sign() == 0 }

// IsOne reports whether the literal is exactly one.
func (n *Num) IsOne() bool { return n.val.Cmp(ratOne) == 0 }

// Sign returns -1, 0, or +1.
func (n *Num) Sign() int { return n.val.Sign() }

var (
	ratOne    = new(big.Rat).SetInt64(1)
	ratNegOne = new(big.Rat).SetInt64(-1)
)

// Sym references a symbol from the model's table. State, parameter, and
// time symbols all appear as Sym nodes; the kind travels with the handle so
// evaluation never guesses what an identifier means.
type Sym struct {
	sym symtab.Symbol
}

// Symbol wraps a table handle as an expression node.
func Symbol(s symtab.Symbol) *Sym {
	return &Sym{sym: s}
}

func (s *Sym) isExpr()        {}
func (s *Sym) Simplify() Expr { return s }
func (s *Sym) String() string { return s.sym.Name }

func (s *Sym) Eval(env *Env) float64 {
	switch s.sym.Kind {
	case symtab.StateKind:
		return env.Y[s.sym.Index]
	case symtab.ParamKind:
		return env.Theta[s.sym.Index]
	default:
		return env.T
	}
}

func (s *Sym) Diff(d symtab.Symbol) Expr {
	if s.sym == d {
		return Int(1)
	}
	return Int(0)
}

func (s *Sym) Equal(other Expr) bool {
	o, ok := other.Simplify().(*Sym)
	return ok && s.sym == o.sym
}

// Handle returns the underlying table symbol.
func (s *Sym) Handle() symtab.Symbol { return s.sym }

// ContainsKind reports whether any symbol of the given kind occurs in e.
func ContainsKind(e Expr, kind symtab.Kind) bool {
	switch v := e.(type) {
	case *Num:
		return false
	case *Sym:
		return v.sym.Kind == kind
	case *Add:
		for _, t := range v.terms {
			if ContainsKind(t, kind) {
				return true
			}
		}
	case *Mul:
		for _, f := range v.factors {
			if ContainsKind(f, kind) {
				return true
			}
		}
	case *Pow:
		return ContainsKind(v.base, kind) || ContainsKind(v.exp, kind)
	case *Call:
		return ContainsKind(v.arg, kind)
	}
	return false
}

// Symbols collects every distinct symbol occurring in e.
func Symbols(e Expr) []symtab.Symbol {
	seen := make(map[symtab.Symbol]bool)
	var out []symtab.Symbol
	var walk func(Expr)
	walk = func(e Expr) {
		switch v := e.(type) {
		case *Sym:
			if !seen[v.sym] {
				seen[v.sym] = true
				out = append(out, v.sym)
			}
		case *Add:
			for _, t := range v.terms {
				walk(t)
			}
		case *Mul:
			for _, f := range v.factors {
				walk(f)
			}
		case *Pow:
			walk(v.base)
			walk(v.exp)
		case *Call:
			walk(v.arg)
		}
	}
	walk(e)
	return out
}

// IsZero reports whether e simplifies to exactly zero.
func IsZero(e Expr) bool {
	n, ok := e.Simplify().(*Num)
	return ok && n.IsZero()
}

// Constant returns the exact rational value of e if it simplifies to a
// literal.
func Constant(e Expr) (*big.Rat, bool) {
	n, ok := e.Simplify().(*Num)
	if !ok {
		return nil, false
	}
	return n.Rat(), true
}

func evalPow(base, exp float64) float64 {
	return math.Pow(base, exp)
}
