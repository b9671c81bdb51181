package expr

import (
	"math"
	"math/big"
	"sort"
	"strings"

	"github.com/pflow-xyz/go-ctmc/symtab"
)

// Add is a sum of terms. The canonical form is flat, collects like
// monomials with exact rational coefficients, and orders terms
// deterministically, so algebraically equal sums simplify to identical
// trees.
type Add struct {
	terms []Expr
}

// AddOf builds the simplified sum of the given terms.
func AddOf(terms ...Expr) Expr {
	return (&Add{terms: terms}).Simplify()
}

// Neg returns the simplified negation of e.
func Neg(e Expr) Expr {
	return MulOf(Int(-1), e)
}

// Sub returns the simplified difference a - b.
func Sub(a, b Expr) Expr {
	return AddOf(a, Neg(b))
}

// Terms returns the additive terms of the canonical form. A non-Add
// expression is a single term.
func Terms(e Expr) []Expr {
	if a, ok := e.(*Add); ok {
		out := make([]Expr, len(a.terms))
		copy(out, a.terms)
		return out
	}
	return []Expr{e}
}

func (a *Add) isExpr() {}

func (a *Add) Simplify() Expr {
	flat := make([]Expr, 0, len(a.terms))
	for _, t := range a.terms {
		s := t.Simplify()
		if inner, ok := s.(*Add); ok {
			flat = append(flat, inner.terms...)
		} else {
			flat = append(flat, s)
		}
	}

	constant := new(big.Rat)
	coeffs := make(map[string]*big.Rat)
	rests := make(map[string]Expr)
	for _, t := range flat {
		coeff, rest := SplitCoeff(t)
		if rest == nil {
			constant.Add(constant, coeff)
			continue
		}
		key := rest.String()
		if c, ok := coeffs[key]; ok {
			c.Add(c, coeff)
		} else {
			coeffs[key] = coeff
			rests[key] = rest
		}
	}

	keys := make([]string, 0, len(coeffs))
	for k := range coeffs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Expr, 0, len(keys)+1)
	for _, k := range keys {
		c := coeffs[k]
		if c.Sign() == 0 {
			continue
		}
		out = append(out, scaleTerm(c, rests[k]))
	}
	if constant.Sign() != 0 {
		out = append(out, FromRat(constant))
	}

	switch len(out) {
	case 0:
		return Int(0)
	case 1:
		return out[0]
	}
	return &Add{terms: out}
}

// scaleTerm multiplies a canonical non-numeric term by an exact rational
// coefficient without triggering a full re-simplification.
func scaleTerm(c *big.Rat, rest Expr) Expr {
	if c.Cmp(ratOne) == 0 {
		return rest
	}
	if m, ok := rest.(*Mul); ok {
		factors := make([]Expr, 0, len(m.factors)+1)
		factors = append(factors, FromRat(c))
		factors = append(factors, m.factors...)
		return &Mul{factors: factors}
	}
	return &Mul{factors: []Expr{FromRat(c), rest}}
}

// SplitCoeff separates a canonical term into its rational coefficient and
// the remaining monomial. The monomial is nil for a pure number.
func SplitCoeff(t Expr) (*big.Rat, Expr) {
	switch v := t.(type) {
	case *Num:
		return v.Rat(), nil
	case *Mul:
		if n, ok := v.factors[0].(*Num); ok {
			rest := v.factors[1:]
			if len(rest) == 1 {
				return n.Rat(), rest[0]
			}
			return n.Rat(), &Mul{factors: rest}
		}
	}
	return new(big.Rat).SetInt64(1), t
}

func (a *Add) String() string {
	var sb strings.Builder
	for i, t := range a.terms {
		c, rest := SplitCoeff(t)
		neg := c.Sign() < 0
		if i == 0 {
			if neg {
				sb.WriteString("-")
			}
		} else if neg {
			sb.WriteString(" - ")
		} else {
			sb.WriteString(" + ")
		}
		abs := new(big.Rat).Abs(c)
		if rest == nil {
			sb.WriteString(FromRat(abs).String())
			continue
		}
		if abs.Cmp(ratOne) != 0 {
			sb.WriteString(FromRat(abs).String())
			sb.WriteString("*")
		}
		sb.WriteString(rest.String())
	}
	return sb.String()
}

func (a *Add) Eval(env *Env) float64 {
	sum := 0.0
	for _, t := range a.terms {
		sum += t.Eval(env)
	}
	return sum
}

func (a *Add) Diff(s symtab.Symbol) Expr {
	d := make([]Expr, len(a.terms))
	for i, t := range a.terms {
		d[i] = t.Diff(s)
	}
	return AddOf(d...)
}

func (a *Add) Equal(other Expr) bool {
	return structEqual(a.Simplify(), other.Simplify())
}

// Mul is a product of factors. The canonical form is flat, folds rational
// literals into a leading coefficient, merges repeated factors into powers,
// and orders the rest deterministically.
type Mul struct {
	factors []Expr
}

// MulOf builds the simplified product of the given factors.
func MulOf(factors ...Expr) Expr {
	return (&Mul{factors: factors}).Simplify()
}

// Div returns the simplified quotient a / b.
func Div(a, b Expr) Expr {
	return MulOf(a, PowOf(b, Int(-1)))
}

// Factors returns the multiplicative factors of the canonical form.
func Factors(e Expr) []Expr {
	if m, ok := e.(*Mul); ok {
		out := make([]Expr, len(m.factors))
		copy(out, m.factors)
		return out
	}
	return []Expr{e}
}

func (m *Mul) isExpr() {}

func (m *Mul) Simplify() Expr {
	flat := make([]Expr, 0, len(m.factors))
	for _, f := range m.factors {
		s := f.Simplify()
		if inner, ok := s.(*Mul); ok {
			flat = append(flat, inner.factors...)
		} else {
			flat = append(flat, s)
		}
	}

	coeff := new(big.Rat).SetInt64(1)
	exps := make(map[string]*big.Rat)
	bases := make(map[string]Expr)
	var odd []Expr // factors with non-numeric exponents, kept as-is
	addFactor := func(base Expr, e *big.Rat) {
		key := base.String()
		if cur, ok := exps[key]; ok {
			cur.Add(cur, e)
		} else {
			exps[key] = new(big.Rat).Set(e)
			bases[key] = base
		}
	}
	for _, f := range flat {
		switch v := f.(type) {
		case *Num:
			coeff.Mul(coeff, v.val)
		case *Pow:
			if n, ok := v.exp.(*Num); ok {
				addFactor(v.base, n.val)
			} else {
				odd = append(odd, v)
			}
		default:
			addFactor(f, ratOne)
		}
	}
	if coeff.Sign() == 0 {
		return Int(0)
	}

	keys := make([]string, 0, len(exps))
	for k := range exps {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Expr, 0, len(keys)+len(odd)+1)
	for _, k := range keys {
		e := exps[k]
		if e.Sign() == 0 {
			continue
		}
		if e.Cmp(ratOne) == 0 {
			out = append(out, bases[k])
			continue
		}
		out = append(out, (&Pow{base: bases[k], exp: FromRat(e)}).Simplify())
	}
	for _, f := range odd {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })

	if len(out) == 0 {
		return FromRat(coeff)
	}
	if coeff.Cmp(ratOne) == 0 {
		if len(out) == 1 {
			return out[0]
		}
		return &Mul{factors: out}
	}
	return &Mul{factors: append([]Expr{FromRat(coeff)}, out...)}
}

func (m *Mul) String() string {
	c, rest := SplitCoeff(m)
	var sb strings.Builder
	wrote := false
	if c.Cmp(ratOne) != 0 {
		if c.Cmp(ratNegOne) == 0 {
			sb.WriteString("-")
		} else {
			sb.WriteString(FromRat(c).String())
			wrote = true
		}
	}
	if rest == nil {
		return FromRat(c).String()
	}
	for _, f := range Factors(rest) {
		if wrote {
			sb.WriteString("*")
		}
		if _, isAdd := f.(*Add); isAdd {
			sb.WriteString("(" + f.String() + ")")
		} else {
			sb.WriteString(f.String())
		}
		wrote = true
	}
	return sb.String()
}

func (m *Mul) Eval(env *Env) float64 {
	prod := 1.0
	for _, f := range m.factors {
		prod *= f.Eval(env)
	}
	return prod
}

func (m *Mul) Diff(s symtab.Symbol) Expr {
	terms := make([]Expr, len(m.factors))
	for i, fi := range m.factors {
		parts := make([]Expr, 0, len(m.factors))
		parts = append(parts, fi.Diff(s))
		for j, fj := range m.factors {
			if j != i {
				parts = append(parts, fj)
			}
		}
		terms[i] = MulOf(parts...)
	}
	return AddOf(terms...)
}

func (m *Mul) Equal(other Expr) bool {
	return structEqual(m.Simplify(), other.Simplify())
}

// Pow is base raised to an exponent.
type Pow struct {
	base, exp Expr
}

// PowOf builds the simplified power base^exp.
func PowOf(base, exp Expr) Expr {
	return (&Pow{base: base, exp: exp}).Simplify()
}

func (p *Pow) isExpr() {}

// Base returns the base of the power.
func (p *Pow) Base() Expr { return p.base }

// Exponent returns the exponent of the power.
func (p *Pow) Exponent() Expr { return p.exp }

func (p *Pow) Simplify() Expr {
	base := p.base.Simplify()
	exp := p.exp.Simplify()

	if en, ok := exp.(*Num); ok {
		if en.IsZero() {
			return Int(1)
		}
		if en.IsOne() {
			return base
		}
		if bn, ok2 := base.(*Num); ok2 {
			if bn.IsZero() && en.Sign() > 0 {
				return Int(0)
			}
			if bn.IsOne() {
				return Int(1)
			}
			if r, ok3 := ratPow(bn.val, en.val); ok3 {
				return FromRat(r)
			}
		}
		// (a*b)^n distributes for exact exponents, which keeps quotients
		// like 1/(S*I) canonical with S^-1*I^-1.
		if bm, ok2 := base.(*Mul); ok2 {
			factors := make([]Expr, len(bm.factors))
			for i, f := range bm.factors {
				factors[i] = (&Pow{base: f, exp: exp}).Simplify()
			}
			return MulOf(factors...)
		}
		if bp, ok2 := base.(*Pow); ok2 {
			if _, inner := bp.exp.(*Num); inner {
				return PowOf(bp.base, MulOf(bp.exp, exp))
			}
		}
	}
	return &Pow{base: base, exp: exp}
}

// ratPow computes an exact rational power for small integer exponents.
func ratPow(base, exp *big.Rat) (*big.Rat, bool) {
	if !exp.IsInt() {
		return nil, false
	}
	e := exp.Num().Int64()
	if e > 16 || e < -16 {
		return nil, false
	}
	neg := e < 0
	if neg {
		e = -e
	}
	out := new(big.Rat).SetInt64(1)
	for i := int64(0); i < e; i++ {
		out.Mul(out, base)
	}
	if neg {
		if out.Sign() == 0 {
			return nil, false
		}
		out.Inv(out)
	}
	return out, true
}

func (p *Pow) String() string {
	bs := p.base.String()
	switch p.base.(type) {
	case *Add, *Mul:
		bs = "(" + bs + ")"
	}
	es := p.exp.String()
	switch p.exp.(type) {
	case *Add, *Mul:
		es = "(" + es + ")"
	}
	return bs + "^" + es
}

func (p *Pow) Eval(env *Env) float64 {
	return evalPow(p.base.Eval(env), p.exp.Eval(env))
}

func (p *Pow) Diff(s symtab.Symbol) Expr {
	if en, ok := p.exp.(*Num); ok {
		// d(u^n) = n*u^(n-1)*u'
		return MulOf(en, PowOf(p.base, AddOf(en, Int(-1))), p.base.Diff(s))
	}
	// d(u^v) = u^v * (v'*log(u) + v*u'/u)
	inner := AddOf(
		MulOf(p.exp.Diff(s), CallOf("log", p.base)),
		MulOf(p.exp, p.base.Diff(s), PowOf(p.base, Int(-1))),
	)
	return MulOf(p, inner)
}

func (p *Pow) Equal(other Expr) bool {
	return structEqual(p.Simplify(), other.Simplify())
}

// Call applies one of the supported transcendental functions to an
// argument. The function set is closed by the parser: sin, cos, tan, exp,
// log, sqrt (with ln accepted as an alias for log).
type Call struct {
	name string
	arg  Expr
}

// CallOf builds the simplified function application name(arg).
func CallOf(name string, arg Expr) Expr {
	if name == "ln" {
		name = "log"
	}
	return (&Call{name: name, arg: arg}).Simplify()
}

func (c *Call) isExpr() {}

// Name returns the function name.
func (c *Call) Name() string { return c.name }

// Arg returns the function argument.
func (c *Call) Arg() Expr { return c.arg }

func (c *Call) Simplify() Expr {
	arg := c.arg.Simplify()
	if n, ok := arg.(*Num); ok {
		switch c.name {
		case "sin", "tan":
			if n.IsZero() {
				return Int(0)
			}
		case "cos", "exp":
			if n.IsZero() {
				return Int(1)
			}
		case "log":
			if n.IsOne() {
				return Int(0)
			}
		case "sqrt":
			if n.IsZero() || n.IsOne() {
				return n
			}
		}
	}
	if inner, ok := arg.(*Call); ok {
		if c.name == "log" && inner.name == "exp" {
			return inner.arg
		}
		if c.name == "exp" && inner.name == "log" {
			return inner.arg
		}
	}
	return &Call{name: c.name, arg: arg}
}

func (c *Call) String() string {
	return c.name + "(" + c.arg.String() + ")"
}

func (c *Call) Eval(env *Env) float64 {
	v := c.arg.Eval(env)
	switch c.name {
	case "sin":
		return math.Sin(v)
	case "cos":
		return math.Cos(v)
	case "tan":
		return math.Tan(v)
	case "exp":
		return math.Exp(v)
	case "log":
		return math.Log(v)
	case "sqrt":
		return math.Sqrt(v)
	default:
		return math.NaN()
	}
}

func (c *Call) Diff(s symtab.Symbol) Expr {
	du := c.arg.Diff(s)
	var outer Expr
	switch c.name {
	case "sin":
		outer = CallOf("cos", c.arg)
	case "cos":
		outer = Neg(CallOf("sin", c.arg))
	case "tan":
		outer = AddOf(Int(1), PowOf(CallOf("tan", c.arg), Int(2)))
	case "exp":
		outer = CallOf("exp", c.arg)
	case "log":
		outer = PowOf(c.arg, Int(-1))
	case "sqrt":
		outer = MulOf(Rat(1, 2), PowOf(c.arg, Rat(-1, 2)))
	default:
		outer = Int(0)
	}
	return MulOf(outer, du)
}

func (c *Call) Equal(other Expr) bool {
	return structEqual(c.Simplify(), other.Simplify())
}

// structEqual compares two canonical trees node by node. Canonical ordering
// makes structural equality coincide with algebraic equality of the
// collected forms.
func structEqual(a, b Expr) bool {
	switch x := a.(type) {
	case *Num:
		y, ok := b.(*Num)
		return ok && x.val.Cmp(y.val) == 0
	case *Sym:
		y, ok := b.(*Sym)
		return ok && x.sym == y.sym
	case *Add:
		y, ok := b.(*Add)
		if !ok || len(x.terms) != len(y.terms) {
			return false
		}
		for i := range x.terms {
			if !structEqual(x.terms[i], y.terms[i]) {
				return false
			}
		}
		return true
	case *Mul:
		y, ok := b.(*Mul)
		if !ok || len(x.factors) != len(y.factors) {
			return false
		}
		for i := range x.factors {
			if !structEqual(x.factors[i], y.factors[i]) {
				return false
			}
		}
		return true
	case *Pow:
		y, ok := b.(*Pow)
		return ok && structEqual(x.base, y.base) && structEqual(x.exp, y.exp)
	case *Call:
		y, ok := b.(*Call)
		return ok && x.name == y.name && structEqual(x.arg, y.arg)
	}
	return false
}

// Expand distributes products over sums and unrolls small positive integer
// powers of sums, then simplifies. The unroll engine compares fully
// expanded forms when checking residuals and round trips.
func Expand(e Expr) Expr {
	return expand(e.Simplify()).Simplify()
}

func expand(e Expr) Expr {
	switch v := e.(type) {
	case *Add:
		terms := make([]Expr, len(v.terms))
		for i, t := range v.terms {
			terms[i] = expand(t)
		}
		return AddOf(terms...)
	case *Mul:
		terms := []Expr{Int(1)}
		for _, f := range v.factors {
			ef := expand(f)
			var next []Expr
			if fa, ok := ef.(*Add); ok {
				for _, t := range terms {
					for _, at := range fa.terms {
						next = append(next, MulOf(t, at))
					}
				}
			} else {
				for _, t := range terms {
					next = append(next, MulOf(t, ef))
				}
			}
			terms = next
		}
		return AddOf(terms...)
	case *Pow:
		base := expand(v.base)
		if en, ok := v.exp.(*Num); ok && en.val.IsInt() {
			n := en.val.Num().Int64()
			if _, isAdd := base.(*Add); isAdd && n >= 2 && n <= 8 {
				out := base
				for i := int64(1); i < n; i++ {
					out = crossTerms(out, base)
				}
				return out
			}
		}
		return PowOf(base, v.exp)
	case *Call:
		return CallOf(v.name, expand(v.arg))
	}
	return e
}

// crossTerms multiplies two expanded sums term by term, avoiding the
// power-merging that MulOf would apply to a sum times itself.
func crossTerms(a, b Expr) Expr {
	var out []Expr
	for _, ta := range Terms(a) {
		for _, tb := range Terms(b) {
			out = append(out, MulOf(ta, tb))
		}
	}
	return AddOf(out...)
}
