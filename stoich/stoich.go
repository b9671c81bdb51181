// Package stoich compiles an ordered event list into the stoichiometry
// matrix D, the rate vector λ, and the ODE right-hand side f = D·λ.
//
// Compilation is a pure, synchronous transformation over immutable inputs:
// distinct models may be compiled concurrently, but the symbol table must
// be frozen (no further registrations) for the duration of a call. Failure
// is atomic: a validation error aborts before any artifact is assembled,
// so a partially built matrix is never observable.
package stoich

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/pflow-xyz/go-ctmc/event"
	"github.com/pflow-xyz/go-ctmc/expr"
	"github.com/pflow-xyz/go-ctmc/symtab"
)

// Errors returned by Compile.
var (
	// ErrMissingFlow is returned for an event with neither origin nor
	// destination. Such an event moves nothing and cannot have a column.
	ErrMissingFlow = errors.New("event has neither origin nor destination")

	// ErrEffectCollision is returned when a secondary effect names the
	// event's own origin or destination; the change would be ambiguous
	// with the direct ±1 magnitude.
	ErrEffectCollision = errors.New("secondary effect collides with origin or destination")

	// ErrForeignSymbol is returned when an event references a symbol that
	// was not issued by the model's table.
	ErrForeignSymbol = errors.New("symbol not declared in this model")

	// ErrNonConstantEffect is returned when a secondary effect coefficient
	// does not simplify to a rational constant.
	ErrNonConstantEffect = errors.New("secondary effect coefficient is not constant")
)

// System is the compiled artifact consumed by downstream solvers and
// simulators. Row i of D is the state with index i; column k is the event
// with input position k. The column order is exactly the input event
// order, and stochastic simulators index events by this ordinal.
type System struct {
	Table  *symtab.Table
	Events []event.Event

	// D is the n_states × n_events stoichiometry matrix.
	D [][]float64

	// Lambda holds the per-event rate expressions, unchanged from the
	// input events.
	Lambda []expr.Expr

	// F holds the simplified ODE right-hand side per state, f = D·λ.
	F []expr.Expr

	lambdaSimplified []expr.Expr
}

// NumStates returns the number of rows of D.
func (s *System) NumStates() int { return len(s.D) }

// NumEvents returns the number of columns of D.
func (s *System) NumEvents() int { return len(s.Lambda) }

// Compile validates the event list against the table and assembles
// (D, λ, f). The returned system references the input events; events and
// table must not be mutated afterwards.
func Compile(table *symtab.Table, events []event.Event) (*System, error) {
	if err := validate(table, events); err != nil {
		return nil, err
	}

	n := table.NumStates()
	m := len(events)

	// Exact rational accumulation; the float matrix is derived from it so
	// repeated compilations of the same events are bit-identical.
	dRat := make([][]*big.Rat, n)
	for i := range dRat {
		dRat[i] = make([]*big.Rat, m)
		for k := range dRat[i] {
			dRat[i][k] = new(big.Rat)
		}
	}

	lambda := make([]expr.Expr, m)
	simplified := make([]expr.Expr, m)
	for k, ev := range events {
		if o, ok := ev.Origin(); ok {
			dRat[o.Index][k].Sub(dRat[o.Index][k], big.NewRat(1, 1))
		}
		if d, ok := ev.Destination(); ok {
			dRat[d.Index][k].Add(dRat[d.Index][k], big.NewRat(1, 1))
		}
		for _, eff := range ev.Secondary() {
			c, _ := expr.Constant(eff.Coeff)
			dRat[eff.State.Index][k].Add(dRat[eff.State.Index][k], c)
		}
		lambda[k] = ev.Rate()
		simplified[k] = ev.Rate().Simplify()
	}

	d := make([][]float64, n)
	f := make([]expr.Expr, n)
	for i := 0; i < n; i++ {
		d[i] = make([]float64, m)
		terms := make([]expr.Expr, 0, m)
		for k := 0; k < m; k++ {
			d[i][k], _ = dRat[i][k].Float64()
			if dRat[i][k].Sign() != 0 {
				terms = append(terms, expr.MulOf(expr.FromRat(dRat[i][k]), simplified[k]))
			}
		}
		f[i] = expr.AddOf(terms...)
	}

	return &System{
		Table:            table,
		Events:           events,
		D:                d,
		Lambda:           lambda,
		F:                f,
		lambdaSimplified: simplified,
	}, nil
}

// validate checks every reference before any assembly happens.
func validate(table *symtab.Table, events []event.Event) error {
	for k, ev := range events {
		origin, hasOrigin := ev.Origin()
		dest, hasDest := ev.Destination()
		if !hasOrigin && !hasDest {
			return fmt.Errorf("event %d: %w", k, ErrMissingFlow)
		}
		if hasOrigin {
			if err := checkState(table, origin); err != nil {
				return fmt.Errorf("event %d origin: %w", k, err)
			}
		}
		if hasDest {
			if err := checkState(table, dest); err != nil {
				return fmt.Errorf("event %d destination: %w", k, err)
			}
		}
		if ev.Rate() == nil {
			return fmt.Errorf("event %d: %w: nil rate", k, ErrForeignSymbol)
		}
		for _, sym := range expr.Symbols(ev.Rate()) {
			if !table.Contains(sym) {
				return fmt.Errorf("event %d rate: %w: %q", k, ErrForeignSymbol, sym.Name)
			}
		}
		for _, eff := range ev.Secondary() {
			if err := checkState(table, eff.State); err != nil {
				return fmt.Errorf("event %d secondary effect: %w", k, err)
			}
			if (hasOrigin && eff.State == origin) || (hasDest && eff.State == dest) {
				return fmt.Errorf("event %d: %w: %q", k, ErrEffectCollision, eff.State.Name)
			}
			if _, ok := expr.Constant(eff.Coeff); !ok {
				return fmt.Errorf("event %d: %w: %q", k, ErrNonConstantEffect, eff.Coeff.String())
			}
		}
	}
	return nil
}

func checkState(table *symtab.Table, sym symtab.Symbol) error {
	if sym.Kind != symtab.StateKind || !table.Contains(sym) {
		return fmt.Errorf("%w: %q", ErrForeignSymbol, sym.Name)
	}
	return nil
}

// RHS returns the ODE right-hand side as a plain function over dense
// vectors, the boundary interface consumed by deterministic solvers. y is
// ordered by state index, theta by parameter index.
func (s *System) RHS() func(t float64, y, theta []float64) []float64 {
	n := s.NumStates()
	return func(t float64, y, theta []float64) []float64 {
		env := &expr.Env{Y: y, Theta: theta, T: t}
		du := make([]float64, n)
		for i := 0; i < n; i++ {
			du[i] = s.F[i].Eval(env)
		}
		return du
	}
}

// Rates returns the rate vector evaluator consumed by stochastic
// simulators: λ evaluated at the current state.
func (s *System) Rates() func(t float64, y, theta []float64) []float64 {
	m := s.NumEvents()
	return func(t float64, y, theta []float64) []float64 {
		env := &expr.Env{Y: y, Theta: theta, T: t}
		out := make([]float64, m)
		for k := 0; k < m; k++ {
			out[k] = s.lambdaSimplified[k].Eval(env)
		}
		return out
	}
}

// Apply returns y + D·counts, the per-step state update of a stochastic
// simulator that drew counts[k] occurrences of event k.
func (s *System) Apply(y, counts []float64) []float64 {
	out := make([]float64, len(y))
	copy(out, y)
	for i := range s.D {
		for k, dk := range s.D[i] {
			if dk != 0 {
				out[i] += dk * counts[k]
			}
		}
	}
	return out
}
