// Package unroll infers a plausible event decomposition from raw ODE
// right-hand sides when no event information was supplied.
//
// The engine matches negative additive terms in one state equation against
// positive terms in other state equations: an exact magnitude match becomes
// a Transition, a positive term equal to the outflow magnitude times a
// parameter-only factor becomes a partial Transition, and whatever outflow
// remains after a partial split becomes a Death. Unmatched leftovers are
// classified as Births or Deaths, never dropped. Several distinct event
// decompositions can explain the same ODE system, so every non-obvious
// choice is recorded as an ambiguity warning in the diagnostics; unrolling
// is best effort, not canonical.
package unroll

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"github.com/pflow-xyz/go-ctmc/event"
	"github.com/pflow-xyz/go-ctmc/expr"
	"github.com/pflow-xyz/go-ctmc/stoich"
	"github.com/pflow-xyz/go-ctmc/symtab"
)

// ErrInconsistent is returned when the inferred events, recompiled through
// the stoichiometry compiler, fail to reproduce the input ODE system.
var ErrInconsistent = errors.New("unrolled events do not reproduce the input system")

// Confidence grades the provenance of an inferred event.
type Confidence int

const (
	// Exact means the event follows from an exact term match or an
	// unmatched leftover with a single possible classification.
	Exact Confidence = iota

	// Ambiguous means the event came from a partial split or a greedy
	// tie-break among several valid pairings.
	Ambiguous
)

func (c Confidence) String() string {
	if c == Ambiguous {
		return "ambiguous"
	}
	return "exact"
}

// InferredEvent is an inferred event plus its provenance.
type InferredEvent struct {
	Event       event.Event
	Confidence  Confidence
	SourceTerms []string
}

// Warning records one ambiguous pairing decision. Ambiguity flags real
// uncertainty in the inferred model, not a defect, and is never silently
// resolved.
type Warning struct {
	State    symtab.Symbol
	Term     string
	Involved []symtab.Symbol
	Message  string
}

// Diagnostics collects the warnings of one unroll run.
type Diagnostics struct {
	Warnings []Warning
}

// Policy fixes the tie-break order for ambiguous pairings. The exact order
// is a documented convention, not a correctness property; both policies
// yield round-trip-consistent decompositions.
type Policy int

const (
	// LowestIndexFirst pairs against candidate states in ascending
	// registration order (the default).
	LowestIndexFirst Policy = iota

	// HighestIndexFirst pairs against candidate states in descending
	// registration order.
	HighestIndexFirst
)

// Options configures an unroll run. The zero value is usable: lowest-index
// tie-breaks and no logging.
type Options struct {
	Policy Policy
	Logger zerolog.Logger
}

// term is one signed additive term of a state equation.
type term struct {
	mag      expr.Expr // absolute magnitude, canonical
	sign     int
	text     string
	consumed bool
}

// Unroll infers events from one parsed ODE expression per state, ordered
// by state index. States whose equation is identically zero remain in the
// model but originate no events.
func Unroll(table *symtab.Table, odes []expr.Expr, opts *Options) ([]InferredEvent, *Diagnostics, error) {
	if opts == nil {
		opts = &Options{Logger: zerolog.Nop()}
	}
	states := table.States()
	if len(odes) != len(states) {
		return nil, nil, fmt.Errorf("unroll: got %d equations for %d states", len(odes), len(states))
	}

	terms := make([][]*term, len(states))
	for i, ode := range odes {
		terms[i] = splitTerms(ode)
	}

	diags := &Diagnostics{}
	var inferred []InferredEvent

	for _, i := range scanOrder(len(states), opts.Policy) {
		for _, t := range terms[i] {
			if t.sign >= 0 || t.consumed {
				continue
			}
			inferred = matchOutflow(states, terms, i, t, opts, diags, inferred)
		}
	}

	// Whatever is left is a birth or a death; nothing is dropped.
	for i, st := range terms {
		for _, t := range st {
			if t.consumed {
				continue
			}
			var ev event.Event
			if t.sign > 0 {
				ev = event.Birth{Into: states[i], RateFn: t.mag}
			} else {
				ev = event.Death{From: states[i], RateFn: t.mag}
			}
			inferred = append(inferred, InferredEvent{
				Event:       ev,
				Confidence:  Exact,
				SourceTerms: []string{t.text},
			})
		}
	}

	if err := verifyRoundTrip(table, odes, inferred); err != nil {
		return nil, nil, err
	}
	return inferred, diags, nil
}

// matchOutflow pairs one negative term of state i against positive terms
// of the other states, greedily in policy order.
func matchOutflow(states []symtab.Symbol, terms [][]*term, i int, t *term, opts *Options, diags *Diagnostics, inferred []InferredEvent) []InferredEvent {
	type candidate struct {
		state int
		pos   *term
		ratio expr.Expr
	}
	var candidates []candidate
	for _, j := range scanOrder(len(states), opts.Policy) {
		if j == i {
			continue
		}
		for _, p := range terms[j] {
			if p.sign <= 0 || p.consumed {
				continue
			}
			if ratio, ok := paramRatio(p.mag, t.mag); ok {
				candidates = append(candidates, candidate{state: j, pos: p, ratio: ratio})
			}
		}
	}
	if len(candidates) == 0 {
		return inferred // classified as a plain death later
	}

	remaining := t.mag
	consumed := 0
	skipped := 0
	var involved []symtab.Symbol
	for _, c := range candidates {
		if expr.IsZero(remaining) {
			skipped++
			continue
		}
		next := expr.Expand(expr.Sub(remaining, c.pos.mag))
		if overdraws(next) {
			// The candidate is larger than the outflow left to explain;
			// consuming it would drive the residual rate negative.
			continue
		}
		conf := Exact
		if !isOne(c.ratio) {
			conf = Ambiguous
		}
		inferred = append(inferred, InferredEvent{
			Event: event.Transition{
				From:   states[i],
				To:     states[c.state],
				RateFn: c.pos.mag,
			},
			Confidence:  conf,
			SourceTerms: []string{t.text, c.pos.text},
		})
		involved = append(involved, states[c.state])
		c.pos.consumed = true
		remaining = next
		consumed++
	}
	if consumed == 0 {
		return inferred // nothing fit; the leftover pass classifies the term
	}
	t.consumed = true

	if !expr.IsZero(remaining) {
		residual := remaining.Simplify()
		inferred = append(inferred, InferredEvent{
			Event:       event.Death{From: states[i], RateFn: residual},
			Confidence:  Ambiguous,
			SourceTerms: []string{t.text},
		})
		warn(diags, opts, Warning{
			State:    states[i],
			Term:     t.text,
			Involved: involved,
			Message: fmt.Sprintf("outflow %s of %s split across %d transition(s); residual %s classified as death",
				t.text, states[i].Name, consumed, residual.String()),
		})
	}
	if skipped > 0 {
		warn(diags, opts, Warning{
			State:    states[i],
			Term:     t.text,
			Involved: involved,
			Message: fmt.Sprintf("term %s of %s admitted %d further valid pairing(s); greedy tie-break kept the first %d",
				t.text, states[i].Name, skipped, consumed),
		})
	}
	return inferred
}

func warn(diags *Diagnostics, opts *Options, w Warning) {
	diags.Warnings = append(diags.Warnings, w)
	opts.Logger.Warn().
		Str("state", w.State.Name).
		Str("term", w.Term).
		Msg(w.Message)
}

// verifyRoundTrip recompiles the inferred events and compares the
// resulting ODE system against the input symbolically.
func verifyRoundTrip(table *symtab.Table, odes []expr.Expr, inferred []InferredEvent) error {
	events := make([]event.Event, len(inferred))
	for i, ie := range inferred {
		events[i] = ie.Event
	}
	sys, err := stoich.Compile(table, events)
	if err != nil {
		return fmt.Errorf("%w: recompilation failed: %v", ErrInconsistent, err)
	}
	for i, st := range table.States() {
		got := expr.Expand(sys.F[i])
		want := expr.Expand(odes[i])
		if !got.Equal(want) {
			return fmt.Errorf("%w: state %q: got %s, want %s", ErrInconsistent, st.Name, got.String(), want.String())
		}
	}
	return nil
}

// splitTerms expands a right-hand side into signed additive terms.
func splitTerms(ode expr.Expr) []*term {
	var out []*term
	for _, t := range expr.Terms(ode.Simplify()) {
		coeff, rest := expr.SplitCoeff(t)
		sign := coeff.Sign()
		if sign == 0 {
			continue
		}
		abs := new(big.Rat).Abs(coeff)
		var mag expr.Expr
		if rest == nil {
			mag = expr.FromRat(abs)
		} else {
			mag = expr.MulOf(expr.FromRat(abs), rest)
		}
		out = append(out, &term{mag: mag, sign: sign, text: t.String()})
	}
	return out
}

// scanOrder returns state indices in the order fixed by the policy.
func scanOrder(n int, p Policy) []int {
	out := make([]int, n)
	for i := range out {
		if p == HighestIndexFirst {
			out[i] = n - 1 - i
		} else {
			out[i] = i
		}
	}
	return out
}

// paramRatio reports whether pos = ratio * neg for a ratio free of state
// and time symbols, i.e. whether the positive term is a parameter-scaled
// share of the outflow magnitude. Exact matches return ratio 1.
func paramRatio(pos, neg expr.Expr) (expr.Expr, bool) {
	pc, pf := decompose(pos)
	nc, nf := decompose(neg)

	quot := make(map[string]factorPower, len(pf))
	for k, v := range pf {
		quot[k] = factorPower{base: v.base, exp: new(big.Rat).Set(v.exp)}
	}
	for k, v := range nf {
		if cur, ok := quot[k]; ok {
			cur.exp.Sub(cur.exp, v.exp)
			quot[k] = cur
		} else {
			quot[k] = factorPower{base: v.base, exp: new(big.Rat).Neg(v.exp)}
		}
	}

	factors := []expr.Expr{expr.FromRat(new(big.Rat).Quo(pc, nc))}
	for _, v := range quot {
		if v.exp.Sign() == 0 {
			continue
		}
		if expr.ContainsKind(v.base, symtab.StateKind) || expr.ContainsKind(v.base, symtab.TimeKind) {
			return nil, false
		}
		factors = append(factors, expr.PowOf(v.base, expr.FromRat(v.exp)))
	}
	return expr.MulOf(factors...), true
}

type factorPower struct {
	base expr.Expr
	exp  *big.Rat
}

// decompose splits a canonical magnitude into its rational coefficient and
// a factor/exponent map keyed by canonical factor text.
func decompose(e expr.Expr) (*big.Rat, map[string]factorPower) {
	coeff, rest := expr.SplitCoeff(e)
	factors := make(map[string]factorPower)
	if rest == nil {
		return coeff, factors
	}
	for _, f := range expr.Factors(rest) {
		base := f
		exp := new(big.Rat).SetInt64(1)
		if p, ok := f.(*expr.Pow); ok {
			if c, isConst := expr.Constant(p.Exponent()); isConst {
				base = p.Base()
				exp = c
			}
		}
		key := base.String()
		if cur, ok := factors[key]; ok {
			cur.exp.Add(cur.exp, exp)
			factors[key] = cur
		} else {
			factors[key] = factorPower{base: base, exp: exp}
		}
	}
	return coeff, factors
}

// overdraws reports whether an expanded remainder has gone strictly
// negative in every term, which happens when a candidate exceeds the
// outflow it would be matched against.
func overdraws(e expr.Expr) bool {
	for _, t := range expr.Terms(e.Simplify()) {
		coeff, _ := expr.SplitCoeff(t)
		if coeff.Sign() >= 0 {
			return false
		}
	}
	return true
}

func isOne(e expr.Expr) bool {
	c, ok := expr.Constant(e)
	return ok && c.Cmp(big.NewRat(1, 1)) == 0
}
