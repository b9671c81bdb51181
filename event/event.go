// Package event defines the in-memory representation of stochastic events.
// An event moves probability mass between compartments: a Transition has
// both an origin and a destination, a Birth only a destination, a Death
// only an origin. The variant set is closed; each variant statically
// carries exactly the endpoints its kind requires, so there is no runtime
// kind-string branching and no way to express an event with neither
// endpoint through the variant constructors.
package event

import (
	"github.com/pflow-xyz/go-ctmc/expr"
	"github.com/pflow-xyz/go-ctmc/symtab"
)

// Effect couples an extra state change to an event beyond its primary
// origin/destination flow. The coefficient is accumulated into the state's
// row of the stoichiometry matrix and must simplify to a rational constant
// at compile time.
type Effect struct {
	State symtab.Symbol
	Coeff expr.Expr
}

// Event is the closed interface over the three variants. Only types in
// this package implement it.
type Event interface {
	// Origin returns the origin compartment, if the variant has one.
	Origin() (symtab.Symbol, bool)

	// Destination returns the destination compartment, if the variant has
	// one.
	Destination() (symtab.Symbol, bool)

	// Rate returns the occurrence rate expression λ.
	Rate() expr.Expr

	// Secondary returns the ordered secondary effects.
	Secondary() []Effect

	isEvent()
}

// Transition moves one unit from an origin compartment to a destination
// compartment.
type Transition struct {
	From    symtab.Symbol
	To      symtab.Symbol
	RateFn  expr.Expr
	Effects []Effect
}

func (t Transition) isEvent() {}

func (t Transition) Origin() (symtab.Symbol, bool)      { return t.From, !t.From.IsZero() }
func (t Transition) Destination() (symtab.Symbol, bool) { return t.To, !t.To.IsZero() }
func (t Transition) Rate() expr.Expr                    { return t.RateFn }
func (t Transition) Secondary() []Effect                { return t.Effects }

// Birth creates one unit in a destination compartment out of nothing
// (immigration, recruitment, inflow).
type Birth struct {
	Into    symtab.Symbol
	RateFn  expr.Expr
	Effects []Effect
}

func (b Birth) isEvent() {}

func (b Birth) Origin() (symtab.Symbol, bool)      { return symtab.Symbol{}, false }
func (b Birth) Destination() (symtab.Symbol, bool) { return b.Into, !b.Into.IsZero() }
func (b Birth) Rate() expr.Expr                    { return b.RateFn }
func (b Birth) Secondary() []Effect                { return b.Effects }

// Death removes one unit from an origin compartment (mortality, emigration,
// outflow).
type Death struct {
	From    symtab.Symbol
	RateFn  expr.Expr
	Effects []Effect
}

func (d Death) isEvent() {}

func (d Death) Origin() (symtab.Symbol, bool)      { return d.From, !d.From.IsZero() }
func (d Death) Destination() (symtab.Symbol, bool) { return symtab.Symbol{}, false }
func (d Death) Rate() expr.Expr                    { return d.RateFn }
func (d Death) Secondary() []Effect                { return d.Effects }

// Signature renders a stable textual form of an event: endpoints plus the
// canonical rate and effects. Used for cache keys and diagnostics.
func Signature(ev Event) string {
	var from, to string
	if o, ok := ev.Origin(); ok {
		from = o.Name
	}
	if d, ok := ev.Destination(); ok {
		to = d.Name
	}
	sig := from + "->" + to + " @ " + ev.Rate().Simplify().String()
	for _, eff := range ev.Secondary() {
		sig += " & " + eff.State.Name + ":" + eff.Coeff.Simplify().String()
	}
	return sig
}
