// Package model is the user-facing builder for compartmental models. A
// Model owns one symbol table generation, collects declarations (states,
// parameters, events or raw ODEs) in source form, and compiles them into a
// stoich.System. Declaring events and raw ODEs on the same model is
// rejected: a model is either built forward from events or unrolled
// backward from equations, never both.
package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pflow-xyz/go-ctmc/event"
	"github.com/pflow-xyz/go-ctmc/expr"
	"github.com/pflow-xyz/go-ctmc/stoich"
	"github.com/pflow-xyz/go-ctmc/symtab"
	"github.com/pflow-xyz/go-ctmc/unroll"
)

var (
	// ErrMixedInput is returned by Compile when a model declares both
	// events and raw ODEs.
	ErrMixedInput = errors.New("model declares both events and raw ODEs")

	// ErrNotAState is returned when an event endpoint or ODE target names
	// a symbol that is not a registered state.
	ErrNotAState = errors.New("symbol is not a state")
)

// StateDecl is a state declaration in source form.
type StateDecl struct {
	Name   string
	Bounds *symtab.Bounds
}

// EffectDecl is a secondary effect in source form.
type EffectDecl struct {
	State string
	Coeff string
}

// EventDecl is an event declaration in source form. Kind is one of
// "transition", "birth", "death"; From and To are empty where the kind has
// no such endpoint.
type EventDecl struct {
	Kind    string
	From    string
	To      string
	Rate    string
	Effects []EffectDecl
}

// ODEDecl is a raw equation declaration in source form.
type ODEDecl struct {
	State string
	RHS   string
}

// Model accumulates declarations for one model generation.
type Model struct {
	name   string
	table  *symtab.Table
	logger zerolog.Logger
	policy unroll.Policy

	events     []event.Event
	eventDecls []EventDecl

	stateDecls []StateDecl
	paramDecls []string

	odes     map[string]expr.Expr
	odeDecls []ODEDecl
}

// Option configures a Model at construction.
type Option func(*config)

type config struct {
	timeName string
	logger   zerolog.Logger
	policy   unroll.Policy
}

// WithTimeName overrides the name of the time symbol (default "t").
func WithTimeName(name string) Option {
	return func(c *config) { c.timeName = name }
}

// WithLogger attaches a logger; unroll diagnostics are reported through it.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithPolicy fixes the tie-break policy used when unrolling raw ODEs.
func WithPolicy(p unroll.Policy) Option {
	return func(c *config) { c.policy = p }
}

// New creates an empty model and mints a fresh symbol table generation.
func New(name string, opts ...Option) *Model {
	cfg := &config{timeName: "t", logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Model{
		name:   name,
		table:  symtab.New(cfg.timeName),
		logger: cfg.logger,
		policy: cfg.policy,
		odes:   make(map[string]expr.Expr),
	}
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// Generation returns the unique id of the model's symbol table generation.
func (m *Model) Generation() uuid.UUID { return m.table.Generation() }

// Table returns the model's symbol table.
func (m *Model) Table() *symtab.Table { return m.table }

// TimeName returns the name of the time symbol.
func (m *Model) TimeName() string { return m.table.Time().Name }

// AddState registers a compartment.
func (m *Model) AddState(name string) error {
	if _, err := m.table.RegisterState(name, nil); err != nil {
		return err
	}
	m.stateDecls = append(m.stateDecls, StateDecl{Name: name})
	return nil
}

// AddStateBounded registers a compartment with admissible bounds. Bounds
// are advisory metadata for downstream tooling; compilation does not
// enforce them.
func (m *Model) AddStateBounded(name string, lower, upper float64) error {
	b := symtab.Bounds{Lower: lower, Upper: upper}
	if _, err := m.table.RegisterState(name, &b); err != nil {
		return err
	}
	m.stateDecls = append(m.stateDecls, StateDecl{Name: name, Bounds: &b})
	return nil
}

// AddParameter registers a parameter.
func (m *Model) AddParameter(name string) error {
	if _, err := m.table.RegisterParameter(name); err != nil {
		return err
	}
	m.paramDecls = append(m.paramDecls, name)
	return nil
}

// AddTransition declares a from/to event with the given rate expression.
func (m *Model) AddTransition(from, to, rate string, effects ...EffectDecl) error {
	fromSym, err := m.resolveState(from)
	if err != nil {
		return err
	}
	toSym, err := m.resolveState(to)
	if err != nil {
		return err
	}
	rateExpr, effs, err := m.parseEventBody(rate, effects)
	if err != nil {
		return err
	}
	m.events = append(m.events, event.Transition{From: fromSym, To: toSym, RateFn: rateExpr, Effects: effs})
	m.eventDecls = append(m.eventDecls, EventDecl{Kind: "transition", From: from, To: to, Rate: rate, Effects: effects})
	return nil
}

// AddBirth declares an event creating one unit in a compartment.
func (m *Model) AddBirth(into, rate string, effects ...EffectDecl) error {
	intoSym, err := m.resolveState(into)
	if err != nil {
		return err
	}
	rateExpr, effs, err := m.parseEventBody(rate, effects)
	if err != nil {
		return err
	}
	m.events = append(m.events, event.Birth{Into: intoSym, RateFn: rateExpr, Effects: effs})
	m.eventDecls = append(m.eventDecls, EventDecl{Kind: "birth", To: into, Rate: rate, Effects: effects})
	return nil
}

// AddDeath declares an event removing one unit from a compartment.
func (m *Model) AddDeath(from, rate string, effects ...EffectDecl) error {
	fromSym, err := m.resolveState(from)
	if err != nil {
		return err
	}
	rateExpr, effs, err := m.parseEventBody(rate, effects)
	if err != nil {
		return err
	}
	m.events = append(m.events, event.Death{From: fromSym, RateFn: rateExpr, Effects: effs})
	m.eventDecls = append(m.eventDecls, EventDecl{Kind: "death", From: from, Rate: rate, Effects: effects})
	return nil
}

// SetODE declares the raw right-hand side of one state equation. Setting
// the same state twice replaces the earlier equation. States never set
// default to a zero right-hand side at compile time.
func (m *Model) SetODE(state, rhs string) error {
	if _, err := m.resolveState(state); err != nil {
		return err
	}
	e, err := expr.Parse(rhs, m.table)
	if err != nil {
		return fmt.Errorf("equation for %q: %w", state, err)
	}
	if _, replaced := m.odes[state]; replaced {
		for i := range m.odeDecls {
			if m.odeDecls[i].State == state {
				m.odeDecls[i].RHS = rhs
			}
		}
	} else {
		m.odeDecls = append(m.odeDecls, ODEDecl{State: state, RHS: rhs})
	}
	m.odes[state] = e
	return nil
}

// Compile builds the stoichiometric system. Event models compile directly;
// ODE models are unrolled first, and the diagnostics carry any ambiguity
// warnings from the inference. The diagnostics are nil for event models.
func (m *Model) Compile() (*stoich.System, *unroll.Diagnostics, error) {
	if len(m.events) > 0 && len(m.odes) > 0 {
		return nil, nil, ErrMixedInput
	}

	evs := m.events
	var diags *unroll.Diagnostics
	if len(m.odes) > 0 {
		rhs := make([]expr.Expr, m.table.NumStates())
		for i, st := range m.table.States() {
			if e, ok := m.odes[st.Name]; ok {
				rhs[i] = e
			} else {
				rhs[i] = expr.Int(0)
			}
		}
		inferred, d, err := unroll.Unroll(m.table, rhs, &unroll.Options{
			Policy: m.policy,
			Logger: m.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		diags = d
		evs = make([]event.Event, len(inferred))
		for i, ie := range inferred {
			evs[i] = ie.Event
		}
	}

	sys, err := stoich.Compile(m.table, evs)
	if err != nil {
		return nil, nil, err
	}
	return sys, diags, nil
}

// Events returns the declared events in declaration order.
func (m *Model) Events() []event.Event {
	out := make([]event.Event, len(m.events))
	copy(out, m.events)
	return out
}

// StateDecls returns the state declarations in source form.
func (m *Model) StateDecls() []StateDecl {
	out := make([]StateDecl, len(m.stateDecls))
	copy(out, m.stateDecls)
	return out
}

// ParameterDecls returns the parameter names in declaration order.
func (m *Model) ParameterDecls() []string {
	out := make([]string, len(m.paramDecls))
	copy(out, m.paramDecls)
	return out
}

// EventDecls returns the event declarations in source form.
func (m *Model) EventDecls() []EventDecl {
	out := make([]EventDecl, len(m.eventDecls))
	copy(out, m.eventDecls)
	return out
}

// ODEDecls returns the raw equation declarations in source form.
func (m *Model) ODEDecls() []ODEDecl {
	out := make([]ODEDecl, len(m.odeDecls))
	copy(out, m.odeDecls)
	return out
}

func (m *Model) resolveState(name string) (symtab.Symbol, error) {
	sym, err := m.table.Resolve(name)
	if err != nil {
		return symtab.Symbol{}, err
	}
	if sym.Kind != symtab.StateKind {
		return symtab.Symbol{}, fmt.Errorf("%w: %q is a %s", ErrNotAState, name, sym.Kind)
	}
	return sym, nil
}

func (m *Model) parseEventBody(rate string, effects []EffectDecl) (expr.Expr, []event.Effect, error) {
	rateExpr, err := expr.Parse(rate, m.table)
	if err != nil {
		return nil, nil, fmt.Errorf("rate %q: %w", rate, err)
	}
	var effs []event.Effect
	for _, decl := range effects {
		sym, err := m.resolveState(decl.State)
		if err != nil {
			return nil, nil, fmt.Errorf("secondary effect: %w", err)
		}
		coeff, err := expr.Parse(decl.Coeff, m.table)
		if err != nil {
			return nil, nil, fmt.Errorf("secondary effect on %q: %w", decl.State, err)
		}
		effs = append(effs, event.Effect{State: sym, Coeff: coeff})
	}
	return rateExpr, effs, nil
}
