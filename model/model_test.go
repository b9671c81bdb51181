package model

import (
	"errors"
	"testing"

	"github.com/pflow-xyz/go-ctmc/expr"
	"github.com/pflow-xyz/go-ctmc/symtab"
)

func buildSIR(t *testing.T) *Model {
	t.Helper()
	m := New("sir")
	for _, s := range []string{"S", "I", "R"} {
		if err := m.AddState(s); err != nil {
			t.Fatalf("add state %s: %v", s, err)
		}
	}
	for _, p := range []string{"beta", "gamma", "N"} {
		if err := m.AddParameter(p); err != nil {
			t.Fatalf("add parameter %s: %v", p, err)
		}
	}
	return m
}

func TestCompileFromEvents(t *testing.T) {
	m := buildSIR(t)
	if err := m.AddTransition("S", "I", "beta*S*I/N"); err != nil {
		t.Fatalf("add infection: %v", err)
	}
	if err := m.AddTransition("I", "R", "gamma*I"); err != nil {
		t.Fatalf("add recovery: %v", err)
	}

	sys, diags, err := m.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if diags != nil {
		t.Error("event models should not produce unroll diagnostics")
	}
	if sys.NumStates() != 3 || sys.NumEvents() != 2 {
		t.Fatalf("dimensions = %dx%d, want 3x2", sys.NumStates(), sys.NumEvents())
	}
	if sys.D[0][0] != -1 || sys.D[1][0] != 1 || sys.D[2][1] != 1 {
		t.Errorf("unexpected stoichiometry: %v", sys.D)
	}
}

func TestCompileFromODEs(t *testing.T) {
	m := buildSIR(t)
	odes := map[string]string{
		"S": "-beta*S*I/N",
		"I": "beta*S*I/N - gamma*I",
		"R": "gamma*I",
	}
	for state, rhs := range odes {
		if err := m.SetODE(state, rhs); err != nil {
			t.Fatalf("set ode for %s: %v", state, err)
		}
	}

	sys, diags, err := m.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if diags == nil {
		t.Fatal("ODE models should return diagnostics")
	}
	if len(diags.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", diags.Warnings)
	}

	// The recovered system must reproduce the declared equations.
	for i, want := range []string{"-beta*S*I/N", "beta*S*I/N - gamma*I", "gamma*I"} {
		e := expr.MustParse(want, m.Table())
		if !expr.Expand(sys.F[i]).Equal(expr.Expand(e)) {
			t.Errorf("f[%d] = %s, want %s", i, sys.F[i].String(), want)
		}
	}
}

func TestEventODEAgreement(t *testing.T) {
	viaEvents := buildSIR(t)
	viaEvents.AddTransition("S", "I", "beta*S*I/N")
	viaEvents.AddTransition("I", "R", "gamma*I")
	sysE, _, err := viaEvents.Compile()
	if err != nil {
		t.Fatalf("compile events: %v", err)
	}

	viaODEs := buildSIR(t)
	viaODEs.SetODE("S", "-beta*S*I/N")
	viaODEs.SetODE("I", "beta*S*I/N - gamma*I")
	viaODEs.SetODE("R", "gamma*I")
	sysO, _, err := viaODEs.Compile()
	if err != nil {
		t.Fatalf("compile odes: %v", err)
	}

	if sysE.NumEvents() != sysO.NumEvents() {
		t.Fatalf("event counts differ: %d vs %d", sysE.NumEvents(), sysO.NumEvents())
	}
	for i := range sysE.D {
		for k := range sysE.D[i] {
			if sysE.D[i][k] != sysO.D[i][k] {
				t.Errorf("D[%d][%d] differs: %g vs %g", i, k, sysE.D[i][k], sysO.D[i][k])
			}
		}
	}
}

func TestMixedInputRejected(t *testing.T) {
	m := buildSIR(t)
	m.AddTransition("S", "I", "beta*S*I/N")
	m.SetODE("R", "gamma*I")

	if _, _, err := m.Compile(); !errors.Is(err, ErrMixedInput) {
		t.Errorf("expected ErrMixedInput, got %v", err)
	}
}

func TestEndpointMustBeState(t *testing.T) {
	m := buildSIR(t)

	if err := m.AddTransition("beta", "I", "gamma*I"); !errors.Is(err, ErrNotAState) {
		t.Errorf("parameter origin: expected ErrNotAState, got %v", err)
	}
	if err := m.AddDeath("missing", "gamma*I"); !errors.Is(err, symtab.ErrUnknownSymbol) {
		t.Errorf("unknown origin: expected ErrUnknownSymbol, got %v", err)
	}
	if err := m.SetODE("gamma", "1"); !errors.Is(err, ErrNotAState) {
		t.Errorf("parameter equation: expected ErrNotAState, got %v", err)
	}
}

func TestRateParseErrorNamesToken(t *testing.T) {
	m := buildSIR(t)
	err := m.AddTransition("S", "I", "beta*S*bogus")
	if !errors.Is(err, expr.ErrUnboundSymbol) {
		t.Fatalf("expected ErrUnboundSymbol, got %v", err)
	}
}

func TestSetODEReplaces(t *testing.T) {
	m := buildSIR(t)
	m.SetODE("R", "gamma*I")
	m.SetODE("R", "2*gamma*I")

	decls := m.ODEDecls()
	if len(decls) != 1 {
		t.Fatalf("expected 1 declaration, got %d", len(decls))
	}
	if decls[0].RHS != "2*gamma*I" {
		t.Errorf("declaration = %q, want the replacement", decls[0].RHS)
	}
}

func TestSecondaryEffectDecls(t *testing.T) {
	m := New("viral")
	m.AddState("S")
	m.AddState("I")
	m.AddState("V")
	m.AddParameter("beta")

	err := m.AddTransition("S", "I", "beta*S*V", EffectDecl{State: "V", Coeff: "-2"})
	if err != nil {
		t.Fatalf("add transition: %v", err)
	}
	sys, _, err := m.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if sys.D[2][0] != -2 {
		t.Errorf("V stoichiometry = %g, want -2", sys.D[2][0])
	}
}

func TestStateBoundsRecorded(t *testing.T) {
	m := New("bounded")
	if err := m.AddStateBounded("S", 0, 1000); err != nil {
		t.Fatalf("add bounded state: %v", err)
	}
	b, ok := m.Table().StateBounds("S")
	if !ok || b.Upper != 1000 {
		t.Errorf("bounds = %+v, %v", b, ok)
	}
	decls := m.StateDecls()
	if len(decls) != 1 || decls[0].Bounds == nil || decls[0].Bounds.Upper != 1000 {
		t.Errorf("declaration bounds not recorded: %+v", decls)
	}
}

func TestGenerationsAreDistinct(t *testing.T) {
	a := New("a")
	b := New("b")
	if a.Generation() == b.Generation() {
		t.Error("two models share a generation id")
	}
}
