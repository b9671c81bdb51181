package stoich

import (
	"errors"
	"math"
	"testing"

	"github.com/pflow-xyz/go-ctmc/event"
	"github.com/pflow-xyz/go-ctmc/expr"
	"github.com/pflow-xyz/go-ctmc/symtab"
)

// sirModel builds the standard SIR event list: infection S->I at
// beta*S*I/N and recovery I->R at gamma*I.
func sirModel(t *testing.T) (*symtab.Table, []event.Event) {
	t.Helper()
	tab := symtab.New("t")
	s, _ := tab.RegisterState("S", nil)
	i, _ := tab.RegisterState("I", nil)
	r, _ := tab.RegisterState("R", nil)
	tab.RegisterParameter("beta")
	tab.RegisterParameter("gamma")
	tab.RegisterParameter("N")

	events := []event.Event{
		event.Transition{From: s, To: i, RateFn: expr.MustParse("beta*S*I/N", tab)},
		event.Transition{From: i, To: r, RateFn: expr.MustParse("gamma*I", tab)},
	}
	return tab, events
}

func TestCompileSIR(t *testing.T) {
	tab, events := sirModel(t)
	sys, err := Compile(tab, events)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if sys.NumStates() != 3 || sys.NumEvents() != 2 {
		t.Fatalf("dimensions = %dx%d, want 3x2", sys.NumStates(), sys.NumEvents())
	}

	wantD := [][]float64{
		{-1, 0},
		{1, -1},
		{0, 1},
	}
	for i := range wantD {
		for k := range wantD[i] {
			if sys.D[i][k] != wantD[i][k] {
				t.Errorf("D[%d][%d] = %g, want %g", i, k, sys.D[i][k], wantD[i][k])
			}
		}
	}

	wantF := []string{"-beta*S*I/N", "beta*S*I/N - gamma*I", "gamma*I"}
	for i, want := range wantF {
		if !sys.F[i].Equal(expr.MustParse(want, tab)) {
			t.Errorf("f[%d] = %s, want %s", i, sys.F[i].String(), want)
		}
	}
}

func TestColumnOrderFollowsInput(t *testing.T) {
	tab, events := sirModel(t)

	// Reversing the event list must reverse the columns, nothing else.
	reversed := []event.Event{events[1], events[0]}
	sys, err := Compile(tab, reversed)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if sys.D[0][1] != -1 || sys.D[0][0] != 0 {
		t.Errorf("S row = %v, want infection in column 1", sys.D[0])
	}
	if !sys.Lambda[0].Equal(expr.MustParse("gamma*I", tab)) {
		t.Errorf("lambda[0] = %s, want gamma*I", sys.Lambda[0].String())
	}
}

func TestPureTransitionColumnsConserveMass(t *testing.T) {
	tab, events := sirModel(t)
	sys, err := Compile(tab, events)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for k := 0; k < sys.NumEvents(); k++ {
		sum := 0.0
		for i := 0; i < sys.NumStates(); i++ {
			sum += sys.D[i][k]
		}
		if sum != 0 {
			t.Errorf("column %d sums to %g, want 0", k, sum)
		}
	}
}

func TestBirthDeathColumns(t *testing.T) {
	tab := symtab.New("t")
	n, _ := tab.RegisterState("X", nil)
	tab.RegisterParameter("mu")
	tab.RegisterParameter("lambda0")

	events := []event.Event{
		event.Birth{Into: n, RateFn: expr.MustParse("lambda0", tab)},
		event.Death{From: n, RateFn: expr.MustParse("mu*X", tab)},
	}
	sys, err := Compile(tab, events)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if sys.D[0][0] != 1 || sys.D[0][1] != -1 {
		t.Errorf("X row = %v, want [1 -1]", sys.D[0])
	}
	if !sys.F[0].Equal(expr.MustParse("lambda0 - mu*X", tab)) {
		t.Errorf("f = %s, want lambda0 - mu*X", sys.F[0].String())
	}
}

func TestSecondaryEffects(t *testing.T) {
	tab := symtab.New("t")
	s, _ := tab.RegisterState("S", nil)
	i, _ := tab.RegisterState("I", nil)
	v, _ := tab.RegisterState("V", nil)
	tab.RegisterParameter("beta")

	// Infection consumes two units of free virus alongside the S->I move.
	events := []event.Event{
		event.Transition{
			From: s, To: i,
			RateFn:  expr.MustParse("beta*S*V", tab),
			Effects: []event.Effect{{State: v, Coeff: expr.Int(-2)}},
		},
	}
	sys, err := Compile(tab, events)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if sys.D[v.Index][0] != -2 {
		t.Errorf("V stoichiometry = %g, want -2", sys.D[v.Index][0])
	}
	if !sys.F[v.Index].Equal(expr.MustParse("-2*beta*S*V", tab)) {
		t.Errorf("f_V = %s, want -2*beta*S*V", sys.F[v.Index].String())
	}
}

func TestCompileErrors(t *testing.T) {
	tab := symtab.New("t")
	s, _ := tab.RegisterState("S", nil)
	i, _ := tab.RegisterState("I", nil)
	tab.RegisterParameter("beta")
	rate := expr.MustParse("beta*S", tab)

	other := symtab.New("t")
	other.RegisterState("pad", nil)
	foreign, _ := other.RegisterState("Z", nil)

	tests := []struct {
		name   string
		events []event.Event
		want   error
	}{
		{
			name:   "missing flow",
			events: []event.Event{event.Transition{RateFn: rate}},
			want:   ErrMissingFlow,
		},
		{
			name:   "foreign origin",
			events: []event.Event{event.Death{From: foreign, RateFn: rate}},
			want:   ErrForeignSymbol,
		},
		{
			name:   "parameter as origin",
			events: []event.Event{event.Death{From: symtab.Symbol{Name: "beta", Kind: symtab.ParamKind}, RateFn: rate}},
			want:   ErrForeignSymbol,
		},
		{
			name: "effect collides with origin",
			events: []event.Event{event.Transition{
				From: s, To: i, RateFn: rate,
				Effects: []event.Effect{{State: s, Coeff: expr.Int(1)}},
			}},
			want: ErrEffectCollision,
		},
		{
			name: "non-constant effect coefficient",
			events: []event.Event{event.Transition{
				From: s, To: i, RateFn: rate,
				Effects: []event.Effect{{State: mustRegistered(t, tab, "V"), Coeff: expr.MustParse("beta", tab)}},
			}},
			want: ErrNonConstantEffect,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compile(tab, tt.events); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func mustRegistered(t *testing.T, tab *symtab.Table, name string) symtab.Symbol {
	t.Helper()
	if sym, err := tab.Resolve(name); err == nil {
		return sym
	}
	sym, err := tab.RegisterState(name, nil)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return sym
}

func TestFailureIsAtomic(t *testing.T) {
	tab, events := sirModel(t)
	bad := append([]event.Event{}, events...)
	bad = append(bad, event.Transition{RateFn: expr.MustParse("beta", tab)})

	sys, err := Compile(tab, bad)
	if err == nil {
		t.Fatal("expected error")
	}
	if sys != nil {
		t.Error("failed compile returned a partial system")
	}
}

func TestRHSEvaluation(t *testing.T) {
	tab, events := sirModel(t)
	sys, err := Compile(tab, events)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	rhs := sys.RHS()
	y := []float64{990, 10, 0}
	theta := []float64{0.3, 0.1, 1000}
	du := rhs(0, y, theta)

	infection := 0.3 * 990 * 10 / 1000
	recovery := 0.1 * 10
	want := []float64{-infection, infection - recovery, recovery}
	for i := range want {
		if math.Abs(du[i]-want[i]) > 1e-9 {
			t.Errorf("du[%d] = %g, want %g", i, du[i], want[i])
		}
	}

	// d/dt sums to zero for a closed model.
	if sum := du[0] + du[1] + du[2]; math.Abs(sum) > 1e-12 {
		t.Errorf("total derivative = %g, want 0", sum)
	}
}

func TestRatesAndApply(t *testing.T) {
	tab, events := sirModel(t)
	sys, err := Compile(tab, events)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	rates := sys.Rates()
	y := []float64{990, 10, 0}
	theta := []float64{0.3, 0.1, 1000}
	lam := rates(0, y, theta)
	if math.Abs(lam[0]-2.97) > 1e-9 || math.Abs(lam[1]-1.0) > 1e-9 {
		t.Errorf("rates = %v, want [2.97 1]", lam)
	}

	// One infection and two recoveries.
	next := sys.Apply(y, []float64{1, 2})
	want := []float64{989, 9, 2}
	for i := range want {
		if next[i] != want[i] {
			t.Errorf("apply[%d] = %g, want %g", i, next[i], want[i])
		}
	}
}

func TestDeterministicRecompilation(t *testing.T) {
	tab, events := sirModel(t)

	a, err := Compile(tab, events)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	b, err := Compile(tab, events)
	if err != nil {
		t.Fatalf("recompile: %v", err)
	}

	for i := range a.D {
		for k := range a.D[i] {
			if a.D[i][k] != b.D[i][k] {
				t.Errorf("D[%d][%d] differs across compilations", i, k)
			}
		}
	}
	for i := range a.F {
		if a.F[i].String() != b.F[i].String() {
			t.Errorf("f[%d] differs across compilations: %q vs %q", i, a.F[i].String(), b.F[i].String())
		}
	}
}
