package sensitivity

import (
	"math"
	"testing"

	"github.com/pflow-xyz/go-ctmc/event"
	"github.com/pflow-xyz/go-ctmc/expr"
	"github.com/pflow-xyz/go-ctmc/stoich"
	"github.com/pflow-xyz/go-ctmc/symtab"
)

func sirSystem(t *testing.T) (*stoich.System, *symtab.Table) {
	t.Helper()
	tab := symtab.New("t")
	s, _ := tab.RegisterState("S", nil)
	i, _ := tab.RegisterState("I", nil)
	r, _ := tab.RegisterState("R", nil)
	tab.RegisterParameter("beta")
	tab.RegisterParameter("gamma")
	tab.RegisterParameter("N")

	sys, err := stoich.Compile(tab, []event.Event{
		event.Transition{From: s, To: i, RateFn: expr.MustParse("beta*S*I/N", tab)},
		event.Transition{From: i, To: r, RateFn: expr.MustParse("gamma*I", tab)},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return sys, tab
}

func TestJacobian(t *testing.T) {
	sys, tab := sirSystem(t)
	jac := Jacobian(sys)

	tests := []struct {
		i, j int
		want string
	}{
		{0, 0, "-beta*I/N"},
		{0, 1, "-beta*S/N"},
		{0, 2, "0"},
		{1, 1, "beta*S/N - gamma"},
		{2, 1, "gamma"},
		{2, 2, "0"},
	}
	for _, tt := range tests {
		want := expr.MustParse(tt.want, tab)
		if !jac[tt.i][tt.j].Equal(want) {
			t.Errorf("J[%d][%d] = %s, want %s", tt.i, tt.j, jac[tt.i][tt.j].String(), tt.want)
		}
	}
}

func TestParamJacobian(t *testing.T) {
	sys, tab := sirSystem(t)
	pj := ParamJacobian(sys)

	tests := []struct {
		i, j int
		want string
	}{
		{0, 0, "-S*I/N"},       // df_S/dbeta
		{1, 1, "-I"},           // df_I/dgamma
		{2, 1, "I"},            // df_R/dgamma
		{0, 2, "beta*S*I/N^2"}, // df_S/dN
		{2, 0, "0"},            // df_R/dbeta
	}
	for _, tt := range tests {
		want := expr.MustParse(tt.want, tab)
		if !pj[tt.i][tt.j].Equal(want) {
			t.Errorf("P[%d][%d] = %s, want %s", tt.i, tt.j, pj[tt.i][tt.j].String(), tt.want)
		}
	}
}

func TestJacobianFunc(t *testing.T) {
	sys, _ := sirSystem(t)
	jf := JacobianFunc(sys)

	y := []float64{990, 10, 0}
	theta := []float64{0.3, 0.1, 1000}
	j := jf(0, y, theta)

	if got, want := j[0][0], -0.3*10/1000; math.Abs(got-want) > 1e-12 {
		t.Errorf("J[0][0] = %g, want %g", got, want)
	}
	if got, want := j[1][1], 0.3*990/1000-0.1; math.Abs(got-want) > 1e-12 {
		t.Errorf("J[1][1] = %g, want %g", got, want)
	}

	// Column sums vanish for a closed model: mass conservation passes
	// through differentiation.
	for col := 0; col < 3; col++ {
		sum := j[0][col] + j[1][col] + j[2][col]
		if math.Abs(sum) > 1e-12 {
			t.Errorf("column %d of J sums to %g, want 0", col, sum)
		}
	}
}

func TestDependsOn(t *testing.T) {
	sys, _ := sirSystem(t)
	deps := DependsOn(sys)

	if got := deps["beta"]; len(got) != 1 || got[0] != 0 {
		t.Errorf("beta deps = %v, want [0]", got)
	}
	if got := deps["gamma"]; len(got) != 1 || got[0] != 1 {
		t.Errorf("gamma deps = %v, want [1]", got)
	}
	if got := deps["N"]; len(got) != 1 || got[0] != 0 {
		t.Errorf("N deps = %v, want [0]", got)
	}
}

func TestDependsOnFlagsUnusedParameter(t *testing.T) {
	tab := symtab.New("t")
	x, _ := tab.RegisterState("X", nil)
	tab.RegisterParameter("d")
	tab.RegisterParameter("unused")

	sys, err := stoich.Compile(tab, []event.Event{
		event.Death{From: x, RateFn: expr.MustParse("d*X", tab)},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	deps := DependsOn(sys)
	if got, ok := deps["unused"]; !ok || len(got) != 0 {
		t.Errorf("unused parameter should map to an empty slice, got %v, %v", got, ok)
	}
}
