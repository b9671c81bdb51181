// Package sensitivity derives symbolic sensitivities from a compiled
// system. Because the right-hand side f is held as expressions rather than
// opaque callbacks, the Jacobians come from exact symbolic differentiation
// instead of finite differencing.
package sensitivity

import (
	"github.com/pflow-xyz/go-ctmc/expr"
	"github.com/pflow-xyz/go-ctmc/stoich"
)

// Jacobian returns the state Jacobian J[i][j] = df_i/dy_j as simplified
// expressions. Rows and columns are ordered by state index.
func Jacobian(sys *stoich.System) [][]expr.Expr {
	states := sys.Table.States()
	out := make([][]expr.Expr, len(sys.F))
	for i, f := range sys.F {
		out[i] = make([]expr.Expr, len(states))
		for j, st := range states {
			out[i][j] = f.Diff(st).Simplify()
		}
	}
	return out
}

// ParamJacobian returns the parameter Jacobian P[i][j] = df_i/dtheta_j as
// simplified expressions, with columns ordered by parameter index.
func ParamJacobian(sys *stoich.System) [][]expr.Expr {
	params := sys.Table.Parameters()
	out := make([][]expr.Expr, len(sys.F))
	for i, f := range sys.F {
		out[i] = make([]expr.Expr, len(params))
		for j, p := range params {
			out[i][j] = f.Diff(p).Simplify()
		}
	}
	return out
}

// JacobianFunc returns a dense evaluator for the state Jacobian, the form
// implicit ODE solvers consume.
func JacobianFunc(sys *stoich.System) func(t float64, y, theta []float64) [][]float64 {
	return matrixFunc(Jacobian(sys))
}

// ParamJacobianFunc returns a dense evaluator for the parameter Jacobian,
// used by gradient-based fitting loops.
func ParamJacobianFunc(sys *stoich.System) func(t float64, y, theta []float64) [][]float64 {
	return matrixFunc(ParamJacobian(sys))
}

func matrixFunc(m [][]expr.Expr) func(t float64, y, theta []float64) [][]float64 {
	return func(t float64, y, theta []float64) [][]float64 {
		env := &expr.Env{Y: y, Theta: theta, T: t}
		out := make([][]float64, len(m))
		for i, row := range m {
			out[i] = make([]float64, len(row))
			for j, e := range row {
				out[i][j] = e.Eval(env)
			}
		}
		return out
	}
}

// DependsOn maps each parameter name to the indices of the events whose
// rate mentions it. A parameter absent from every rate maps to an empty
// slice, which usually indicates a modeling mistake worth surfacing.
func DependsOn(sys *stoich.System) map[string][]int {
	out := make(map[string][]int, sys.Table.NumParameters())
	for _, p := range sys.Table.Parameters() {
		out[p.Name] = []int{}
	}
	for k, rate := range sys.Lambda {
		for _, sym := range expr.Symbols(rate) {
			if _, ok := out[sym.Name]; ok {
				out[sym.Name] = appendUnique(out[sym.Name], k)
			}
		}
	}
	return out
}

func appendUnique(xs []int, v int) []int {
	for _, x := range xs {
		if x == v {
			return xs
		}
	}
	return append(xs, v)
}
