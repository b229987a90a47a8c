// Package newton solves the scalar coordinate inversion X + f(X) = x that
// relates Lagrangian (material) and Eulerian (spatial) coordinates.
package newton

import "math"

// Defaults for the inversion.
const (
	DefaultTolerance     = 1e-12
	DefaultMaxIterations = 20
)

// Func evaluates a displacement function and its derivative at x.
type Func func(x float64) (f, df float64)

// Result is the outcome of a single inversion.
type Result struct {
	// X is the final iterate. When Converged is false this is the last finite
	// iterate reached before the iteration stopped.
	X float64

	// Residual is |X + f(X) - target| at X.
	Residual float64

	// Iterations is the number of Newton updates applied.
	Iterations int

	Converged bool
}

// Solve finds X such that X + f(X) = target, starting from x0.
//
// Iteration stops once the residual is at most tol, after maxIter updates, or
// when the Jacobian 1 + f'(X) vanishes or an update leaves the finite range.
// Non-convergence is not an error: the last finite iterate is returned with
// Converged set to false.
func Solve(target, x0 float64, f Func, tol float64, maxIter int) Result {
	if tol <= 0 {
		tol = DefaultTolerance
	}
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	x := x0
	fx, dfx := f(x)
	r := x + fx - target
	res := Result{X: x, Residual: math.Abs(r)}
	if isBad(r) {
		return res
	}

	for res.Iterations < maxIter {
		if res.Residual <= tol {
			res.Converged = true
			return res
		}
		jac := 1 + dfx
		if jac == 0 || isBad(jac) {
			return res
		}

		next := x - r/jac
		nfx, ndfx := f(next)
		nr := next + nfx - target
		if isBad(next) || isBad(nr) {
			return res
		}

		x, dfx, r = next, ndfx, nr
		res.Iterations++
		res.X = x
		res.Residual = math.Abs(r)
	}
	res.Converged = res.Residual <= tol
	return res
}

func isBad(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
