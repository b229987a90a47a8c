package integration

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Solver selects how the normal equations are solved.
type Solver int

const (
	// Auto uses Direct when the band storage fits DirectLimit and CG
	// otherwise.
	Auto Solver = iota

	// Direct factorizes the banded normal matrix with a Cholesky
	// decomposition.
	Direct

	// CG runs matrix-free conjugate gradients.
	CG
)

func (s Solver) String() string {
	switch s {
	case Auto:
		return "auto"
	case Direct:
		return "direct"
	case CG:
		return "cg"
	}
	return fmt.Sprintf("Solver(%d)", int(s))
}

// ParseSolver converts a configuration name to a Solver.
func ParseSolver(s string) (Solver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "direct", "cholesky":
		return Direct, nil
	case "cg", "conjugate-gradient", "conjugate_gradient":
		return CG, nil
	}
	return 0, fmt.Errorf("unknown solver %q", s)
}

// ErrNotPositiveDefinite is returned when the banded factorization fails.
var ErrNotPositiveDefinite = errors.New("normal matrix is not positive definite")

// solution is the raw outcome of a solve.
type solution struct {
	f          []float64
	solver     Solver
	iterations int
	converged  bool
	// warning is set when the direct solve reports poor conditioning.
	warning error
}

// choose resolves Auto for the given system.
func choose(s Solver, sys *system, limit int) Solver {
	if s != Auto {
		return s
	}
	if sys.size()*(sys.band+1) <= limit {
		return Direct
	}
	return CG
}

func solveDirect(sys *system) (solution, error) {
	a := sys.normal()
	var ch mat.BandCholesky
	if ok := ch.Factorize(a); !ok {
		return solution{}, ErrNotPositiveDefinite
	}

	b := mat.NewVecDense(sys.size(), sys.rhs())
	var x mat.VecDense
	sol := solution{solver: Direct, converged: true}
	if err := ch.SolveVecTo(&x, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return solution{}, err
		}
		sol.warning = err
	}
	sol.f = x.RawVector().Data
	return sol, nil
}

// solveCG runs conjugate gradients on the normal equations. The matrix is
// singular with constant null space, but the right-hand side is orthogonal to
// it so the iteration stays consistent.
func solveCG(sys *system, tol float64, maxIter int) solution {
	n := sys.size()
	b := sys.rhs()
	sol := solution{f: make([]float64, n), solver: CG}

	bnorm := floats.Norm(b, 2)
	if bnorm == 0 {
		sol.converged = true
		return sol
	}

	x := sol.f
	r := append([]float64(nil), b...)
	p := append([]float64(nil), b...)
	ap := make([]float64, n)
	rr := floats.Dot(r, r)

	for sol.iterations < maxIter {
		sys.apply(ap, p)
		pap := floats.Dot(p, ap)
		if !(pap > 0) {
			break
		}
		alpha := rr / pap
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)
		sol.iterations++

		next := floats.Dot(r, r)
		if math.Sqrt(next) <= tol*bnorm {
			sol.converged = true
			break
		}
		floats.AddScaledTo(p, r, next/rr, p)
		rr = next
	}
	return sol
}
