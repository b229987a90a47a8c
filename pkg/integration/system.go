package integration

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Stencil selects the finite difference relating the field to its slopes.
type Stencil int

const (
	// Central uses one equation per slope sample with the same differences
	// as Gradient, so integrating Gradient(f) returns f up to a constant.
	Central Stencil = iota

	// Trapezoid relates neighbouring samples to the mean of their slopes.
	Trapezoid
)

func (s Stencil) String() string {
	switch s {
	case Central:
		return "central"
	case Trapezoid:
		return "trapezoid"
	}
	return fmt.Sprintf("Stencil(%d)", int(s))
}

// ParseStencil converts a configuration name to a Stencil.
func ParseStencil(s string) (Stencil, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "central":
		return Central, nil
	case "trapezoid", "southwell":
		return Trapezoid, nil
	}
	return 0, fmt.Errorf("unknown stencil %q", s)
}

// equation states w*(f[q] - f[p]) = rhs for flattened indices p < q.
type equation struct {
	p, q int
	w    float64
	rhs  float64
}

// system is the overdetermined difference system for a rows x cols field.
type system struct {
	rows, cols int
	eqs        []equation
	band       int
}

// newSystem builds the equations relating a field to its slopes.
func newSystem(gx, gy mat.Matrix, dx, dy float64, stencil Stencil) *system {
	rows, cols := gx.Dims()
	s := &system{rows: rows, cols: cols}
	idx := func(i, j int) int { return i*cols + j }

	switch stencil {
	case Trapezoid:
		s.eqs = make([]equation, 0, rows*(cols-1)+cols*(rows-1))
		for i := 0; i < rows; i++ {
			for j := 0; j+1 < cols; j++ {
				s.add(idx(i, j), idx(i, j+1), 1/dx, 0.5*(gx.At(i, j)+gx.At(i, j+1)))
			}
		}
		for i := 0; i+1 < rows; i++ {
			for j := 0; j < cols; j++ {
				s.add(idx(i, j), idx(i+1, j), 1/dy, 0.5*(gy.At(i, j)+gy.At(i+1, j)))
			}
		}
	default:
		s.eqs = make([]equation, 0, 2*rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				p, q, w := centralPair(j, cols, dx)
				s.add(idx(i, p), idx(i, q), w, gx.At(i, j))
				p, q, w = centralPair(i, rows, dy)
				s.add(idx(p, j), idx(q, j), w, gy.At(i, j))
			}
		}
	}
	return s
}

// centralPair returns the samples and weight of the difference at s among n.
func centralPair(s, n int, h float64) (p, q int, w float64) {
	switch s {
	case 0:
		return 0, 1, 1 / h
	case n - 1:
		return n - 2, n - 1, 1 / h
	}
	return s - 1, s + 1, 1 / (2 * h)
}

func (s *system) add(p, q int, w, rhs float64) {
	s.eqs = append(s.eqs, equation{p: p, q: q, w: w, rhs: rhs})
	if q-p > s.band {
		s.band = q - p
	}
}

// size is the number of unknowns.
func (s *system) size() int { return s.rows * s.cols }

// rhs returns the right-hand side of the normal equations.
func (s *system) rhs() []float64 {
	b := make([]float64, s.size())
	for _, e := range s.eqs {
		b[e.p] -= e.w * e.rhs
		b[e.q] += e.w * e.rhs
	}
	return b
}

// apply sets dst to the normal matrix times f.
func (s *system) apply(dst, f []float64) {
	for i := range dst {
		dst[i] = 0
	}
	for _, e := range s.eqs {
		t := e.w * e.w * (f[e.q] - f[e.p])
		dst[e.p] -= t
		dst[e.q] += t
	}
}

// normal returns the normal matrix in band storage with one diagonal entry
// raised to remove the constant null space.
func (s *system) normal() *mat.SymBandDense {
	n, k := s.size(), s.band
	stride := k + 1
	data := make([]float64, n*stride)
	for _, e := range s.eqs {
		w2 := e.w * e.w
		data[e.p*stride] += w2
		data[e.q*stride] += w2
		data[e.p*stride+e.q-e.p] -= w2
	}

	var diag float64
	for i := 0; i < n; i++ {
		diag += data[i*stride]
	}
	data[0] += diag / float64(n)
	return mat.NewSymBandDense(n, k, data)
}

// residual returns the RMS misfit of f against the equations.
func (s *system) residual(f []float64) float64 {
	if len(s.eqs) == 0 {
		return 0
	}
	var sum float64
	for _, e := range s.eqs {
		r := e.w*(f[e.q]-f[e.p]) - e.rhs
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(s.eqs)))
}
