package gridimage

import (
	"github.com/ojrac/opensimplex-go"

	"deflectrecon/internal/newton"
)

// Warp maps a sample position (x, y) in the image to the material point
// (X, Y) of the undeformed grid seen at that position.
type Warp func(x, y float64) (X, Y float64)

// DisplacementFunc is a 2D displacement component.
type DisplacementFunc func(x, y float64) float64

// AxisFunc is a displacement component that depends on a single coordinate,
// returning its value and derivative.
type AxisFunc func(s float64) (u, du float64)

// Identity is the undeformed warp.
func Identity(x, y float64) (float64, float64) { return x, y }

// Translation shifts the grid rigidly by (ux, uy).
func Translation(ux, uy float64) Warp {
	return func(x, y float64) (float64, float64) {
		return x - ux, y - uy
	}
}

// Eulerian displaces the grid by a field expressed in image coordinates: the
// material point seen at x is x - u(x). Nil components are treated as zero.
func Eulerian(ux, uy DisplacementFunc) Warp {
	return func(x, y float64) (float64, float64) {
		X, Y := x, y
		if ux != nil {
			X -= ux(x, y)
		}
		if uy != nil {
			Y -= uy(x, y)
		}
		return X, Y
	}
}

// Lagrangian displaces the grid by a separable field expressed in material
// coordinates: the material point X moves to x = X + u(X). Each sample solves
// the inversion by Newton iteration. Nil components are treated as zero.
func Lagrangian(ux, uy AxisFunc, tol float64, maxIter int) Warp {
	invert := func(u AxisFunc, s float64) float64 {
		if u == nil {
			return s
		}
		return newton.Solve(s, s, newton.Func(u), tol, maxIter).X
	}
	return func(x, y float64) (float64, float64) {
		return invert(ux, x), invert(uy, y)
	}
}

// SmoothField returns a random smooth displacement component built from
// OpenSimplex noise. Values lie roughly within [-amplitude, amplitude] and vary
// over distances of about length pixels.
func SmoothField(seed int64, amplitude, length float64) DisplacementFunc {
	noise := opensimplex.New(seed)
	return func(x, y float64) float64 {
		return amplitude * noise.Eval2(x/length, y/length)
	}
}

// SmoothAxisField returns a smooth random displacement along one coordinate,
// at row or column offset, with a central-difference derivative.
func SmoothAxisField(seed int64, amplitude, length, offset float64) AxisFunc {
	f := SmoothField(seed, amplitude, length)
	const h = 1e-4
	return func(s float64) (float64, float64) {
		return f(s, offset), (f(s+h, offset) - f(s-h, offset)) / (2 * h)
	}
}
