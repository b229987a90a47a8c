// Package integration reconstructs a scalar field from its two slope
// components by least squares.
//
// The slopes define an overdetermined system of finite differences whose
// normal equations are solved either directly, as a banded symmetric system,
// or iteratively with conjugate gradients. The solve leaves the integration
// constant free; it is fixed afterwards by anchoring a region of the field.
package integration

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"deflectrecon/internal/models"
)

// Defaults for Options.
const (
	DefaultTolerance   = 1e-12
	DefaultDirectLimit = 20_000_000
)

// Options controls Integrate.
type Options struct {
	// Dx and Dy are the sample spacings along x (columns) and y (rows).
	Dx, Dy float64

	Anchor Anchor

	// ExtrapolateEdge crops this many pixels from each side before solving
	// and rebuilds them from the measured slopes afterwards.
	ExtrapolateEdge int

	// Downsample keeps every n-th sample along both axes, from (0, 0).
	Downsample int

	Stencil Stencil
	Solver  Solver

	// Tolerance is the relative residual at which CG stops.
	Tolerance float64

	// MaxIterations caps CG. Zero selects 4n+1000 for n unknowns.
	MaxIterations int

	// DirectLimit is the largest band storage, in elements, for which Auto
	// selects the direct solver.
	DirectLimit int
}

// DefaultOptions returns options for the given pixel spacing, anchored on the
// mean of the whole field.
func DefaultOptions(dx, dy float64) Options {
	return Options{
		Dx:          dx,
		Dy:          dy,
		Anchor:      Anchor{Region: Mean},
		Downsample:  1,
		Stencil:     Central,
		Solver:      Auto,
		Tolerance:   DefaultTolerance,
		DirectLimit: DefaultDirectLimit,
	}
}

// Result is an integrated field.
type Result struct {
	Field *mat.Dense

	// Dx and Dy are the spacings of Field after downsampling.
	Dx, Dy float64

	// Residual is the RMS misfit of the least-squares solution in slope
	// units. It is non-zero when the slopes have curl or noise.
	Residual float64

	// Iterations is the number of CG iterations, zero for the direct solver.
	Iterations int

	Solver Solver

	// Warning reports a poorly conditioned direct solve.
	Warning error
}

func (o Options) validate(rows, cols int) error {
	if !(o.Dx > 0) || !(o.Dy > 0) {
		return fmt.Errorf("spacing must be positive, got dx=%v dy=%v", o.Dx, o.Dy)
	}
	if o.ExtrapolateEdge < 0 {
		return fmt.Errorf("edge extrapolation must be non-negative, got %d", o.ExtrapolateEdge)
	}
	if o.Downsample < 1 {
		return fmt.Errorf("downsample must be at least 1, got %d", o.Downsample)
	}
	e := o.ExtrapolateEdge
	if rows-2*e < 2 || cols-2*e < 2 {
		return fmt.Errorf("%w: %dx%d field leaves %dx%d after cropping %d pixels",
			models.ErrEmptyField, rows, cols, rows-2*e, cols-2*e, e)
	}
	if o.Stencil != Central && o.Stencil != Trapezoid {
		return fmt.Errorf("unknown stencil %v", o.Stencil)
	}
	if o.Solver < Auto || o.Solver > CG {
		return fmt.Errorf("unknown solver %v", o.Solver)
	}
	_, err := o.Anchor.mask(rows, cols)
	return err
}

// Integrate returns the field whose x and y slopes best match slopeX and
// slopeY in the least-squares sense.
func Integrate(slopeX, slopeY mat.Matrix, opts Options) (*Result, error) {
	if err := models.CheckShapes(slopeX, slopeY); err != nil {
		return nil, err
	}
	rows, cols := slopeX.Dims()
	if err := opts.validate(rows, cols); err != nil {
		return nil, err
	}

	e := opts.ExtrapolateEdge
	gx, gy := slopeX, slopeY
	if e > 0 {
		gx = crop(slopeX, e)
		gy = crop(slopeY, e)
	}

	sys := newSystem(gx, gy, opts.Dx, opts.Dy, opts.Stencil)
	var sol solution
	switch choose(opts.Solver, sys, directLimit(opts)) {
	case Direct:
		var err error
		if sol, err = solveDirect(sys); err != nil {
			return nil, err
		}
	default:
		tol := opts.Tolerance
		if tol <= 0 {
			tol = DefaultTolerance
		}
		maxIter := opts.MaxIterations
		if maxIter <= 0 {
			maxIter = 4*sys.size() + 1000
		}
		sol = solveCG(sys, tol, maxIter)
		if !sol.converged {
			sol.warning = fmt.Errorf("conjugate gradients stopped after %d iterations", sol.iterations)
		}
	}

	res := &Result{
		Residual:   sys.residual(sol.f),
		Iterations: sol.iterations,
		Solver:     sol.solver,
		Warning:    sol.warning,
	}

	field := mat.NewDense(rows, cols, nil)
	field.Slice(e, rows-e, e, cols-e).(*mat.Dense).Copy(mat.NewDense(sys.rows, sys.cols, sol.f))
	if e > 0 {
		extrapolate(field, slopeX, slopeY, e, opts.Dx, opts.Dy)
	}
	if err := opts.Anchor.apply(field, opts.Dx, opts.Dy); err != nil {
		return nil, err
	}

	res.Field = downsample(field, opts.Downsample)
	res.Dx = opts.Dx * float64(opts.Downsample)
	res.Dy = opts.Dy * float64(opts.Downsample)
	return res, nil
}

// IntegrateSequence integrates a sequence of slope pairs concurrently with the
// same options.
func IntegrateSequence(ctx context.Context, slopesX, slopesY []*mat.Dense, opts Options) ([]*Result, error) {
	if len(slopesX) != len(slopesY) {
		return nil, fmt.Errorf("%w: %d x slope fields and %d y slope fields",
			models.ErrShapeMismatch, len(slopesX), len(slopesY))
	}
	out := make([]*Result, len(slopesX))
	g, ctx := errgroup.WithContext(ctx)
	for k := range slopesX {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := Integrate(slopesX[k], slopesY[k], opts)
			if err != nil {
				return fmt.Errorf("frame %d: %w", k, err)
			}
			out[k] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func directLimit(o Options) int {
	if o.DirectLimit > 0 {
		return o.DirectLimit
	}
	return DefaultDirectLimit
}

// crop removes e samples from every side of m.
func crop(m mat.Matrix, e int) *mat.Dense {
	rows, cols := m.Dims()
	out := mat.NewDense(rows-2*e, cols-2*e, nil)
	for i := e; i < rows-e; i++ {
		for j := e; j < cols-e; j++ {
			out.Set(i-e, j-e, m.At(i, j))
		}
	}
	return out
}

// extrapolate fills the outer e samples of f from its interior, stepping
// outward with the mean slope of each pair of neighbours. Columns are
// extended first within the interior rows, then rows across the full width.
func extrapolate(f *mat.Dense, gx, gy mat.Matrix, e int, dx, dy float64) {
	rows, cols := f.Dims()
	for t := 1; t <= e; t++ {
		l, r := e-t, cols-e-1+t
		for i := e; i < rows-e; i++ {
			f.Set(i, l, f.At(i, l+1)-0.5*dx*(gx.At(i, l)+gx.At(i, l+1)))
			f.Set(i, r, f.At(i, r-1)+0.5*dx*(gx.At(i, r)+gx.At(i, r-1)))
		}
	}
	for t := 1; t <= e; t++ {
		top, bottom := e-t, rows-e-1+t
		for j := 0; j < cols; j++ {
			f.Set(top, j, f.At(top+1, j)-0.5*dy*(gy.At(top, j)+gy.At(top+1, j)))
			f.Set(bottom, j, f.At(bottom-1, j)+0.5*dy*(gy.At(bottom, j)+gy.At(bottom-1, j)))
		}
	}
}

// downsample keeps every d-th sample of f starting at (0, 0).
func downsample(f *mat.Dense, d int) *mat.Dense {
	if d <= 1 {
		return f
	}
	rows, cols := f.Dims()
	out := mat.NewDense((rows+d-1)/d, (cols+d-1)/d, nil)
	for i := 0; i < rows; i += d {
		for j := 0; j < cols; j += d {
			out.Set(i/d, j/d, f.At(i, j))
		}
	}
	return out
}
