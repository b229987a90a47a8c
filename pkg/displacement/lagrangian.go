package displacement

import (
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"deflectrecon/internal/models"
	"deflectrecon/internal/newton"
	"deflectrecon/pkg/interpolation"
)

// toLagrangian converts the Eulerian field v in place into material
// coordinates, one row (x axis) or column (y axis) at a time.
//
// For each material coordinate X the spatial position x satisfies
// x - v(x) = X, and the displacement of X is v(x).
func (d *Decoder) toLagrangian(v *mat.Dense, out *models.DisplacementField) error {
	rows, cols := v.Dims()
	lines, n := rows, cols
	if out.Axis == models.AxisY {
		lines, n = cols, rows
	}
	grid := interpolation.Grid(n)
	eul := mat.DenseCopyOf(v)

	var g errgroup.Group
	g.SetLimit(d.opts.Workers)
	for l := 0; l < lines; l++ {
		g.Go(func() error {
			return d.invertLine(eul, out, grid, l)
		})
	}
	return g.Wait()
}

// invertLine processes line l. Lines write disjoint elements of out, so they
// may run concurrently.
func (d *Decoder) invertLine(eul *mat.Dense, out *models.DisplacementField, grid []float64, l int) error {
	_, cols := eul.Dims()
	n := len(grid)

	at := func(s int) (i, j int) {
		if out.Axis == models.AxisX {
			return l, s
		}
		return s, l
	}

	vs := make([]float64, n)
	for s := range vs {
		vs[s] = eul.At(at(s))
	}
	line, err := interpolation.NewLine(d.opts.Interpolator, grid, vs)
	if err != nil {
		return fmt.Errorf("failed to interpolate %v line %d: %w", out.Axis, l, err)
	}

	f := func(x float64) (float64, float64) {
		v, dv := line.Eval(x)
		return -v, -dv
	}
	for s, X := range grid {
		res := newton.Solve(X, X+vs[s], f, d.opts.Tolerance, d.opts.MaxIterations)
		i, j := at(s)
		out.Values.Set(i, j, line.Value(res.X))
		out.Iterations.Set(i, j, float64(res.Iterations))
		out.Converged[i*cols+j] = res.Converged
	}
	return nil
}
