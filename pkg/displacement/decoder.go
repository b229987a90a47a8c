// Package displacement converts pairs of phase maps (reference and deformed)
// into displacement fields.
//
// In small mode the displacement is the wrapped phase difference divided by
// the carrier wavenumber. Because the deformed grid is sampled at fixed
// (Eulerian) pixels while phase follows the material (Lagrangian) point, this
// is accurate only while the displacement gradient times the displacement is
// negligible. Large mode removes that error by inverting x - v(x) = X per pixel
// with Newton iteration, where v is the Eulerian field interpolated along the
// decoded axis.
//
// Displacements must stay within half a pitch of zero: no attempt is made to
// resolve whole-pitch ambiguities.
package displacement

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"deflectrecon/internal/models"
	"deflectrecon/internal/newton"
	"deflectrecon/pkg/interpolation"
)

// Mode selects the decoding model.
type Mode = models.Mode

const (
	Small = models.ModeSmall
	Large = models.ModeLarge
)

// ErrAxisMismatch is returned when phase maps of different axes are paired.
var ErrAxisMismatch = errors.New("phase maps belong to different axes")

// Options controls decoding.
type Options struct {
	Mode Mode

	// MaxIterations caps the Newton iterations per pixel in large mode.
	MaxIterations int

	// Tolerance is the Newton residual, in pixels, below which a pixel is
	// converged.
	Tolerance float64

	// Interpolator is the scheme used to evaluate the Eulerian field and its
	// derivative between pixels.
	Interpolator interpolation.Kind

	// LocalPitch estimates the carrier wavenumber from the reference phase
	// gradient instead of using the nominal pitch, which makes the decoder
	// insensitive to a slightly wrong nominal pitch.
	LocalPitch bool

	// Workers bounds the number of rows or columns processed concurrently.
	Workers int
}

// DefaultOptions returns the default options for the given mode.
func DefaultOptions(mode Mode) Options {
	return Options{
		Mode:          mode,
		MaxIterations: newton.DefaultMaxIterations,
		Tolerance:     newton.DefaultTolerance,
		Interpolator:  interpolation.Akima,
		LocalPitch:    true,
		Workers:       runtime.NumCPU(),
	}
}

// Decoder turns phase maps into displacement fields.
type Decoder struct {
	opts Options
}

// NewDecoder validates opts, filling unset numeric fields with defaults.
func NewDecoder(opts Options) (*Decoder, error) {
	if opts.Mode != Small && opts.Mode != Large {
		return nil, fmt.Errorf("%w: %v", models.ErrUnknownMode, opts.Mode)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = newton.DefaultMaxIterations
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = newton.DefaultTolerance
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Decoder{opts: opts}, nil
}

// Options returns the effective options.
func (d *Decoder) Options() Options { return d.opts }

// Pair holds the two displacement components decoded with one model.
type Pair struct {
	X, Y *models.DisplacementField
}

// Decode returns the displacement along the axis of ref, in pixels.
func (d *Decoder) Decode(ref, def models.PhaseMap) (*models.DisplacementField, error) {
	if ref.Axis != def.Axis {
		return nil, fmt.Errorf("%w: reference %v, deformed %v", ErrAxisMismatch, ref.Axis, def.Axis)
	}
	if err := models.CheckShapes(ref.Phase, def.Phase); err != nil {
		return nil, err
	}
	if !(ref.Pitch > 0) {
		return nil, fmt.Errorf("pitch must be positive, got %v", ref.Pitch)
	}

	v := d.eulerian(ref, def)
	rows, cols := v.Dims()
	out := &models.DisplacementField{
		Axis:       ref.Axis,
		Mode:       d.opts.Mode,
		Values:     v,
		Iterations: mat.NewDense(rows, cols, nil),
		Converged:  make([]bool, rows*cols),
	}

	if d.opts.Mode == Small {
		for i := range out.Converged {
			out.Converged[i] = true
		}
		return out, nil
	}

	if err := d.toLagrangian(v, out); err != nil {
		return nil, err
	}
	for _, ok := range out.Converged {
		if !ok {
			out.NonConverged++
		}
	}
	return out, nil
}

// DecodePair decodes both axes with the same model. All four phase maps must
// share one shape, and each pair must belong to its axis.
func (d *Decoder) DecodePair(refX, refY, defX, defY models.PhaseMap) (Pair, error) {
	if refX.Axis != models.AxisX || defX.Axis != models.AxisX {
		return Pair{}, fmt.Errorf("%w: x pair holds %v and %v", ErrAxisMismatch, refX.Axis, defX.Axis)
	}
	if refY.Axis != models.AxisY || defY.Axis != models.AxisY {
		return Pair{}, fmt.Errorf("%w: y pair holds %v and %v", ErrAxisMismatch, refY.Axis, defY.Axis)
	}
	if err := models.CheckShapes(refX.Phase, refY.Phase, defX.Phase, defY.Phase); err != nil {
		return Pair{}, err
	}

	var p Pair
	var g errgroup.Group
	g.Go(func() error {
		var err error
		p.X, err = d.Decode(refX, defX)
		return err
	})
	g.Go(func() error {
		var err error
		p.Y, err = d.Decode(refY, defY)
		return err
	})
	if err := g.Wait(); err != nil {
		return Pair{}, err
	}
	return p, nil
}

// Decode is a convenience wrapper around NewDecoder and Decoder.Decode.
func Decode(ref, def models.PhaseMap, opts Options) (*models.DisplacementField, error) {
	d, err := NewDecoder(opts)
	if err != nil {
		return nil, err
	}
	return d.Decode(ref, def)
}

// DecodePair is a convenience wrapper around NewDecoder and
// Decoder.DecodePair.
func DecodePair(refX, refY, defX, defY models.PhaseMap, opts Options) (Pair, error) {
	d, err := NewDecoder(opts)
	if err != nil {
		return Pair{}, err
	}
	return d.DecodePair(refX, refY, defX, defY)
}

// wrap maps a phase difference to the shortest signed path in [-pi, pi].
func wrap(a float64) float64 {
	return math.Remainder(a, 2*math.Pi)
}

// eulerian returns the displacement sampled at the deformed image pixels.
func (d *Decoder) eulerian(ref, def models.PhaseMap) *mat.Dense {
	rows, cols := ref.Dims()
	k0 := 2 * math.Pi / ref.Pitch
	v := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			k := k0
			if d.opts.LocalPitch {
				k = localWavenumber(ref, i, j, k0)
			}
			v.Set(i, j, wrap(ref.Phase.At(i, j)-def.Phase.At(i, j))/k)
		}
	}
	return v
}

// localWavenumber estimates the phase gradient of ref at (i, j) along its axis
// from wrapped neighbour differences. Where the estimate departs from the
// nominal wavenumber k0 by more than half, k0 is returned.
func localWavenumber(ref models.PhaseMap, i, j int, k0 float64) float64 {
	rows, cols := ref.Dims()
	at := ref.Phase.At

	var sum float64
	var n int
	if ref.Axis == models.AxisX {
		if j+1 < cols {
			sum += wrap(at(i, j+1) - at(i, j))
			n++
		}
		if j > 0 {
			sum += wrap(at(i, j) - at(i, j-1))
			n++
		}
	} else {
		if i+1 < rows {
			sum += wrap(at(i+1, j) - at(i, j))
			n++
		}
		if i > 0 {
			sum += wrap(at(i, j) - at(i-1, j))
			n++
		}
	}
	if n == 0 {
		return k0
	}
	k := sum / float64(n)
	if math.Abs(k/k0-1) > 0.5 {
		return k0
	}
	return k
}
