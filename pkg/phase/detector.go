// Package phase extracts the local phase of a crossed sinusoidal grid from a
// single image, separately for the pattern running along x and along y.
//
// Around every pixel the image is fitted, by weighted least squares in a
// Gaussian window, with a plane for the background plus one carrier per grid
// direction whose phase may vary linearly across the window. The phase and
// amplitude of each carrier at the window centre are the demodulated values.
// Windows are truncated at the image border and the fit is renormalised over
// the pixels that remain, so border pixels are demodulated with the same
// model as interior ones rather than wrapped around a periodic extension.
//
// Before demodulation the carrier wavenumber of each direction is refined
// from the image itself, which keeps the carrier model exact when the real
// pitch differs slightly from the nominal one.
//
// The detector assumes the additive grid 1 + (cos(2πx/p) + cos(2πy/p))/2,
// whose carriers lie on the image axes.
package phase

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"deflectrecon/internal/models"
)

// DefaultWindow is the default standard deviation of the demodulation
// window, as a fraction of the pitch.
const DefaultWindow = 0.33

var (
	// ErrInvalidPitch is returned for a pitch whose carrier cannot be sampled.
	ErrInvalidPitch = errors.New("pitch must be greater than 2 pixels")

	// ErrTooSmall is returned when a truncated window holds too few pixels to
	// separate the carriers from the background.
	ErrTooSmall = errors.New("image too small for the demodulation window")
)

// Config holds the phase detection parameters.
type Config struct {
	// Pitch is the nominal pattern pitch in pixels. It need not be an integer
	// and may differ from the true pitch by a few percent.
	Pitch float64

	// Window is the standard deviation of the Gaussian demodulation window as
	// a fraction of the pitch. Wider windows reject more noise and resolve
	// less detail: displacements varying over a period P are attenuated by
	// about exp(-2(π·Window·Pitch/P)²).
	Window float64

	// RefinePitch estimates the carrier of each direction from the image
	// before demodulating. Images spanning fewer than eight pitches along an
	// axis keep the nominal pitch on that axis.
	RefinePitch bool
}

// DefaultConfig returns the default configuration for the given pitch.
func DefaultConfig(pitch float64) Config {
	return Config{
		Pitch:       pitch,
		Window:      DefaultWindow,
		RefinePitch: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !(c.Pitch > 2) || math.IsInf(c.Pitch, 0) {
		return fmt.Errorf("%w: got %v", ErrInvalidPitch, c.Pitch)
	}
	if !(c.Window > 0) || c.Window > 2 {
		return fmt.Errorf("window must lie in (0, 2] pitches, got %v", c.Window)
	}
	return nil
}

// Detector extracts phase maps from grid images.
type Detector struct {
	cfg Config
}

// NewDetector creates a detector for the given configuration.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() Config { return d.cfg }

// Sigma returns the standard deviation of the demodulation window in pixels.
func (d *Detector) Sigma() float64 { return d.cfg.Window * d.cfg.Pitch }

// Carriers returns the wavenumbers, in radians per pixel, used to demodulate
// the x and y directions of img.
func (d *Detector) Carriers(img mat.Matrix) (kx, ky float64) {
	k0 := 2 * math.Pi / d.cfg.Pitch
	kx, ky = k0, k0
	if !d.cfg.RefinePitch {
		return kx, ky
	}
	cols, rows := profiles(img)
	if k, ok := refineCarrier(cols, k0); ok {
		kx = k
	}
	if k, ok := refineCarrier(rows, k0); ok {
		ky = k
	}
	return kx, ky
}

// Detect returns the phase maps of the x and y pattern directions of img. The
// input is not modified.
func (d *Detector) Detect(img *mat.Dense) (x, y models.PhaseMap, err error) {
	if err := models.CheckShapes(img); err != nil {
		return x, y, err
	}
	rows, cols := img.Dims()
	kx, ky := d.Carriers(img)

	st := newStencil(d.Sigma(), kx, ky)
	kernels, err := st.kernels(rows, cols)
	if err != nil {
		return x, y, err
	}

	x = newPhaseMap(models.AxisX, kx, rows, cols)
	y = newPhaseMap(models.AxisY, ky, rows, cols)

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i := 0; i < rows; i++ {
		g.Go(func() error {
			for j := 0; j < cols; j++ {
				c := st.fit(img, kernels, i, j)
				setCarrier(x, i, j, c[0], c[1])
				setCarrier(y, i, j, c[2], c[3])
			}
			return nil
		})
	}
	err = g.Wait()
	return x, y, err
}

func newPhaseMap(axis models.Axis, k float64, rows, cols int) models.PhaseMap {
	return models.PhaseMap{
		Axis:       axis,
		Pitch:      2 * math.Pi / k,
		Phase:      mat.NewDense(rows, cols, nil),
		Modulation: mat.NewDense(rows, cols, nil),
	}
}

// setCarrier stores the carrier a·cos(ks) + b·sin(ks) = A·cos(ks + φ).
func setCarrier(p models.PhaseMap, i, j int, a, b float64) {
	p.Phase.Set(i, j, math.Atan2(-b, a))
	p.Modulation.Set(i, j, math.Hypot(a, b))
}

// Detect is a convenience wrapper that detects with the default configuration.
func Detect(img *mat.Dense, pitch float64) (x, y models.PhaseMap, err error) {
	d, err := NewDetector(DefaultConfig(pitch))
	if err != nil {
		return x, y, err
	}
	return d.Detect(img)
}
