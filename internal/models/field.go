package models

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Usage errors shared by every processing stage.
var (
	ErrShapeMismatch = errors.New("mismatched field shapes")
	ErrEmptyField    = errors.New("field must be at least 2x2")
	ErrUnknownMode   = errors.New("unknown displacement mode")
)

// Axis identifies one of the two in-plane directions. X runs along image
// columns and Y along image rows, with the origin at the top-left pixel.
type Axis int

const (
	AxisX Axis = iota
	AxisY
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	default:
		return fmt.Sprintf("Axis(%d)", int(a))
	}
}

// ParseAxis converts "x" or "y" (any case) to an Axis.
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x":
		return AxisX, nil
	case "y":
		return AxisY, nil
	}
	return 0, fmt.Errorf("invalid axis: %q (must be x or y)", s)
}

// Mode selects how phase differences are turned into displacement.
type Mode int

const (
	// ModeSmall is the linear phase-to-displacement relation, valid while the
	// displacement is much smaller than half a pitch.
	ModeSmall Mode = iota

	// ModeLarge additionally maps the Eulerian (deformed pixel) displacement
	// to the Lagrangian (material point) displacement.
	ModeLarge
)

func (m Mode) String() string {
	switch m {
	case ModeSmall:
		return "small"
	case ModeLarge:
		return "large"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts "small" or "large" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "small":
		return ModeSmall, nil
	case "large":
		return ModeLarge, nil
	}
	return 0, fmt.Errorf("%w: %q (must be small or large)", ErrUnknownMode, s)
}

// PhaseMap holds the local phase of one grid direction for one image.
type PhaseMap struct {
	// Axis is the grid direction the phase was demodulated along
	Axis Axis

	// Pitch is the nominal pattern pitch in pixels used for demodulation
	Pitch float64

	// Phase holds per-pixel phase values in [-pi, pi]
	Phase *mat.Dense

	// Modulation holds the amplitude of the demodulated carrier. Low values
	// mark pixels whose phase should not be trusted.
	Modulation *mat.Dense
}

// Dims returns the shape of the phase map.
func (p PhaseMap) Dims() (rows, cols int) {
	if p.Phase == nil {
		return 0, 0
	}
	return p.Phase.Dims()
}

// DisplacementField is the displacement along one axis, in pixels, decoded from
// a reference and a deformed phase map.
type DisplacementField struct {
	Axis Axis
	Mode Mode

	// Values holds the displacement in pixels.
	Values *mat.Dense

	// Iterations holds the Newton iterations used per pixel. Always zero in
	// small mode.
	Iterations *mat.Dense

	// Converged reports, in row-major order, whether the Newton iteration for
	// each pixel reached the tolerance. Pixels that did not converge hold the
	// last iterate.
	Converged []bool

	// NonConverged is the number of false entries in Converged.
	NonConverged int
}

// ConvergedAt reports whether pixel (i, j) converged.
func (d *DisplacementField) ConvergedAt(i, j int) bool {
	_, c := d.Values.Dims()
	return d.Converged[i*c+j]
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b mat.Matrix) bool {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	return ar == br && ac == bc
}

// CheckShapes returns ErrShapeMismatch unless all matrices share one shape,
// and ErrEmptyField if that shape is smaller than 2x2.
func CheckShapes(ms ...mat.Matrix) error {
	if len(ms) == 0 {
		return nil
	}
	for i, m := range ms {
		if m == nil {
			return fmt.Errorf("%w: field %d is nil", ErrShapeMismatch, i)
		}
	}
	r, c := ms[0].Dims()
	for i, m := range ms[1:] {
		if !SameShape(ms[0], m) {
			mr, mc := m.Dims()
			return fmt.Errorf("%w: field %d is %dx%d, expected %dx%d", ErrShapeMismatch, i+1, mr, mc, r, c)
		}
	}
	if r < 2 || c < 2 {
		return fmt.Errorf("%w: got %dx%d", ErrEmptyField, r, c)
	}
	return nil
}
