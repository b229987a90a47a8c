// Package deflectometry converts grid displacements observed through a
// reflective specimen into surface slopes.
package deflectometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"deflectrecon/internal/models"
	"deflectrecon/pkg/displacement"
	"deflectrecon/pkg/integration"
)

// ErrInvalidSetup is returned for non-physical setup parameters.
var ErrInvalidSetup = errors.New("invalid deflectometry setup")

// Setup describes the optical arrangement.
type Setup struct {
	// PixelSize is the grid length covered by one pixel, in the units of
	// GridDistance.
	PixelSize float64

	// GridDistance is the distance between the grid and the mirror surface.
	GridDistance float64
}

// Validate checks the setup parameters.
func (s Setup) Validate() error {
	if !(s.PixelSize > 0) {
		return fmt.Errorf("%w: pixel size must be positive, got %v", ErrInvalidSetup, s.PixelSize)
	}
	if !(s.GridDistance > 0) {
		return fmt.Errorf("%w: grid distance must be positive, got %v", ErrInvalidSetup, s.GridDistance)
	}
	return nil
}

// SlopeFromDisplacement returns the surface slope that deflects the line of
// sight by u pixels on a grid at distance gridDistance. The reflected ray
// turns by twice the surface rotation.
func SlopeFromDisplacement(u, pixelSize, gridDistance float64) float64 {
	return math.Tan(0.5 * math.Atan(u*pixelSize/gridDistance))
}

// Slopes converts both displacement components to surface slopes.
func Slopes(pair displacement.Pair, setup Setup) (slopeX, slopeY *mat.Dense, err error) {
	if err := setup.Validate(); err != nil {
		return nil, nil, err
	}
	if pair.X == nil || pair.Y == nil {
		return nil, nil, fmt.Errorf("%w: missing displacement component", models.ErrShapeMismatch)
	}
	if err := models.CheckShapes(pair.X.Values, pair.Y.Values); err != nil {
		return nil, nil, err
	}

	convert := func(u *mat.Dense) *mat.Dense {
		r, c := u.Dims()
		s := mat.NewDense(r, c, nil)
		s.Apply(func(_, _ int, v float64) float64 {
			return SlopeFromDisplacement(v, setup.PixelSize, setup.GridDistance)
		}, u)
		return s
	}
	return convert(pair.X.Values), convert(pair.Y.Values), nil
}

// DisplacementAsSlopes returns the finite-difference slopes of one
// displacement component, for pipelines that integrate a measured field
// rather than deflectometry slopes. dx and dy are the pixel spacings.
func DisplacementAsSlopes(u *models.DisplacementField, dx, dy float64) (slopeX, slopeY *mat.Dense, err error) {
	if u == nil {
		return nil, nil, fmt.Errorf("%w: missing displacement component", models.ErrShapeMismatch)
	}
	return integration.Gradient(u.Values, dx, dy)
}
