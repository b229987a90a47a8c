// Package gridimage renders synthetic images of the crossed sinusoidal grid
// used in deflectometry, optionally deformed and with additive noise.
package gridimage

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrEvenOversampling is returned when the oversampling factor is not a
// positive odd integer.
var ErrEvenOversampling = errors.New("the oversampling has to be an odd number")

// Model describes the grid pattern and the camera sampling it.
type Model struct {
	// Pitch is the period of the pattern in pixels.
	Pitch float64

	// PixelSize is the width of one pixel in the units of the pixel
	// coordinates. Samples are spread over one pixel when oversampling.
	PixelSize float64

	// Oversampling is the number of samples per pixel along each axis. Must be
	// odd so that one sample sits on the pixel centre.
	Oversampling int

	// NoiseStd is the standard deviation of the additive Gaussian noise,
	// relative to the grey scale amplitude. Zero disables noise.
	NoiseStd float64

	// Seed seeds the noise generator.
	Seed uint64
}

// DefaultModel returns a noise-free model with the given pitch and no
// oversampling.
func DefaultModel(pitch float64) Model {
	return Model{
		Pitch:        pitch,
		PixelSize:    1,
		Oversampling: 1,
	}
}

// Validate checks the model parameters.
func (m Model) Validate() error {
	if m.Oversampling <= 0 || m.Oversampling%2 == 0 {
		return fmt.Errorf("%w: got %d", ErrEvenOversampling, m.Oversampling)
	}
	if !(m.Pitch > 0) {
		return fmt.Errorf("pitch must be positive, got %v", m.Pitch)
	}
	if !(m.PixelSize > 0) {
		return fmt.Errorf("pixel size must be positive, got %v", m.PixelSize)
	}
	if m.NoiseStd < 0 || math.IsNaN(m.NoiseStd) {
		return fmt.Errorf("noise standard deviation must be non-negative, got %v", m.NoiseStd)
	}
	return nil
}

// Intensity returns the grey scale of the pattern at material point (X, Y).
// The pattern is the sum of two orthogonal cosines, ranging over [0, 2].
func (m Model) Intensity(X, Y float64) float64 {
	k := 2 * math.Pi / m.Pitch
	return 0.5 * (2 + math.Cos(k*X) + math.Cos(k*Y))
}

// spread returns the sample offsets within a pixel.
func (m Model) spread() []float64 {
	if m.Oversampling == 1 {
		return []float64{0}
	}
	out := make([]float64, m.Oversampling)
	floats.Span(out, -m.PixelSize/2, m.PixelSize/2)
	return out
}

// Render produces a rows x cols image. Pixel (i, j) is centred at
// x = j*PixelSize, y = i*PixelSize and each sample position is mapped through
// w to the material point whose intensity is observed there. A nil warp
// renders the undeformed grid.
func (m Model) Render(rows, cols int, w Warp) (*mat.Dense, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("image dimensions must be positive, got %dx%d", rows, cols)
	}
	if w == nil {
		w = Identity
	}

	offsets := m.spread()
	norm := 1 / float64(len(offsets)*len(offsets))
	img := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		y := float64(i) * m.PixelSize
		for j := 0; j < cols; j++ {
			x := float64(j) * m.PixelSize
			var sum float64
			for _, oy := range offsets {
				for _, ox := range offsets {
					X, Y := w(x+ox, y+oy)
					sum += m.Intensity(X, Y)
				}
			}
			img.Set(i, j, sum*norm)
		}
	}

	if m.NoiseStd > 0 {
		m.addNoise(img)
	}
	return img, nil
}

// addNoise adds Gaussian noise scaled by the grey scale range of img, assuming
// values out to four standard deviations remain visible.
func (m Model) addNoise(img *mat.Dense) {
	raw := img.RawMatrix()
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		lo = math.Min(lo, floats.Min(row))
		hi = math.Max(hi, floats.Max(row))
	}
	span := hi - lo
	amp := span + 8*m.NoiseStd*span

	dist := distuv.Normal{
		Mu:    0,
		Sigma: m.NoiseStd * amp,
		Src:   rand.NewSource(m.Seed),
	}
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j := range row {
			row[j] += dist.Rand()
		}
	}
}
