package reconstruction

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"deflectrecon/pkg/integration"
)

// Metrics summarises the quality of one reconstructed frame.
type Metrics struct {
	// MeanModulation is the mean carrier modulation of the deformed image over
	// both grid directions. It drops where the grid is blurred or occluded.
	MeanModulation float64

	// NonConverged counts pixels whose coordinate inversion did not converge,
	// over both components.
	NonConverged int

	// Filled is the number of low-modulation pixels refilled per component.
	Filled int

	// Residual is the RMS least-squares misfit of the integration.
	Residual float64

	DeflectionMin  float64
	DeflectionMax  float64
	DeflectionMean float64
	DeflectionStd  float64

	// Consistency is the correlation between the measured slopes and the
	// gradient of the reconstructed field. Values near 1 indicate that the
	// slopes are close to a true gradient.
	Consistency float64
}

func (r *Reconstructor) calculateMetrics(f *Frame) Metrics {
	m := Metrics{
		NonConverged: f.Displacement.X.NonConverged + f.Displacement.Y.NonConverged,
		Filled:       f.Filled,
		Residual:     f.Deflection.Residual,
	}

	mod := append(flatten(r.defX[f.Index].Modulation), flatten(r.defY[f.Index].Modulation)...)
	m.MeanModulation = stat.Mean(mod, nil)

	field := f.Deflection.Field
	values := flatten(field)
	m.DeflectionMin = mat.Min(field)
	m.DeflectionMax = mat.Max(field)
	m.DeflectionMean, m.DeflectionStd = stat.MeanStdDev(values, nil)
	m.Consistency = consistency(f, r.params.Integration.Downsample)
	return m
}

// consistency correlates the slopes, sampled at the output stride, with the
// finite-difference gradient of the deflection.
func consistency(f *Frame, stride int) float64 {
	res := f.Deflection
	gx, gy, err := integration.Gradient(res.Field, res.Dx, res.Dy)
	if err != nil {
		return 0
	}
	if stride < 1 {
		stride = 1
	}
	rows, cols := gx.Dims()
	measured := make([]float64, 0, 2*rows*cols)
	derived := make([]float64, 0, 2*rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			measured = append(measured, f.SlopeX.At(i*stride, j*stride), f.SlopeY.At(i*stride, j*stride))
			derived = append(derived, gx.At(i, j), gy.At(i, j))
		}
	}
	c := stat.Correlation(measured, derived, nil)
	if math.IsNaN(c) {
		return 0
	}
	return c
}

func flatten(m *mat.Dense) []float64 {
	rows, cols := m.Dims()
	out := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}
