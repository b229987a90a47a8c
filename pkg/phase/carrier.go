package phase

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// minRefinePitches is the shortest profile, in nominal pitches, whose
	// carrier is re-estimated.
	minRefinePitches = 8

	// searchRange bounds the refined carrier relative to the nominal one.
	searchRange = 0.1

	// padFactor zero-pads the profile for the coarse peak search.
	padFactor = 16

	// minPeakRatio is the smallest accepted ratio of the carrier peak to the
	// strongest component of the profile.
	minPeakRatio = 1e-3
)

// profiles returns the column means (the profile along x) and row means (the
// profile along y) of img.
func profiles(img mat.Matrix) (cols, rows []float64) {
	r, c := img.Dims()
	cols = make([]float64, c)
	rows = make([]float64, r)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := img.At(i, j)
			cols[j] += v
			rows[i] += v
		}
	}
	floats.Scale(1/float64(r), cols)
	floats.Scale(1/float64(c), rows)
	return cols, rows
}

// refineCarrier locates the strongest tone of profile within searchRange of
// the nominal wavenumber k0 and reports whether one was found. The profile
// is tapered, the peak bracketed on a zero-padded spectrum and then refined
// on the continuous periodogram.
func refineCarrier(profile []float64, k0 float64) (float64, bool) {
	n := len(profile)
	if float64(n) < minRefinePitches*2*math.Pi/k0 {
		return k0, false
	}

	seq := make([]float64, n)
	copy(seq, profile)
	floats.AddConst(-floats.Sum(seq)/float64(n), seq)
	window.BlackmanHarris(seq)

	m := padFactor * n
	padded := make([]float64, m)
	copy(padded, seq)
	coeff := fourier.NewFFT(m).Coefficients(nil, padded)

	step := 2 * math.Pi / float64(m)
	lo := int(math.Ceil(k0 * (1 - searchRange) / step))
	hi := min(int(math.Floor(k0*(1+searchRange)/step)), len(coeff)-1)
	if lo >= hi {
		return k0, false
	}
	best := lo
	for b := lo + 1; b <= hi; b++ {
		if cmplx.Abs(coeff[b]) > cmplx.Abs(coeff[best]) {
			best = b
		}
	}
	peak := cmplx.Abs(coeff[best])
	if best == lo || best == hi || peak < 1e-12*float64(n) {
		return k0, false
	}
	// Reject leakage from a stronger tone outside the search range.
	for b := range coeff {
		if cmplx.Abs(coeff[b]) > peak/minPeakRatio {
			return k0, false
		}
	}

	power := func(k float64) float64 {
		var re, im float64
		for x, v := range seq {
			s, c := math.Sincos(k * float64(x))
			re += v * c
			im -= v * s
		}
		return re*re + im*im
	}
	return goldenMax(power, float64(best-1)*step, float64(best+1)*step, 1e-12*k0), true
}

// goldenMax returns the maximiser of a unimodal f on [a, b] to within tol.
func goldenMax(f func(float64) float64, a, b, tol float64) float64 {
	invPhi := (math.Sqrt(5) - 1) / 2
	c := b - invPhi*(b-a)
	d := a + invPhi*(b-a)
	fc, fd := f(c), f(d)
	for b-a > tol {
		if fc > fd {
			b, d, fd = d, c, fc
			c = b - invPhi*(b-a)
			fc = f(c)
		} else {
			a, c, fc = c, d, fd
			d = a + invPhi*(b-a)
			fd = f(d)
		}
	}
	return (a + b) / 2
}
