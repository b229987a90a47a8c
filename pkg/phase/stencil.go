package phase

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Local model terms. Each carrier carries its in-phase and quadrature parts
// plus their products with both offsets, so that a carrier whose phase drifts
// linearly across the window is still represented exactly to first order.
const (
	termConst = iota
	termS
	termT
	termXCos
	termXSin
	termXCosS
	termXSinS
	termXCosT
	termXSinT
	termYCos
	termYSin
	termYCosT
	termYSinT
	termYCosS
	termYSinS
	numTerms
)

// outputs are the terms read back from the fit, in the order returned by fit.
var outputs = [4]int{termXCos, termXSin, termYCos, termYSin}

// maxCond bounds the condition number of an accepted weighted design matrix.
const maxCond = 1e10

// stencil holds the sampled model terms over a square window centred on the
// pixel being demodulated. Offsets s run along columns and t along rows.
type stencil struct {
	radius int
	width  int
	weight []float64
	terms  [numTerms][]float64
}

func newStencil(sigma, kx, ky float64) *stencil {
	r := int(math.Ceil(3 * sigma))
	w := 2*r + 1
	st := &stencil{radius: r, width: w, weight: make([]float64, w*w)}
	for m := range st.terms {
		st.terms[m] = make([]float64, w*w)
	}
	for t := -r; t <= r; t++ {
		for s := -r; s <= r; s++ {
			idx := st.index(s, t)
			fs, ft := float64(s), float64(t)
			st.weight[idx] = math.Exp(-(fs*fs + ft*ft) / (2 * sigma * sigma))

			xc, xs := math.Cos(kx*fs), math.Sin(kx*fs)
			yc, ys := math.Cos(ky*ft), math.Sin(ky*ft)
			v := [numTerms]float64{
				termConst: 1,
				termS:     fs,
				termT:     ft,
				termXCos:  xc,
				termXSin:  xs,
				termXCosS: fs * xc,
				termXSinS: fs * xs,
				termXCosT: ft * xc,
				termXSinT: ft * xs,
				termYCos:  yc,
				termYSin:  ys,
				termYCosT: ft * yc,
				termYSinT: ft * ys,
				termYCosS: fs * yc,
				termYSinS: fs * ys,
			}
			for m := range v {
				st.terms[m][idx] = v[m]
			}
		}
	}
	return st
}

func (st *stencil) index(s, t int) int {
	return (t+st.radius)*st.width + s + st.radius
}

// extent is the part of the window that falls inside the image, as inclusive
// offset bounds.
type extent struct {
	t0, t1, s0, s1 int
}

func (st *stencil) extent(i, j, rows, cols int) extent {
	r := st.radius
	return extent{
		t0: max(-r, -i),
		t1: min(r, rows-1-i),
		s0: max(-r, -j),
		s1: min(r, cols-1-j),
	}
}

// kernel holds, for each output term, the weights whose correlation with the
// image over the extent yields that term's least squares coefficient.
type kernel [len(outputs)][]float64

// kernels precomputes the kernel of every window extent that occurs in an
// image of the given shape. Interior pixels share one kernel; border pixels
// use a kernel fitted over the truncated window only.
func (st *stencil) kernels(rows, cols int) (map[extent]*kernel, error) {
	out := make(map[extent]*kernel)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			e := st.extent(i, j, rows, cols)
			if _, ok := out[e]; ok {
				continue
			}
			k, err := st.solve(e)
			if err != nil {
				return nil, fmt.Errorf("%w: %dx%d image with a %d pixel window", err, rows, cols, st.width)
			}
			out[e] = k
		}
	}
	return out, nil
}

// solve factorises the weighted design matrix over the extent and returns
// the rows of its pseudo-inverse that map the data onto the output terms.
func (st *stencil) solve(e extent) (*kernel, error) {
	var samples []int
	for t := e.t0; t <= e.t1; t++ {
		for s := e.s0; s <= e.s1; s++ {
			samples = append(samples, st.index(s, t))
		}
	}
	if len(samples) < numTerms {
		return nil, ErrTooSmall
	}

	m := len(samples)
	sqrtW := make([]float64, m)
	a := mat.NewDense(m, numTerms, nil)
	for r, idx := range samples {
		sqrtW[r] = math.Sqrt(st.weight[idx])
		for c := 0; c < numTerms; c++ {
			a.Set(r, c, sqrtW[r]*st.terms[c][idx])
		}
	}

	var qr mat.QR
	qr.Factorize(a)
	if qr.Cond() > maxCond {
		return nil, ErrTooSmall
	}
	eye := mat.NewDiagDense(m, nil)
	for r := 0; r < m; r++ {
		eye.SetDiag(r, 1)
	}
	var pinv mat.Dense
	if err := qr.SolveTo(&pinv, false, eye); err != nil {
		return nil, ErrTooSmall
	}

	var k kernel
	for o, term := range outputs {
		h := make([]float64, len(st.weight))
		for r, idx := range samples {
			h[idx] = pinv.At(term, r) * sqrtW[r]
		}
		k[o] = h
	}
	return &k, nil
}

// fit returns the x in-phase, x quadrature, y in-phase and y quadrature
// carrier coefficients at pixel (i, j).
func (st *stencil) fit(img mat.Matrix, kernels map[extent]*kernel, i, j int) [len(outputs)]float64 {
	rows, cols := img.Dims()
	e := st.extent(i, j, rows, cols)
	k := kernels[e]
	var c [len(outputs)]float64
	for t := e.t0; t <= e.t1; t++ {
		for s := e.s0; s <= e.s1; s++ {
			idx := st.index(s, t)
			v := img.At(i+t, j+s)
			for o := range c {
				c[o] += k[o][idx] * v
			}
		}
	}
	return c
}
