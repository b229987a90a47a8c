package displacement

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"deflectrecon/internal/models"
	"deflectrecon/pkg/gridimage"
	"deflectrecon/pkg/interpolation"
	"deflectrecon/pkg/phase"
)

type phases struct {
	refX, refY, defX, defY models.PhaseMap
}

// detectPair renders the undeformed and warped grid and demodulates both with
// the given nominal pitch.
func detectPair(t *testing.T, m gridimage.Model, rows, cols int, w gridimage.Warp, pitch float64) phases {
	t.Helper()
	ref, err := m.Render(rows, cols, gridimage.Identity)
	if err != nil {
		t.Fatalf("Failed to render reference: %v", err)
	}
	def, err := m.Render(rows, cols, w)
	if err != nil {
		t.Fatalf("Failed to render deformed image: %v", err)
	}
	var p phases
	if p.refX, p.refY, err = phase.Detect(ref, pitch); err != nil {
		t.Fatalf("Failed to detect reference phase: %v", err)
	}
	if p.defX, p.defY, err = phase.Detect(def, pitch); err != nil {
		t.Fatalf("Failed to detect deformed phase: %v", err)
	}
	return p
}

func (p phases) decode(t *testing.T, opts Options) Pair {
	t.Helper()
	pair, err := DecodePair(p.refX, p.refY, p.defX, p.defY, opts)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	return pair
}

// maxError returns the largest |field - truth(i, j)| over pixels at least
// margin away from the border.
func maxError(f *mat.Dense, margin int, truth func(i, j int) float64) float64 {
	rows, cols := f.Dims()
	var worst float64
	for i := margin; i < rows-margin; i++ {
		for j := margin; j < cols-margin; j++ {
			worst = math.Max(worst, math.Abs(f.At(i, j)-truth(i, j)))
		}
	}
	return worst
}

// TestRigidTranslation checks both modes on images that do or do not hold a
// whole number of pitches. The error bound applies up to the border.
func TestRigidTranslation(t *testing.T) {
	tests := []struct {
		name   string
		mode   Mode
		size   int
		ux, uy float64
	}{
		{"small", Small, 100, 0.01, 0.01},
		{"small odd size", Small, 101, 0.01, 0.01},
		{"small prime size", Small, 103, -0.02, 0.015},
		{"large", Large, 100, 1.2, -0.8},
		{"large odd size", Large, 101, 1.2, -0.8},
		{"large prime size", Large, 103, -0.6, 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := detectPair(t, gridimage.DefaultModel(5), tt.size, tt.size, gridimage.Translation(tt.ux, tt.uy), 5)
			pair := p.decode(t, DefaultOptions(tt.mode))

			if pair.X.Mode != tt.mode || pair.Y.Mode != tt.mode {
				t.Errorf("Expected %v mode, got %v and %v", tt.mode, pair.X.Mode, pair.Y.Mode)
			}
			if e, tol := maxError(pair.X.Values, 0, func(int, int) float64 { return tt.ux }), 1e-3*math.Abs(tt.ux); e > tol {
				t.Errorf("x displacement error %g exceeds %g", e, tol)
			}
			if e, tol := maxError(pair.Y.Values, 0, func(int, int) float64 { return tt.uy }), 1e-3*math.Abs(tt.uy); e > tol {
				t.Errorf("y displacement error %g exceeds %g", e, tol)
			}
			if pair.X.NonConverged != 0 || pair.Y.NonConverged != 0 {
				t.Errorf("Expected all pixels to converge, got %d and %d failures", pair.X.NonConverged, pair.Y.NonConverged)
			}
			if !pair.X.ConvergedAt(3, 7) {
				t.Error("Expected pixel (3, 7) to be reported as converged")
			}
		})
	}
}

// TestPitchMismatch decodes a grid whose real pitch differs by 1% from the
// nominal one, sampled with pixel integration. The error bound applies up to
// the border.
func TestPitchMismatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping oversampled rendering in short mode")
	}
	const u = 0.01
	m := gridimage.DefaultModel(5.05)
	m.Oversampling = 15
	for _, size := range []int{100, 101} {
		p := detectPair(t, m, size, size, gridimage.Translation(u, u), 5.0)
		pair := p.decode(t, DefaultOptions(Small))

		truth := func(int, int) float64 { return u }
		if e := maxError(pair.X.Values, 0, truth); e > 1e-3*u {
			t.Errorf("%dx%d: x displacement error %g exceeds %g", size, size, e, 1e-3*u)
		}
		if e := maxError(pair.Y.Values, 0, truth); e > 1e-3*u {
			t.Errorf("%dx%d: y displacement error %g exceeds %g", size, size, e, 1e-3*u)
		}
	}
}

// sineField is a Lagrangian displacement with one period over n pixels.
func sineField(amplitude float64, n int) gridimage.AxisFunc {
	w := 2 * math.Pi / float64(n)
	return func(s float64) (float64, float64) {
		return amplitude * math.Sin(w*s), amplitude * w * math.Cos(w*s)
	}
}

// TestLargeDeformation checks that a displacement whose gradient is not
// negligible is only recovered by the large model.
func TestLargeDeformation(t *testing.T) {
	const (
		amplitude = 2.0
		n         = 200
	)
	u := sineField(amplitude, n)
	w := gridimage.Lagrangian(u, u, 1e-13, 50)
	p := detectPair(t, gridimage.DefaultModel(5), n, n, w, 5)

	truthX := func(_, j int) float64 { v, _ := u(float64(j)); return v }
	truthY := func(i, _ int) float64 { v, _ := u(float64(i)); return v }

	small := p.decode(t, DefaultOptions(Small))
	if e := maxError(small.X.Values, 0, truthX); e < 0.02*amplitude {
		t.Errorf("Small mode x error %g unexpectedly below %g", e, 0.02*amplitude)
	}

	large := p.decode(t, DefaultOptions(Large))
	if e := maxError(large.X.Values, 0, truthX); e > 0.005*amplitude {
		t.Errorf("Large mode x error %g exceeds %g", e, 0.005*amplitude)
	}
	if e := maxError(large.Y.Values, 0, truthY); e > 0.005*amplitude {
		t.Errorf("Large mode y error %g exceeds %g", e, 0.005*amplitude)
	}
	if large.X.NonConverged != 0 {
		t.Errorf("Expected all pixels to converge, got %d failures", large.X.NonConverged)
	}

	opts := DefaultOptions(Large)
	opts.MaxIterations = 1
	capped := p.decode(t, opts)
	if capped.X.NonConverged == 0 {
		t.Error("Expected non-converged pixels with a single iteration")
	}
	var failed int
	for _, ok := range capped.X.Converged {
		if !ok {
			failed++
		}
	}
	if failed != capped.X.NonConverged {
		t.Errorf("NonConverged is %d but %d pixels are flagged", capped.X.NonConverged, failed)
	}
	if mat.Max(capped.X.Iterations) != 1 {
		t.Errorf("Expected the iteration cap to be reached, max is %v", mat.Max(capped.X.Iterations))
	}
}

func TestLargeDeformationSmoothNoise(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping noise field inversion in short mode")
	}
	const (
		n      = 200
		margin = 40
	)
	u := gridimage.SmoothAxisField(7, 0.8, 80, 0)
	w := gridimage.Lagrangian(u, nil, 1e-13, 50)
	p := detectPair(t, gridimage.DefaultModel(5), n, n, w, 5)

	x, err := Decode(p.refX, p.defX, DefaultOptions(Large))
	if err != nil {
		t.Fatal(err)
	}
	truth := func(_, j int) float64 { v, _ := u(float64(j)); return v }
	if e := maxError(x.Values, margin, truth); e > 0.03 {
		t.Errorf("Displacement error %g exceeds 0.03 pixels", e)
	}
	if x.NonConverged != 0 {
		t.Errorf("Expected all pixels to converge, got %d failures", x.NonConverged)
	}
}

func TestInterpolators(t *testing.T) {
	const n = 100
	u := sineField(1.0, n)
	w := gridimage.Lagrangian(u, nil, 1e-13, 50)
	p := detectPair(t, gridimage.DefaultModel(5), n, n, w, 5)
	truth := func(_, j int) float64 { v, _ := u(float64(j)); return v }

	for _, kind := range []string{"akima", "natural", "fritsch-butland", "linear"} {
		t.Run(kind, func(t *testing.T) {
			opts := DefaultOptions(Large)
			var err error
			if opts.Interpolator, err = interpolation.ParseKind(kind); err != nil {
				t.Fatal(err)
			}
			x, err := Decode(p.refX, p.defX, opts)
			if err != nil {
				t.Fatal(err)
			}
			if e := maxError(x.Values, 0, truth); e > 0.01 {
				t.Errorf("Displacement error %g exceeds 0.01 pixels", e)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	p := detectPair(t, gridimage.DefaultModel(5), 40, 40, gridimage.Translation(0.1, 0.1), 5)
	small, _, err := phase.Detect(mat.NewDense(30, 40, nil), 5)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Decode(p.refX, p.defY, DefaultOptions(Small)); !errors.Is(err, ErrAxisMismatch) {
		t.Errorf("Expected ErrAxisMismatch, got %v", err)
	}
	if _, err := Decode(p.refX, small, DefaultOptions(Small)); !errors.Is(err, models.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
	if _, err := DecodePair(p.refX, p.refY, small, p.defY, DefaultOptions(Large)); !errors.Is(err, models.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch from DecodePair, got %v", err)
	}
	if _, err := DecodePair(p.refY, p.refX, p.defY, p.defX, DefaultOptions(Small)); !errors.Is(err, ErrAxisMismatch) {
		t.Errorf("Expected ErrAxisMismatch from swapped pairs, got %v", err)
	}
	if _, err := NewDecoder(Options{Mode: Mode(7)}); !errors.Is(err, models.ErrUnknownMode) {
		t.Errorf("Expected ErrUnknownMode, got %v", err)
	}
}

func TestNewDecoderDefaults(t *testing.T) {
	d, err := NewDecoder(Options{Mode: Large})
	if err != nil {
		t.Fatal(err)
	}
	o := d.Options()
	if o.MaxIterations != 20 || o.Tolerance != 1e-12 || o.Workers <= 0 {
		t.Errorf("Unexpected defaults: %+v", o)
	}
}

func TestLocalWavenumber(t *testing.T) {
	const pitch = 5.05
	k := 2 * math.Pi / pitch
	ph := mat.NewDense(3, 8, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 8; j++ {
			ph.Set(i, j, wrap(k*float64(j)))
		}
	}
	m := models.PhaseMap{Axis: models.AxisX, Pitch: 5, Phase: ph}
	k0 := 2 * math.Pi / 5
	for _, j := range []int{0, 3, 7} {
		if got := localWavenumber(m, 1, j, k0); math.Abs(got-k) > 1e-12 {
			t.Errorf("Column %d: expected %v, got %v", j, k, got)
		}
	}

	// A phase jump makes the estimate implausible.
	ph.Set(1, 5, wrap(ph.At(1, 5)+2))
	if got := localWavenumber(m, 1, 4, k0); got != k0 {
		t.Errorf("Expected fallback to %v, got %v", k0, got)
	}
}
