package reconstruction

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ausocean/utils/logging"
	"gonum.org/v1/gonum/mat"

	"deflectrecon/pkg/config"
	"deflectrecon/pkg/gridimage"
)

const (
	testSize  = 80
	testPitch = 5
)

// potentialWarp displaces the grid by a*grad(cos(kx)cos(ky))/k, a curl-free
// field whose integral is known.
func potentialWarp(a float64) gridimage.Warp {
	k := 2 * math.Pi / testSize
	ux := func(x, y float64) float64 { return -a * math.Sin(k*x) * math.Cos(k*y) }
	uy := func(x, y float64) float64 { return -a * math.Cos(k*x) * math.Sin(k*y) }
	return gridimage.Eulerian(ux, uy)
}

func renderPair(t *testing.T, amplitudes ...float64) (*mat.Dense, []*mat.Dense) {
	t.Helper()
	m := gridimage.DefaultModel(testPitch)
	ref, err := m.Render(testSize, testSize, gridimage.Identity)
	if err != nil {
		t.Fatalf("Failed to render reference: %v", err)
	}
	var defs []*mat.Dense
	for _, a := range amplitudes {
		def, err := m.Render(testSize, testSize, potentialWarp(a))
		if err != nil {
			t.Fatalf("Failed to render deformed grid: %v", err)
		}
		defs = append(defs, def)
	}
	return ref, defs
}

func testParams(t *testing.T, cfg *config.Config) *Params {
	t.Helper()
	tmp := t.TempDir()
	p, err := ParamsFromConfig(cfg, "", nil, filepath.Join(tmp, "out"))
	if err != nil {
		t.Fatalf("Failed to build parameters: %v", err)
	}
	p.IntermediaryDir = filepath.Join(tmp, "intermediary")
	return p
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Grid.Pitch = testPitch
	cfg.Setup.GridDistance = 100
	cfg.Processing.NumCores = 2
	return cfg
}

// TestProcessDeflectometry runs the pipeline on two synthetic frames and
// compares the deflection with the analytic surface.
func TestProcessDeflectometry(t *testing.T) {
	cfg := testConfig()
	cfg.Output.SaveIntermediaryResults = true
	cfg.Output.WriteSTL = true
	params := testParams(t, cfg)

	amps := []float64{0.05, 0.1}
	ref, defs := renderPair(t, amps...)
	r := NewReconstructor(params, (*logging.TestLogger)(t))
	r.SetImages(ref, defs...)
	if err := r.Process(context.Background()); err != nil {
		t.Fatalf("Reconstruction failed: %v", err)
	}

	frames := r.Frames()
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	k := 2 * math.Pi / testSize
	for n, f := range frames {
		// Slope is u/(2L) for small deflections, so w = a/(2Lk) cos(kx) cos(ky).
		scale := amps[n] / (2 * cfg.Setup.GridDistance * k)
		var worst float64
		for i := 0; i < testSize; i++ {
			for j := 0; j < testSize; j++ {
				want := scale * math.Cos(k*float64(j)) * math.Cos(k*float64(i))
				worst = math.Max(worst, math.Abs(f.Deflection.Field.At(i, j)-want))
			}
		}
		if worst > 0.03*scale {
			t.Errorf("Frame %d: deflection error %g exceeds %g", n, worst, 0.03*scale)
		}

		m := f.Metrics
		if m.Consistency < 0.99 {
			t.Errorf("Frame %d: expected consistent slopes, got %v", n, m.Consistency)
		}
		if math.Abs(m.MeanModulation-0.5) > 0.05 {
			t.Errorf("Frame %d: expected modulation 0.5, got %v", n, m.MeanModulation)
		}
		if m.DeflectionMax <= 0 || m.DeflectionMin >= 0 || math.Abs(m.DeflectionMean) > 1e-9 {
			t.Errorf("Frame %d: unexpected deflection statistics %+v", n, m)
		}
		if len(f.Outputs) != 4 {
			t.Errorf("Frame %d: expected 4 outputs, got %v", n, f.Outputs)
		}
		for _, p := range f.Outputs {
			if _, err := os.Stat(p); err != nil {
				t.Errorf("Missing output %s: %v", p, err)
			}
		}
	}
	if got := len(r.GetMetrics()); got != 2 {
		t.Errorf("Expected metrics for 2 frames, got %d", got)
	}

	for _, stage := range []string{"01_images", "02_phase", "03_displacement", "05_slopes", "06_deflection", "07_sequence"} {
		if _, err := os.Stat(filepath.Join(r.RunDir(), stage)); err != nil {
			t.Errorf("Missing intermediary stage %s: %v", stage, err)
		}
	}
	if filepath.Base(r.RunDir()) != "run-"+r.RunID() {
		t.Errorf("Run directory %s does not carry the run ID %s", r.RunDir(), r.RunID())
	}

	field, header, err := ReadField(filepath.Join(params.OutputDir, "deflection_001.bin"))
	if err != nil {
		t.Fatalf("Failed to read field: %v", err)
	}
	if header.Frame != 1 || header.Rows != testSize || header.Mode != "small" || header.RunID != r.RunID() {
		t.Errorf("Unexpected header %+v", header)
	}
	if !mat.Equal(field, frames[1].Deflection.Field) {
		t.Error("Raw field differs from the reconstructed one")
	}
}

// TestProcessDisplacementSource integrates the gradient of the decoded x
// displacement, which must return the displacement itself.
func TestProcessDisplacementSource(t *testing.T) {
	cfg := testConfig()
	cfg.Setup.SlopeSource = config.SourceDisplacement
	cfg.Displacement.Mode = "large"
	cfg.Integration.Solver = "cg"
	params := testParams(t, cfg)

	const a = 0.05
	ref, defs := renderPair(t, a)
	r := NewReconstructor(params, (*logging.TestLogger)(t))
	r.SetImages(ref, defs...)
	if err := r.Process(context.Background()); err != nil {
		t.Fatalf("Reconstruction failed: %v", err)
	}

	f := r.Frames()[0]
	u := f.Displacement.X.Values
	mean := mat.Sum(u) / float64(testSize*testSize)
	var worst float64
	for i := 0; i < testSize; i++ {
		for j := 0; j < testSize; j++ {
			worst = math.Max(worst, math.Abs(f.Deflection.Field.At(i, j)-(u.At(i, j)-mean)))
		}
	}
	if worst > 1e-4*a {
		t.Errorf("Integrated displacement differs by %g", worst)
	}
	if f.Metrics.NonConverged != 0 {
		t.Errorf("Expected all pixels to converge, got %d", f.Metrics.NonConverged)
	}
}

func TestProcessFillsLowModulation(t *testing.T) {
	cfg := testConfig()
	cfg.Displacement.MinModulation = 0.3
	params := testParams(t, cfg)

	ref, defs := renderPair(t, 0.05)
	// A uniform patch carries no carrier.
	for i := 30; i < 42; i++ {
		for j := 30; j < 42; j++ {
			defs[0].Set(i, j, 1)
		}
	}
	r := NewReconstructor(params, (*logging.TestLogger)(t))
	r.SetImages(ref, defs...)
	if err := r.Process(context.Background()); err != nil {
		t.Fatalf("Reconstruction failed: %v", err)
	}
	if m := r.GetMetrics()[0]; m.Filled == 0 {
		t.Error("Expected low modulation pixels to be filled")
	}
}

func TestProcessFromFiles(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file based pipeline in short mode")
	}
	tmp := t.TempDir()
	ref, defs := renderPair(t, 0.05)
	refPath := filepath.Join(tmp, "input", "reference.png")
	defPath := filepath.Join(tmp, "input", "deformed.png")
	if err := gridimage.Save(refPath, ref); err != nil {
		t.Fatal(err)
	}
	if err := gridimage.Save(defPath, defs[0]); err != nil {
		t.Fatal(err)
	}

	params, err := ParamsFromConfig(testConfig(), refPath, []string{defPath}, filepath.Join(tmp, "out"))
	if err != nil {
		t.Fatal(err)
	}
	r := NewReconstructor(params, (*logging.TestLogger)(t))
	if err := r.Process(context.Background()); err != nil {
		t.Fatalf("Reconstruction failed: %v", err)
	}
	if c := r.GetMetrics()[0].Consistency; c < 0.95 {
		t.Errorf("Expected consistent slopes from quantized images, got %v", c)
	}
}

func TestProcessErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Displacement.Mode = "huge"
	if _, err := ParamsFromConfig(cfg, "", nil, t.TempDir()); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}

	params := testParams(t, testConfig())
	r := NewReconstructor(params, (*logging.TestLogger)(t))
	if err := r.Process(context.Background()); err == nil {
		t.Error("Expected an error without images")
	}

	ref, defs := renderPair(t, 0.05)
	r = NewReconstructor(params, (*logging.TestLogger)(t))
	r.SetImages(ref, mat.DenseCopyOf(defs[0].Slice(0, 40, 0, 40)))
	if err := r.Process(context.Background()); err == nil {
		t.Error("Expected a shape mismatch error")
	}

	params.DeformedPaths = []string{filepath.Join(t.TempDir(), "missing.png")}
	r = NewReconstructor(params, (*logging.TestLogger)(t))
	r.SetImages(ref)
	if err := r.Process(context.Background()); err == nil {
		t.Error("Expected an error for a missing image")
	}
}

func TestFieldRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "field.bin")
	want := mat.NewDense(3, 4, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, -12.5})
	if err := WriteField(path, want, FieldHeader{Rows: 3, Cols: 4, Dx: 0.5, Dy: 0.5}); err != nil {
		t.Fatal(err)
	}
	got, header, err := ReadField(path)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(got, want) || header.Dx != 0.5 {
		t.Errorf("Round trip mismatch: %v, %+v", mat.Formatted(got), header)
	}

	if err := WriteField(path, want, FieldHeader{Rows: 4, Cols: 4}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadField(path); err == nil {
		t.Error("Expected an error for a truncated field")
	}
	if _, _, err := ReadField(filepath.Join(t.TempDir(), "none.bin")); err == nil {
		t.Error("Expected an error for a missing field")
	}
}
