package characterization

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestBandwidth(t *testing.T) {
	s := DefaultSweep(5)
	s.Periods = []float64{100, 10, 50, 30}
	points, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 4 || points[0].Period != 10 || points[3].Period != 100 {
		t.Fatalf("Expected points sorted by period, got %+v", points)
	}

	for _, p := range points {
		t.Logf("period %v: ratio x %.4f, y %.4f", p.Period, p.RatioX, p.RatioY)
		if p.Period >= 30 && p.Ratio() <= 0.9 {
			t.Errorf("Period %v: expected ratio above 0.9, got %v", p.Period, p.Ratio())
		}
		if p.Ratio() > 1.05 {
			t.Errorf("Period %v: amplification %v", p.Period, p.Ratio())
		}
	}
	if r := points[0].Ratio(); r >= 0.9 {
		t.Errorf("Expected attenuation below 0.9 at period 10, got %v", r)
	}

	cut, ok := Cutoff(points, 0.9)
	if !ok || cut != 30 {
		t.Errorf("Expected cutoff at period 30, got %v (%v)", cut, ok)
	}
	if _, ok := Cutoff(points, 2); ok {
		t.Error("Expected no period above a ratio of 2")
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := DefaultSweep(5).Run(ctx); err == nil {
		t.Error("Expected an error from a cancelled sweep")
	}
}

func TestRunValidation(t *testing.T) {
	s := DefaultSweep(5)
	s.Oversampling = 4
	if _, err := s.Run(context.Background()); err == nil {
		t.Error("Expected an error for even oversampling")
	}
	s = DefaultSweep(5)
	s.Amplitude = 0
	if _, err := s.Run(context.Background()); err == nil {
		t.Error("Expected an error for zero amplitude")
	}
}

func TestPlot(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping plot rendering in short mode")
	}
	path := filepath.Join(t.TempDir(), "response.png")
	points := []Point{{10, 0.4, 0.41}, {30, 0.97, 0.97}, {50, 0.99, 0.99}}
	if err := Plot(points, 5, path); err != nil {
		t.Fatal(err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("Expected a plot file, got %v", err)
	}
}
