// Package characterization measures the spatial frequency response of the
// phase detection and displacement decoding chain on synthetic grids.
package characterization

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"deflectrecon/pkg/displacement"
	"deflectrecon/pkg/gridimage"
	"deflectrecon/pkg/phase"
	"deflectrecon/pkg/visualization"
)

// Sweep describes a bandwidth measurement. For each displacement period P an
// image of 2P pixels is deformed by Amplitude*sin(4*pi*x/(2P-1)) along both
// axes, and the recovered peak displacement is compared to Amplitude.
type Sweep struct {
	Pitch     float64
	Amplitude float64
	Periods   []float64
	Mode      displacement.Mode

	// Oversampling is the number of samples per pixel used to render the
	// grid. Must be odd.
	Oversampling int

	// Workers bounds the number of periods processed concurrently.
	Workers int
}

// DefaultSweep returns a small-displacement sweep over periods from 2 to 20
// pitches.
func DefaultSweep(pitch float64) Sweep {
	var periods []float64
	for m := 2.0; m <= 20; m += 2 {
		periods = append(periods, m*pitch)
	}
	return Sweep{
		Pitch:        pitch,
		Amplitude:    0.01,
		Periods:      periods,
		Mode:         displacement.Small,
		Oversampling: 1,
	}
}

// Point is the response at one displacement period.
type Point struct {
	Period float64

	// RatioX and RatioY are the recovered to true peak displacement ratios.
	RatioX, RatioY float64
}

// Ratio returns the weaker of the two axis responses.
func (p Point) Ratio() float64 { return math.Min(p.RatioX, p.RatioY) }

// Run measures the response at every period, returned in increasing period
// order.
func (s Sweep) Run(ctx context.Context) ([]Point, error) {
	if !(s.Amplitude > 0) {
		return nil, fmt.Errorf("amplitude must be positive, got %v", s.Amplitude)
	}
	model := gridimage.DefaultModel(s.Pitch)
	if s.Oversampling > 0 {
		model.Oversampling = s.Oversampling
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}
	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	points := make([]Point, len(s.Periods))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for k, period := range s.Periods {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := s.measure(model, period)
			if err != nil {
				return fmt.Errorf("period %v: %w", period, err)
			}
			points[k] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Period < points[j].Period })
	return points, nil
}

func (s Sweep) measure(model gridimage.Model, period float64) (Point, error) {
	n := int(math.Round(2 * period))
	if n < 4 {
		return Point{}, fmt.Errorf("period too short for a %d pixel image", n)
	}
	w := 4 * math.Pi / float64(n-1)
	ux := func(x, _ float64) float64 { return s.Amplitude * math.Sin(w*x) }
	uy := func(_, y float64) float64 { return s.Amplitude * math.Sin(w*y) }

	ref, err := model.Render(n, n, gridimage.Identity)
	if err != nil {
		return Point{}, err
	}
	def, err := model.Render(n, n, gridimage.Eulerian(ux, uy))
	if err != nil {
		return Point{}, err
	}
	refX, refY, err := phase.Detect(ref, s.Pitch)
	if err != nil {
		return Point{}, err
	}
	defX, defY, err := phase.Detect(def, s.Pitch)
	if err != nil {
		return Point{}, err
	}

	opts := displacement.DefaultOptions(s.Mode)
	opts.Workers = 1
	pair, err := displacement.DecodePair(refX, refY, defX, defY, opts)
	if err != nil {
		return Point{}, err
	}
	return Point{
		Period: period,
		RatioX: peak(pair.X.Values) / s.Amplitude,
		RatioY: peak(pair.Y.Values) / s.Amplitude,
	}, nil
}

func peak(m *mat.Dense) float64 {
	return math.Max(math.Abs(mat.Min(m)), math.Abs(mat.Max(m)))
}

// Cutoff returns the shortest period whose response exceeds threshold.
func Cutoff(points []Point, threshold float64) (float64, bool) {
	best, ok := math.Inf(1), false
	for _, p := range points {
		if p.Ratio() > threshold && p.Period < best {
			best, ok = p.Period, true
		}
	}
	return best, ok
}

// Plot writes the response against period, in pitches, to path.
func Plot(points []Point, pitch float64, path string) error {
	xs := make([]float64, len(points))
	rx := make([]float64, len(points))
	ry := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.Period / pitch
		rx[i] = p.RatioX
		ry[i] = p.RatioY
	}
	return visualization.PlotLines(path, "Displacement frequency response",
		"Period [pitches]", "Recovered / true amplitude",
		visualization.Series{Name: "x", X: xs, Y: rx},
		visualization.Series{Name: "y", X: xs, Y: ry},
	)
}
