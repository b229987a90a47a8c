package visualization

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"deflectrecon/internal/models"
)

// Series is a named line on a plot.
type Series struct {
	Name string
	X, Y []float64
}

// PlotToFile creates a plot with the given title and axis labels using the
// provided draw function, and saves it to filename. The format follows the
// file extension.
func PlotToFile(filename, title, xTitle, yTitle string, draw func(*plot.Plot) error) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xTitle
	p.Y.Label.Text = yTitle
	if err := draw(p); err != nil {
		return fmt.Errorf("could not draw plot contents: %w", err)
	}
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := p.Save(15*vg.Centimeter, 10*vg.Centimeter, filename); err != nil {
		return fmt.Errorf("could not save plot: %w", err)
	}
	return nil
}

// PlotLines draws every series as a line with a legend entry.
func PlotLines(filename, title, xTitle, yTitle string, series ...Series) error {
	return PlotToFile(filename, title, xTitle, yTitle, func(p *plot.Plot) error {
		for i, s := range series {
			if len(s.X) != len(s.Y) {
				return fmt.Errorf("series %q has %d x values and %d y values", s.Name, len(s.X), len(s.Y))
			}
			line, err := plotter.NewLine(plotterXY(s.X, s.Y))
			if err != nil {
				return err
			}
			line.Color = plotutil.Color(i)
			p.Add(line)
			if s.Name != "" {
				p.Legend.Add(s.Name, line)
			}
		}
		p.Add(plotter.NewGrid())
		return nil
	})
}

// SaveProfilePlot plots the row (AxisX) or column (AxisY) at pos against the
// physical coordinate along it.
func (v *Viewer) SaveProfilePlot(filename string, axis models.Axis, pos int, spacing float64) error {
	prof, err := v.Profile(axis, pos)
	if err != nil {
		return err
	}
	if spacing <= 0 {
		spacing = 1
	}
	xs := make([]float64, len(prof))
	for i := range xs {
		xs[i] = float64(i) * spacing
	}
	title := fmt.Sprintf("Profile along %v at %d", axis, pos)
	return PlotLines(filename, title, axis.String(), "value", Series{X: xs, Y: prof})
}

// plotterXY provides a plotter.XYs value based on the given x and y data.
func plotterXY(x, y []float64) plotter.XYs {
	xy := make(plotter.XYs, len(x))
	for i := range x {
		xy[i].X = x[i]
		xy[i].Y = y[i]
	}
	return xy
}
