// Package visualization renders 2D measurement fields (grid images, phase maps,
// displacement, slope and deflection fields) as images and line plots.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"

	"deflectrecon/internal/models"
)

// Viewer renders a single field.
type Viewer struct {
	// field holds the values, indexed (row, col) with the origin top-left
	field *mat.Dense

	// lo and hi are the values mapped to black and white
	lo, hi float64
}

// NewViewer creates a viewer that stretches the field's own value range to the
// full grey scale.
func NewViewer(field *mat.Dense) *Viewer {
	lo, hi := mat.Min(field), mat.Max(field)
	return &Viewer{field: field, lo: lo, hi: hi}
}

// NewViewerRange creates a viewer with a fixed value range, so that a
// sequence of fields shares one grey scale.
func NewViewerRange(field *mat.Dense, lo, hi float64) *Viewer {
	return &Viewer{field: field, lo: lo, hi: hi}
}

// Render converts the field to a 16-bit grey image. Values outside the
// viewer's range are clamped and NaN renders black.
func (v *Viewer) Render() *image.Gray16 {
	rows, cols := v.field.Dims()
	img := image.NewGray16(image.Rect(0, 0, cols, rows))

	span := v.hi - v.lo
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			val := v.field.At(y, x)
			var g float64
			switch {
			case math.IsNaN(val):
				g = 0
			case span > 0:
				g = (val - v.lo) / span
			default:
				g = 0.5
			}
			value := uint16(math.Max(0, math.Min(65535, g*65535)))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img
}

// Profile extracts a 1D cut through the field: the row at position pos for
// AxisX, or the column at position pos for AxisY.
func (v *Viewer) Profile(axis models.Axis, pos int) ([]float64, error) {
	if pos < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	rows, cols := v.field.Dims()

	switch axis {
	case models.AxisX:
		if pos >= rows {
			return nil, fmt.Errorf("position %d exceeds height %d", pos, rows)
		}
		return mat.Row(nil, pos, v.field), nil
	case models.AxisY:
		if pos >= cols {
			return nil, fmt.Errorf("position %d exceeds width %d", pos, cols)
		}
		return mat.Col(nil, pos, v.field), nil
	default:
		return nil, fmt.Errorf("invalid axis: %v", axis)
	}
}

// ExtractRegion copies a rectangular window out of the field.
func (v *Viewer) ExtractRegion(row, col, height, width int) (*mat.Dense, error) {
	if row < 0 || col < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	rows, cols := v.field.Dims()
	if row+height > rows || col+width > cols {
		return nil, fmt.Errorf("region extends beyond field boundaries")
	}

	region := mat.NewDense(height, width, nil)
	region.Copy(v.field.Slice(row, row+height, col, col+width))
	return region, nil
}

// SaveImage renders the field and writes it as PNG, or as JPEG when the file
// name ends in .jpg or .jpeg.
func (v *Viewer) SaveImage(filename string) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	img := v.Render()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(file, img)
	}
	if err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}

// SaveSequence writes a sequence of fields to outputDir as numbered PNG files
// sharing a common grey scale.
func SaveSequence(fields []*mat.Dense, outputDir, prefix string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, f := range fields {
		lo = math.Min(lo, mat.Min(f))
		hi = math.Max(hi, mat.Max(f))
	}

	for i, f := range fields {
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%03d.png", prefix, i))
		if err := NewViewerRange(f, lo, hi).SaveImage(filename); err != nil {
			return err
		}
	}
	return nil
}
