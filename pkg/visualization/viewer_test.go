package visualization

import (
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"deflectrecon/internal/models"
)

// rampField returns a field whose value is the column index plus ten times the
// row index.
func rampField(rows, cols int) *mat.Dense {
	f := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			f.Set(i, j, float64(j+10*i))
		}
	}
	return f
}

// TestNewViewer verifies that the viewer picks up the field's value range
func TestNewViewer(t *testing.T) {
	field := rampField(4, 6)
	viewer := NewViewer(field)

	if viewer.lo != 0 {
		t.Errorf("Expected low value 0, got %f", viewer.lo)
	}
	if viewer.hi != 35 {
		t.Errorf("Expected high value 35, got %f", viewer.hi)
	}
}

// TestRender verifies the grey scale mapping
func TestRender(t *testing.T) {
	field := rampField(4, 6)
	img := NewViewer(field).Render()

	if img.Bounds().Dx() != 6 || img.Bounds().Dy() != 4 {
		t.Fatalf("Expected 6x4 image, got %v", img.Bounds())
	}
	if got := img.Gray16At(0, 0).Y; got != 0 {
		t.Errorf("Expected black at the minimum, got %d", got)
	}
	if got := img.Gray16At(5, 3).Y; got != 65535 {
		t.Errorf("Expected white at the maximum, got %d", got)
	}
	// Values increase along each row.
	for x := 1; x < 6; x++ {
		if img.Gray16At(x, 2).Y <= img.Gray16At(x-1, 2).Y {
			t.Errorf("Expected increasing grey values along row 2 at column %d", x)
		}
	}

	flat := mat.NewDense(3, 3, nil)
	flat.Apply(func(i, j int, v float64) float64 { return 7 }, flat)
	if got := NewViewer(flat).Render().Gray16At(1, 1).Y; got != 32767 {
		t.Errorf("Expected mid grey for a constant field, got %d", got)
	}

	nan := mat.NewDense(2, 2, []float64{math.NaN(), 1, 2, 3})
	if got := NewViewer(nan).Render().Gray16At(0, 0).Y; got != 0 {
		t.Errorf("Expected NaN to render black, got %d", got)
	}
}

// TestProfile verifies row and column extraction
func TestProfile(t *testing.T) {
	viewer := NewViewer(rampField(4, 6))

	row, err := viewer.Profile(models.AxisX, 2)
	if err != nil {
		t.Fatalf("Failed to extract row profile: %v", err)
	}
	if len(row) != 6 || row[0] != 20 || row[5] != 25 {
		t.Errorf("Unexpected row profile %v", row)
	}

	col, err := viewer.Profile(models.AxisY, 1)
	if err != nil {
		t.Fatalf("Failed to extract column profile: %v", err)
	}
	if len(col) != 4 || col[0] != 1 || col[3] != 31 {
		t.Errorf("Unexpected column profile %v", col)
	}

	if _, err := viewer.Profile(models.AxisX, 4); err == nil {
		t.Error("Expected error for row beyond the field")
	}
	if _, err := viewer.Profile(models.AxisY, -1); err == nil {
		t.Error("Expected error for negative position")
	}
}

// TestExtractRegion verifies window extraction and bounds checking
func TestExtractRegion(t *testing.T) {
	viewer := NewViewer(rampField(5, 5))

	region, err := viewer.ExtractRegion(1, 2, 2, 3)
	if err != nil {
		t.Fatalf("Failed to extract region: %v", err)
	}
	r, c := region.Dims()
	if r != 2 || c != 3 {
		t.Fatalf("Expected 2x3 region, got %dx%d", r, c)
	}
	if region.At(0, 0) != 12 || region.At(1, 2) != 24 {
		t.Errorf("Unexpected region contents %v", mat.Formatted(region))
	}

	if _, err := viewer.ExtractRegion(4, 4, 2, 2); err == nil {
		t.Error("Expected error for region beyond the field")
	}
	if _, err := viewer.ExtractRegion(0, 0, 0, 2); err == nil {
		t.Error("Expected error for empty region")
	}
}

// TestSaveImageAndSequence verifies that images and sequences are written
func TestSaveImageAndSequence(t *testing.T) {
	tmpDir := t.TempDir()

	filename := filepath.Join(tmpDir, "field.png")
	if err := NewViewer(rampField(8, 8)).SaveImage(filename); err != nil {
		t.Fatalf("Failed to save image: %v", err)
	}
	file, err := os.Open(filename)
	if err != nil {
		t.Fatalf("Failed to open saved image: %v", err)
	}
	img, err := png.Decode(file)
	file.Close()
	if err != nil {
		t.Fatalf("Failed to decode saved image: %v", err)
	}
	if img.Bounds().Dx() != 8 {
		t.Errorf("Expected width 8, got %d", img.Bounds().Dx())
	}

	if err := NewViewer(rampField(8, 8)).SaveImage(filepath.Join(tmpDir, "field.jpg")); err != nil {
		t.Errorf("Failed to save JPEG: %v", err)
	}

	seqDir := filepath.Join(tmpDir, "seq")
	fields := []*mat.Dense{rampField(3, 3), rampField(3, 3), rampField(3, 3)}
	if err := SaveSequence(fields, seqDir, "frame"); err != nil {
		t.Fatalf("Failed to save sequence: %v", err)
	}
	entries, err := os.ReadDir(seqDir)
	if err != nil {
		t.Fatalf("Failed to read sequence directory: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Expected 3 files, got %d", len(entries))
	}
}

// TestSaveProfilePlot verifies that a plot file is produced
func TestSaveProfilePlot(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping plot rendering in short mode")
	}
	filename := filepath.Join(t.TempDir(), "profile.png")
	if err := NewViewer(rampField(5, 5)).SaveProfilePlot(filename, models.AxisX, 2, 0.5); err != nil {
		t.Fatalf("Failed to save profile plot: %v", err)
	}
	if info, err := os.Stat(filename); err != nil || info.Size() == 0 {
		t.Errorf("Expected a non-empty plot file, got %v", err)
	}

	bad := Series{Name: "bad", X: []float64{1, 2}, Y: []float64{1}}
	if err := PlotLines(filepath.Join(t.TempDir(), "bad.png"), "t", "x", "y", bad); err == nil {
		t.Error("Expected error for mismatched series lengths")
	}
}
