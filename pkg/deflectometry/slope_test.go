package deflectometry

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"deflectrecon/internal/models"
	"deflectrecon/pkg/displacement"
)

func field(axis models.Axis, rows, cols int, v float64) *models.DisplacementField {
	vals := mat.NewDense(rows, cols, nil)
	vals.Apply(func(int, int, float64) float64 { return v }, vals)
	return &models.DisplacementField{Axis: axis, Values: vals}
}

func TestSlopeFromDisplacement(t *testing.T) {
	tests := []struct {
		u, ps, l float64
		want     float64
	}{
		{0, 0.1, 100, 0},
		// 45 degree deflection needs a 22.5 degree surface.
		{10, 1, 10, math.Tan(math.Pi / 8)},
		{-10, 1, 10, -math.Tan(math.Pi / 8)},
	}
	for _, tt := range tests {
		if got := SlopeFromDisplacement(tt.u, tt.ps, tt.l); math.Abs(got-tt.want) > 1e-15 {
			t.Errorf("SlopeFromDisplacement(%v, %v, %v) = %v, want %v", tt.u, tt.ps, tt.l, got, tt.want)
		}
	}

	// Small deflections are linear: slope ~ u*ps/(2L).
	if got, want := SlopeFromDisplacement(0.01, 0.2, 500), 0.01*0.2/1000; math.Abs(got-want) > 1e-12 {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestSlopes(t *testing.T) {
	pair := displacement.Pair{
		X: field(models.AxisX, 4, 5, 2),
		Y: field(models.AxisY, 4, 5, -1),
	}
	setup := Setup{PixelSize: 0.5, GridDistance: 100}
	sx, sy, err := Slopes(pair, setup)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := sx.At(3, 4), SlopeFromDisplacement(2, 0.5, 100); got != want {
		t.Errorf("x slope: expected %v, got %v", want, got)
	}
	if got, want := sy.At(0, 0), SlopeFromDisplacement(-1, 0.5, 100); got != want {
		t.Errorf("y slope: expected %v, got %v", want, got)
	}

	if _, _, err := Slopes(pair, Setup{PixelSize: 1}); !errors.Is(err, ErrInvalidSetup) {
		t.Errorf("Expected ErrInvalidSetup, got %v", err)
	}
	pair.Y = field(models.AxisY, 4, 6, 0)
	if _, _, err := Slopes(pair, setup); !errors.Is(err, models.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestDisplacementAsSlopes(t *testing.T) {
	u := field(models.AxisX, 3, 4, 0)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			u.Values.Set(i, j, float64(2*j+i))
		}
	}
	sx, sy, err := DisplacementAsSlopes(u, 0.5, 1)
	if err != nil {
		t.Fatal(err)
	}
	if sx.At(1, 1) != 4 || sy.At(1, 1) != 1 {
		t.Errorf("Expected slopes (4, 1), got (%v, %v)", sx.At(1, 1), sy.At(1, 1))
	}
	if _, _, err := DisplacementAsSlopes(nil, 1, 1); err == nil {
		t.Error("Expected an error for a missing field")
	}
}
