package integration

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"deflectrecon/internal/models"
)

// Gradient returns the derivatives of f along x (columns, spacing dx) and y
// (rows, spacing dy). Interior samples use second-order central differences,
// edges use first-order one-sided differences.
func Gradient(f mat.Matrix, dx, dy float64) (gx, gy *mat.Dense, err error) {
	if err := models.CheckShapes(f); err != nil {
		return nil, nil, err
	}
	if !(dx > 0) || !(dy > 0) {
		return nil, nil, fmt.Errorf("spacing must be positive, got dx=%v dy=%v", dx, dy)
	}
	rows, cols := f.Dims()
	gx = mat.NewDense(rows, cols, nil)
	gy = mat.NewDense(rows, cols, nil)

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			gx.Set(i, j, diff(f, i, j, 0, 1, cols, j, dx))
			gy.Set(i, j, diff(f, i, j, 1, 0, rows, i, dy))
		}
	}
	return gx, gy, nil
}

// diff differentiates f at (i, j) along the direction (di, dj), where s is the
// position along that direction and n the number of samples.
func diff(f mat.Matrix, i, j, di, dj, n, s int, h float64) float64 {
	switch s {
	case 0:
		return (f.At(i+di, j+dj) - f.At(i, j)) / h
	case n - 1:
		return (f.At(i, j) - f.At(i-di, j-dj)) / h
	}
	return (f.At(i+di, j+dj) - f.At(i-di, j-dj)) / (2 * h)
}
