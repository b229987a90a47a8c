// Package stl writes deflection fields as triangle meshes in the binary STL
// format.
package stl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// Triangle is one facet of a mesh.
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// HeightMap triangulates field as a surface z = scale*f(x, y), with samples
// spaced dx along columns and dy along rows. Each cell between four samples
// becomes two triangles whose normals point towards positive z.
func HeightMap(field mat.Matrix, dx, dy, scale float64) ([]Triangle, error) {
	rows, cols := field.Dims()
	if rows < 2 || cols < 2 {
		return nil, fmt.Errorf("need at least 2x2 samples, got %dx%d", rows, cols)
	}
	if !(dx > 0) || !(dy > 0) {
		return nil, fmt.Errorf("spacing must be positive, got dx=%v dy=%v", dx, dy)
	}

	vertex := func(i, j int) [3]float32 {
		return [3]float32{
			float32(float64(j) * dx),
			float32(float64(i) * dy),
			float32(scale * field.At(i, j)),
		}
	}

	triangles := make([]Triangle, 0, 2*(rows-1)*(cols-1))
	for i := 0; i+1 < rows; i++ {
		for j := 0; j+1 < cols; j++ {
			a, b := vertex(i, j), vertex(i, j+1)
			c, d := vertex(i+1, j), vertex(i+1, j+1)
			triangles = append(triangles, facet(a, b, d), facet(a, d, c))
		}
	}
	return triangles, nil
}

// facet builds a triangle with the right-handed normal of (v1, v2, v3).
func facet(v1, v2, v3 [3]float32) Triangle {
	return Triangle{Normal: normal(v1, v2, v3), Vertex1: v1, Vertex2: v2, Vertex3: v3}
}

func normal(v1, v2, v3 [3]float32) [3]float32 {
	ux, uy, uz := v2[0]-v1[0], v2[1]-v1[1], v2[2]-v1[2]
	vx, vy, vz := v3[0]-v1[0], v3[1]-v1[1], v3[2]-v1[2]
	nx := uy*vz - uz*vy
	ny := uz*vx - ux*vz
	nz := ux*vy - uy*vx
	l := float32(math.Sqrt(float64(nx*nx + ny*ny + nz*nz)))
	if l == 0 {
		return [3]float32{}
	}
	return [3]float32{nx / l, ny / l, nz / l}
}

// Bounds returns the minimum and maximum vertex coordinates.
func Bounds(triangles []Triangle) (lo, hi [3]float32) {
	if len(triangles) == 0 {
		return lo, hi
	}
	lo = triangles[0].Vertex1
	hi = lo
	for _, t := range triangles {
		for _, v := range [][3]float32{t.Vertex1, t.Vertex2, t.Vertex3} {
			for k := 0; k < 3; k++ {
				lo[k] = min(lo[k], v[k])
				hi[k] = max(hi[k], v[k])
			}
		}
	}
	return lo, hi
}

// WriteBinary encodes triangles as binary STL: an 80 byte header, the
// triangle count and 50 bytes per facet, all little-endian.
func WriteBinary(w io.Writer, triangles []Triangle) error {
	var header [80]byte
	copy(header[:], "deflectrecon height map")
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return err
	}

	var rec [50]byte
	for _, t := range triangles {
		off := 0
		for _, v := range [][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
			for k := 0; k < 3; k++ {
				binary.LittleEndian.PutUint32(rec[off:], math.Float32bits(v[k]))
				off += 4
			}
		}
		// Attribute byte count stays zero.
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	return nil
}

// SaveToSTL writes triangles to filename in binary STL.
func SaveToSTL(filename string, triangles []Triangle) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create STL file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if err := WriteBinary(bw, triangles); err != nil {
		return fmt.Errorf("failed to write STL: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}
