package interpolation

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// ErrNoValidPixels is returned when a field has no reliable pixel to fill from.
var ErrNoValidPixels = errors.New("no valid pixels to interpolate from")

// ProgressCallback is a function that reports progress during filling.
type ProgressCallback func(completed, total int, message string)

// pixel is a reliable sample of a field at (X, Y) = (column, row).
type pixel struct {
	X, Y  float64
	Value float64
}

// Compare implements the kdtree.Comparable interface
func (p pixel) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(pixel)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p pixel) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two pixels
func (p pixel) Distance(c kdtree.Comparable) float64 {
	q := c.(pixel)
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// pixels is a collection of pixel that satisfies kdtree.Interface
type pixels []pixel

func (p pixels) Index(i int) kdtree.Comparable         { return p[i] }
func (p pixels) Len() int                              { return len(p) }
func (p pixels) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p pixels) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pixelPlane{pixels: p, Dim: d}, kdtree.MedianOfRandoms(pixelPlane{pixels: p, Dim: d}, 100))
}

// pixelPlane implements sort.Interface and kdtree.SortSlicer for pixels
type pixelPlane struct {
	pixels
	kdtree.Dim
}

func (p pixelPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.pixels[i].X < p.pixels[j].X
	case 1:
		return p.pixels[i].Y < p.pixels[j].Y
	default:
		panic("illegal dimension")
	}
}

func (p pixelPlane) Slice(start, end int) kdtree.SortSlicer {
	return pixelPlane{pixels: p.pixels[start:end], Dim: p.Dim}
}

func (p pixelPlane) Swap(i, j int) {
	p.pixels[i], p.pixels[j] = p.pixels[j], p.pixels[i]
}

// Filler replaces unreliable pixels of a field by inverse distance weighting
// of their nearest reliable neighbours.
type Filler struct {
	// Neighbors is the number of reliable pixels used per filled pixel.
	Neighbors int

	// Power is the inverse distance exponent.
	Power float64

	// Workers bounds the number of rows filled concurrently. Zero uses one
	// worker per CPU.
	Workers int

	// Progress, if set, receives a report after each row. Reports are
	// serialised and completed counts up to total, but rows may finish out of
	// order.
	Progress ProgressCallback
}

// NewFiller returns a filler using 8 neighbours, inverse squared distance and
// one worker per CPU.
func NewFiller() *Filler {
	return &Filler{Neighbors: 8, Power: 2, Workers: runtime.NumCPU()}
}

// Fill returns a copy of field in which every pixel whose entry in valid
// (row-major) is false is interpolated from the reliable pixels. It also
// returns the number of filled pixels.
func (f *Filler) Fill(field *mat.Dense, valid []bool) (*mat.Dense, int, error) {
	rows, cols := field.Dims()
	if len(valid) != rows*cols {
		return nil, 0, fmt.Errorf("mask has %d entries for a %dx%d field", len(valid), rows, cols)
	}
	k := f.Neighbors
	if k <= 0 {
		k = 8
	}
	power := f.Power
	if power <= 0 {
		power = 2
	}

	out := mat.DenseCopyOf(field)
	pts := make(pixels, 0, rows*cols)
	missing := 0
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if valid[i*cols+j] {
				pts = append(pts, pixel{X: float64(j), Y: float64(i), Value: field.At(i, j)})
			} else {
				missing++
			}
		}
	}
	if missing == 0 {
		return out, 0, nil
	}
	if len(pts) == 0 {
		return nil, 0, ErrNoValidPixels
	}

	workers := f.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	tree := kdtree.New(pts, false)
	var (
		mu   sync.Mutex
		done int
		g    errgroup.Group
	)
	g.SetLimit(workers)
	for i := 0; i < rows; i++ {
		g.Go(func() error {
			fillRow(out, valid, tree, i, k, power)
			mu.Lock()
			done++
			f.reportProgress(done, rows, "filled masked pixels")
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return out, missing, nil
}

// fillRow interpolates the invalid pixels of row i. Rows write disjoint
// entries of out and only read the tree.
func fillRow(out *mat.Dense, valid []bool, tree *kdtree.Tree, i, k int, power float64) {
	_, cols := out.Dims()
	for j := 0; j < cols; j++ {
		if valid[i*cols+j] {
			continue
		}
		keeper := kdtree.NewNKeeper(k)
		tree.NearestSet(keeper, pixel{X: float64(j), Y: float64(i)})

		var sum, wsum float64
		for _, item := range keeper.Heap {
			// Skip the sentinel value
			if item.Comparable == nil {
				continue
			}
			w := 1 / math.Pow(math.Sqrt(item.Dist), power)
			sum += w * item.Comparable.(pixel).Value
			wsum += w
		}
		out.Set(i, j, sum/wsum)
	}
}

// ModulationMask marks pixels whose modulation is at least threshold.
func ModulationMask(modulation *mat.Dense, threshold float64) []bool {
	rows, cols := modulation.Dims()
	mask := make([]bool, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			mask[i*cols+j] = modulation.At(i, j) >= threshold
		}
	}
	return mask
}

// And combines masks element-wise. All masks must have the same length.
func And(masks ...[]bool) []bool {
	if len(masks) == 0 {
		return nil
	}
	out := append([]bool(nil), masks[0]...)
	for _, m := range masks[1:] {
		for i := range out {
			out[i] = out[i] && m[i]
		}
	}
	return out
}

func (f *Filler) reportProgress(completed, total int, message string) {
	if f.Progress != nil {
		f.Progress(completed, total, message)
	}
}
