package integration

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Region selects the pixels whose mean (or plane) is removed from the
// integrated field.
type Region int

const (
	Border Region = iota
	Corners
	BottomCorners
	TopCorners
	Left
	Right
	Top
	Bottom
	// Mean anchors on the whole field and ignores Size.
	Mean
)

var regionNames = map[Region]string{
	Border:        "border",
	Corners:       "corners",
	BottomCorners: "bottom corners",
	TopCorners:    "top corners",
	Left:          "left",
	Right:         "right",
	Top:           "top",
	Bottom:        "bottom",
	Mean:          "mean",
}

func (r Region) String() string {
	if s, ok := regionNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Region(%d)", int(r))
}

// ParseRegion converts a name such as "bottom corners", "bottom-corners" or
// "bottom_corners" to a Region.
func ParseRegion(s string) (Region, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", " ", "_", " ").Replace(norm)
	norm = strings.Join(strings.Fields(norm), " ")
	if norm == "" {
		return Mean, nil
	}
	for r, name := range regionNames {
		if name == norm {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAnchor, s)
}

// ErrInvalidAnchor is returned for an unknown, empty or oversized anchor
// region, or one on which no plane can be fitted.
var ErrInvalidAnchor = errors.New("invalid anchor region")

// Anchor fixes the integration constant.
type Anchor struct {
	Region Region

	// Size is the width in pixels of the region band or corner blocks.
	Size int

	// Offset is the value the region is set to after anchoring.
	Offset float64

	// RemoveTilt subtracts the least-squares plane over the region instead
	// of its mean.
	RemoveTilt bool
}

// mask returns the row-major membership of the region in a rows x cols
// field.
func (a Anchor) mask(rows, cols int) ([]bool, error) {
	s := a.Size
	if a.Region != Mean {
		if s < 1 {
			return nil, fmt.Errorf("%w: size must be at least 1, got %d", ErrInvalidAnchor, s)
		}
		limit := min(rows, cols)
		switch a.Region {
		case Left, Right:
			limit = cols
		case Top, Bottom:
			limit = rows
		}
		if s > limit {
			return nil, fmt.Errorf("%w: %v of size %d does not fit a %dx%d field", ErrInvalidAnchor, a.Region, s, rows, cols)
		}
	}

	top := func(i int) bool { return i < s }
	bottom := func(i int) bool { return i >= rows-s }
	left := func(j int) bool { return j < s }
	right := func(j int) bool { return j >= cols-s }

	var in func(i, j int) bool
	switch a.Region {
	case Border:
		in = func(i, j int) bool { return top(i) || bottom(i) || left(j) || right(j) }
	case Corners:
		in = func(i, j int) bool { return (top(i) || bottom(i)) && (left(j) || right(j)) }
	case BottomCorners:
		in = func(i, j int) bool { return bottom(i) && (left(j) || right(j)) }
	case TopCorners:
		in = func(i, j int) bool { return top(i) && (left(j) || right(j)) }
	case Left:
		in = func(_, j int) bool { return left(j) }
	case Right:
		in = func(_, j int) bool { return right(j) }
	case Top:
		in = func(i, _ int) bool { return top(i) }
	case Bottom:
		in = func(i, _ int) bool { return bottom(i) }
	case Mean:
		in = func(int, int) bool { return true }
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnchor, a.Region)
	}

	m := make([]bool, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m[i*cols+j] = in(i, j)
		}
	}
	return m, nil
}

// apply anchors f in place. dx and dy scale the plane coordinates.
func (a Anchor) apply(f *mat.Dense, dx, dy float64) error {
	rows, cols := f.Dims()
	m, err := a.mask(rows, cols)
	if err != nil {
		return err
	}

	if !a.RemoveTilt {
		var sum float64
		var n int
		for k, ok := range m {
			if ok {
				sum += f.At(k/cols, k%cols)
				n++
			}
		}
		shift := a.Offset - sum/float64(n)
		f.Apply(func(_, _ int, v float64) float64 { return v + shift }, f)
		return nil
	}

	c, err := fitPlane(f, m, dx, dy)
	if err != nil {
		return err
	}
	f.Apply(func(i, j int, v float64) float64 {
		return v - (c[0] + c[1]*float64(j)*dx + c[2]*float64(i)*dy) + a.Offset
	}, f)
	return nil
}

// fitPlane returns the coefficients of the least-squares plane
// c0 + c1*x + c2*y through the masked samples of f.
func fitPlane(f *mat.Dense, m []bool, dx, dy float64) ([]float64, error) {
	_, cols := f.Dims()
	var n int
	for _, ok := range m {
		if ok {
			n++
		}
	}
	if n < 3 {
		return nil, fmt.Errorf("%w: %d pixels cannot define a plane", ErrInvalidAnchor, n)
	}

	design := mat.NewDense(n, 3, nil)
	z := mat.NewVecDense(n, nil)
	var r int
	for k, ok := range m {
		if !ok {
			continue
		}
		i, j := k/cols, k%cols
		design.SetRow(r, []float64{1, float64(j) * dx, float64(i) * dy})
		z.SetVec(r, f.At(i, j))
		r++
	}

	var qr mat.QR
	qr.Factorize(design)
	var c mat.VecDense
	if err := qr.SolveVecTo(&c, false, z); err != nil {
		return nil, fmt.Errorf("%w: region is degenerate for a plane fit: %v", ErrInvalidAnchor, err)
	}
	return []float64{c.AtVec(0), c.AtVec(1), c.AtVec(2)}, nil
}
