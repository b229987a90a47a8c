package interpolation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/interp"
)

// Kind selects the 1D interpolation scheme used along a row or column.
type Kind int

const (
	// Akima is a local cubic that does not overshoot near abrupt changes.
	Akima Kind = iota
	NaturalCubic
	// FritschButland is a monotonicity preserving cubic.
	FritschButland
	Linear
)

func (k Kind) String() string {
	switch k {
	case Akima:
		return "akima"
	case NaturalCubic:
		return "natural"
	case FritschButland:
		return "fritsch-butland"
	case Linear:
		return "linear"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind converts a configuration name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "akima":
		return Akima, nil
	case "natural", "natural-cubic", "cubic":
		return NaturalCubic, nil
	case "fritsch-butland", "fritschbutland", "monotone":
		return FritschButland, nil
	case "linear":
		return Linear, nil
	}
	return 0, fmt.Errorf("unknown interpolator: %q", s)
}

// ErrTooFewPoints is returned when fewer than two samples are given.
var ErrTooFewPoints = errors.New("at least two samples are required")

// Line interpolates samples of a function of one variable. Outside the sampled
// range it holds the end value with zero derivative.
type Line struct {
	kind   Kind
	xs, ys []float64
	pred   interp.DerivativePredictor
}

// NewLine fits an interpolant of the given kind to (xs, ys). The abscissae must
// be strictly increasing. The slices are copied.
func NewLine(kind Kind, xs, ys []float64) (*Line, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("got %d abscissae and %d values", len(xs), len(ys))
	}
	if len(xs) < 2 {
		return nil, ErrTooFewPoints
	}
	for i := 1; i < len(xs); i++ {
		if !(xs[i] > xs[i-1]) {
			return nil, fmt.Errorf("abscissae not strictly increasing at index %d", i)
		}
	}

	l := &Line{
		kind: kind,
		xs:   append([]float64(nil), xs...),
		ys:   append([]float64(nil), ys...),
	}

	var fitter interface {
		interp.Fitter
		interp.DerivativePredictor
	}
	switch kind {
	case Akima:
		fitter = &interp.AkimaSpline{}
	case NaturalCubic:
		fitter = &interp.NaturalCubic{}
	case FritschButland:
		fitter = &interp.FritschButland{}
	case Linear:
		return l, nil
	default:
		return nil, fmt.Errorf("unknown interpolator: %v", kind)
	}
	if err := fitter.Fit(l.xs, l.ys); err != nil {
		return nil, fmt.Errorf("failed to fit %v interpolant: %w", kind, err)
	}
	l.pred = fitter
	return l, nil
}

// Kind returns the interpolation scheme.
func (l *Line) Kind() Kind { return l.kind }

// Value returns the interpolated value at x.
func (l *Line) Value(x float64) float64 {
	n := len(l.xs)
	switch {
	case x <= l.xs[0]:
		return l.ys[0]
	case x >= l.xs[n-1]:
		return l.ys[n-1]
	}
	if l.pred != nil {
		return l.pred.Predict(x)
	}
	i := l.segment(x)
	t := (x - l.xs[i]) / (l.xs[i+1] - l.xs[i])
	return l.ys[i] + t*(l.ys[i+1]-l.ys[i])
}

// Derivative returns the derivative of the interpolant at x, zero outside the
// sampled range.
func (l *Line) Derivative(x float64) float64 {
	n := len(l.xs)
	if x < l.xs[0] || x > l.xs[n-1] {
		return 0
	}
	if l.pred != nil {
		return l.pred.PredictDerivative(x)
	}
	i := l.segment(x)
	return (l.ys[i+1] - l.ys[i]) / (l.xs[i+1] - l.xs[i])
}

// Eval returns the value and derivative at x.
func (l *Line) Eval(x float64) (float64, float64) {
	return l.Value(x), l.Derivative(x)
}

// segment returns i such that xs[i] <= x < xs[i+1], clamped to the last
// segment.
func (l *Line) segment(x float64) int {
	i := sort.SearchFloat64s(l.xs, x)
	// SearchFloat64s returns the first index with xs[i] >= x.
	if i < len(l.xs) && l.xs[i] == x {
		if i == len(l.xs)-1 {
			return i - 1
		}
		return i
	}
	if i == 0 {
		return 0
	}
	return i - 1
}

// Grid returns the pixel coordinates 0, 1, ..., n-1.
func Grid(n int) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	return xs
}
