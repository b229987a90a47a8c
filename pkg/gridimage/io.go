package gridimage

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"gonum.org/v1/gonum/mat"

	"deflectrecon/pkg/visualization"
)

// Load reads a PNG or JPEG grid photograph and returns its luminance in [0, 1].
func Load(path string) (*mat.Dense, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return FromImage(img), nil
}

// FromImage converts any image to a luminance field in [0, 1].
func FromImage(img image.Image) *mat.Dense {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	field := mat.NewDense(height, width, nil)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			field.Set(y, x, float64(g.Y)/65535.0)
		}
	}
	return field
}

// Save writes a rendered grid as a 16-bit grey image, stretched to the full
// grey range.
func Save(path string, img *mat.Dense) error {
	return visualization.NewViewer(img).SaveImage(path)
}
