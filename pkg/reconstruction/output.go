package reconstruction

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"deflectrecon/internal/models"
	"deflectrecon/pkg/stl"
	"deflectrecon/pkg/visualization"
)

// FieldHeader is the YAML sidecar describing a raw deflection field.
type FieldHeader struct {
	RunID     string  `yaml:"runID"`
	Frame     int     `yaml:"frame"`
	Rows      int     `yaml:"rows"`
	Cols      int     `yaml:"cols"`
	Dx        float64 `yaml:"dx"`
	Dy        float64 `yaml:"dy"`
	Mode      string  `yaml:"mode"`
	Solver    string  `yaml:"solver"`
	Residual  float64 `yaml:"residual"`
	DataType  string  `yaml:"dataType"`
	ByteOrder string  `yaml:"byteOrder"`
}

// writeOutputs saves the deflection field of f as PNG, raw float64 with a
// YAML sidecar and, when enabled, a binary STL mesh.
func (r *Reconstructor) writeOutputs(f *Frame) error {
	if err := os.MkdirAll(r.params.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	field := f.Deflection.Field
	base := filepath.Join(r.params.OutputDir, fmt.Sprintf("deflection_%03d", f.Index))

	png := base + ".png"
	if err := visualization.NewViewer(field).SaveImage(png); err != nil {
		return err
	}
	f.Outputs = append(f.Outputs, png)

	rows, cols := field.Dims()
	header := FieldHeader{
		RunID:     r.runID,
		Frame:     f.Index,
		Rows:      rows,
		Cols:      cols,
		Dx:        f.Deflection.Dx,
		Dy:        f.Deflection.Dy,
		Mode:      f.Displacement.X.Mode.String(),
		Solver:    f.Deflection.Solver.String(),
		Residual:  f.Deflection.Residual,
		DataType:  "float64",
		ByteOrder: "little-endian",
	}
	if err := WriteField(base+".bin", field, header); err != nil {
		return err
	}
	f.Outputs = append(f.Outputs, base+".bin", base+".yaml")

	if r.params.WriteSTL {
		scale := r.params.STLScale
		if scale == 0 {
			scale = 1
		}
		triangles, err := stl.HeightMap(field, f.Deflection.Dx, f.Deflection.Dy, scale)
		if err != nil {
			return err
		}
		if err := stl.SaveToSTL(base+".stl", triangles); err != nil {
			return err
		}
		f.Outputs = append(f.Outputs, base+".stl")
		r.log.Debug("wrote mesh", "frame", f.Index, "triangles", len(triangles))
	}

	if r.params.SaveIntermediaryResults && r.runDir != "" {
		plot := filepath.Join(r.runDir, "06_deflection", fmt.Sprintf("profile_%03d.png", f.Index))
		if err := visualization.NewViewer(field).SaveProfilePlot(plot, models.AxisX, rows/2, f.Deflection.Dx); err != nil {
			r.log.Warning("failed to save profile plot", "frame", f.Index, "error", err.Error())
		}
		r.saveIntermediaryResult("06_deflection", field, f.Index)
	}
	return nil
}

// WriteField writes field to path as row-major little-endian float64 and the
// header next to it with a .yaml extension.
func WriteField(path string, field *mat.Dense, header FieldHeader) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create field file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	rows, _ := field.Dims()
	for i := 0; i < rows; i++ {
		if err := binary.Write(w, binary.LittleEndian, field.RawRowView(i)); err != nil {
			return fmt.Errorf("failed to write field data: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	data, err := yaml.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal field header: %w", err)
	}
	return os.WriteFile(sidecar(path), data, 0644)
}

// ReadField reads a field written by WriteField.
func ReadField(path string) (*mat.Dense, FieldHeader, error) {
	var header FieldHeader
	data, err := os.ReadFile(sidecar(path))
	if err != nil {
		return nil, header, fmt.Errorf("failed to read field header: %w", err)
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, header, fmt.Errorf("failed to parse field header: %w", err)
	}
	if header.Rows <= 0 || header.Cols <= 0 {
		return nil, header, fmt.Errorf("%w: header declares %dx%d", models.ErrEmptyField, header.Rows, header.Cols)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, header, err
	}
	defer file.Close()

	values := make([]float64, header.Rows*header.Cols)
	if err := binary.Read(bufio.NewReader(file), binary.LittleEndian, values); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, header, fmt.Errorf("field file is shorter than %dx%d", header.Rows, header.Cols)
		}
		return nil, header, err
	}
	return mat.NewDense(header.Rows, header.Cols, values), header, nil
}

func sidecar(path string) string {
	return path[:len(path)-len(filepath.Ext(path))] + ".yaml"
}
