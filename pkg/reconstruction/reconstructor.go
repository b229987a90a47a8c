package reconstruction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/ausocean/utils/logging"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"deflectrecon/internal/models"
	"deflectrecon/pkg/config"
	"deflectrecon/pkg/deflectometry"
	"deflectrecon/pkg/displacement"
	"deflectrecon/pkg/gridimage"
	"deflectrecon/pkg/integration"
	"deflectrecon/pkg/interpolation"
	"deflectrecon/pkg/phase"
	"deflectrecon/pkg/visualization"
)

// Params holds the reconstruction parameters.
// These parameters control the input/output and the configuration of every stage.
type Params struct {
	// ReferencePath is the image of the undeformed grid.
	ReferencePath string

	// DeformedPaths are the images of the grid seen through the deformed
	// specimen, one per frame, in order.
	DeformedPaths []string

	// OutputDir receives the deflection fields and meshes.
	OutputDir string

	Phase        phase.Config
	Displacement displacement.Options
	Integration  integration.Options
	Setup        deflectometry.Setup

	// MinModulation marks pixels whose carrier modulation falls below it in
	// any phase map. Their displacements are refilled from valid neighbours.
	// Zero disables filling.
	MinModulation float64

	// SlopeSource is config.SourceDeflectometry or config.SourceDisplacement.
	SlopeSource string

	// NumCores specifies how many CPU cores to use for parallel processing.
	NumCores int

	// SaveIntermediaryResults determines whether to save intermediary processing results.
	SaveIntermediaryResults bool

	// IntermediaryDir is the parent of the run directory where intermediary
	// results are saved. Each run gets its own directory named by a UUID.
	IntermediaryDir string

	// WriteSTL enables the binary STL height mesh of each deflection field.
	WriteSTL bool

	// STLScale multiplies deflections in the mesh.
	STLScale float64
}

// ParamsFromConfig builds the parameters of a run from a validated configuration.
func ParamsFromConfig(cfg *config.Config, reference string, deformed []string, outputDir string) (*Params, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dopts, err := cfg.DisplacementOptions()
	if err != nil {
		return nil, err
	}
	iopts, err := cfg.IntegrationOptions()
	if err != nil {
		return nil, err
	}
	return &Params{
		ReferencePath:           reference,
		DeformedPaths:           deformed,
		OutputDir:               outputDir,
		Phase:                   cfg.PhaseConfig(),
		Displacement:            dopts,
		Integration:             iopts,
		Setup:                   cfg.DeflectometrySetup(),
		MinModulation:           cfg.Displacement.MinModulation,
		SlopeSource:             cfg.Setup.SlopeSource,
		NumCores:                cfg.Processing.NumCores,
		SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
		IntermediaryDir:         cfg.Output.IntermediaryDir,
		WriteSTL:                cfg.Output.WriteSTL,
		STLScale:                cfg.Output.STLScale,
	}, nil
}

// Frame holds the results of one deformed image.
type Frame struct {
	Index int

	Displacement displacement.Pair

	// Filled is the number of low-modulation pixels refilled per component.
	Filled int

	SlopeX, SlopeY *mat.Dense

	Deflection *integration.Result

	Metrics Metrics

	// Outputs lists the files written for this frame.
	Outputs []string
}

// Reconstructor turns grid images into deflection fields.
//
// The reconstruction process consists of several steps:
// 1. Loading the reference and deformed grid images
// 2. Detecting the phase of both grid directions
// 3. Decoding displacements from phase differences
// 4. Refilling low-modulation pixels
// 5. Converting displacements to slopes
// 6. Integrating slopes into deflection fields
// 7. Calculating metrics
// 8. Writing the deflection fields, their sidecars and meshes
type Reconstructor struct {
	// params stores the reconstruction configuration
	params *Params

	log logging.Logger

	// runID names the intermediary directory of this run
	runID  string
	runDir string

	reference *mat.Dense
	deformed  []*mat.Dense

	refX, refY models.PhaseMap
	defX, defY []models.PhaseMap

	frames []*Frame
}

// NewReconstructor creates a new reconstructor instance with the provided parameters.
func NewReconstructor(params *Params, log logging.Logger) *Reconstructor {
	id := uuid.NewString()
	r := &Reconstructor{
		params: params,
		log:    log,
		runID:  id,
	}
	if params.IntermediaryDir != "" {
		r.runDir = filepath.Join(params.IntermediaryDir, "run-"+id)
	}
	return r
}

// SetImages provides the reference and deformed images directly, bypassing
// the image paths.
func (r *Reconstructor) SetImages(reference *mat.Dense, deformed ...*mat.Dense) {
	r.reference = reference
	r.deformed = deformed
}

// RunID returns the identifier of this run.
func (r *Reconstructor) RunID() string { return r.runID }

// RunDir returns the directory holding intermediary results, empty when none
// is configured.
func (r *Reconstructor) RunDir() string { return r.runDir }

// Frames returns the per-frame results of the last Process call.
func (r *Reconstructor) Frames() []*Frame { return r.frames }

// GetMetrics returns the metrics of every frame.
func (r *Reconstructor) GetMetrics() []Metrics {
	out := make([]Metrics, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Metrics
	}
	return out
}

func (r *Reconstructor) workers() int {
	if r.params.NumCores > 0 {
		return r.params.NumCores
	}
	return runtime.NumCPU()
}

// Process runs the complete reconstruction pipeline
func (r *Reconstructor) Process(ctx context.Context) error {
	if r.params.SaveIntermediaryResults && r.runDir != "" {
		if err := os.MkdirAll(r.runDir, 0755); err != nil {
			return fmt.Errorf("failed to create intermediary directory: %w", err)
		}
		r.log.Info("saving intermediary results", "dir", r.runDir)
	}

	r.log.Info("step 1: loading grid images")
	if err := r.loadImages(); err != nil {
		return fmt.Errorf("failed to load images: %w", err)
	}
	r.saveIntermediaryResult("01_images", r.reference, 0)
	for i, img := range r.deformed {
		r.saveIntermediaryResult("01_images", img, i+1)
	}

	r.log.Info("step 2: detecting phase", "pitch", r.params.Phase.Pitch)
	if err := r.detectPhases(ctx); err != nil {
		return fmt.Errorf("failed to detect phase: %w", err)
	}
	r.saveIntermediaryResult("02_phase", r.refX.Phase, 0)
	r.saveIntermediaryResult("02_phase", r.refY.Phase, 1)

	r.log.Info("step 3: decoding displacement", "mode", r.params.Displacement.Mode)
	if err := r.decode(ctx); err != nil {
		return fmt.Errorf("failed to decode displacement: %w", err)
	}
	for _, f := range r.frames {
		r.saveIntermediaryResult("03_displacement", f.Displacement.X.Values, 2*f.Index)
		r.saveIntermediaryResult("03_displacement", f.Displacement.Y.Values, 2*f.Index+1)
	}

	if r.params.MinModulation > 0 {
		r.log.Info("step 4: filling low modulation pixels", "threshold", r.params.MinModulation)
		if err := r.fillLowModulation(); err != nil {
			return fmt.Errorf("failed to fill low modulation pixels: %w", err)
		}
		for _, f := range r.frames {
			r.saveIntermediaryResult("04_filled", f.Displacement.X.Values, 2*f.Index)
			r.saveIntermediaryResult("04_filled", f.Displacement.Y.Values, 2*f.Index+1)
		}
	} else {
		r.log.Debug("step 4: skipping modulation filling")
	}

	r.log.Info("step 5: converting to slopes", "source", r.params.SlopeSource)
	if err := r.computeSlopes(); err != nil {
		return fmt.Errorf("failed to compute slopes: %w", err)
	}
	for _, f := range r.frames {
		r.saveIntermediaryResult("05_slopes", f.SlopeX, 2*f.Index)
		r.saveIntermediaryResult("05_slopes", f.SlopeY, 2*f.Index+1)
	}

	r.log.Info("step 6: integrating slopes", "solver", r.params.Integration.Solver, "anchor", r.params.Integration.Anchor.Region)
	if err := r.integrate(ctx); err != nil {
		return fmt.Errorf("failed to integrate slopes: %w", err)
	}

	r.log.Info("step 7: calculating metrics")
	for _, f := range r.frames {
		f.Metrics = r.calculateMetrics(f)
		r.log.Info("frame metrics", "frame", f.Index,
			"residual", f.Metrics.Residual,
			"nonConverged", f.Metrics.NonConverged,
			"min", f.Metrics.DeflectionMin,
			"max", f.Metrics.DeflectionMax,
			"consistency", f.Metrics.Consistency)
	}

	r.log.Info("step 8: writing outputs", "dir", r.params.OutputDir)
	for _, f := range r.frames {
		if err := r.writeOutputs(f); err != nil {
			return fmt.Errorf("failed to write frame %d: %w", f.Index, err)
		}
	}
	if r.params.SaveIntermediaryResults && r.runDir != "" && len(r.frames) > 1 {
		fields := make([]*mat.Dense, len(r.frames))
		for i, f := range r.frames {
			fields[i] = f.Deflection.Field
		}
		// A shared grey scale keeps frames comparable over time.
		if err := visualization.SaveSequence(fields, filepath.Join(r.runDir, "07_sequence"), "deflection"); err != nil {
			r.log.Warning("failed to save deflection sequence", "error", err.Error())
		}
	}
	return nil
}

// loadImages reads the grid images unless they were set directly, and checks
// that they share one shape.
func (r *Reconstructor) loadImages() error {
	if r.reference == nil {
		if r.params.ReferencePath == "" {
			return fmt.Errorf("no reference image given")
		}
		img, err := gridimage.Load(r.params.ReferencePath)
		if err != nil {
			return err
		}
		r.reference = img
	}
	if len(r.deformed) == 0 {
		for _, p := range r.params.DeformedPaths {
			img, err := gridimage.Load(p)
			if err != nil {
				return err
			}
			r.deformed = append(r.deformed, img)
		}
	}
	if len(r.deformed) == 0 {
		return fmt.Errorf("no deformed images given")
	}

	all := append([]mat.Matrix{r.reference}, denseToMatrix(r.deformed)...)
	if err := models.CheckShapes(all...); err != nil {
		return err
	}
	rows, cols := r.reference.Dims()
	r.log.Info("loaded grid images", "frames", len(r.deformed), "rows", rows, "cols", cols)
	return nil
}

func denseToMatrix(ds []*mat.Dense) []mat.Matrix {
	out := make([]mat.Matrix, len(ds))
	for i, d := range ds {
		out[i] = d
	}
	return out
}

func (r *Reconstructor) detectPhases(ctx context.Context) error {
	det, err := phase.NewDetector(r.params.Phase)
	if err != nil {
		return err
	}
	if r.refX, r.refY, err = det.Detect(r.reference); err != nil {
		return fmt.Errorf("reference: %w", err)
	}

	r.defX = make([]models.PhaseMap, len(r.deformed))
	r.defY = make([]models.PhaseMap, len(r.deformed))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers())
	for i, img := range r.deformed {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			x, y, err := det.Detect(img)
			if err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
			r.defX[i], r.defY[i] = x, y
			return nil
		})
	}
	return g.Wait()
}

func (r *Reconstructor) decode(ctx context.Context) error {
	dec, err := displacement.NewDecoder(r.params.Displacement)
	if err != nil {
		return err
	}
	r.frames = make([]*Frame, len(r.deformed))
	for i := range r.deformed {
		if err := ctx.Err(); err != nil {
			return err
		}
		pair, err := dec.DecodePair(r.refX, r.refY, r.defX[i], r.defY[i])
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if n := pair.X.NonConverged + pair.Y.NonConverged; n > 0 {
			r.log.Warning("coordinate inversion did not converge", "frame", i, "pixels", n)
		}
		r.frames[i] = &Frame{Index: i, Displacement: pair}
	}
	return nil
}

// fillLowModulation replaces displacements at pixels where any of the four
// phase maps has weak modulation.
func (r *Reconstructor) fillLowModulation() error {
	th := r.params.MinModulation
	filler := interpolation.NewFiller()
	filler.Progress = func(completed, total int, message string) {
		if completed == total {
			r.log.Debug(message, "rows", total)
		}
	}
	for _, f := range r.frames {
		valid := interpolation.And(
			interpolation.ModulationMask(r.refX.Modulation, th),
			interpolation.ModulationMask(r.refY.Modulation, th),
			interpolation.ModulationMask(r.defX[f.Index].Modulation, th),
			interpolation.ModulationMask(r.defY[f.Index].Modulation, th),
		)
		for _, u := range []*models.DisplacementField{f.Displacement.X, f.Displacement.Y} {
			filled, n, err := filler.Fill(u.Values, valid)
			if err != nil {
				return fmt.Errorf("frame %d %v: %w", f.Index, u.Axis, err)
			}
			u.Values = filled
			f.Filled = n
		}
		if f.Filled > 0 {
			r.log.Info("filled low modulation pixels", "frame", f.Index, "pixels", f.Filled)
		}
	}
	return nil
}

func (r *Reconstructor) computeSlopes() error {
	for _, f := range r.frames {
		var err error
		switch r.params.SlopeSource {
		case config.SourceDisplacement:
			f.SlopeX, f.SlopeY, err = deflectometry.DisplacementAsSlopes(f.Displacement.X, r.params.Integration.Dx, r.params.Integration.Dy)
		case config.SourceDeflectometry, "":
			f.SlopeX, f.SlopeY, err = deflectometry.Slopes(f.Displacement, r.params.Setup)
		default:
			err = fmt.Errorf("unknown slope source %q", r.params.SlopeSource)
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", f.Index, err)
		}
	}
	return nil
}

func (r *Reconstructor) integrate(ctx context.Context) error {
	sx := make([]*mat.Dense, len(r.frames))
	sy := make([]*mat.Dense, len(r.frames))
	for i, f := range r.frames {
		sx[i], sy[i] = f.SlopeX, f.SlopeY
	}
	results, err := integration.IntegrateSequence(ctx, sx, sy, r.params.Integration)
	if err != nil {
		return err
	}
	for i, res := range results {
		if res.Warning != nil {
			r.log.Warning("integration warning", "frame", i, "error", res.Warning.Error())
		}
		r.log.Debug("integrated frame", "frame", i, "solver", res.Solver, "iterations", res.Iterations)
		r.frames[i].Deflection = res
	}
	return nil
}

// saveIntermediaryResult saves an intermediary result during the reconstruction process.
// Failures are logged and do not stop the pipeline.
func (r *Reconstructor) saveIntermediaryResult(stage string, field *mat.Dense, index int) {
	if !r.params.SaveIntermediaryResults || r.runDir == "" || field == nil {
		return
	}
	filename := filepath.Join(r.runDir, stage, fmt.Sprintf("%03d.png", index))
	if err := visualization.NewViewer(field).SaveImage(filename); err != nil {
		r.log.Warning("failed to save intermediary result", "stage", stage, "index", index, "error", err.Error())
	}
}
