package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/ausocean/utils/logging"
	"github.com/dustin/go-humanize"
	"gopkg.in/natefinch/lumberjack.v2"

	"deflectrecon/pkg/characterization"
	"deflectrecon/pkg/config"
	"deflectrecon/pkg/gridimage"
	"deflectrecon/pkg/reconstruction"
)

// Logging configuration.
const (
	logMaxSize   = 50 // MB
	logMaxBackup = 5
	logMaxAge    = 28 // days
	logSuppress  = true
)

// pathList collects a flag that may be repeated or given as a comma
// separated list.
type pathList []string

func (p *pathList) String() string { return strings.Join(*p, ",") }

func (p *pathList) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*p = append(*p, s)
		}
	}
	return nil
}

func main() {
	os.Exit(run())
}

// run executes the command and returns the process exit code. Deferred
// cleanup of the log file and the signal handler runs before main exits.
func run() int {
	// Parse command line arguments
	var deformed pathList
	configPath := flag.String("config", "", "YAML configuration file (defaults are used when empty or missing)")
	writeConfig := flag.String("write-config", "", "Write the default configuration to this file and exit")
	reference := flag.String("reference", "", "Image of the undeformed grid")
	flag.Var(&deformed, "deformed", "Images of the deformed grid, comma separated or repeated")
	outputDir := flag.String("output", "output", "Directory for deflection fields and meshes")
	mode := flag.String("mode", "", "Displacement mode, small or large (overrides the configuration)")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (overrides the configuration)")
	synth := flag.Bool("synth", false, "Render a synthetic grid pair and reconstruct it")
	synthAmplitude := flag.Float64("synth-amplitude", 0.3, "Peak displacement of the synthetic pair in pixels")
	synthSize := flag.Int("synth-size", 256, "Side of the synthetic images in pixels")
	bandwidth := flag.Bool("bandwidth", false, "Measure the displacement frequency response and exit")
	debug := flag.Bool("debug", false, "Log debug messages")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			return 1
		}
		fmt.Printf("Default configuration written to %s\n", *writeConfig)
		return 0
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			return 1
		}
	}
	if *mode != "" {
		cfg.Displacement.Mode = *mode
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}

	verbosity := logging.Warning
	if cfg.Output.Verbose {
		verbosity = logging.Info
	}
	if *debug {
		verbosity = logging.Debug
	}
	var logOut io.Writer = os.Stderr
	if cfg.Output.LogFile != "" {
		fileLog := &lumberjack.Logger{
			Filename:   cfg.Output.LogFile,
			MaxSize:    logMaxSize,
			MaxBackups: logMaxBackup,
			MaxAge:     logMaxAge,
		}
		defer fileLog.Close()
		logOut = io.MultiWriter(os.Stderr, fileLog)
	}
	log := logging.New(verbosity, logOut, logSuppress)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("================================")
	fmt.Println("GRID METHOD DEFLECTOMETRY")
	fmt.Println("Phase detection, displacement decoding and slope integration")
	fmt.Println("================================")

	if *bandwidth {
		if err := runBandwidth(ctx, cfg, *outputDir, log); err != nil {
			log.Error("bandwidth sweep failed", "error", err.Error())
			return 1
		}
		return 0
	}

	if *synth {
		ref, defs, err := renderSynthetic(cfg, *outputDir, *synthSize, *synthAmplitude)
		if err != nil {
			log.Error("failed to render synthetic grids", "error", err.Error())
			return 1
		}
		*reference = ref
		deformed = defs
	}

	if *reference == "" || len(deformed) == 0 {
		flag.Usage()
		return 1
	}

	params, err := reconstruction.ParamsFromConfig(cfg, *reference, deformed, *outputDir)
	if err != nil {
		log.Error("invalid configuration", "error", err.Error())
		return 1
	}
	if params.IntermediaryDir != "" && !filepath.IsAbs(params.IntermediaryDir) {
		params.IntermediaryDir = filepath.Join(*outputDir, params.IntermediaryDir)
	}

	// Create reconstructor instance
	reconstructor := reconstruction.NewReconstructor(params, log)

	// Run the reconstruction pipeline
	fmt.Printf("Reconstructing %d frame(s) with up to %d cores...\n", len(deformed), cfg.Processing.NumCores)
	startTime := time.Now()
	if err := reconstructor.Process(ctx); err != nil {
		log.Error("reconstruction failed", "error", err.Error())
		return 1
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nReconstruction completed successfully in %.2f seconds!\n\n", processingTime.Seconds())
	for _, f := range reconstructor.Frames() {
		m := f.Metrics
		fmt.Printf("Frame %d (solver %v, %d iterations)\n", f.Index, f.Deflection.Solver, f.Deflection.Iterations)
		fmt.Println("=======================================")
		fmt.Printf("Deflection range: [%.6g, %.6g]\n", m.DeflectionMin, m.DeflectionMax)
		fmt.Printf("Deflection std: %.6g\n", m.DeflectionStd)
		fmt.Printf("Integration residual (RMS): %.3g\n", m.Residual)
		fmt.Printf("Slope consistency: %.4f\n", m.Consistency)
		fmt.Printf("Mean modulation: %.3f\n", m.MeanModulation)
		if m.NonConverged > 0 {
			fmt.Printf("Non-converged pixels: %d\n", m.NonConverged)
		}
		if m.Filled > 0 {
			fmt.Printf("Filled pixels: %d\n", m.Filled)
		}
		for _, p := range f.Outputs {
			fmt.Printf("- %s (%s)\n", p, fileSize(p))
		}
		fmt.Println()
	}

	if params.SaveIntermediaryResults {
		fmt.Println("Intermediary results saved to:")
		fmt.Printf("%s\n", reconstructor.RunDir())
		fmt.Println("The following stages were saved:")
		fmt.Println("- 01_images: Reference and deformed grid images")
		fmt.Println("- 02_phase: Reference phase maps")
		fmt.Println("- 03_displacement: Decoded displacement components")
		if params.MinModulation > 0 {
			fmt.Println("- 04_filled: Displacements after filling low modulation pixels")
		}
		fmt.Println("- 05_slopes: Slope fields")
		fmt.Println("- 06_deflection: Deflection fields and profiles")
		if len(deformed) > 1 {
			fmt.Println("- 07_sequence: Deflection frames on a shared grey scale")
		}
	}
	return 0
}

// renderSynthetic renders a reference grid and one deformed by a smooth random
// displacement into outputDir/synthetic and returns their paths.
func renderSynthetic(cfg *config.Config, outputDir string, size int, amplitude float64) (string, []string, error) {
	model := cfg.GridModel()
	length := 8 * model.Pitch
	warp := gridimage.Eulerian(
		gridimage.SmoothField(cfg.Grid.Seed, amplitude, length),
		gridimage.SmoothField(cfg.Grid.Seed+1, amplitude, length),
	)

	ref, err := model.Render(size, size, gridimage.Identity)
	if err != nil {
		return "", nil, err
	}
	def, err := model.Render(size, size, warp)
	if err != nil {
		return "", nil, err
	}

	dir := filepath.Join(outputDir, "synthetic")
	refPath := filepath.Join(dir, "reference.png")
	defPath := filepath.Join(dir, "deformed.png")
	if err := gridimage.Save(refPath, ref); err != nil {
		return "", nil, err
	}
	if err := gridimage.Save(defPath, def); err != nil {
		return "", nil, err
	}
	fmt.Printf("Synthetic grids written to %s\n", dir)
	return refPath, []string{defPath}, nil
}

// runBandwidth measures the frequency response of the configured decoder and
// plots it to outputDir/bandwidth.png. A failed plot is logged but does not
// fail the sweep.
func runBandwidth(ctx context.Context, cfg *config.Config, outputDir string, log logging.Logger) error {
	opts, err := cfg.DisplacementOptions()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	sweep := characterization.DefaultSweep(cfg.Grid.Pitch)
	sweep.Mode = opts.Mode
	sweep.Oversampling = cfg.Grid.Oversampling
	sweep.Workers = cfg.Processing.NumCores

	log.Info("running bandwidth sweep", "pitch", sweep.Pitch, "periods", len(sweep.Periods))
	points, err := sweep.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Period [px]   Ratio x   Ratio y")
	for _, p := range points {
		fmt.Printf("%11.1f   %7.3f   %7.3f\n", p.Period, p.RatioX, p.RatioY)
	}
	if c, ok := characterization.Cutoff(points, 0.9); ok {
		fmt.Printf("\nShortest period with 90%% response: %.1f px (%.1f pitches)\n", c, c/sweep.Pitch)
	} else {
		fmt.Println("\nNo period reached 90% response")
	}

	path := filepath.Join(outputDir, "bandwidth.png")
	if err := characterization.Plot(points, sweep.Pitch, path); err != nil {
		log.Error("failed to plot bandwidth", "error", err.Error())
		return nil
	}
	fmt.Printf("Response plot saved to %s\n", path)
	return nil
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "missing"
	}
	return humanize.Bytes(uint64(info.Size()))
}
