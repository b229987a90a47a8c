// Package config provides configuration loading and management for deflectrecon.
// It handles loading configuration from YAML files, provides default values and
// converts the configuration into the option structures of each stage.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"deflectrecon/internal/models"
	"deflectrecon/pkg/deflectometry"
	"deflectrecon/pkg/displacement"
	"deflectrecon/pkg/gridimage"
	"deflectrecon/pkg/integration"
	"deflectrecon/pkg/interpolation"
	"deflectrecon/pkg/phase"
)

// Slope sources.
const (
	SourceDeflectometry = "deflectometry"
	SourceDisplacement  = "displacement"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Grid describes the printed pattern and, for synthetic runs, the camera
	Grid struct {
		// Pitch is the grid period in pixels
		Pitch float64 `yaml:"pitch"`

		// PixelSize is the physical size of one pixel on the grid, in the units of
		// Setup.GridDistance
		PixelSize float64 `yaml:"pixelSize"`

		// Oversampling is the number of samples per pixel when rendering synthetic grids
		Oversampling int `yaml:"oversampling"`

		// NoiseStd is the relative noise added to synthetic grids
		NoiseStd float64 `yaml:"noiseStd"`

		// Seed seeds synthetic noise and deformation fields
		Seed int64 `yaml:"seed"`
	} `yaml:"grid"`

	// Phase detection parameters
	Phase struct {
		// Window is the standard deviation of the demodulation window, as a fraction of the pitch
		Window float64 `yaml:"window"`

		// RefinePitch estimates each carrier from the image before demodulating
		RefinePitch bool `yaml:"refinePitch"`
	} `yaml:"phase"`

	// Displacement decoding parameters
	Displacement struct {
		// Mode is either "small" or "large"
		Mode string `yaml:"mode"`

		MaxIterations int     `yaml:"maxIterations"`
		Tolerance     float64 `yaml:"tolerance"`

		// Interpolator is one of akima, natural, fritsch-butland or linear
		Interpolator string `yaml:"interpolator"`

		// LocalPitch estimates the carrier wavenumber from the reference phase
		LocalPitch bool `yaml:"localPitch"`

		// MinModulation marks pixels below this modulation for filling. Zero disables filling.
		MinModulation float64 `yaml:"minModulation"`
	} `yaml:"displacement"`

	// Integration parameters
	Integration struct {
		AnchorRegion    string  `yaml:"anchorRegion"`
		AnchorSize      int     `yaml:"anchorSize"`
		Offset          float64 `yaml:"offset"`
		RemoveTilt      bool    `yaml:"removeTilt"`
		ExtrapolateEdge int     `yaml:"extrapolateEdge"`
		Downsample      int     `yaml:"downsample"`
		Stencil         string  `yaml:"stencil"`
		Solver          string  `yaml:"solver"`
		Tolerance       float64 `yaml:"tolerance"`
		MaxIterations   int     `yaml:"maxIterations"`
	} `yaml:"integration"`

	// Setup describes the deflectometry arrangement
	Setup struct {
		// GridDistance is the distance between the grid and the specimen surface
		GridDistance float64 `yaml:"gridDistance"`

		// SlopeSource is "deflectometry" to convert displacements to surface slopes, or
		// "displacement" to integrate the gradient of the x displacement itself
		SlopeSource string `yaml:"slopeSource"`
	} `yaml:"setup"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults determines whether to save intermediary processing results
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is the parent of the per-run intermediary directories
		IntermediaryDir string `yaml:"intermediaryDir"`

		// WriteSTL enables the height mesh output
		WriteSTL bool `yaml:"writeSTL"`

		// STLScale multiplies deflections in the mesh
		STLScale float64 `yaml:"stlScale"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// LogFile is the rotating log file written by the command line tool
		LogFile string `yaml:"logFile"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Grid.Pitch = 5
	cfg.Grid.PixelSize = 1
	cfg.Grid.Oversampling = 1
	cfg.Grid.Seed = 1

	cfg.Phase.Window = phase.DefaultWindow
	cfg.Phase.RefinePitch = true

	cfg.Displacement.Mode = models.ModeSmall.String()
	cfg.Displacement.MaxIterations = 20
	cfg.Displacement.Tolerance = 1e-12
	cfg.Displacement.Interpolator = interpolation.Akima.String()
	cfg.Displacement.LocalPitch = true

	cfg.Integration.AnchorRegion = integration.Mean.String()
	cfg.Integration.AnchorSize = 5
	cfg.Integration.Downsample = 1
	cfg.Integration.Stencil = integration.Central.String()
	cfg.Integration.Solver = integration.Auto.String()
	cfg.Integration.Tolerance = integration.DefaultTolerance

	cfg.Setup.GridDistance = 1000
	cfg.Setup.SlopeSource = SourceDeflectometry

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary_results"
	cfg.Output.STLScale = 1
	cfg.Output.Verbose = true
	cfg.Output.LogFile = "deflectrecon.log"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks the configuration without running any stage. Every error
// wraps ErrInvalidConfig, and the sentinel of the failing stage when it has one.
func (c *Config) Validate() error {
	invalid := func(err error) error {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := c.GridModel().Validate(); err != nil {
		return invalid(err)
	}
	if !(c.Grid.PixelSize > 0) {
		return invalid(fmt.Errorf("pixel size must be positive, got %v", c.Grid.PixelSize))
	}
	if err := c.PhaseConfig().Validate(); err != nil {
		return invalid(err)
	}
	if _, err := c.DisplacementOptions(); err != nil {
		return invalid(err)
	}
	if c.Displacement.MinModulation < 0 {
		return invalid(fmt.Errorf("minimum modulation must be non-negative, got %v", c.Displacement.MinModulation))
	}
	opts, err := c.IntegrationOptions()
	if err != nil {
		return invalid(err)
	}
	if opts.ExtrapolateEdge < 0 {
		return invalid(fmt.Errorf("edge extrapolation must be non-negative, got %d", opts.ExtrapolateEdge))
	}
	if opts.Downsample < 1 {
		return invalid(fmt.Errorf("downsample must be at least 1, got %d", opts.Downsample))
	}
	if opts.Anchor.Region != integration.Mean && opts.Anchor.Size < 1 {
		return invalid(fmt.Errorf("%w: size must be at least 1, got %d", integration.ErrInvalidAnchor, opts.Anchor.Size))
	}
	switch c.Setup.SlopeSource {
	case SourceDeflectometry:
		if err := c.DeflectometrySetup().Validate(); err != nil {
			return invalid(err)
		}
	case SourceDisplacement:
	default:
		return invalid(fmt.Errorf("unknown slope source %q", c.Setup.SlopeSource))
	}
	if c.Processing.NumCores < 0 {
		return invalid(fmt.Errorf("number of cores must be non-negative, got %d", c.Processing.NumCores))
	}
	return nil
}

// GridModel returns the synthetic grid model.
func (c *Config) GridModel() gridimage.Model {
	return gridimage.Model{
		Pitch:        c.Grid.Pitch,
		PixelSize:    1,
		Oversampling: c.Grid.Oversampling,
		NoiseStd:     c.Grid.NoiseStd,
		Seed:         uint64(c.Grid.Seed),
	}
}

// PhaseConfig returns the phase detector configuration.
func (c *Config) PhaseConfig() phase.Config {
	return phase.Config{
		Pitch:       c.Grid.Pitch,
		Window:      c.Phase.Window,
		RefinePitch: c.Phase.RefinePitch,
	}
}

// DisplacementOptions returns the decoder options.
func (c *Config) DisplacementOptions() (displacement.Options, error) {
	mode, err := models.ParseMode(c.Displacement.Mode)
	if err != nil {
		return displacement.Options{}, err
	}
	kind, err := interpolation.ParseKind(c.Displacement.Interpolator)
	if err != nil {
		return displacement.Options{}, err
	}
	return displacement.Options{
		Mode:          mode,
		MaxIterations: c.Displacement.MaxIterations,
		Tolerance:     c.Displacement.Tolerance,
		Interpolator:  kind,
		LocalPitch:    c.Displacement.LocalPitch,
		Workers:       c.Processing.NumCores,
	}, nil
}

// IntegrationOptions returns the integrator options. The spacing is the
// physical pixel size.
func (c *Config) IntegrationOptions() (integration.Options, error) {
	region, err := integration.ParseRegion(c.Integration.AnchorRegion)
	if err != nil {
		return integration.Options{}, err
	}
	stencil, err := integration.ParseStencil(c.Integration.Stencil)
	if err != nil {
		return integration.Options{}, err
	}
	solver, err := integration.ParseSolver(c.Integration.Solver)
	if err != nil {
		return integration.Options{}, err
	}

	opts := integration.DefaultOptions(c.Grid.PixelSize, c.Grid.PixelSize)
	opts.Anchor = integration.Anchor{
		Region:     region,
		Size:       c.Integration.AnchorSize,
		Offset:     c.Integration.Offset,
		RemoveTilt: c.Integration.RemoveTilt,
	}
	opts.ExtrapolateEdge = c.Integration.ExtrapolateEdge
	opts.Downsample = c.Integration.Downsample
	opts.Stencil = stencil
	opts.Solver = solver
	opts.Tolerance = c.Integration.Tolerance
	opts.MaxIterations = c.Integration.MaxIterations
	return opts, nil
}

// DeflectometrySetup returns the deflectometry setup.
func (c *Config) DeflectometrySetup() deflectometry.Setup {
	return deflectometry.Setup{
		PixelSize:    c.Grid.PixelSize,
		GridDistance: c.Setup.GridDistance,
	}
}
