// Package config provides configuration loading and management for prmtopo.
// It handles loading per-subject configuration from YAML files and provides
// default values for every processing constant.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"prmtopo/pkg/minkowski"
	"prmtopo/pkg/preprocess"
	"prmtopo/pkg/prm"
	"prmtopo/pkg/topology"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// DefaultStatsFile is the stats table written into the output directory
const DefaultStatsFile = "prm_stats.csv"

// Config represents one subject's configuration loaded from YAML
type Config struct {
	Subject struct {
		// ID identifies the subject in file names and in the stats table
		ID string `yaml:"id"`
	} `yaml:"subject"`

	// Input and output locations. Either the CT triple or PRMMap is required.
	IO struct {
		Expiratory            string `yaml:"expiratory"`
		InspiratoryRegistered string `yaml:"inspiratoryRegistered"`
		Mask                  string `yaml:"mask"`

		// PRMMap is a pre-computed combined label volume
		PRMMap string `yaml:"prmMap"`

		// PRMMask optionally restricts PRMMap
		PRMMask string `yaml:"prmMask"`

		OutDir string `yaml:"outDir"`
	} `yaml:"io"`

	Classification struct {
		ExpThresh  float64 `yaml:"expThresh"`
		InspThresh float64 `yaml:"inspThresh"`

		// BoundaryPolicy is "strict" (> is better) or "inclusive" (>= is better)
		BoundaryPolicy string `yaml:"boundaryPolicy"`
	} `yaml:"classification"`

	Preprocessing struct {
		DimOutsideValue    float64 `yaml:"dimOutsideValue"`
		Orient             bool    `yaml:"orient"`
		MedianKernelSize   int     `yaml:"medianKernelSize"`
		ExcludeLowerThresh float64 `yaml:"excludeLowerThresh"`
		ExcludeUpperThresh float64 `yaml:"excludeUpperThresh"`
	} `yaml:"preprocessing"`

	Topology struct {
		// Local enables the moving-window branch
		Local bool `yaml:"local"`

		WindowRadius     int       `yaml:"windowRadius"`
		GridStride       int       `yaml:"gridStride"`
		SpacingScale     float64   `yaml:"spacingScale"`
		RescaleExponents []float64 `yaml:"rescaleExponents"`

		// NumWorkers bounds the goroutines of the local sampler
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"topology"`

	Output struct {
		// StatsFile defaults to <outDir>/prm_stats.csv
		StatsFile string `yaml:"statsFile"`

		SaveNifti bool `yaml:"saveNifti"`
		SavePNG   bool `yaml:"savePNG"`

		// PlotSlice picks the y slice of the colour PRM image; -1 means middle
		PlotSlice int `yaml:"plotSlice"`

		// SaveSliceSequence writes every y slice of the colour PRM map
		SaveSliceSequence bool `yaml:"saveSliceSequence"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Classification.ExpThresh = prm.DefaultExpThresh
	cfg.Classification.InspThresh = prm.DefaultInspThresh
	cfg.Classification.BoundaryPolicy = prm.StrictAbove.String()

	cfg.Preprocessing.DimOutsideValue = preprocess.DefaultDimOutsideValue
	cfg.Preprocessing.Orient = false
	cfg.Preprocessing.MedianKernelSize = preprocess.DefaultMedianKernelSize
	cfg.Preprocessing.ExcludeLowerThresh = preprocess.DefaultExcludeLowerThresh
	cfg.Preprocessing.ExcludeUpperThresh = preprocess.DefaultExcludeUpperThresh

	tp := topology.DefaultParams()
	cfg.Topology.Local = true
	cfg.Topology.WindowRadius = tp.Radius
	cfg.Topology.GridStride = tp.Stride
	cfg.Topology.SpacingScale = tp.SpacingScale
	cfg.Topology.RescaleExponents = append([]float64(nil), tp.RescaleExponents[:]...)
	cfg.Topology.NumWorkers = runtime.NumCPU()

	cfg.Output.SaveNifti = true
	cfg.Output.SavePNG = true
	cfg.Output.PlotSlice = -1

	return cfg
}

// LoadConfig loads configuration from a YAML file on top of the defaults
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
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
	cfg.Subject.ID = "000001"
	cfg.IO.Expiratory = "path/to/expiratory_image.nii.gz"
	cfg.IO.InspiratoryRegistered = "path/to/inspiratory_registered_image.nii.gz"
	cfg.IO.Mask = "path/to/mask.nii.gz"
	cfg.IO.OutDir = "path/to/main/out_directory/"
	return SaveConfig(cfg, configPath)
}

// HasCTInput reports whether the registered CT triple is configured
func (c *Config) HasCTInput() bool {
	return c.IO.Expiratory != "" && c.IO.InspiratoryRegistered != "" && c.IO.Mask != ""
}

// HasPRMInput reports whether a pre-computed PRM label volume is configured
func (c *Config) HasPRMInput() bool {
	return c.IO.PRMMap != ""
}

// Validate checks that the configuration can drive a pipeline run
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if c.Subject.ID == "" {
		return invalid("subject.id is required")
	}
	if c.IO.OutDir == "" {
		return invalid("io.outDir is required")
	}
	if !c.HasCTInput() && !c.HasPRMInput() {
		return invalid("either io.expiratory, io.inspiratoryRegistered and io.mask or io.prmMap is required")
	}
	if _, err := prm.ParseBoundaryPolicy(c.Classification.BoundaryPolicy); err != nil {
		return invalid("%v", err)
	}
	if k := c.Preprocessing.MedianKernelSize; k < 1 || k%2 == 0 {
		return invalid("preprocessing.medianKernelSize must be a positive odd number, got %d", k)
	}
	if c.Preprocessing.ExcludeLowerThresh > c.Preprocessing.ExcludeUpperThresh {
		return invalid("preprocessing.excludeLowerThresh %g exceeds excludeUpperThresh %g",
			c.Preprocessing.ExcludeLowerThresh, c.Preprocessing.ExcludeUpperThresh)
	}
	if n := len(c.Topology.RescaleExponents); n != minkowski.NumMeasures {
		return invalid("topology.rescaleExponents needs %d values, got %d", minkowski.NumMeasures, n)
	}
	if err := c.TopologyParams().Validate(); err != nil {
		return invalid("topology: %v", err)
	}
	return nil
}

// Thresholds returns the classification thresholds
func (c *Config) Thresholds() prm.Thresholds {
	return prm.Thresholds{Exp: c.Classification.ExpThresh, Insp: c.Classification.InspThresh}
}

// Classifier builds the voxel classifier described by the configuration
func (c *Config) Classifier() (*prm.Classifier, error) {
	policy, err := prm.ParseBoundaryPolicy(c.Classification.BoundaryPolicy)
	if err != nil {
		return nil, err
	}
	return prm.NewClassifier(c.Thresholds(), policy), nil
}

// TopologyParams returns the rescale and window parameters
func (c *Config) TopologyParams() topology.Params {
	p := topology.Params{
		SpacingScale: c.Topology.SpacingScale,
		Radius:       c.Topology.WindowRadius,
		Stride:       c.Topology.GridStride,
		Workers:      c.Topology.NumWorkers,
	}
	copy(p.RescaleExponents[:], c.Topology.RescaleExponents)
	return p
}

// StatsPath returns where the stats row of this subject is appended
func (c *Config) StatsPath() string {
	if c.Output.StatsFile != "" {
		return c.Output.StatsFile
	}
	return filepath.Join(c.IO.OutDir, DefaultStatsFile)
}
