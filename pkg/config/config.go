// Package config provides configuration loading and management for longdecode.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"longdecode/internal/models"
)

// SubjectSpec describes one participant of the study.
type SubjectSpec struct {
	// ID is the subject identifier, e.g. "sub-001".
	ID string `yaml:"id"`

	// Group assigns the subject to a cohort, e.g. "patient" or "control".
	Group string `yaml:"group"`

	// Sessions lists the session numbers to analyze, in acquisition order.
	Sessions []int `yaml:"sessions"`

	// Hemispheres restricts analysis to the listed hemispheres; empty means
	// both.
	Hemispheres []models.Hemisphere `yaml:"hemispheres"`
}

// Config represents the analysis configuration loaded from YAML
type Config struct {
	// Acquisition parameters
	Acquisition struct {
		// TR is the repetition interval between temporal samples in seconds
		TR float64 `yaml:"tr"`

		// HRFLag is the hemodynamic delay added to event onsets in seconds
		HRFLag float64 `yaml:"hrfLag"`
	} `yaml:"acquisition"`

	// Region extraction parameters
	Region struct {
		// Percentile keeps the top (100 - Percentile)% of positive in-mask
		// statistics when deriving the adaptive threshold
		Percentile float64 `yaml:"percentile"`

		// MinStat is the floor below which the adaptive threshold never drops
		MinStat float64 `yaml:"minStat"`

		// MinPositive is the minimum count of positive in-mask voxels needed
		// before a threshold is even attempted
		MinPositive int `yaml:"minPositive"`

		// MinVoxels is the smallest acceptable cluster size
		MinVoxels int `yaml:"minVoxels"`
	} `yaml:"region"`

	// Decoding parameters
	Decoding struct {
		// RadiusMM is the searchlight/region sphere radius in millimeters
		RadiusMM float64 `yaml:"radiusMM"`

		// MinSamples is the usable-sample floor below which results are
		// flagged chance
		MinSamples int `yaml:"minSamples"`

		// Splits and TestFraction configure the stratified shuffle scheme
		// used when a session has a single run
		Splits       int     `yaml:"splits"`
		TestFraction float64 `yaml:"testFraction"`

		// Seed fixes the shuffle scheme's random source
		Seed int64 `yaml:"seed"`
	} `yaml:"decoding"`

	// Longitudinal comparison parameters
	Longitudinal struct {
		// DiceThreshold is the accuracy cutoff for map overlap
		DiceThreshold float64 `yaml:"diceThreshold"`

		// BootstrapIterations and BootstrapSeed control the group resampling
		BootstrapIterations int   `yaml:"bootstrapIterations"`
		BootstrapSeed       int64 `yaml:"bootstrapSeed"`

		// Alpha is the two-sided confidence level (0.05 gives 95% intervals)
		Alpha float64 `yaml:"alpha"`
	} `yaml:"longitudinal"`

	// Processing parameters
	Processing struct {
		// Workers specifies how many CPU cores to use for parallel decoding
		Workers int `yaml:"workers"`

		// Searchlight enables whole-mask accuracy mapping in addition to
		// region decoding
		Searchlight bool `yaml:"searchlight"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Subjects lists the participants to process
	Subjects []SubjectSpec `yaml:"subjects"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Acquisition.TR = 2.0
	cfg.Acquisition.HRFLag = 4.0

	cfg.Region.Percentile = 90
	cfg.Region.MinStat = 1.64
	cfg.Region.MinPositive = 10
	cfg.Region.MinVoxels = 5

	cfg.Decoding.RadiusMM = 6.0
	cfg.Decoding.MinSamples = 5
	cfg.Decoding.Splits = 30
	cfg.Decoding.TestFraction = 0.2
	cfg.Decoding.Seed = 42

	cfg.Longitudinal.DiceThreshold = 0.55
	cfg.Longitudinal.BootstrapIterations = 10000
	cfg.Longitudinal.BootstrapSeed = 42
	cfg.Longitudinal.Alpha = 0.05

	cfg.Processing.Workers = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.Searchlight = false

	cfg.Output.Verbose = true

	return cfg
}

// Validate rejects settings that downstream stages would fail on anyway,
// with a clearer message here.
func (c *Config) Validate() error {
	if c.Acquisition.TR <= 0 {
		return fmt.Errorf("acquisition.tr must be positive, got %v", c.Acquisition.TR)
	}
	if c.Decoding.RadiusMM < 0 {
		return fmt.Errorf("decoding.radiusMM must be non-negative, got %v", c.Decoding.RadiusMM)
	}
	if c.Decoding.TestFraction <= 0 || c.Decoding.TestFraction >= 1 {
		return fmt.Errorf("decoding.testFraction must be in (0, 1), got %v", c.Decoding.TestFraction)
	}
	if c.Region.Percentile < 0 || c.Region.Percentile >= 100 {
		return fmt.Errorf("region.percentile must be in [0, 100), got %v", c.Region.Percentile)
	}
	if c.Longitudinal.BootstrapIterations <= 0 {
		return fmt.Errorf("longitudinal.bootstrapIterations must be positive, got %d", c.Longitudinal.BootstrapIterations)
	}
	if c.Processing.Workers <= 0 {
		return fmt.Errorf("processing.workers must be positive, got %d", c.Processing.Workers)
	}
	for i, s := range c.Subjects {
		if s.ID == "" {
			return fmt.Errorf("subjects[%d] is missing an id", i)
		}
		if len(s.Sessions) == 0 {
			return fmt.Errorf("subject %s lists no sessions", s.ID)
		}
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
