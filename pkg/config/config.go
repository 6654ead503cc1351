// Package config provides configuration loading and management for mriprep.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"mriprep/pkg/pipeline"
	"mriprep/pkg/template"
)

// Registration methods
const (
	RegistrationMoments = "moments"
)

// Skull-stripping methods
const (
	StripHDBET     = "hdbet"
	StripThreshold = "threshold"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Pipeline options, fixed for the whole run
	Pipeline struct {
		// Reference is the modality every other one is aligned to.
		// Empty selects the lexicographically smallest modality name.
		Reference string `yaml:"reference"`

		// SkullStripping enables the skull-stripping stage
		SkullStripping bool `yaml:"skullStripping"`

		// AlreadyCoregistered asserts inputs already share the reference grid
		AlreadyCoregistered bool `yaml:"alreadyCoregistered"`

		// NormalizeToAtlas registers the reference to the MNI template first
		NormalizeToAtlas bool `yaml:"normalizeToAtlas"`

		// Crop enables the cropping stage
		Crop bool `yaml:"crop"`

		// Label is an optional segmentation volume following the reference
		Label string `yaml:"label"`

		// NamePrefix is prepended to every output artifact name
		NamePrefix string `yaml:"namePrefix"`
	} `yaml:"pipeline"`

	// Processing parameters
	Processing struct {
		// Workers bounds how many modalities are processed at once
		Workers int `yaml:"workers"`
	} `yaml:"processing"`

	// Registration parameters
	Registration struct {
		// Method selects the registration capability
		Method string `yaml:"method"`
	} `yaml:"registration"`

	// Skull-stripping parameters
	SkullStripping struct {
		// Method selects the brain mask capability: hdbet or threshold
		Method string `yaml:"method"`

		// Command is the HD-BET executable
		Command string `yaml:"command"`

		// Device is passed to HD-BET's -device flag
		Device string `yaml:"device"`
	} `yaml:"skullStripping"`

	// Template parameters
	Template struct {
		// CacheDir holds the downloaded MNI template
		CacheDir string `yaml:"cacheDir"`

		// URL of the template archive
		URL string `yaml:"url"`

		// Path and StrippedPath point at a local atlas instead of the download
		Path         string `yaml:"path"`
		StrippedPath string `yaml:"strippedPath"`
	} `yaml:"template"`

	// Output parameters
	Output struct {
		// Previews writes JPEG mid-slices of the final volumes
		Previews bool `yaml:"previews"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default pipeline options
	cfg.Pipeline.SkullStripping = true
	cfg.Pipeline.Crop = true

	// Set default processing parameters
	cfg.Processing.Workers = runtime.NumCPU()

	cfg.Registration.Method = RegistrationMoments

	cfg.SkullStripping.Method = StripHDBET
	cfg.SkullStripping.Command = "hd-bet"
	cfg.SkullStripping.Device = "cpu"

	cfg.Template.CacheDir = defaultCacheDir()
	cfg.Template.URL = template.DefaultURL

	cfg.Output.Previews = false
	cfg.Output.Verbose = false

	return cfg
}

// defaultCacheDir places the template cache under the user cache directory
func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "mriprep", "templates")
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

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// PipelineConfig converts the file options into the orchestrator's configuration
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Reference:           c.Pipeline.Reference,
		SkullStripping:      c.Pipeline.SkullStripping,
		AlreadyCoregistered: c.Pipeline.AlreadyCoregistered,
		NormalizeToAtlas:    c.Pipeline.NormalizeToAtlas,
		Crop:                c.Pipeline.Crop,
		Label:               c.Pipeline.Label,
		NamePrefix:          c.Pipeline.NamePrefix,
		Workers:             c.Processing.Workers,
		Previews:            c.Output.Previews,
	}
}

// Validate checks the method names before any capability is built
func (c *Config) Validate() error {
	switch c.Registration.Method {
	case RegistrationMoments:
	default:
		return fmt.Errorf("unknown registration method %q", c.Registration.Method)
	}
	switch c.SkullStripping.Method {
	case StripHDBET, StripThreshold:
	default:
		return fmt.Errorf("unknown skull-stripping method %q", c.SkullStripping.Method)
	}
	if c.Processing.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Processing.Workers)
	}
	return nil
}
