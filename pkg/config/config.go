// Package config provides configuration loading and management for mprengine.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Engine parameters
	Engine struct {
		// Quality is the name of the active quality profile (low, medium, high)
		Quality string `yaml:"quality"`

		// NativeGrid keeps one sagittal/coronal row per layer instead of
		// resampling the depth axis to the in-plane pixel spacing
		NativeGrid bool `yaml:"nativeGrid"`

		// FillThreshold is the magnitude above which a voxel counts as filled
		FillThreshold float64 `yaml:"fillThreshold"`

		// DefaultSpacing replaces missing or zero pixel spacing, in mm
		DefaultSpacing float64 `yaml:"defaultSpacing"`

		// Workers bounds the goroutines used while building a volume
		Workers int `yaml:"workers"`
	} `yaml:"engine"`

	// Logging parameters
	Logging Logging `yaml:"logging"`

	// Output parameters
	Output struct {
		// Dir is where exported planes are written
		Dir string `yaml:"dir"`

		// Format is one of png, jpeg or raw
		Format string `yaml:"format"`

		// JPEGQuality is used when Format is jpeg
		JPEGQuality int `yaml:"jpegQuality"`

		// Count is the number of evenly spaced planes exported per orientation
		Count int `yaml:"count"`
	} `yaml:"output"`
}

// Logging controls where log lines go and how verbose they are
type Logging struct {
	Level string `yaml:"level"`

	// File enables a rotating log file instead of console output
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"maxSize"`
	MaxAge     int    `yaml:"maxAge"`
	MaxBackups int    `yaml:"maxBackups"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Engine.Quality = "medium"
	cfg.Engine.NativeGrid = false
	cfg.Engine.FillThreshold = 1e-3
	cfg.Engine.DefaultSpacing = 1.0
	cfg.Engine.Workers = runtime.NumCPU()

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxAge = 28
	cfg.Logging.MaxBackups = 3

	cfg.Output.Dir = "reconstructed_slices"
	cfg.Output.Format = "png"
	cfg.Output.JPEGQuality = 90
	cfg.Output.Count = 1

	return cfg
}

// Validate checks value ranges that the engine relies on
func (c *Config) Validate() error {
	switch c.Engine.Quality {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("invalid quality %q (must be low, medium or high)", c.Engine.Quality)
	}
	if !(c.Engine.FillThreshold > 0) {
		return fmt.Errorf("fillThreshold must be positive, got %g", c.Engine.FillThreshold)
	}
	if c.Engine.DefaultSpacing <= 0 {
		return fmt.Errorf("defaultSpacing must be positive, got %g", c.Engine.DefaultSpacing)
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Engine.Workers)
	}
	switch c.Output.Format {
	case "png", "jpeg", "raw":
	default:
		return fmt.Errorf("invalid output format %q (must be png, jpeg or raw)", c.Output.Format)
	}
	if c.Output.JPEGQuality < 1 || c.Output.JPEGQuality > 100 {
		return fmt.Errorf("jpegQuality must be within 1..100, got %d", c.Output.JPEGQuality)
	}
	if c.Output.Count < 1 {
		return fmt.Errorf("output count must be at least 1, got %d", c.Output.Count)
	}
	return nil
}

// LoadConfig reads engine settings from a YAML file layered over DefaultConfig.
// A missing file yields the defaults. Unknown keys are rejected so a misspelled
// setting does not silently fall back to its default.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open settings %s: %w", configPath, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode settings %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("settings %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML. The file is replaced atomically so a reader never
// sees a partially written settings file.
func SaveConfig(cfg *Config, configPath string) (err error) {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("settings directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(configPath)+".*")
	if err != nil {
		return fmt.Errorf("stage settings %s: %w", configPath, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	enc := yaml.NewEncoder(tmp)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("stage settings %s: %w", configPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage settings %s: %w", configPath, err)
	}
	if err := os.Rename(tmp.Name(), configPath); err != nil {
		return fmt.Errorf("replace settings %s: %w", configPath, err)
	}
	return nil
}

// CreateDefaultConfigFile writes DefaultConfig to configPath
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
