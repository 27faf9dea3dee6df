// Package config holds the explicit configuration the calibration engine
// is constructed with. Directory paths are threaded through here rather
// than read ambiently from the environment inside the engine.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Instrument string       `yaml:"instrument" validate:"required"`
	Paths      PathConfig   `yaml:"paths"`
	Server     ServerConfig `yaml:"server"`
	Tau        TauConfig    `yaml:"tau"`
	Query      QueryConfig  `yaml:"query"`
}

// PathConfig is the directory layout: the shared read-only calibration
// directory and the per-run output directory.
type PathConfig struct {
	CalDir string `yaml:"cal_dir" validate:"required"`
	OutDir string `yaml:"out_dir" validate:"required"`
}

type ServerConfig struct {
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

type TauConfig struct {
	System   string  `yaml:"system"`
	FixedCSO float64 `yaml:"fixed_cso" validate:"gte=0"`
}

type QueryConfig struct {
	// Quiet silences per-candidate rejection warnings during scans.
	Quiet bool `yaml:"quiet"`
	// WatchIndexes keeps per-run indexes current under a co-operating
	// writer process.
	WatchIndexes bool `yaml:"watch_indexes"`
}

// Default returns a config with the usual development defaults filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8270, LogLevel: "info"},
		Tau:    TauConfig{System: "csotau"},
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	LoadFromEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct-level constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
