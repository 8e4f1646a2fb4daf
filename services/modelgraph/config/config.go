// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads modelgraph configuration.
//
// Configuration is layered: defaults, then a YAML file, then MODELGRAPH_*
// environment variables. The result is validated with struct tags.
//
// Example file:
//
//	store:
//	  max_nodes: 200000
//	pool:
//	  hot_capacity: 32
//	  spill: true
//	detect:
//	  catalog: rules.yaml
//	  watch: true
//	optimizer:
//	  budget:
//	    max_iterations: 100
//	    time_limit: 10s
//	archive:
//	  path: ./modelgraph.db
//	log:
//	  level: debug
//	  format: json
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
	"github.com/AleutianAI/modelgraph/services/modelgraph/optimize"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full modelgraph configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" json:"store"`
	Pool       PoolConfig       `yaml:"pool" json:"pool"`
	Detect     DetectConfig     `yaml:"detect" json:"detect"`
	Optimizer  optimize.Config  `yaml:"optimizer" json:"optimizer"`
	Validation ValidationConfig `yaml:"validation" json:"validation"`
	Archive    ArchiveConfig    `yaml:"archive" json:"archive"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// StoreConfig caps the graph store.
type StoreConfig struct {
	MaxNodes int `yaml:"max_nodes" json:"max_nodes" validate:"gte=1"`
	MaxEdges int `yaml:"max_edges" json:"max_edges" validate:"gte=1"`
}

// PoolConfig sizes the variant pool tiers.
type PoolConfig struct {
	HotCapacity  int `yaml:"hot_capacity" json:"hot_capacity" validate:"gte=1"`
	WarmCapacity int `yaml:"warm_capacity" json:"warm_capacity" validate:"gte=1"`

	// Spill pushes warm overflow into the archive database instead of
	// evicting it. Requires archive.path or archive.in_memory.
	Spill bool `yaml:"spill" json:"spill"`
}

// DetectConfig configures the violation detector.
type DetectConfig struct {
	// Catalog is the rule catalog file. Empty means no rules.
	Catalog string `yaml:"catalog" json:"catalog"`

	// Watch reloads the catalog when the file changes.
	Watch bool `yaml:"watch" json:"watch"`

	// WatchDebounce coalesces bursts of file events.
	WatchDebounce time.Duration `yaml:"watch_debounce" json:"watch_debounce" validate:"gte=0"`

	EmbeddingCacheSize int `yaml:"embedding_cache_size" json:"embedding_cache_size" validate:"gte=1"`
	EmbeddingDim       int `yaml:"embedding_dim" json:"embedding_dim" validate:"gte=8,lte=65536"`
}

// ValidationConfig configures background validation of store changes.
type ValidationConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Debounce time.Duration `yaml:"debounce" json:"debounce" validate:"gte=0"`
}

// ArchiveConfig locates the rows archive.
type ArchiveConfig struct {
	Path     string `yaml:"path" json:"path"`
	InMemory bool   `yaml:"in_memory" json:"in_memory"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterStructValidation(validateConfig, Config{})
}

// validateConfig checks cross-field constraints.
func validateConfig(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	if c.Pool.Spill && c.Archive.Path == "" && !c.Archive.InMemory {
		sl.ReportError(c.Pool.Spill, "Spill", "spill", "requires_archive", "")
	}
	if c.Detect.Watch && c.Detect.Catalog == "" {
		sl.ReportError(c.Detect.Watch, "Watch", "watch", "requires_catalog", "")
	}
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			MaxNodes: graph.DefaultMaxNodes,
			MaxEdges: graph.DefaultMaxEdges,
		},
		Pool: PoolConfig{
			HotCapacity:  64,
			WarmCapacity: 1024,
		},
		Detect: DetectConfig{
			WatchDebounce:      200 * time.Millisecond,
			EmbeddingCacheSize: 50_000,
			EmbeddingDim:       256,
		},
		Optimizer: optimize.DefaultConfig(),
		Validation: ValidationConfig{
			Enabled:  true,
			Debounce: 250 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration with priority env > file > defaults.
//
// Inputs:
//   - path: YAML file, optional. A missing file is an error only when the
//     path was given explicitly.
//
// Outputs:
//   - Config: The merged configuration.
//   - error: Non-nil if the file is unreadable or invalid, or validation
//     fails.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes YAML over cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MODELGRAPH_CATALOG"); v != "" {
		cfg.Detect.Catalog = v
	}
	if v := os.Getenv("MODELGRAPH_ARCHIVE"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("MODELGRAPH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("MODELGRAPH_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("MODELGRAPH_MAX_ITERATIONS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Optimizer.Budget.MaxIterations = i
		}
	}
	if v := os.Getenv("MODELGRAPH_TIME_LIMIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Optimizer.Budget.TimeLimit = d
		}
	}
	if v := os.Getenv("MODELGRAPH_HOT_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Pool.HotCapacity = i
		}
	}
}

// NewLogger builds the process logger.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch c.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
