// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads weaver configuration.
package config

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/marker"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed defaults.yaml
var defaultsYAML []byte

var configTracer = otel.Tracer("spinner.weave.config")

// FileName is the overlay file looked up next to the program.
const FileName = "spinner.yaml"

// MaxYAMLFileSize bounds configuration files.
const MaxYAMLFileSize = 1 << 20

// Environment variables that override file values.
const (
	EnvWorkers  = "SPINNER_WORKERS"
	EnvLogLevel = "SPINNER_LOG_LEVEL"
	EnvVerify   = "SPINNER_VERIFY"
)

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the weaver configuration.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Config struct {
	Build     BuildConfig     `yaml:"build"`
	Support   SupportConfig   `yaml:"support"`
	Multicast MulticastConfig `yaml:"multicast"`
	Pointcut  PointcutConfig  `yaml:"pointcut"`
	Run       RunConfig       `yaml:"run"`
	Log       LogConfig       `yaml:"log"`
	Report    ReportConfig    `yaml:"report"`
}

// BuildConfig controls the weaving pass.
type BuildConfig struct {
	// Workers is the number of parallel weaving workers. Zero uses one per
	// CPU.
	Workers int `yaml:"workers" validate:"gte=0,lte=256"`

	// Verify runs the structural verifier after weaving.
	Verify bool `yaml:"verify"`

	// RecordFeatures records analyzed features on main-module aspects.
	RecordFeatures bool `yaml:"record_features"`
}

// SupportConfig names the aspect support library.
type SupportConfig struct {
	Module string `yaml:"module" validate:"required"`

	// Version is a semver constraint on the referenced library version.
	Version string `yaml:"version" validate:"required"`
}

// MulticastConfig holds default attribute masks as "|"-separated names.
type MulticastConfig struct {
	TypeAttributes           string `yaml:"type_attributes"`
	MemberAttributes         string `yaml:"member_attributes"`
	ParameterAttributes      string `yaml:"parameter_attributes"`
	ExternalTypeAttributes   string `yaml:"external_type_attributes"`
	ExternalMemberAttributes string `yaml:"external_member_attributes"`
}

// PointcutConfig controls the pointcut sandbox.
type PointcutConfig struct {
	StepLimit int64 `yaml:"step_limit" validate:"gt=0"`
}

// RunConfig controls `spinner run`.
type RunConfig struct {
	StepLimit int64 `yaml:"step_limit" validate:"gte=0"`
}

// LogConfig controls CLI logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
}

// ReportConfig controls the weave report store.
type ReportConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded defaults.
func Default() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}
	return &cfg, nil
}

// Load builds the configuration.
//
// Description:
//
//	Starts from the embedded defaults, overlays the YAML file at path
//	(a missing file is not an error), applies SPINNER_* environment
//	overrides and validates the result.
//
// Inputs:
//
//	ctx - Context for tracing.
//	path - Overlay file. May be empty.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Non-nil if the file exists but cannot be read or parsed, an
//	environment override is malformed, or validation fails.
func Load(ctx context.Context, path string) (*Config, error) {
	_, span := configTracer.Start(ctx, "config.Load")
	defer span.End()

	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("path", path),
		attribute.Int("workers", cfg.Build.Workers),
		attribute.Bool("verify", cfg.Build.Verify),
	)
	slog.Debug("weaver config loaded",
		slog.String("path", path),
		slog.Int("workers", cfg.Build.Workers),
		slog.Bool("verify", cfg.Build.Verify))
	return cfg, nil
}

// Discover returns the overlay file next to the program at programPath,
// or "" when there is none.
func Discover(programPath string) string {
	candidate := filepath.Join(filepath.Dir(programPath), FileName)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) > MaxYAMLFileSize {
		return fmt.Errorf("%s exceeds maximum size (%d > %d)", path, len(data), MaxYAMLFileSize)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnv applies environment overrides read through lookup.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvWorkers); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		c.Build.Workers = n
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvVerify); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvVerify, err)
		}
		c.Build.Verify = b
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints, the support version constraint and
// the attribute masks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := semver.NewConstraint(c.Support.Version); err != nil {
		return fmt.Errorf("invalid config: support.version: %w", err)
	}
	if _, err := c.Defaults(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// =============================================================================
// Derived Settings
// =============================================================================

// Workers returns the effective worker count.
func (c *Config) Workers() int {
	if c.Build.Workers > 0 {
		return c.Build.Workers
	}
	return runtime.NumCPU()
}

// Defaults parses the multicast attribute masks.
func (c *Config) Defaults() (marker.Defaults, error) {
	var d marker.Defaults
	for _, f := range []struct {
		name string
		src  string
		dst  *marker.Attributes
	}{
		{"multicast.type_attributes", c.Multicast.TypeAttributes, &d.TypeAttributes},
		{"multicast.member_attributes", c.Multicast.MemberAttributes, &d.MemberAttributes},
		{"multicast.parameter_attributes", c.Multicast.ParameterAttributes, &d.ParameterAttributes},
		{"multicast.external_type_attributes", c.Multicast.ExternalTypeAttributes, &d.ExternalTypeAttributes},
		{"multicast.external_member_attributes", c.Multicast.ExternalMemberAttributes, &d.ExternalMemberAttributes},
	} {
		a, err := marker.ParseAttributes(f.src)
		if err != nil {
			return marker.Defaults{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = a
	}
	return d, nil
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ErrSupportVersion is returned when the referenced support library does
// not satisfy the configured constraint.
var ErrSupportVersion = errors.New("support library version mismatch")

// CheckSupport checks the main module's reference to the support library
// against the version constraint. A module without the reference passes;
// it carries no markers.
func (c *Config) CheckSupport(p *il.Program) error {
	constraint, err := semver.NewConstraint(c.Support.Version)
	if err != nil {
		return fmt.Errorf("support.version: %w", err)
	}
	for _, ref := range p.Main.References {
		if ref.Name != c.Support.Module {
			continue
		}
		v, err := semver.NewVersion(ref.Version)
		if err != nil {
			return fmt.Errorf("%s references %s version %q: %w", p.Main.Name, ref.Name, ref.Version, err)
		}
		if !constraint.Check(v) {
			return fmt.Errorf("%s references %s %s, want %s: %w",
				p.Main.Name, ref.Name, v, c.Support.Version, ErrSupportVersion)
		}
	}
	return nil
}
