// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inverness/Spinner-sub001/services/weave/marker"
	wt "github.com/Inverness/Spinner-sub001/services/weave/weavetest"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0, cfg.Build.Workers)
	assert.True(t, cfg.Build.Verify)
	assert.Equal(t, "Spinner", cfg.Support.Module)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
	assert.Positive(t, cfg.Workers())

	d, err := cfg.Defaults()
	require.NoError(t, err)
	assert.Equal(t, marker.DefaultDefaults(), d)
}

func TestLoad_Overlay(t *testing.T) {
	path := writeFile(t, `
build:
  workers: 3
log:
  level: debug
multicast:
  member_attributes: "Public|Static"
`)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Build.Workers)
	assert.Equal(t, 3, cfg.Workers())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
	assert.True(t, cfg.Build.Verify, "unset keys keep their defaults")
	d, err := cfg.Defaults()
	require.NoError(t, err)
	assert.Equal(t, marker.AttrPublic|marker.AttrStatic, d.MemberAttributes)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "auto", cfg.Log.Format)
}

func TestLoad_EmptyFile(t *testing.T) {
	_, err := Load(context.Background(), writeFile(t, ""))
	require.NoError(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "build:\n  wrokers: 2\n"},
		{"malformed yaml", "build: [\n"},
		{"negative workers", "build:\n  workers: -1\n"},
		{"bad level", "log:\n  level: loud\n"},
		{"bad constraint", "support:\n  version: \"not a version\"\n"},
		{"bad attribute", "multicast:\n  type_attributes: \"Public|Shiny\"\n"},
		{"report without path", "report:\n  enabled: true\n  path: \"\"\n"},
		{"zero pointcut budget", "pointcut:\n  step_limit: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), writeFile(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv(EnvWorkers, "5")
	t.Setenv(EnvLogLevel, "WARN")
	t.Setenv(EnvVerify, "false")

	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Build.Workers)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel())
	assert.False(t, cfg.Build.Verify)
}

func TestApplyEnv_Malformed(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	env := map[string]string{EnvWorkers: "many"}
	err = cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.ErrorContains(t, err, EnvWorkers)

	env = map[string]string{EnvVerify: "perhaps"}
	err = cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.ErrorContains(t, err, EnvVerify)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	program := filepath.Join(dir, "app.il.json")
	assert.Empty(t, Discover(program))

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("build:\n  workers: 1\n"), 0o644))
	assert.Equal(t, filepath.Join(dir, FileName), Discover(program))
}

func TestCheckSupport(t *testing.T) {
	p := wt.NewModule(wt.AppModule).Program()
	cfg, err := Default()
	require.NoError(t, err)
	require.NoError(t, cfg.CheckSupport(p))

	cfg.Support.Version = ">=2.0.0"
	assert.ErrorIs(t, cfg.CheckSupport(p), ErrSupportVersion)

	cfg.Support.Module = "Other"
	assert.NoError(t, cfg.CheckSupport(p), "modules without the reference pass")
}
