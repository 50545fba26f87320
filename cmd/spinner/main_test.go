// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	wt "github.com/Inverness/Spinner-sub001/services/weave/weavetest"
)

// workspace writes a program with one logged method and a config file
// pointing the report store into the same directory.
func workspace(t *testing.T) (dir, program, cfg string) {
	t.Helper()
	dir = t.TempDir()

	b := wt.NewModule(wt.AppModule)
	b.Aspect("App.Log", runtime.OnMethodBoundaryAspectType).
		Advice(runtime.AdviceOnEntry, func(e *il.Emitter) {
			wt.Print(e, "entry")
			e.Op(il.OpRet)
		})
	run := b.Class("App.Service", "").Static("Run", il.Int64, wt.Ps(wt.P("n", il.Int64)), func(e *il.Emitter) {
		wt.Print(e, "body")
		e.LdArg(0)
		e.LdArg(0)
		e.Op(il.OpAdd)
		e.Op(il.OpRet)
	})
	run.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Log")}

	program = filepath.Join(dir, "app"+il.ExtCompressed)
	require.NoError(t, il.SaveFile(b.Program(), program))

	cfg = filepath.Join(dir, "spinner.yaml")
	yaml := fmt.Sprintf("log:\n  level: error\n  format: text\nreport:\n  path: %q\n", filepath.Join(dir, "reports"))
	require.NoError(t, os.WriteFile(cfg, []byte(yaml), 0o644))
	return dir, program, cfg
}

// execute runs the CLI and returns its standard output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func buildID(t *testing.T, out string) string {
	t.Helper()
	fields := strings.Fields(out)
	require.GreaterOrEqual(t, len(fields), 2, out)
	return strings.TrimSuffix(fields[1], ":")
}

func TestCLI_BuildAndRun(t *testing.T) {
	dir, program, _ := workspace(t)
	woven := filepath.Join(dir, "woven"+il.ExtPlain)
	metrics := filepath.Join(dir, "spinner.prom")

	out, err := execute(t, "build", program, "-o", woven, "--workers", "2", "--metrics-out", metrics)
	require.NoError(t, err)
	assert.Contains(t, out, "wove 1 targets of App")
	assert.Contains(t, out, "boundary")
	assert.FileExists(t, metrics)

	out, err = execute(t, "run", woven, "App.Service::Run", "21")
	require.NoError(t, err)
	assert.Equal(t, "entry\nbody\n42\n", out)

	out, err = execute(t, "run", program, "App.Service::Run", "2")
	require.NoError(t, err)
	assert.Equal(t, "body\n4\n", out, "the input is left unwoven")
}

func TestCLI_RunErrors(t *testing.T) {
	_, program, _ := workspace(t)

	_, err := execute(t, "run", program, "App.Service.Run")
	assert.ErrorContains(t, err, "Type::Method")

	_, err = execute(t, "run", program, "App.Service::Missing")
	assert.Error(t, err)

	_, err = execute(t, "build")
	assert.Error(t, err)
}

func TestCLI_InspectAndResolve(t *testing.T) {
	_, program, _ := workspace(t)

	out, err := execute(t, "inspect", program)
	require.NoError(t, err)
	assert.Contains(t, out, ".module App")

	out, err = execute(t, "inspect", program, "--type", "App.Service")
	require.NoError(t, err)
	assert.Contains(t, out, "Run")
	assert.NotContains(t, out, ".module")

	out, err = execute(t, "resolve", program)
	require.NoError(t, err)
	assert.Contains(t, out, "App.Log")
	assert.Contains(t, out, "(method)")

	out, err = execute(t, "resolve", program, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"aspect_type": "App.Log"`)
}

func TestCLI_Report(t *testing.T) {
	dir, program, cfg := workspace(t)

	out, err := execute(t, "build", program, "-o", filepath.Join(dir, "a"+il.ExtPlain))
	require.NoError(t, err)
	first := buildID(t, out)
	out, err = execute(t, "build", program, "-o", filepath.Join(dir, "b"+il.ExtPlain))
	require.NoError(t, err)
	second := buildID(t, out)

	out, err = execute(t, "report", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, first)
	assert.Contains(t, out, second)

	out, err = execute(t, "report", "diff", first, "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, first+" -> "+second+": 0 changes")

	out, err = execute(t, "report", "show", second, "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, `"build_id": "`+second+`"`)

	_, err = execute(t, "report", "show", "missing", "--config", cfg)
	assert.Error(t, err)
}

func TestCLI_NoReport(t *testing.T) {
	dir, program, cfg := workspace(t)

	_, err := execute(t, "build", program, "-o", filepath.Join(dir, "a"+il.ExtPlain), "--no-report", "--no-verify")
	require.NoError(t, err)

	out, err := execute(t, "report", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"), "header only")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, slog.LevelInfo, "auto").Info("hello", slog.String("k", "v"))
	assert.True(t, strings.HasPrefix(buf.String(), "{"), "non-terminal writers get JSON")

	buf.Reset()
	newLogger(&buf, slog.LevelInfo, "text").Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")

	buf.Reset()
	newLogger(&buf, slog.LevelWarn, "text").Info("hidden")
	assert.Empty(t, buf.String())
}
