// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command spinner weaves aspects into compiled programs.
//
// Usage:
//
//	spinner build app.spin.gz -o app.woven.spin.gz
//	spinner resolve app.spin.gz
//	spinner inspect app.woven.spin.gz --type App.Service
//	spinner run app.woven.spin.gz App.Program::Main
//	spinner report list
//	spinner report diff <base-build> [<target-build>]
//
// Configuration is read from spinner.yaml next to the program (or --config)
// and SPINNER_* environment variables.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Inverness/Spinner-sub001/services/weave/config"
)

// app holds the state shared by every command of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	logFormat  string
	trace      bool

	cfg      *config.Config
	logger   *slog.Logger
	shutdown func(context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "spinner",
		Short: "Spinner - build-time aspect weaver",
		Long: `Spinner rewrites a compiled program so that the aspects declared on its
elements run around method calls, property accesses and event operations.

Markers are resolved once per build, every declaring type is woven on a
bounded worker pool and the result is verified before it is written.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.shutdown != nil {
				return a.shutdown(cmd.Context())
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "configuration file (default: spinner.yaml next to the program)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: auto, text or json")
	flags.BoolVar(&a.trace, "trace", false, "print OpenTelemetry spans to stderr")

	root.AddCommand(
		a.buildCmd(),
		a.resolveCmd(),
		a.inspectCmd(),
		a.runCmd(),
		a.reportCmd(),
	)
	return root
}

// setup loads configuration and initialises logging and tracing. program
// is the program the command operates on, used to find spinner.yaml; it may
// be empty.
func (a *app) setup(cmd *cobra.Command, program string) error {
	path := a.configPath
	if path == "" && program != "" {
		path = config.Discover(program)
	}
	cfg, err := config.Load(cmd.Context(), path)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(a.stderr, cfg.LogLevel(), cfg.Log.Format)
	slog.SetDefault(a.logger)

	if a.trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(a.stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("creating trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
		otel.SetTracerProvider(tp)
		a.shutdown = tp.Shutdown
	}
	return nil
}

// newLogger returns a text logger on terminals and a JSON logger otherwise,
// unless format forces one.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" || (format == "auto" && !isTerminal(w)) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
