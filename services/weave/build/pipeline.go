// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package build runs a complete weaving build: element graph, multicast
// resolution, parallel weaving, verification and reporting.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Inverness/Spinner-sub001/services/weave/config"
	"github.com/Inverness/Spinner-sub001/services/weave/elements"
	"github.com/Inverness/Spinner-sub001/services/weave/features"
	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/multicast"
	"github.com/Inverness/Spinner-sub001/services/weave/pointcut"
	"github.com/Inverness/Spinner-sub001/services/weave/report"
	"github.com/Inverness/Spinner-sub001/services/weave/verify"
	"github.com/Inverness/Spinner-sub001/services/weave/weaving"
)

var buildTracer = otel.Tracer("spinner.weave.build")

// Options configures a Pipeline.
type Options struct {
	// Logger receives build diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// Store receives the build manifest. Nil skips reporting.
	Store *report.Store

	// Workers overrides the configured worker count when positive.
	Workers int
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithStore sets the report store.
func WithStore(s *report.Store) Option {
	return func(o *Options) { o.Store = s }
}

// WithWorkers overrides the worker count.
func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

// Result describes a successful build.
type Result struct {
	BuildID    string
	Program    *il.Program
	Graph      *elements.Graph
	Resolution *multicast.Resolution
	Stats      weaving.Stats
	Manifest   *report.Manifest
	Duration   time.Duration
}

// Pipeline weaves programs.
//
// Thread Safety:
//
//	Safe for concurrent use on different programs.
type Pipeline struct {
	cfg     *config.Config
	options Options
	logger  *slog.Logger
}

// New creates a Pipeline for cfg.
func New(cfg *config.Config, opts ...Option) *Pipeline {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, options: o, logger: logger}
}

func (b *Pipeline) workers() int {
	if b.options.Workers > 0 {
		return b.options.Workers
	}
	return b.cfg.Workers()
}

// Run weaves p in place.
//
// Description:
//
//	Checks the support library version, builds the element graph,
//	resolves markers (with pointcuts evaluated in a sandbox over a copy of
//	the unwoven program), analyzes every aspect type, then weaves each
//	declaring type on a bounded worker group. The first error cancels the
//	remaining workers. With verification enabled the woven program is
//	checked before the manifest is written.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	p - The program. Mutated in place; discard it when Run fails.
//
// Outputs:
//
//	*Result - The build result.
//	error - The first error of any stage.
func (b *Pipeline) Run(ctx context.Context, p *il.Program) (*Result, error) {
	return b.run(ctx, p, "")
}

func (b *Pipeline) run(ctx context.Context, p *il.Program, source string) (*Result, error) {
	start := time.Now()
	buildID := uuid.NewString()
	logger := b.logger.With(slog.String("build_id", buildID))

	ctx, span := buildTracer.Start(ctx, "build.Pipeline.Run",
		trace.WithAttributes(
			attribute.String("build_id", buildID),
			attribute.String("module", p.Main.Name),
		),
	)
	defer span.End()

	fail := func(stage string, err error) (*Result, error) {
		err = fmt.Errorf("%s: %w", stage, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordFailure(err)
		logger.Error("build failed", slog.String("stage", stage), slog.String("error", err.Error()))
		return nil, err
	}

	if err := b.cfg.CheckSupport(p); err != nil {
		return fail("support library", err)
	}
	g, gstats, res, err := b.resolve(ctx, p, logger)
	if err != nil {
		return fail("resolve", err)
	}

	analyzer := features.NewAnalyzer(p,
		features.WithRecording(b.cfg.Build.RecordFeatures),
		features.WithLogger(logger))
	wctx := weaving.NewContext(g, res, weaving.WithLogger(logger), weaving.WithAnalyzer(analyzer))
	if err := wctx.Prepare(ctx); err != nil {
		return fail("feature analysis", err)
	}
	plan, err := wctx.Plan()
	if err != nil {
		return fail("weaving", err)
	}
	if err := b.weave(ctx, wctx, plan); err != nil {
		return fail("weaving", err)
	}

	if b.cfg.Build.Verify {
		if err := verify.New(verify.WithLogger(logger)).Verify(ctx, p); err != nil {
			return fail("verify", err)
		}
	}

	manifest, err := report.NewManifest(buildID, g, res)
	if err != nil {
		return fail("report", err)
	}
	manifest.Source = source
	if b.options.Store != nil {
		if _, err := b.options.Store.Save(ctx, manifest); err != nil {
			return fail("report", err)
		}
	}

	r := &Result{
		BuildID:    buildID,
		Program:    p,
		Graph:      g,
		Resolution: res,
		Stats:      wctx.Stats(),
		Manifest:   manifest,
		Duration:   time.Since(start),
	}
	recordSuccess(r)

	span.SetAttributes(
		attribute.Int("elements", gstats.Elements),
		attribute.Int("targets", r.Stats.Targets),
		attribute.Int("types", len(plan)),
	)
	logger.Info("build complete",
		slog.String("module", p.Main.Name),
		slog.Int("elements", gstats.Elements),
		slog.Int("targets", r.Stats.Targets),
		slog.Int("instances", res.Instances()),
		slog.Int("workers", b.workers()),
		slog.Duration("duration", r.Duration),
	)
	return r, nil
}

// Resolve builds the element graph of p and resolves its markers without
// weaving.
func (b *Pipeline) Resolve(ctx context.Context, p *il.Program) (*elements.Graph, *multicast.Resolution, error) {
	g, _, res, err := b.resolve(ctx, p, b.logger)
	return g, res, err
}

func (b *Pipeline) resolve(ctx context.Context, p *il.Program, logger *slog.Logger) (*elements.Graph, elements.BuildStats, *multicast.Resolution, error) {
	defaults, err := b.cfg.Defaults()
	if err != nil {
		return nil, elements.BuildStats{}, nil, err
	}
	g, gstats, err := elements.NewBuilder(elements.WithLogger(logger)).Build(ctx, p)
	if err != nil {
		return nil, gstats, nil, fmt.Errorf("element graph: %w", err)
	}

	sandbox, err := pointcut.NewSandbox(p,
		pointcut.WithStepLimit(b.cfg.Pointcut.StepLimit),
		pointcut.WithLogger(logger))
	if err != nil {
		return nil, gstats, nil, err
	}
	defer sandbox.Close()

	res, err := multicast.NewEngine(
		multicast.WithDefaults(defaults),
		multicast.WithSupportModule(b.cfg.Support.Module),
		multicast.WithPointcuts(sandbox),
		multicast.WithLogger(logger),
	).Resolve(ctx, g)
	if err != nil {
		return nil, gstats, nil, fmt.Errorf("multicast: %w", err)
	}
	return g, gstats, res, nil
}

// weave runs WeaveType for every planned type on at most workers
// goroutines.
func (b *Pipeline) weave(ctx context.Context, wctx *weaving.Context, plan []weaving.Work) error {
	ctx, span := buildTracer.Start(ctx, "build.Pipeline.weave")
	defer span.End()
	span.SetAttributes(attribute.Int("workers", b.workers()))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers())
	for _, w := range plan {
		g.Go(func() error {
			return wctx.WeaveType(gctx, w)
		})
	}
	return g.Wait()
}

// File loads the program at in, weaves it and saves it to out. Nothing is
// written when the build fails.
func (b *Pipeline) File(ctx context.Context, in, out string) (*Result, error) {
	p, err := il.LoadFile(in)
	if err != nil {
		return nil, err
	}
	r, err := b.run(ctx, p, in)
	if err != nil {
		return nil, err
	}
	if err := il.SaveFile(p, out); err != nil {
		return nil, fmt.Errorf("saving woven program: %w", err)
	}
	return r, nil
}
