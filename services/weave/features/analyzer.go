// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package features determines which envelope capabilities each aspect's
// advice actually uses, so woven code only populates what is read.
//
// Results are memoized per aspect type and recorded on main-module aspect
// types and advice methods as AnalyzedFeaturesAttribute, which later runs
// read back instead of inspecting advice bodies again.
package features

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/marker"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	"github.com/Inverness/Spinner-sub001/services/weave/weaveerr"
)

var featuresTracer = otel.Tracer("spinner.weave.features")

// Advice is one advice hook of an aspect type.
type Advice struct {
	Kind runtime.AdviceKind

	// Method is the implementation an aspect instance dispatches to.
	Method *il.MethodDef

	// Master names the advice method a composed advice is grouped with.
	Master string

	// Features are the capability features the body requires. Advice
	// presence bits are never set here.
	Features runtime.Features

	// Overridden is false when the support library's base implementation runs.
	Overridden bool
}

// Ref returns the method reference woven code calls.
func (a *Advice) Ref() *il.MethodRef { return a.Method.Ref() }

// Descriptor is the analyzed form of one aspect type.
type Descriptor struct {
	Type   *il.TypeDef
	Kind   marker.AspectKind
	Advice map[runtime.AdviceKind]*Advice

	// Features is the union of advice presence bits and capability bits.
	Features runtime.Features

	// Declared is set when an AspectFeaturesAttribute supplied the
	// capability bits.
	Declared bool

	// Recorded is set when the features were read back from an earlier
	// AnalyzedFeaturesAttribute.
	Recorded bool
}

// Name returns the aspect type's full name.
func (d *Descriptor) Name() string { return d.Type.FullName() }

// Calls reports whether woven code must call advice k: the aspect
// provides it and it is not an empty base implementation.
func (d *Descriptor) Calls(k runtime.AdviceKind) bool {
	a := d.Advice[k]
	if a == nil {
		return false
	}
	return a.Overridden || !baseAdvice[k].noop
}

// Requires reports whether any bit of f is set.
func (d *Descriptor) Requires(f runtime.Features) bool { return d.Features&f != 0 }

// AdviceKinds returns the kinds present, in advice order.
func (d *Descriptor) AdviceKinds() []runtime.AdviceKind {
	out := make([]runtime.AdviceKind, 0, len(d.Advice))
	for k := range d.Advice {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Options configures an Analyzer.
type Options struct {
	// Record attaches AnalyzedFeaturesAttribute to analyzed main-module
	// aspect types and their advice methods. Default: true.
	Record bool

	// Logger receives analysis diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// Option is a functional option for configuring Analyzer.
type Option func(*Options)

// WithRecording enables or disables recording results as metadata.
func WithRecording(on bool) Option {
	return func(o *Options) {
		o.Record = on
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// Stats counts analyzer work.
type Stats struct {
	Analyzed int
	Declared int
	Recorded int
	Helpers  int
}

// Analyzer computes aspect descriptors.
//
// Thread Safety:
//
//	Safe for concurrent use. Each aspect type is analyzed once; concurrent
//	requests for the same type wait on the first (keyed by the type's
//	full name) and share its result.
type Analyzer struct {
	p       *il.Program
	options Options
	logger  *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	memo  map[string]*Descriptor
	stats Stats
}

// NewAnalyzer creates an Analyzer over p.
func NewAnalyzer(p *il.Program, opts ...Option) *Analyzer {
	options := Options{Record: true}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		p:       p,
		options: options,
		logger:  logger.With(slog.String("component", "features")),
		memo:    make(map[string]*Descriptor),
	}
}

// Stats returns a snapshot of the analyzer counters.
func (a *Analyzer) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Analyzer) cached(key string) (*Descriptor, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.memo[key]
	return d, ok
}

// Analyze returns the descriptor of aspect type t.
//
// Description:
//
//	Precedence is: a declared AspectFeaturesAttribute, then a recorded
//	AnalyzedFeaturesAttribute, then analysis of the advice bodies. Advice
//	presence bits always come from the advice table.
//
// Outputs:
//
//	*Descriptor - Shared by every caller; treat as read-only.
//	error - MarkerResolutionError when t is not an aspect, its capability
//	  interface is missing, an advice has no implementation, or a composed
//	  advice names an unknown master.
func (a *Analyzer) Analyze(ctx context.Context, t *il.TypeDef) (*Descriptor, error) {
	key := t.FullName()
	if d, ok := a.cached(key); ok {
		return d, nil
	}
	v, err, _ := a.group.Do(key, func() (any, error) {
		if d, ok := a.cached(key); ok {
			return d, nil
		}
		d, err := a.analyze(ctx, t)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.memo[key] = d
		a.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Descriptor), nil
}

func (a *Analyzer) analyze(ctx context.Context, t *il.TypeDef) (*Descriptor, error) {
	key := t.FullName()
	_, span := featuresTracer.Start(ctx, "features.Analyzer.Analyze")
	defer span.End()
	span.SetAttributes(attribute.String("aspect", key))

	fail := func(err error) (*Descriptor, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	kind, err := marker.KindOf(a.p, t)
	if err != nil {
		return fail(err)
	}
	if kind == marker.KindNone {
		return fail(weaveerr.Marker(key, "aspect-kind", fmt.Errorf("%s is not an aspect: %w", key, weaveerr.ErrNotFound)))
	}
	advice, err := a.adviceTable(t, kind)
	if err != nil {
		return fail(err)
	}

	d := &Descriptor{Type: t, Kind: kind, Advice: advice}
	var presence runtime.Features
	for _, adv := range advice {
		if adv.Overridden {
			presence |= adv.Kind.Feature()
		}
	}

	helpers := 0
	if declared, ok := attributeFeatures(a.declaredAttribute(t)); ok {
		caps := declared &^ runtime.FeatureAllAdvice
		for _, adv := range advice {
			adv.Features = caps
		}
		d.Features = presence | caps
		d.Declared = true
	} else if recorded, ok := attributeFeatures(il.FindAttribute(t.CustomAttributes, runtime.AnalyzedFeaturesAttributeType)); ok {
		for _, adv := range advice {
			if f, ok := attributeFeatures(il.FindAttribute(adv.Method.CustomAttributes, runtime.AnalyzedFeaturesAttributeType)); ok {
				adv.Features = f &^ runtime.FeatureAllAdvice
			} else {
				adv.Features = recorded &^ runtime.FeatureAllAdvice
			}
		}
		d.Features = recorded | presence
		d.Recorded = true
	} else {
		d.Features = presence
		for _, adv := range advice {
			if !adv.Overridden {
				adv.Features = baseAdvice[adv.Kind].features
				continue
			}
			sc := newScanner(a.p)
			adv.Features = sc.method(adv.Method, envelopeArg(adv.Method)) &^ runtime.FeatureAllAdvice
			helpers += sc.followed
			d.Features |= adv.Features
		}
		if a.options.Record && a.p.IsMain(t) {
			a.record(d)
		}
	}

	a.mu.Lock()
	a.stats.Analyzed++
	a.stats.Helpers += helpers
	if d.Declared {
		a.stats.Declared++
	}
	if d.Recorded {
		a.stats.Recorded++
	}
	a.mu.Unlock()

	span.SetAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("features", d.Features.String()),
		attribute.Int("advice", len(advice)),
	)
	a.logger.Debug("aspect analyzed",
		slog.String("aspect", key),
		slog.String("kind", kind.String()),
		slog.String("features", d.Features.String()),
		slog.Bool("declared", d.Declared),
		slog.Bool("recorded", d.Recorded))
	return d, nil
}

// adviceTable finds the implementation of every advice of kind on t.
func (a *Analyzer) adviceTable(t *il.TypeDef, kind marker.AspectKind) (map[runtime.AdviceKind]*Advice, error) {
	key := t.FullName()
	out := make(map[runtime.AdviceKind]*Advice)

	if !a.p.Implements(t, kind.Interface()) {
		// Composed aspect: advice methods carry AdviceAttribute.
		names := make(map[string]bool)
		for _, c := range append([]*il.TypeDef{t}, a.p.Ancestors(t)...) {
			for _, m := range c.Methods {
				k, master, ok := marker.AdviceOf(m)
				if !ok || out[k] != nil {
					continue
				}
				out[k] = &Advice{Kind: k, Method: m, Master: master, Overridden: true}
				names[m.Name] = true
			}
		}
		for _, adv := range out {
			if adv.Master != "" && !names[adv.Master] {
				return nil, weaveerr.Marker(key, "advice-master",
					fmt.Errorf("%s names master %q: %w", adv.Method.FullName(), adv.Master, weaveerr.ErrNotFound))
			}
		}
		return out, nil
	}

	iface := a.p.LookupType(kind.Interface())
	if iface == nil {
		return nil, weaveerr.Marker(key, "aspect-base",
			fmt.Errorf("capability interface %s: %w", kind.Interface(), weaveerr.ErrNotFound))
	}
	for _, decl := range iface.Methods {
		k := runtime.AdviceKindByName(decl.Name)
		if k == runtime.AdviceNone {
			continue
		}
		impl := a.p.FindOverride(t, decl)
		if impl == decl || impl.IsAbstract() || impl.Body == nil {
			return nil, weaveerr.Marker(key, "advice-implementation",
				fmt.Errorf("%s: %w", decl.Name, weaveerr.ErrNotFound))
		}
		support := impl.DeclaringType.Module != nil && impl.DeclaringType.Module.Name == runtime.SupportModuleName
		out[k] = &Advice{Kind: k, Method: impl, Overridden: !support}
	}
	return out, nil
}

// declaredAttribute returns the nearest AspectFeaturesAttribute on t or
// its bases.
func (a *Analyzer) declaredAttribute(t *il.TypeDef) *il.CustomAttribute {
	for _, c := range append([]*il.TypeDef{t}, a.p.Ancestors(t)...) {
		if attr := il.FindAttribute(c.CustomAttributes, runtime.AspectFeaturesAttributeType); attr != nil {
			return attr
		}
	}
	return nil
}

func attributeFeatures(attr *il.CustomAttribute) (runtime.Features, bool) {
	if attr == nil || len(attr.Args) == 0 {
		return runtime.FeatureNone, false
	}
	v, ok := attr.Args[0].AsInt()
	return runtime.Features(v), ok
}

// FeaturesAttribute builds an attribute of type typ carrying f.
func FeaturesAttribute(typ string, f runtime.Features) *il.CustomAttribute {
	return &il.CustomAttribute{Type: typ, Args: []il.AttrArg{il.IntArg(int64(f))}}
}

// record attaches the analysis to the type and its main-module advice.
func (a *Analyzer) record(d *Descriptor) {
	if !d.Type.HasAttribute(runtime.AnalyzedFeaturesAttributeType) {
		a.p.AddTypeAttribute(d.Type, FeaturesAttribute(runtime.AnalyzedFeaturesAttributeType, d.Features))
	}
	for _, k := range d.AdviceKinds() {
		adv := d.Advice[k]
		if !adv.Overridden || !a.p.IsMain(adv.Method.DeclaringType) {
			continue
		}
		if il.FindAttribute(adv.Method.CustomAttributes, runtime.AnalyzedFeaturesAttributeType) != nil {
			continue
		}
		a.p.AddMethodAttribute(adv.Method, FeaturesAttribute(runtime.AnalyzedFeaturesAttributeType, adv.Features|k.Feature()))
	}
}

// envelopeArg returns the argument slot of m's envelope parameter.
func envelopeArg(m *il.MethodDef) int {
	for i, p := range m.Parameters {
		if IsEnvelope(p.Type) {
			return m.ArgIndex(i)
		}
	}
	return -1
}
