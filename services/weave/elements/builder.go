// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package elements

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/marker"
)

var elementsTracer = otel.Tracer("spinner.weave.elements")

// DefaultFrameworkPrefixes name the modules never scanned for elements.
var DefaultFrameworkPrefixes = []string{"System", "Microsoft", "Spinner"}

// ProgressPhase indicates which phase of building is in progress.
type ProgressPhase int

const (
	// ProgressPhaseCollecting indicates elements are being collected.
	ProgressPhaseCollecting ProgressPhase = iota

	// ProgressPhaseDerivation indicates derivation edges are being extracted.
	ProgressPhaseDerivation

	// ProgressPhaseFinalizing indicates the graph is being frozen.
	ProgressPhaseFinalizing
)

// String returns the string representation of the ProgressPhase.
func (p ProgressPhase) String() string {
	switch p {
	case ProgressPhaseCollecting:
		return "collecting"
	case ProgressPhaseDerivation:
		return "derivation"
	case ProgressPhaseFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// BuildProgress contains progress information during a build.
type BuildProgress struct {
	Phase           ProgressPhase
	ModulesTotal    int
	ModulesDone     int
	ElementsCreated int
	EdgesCreated    int
}

// ProgressFunc is a callback function for build progress updates.
type ProgressFunc func(progress BuildProgress)

// BuildStats summarises a build.
type BuildStats struct {
	Modules         int
	Elements        int
	DerivationEdges int
	Skipped         int
	Duration        time.Duration
}

// BuilderOptions configures Builder behavior.
type BuilderOptions struct {
	// FrameworkPrefixes name modules excluded from the graph. A module is
	// excluded when its name equals a prefix or starts with prefix + ".".
	// Modules flagged Framework are always excluded.
	FrameworkPrefixes []string

	// ProgressCallback is called after each module and phase. May be nil.
	ProgressCallback ProgressFunc

	// Logger receives build diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultBuilderOptions returns sensible defaults.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{FrameworkPrefixes: DefaultFrameworkPrefixes}
}

// BuilderOption is a functional option for configuring Builder.
type BuilderOption func(*BuilderOptions)

// WithFrameworkPrefixes replaces the excluded module prefixes.
func WithFrameworkPrefixes(prefixes ...string) BuilderOption {
	return func(o *BuilderOptions) {
		o.FrameworkPrefixes = prefixes
	}
}

// WithProgressCallback sets the progress callback function.
func WithProgressCallback(fn ProgressFunc) BuilderOption {
	return func(o *BuilderOptions) {
		o.ProgressCallback = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BuilderOption {
	return func(o *BuilderOptions) {
		o.Logger = l
	}
}

// Builder constructs element graphs from programs.
//
// The builder is stateless and can be reused across multiple builds.
// Each Build() call creates a new graph.
//
// Thread Safety:
//
//	Builder is safe for concurrent use. Each Build() call operates
//	independently with its own internal state.
type Builder struct {
	options BuilderOptions
	logger  *slog.Logger
}

// NewBuilder creates a new Builder with the given options.
func NewBuilder(opts ...BuilderOption) *Builder {
	options := DefaultBuilderOptions()
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{options: options, logger: logger.With(slog.String("component", "elements"))}
}

// buildState holds mutable state during a single build operation.
type buildState struct {
	graph   *Graph
	stats   BuildStats
	modules []*il.Module
	types   []*il.TypeDef
	start   time.Time
}

// IsFramework reports whether m is excluded from the graph.
func (b *Builder) IsFramework(m *il.Module) bool {
	if m.Framework {
		return true
	}
	for _, p := range b.options.FrameworkPrefixes {
		if m.Name == p || strings.HasPrefix(m.Name, p+".") {
			return true
		}
	}
	return false
}

// Build constructs the element graph of p.
//
// Description:
//
//	Walks the reference closure of the main module once, skipping
//	framework modules, and collects every element. Compiler-generated types
//	are skipped with everything they contain, as are members named by the
//	compiler's "<...>" convention. Derivation edges are then extracted
//	between collected elements only.
//
// Inputs:
//
//	ctx - Context for cancellation, checked between modules.
//	p - The linked program.
//
// Outputs:
//
//	*Graph - The frozen graph.
//	BuildStats - Counts and duration.
//	error - Non-nil on cancellation or a structural inconsistency.
//
// Build Phases:
//
//  1. COLLECT: assemblies, types, members, parameters (containment)
//  2. DERIVATION: base types, interfaces, overrides, implementations
//  3. FINALIZE: freeze
func (b *Builder) Build(ctx context.Context, p *il.Program) (*Graph, BuildStats, error) {
	ctx, span := elementsTracer.Start(ctx, "elements.Builder.Build")
	defer span.End()

	state := &buildState{graph: NewGraph(p), start: time.Now()}
	for _, m := range p.ReferenceClosure(p.Main) {
		if !b.IsFramework(m) {
			state.modules = append(state.modules, m)
		}
	}

	fail := func(err error) (*Graph, BuildStats, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, state.stats, err
	}

	if err := b.collectPhase(ctx, state); err != nil {
		return fail(err)
	}
	if err := b.derivationPhase(ctx, state); err != nil {
		return fail(err)
	}

	state.graph.Freeze()
	state.stats.Modules = len(state.modules)
	state.stats.Elements = state.graph.Len()
	state.stats.DerivationEdges = state.graph.DerivationEdges()
	state.stats.Duration = time.Since(state.start)
	b.reportProgress(state, ProgressPhaseFinalizing, len(state.modules))

	span.SetAttributes(
		attribute.Int("elements.modules", state.stats.Modules),
		attribute.Int("elements.count", state.stats.Elements),
		attribute.Int("elements.derivation_edges", state.stats.DerivationEdges),
		attribute.Int("elements.skipped", state.stats.Skipped),
	)
	b.logger.Debug("element graph built",
		slog.Int("modules", state.stats.Modules),
		slog.Int("elements", state.stats.Elements),
		slog.Int("derivation_edges", state.stats.DerivationEdges),
		slog.Int("skipped", state.stats.Skipped),
		slog.Duration("duration", state.stats.Duration),
	)
	return state.graph, state.stats, nil
}

// collectPhase adds every element with its containment edge.
func (b *Builder) collectPhase(ctx context.Context, state *buildState) error {
	for i, m := range state.modules {
		if err := ctx.Err(); err != nil {
			return err
		}
		asm := &Element{ID: AssemblyID(m), Kind: KindAssembly, Target: marker.TargetAssembly, Name: m.Name, Module: m}
		if err := state.graph.Add(asm); err != nil {
			return err
		}
		for _, t := range m.Types {
			if err := b.addType(state, asm.ID, t); err != nil {
				return err
			}
		}
		b.reportProgress(state, ProgressPhaseCollecting, i+1)
	}
	return nil
}

func (b *Builder) addType(state *buildState, parent ID, t *il.TypeDef) error {
	if t.IsCompilerGenerated() {
		state.stats.Skipped++
		return nil
	}
	g := state.graph
	te := &Element{
		ID:         TypeID(t),
		Kind:       KindType,
		Parent:     parent,
		Target:     typeTarget(t),
		Name:       t.FullName(),
		Attributes: typeAttributes(t),
		Module:     t.Module,
		Type:       t,
	}
	if err := g.Add(te); err != nil {
		return err
	}
	state.types = append(state.types, t)

	for _, n := range t.NestedTypes {
		if err := b.addType(state, te.ID, n); err != nil {
			return err
		}
	}
	for _, f := range t.Fields {
		if namedByCompiler(f.Name) {
			state.stats.Skipped++
			continue
		}
		if err := g.Add(&Element{
			ID: FieldID(f), Kind: KindField, Parent: te.ID, Target: marker.TargetField,
			Name: f.Name, Attributes: fieldAttributes(f), Module: t.Module, Type: t, Field: f,
		}); err != nil {
			return err
		}
	}
	for _, m := range t.Methods {
		if namedByCompiler(m.Name) {
			state.stats.Skipped++
			continue
		}
		if err := b.addMethod(state, te, m); err != nil {
			return err
		}
	}
	for _, p := range t.Properties {
		if namedByCompiler(p.Name) {
			state.stats.Skipped++
			continue
		}
		if err := g.Add(&Element{
			ID: PropertyID(p), Kind: KindProperty, Parent: te.ID, Target: marker.TargetProperty,
			Name: p.Name, Attributes: accessorAttributes(p.Accessors(), p.CustomAttributes),
			Module: t.Module, Type: t, Property: p,
		}); err != nil {
			return err
		}
	}
	for _, ev := range t.Events {
		if namedByCompiler(ev.Name) {
			state.stats.Skipped++
			continue
		}
		if err := g.Add(&Element{
			ID: EventID(ev), Kind: KindEvent, Parent: te.ID, Target: marker.TargetEvent,
			Name: ev.Name, Attributes: accessorAttributes(ev.Accessors(), ev.CustomAttributes),
			Module: t.Module, Type: t, Event: ev,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) addMethod(state *buildState, te *Element, m *il.MethodDef) error {
	g := state.graph
	me := &Element{
		ID:         MethodID(m),
		Kind:       KindMethod,
		Parent:     te.ID,
		Target:     methodTarget(m),
		Name:       m.Name,
		Attributes: methodAttributes(m),
		Module:     te.Module,
		Type:       te.Type,
		Method:     m,
	}
	if err := g.Add(me); err != nil {
		return err
	}
	for i, p := range m.Parameters {
		if err := g.Add(&Element{
			ID: ParameterID(m, i), Kind: KindParameter, Parent: me.ID, Target: marker.TargetParameter,
			Name: p.Name, Attributes: parameterAttributes(p), Module: te.Module, Type: te.Type,
			Method: m, Param: p, ParamIndex: i,
		}); err != nil {
			return err
		}
	}
	if !m.ReturnType.IsVoid() {
		if err := g.Add(&Element{
			ID: ReturnID(m), Kind: KindReturnValue, Parent: me.ID, Target: marker.TargetReturnValue,
			Name: "return", Module: te.Module, Type: te.Type, Method: m, ParamIndex: -1,
		}); err != nil {
			return err
		}
	}
	return nil
}

// derivationPhase extracts derivation edges between collected elements.
func (b *Builder) derivationPhase(ctx context.Context, state *buildState) error {
	p := state.graph.program
	for i, t := range state.types {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		tid := TypeID(t)

		if base := p.BaseOf(t); base != nil {
			if err := b.derive(state, TypeID(base), tid); err != nil {
				return err
			}
		}

		// Interface edges: direct ones onto the type, transitive ones for
		// method implementations. The walk is guarded because interface
		// graphs may revisit the same interface through several paths.
		for _, name := range t.Interfaces {
			if it := p.LookupType(name); it != nil {
				if err := b.derive(state, TypeID(it), tid); err != nil {
					return err
				}
			}
		}
		if !t.IsInterface() {
			for _, it := range interfaceClosure(p, t) {
				for _, im := range it.Methods {
					impl := p.FindOverride(t, im)
					if impl == nil || impl == im || impl.DeclaringType != t {
						continue
					}
					if err := b.deriveMethod(state, im, impl); err != nil {
						return err
					}
				}
			}
		}

		for _, m := range t.Methods {
			if bm := p.VirtualBase(m); bm != nil {
				if err := b.deriveMethod(state, bm, m); err != nil {
					return err
				}
			}
			for _, ref := range m.Overrides {
				bm, err := p.ResolveMethod(ref)
				if err != nil {
					b.logger.Debug("explicit override target not resolved",
						slog.String("method", m.FullName()), slog.String("target", ref.String()))
					continue
				}
				if err := b.deriveMethod(state, bm, m); err != nil {
					return err
				}
			}
		}
		if err := b.deriveAccessorOwners(state, t); err != nil {
			return err
		}
	}
	b.reportProgress(state, ProgressPhaseDerivation, len(state.modules))
	return nil
}

// derive adds one edge; endpoints outside the graph are silently ignored.
func (b *Builder) derive(state *buildState, base, derived ID) error {
	_, err := state.graph.AddDerivation(base, derived)
	return err
}

// deriveMethod links base to impl and their parameters and return values.
func (b *Builder) deriveMethod(state *buildState, base, impl *il.MethodDef) error {
	if err := b.derive(state, MethodID(base), MethodID(impl)); err != nil {
		return err
	}
	n := min(len(base.Parameters), len(impl.Parameters))
	for i := 0; i < n; i++ {
		if err := b.derive(state, ParameterID(base, i), ParameterID(impl, i)); err != nil {
			return err
		}
	}
	if !base.ReturnType.IsVoid() && !impl.ReturnType.IsVoid() {
		return b.derive(state, ReturnID(base), ReturnID(impl))
	}
	return nil
}

// deriveAccessorOwners links properties and events whose accessors
// override or implement those of another property or event.
func (b *Builder) deriveAccessorOwners(state *buildState, t *il.TypeDef) error {
	g := state.graph
	for _, prop := range t.Properties {
		for _, acc := range prop.Accessors() {
			for _, base := range g.Bases(MethodID(acc)) {
				be, ok := g.Element(base)
				if !ok || be.Method == nil {
					continue
				}
				for _, bp := range be.Type.Properties {
					if bp.Getter == be.Method.Name || bp.Setter == be.Method.Name {
						if err := b.derive(state, PropertyID(bp), PropertyID(prop)); err != nil {
							return err
						}
					}
				}
			}
		}
	}
	for _, ev := range t.Events {
		for _, acc := range ev.Accessors() {
			for _, base := range g.Bases(MethodID(acc)) {
				be, ok := g.Element(base)
				if !ok || be.Method == nil {
					continue
				}
				for _, bev := range be.Type.Events {
					if bev.Adder == be.Method.Name || bev.Remover == be.Method.Name {
						if err := b.derive(state, EventID(bev), EventID(ev)); err != nil {
							return err
						}
					}
				}
			}
		}
	}
	return nil
}

// interfaceClosure returns every interface t implements directly, through
// its bases, or through interface inheritance, each once.
func interfaceClosure(p *il.Program, t *il.TypeDef) []*il.TypeDef {
	var out []*il.TypeDef
	visited := make(map[string]bool)
	stack := []string{}
	for _, c := range append([]*il.TypeDef{t}, p.Ancestors(t)...) {
		stack = append(stack, c.Interfaces...)
	}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[name] {
			continue
		}
		visited[name] = true
		it := p.LookupType(name)
		if it == nil {
			continue
		}
		out = append(out, it)
		stack = append(stack, it.Interfaces...)
	}
	return out
}

func (b *Builder) reportProgress(state *buildState, phase ProgressPhase, done int) {
	if b.options.ProgressCallback == nil {
		return
	}
	b.options.ProgressCallback(BuildProgress{
		Phase:           phase,
		ModulesTotal:    len(state.modules),
		ModulesDone:     done,
		ElementsCreated: state.graph.Len(),
		EdgesCreated:    state.graph.DerivationEdges(),
	})
}

// String summarises the stats for logs.
func (s BuildStats) String() string {
	return fmt.Sprintf("%d modules, %d elements, %d derivation edges, %d skipped in %s",
		s.Modules, s.Elements, s.DerivationEdges, s.Skipped, s.Duration)
}
