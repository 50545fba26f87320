// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package multicast

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Inverness/Spinner-sub001/services/weave/elements"
	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/marker"
	"github.com/Inverness/Spinner-sub001/services/weave/pointcut"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	"github.com/Inverness/Spinner-sub001/services/weave/weaveerr"
)

var multicastTracer = otel.Tracer("spinner.weave.multicast")

// Options configures an Engine.
type Options struct {
	// Defaults are the attribute masks for markers that leave them unset.
	Defaults marker.Defaults

	// SupportModule names the aspect support library. Modules whose
	// reference closure lacks it carry no markers and are skipped.
	SupportModule string

	// Pointcuts runs selection methods for markers with a Pointcut. When
	// nil, such markers select nothing.
	Pointcuts pointcut.Executor

	// Logger receives resolution diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// Option is a functional option for configuring Engine.
type Option func(*Options)

// WithDefaults sets the default attribute masks.
func WithDefaults(d marker.Defaults) Option {
	return func(o *Options) {
		o.Defaults = d
	}
}

// WithSupportModule sets the support library module name.
func WithSupportModule(name string) Option {
	return func(o *Options) {
		o.SupportModule = name
	}
}

// WithPointcuts sets the pointcut executor.
func WithPointcuts(x pointcut.Executor) Option {
	return func(o *Options) {
		o.Pointcuts = x
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// Engine computes the frozen per-element aspect lists of a program.
//
// Thread Safety:
//
//	Engine is safe for concurrent use; each Resolve call has its own state.
type Engine struct {
	options Options
	logger  *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	options := Options{
		Defaults:      marker.DefaultDefaults(),
		SupportModule: runtime.SupportModuleName,
	}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{options: options, logger: logger.With(slog.String("component", "multicast"))}
}

// Stats summarises one resolution.
type Stats struct {
	Markers        int
	Direct         int
	Inherited      int
	Targets        int
	Duplicates     int
	Excluded       int
	SkippedModules int
	Duration       time.Duration
}

type pointcutKey struct {
	origin Origin
	typ    elements.ID
}

// resolveState holds mutable state during a single Resolve call.
type resolveState struct {
	ctx       context.Context
	g         *elements.Graph
	p         *il.Program
	eligible  map[*il.Module]bool
	kinds     map[string]marker.AspectKind
	usages    map[string]marker.Usage
	selected  map[pointcutKey]map[string]bool
	byTarget  map[elements.ID][]Instance
	direct    []Instance
	finals    [][]elements.ID
	stats     Stats
	directSeq int
}

// Resolve computes the aspect instances of every element of g.
//
// Description:
//
//	1. Direct wave: every aspect attribute on an element of an eligible
//	   module becomes an instance targeting that element, numbered in
//	   closure-walk order.
//	2. Each instance is expanded down the containment tree from its
//	   target. Filters apply at every level and a child is only visited
//	   when its container passed.
//	3. Inherited wave: instances with Multicast inheritance are cloned
//	   onto every element deriving from their target and expanded again
//	   from there; Strict instances clone their final targets onto derived
//	   elements without expanding. Clones are numbered from a separate
//	   counter, nearest derivation first.
//	4. Per target the list is deduplicated by origin, stably sorted by
//	   priority and exclusion is applied until no exclusion fires.
//
// Inputs:
//
//	ctx - Context for cancellation and pointcut execution.
//	g - The frozen element graph.
//
// Outputs:
//
//	*Resolution - The frozen per-element lists.
//	error - MarkerResolutionError for malformed markers or unknown aspect
//	  bases, or the context error.
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) Resolve(ctx context.Context, g *elements.Graph) (*Resolution, error) {
	ctx, span := multicastTracer.Start(ctx, "multicast.Engine.Resolve")
	defer span.End()
	start := time.Now()

	s := &resolveState{
		ctx:      ctx,
		g:        g,
		p:        g.Program(),
		eligible: make(map[*il.Module]bool),
		kinds:    make(map[string]marker.AspectKind),
		usages:   make(map[string]marker.Usage),
		selected: make(map[pointcutKey]map[string]bool),
		byTarget: make(map[elements.ID][]Instance),
	}

	res, err := e.resolve(s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res.stats.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("multicast.markers", res.stats.Markers),
		attribute.Int("multicast.inherited", res.stats.Inherited),
		attribute.Int("multicast.targets", res.stats.Targets),
		attribute.Int("multicast.excluded", res.stats.Excluded),
	)
	e.logger.Debug("multicast resolved",
		slog.Int("markers", res.stats.Markers),
		slog.Int("direct", res.stats.Direct),
		slog.Int("inherited", res.stats.Inherited),
		slog.Int("targets", res.stats.Targets),
		slog.Int("excluded", res.stats.Excluded),
		slog.Int("skipped_modules", res.stats.SkippedModules),
	)
	return res, nil
}

func (e *Engine) resolve(s *resolveState) (*Resolution, error) {
	e.markEligible(s)

	if err := e.directWave(s); err != nil {
		return nil, err
	}
	s.finals = make([][]elements.ID, len(s.direct))
	for i, inst := range s.direct {
		targets, err := e.expand(s, inst)
		if err != nil {
			return nil, err
		}
		s.finals[i] = targets
		for _, t := range targets {
			s.byTarget[t] = append(s.byTarget[t], inst.retarget(t))
		}
	}

	if err := e.inheritedWave(s); err != nil {
		return nil, err
	}

	res := &Resolution{lists: make(map[elements.ID][]Instance, len(s.byTarget))}
	for _, el := range s.g.Elements() {
		list, ok := s.byTarget[el.ID]
		if !ok {
			continue
		}
		list, dups, excluded := postProcess(list)
		s.stats.Duplicates += dups
		s.stats.Excluded += excluded
		if len(list) == 0 {
			continue
		}
		res.lists[el.ID] = list
		res.targets = append(res.targets, el.ID)
	}
	s.stats.Targets = len(res.targets)
	res.stats = s.stats
	return res, nil
}

// markEligible applies the fast path: a module whose reference closure
// does not contain the support library can carry no markers.
func (e *Engine) markEligible(s *resolveState) {
	for _, asm := range s.g.Assemblies() {
		ok := false
		for _, m := range s.p.ReferenceClosure(asm.Module) {
			if m.Name == e.options.SupportModule {
				ok = true
				break
			}
		}
		if ok {
			s.eligible[asm.Module] = true
		} else {
			s.stats.SkippedModules++
		}
	}
}

func (e *Engine) directWave(s *resolveState) error {
	for _, el := range s.g.Elements() {
		if !s.eligible[el.Module] {
			continue
		}
		for idx, attr := range el.CustomAttributes() {
			kind, usage, ok, err := e.aspectKind(s, attr.Type)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			m, err := marker.Parse(string(el.ID), attr, kind, usage, e.options.Defaults)
			if err != nil {
				return err
			}
			s.direct = append(s.direct, Instance{
				Marker: m,
				Origin: Origin{Element: el.ID, Index: idx},
				Target: el.ID,
				Order:  s.directSeq,
			})
			s.directSeq++
		}
		if len(s.direct)%64 == 0 {
			if err := s.ctx.Err(); err != nil {
				return err
			}
		}
	}
	s.stats.Markers = len(s.direct)
	s.stats.Direct = len(s.direct)
	return nil
}

// aspectKind classifies an attribute type once per resolution.
func (e *Engine) aspectKind(s *resolveState, typeName string) (marker.AspectKind, marker.Usage, bool, error) {
	if k, seen := s.kinds[typeName]; seen {
		return k, s.usages[typeName], k != marker.KindNone, nil
	}
	t := s.p.LookupType(typeName)
	if t == nil {
		s.kinds[typeName] = marker.KindNone
		return marker.KindNone, marker.Usage{}, false, nil
	}
	k, err := marker.KindOf(s.p, t)
	if err != nil {
		return marker.KindNone, marker.Usage{}, false, err
	}
	s.kinds[typeName] = k
	if k == marker.KindNone {
		return k, marker.Usage{}, false, nil
	}
	u := marker.UsageOf(s.p, t)
	s.usages[typeName] = u
	return k, u, true, nil
}

type propagation struct {
	inst     Instance
	final    bool
	distance int
	seq      int
}

func (e *Engine) inheritedWave(s *resolveState) error {
	var props []propagation
	add := func(inst Instance, to elements.Reached, final bool) {
		props = append(props, propagation{inst: inst.retarget(to.ID), final: final, distance: to.Distance, seq: len(props)})
	}
	for i, inst := range s.direct {
		switch inst.Marker.Inheritance {
		case marker.InheritMulticast:
			for _, r := range s.g.DerivedClosure(inst.Target) {
				add(inst, r, false)
			}
		case marker.InheritStrict:
			for _, t := range s.finals[i] {
				for _, r := range s.g.DerivedClosure(t) {
					if d, ok := s.g.Element(r.ID); ok && inst.Marker.AppliesTo(d.Target) {
						add(inst, r, true)
					}
				}
			}
		}
	}
	sort.SliceStable(props, func(a, b int) bool {
		if props[a].distance != props[b].distance {
			return props[a].distance < props[b].distance
		}
		return props[a].seq < props[b].seq
	})

	for i, pr := range props {
		inst := pr.inst
		inst.Inherited = true
		inst.Order = i
		inst.Distance = pr.distance

		targets := []elements.ID{inst.Target}
		if !pr.final {
			var err error
			if targets, err = e.expand(s, inst); err != nil {
				return err
			}
		}
		for _, t := range targets {
			s.byTarget[t] = append(s.byTarget[t], inst.retarget(t))
		}
		s.stats.Inherited += len(targets)
	}
	return nil
}

// expand returns the final targets of inst reachable from its nominal
// target through containment.
func (e *Engine) expand(s *resolveState, inst Instance) ([]elements.ID, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	m := inst.Marker
	nominal, ok := s.g.Element(inst.Target)
	if !ok {
		return nil, nil
	}

	starts := []*elements.Element{nominal}
	if nominal.Kind == elements.KindAssembly && !inst.Inherited && !m.Assemblies.IsAny() {
		// An assembly-level marker with an assembly filter reaches every
		// matching assembly of the closure.
		starts = starts[:0]
		for _, asm := range s.g.Assemblies() {
			if s.eligible[asm.Module] {
				starts = append(starts, asm)
			}
		}
	}

	var out []elements.ID
	var walk func(el *elements.Element) error
	walk = func(el *elements.Element) error {
		pass, err := e.accepts(s, inst, el)
		if err != nil || !pass {
			return err
		}
		if m.AppliesTo(el.Target) {
			out = append(out, el.ID)
		}
		if !descends(m, el) {
			return nil
		}
		for _, id := range s.g.Children(el.ID) {
			child, _ := s.g.Element(id)
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, st := range starts {
		if err := walk(st); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const belowType = marker.TargetTypes | marker.TargetMembers | marker.TargetParameter | marker.TargetReturnValue

func descends(m *marker.Marker, el *elements.Element) bool {
	switch el.Kind {
	case elements.KindAssembly, elements.KindType:
		return m.Targets.Any(belowType)
	case elements.KindMethod:
		return m.Targets.Any(marker.TargetParameter | marker.TargetReturnValue)
	default:
		return false
	}
}

// accepts applies the filters of the element's level.
func (e *Engine) accepts(s *resolveState, inst Instance, el *elements.Element) (bool, error) {
	m := inst.Marker
	c := el.Candidate(s.p.Main)
	switch el.Kind {
	case elements.KindAssembly:
		return m.AcceptsAssembly(el.Name), nil
	case elements.KindType:
		return m.AcceptsType(c), nil
	case elements.KindParameter, elements.KindReturnValue:
		return m.AcceptsParameter(c), nil
	}
	if m.Pointcut == "" {
		return m.AcceptsMember(c), nil
	}
	typ, ok := s.g.Element(el.Parent)
	if !ok {
		return false, nil
	}
	sel, err := e.selectMembers(s, inst, typ)
	if err != nil {
		return false, err
	}
	return sel[el.Name], nil
}

// selectMembers runs the pointcut of inst once per applied type.
func (e *Engine) selectMembers(s *resolveState, inst Instance, typ *elements.Element) (map[string]bool, error) {
	key := pointcutKey{origin: inst.Origin, typ: typ.ID}
	if sel, ok := s.selected[key]; ok {
		return sel, nil
	}
	sel := make(map[string]bool)
	s.selected[key] = sel
	if e.options.Pointcuts == nil {
		e.logger.Warn("pointcut marker ignored: no pointcut executor",
			slog.String("origin", inst.Origin.String()), slog.String("pointcut", inst.Marker.Pointcut))
		return sel, nil
	}

	declType, method, _ := pointcut.SplitPointcut(inst.Marker.Pointcut)
	req := pointcut.Request{
		DeclaringType:   declType,
		Method:          method,
		AppliedAssembly: typ.Module.Name,
		AppliedType:     typ.Type.FullName(),
	}
	if dt := s.p.LookupType(declType); dt != nil && dt.Module != nil {
		req.DeclaringAssembly = dt.Module.Name
	} else if at := s.p.LookupType(inst.Marker.AspectType); at != nil && at.Module != nil {
		req.DeclaringAssembly = at.Module.Name
	}
	members, err := e.options.Pointcuts.Select(s.ctx, req)
	if err != nil {
		return nil, weaveerr.Marker(string(inst.Origin.Element), marker.ArgPointcut, fmt.Errorf("%s: %w", req, err))
	}
	for _, mem := range members {
		if mem.Type == "" || mem.Type == typ.Type.FullName() {
			sel[mem.Name] = true
		}
	}
	e.logger.Debug("pointcut selected members",
		slog.String("request", req.String()), slog.Int("members", len(sel)))
	return sel, nil
}

// postProcess deduplicates, orders and applies exclusion to one target's
// list.
func postProcess(list []Instance) (out []Instance, duplicates, excluded int) {
	list = slices.Clone(list)
	sort.SliceStable(list, func(a, b int) bool { return list[a].less(list[b]) })

	seen := make(map[Origin]bool, len(list))
	out = list[:0]
	for _, inst := range list {
		if seen[inst.Origin] {
			duplicates++
			continue
		}
		seen[inst.Origin] = true
		out = append(out, inst)
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].Marker.Priority < out[b].Marker.Priority })

	// An exclusion removes every instance of its aspect type, itself
	// included; the scan restarts from the top after each removal.
	for {
		i := slices.IndexFunc(out, func(inst Instance) bool { return inst.Marker.Exclude })
		if i < 0 {
			break
		}
		typ := out[i].Marker.AspectType
		before := len(out)
		out = slices.DeleteFunc(out, func(inst Instance) bool { return inst.Marker.AspectType == typ })
		excluded += before - len(out)
	}
	return out, duplicates, excluded
}
