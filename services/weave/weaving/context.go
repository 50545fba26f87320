// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaving rewrites method bodies so that resolved aspect instances
// run at their join points.
//
// One weaver exists per aspect kind. Boundary aspects wrap a method body in
// place; interception, location and event aspects move the current
// implementation into a synthetic original and route calls through a
// generated binding class. Multiple aspects on one element are applied
// innermost first, so the first instance in resolution order ends up as the
// outermost layer.
package weaving

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/Inverness/Spinner-sub001/services/weave/elements"
	"github.com/Inverness/Spinner-sub001/services/weave/features"
	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/multicast"
)

var weavingTracer = otel.Tracer("spinner.weave.weaving")

// Options configures a Context.
type Options struct {
	// Logger receives per-target debug output. Nil uses slog.Default().
	Logger *slog.Logger

	// Analyzer supplies aspect descriptors. Nil creates one over the
	// context's program with recording enabled.
	Analyzer *features.Analyzer
}

// Option configures Options.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithAnalyzer shares an existing feature analyzer.
func WithAnalyzer(a *features.Analyzer) Option {
	return func(o *Options) { o.Analyzer = a }
}

// Stats counts what a Context produced.
type Stats struct {
	Targets      int
	Applied      map[string]int
	Originals    int
	Bindings     int
	AspectFields int
	Redirected   int
}

// Context is the shared state of one weaving run.
//
// Description:
//
//	A Context binds the program, its element graph and the multicast
//	resolution, and owns everything weavers share: descriptors, per-type
//	locks, synthetic name allocation and the aspect field cache. It lives
//	for one build.
//
// Thread Safety:
//
//	WeaveType may run concurrently for different types. Work on one type
//	is serialised by a per-type lock; the caches take the context mutex.
type Context struct {
	Program    *il.Program
	Graph      *elements.Graph
	Resolution *multicast.Resolution

	analyzer *features.Analyzer
	logger   *slog.Logger
	locks    *lockTable

	mu           sync.Mutex
	descriptors  map[string]*features.Descriptor
	aspectFields map[aspectKey]*il.FieldRef
	rawEvents    map[*il.MethodDef]bool
	events       map[*il.EventDef]*eventSource
	stats        Stats
}

type aspectKey struct {
	target elements.ID
	origin multicast.Origin
}

// NewContext creates a weaving context.
func NewContext(g *elements.Graph, res *multicast.Resolution, opts ...Option) *Context {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := g.Program()
	analyzer := o.Analyzer
	if analyzer == nil {
		analyzer = features.NewAnalyzer(p, features.WithLogger(logger))
	}
	return &Context{
		Program:      p,
		Graph:        g,
		Resolution:   res,
		analyzer:     analyzer,
		logger:       logger.With(slog.String("component", "weaving")),
		locks:        newLockTable(),
		descriptors:  make(map[string]*features.Descriptor),
		aspectFields: make(map[aspectKey]*il.FieldRef),
		rawEvents:    make(map[*il.MethodDef]bool),
		events:       make(map[*il.EventDef]*eventSource),
		stats:        Stats{Applied: make(map[string]int)},
	}
}

// Prepare analyzes every aspect type the resolution uses. Weavers read
// descriptors only after Prepare, so no advice body is inspected while
// another goroutine rewrites it.
func (c *Context) Prepare(ctx context.Context) error {
	ctx, span := weavingTracer.Start(ctx, "weaving.Context.Prepare")
	defer span.End()

	for _, id := range c.Resolution.Targets() {
		for _, inst := range c.Resolution.Resolve(id) {
			if _, err := c.prepare(ctx, inst.AspectType()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Context) prepare(ctx context.Context, aspect string) (*features.Descriptor, error) {
	c.mu.Lock()
	d, ok := c.descriptors[aspect]
	c.mu.Unlock()
	if ok {
		return d, nil
	}
	t, err := c.Program.ResolveType(aspect)
	if err != nil {
		return nil, err
	}
	d, err = c.analyzer.Analyze(ctx, t)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.descriptors[aspect] = d
	c.mu.Unlock()
	return d, nil
}

// Descriptor returns the analyzed form of an aspect type.
func (c *Context) Descriptor(ctx context.Context, aspect string) (*features.Descriptor, error) {
	return c.prepare(ctx, aspect)
}

// Work is the set of targets declared by one type.
type Work struct {
	Type    *il.TypeDef
	Targets []*elements.Element
}

// Plan groups the resolved targets by declaring type, in graph order.
// Each Work item can be woven independently of the others.
func (c *Context) Plan() ([]Work, error) {
	var out []Work
	index := make(map[*il.TypeDef]int)
	for _, id := range c.Resolution.Targets() {
		el, ok := c.Graph.Element(id)
		if !ok {
			return nil, fmt.Errorf("target %s is not in the element graph", id)
		}
		t := el.Type
		if t == nil {
			continue
		}
		i, seen := index[t]
		if !seen {
			i = len(out)
			index[t] = i
			out = append(out, Work{Type: t})
		}
		out[i].Targets = append(out[i].Targets, el)
	}
	return out, nil
}

// Stats returns a snapshot of the run's counters.
func (c *Context) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Applied = make(map[string]int, len(c.stats.Applied))
	for k, v := range c.stats.Applied {
		s.Applied[k] = v
	}
	return s
}

func (c *Context) count(f func(s *Stats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

// UniqueName returns base, or base with a numeric suffix, such that no
// method, field or nested type of t uses it.
func (c *Context) UniqueName(t *il.TypeDef, base string) string {
	taken := func(name string) bool {
		return len(t.MethodsNamed(name)) > 0 || t.FindField(name) != nil || t.FindNestedType(name) != nil
	}
	if !taken(base) {
		return base
	}
	for i := 1; ; i++ {
		if n := base + strconv.Itoa(i); !taken(n) {
			return n
		}
	}
}

// keepEventReads records methods that must read event delegates directly:
// moved subscription accessors, invokers and invoker getters. Every other
// method of the declaring type, moved originals included, is redirected.
func (c *Context) keepEventReads(ms ...*il.MethodDef) {
	c.mu.Lock()
	for _, m := range ms {
		c.rawEvents[m] = true
	}
	c.mu.Unlock()
}

func (c *Context) readsEventsRaw(m *il.MethodDef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rawEvents[m]
}
