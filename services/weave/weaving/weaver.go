// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaving

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Inverness/Spinner-sub001/services/weave/elements"
	"github.com/Inverness/Spinner-sub001/services/weave/marker"
	"github.com/Inverness/Spinner-sub001/services/weave/weaveerr"
)

// weaver applies one aspect instance of its kind to one element.
type weaver interface {
	kind() marker.AspectKind
	weave(ctx context.Context, c *Context, el *elements.Element, s *aspectSite) error
}

var weavers = func() map[marker.AspectKind]weaver {
	m := make(map[marker.AspectKind]weaver)
	for _, w := range []weaver{boundaryWeaver{}, interceptionWeaver{}, locationWeaver{}, eventWeaver{}} {
		m[w.kind()] = w
	}
	return m
}()

// Weave prepares descriptors and weaves every planned type in order.
// Callers wanting parallelism use Plan and WeaveType directly.
func (c *Context) Weave(ctx context.Context) error {
	if err := c.Prepare(ctx); err != nil {
		return err
	}
	plan, err := c.Plan()
	if err != nil {
		return err
	}
	for _, w := range plan {
		if err := c.WeaveType(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// WeaveType applies the resolved aspects of every target in w.
//
// Description:
//
//	Each target's instances are applied innermost first: the last instance
//	in resolution order wraps the original code and the first wraps
//	everything else. Stopping at the first error leaves the type partially
//	woven; the caller discards the program.
//
// Thread Safety:
//
//	Safe to call concurrently for different Work items. Calls for the same
//	type serialise on the type's lock.
func (c *Context) WeaveType(ctx context.Context, w Work) error {
	unlock := c.locks.Lock(w.Type.FullName())
	defer unlock()

	ctx, span := weavingTracer.Start(ctx, "weaving.Context.WeaveType")
	defer span.End()
	span.SetAttributes(
		attribute.String("type", w.Type.FullName()),
		attribute.Int("targets", len(w.Targets)),
	)

	for _, el := range w.Targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.weaveTarget(ctx, el); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

func (c *Context) weaveTarget(ctx context.Context, el *elements.Element) error {
	insts := c.Resolution.Resolve(el.ID)
	if el.Type == nil {
		return weaveerr.Weaving(string(el.ID), "aspect-target",
			fmt.Errorf("%s has no declaring type: %w", el.Kind, weaveerr.ErrUnsupported))
	}
	for i := len(insts) - 1; i >= 0; i-- {
		s, err := c.site(ctx, el.Type, el.ID, insts[i])
		if err != nil {
			return err
		}
		w, ok := weavers[s.desc.Kind]
		if !ok {
			return weaveerr.Weaving(string(el.ID), "aspect-kind",
				fmt.Errorf("no weaver for %s aspects: %w", s.desc.Kind, weaveerr.ErrUnsupported))
		}
		if err := w.weave(ctx, c, el, s); err != nil {
			return err
		}
		kind := s.desc.Kind.String()
		c.count(func(st *Stats) { st.Applied[kind]++ })
	}
	c.count(func(st *Stats) { st.Targets++ })
	c.logger.Debug("target woven",
		slog.String("target", string(el.ID)),
		slog.Int("aspects", len(insts)))
	return nil
}
