// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify checks the structure of woven method bodies.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Inverness/Spinner-sub001/services/weave/elements"
	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	"github.com/Inverness/Spinner-sub001/services/weave/weaveerr"
)

var verifyTracer = otel.Tracer("spinner.weave.verify")

// Rules checked by the verifier.
const (
	RuleLabelUnique     = "label-unique"
	RuleLabelMarked     = "label-marked"
	RuleHandlerOrder    = "handler-order"
	RuleCatchType       = "catch-type"
	RuleRetInRegion     = "ret-in-protected-region"
	RuleTerminator      = "terminator"
	RuleArgumentRange   = "argument-range"
	RuleLocalRange      = "local-range"
	RuleMemberResolves  = "member-resolves"
	RuleArgumentsRecord = "arguments-record"
)

// DefaultMaxViolations bounds the violations collected by one run.
const DefaultMaxViolations = 50

// Options configures a Verifier.
type Options struct {
	Logger        *slog.Logger
	MaxViolations int
}

// Option configures Options.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMaxViolations sets how many violations are collected before the
// verifier stops.
func WithMaxViolations(n int) Option {
	return func(o *Options) { o.MaxViolations = n }
}

// Verifier checks method bodies of the main module after weaving.
//
// Thread Safety:
//
//	A Verifier is immutable; Verify may be called concurrently on
//	different programs.
type Verifier struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Verifier.
func New(opts ...Option) *Verifier {
	o := Options{MaxViolations: DefaultMaxViolations}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MaxViolations <= 0 {
		o.MaxViolations = DefaultMaxViolations
	}
	return &Verifier{opts: o, logger: o.Logger.With(slog.String("component", "verify"))}
}

// Verify checks every method body of the main module.
//
// Description:
//
//	Each body is checked for label integrity, handler region order, ret
//	placement, a terminating last instruction, argument and local index
//	ranges, resolvable member operands and argument record arity.
//
// Outputs:
//
//	error - nil when every body is well formed, otherwise the
//	*weaveerr.InvariantViolation values joined with errors.Join.
func (v *Verifier) Verify(ctx context.Context, p *il.Program) error {
	ctx, span := verifyTracer.Start(ctx, "verify.Verifier.Verify")
	defer span.End()

	var errs []error
	methods := 0
types:
	for _, t := range p.Main.AllTypes() {
		for _, m := range t.Methods {
			if m.Body == nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			methods++
			errs = append(errs, v.Method(p, m)...)
			if len(errs) >= v.opts.MaxViolations {
				errs = errs[:v.opts.MaxViolations]
				break types
			}
		}
	}
	span.SetAttributes(
		attribute.Int("methods", methods),
		attribute.Int("violations", len(errs)),
	)
	if len(errs) == 0 {
		v.logger.Debug("program verified", slog.Int("methods", methods))
		return nil
	}
	err := errors.Join(errs...)
	span.RecordError(err)
	span.SetStatus(codes.Error, "invariant violations")
	v.logger.Warn("verification failed",
		slog.Int("methods", methods),
		slog.Int("violations", len(errs)))
	return err
}

// Method checks one method body and returns its violations.
func (v *Verifier) Method(p *il.Program, m *il.MethodDef) []error {
	id := string(elements.MethodID(m))
	b := m.Body
	var errs []error
	fail := func(rule, format string, args ...any) {
		errs = append(errs, weaveerr.Invariant(id, rule, format, args...))
	}

	pos := make(map[il.Label]int)
	for i, in := range b.Instructions {
		if in.Op != il.OpLabel {
			continue
		}
		if prev, ok := pos[in.Label]; ok {
			fail(RuleLabelUnique, "label %d marked at %d and %d", in.Label, prev, i)
			continue
		}
		pos[in.Label] = i
	}
	marked := func(l il.Label, where string) bool {
		if _, ok := pos[l]; !ok {
			fail(RuleLabelMarked, "%s references unmarked label %d", where, l)
			return false
		}
		return true
	}

	nargs := len(m.Parameters)
	if m.HasThis() {
		nargs++
	}
	for i, in := range b.Instructions {
		switch {
		case in.Op == il.OpSwitch:
			for _, l := range in.Labels {
				marked(l, in.Op.String())
			}
		case in.Op.IsBranch():
			marked(in.Label, in.Op.String())
		case in.Op == il.OpLdArg || in.Op == il.OpLdArgA || in.Op == il.OpStArg:
			if in.Int < 0 || int(in.Int) >= nargs {
				fail(RuleArgumentRange, "%s %d at %d, method has %d arguments", in.Op, in.Int, i, nargs)
			}
		case in.Op == il.OpLdLoc || in.Op == il.OpLdLocA || in.Op == il.OpStLoc:
			if in.Int < 0 || int(in.Int) >= len(b.Locals) {
				fail(RuleLocalRange, "%s %d at %d, body has %d locals", in.Op, in.Int, i, len(b.Locals))
			}
		}
		if in.Method != nil {
			if _, err := p.ResolveMethod(in.Method); err != nil {
				fail(RuleMemberResolves, "%s at %d: %v", in.Op, i, err)
			}
		}
		if in.Field != nil && !checkRecordSlot(in.Field, i, fail) {
			if _, err := p.ResolveField(in.Field); err != nil {
				fail(RuleMemberResolves, "%s at %d: %v", in.Op, i, err)
			}
		}
	}

	for i, h := range b.Handlers {
		where := h.Kind.String() + " handler"
		ok := marked(h.TryStart, where)
		ok = marked(h.TryEnd, where) && ok
		ok = marked(h.HandlerStart, where) && ok
		ok = marked(h.HandlerEnd, where) && ok
		if !ok {
			continue
		}
		if !(pos[h.TryStart] < pos[h.TryEnd] && pos[h.TryEnd] <= pos[h.HandlerStart] && pos[h.HandlerStart] < pos[h.HandlerEnd]) {
			fail(RuleHandlerOrder, "handler %d regions out of order", i)
		}
		if h.Kind == il.HandlerCatch && h.CatchType == "" {
			fail(RuleCatchType, "catch handler %d has no catch type", i)
		}
	}

	for i, in := range b.Instructions {
		if in.Op != il.OpRet {
			continue
		}
		for _, h := range b.Handlers {
			if inRange(pos, i, h.TryStart, h.TryEnd) || inRange(pos, i, h.HandlerStart, h.HandlerEnd) {
				fail(RuleRetInRegion, "ret at %d", i)
				break
			}
		}
	}

	last := -1
	for i := len(b.Instructions) - 1; i >= 0; i-- {
		if op := b.Instructions[i].Op; op != il.OpLabel && op != il.OpNop {
			last = i
			break
		}
	}
	switch {
	case last < 0:
		fail(RuleTerminator, "empty body")
	case !b.Instructions[last].Op.IsTerminator():
		fail(RuleTerminator, "body ends with %s", b.Instructions[last].Op)
	}
	return errs
}

// checkRecordSlot checks a slot access on a fixed-arity argument record
// against the record's arity. It reports whether f names such a slot.
func checkRecordSlot(f *il.FieldRef, at int, fail func(rule, format string, args ...any)) bool {
	if !strings.HasPrefix(f.Type, runtime.ArgumentsType) || !strings.HasPrefix(f.Name, "Item") {
		return false
	}
	n, err1 := strconv.Atoi(strings.TrimPrefix(f.Type, runtime.ArgumentsType))
	slot, err2 := strconv.Atoi(strings.TrimPrefix(f.Name, "Item"))
	if err1 != nil || err2 != nil || n > runtime.MaxFixedArgumentsLen {
		return false
	}
	if slot < 0 || slot >= n {
		fail(RuleArgumentsRecord, "slot %d at %d is outside a record of %d values", slot, at, n)
	}
	return true
}

func inRange(pos map[il.Label]int, i int, start, end il.Label) bool {
	s, ok1 := pos[start]
	e, ok2 := pos[end]
	return ok1 && ok2 && i >= s && i < e
}
