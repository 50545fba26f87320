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

	"github.com/Inverness/Spinner-sub001/services/weave/elements"
	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/marker"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	"github.com/Inverness/Spinner-sub001/services/weave/weaveerr"
)

// boundaryWeaver wraps a method body in place with the boundary advice
// an aspect calls. State machine methods are redirected to their MoveNext.
type boundaryWeaver struct{}

func (boundaryWeaver) kind() marker.AspectKind { return marker.KindBoundary }

func (w boundaryWeaver) weave(ctx context.Context, c *Context, el *elements.Element, s *aspectSite) error {
	if el.Kind != elements.KindMethod {
		return mismatch(el, s)
	}
	m := el.Method
	if !hasBody(m) {
		c.logger.Debug("boundary target has no body", slog.String("target", string(el.ID)))
		return nil
	}
	sm, err := DescribeStateMachine(c.Program, m)
	if err != nil {
		return weaveerr.Weaving(string(el.ID), "state-machine", err)
	}
	if sm != nil {
		return weaveStateMachine(c, sm, s)
	}
	return weaveBoundary(c, m, s)
}

func hasBody(m *il.MethodDef) bool {
	return m.Body != nil && len(m.Body.Instructions) > 0 && !m.IsAbstract() && !m.IsRuntime()
}

// checkShape rejects bodies the shell cannot wrap: control must never
// fall off the end, and no ret may sit inside a protected region.
func checkShape(b *il.MethodBody) error {
	last := -1
	for i := len(b.Instructions) - 1; i >= 0; i-- {
		if b.Instructions[i].Op != il.OpLabel && b.Instructions[i].Op != il.OpNop {
			last = i
			break
		}
	}
	if last < 0 {
		return fmt.Errorf("empty body: %w", weaveerr.ErrUnsupported)
	}
	switch b.Instructions[last].Op {
	case il.OpRet, il.OpBr, il.OpThrow, il.OpRethrow:
	default:
		return fmt.Errorf("body ends with %s: %w", b.Instructions[last].Op, weaveerr.ErrUnsupported)
	}
	pos := b.LabelPositions()
	for i, in := range b.Instructions {
		if in.Op != il.OpRet {
			continue
		}
		for _, h := range b.Handlers {
			if within(pos, i, h.TryStart, h.TryEnd) || within(pos, i, h.HandlerStart, h.HandlerEnd) {
				return fmt.Errorf("ret at %d inside a protected region: %w", i, weaveerr.ErrUnsupported)
			}
		}
	}
	return nil
}

func within(pos map[il.Label]int, i int, start, end il.Label) bool {
	s, ok1 := pos[start]
	e, ok2 := pos[end]
	return ok1 && ok2 && i >= s && i < e
}

// weaveBoundary rewrites m's body into:
//
//	env = new MethodExecutionArgs(instance, args)
//	try {
//	retry:
//	    OnEntry(env)            // FlowBehavior.Return skips the body
//	    try {
//	        <body, each ret a leave to success>
//	    } catch (Exception ex) {
//	        [FilterException] OnException(env)
//	        // Continue and Return leave, Retry restarts, otherwise rethrow
//	    }
//	success:
//	    OnSuccess(env)
//	} finally {
//	    OnExit(env)
//	}
//	return
//
// Only the advice the aspect calls and the envelope members its advice
// reads are emitted.
func weaveBoundary(c *Context, m *il.MethodDef, s *aspectSite) error {
	d := s.desc
	id := string(elements.MethodID(m))
	body := m.Body
	if err := checkShape(body); err != nil {
		return weaveerr.Weaving(id, "body-shape", err)
	}

	onEntry := d.Calls(runtime.AdviceOnEntry)
	onSuccess := d.Calls(runtime.AdviceOnSuccess)
	onException := d.Calls(runtime.AdviceOnException)
	onExit := d.Calls(runtime.AdviceOnExit)
	filter := onException && d.Calls(runtime.AdviceFilterException)
	if !onEntry && !onSuccess && !onException && !onExit {
		return nil
	}
	flow := d.Requires(runtime.FeatureFlowControl)
	hasRet := !m.ReturnType.IsVoid()
	useRet := hasRet && d.Requires(runtime.FeatureReturnValue)
	useArgs := len(m.Parameters) > 0 &&
		(d.Requires(runtime.FeatureArguments) || flow && onException)
	r := newRecord(m, m.Parameters)

	original := body.Instructions
	e := il.NewEmitter(body)
	env := e.Local("<>z__env", il.TypeSig(mea))
	ret, exc, rec, flowLoc := -1, -1, -1, -1
	if hasRet {
		ret = e.Local("<>z__ret", m.ReturnType)
	}
	if onException {
		exc = e.Local("<>z__exc", runtime.ExceptionSig)
	}
	if useArgs {
		rec = e.Local("<>z__args", runtime.ArgumentsSig)
	}
	if flow && onException {
		flowLoc = e.Local("<>z__flow", runtime.FlowBehaviorSig)
	}
	loadRec := loader(e, rec)
	loadEnv := loader(e, env)

	// takeReturn moves the envelope's return value into the return local.
	takeReturn := func() {
		if !hasRet {
			return
		}
		if useRet {
			e.LdLoc(env)
			e.Call(il.OpCallVirt, meaGetReturnValue)
			emitConvert(e, m.ReturnType)
		} else {
			e.LdDefault(m.ReturnType)
		}
		e.StLoc(ret)
	}
	storeReturn := func() {
		e.LdLoc(env)
		e.LdLoc(ret)
		emitBox(e, m.ReturnType)
		e.Call(il.OpCallVirt, meaSetReturnValue)
	}

	if useArgs {
		r.emitFromParams(e)
		e.StLoc(rec)
	}
	if d.Requires(runtime.FeatureInstance) {
		emitInstance(e, m)
	} else {
		e.Op(il.OpLdNull)
	}
	if useArgs {
		e.LdLoc(rec)
	} else {
		e.Op(il.OpLdNull)
	}
	e.Call(il.OpNewObj, meaCtor)
	e.StLoc(env)
	if d.Requires(runtime.FeatureMemberInfo) {
		e.LdLoc(env)
		e.Token(m.Ref())
		e.Call(il.OpCallVirt, meaSetMethod)
	}

	lReturn, lSuccess, lRetry := e.NewLabel(), e.NewLabel(), e.NewLabel()
	outerStart := e.NewLabel()
	if onExit {
		e.Mark(outerStart)
	}
	e.Mark(lRetry)
	if onEntry {
		s.emitAdvice(e, runtime.AdviceOnEntry, loadEnv)
		if flow {
			proceed := e.NewLabel()
			e.LdLoc(env)
			e.Call(il.OpCallVirt, meaGetFlow)
			e.LdcI(int64(runtime.FlowReturn))
			e.Op(il.OpCeq)
			e.Branch(il.OpBrFalse, proceed)
			takeReturn()
			e.Branch(il.OpLeave, lReturn)
			e.Mark(proceed)
		}
	}
	if useArgs {
		r.emitToParams(e, loadRec, false)
	}

	innerStart := e.NewLabel()
	if onException {
		e.Mark(innerStart)
	}
	for _, in := range original {
		if in.Op == il.OpRet {
			if hasRet {
				e.StLoc(ret)
			}
			e.Branch(il.OpLeave, lSuccess)
			continue
		}
		e.Append(in)
	}

	if onException {
		innerEnd, hStart, hEnd := e.NewLabel(), e.NewLabel(), e.NewLabel()
		e.Mark(innerEnd)
		e.Mark(hStart)
		e.StLoc(exc)
		if filter {
			handle := e.NewLabel()
			s.emitLoad(e)
			e.LdLoc(env)
			e.LdLoc(exc)
			e.Call(il.OpCallVirt, d.Advice[runtime.AdviceFilterException].Ref())
			e.Branch(il.OpBrTrue, handle)
			e.Op(il.OpRethrow)
			e.Mark(handle)
		}
		e.LdLoc(env)
		e.LdLoc(exc)
		e.Call(il.OpCallVirt, meaSetException)
		s.emitAdvice(e, runtime.AdviceOnException, loadEnv)
		if flow {
			lResume, lRestart := e.NewLabel(), e.NewLabel()
			e.LdLoc(env)
			e.Call(il.OpCallVirt, meaGetFlow)
			e.StLoc(flowLoc)
			for _, f := range []runtime.FlowBehavior{runtime.FlowContinue, runtime.FlowReturn} {
				e.LdLoc(flowLoc)
				e.LdcI(int64(f))
				e.Op(il.OpCeq)
				e.Branch(il.OpBrTrue, lResume)
			}
			e.LdLoc(flowLoc)
			e.LdcI(int64(runtime.FlowRetry))
			e.Op(il.OpCeq)
			e.Branch(il.OpBrTrue, lRestart)
			e.Op(il.OpRethrow)

			e.Mark(lResume)
			if useArgs && r.hasByRef() {
				r.emitRefreshByRef(e, loadRec)
			}
			takeReturn()
			e.Branch(il.OpLeave, lReturn)

			e.Mark(lRestart)
			e.LdLoc(env)
			e.LdcI(int64(runtime.FlowDefault))
			e.Call(il.OpCallVirt, meaSetFlow)
			e.LdLoc(env)
			e.Op(il.OpLdNull)
			e.Call(il.OpCallVirt, meaSetException)
			e.Branch(il.OpLeave, lRetry)
		} else {
			e.Op(il.OpRethrow)
		}
		e.Mark(hEnd)
		e.Handler(&il.ExceptionHandler{
			Kind:         il.HandlerCatch,
			TryStart:     innerStart,
			TryEnd:       innerEnd,
			HandlerStart: hStart,
			HandlerEnd:   hEnd,
			CatchType:    runtime.ExceptionSig,
		})
	}

	e.Mark(lSuccess)
	if useArgs && r.hasByRef() {
		r.emitRefreshByRef(e, loadRec)
	}
	if onSuccess {
		if useRet {
			storeReturn()
		}
		s.emitAdvice(e, runtime.AdviceOnSuccess, loadEnv)
		if useRet {
			takeReturn()
		}
	}
	e.Branch(il.OpLeave, lReturn)

	if onExit {
		outerEnd, fStart, fEnd := e.NewLabel(), e.NewLabel(), e.NewLabel()
		e.Mark(outerEnd)
		e.Mark(fStart)
		if useRet {
			storeReturn()
		}
		s.emitAdvice(e, runtime.AdviceOnExit, loadEnv)
		e.Op(il.OpEndFinally)
		e.Mark(fEnd)
		e.Handler(&il.ExceptionHandler{
			Kind:         il.HandlerFinally,
			TryStart:     outerStart,
			TryEnd:       outerEnd,
			HandlerStart: fStart,
			HandlerEnd:   fEnd,
		})
	}

	e.Mark(lReturn)
	if useRet && onExit {
		takeReturn()
	}
	if useArgs && r.hasByRef() {
		r.emitToParams(e, loadRec, true)
	}
	if hasRet {
		e.LdLoc(ret)
	}
	e.Op(il.OpRet)
	e.Install()
	return nil
}
