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

// eventWeaver routes event subscription through OnAddHandler and
// OnRemoveHandler. For field-like events whose aspect overrides
// OnInvokeHandler, raising the event is routed through an invoker that
// calls the advice once per subscribed handler.
type eventWeaver struct{}

func (eventWeaver) kind() marker.AspectKind { return marker.KindEvent }

// eventSource is how code of the declaring type currently reads an
// event's delegate: the backing field, or after an invoker was woven, the
// accessor returning that invoker.
type eventSource struct {
	field  *il.FieldRef
	static bool
	getter *il.MethodRef
}

// emitLoad pushes the delegate the source yields.
func (src *eventSource) emitLoad(e *il.Emitter) {
	if !src.static {
		e.LdArg(0)
	}
	switch {
	case src.getter != nil:
		e.Call(il.OpCall, src.getter)
	case src.static:
		e.Field(il.OpLdSFld, src.field)
	default:
		e.Field(il.OpLdFld, src.field)
	}
}

// reads reports whether in reads the delegate through this source.
func (src *eventSource) reads(in *il.Instruction) bool {
	if src.getter != nil {
		return in.Op == il.OpCall && in.Method != nil &&
			in.Method.FullName() == src.getter.FullName() && len(in.Method.Params) == 0
	}
	want := il.OpLdFld
	if src.static {
		want = il.OpLdSFld
	}
	return in.Op == want && in.Field != nil && *in.Field == *src.field
}

func (eventWeaver) weave(_ context.Context, c *Context, el *elements.Element, s *aspectSite) error {
	if el.Kind != elements.KindEvent {
		return mismatch(el, s)
	}
	ev := el.Event
	host := ev.DeclaringType
	add, remove := ev.AddMethod(), ev.RemoveMethod()
	if add == nil || remove == nil || !hasBody(add) || !hasBody(remove) {
		c.logger.Debug("event target has no accessor bodies", slog.String("target", string(el.ID)))
		return nil
	}
	dt, err := c.Program.ResolveType(string(ev.DelegateType))
	if err != nil {
		return weaveerr.Weaving(string(el.ID), "event-delegate", err)
	}
	invokes := dt.MethodsNamed("Invoke")
	if len(invokes) != 1 {
		return weaveerr.Weaving(string(el.ID), "event-delegate",
			fmt.Errorf("%s has %d Invoke methods: %w", dt.FullName(), len(invokes), weaveerr.ErrUnsupported))
	}
	invoke := invokes[0]

	origAdd := c.moveToOriginal(add)
	origRemove := c.moveToOriginal(remove)
	c.keepEventReads(origAdd, origRemove)

	accessor := func(decl *il.MethodRef, orig *il.MethodDef) *il.MethodDef {
		m := override(decl, "instance", "handler")
		e := il.NewEmitter(m.Body)
		if orig.HasThis() {
			emitBoundInstance(e, host)
		}
		e.LdArg(2)
		e.Type(il.OpCastClass, ev.DelegateType)
		e.Call(il.OpCall, orig.Ref())
		e.Op(il.OpRet)
		e.Install()
		return m
	}
	invokeHandler := override(runtime.EventBindingInvokeHandler, "instance", "handler", "args")
	e := il.NewEmitter(invokeHandler.Body)
	e.LdArg(2)
	e.Type(il.OpCastClass, ev.DelegateType)
	r := newRecord(invoke, invoke.Parameters)
	for i := range invoke.Parameters {
		r.emitGet(e, func() { e.LdArg(3) }, i)
	}
	e.Call(il.OpCallVirt, invoke.Ref())
	if invoke.ReturnType.IsVoid() {
		e.Op(il.OpLdNull)
	} else {
		emitBox(e, invoke.ReturnType)
	}
	e.Op(il.OpRet)
	e.Install()

	binding, err := c.newBinding(host, "<"+ev.Name+">z__EventBinding", runtime.EventBindingType,
		accessor(runtime.EventBindingAddHandler, origAdd),
		accessor(runtime.EventBindingRemoveHandler, origRemove),
		invokeHandler)
	if err != nil {
		return weaveerr.Weaving(string(el.ID), "binding", err)
	}

	// prologue creates the envelope for handler h and leaves it in a local.
	prologue := func(e *il.Emitter, static bool, h func()) int {
		env := e.Local("<>z__env", il.TypeSig(eia))
		if static {
			e.Op(il.OpLdNull)
		} else {
			e.LdArg(0)
		}
		h()
		e.Field(il.OpLdSFld, binding)
		e.Call(il.OpNewObj, eiaCtor)
		e.StLoc(env)
		if s.desc.Requires(runtime.FeatureMemberInfo) {
			e.LdLoc(env)
			emitMemberInfo(e, runtime.MemberEvent, host.FullName(), ev.Name)
			e.Call(il.OpCallVirt, eiaSetEvent)
		}
		return env
	}
	for _, a := range []struct {
		m    *il.MethodDef
		kind runtime.AdviceKind
	}{{add, runtime.AdviceOnAddHandler}, {remove, runtime.AdviceOnRemoveHandler}} {
		e := il.NewEmitter(a.m.Body)
		value := a.m.ArgIndex(len(a.m.Parameters) - 1)
		env := prologue(e, a.m.IsStatic(), func() { e.LdArg(value) })
		s.emitAdvice(e, a.kind, loader(e, env))
		e.Op(il.OpRet)
		e.Install()
	}

	adv := s.desc.Advice[runtime.AdviceOnInvokeHandler]
	field := ev.Field()
	if adv == nil || !adv.Overridden {
		return nil
	}
	if field == nil {
		c.logger.Debug("event has no backing field; raising is not intercepted", slog.String("target", string(el.ID)))
		return nil
	}
	src := c.eventSource(ev, field)

	invoker := &il.MethodDef{
		Name:       c.UniqueName(host, "<"+ev.Name+">z__Invoke"),
		Visibility: il.VisPrivate,
		Flags:      il.MethodCompilerGenerated,
		ReturnType: invoke.ReturnType,
		Body:       &il.MethodBody{},
	}
	for _, p := range invoke.Parameters {
		cp := *p
		invoker.Parameters = append(invoker.Parameters, &cp)
	}
	static := field.IsStatic()
	if static {
		invoker.Flags |= il.MethodStatic
	}
	e = il.NewEmitter(invoker.Body)
	del := e.Local("<>z__delegate", runtime.DelegateSig)
	list := e.Local("<>z__handlers", runtime.DelegateSig.ArrayOf())
	i := e.Local("<>z__i", il.Int32)
	result := -1
	if !invoke.ReturnType.IsVoid() {
		result = e.Local("<>z__result", invoke.ReturnType)
	}
	loop, end := e.NewLabel(), e.NewLabel()
	src.emitLoad(e)
	e.StLoc(del)
	e.LdLoc(del)
	e.Branch(il.OpBrFalse, end)
	e.LdLoc(del)
	e.Call(il.OpCall, getInvocationList)
	e.StLoc(list)
	e.LdcI(0)
	e.StLoc(i)
	e.Mark(loop)
	e.LdLoc(i)
	e.LdLoc(list)
	e.Op(il.OpLdLen)
	e.Op(il.OpClt)
	e.Branch(il.OpBrFalse, end)
	env := prologue(e, static, func() {
		e.LdLoc(list)
		e.LdLoc(i)
		e.Op(il.OpLdElem)
	})
	e.LdLoc(env)
	newRecord(invoker, invoker.Parameters).emitFromParams(e)
	e.Call(il.OpCallVirt, eiaSetArguments)
	s.emitAdvice(e, runtime.AdviceOnInvokeHandler, loader(e, env))
	if result >= 0 {
		e.LdLoc(env)
		e.Call(il.OpCallVirt, eiaGetReturnValue)
		emitConvert(e, invoke.ReturnType)
		e.StLoc(result)
	}
	e.LdLoc(i)
	e.LdcI(1)
	e.Op(il.OpAdd)
	e.StLoc(i)
	e.Branch(il.OpBr, loop)
	e.Mark(end)
	if result >= 0 {
		e.LdLoc(result)
	}
	e.Op(il.OpRet)
	e.Install()
	c.Program.AddMethod(host, invoker)

	cache := &il.FieldDef{
		Name:       c.UniqueName(host, "<"+ev.Name+">z__InvokerDelegate"),
		Type:       ev.DelegateType,
		Visibility: il.VisPrivate,
		Flags:      il.FieldCompilerGenerated,
	}
	if static {
		cache.Flags |= il.FieldStatic
	}
	c.Program.AddField(host, cache)

	getter := &il.MethodDef{
		Name:       c.UniqueName(host, "<"+ev.Name+">z__GetInvoker"),
		Visibility: il.VisPrivate,
		Flags:      il.MethodCompilerGenerated,
		ReturnType: ev.DelegateType,
		Body:       &il.MethodBody{},
	}
	if static {
		getter.Flags |= il.MethodStatic
	}
	emitInvokerGetter(il.NewEmitter(getter.Body), src, cache.Ref(), static, invoker, ev.DelegateType)
	c.Program.AddMethod(host, getter)
	c.keepEventReads(invoker, getter)

	redirected := c.redirect(host, src, getter.Ref())
	c.mu.Lock()
	src.getter = getter.Ref()
	c.stats.Redirected += redirected
	c.mu.Unlock()
	return nil
}

// emitInvokerGetter emits the accessor that replaces reads of the event
// delegate: null while nothing is subscribed, otherwise a delegate bound
// to the invoker, created once and cached.
func emitInvokerGetter(e *il.Emitter, src *eventSource, cache *il.FieldRef, static bool, invoker *il.MethodDef, delegate il.TypeSig) {
	has, ready := e.NewLabel(), e.NewLabel()
	loadCache := func() {
		if static {
			e.Field(il.OpLdSFld, cache)
			return
		}
		e.LdArg(0)
		e.Field(il.OpLdFld, cache)
	}
	src.emitLoad(e)
	e.Branch(il.OpBrTrue, has)
	e.Op(il.OpLdNull)
	e.Op(il.OpRet)
	e.Mark(has)
	loadCache()
	e.Branch(il.OpBrTrue, ready)
	if static {
		e.Op(il.OpLdNull)
	} else {
		e.LdArg(0)
		e.LdArg(0)
	}
	e.Call(il.OpLdFtn, invoker.Ref())
	e.Call(il.OpNewObj, runtime.CtorRef(string(delegate), il.Object, il.Object))
	if static {
		e.Field(il.OpStSFld, cache)
	} else {
		e.Field(il.OpStFld, cache)
	}
	e.Mark(ready)
	loadCache()
	e.Op(il.OpRet)
	e.Install()
}

func (c *Context) eventSource(ev *il.EventDef, field *il.FieldDef) *eventSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.events[ev]
	if !ok {
		src = &eventSource{field: field.Ref(), static: field.IsStatic()}
		c.events[ev] = src
	}
	return src
}

// redirect rewrites every read of src in host's own methods into a call
// to getter. Methods recorded by keepEventReads keep their reads. It
// returns the number of rewritten instructions.
func (c *Context) redirect(host *il.TypeDef, src *eventSource, getter *il.MethodRef) int {
	n := 0
	for _, m := range append([]*il.MethodDef(nil), host.Methods...) {
		if m.Body == nil || c.readsEventsRaw(m) {
			continue
		}
		for _, in := range m.Body.Instructions {
			if src.reads(in) {
				*in = il.Instruction{Op: il.OpCall, Method: getter}
				n++
			}
		}
	}
	return n
}
