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

// interceptionWeaver replaces a method's body with a call to OnInvoke.
// The previous implementation moves to a synthetic original that the
// aspect reaches through a MethodBinding.
type interceptionWeaver struct{}

func (interceptionWeaver) kind() marker.AspectKind { return marker.KindInterception }

func (interceptionWeaver) weave(_ context.Context, c *Context, el *elements.Element, s *aspectSite) error {
	if el.Kind != elements.KindMethod {
		return mismatch(el, s)
	}
	m := el.Method
	if !hasBody(m) {
		c.logger.Debug("interception target has no body", slog.String("target", string(el.ID)))
		return nil
	}
	if m.IsConstructor() {
		return weaveerr.Weaving(string(el.ID), "interception-constructor",
			fmt.Errorf("constructors cannot be intercepted: %w", weaveerr.ErrUnsupported))
	}
	host := m.DeclaringType
	orig := c.moveToOriginal(m)

	invoke := override(runtime.MethodBindingInvoke, "instance", "args")
	be := il.NewEmitter(invoke.Body)
	forward := newRecord(orig, orig.Parameters)
	emitForward(be, orig, host, forward, func() { be.LdArg(2) }, nil)
	be.Op(il.OpRet)
	be.Install()
	binding, err := c.newBinding(host, "<"+m.Name+">z__Binding", runtime.MethodBindingType, invoke)
	if err != nil {
		return weaveerr.Weaving(string(el.ID), "binding", err)
	}

	e := il.NewEmitter(m.Body)
	rec := e.Local("<>z__args", runtime.ArgumentsSig)
	env := e.Local("<>z__env", il.TypeSig(mia))
	r := newRecord(m, m.Parameters)
	r.emitFromParams(e)
	e.StLoc(rec)
	emitInstance(e, m)
	e.LdLoc(rec)
	e.Field(il.OpLdSFld, binding)
	e.Call(il.OpNewObj, miaCtor)
	e.StLoc(env)
	if s.desc.Requires(runtime.FeatureMemberInfo) {
		e.LdLoc(env)
		e.Token(m.Ref())
		e.Call(il.OpCallVirt, miaSetMethod)
	}
	s.emitAdvice(e, runtime.AdviceOnInvoke, loader(e, env))
	r.emitToParams(e, loader(e, rec), true)
	if !m.ReturnType.IsVoid() {
		e.LdLoc(env)
		e.Call(il.OpCallVirt, miaGetReturnValue)
		emitConvert(e, m.ReturnType)
	}
	e.Op(il.OpRet)
	e.Install()
	return nil
}

func mismatch(el *elements.Element, s *aspectSite) error {
	return weaveerr.Weaving(string(el.ID), "aspect-target",
		fmt.Errorf("%s aspect %s cannot apply to a %s: %w", s.desc.Kind, s.desc.Name(), el.Kind, weaveerr.ErrUnsupported))
}
