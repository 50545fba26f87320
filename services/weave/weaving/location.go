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

// locationWeaver routes property reads and writes through OnGetValue and
// OnSetValue. Index parameters of indexers travel in the envelope's Index
// record; the value written by a setter travels in Value.
type locationWeaver struct{}

func (locationWeaver) kind() marker.AspectKind { return marker.KindLocation }

func (locationWeaver) weave(_ context.Context, c *Context, el *elements.Element, s *aspectSite) error {
	if el.Kind != elements.KindProperty {
		return mismatch(el, s)
	}
	p := el.Property
	host := p.DeclaringType
	get, set := p.GetMethod(), p.SetMethod()
	if get != nil && !hasBody(get) {
		get = nil
	}
	if set != nil && !hasBody(set) {
		set = nil
	}
	if get == nil && set == nil {
		c.logger.Debug("location target has no accessor bodies", slog.String("target", string(el.ID)))
		return nil
	}
	if set != nil && len(set.Parameters) == 0 {
		return weaveerr.Weaving(string(el.ID), "location-setter",
			fmt.Errorf("setter %s takes no value: %w", set, weaveerr.ErrUnsupported))
	}
	index := p.IndexParameters()

	var origGet, origSet *il.MethodDef
	if get != nil {
		origGet = c.moveToOriginal(get)
	}
	if set != nil {
		origSet = c.moveToOriginal(set)
	}

	getValue := override(runtime.LocationBindingGetValue, "instance", "index")
	e := il.NewEmitter(getValue.Body)
	if origGet != nil {
		emitForward(e, origGet, host, newRecord(origGet, origGet.Parameters), func() { e.LdArg(2) }, nil)
		e.Op(il.OpRet)
	} else {
		emitThrowInvalid(e, "property "+p.Name+" has no getter")
	}
	e.Install()

	setValue := override(runtime.LocationBindingSetValue, "instance", "index", "value")
	e = il.NewEmitter(setValue.Body)
	if origSet != nil {
		n := len(origSet.Parameters) - 1
		valueType := origSet.Parameters[n].Type
		emitForward(e, origSet, host, newRecord(origSet, origSet.Parameters[:n]), func() { e.LdArg(2) }, func() {
			e.LdArg(3)
			emitConvert(e, valueType)
		})
		e.Op(il.OpPop)
		e.Op(il.OpRet)
	} else {
		emitThrowInvalid(e, "property "+p.Name+" has no setter")
	}
	e.Install()

	binding, err := c.newBinding(host, "<"+p.Name+">z__LocationBinding", runtime.LocationBindingType, getValue, setValue)
	if err != nil {
		return weaveerr.Weaving(string(el.ID), "binding", err)
	}

	// prologue creates the envelope for accessor m and leaves it in a local.
	prologue := func(e *il.Emitter, m *il.MethodDef) int {
		env := e.Local("<>z__env", il.TypeSig(lia))
		emitInstance(e, m)
		if len(index) > 0 {
			newRecord(m, m.Parameters[:len(index)]).emitFromParams(e)
		} else {
			e.Op(il.OpLdNull)
		}
		e.Field(il.OpLdSFld, binding)
		e.Call(il.OpNewObj, liaCtor)
		e.StLoc(env)
		if s.desc.Requires(runtime.FeatureMemberInfo) {
			e.LdLoc(env)
			emitMemberInfo(e, runtime.MemberProperty, host.FullName(), p.Name)
			e.Call(il.OpCallVirt, liaSetLocation)
		}
		return env
	}

	if get != nil {
		e := il.NewEmitter(get.Body)
		env := prologue(e, get)
		s.emitAdvice(e, runtime.AdviceOnGetValue, loader(e, env))
		e.LdLoc(env)
		e.Call(il.OpCallVirt, liaGetValue)
		emitConvert(e, get.ReturnType)
		e.Op(il.OpRet)
		e.Install()
	}
	if set != nil {
		e := il.NewEmitter(set.Body)
		env := prologue(e, set)
		value := len(set.Parameters) - 1
		e.LdLoc(env)
		e.LdArg(set.ArgIndex(value))
		emitBox(e, set.Parameters[value].Type)
		e.Call(il.OpCallVirt, liaSetValue)
		s.emitAdvice(e, runtime.AdviceOnSetValue, loader(e, env))
		e.Op(il.OpRet)
		e.Install()
	}
	return nil
}
