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

	"github.com/Inverness/Spinner-sub001/services/weave/elements"
	"github.com/Inverness/Spinner-sub001/services/weave/features"
	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/marker"
	"github.com/Inverness/Spinner-sub001/services/weave/multicast"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	"github.com/Inverness/Spinner-sub001/services/weave/weaveerr"
)

// aspectSite is one aspect instance bound to one target: the static field
// caching the instance and how to construct it from the marker attribute.
type aspectSite struct {
	inst  multicast.Instance
	desc  *features.Descriptor
	field *il.FieldRef
	ctor  *il.MethodRef
	args  []il.AttrArg
	named []initializer
}

// initializer is a named attribute argument applied after construction.
type initializer struct {
	value  il.AttrArg
	field  *il.FieldRef
	setter *il.MethodRef
}

// site returns the aspect site for inst on target, creating the static
// field on host the first time. The caller holds host's type lock.
func (c *Context) site(ctx context.Context, host *il.TypeDef, target elements.ID, inst multicast.Instance) (*aspectSite, error) {
	d, err := c.prepare(ctx, inst.AspectType())
	if err != nil {
		return nil, err
	}
	s := &aspectSite{inst: inst, desc: d}
	if err := c.bindConstructor(s, target); err != nil {
		return nil, err
	}

	key := aspectKey{target: target, origin: inst.Origin}
	c.mu.Lock()
	f, ok := c.aspectFields[key]
	c.mu.Unlock()
	if !ok {
		fd := &il.FieldDef{
			Name:       c.UniqueName(host, "<>z__aspect"),
			Type:       d.Type.Sig(),
			Visibility: il.VisPrivate,
			Flags:      il.FieldStatic | il.FieldCompilerGenerated,
		}
		c.Program.AddField(host, fd)
		f = fd.Ref()
		c.mu.Lock()
		c.aspectFields[key] = f
		c.stats.AspectFields++
		c.mu.Unlock()
	}
	s.field = f
	return s, nil
}

// bindConstructor picks the aspect constructor matching the marker's
// positional arguments and resolves its named initializers.
func (c *Context) bindConstructor(s *aspectSite, target elements.ID) error {
	attr := s.inst.Marker.Attribute
	t := s.desc.Type
	if attr != nil {
		s.args = attr.Args
	}
	for _, m := range t.MethodsNamed(il.CtorName) {
		if m.IsStatic() || len(m.Parameters) != len(s.args) {
			continue
		}
		match := true
		for i, p := range m.Parameters {
			if !c.literalFits(s.args[i], p.Type) {
				match = false
				break
			}
		}
		if match {
			s.ctor = m.Ref()
			break
		}
	}
	if s.ctor == nil {
		return weaveerr.Weaving(string(target), "aspect-constructor",
			fmt.Errorf("%s has no constructor taking %d matching arguments: %w", t.FullName(), len(s.args), weaveerr.ErrNotFound))
	}
	if attr == nil {
		return nil
	}
	for _, n := range attr.Named {
		if marker.IsMarkerArgument(n.Name) {
			continue
		}
		in := initializer{value: n.Value}
		if n.Field {
			fd, err := c.Program.ResolveField(&il.FieldRef{Type: t.FullName(), Name: n.Name})
			if err != nil {
				return weaveerr.Weaving(string(target), "aspect-initializer", err)
			}
			in.field = fd.Ref()
		} else {
			md, err := c.Program.ResolveMethod(&il.MethodRef{Type: t.FullName(), Name: "set_" + n.Name})
			if err != nil {
				return weaveerr.Weaving(string(target), "aspect-initializer", err)
			}
			in.setter = md.Ref()
		}
		s.named = append(s.named, in)
	}
	return nil
}

func (c *Context) literalFits(a il.AttrArg, sig il.TypeSig) bool {
	if sig == il.Object || string(sig) == il.FrameworkObject {
		return true
	}
	switch a.Kind {
	case il.ArgNull:
		return !sig.IsInteger() && !sig.IsFloat()
	case il.ArgInt, il.ArgBool:
		if sig.IsInteger() {
			return true
		}
		td := c.Program.LookupType(string(sig))
		return td != nil && td.Kind == il.KindEnum
	case il.ArgFloat:
		return sig.IsFloat()
	case il.ArgString:
		return sig == il.String
	case il.ArgType:
		return string(sig) == runtime.TypeType || sig == il.String
	case il.ArgArray:
		return sig.IsArray()
	}
	return false
}

// emitLoad pushes the aspect instance, constructing and caching it on
// first use.
func (s *aspectSite) emitLoad(e *il.Emitter) {
	done := e.NewLabel()
	e.Field(il.OpLdSFld, s.field)
	e.Op(il.OpDup)
	e.Branch(il.OpBrTrue, done)
	e.Op(il.OpPop)
	for _, a := range s.args {
		emitLiteral(e, a)
	}
	e.Call(il.OpNewObj, s.ctor)
	for _, in := range s.named {
		e.Op(il.OpDup)
		emitLiteral(e, in.value)
		if in.field != nil {
			e.Field(il.OpStFld, in.field)
		} else {
			e.Call(il.OpCallVirt, in.setter)
		}
	}
	e.Op(il.OpDup)
	e.Field(il.OpStSFld, s.field)
	e.Mark(done)
}

// emitAdvice calls advice k with the envelope pushed by loadEnv.
func (s *aspectSite) emitAdvice(e *il.Emitter, k runtime.AdviceKind, loadEnv func()) {
	s.emitLoad(e)
	loadEnv()
	e.Call(il.OpCallVirt, s.desc.Advice[k].Ref())
}

// emitLiteral pushes an attribute argument value. Type arguments load as
// their name.
func emitLiteral(e *il.Emitter, a il.AttrArg) {
	switch a.Kind {
	case il.ArgInt:
		e.LdcI(a.Int)
	case il.ArgBool:
		v, _ := a.AsInt()
		e.LdcI(v)
	case il.ArgFloat:
		e.LdcF(a.Float)
	case il.ArgString:
		e.LdStr(a.Str)
	case il.ArgType:
		e.LdStr(string(a.Type))
	case il.ArgArray:
		e.LdcI(int64(len(a.Elems)))
		e.Type(il.OpNewArr, a.Type)
		for i, el := range a.Elems {
			e.Op(il.OpDup)
			e.LdcI(int64(i))
			emitLiteral(e, el)
			e.Op(il.OpStElem)
		}
	default:
		e.Op(il.OpLdNull)
	}
}
