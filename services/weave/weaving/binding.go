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
	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
)

// bindingInstanceField is the static field holding a binding's singleton.
const bindingInstanceField = "Instance"

// newBinding adds a sealed class nested in host that derives from one of
// the support library's binding bases and overrides its abstract members
// with methods. The singleton is created by the class's static
// constructor. It returns the field holding the singleton.
func (c *Context) newBinding(host *il.TypeDef, name, base string, methods ...*il.MethodDef) (*il.FieldRef, error) {
	t := &il.TypeDef{
		Name:       c.UniqueName(host, name),
		Kind:       il.KindClass,
		Visibility: il.VisPrivate,
		Flags:      il.TypeSealed | il.TypeCompilerGenerated,
		BaseType:   base,
	}
	full := host.FullName() + "/" + t.Name
	instance := &il.FieldRef{Type: full, Name: bindingInstanceField}
	t.Fields = []*il.FieldDef{{
		Name:       bindingInstanceField,
		Type:       il.TypeSig(base),
		Visibility: il.VisPublic,
		Flags:      il.FieldStatic | il.FieldInitOnly,
	}}

	ctor := syntheticMethod(il.CtorName, il.MethodSpecialName, il.Void, nil)
	e := il.NewEmitter(ctor.Body)
	e.LdArg(0)
	e.Call(il.OpCall, runtime.CtorRef(base))
	e.Op(il.OpRet)
	e.Install()

	cctor := syntheticMethod(il.CctorName, il.MethodStatic|il.MethodSpecialName, il.Void, nil)
	e = il.NewEmitter(cctor.Body)
	e.Call(il.OpNewObj, runtime.CtorRef(full))
	e.Field(il.OpStSFld, instance)
	e.Op(il.OpRet)
	e.Install()

	t.Methods = append([]*il.MethodDef{ctor, cctor}, methods...)
	if err := c.Program.AddNestedType(host, t); err != nil {
		return nil, err
	}
	c.count(func(s *Stats) { s.Bindings++ })
	return instance, nil
}

// syntheticMethod creates a public method with an empty body.
func syntheticMethod(name string, flags il.MethodFlags, ret il.TypeSig, params []*il.ParamDef) *il.MethodDef {
	return &il.MethodDef{
		Name:       name,
		Visibility: il.VisPublic,
		Flags:      flags,
		ReturnType: ret,
		Parameters: params,
		Body:       &il.MethodBody{},
	}
}

// override creates the implementation of an abstract binding member.
func override(decl *il.MethodRef, names ...string) *il.MethodDef {
	params := make([]*il.ParamDef, len(decl.Params))
	for i, sig := range decl.Params {
		params[i] = &il.ParamDef{Name: names[i], Type: sig}
	}
	return syntheticMethod(decl.Name, il.MethodVirtual|il.MethodFinal, decl.Return, params)
}

// moveToOriginal moves m's implementation into a new private method with
// the same signature and leaves m with an empty body for the caller to
// fill. The original is non-virtual, so bindings reach exactly this
// implementation.
func (c *Context) moveToOriginal(m *il.MethodDef) *il.MethodDef {
	t := m.DeclaringType
	params := make([]*il.ParamDef, len(m.Parameters))
	for i, p := range m.Parameters {
		cp := *p
		params[i] = &cp
	}
	orig := &il.MethodDef{
		Name:          c.UniqueName(t, "<"+m.Name+">z__Original"),
		Visibility:    il.VisPrivate,
		Flags:         m.Flags&il.MethodStatic | il.MethodCompilerGenerated,
		ReturnType:    m.ReturnType,
		Parameters:    params,
		GenericParams: append([]string(nil), m.GenericParams...),
		Body:          m.Body,
	}
	m.Body = &il.MethodBody{}
	c.Program.AddMethod(t, orig)
	c.count(func(s *Stats) { s.Originals++ })
	return orig
}

// emitBoundInstance pushes a binding's instance argument cast to host.
func emitBoundInstance(e *il.Emitter, host *il.TypeDef) {
	e.LdArg(1)
	if host.Kind != il.KindStruct {
		e.Type(il.OpCastClass, host.Sig())
	}
}

// emitForward calls target with its arguments taken from a record. The
// record is pushed by loadRec and must mirror target's parameters from
// index 0; extra trailing arguments are pushed by tail. By-reference
// slots are passed through temporaries and written back after the call.
// The call's result is left on the stack, boxed, or null for void
// targets.
func emitForward(e *il.Emitter, target *il.MethodDef, host *il.TypeDef, r record, loadRec func(), tail func()) {
	if target.HasThis() {
		emitBoundInstance(e, host)
	}
	temps := make(map[int]int)
	for i, p := range r.params {
		if p.IsByRef() {
			tmp := e.Local("", p.Type.Elem())
			r.emitGet(e, loadRec, i)
			e.StLoc(tmp)
			e.LdLocA(tmp)
			temps[i] = tmp
			continue
		}
		r.emitGet(e, loadRec, i)
	}
	if tail != nil {
		tail()
	}
	e.Call(il.OpCall, target.Ref())
	result := -1
	if !target.ReturnType.IsVoid() {
		emitBox(e, target.ReturnType)
		result = e.Local("", il.Object)
		e.StLoc(result)
	}
	for i := range r.params {
		if tmp, ok := temps[i]; ok {
			r.emitSet(e, loadRec, i, func() {
				e.LdLoc(tmp)
				emitBox(e, r.params[i].Type.Elem())
			})
		}
	}
	if result >= 0 {
		e.LdLoc(result)
	} else {
		e.Op(il.OpLdNull)
	}
}
