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

var (
	getArgument = runtime.Ref(runtime.ArgumentsType, "GetArgument", il.Object, il.Int32)
	setArgument = runtime.Ref(runtime.ArgumentsType, "SetArgument", il.Void, il.Int32, il.Object)
)

// record describes the argument record built over a prefix of a method's
// parameters. Records of up to MaxFixedArgumentsLen slots use the
// fixed-arity types with one field per slot; longer lists use
// ArgumentsArray.
type record struct {
	method *il.MethodDef
	params []*il.ParamDef
	typ    string
}

func newRecord(m *il.MethodDef, params []*il.ParamDef) record {
	return record{method: m, params: params, typ: runtime.ArgumentsTypeName(len(params))}
}

func (r record) fixed() bool { return len(r.params) <= runtime.MaxFixedArgumentsLen }

func (r record) item(i int) *il.FieldRef {
	return &il.FieldRef{Type: r.typ, Name: runtime.ArgumentsItemField(i)}
}

// hasByRef reports whether any slot mirrors a by-reference parameter.
func (r record) hasByRef() bool {
	for _, p := range r.params {
		if p.IsByRef() {
			return true
		}
	}
	return false
}

// emitNew pushes a new record whose slot i is filled by load(i).
func (r record) emitNew(e *il.Emitter, load func(i int)) {
	if r.fixed() {
		e.Call(il.OpNewObj, runtime.CtorRef(r.typ))
		for i := range r.params {
			e.Op(il.OpDup)
			load(i)
			e.Field(il.OpStFld, r.item(i))
		}
		return
	}
	e.LdcI(int64(len(r.params)))
	e.Call(il.OpNewObj, runtime.CtorRef(runtime.ArgumentsArrayType, il.Int32))
	for i := range r.params {
		e.Op(il.OpDup)
		e.LdcI(int64(i))
		load(i)
		e.Call(il.OpCallVirt, setArgument)
	}
}

// emitFromParams pushes a record holding the method's current parameter
// values.
func (r record) emitFromParams(e *il.Emitter) {
	r.emitNew(e, func(i int) { r.loadParam(e, i) })
}

// emitGet pushes slot i converted to the parameter's type. loadRec pushes
// the record.
func (r record) emitGet(e *il.Emitter, loadRec func(), i int) {
	loadRec()
	if r.fixed() {
		e.Field(il.OpLdFld, r.item(i))
	} else {
		e.LdcI(int64(i))
		e.Call(il.OpCallVirt, getArgument)
	}
	emitConvert(e, r.params[i].Type.Elem())
}

// emitSet stores the value pushed by loadValue into slot i.
func (r record) emitSet(e *il.Emitter, loadRec func(), i int, loadValue func()) {
	loadRec()
	if r.fixed() {
		loadValue()
		e.Field(il.OpStFld, r.item(i))
		return
	}
	e.LdcI(int64(i))
	loadValue()
	e.Call(il.OpCallVirt, setArgument)
}

// loadParam pushes the current value of parameter i, dereferencing
// by-reference parameters.
func (r record) loadParam(e *il.Emitter, i int) {
	e.LdArg(r.method.ArgIndex(i))
	if r.params[i].IsByRef() {
		e.Op(il.OpLdInd)
	}
}

// emitToParams writes every slot back into its parameter. With byRefOnly
// set only by-reference parameters are written.
func (r record) emitToParams(e *il.Emitter, loadRec func(), byRefOnly bool) {
	for i, p := range r.params {
		slot := r.method.ArgIndex(i)
		switch {
		case p.IsByRef():
			e.LdArg(slot)
			r.emitGet(e, loadRec, i)
			e.Op(il.OpStInd)
		case !byRefOnly:
			r.emitGet(e, loadRec, i)
			e.StArg(slot)
		}
	}
}

// emitRefreshByRef copies the current values of by-reference parameters
// into their slots.
func (r record) emitRefreshByRef(e *il.Emitter, loadRec func()) {
	for i, p := range r.params {
		if p.IsByRef() {
			r.emitSet(e, loadRec, i, func() { r.loadParam(e, i) })
		}
	}
}

// emitConvert turns an object-typed value on the stack into a value of
// sig. Primitive value types unbox, with null unboxing to the default;
// reference types are cast.
func emitConvert(e *il.Emitter, sig il.TypeSig) {
	switch {
	case sig.IsVoid(), sig == il.Object, string(sig) == il.FrameworkObject, sig.IsGenericParam(), sig.IsByRef():
	case sig.IsInteger(), sig.IsFloat():
		e.Type(il.OpUnboxAny, sig)
	default:
		e.Type(il.OpCastClass, sig)
	}
}

// loader returns a func pushing local i.
func loader(e *il.Emitter, i int) func() {
	return func() { e.LdLoc(i) }
}
