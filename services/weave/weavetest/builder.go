// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weavetest builds small programs for tests.
package weavetest

import (
	"strings"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
)

// AppModule is the name of the main module built by NewModule.
const AppModule = "App"

// ModuleBuilder accumulates types for a main module that references the
// framework and support modules.
type ModuleBuilder struct {
	mod *il.Module
}

// NewModule starts a module named name.
func NewModule(name string) *ModuleBuilder {
	return &ModuleBuilder{mod: &il.Module{
		Name:    name,
		Version: "1.0.0",
		References: []il.ModuleRef{
			{Name: runtime.FrameworkModuleName, Version: runtime.FrameworkVersion},
			{Name: runtime.SupportModuleName, Version: runtime.SupportVersion},
		},
	}}
}

// Module returns the module being built.
func (b *ModuleBuilder) Module() *il.Module { return b.mod }

// Program links the module with fresh framework and support modules and
// any extra library modules.
func (b *ModuleBuilder) Program(libs ...*il.Module) *il.Program {
	return il.NewProgram(b.mod, append(runtime.Modules(), libs...)...)
}

// Attr attaches an assembly-level attribute.
func (b *ModuleBuilder) Attr(a *il.CustomAttribute) *ModuleBuilder {
	b.mod.Attributes = append(b.mod.Attributes, a)
	return b
}

// Class adds a class deriving from base (System.Object when empty).
func (b *ModuleBuilder) Class(fullName, base string) *TypeBuilder {
	return b.add(fullName, il.KindClass, base)
}

// Struct adds a value type.
func (b *ModuleBuilder) Struct(fullName string) *TypeBuilder {
	return b.add(fullName, il.KindStruct, runtime.ObjectType)
}

// Interface adds an interface.
func (b *ModuleBuilder) Interface(fullName string) *TypeBuilder {
	tb := b.add(fullName, il.KindInterface, "")
	tb.T.BaseType = ""
	tb.T.Flags |= il.TypeAbstract
	return tb
}

// Delegate adds a delegate type with an Invoke signature.
func (b *ModuleBuilder) Delegate(fullName string, ret il.TypeSig, params ...*il.ParamDef) *TypeBuilder {
	tb := b.add(fullName, il.KindDelegate, runtime.MulticastDelegateType)
	tb.T.Flags |= il.TypeSealed
	tb.T.Methods = []*il.MethodDef{
		{Name: il.CtorName, Visibility: il.VisPublic, Flags: il.MethodRuntime | il.MethodSpecialName, ReturnType: il.Void,
			Parameters: []*il.ParamDef{P("target", il.Object), P("method", il.Object)}},
		{Name: "Invoke", Visibility: il.VisPublic, Flags: il.MethodRuntime | il.MethodVirtual, ReturnType: ret, Parameters: params},
	}
	return tb
}

func (b *ModuleBuilder) add(fullName string, kind il.TypeKind, base string) *TypeBuilder {
	ns, name := "", fullName
	if i := strings.LastIndexByte(fullName, '.'); i >= 0 {
		ns, name = fullName[:i], fullName[i+1:]
	}
	if base == "" && kind != il.KindInterface {
		base = runtime.ObjectType
	}
	t := &il.TypeDef{Namespace: ns, Name: name, Kind: kind, Visibility: il.VisPublic, BaseType: base}
	b.mod.Types = append(b.mod.Types, t)
	return &TypeBuilder{T: t}
}

// Aspect adds an aspect class deriving from base with a parameterless
// constructor.
func (b *ModuleBuilder) Aspect(fullName, base string) *TypeBuilder {
	tb := b.Class(fullName, base)
	tb.DefaultCtor()
	return tb
}

// TypeBuilder adds members to one type.
type TypeBuilder struct {
	T *il.TypeDef
}

// Sig returns the type's signature.
func (tb *TypeBuilder) Sig() il.TypeSig { return tb.T.Sig() }

func (tb *TypeBuilder) name() string { return tb.T.FullName() }

// Flags ors extra type flags.
func (tb *TypeBuilder) Flags(f il.TypeFlags) *TypeBuilder {
	tb.T.Flags |= f
	return tb
}

// Attr attaches a custom attribute.
func (tb *TypeBuilder) Attr(a *il.CustomAttribute) *TypeBuilder {
	tb.T.CustomAttributes = append(tb.T.CustomAttributes, a)
	return tb
}

// Implements adds interfaces.
func (tb *TypeBuilder) Implements(ifaces ...string) *TypeBuilder {
	tb.T.Interfaces = append(tb.T.Interfaces, ifaces...)
	return tb
}

// Nested adds a nested class.
func (tb *TypeBuilder) Nested(name, base string) *TypeBuilder {
	if base == "" {
		base = runtime.ObjectType
	}
	n := &il.TypeDef{Name: name, Kind: il.KindClass, Visibility: il.VisPrivate, BaseType: base, DeclaringType: tb.T}
	tb.T.NestedTypes = append(tb.T.NestedTypes, n)
	return &TypeBuilder{T: n}
}

// Field adds an instance field.
func (tb *TypeBuilder) Field(name string, sig il.TypeSig) *il.FieldRef {
	tb.T.Fields = append(tb.T.Fields, &il.FieldDef{Name: name, Type: sig, Visibility: il.VisPrivate})
	return &il.FieldRef{Type: tb.name(), Name: name}
}

// StaticField adds a static field.
func (tb *TypeBuilder) StaticField(name string, sig il.TypeSig) *il.FieldRef {
	tb.T.Fields = append(tb.T.Fields, &il.FieldDef{Name: name, Type: sig, Visibility: il.VisPrivate, Flags: il.FieldStatic})
	return &il.FieldRef{Type: tb.name(), Name: name}
}

// Method adds a method whose body is produced by emit. A nil emit leaves
// the method abstract.
func (tb *TypeBuilder) Method(name string, flags il.MethodFlags, ret il.TypeSig, params []*il.ParamDef, emit func(e *il.Emitter)) *il.MethodDef {
	md := &il.MethodDef{
		Name:       name,
		Visibility: il.VisPublic,
		Flags:      flags,
		ReturnType: ret,
		Parameters: params,
	}
	if emit != nil {
		md.Body = &il.MethodBody{}
		e := il.NewEmitter(md.Body)
		emit(e)
		e.Install()
	} else {
		md.Flags |= il.MethodAbstract
	}
	if name == il.CtorName || strings.HasPrefix(name, "get_") || strings.HasPrefix(name, "set_") ||
		strings.HasPrefix(name, "add_") || strings.HasPrefix(name, "remove_") {
		md.Flags |= il.MethodSpecialName
	}
	md.DeclaringType = tb.T
	tb.T.Methods = append(tb.T.Methods, md)
	return md
}

// Static adds a static method.
func (tb *TypeBuilder) Static(name string, ret il.TypeSig, params []*il.ParamDef, emit func(e *il.Emitter)) *il.MethodDef {
	return tb.Method(name, il.MethodStatic, ret, params, emit)
}

// DefaultCtor adds a parameterless constructor chaining to the base.
func (tb *TypeBuilder) DefaultCtor() *il.MethodDef {
	base := tb.T.BaseType
	return tb.Method(il.CtorName, 0, il.Void, nil, func(e *il.Emitter) {
		if base != "" && tb.T.Kind == il.KindClass {
			e.LdArg(0)
			e.Call(il.OpCall, runtime.CtorRef(base))
		}
		e.Op(il.OpRet)
	})
}

// AutoProperty adds a property backed by a field "<Name>k__BackingField"
// with a getter and setter.
func (tb *TypeBuilder) AutoProperty(name string, sig il.TypeSig) *il.PropertyDef {
	field := tb.Field("<"+name+">k__BackingField", sig)
	tb.Method("get_"+name, 0, sig, nil, func(e *il.Emitter) {
		e.LdArg(0)
		e.Field(il.OpLdFld, field)
		e.Op(il.OpRet)
	})
	tb.Method("set_"+name, 0, il.Void, []*il.ParamDef{P("value", sig)}, func(e *il.Emitter) {
		e.LdArg(0)
		e.LdArg(1)
		e.Field(il.OpStFld, field)
		e.Op(il.OpRet)
	})
	p := &il.PropertyDef{Name: name, Type: sig, Getter: "get_" + name, Setter: "set_" + name, DeclaringType: tb.T}
	tb.T.Properties = append(tb.T.Properties, p)
	return p
}

// FieldEvent adds a field-like event: a backing delegate field and add and
// remove accessors that combine into it.
func (tb *TypeBuilder) FieldEvent(name string, delegate il.TypeSig) *il.EventDef {
	field := tb.Field(name, delegate)
	accessor := func(op string) func(e *il.Emitter) {
		return func(e *il.Emitter) {
			e.LdArg(0)
			e.LdArg(0)
			e.Field(il.OpLdFld, field)
			e.LdArg(1)
			e.Call(il.OpCall, runtime.Ref(runtime.DelegateType, op, runtime.DelegateSig, runtime.DelegateSig, runtime.DelegateSig))
			e.Type(il.OpCastClass, delegate)
			e.Field(il.OpStFld, field)
			e.Op(il.OpRet)
		}
	}
	tb.Method("add_"+name, 0, il.Void, []*il.ParamDef{P("value", delegate)}, accessor("Combine"))
	tb.Method("remove_"+name, 0, il.Void, []*il.ParamDef{P("value", delegate)}, accessor("Remove"))
	ev := &il.EventDef{
		Name:          name,
		DelegateType:  delegate,
		Adder:         "add_" + name,
		Remover:       "remove_" + name,
		BackingField:  name,
		DeclaringType: tb.T,
	}
	tb.T.Events = append(tb.T.Events, ev)
	return ev
}

// Advice overrides the advice method kind of an aspect base class.
func (tb *TypeBuilder) Advice(kind runtime.AdviceKind, emit func(e *il.Emitter)) *il.MethodDef {
	ret := il.Void
	params := []*il.ParamDef{P("args", Envelope(kind))}
	if kind == runtime.AdviceFilterException {
		ret = il.Bool
		params = append(params, P("ex", runtime.ExceptionSig))
	}
	return tb.Method(kind.MethodName(), il.MethodVirtual, ret, params, emit)
}

// Envelope returns the envelope type advice of the given kind receives.
func Envelope(kind runtime.AdviceKind) il.TypeSig {
	switch kind {
	case runtime.AdviceOnInvoke:
		return il.TypeSig(runtime.MethodInterceptionArgsType)
	case runtime.AdviceOnGetValue, runtime.AdviceOnSetValue:
		return il.TypeSig(runtime.LocationInterceptionArgsType)
	case runtime.AdviceOnAddHandler, runtime.AdviceOnRemoveHandler, runtime.AdviceOnInvokeHandler:
		return il.TypeSig(runtime.EventInterceptionArgsType)
	default:
		return il.TypeSig(runtime.MethodExecutionArgsType)
	}
}

// P builds a parameter.
func P(name string, sig il.TypeSig) *il.ParamDef {
	return &il.ParamDef{Name: name, Type: sig}
}

// Out builds an out parameter of the element type sig.
func Out(name string, sig il.TypeSig) *il.ParamDef {
	return &il.ParamDef{Name: name, Type: sig.ByRef(), Flags: il.ParamOut}
}

// Ps builds a parameter list.
func Ps(params ...*il.ParamDef) []*il.ParamDef { return params }

// Attribute builds a custom attribute instance.
func Attribute(typ string, args ...il.AttrArg) *il.CustomAttribute {
	return &il.CustomAttribute{Type: typ, Args: args}
}

// Print emits Console.WriteLine(s).
func Print(e *il.Emitter, s string) {
	e.LdStr(s)
	WriteLine(e)
}

// WriteLine emits Console.WriteLine on the value on top of the stack.
func WriteLine(e *il.Emitter) {
	e.Call(il.OpCall, runtime.Ref(runtime.ConsoleType, "WriteLine", il.Void, il.Object))
}

// Concat emits String.Concat on the two values on top of the stack.
func Concat(e *il.Emitter) {
	e.Call(il.OpCall, runtime.Ref("System.String", "Concat", il.String, il.Object, il.Object))
}
