// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"strings"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
)

// Small builders for the metadata of the support and framework modules.

func splitName(full string) (ns, name string) {
	i := strings.LastIndexByte(full, '.')
	if i < 0 {
		return "", full
	}
	return full[:i], full[i+1:]
}

func newType(full string, kind il.TypeKind, base string, flags il.TypeFlags) *il.TypeDef {
	ns, name := splitName(full)
	return &il.TypeDef{
		Namespace:  ns,
		Name:       name,
		Kind:       kind,
		Visibility: il.VisPublic,
		Flags:      flags,
		BaseType:   base,
	}
}

func param(name string, sig il.TypeSig) *il.ParamDef {
	return &il.ParamDef{Name: name, Type: sig}
}

// nativeMethod declares a method implemented by Natives.
func nativeMethod(name string, flags il.MethodFlags, ret il.TypeSig, params ...*il.ParamDef) *il.MethodDef {
	if strings.HasPrefix(name, "get_") || strings.HasPrefix(name, "set_") || name == il.CtorName {
		flags |= il.MethodSpecialName
	}
	return &il.MethodDef{
		Name:       name,
		Visibility: il.VisPublic,
		Flags:      flags | il.MethodRuntime,
		ReturnType: ret,
		Parameters: params,
	}
}

// codeMethod declares a method with an instruction body.
func codeMethod(name string, flags il.MethodFlags, ret il.TypeSig, params []*il.ParamDef, emit func(e *il.Emitter)) *il.MethodDef {
	body := &il.MethodBody{}
	e := il.NewEmitter(body)
	emit(e)
	e.Install()
	if name == il.CtorName {
		flags |= il.MethodSpecialName
	}
	return &il.MethodDef{
		Name:       name,
		Visibility: il.VisPublic,
		Flags:      flags,
		ReturnType: ret,
		Parameters: params,
		Body:       body,
	}
}

func abstractMethod(name string, ret il.TypeSig, params ...*il.ParamDef) *il.MethodDef {
	return &il.MethodDef{
		Name:       name,
		Visibility: il.VisPublic,
		Flags:      il.MethodVirtual | il.MethodAbstract | il.MethodNewSlot,
		ReturnType: ret,
		Parameters: params,
	}
}

// baseCtor is a constructor that only chains to base's parameterless constructor.
func baseCtor(base string) *il.MethodDef {
	return codeMethod(il.CtorName, 0, il.Void, nil, func(e *il.Emitter) {
		if base != "" {
			e.LdArg(0)
			e.Call(il.OpCall, CtorRef(base))
		}
		e.Op(il.OpRet)
	})
}

func nativeProperty(t *il.TypeDef, name string, sig il.TypeSig, settable bool) {
	t.Methods = append(t.Methods, nativeMethod("get_"+name, 0, sig))
	p := &il.PropertyDef{Name: name, Type: sig, Getter: "get_" + name}
	if settable {
		t.Methods = append(t.Methods, nativeMethod("set_"+name, 0, il.Void, param("value", sig)))
		p.Setter = "set_" + name
	}
	t.Properties = append(t.Properties, p)
}

func attribute(t string, args ...il.AttrArg) *il.CustomAttribute {
	return &il.CustomAttribute{Type: t, Args: args}
}
