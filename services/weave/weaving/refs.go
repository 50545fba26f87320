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

const (
	mea = runtime.MethodExecutionArgsType
	mia = runtime.MethodInterceptionArgsType
	lia = runtime.LocationInterceptionArgsType
	eia = runtime.EventInterceptionArgsType
)

// Envelope and support members referenced by woven code.
var (
	meaCtor           = runtime.CtorRef(mea, il.Object, runtime.ArgumentsSig)
	meaSetMethod      = runtime.SetterRef(mea, "Method", runtime.MemberInfoSig)
	meaGetReturnValue = runtime.GetterRef(mea, "ReturnValue", il.Object)
	meaSetReturnValue = runtime.SetterRef(mea, "ReturnValue", il.Object)
	meaSetException   = runtime.SetterRef(mea, "Exception", runtime.ExceptionSig)
	meaGetFlow        = runtime.GetterRef(mea, "FlowBehavior", runtime.FlowBehaviorSig)
	meaSetFlow        = runtime.SetterRef(mea, "FlowBehavior", runtime.FlowBehaviorSig)
	meaGetYieldValue  = runtime.GetterRef(mea, "YieldValue", il.Object)
	meaSetYieldValue  = runtime.SetterRef(mea, "YieldValue", il.Object)

	miaCtor           = runtime.CtorRef(mia, il.Object, runtime.ArgumentsSig, il.TypeSig(runtime.MethodBindingType))
	miaSetMethod      = runtime.SetterRef(mia, "Method", runtime.MemberInfoSig)
	miaGetReturnValue = runtime.GetterRef(mia, "ReturnValue", il.Object)

	liaCtor        = runtime.CtorRef(lia, il.Object, runtime.ArgumentsSig, il.TypeSig(runtime.LocationBindingType))
	liaGetValue    = runtime.GetterRef(lia, "Value", il.Object)
	liaSetValue    = runtime.SetterRef(lia, "Value", il.Object)
	liaSetLocation = runtime.SetterRef(lia, "Location", runtime.MemberInfoSig)

	eiaCtor           = runtime.CtorRef(eia, il.Object, runtime.DelegateSig, il.TypeSig(runtime.EventBindingType))
	eiaSetArguments   = runtime.SetterRef(eia, "Arguments", runtime.ArgumentsSig)
	eiaGetReturnValue = runtime.GetterRef(eia, "ReturnValue", il.Object)
	eiaSetEvent       = runtime.SetterRef(eia, "Event", runtime.MemberInfoSig)

	memberInfoCreate  = runtime.Ref(runtime.MemberInfoType, "Create", runtime.MemberInfoSig, il.Int32, il.String, il.String)
	getInvocationList = runtime.Ref(runtime.DelegateType, "GetInvocationList", runtime.DelegateSig.ArrayOf())
	invalidOpCtor     = runtime.CtorRef(runtime.InvalidOperationExceptionType, il.String)
)

// emitBox boxes primitive value types before they are stored in an
// object slot.
func emitBox(e *il.Emitter, sig il.TypeSig) {
	if sig.IsInteger() || sig.IsFloat() {
		e.Type(il.OpBox, sig)
	}
}

// emitMemberInfo pushes a MemberInfo describing a property or event.
func emitMemberInfo(e *il.Emitter, kind runtime.MemberKind, typ, name string) {
	e.LdcI(int64(kind))
	e.LdStr(typ)
	e.LdStr(name)
	e.Call(il.OpCall, memberInfoCreate)
}

// emitInstance pushes the instance argument of m, or null for static
// methods.
func emitInstance(e *il.Emitter, m *il.MethodDef) {
	if m.HasThis() {
		e.LdArg(0)
		return
	}
	e.Op(il.OpLdNull)
}

// emitThrowInvalid throws InvalidOperationException with msg.
func emitThrowInvalid(e *il.Emitter, msg string) {
	e.LdStr(msg)
	e.Call(il.OpNewObj, invalidOpCtor)
	e.Op(il.OpThrow)
}
