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
	"strconv"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
)

// Module names and versions.
const (
	SupportModuleName    = "Spinner"
	SupportVersion       = "1.2.0"
	SupportNamespace     = "Spinner.Aspects"
	FrameworkModuleName  = "System"
	FrameworkVersion     = "4.0.0"
	CompilerServicesNs   = "System.Runtime.CompilerServices"
	MaxFixedArgumentsLen = 8
)

// Support library type names.
const (
	MulticastAttributeType         = SupportNamespace + ".MulticastAttribute"
	OnMethodBoundaryAspectType     = SupportNamespace + ".OnMethodBoundaryAspect"
	MethodInterceptionAspectType   = SupportNamespace + ".MethodInterceptionAspect"
	LocationInterceptionAspectType = SupportNamespace + ".LocationInterceptionAspect"
	EventInterceptionAspectType    = SupportNamespace + ".EventInterceptionAspect"
	ComposedAspectType             = SupportNamespace + ".Aspect"

	IMethodBoundaryAspectType       = SupportNamespace + ".IMethodBoundaryAspect"
	IMethodInterceptionAspectType   = SupportNamespace + ".IMethodInterceptionAspect"
	ILocationInterceptionAspectType = SupportNamespace + ".ILocationInterceptionAspect"
	IEventInterceptionAspectType    = SupportNamespace + ".IEventInterceptionAspect"

	AdviceAttributeType           = SupportNamespace + ".AdviceAttribute"
	AspectFeaturesAttributeType   = SupportNamespace + ".AspectFeaturesAttribute"
	AnalyzedFeaturesAttributeType = SupportNamespace + ".AnalyzedFeaturesAttribute"
	MulticastUsageAttributeType   = SupportNamespace + ".MulticastUsageAttribute"

	ArgumentsType      = SupportNamespace + ".Arguments"
	ArgumentsArrayType = SupportNamespace + ".ArgumentsArray"

	MethodBindingType   = SupportNamespace + ".MethodBinding"
	LocationBindingType = SupportNamespace + ".LocationBinding"
	EventBindingType    = SupportNamespace + ".EventBinding"

	MethodExecutionArgsType      = SupportNamespace + ".MethodExecutionArgs"
	MethodInterceptionArgsType   = SupportNamespace + ".MethodInterceptionArgs"
	LocationInterceptionArgsType = SupportNamespace + ".LocationInterceptionArgs"
	EventInterceptionArgsType    = SupportNamespace + ".EventInterceptionArgs"

	FlowBehaviorType = SupportNamespace + ".FlowBehavior"
	FeaturesType     = SupportNamespace + ".Features"
	MemberInfoType   = SupportNamespace + ".MemberInfo"
	AdviceTypeType   = SupportNamespace + ".AdviceType"
)

// Framework type names.
const (
	ObjectType                      = il.FrameworkObject
	AttributeType                   = "System.Attribute"
	ExceptionType                   = "System.Exception"
	ArgumentOutOfRangeExceptionType = "System.ArgumentOutOfRangeException"
	InvalidOperationExceptionType   = "System.InvalidOperationException"
	NullReferenceExceptionType      = "System.NullReferenceException"
	InvalidCastExceptionType        = "System.InvalidCastException"
	DelegateType                    = "System.Delegate"
	MulticastDelegateType           = "System.MulticastDelegate"
	EventHandlerType                = "System.EventHandler"
	ConsoleType                     = "System.Console"
	TypeType                        = "System.Type"
	IEnumeratorType                 = "System.Collections.IEnumerator"
)

// ArgumentsTypeName returns the fixed-arity record type for n slots, or
// ArgumentsArrayType when n exceeds MaxFixedArgumentsLen.
func ArgumentsTypeName(n int) string {
	if n > MaxFixedArgumentsLen || n < 0 {
		return ArgumentsArrayType
	}
	return ArgumentsType + strconv.Itoa(n)
}

// ArgumentsItemField returns the field name of slot i on a fixed-arity record.
func ArgumentsItemField(i int) string { return "Item" + strconv.Itoa(i) }

// Sig helpers.
var (
	ObjectSig       = il.Object
	ArgumentsSig    = il.TypeSig(ArgumentsType)
	DelegateSig     = il.TypeSig(DelegateType)
	ExceptionSig    = il.TypeSig(ExceptionType)
	MemberInfoSig   = il.TypeSig(MemberInfoType)
	FlowBehaviorSig = il.TypeSig(FlowBehaviorType)
)

// Member references used by woven code and by the envelope types.
var (
	MethodBindingInvoke = &il.MethodRef{Type: MethodBindingType, Name: "Invoke",
		Params: []il.TypeSig{il.Object, ArgumentsSig}, Return: il.Object}
	LocationBindingGetValue = &il.MethodRef{Type: LocationBindingType, Name: "GetValue",
		Params: []il.TypeSig{il.Object, ArgumentsSig}, Return: il.Object}
	LocationBindingSetValue = &il.MethodRef{Type: LocationBindingType, Name: "SetValue",
		Params: []il.TypeSig{il.Object, ArgumentsSig, il.Object}, Return: il.Void}
	EventBindingAddHandler = &il.MethodRef{Type: EventBindingType, Name: "AddHandler",
		Params: []il.TypeSig{il.Object, DelegateSig}, Return: il.Void}
	EventBindingRemoveHandler = &il.MethodRef{Type: EventBindingType, Name: "RemoveHandler",
		Params: []il.TypeSig{il.Object, DelegateSig}, Return: il.Void}
	EventBindingInvokeHandler = &il.MethodRef{Type: EventBindingType, Name: "InvokeHandler",
		Params: []il.TypeSig{il.Object, DelegateSig, ArgumentsSig}, Return: il.Object}
)

// Ref builds a method reference on a support or framework type.
func Ref(typ, name string, ret il.TypeSig, params ...il.TypeSig) *il.MethodRef {
	if params == nil {
		params = []il.TypeSig{}
	}
	return &il.MethodRef{Type: typ, Name: name, Params: params, Return: ret}
}

// CtorRef builds a constructor reference.
func CtorRef(typ string, params ...il.TypeSig) *il.MethodRef {
	return Ref(typ, il.CtorName, il.Void, params...)
}

// GetterRef builds a property getter reference.
func GetterRef(typ, prop string, ret il.TypeSig) *il.MethodRef {
	return Ref(typ, "get_"+prop, ret)
}

// SetterRef builds a property setter reference.
func SetterRef(typ, prop string, value il.TypeSig) *il.MethodRef {
	return Ref(typ, "set_"+prop, il.Void, value)
}
