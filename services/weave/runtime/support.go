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

var (
	methodExecutionArgsSig      = il.TypeSig(MethodExecutionArgsType)
	methodInterceptionArgsSig   = il.TypeSig(MethodInterceptionArgsType)
	locationInterceptionArgsSig = il.TypeSig(LocationInterceptionArgsType)
	eventInterceptionArgsSig    = il.TypeSig(EventInterceptionArgsType)
)

// SupportModule builds the aspect support library module.
//
// Description:
//
//	Aspect base classes, their capability interfaces, the marker
//	attributes, argument records, binding bases and advice envelopes. Base
//	advice bodies are real code: boundary hooks are empty, interception
//	hooks proceed into the binding, FilterException accepts everything.
//	Each call returns a fresh module.
func SupportModule() *il.Module {
	var types []*il.TypeDef
	add := func(t ...*il.TypeDef) { types = append(types, t...) }

	multicast := newType(MulticastAttributeType, il.KindClass, AttributeType, il.TypeAbstract)
	multicast.Methods = []*il.MethodDef{baseCtor(AttributeType)}
	add(multicast)

	// Capability interfaces, one per aspect kind.
	boundaryIface := newType(IMethodBoundaryAspectType, il.KindInterface, "", il.TypeAbstract)
	for _, k := range []AdviceKind{AdviceOnEntry, AdviceOnExit, AdviceOnSuccess, AdviceOnException, AdviceOnYield, AdviceOnResume} {
		boundaryIface.Methods = append(boundaryIface.Methods, abstractMethod(k.MethodName(), il.Void, param("args", methodExecutionArgsSig)))
	}
	boundaryIface.Methods = append(boundaryIface.Methods,
		abstractMethod(AdviceFilterException.MethodName(), il.Bool, param("args", methodExecutionArgsSig), param("ex", ExceptionSig)))
	interceptIface := newType(IMethodInterceptionAspectType, il.KindInterface, "", il.TypeAbstract)
	interceptIface.Methods = []*il.MethodDef{abstractMethod("OnInvoke", il.Void, param("args", methodInterceptionArgsSig))}
	locationIface := newType(ILocationInterceptionAspectType, il.KindInterface, "", il.TypeAbstract)
	locationIface.Methods = []*il.MethodDef{
		abstractMethod("OnGetValue", il.Void, param("args", locationInterceptionArgsSig)),
		abstractMethod("OnSetValue", il.Void, param("args", locationInterceptionArgsSig)),
	}
	eventIface := newType(IEventInterceptionAspectType, il.KindInterface, "", il.TypeAbstract)
	eventIface.Methods = []*il.MethodDef{
		abstractMethod("OnAddHandler", il.Void, param("args", eventInterceptionArgsSig)),
		abstractMethod("OnRemoveHandler", il.Void, param("args", eventInterceptionArgsSig)),
		abstractMethod("OnInvokeHandler", il.Void, param("args", eventInterceptionArgsSig)),
	}
	add(boundaryIface, interceptIface, locationIface, eventIface)

	// Aspect base classes.
	boundary := newType(OnMethodBoundaryAspectType, il.KindClass, MulticastAttributeType, il.TypeAbstract)
	boundary.Interfaces = []string{IMethodBoundaryAspectType}
	boundary.Methods = []*il.MethodDef{baseCtor(MulticastAttributeType)}
	for _, k := range []AdviceKind{AdviceOnEntry, AdviceOnExit, AdviceOnSuccess, AdviceOnException, AdviceOnYield, AdviceOnResume} {
		boundary.Methods = append(boundary.Methods, codeMethod(k.MethodName(), il.MethodVirtual, il.Void,
			[]*il.ParamDef{param("args", methodExecutionArgsSig)}, func(e *il.Emitter) { e.Op(il.OpRet) }))
	}
	boundary.Methods = append(boundary.Methods, codeMethod(AdviceFilterException.MethodName(), il.MethodVirtual, il.Bool,
		[]*il.ParamDef{param("args", methodExecutionArgsSig), param("ex", ExceptionSig)}, func(e *il.Emitter) {
			e.LdcI(1)
			e.Op(il.OpRet)
		}))

	proceeding := func(name string, envelope il.TypeSig, proceed string) *il.MethodDef {
		return codeMethod(name, il.MethodVirtual, il.Void, []*il.ParamDef{param("args", envelope)}, func(e *il.Emitter) {
			e.LdArg(1)
			e.Call(il.OpCallVirt, Ref(string(envelope), proceed, il.Void))
			e.Op(il.OpRet)
		})
	}
	intercept := newType(MethodInterceptionAspectType, il.KindClass, MulticastAttributeType, il.TypeAbstract)
	intercept.Interfaces = []string{IMethodInterceptionAspectType}
	intercept.Methods = []*il.MethodDef{
		baseCtor(MulticastAttributeType),
		proceeding("OnInvoke", methodInterceptionArgsSig, "Proceed"),
	}
	location := newType(LocationInterceptionAspectType, il.KindClass, MulticastAttributeType, il.TypeAbstract)
	location.Interfaces = []string{ILocationInterceptionAspectType}
	location.Methods = []*il.MethodDef{
		baseCtor(MulticastAttributeType),
		proceeding("OnGetValue", locationInterceptionArgsSig, "ProceedGetValue"),
		proceeding("OnSetValue", locationInterceptionArgsSig, "ProceedSetValue"),
	}
	event := newType(EventInterceptionAspectType, il.KindClass, MulticastAttributeType, il.TypeAbstract)
	event.Interfaces = []string{IEventInterceptionAspectType}
	event.Methods = []*il.MethodDef{
		baseCtor(MulticastAttributeType),
		proceeding("OnAddHandler", eventInterceptionArgsSig, "ProceedAddHandler"),
		proceeding("OnRemoveHandler", eventInterceptionArgsSig, "ProceedRemoveHandler"),
		proceeding("OnInvokeHandler", eventInterceptionArgsSig, "ProceedInvokeHandler"),
	}
	composed := newType(ComposedAspectType, il.KindClass, MulticastAttributeType, il.TypeAbstract)
	composed.Methods = []*il.MethodDef{baseCtor(MulticastAttributeType)}
	add(boundary, intercept, location, event, composed)

	// Marker attributes.
	advice := newType(AdviceAttributeType, il.KindClass, AttributeType, il.TypeSealed)
	advice.Fields = []*il.FieldDef{{Name: "Master", Type: il.String, Visibility: il.VisPublic}}
	advice.Methods = []*il.MethodDef{nativeMethod(il.CtorName, 0, il.Void, param("kind", AdviceTypeType))}
	declared := newType(AspectFeaturesAttributeType, il.KindClass, AttributeType, il.TypeSealed)
	declared.Methods = []*il.MethodDef{nativeMethod(il.CtorName, 0, il.Void, param("features", FeaturesType))}
	analyzed := newType(AnalyzedFeaturesAttributeType, il.KindClass, AttributeType, il.TypeSealed)
	analyzed.Methods = []*il.MethodDef{nativeMethod(il.CtorName, 0, il.Void, param("features", FeaturesType))}
	usage := newType(MulticastUsageAttributeType, il.KindClass, AttributeType, il.TypeSealed)
	usage.Fields = []*il.FieldDef{
		{Name: "Inheritance", Type: il.Int32, Visibility: il.VisPublic},
		{Name: "AllowMultiple", Type: il.Bool, Visibility: il.VisPublic},
	}
	usage.Methods = []*il.MethodDef{nativeMethod(il.CtorName, 0, il.Void, param("validOn", il.Int32))}
	add(advice, declared, analyzed, usage)
	for _, name := range []string{FlowBehaviorType, FeaturesType, AdviceTypeType} {
		add(newType(name, il.KindEnum, "", il.TypeSealed))
	}

	// Argument records.
	args := newType(ArgumentsType, il.KindClass, ObjectType, il.TypeAbstract)
	args.Methods = []*il.MethodDef{
		nativeMethod("get_Count", 0, il.Int32),
		nativeMethod("GetArgument", 0, il.Object, param("index", il.Int32)),
		nativeMethod("SetArgument", 0, il.Void, param("index", il.Int32), param("value", il.Object)),
		nativeMethod("ToArray", 0, il.Object.ArrayOf()),
	}
	args.Properties = []*il.PropertyDef{{Name: "Count", Type: il.Int32, Getter: "get_Count"}}
	add(args)
	for n := 0; n <= MaxFixedArgumentsLen; n++ {
		t := newType(ArgumentsTypeName(n), il.KindClass, ArgumentsType, il.TypeSealed)
		for i := 0; i < n; i++ {
			t.GenericParams = append(t.GenericParams, "T"+strconv.Itoa(i))
			t.Fields = append(t.Fields, &il.FieldDef{
				Name:       ArgumentsItemField(i),
				Type:       il.TypeSig("!" + strconv.Itoa(i)),
				Visibility: il.VisPublic,
			})
		}
		t.Methods = []*il.MethodDef{nativeMethod(il.CtorName, 0, il.Void)}
		add(t)
	}
	array := newType(ArgumentsArrayType, il.KindClass, ArgumentsType, il.TypeSealed)
	array.Methods = []*il.MethodDef{nativeMethod(il.CtorName, 0, il.Void, param("count", il.Int32))}
	add(array)

	// Binding bases.
	mb := newType(MethodBindingType, il.KindClass, ObjectType, il.TypeAbstract)
	mb.Methods = []*il.MethodDef{
		baseCtor(ObjectType),
		abstractMethod("Invoke", il.Object, param("instance", il.Object), param("args", ArgumentsSig)),
	}
	lb := newType(LocationBindingType, il.KindClass, ObjectType, il.TypeAbstract)
	lb.Methods = []*il.MethodDef{
		baseCtor(ObjectType),
		abstractMethod("GetValue", il.Object, param("instance", il.Object), param("index", ArgumentsSig)),
		abstractMethod("SetValue", il.Void, param("instance", il.Object), param("index", ArgumentsSig), param("value", il.Object)),
	}
	eb := newType(EventBindingType, il.KindClass, ObjectType, il.TypeAbstract)
	eb.Methods = []*il.MethodDef{
		baseCtor(ObjectType),
		abstractMethod("AddHandler", il.Void, param("instance", il.Object), param("handler", DelegateSig)),
		abstractMethod("RemoveHandler", il.Void, param("instance", il.Object), param("handler", DelegateSig)),
		abstractMethod("InvokeHandler", il.Object, param("instance", il.Object), param("handler", DelegateSig), param("args", ArgumentsSig)),
	}
	add(mb, lb, eb)

	// Advice envelopes.
	mea := newType(MethodExecutionArgsType, il.KindClass, ObjectType, il.TypeSealed)
	mea.Methods = []*il.MethodDef{nativeMethod(il.CtorName, 0, il.Void, param("instance", il.Object), param("args", ArgumentsSig))}
	nativeProperty(mea, "Instance", il.Object, true)
	nativeProperty(mea, "Arguments", ArgumentsSig, true)
	nativeProperty(mea, "ReturnValue", il.Object, true)
	nativeProperty(mea, "Exception", ExceptionSig, true)
	nativeProperty(mea, "FlowBehavior", FlowBehaviorSig, true)
	nativeProperty(mea, "YieldValue", il.Object, true)
	nativeProperty(mea, "Method", MemberInfoSig, true)
	nativeProperty(mea, "Tag", il.Object, true)

	mia := newType(MethodInterceptionArgsType, il.KindClass, ObjectType, il.TypeSealed)
	mia.Methods = []*il.MethodDef{
		nativeMethod(il.CtorName, 0, il.Void, param("instance", il.Object), param("args", ArgumentsSig), param("binding", il.TypeSig(MethodBindingType))),
		nativeMethod("Proceed", 0, il.Void),
		nativeMethod("Invoke", 0, il.Object, param("args", ArgumentsSig)),
	}
	nativeProperty(mia, "Instance", il.Object, true)
	nativeProperty(mia, "Arguments", ArgumentsSig, false)
	nativeProperty(mia, "ReturnValue", il.Object, true)
	nativeProperty(mia, "Binding", il.TypeSig(MethodBindingType), false)
	nativeProperty(mia, "Method", MemberInfoSig, true)
	nativeProperty(mia, "Tag", il.Object, true)

	lia := newType(LocationInterceptionArgsType, il.KindClass, ObjectType, il.TypeSealed)
	lia.Methods = []*il.MethodDef{
		nativeMethod(il.CtorName, 0, il.Void, param("instance", il.Object), param("index", ArgumentsSig), param("binding", il.TypeSig(LocationBindingType))),
		nativeMethod("ProceedGetValue", 0, il.Void),
		nativeMethod("ProceedSetValue", 0, il.Void),
		nativeMethod("GetCurrentValue", 0, il.Object),
		nativeMethod("SetNewValue", 0, il.Void, param("value", il.Object)),
	}
	nativeProperty(lia, "Instance", il.Object, true)
	nativeProperty(lia, "Index", ArgumentsSig, false)
	nativeProperty(lia, "Value", il.Object, true)
	nativeProperty(lia, "Location", MemberInfoSig, true)
	nativeProperty(lia, "Tag", il.Object, true)

	eia := newType(EventInterceptionArgsType, il.KindClass, ObjectType, il.TypeSealed)
	eia.Methods = []*il.MethodDef{
		nativeMethod(il.CtorName, 0, il.Void, param("instance", il.Object), param("handler", DelegateSig), param("binding", il.TypeSig(EventBindingType))),
		nativeMethod("ProceedAddHandler", 0, il.Void),
		nativeMethod("ProceedRemoveHandler", 0, il.Void),
		nativeMethod("ProceedInvokeHandler", 0, il.Void),
		nativeMethod("AddHandler", 0, il.Void, param("handler", DelegateSig)),
		nativeMethod("RemoveHandler", 0, il.Void, param("handler", DelegateSig)),
		nativeMethod("InvokeHandler", 0, il.Object, param("handler", DelegateSig), param("args", ArgumentsSig)),
	}
	nativeProperty(eia, "Instance", il.Object, true)
	nativeProperty(eia, "Handler", DelegateSig, true)
	nativeProperty(eia, "Arguments", ArgumentsSig, true)
	nativeProperty(eia, "ReturnValue", il.Object, true)
	nativeProperty(eia, "Event", MemberInfoSig, true)
	nativeProperty(eia, "Tag", il.Object, true)

	member := newType(MemberInfoType, il.KindClass, ObjectType, il.TypeSealed)
	member.Methods = []*il.MethodDef{
		nativeMethod("Create", il.MethodStatic, MemberInfoSig, param("kind", il.Int32), param("type", il.String), param("name", il.String)),
		nativeMethod("ToString", il.MethodVirtual, il.String),
	}
	nativeProperty(member, "Name", il.String, false)
	nativeProperty(member, "DeclaringType", il.String, false)
	add(mea, mia, lia, eia, member)

	return &il.Module{
		Name:       SupportModuleName,
		Version:    SupportVersion,
		References: []il.ModuleRef{{Name: FrameworkModuleName, Version: FrameworkVersion}},
		Types:      types,
	}
}

// Modules returns a fresh framework and support module pair, the minimum
// reference set of any program that uses aspects.
func Modules() []*il.Module {
	return []*il.Module{FrameworkModule(), SupportModule()}
}
