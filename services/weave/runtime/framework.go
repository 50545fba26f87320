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
	"fmt"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
)

// ExceptionMessageField is the field holding an exception's message.
const ExceptionMessageField = "_message"

// FrameworkModule builds the framework module: the root object, exceptions,
// delegates, compiler-service attributes and the console.
//
// Description:
//
//	Each call returns a fresh module so programs never share definitions.
//	The module is flagged Framework; the element graph skips it.
func FrameworkModule() *il.Module {
	object := newType(ObjectType, il.KindClass, "", 0)
	object.Methods = []*il.MethodDef{
		baseCtor(""),
		nativeMethod("ToString", il.MethodVirtual, il.String),
	}

	attr := newType(AttributeType, il.KindClass, ObjectType, il.TypeAbstract)
	attr.Methods = []*il.MethodDef{baseCtor(ObjectType)}

	exc := newType(ExceptionType, il.KindClass, ObjectType, 0)
	exc.Fields = []*il.FieldDef{{Name: ExceptionMessageField, Type: il.String, Visibility: il.VisPrivate}}
	exc.Methods = []*il.MethodDef{
		baseCtor(ObjectType),
		codeMethod(il.CtorName, 0, il.Void, []*il.ParamDef{param("message", il.String)}, func(e *il.Emitter) {
			e.LdArg(0)
			e.LdArg(1)
			e.Field(il.OpStFld, &il.FieldRef{Type: ExceptionType, Name: ExceptionMessageField})
			e.Op(il.OpRet)
		}),
		codeMethod("get_Message", il.MethodVirtual|il.MethodSpecialName, il.String, nil, func(e *il.Emitter) {
			e.LdArg(0)
			e.Field(il.OpLdFld, &il.FieldRef{Type: ExceptionType, Name: ExceptionMessageField})
			e.Op(il.OpRet)
		}),
	}
	exc.Properties = []*il.PropertyDef{{Name: "Message", Type: il.String, Getter: "get_Message"}}

	types := []*il.TypeDef{object, attr, exc}
	for _, name := range []string{
		ArgumentOutOfRangeExceptionType, InvalidOperationExceptionType,
		NullReferenceExceptionType, InvalidCastExceptionType,
	} {
		t := newType(name, il.KindClass, ExceptionType, 0)
		t.Methods = []*il.MethodDef{
			baseCtor(ExceptionType),
			codeMethod(il.CtorName, 0, il.Void, []*il.ParamDef{param("message", il.String)}, func(e *il.Emitter) {
				e.LdArg(0)
				e.LdArg(1)
				e.Call(il.OpCall, CtorRef(ExceptionType, il.String))
				e.Op(il.OpRet)
			}),
		}
		types = append(types, t)
	}

	del := newType(DelegateType, il.KindClass, ObjectType, il.TypeAbstract)
	del.Methods = []*il.MethodDef{
		nativeMethod("Combine", il.MethodStatic, DelegateSig, param("a", DelegateSig), param("b", DelegateSig)),
		nativeMethod("Remove", il.MethodStatic, DelegateSig, param("source", DelegateSig), param("value", DelegateSig)),
		nativeMethod("GetInvocationList", 0, DelegateSig.ArrayOf()),
		nativeMethod("DynamicInvoke", 0, il.Object, param("args", il.Object.ArrayOf())),
		nativeMethod("get_Target", 0, il.Object),
		nativeMethod("get_Method", 0, MemberInfoSig),
	}
	mcd := newType(MulticastDelegateType, il.KindClass, DelegateType, il.TypeAbstract)

	handler := newType(EventHandlerType, il.KindDelegate, MulticastDelegateType, il.TypeSealed)
	handler.Methods = []*il.MethodDef{
		nativeMethod(il.CtorName, 0, il.Void, param("target", il.Object), param("method", il.Object)),
		nativeMethod("Invoke", il.MethodVirtual, il.Void, param("sender", il.Object), param("e", il.Object)),
	}

	str := newType("System.String", il.KindClass, ObjectType, il.TypeSealed)
	str.Methods = []*il.MethodDef{
		nativeMethod("Concat", il.MethodStatic, il.String, param("a", il.Object), param("b", il.Object)),
	}

	console := newType(ConsoleType, il.KindClass, ObjectType, il.TypeAbstract|il.TypeSealed)
	console.Methods = []*il.MethodDef{
		nativeMethod("WriteLine", il.MethodStatic, il.Void, param("value", il.Object)),
	}

	typ := newType(TypeType, il.KindClass, ObjectType, il.TypeAbstract)

	enumerator := newType(IEnumeratorType, il.KindInterface, "", il.TypeAbstract)
	enumerator.Methods = []*il.MethodDef{
		abstractMethod("MoveNext", il.Bool),
		abstractMethod("get_Current", il.Object),
	}

	types = append(types, del, mcd, handler, str, console, typ, enumerator)
	for _, name := range []string{
		il.CompilerGeneratedAttribute, il.AsyncStateMachineAttribute, il.IteratorStateMachineAttribute,
	} {
		t := newType(name, il.KindClass, AttributeType, il.TypeSealed)
		t.Methods = []*il.MethodDef{baseCtor(AttributeType)}
		types = append(types, t)
	}

	return &il.Module{
		Name:      FrameworkModuleName,
		Version:   FrameworkVersion,
		Framework: true,
		Types:     types,
	}
}

// FormatValue renders a program value for console output.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case Object:
		return x.TypeName()
	default:
		return fmt.Sprint(v)
	}
}

func addFrameworkNatives(s nativeSet) {
	s.add(ObjectType, "ToString", func(_ Caller, args []any) (any, error) {
		return FormatValue(arg(args, 0)), nil
	})
	s.add("System.String", "Concat", func(_ Caller, args []any) (any, error) {
		return FormatValue(arg(args, 0)) + FormatValue(arg(args, 1)), nil
	})
	s.add(ConsoleType, "WriteLine", func(c Caller, args []any) (any, error) {
		_, err := fmt.Fprintln(c.Out(), FormatValue(arg(args, 0)))
		return nil, err
	})
	s.add(DelegateType, "Combine", func(_ Caller, args []any) (any, error) {
		a, err := As[*Delegate](arg(args, 0))
		if err != nil {
			return nil, err
		}
		b, err := As[*Delegate](arg(args, 1))
		if err != nil {
			return nil, err
		}
		return ref(CombineDelegates(a, b)), nil
	})
	s.add(DelegateType, "Remove", func(_ Caller, args []any) (any, error) {
		a, err := As[*Delegate](arg(args, 0))
		if err != nil {
			return nil, err
		}
		b, err := As[*Delegate](arg(args, 1))
		if err != nil {
			return nil, err
		}
		return ref(RemoveDelegate(a, b)), nil
	})
	s.add(DelegateType, "GetInvocationList", func(_ Caller, args []any) (any, error) {
		d, err := receiver[*Delegate](args)
		if err != nil {
			return nil, err
		}
		list := d.InvocationList()
		arr := &Array{Elem: DelegateSig, Items: make([]any, len(list))}
		for i, x := range list {
			arr.Items[i] = x
		}
		return arr, nil
	})
	s.add(DelegateType, "DynamicInvoke", func(c Caller, args []any) (any, error) {
		d, err := receiver[*Delegate](args)
		if err != nil {
			return nil, err
		}
		arr, err := As[*Array](arg(args, 1))
		if err != nil {
			return nil, err
		}
		var items []any
		if arr != nil {
			items = arr.Items
		}
		return d.Invoke(c, items)
	})
	s.add(DelegateType, "get_Target", func(_ Caller, args []any) (any, error) {
		d, err := receiver[*Delegate](args)
		if err != nil {
			return nil, err
		}
		return d.Target, nil
	})
	s.add(DelegateType, "get_Method", func(_ Caller, args []any) (any, error) {
		d, err := receiver[*Delegate](args)
		if err != nil {
			return nil, err
		}
		if d.Method == nil {
			return nil, nil
		}
		return &MemberInfo{Kind: MemberMethod, DeclaringType: d.Method.Type, Name: d.Method.Name, Method: d.Method}, nil
	})
}
