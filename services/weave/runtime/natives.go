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
	"maps"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
)

// Natives returns the implementations of every runtime-provided member of
// the support and framework modules, keyed by "Type::Name".
//
// Description:
//
//	Constructors of host types (argument records, envelopes) are factories:
//	they receive the constructor arguments without a receiver and return
//	the new object. All other instance members receive the receiver as
//	args[0]. The returned map is a fresh copy the caller may extend.
func Natives() map[string]Native {
	out := make(map[string]Native, len(nativeTable))
	maps.Copy(out, nativeTable)
	return out
}

var nativeTable = buildNatives()

type nativeSet map[string]Native

func (s nativeSet) add(typ, name string, fn Native) {
	s[typ+"::"+name] = fn
}

// accessor is a getter/setter pair over a host type's field.
type accessor[T any] struct {
	get func(T) any
	set func(T, any) error
}

func addAccessors[T any](s nativeSet, typ string, props map[string]accessor[T]) {
	for name, p := range props {
		if p.get != nil {
			s.add(typ, "get_"+name, func(_ Caller, args []any) (any, error) {
				r, err := receiver[T](args)
				if err != nil {
					return nil, err
				}
				return p.get(r), nil
			})
		}
		if p.set != nil {
			s.add(typ, "set_"+name, func(_ Caller, args []any) (any, error) {
				r, err := receiver[T](args)
				if err != nil {
					return nil, err
				}
				if len(args) < 2 {
					return nil, fmt.Errorf("%s::set_%s: missing value: %w", typ, name, ErrInvalidOperation)
				}
				return nil, p.set(r, args[1])
			})
		}
	}
}

func receiver[T any](args []any) (T, error) {
	var zero T
	if len(args) == 0 || args[0] == nil {
		return zero, fmt.Errorf("receiver: %w", ErrNullReference)
	}
	v, ok := args[0].(T)
	if !ok {
		return zero, fmt.Errorf("receiver %T is not %T: %w", args[0], zero, ErrInvalidCast)
	}
	return v, nil
}

func arg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// As converts a program value to T, treating null as the zero value.
func As[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("value %T is not %T: %w", v, zero, ErrInvalidCast)
	}
	return t, nil
}

// AsInt converts an integer program value.
func AsInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("value %T is not an integer: %w", v, ErrInvalidCast)
	}
}

func buildNatives() nativeSet {
	s := make(nativeSet)
	addArgumentNatives(s)
	addEnvelopeNatives(s)
	addFrameworkNatives(s)
	return s
}

func addArgumentNatives(s nativeSet) {
	for n := 0; n <= MaxFixedArgumentsLen; n++ {
		s.add(ArgumentsTypeName(n), il.CtorName, func(_ Caller, _ []any) (any, error) {
			return NewArgumentsOfCount(n), nil
		})
	}
	s.add(ArgumentsArrayType, il.CtorName, func(_ Caller, args []any) (any, error) {
		n, err := AsInt(arg(args, 0))
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("arguments count %d: %w", n, ErrArgumentOutOfRange)
		}
		return NewArgumentsOfCount(int(n)), nil
	})
	s.add(ArgumentsType, "get_Count", func(_ Caller, args []any) (any, error) {
		a, err := receiver[*Arguments](args)
		if err != nil {
			return nil, err
		}
		return int64(a.Count()), nil
	})
	s.add(ArgumentsType, "GetArgument", func(_ Caller, args []any) (any, error) {
		a, err := receiver[*Arguments](args)
		if err != nil {
			return nil, err
		}
		i, err := AsInt(arg(args, 1))
		if err != nil {
			return nil, err
		}
		return a.Get(int(i))
	})
	s.add(ArgumentsType, "SetArgument", func(_ Caller, args []any) (any, error) {
		a, err := receiver[*Arguments](args)
		if err != nil {
			return nil, err
		}
		i, err := AsInt(arg(args, 1))
		if err != nil {
			return nil, err
		}
		return nil, a.Set(int(i), arg(args, 2))
	})
	s.add(ArgumentsType, "ToArray", func(_ Caller, args []any) (any, error) {
		a, err := receiver[*Arguments](args)
		if err != nil {
			return nil, err
		}
		return a.ToArray(), nil
	})
}

func setArguments(dst **Arguments) func(any) error {
	return func(v any) error {
		a, err := As[*Arguments](v)
		if err != nil {
			return err
		}
		*dst = a
		return nil
	}
}

func setMember(dst **MemberInfo) func(any) error {
	return func(v any) error {
		m, err := As[*MemberInfo](v)
		if err != nil {
			return err
		}
		*dst = m
		return nil
	}
}

func addEnvelopeNatives(s nativeSet) {
	// MethodExecutionArgs
	s.add(MethodExecutionArgsType, il.CtorName, func(_ Caller, args []any) (any, error) {
		a, err := As[*Arguments](arg(args, 1))
		if err != nil {
			return nil, err
		}
		return NewMethodExecutionArgs(arg(args, 0), a), nil
	})
	addAccessors(s, MethodExecutionArgsType, map[string]accessor[*MethodExecutionArgs]{
		"Instance": {
			get: func(e *MethodExecutionArgs) any { return e.Instance },
			set: func(e *MethodExecutionArgs, v any) error { e.Instance = v; return nil },
		},
		"Arguments": {
			get: func(e *MethodExecutionArgs) any { return ref(e.Arguments) },
			set: func(e *MethodExecutionArgs, v any) error { return setArguments(&e.Arguments)(v) },
		},
		"ReturnValue": {
			get: func(e *MethodExecutionArgs) any { return e.ReturnValue },
			set: func(e *MethodExecutionArgs, v any) error { e.ReturnValue = v; return nil },
		},
		"Exception": {
			get: func(e *MethodExecutionArgs) any { return e.Exception },
			set: func(e *MethodExecutionArgs, v any) error { e.Exception = v; return nil },
		},
		"FlowBehavior": {
			get: func(e *MethodExecutionArgs) any { return int64(e.FlowBehavior) },
			set: func(e *MethodExecutionArgs, v any) error {
				n, err := AsInt(v)
				e.FlowBehavior = FlowBehavior(n)
				return err
			},
		},
		"YieldValue": {
			get: func(e *MethodExecutionArgs) any { return e.YieldValue },
			set: func(e *MethodExecutionArgs, v any) error { e.YieldValue = v; return nil },
		},
		"Method": {
			get: func(e *MethodExecutionArgs) any { return ref(e.Method) },
			set: func(e *MethodExecutionArgs, v any) error { return setMember(&e.Method)(v) },
		},
		"Tag": {
			get: func(e *MethodExecutionArgs) any { return e.Tag },
			set: func(e *MethodExecutionArgs, v any) error { e.Tag = v; return nil },
		},
	})

	// MethodInterceptionArgs
	s.add(MethodInterceptionArgsType, il.CtorName, func(_ Caller, args []any) (any, error) {
		a, err := As[*Arguments](arg(args, 1))
		if err != nil {
			return nil, err
		}
		return NewMethodInterceptionArgs(arg(args, 0), a, arg(args, 2)), nil
	})
	addAccessors(s, MethodInterceptionArgsType, map[string]accessor[*MethodInterceptionArgs]{
		"Instance": {
			get: func(e *MethodInterceptionArgs) any { return e.Instance },
			set: func(e *MethodInterceptionArgs, v any) error { e.Instance = v; return nil },
		},
		"Arguments": {
			get: func(e *MethodInterceptionArgs) any { return ref(e.Arguments) },
		},
		"ReturnValue": {
			get: func(e *MethodInterceptionArgs) any { return e.ReturnValue },
			set: func(e *MethodInterceptionArgs, v any) error { e.ReturnValue = v; return nil },
		},
		"Binding": {
			get: func(e *MethodInterceptionArgs) any { return e.Binding },
		},
		"Method": {
			get: func(e *MethodInterceptionArgs) any { return ref(e.Method) },
			set: func(e *MethodInterceptionArgs, v any) error { return setMember(&e.Method)(v) },
		},
		"Tag": {
			get: func(e *MethodInterceptionArgs) any { return e.Tag },
			set: func(e *MethodInterceptionArgs, v any) error { e.Tag = v; return nil },
		},
	})
	s.add(MethodInterceptionArgsType, "Proceed", func(c Caller, args []any) (any, error) {
		e, err := receiver[*MethodInterceptionArgs](args)
		if err != nil {
			return nil, err
		}
		return nil, e.Proceed(c)
	})
	s.add(MethodInterceptionArgsType, "Invoke", func(c Caller, args []any) (any, error) {
		e, err := receiver[*MethodInterceptionArgs](args)
		if err != nil {
			return nil, err
		}
		a, err := As[*Arguments](arg(args, 1))
		if err != nil {
			return nil, err
		}
		return e.Invoke(c, a)
	})

	// LocationInterceptionArgs
	s.add(LocationInterceptionArgsType, il.CtorName, func(_ Caller, args []any) (any, error) {
		a, err := As[*Arguments](arg(args, 1))
		if err != nil {
			return nil, err
		}
		return NewLocationInterceptionArgs(arg(args, 0), a, arg(args, 2)), nil
	})
	addAccessors(s, LocationInterceptionArgsType, map[string]accessor[*LocationInterceptionArgs]{
		"Instance": {
			get: func(e *LocationInterceptionArgs) any { return e.Instance },
			set: func(e *LocationInterceptionArgs, v any) error { e.Instance = v; return nil },
		},
		"Index": {
			get: func(e *LocationInterceptionArgs) any { return ref(e.Index) },
		},
		"Value": {
			get: func(e *LocationInterceptionArgs) any { return e.Value },
			set: func(e *LocationInterceptionArgs, v any) error { e.Value = v; return nil },
		},
		"Location": {
			get: func(e *LocationInterceptionArgs) any { return ref(e.Location) },
			set: func(e *LocationInterceptionArgs, v any) error { return setMember(&e.Location)(v) },
		},
		"Tag": {
			get: func(e *LocationInterceptionArgs) any { return e.Tag },
			set: func(e *LocationInterceptionArgs, v any) error { e.Tag = v; return nil },
		},
	})
	s.add(LocationInterceptionArgsType, "ProceedGetValue", func(c Caller, args []any) (any, error) {
		e, err := receiver[*LocationInterceptionArgs](args)
		if err != nil {
			return nil, err
		}
		return nil, e.ProceedGetValue(c)
	})
	s.add(LocationInterceptionArgsType, "ProceedSetValue", func(c Caller, args []any) (any, error) {
		e, err := receiver[*LocationInterceptionArgs](args)
		if err != nil {
			return nil, err
		}
		return nil, e.ProceedSetValue(c)
	})
	s.add(LocationInterceptionArgsType, "GetCurrentValue", func(c Caller, args []any) (any, error) {
		e, err := receiver[*LocationInterceptionArgs](args)
		if err != nil {
			return nil, err
		}
		return e.GetCurrentValue(c)
	})
	s.add(LocationInterceptionArgsType, "SetNewValue", func(c Caller, args []any) (any, error) {
		e, err := receiver[*LocationInterceptionArgs](args)
		if err != nil {
			return nil, err
		}
		return nil, e.SetNewValue(c, arg(args, 1))
	})

	// EventInterceptionArgs
	s.add(EventInterceptionArgsType, il.CtorName, func(_ Caller, args []any) (any, error) {
		h, err := As[*Delegate](arg(args, 1))
		if err != nil {
			return nil, err
		}
		return NewEventInterceptionArgs(arg(args, 0), h, arg(args, 2)), nil
	})
	addAccessors(s, EventInterceptionArgsType, map[string]accessor[*EventInterceptionArgs]{
		"Instance": {
			get: func(e *EventInterceptionArgs) any { return e.Instance },
			set: func(e *EventInterceptionArgs, v any) error { e.Instance = v; return nil },
		},
		"Handler": {
			get: func(e *EventInterceptionArgs) any { return ref(e.Handler) },
			set: func(e *EventInterceptionArgs, v any) error {
				h, err := As[*Delegate](v)
				e.Handler = h
				return err
			},
		},
		"Arguments": {
			get: func(e *EventInterceptionArgs) any { return ref(e.Arguments) },
			set: func(e *EventInterceptionArgs, v any) error { return setArguments(&e.Arguments)(v) },
		},
		"ReturnValue": {
			get: func(e *EventInterceptionArgs) any { return e.ReturnValue },
			set: func(e *EventInterceptionArgs, v any) error { e.ReturnValue = v; return nil },
		},
		"Event": {
			get: func(e *EventInterceptionArgs) any { return ref(e.Event) },
			set: func(e *EventInterceptionArgs, v any) error { return setMember(&e.Event)(v) },
		},
		"Tag": {
			get: func(e *EventInterceptionArgs) any { return e.Tag },
			set: func(e *EventInterceptionArgs, v any) error { e.Tag = v; return nil },
		},
	})
	eventOp := func(name string, op func(*EventInterceptionArgs, Caller, []any) (any, error)) {
		s.add(EventInterceptionArgsType, name, func(c Caller, args []any) (any, error) {
			e, err := receiver[*EventInterceptionArgs](args)
			if err != nil {
				return nil, err
			}
			return op(e, c, args)
		})
	}
	eventOp("ProceedAddHandler", func(e *EventInterceptionArgs, c Caller, _ []any) (any, error) {
		return nil, e.ProceedAddHandler(c)
	})
	eventOp("ProceedRemoveHandler", func(e *EventInterceptionArgs, c Caller, _ []any) (any, error) {
		return nil, e.ProceedRemoveHandler(c)
	})
	eventOp("ProceedInvokeHandler", func(e *EventInterceptionArgs, c Caller, _ []any) (any, error) {
		return nil, e.ProceedInvokeHandler(c)
	})
	eventOp("AddHandler", func(e *EventInterceptionArgs, c Caller, args []any) (any, error) {
		h, err := As[*Delegate](arg(args, 1))
		if err != nil {
			return nil, err
		}
		return nil, e.AddHandler(c, h)
	})
	eventOp("RemoveHandler", func(e *EventInterceptionArgs, c Caller, args []any) (any, error) {
		h, err := As[*Delegate](arg(args, 1))
		if err != nil {
			return nil, err
		}
		return nil, e.RemoveHandler(c, h)
	})
	eventOp("InvokeHandler", func(e *EventInterceptionArgs, c Caller, args []any) (any, error) {
		h, err := As[*Delegate](arg(args, 1))
		if err != nil {
			return nil, err
		}
		a, err := As[*Arguments](arg(args, 2))
		if err != nil {
			return nil, err
		}
		return e.InvokeHandler(c, h, a)
	})

	// MemberInfo
	s.add(MemberInfoType, "Create", func(_ Caller, args []any) (any, error) {
		kind, err := AsInt(arg(args, 0))
		if err != nil {
			return nil, err
		}
		typ, err := As[string](arg(args, 1))
		if err != nil {
			return nil, err
		}
		name, err := As[string](arg(args, 2))
		if err != nil {
			return nil, err
		}
		return &MemberInfo{Kind: MemberKind(kind), DeclaringType: typ, Name: name}, nil
	})
	addAccessors(s, MemberInfoType, map[string]accessor[*MemberInfo]{
		"Name":          {get: func(m *MemberInfo) any { return m.Name }},
		"DeclaringType": {get: func(m *MemberInfo) any { return m.DeclaringType }},
	})
	s.add(MemberInfoType, "ToString", func(_ Caller, args []any) (any, error) {
		m, err := receiver[*MemberInfo](args)
		if err != nil {
			return nil, err
		}
		return m.String(), nil
	})
}
