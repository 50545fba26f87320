// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runtime is the aspect support library consumed by woven code.
//
// It has two halves. The metadata half (SupportModule, FrameworkModule)
// describes the support and framework types to the weaver as ordinary
// modules. The execution half implements the runtime-provided members of
// those types in Go: argument records, advice envelopes, delegates and the
// natives an execution engine binds by "Type::Name".
//
// Values crossing into this package follow the execution engine's
// representation: integers and booleans are int64, floats float64, strings
// string, null nil, and objects implement Object.
package runtime

import (
	"errors"
	"fmt"
	"io"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
)

// Errors raised by support members. An execution engine maps them to the
// framework exception types returned by ExceptionTypeFor.
var (
	ErrArgumentOutOfRange = errors.New("argument out of range")
	ErrInvalidOperation   = errors.New("invalid operation")
	ErrNullReference      = errors.New("null reference")
	ErrInvalidCast        = errors.New("invalid cast")
)

// ExceptionTypeFor returns the framework exception type that represents
// err inside the program.
func ExceptionTypeFor(err error) string {
	switch {
	case errors.Is(err, ErrArgumentOutOfRange):
		return ArgumentOutOfRangeExceptionType
	case errors.Is(err, ErrNullReference):
		return NullReferenceExceptionType
	case errors.Is(err, ErrInvalidCast):
		return InvalidCastExceptionType
	default:
		return InvalidOperationExceptionType
	}
}

// Object is any reference value with a runtime type.
type Object interface {
	TypeName() string
}

// FieldHolder is an object whose fields can be read and written by name.
type FieldHolder interface {
	Object
	LoadField(name string) (any, bool)
	StoreField(name string, v any) bool
}

// Caller lets support members call back into program code.
type Caller interface {
	// Call invokes m non-virtually. Instance methods take the receiver as
	// args[0].
	Call(m *il.MethodRef, args []any) (any, error)

	// CallVirtual dispatches m on the runtime type of args[0].
	CallVirtual(m *il.MethodRef, args []any) (any, error)

	// Out is where framework console output goes.
	Out() io.Writer
}

// Native implements a runtime-provided method. Instance methods receive the
// receiver as args[0].
type Native func(c Caller, args []any) (any, error)

// Array is a single-dimension array.
type Array struct {
	Elem  il.TypeSig
	Items []any
}

// NewArray creates an array of n default elements.
func NewArray(elem il.TypeSig, n int) *Array {
	a := &Array{Elem: elem, Items: make([]any, n)}
	if d := elem.Default(); d != nil {
		for i := range a.Items {
			a.Items[i] = d
		}
	}
	return a
}

// TypeName implements Object.
func (a *Array) TypeName() string { return string(a.Elem.ArrayOf()) }

// Index validates i and returns it as an int.
func (a *Array) Index(i int64) (int, error) {
	if i < 0 || i >= int64(len(a.Items)) {
		return 0, fmt.Errorf("array index %d (length %d): %w", i, len(a.Items), ErrArgumentOutOfRange)
	}
	return int(i), nil
}

// MemberKind discriminates MemberInfo.
type MemberKind int64

const (
	MemberMethod MemberKind = iota
	MemberProperty
	MemberEvent
)

// MemberInfo is the member metadata exposed to advice.
type MemberInfo struct {
	Kind          MemberKind
	DeclaringType string
	Name          string
	Method        *il.MethodRef
}

// TypeName implements Object.
func (m *MemberInfo) TypeName() string { return MemberInfoType }

func (m *MemberInfo) String() string {
	if m.Method != nil {
		return m.Method.String()
	}
	return m.DeclaringType + "::" + m.Name
}

// Delegate is a bound method pointer, or a multicast list of them.
type Delegate struct {
	Type   string
	Target any
	Method *il.MethodRef
	Static bool

	list []*Delegate
}

// NewDelegate binds method to target.
func NewDelegate(typ string, target any, method *il.MethodRef, static bool) *Delegate {
	return &Delegate{Type: typ, Target: target, Method: method, Static: static}
}

// TypeName implements Object.
func (d *Delegate) TypeName() string { return d.Type }

// InvocationList returns the single-cast delegates in invocation order.
func (d *Delegate) InvocationList() []*Delegate {
	if d == nil {
		return nil
	}
	if d.list != nil {
		return append([]*Delegate(nil), d.list...)
	}
	return []*Delegate{d}
}

// Equal reports whether two single-cast delegates bind the same target and method.
func (d *Delegate) Equal(o *Delegate) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.list != nil || o.list != nil {
		a, b := d.InvocationList(), o.InvocationList()
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
		return true
	}
	return d.Target == o.Target && d.Method.String() == o.Method.String()
}

// CombineDelegates concatenates the invocation lists of a and b.
func CombineDelegates(a, b *Delegate) *Delegate {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	list := append(a.InvocationList(), b.InvocationList()...)
	return &Delegate{Type: a.Type, list: list}
}

// RemoveDelegate removes the last occurrence of value's invocation list
// from src. The result is nil when nothing remains.
func RemoveDelegate(src, value *Delegate) *Delegate {
	if src == nil || value == nil {
		return src
	}
	have, drop := src.InvocationList(), value.InvocationList()
	for i := len(have) - len(drop); i >= 0; i-- {
		match := true
		for j := range drop {
			if !have[i+j].Equal(drop[j]) {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		rest := append(append([]*Delegate(nil), have[:i]...), have[i+len(drop):]...)
		switch len(rest) {
		case 0:
			return nil
		case 1:
			return rest[0]
		default:
			return &Delegate{Type: src.Type, list: rest}
		}
	}
	return src
}

// Invoke calls every delegate in the invocation list and returns the last
// result.
func (d *Delegate) Invoke(c Caller, args []any) (any, error) {
	var result any
	for _, s := range d.InvocationList() {
		callArgs := args
		if !s.Static {
			callArgs = append([]any{s.Target}, args...)
		}
		v, err := c.Call(s.Method, callArgs)
		if err != nil {
			return nil, err
		}
		result = v
	}
	return result, nil
}
