// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vm

import (
	"errors"
	"fmt"

	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
)

// Machine faults. These are not catchable by program code.
var (
	ErrInvalidProgram = errors.New("invalid program")
	ErrStepLimit      = errors.New("step limit exceeded")
	ErrStackOverflow  = errors.New("call depth exceeded")
)

// Exception is a thrown program exception. It travels through Go code as an
// error and is caught by catch handlers whose type matches Value.
type Exception struct {
	Value  *Object
	Method string
}

func (e *Exception) Error() string {
	if e.Method == "" {
		return "unhandled " + e.Value.String()
	}
	return fmt.Sprintf("unhandled %s (thrown in %s)", e.Value, e.Method)
}

// TypeName returns the exception's runtime type.
func (e *Exception) TypeName() string { return e.Value.TypeName() }

// Message returns the exception's message field.
func (e *Exception) Message() string {
	return runtime.FormatValue(e.Value.Fields[runtime.ExceptionMessageField])
}

// AsException extracts a program exception from err.
func AsException(err error) (*Exception, bool) {
	var exc *Exception
	if errors.As(err, &exc) {
		return exc, true
	}
	return nil, false
}

// NewException allocates an exception object of the named type with the
// given message, without running a constructor.
func (m *Machine) NewException(typeName, message string) (*Exception, error) {
	t, err := m.prog.ResolveType(typeName)
	if err != nil {
		return nil, fmt.Errorf("exception type: %w", err)
	}
	obj := &Object{Type: t, Fields: m.instanceFields(t)}
	obj.Fields[runtime.ExceptionMessageField] = message
	return &Exception{Value: obj}, nil
}

// catchable converts err into a program exception. Exceptions raised by
// runtime support members become framework exceptions; machine faults and
// other host errors are not catchable.
func (m *Machine) catchable(err error, where string) (*Exception, bool) {
	if exc, ok := AsException(err); ok {
		return exc, true
	}
	for _, sentinel := range []error{
		runtime.ErrArgumentOutOfRange, runtime.ErrInvalidOperation,
		runtime.ErrNullReference, runtime.ErrInvalidCast,
	} {
		if !errors.Is(err, sentinel) {
			continue
		}
		exc, nerr := m.NewException(runtime.ExceptionTypeFor(err), err.Error())
		if nerr != nil {
			return nil, false
		}
		exc.Method = where
		return exc, true
	}
	return nil, false
}
