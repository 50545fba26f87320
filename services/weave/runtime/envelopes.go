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

import "fmt"

// MethodExecutionArgs is the envelope passed to boundary advice.
//
// Fields the aspect's features do not require are left at their zero
// value by woven code.
type MethodExecutionArgs struct {
	Instance     any
	Arguments    *Arguments
	ReturnValue  any
	Exception    any
	FlowBehavior FlowBehavior
	YieldValue   any
	Method       *MemberInfo
	Tag          any
}

// NewMethodExecutionArgs creates a boundary envelope.
func NewMethodExecutionArgs(instance any, args *Arguments) *MethodExecutionArgs {
	return &MethodExecutionArgs{Instance: instance, Arguments: args}
}

// TypeName implements Object.
func (*MethodExecutionArgs) TypeName() string { return MethodExecutionArgsType }

// MethodInterceptionArgs is the envelope passed to OnInvoke.
type MethodInterceptionArgs struct {
	Instance    any
	Arguments   *Arguments
	ReturnValue any
	Binding     any
	Method      *MemberInfo
	Tag         any
}

// NewMethodInterceptionArgs creates an interception envelope bound to binding.
func NewMethodInterceptionArgs(instance any, args *Arguments, binding any) *MethodInterceptionArgs {
	return &MethodInterceptionArgs{Instance: instance, Arguments: args, Binding: binding}
}

// TypeName implements Object.
func (*MethodInterceptionArgs) TypeName() string { return MethodInterceptionArgsType }

// Proceed invokes the next implementation with the envelope's arguments
// and stores its result in ReturnValue.
func (a *MethodInterceptionArgs) Proceed(c Caller) error {
	v, err := a.Invoke(c, a.Arguments)
	if err != nil {
		return err
	}
	a.ReturnValue = v
	return nil
}

// Invoke invokes the next implementation with args and returns its result
// without touching ReturnValue.
func (a *MethodInterceptionArgs) Invoke(c Caller, args *Arguments) (any, error) {
	if a.Binding == nil {
		return nil, fmt.Errorf("method interception has no binding: %w", ErrInvalidOperation)
	}
	return c.CallVirtual(MethodBindingInvoke, []any{a.Binding, a.Instance, ref(args)})
}

// LocationInterceptionArgs is the envelope passed to OnGetValue/OnSetValue.
type LocationInterceptionArgs struct {
	Instance any
	Index    *Arguments
	Value    any
	Binding  any
	Location *MemberInfo
	Tag      any
}

// NewLocationInterceptionArgs creates a location envelope.
func NewLocationInterceptionArgs(instance any, index *Arguments, binding any) *LocationInterceptionArgs {
	if index == nil {
		index = NewArguments()
	}
	return &LocationInterceptionArgs{Instance: instance, Index: index, Binding: binding}
}

// TypeName implements Object.
func (*LocationInterceptionArgs) TypeName() string { return LocationInterceptionArgsType }

// ProceedGetValue reads the underlying location into Value.
func (a *LocationInterceptionArgs) ProceedGetValue(c Caller) error {
	v, err := a.GetCurrentValue(c)
	if err != nil {
		return err
	}
	a.Value = v
	return nil
}

// ProceedSetValue writes Value to the underlying location.
func (a *LocationInterceptionArgs) ProceedSetValue(c Caller) error {
	return a.SetNewValue(c, a.Value)
}

// GetCurrentValue reads the underlying location without changing Value.
func (a *LocationInterceptionArgs) GetCurrentValue(c Caller) (any, error) {
	if a.Binding == nil {
		return nil, fmt.Errorf("location interception has no binding: %w", ErrInvalidOperation)
	}
	return c.CallVirtual(LocationBindingGetValue, []any{a.Binding, a.Instance, ref(a.Index)})
}

// SetNewValue writes v to the underlying location without changing Value.
func (a *LocationInterceptionArgs) SetNewValue(c Caller, v any) error {
	if a.Binding == nil {
		return fmt.Errorf("location interception has no binding: %w", ErrInvalidOperation)
	}
	_, err := c.CallVirtual(LocationBindingSetValue, []any{a.Binding, a.Instance, ref(a.Index), v})
	return err
}

// EventInterceptionArgs is the envelope passed to event advice.
type EventInterceptionArgs struct {
	Instance    any
	Handler     *Delegate
	Arguments   *Arguments
	ReturnValue any
	Binding     any
	Event       *MemberInfo
	Tag         any
}

// NewEventInterceptionArgs creates an event envelope.
func NewEventInterceptionArgs(instance any, handler *Delegate, binding any) *EventInterceptionArgs {
	return &EventInterceptionArgs{Instance: instance, Handler: handler, Binding: binding}
}

// TypeName implements Object.
func (*EventInterceptionArgs) TypeName() string { return EventInterceptionArgsType }

func (a *EventInterceptionArgs) binding() error {
	if a.Binding == nil {
		return fmt.Errorf("event interception has no binding: %w", ErrInvalidOperation)
	}
	return nil
}

// ProceedAddHandler subscribes Handler through the original add accessor.
func (a *EventInterceptionArgs) ProceedAddHandler(c Caller) error {
	return a.AddHandler(c, a.Handler)
}

// ProceedRemoveHandler unsubscribes Handler through the original remove accessor.
func (a *EventInterceptionArgs) ProceedRemoveHandler(c Caller) error {
	return a.RemoveHandler(c, a.Handler)
}

// ProceedInvokeHandler invokes Handler with Arguments and stores the result.
func (a *EventInterceptionArgs) ProceedInvokeHandler(c Caller) error {
	v, err := a.InvokeHandler(c, a.Handler, a.Arguments)
	if err != nil {
		return err
	}
	a.ReturnValue = v
	return nil
}

// AddHandler subscribes h through the original add accessor.
func (a *EventInterceptionArgs) AddHandler(c Caller, h *Delegate) error {
	if err := a.binding(); err != nil {
		return err
	}
	_, err := c.CallVirtual(EventBindingAddHandler, []any{a.Binding, a.Instance, ref(h)})
	return err
}

// RemoveHandler unsubscribes h through the original remove accessor.
func (a *EventInterceptionArgs) RemoveHandler(c Caller, h *Delegate) error {
	if err := a.binding(); err != nil {
		return err
	}
	_, err := c.CallVirtual(EventBindingRemoveHandler, []any{a.Binding, a.Instance, ref(h)})
	return err
}

// InvokeHandler invokes h with args through the binding.
func (a *EventInterceptionArgs) InvokeHandler(c Caller, h *Delegate, args *Arguments) (any, error) {
	if err := a.binding(); err != nil {
		return nil, err
	}
	if args == nil {
		args = NewArguments()
	}
	return c.CallVirtual(EventBindingInvokeHandler, []any{a.Binding, a.Instance, ref(h), ref(args)})
}

// ref converts a possibly nil pointer into a program value, so a nil
// pointer becomes null rather than a typed nil.
func ref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return p
}
