// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vm executes programs in the il model.
//
// The machine interprets method bodies directly: an evaluation stack per
// frame, label-addressed branches, catch and finally regions, virtual
// dispatch through the program's type hierarchy, and runtime support
// members implemented by runtime.Natives. It exists so woven programs can be
// run and checked, and so pointcut code can be evaluated at build time.
//
// Values are int64 (integers and booleans), float64, string, nil, *Object
// for program-defined instances and the host objects of the runtime
// package.
package vm

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
)

// Options configures a Machine.
type Options struct {
	// Output receives console output. Default: io.Discard.
	Output io.Writer

	// StepLimit bounds the number of instructions executed over the life
	// of the machine. Zero disables the limit. Default: 10,000,000.
	StepLimit int64

	// MaxDepth bounds the call depth. Default: 256.
	MaxDepth int

	// Natives are added to, and override, runtime.Natives.
	Natives map[string]runtime.Native

	// Logger receives debug records. Default: slog.Default().
	Logger *slog.Logger
}

// Option is a functional option for configuring a Machine.
type Option func(*Options)

// WithOutput sets the console writer.
func WithOutput(w io.Writer) Option {
	return func(o *Options) {
		o.Output = w
	}
}

// WithStepLimit sets the instruction budget.
func WithStepLimit(n int64) Option {
	return func(o *Options) {
		o.StepLimit = n
	}
}

// WithMaxDepth sets the maximum call depth.
func WithMaxDepth(n int) Option {
	return func(o *Options) {
		o.MaxDepth = n
	}
}

// WithNative registers an extra native for "Type::Name".
func WithNative(fullName string, fn runtime.Native) Option {
	return func(o *Options) {
		if o.Natives == nil {
			o.Natives = make(map[string]runtime.Native)
		}
		o.Natives[fullName] = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// Machine is an interpreter over one program.
//
// Thread Safety:
//
//	A Machine is not safe for concurrent use. Run one machine per
//	goroutine; machines over the same program may run concurrently as long
//	as nothing mutates the program.
type Machine struct {
	prog    *il.Program
	opts    Options
	natives map[string]runtime.Native
	logger  *slog.Logger

	statics     map[string]any
	initialized map[*il.TypeDef]bool
	methods     map[*il.MethodRef]*il.MethodDef
	bodies      map[*il.MethodDef]*compiled

	steps int64
	depth int
}

// New creates a machine over p.
func New(p *il.Program, opts ...Option) *Machine {
	o := Options{
		Output:    io.Discard,
		StepLimit: 10_000_000,
		MaxDepth:  256,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	natives := runtime.Natives()
	for k, fn := range o.Natives {
		natives[k] = fn
	}
	return &Machine{
		prog:        p,
		opts:        o,
		natives:     natives,
		logger:      o.Logger.With(slog.String("component", "vm")),
		statics:     make(map[string]any),
		initialized: make(map[*il.TypeDef]bool),
		methods:     make(map[*il.MethodRef]*il.MethodDef),
		bodies:      make(map[*il.MethodDef]*compiled),
	}
}

// Program returns the program the machine runs.
func (m *Machine) Program() *il.Program { return m.prog }

// Out implements runtime.Caller.
func (m *Machine) Out() io.Writer { return m.opts.Output }

// Steps returns the number of instructions executed so far.
func (m *Machine) Steps() int64 { return m.steps }

// Call implements runtime.Caller: it invokes ref non-virtually.
func (m *Machine) Call(ref *il.MethodRef, args []any) (any, error) {
	md, err := m.resolveMethod(ref)
	if err != nil {
		return nil, err
	}
	return m.invoke(md, args)
}

// CallVirtual implements runtime.Caller: it dispatches ref on args[0].
func (m *Machine) CallVirtual(ref *il.MethodRef, args []any) (any, error) {
	md, err := m.resolveMethod(ref)
	if err != nil {
		return nil, err
	}
	return m.callVirtual(md, args)
}

// Invoke runs md with host-supplied arguments. Instance methods take the
// receiver first.
//
// Outputs:
//
//	any - The return value, nil for void methods.
//	error - An *Exception when program code throws and nothing catches
//	it, or a machine fault (ErrInvalidProgram, ErrStepLimit,
//	ErrStackOverflow).
func (m *Machine) Invoke(md *il.MethodDef, args ...any) (any, error) {
	for i := range args {
		args[i] = normalize(args[i])
	}
	v, err := m.invoke(md, args)
	if exc, ok := AsException(err); ok {
		m.logger.Debug("unhandled exception",
			slog.String("method", md.FullName()),
			slog.String("exception", exc.TypeName()),
			slog.String("message", exc.Message()))
	}
	return v, err
}

// InvokeVirtual is Invoke with virtual dispatch on args[0].
func (m *Machine) InvokeVirtual(md *il.MethodDef, args ...any) (any, error) {
	for i := range args {
		args[i] = normalize(args[i])
	}
	return m.callVirtual(md, args)
}

// Run invokes the static method typeName::method. The method must not be
// overloaded.
func (m *Machine) Run(typeName, method string, args ...any) (any, error) {
	md, err := m.prog.ResolveMethod(&il.MethodRef{Type: typeName, Name: method})
	if err != nil {
		return nil, err
	}
	if !md.IsStatic() {
		return nil, fmt.Errorf("%s is an instance method: %w", md, ErrInvalidProgram)
	}
	return m.Invoke(md, args...)
}

// NewObject allocates an instance and runs the constructor ctor names.
func (m *Machine) NewObject(ctor *il.MethodRef, args ...any) (any, error) {
	md, err := m.resolveMethod(ctor)
	if err != nil {
		return nil, err
	}
	for i := range args {
		args[i] = normalize(args[i])
	}
	return m.newObject(md, args)
}

// LoadStatic returns the current value of a static field.
func (m *Machine) LoadStatic(ref *il.FieldRef) (any, error) {
	key, fd, err := m.staticKey(ref)
	if err != nil {
		return nil, err
	}
	if v, ok := m.statics[key]; ok {
		return v, nil
	}
	return fd.Type.Default(), nil
}

func (m *Machine) resolveMethod(ref *il.MethodRef) (*il.MethodDef, error) {
	if md, ok := m.methods[ref]; ok {
		return md, nil
	}
	md, err := m.prog.ResolveMethod(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}
	m.methods[ref] = md
	return md, nil
}

func (m *Machine) staticKey(ref *il.FieldRef) (string, *il.FieldDef, error) {
	fd, err := m.prog.ResolveField(ref)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}
	if !fd.IsStatic() {
		return "", nil, fmt.Errorf("field %s is not static: %w", ref, ErrInvalidProgram)
	}
	return fd.DeclaringType.FullName() + "::" + fd.Name, fd, nil
}

// ensureInit runs t's static constructor once.
func (m *Machine) ensureInit(t *il.TypeDef) error {
	if t == nil || m.initialized[t] {
		return nil
	}
	m.initialized[t] = true
	cctor := t.FindMethod(il.CctorName, nil)
	if cctor == nil || cctor.Body == nil {
		return nil
	}
	_, err := m.execute(cctor, nil)
	return err
}

// callVirtual dispatches md on the runtime type of args[0].
func (m *Machine) callVirtual(md *il.MethodDef, args []any) (any, error) {
	if md.IsStatic() {
		return m.invoke(md, args)
	}
	if len(args) == 0 || args[0] == nil {
		return nil, fmt.Errorf("callvirt %s on null: %w", md.FullName(), runtime.ErrNullReference)
	}
	if !md.IsVirtual() {
		return m.invoke(md, args)
	}
	switch recv := args[0].(type) {
	case *Object:
		return m.invoke(m.prog.FindOverride(recv.Type, md), args)
	case runtime.Object:
		if fn, ok := m.natives[recv.TypeName()+"::"+md.Name]; ok {
			return m.callNative(md, fn, args)
		}
		if t := m.prog.LookupType(recv.TypeName()); t != nil {
			return m.invoke(m.prog.FindOverride(t, md), args)
		}
	}
	return m.invoke(md, args)
}

// invoke runs md without dispatch.
func (m *Machine) invoke(md *il.MethodDef, args []any) (any, error) {
	want := len(md.Parameters)
	if md.HasThis() {
		want++
	}
	if len(args) != want {
		return nil, fmt.Errorf("%s: got %d arguments, want %d: %w", md, len(args), want, ErrInvalidProgram)
	}
	if md.IsStatic() && md.Name != il.CctorName {
		if err := m.ensureInit(md.DeclaringType); err != nil {
			return nil, err
		}
	}
	if md.IsRuntime() {
		return m.invokeRuntime(md, args)
	}
	if md.Body == nil {
		return nil, fmt.Errorf("%s has no body: %w", md, ErrInvalidProgram)
	}
	return m.execute(md, args)
}

func (m *Machine) invokeRuntime(md *il.MethodDef, args []any) (any, error) {
	if md.DeclaringType != nil && md.DeclaringType.Kind == il.KindDelegate && md.Name == "Invoke" {
		d, err := runtime.As[*runtime.Delegate](args[0])
		if err != nil {
			return nil, err
		}
		if d == nil {
			return nil, fmt.Errorf("invoke %s on null: %w", md.FullName(), runtime.ErrNullReference)
		}
		return d.Invoke(m, args[1:])
	}
	fn, ok := m.natives[md.FullName()]
	if !ok {
		return nil, fmt.Errorf("no native implementation for %s: %w", md.FullName(), ErrInvalidProgram)
	}
	return m.callNative(md, fn, args)
}

func (m *Machine) callNative(md *il.MethodDef, fn runtime.Native, args []any) (any, error) {
	if m.depth >= m.opts.MaxDepth {
		return nil, fmt.Errorf("%s: %w", md.FullName(), ErrStackOverflow)
	}
	m.depth++
	defer func() { m.depth-- }()
	v, err := fn(m, args)
	if err != nil {
		return nil, err
	}
	return normalize(v), nil
}

// newObject allocates an instance of md's declaring type and runs md.
func (m *Machine) newObject(md *il.MethodDef, args []any) (any, error) {
	t := md.DeclaringType
	if t == nil || md.Name != il.CtorName {
		return nil, fmt.Errorf("newobj %s: not a constructor: %w", md, ErrInvalidProgram)
	}
	if t.Kind == il.KindDelegate {
		return m.newDelegate(t, args)
	}
	if md.IsRuntime() {
		fn, ok := m.natives[md.FullName()]
		if !ok {
			return nil, fmt.Errorf("no native constructor for %s: %w", t.FullName(), ErrInvalidProgram)
		}
		return m.callNative(md, fn, args)
	}
	if t.IsAbstract() {
		return nil, fmt.Errorf("newobj on abstract type %s: %w", t.FullName(), ErrInvalidProgram)
	}
	if err := m.ensureInit(t); err != nil {
		return nil, err
	}
	obj := &Object{Type: t, Fields: m.instanceFields(t)}
	if _, err := m.invoke(md, append([]any{obj}, args...)); err != nil {
		return nil, err
	}
	return obj, nil
}

// newDelegate binds a method pointer pushed by ldftn to a target.
func (m *Machine) newDelegate(t *il.TypeDef, args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("delegate %s constructor takes a target and a method: %w", t.FullName(), ErrInvalidProgram)
	}
	fn, ok := args[1].(*il.MethodRef)
	if !ok {
		return nil, fmt.Errorf("delegate %s: method operand is %T: %w", t.FullName(), args[1], ErrInvalidProgram)
	}
	target, err := m.resolveMethod(fn)
	if err != nil {
		return nil, err
	}
	if !target.IsStatic() && args[0] == nil {
		return nil, fmt.Errorf("delegate to instance method %s with null target: %w", target.FullName(), runtime.ErrNullReference)
	}
	return runtime.NewDelegate(t.FullName(), args[0], target.Ref(), target.IsStatic()), nil
}

// isInstance reports whether v can be stored in a slot of type t.
func (m *Machine) isInstance(v any, t il.TypeSig) bool {
	if t == il.Object || string(t) == il.FrameworkObject {
		return true
	}
	switch x := v.(type) {
	case nil:
		return !t.IsInteger() && !t.IsFloat()
	case int64:
		if t.IsInteger() {
			return true
		}
		td := m.prog.LookupType(string(t))
		return td != nil && td.Kind == il.KindEnum
	case float64:
		return t.IsFloat()
	case string:
		return t == il.String || t == "System.String"
	case Ref:
		return t.IsByRef()
	case *Object:
		return m.prog.IsAssignable(x.Type, string(t))
	case *runtime.Array:
		return t.IsArray()
	case runtime.Object:
		if x.TypeName() == string(t) {
			return true
		}
		td := m.prog.LookupType(x.TypeName())
		return td != nil && m.prog.IsAssignable(td, string(t))
	}
	return false
}

// defaultOf returns the value a fresh slot of type t holds.
func (m *Machine) defaultOf(t il.TypeSig) any {
	if td := m.prog.LookupType(string(t)); td != nil && td.Kind == il.KindStruct {
		return &Object{Type: td, Fields: m.instanceFields(td)}
	}
	return t.Default()
}
