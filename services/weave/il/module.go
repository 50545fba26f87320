// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package il defines the structural and instruction-level model of a
// compiled program: modules, types, members, custom attributes and
// label-addressed method bodies for a small stack machine.
//
// The weaver only ever reads and rewrites this model. Nothing here parses
// source text.
package il

import (
	"fmt"
	"strings"
)

// Visibility is the accessibility of a type or member.
type Visibility uint8

const (
	VisPrivate Visibility = iota
	VisFamANDAssem
	VisAssembly
	VisFamily
	VisFamORAssem
	VisPublic
)

var visNames = [...]string{"private", "private protected", "internal", "protected", "protected internal", "public"}

func (v Visibility) String() string {
	if int(v) < len(visNames) {
		return visNames[v]
	}
	return "unknown"
}

// TypeKind classifies a type definition.
type TypeKind uint8

const (
	KindClass TypeKind = iota
	KindStruct
	KindEnum
	KindInterface
	KindDelegate
)

func (k TypeKind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindStruct:
		return "struct"
	case KindEnum:
		return "enum"
	case KindInterface:
		return "interface"
	case KindDelegate:
		return "delegate"
	default:
		return "unknown"
	}
}

// TypeFlags are additional type attributes.
type TypeFlags uint32

const (
	TypeAbstract TypeFlags = 1 << iota
	TypeSealed
	TypeCompilerGenerated
)

// MethodFlags are method attributes.
type MethodFlags uint32

const (
	MethodStatic MethodFlags = 1 << iota
	MethodVirtual
	MethodAbstract
	MethodNewSlot
	MethodFinal
	MethodSpecialName
	MethodCompilerGenerated
	// MethodRuntime marks a method implemented by the execution engine
	// (delegate Invoke, runtime support natives).
	MethodRuntime
)

// FieldFlags are field attributes.
type FieldFlags uint32

const (
	FieldStatic FieldFlags = 1 << iota
	FieldInitOnly
	FieldCompilerGenerated
)

// ParamFlags are parameter attributes.
type ParamFlags uint32

const (
	ParamIn ParamFlags = 1 << iota
	ParamOut
)

// Well-known method names.
const (
	CtorName  = ".ctor"
	CctorName = ".cctor"
)

// ModuleRef names a referenced module and the version it was compiled against.
type ModuleRef struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Module is a compiled assembly.
type Module struct {
	Name       string             `json:"name"`
	Version    string             `json:"version,omitempty"`
	Framework  bool               `json:"framework,omitempty"`
	References []ModuleRef        `json:"references,omitempty"`
	Attributes []*CustomAttribute `json:"attributes,omitempty"`
	Types      []*TypeDef         `json:"types,omitempty"`
}

// ReferencesModule reports whether the module directly references name.
func (m *Module) ReferencesModule(name string) bool {
	for _, r := range m.References {
		if r.Name == name {
			return true
		}
	}
	return false
}

// AllTypes returns every type in the module including nested types, in
// declaration order (outer before inner).
func (m *Module) AllTypes() []*TypeDef {
	var out []*TypeDef
	var walk func(ts []*TypeDef)
	walk = func(ts []*TypeDef) {
		for _, t := range ts {
			out = append(out, t)
			walk(t.NestedTypes)
		}
	}
	walk(m.Types)
	return out
}

// TypeDef is a type definition.
type TypeDef struct {
	Namespace        string             `json:"namespace,omitempty"`
	Name             string             `json:"name"`
	Kind             TypeKind           `json:"kind"`
	Visibility       Visibility         `json:"visibility"`
	Flags            TypeFlags          `json:"flags,omitempty"`
	BaseType         string             `json:"base_type,omitempty"`
	Interfaces       []string           `json:"interfaces,omitempty"`
	GenericParams    []string           `json:"generic_params,omitempty"`
	CustomAttributes []*CustomAttribute `json:"custom_attributes,omitempty"`
	Fields           []*FieldDef        `json:"fields,omitempty"`
	Methods          []*MethodDef       `json:"methods,omitempty"`
	Properties       []*PropertyDef     `json:"properties,omitempty"`
	Events           []*EventDef        `json:"events,omitempty"`
	NestedTypes      []*TypeDef         `json:"nested_types,omitempty"`

	Module        *Module  `json:"-"`
	DeclaringType *TypeDef `json:"-"`
}

// FullName returns the type's full name; nested types use "Outer/Inner".
func (t *TypeDef) FullName() string {
	if t.DeclaringType != nil {
		return t.DeclaringType.FullName() + "/" + t.Name
	}
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// Sig returns the type signature naming this type.
func (t *TypeDef) Sig() TypeSig { return TypeSig(t.FullName()) }

func (t *TypeDef) String() string { return t.FullName() }

// IsInterface reports whether the type is an interface.
func (t *TypeDef) IsInterface() bool { return t.Kind == KindInterface }

// IsAbstract reports whether the type is abstract (interfaces are abstract).
func (t *TypeDef) IsAbstract() bool { return t.Flags&TypeAbstract != 0 || t.IsInterface() }

// IsCompilerGenerated reports whether the type was synthesised by a compiler,
// detected either by flag, by marker attribute or by the "<" naming convention.
func (t *TypeDef) IsCompilerGenerated() bool {
	return t.Flags&TypeCompilerGenerated != 0 ||
		strings.ContainsAny(t.Name, "<>") ||
		t.HasAttribute(CompilerGeneratedAttribute)
}

// HasAttribute reports whether a custom attribute of the given type is present.
func (t *TypeDef) HasAttribute(attrType string) bool {
	return FindAttribute(t.CustomAttributes, attrType) != nil
}

// FindMethod returns the first method with the given name and parameter
// signatures. A nil params slice matches any signature.
func (t *TypeDef) FindMethod(name string, params []TypeSig) *MethodDef {
	for _, m := range t.Methods {
		if m.Name != name {
			continue
		}
		if params == nil || SigsEqual(m.ParamSigs(), params) {
			return m
		}
	}
	return nil
}

// MethodsNamed returns every method with the given name.
func (t *TypeDef) MethodsNamed(name string) []*MethodDef {
	var out []*MethodDef
	for _, m := range t.Methods {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// FindField returns the field with the given name.
func (t *TypeDef) FindField(name string) *FieldDef {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FindProperty returns the property with the given name.
func (t *TypeDef) FindProperty(name string) *PropertyDef {
	for _, p := range t.Properties {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// FindEvent returns the event with the given name.
func (t *TypeDef) FindEvent(name string) *EventDef {
	for _, e := range t.Events {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// FindNestedType returns the nested type with the given simple name.
func (t *TypeDef) FindNestedType(name string) *TypeDef {
	for _, n := range t.NestedTypes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// FieldDef is a field definition.
type FieldDef struct {
	Name             string             `json:"name"`
	Type             TypeSig            `json:"type"`
	Visibility       Visibility         `json:"visibility"`
	Flags            FieldFlags         `json:"flags,omitempty"`
	CustomAttributes []*CustomAttribute `json:"custom_attributes,omitempty"`

	DeclaringType *TypeDef `json:"-"`
}

// IsStatic reports whether the field is static.
func (f *FieldDef) IsStatic() bool { return f.Flags&FieldStatic != 0 }

// Ref returns a reference to the field.
func (f *FieldDef) Ref() *FieldRef {
	return &FieldRef{Type: f.DeclaringType.FullName(), Name: f.Name}
}

// ParamDef is a method parameter.
type ParamDef struct {
	Name             string             `json:"name"`
	Type             TypeSig            `json:"type"`
	Flags            ParamFlags         `json:"flags,omitempty"`
	CustomAttributes []*CustomAttribute `json:"custom_attributes,omitempty"`
}

// IsOut reports whether the parameter is an out parameter.
func (p *ParamDef) IsOut() bool { return p.Flags&ParamOut != 0 && p.Type.IsByRef() }

// IsByRef reports whether the parameter is passed by reference.
func (p *ParamDef) IsByRef() bool { return p.Type.IsByRef() }

// MethodDef is a method definition.
type MethodDef struct {
	Name             string             `json:"name"`
	Visibility       Visibility         `json:"visibility"`
	Flags            MethodFlags        `json:"flags,omitempty"`
	ReturnType       TypeSig            `json:"return_type"`
	Parameters       []*ParamDef        `json:"parameters,omitempty"`
	ReturnAttributes []*CustomAttribute `json:"return_attributes,omitempty"`
	GenericParams    []string           `json:"generic_params,omitempty"`
	Overrides        []*MethodRef       `json:"overrides,omitempty"`
	CustomAttributes []*CustomAttribute `json:"custom_attributes,omitempty"`
	Body             *MethodBody        `json:"body,omitempty"`

	DeclaringType *TypeDef `json:"-"`
}

// IsStatic reports whether the method has no instance argument.
func (m *MethodDef) IsStatic() bool { return m.Flags&MethodStatic != 0 }

// IsVirtual reports whether the method participates in virtual dispatch.
func (m *MethodDef) IsVirtual() bool { return m.Flags&(MethodVirtual|MethodAbstract) != 0 }

// IsAbstract reports whether the method has no implementation.
func (m *MethodDef) IsAbstract() bool { return m.Flags&MethodAbstract != 0 }

// IsRuntime reports whether the method is implemented by the execution engine.
func (m *MethodDef) IsRuntime() bool { return m.Flags&MethodRuntime != 0 }

// IsConstructor reports whether the method is an instance or static constructor.
func (m *MethodDef) IsConstructor() bool { return m.Name == CtorName || m.Name == CctorName }

// IsCompilerGenerated reports whether the method was synthesised by a compiler.
func (m *MethodDef) IsCompilerGenerated() bool {
	return m.Flags&MethodCompilerGenerated != 0 ||
		strings.ContainsAny(m.Name, "<>") ||
		FindAttribute(m.CustomAttributes, CompilerGeneratedAttribute) != nil
}

// HasThis reports whether argument 0 is the instance reference.
func (m *MethodDef) HasThis() bool { return !m.IsStatic() }

// ParamSigs returns the parameter type signatures.
func (m *MethodDef) ParamSigs() []TypeSig {
	out := make([]TypeSig, len(m.Parameters))
	for i, p := range m.Parameters {
		out[i] = p.Type
	}
	return out
}

// ArgIndex converts a parameter index into the argument slot index.
func (m *MethodDef) ArgIndex(param int) int {
	if m.HasThis() {
		return param + 1
	}
	return param
}

// FullName returns "Type::Name".
func (m *MethodDef) FullName() string {
	if m.DeclaringType == nil {
		return "::" + m.Name
	}
	return m.DeclaringType.FullName() + "::" + m.Name
}

// Signature returns "Type::Name(p1,p2)".
func (m *MethodDef) Signature() string {
	sigs := make([]string, len(m.Parameters))
	for i, p := range m.Parameters {
		sigs[i] = string(p.Type)
	}
	return m.FullName() + "(" + strings.Join(sigs, ",") + ")"
}

func (m *MethodDef) String() string { return m.Signature() }

// Ref returns a reference resolving back to this method.
func (m *MethodDef) Ref() *MethodRef {
	typeName := ""
	if m.DeclaringType != nil {
		typeName = m.DeclaringType.FullName()
	}
	return &MethodRef{
		Type:   typeName,
		Name:   m.Name,
		Params: m.ParamSigs(),
		Return: m.ReturnType,
	}
}

// PropertyDef is a property or indexer.
type PropertyDef struct {
	Name             string             `json:"name"`
	Type             TypeSig            `json:"type"`
	Getter           string             `json:"getter,omitempty"`
	Setter           string             `json:"setter,omitempty"`
	CustomAttributes []*CustomAttribute `json:"custom_attributes,omitempty"`

	DeclaringType *TypeDef `json:"-"`
}

// GetMethod returns the getter definition, if any.
func (p *PropertyDef) GetMethod() *MethodDef {
	if p.Getter == "" || p.DeclaringType == nil {
		return nil
	}
	return p.DeclaringType.FindMethod(p.Getter, nil)
}

// SetMethod returns the setter definition, if any.
func (p *PropertyDef) SetMethod() *MethodDef {
	if p.Setter == "" || p.DeclaringType == nil {
		return nil
	}
	return p.DeclaringType.FindMethod(p.Setter, nil)
}

// IndexParameters returns the indexer parameters (empty for plain properties).
func (p *PropertyDef) IndexParameters() []*ParamDef {
	if g := p.GetMethod(); g != nil {
		return g.Parameters
	}
	if s := p.SetMethod(); s != nil && len(s.Parameters) > 0 {
		return s.Parameters[:len(s.Parameters)-1]
	}
	return nil
}

// Accessors returns the non-nil accessor methods.
func (p *PropertyDef) Accessors() []*MethodDef {
	var out []*MethodDef
	if g := p.GetMethod(); g != nil {
		out = append(out, g)
	}
	if s := p.SetMethod(); s != nil {
		out = append(out, s)
	}
	return out
}

// EventDef is an event.
type EventDef struct {
	Name             string             `json:"name"`
	DelegateType     TypeSig            `json:"delegate_type"`
	Adder            string             `json:"adder,omitempty"`
	Remover          string             `json:"remover,omitempty"`
	BackingField     string             `json:"backing_field,omitempty"`
	CustomAttributes []*CustomAttribute `json:"custom_attributes,omitempty"`

	DeclaringType *TypeDef `json:"-"`
}

// AddMethod returns the add accessor.
func (e *EventDef) AddMethod() *MethodDef {
	if e.DeclaringType == nil {
		return nil
	}
	return e.DeclaringType.FindMethod(e.Adder, nil)
}

// RemoveMethod returns the remove accessor.
func (e *EventDef) RemoveMethod() *MethodDef {
	if e.DeclaringType == nil {
		return nil
	}
	return e.DeclaringType.FindMethod(e.Remover, nil)
}

// Field returns the backing delegate field, if any.
func (e *EventDef) Field() *FieldDef {
	if e.DeclaringType == nil || e.BackingField == "" {
		return nil
	}
	return e.DeclaringType.FindField(e.BackingField)
}

// Accessors returns the non-nil accessor methods.
func (e *EventDef) Accessors() []*MethodDef {
	var out []*MethodDef
	if a := e.AddMethod(); a != nil {
		out = append(out, a)
	}
	if r := e.RemoveMethod(); r != nil {
		out = append(out, r)
	}
	return out
}

// MethodRef refers to a method by declaring type, name and parameters.
// A nil Params slice matches any overload; resolution then requires the
// name to be unique.
type MethodRef struct {
	Type   string    `json:"type"`
	Name   string    `json:"name"`
	Params []TypeSig `json:"params"`
	Return TypeSig   `json:"return,omitempty"`
}

func (r *MethodRef) String() string {
	if r == nil {
		return "<nil>"
	}
	sigs := make([]string, len(r.Params))
	for i, p := range r.Params {
		sigs[i] = string(p)
	}
	return fmt.Sprintf("%s::%s(%s)", r.Type, r.Name, strings.Join(sigs, ","))
}

// FullName returns "Type::Name".
func (r *MethodRef) FullName() string { return r.Type + "::" + r.Name }

// FieldRef refers to a field by declaring type and name.
type FieldRef struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

func (r *FieldRef) String() string { return r.Type + "::" + r.Name }
