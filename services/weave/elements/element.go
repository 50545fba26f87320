// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package elements builds the program element graph: every assembly,
// type, member, parameter and return value of the program's non-framework
// reference closure, joined by containment and derivation edges.
package elements

import (
	"strconv"
	"strings"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/marker"
)

// Kind classifies a program element.
type Kind uint8

const (
	KindAssembly Kind = iota
	KindType
	KindMethod
	KindProperty
	KindEvent
	KindField
	KindParameter
	KindReturnValue
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindAssembly:
		return "assembly"
	case KindType:
		return "type"
	case KindMethod:
		return "method"
	case KindProperty:
		return "property"
	case KindEvent:
		return "event"
	case KindField:
		return "field"
	case KindParameter:
		return "parameter"
	case KindReturnValue:
		return "return"
	default:
		return "unknown"
	}
}

// IsMember reports whether elements of the kind are type members.
func (k Kind) IsMember() bool {
	return k == KindMethod || k == KindProperty || k == KindEvent || k == KindField
}

// ID is the structural identity of an element. It is derived from names
// and signatures only, so it is stable within one build and across builds
// of the same program.
//
// Format follows documentation-comment IDs: a kind prefix, the module in
// brackets, then the qualified name.
//
//	A:App
//	T:[App]App.Models.User
//	M:[App]App.Models.User::Rename(string)
//	P:[App]App.Models.User::Name
//	E:[App]App.Models.User::Changed
//	F:[App]App.Models.User::count
//	M:[App]App.Models.User::Rename(string)#0
//	M:[App]App.Models.User::Rename(string)#return
type ID string

// AssemblyID returns the ID of a module.
func AssemblyID(m *il.Module) ID { return ID("A:" + m.Name) }

// TypeID returns the ID of a type.
func TypeID(t *il.TypeDef) ID { return ID("T:" + qualified(t)) }

// MethodID returns the ID of a method.
func MethodID(m *il.MethodDef) ID {
	sigs := make([]string, len(m.Parameters))
	for i, p := range m.Parameters {
		sigs[i] = string(p.Type)
	}
	return ID("M:" + qualified(m.DeclaringType) + "::" + m.Name + "(" + strings.Join(sigs, ",") + ")")
}

// PropertyID returns the ID of a property.
func PropertyID(p *il.PropertyDef) ID { return ID("P:" + qualified(p.DeclaringType) + "::" + p.Name) }

// EventID returns the ID of an event.
func EventID(e *il.EventDef) ID { return ID("E:" + qualified(e.DeclaringType) + "::" + e.Name) }

// FieldID returns the ID of a field.
func FieldID(f *il.FieldDef) ID { return ID("F:" + qualified(f.DeclaringType) + "::" + f.Name) }

// ParameterID returns the ID of parameter i of m.
func ParameterID(m *il.MethodDef, i int) ID { return MethodID(m) + ID("#"+strconv.Itoa(i)) }

// ReturnID returns the ID of the return value of m.
func ReturnID(m *il.MethodDef) ID { return MethodID(m) + "#return" }

func qualified(t *il.TypeDef) string {
	if t == nil {
		return "?"
	}
	mod := ""
	if t.Module != nil {
		mod = t.Module.Name
	}
	return "[" + mod + "]" + t.FullName()
}

// Element is one node of the graph.
//
// Exactly the definition fields matching Kind are set: Module for
// assemblies, Type for types (and as the declaring type of members),
// Method for methods, parameters and return values, Property, Event or
// Field for those members, and Param with ParamIndex for parameters.
type Element struct {
	ID     ID
	Kind   Kind
	Parent ID

	// Target is the single element-kind bit markers filter on.
	Target marker.Targets

	// Name is matched by marker name filters: the module name, the full
	// type name, or the simple member or parameter name.
	Name string

	// Attributes are the characteristics matched by marker attribute masks.
	Attributes marker.Attributes

	Module     *il.Module
	Type       *il.TypeDef
	Method     *il.MethodDef
	Property   *il.PropertyDef
	Event      *il.EventDef
	Field      *il.FieldDef
	Param      *il.ParamDef
	ParamIndex int
}

// CustomAttributes returns the attributes declared on the element.
func (e *Element) CustomAttributes() []*il.CustomAttribute {
	switch e.Kind {
	case KindAssembly:
		return e.Module.Attributes
	case KindType:
		return e.Type.CustomAttributes
	case KindMethod:
		return e.Method.CustomAttributes
	case KindProperty:
		return e.Property.CustomAttributes
	case KindEvent:
		return e.Event.CustomAttributes
	case KindField:
		return e.Field.CustomAttributes
	case KindParameter:
		return e.Param.CustomAttributes
	case KindReturnValue:
		return e.Method.ReturnAttributes
	default:
		return nil
	}
}

// Candidate returns the element as offered to marker filters.
func (e *Element) Candidate(main *il.Module) marker.Candidate {
	return marker.Candidate{Name: e.Name, Attributes: e.Attributes, External: e.Module != main}
}

func (e *Element) String() string { return string(e.ID) }

func visibility(v il.Visibility) marker.Attributes {
	switch v {
	case il.VisPrivate:
		return marker.AttrPrivate
	case il.VisFamANDAssem:
		return marker.AttrInternalAndProtected
	case il.VisAssembly:
		return marker.AttrInternal
	case il.VisFamily:
		return marker.AttrProtected
	case il.VisFamORAssem:
		return marker.AttrInternalOrProtected
	default:
		return marker.AttrPublic
	}
}

func generation(generated bool) marker.Attributes {
	if generated {
		return marker.AttrCompilerGenerated
	}
	return marker.AttrUserGenerated
}

func pick(cond bool, yes, no marker.Attributes) marker.Attributes {
	if cond {
		return yes
	}
	return no
}

func typeTarget(t *il.TypeDef) marker.Targets {
	switch t.Kind {
	case il.KindStruct:
		return marker.TargetStruct
	case il.KindEnum:
		return marker.TargetEnum
	case il.KindInterface:
		return marker.TargetInterface
	case il.KindDelegate:
		return marker.TargetDelegate
	default:
		return marker.TargetClass
	}
}

func typeAttributes(t *il.TypeDef) marker.Attributes {
	static := t.Kind == il.KindClass && t.Flags&il.TypeAbstract != 0 && t.Flags&il.TypeSealed != 0
	return visibility(t.Visibility) |
		pick(static, marker.AttrStatic, marker.AttrInstance) |
		pick(t.IsAbstract() && !static, marker.AttrAbstract, marker.AttrNonAbstract) |
		generation(t.IsCompilerGenerated())
}

func methodTarget(m *il.MethodDef) marker.Targets {
	switch m.Name {
	case il.CtorName:
		return marker.TargetInstanceConstructor
	case il.CctorName:
		return marker.TargetStaticConstructor
	default:
		return marker.TargetMethod
	}
}

func methodAttributes(m *il.MethodDef) marker.Attributes {
	return visibility(m.Visibility) |
		pick(m.IsStatic(), marker.AttrStatic, marker.AttrInstance) |
		pick(m.IsAbstract(), marker.AttrAbstract, marker.AttrNonAbstract) |
		pick(m.IsVirtual(), marker.AttrVirtual, marker.AttrNonVirtual) |
		generation(m.IsCompilerGenerated())
}

// accessorAttributes describes a property or event by its most visible
// accessor.
func accessorAttributes(accessors []*il.MethodDef, attrs []*il.CustomAttribute) marker.Attributes {
	var best *il.MethodDef
	for _, a := range accessors {
		if best == nil || a.Visibility > best.Visibility {
			best = a
		}
	}
	generated := il.FindAttribute(attrs, il.CompilerGeneratedAttribute) != nil
	if best == nil {
		return marker.AttrPrivate | marker.AttrInstance | marker.AttrNonAbstract | marker.AttrNonVirtual | generation(generated)
	}
	a := methodAttributes(best)
	a &^= marker.AttrAnyGeneration
	return a | generation(generated)
}

func fieldAttributes(f *il.FieldDef) marker.Attributes {
	generated := f.Flags&il.FieldCompilerGenerated != 0 ||
		il.FindAttribute(f.CustomAttributes, il.CompilerGeneratedAttribute) != nil
	return visibility(f.Visibility) |
		pick(f.IsStatic(), marker.AttrStatic, marker.AttrInstance) |
		generation(generated)
}

func parameterAttributes(p *il.ParamDef) marker.Attributes {
	switch {
	case p.IsOut():
		return marker.AttrOutParameter
	case p.IsByRef():
		return marker.AttrRefParameter
	default:
		return marker.AttrInParameter
	}
}

// namedByCompiler reports whether a member name follows the compiler's
// reserved "<...>" convention.
func namedByCompiler(name string) bool { return strings.ContainsAny(name, "<>") }

