// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package marker is the declarative marker model: the target filters and
// behavior flags an aspect attribute carries, parsed from its named
// arguments.
package marker

import "strings"

// Targets is a mask of program element kinds.
type Targets uint32

const (
	TargetClass Targets = 1 << iota
	TargetStruct
	TargetEnum
	TargetDelegate
	TargetInterface
	TargetField
	TargetMethod
	TargetInstanceConstructor
	TargetStaticConstructor
	TargetProperty
	TargetEvent
	TargetParameter
	TargetReturnValue
	TargetAssembly

	TargetNone Targets = 0

	// TargetTypes covers every type kind.
	TargetTypes = TargetClass | TargetStruct | TargetEnum | TargetDelegate | TargetInterface

	// TargetMethods covers methods and constructors.
	TargetMethods = TargetMethod | TargetInstanceConstructor | TargetStaticConstructor

	// TargetMembers covers every member kind.
	TargetMembers = TargetField | TargetMethods | TargetProperty | TargetEvent

	TargetAll = TargetTypes | TargetMembers | TargetParameter | TargetReturnValue | TargetAssembly
)

var targetNames = []struct {
	t    Targets
	name string
}{
	{TargetClass, "Class"},
	{TargetStruct, "Struct"},
	{TargetEnum, "Enum"},
	{TargetDelegate, "Delegate"},
	{TargetInterface, "Interface"},
	{TargetField, "Field"},
	{TargetMethod, "Method"},
	{TargetInstanceConstructor, "InstanceConstructor"},
	{TargetStaticConstructor, "StaticConstructor"},
	{TargetProperty, "Property"},
	{TargetEvent, "Event"},
	{TargetParameter, "Parameter"},
	{TargetReturnValue, "ReturnValue"},
	{TargetAssembly, "Assembly"},
}

// Has reports whether every kind in o is in t.
func (t Targets) Has(o Targets) bool { return t&o == o }

// Any reports whether t and o share a kind.
func (t Targets) Any(o Targets) bool { return t&o != 0 }

func (t Targets) String() string {
	if t == TargetNone {
		return "None"
	}
	if t == TargetAll {
		return "All"
	}
	var parts []string
	for _, n := range targetNames {
		if t&n.t != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Inheritance controls propagation of a marker along derivation edges.
type Inheritance int64

const (
	// InheritNone never propagates.
	InheritNone Inheritance = iota

	// InheritStrict propagates the elements the marker finally applies to
	// onto their derived elements, without multicasting again.
	InheritStrict

	// InheritMulticast propagates the marker from its nominal target to
	// derived elements and multicasts it again from there, so members new
	// in a derived type are reached too.
	InheritMulticast
)

func (i Inheritance) String() string {
	switch i {
	case InheritNone:
		return "None"
	case InheritStrict:
		return "Strict"
	case InheritMulticast:
		return "Multicast"
	default:
		return "Unknown"
	}
}

// Propagates reports whether the mode propagates at all.
func (i Inheritance) Propagates() bool { return i == InheritStrict || i == InheritMulticast }
