// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package il

import (
	"fmt"
	"strconv"
	"strings"
)

// Framework attribute types recognised structurally.
const (
	CompilerGeneratedAttribute    = "System.Runtime.CompilerServices.CompilerGeneratedAttribute"
	AsyncStateMachineAttribute    = "System.Runtime.CompilerServices.AsyncStateMachineAttribute"
	IteratorStateMachineAttribute = "System.Runtime.CompilerServices.IteratorStateMachineAttribute"
)

// ArgKind discriminates attribute argument values.
type ArgKind uint8

const (
	ArgNull ArgKind = iota
	ArgInt
	ArgFloat
	ArgString
	ArgBool
	ArgType
	ArgArray
)

// AttrArg is a literal attribute argument.
type AttrArg struct {
	Kind  ArgKind   `json:"kind"`
	Int   int64     `json:"int,omitempty"`
	Float float64   `json:"float,omitempty"`
	Str   string    `json:"str,omitempty"`
	Bool  bool      `json:"bool,omitempty"`
	Type  TypeSig   `json:"type,omitempty"` // element type for arrays, named type for ArgType
	Elems []AttrArg `json:"elems,omitempty"`
}

// IntArg builds an integer argument.
func IntArg(v int64) AttrArg { return AttrArg{Kind: ArgInt, Int: v} }

// FloatArg builds a float argument.
func FloatArg(v float64) AttrArg { return AttrArg{Kind: ArgFloat, Float: v} }

// StrArg builds a string argument.
func StrArg(v string) AttrArg { return AttrArg{Kind: ArgString, Str: v} }

// BoolArg builds a boolean argument.
func BoolArg(v bool) AttrArg { return AttrArg{Kind: ArgBool, Bool: v} }

// TypeArg builds a typeof(...) argument.
func TypeArg(t string) AttrArg { return AttrArg{Kind: ArgType, Type: TypeSig(t)} }

// NullArg builds a null argument.
func NullArg() AttrArg { return AttrArg{Kind: ArgNull} }

// ArrayArg builds an array argument with the given element type.
func ArrayArg(elem TypeSig, elems ...AttrArg) AttrArg {
	return AttrArg{Kind: ArgArray, Type: elem, Elems: elems}
}

// Sig returns the static type of the argument value.
func (a AttrArg) Sig() TypeSig {
	switch a.Kind {
	case ArgInt:
		return Int32
	case ArgFloat:
		return Float64
	case ArgString:
		return String
	case ArgBool:
		return Bool
	case ArgType:
		return "System.Type"
	case ArgArray:
		return a.Type.ArrayOf()
	default:
		return Object
	}
}

// AsInt returns the argument as an integer; booleans convert to 0/1.
func (a AttrArg) AsInt() (int64, bool) {
	switch a.Kind {
	case ArgInt:
		return a.Int, true
	case ArgBool:
		if a.Bool {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// AsBool returns the argument as a boolean.
func (a AttrArg) AsBool() (bool, bool) {
	switch a.Kind {
	case ArgBool:
		return a.Bool, true
	case ArgInt:
		return a.Int != 0, true
	}
	return false, false
}

// AsString returns the argument as a string.
func (a AttrArg) AsString() (string, bool) {
	switch a.Kind {
	case ArgString:
		return a.Str, true
	case ArgType:
		return string(a.Type), true
	case ArgNull:
		return "", true
	}
	return "", false
}

func (a AttrArg) String() string {
	switch a.Kind {
	case ArgInt:
		return strconv.FormatInt(a.Int, 10)
	case ArgFloat:
		return strconv.FormatFloat(a.Float, 'g', -1, 64)
	case ArgString:
		return strconv.Quote(a.Str)
	case ArgBool:
		return strconv.FormatBool(a.Bool)
	case ArgType:
		return "typeof(" + string(a.Type) + ")"
	case ArgArray:
		parts := make([]string, len(a.Elems))
		for i, e := range a.Elems {
			parts[i] = e.String()
		}
		return "new " + string(a.Type) + "[]{" + strings.Join(parts, ", ") + "}"
	default:
		return "null"
	}
}

// NamedArg is a property or field initialiser on a custom attribute.
type NamedArg struct {
	Name  string  `json:"name"`
	Field bool    `json:"field,omitempty"`
	Value AttrArg `json:"value"`
}

// CustomAttribute is an attribute instance attached to an element.
type CustomAttribute struct {
	Type  string     `json:"type"`
	Args  []AttrArg  `json:"args,omitempty"`
	Named []NamedArg `json:"named,omitempty"`
}

// NamedArg returns the named argument with the given name.
func (c *CustomAttribute) NamedArg(name string) (AttrArg, bool) {
	for _, n := range c.Named {
		if n.Name == name {
			return n.Value, true
		}
	}
	return AttrArg{}, false
}

// SetNamed adds or replaces a named argument.
func (c *CustomAttribute) SetNamed(name string, v AttrArg) {
	for i := range c.Named {
		if c.Named[i].Name == name {
			c.Named[i].Value = v
			return
		}
	}
	c.Named = append(c.Named, NamedArg{Name: name, Value: v})
}

func (c *CustomAttribute) String() string {
	parts := make([]string, 0, len(c.Args)+len(c.Named))
	for _, a := range c.Args {
		parts = append(parts, a.String())
	}
	for _, n := range c.Named {
		parts = append(parts, fmt.Sprintf("%s = %s", n.Name, n.Value))
	}
	return "[" + c.Type + "(" + strings.Join(parts, ", ") + ")]"
}

// FindAttribute returns the first attribute of the given type.
func FindAttribute(attrs []*CustomAttribute, attrType string) *CustomAttribute {
	for _, a := range attrs {
		if a.Type == attrType {
			return a
		}
	}
	return nil
}
