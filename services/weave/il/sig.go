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

import "strings"

// TypeSig is a textual type signature.
//
// Primitive signatures are lower-case keywords ("void", "bool", "int32",
// "int64", "float64", "string", "object"). Other types use their full name
// ("Ns.Type", nested "Ns.Outer/Inner"). A trailing "&" marks a by-reference
// type, a trailing "[]" an array, and "!0"/"!!0" type and method generic
// parameters.
type TypeSig string

// Well-known signatures.
const (
	Void    TypeSig = "void"
	Bool    TypeSig = "bool"
	Int32   TypeSig = "int32"
	Int64   TypeSig = "int64"
	Float64 TypeSig = "float64"
	String  TypeSig = "string"
	Object  TypeSig = "object"
)

var integerSigs = map[TypeSig]bool{
	"bool": true, "char": true, "byte": true, "sbyte": true,
	"int16": true, "uint16": true, "int32": true, "uint32": true,
	"int64": true, "uint64": true,
}

// IsVoid reports whether the signature is void.
func (s TypeSig) IsVoid() bool { return s == Void || s == "" }

// IsByRef reports whether the signature is a by-reference type.
func (s TypeSig) IsByRef() bool { return strings.HasSuffix(string(s), "&") }

// IsArray reports whether the signature is a single-dimension array.
func (s TypeSig) IsArray() bool { return strings.HasSuffix(string(s), "[]") }

// IsGenericParam reports whether the signature names a generic parameter.
func (s TypeSig) IsGenericParam() bool { return strings.HasPrefix(string(s), "!") }

// IsInteger reports whether values of the signature are represented as int64.
func (s TypeSig) IsInteger() bool { return integerSigs[s] }

// IsFloat reports whether values of the signature are represented as float64.
func (s TypeSig) IsFloat() bool { return s == "float32" || s == Float64 }

// IsPrimitive reports whether the signature is a primitive keyword.
func (s TypeSig) IsPrimitive() bool {
	return s.IsInteger() || s.IsFloat() || s == String || s == Object || s.IsVoid()
}

// Elem strips one by-reference or array level.
func (s TypeSig) Elem() TypeSig {
	str := string(s)
	switch {
	case strings.HasSuffix(str, "&"):
		return TypeSig(str[:len(str)-1])
	case strings.HasSuffix(str, "[]"):
		return TypeSig(str[:len(str)-2])
	default:
		return s
	}
}

// ByRef returns the by-reference form of the signature.
func (s TypeSig) ByRef() TypeSig {
	if s.IsByRef() {
		return s
	}
	return s + "&"
}

// ArrayOf returns the array form of the signature.
func (s TypeSig) ArrayOf() TypeSig { return s + "[]" }

// Default returns the zero value a slot of this signature holds.
func (s TypeSig) Default() any {
	switch {
	case s.IsInteger():
		return int64(0)
	case s.IsFloat():
		return float64(0)
	default:
		return nil
	}
}

func (s TypeSig) String() string { return string(s) }

// SigsEqual compares two parameter lists.
func SigsEqual(a, b []TypeSig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
