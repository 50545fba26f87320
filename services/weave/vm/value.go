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
	"fmt"
	"strings"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
)

// Object is an instance of a type defined in program code.
//
// Structs are represented the same way, so they have reference semantics
// inside the machine.
type Object struct {
	Type   *il.TypeDef
	Fields map[string]any
}

// TypeName implements runtime.Object.
func (o *Object) TypeName() string { return o.Type.FullName() }

// LoadField implements runtime.FieldHolder.
func (o *Object) LoadField(name string) (any, bool) {
	v, ok := o.Fields[name]
	return v, ok
}

// StoreField implements runtime.FieldHolder.
func (o *Object) StoreField(name string, v any) bool {
	o.Fields[name] = v
	return true
}

func (o *Object) String() string {
	if msg, ok := o.Fields[runtime.ExceptionMessageField]; ok {
		return fmt.Sprintf("%s: %s", o.TypeName(), runtime.FormatValue(msg))
	}
	return o.TypeName()
}

// Ref is a managed pointer produced by ldarga, ldloca, ldflda, ldsflda and
// passed for by-reference parameters.
type Ref interface {
	Load() any
	Store(v any)
}

type slotRef struct{ slot *any }

func (r slotRef) Load() any   { return *r.slot }
func (r slotRef) Store(v any) { *r.slot = v }

type fieldRef struct {
	obj  runtime.FieldHolder
	name string
	def  any
}

func (r fieldRef) Load() any {
	if v, ok := r.obj.LoadField(r.name); ok {
		return v
	}
	return r.def
}

func (r fieldRef) Store(v any) { r.obj.StoreField(r.name, v) }

type staticRef struct {
	statics map[string]any
	key     string
}

func (r staticRef) Load() any   { return r.statics[r.key] }
func (r staticRef) Store(v any) { r.statics[r.key] = v }

// NewRef returns a free-standing reference cell holding v. Hosts use it to
// pass by-reference arguments.
func NewRef(v any) Ref {
	cell := v
	return slotRef{slot: &cell}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case int64:
		return x != 0
	case float64:
		return x != 0
	case bool:
		return x
	default:
		return true
	}
}

func boolValue(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// normalize converts host values to the machine's value set.
func normalize(v any) any {
	switch x := v.(type) {
	case bool:
		return boolValue(x)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

func valuesEqual(a, b any) bool {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
		return false
	case float64:
		switch y := b.(type) {
		case int64:
			return x == float64(y)
		case float64:
			return x == y
		}
		return false
	}
	return a == b
}

// compare orders two numeric or string values.
func compare(a, b any) (int, error) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y), nil
		case float64:
			return cmpOrdered(float64(x), y), nil
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, float64(y)), nil
		case float64:
			return cmpOrdered(x, y), nil
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T and %T: %w", a, b, ErrInvalidProgram)
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// instanceFields lists the instance fields of t and its bases with their
// default values.
func (m *Machine) instanceFields(t *il.TypeDef) map[string]any {
	fields := make(map[string]any)
	for _, c := range append([]*il.TypeDef{t}, m.prog.Ancestors(t)...) {
		for _, f := range c.Fields {
			if f.IsStatic() {
				continue
			}
			if _, shadowed := fields[f.Name]; !shadowed {
				fields[f.Name] = m.defaultOf(f.Type)
			}
		}
	}
	return fields
}
