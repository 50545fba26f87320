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

import (
	"fmt"
	"strconv"
	"strings"
)

// Arguments is an argument record: an ordered, fixed-arity container
// standing in for a method's effective parameter list.
//
// Description:
//
//	Records of arity 0 through MaxFixedArgumentsLen present the slots as
//	fields Item0..ItemN-1 so woven code can load and store them directly.
//	Larger records use the ArgumentsArray type and are only reachable
//	through GetArgument/SetArgument. By-reference parameters hold the
//	referenced value; woven code copies it back to the physical location.
//
// Thread Safety:
//
//	Not safe for concurrent use. A record belongs to one invocation.
type Arguments struct {
	items []any
}

// NewArguments creates a record holding values.
func NewArguments(values ...any) *Arguments {
	return &Arguments{items: append(make([]any, 0, len(values)), values...)}
}

// NewArgumentsOfCount creates a record of n null slots.
func NewArgumentsOfCount(n int) *Arguments {
	return &Arguments{items: make([]any, n)}
}

// TypeName implements Object.
func (a *Arguments) TypeName() string { return ArgumentsTypeName(len(a.items)) }

// Count returns the arity.
func (a *Arguments) Count() int { return len(a.items) }

// Get returns slot i.
//
// Errors:
//
//	ErrArgumentOutOfRange when i is outside [0, Count).
func (a *Arguments) Get(i int) (any, error) {
	if i < 0 || i >= len(a.items) {
		return nil, fmt.Errorf("argument index %d (count %d): %w", i, len(a.items), ErrArgumentOutOfRange)
	}
	return a.items[i], nil
}

// Set replaces slot i.
//
// Errors:
//
//	ErrArgumentOutOfRange when i is outside [0, Count).
func (a *Arguments) Set(i int, v any) error {
	if i < 0 || i >= len(a.items) {
		return fmt.Errorf("argument index %d (count %d): %w", i, len(a.items), ErrArgumentOutOfRange)
	}
	a.items[i] = v
	return nil
}

// Values returns a copy of the slots.
func (a *Arguments) Values() []any { return append([]any(nil), a.items...) }

// ToArray copies the slots into an object array.
func (a *Arguments) ToArray() *Array {
	return &Array{Elem: ObjectSig, Items: a.Values()}
}

// LoadField implements FieldHolder for the ItemN fields of fixed-arity records.
func (a *Arguments) LoadField(name string) (any, bool) {
	i, ok := a.itemIndex(name)
	if !ok {
		return nil, false
	}
	return a.items[i], true
}

// StoreField implements FieldHolder.
func (a *Arguments) StoreField(name string, v any) bool {
	i, ok := a.itemIndex(name)
	if !ok {
		return false
	}
	a.items[i] = v
	return true
}

func (a *Arguments) itemIndex(name string) (int, bool) {
	if len(a.items) > MaxFixedArgumentsLen || !strings.HasPrefix(name, "Item") {
		return 0, false
	}
	i, err := strconv.Atoi(name[len("Item"):])
	if err != nil || i < 0 || i >= len(a.items) {
		return 0, false
	}
	return i, true
}

func (a *Arguments) String() string {
	parts := make([]string, len(a.items))
	for i, v := range a.items {
		parts[i] = fmt.Sprint(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
