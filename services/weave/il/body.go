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
)

// Label identifies a branch target within one method body. Zero is "no label".
type Label int

// Instruction is a single stack-machine instruction.
//
// Only the operand fields relevant to Op are set: Int for constants and
// argument/local indexes, Str for ldstr, Label/Labels for branches and label
// markers, Method/Field/Type for member and type operands.
type Instruction struct {
	Op     OpCode     `json:"op"`
	Int    int64      `json:"int,omitempty"`
	Float  float64    `json:"float,omitempty"`
	Str    string     `json:"str,omitempty"`
	Label  Label      `json:"label,omitempty"`
	Labels []Label    `json:"labels,omitempty"`
	Method *MethodRef `json:"method,omitempty"`
	Field  *FieldRef  `json:"field,omitempty"`
	Type   TypeSig    `json:"type,omitempty"`
}

// Clone returns a deep copy of the instruction.
func (in *Instruction) Clone() *Instruction {
	c := *in
	if in.Labels != nil {
		c.Labels = append([]Label(nil), in.Labels...)
	}
	if in.Method != nil {
		m := *in.Method
		if in.Method.Params != nil {
			m.Params = append(make([]TypeSig, 0, len(in.Method.Params)), in.Method.Params...)
		}
		c.Method = &m
	}
	if in.Field != nil {
		f := *in.Field
		c.Field = &f
	}
	return &c
}

// HandlerKind is the kind of an exception handler region.
type HandlerKind uint8

const (
	HandlerCatch HandlerKind = iota
	HandlerFinally
)

func (k HandlerKind) String() string {
	if k == HandlerFinally {
		return "finally"
	}
	return "catch"
}

// ExceptionHandler describes a protected region and its handler. Ranges are
// half-open: the region starts at the Start label and stops before the End
// label. Handlers are listed innermost first.
type ExceptionHandler struct {
	Kind         HandlerKind `json:"kind"`
	TryStart     Label       `json:"try_start"`
	TryEnd       Label       `json:"try_end"`
	HandlerStart Label       `json:"handler_start"`
	HandlerEnd   Label       `json:"handler_end"`
	CatchType    TypeSig     `json:"catch_type,omitempty"`
}

// Local is a local variable slot.
type Local struct {
	Name string  `json:"name,omitempty"`
	Type TypeSig `json:"type"`
}

// MethodBody is an instruction stream with locals and handler regions.
type MethodBody struct {
	Locals       []Local             `json:"locals,omitempty"`
	Instructions []*Instruction      `json:"instructions"`
	Handlers     []*ExceptionHandler `json:"handlers,omitempty"`
	NextLabel    Label               `json:"next_label,omitempty"`
}

// NewLabel allocates a fresh label.
func (b *MethodBody) NewLabel() Label {
	if b.NextLabel <= 0 {
		b.NextLabel = b.maxLabel() + 1
	}
	l := b.NextLabel
	b.NextLabel++
	return l
}

func (b *MethodBody) maxLabel() Label {
	var max Label
	note := func(l Label) {
		if l > max {
			max = l
		}
	}
	for _, in := range b.Instructions {
		note(in.Label)
		for _, l := range in.Labels {
			note(l)
		}
	}
	for _, h := range b.Handlers {
		note(h.TryStart)
		note(h.TryEnd)
		note(h.HandlerStart)
		note(h.HandlerEnd)
	}
	return max
}

// AddLocal declares a local and returns its index.
func (b *MethodBody) AddLocal(name string, t TypeSig) int {
	b.Locals = append(b.Locals, Local{Name: name, Type: t})
	return len(b.Locals) - 1
}

// IndexOf returns the position of the instruction, or -1.
func (b *MethodBody) IndexOf(in *Instruction) int {
	for i, x := range b.Instructions {
		if x == in {
			return i
		}
	}
	return -1
}

// LabelPositions maps every marked label to its instruction index.
func (b *MethodBody) LabelPositions() map[Label]int {
	pos := make(map[Label]int)
	for i, in := range b.Instructions {
		if in.Op == OpLabel {
			pos[in.Label] = i
		}
	}
	return pos
}

// InsertBefore splices code immediately before the target instruction.
func (b *MethodBody) InsertBefore(target *Instruction, code []*Instruction) error {
	idx := b.IndexOf(target)
	if idx < 0 {
		return fmt.Errorf("insert: target instruction %s not in body", target.Op)
	}
	b.splice(idx, code)
	return nil
}

// InsertAfter splices code immediately after the target instruction.
func (b *MethodBody) InsertAfter(target *Instruction, code []*Instruction) error {
	idx := b.IndexOf(target)
	if idx < 0 {
		return fmt.Errorf("insert: target instruction %s not in body", target.Op)
	}
	b.splice(idx+1, code)
	return nil
}

func (b *MethodBody) splice(at int, code []*Instruction) {
	out := make([]*Instruction, 0, len(b.Instructions)+len(code))
	out = append(out, b.Instructions[:at]...)
	out = append(out, code...)
	out = append(out, b.Instructions[at:]...)
	b.Instructions = out
}

// Clone returns a deep copy of the body. Labels keep their numbers.
func (b *MethodBody) Clone() *MethodBody {
	if b == nil {
		return nil
	}
	c := &MethodBody{
		Locals:       append([]Local(nil), b.Locals...),
		Instructions: make([]*Instruction, len(b.Instructions)),
		Handlers:     make([]*ExceptionHandler, len(b.Handlers)),
		NextLabel:    b.NextLabel,
	}
	for i, in := range b.Instructions {
		c.Instructions[i] = in.Clone()
	}
	for i, h := range b.Handlers {
		hc := *h
		c.Handlers[i] = &hc
	}
	return c
}

// Emitter appends instructions to a detached sequence bound to a body's
// label and local allocators. The sequence is installed with Install,
// Prepend or the body's Insert helpers.
type Emitter struct {
	body *MethodBody
	code []*Instruction
}

// NewEmitter creates an emitter allocating labels and locals from body.
func NewEmitter(body *MethodBody) *Emitter {
	return &Emitter{body: body}
}

// Body returns the body labels and locals are allocated from.
func (e *Emitter) Body() *MethodBody { return e.body }

// Code returns the emitted sequence.
func (e *Emitter) Code() []*Instruction { return e.code }

// Len returns the number of emitted instructions.
func (e *Emitter) Len() int { return len(e.code) }

// Reset discards the emitted sequence and returns it.
func (e *Emitter) Reset() []*Instruction {
	c := e.code
	e.code = nil
	return c
}

// Install replaces the body's instructions with the emitted sequence.
func (e *Emitter) Install() {
	e.body.Instructions = e.Reset()
}

// NewLabel allocates a label.
func (e *Emitter) NewLabel() Label { return e.body.NewLabel() }

// Local declares a local.
func (e *Emitter) Local(name string, t TypeSig) int { return e.body.AddLocal(name, t) }

// Mark places a label at the current position.
func (e *Emitter) Mark(l Label) *Instruction {
	return e.add(&Instruction{Op: OpLabel, Label: l})
}

// Handler registers a handler region. Regions must be registered innermost first.
func (e *Emitter) Handler(h *ExceptionHandler) {
	e.body.Handlers = append(e.body.Handlers, h)
}

func (e *Emitter) add(in *Instruction) *Instruction {
	e.code = append(e.code, in)
	return in
}

// Append adds already-built instructions.
func (e *Emitter) Append(code ...*Instruction) { e.code = append(e.code, code...) }

// Op emits an operand-less instruction.
func (e *Emitter) Op(op OpCode) *Instruction { return e.add(&Instruction{Op: op}) }

// Int emits an instruction with an integer operand.
func (e *Emitter) Int(op OpCode, v int64) *Instruction { return e.add(&Instruction{Op: op, Int: v}) }

// LdcI pushes an integer constant.
func (e *Emitter) LdcI(v int64) *Instruction { return e.Int(OpLdcI, v) }

// LdcF pushes a float constant.
func (e *Emitter) LdcF(v float64) *Instruction { return e.add(&Instruction{Op: OpLdcF, Float: v}) }

// LdStr pushes a string constant.
func (e *Emitter) LdStr(s string) *Instruction { return e.add(&Instruction{Op: OpLdStr, Str: s}) }

// LdArg loads argument slot i.
func (e *Emitter) LdArg(i int) *Instruction { return e.Int(OpLdArg, int64(i)) }

// LdArgA loads the address of argument slot i.
func (e *Emitter) LdArgA(i int) *Instruction { return e.Int(OpLdArgA, int64(i)) }

// StArg stores into argument slot i.
func (e *Emitter) StArg(i int) *Instruction { return e.Int(OpStArg, int64(i)) }

// LdLoc loads local i.
func (e *Emitter) LdLoc(i int) *Instruction { return e.Int(OpLdLoc, int64(i)) }

// LdLocA loads the address of local i.
func (e *Emitter) LdLocA(i int) *Instruction { return e.Int(OpLdLocA, int64(i)) }

// StLoc stores into local i.
func (e *Emitter) StLoc(i int) *Instruction { return e.Int(OpStLoc, int64(i)) }

// Branch emits a branch-family instruction to l.
func (e *Emitter) Branch(op OpCode, l Label) *Instruction {
	return e.add(&Instruction{Op: op, Label: l})
}

// Switch emits a jump table.
func (e *Emitter) Switch(labels ...Label) *Instruction {
	return e.add(&Instruction{Op: OpSwitch, Labels: append([]Label(nil), labels...)})
}

// Call emits call, callvirt or newobj with a method operand.
func (e *Emitter) Call(op OpCode, m *MethodRef) *Instruction {
	return e.add(&Instruction{Op: op, Method: m})
}

// Field emits a field access instruction.
func (e *Emitter) Field(op OpCode, f *FieldRef) *Instruction {
	return e.add(&Instruction{Op: op, Field: f})
}

// Type emits an instruction with a type operand.
func (e *Emitter) Type(op OpCode, t TypeSig) *Instruction {
	return e.add(&Instruction{Op: op, Type: t})
}

// Token emits ldtoken for a method.
func (e *Emitter) Token(m *MethodRef) *Instruction {
	return e.add(&Instruction{Op: OpLdToken, Method: m})
}

// LdDefault pushes the default value of t.
func (e *Emitter) LdDefault(t TypeSig) {
	switch {
	case t.IsInteger():
		e.LdcI(0)
	case t.IsFloat():
		e.LdcF(0)
	default:
		e.Op(OpLdNull)
	}
}
