// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaving

import (
	"fmt"
	"strings"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	"github.com/Inverness/Spinner-sub001/services/weave/weaveerr"
)

// StateMachineKind distinguishes iterator and async state machines.
type StateMachineKind uint8

const (
	StateMachineIterator StateMachineKind = iota
	StateMachineAsync
)

func (k StateMachineKind) String() string {
	if k == StateMachineAsync {
		return "async"
	}
	return "iterator"
}

// Well-known compiler-generated state machine field names.
const (
	stateMachineThis       = "<>4__this"
	stateMachineCurrentTag = "__current"
)

// StateMachine describes a compiler-generated state machine behind a
// kickoff method.
//
// Description:
//
//	MoveNext begins with "ldarg.0; ldfld state; switch (start, resume1,
//	...)". Label k of the switch resumes the machine in state k; state 0
//	starts it. A suspension stores the next state ("ldarg.0; ldc k; stfld
//	state") and returns from MoveNext with the machine still live.
type StateMachine struct {
	Kind     StateMachineKind
	Kickoff  *il.MethodDef
	Type     *il.TypeDef
	MoveNext *il.MethodDef

	State   *il.FieldRef
	Current *il.FieldDef
	This    *il.FieldRef

	Start  il.Label
	Points []SuspensionPoint
}

// SuspensionPoint is one place the machine suspends and later resumes.
type SuspensionPoint struct {
	State int64

	// Suspend is the first instruction of the state store.
	Suspend *il.Instruction

	// Return is the ret leaving MoveNext suspended.
	Return *il.Instruction

	// Resume is the dispatch label execution continues at.
	Resume il.Label
}

// DescribeStateMachine returns the state machine behind kickoff, or nil
// when kickoff is an ordinary method.
func DescribeStateMachine(p *il.Program, kickoff *il.MethodDef) (*StateMachine, error) {
	kind := StateMachineIterator
	attr := il.FindAttribute(kickoff.CustomAttributes, il.IteratorStateMachineAttribute)
	if attr == nil {
		kind = StateMachineAsync
		attr = il.FindAttribute(kickoff.CustomAttributes, il.AsyncStateMachineAttribute)
	}
	if attr == nil {
		return nil, nil
	}
	if len(attr.Args) != 1 {
		return nil, fmt.Errorf("%s: state machine attribute takes one type argument", kickoff)
	}
	name, ok := attr.Args[0].AsString()
	if !ok {
		return nil, fmt.Errorf("%s: state machine attribute argument is %s", kickoff, attr.Args[0])
	}
	t, err := p.ResolveType(name)
	if err != nil {
		return nil, err
	}
	mn := t.FindMethod("MoveNext", []il.TypeSig{})
	if mn == nil || mn.Body == nil {
		return nil, fmt.Errorf("%s has no MoveNext body: %w", t.FullName(), weaveerr.ErrNotFound)
	}

	sm := &StateMachine{Kind: kind, Kickoff: kickoff, Type: t, MoveNext: mn}
	code := mn.Body.Instructions
	sw := -1
	for i, in := range code {
		if in.Op == il.OpSwitch {
			sw = i
			break
		}
	}
	if sw < 2 || code[sw-1].Op != il.OpLdFld || !isThis(code[sw-2]) || len(code[sw].Labels) == 0 {
		return nil, fmt.Errorf("%s: MoveNext does not start with a state dispatch: %w", t.FullName(), weaveerr.ErrUnsupported)
	}
	sm.State = code[sw-1].Field
	sm.Start = code[sw].Labels[0]
	for _, f := range t.Fields {
		if strings.HasSuffix(f.Name, stateMachineCurrentTag) {
			sm.Current = f
		}
		if f.Name == stateMachineThis {
			sm.This = f.Ref()
		}
	}
	if kind == StateMachineIterator && sm.Current == nil {
		return nil, fmt.Errorf("%s has no current field: %w", t.FullName(), weaveerr.ErrNotFound)
	}

	for k, resume := range code[sw].Labels[1:] {
		state := int64(k + 1)
		var point *SuspensionPoint
		for j := sw + 1; j < len(code); j++ {
			in := code[j]
			if in.Op != il.OpStFld || in.Field.Name != sm.State.Name || j < 2 ||
				code[j-1].Op != il.OpLdcI || code[j-1].Int != state || !isThis(code[j-2]) {
				continue
			}
			if point != nil {
				return nil, fmt.Errorf("%s: state %d is stored twice: %w", t.FullName(), state, weaveerr.ErrUnsupported)
			}
			point = &SuspensionPoint{State: state, Suspend: code[j-2], Resume: resume}
			for r := j + 1; r < len(code); r++ {
				if code[r].Op == il.OpRet {
					point.Return = code[r]
					break
				}
			}
		}
		if point == nil || point.Return == nil {
			return nil, fmt.Errorf("%s: no suspension for state %d: %w", t.FullName(), state, weaveerr.ErrUnsupported)
		}
		sm.Points = append(sm.Points, *point)
	}
	return sm, nil
}

func isThis(in *il.Instruction) bool { return in.Op == il.OpLdArg && in.Int == 0 }

// weaveStateMachine applies a boundary aspect to a state machine's
// MoveNext. OnEntry runs on the first MoveNext, OnYield before each
// suspension and OnResume after each resumption. OnSuccess and OnExit run
// once, when the machine completes; OnException and OnExit when it faults.
// Flow behaviors are not honored inside a state machine.
func weaveStateMachine(c *Context, sm *StateMachine, s *aspectSite) error {
	d := s.desc
	id := sm.MoveNext.FullName()
	body := sm.MoveNext.Body
	if err := checkShape(body); err != nil {
		return weaveerr.Weaving(id, "body-shape", err)
	}
	onEntry := d.Calls(runtime.AdviceOnEntry)
	onSuccess := d.Calls(runtime.AdviceOnSuccess)
	onException := d.Calls(runtime.AdviceOnException)
	onExit := d.Calls(runtime.AdviceOnExit)
	onYield := d.Calls(runtime.AdviceOnYield)
	onResume := d.Calls(runtime.AdviceOnResume)
	filter := onException && d.Calls(runtime.AdviceFilterException)
	if !onEntry && !onSuccess && !onException && !onExit && !onYield && !onResume {
		return nil
	}
	useYield := onYield && sm.Current != nil && d.Requires(runtime.FeatureYieldValue)

	envField := &il.FieldDef{
		Name:       c.UniqueName(sm.Type, "<>z__env"),
		Type:       il.TypeSig(mea),
		Visibility: il.VisPrivate,
		Flags:      il.FieldCompilerGenerated,
	}
	c.Program.AddField(sm.Type, envField)
	envRef := envField.Ref()

	original := body.Instructions
	pos := body.LabelPositions()
	startAt := pos[sm.Start]
	suspends := make(map[*il.Instruction]bool)
	returns := make(map[*il.Instruction]bool)
	resumes := make(map[il.Label]bool)
	for _, pt := range sm.Points {
		suspends[pt.Suspend] = true
		returns[pt.Return] = true
		resumes[pt.Resume] = true
	}

	e := il.NewEmitter(body)
	res := -1
	if !sm.MoveNext.ReturnType.IsVoid() {
		res = e.Local("<>z__result", sm.MoveNext.ReturnType)
	}
	exc := -1
	if onException || onExit {
		exc = e.Local("<>z__exc", runtime.ExceptionSig)
	}
	loadEnv := func() {
		e.LdArg(0)
		e.Field(il.OpLdFld, envRef)
	}

	lDispatch := e.NewLabel()
	loadEnv()
	e.Branch(il.OpBrTrue, lDispatch)
	e.LdArg(0)
	if d.Requires(runtime.FeatureInstance) && sm.This != nil {
		e.LdArg(0)
		e.Field(il.OpLdFld, sm.This)
	} else {
		e.Op(il.OpLdNull)
	}
	if fields := parameterFields(sm); d.Requires(runtime.FeatureArguments) && fields != nil {
		r := newRecord(sm.Kickoff, sm.Kickoff.Parameters)
		r.emitNew(e, func(i int) {
			e.LdArg(0)
			e.Field(il.OpLdFld, fields[i])
		})
	} else {
		e.Op(il.OpLdNull)
	}
	e.Call(il.OpNewObj, meaCtor)
	e.Field(il.OpStFld, envRef)
	if d.Requires(runtime.FeatureMemberInfo) {
		loadEnv()
		e.Token(sm.Kickoff.Ref())
		e.Call(il.OpCallVirt, meaSetMethod)
	}
	if onEntry {
		s.emitAdvice(e, runtime.AdviceOnEntry, loadEnv)
	}
	e.Mark(lDispatch)

	lDone, lOut := e.NewLabel(), e.NewLabel()
	tryStart := e.NewLabel()
	e.Mark(tryStart)
	for i, in := range original {
		if suspends[in] && onYield {
			if useYield {
				loadEnv()
				e.LdArg(0)
				e.Field(il.OpLdFld, sm.Current.Ref())
				emitBox(e, sm.Current.Type)
				e.Call(il.OpCallVirt, meaSetYieldValue)
			}
			s.emitAdvice(e, runtime.AdviceOnYield, loadEnv)
			if useYield {
				e.LdArg(0)
				loadEnv()
				e.Call(il.OpCallVirt, meaGetYieldValue)
				emitConvert(e, sm.Current.Type)
				e.Field(il.OpStFld, sm.Current.Ref())
			}
		}
		if in.Op == il.OpRet {
			if res >= 0 {
				e.StLoc(res)
			}
			if returns[in] || i < startAt {
				e.Branch(il.OpLeave, lOut)
			} else {
				e.Branch(il.OpLeave, lDone)
			}
			continue
		}
		e.Append(in)
		if in.Op == il.OpLabel && resumes[in.Label] && onResume {
			s.emitAdvice(e, runtime.AdviceOnResume, loadEnv)
		}
	}

	if exc >= 0 {
		tryEnd, hStart, hEnd := e.NewLabel(), e.NewLabel(), e.NewLabel()
		e.Mark(tryEnd)
		e.Mark(hStart)
		e.StLoc(exc)
		if onException {
			skip := e.NewLabel()
			if filter {
				s.emitLoad(e)
				loadEnv()
				e.LdLoc(exc)
				e.Call(il.OpCallVirt, d.Advice[runtime.AdviceFilterException].Ref())
				e.Branch(il.OpBrFalse, skip)
			}
			loadEnv()
			e.LdLoc(exc)
			e.Call(il.OpCallVirt, meaSetException)
			s.emitAdvice(e, runtime.AdviceOnException, loadEnv)
			e.Mark(skip)
		}
		if onExit {
			s.emitAdvice(e, runtime.AdviceOnExit, loadEnv)
		}
		e.Op(il.OpRethrow)
		e.Mark(hEnd)
		e.Handler(&il.ExceptionHandler{
			Kind:         il.HandlerCatch,
			TryStart:     tryStart,
			TryEnd:       tryEnd,
			HandlerStart: hStart,
			HandlerEnd:   hEnd,
			CatchType:    runtime.ExceptionSig,
		})
	}

	e.Mark(lDone)
	if onSuccess {
		s.emitAdvice(e, runtime.AdviceOnSuccess, loadEnv)
	}
	if onExit {
		s.emitAdvice(e, runtime.AdviceOnExit, loadEnv)
	}
	e.Mark(lOut)
	if res >= 0 {
		e.LdLoc(res)
	}
	e.Op(il.OpRet)
	e.Install()
	return nil
}

// parameterFields returns the state machine fields capturing the kickoff
// parameters, or nil when any is missing.
func parameterFields(sm *StateMachine) []*il.FieldRef {
	out := make([]*il.FieldRef, len(sm.Kickoff.Parameters))
	for i, p := range sm.Kickoff.Parameters {
		f := sm.Type.FindField(p.Name)
		if f == nil {
			return nil
		}
		out[i] = f.Ref()
	}
	return out
}
