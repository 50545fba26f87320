// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package features

import (
	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
)

// scanner computes the features advice bodies require.
//
// Description:
//
//	A body is walked linearly with an abstract evaluation stack that only
//	tracks whether each value is the envelope. Calls on envelope members
//	contribute their table entry. When the envelope is handed to another
//	method the scanner follows it if the callee's body is known and
//	statically bound; otherwise, and whenever the envelope is stored
//	somewhere the scanner cannot see (a field, an array, an address, a
//	return value), the result is FeatureAll.
//
//	The stack is reset at every label. Compilers leave the stack empty at
//	branch targets, and catch handlers start with the exception pushed.
type scanner struct {
	p       *il.Program
	visited map[visitKey]bool

	// followed counts helper methods analyzed through an envelope argument.
	followed int
}

type visitKey struct {
	method *il.MethodDef
	arg    int
}

func newScanner(p *il.Program) *scanner {
	return &scanner{p: p, visited: make(map[visitKey]bool)}
}

// absStack is the abstract evaluation stack. true marks the envelope.
type absStack []bool

func (s *absStack) push(env bool) { *s = append(*s, env) }

func (s *absStack) pop() bool {
	if len(*s) == 0 {
		return false
	}
	v := (*s)[len(*s)-1]
	*s = (*s)[:len(*s)-1]
	return v
}

func (s *absStack) popN(n int) []bool {
	out := make([]bool, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = s.pop()
	}
	return out
}

// method returns the features md requires when argument slot envArg holds
// the envelope.
func (s *scanner) method(md *il.MethodDef, envArg int) runtime.Features {
	key := visitKey{method: md, arg: envArg}
	if s.visited[key] {
		return runtime.FeatureNone
	}
	s.visited[key] = true
	if md.Body == nil {
		return runtime.FeatureAll
	}

	catchStarts := make(map[il.Label]bool)
	for _, h := range md.Body.Handlers {
		if h.Kind == il.HandlerCatch {
			catchStarts[h.HandlerStart] = true
		}
	}
	envArgs := map[int64]bool{int64(envArg): true}
	envLocals := make(map[int64]bool)

	var (
		st absStack
		f  runtime.Features
	)
	for _, in := range md.Body.Instructions {
		switch in.Op {
		case il.OpLabel:
			st = st[:0]
			if catchStarts[in.Label] {
				st.push(false)
			}
		case il.OpNop, il.OpRethrow, il.OpEndFinally:
		case il.OpLdArg:
			st.push(envArgs[in.Int])
		case il.OpLdLoc:
			st.push(envLocals[in.Int])
		case il.OpLdArgA:
			if envArgs[in.Int] {
				f |= runtime.FeatureAll
			}
			st.push(false)
		case il.OpLdLocA:
			if envLocals[in.Int] {
				f |= runtime.FeatureAll
			}
			st.push(false)
		case il.OpStArg:
			envArgs[in.Int] = st.pop()
		case il.OpStLoc:
			envLocals[in.Int] = st.pop()
		case il.OpLdcI, il.OpLdcF, il.OpLdStr, il.OpLdNull, il.OpLdSFld, il.OpLdSFldA, il.OpLdFtn, il.OpLdToken:
			st.push(false)
		case il.OpDup:
			v := st.pop()
			st.push(v)
			st.push(v)
		case il.OpPop, il.OpBrTrue, il.OpBrFalse, il.OpSwitch, il.OpThrow, il.OpInitObj:
			st.pop()
		case il.OpBr, il.OpLeave:
			st = st[:0]
		case il.OpAdd, il.OpSub, il.OpMul, il.OpDiv, il.OpRem, il.OpAnd, il.OpOr, il.OpXor,
			il.OpCeq, il.OpCgt, il.OpClt, il.OpLdElem:
			st.popN(2)
			st.push(false)
		case il.OpNeg, il.OpLdLen, il.OpLdInd, il.OpUnboxAny, il.OpNewArr, il.OpBox, il.OpLdFld, il.OpLdFldA:
			st.pop()
			st.push(false)
		case il.OpCastClass, il.OpIsInst:
			st.push(st.pop())
		case il.OpStFld, il.OpStInd:
			if st.popN(2)[1] {
				f |= runtime.FeatureAll
			}
		case il.OpStSFld:
			if st.pop() {
				f |= runtime.FeatureAll
			}
		case il.OpStElem:
			if st.popN(3)[2] {
				f |= runtime.FeatureAll
			}
		case il.OpRet:
			if !md.ReturnType.IsVoid() && st.pop() {
				f |= runtime.FeatureAll
			}
		case il.OpCall, il.OpCallVirt, il.OpNewObj:
			f |= s.call(in, &st)
		default:
			// Unknown stack effect: nothing about the envelope can be proven.
			return runtime.FeatureAll
		}
	}
	return f
}

// call applies one call instruction to the abstract stack.
func (s *scanner) call(in *il.Instruction, st *absStack) runtime.Features {
	ref := in.Method
	if ref == nil {
		return runtime.FeatureAll
	}
	if envelopeTypes[ref.Type] && ref.Name != il.CtorName {
		args := st.popN(len(ref.Params) + 1)
		if !ref.Return.IsVoid() {
			st.push(false)
		}
		f, known := envelopeMembers[ref.Name]
		if !known {
			return runtime.FeatureAll
		}
		for _, env := range args[1:] {
			if env {
				f |= runtime.FeatureAll
			}
		}
		return f
	}

	md, err := s.p.ResolveMethod(ref)
	if err != nil {
		n := len(ref.Params)
		if in.Op == il.OpCallVirt {
			n++
		}
		var f runtime.Features
		for _, env := range st.popN(n) {
			if env {
				f = runtime.FeatureAll
			}
		}
		if in.Op == il.OpNewObj || !ref.Return.IsVoid() {
			st.push(false)
		}
		return f
	}

	n := len(md.Parameters)
	first := 0
	if md.HasThis() {
		if in.Op == il.OpNewObj {
			first = 1
		} else {
			n++
		}
	}
	var f runtime.Features
	for i, env := range st.popN(n) {
		if !env {
			continue
		}
		if !s.followable(md, in.Op) {
			f |= runtime.FeatureAll
			continue
		}
		s.followed++
		f |= s.method(md, first+i)
	}
	if in.Op == il.OpNewObj || !md.ReturnType.IsVoid() {
		st.push(false)
	}
	return f
}

// followable reports whether the scanner may analyze md's body in place
// of whatever the call actually dispatches to.
func (s *scanner) followable(md *il.MethodDef, op il.OpCode) bool {
	if md.Body == nil || md.IsRuntime() || md.IsAbstract() {
		return false
	}
	t := md.DeclaringType
	if t == nil || t.Module == nil || t.Module.Framework || t.Module.Name == runtime.SupportModuleName {
		return false
	}
	if op == il.OpCallVirt && md.IsVirtual() && md.Flags&il.MethodFinal == 0 && t.Flags&il.TypeSealed == 0 {
		return false
	}
	return true
}
