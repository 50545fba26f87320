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
	"errors"
	"fmt"
	"math"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
)

// region is an exception handler with labels resolved to instruction
// indexes.
type region struct {
	kind      il.HandlerKind
	tryStart  int
	tryEnd    int
	start     int
	end       int
	catchType il.TypeSig
}

func (r region) inTry(ip int) bool     { return ip >= r.tryStart && ip < r.tryEnd }
func (r region) inHandler(ip int) bool { return ip >= r.start && ip < r.end }

// compiled is a method body prepared for execution.
type compiled struct {
	code    []*il.Instruction
	labels  map[il.Label]int
	regions []region
}

func (m *Machine) compile(md *il.MethodDef) (*compiled, error) {
	if c, ok := m.bodies[md]; ok {
		return c, nil
	}
	b := md.Body
	c := &compiled{code: b.Instructions, labels: b.LabelPositions()}
	pos := func(l il.Label) (int, error) {
		if p, ok := c.labels[l]; ok {
			return p, nil
		}
		return 0, fmt.Errorf("%s: handler label %d is not marked: %w", md, l, ErrInvalidProgram)
	}
	for _, h := range b.Handlers {
		var r region
		var err error
		r.kind, r.catchType = h.Kind, h.CatchType
		if r.tryStart, err = pos(h.TryStart); err != nil {
			return nil, err
		}
		if r.tryEnd, err = pos(h.TryEnd); err != nil {
			return nil, err
		}
		if r.start, err = pos(h.HandlerStart); err != nil {
			return nil, err
		}
		if r.end, err = pos(h.HandlerEnd); err != nil {
			return nil, err
		}
		c.regions = append(c.regions, r)
	}
	m.bodies[md] = c
	return c, nil
}

// continuation is what endfinally resumes: either propagation of an
// exception or the rest of a leave.
type continuation struct {
	region    int
	exc       *Exception
	throwIP   int
	target    int
	remaining []int
}

type frame struct {
	m       *Machine
	md      *il.MethodDef
	c       *compiled
	args    []any
	locals  []any
	stack   []any
	pending []continuation
	caught  map[int]*Exception
}

// escape carries an exception that left the frame from endfinally.
type escape struct{ exc *Exception }

func (e escape) Error() string { return e.exc.Error() }

func (f *frame) fault(format string, a ...any) error {
	return fmt.Errorf("%s: %s: %w", f.md, fmt.Sprintf(format, a...), ErrInvalidProgram)
}

func (f *frame) push(v any) { f.stack = append(f.stack, v) }

func (f *frame) pop() (any, error) {
	if len(f.stack) == 0 {
		return nil, f.fault("evaluation stack underflow")
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v, nil
}

func (f *frame) popN(n int) ([]any, error) {
	if len(f.stack) < n {
		return nil, f.fault("evaluation stack underflow: need %d, have %d", n, len(f.stack))
	}
	out := append([]any(nil), f.stack[len(f.stack)-n:]...)
	f.stack = f.stack[:len(f.stack)-n]
	return out, nil
}

func (f *frame) pop2() (a, b any, err error) {
	vs, err := f.popN(2)
	if err != nil {
		return nil, nil, err
	}
	return vs[0], vs[1], nil
}

// execute interprets md's body.
func (m *Machine) execute(md *il.MethodDef, args []any) (any, error) {
	if m.depth >= m.opts.MaxDepth {
		return nil, fmt.Errorf("%s: %w", md.FullName(), ErrStackOverflow)
	}
	c, err := m.compile(md)
	if err != nil {
		return nil, err
	}
	m.depth++
	defer func() { m.depth-- }()

	f := &frame{
		m:      m,
		md:     md,
		c:      c,
		args:   append([]any(nil), args...),
		locals: make([]any, len(md.Body.Locals)),
		caught: make(map[int]*Exception),
	}
	for i, l := range md.Body.Locals {
		f.locals[i] = m.defaultOf(l.Type)
	}

	ip := 0
	for {
		if ip < 0 || ip >= len(c.code) {
			return nil, f.fault("control left the body at %d", ip)
		}
		m.steps++
		if m.opts.StepLimit > 0 && m.steps > m.opts.StepLimit {
			return nil, fmt.Errorf("%s: %w", md.FullName(), ErrStepLimit)
		}
		next, done, result, err := f.step(ip)
		if err == nil {
			if done {
				return result, nil
			}
			ip = next
			continue
		}
		var esc escape
		if errors.As(err, &esc) {
			return nil, esc.exc
		}
		exc, ok := m.catchable(err, md.FullName())
		if !ok {
			return nil, err
		}
		f.dropAbandoned(ip)
		handler, ok := f.unwind(exc, ip, 0)
		if !ok {
			return nil, exc
		}
		ip = handler
	}
}

// dropAbandoned discards continuations of finally handlers that an
// exception raised at ip leaves.
func (f *frame) dropAbandoned(ip int) {
	for len(f.pending) > 0 {
		top := f.pending[len(f.pending)-1]
		if !f.c.regions[top.region].inHandler(ip) {
			return
		}
		f.pending = f.pending[:len(f.pending)-1]
	}
}

// unwind finds the next handler, searching regions from index from, for
// an exception raised at ip.
func (f *frame) unwind(exc *Exception, ip, from int) (int, bool) {
	for i := from; i < len(f.c.regions); i++ {
		r := f.c.regions[i]
		if !r.inTry(ip) {
			continue
		}
		switch r.kind {
		case il.HandlerCatch:
			if !f.catches(r.catchType, exc) {
				continue
			}
			f.stack = f.stack[:0]
			f.push(exc.Value)
			f.caught[i] = exc
			return r.start, true
		case il.HandlerFinally:
			f.stack = f.stack[:0]
			f.pending = append(f.pending, continuation{region: i, exc: exc, throwIP: ip})
			return r.start, true
		}
	}
	return 0, false
}

func (f *frame) catches(t il.TypeSig, exc *Exception) bool {
	if t == "" || t == il.Object {
		return true
	}
	return f.m.prog.IsSubclassOf(exc.Value.Type, string(t))
}

func (f *frame) label(l il.Label) (int, error) {
	p, ok := f.c.labels[l]
	if !ok {
		return 0, f.fault("branch to unmarked label %d", l)
	}
	return p, nil
}

func (f *frame) slot(slots []any, i int64, what string) (*any, error) {
	if i < 0 || i >= int64(len(slots)) {
		return nil, f.fault("%s index %d out of range", what, i)
	}
	return &slots[i], nil
}

// holder resolves the object a field instruction operates on.
func (f *frame) holder(v any, field *il.FieldRef) (runtime.FieldHolder, error) {
	if r, ok := v.(Ref); ok {
		v = r.Load()
	}
	if v == nil {
		return nil, fmt.Errorf("field %s of null: %w", field, runtime.ErrNullReference)
	}
	h, ok := v.(runtime.FieldHolder)
	if !ok {
		return nil, f.fault("field %s of %T", field, v)
	}
	return h, nil
}

func (f *frame) fieldDefault(ref *il.FieldRef) any {
	fd, err := f.m.prog.ResolveField(ref)
	if err != nil {
		return nil
	}
	return f.m.defaultOf(fd.Type)
}

// step executes the instruction at ip.
func (f *frame) step(ip int) (next int, done bool, result any, err error) {
	m := f.m
	in := f.c.code[ip]
	next = ip + 1

	switch in.Op {
	case il.OpNop, il.OpLabel:

	case il.OpLdArg, il.OpLdArgA, il.OpStArg:
		p, err := f.slot(f.args, in.Int, "argument")
		if err != nil {
			return 0, false, nil, err
		}
		switch in.Op {
		case il.OpLdArg:
			f.push(*p)
		case il.OpLdArgA:
			f.push(slotRef{slot: p})
		default:
			if *p, err = f.pop(); err != nil {
				return 0, false, nil, err
			}
		}

	case il.OpLdLoc, il.OpLdLocA, il.OpStLoc:
		p, err := f.slot(f.locals, in.Int, "local")
		if err != nil {
			return 0, false, nil, err
		}
		switch in.Op {
		case il.OpLdLoc:
			f.push(*p)
		case il.OpLdLocA:
			f.push(slotRef{slot: p})
		default:
			if *p, err = f.pop(); err != nil {
				return 0, false, nil, err
			}
		}

	case il.OpLdcI:
		f.push(in.Int)
	case il.OpLdcF:
		f.push(in.Float)
	case il.OpLdStr:
		f.push(in.Str)
	case il.OpLdNull:
		f.push(nil)

	case il.OpDup:
		v, err := f.pop()
		if err != nil {
			return 0, false, nil, err
		}
		f.push(v)
		f.push(v)

	case il.OpPop:
		if _, err := f.pop(); err != nil {
			return 0, false, nil, err
		}

	case il.OpAdd, il.OpSub, il.OpMul, il.OpDiv, il.OpRem, il.OpAnd, il.OpOr, il.OpXor:
		a, b, err := f.pop2()
		if err != nil {
			return 0, false, nil, err
		}
		v, err := arith(in.Op, a, b)
		if err != nil {
			return 0, false, nil, err
		}
		f.push(v)

	case il.OpNeg:
		v, err := f.pop()
		if err != nil {
			return 0, false, nil, err
		}
		switch x := v.(type) {
		case int64:
			f.push(-x)
		case float64:
			f.push(-x)
		default:
			return 0, false, nil, f.fault("neg of %T", v)
		}

	case il.OpCeq:
		a, b, err := f.pop2()
		if err != nil {
			return 0, false, nil, err
		}
		f.push(boolValue(valuesEqual(a, b)))

	case il.OpCgt, il.OpClt:
		a, b, err := f.pop2()
		if err != nil {
			return 0, false, nil, err
		}
		if in.Op == il.OpCgt && b == nil {
			// "x != null" compiles to cgt against null.
			f.push(boolValue(a != nil))
			break
		}
		c, err := compare(a, b)
		if err != nil {
			return 0, false, nil, f.fault("%s: %v", in.Op, err)
		}
		if in.Op == il.OpCgt {
			f.push(boolValue(c > 0))
		} else {
			f.push(boolValue(c < 0))
		}

	case il.OpBr:
		if next, err = f.label(in.Label); err != nil {
			return 0, false, nil, err
		}

	case il.OpBrTrue, il.OpBrFalse:
		v, err := f.pop()
		if err != nil {
			return 0, false, nil, err
		}
		if truthy(v) == (in.Op == il.OpBrTrue) {
			if next, err = f.label(in.Label); err != nil {
				return 0, false, nil, err
			}
		}

	case il.OpSwitch:
		v, err := f.pop()
		if err != nil {
			return 0, false, nil, err
		}
		i, ok := v.(int64)
		if !ok {
			return 0, false, nil, f.fault("switch on %T", v)
		}
		if i >= 0 && i < int64(len(in.Labels)) {
			if next, err = f.label(in.Labels[i]); err != nil {
				return 0, false, nil, err
			}
		}

	case il.OpLeave:
		target, err := f.label(in.Label)
		if err != nil {
			return 0, false, nil, err
		}
		f.stack = f.stack[:0]
		var finals []int
		for i, r := range f.c.regions {
			if r.kind == il.HandlerFinally && r.inTry(ip) && !r.inTry(target) {
				finals = append(finals, i)
			}
		}
		if len(finals) == 0 {
			next = target
			break
		}
		f.pending = append(f.pending, continuation{region: finals[0], throwIP: -1, target: target, remaining: finals[1:]})
		next = f.c.regions[finals[0]].start

	case il.OpEndFinally:
		if len(f.pending) == 0 {
			return 0, false, nil, f.fault("endfinally outside a finally handler")
		}
		k := f.pending[len(f.pending)-1]
		f.pending = f.pending[:len(f.pending)-1]
		switch {
		case k.exc != nil:
			h, ok := f.unwind(k.exc, k.throwIP, k.region+1)
			if !ok {
				return 0, false, nil, escape{exc: k.exc}
			}
			next = h
		case len(k.remaining) > 0:
			f.pending = append(f.pending, continuation{region: k.remaining[0], throwIP: -1, target: k.target, remaining: k.remaining[1:]})
			next = f.c.regions[k.remaining[0]].start
		default:
			next = k.target
		}

	case il.OpThrow:
		v, err := f.pop()
		if err != nil {
			return 0, false, nil, err
		}
		if v == nil {
			return 0, false, nil, fmt.Errorf("throw null: %w", runtime.ErrNullReference)
		}
		obj, ok := v.(*Object)
		if !ok {
			return 0, false, nil, f.fault("throw of %T", v)
		}
		return 0, false, nil, &Exception{Value: obj, Method: f.md.FullName()}

	case il.OpRethrow:
		for i, r := range f.c.regions {
			if r.kind == il.HandlerCatch && r.inHandler(ip) {
				if exc := f.caught[i]; exc != nil {
					return 0, false, nil, exc
				}
			}
		}
		return 0, false, nil, f.fault("rethrow outside a catch handler")

	case il.OpRet:
		for _, r := range f.c.regions {
			if r.inTry(ip) || r.inHandler(ip) {
				return 0, false, nil, f.fault("ret inside a protected region")
			}
		}
		if f.md.ReturnType.IsVoid() {
			return 0, true, nil, nil
		}
		v, err := f.pop()
		if err != nil {
			return 0, false, nil, err
		}
		return 0, true, v, nil

	case il.OpCall, il.OpCallVirt, il.OpNewObj:
		md, err := m.resolveMethod(in.Method)
		if err != nil {
			return 0, false, nil, err
		}
		n := len(md.Parameters)
		if md.HasThis() && in.Op != il.OpNewObj {
			n++
		}
		args, err := f.popN(n)
		if err != nil {
			return 0, false, nil, err
		}
		var v any
		switch in.Op {
		case il.OpCall:
			v, err = m.invoke(md, args)
		case il.OpCallVirt:
			v, err = m.callVirtual(md, args)
		default:
			v, err = m.newObject(md, args)
		}
		if err != nil {
			return 0, false, nil, err
		}
		if in.Op == il.OpNewObj || !md.ReturnType.IsVoid() {
			f.push(v)
		}

	case il.OpLdFld, il.OpLdFldA:
		v, err := f.pop()
		if err != nil {
			return 0, false, nil, err
		}
		h, err := f.holder(v, in.Field)
		if err != nil {
			return 0, false, nil, err
		}
		ref := fieldRef{obj: h, name: in.Field.Name, def: f.fieldDefault(in.Field)}
		if in.Op == il.OpLdFldA {
			f.push(ref)
		} else {
			f.push(ref.Load())
		}

	case il.OpStFld:
		obj, v, err := f.pop2()
		if err != nil {
			return 0, false, nil, err
		}
		h, err := f.holder(obj, in.Field)
		if err != nil {
			return 0, false, nil, err
		}
		if !h.StoreField(in.Field.Name, v) {
			return 0, false, nil, f.fault("%s has no field %s", h.TypeName(), in.Field.Name)
		}

	case il.OpLdSFld, il.OpLdSFldA, il.OpStSFld:
		key, fd, err := m.staticKey(in.Field)
		if err != nil {
			return 0, false, nil, err
		}
		if err := m.ensureInit(fd.DeclaringType); err != nil {
			return 0, false, nil, err
		}
		if _, ok := m.statics[key]; !ok {
			m.statics[key] = m.defaultOf(fd.Type)
		}
		switch in.Op {
		case il.OpLdSFld:
			f.push(m.statics[key])
		case il.OpLdSFldA:
			f.push(staticRef{statics: m.statics, key: key})
		default:
			if m.statics[key], err = f.pop(); err != nil {
				return 0, false, nil, err
			}
		}

	case il.OpLdInd:
		v, err := f.pop()
		if err != nil {
			return 0, false, nil, err
		}
		r, ok := v.(Ref)
		if !ok {
			return 0, false, nil, f.fault("ldind of %T", v)
		}
		f.push(r.Load())

	case il.OpStInd:
		p, v, err := f.pop2()
		if err != nil {
			return 0, false, nil, err
		}
		r, ok := p.(Ref)
		if !ok {
			return 0, false, nil, f.fault("stind to %T", p)
		}
		r.Store(v)

	case il.OpInitObj:
		p, err := f.pop()
		if err != nil {
			return 0, false, nil, err
		}
		r, ok := p.(Ref)
		if !ok {
			return 0, false, nil, f.fault("initobj on %T", p)
		}
		r.Store(m.defaultOf(in.Type))

	case il.OpBox:
		// Values are already boxed.

	case il.OpUnboxAny, il.OpCastClass, il.OpIsInst:
		v, err := f.pop()
		if err != nil {
			return 0, false, nil, err
		}
		switch {
		case v == nil && in.Op == il.OpUnboxAny:
			f.push(m.defaultOf(in.Type))
		case v == nil || m.isInstance(v, in.Type):
			f.push(v)
		case in.Op == il.OpIsInst:
			f.push(nil)
		default:
			return 0, false, nil, fmt.Errorf("cannot cast %s to %s: %w", typeNameOf(v), in.Type, runtime.ErrInvalidCast)
		}

	case il.OpNewArr:
		v, err := f.pop()
		if err != nil {
			return 0, false, nil, err
		}
		n, err := runtime.AsInt(v)
		if err != nil {
			return 0, false, nil, err
		}
		if n < 0 {
			return 0, false, nil, fmt.Errorf("array length %d: %w", n, runtime.ErrArgumentOutOfRange)
		}
		f.push(runtime.NewArray(in.Type, int(n)))

	case il.OpLdElem, il.OpStElem:
		var v any
		if in.Op == il.OpStElem {
			if v, err = f.pop(); err != nil {
				return 0, false, nil, err
			}
		}
		a, idx, err := f.pop2()
		if err != nil {
			return 0, false, nil, err
		}
		arr, err := runtime.As[*runtime.Array](a)
		if err != nil {
			return 0, false, nil, err
		}
		if arr == nil {
			return 0, false, nil, fmt.Errorf("element of null array: %w", runtime.ErrNullReference)
		}
		n, err := runtime.AsInt(idx)
		if err != nil {
			return 0, false, nil, err
		}
		i, err := arr.Index(n)
		if err != nil {
			return 0, false, nil, err
		}
		if in.Op == il.OpStElem {
			arr.Items[i] = v
		} else {
			f.push(arr.Items[i])
		}

	case il.OpLdLen:
		v, err := f.pop()
		if err != nil {
			return 0, false, nil, err
		}
		arr, err := runtime.As[*runtime.Array](v)
		if err != nil {
			return 0, false, nil, err
		}
		if arr == nil {
			return 0, false, nil, fmt.Errorf("length of null array: %w", runtime.ErrNullReference)
		}
		f.push(int64(len(arr.Items)))

	case il.OpLdFtn:
		if in.Method == nil {
			return 0, false, nil, f.fault("ldftn without a method")
		}
		f.push(in.Method)

	case il.OpLdToken:
		if in.Method == nil {
			return 0, false, nil, f.fault("ldtoken without a method")
		}
		f.push(&runtime.MemberInfo{
			Kind:          runtime.MemberMethod,
			DeclaringType: in.Method.Type,
			Name:          in.Method.Name,
			Method:        in.Method,
		})

	default:
		return 0, false, nil, f.fault("unsupported opcode %s", in.Op)
	}
	return next, false, nil, nil
}

func typeNameOf(v any) string {
	switch x := v.(type) {
	case runtime.Object:
		return x.TypeName()
	case int64:
		return string(il.Int64)
	case float64:
		return string(il.Float64)
	case string:
		return string(il.String)
	default:
		return fmt.Sprintf("%T", v)
	}
}

// arith applies a binary numeric operator.
func arith(op il.OpCode, a, b any) (any, error) {
	x, xok := a.(int64)
	y, yok := b.(int64)
	if xok && yok {
		switch op {
		case il.OpAdd:
			return x + y, nil
		case il.OpSub:
			return x - y, nil
		case il.OpMul:
			return x * y, nil
		case il.OpDiv, il.OpRem:
			if y == 0 {
				return nil, fmt.Errorf("division by zero: %w", runtime.ErrInvalidOperation)
			}
			if op == il.OpDiv {
				return x / y, nil
			}
			return x % y, nil
		case il.OpAnd:
			return x & y, nil
		case il.OpOr:
			return x | y, nil
		case il.OpXor:
			return x ^ y, nil
		}
	}
	fx, xok := toFloat(a)
	fy, yok := toFloat(b)
	if !xok || !yok {
		return nil, fmt.Errorf("%s of %T and %T: %w", op, a, b, ErrInvalidProgram)
	}
	switch op {
	case il.OpAdd:
		return fx + fy, nil
	case il.OpSub:
		return fx - fy, nil
	case il.OpMul:
		return fx * fy, nil
	case il.OpDiv:
		return fx / fy, nil
	case il.OpRem:
		return math.Mod(fx, fy), nil
	}
	return nil, fmt.Errorf("%s on floating point values: %w", op, ErrInvalidProgram)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
