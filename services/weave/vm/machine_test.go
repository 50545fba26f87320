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
	"bytes"
	"errors"
	"testing"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	wt "github.com/Inverness/Spinner-sub001/services/weave/weavetest"
)

var (
	invalidOpCtor = runtime.CtorRef(runtime.InvalidOperationExceptionType, il.String)
	getMessage    = runtime.Ref(runtime.ExceptionType, "get_Message", il.String)
)

// run builds a program holding one static method App.Program::Main and runs it.
func run(t *testing.T, ret il.TypeSig, emit func(e *il.Emitter), opts ...Option) (any, string, error) {
	t.Helper()
	b := wt.NewModule(wt.AppModule)
	b.Class("App.Program", "").Static("Main", ret, nil, emit)
	var out bytes.Buffer
	m := New(b.Program(), append([]Option{WithOutput(&out)}, opts...)...)
	v, err := m.Run("App.Program", "Main")
	return v, out.String(), err
}

func throwInvalidOp(e *il.Emitter, msg string) {
	e.LdStr(msg)
	e.Call(il.OpNewObj, invalidOpCtor)
	e.Op(il.OpThrow)
}

func TestMachine_Loop(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	b.Class("App.Calc", "").Static("Sum", il.Int64, wt.Ps(wt.P("n", il.Int64)), func(e *il.Emitter) {
		acc := e.Local("acc", il.Int64)
		i := e.Local("i", il.Int64)
		loop, done := e.NewLabel(), e.NewLabel()
		e.LdcI(1)
		e.StLoc(i)
		e.Mark(loop)
		e.LdLoc(i)
		e.LdArg(0)
		e.Op(il.OpCgt)
		e.Branch(il.OpBrTrue, done)
		e.LdLoc(acc)
		e.LdLoc(i)
		e.Op(il.OpAdd)
		e.StLoc(acc)
		e.LdLoc(i)
		e.LdcI(1)
		e.Op(il.OpAdd)
		e.StLoc(i)
		e.Branch(il.OpBr, loop)
		e.Mark(done)
		e.LdLoc(acc)
		e.Op(il.OpRet)
	})

	m := New(b.Program())
	got, err := m.Run("App.Calc", "Sum", 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != int64(55) {
		t.Errorf("Sum(10) = %v, want 55", got)
	}
	if m.Steps() == 0 {
		t.Error("expected steps to be counted")
	}
}

func TestMachine_VirtualDispatch(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	animal := b.Class("App.Animal", "")
	animal.DefaultCtor()
	animal.Method("Speak", il.MethodVirtual|il.MethodNewSlot, il.String, nil, func(e *il.Emitter) {
		e.LdStr("...")
		e.Op(il.OpRet)
	})
	dog := b.Class("App.Dog", "App.Animal")
	dog.DefaultCtor()
	dog.Method("Speak", il.MethodVirtual, il.String, nil, func(e *il.Emitter) {
		e.LdStr("woof")
		e.Op(il.OpRet)
	})
	b.Class("App.Program", "").Static("Main", il.String, nil, func(e *il.Emitter) {
		e.Call(il.OpNewObj, runtime.CtorRef("App.Dog"))
		e.Call(il.OpCallVirt, runtime.Ref("App.Animal", "Speak", il.String))
		e.Op(il.OpRet)
	})

	got, err := New(b.Program()).Run("App.Program", "Main")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "woof" {
		t.Errorf("Speak() = %v, want woof", got)
	}
}

func TestMachine_CatchAndFinally(t *testing.T) {
	_, out, err := run(t, il.Void, func(e *il.Emitter) {
		outerTry, innerTry := e.NewLabel(), e.NewLabel()
		catchStart, finallyStart, finallyEnd, end := e.NewLabel(), e.NewLabel(), e.NewLabel(), e.NewLabel()
		e.Mark(outerTry)
		e.Mark(innerTry)
		wt.Print(e, "try")
		throwInvalidOp(e, "boom")
		e.Mark(catchStart)
		e.Call(il.OpCallVirt, getMessage)
		wt.WriteLine(e)
		e.Branch(il.OpLeave, end)
		e.Mark(finallyStart)
		wt.Print(e, "finally")
		e.Op(il.OpEndFinally)
		e.Mark(finallyEnd)
		e.Mark(end)
		e.Op(il.OpRet)
		e.Handler(&il.ExceptionHandler{Kind: il.HandlerCatch, TryStart: innerTry, TryEnd: catchStart,
			HandlerStart: catchStart, HandlerEnd: finallyStart, CatchType: il.TypeSig(runtime.InvalidOperationExceptionType)})
		e.Handler(&il.ExceptionHandler{Kind: il.HandlerFinally, TryStart: outerTry, TryEnd: finallyStart,
			HandlerStart: finallyStart, HandlerEnd: finallyEnd})
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := "try\nboom\nfinally\n"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestMachine_UnhandledRunsFinally(t *testing.T) {
	_, out, err := run(t, il.Void, func(e *il.Emitter) {
		outerTry, innerTry := e.NewLabel(), e.NewLabel()
		catchStart, finallyStart, finallyEnd := e.NewLabel(), e.NewLabel(), e.NewLabel()
		e.Mark(outerTry)
		e.Mark(innerTry)
		throwInvalidOp(e, "boom")
		e.Mark(catchStart)
		wt.Print(e, "wrong handler")
		e.Op(il.OpRethrow)
		e.Mark(finallyStart)
		wt.Print(e, "finally")
		e.Op(il.OpEndFinally)
		e.Mark(finallyEnd)
		e.Op(il.OpRet)
		e.Handler(&il.ExceptionHandler{Kind: il.HandlerCatch, TryStart: innerTry, TryEnd: catchStart,
			HandlerStart: catchStart, HandlerEnd: finallyStart, CatchType: il.TypeSig(runtime.NullReferenceExceptionType)})
		e.Handler(&il.ExceptionHandler{Kind: il.HandlerFinally, TryStart: outerTry, TryEnd: finallyStart,
			HandlerStart: finallyStart, HandlerEnd: finallyEnd})
	})
	exc, ok := AsException(err)
	if !ok {
		t.Fatalf("err = %v, want a program exception", err)
	}
	if exc.TypeName() != runtime.InvalidOperationExceptionType || exc.Message() != "boom" {
		t.Errorf("exception = %s %q", exc.TypeName(), exc.Message())
	}
	if out != "finally\n" {
		t.Errorf("output = %q, want only the finally block", out)
	}
}

func TestMachine_LeaveRunsNestedFinallys(t *testing.T) {
	_, out, err := run(t, il.Void, func(e *il.Emitter) {
		outer, inner := e.NewLabel(), e.NewLabel()
		innerFin, outerFin, outerEnd, end := e.NewLabel(), e.NewLabel(), e.NewLabel(), e.NewLabel()
		e.Mark(outer)
		e.Mark(inner)
		wt.Print(e, "body")
		e.Branch(il.OpLeave, end)
		e.Mark(innerFin)
		wt.Print(e, "inner")
		e.Op(il.OpEndFinally)
		e.Mark(outerFin)
		wt.Print(e, "outer")
		e.Op(il.OpEndFinally)
		e.Mark(outerEnd)
		e.Mark(end)
		e.Op(il.OpRet)
		e.Handler(&il.ExceptionHandler{Kind: il.HandlerFinally, TryStart: inner, TryEnd: innerFin, HandlerStart: innerFin, HandlerEnd: outerFin})
		e.Handler(&il.ExceptionHandler{Kind: il.HandlerFinally, TryStart: outer, TryEnd: outerFin, HandlerStart: outerFin, HandlerEnd: outerEnd})
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := "body\ninner\nouter\n"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestMachine_RethrowReachesOuterCatch(t *testing.T) {
	_, out, err := run(t, il.Void, func(e *il.Emitter) {
		outerTry, innerTry := e.NewLabel(), e.NewLabel()
		innerCatch, outerCatch, outerEnd, end := e.NewLabel(), e.NewLabel(), e.NewLabel(), e.NewLabel()
		e.Mark(outerTry)
		e.Mark(innerTry)
		throwInvalidOp(e, "again")
		e.Mark(innerCatch)
		e.Op(il.OpPop)
		wt.Print(e, "inner")
		e.Op(il.OpRethrow)
		e.Mark(outerCatch)
		e.Call(il.OpCallVirt, getMessage)
		wt.WriteLine(e)
		e.Branch(il.OpLeave, end)
		e.Mark(outerEnd)
		e.Mark(end)
		e.Op(il.OpRet)
		e.Handler(&il.ExceptionHandler{Kind: il.HandlerCatch, TryStart: innerTry, TryEnd: innerCatch,
			HandlerStart: innerCatch, HandlerEnd: outerCatch, CatchType: runtime.ExceptionSig})
		e.Handler(&il.ExceptionHandler{Kind: il.HandlerCatch, TryStart: outerTry, TryEnd: outerCatch,
			HandlerStart: outerCatch, HandlerEnd: outerEnd, CatchType: il.TypeSig(runtime.InvalidOperationExceptionType)})
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := "inner\nagain\n"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestMachine_NativeErrorsAreCatchable(t *testing.T) {
	got, _, err := run(t, il.Int64, func(e *il.Emitter) {
		r := e.Local("r", il.Int64)
		try, handler, handlerEnd, end := e.NewLabel(), e.NewLabel(), e.NewLabel(), e.NewLabel()
		e.Mark(try)
		e.Call(il.OpNewObj, runtime.CtorRef(runtime.ArgumentsTypeName(1)))
		e.LdcI(5)
		e.Call(il.OpCallVirt, runtime.Ref(runtime.ArgumentsType, "GetArgument", il.Object, il.Int32))
		e.Op(il.OpPop)
		e.Branch(il.OpLeave, end)
		e.Mark(handler)
		e.Op(il.OpPop)
		e.LdcI(1)
		e.StLoc(r)
		e.Branch(il.OpLeave, end)
		e.Mark(handlerEnd)
		e.Mark(end)
		e.LdLoc(r)
		e.Op(il.OpRet)
		e.Handler(&il.ExceptionHandler{Kind: il.HandlerCatch, TryStart: try, TryEnd: handler,
			HandlerStart: handler, HandlerEnd: handlerEnd, CatchType: il.TypeSig(runtime.ArgumentOutOfRangeExceptionType)})
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != int64(1) {
		t.Errorf("result = %v, want 1 (caught)", got)
	}
}

func TestMachine_Delegates(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	b.Class("App.Handlers", "").Static("OnPing", il.Void, wt.Ps(wt.P("sender", il.Object), wt.P("e", il.Object)), func(e *il.Emitter) {
		e.LdArg(0)
		e.LdArg(1)
		wt.Concat(e)
		wt.WriteLine(e)
		e.Op(il.OpRet)
	})
	b.Class("App.Program", "").Static("Main", il.Void, nil, func(e *il.Emitter) {
		e.Op(il.OpLdNull)
		e.Call(il.OpLdFtn, runtime.Ref("App.Handlers", "OnPing", il.Void, il.Object, il.Object))
		e.Call(il.OpNewObj, runtime.CtorRef(runtime.EventHandlerType, il.Object, il.Object))
		e.LdStr("a")
		e.LdStr("b")
		e.Call(il.OpCallVirt, runtime.Ref(runtime.EventHandlerType, "Invoke", il.Void, il.Object, il.Object))
		e.Op(il.OpRet)
	})

	var out bytes.Buffer
	if _, err := New(b.Program(), WithOutput(&out)).Run("App.Program", "Main"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "ab\n" {
		t.Errorf("output = %q, want %q", out.String(), "ab\n")
	}
}

func TestMachine_ByRef(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	c := b.Class("App.Program", "")
	c.Static("Swap", il.Void, wt.Ps(wt.P("a", il.Int64.ByRef()), wt.P("b", il.Int64.ByRef())), func(e *il.Emitter) {
		tmp := e.Local("tmp", il.Int64)
		e.LdArg(0)
		e.Op(il.OpLdInd)
		e.StLoc(tmp)
		e.LdArg(0)
		e.LdArg(1)
		e.Op(il.OpLdInd)
		e.Op(il.OpStInd)
		e.LdArg(1)
		e.LdLoc(tmp)
		e.Op(il.OpStInd)
		e.Op(il.OpRet)
	})
	c.Static("Main", il.Int64, nil, func(e *il.Emitter) {
		x := e.Local("x", il.Int64)
		y := e.Local("y", il.Int64)
		e.LdcI(1)
		e.StLoc(x)
		e.LdcI(2)
		e.StLoc(y)
		e.LdLocA(x)
		e.LdLocA(y)
		e.Call(il.OpCall, runtime.Ref("App.Program", "Swap", il.Void, il.Int64.ByRef(), il.Int64.ByRef()))
		e.LdLoc(x)
		e.LdcI(10)
		e.Op(il.OpMul)
		e.LdLoc(y)
		e.Op(il.OpAdd)
		e.Op(il.OpRet)
	})

	got, err := New(b.Program()).Run("App.Program", "Main")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != int64(21) {
		t.Errorf("result = %v, want 21", got)
	}
}

func TestMachine_StepLimit(t *testing.T) {
	_, _, err := run(t, il.Void, func(e *il.Emitter) {
		l := e.NewLabel()
		e.Mark(l)
		e.Branch(il.OpBr, l)
	}, WithStepLimit(1000))
	if !errors.Is(err, ErrStepLimit) {
		t.Fatalf("err = %v, want ErrStepLimit", err)
	}
	if _, ok := AsException(err); ok {
		t.Error("a step limit fault must not be a program exception")
	}
}

func TestMachine_RetInsideProtectedRegionIsInvalid(t *testing.T) {
	_, _, err := run(t, il.Void, func(e *il.Emitter) {
		try, fin, end := e.NewLabel(), e.NewLabel(), e.NewLabel()
		e.Mark(try)
		e.Op(il.OpRet)
		e.Mark(fin)
		e.Op(il.OpEndFinally)
		e.Mark(end)
		e.Handler(&il.ExceptionHandler{Kind: il.HandlerFinally, TryStart: try, TryEnd: fin, HandlerStart: fin, HandlerEnd: end})
	})
	if !errors.Is(err, ErrInvalidProgram) {
		t.Fatalf("err = %v, want ErrInvalidProgram", err)
	}
}

func TestMachine_StaticFieldsAndCctor(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	c := b.Class("App.Counter", "")
	count := c.StaticField("count", il.Int64)
	c.Static(il.CctorName, il.Void, nil, func(e *il.Emitter) {
		e.LdcI(100)
		e.Field(il.OpStSFld, count)
		e.Op(il.OpRet)
	})
	c.Static("Next", il.Int64, nil, func(e *il.Emitter) {
		e.Field(il.OpLdSFld, count)
		e.LdcI(1)
		e.Op(il.OpAdd)
		e.Op(il.OpDup)
		e.Field(il.OpStSFld, count)
		e.Op(il.OpRet)
	})

	m := New(b.Program())
	for want := int64(101); want <= 103; want++ {
		got, err := m.Run("App.Counter", "Next")
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Errorf("Next() = %v, want %d", got, want)
		}
	}
	v, err := m.LoadStatic(count)
	if err != nil || v != int64(103) {
		t.Errorf("LoadStatic = %v, %v", v, err)
	}
}
