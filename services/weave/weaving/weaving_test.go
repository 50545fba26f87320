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
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inverness/Spinner-sub001/services/weave/elements"
	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/multicast"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	"github.com/Inverness/Spinner-sub001/services/weave/vm"
	wt "github.com/Inverness/Spinner-sub001/services/weave/weavetest"
)

var (
	setFlow        = runtime.SetterRef(mea, "FlowBehavior", runtime.FlowBehaviorSig)
	setReturnValue = runtime.SetterRef(mea, "ReturnValue", il.Object)
	proceed        = runtime.Ref(mia, "Proceed", il.Void)
	setMIAReturn   = runtime.SetterRef(mia, "ReturnValue", il.Object)
	proceedGet     = runtime.Ref(lia, "ProceedGetValue", il.Void)
	getLIAValue    = runtime.GetterRef(lia, "Value", il.Object)
	setLIAValue    = runtime.SetterRef(lia, "Value", il.Object)
	proceedAdd     = runtime.Ref(eia, "ProceedAddHandler", il.Void)
	proceedRemove  = runtime.Ref(eia, "ProceedRemoveHandler", il.Void)
	proceedSet     = runtime.Ref(lia, "ProceedSetValue", il.Void)
	getLIAIndex    = runtime.GetterRef(lia, "Index", runtime.ArgumentsSig)
	argsCount      = runtime.GetterRef(runtime.ArgumentsType, "Count", il.Int32)
	argsGet        = runtime.Ref(runtime.ArgumentsType, "GetArgument", il.Object, il.Int32)
	getYield       = runtime.GetterRef(mea, "YieldValue", il.Object)
	setYield       = runtime.SetterRef(mea, "YieldValue", il.Object)
	proceedInvoke  = runtime.Ref(eia, "ProceedInvokeHandler", il.Void)
	handlerCtor    = runtime.CtorRef(runtime.EventHandlerType, il.Object, il.Object)
	handlerInvoke  = runtime.Ref(runtime.EventHandlerType, "Invoke", il.Void, il.Object, il.Object)
)

// say returns an advice body printing s.
func say(s string) func(e *il.Emitter) {
	return func(e *il.Emitter) {
		wt.Print(e, s)
		e.Op(il.OpRet)
	}
}

func throwInvalid(e *il.Emitter, msg string) {
	e.LdStr(msg)
	e.Call(il.OpNewObj, invalidOpCtor)
	e.Op(il.OpThrow)
}

// weave resolves and weaves p, returning the context.
func weave(t *testing.T, p *il.Program) *Context {
	t.Helper()
	ctx := context.Background()
	g, _, err := elements.NewBuilder().Build(ctx, p)
	require.NoError(t, err)
	res, err := multicast.NewEngine().Resolve(ctx, g)
	require.NoError(t, err)
	c := NewContext(g, res)
	require.NoError(t, c.Weave(ctx))
	return c
}

func machine(p *il.Program) (*vm.Machine, *bytes.Buffer) {
	var out bytes.Buffer
	return vm.New(p, vm.WithOutput(&out)), &out
}

func method(t *testing.T, p *il.Program, typ, name string) *il.MethodDef {
	t.Helper()
	td := p.LookupType(typ)
	require.NotNil(t, td, typ)
	m := td.FindMethod(name, nil)
	require.NotNil(t, m, name)
	return m
}

func TestBoundary_AdviceOrderWithOutParameter(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	log := b.Aspect("App.Log", runtime.OnMethodBoundaryAspectType)
	log.Advice(runtime.AdviceOnEntry, say("entry"))
	log.Advice(runtime.AdviceOnSuccess, say("success"))
	log.Advice(runtime.AdviceOnExit, say("exit"))

	calc := b.Class("App.Calc", "")
	compute := calc.Static("Compute", il.String,
		wt.Ps(wt.P("a", il.Int64), wt.Out("b", il.Int64), wt.P("c", il.String)),
		func(e *il.Emitter) {
			e.LdArg(1)
			e.LdArg(0)
			e.LdArg(0)
			e.Op(il.OpAdd)
			e.Op(il.OpStInd)
			wt.Print(e, "body")
			e.LdArg(2)
			e.Op(il.OpRet)
		})
	compute.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Log")}
	calc.Static("Main", il.Void, nil, func(e *il.Emitter) {
		out := e.Local("b", il.Int64)
		e.LdcI(21)
		e.LdLocA(out)
		e.LdStr("x")
		e.Call(il.OpCall, compute.Ref())
		wt.WriteLine(e)
		e.LdLoc(out)
		wt.WriteLine(e)
		e.Op(il.OpRet)
	})
	p := b.Program()

	c := weave(t, p)
	m, out := machine(p)
	_, err := m.Run("App.Calc", "Main")
	require.NoError(t, err)
	assert.Equal(t, "entry\nbody\nsuccess\nexit\nx\n42\n", out.String())
	assert.Equal(t, 1, c.Stats().Applied["boundary"])
	assert.Equal(t, 1, c.Stats().Targets)
}

func TestBoundary_ProceedKeepsResult(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	b.Aspect("App.Log", runtime.OnMethodBoundaryAspectType).
		Advice(runtime.AdviceOnEntry, say("entry"))
	echo := b.Class("App.Service", "").Static("Echo", il.String,
		wt.Ps(wt.P("n", il.Int64), wt.P("s", il.String)),
		func(e *il.Emitter) {
			e.LdArg(1)
			e.LdArg(0)
			wt.Concat(e)
			e.Op(il.OpRet)
		})
	echo.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Log")}
	p := b.Program()

	weave(t, p)
	m, out := machine(p)
	got, err := m.Run("App.Service", "Echo", 10, "x")
	require.NoError(t, err)
	assert.Equal(t, "x10", got)
	assert.Equal(t, "entry\n", out.String())
}

func TestBoundary_ReturnFromEntrySkipsBody(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	log := b.Aspect("App.Cache", runtime.OnMethodBoundaryAspectType)
	log.Advice(runtime.AdviceOnEntry, func(e *il.Emitter) {
		e.LdArg(1)
		e.LdStr("cached")
		e.Call(il.OpCallVirt, setReturnValue)
		e.LdArg(1)
		e.LdcI(int64(runtime.FlowReturn))
		e.Call(il.OpCallVirt, setFlow)
		e.Op(il.OpRet)
	})
	log.Advice(runtime.AdviceOnSuccess, say("success"))
	log.Advice(runtime.AdviceOnExit, say("exit"))
	greet := b.Class("App.Service", "").Static("Greet", il.String, nil, func(e *il.Emitter) {
		wt.Print(e, "body")
		e.LdStr("computed")
		e.Op(il.OpRet)
	})
	greet.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Cache")}
	p := b.Program()

	weave(t, p)
	m, out := machine(p)
	got, err := m.Run("App.Service", "Greet")
	require.NoError(t, err)
	assert.Equal(t, "cached", got)
	assert.Equal(t, "exit\n", out.String())
}

func TestBoundary_ExceptionRethrownAfterExit(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	log := b.Aspect("App.Log", runtime.OnMethodBoundaryAspectType)
	log.Advice(runtime.AdviceOnException, say("exception"))
	log.Advice(runtime.AdviceOnSuccess, say("success"))
	log.Advice(runtime.AdviceOnExit, say("exit"))
	fail := b.Class("App.Service", "").Static("Fail", il.Int64, nil, func(e *il.Emitter) {
		throwInvalid(e, "boom")
	})
	fail.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Log")}
	p := b.Program()

	weave(t, p)
	m, out := machine(p)
	_, err := m.Run("App.Service", "Fail")
	require.Error(t, err)
	exc, ok := vm.AsException(err)
	require.True(t, ok, "want a program exception, got %v", err)
	assert.Equal(t, runtime.InvalidOperationExceptionType, exc.TypeName())
	assert.Equal(t, "boom", exc.Message())
	assert.Equal(t, "exception\nexit\n", out.String())
}

func TestBoundary_ReturnFromException(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	b.Aspect("App.Swallow", runtime.OnMethodBoundaryAspectType).
		Advice(runtime.AdviceOnException, func(e *il.Emitter) {
			e.LdArg(1)
			e.LdcI(7)
			e.Type(il.OpBox, il.Int64)
			e.Call(il.OpCallVirt, setReturnValue)
			e.LdArg(1)
			e.LdcI(int64(runtime.FlowReturn))
			e.Call(il.OpCallVirt, setFlow)
			e.Op(il.OpRet)
		})
	fail := b.Class("App.Service", "").Static("Fail", il.Int64, nil, func(e *il.Emitter) {
		throwInvalid(e, "boom")
	})
	fail.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Swallow")}
	p := b.Program()

	weave(t, p)
	m, _ := machine(p)
	got, err := m.Run("App.Service", "Fail")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)
}

func TestBoundary_Retry(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	b.Aspect("App.Retry", runtime.OnMethodBoundaryAspectType).
		Advice(runtime.AdviceOnException, func(e *il.Emitter) {
			wt.Print(e, "retry")
			e.LdArg(1)
			e.LdcI(int64(runtime.FlowRetry))
			e.Call(il.OpCallVirt, setFlow)
			e.Op(il.OpRet)
		})
	svc := b.Class("App.Service", "")
	calls := svc.StaticField("calls", il.Int64)
	flaky := svc.Static("Flaky", il.Int64, nil, func(e *il.Emitter) {
		ok := e.NewLabel()
		e.Field(il.OpLdSFld, calls)
		e.LdcI(1)
		e.Op(il.OpAdd)
		e.Field(il.OpStSFld, calls)
		e.Field(il.OpLdSFld, calls)
		e.LdcI(3)
		e.Op(il.OpCeq)
		e.Branch(il.OpBrTrue, ok)
		throwInvalid(e, "not yet")
		e.Mark(ok)
		e.Field(il.OpLdSFld, calls)
		e.Op(il.OpRet)
	})
	flaky.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Retry")}
	p := b.Program()

	weave(t, p)
	m, out := machine(p)
	got, err := m.Run("App.Service", "Flaky")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
	assert.Equal(t, "retry\nretry\n", out.String())
}

func TestBoundary_StackedAspectsUnwindInReverse(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	for _, name := range []string{"A", "B"} {
		a := b.Aspect("App."+name, runtime.OnMethodBoundaryAspectType)
		a.Advice(runtime.AdviceOnEntry, say(name+" entry"))
		a.Advice(runtime.AdviceOnExit, say(name+" exit"))
	}
	run := b.Class("App.Service", "").Static("Run", il.Void, nil, say("body"))
	run.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.A"), wt.Attribute("App.B")}
	p := b.Program()

	weave(t, p)
	m, out := machine(p)
	_, err := m.Run("App.Service", "Run")
	require.NoError(t, err)
	assert.Equal(t, "A entry\nB entry\nbody\nB exit\nA exit\n", out.String())
}

func TestInterception_Proceed(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	b.Aspect("App.Around", runtime.MethodInterceptionAspectType).
		Advice(runtime.AdviceOnInvoke, func(e *il.Emitter) {
			wt.Print(e, "before")
			e.LdArg(1)
			e.Call(il.OpCallVirt, proceed)
			wt.Print(e, "after")
			e.Op(il.OpRet)
		})
	svc := b.Class("App.Service", "")
	svc.DefaultCtor()
	echo := svc.Method("Echo", 0, il.String, wt.Ps(wt.P("n", il.Int64), wt.P("s", il.String)), func(e *il.Emitter) {
		wt.Print(e, "body")
		e.LdArg(2)
		e.LdArg(1)
		wt.Concat(e)
		e.Op(il.OpRet)
	})
	echo.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Around")}
	p := b.Program()

	c := weave(t, p)
	m, out := machine(p)
	obj, err := m.NewObject(runtime.CtorRef("App.Service"))
	require.NoError(t, err)
	got, err := m.Invoke(echo, obj, 10, "x")
	require.NoError(t, err)
	assert.Equal(t, "x10", got)
	assert.Equal(t, "before\nbody\nafter\n", out.String())

	st := c.Stats()
	assert.Equal(t, 1, st.Originals)
	assert.Equal(t, 1, st.Bindings)
	assert.NotNil(t, p.LookupType("App.Service").FindMethod("<Echo>z__Original", nil))
}

func TestInterception_ReplaceResult(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	b.Aspect("App.Stub", runtime.MethodInterceptionAspectType).
		Advice(runtime.AdviceOnInvoke, func(e *il.Emitter) {
			e.LdArg(1)
			e.LdcI(99)
			e.Type(il.OpBox, il.Int64)
			e.Call(il.OpCallVirt, setMIAReturn)
			e.Op(il.OpRet)
		})
	calc := b.Class("App.Calc", "").Static("Answer", il.Int64, nil, func(e *il.Emitter) {
		wt.Print(e, "body")
		e.LdcI(42)
		e.Op(il.OpRet)
	})
	calc.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Stub")}
	p := b.Program()

	weave(t, p)
	m, out := machine(p)
	got, err := m.Run("App.Calc", "Answer")
	require.NoError(t, err)
	assert.Equal(t, int64(99), got)
	assert.Empty(t, out.String())
}

func TestLocation_GetAndSet(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	b.Aspect("App.Shout", runtime.LocationInterceptionAspectType).
		Advice(runtime.AdviceOnGetValue, func(e *il.Emitter) {
			e.LdArg(1)
			e.Call(il.OpCallVirt, proceedGet)
			e.LdArg(1)
			e.LdArg(1)
			e.Call(il.OpCallVirt, getLIAValue)
			e.LdStr("!")
			wt.Concat(e)
			e.Call(il.OpCallVirt, setLIAValue)
			e.Op(il.OpRet)
		})
	person := b.Class("App.Person", "")
	person.DefaultCtor()
	prop := person.AutoProperty("Name", il.String)
	prop.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Shout")}
	p := b.Program()

	c := weave(t, p)
	m, _ := machine(p)
	obj, err := m.NewObject(runtime.CtorRef("App.Person"))
	require.NoError(t, err)
	_, err = m.Invoke(method(t, p, "App.Person", "set_Name"), obj, "bob")
	require.NoError(t, err)
	got, err := m.Invoke(method(t, p, "App.Person", "get_Name"), obj)
	require.NoError(t, err)
	assert.Equal(t, "bob!", got)
	assert.Equal(t, 1, c.Stats().Applied["location"])
}

func TestBoundary_FilterException(t *testing.T) {
	tests := []struct {
		name   string
		accept bool
		want   string
	}{
		{name: "accepted", accept: true, want: "filter\nexception\nexit\n"},
		{name: "rejected", accept: false, want: "filter\nexit\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := wt.NewModule(wt.AppModule)
			guard := b.Aspect("App.Guard", runtime.OnMethodBoundaryAspectType)
			guard.Advice(runtime.AdviceFilterException, func(e *il.Emitter) {
				wt.Print(e, "filter")
				if tt.accept {
					e.LdcI(1)
				} else {
					e.LdcI(0)
				}
				e.Op(il.OpRet)
			})
			guard.Advice(runtime.AdviceOnException, say("exception"))
			guard.Advice(runtime.AdviceOnExit, say("exit"))
			fail := b.Class("App.Service", "").Static("Fail", il.Int64, nil, func(e *il.Emitter) {
				throwInvalid(e, "boom")
			})
			fail.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Guard")}
			p := b.Program()

			weave(t, p)
			m, out := machine(p)
			_, err := m.Run("App.Service", "Fail")
			exc, ok := vm.AsException(err)
			require.True(t, ok, "want a program exception, got %v", err)
			assert.Equal(t, "boom", exc.Message())
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestInterception_StackedAspectsNest(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	for _, name := range []string{"Outer", "Inner"} {
		b.Aspect("App."+name, runtime.MethodInterceptionAspectType).
			Advice(runtime.AdviceOnInvoke, func(e *il.Emitter) {
				wt.Print(e, name+" before")
				e.LdArg(1)
				e.Call(il.OpCallVirt, proceed)
				wt.Print(e, name+" after")
				e.Op(il.OpRet)
			})
	}
	echo := b.Class("App.Service", "").Static("Echo", il.String, wt.Ps(wt.P("s", il.String)), func(e *il.Emitter) {
		wt.Print(e, "body")
		e.LdArg(0)
		e.Op(il.OpRet)
	})
	echo.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Outer"), wt.Attribute("App.Inner")}
	p := b.Program()

	c := weave(t, p)
	m, out := machine(p)
	got, err := m.Run("App.Service", "Echo", "x")
	require.NoError(t, err)
	assert.Equal(t, "x", got)
	assert.Equal(t, "Outer before\nInner before\nbody\nInner after\nOuter after\n", out.String())

	st := c.Stats()
	assert.Equal(t, 2, st.Originals)
	assert.Equal(t, 2, st.Bindings)
	assert.Equal(t, 2, st.Applied["interception"])
	svc := p.LookupType("App.Service")
	assert.NotNil(t, svc.FindMethod("<Echo>z__Original", nil))
	assert.NotNil(t, svc.FindMethod("<Echo>z__Original1", nil))
}

func TestLocation_IndexerKeepsValueOutOfIndex(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	b.Aspect("App.Watch", runtime.LocationInterceptionAspectType).
		Advice(runtime.AdviceOnSetValue, func(e *il.Emitter) {
			e.LdArg(1)
			e.Call(il.OpCallVirt, getLIAIndex)
			e.Call(il.OpCallVirt, argsCount)
			wt.WriteLine(e)
			e.LdArg(1)
			e.Call(il.OpCallVirt, getLIAIndex)
			e.LdcI(0)
			e.Call(il.OpCallVirt, argsGet)
			wt.WriteLine(e)
			e.LdArg(1)
			e.Call(il.OpCallVirt, getLIAValue)
			wt.WriteLine(e)
			e.LdArg(1)
			e.Call(il.OpCallVirt, proceedSet)
			e.Op(il.OpRet)
		})
	grid := b.Class("App.Grid", "")
	grid.DefaultCtor()
	store := grid.Field("store", il.String)
	grid.Method("get_Item", 0, il.String, wt.Ps(wt.P("i", il.Int64)), func(e *il.Emitter) {
		e.LdArg(0)
		e.Field(il.OpLdFld, store)
		e.LdArg(1)
		wt.Concat(e)
		e.Op(il.OpRet)
	})
	grid.Method("set_Item", 0, il.Void, wt.Ps(wt.P("i", il.Int64), wt.P("value", il.String)), func(e *il.Emitter) {
		e.LdArg(0)
		e.LdArg(2)
		e.LdArg(1)
		wt.Concat(e)
		e.Field(il.OpStFld, store)
		e.Op(il.OpRet)
	})
	item := &il.PropertyDef{Name: "Item", Type: il.String, Getter: "get_Item", Setter: "set_Item", DeclaringType: grid.T,
		CustomAttributes: []*il.CustomAttribute{wt.Attribute("App.Watch")}}
	grid.T.Properties = append(grid.T.Properties, item)
	p := b.Program()

	weave(t, p)
	m, out := machine(p)
	obj, err := m.NewObject(runtime.CtorRef("App.Grid"))
	require.NoError(t, err)
	_, err = m.Invoke(method(t, p, "App.Grid", "set_Item"), obj, 3, "v")
	require.NoError(t, err)
	assert.Equal(t, "1\n3\nv\n", out.String(), "one index slot, the value travels separately")

	got, err := m.Invoke(method(t, p, "App.Grid", "get_Item"), obj, 5)
	require.NoError(t, err)
	assert.Equal(t, "v35", got)
}

var clickType = il.TypeSig(runtime.EventHandlerType)

// button adds App.Button with a Click event and a Raise method that
// invokes it when anything is subscribed, and App.Handlers.Main, which
// subscribes, raises, unsubscribes and raises again.
func button(b *wt.ModuleBuilder) (*il.EventDef, *il.MethodDef) {
	handlers := b.Class("App.Handlers", "")
	onClick := handlers.Static("OnClick", il.Void, wt.Ps(wt.P("sender", il.Object), wt.P("e", il.Object)), say("clicked"))

	btn := b.Class("App.Button", "")
	btn.DefaultCtor()
	ev := btn.FieldEvent("Click", clickType)
	click := &il.FieldRef{Type: "App.Button", Name: "Click"}
	raise := btn.Method("Raise", 0, il.Void, nil, func(e *il.Emitter) {
		has := e.NewLabel()
		e.LdArg(0)
		e.Field(il.OpLdFld, click)
		e.Op(il.OpDup)
		e.Branch(il.OpBrTrue, has)
		e.Op(il.OpPop)
		e.Op(il.OpRet)
		e.Mark(has)
		e.LdArg(0)
		e.Op(il.OpLdNull)
		e.Call(il.OpCallVirt, handlerInvoke)
		e.Op(il.OpRet)
	})

	handlers.Static("Main", il.Void, nil, func(e *il.Emitter) {
		obj := e.Local("button", il.TypeSig("App.Button"))
		handler := e.Local("handler", clickType)
		e.Call(il.OpNewObj, runtime.CtorRef("App.Button"))
		e.StLoc(obj)
		e.Op(il.OpLdNull)
		e.Call(il.OpLdFtn, onClick.Ref())
		e.Call(il.OpNewObj, handlerCtor)
		e.StLoc(handler)
		call := func(name string, params ...il.TypeSig) {
			e.LdLoc(obj)
			if len(params) > 0 {
				e.LdLoc(handler)
			}
			e.Call(il.OpCallVirt, runtime.Ref("App.Button", name, il.Void, params...))
		}
		call("add_Click", clickType)
		call("Raise")
		call("remove_Click", clickType)
		call("Raise")
		e.Op(il.OpRet)
	})
	return ev, raise
}

// proceeding returns an advice body printing s and calling next on the
// envelope.
func proceeding(s string, next *il.MethodRef) func(e *il.Emitter) {
	return func(e *il.Emitter) {
		wt.Print(e, s)
		e.LdArg(1)
		e.Call(il.OpCallVirt, next)
		e.Op(il.OpRet)
	}
}

func TestEvent_SubscriptionAndInvoke(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	audit := b.Aspect("App.Audit", runtime.EventInterceptionAspectType)
	audit.Advice(runtime.AdviceOnAddHandler, proceeding("add", proceedAdd))
	audit.Advice(runtime.AdviceOnRemoveHandler, proceeding("remove", proceedRemove))
	audit.Advice(runtime.AdviceOnInvokeHandler, proceeding("invoke", proceedInvoke))
	ev, _ := button(b)
	ev.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Audit")}
	p := b.Program()

	c := weave(t, p)
	m, out := machine(p)
	_, err := m.Run("App.Handlers", "Main")
	require.NoError(t, err)
	assert.Equal(t, "add\ninvoke\nclicked\nremove\n", out.String())
	assert.Equal(t, 1, c.Stats().Redirected)
}

func TestEvent_RaisedFromInterceptedMethod(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	b.Aspect("App.Audit", runtime.EventInterceptionAspectType).
		Advice(runtime.AdviceOnInvokeHandler, proceeding("invoke", proceedInvoke))
	b.Aspect("App.Around", runtime.MethodInterceptionAspectType).
		Advice(runtime.AdviceOnInvoke, proceeding("around", proceed))
	ev, raise := button(b)
	ev.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Audit")}
	raise.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Around")}
	p := b.Program()

	c := weave(t, p)
	m, out := machine(p)
	_, err := m.Run("App.Handlers", "Main")
	require.NoError(t, err)
	assert.Equal(t, "around\ninvoke\nclicked\naround\n", out.String())
	assert.Equal(t, 1, c.Stats().Redirected, "the moved Raise body reads through the invoker")
	assert.NotNil(t, p.LookupType("App.Button").FindMethod("<Raise>z__Original", nil))
}

func TestEvent_StackedInvokersChain(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	for _, name := range []string{"A", "B"} {
		b.Aspect("App."+name, runtime.EventInterceptionAspectType).
			Advice(runtime.AdviceOnInvokeHandler, proceeding(name+" invoke", proceedInvoke))
	}
	ev, _ := button(b)
	ev.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.A"), wt.Attribute("App.B")}
	p := b.Program()

	c := weave(t, p)
	m, out := machine(p)
	_, err := m.Run("App.Handlers", "Main")
	require.NoError(t, err)
	assert.Equal(t, "A invoke\nB invoke\nclicked\n", out.String())
	assert.Equal(t, 2, c.Stats().Redirected)
}

// stateMachine builds a kickoff method on App.Service backed by a state
// machine of the given kind that suspends once. The iterator yields 10
// and exposes it through get_Current.
func stateMachine(b *wt.ModuleBuilder, kind StateMachineKind, aspect string) (string, *il.TypeDef) {
	kickoff, attr, ret := "Numbers", il.IteratorStateMachineAttribute, il.Bool
	if kind == StateMachineAsync {
		kickoff, attr, ret = "RunAsync", il.AsyncStateMachineAttribute, il.Void
	}
	// leave returns from MoveNext; iterators report whether they yielded.
	leave := func(e *il.Emitter, yielded int64) {
		if kind == StateMachineIterator {
			e.LdcI(yielded)
		}
		e.Op(il.OpRet)
	}

	svc := b.Class("App.Service", "")
	sm := svc.Nested("<"+kickoff+">d__0", "")
	sm.T.Flags |= il.TypeCompilerGenerated
	sm.DefaultCtor()
	state := sm.Field("<>1__state", il.Int32)
	var current *il.FieldRef
	if kind == StateMachineIterator {
		current = sm.Field("<>2__current", il.Object)
		sm.Method("get_Current", 0, il.Object, nil, func(e *il.Emitter) {
			e.LdArg(0)
			e.Field(il.OpLdFld, current)
			e.Op(il.OpRet)
		})
	}
	sm.Method("MoveNext", il.MethodVirtual, ret, nil, func(e *il.Emitter) {
		start, resume := e.NewLabel(), e.NewLabel()
		e.LdArg(0)
		e.Field(il.OpLdFld, state)
		e.Switch(start, resume)
		leave(e, 0)

		e.Mark(start)
		e.LdArg(0)
		e.LdcI(-1)
		e.Field(il.OpStFld, state)
		wt.Print(e, "start")
		if current != nil {
			e.LdArg(0)
			e.LdcI(10)
			e.Type(il.OpBox, il.Int64)
			e.Field(il.OpStFld, current)
		}
		e.LdArg(0)
		e.LdcI(1)
		e.Field(il.OpStFld, state)
		leave(e, 1)

		e.Mark(resume)
		e.LdArg(0)
		e.LdcI(-1)
		e.Field(il.OpStFld, state)
		wt.Print(e, "end")
		leave(e, 0)
	})
	k := svc.Static(kickoff, il.Object, nil, func(e *il.Emitter) {
		e.Call(il.OpNewObj, runtime.CtorRef(sm.T.FullName()))
		e.Op(il.OpRet)
	})
	k.CustomAttributes = []*il.CustomAttribute{
		wt.Attribute(attr, il.TypeArg(sm.T.FullName())),
		wt.Attribute(aspect),
	}
	return kickoff, sm.T
}

// drive runs kickoff and calls MoveNext on the machine it returns twice.
func drive(t *testing.T, m *vm.Machine, kickoff string, smType *il.TypeDef) {
	t.Helper()
	it, err := m.Run("App.Service", kickoff)
	require.NoError(t, err)
	moveNext := smType.FindMethod("MoveNext", nil)
	for i := 0; i < 2; i++ {
		_, err := m.Invoke(moveNext, it)
		require.NoError(t, err)
	}
}

func TestStateMachine_BoundaryAdvice(t *testing.T) {
	tests := []struct {
		kind        StateMachineKind
		wantCurrent bool
	}{
		{kind: StateMachineIterator, wantCurrent: true},
		{kind: StateMachineAsync},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			b := wt.NewModule(wt.AppModule)
			log := b.Aspect("App.Log", runtime.OnMethodBoundaryAspectType)
			log.Advice(runtime.AdviceOnEntry, say("entry"))
			log.Advice(runtime.AdviceOnYield, say("yield"))
			log.Advice(runtime.AdviceOnResume, say("resume"))
			log.Advice(runtime.AdviceOnSuccess, say("success"))
			log.Advice(runtime.AdviceOnExit, say("exit"))
			kickoff, smType := stateMachine(b, tt.kind, "App.Log")
			p := b.Program()

			sm, err := DescribeStateMachine(p, method(t, p, "App.Service", kickoff))
			require.NoError(t, err)
			require.NotNil(t, sm)
			assert.Equal(t, tt.kind, sm.Kind)
			assert.Len(t, sm.Points, 1)
			if tt.wantCurrent {
				require.NotNil(t, sm.Current)
				assert.Equal(t, "<>2__current", sm.Current.Name)
			} else {
				assert.Nil(t, sm.Current)
			}

			weave(t, p)
			m, out := machine(p)
			drive(t, m, kickoff, smType)
			assert.Equal(t, "entry\nstart\nyield\nresume\nend\nsuccess\nexit\n", out.String())
			assert.NotNil(t, smType.FindField("<>z__env"))
		})
	}
}

func TestStateMachine_YieldValueSubstitution(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	b.Aspect("App.Rewrite", runtime.OnMethodBoundaryAspectType).
		Advice(runtime.AdviceOnYield, func(e *il.Emitter) {
			e.LdArg(1)
			e.Call(il.OpCallVirt, getYield)
			wt.WriteLine(e)
			e.LdArg(1)
			e.LdStr("ten")
			e.Call(il.OpCallVirt, setYield)
			e.Op(il.OpRet)
		})
	kickoff, smType := stateMachine(b, StateMachineIterator, "App.Rewrite")
	p := b.Program()

	weave(t, p)
	m, out := machine(p)
	it, err := m.Run("App.Service", kickoff)
	require.NoError(t, err)
	more, err := m.Invoke(smType.FindMethod("MoveNext", nil), it)
	require.NoError(t, err)
	assert.Equal(t, int64(1), more, "the iterator yielded")
	got, err := m.Invoke(smType.FindMethod("get_Current", nil), it)
	require.NoError(t, err)
	assert.Equal(t, "ten", got)
	assert.Equal(t, "start\n10\n", out.String())
}

func TestDescribeStateMachine_OrdinaryMethod(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	run := b.Class("App.Service", "").Static("Run", il.Void, nil, say("body"))
	p := b.Program()

	sm, err := DescribeStateMachine(p, run)
	require.NoError(t, err)
	assert.Nil(t, sm)
}

func TestContext_UniqueName(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	svc := b.Class("App.Service", "")
	svc.Static("Run", il.Void, nil, say("body"))
	svc.StaticField("Run1", il.Int64)
	p := b.Program()
	g, _, err := elements.NewBuilder().Build(context.Background(), p)
	require.NoError(t, err)
	res, err := multicast.NewEngine().Resolve(context.Background(), g)
	require.NoError(t, err)

	c := NewContext(g, res)
	td := p.LookupType("App.Service")
	assert.Equal(t, "Other", c.UniqueName(td, "Other"))
	assert.Equal(t, "Run2", c.UniqueName(td, "Run"))
}

func TestLockTable(t *testing.T) {
	locks := newLockTable()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counter int
		active  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("App.Service")
			defer unlock()
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			counter++
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 16, counter)
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, locks.Len())
}
