// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inverness/Spinner-sub001/services/weave/elements"
	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/multicast"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	"github.com/Inverness/Spinner-sub001/services/weave/weaveerr"
	"github.com/Inverness/Spinner-sub001/services/weave/weaving"
	wt "github.com/Inverness/Spinner-sub001/services/weave/weavetest"
)

func say(s string) func(e *il.Emitter) {
	return func(e *il.Emitter) {
		wt.Print(e, s)
		e.Op(il.OpRet)
	}
}

// rules returns the rule of every violation in err.
func rules(err error) []string {
	var out []string
	var walk func(error)
	walk = func(err error) {
		if j, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range j.Unwrap() {
				walk(e)
			}
			return
		}
		var iv *weaveerr.InvariantViolation
		if errors.As(err, &iv) {
			out = append(out, iv.Rule)
		}
	}
	walk(err)
	return out
}

func TestVerify_WovenProgramIsWellFormed(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	log := b.Aspect("App.Log", runtime.OnMethodBoundaryAspectType)
	log.Advice(runtime.AdviceOnEntry, say("entry"))
	log.Advice(runtime.AdviceOnException, say("exception"))
	log.Advice(runtime.AdviceOnExit, say("exit"))
	b.Aspect("App.Around", runtime.MethodInterceptionAspectType)
	svc := b.Class("App.Service", "")
	run := svc.Static("Run", il.Int64, wt.Ps(wt.P("n", il.Int64), wt.Out("m", il.Int64)), func(e *il.Emitter) {
		e.LdArg(1)
		e.LdArg(0)
		e.Op(il.OpStInd)
		e.LdArg(0)
		e.Op(il.OpRet)
	})
	run.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Log"), wt.Attribute("App.Around")}
	p := b.Program()

	ctx := context.Background()
	g, _, err := elements.NewBuilder().Build(ctx, p)
	require.NoError(t, err)
	res, err := multicast.NewEngine().Resolve(ctx, g)
	require.NoError(t, err)
	require.NoError(t, weaving.NewContext(g, res).Weave(ctx))

	assert.NoError(t, New().Verify(ctx, p))
}

func TestVerifier_Method(t *testing.T) {
	tests := []struct {
		name string
		emit func(e *il.Emitter)
		want []string
	}{
		{
			name: "well formed",
			emit: func(e *il.Emitter) {
				l := e.NewLabel()
				e.Branch(il.OpBr, l)
				e.Mark(l)
				e.Op(il.OpRet)
			},
		},
		{
			name: "unmarked branch target",
			emit: func(e *il.Emitter) {
				e.Branch(il.OpBr, 7)
				e.Op(il.OpRet)
			},
			want: []string{RuleLabelMarked},
		},
		{
			name: "label marked twice",
			emit: func(e *il.Emitter) {
				l := e.NewLabel()
				e.Mark(l)
				e.Mark(l)
				e.Op(il.OpRet)
			},
			want: []string{RuleLabelUnique},
		},
		{
			name: "falls off the end",
			emit: func(e *il.Emitter) {
				e.Op(il.OpNop)
				e.LdcI(1)
				e.Op(il.OpPop)
			},
			want: []string{RuleTerminator},
		},
		{
			name: "argument out of range",
			emit: func(e *il.Emitter) {
				e.LdArg(3)
				e.Op(il.OpPop)
				e.Op(il.OpRet)
			},
			want: []string{RuleArgumentRange},
		},
		{
			name: "local out of range",
			emit: func(e *il.Emitter) {
				e.LdLoc(0)
				e.Op(il.OpPop)
				e.Op(il.OpRet)
			},
			want: []string{RuleLocalRange},
		},
		{
			name: "unresolvable call",
			emit: func(e *il.Emitter) {
				e.Call(il.OpCall, runtime.Ref("App.Missing", "Run", il.Void))
				e.Op(il.OpRet)
			},
			want: []string{RuleMemberResolves},
		},
		{
			name: "record slot beyond arity",
			emit: func(e *il.Emitter) {
				e.Call(il.OpNewObj, runtime.CtorRef(runtime.ArgumentsTypeName(1)))
				e.Op(il.OpDup)
				e.LdcI(1)
				e.Field(il.OpStFld, &il.FieldRef{Type: runtime.ArgumentsTypeName(1), Name: runtime.ArgumentsItemField(2)})
				e.Op(il.OpPop)
				e.Op(il.OpRet)
			},
			want: []string{RuleArgumentsRecord},
		},
		{
			name: "ret inside a protected region",
			emit: func(e *il.Emitter) {
				ts, te, hs, he := e.NewLabel(), e.NewLabel(), e.NewLabel(), e.NewLabel()
				e.Mark(ts)
				e.Op(il.OpRet)
				e.Mark(te)
				e.Mark(hs)
				e.Op(il.OpEndFinally)
				e.Mark(he)
				e.Op(il.OpRet)
				e.Handler(&il.ExceptionHandler{Kind: il.HandlerFinally, TryStart: ts, TryEnd: te, HandlerStart: hs, HandlerEnd: he})
			},
			want: []string{RuleRetInRegion},
		},
		{
			name: "handler regions out of order",
			emit: func(e *il.Emitter) {
				ts, te, hs, he := e.NewLabel(), e.NewLabel(), e.NewLabel(), e.NewLabel()
				e.Mark(hs)
				e.Op(il.OpRethrow)
				e.Mark(he)
				e.Mark(ts)
				e.Op(il.OpNop)
				e.Mark(te)
				e.Op(il.OpRet)
				e.Handler(&il.ExceptionHandler{Kind: il.HandlerCatch, TryStart: ts, TryEnd: te, HandlerStart: hs, HandlerEnd: he, CatchType: runtime.ExceptionSig})
			},
			want: []string{RuleHandlerOrder},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := wt.NewModule(wt.AppModule)
			m := b.Class("App.Service", "").Static("Run", il.Void, wt.Ps(wt.P("n", il.Int64)), tt.emit)
			p := b.Program()

			got := rules(errors.Join(New().Method(p, m)...))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerify_MaxViolations(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	svc := b.Class("App.Service", "")
	for _, name := range []string{"A", "B", "C"} {
		svc.Static(name, il.Void, nil, func(e *il.Emitter) {
			e.Branch(il.OpBr, 9)
			e.Op(il.OpRet)
		})
	}
	p := b.Program()

	err := New(WithMaxViolations(2)).Verify(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, []string{RuleLabelMarked, RuleLabelMarked}, rules(err))
}
