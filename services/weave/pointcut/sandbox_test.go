// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pointcut

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	"github.com/Inverness/Spinner-sub001/services/weave/vm"
	wt "github.com/Inverness/Spinner-sub001/services/weave/weavetest"
)

var memberInfoCreate = runtime.Ref(runtime.MemberInfoType, "Create", runtime.MemberInfoSig, il.Int32, il.String, il.String)

// names emits a string array of the given names.
func names(e *il.Emitter, ns ...string) {
	e.LdcI(int64(len(ns)))
	e.Type(il.OpNewArr, il.String)
	for i, n := range ns {
		e.Op(il.OpDup)
		e.LdcI(int64(i))
		e.LdStr(n)
		e.Op(il.OpStElem)
	}
}

func selectorProgram() *il.Program {
	b := wt.NewModule(wt.AppModule)
	svc := b.Class("App.Service", "")
	svc.Method("Run", 0, il.Void, nil, func(e *il.Emitter) { e.Op(il.OpRet) })
	sel := b.Class("App.Selectors", "")
	typeParam := wt.Ps(wt.P("type", il.TypeSig(runtime.TypeType)))
	sel.Static("Names", il.String.ArrayOf(), typeParam, func(e *il.Emitter) {
		names(e, "Run", "Ping")
		e.Op(il.OpRet)
	})
	sel.Static("Members", runtime.MemberInfoSig.ArrayOf(), typeParam, func(e *il.Emitter) {
		e.LdcI(1)
		e.Type(il.OpNewArr, runtime.MemberInfoSig)
		e.Op(il.OpDup)
		e.LdcI(0)
		e.LdcI(int64(runtime.MemberMethod))
		e.LdArg(0)
		e.LdStr("Stop")
		e.Call(il.OpCall, memberInfoCreate)
		e.Op(il.OpStElem)
		e.Op(il.OpRet)
	})
	sel.Static("Nothing", il.String.ArrayOf(), typeParam, func(e *il.Emitter) {
		e.Op(il.OpLdNull)
		e.Op(il.OpRet)
	})
	sel.Static("Fails", il.String.ArrayOf(), typeParam, func(e *il.Emitter) {
		e.LdStr("no members")
		e.Call(il.OpNewObj, runtime.CtorRef(runtime.InvalidOperationExceptionType, il.String))
		e.Op(il.OpThrow)
	})
	sel.Static("Spins", il.String.ArrayOf(), typeParam, func(e *il.Emitter) {
		l := e.NewLabel()
		e.Mark(l)
		e.Branch(il.OpBr, l)
	})
	return b.Program()
}

func request(method string) Request {
	return Request{
		DeclaringAssembly: wt.AppModule,
		DeclaringType:     "App.Selectors",
		Method:            method,
		AppliedAssembly:   wt.AppModule,
		AppliedType:       "App.Service",
	}
}

func TestSandbox_Select(t *testing.T) {
	s, err := NewSandbox(selectorProgram(), WithStepLimit(10_000))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	got, err := s.Select(ctx, request("Names"))
	require.NoError(t, err)
	assert.Equal(t, []Member{{Type: "App.Service", Name: "Run"}, {Type: "App.Service", Name: "Ping"}}, got)

	got, err = s.Select(ctx, request("Members"))
	require.NoError(t, err)
	assert.Equal(t, []Member{{Type: "App.Service", Name: "Stop"}}, got)

	got, err = s.Select(ctx, request("Nothing"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSandbox_LookupFailureIsEmpty(t *testing.T) {
	s, err := NewSandbox(selectorProgram())
	require.NoError(t, err)
	defer s.Close()

	for name, req := range map[string]Request{
		"missing method":    request("Missing"),
		"missing type":      {DeclaringType: "App.Nope", Method: "Names", AppliedType: "App.Service"},
		"missing applied":   {DeclaringType: "App.Selectors", Method: "Names", AppliedType: "App.Nope"},
		"wrong assembly":    {DeclaringAssembly: "Other", DeclaringType: "App.Selectors", Method: "Names", AppliedType: "App.Service"},
		"applied elsewhere": {DeclaringType: "App.Selectors", Method: "Names", AppliedAssembly: "Other", AppliedType: "App.Service"},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := s.Select(context.Background(), req)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestSandbox_Failures(t *testing.T) {
	s, err := NewSandbox(selectorProgram(), WithStepLimit(1_000))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Select(ctx, request("Fails"))
	require.Error(t, err)
	exc, ok := vm.AsException(err)
	require.True(t, ok)
	assert.Equal(t, "no members", exc.Message())

	_, err = s.Select(ctx, request("Spins"))
	assert.ErrorIs(t, err, vm.ErrStepLimit)

	require.NoError(t, s.Close())
	_, err = s.Select(ctx, request("Names"))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestSandbox_IsolatedFromHostProgram(t *testing.T) {
	p := selectorProgram()
	s, err := NewSandbox(p)
	require.NoError(t, err)
	defer s.Close()

	// Replace the host's selection body; the sandbox keeps its copy.
	md := p.LookupType("App.Selectors").FindMethod("Names", nil)
	e := il.NewEmitter(md.Body)
	names(e, "Changed")
	e.Op(il.OpRet)
	e.Install()

	got, err := s.Select(context.Background(), request("Names"))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
