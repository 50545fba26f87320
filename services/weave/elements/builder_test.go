// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package elements

import (
	"context"
	"slices"
	"testing"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/marker"
	wt "github.com/Inverness/Spinner-sub001/services/weave/weavetest"
)

func ret(e *il.Emitter) { e.Op(il.OpRet) }

func retStr(s string) func(e *il.Emitter) {
	return func(e *il.Emitter) {
		e.LdStr(s)
		e.Op(il.OpRet)
	}
}

// testProgram builds:
//
//	Lib:  Lib.Widget
//	App:  App.IShape { Area() }, App.IA : App.IB, App.IB : App.IA,
//	      App.Base { virtual Speak(string) string },
//	      App.Derived : App.Base, App.IShape, App.IA { Speak, Area, <Run>d__1 },
//	      App.Gadget : Lib.Widget
func testProgram() *il.Program {
	lib := wt.NewModule("Lib")
	lib.Class("Lib.Widget", "").DefaultCtor()

	app := wt.NewModule(wt.AppModule)
	app.Module().References = append(app.Module().References, il.ModuleRef{Name: "Lib", Version: "1.0.0"})

	shape := app.Interface("App.IShape")
	shape.Method("Area", il.MethodVirtual, il.Int64, nil, nil)
	app.Interface("App.IA").Implements("App.IB")
	app.Interface("App.IB").Implements("App.IA")

	base := app.Class("App.Base", "")
	base.DefaultCtor()
	base.Method("Speak", il.MethodVirtual, il.String, wt.Ps(wt.P("word", il.String)), retStr("base"))

	derived := app.Class("App.Derived", "App.Base").Implements("App.IShape", "App.IA")
	derived.DefaultCtor()
	derived.Method("Speak", il.MethodVirtual, il.String, wt.Ps(wt.P("word", il.String)), retStr("derived"))
	derived.Method("Area", il.MethodVirtual, il.Int64, nil, func(e *il.Emitter) {
		e.LdcI(4)
		e.Op(il.OpRet)
	})
	derived.AutoProperty("Name", il.String)
	derived.Nested("<Run>d__1", "").Method("MoveNext", il.MethodVirtual, il.Bool, nil, func(e *il.Emitter) {
		e.LdcI(0)
		e.Op(il.OpRet)
	})

	app.Class("App.Gadget", "Lib.Widget").Method("Spin", 0, il.Void, nil, ret)
	return app.Program(lib.Module())
}

func findMethod(t *testing.T, p *il.Program, typ, name string) *il.MethodDef {
	t.Helper()
	td := p.LookupType(typ)
	if td == nil {
		t.Fatalf("type %s not found", typ)
	}
	m := td.FindMethod(name, nil)
	if m == nil {
		t.Fatalf("method %s::%s not found", typ, name)
	}
	return m
}

func TestBuilder_NewBuilder(t *testing.T) {
	b := NewBuilder()
	if !slices.Equal(b.options.FrameworkPrefixes, DefaultFrameworkPrefixes) {
		t.Errorf("expected default prefixes, got %v", b.options.FrameworkPrefixes)
	}
	b = NewBuilder(WithFrameworkPrefixes("Vendor"))
	if b.IsFramework(&il.Module{Name: "Spinner"}) {
		t.Error("custom prefixes must replace the defaults")
	}
	if !b.IsFramework(&il.Module{Name: "Vendor.Json"}) {
		t.Error("expected Vendor.Json to match prefix Vendor")
	}
	if b.IsFramework(&il.Module{Name: "VendorX"}) {
		t.Error("prefix must match whole name segments")
	}
	if !b.IsFramework(&il.Module{Name: "Anything", Framework: true}) {
		t.Error("framework flag must always exclude")
	}
}

func TestBuilder_Build_Containment(t *testing.T) {
	p := testProgram()
	g, stats, err := NewBuilder().Build(context.Background(), p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !g.IsFrozen() {
		t.Error("graph must be frozen")
	}

	var names []string
	for _, a := range g.Assemblies() {
		names = append(names, a.Name)
	}
	if !slices.Equal(names, []string{"App", "Lib"}) {
		t.Errorf("assemblies = %v, want [App Lib]", names)
	}

	derived := p.LookupType("App.Derived")
	te, ok := g.TypeElement(derived)
	if !ok {
		t.Fatal("App.Derived not in graph")
	}
	if te.Parent != AssemblyID(p.Main) {
		t.Errorf("parent = %s", te.Parent)
	}
	if te.Target != marker.TargetClass {
		t.Errorf("target = %s", te.Target)
	}

	speak := findMethod(t, p, "App.Derived", "Speak")
	kids := g.Children(MethodID(speak))
	want := []ID{ParameterID(speak, 0), ReturnID(speak)}
	if !slices.Equal(kids, want) {
		t.Errorf("children of Speak = %v, want %v", kids, want)
	}
	param, _ := g.Element(ParameterID(speak, 0))
	if param.Name != "word" || param.Attributes != marker.AttrInParameter {
		t.Errorf("parameter = %q %s", param.Name, param.Attributes)
	}

	if _, ok := g.Element(TypeID(derived.FindNestedType("<Run>d__1"))); ok {
		t.Error("compiler-generated nested type must be skipped")
	}
	if _, ok := g.Element(FieldID(derived.FindField("<Name>k__BackingField"))); ok {
		t.Error("backing field must be skipped")
	}
	if _, ok := g.Element(PropertyID(derived.FindProperty("Name"))); !ok {
		t.Error("property Name missing")
	}
	if stats.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", stats.Skipped)
	}

	for _, e := range g.Elements() {
		if e.Module != nil && (e.Module.Framework || e.Module.Name == "Spinner") {
			t.Errorf("framework element %s in graph", e.ID)
		}
	}
}

func TestBuilder_Build_Derivation(t *testing.T) {
	p := testProgram()
	g, _, err := NewBuilder().Build(context.Background(), p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	base, derived := p.LookupType("App.Base"), p.LookupType("App.Derived")
	if !slices.Contains(g.Derived(TypeID(base)), TypeID(derived)) {
		t.Error("missing edge Base -> Derived")
	}
	if !slices.Contains(g.Derived(TypeID(p.LookupType("App.IShape"))), TypeID(derived)) {
		t.Error("missing edge IShape -> Derived")
	}
	if !slices.Contains(g.Derived(TypeID(p.LookupType("Lib.Widget"))), TypeID(p.LookupType("App.Gadget"))) {
		t.Error("missing cross-module edge Widget -> Gadget")
	}

	baseSpeak := findMethod(t, p, "App.Base", "Speak")
	speak := findMethod(t, p, "App.Derived", "Speak")
	for _, edge := range [][2]ID{
		{MethodID(baseSpeak), MethodID(speak)},
		{ParameterID(baseSpeak, 0), ParameterID(speak, 0)},
		{ReturnID(baseSpeak), ReturnID(speak)},
		{MethodID(findMethod(t, p, "App.IShape", "Area")), MethodID(findMethod(t, p, "App.Derived", "Area"))},
	} {
		if !slices.Contains(g.Derived(edge[0]), edge[1]) {
			t.Errorf("missing edge %s -> %s", edge[0], edge[1])
		}
		if !slices.Contains(g.Bases(edge[1]), edge[0]) {
			t.Errorf("missing reverse edge %s <- %s", edge[0], edge[1])
		}
	}

	// IA and IB inherit from each other; the walk must terminate and
	// visit each once.
	closure := g.DerivedClosure(TypeID(p.LookupType("App.IA")))
	seen := map[ID]int{}
	for _, r := range closure {
		seen[r.ID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("%s reached %d times", id, n)
		}
	}
	if seen[TypeID(derived)] != 1 {
		t.Errorf("Derived not reached from IA: %v", closure)
	}
}

func TestBuilder_Build_Progress(t *testing.T) {
	var phases []ProgressPhase
	b := NewBuilder(WithProgressCallback(func(p BuildProgress) {
		if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
			phases = append(phases, p.Phase)
		}
	}))
	if _, _, err := b.Build(context.Background(), testProgram()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []ProgressPhase{ProgressPhaseCollecting, ProgressPhaseDerivation, ProgressPhaseFinalizing}
	if !slices.Equal(phases, want) {
		t.Errorf("phases = %v, want %v", phases, want)
	}
}

func TestBuilder_Build_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := NewBuilder().Build(ctx, testProgram()); err == nil {
		t.Fatal("expected context error")
	}
}

func TestGraph_FrozenRejectsMutation(t *testing.T) {
	g := NewGraph(nil)
	if err := g.Add(&Element{ID: "A:X", Kind: KindAssembly}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.Add(&Element{ID: "A:X", Kind: KindAssembly}); err == nil {
		t.Error("duplicate ID must fail")
	}
	if err := g.Add(&Element{ID: "T:[X]Y", Kind: KindType, Parent: "A:missing"}); err == nil {
		t.Error("unknown parent must fail")
	}
	g.Freeze()
	if err := g.Add(&Element{ID: "A:Z"}); err != ErrGraphFrozen {
		t.Errorf("err = %v, want ErrGraphFrozen", err)
	}
}

func TestGraph_Descendants(t *testing.T) {
	p := testProgram()
	g, _, err := NewBuilder().Build(context.Background(), p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	speak := findMethod(t, p, "App.Base", "Speak")
	d := g.Descendants(TypeID(p.LookupType("App.Base")))
	iType := slices.Index(d, TypeID(p.LookupType("App.Base")))
	iSpeak := slices.Index(d, MethodID(speak))
	iParam := slices.Index(d, ParameterID(speak, 0))
	if iType != 0 || iSpeak < 0 || iParam != iSpeak+1 {
		t.Errorf("descendants not in pre-order: %v", d)
	}
}
