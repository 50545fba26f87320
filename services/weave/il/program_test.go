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
	"errors"
	"testing"

	"github.com/Inverness/Spinner-sub001/services/weave/weaveerr"
)

func makeTestProgram() *Program {
	lib := &Module{
		Name: "Lib",
		Types: []*TypeDef{
			{Namespace: "Lib", Name: "IShape", Kind: KindInterface, Visibility: VisPublic,
				Methods: []*MethodDef{{Name: "Area", Flags: MethodVirtual | MethodAbstract, ReturnType: Int32}}},
			{Namespace: "Lib", Name: "Base", Visibility: VisPublic, Interfaces: []string{"Lib.IShape"},
				Fields: []*FieldDef{{Name: "count", Type: Int32}},
				Methods: []*MethodDef{
					{Name: "Area", Flags: MethodVirtual, ReturnType: Int32, Body: &MethodBody{}},
					{Name: "Helper", ReturnType: Void, Body: &MethodBody{}},
				}},
		},
	}
	main := &Module{
		Name:       "App",
		References: []ModuleRef{{Name: "Lib"}},
		Types: []*TypeDef{
			{Namespace: "App", Name: "Derived", BaseType: "Lib.Base", Visibility: VisPublic,
				Methods: []*MethodDef{
					{Name: "Area", Flags: MethodVirtual, ReturnType: Int32, Body: &MethodBody{}},
				},
				NestedTypes: []*TypeDef{{Name: "Inner", Visibility: VisPrivate}}},
			{Namespace: "App", Name: "Hider", BaseType: "App.Derived",
				Methods: []*MethodDef{
					{Name: "Area", Flags: MethodVirtual | MethodNewSlot, ReturnType: Int32, Body: &MethodBody{}},
				}},
		},
	}
	return NewProgram(main, lib)
}

func TestProgram_ResolveType(t *testing.T) {
	p := makeTestProgram()

	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "App.Derived", want: "App.Derived"},
		{name: "App.Derived/Inner", want: "App.Derived/Inner"},
		{name: "Lib.Base", want: "Lib.Base"},
		{name: "Missing.Type", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.ResolveType(tt.name)
			if tt.wantErr {
				if !errors.Is(err, weaveerr.ErrNotFound) {
					t.Fatalf("err = %v, want ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveType(%q): %v", tt.name, err)
			}
			if got.FullName() != tt.want {
				t.Errorf("FullName = %q, want %q", got.FullName(), tt.want)
			}
		})
	}
}

func TestProgram_LinkSetsParents(t *testing.T) {
	p := makeTestProgram()
	inner := p.LookupType("App.Derived/Inner")
	if inner.Module != p.Main {
		t.Errorf("nested type module = %v, want main", inner.Module)
	}
	derived := p.LookupType("App.Derived")
	if derived.Methods[0].DeclaringType != derived {
		t.Error("method declaring type not linked")
	}
}

func TestProgram_ResolveMethodThroughBase(t *testing.T) {
	p := makeTestProgram()
	m, err := p.ResolveMethod(&MethodRef{Type: "App.Derived", Name: "Helper", Params: []TypeSig{}})
	if err != nil {
		t.Fatalf("ResolveMethod: %v", err)
	}
	if m.DeclaringType.FullName() != "Lib.Base" {
		t.Errorf("declaring type = %s, want Lib.Base", m.DeclaringType)
	}

	f, err := p.ResolveField(&FieldRef{Type: "App.Hider", Name: "count"})
	if err != nil {
		t.Fatalf("ResolveField: %v", err)
	}
	if f.DeclaringType.FullName() != "Lib.Base" {
		t.Errorf("field declaring type = %s", f.DeclaringType)
	}
}

func TestProgram_FindOverride(t *testing.T) {
	p := makeTestProgram()
	base := p.LookupType("Lib.Base").FindMethod("Area", nil)
	derived := p.LookupType("App.Derived")
	hider := p.LookupType("App.Hider")

	if got := p.FindOverride(derived, base); got.DeclaringType != derived {
		t.Errorf("Derived dispatch = %s, want App.Derived::Area", got)
	}
	// A new slot hides rather than overrides, so dispatch stays on Derived.
	if got := p.FindOverride(hider, base); got.DeclaringType != derived {
		t.Errorf("Hider dispatch = %s, want App.Derived::Area", got)
	}

	iface := p.LookupType("Lib.IShape").FindMethod("Area", nil)
	if got := p.FindOverride(derived, iface); got.DeclaringType != derived {
		t.Errorf("interface dispatch = %s, want App.Derived::Area", got)
	}
	if vb := p.VirtualBase(derived.Methods[0]); vb != base {
		t.Errorf("VirtualBase = %v, want %v", vb, base)
	}
	if vb := p.VirtualBase(hider.Methods[0]); vb != nil {
		t.Errorf("VirtualBase of new slot = %v, want nil", vb)
	}
}

func TestProgram_Assignability(t *testing.T) {
	p := makeTestProgram()
	hider := p.LookupType("App.Hider")
	if !p.IsAssignable(hider, "Lib.Base") {
		t.Error("Hider should be assignable to Lib.Base")
	}
	if !p.IsAssignable(hider, "Lib.IShape") {
		t.Error("Hider should implement Lib.IShape through Base")
	}
	if p.IsAssignable(p.LookupType("Lib.Base"), "App.Derived") {
		t.Error("Base must not be assignable to Derived")
	}
}

func TestProgram_ReferenceClosure(t *testing.T) {
	p := makeTestProgram()
	closure := p.ReferenceClosure(p.Main)
	if len(closure) != 2 || closure[1].Name != "Lib" {
		t.Errorf("closure = %v", closure)
	}
}

func TestProgram_AddNestedTypeIndexes(t *testing.T) {
	p := makeTestProgram()
	outer := p.LookupType("App.Derived")
	if err := p.AddNestedType(outer, &TypeDef{Name: "<>c__Binding"}); err != nil {
		t.Fatalf("AddNestedType: %v", err)
	}
	if p.LookupType("App.Derived/<>c__Binding") == nil {
		t.Error("added nested type not indexed")
	}
	if err := p.AddNestedType(outer, &TypeDef{Name: "<>c__Binding"}); err == nil {
		t.Error("duplicate nested type should fail")
	}
}
