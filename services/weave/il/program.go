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
	"sync"

	"github.com/Inverness/Spinner-sub001/services/weave/weaveerr"
)

// Program is the module being built together with its reference closure.
//
// Description:
//
//	Main is the module the weaver rewrites. Modules holds every other loaded
//	module (framework, support library, user libraries). Type resolution
//	searches Main first, then Modules in order.
//
// Thread Safety:
//
//	The metadata store is not reentrant under concurrent mutation. Every
//	resolving or mutating method takes a single coarse lock. Direct field
//	access to the definitions is safe only for elements no other goroutine
//	is mutating (per-type locks in the weaver guarantee this).
type Program struct {
	Main    *Module
	Modules []*Module

	mu    sync.Mutex
	types map[string]*TypeDef
}

// NewProgram creates a program and links all parent pointers and indexes.
func NewProgram(main *Module, refs ...*Module) *Program {
	p := &Program{Main: main, Modules: refs}
	p.Link()
	return p
}

// Link (re)computes parent pointers and the type index. It must be called
// after definitions are built or decoded outside the Add* helpers.
func (p *Program) Link() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = make(map[string]*TypeDef)
	for _, m := range p.AllModules() {
		var link func(outer *TypeDef, ts []*TypeDef)
		link = func(outer *TypeDef, ts []*TypeDef) {
			for _, t := range ts {
				t.Module = m
				t.DeclaringType = outer
				linkMembers(t)
				if _, dup := p.types[t.FullName()]; !dup {
					p.types[t.FullName()] = t
				}
				link(t, t.NestedTypes)
			}
		}
		link(nil, m.Types)
	}
}

func linkMembers(t *TypeDef) {
	for _, f := range t.Fields {
		f.DeclaringType = t
	}
	for _, m := range t.Methods {
		m.DeclaringType = t
	}
	for _, pr := range t.Properties {
		pr.DeclaringType = t
	}
	for _, e := range t.Events {
		e.DeclaringType = t
	}
}

// AllModules returns Main followed by the referenced modules.
func (p *Program) AllModules() []*Module {
	out := make([]*Module, 0, len(p.Modules)+1)
	if p.Main != nil {
		out = append(out, p.Main)
	}
	return append(out, p.Modules...)
}

// Module returns the loaded module with the given name.
func (p *Program) Module(name string) *Module {
	for _, m := range p.AllModules() {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// IsMain reports whether t is declared in the module being built.
func (p *Program) IsMain(t *TypeDef) bool { return t != nil && t.Module == p.Main }

// ReferenceClosure returns m and every module reachable through its
// references, in breadth-first order. Unloaded references are ignored.
func (p *Program) ReferenceClosure(m *Module) []*Module {
	seen := map[string]bool{m.Name: true}
	out := []*Module{m}
	for i := 0; i < len(out); i++ {
		for _, r := range out[i].References {
			if seen[r.Name] {
				continue
			}
			seen[r.Name] = true
			if rm := p.Module(r.Name); rm != nil {
				out = append(out, rm)
			}
		}
	}
	return out
}

// ResolveType finds a type by full name.
func (p *Program) ResolveType(name string) (*TypeDef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolveTypeLocked(name)
}

func (p *Program) resolveTypeLocked(name string) (*TypeDef, error) {
	if t, ok := p.types[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("type %s: %w", name, weaveerr.ErrNotFound)
}

// LookupType is ResolveType without the error.
func (p *Program) LookupType(name string) *TypeDef {
	t, _ := p.ResolveType(name)
	return t
}

// BaseOf returns the base type of t, or nil for roots and unloaded bases.
func (p *Program) BaseOf(t *TypeDef) *TypeDef {
	if t == nil || t.BaseType == "" {
		return nil
	}
	b, _ := p.ResolveType(t.BaseType)
	return b
}

// ResolveMethod finds the definition a method reference names. The
// declaring type's base chain is searched, as member references may name
// an inherited method through a derived type.
func (p *Program) ResolveMethod(ref *MethodRef) (*MethodDef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolveMethodLocked(ref)
}

func (p *Program) resolveMethodLocked(ref *MethodRef) (*MethodDef, error) {
	if ref == nil {
		return nil, fmt.Errorf("nil method reference: %w", weaveerr.ErrNotFound)
	}
	t, err := p.resolveTypeLocked(ref.Type)
	if err != nil {
		return nil, fmt.Errorf("method %s: %w", ref, err)
	}
	seen := make(map[*TypeDef]bool)
	for t != nil && !seen[t] {
		seen[t] = true
		if ref.Params == nil {
			if cands := t.MethodsNamed(ref.Name); len(cands) == 1 {
				return cands[0], nil
			} else if len(cands) > 1 {
				return nil, fmt.Errorf("method %s is ambiguous (%d overloads)", ref, len(cands))
			}
		} else if m := t.FindMethod(ref.Name, ref.Params); m != nil {
			return m, nil
		}
		if t.BaseType == "" {
			break
		}
		t, _ = p.resolveTypeLocked(t.BaseType)
	}
	return nil, fmt.Errorf("method %s: %w", ref, weaveerr.ErrNotFound)
}

// ResolveField finds the definition a field reference names, searching
// the base chain.
func (p *Program) ResolveField(ref *FieldRef) (*FieldDef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.resolveTypeLocked(ref.Type)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", ref, err)
	}
	seen := make(map[*TypeDef]bool)
	for t != nil && !seen[t] {
		seen[t] = true
		if f := t.FindField(ref.Name); f != nil {
			return f, nil
		}
		if t.BaseType == "" {
			break
		}
		t, _ = p.resolveTypeLocked(t.BaseType)
	}
	return nil, fmt.Errorf("field %s: %w", ref, weaveerr.ErrNotFound)
}

// AddType adds a top-level type to module m.
func (p *Program) AddType(m *Module, t *TypeDef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t.Module = m
	t.DeclaringType = nil
	if _, dup := p.types[t.FullName()]; dup {
		return fmt.Errorf("type %s already defined", t.FullName())
	}
	m.Types = append(m.Types, t)
	p.indexLocked(t)
	return nil
}

// AddNestedType adds t as a nested type of outer.
func (p *Program) AddNestedType(outer, t *TypeDef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t.Module = outer.Module
	t.DeclaringType = outer
	if _, dup := p.types[t.FullName()]; dup {
		return fmt.Errorf("type %s already defined", t.FullName())
	}
	outer.NestedTypes = append(outer.NestedTypes, t)
	p.indexLocked(t)
	return nil
}

func (p *Program) indexLocked(t *TypeDef) {
	linkMembers(t)
	p.types[t.FullName()] = t
	for _, n := range t.NestedTypes {
		n.Module = t.Module
		n.DeclaringType = t
		p.indexLocked(n)
	}
}

// AddMethod adds a method to t.
func (p *Program) AddMethod(t *TypeDef, m *MethodDef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m.DeclaringType = t
	t.Methods = append(t.Methods, m)
}

// AddField adds a field to t.
func (p *Program) AddField(t *TypeDef, f *FieldDef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f.DeclaringType = t
	t.Fields = append(t.Fields, f)
}

// AddTypeAttribute attaches a custom attribute to t.
func (p *Program) AddTypeAttribute(t *TypeDef, a *CustomAttribute) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t.CustomAttributes = append(t.CustomAttributes, a)
}

// AddMethodAttribute attaches a custom attribute to m.
func (p *Program) AddMethodAttribute(m *MethodDef, a *CustomAttribute) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m.CustomAttributes = append(m.CustomAttributes, a)
}

// Ancestors returns t's base chain, starting with t's immediate base.
// Cycles and unloaded bases end the chain.
func (p *Program) Ancestors(t *TypeDef) []*TypeDef {
	var out []*TypeDef
	seen := map[*TypeDef]bool{t: true}
	for b := p.BaseOf(t); b != nil && !seen[b]; b = p.BaseOf(b) {
		seen[b] = true
		out = append(out, b)
	}
	return out
}

// IsSubclassOf reports whether t is base or derives from it.
func (p *Program) IsSubclassOf(t *TypeDef, base string) bool {
	if t == nil {
		return false
	}
	if t.FullName() == base {
		return true
	}
	for _, a := range p.Ancestors(t) {
		if a.FullName() == base {
			return true
		}
	}
	return false
}

// Implements reports whether t or one of its bases lists iface, directly or
// through interface inheritance.
func (p *Program) Implements(t *TypeDef, iface string) bool {
	seen := make(map[string]bool)
	var visit func(names []string) bool
	visit = func(names []string) bool {
		for _, n := range names {
			if seen[n] {
				continue
			}
			seen[n] = true
			if n == iface {
				return true
			}
			if it := p.LookupType(n); it != nil && visit(it.Interfaces) {
				return true
			}
		}
		return false
	}
	if t == nil {
		return false
	}
	for _, c := range append([]*TypeDef{t}, p.Ancestors(t)...) {
		if visit(c.Interfaces) {
			return true
		}
	}
	return false
}

// IsAssignable reports whether a value of type t is assignable to target.
func (p *Program) IsAssignable(t *TypeDef, target string) bool {
	if target == string(Object) || target == FrameworkObject {
		return true
	}
	return p.IsSubclassOf(t, target) || p.Implements(t, target)
}

// FrameworkObject is the root class of the framework module.
const FrameworkObject = "System.Object"

// FindOverride returns the implementation of virtual method decl that an
// instance of t dispatches to: the most derived method in t's chain that
// explicitly overrides decl or has the same name and signature and is
// virtual. Returns decl when no override exists.
func (p *Program) FindOverride(t *TypeDef, decl *MethodDef) *MethodDef {
	if !decl.IsVirtual() || t == nil {
		return decl
	}
	declRef := decl.Ref()
	chain := append([]*TypeDef{t}, p.Ancestors(t)...)
	for _, c := range chain {
		for _, m := range c.Methods {
			for _, o := range m.Overrides {
				if o.Type == declRef.Type && o.Name == declRef.Name && SigsEqual(o.Params, declRef.Params) {
					return m
				}
			}
		}
		if c == decl.DeclaringType {
			return decl
		}
		if m := c.FindMethod(decl.Name, decl.ParamSigs()); m != nil && m.IsVirtual() && !m.IsStatic() {
			if m.Flags&MethodNewSlot != 0 && !decl.DeclaringType.IsInterface() {
				continue
			}
			return m
		}
	}
	return decl
}

// VirtualBase returns the method m overrides in a base class of its
// declaring type, or nil when m introduces a new slot.
func (p *Program) VirtualBase(m *MethodDef) *MethodDef {
	if !m.IsVirtual() || m.Flags&MethodNewSlot != 0 || m.DeclaringType == nil {
		return nil
	}
	for _, b := range p.Ancestors(m.DeclaringType) {
		if bm := b.FindMethod(m.Name, m.ParamSigs()); bm != nil && bm.IsVirtual() {
			return bm
		}
	}
	return nil
}
