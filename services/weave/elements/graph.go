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
	"errors"
	"fmt"
	"slices"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
)

// ErrGraphFrozen is returned when mutating a frozen graph.
var ErrGraphFrozen = errors.New("element graph is frozen")

// Graph is the containment and derivation structure of a program.
//
// Description:
//
//	Containment edges run from a container to its direct children:
//	assembly to top-level types, type to nested types and members, method
//	to its parameters and return value. Derivation edges run from a base
//	element to the elements that inherit from it: base type to derived
//	type, interface to implementer, base or interface method to override or
//	implementation, and in parallel from the parameters and return value of
//	the base method to those of the override.
//
// Thread Safety:
//
//	Built by a single goroutine. After Freeze the graph is read-only and
//	safe for concurrent use.
type Graph struct {
	program *il.Program

	elements map[ID]*Element
	order    []ID
	children map[ID][]ID
	derived  map[ID][]ID
	bases    map[ID][]ID
	edgeSet  map[[2]ID]struct{}
	frozen   bool

	derivationEdges int
}

// NewGraph creates an empty graph for p.
func NewGraph(p *il.Program) *Graph {
	return &Graph{
		program:  p,
		elements: make(map[ID]*Element),
		children: make(map[ID][]ID),
		derived:  make(map[ID][]ID),
		bases:    make(map[ID][]ID),
		edgeSet:  make(map[[2]ID]struct{}),
	}
}

// Program returns the program the graph describes.
func (g *Graph) Program() *il.Program { return g.program }

// Add inserts e as a child of e.Parent.
func (g *Graph) Add(e *Element) error {
	if g.frozen {
		return ErrGraphFrozen
	}
	if _, dup := g.elements[e.ID]; dup {
		return fmt.Errorf("duplicate element %s", e.ID)
	}
	if e.Parent != "" {
		if _, ok := g.elements[e.Parent]; !ok {
			return fmt.Errorf("element %s: parent %s not in graph", e.ID, e.Parent)
		}
		g.children[e.Parent] = append(g.children[e.Parent], e.ID)
	}
	g.elements[e.ID] = e
	g.order = append(g.order, e.ID)
	return nil
}

// AddDerivation records that derived inherits from base. Self edges and
// duplicates are ignored; it reports whether an edge was added.
func (g *Graph) AddDerivation(base, derived ID) (bool, error) {
	if g.frozen {
		return false, ErrGraphFrozen
	}
	if base == derived {
		return false, nil
	}
	if _, ok := g.elements[base]; !ok {
		return false, nil
	}
	if _, ok := g.elements[derived]; !ok {
		return false, nil
	}
	key := [2]ID{base, derived}
	if _, dup := g.edgeSet[key]; dup {
		return false, nil
	}
	g.edgeSet[key] = struct{}{}
	g.derived[base] = append(g.derived[base], derived)
	g.bases[derived] = append(g.bases[derived], base)
	g.derivationEdges++
	return true, nil
}

// Freeze makes the graph read-only.
func (g *Graph) Freeze() {
	g.frozen = true
	g.edgeSet = nil
}

// IsFrozen reports whether Freeze was called.
func (g *Graph) IsFrozen() bool { return g.frozen }

// Element returns the element with the given ID.
func (g *Graph) Element(id ID) (*Element, bool) {
	e, ok := g.elements[id]
	return e, ok
}

// Children returns the direct children of id in declaration order.
func (g *Graph) Children(id ID) []ID { return g.children[id] }

// Derived returns the elements directly deriving from id.
func (g *Graph) Derived(id ID) []ID { return g.derived[id] }

// Bases returns the elements id directly derives from.
func (g *Graph) Bases(id ID) []ID { return g.bases[id] }

// Elements returns every element in closure-walk order.
func (g *Graph) Elements() []*Element {
	out := make([]*Element, len(g.order))
	for i, id := range g.order {
		out[i] = g.elements[id]
	}
	return out
}

// Assemblies returns the assembly elements, main module first.
func (g *Graph) Assemblies() []*Element {
	var out []*Element
	for _, id := range g.order {
		if e := g.elements[id]; e.Kind == KindAssembly {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of elements.
func (g *Graph) Len() int { return len(g.elements) }

// DerivationEdges returns the number of derivation edges.
func (g *Graph) DerivationEdges() int { return g.derivationEdges }

// Ancestor returns the nearest container of id with the given kind.
func (g *Graph) Ancestor(id ID, kind Kind) (*Element, bool) {
	for cur, ok := g.elements[id]; ok; cur, ok = g.elements[cur.Parent] {
		if cur.Kind == kind {
			return cur, true
		}
		if cur.Parent == "" {
			break
		}
	}
	return nil, false
}

// DerivedClosure returns every element transitively deriving from id with
// its distance, nearest first. Elements reachable by several paths are
// visited once at their shortest distance.
func (g *Graph) DerivedClosure(id ID) []Reached {
	var out []Reached
	seen := map[ID]bool{id: true}
	frontier := []ID{id}
	for dist := 1; len(frontier) > 0; dist++ {
		var next []ID
		for _, cur := range frontier {
			for _, d := range g.derived[cur] {
				if seen[d] {
					continue
				}
				seen[d] = true
				next = append(next, d)
				out = append(out, Reached{ID: d, Distance: dist})
			}
		}
		frontier = next
	}
	return out
}

// Reached is an element found by a graph walk and its distance from the start.
type Reached struct {
	ID       ID
	Distance int
}

// Descendants returns id and every element it transitively contains, in
// pre-order.
func (g *Graph) Descendants(id ID) []ID {
	if _, ok := g.elements[id]; !ok {
		return nil
	}
	out := []ID{id}
	for i := 0; i < len(out); i++ {
		kids := g.children[out[i]]
		if len(kids) == 0 {
			continue
		}
		out = slices.Insert(out, i+1, kids...)
	}
	return out
}

// Lookup helpers for definitions.

// TypeElement returns the element of a type definition.
func (g *Graph) TypeElement(t *il.TypeDef) (*Element, bool) { return g.Element(TypeID(t)) }

// MethodElement returns the element of a method definition.
func (g *Graph) MethodElement(m *il.MethodDef) (*Element, bool) { return g.Element(MethodID(m)) }
