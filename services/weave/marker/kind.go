// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package marker

import (
	"fmt"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	"github.com/Inverness/Spinner-sub001/services/weave/weaveerr"
)

// AspectKind is the closed set of aspect kinds, one weaver each.
type AspectKind uint8

const (
	KindNone AspectKind = iota
	KindBoundary
	KindInterception
	KindLocation
	KindEvent
)

func (k AspectKind) String() string {
	switch k {
	case KindBoundary:
		return "boundary"
	case KindInterception:
		return "interception"
	case KindLocation:
		return "location"
	case KindEvent:
		return "event"
	default:
		return "none"
	}
}

// Interface returns the capability interface implemented by aspects of the kind.
func (k AspectKind) Interface() string {
	switch k {
	case KindBoundary:
		return runtime.IMethodBoundaryAspectType
	case KindInterception:
		return runtime.IMethodInterceptionAspectType
	case KindLocation:
		return runtime.ILocationInterceptionAspectType
	case KindEvent:
		return runtime.IEventInterceptionAspectType
	default:
		return ""
	}
}

// DefaultTargets returns the element kinds the aspect applies to when
// neither the marker nor a usage attribute narrows them.
func (k AspectKind) DefaultTargets() Targets {
	switch k {
	case KindBoundary:
		return TargetMethods
	case KindInterception:
		return TargetMethod
	case KindLocation:
		return TargetProperty
	case KindEvent:
		return TargetEvent
	default:
		return TargetNone
	}
}

// Advice lists the advice kinds the weaver of k may call.
func (k AspectKind) Advice() []runtime.AdviceKind {
	switch k {
	case KindBoundary:
		return runtime.BoundaryAdvice
	case KindInterception:
		return []runtime.AdviceKind{runtime.AdviceOnInvoke}
	case KindLocation:
		return []runtime.AdviceKind{runtime.AdviceOnGetValue, runtime.AdviceOnSetValue}
	case KindEvent:
		return []runtime.AdviceKind{runtime.AdviceOnAddHandler, runtime.AdviceOnRemoveHandler, runtime.AdviceOnInvokeHandler}
	default:
		return nil
	}
}

// KindOfAdvice returns the aspect kind an advice belongs to.
func KindOfAdvice(a runtime.AdviceKind) AspectKind {
	switch a {
	case runtime.AdviceOnEntry, runtime.AdviceOnExit, runtime.AdviceOnSuccess, runtime.AdviceOnException,
		runtime.AdviceOnYield, runtime.AdviceOnResume, runtime.AdviceFilterException:
		return KindBoundary
	case runtime.AdviceOnInvoke:
		return KindInterception
	case runtime.AdviceOnGetValue, runtime.AdviceOnSetValue:
		return KindLocation
	case runtime.AdviceOnAddHandler, runtime.AdviceOnRemoveHandler, runtime.AdviceOnInvokeHandler:
		return KindEvent
	default:
		return KindNone
	}
}

// IsAspectType reports whether t derives from the multicast attribute base.
func IsAspectType(p *il.Program, t *il.TypeDef) bool {
	return t != nil && !t.IsAbstract() && p.IsSubclassOf(t, runtime.MulticastAttributeType)
}

// AdviceOf returns the advice kind declared by an AdviceAttribute on m.
func AdviceOf(m *il.MethodDef) (runtime.AdviceKind, string, bool) {
	a := il.FindAttribute(m.CustomAttributes, runtime.AdviceAttributeType)
	if a == nil || len(a.Args) == 0 {
		return runtime.AdviceNone, "", false
	}
	v, ok := a.Args[0].AsInt()
	if !ok {
		return runtime.AdviceNone, "", false
	}
	master := ""
	if arg, ok := a.NamedArg("Master"); ok {
		master, _ = arg.AsString()
	}
	return runtime.AdviceKind(v), master, true
}

// KindOf determines the aspect kind of t.
//
// Description:
//
//	Types implementing a capability interface take its kind. Composed
//	aspects deriving from the Aspect base take the kind shared by their
//	AdviceAttribute methods. Types that are not aspects return KindNone.
//
// Outputs:
//
//	AspectKind - The kind, or KindNone.
//	error - MarkerResolutionError when t derives from the multicast
//	  base but no kind can be determined or a composed aspect mixes kinds.
func KindOf(p *il.Program, t *il.TypeDef) (AspectKind, error) {
	if t == nil || !p.IsSubclassOf(t, runtime.MulticastAttributeType) {
		return KindNone, nil
	}
	for _, k := range []AspectKind{KindBoundary, KindInterception, KindLocation, KindEvent} {
		if p.Implements(t, k.Interface()) {
			return k, nil
		}
	}
	if p.IsSubclassOf(t, runtime.ComposedAspectType) {
		kind := KindNone
		for _, anc := range append([]*il.TypeDef{t}, p.Ancestors(t)...) {
			for _, m := range anc.Methods {
				adv, _, ok := AdviceOf(m)
				if !ok {
					continue
				}
				ak := KindOfAdvice(adv)
				if ak == KindNone {
					return KindNone, weaveerr.Marker(t.FullName(), "advice-kind",
						fmt.Errorf("%s declares unknown advice %d", m.FullName(), adv))
				}
				if kind != KindNone && kind != ak {
					return KindNone, weaveerr.Marker(t.FullName(), "advice-kind",
						fmt.Errorf("composed aspect mixes %s and %s advice", kind, ak))
				}
				kind = ak
			}
		}
		if kind != KindNone {
			return kind, nil
		}
	}
	if t.IsAbstract() {
		return KindNone, nil
	}
	return KindNone, weaveerr.Marker(t.FullName(), "aspect-base",
		fmt.Errorf("%w: no aspect capability interface", weaveerr.ErrNotFound))
}
