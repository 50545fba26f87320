// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package multicast resolves which aspect instances apply to each program
// element.
package multicast

import (
	"fmt"

	"github.com/Inverness/Spinner-sub001/services/weave/elements"
	"github.com/Inverness/Spinner-sub001/services/weave/marker"
)

// Origin identifies one declared marker: the element carrying the
// attribute and the attribute's position among the element's attributes.
type Origin struct {
	Element elements.ID
	Index   int
}

func (o Origin) String() string { return fmt.Sprintf("%s[%d]", o.Element, o.Index) }

// Instance is a marker bound to one target element.
//
// Instances created from the same declaration share Origin; clones made
// by inheritance keep it, so two instances with the same Origin and Target
// are duplicates.
type Instance struct {
	Marker *marker.Marker
	Origin Origin
	Target elements.ID

	// Inherited is set on instances created by inheritance propagation.
	Inherited bool

	// Order breaks priority ties. Inherited instances are numbered from a
	// separate counter and always sort before direct ones.
	Order int

	// Distance is the number of derivation edges from the origin's target.
	Distance int
}

// AspectType returns the aspect type name.
func (i Instance) AspectType() string { return i.Marker.AspectType }

// Kind returns the aspect kind.
func (i Instance) Kind() marker.AspectKind { return i.Marker.Kind }

// Priority returns the marker priority.
func (i Instance) Priority() int64 { return i.Marker.Priority }

func (i Instance) String() string {
	src := "direct"
	if i.Inherited {
		src = fmt.Sprintf("inherited@%d", i.Distance)
	}
	return fmt.Sprintf("%s from %s (%s, priority %d, order %d)", i.Marker.AspectType, i.Origin, src, i.Marker.Priority, i.Order)
}

func (i Instance) retarget(target elements.ID) Instance {
	i.Target = target
	return i
}

// less orders instances for tie-breaking: inherited before direct, then by
// counter.
func (i Instance) less(o Instance) bool {
	if i.Inherited != o.Inherited {
		return i.Inherited
	}
	return i.Order < o.Order
}
