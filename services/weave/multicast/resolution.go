// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package multicast

import (
	"slices"

	"github.com/Inverness/Spinner-sub001/services/weave/elements"
)

// Resolution is the frozen result of multicast resolution.
//
// Thread Safety:
//
//	Immutable; safe for concurrent use. Resolve returns copies, so weavers
//	can never alter the lists.
type Resolution struct {
	lists   map[elements.ID][]Instance
	targets []elements.ID
	stats   Stats
}

// Resolve returns the ordered aspect instances applying to id.
func (r *Resolution) Resolve(id elements.ID) []Instance {
	return slices.Clone(r.lists[id])
}

// Targets returns every element with at least one instance, in graph
// walk order.
func (r *Resolution) Targets() []elements.ID {
	return slices.Clone(r.targets)
}

// Len returns the number of targets.
func (r *Resolution) Len() int { return len(r.targets) }

// Stats returns resolution statistics.
func (r *Resolution) Stats() Stats { return r.stats }

// Instances returns the total number of resolved instances.
func (r *Resolution) Instances() int {
	n := 0
	for _, l := range r.lists {
		n += len(l)
	}
	return n
}
