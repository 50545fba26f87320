// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report records what each build wove and compares builds.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Inverness/Spinner-sub001/services/weave/elements"
	"github.com/Inverness/Spinner-sub001/services/weave/multicast"
)

// ManifestSchemaVersion is the version of the stored manifest format.
const ManifestSchemaVersion = "1.0"

// Manifest is the record of one build: every woven target with the aspect
// instances applied to it, in resolution order.
type Manifest struct {
	// BuildID identifies the build.
	BuildID string `json:"build_id"`

	// Module is the name of the woven main module.
	Module string `json:"module"`

	// Source is the path the program was read from, when known.
	Source string `json:"source,omitempty"`

	// BuiltAtMilli is when the build finished (Unix milliseconds UTC).
	BuiltAtMilli int64 `json:"built_at_milli"`

	// Applied counts applied instances by aspect kind.
	Applied map[string]int `json:"applied,omitempty"`

	Targets []Target `json:"targets"`
}

// Target is one woven element.
type Target struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Aspects []Applied `json:"aspects"`
}

// Applied is one aspect instance on a target.
type Applied struct {
	AspectType string `json:"aspect_type"`
	Kind       string `json:"kind"`
	Priority   int64  `json:"priority"`
	Origin     string `json:"origin"`
	Inherited  bool   `json:"inherited,omitempty"`
}

// Key identifies an applied instance independently of its position.
func (a Applied) Key() string { return a.AspectType + "@" + a.Origin }

// NewManifest records a resolution.
//
// Description:
//
//	Walks the resolution's targets in graph order and records each
//	target's instances in the order they were resolved, which is the order
//	they wrap the target from the outside in.
//
// Inputs:
//
//	buildID - Build identifier. Must not be empty.
//	g - The element graph the resolution was computed over.
//	res - The frozen resolution.
//
// Outputs:
//
//	*Manifest - The manifest, stamped with the current time.
//	error - Non-nil if buildID is empty or a target is missing from g.
func NewManifest(buildID string, g *elements.Graph, res *multicast.Resolution) (*Manifest, error) {
	if buildID == "" {
		return nil, fmt.Errorf("build ID must not be empty")
	}
	m := &Manifest{
		BuildID:      buildID,
		Module:       g.Program().Main.Name,
		BuiltAtMilli: time.Now().UnixMilli(),
		Applied:      make(map[string]int),
		Targets:      make([]Target, 0, res.Len()),
	}
	for _, id := range res.Targets() {
		el, ok := g.Element(id)
		if !ok {
			return nil, fmt.Errorf("target %s is not in the element graph", id)
		}
		insts := res.Resolve(id)
		t := Target{ID: string(id), Kind: el.Kind.String(), Aspects: make([]Applied, 0, len(insts))}
		for _, inst := range insts {
			kind := inst.Kind().String()
			t.Aspects = append(t.Aspects, Applied{
				AspectType: inst.AspectType(),
				Kind:       kind,
				Priority:   inst.Priority(),
				Origin:     inst.Origin.String(),
				Inherited:  inst.Inherited,
			})
			m.Applied[kind]++
		}
		m.Targets = append(m.Targets, t)
	}
	return m, nil
}

// Instances returns the total number of applied instances.
func (m *Manifest) Instances() int {
	n := 0
	for _, t := range m.Targets {
		n += len(t.Aspects)
	}
	return n
}

// Hash returns a deterministic hash of the woven targets and their
// aspects. Builds that wove the same things hash equal regardless of
// their IDs and times.
func (m *Manifest) Hash() string {
	h := sha256.New()
	for _, t := range m.Targets {
		fmt.Fprintf(h, "%s|%s\n", t.ID, t.Kind)
		for _, a := range t.Aspects {
			fmt.Fprintf(h, "\t%s|%s|%d|%s|%t\n", a.AspectType, a.Kind, a.Priority, a.Origin, a.Inherited)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
