// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"fmt"
	"slices"
	"sort"
)

// Change types of a modified target.
const (
	ChangeAspects   = "aspects_changed"
	ChangeReordered = "reordered"
)

// Diff is the difference between two builds.
type Diff struct {
	BaseBuildID   string `json:"base_build_id"`
	TargetBuildID string `json:"target_build_id"`

	// TargetsAdded are elements woven in the target build only.
	TargetsAdded []string `json:"targets_added"`

	// TargetsRemoved are elements woven in the base build only.
	TargetsRemoved []string `json:"targets_removed"`

	TargetsModified []TargetDiff `json:"targets_modified"`

	Summary DiffSummary `json:"summary"`
}

// TargetDiff describes how the aspects of one element changed.
type TargetDiff struct {
	ID string `json:"id"`

	// ChangeType is ChangeAspects when instances were added or removed,
	// ChangeReordered when only their order changed.
	ChangeType string `json:"change_type"`

	AspectsAdded   []string `json:"aspects_added,omitempty"`
	AspectsRemoved []string `json:"aspects_removed,omitempty"`
}

// DiffSummary aggregates a Diff.
type DiffSummary struct {
	TotalChanges int `json:"total_changes"`

	// ChangeRatio is the fraction of targets that changed (0.0 to 1.0).
	ChangeRatio float64 `json:"change_ratio"`
}

// Empty reports whether the builds wove the same things.
func (d *Diff) Empty() bool { return d.Summary.TotalChanges == 0 }

// DiffManifests compares two builds.
//
// Description:
//
//	Targets are compared by element ID and aspect instances by aspect type
//	and origin. A target whose instances are the same set in a different
//	order is reported as reordered, since order decides which aspect wraps
//	which.
//
// Inputs:
//
//	base - The earlier build. Must not be nil.
//	target - The later build. Must not be nil.
//
// Outputs:
//
//	*Diff - The differences, sorted by element ID.
//	error - Non-nil if either manifest is nil.
func DiffManifests(base, target *Manifest) (*Diff, error) {
	if base == nil {
		return nil, fmt.Errorf("base manifest must not be nil")
	}
	if target == nil {
		return nil, fmt.Errorf("target manifest must not be nil")
	}

	diff := &Diff{
		BaseBuildID:     base.BuildID,
		TargetBuildID:   target.BuildID,
		TargetsAdded:    []string{},
		TargetsRemoved:  []string{},
		TargetsModified: []TargetDiff{},
	}

	baseTargets := indexTargets(base)
	targetTargets := indexTargets(target)

	for id, t := range targetTargets {
		b, ok := baseTargets[id]
		if !ok {
			diff.TargetsAdded = append(diff.TargetsAdded, id)
			continue
		}
		if td, changed := diffTarget(b, t); changed {
			diff.TargetsModified = append(diff.TargetsModified, td)
		}
	}
	for id := range baseTargets {
		if _, ok := targetTargets[id]; !ok {
			diff.TargetsRemoved = append(diff.TargetsRemoved, id)
		}
	}

	sort.Strings(diff.TargetsAdded)
	sort.Strings(diff.TargetsRemoved)
	sort.Slice(diff.TargetsModified, func(i, j int) bool {
		return diff.TargetsModified[i].ID < diff.TargetsModified[j].ID
	})

	changed := len(diff.TargetsAdded) + len(diff.TargetsRemoved) + len(diff.TargetsModified)
	total := max(len(baseTargets), len(targetTargets))
	ratio := 0.0
	if total > 0 {
		ratio = float64(changed) / float64(total)
	}
	diff.Summary = DiffSummary{TotalChanges: changed, ChangeRatio: ratio}
	return diff, nil
}

func indexTargets(m *Manifest) map[string]Target {
	out := make(map[string]Target, len(m.Targets))
	for _, t := range m.Targets {
		out[t.ID] = t
	}
	return out
}

func diffTarget(base, target Target) (TargetDiff, bool) {
	baseKeys := aspectKeys(base)
	targetKeys := aspectKeys(target)
	if slices.Equal(baseKeys, targetKeys) {
		return TargetDiff{}, false
	}

	td := TargetDiff{ID: target.ID, ChangeType: ChangeReordered}
	for _, k := range targetKeys {
		if !slices.Contains(baseKeys, k) {
			td.AspectsAdded = append(td.AspectsAdded, k)
		}
	}
	for _, k := range baseKeys {
		if !slices.Contains(targetKeys, k) {
			td.AspectsRemoved = append(td.AspectsRemoved, k)
		}
	}
	if len(td.AspectsAdded) > 0 || len(td.AspectsRemoved) > 0 {
		td.ChangeType = ChangeAspects
	}
	return td, true
}

func aspectKeys(t Target) []string {
	out := make([]string, len(t.Aspects))
	for i, a := range t.Aspects {
		out[i] = a.Key()
	}
	return out
}
