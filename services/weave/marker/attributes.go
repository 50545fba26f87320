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

import "strings"

// Attributes is a mask of element characteristics in independent groups.
// Within a group the bits are alternatives; a group left empty in a filter
// mask matches any element.
type Attributes uint32

const (
	AttrPrivate Attributes = 1 << iota
	AttrProtected
	AttrInternal
	AttrInternalAndProtected
	AttrInternalOrProtected
	AttrPublic

	AttrStatic
	AttrInstance

	AttrAbstract
	AttrNonAbstract

	AttrVirtual
	AttrNonVirtual

	AttrCompilerGenerated
	AttrUserGenerated

	AttrInParameter
	AttrOutParameter
	AttrRefParameter

	AttrDefault Attributes = 0
)

// Attribute groups.
const (
	AttrAnyVisibility = AttrPrivate | AttrProtected | AttrInternal | AttrInternalAndProtected |
		AttrInternalOrProtected | AttrPublic
	AttrAnyScope       = AttrStatic | AttrInstance
	AttrAnyAbstraction = AttrAbstract | AttrNonAbstract
	AttrAnyVirtuality  = AttrVirtual | AttrNonVirtual
	AttrAnyGeneration  = AttrCompilerGenerated | AttrUserGenerated
	AttrAnyParameter   = AttrInParameter | AttrOutParameter | AttrRefParameter
	AttrAll            = AttrAnyVisibility | AttrAnyScope | AttrAnyAbstraction |
		AttrAnyVirtuality | AttrAnyGeneration | AttrAnyParameter
)

var attributeGroups = []Attributes{
	AttrAnyVisibility, AttrAnyScope, AttrAnyAbstraction,
	AttrAnyVirtuality, AttrAnyGeneration, AttrAnyParameter,
}

var attributeNames = []struct {
	a    Attributes
	name string
}{
	{AttrPrivate, "Private"},
	{AttrProtected, "Protected"},
	{AttrInternal, "Internal"},
	{AttrInternalAndProtected, "InternalAndProtected"},
	{AttrInternalOrProtected, "InternalOrProtected"},
	{AttrPublic, "Public"},
	{AttrStatic, "Static"},
	{AttrInstance, "Instance"},
	{AttrAbstract, "Abstract"},
	{AttrNonAbstract, "NonAbstract"},
	{AttrVirtual, "Virtual"},
	{AttrNonVirtual, "NonVirtual"},
	{AttrCompilerGenerated, "CompilerGenerated"},
	{AttrUserGenerated, "UserGenerated"},
	{AttrInParameter, "InParameter"},
	{AttrOutParameter, "OutParameter"},
	{AttrRefParameter, "RefParameter"},
}

// Matches reports whether an element with characteristics elem passes the
// filter mask a. Each non-empty group of a must share a bit with elem. A
// group the element does not describe at all (parameter direction on a
// type, say) is ignored.
func (a Attributes) Matches(elem Attributes) bool {
	for _, g := range attributeGroups {
		want := a & g
		if want == 0 || elem&g == 0 {
			continue
		}
		if want&elem == 0 {
			return false
		}
	}
	return true
}

func (a Attributes) String() string {
	if a == AttrDefault {
		return "Default"
	}
	var parts []string
	for _, n := range attributeNames {
		if a&n.a != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
