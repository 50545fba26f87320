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
	"errors"
	"fmt"
	"strings"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	"github.com/Inverness/Spinner-sub001/services/weave/weaveerr"
)

// Named arguments recognised on a marker.
const (
	ArgTargetElements                 = "TargetElements"
	ArgTargetAssemblies               = "TargetAssemblies"
	ArgTargetTypes                    = "TargetTypes"
	ArgTargetMembers                  = "TargetMembers"
	ArgTargetParameters               = "TargetParameters"
	ArgTargetTypeAttributes           = "TargetTypeAttributes"
	ArgTargetExternalTypeAttributes   = "TargetExternalTypeAttributes"
	ArgTargetMemberAttributes         = "TargetMemberAttributes"
	ArgTargetExternalMemberAttributes = "TargetExternalMemberAttributes"
	ArgTargetParameterAttributes      = "TargetParameterAttributes"
	ArgAttributeInheritance           = "AttributeInheritance"
	ArgAttributePriority              = "AttributePriority"
	ArgAttributeExclude               = "AttributeExclude"
	ArgAttributeReplace               = "AttributeReplace"
	ArgPointcut                       = "Pointcut"
)

// IsMarkerArgument reports whether a named argument configures multicasting
// rather than the aspect instance.
func IsMarkerArgument(name string) bool {
	return strings.HasPrefix(name, "Target") || strings.HasPrefix(name, "Attribute") || name == ArgPointcut
}

// Defaults are the attribute masks used when a marker leaves one unset.
type Defaults struct {
	TypeAttributes           Attributes
	ExternalTypeAttributes   Attributes
	MemberAttributes         Attributes
	ExternalMemberAttributes Attributes
	ParameterAttributes      Attributes
}

// DefaultDefaults matches everything locally and only the inheritable
// surface of external types.
func DefaultDefaults() Defaults {
	return Defaults{
		ExternalMemberAttributes: AttrPublic | AttrProtected | AttrInternalOrProtected,
		ExternalTypeAttributes:   AttrPublic,
	}
}

// Usage is the multicast usage an aspect type declares for itself.
type Usage struct {
	Declared    bool
	ValidOn     Targets
	Inheritance Inheritance
}

// UsageOf returns the MulticastUsageAttribute of t or of its nearest
// ancestor declaring one.
func UsageOf(p *il.Program, t *il.TypeDef) Usage {
	for _, cur := range append([]*il.TypeDef{t}, p.Ancestors(t)...) {
		a := il.FindAttribute(cur.CustomAttributes, runtime.MulticastUsageAttributeType)
		if a == nil {
			continue
		}
		u := Usage{Declared: true, ValidOn: TargetAll}
		if len(a.Args) > 0 {
			if v, ok := a.Args[0].AsInt(); ok {
				u.ValidOn = Targets(v)
			}
		}
		if v, ok := a.NamedArg("Inheritance"); ok {
			if i, ok := v.AsInt(); ok {
				u.Inheritance = Inheritance(i)
			}
		}
		return u
	}
	return Usage{}
}

// Marker is a parsed aspect attribute: which aspect, which elements it
// multicasts to, and how it composes with other markers.
type Marker struct {
	AspectType string
	Kind       AspectKind
	Attribute  *il.CustomAttribute

	Targets    Targets
	Assemblies Matcher
	Types      Matcher
	Members    Matcher
	Parameters Matcher

	TypeAttributes           Attributes
	ExternalTypeAttributes   Attributes
	MemberAttributes         Attributes
	ExternalMemberAttributes Attributes
	ParameterAttributes      Attributes

	Inheritance Inheritance
	Priority    int64
	Exclude     bool

	// Replace is parsed and carried but has no effect on resolution.
	Replace bool

	// Pointcut names a static selection method "Type::Method" that
	// chooses members instead of the member filters.
	Pointcut string
}

// Parse builds a Marker from an aspect attribute.
//
// Description:
//
//	Recognised named arguments override the defaults. Element kinds
//	default to the usage's ValidOn, else to the aspect kind's natural
//	targets, and are always narrowed to what the kind can weave.
//
// Inputs:
//
//	element - Structural ID of the element carrying the attribute, for errors.
//	attr - The attribute instance.
//	kind - The aspect kind of attr.Type.
//	usage - The aspect type's declared usage.
//	defaults - Attribute masks for arguments left unset.
//
// Outputs:
//
//	*Marker - The parsed marker.
//	error - MarkerResolutionError naming the offending argument.
func Parse(element string, attr *il.CustomAttribute, kind AspectKind, usage Usage, defaults Defaults) (*Marker, error) {
	m := &Marker{
		AspectType:               attr.Type,
		Kind:                     kind,
		Attribute:                attr,
		TypeAttributes:           defaults.TypeAttributes,
		ExternalTypeAttributes:   defaults.ExternalTypeAttributes,
		MemberAttributes:         defaults.MemberAttributes,
		ExternalMemberAttributes: defaults.ExternalMemberAttributes,
		ParameterAttributes:      defaults.ParameterAttributes,
		Inheritance:              usage.Inheritance,
	}
	targets := kind.DefaultTargets()
	if usage.Declared {
		targets = usage.ValidOn
	}

	for _, n := range attr.Named {
		if !IsMarkerArgument(n.Name) {
			continue
		}
		fail := func(err error) error {
			return weaveerr.Marker(element, n.Name, fmt.Errorf("%s: %w", attr.Type, err))
		}
		var err error
		switch n.Name {
		case ArgTargetElements:
			var v int64
			if v, err = intArg(n.Value); err == nil {
				if Targets(v)&^TargetAll != 0 || v == 0 {
					err = fmt.Errorf("invalid element mask %#x", v)
				}
				targets = Targets(v)
			}
		case ArgTargetAssemblies:
			m.Assemblies, err = matcherArg(n.Value)
		case ArgTargetTypes:
			m.Types, err = matcherArg(n.Value)
		case ArgTargetMembers:
			m.Members, err = matcherArg(n.Value)
		case ArgTargetParameters:
			m.Parameters, err = matcherArg(n.Value)
		case ArgTargetTypeAttributes:
			m.TypeAttributes, err = attributesArg(n.Value)
		case ArgTargetExternalTypeAttributes:
			m.ExternalTypeAttributes, err = attributesArg(n.Value)
		case ArgTargetMemberAttributes:
			m.MemberAttributes, err = attributesArg(n.Value)
		case ArgTargetExternalMemberAttributes:
			m.ExternalMemberAttributes, err = attributesArg(n.Value)
		case ArgTargetParameterAttributes:
			m.ParameterAttributes, err = attributesArg(n.Value)
		case ArgAttributeInheritance:
			var v int64
			if v, err = intArg(n.Value); err == nil {
				if v < int64(InheritNone) || v > int64(InheritMulticast) {
					err = fmt.Errorf("invalid inheritance %d", v)
				}
				m.Inheritance = Inheritance(v)
			}
		case ArgAttributePriority:
			m.Priority, err = intArg(n.Value)
		case ArgAttributeExclude:
			m.Exclude, err = boolArg(n.Value)
		case ArgAttributeReplace:
			m.Replace, err = boolArg(n.Value)
		case ArgPointcut:
			var s string
			if s, err = stringArg(n.Value); err == nil && s != "" && !strings.Contains(s, "::") {
				err = fmt.Errorf("pointcut %q is not of the form Type::Method", s)
			}
			m.Pointcut = s
		default:
			err = errors.New("unknown marker argument")
		}
		if err != nil {
			return nil, fail(err)
		}
	}

	if usage.Declared {
		targets &= usage.ValidOn
	}
	if !m.Exclude {
		targets &= kind.DefaultTargets()
		if targets == TargetNone {
			return nil, weaveerr.Marker(element, ArgTargetElements,
				fmt.Errorf("%s: no element kind the %s aspect can apply to", attr.Type, kind))
		}
	}
	m.Targets = targets
	return m, nil
}

// Candidate describes an element offered to a marker's filters.
type Candidate struct {
	Name       string
	Attributes Attributes
	External   bool
}

// AppliesTo reports whether the marker applies to elements of kind t.
func (m *Marker) AppliesTo(t Targets) bool { return m.Targets.Any(t) }

// AcceptsAssembly reports whether an assembly passes the assembly filter.
func (m *Marker) AcceptsAssembly(name string) bool { return m.Assemblies.Match(name) }

// AcceptsType reports whether a type passes the type filters.
func (m *Marker) AcceptsType(c Candidate) bool {
	mask := m.TypeAttributes
	if c.External {
		mask = m.ExternalTypeAttributes
	}
	return m.Types.Match(c.Name) && mask.Matches(c.Attributes)
}

// AcceptsMember reports whether a member passes the member filters.
func (m *Marker) AcceptsMember(c Candidate) bool {
	mask := m.MemberAttributes
	if c.External {
		mask = m.ExternalMemberAttributes
	}
	return m.Members.Match(c.Name) && mask.Matches(c.Attributes)
}

// AcceptsParameter reports whether a parameter passes the parameter filters.
func (m *Marker) AcceptsParameter(c Candidate) bool {
	return m.Parameters.Match(c.Name) && m.ParameterAttributes.Matches(c.Attributes)
}

func (m *Marker) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s{targets=%s", m.AspectType, m.Targets)
	if m.Priority != 0 {
		fmt.Fprintf(&b, " priority=%d", m.Priority)
	}
	if m.Inheritance != InheritNone {
		fmt.Fprintf(&b, " inheritance=%s", m.Inheritance)
	}
	if m.Exclude {
		b.WriteString(" exclude")
	}
	if m.Pointcut != "" {
		fmt.Fprintf(&b, " pointcut=%s", m.Pointcut)
	}
	b.WriteByte('}')
	return b.String()
}

func intArg(a il.AttrArg) (int64, error) {
	v, ok := a.AsInt()
	if !ok {
		return 0, fmt.Errorf("expected integer, got %s", a)
	}
	return v, nil
}

func boolArg(a il.AttrArg) (bool, error) {
	v, ok := a.AsBool()
	if !ok {
		return false, fmt.Errorf("expected bool, got %s", a)
	}
	return v, nil
}

func stringArg(a il.AttrArg) (string, error) {
	if a.Kind != il.ArgString && a.Kind != il.ArgNull {
		return "", fmt.Errorf("expected string, got %s", a)
	}
	s, _ := a.AsString()
	return s, nil
}

func matcherArg(a il.AttrArg) (Matcher, error) {
	s, err := stringArg(a)
	if err != nil {
		return Matcher{}, err
	}
	return NewMatcher(s)
}

func attributesArg(a il.AttrArg) (Attributes, error) {
	v, err := intArg(a)
	if err != nil {
		return 0, err
	}
	if Attributes(v)&^AttrAll != 0 {
		return 0, fmt.Errorf("invalid attribute mask %#x", v)
	}
	return Attributes(v), nil
}

// ParseAttributes parses a "|"-separated list of attribute names.
func ParseAttributes(s string) (Attributes, error) {
	var out Attributes
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		if part == "" || part == "Default" {
			continue
		}
		found := false
		for _, n := range attributeNames {
			if strings.EqualFold(n.name, part) {
				out |= n.a
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown attribute %q", part)
		}
	}
	return out, nil
}

// ParseTargets parses a "|"-separated list of element kind names.
func ParseTargets(s string) (Targets, error) {
	var out Targets
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
			continue
		case strings.EqualFold(part, "All"):
			out |= TargetAll
			continue
		}
		found := false
		for _, n := range targetNames {
			if strings.EqualFold(n.name, part) {
				out |= n.t
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown element kind %q", part)
		}
	}
	return out, nil
}
