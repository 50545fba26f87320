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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	"github.com/Inverness/Spinner-sub001/services/weave/weaveerr"
	wt "github.com/Inverness/Spinner-sub001/services/weave/weavetest"
)

func TestMatcher_Glob(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"", "anything", true},
		{"On*", "OnEntry", true},
		{"On*", "entry", false},
		{"On*", "onEntry", false},
		{"On?xit", "OnExit", true},
		{"On?xit", "OnExits", false},
		{"App.*", "App.Models.User", true},
		{"a.b", "axb", false},
		{"regex:^On[A-Z]", "OnEntry", true},
		{"regex:^On[A-Z]", "entry", false},
		{"regex:Entry", "OnEntry", true},
	}
	for _, tt := range tests {
		m, err := NewMatcher(tt.pattern)
		require.NoError(t, err, tt.pattern)
		assert.Equal(t, tt.want, m.Match(tt.name), "%q ~ %q", tt.pattern, tt.name)
	}
}

func TestMatcher_RegexAgreesWithGlob(t *testing.T) {
	glob := MustMatcher("On*")
	re := MustMatcher("regex:^On[A-Z]")
	for _, name := range []string{
		"OnEntry", "OnExit", "OnSuccess", "OnException", "OnYield", "OnResume",
		"OnInvoke", "OnGetValue", "FilterException", "entry", "Invoke",
	} {
		assert.Equal(t, glob.Match(name), re.Match(name), name)
	}
}

func TestMatcher_BadRegex(t *testing.T) {
	_, err := NewMatcher("regex:(")
	assert.Error(t, err)
}

func TestAttributes_Matches(t *testing.T) {
	publicInstance := AttrPublic | AttrInstance | AttrNonAbstract | AttrNonVirtual | AttrUserGenerated
	assert.True(t, AttrDefault.Matches(publicInstance))
	assert.True(t, AttrPublic.Matches(publicInstance))
	assert.True(t, (AttrPublic | AttrPrivate).Matches(publicInstance))
	assert.False(t, AttrPrivate.Matches(publicInstance))
	assert.False(t, (AttrPublic | AttrStatic).Matches(publicInstance))
	assert.True(t, (AttrPublic | AttrInstance).Matches(publicInstance))

	// Parameter direction is ignored for elements that have none.
	assert.True(t, AttrOutParameter.Matches(publicInstance))
	assert.False(t, AttrOutParameter.Matches(AttrInParameter))
}

func TestParseAttributesAndTargets(t *testing.T) {
	a, err := ParseAttributes("Public | protected|InternalOrProtected")
	require.NoError(t, err)
	assert.Equal(t, AttrPublic|AttrProtected|AttrInternalOrProtected, a)
	_, err = ParseAttributes("Sometimes")
	assert.Error(t, err)

	tg, err := ParseTargets("Method|Property")
	require.NoError(t, err)
	assert.Equal(t, TargetMethod|TargetProperty, tg)
	tg, err = ParseTargets("All")
	require.NoError(t, err)
	assert.Equal(t, TargetAll, tg)
	assert.Equal(t, "Method|Property", (TargetMethod | TargetProperty).String())
}

func named(typ string, args ...il.NamedArg) *il.CustomAttribute {
	return &il.CustomAttribute{Type: typ, Named: args}
}

func TestParse_NamedArguments(t *testing.T) {
	attr := named("App.Log",
		il.NamedArg{Name: ArgTargetMembers, Value: il.StrArg("Get*")},
		il.NamedArg{Name: ArgTargetMemberAttributes, Value: il.IntArg(int64(AttrPublic))},
		il.NamedArg{Name: ArgAttributePriority, Value: il.IntArg(-3)},
		il.NamedArg{Name: ArgAttributeInheritance, Value: il.IntArg(int64(InheritMulticast))},
		il.NamedArg{Name: ArgAttributeExclude, Value: il.BoolArg(false)},
		il.NamedArg{Name: "Category", Value: il.StrArg("aspect property, not a marker argument")},
	)
	m, err := Parse("App.C", attr, KindBoundary, Usage{}, DefaultDefaults())
	require.NoError(t, err)

	assert.Equal(t, TargetMethods, m.Targets)
	assert.Equal(t, int64(-3), m.Priority)
	assert.Equal(t, InheritMulticast, m.Inheritance)
	assert.True(t, m.AcceptsMember(Candidate{Name: "GetName", Attributes: AttrPublic | AttrInstance}))
	assert.False(t, m.AcceptsMember(Candidate{Name: "GetName", Attributes: AttrPrivate | AttrInstance}))
	assert.False(t, m.AcceptsMember(Candidate{Name: "SetName", Attributes: AttrPublic}))

	// External defaults narrow visibility when the marker leaves them unset.
	assert.True(t, m.AcceptsType(Candidate{Name: "Lib.T", Attributes: AttrPublic, External: true}))
	assert.False(t, m.AcceptsType(Candidate{Name: "Lib.T", Attributes: AttrInternal, External: true}))
	assert.True(t, m.AcceptsType(Candidate{Name: "App.T", Attributes: AttrInternal}))
}

func TestParse_TargetsNarrowedByKindAndUsage(t *testing.T) {
	attr := named("App.Log", il.NamedArg{Name: ArgTargetElements, Value: il.IntArg(int64(TargetMethod | TargetProperty | TargetClass))})
	m, err := Parse("App", attr, KindBoundary, Usage{}, Defaults{})
	require.NoError(t, err)
	assert.Equal(t, TargetMethod, m.Targets)

	usage := Usage{Declared: true, ValidOn: TargetInstanceConstructor, Inheritance: InheritStrict}
	m, err = Parse("App", named("App.Log"), KindBoundary, usage, Defaults{})
	require.NoError(t, err)
	assert.Equal(t, TargetInstanceConstructor, m.Targets)
	assert.Equal(t, InheritStrict, m.Inheritance)

	_, err = Parse("App", named("App.Prop"), KindLocation, Usage{Declared: true, ValidOn: TargetMethod}, Defaults{})
	var mre *weaveerr.MarkerResolutionError
	require.True(t, errors.As(err, &mre), "err = %v", err)
	assert.Equal(t, ArgTargetElements, mre.Rule)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		arg  il.NamedArg
	}{
		{"bad regex", il.NamedArg{Name: ArgTargetTypes, Value: il.StrArg("regex:[")}},
		{"wrong kind", il.NamedArg{Name: ArgAttributePriority, Value: il.StrArg("high")}},
		{"bad inheritance", il.NamedArg{Name: ArgAttributeInheritance, Value: il.IntArg(9)}},
		{"bad mask", il.NamedArg{Name: ArgTargetMemberAttributes, Value: il.IntArg(1 << 30)}},
		{"bad pointcut", il.NamedArg{Name: ArgPointcut, Value: il.StrArg("NoSeparator")}},
		{"unknown", il.NamedArg{Name: "TargetEverything", Value: il.IntArg(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("App.C::M", named("App.Log", tt.arg), KindBoundary, Usage{}, Defaults{})
			var mre *weaveerr.MarkerResolutionError
			require.True(t, errors.As(err, &mre), "err = %v", err)
			assert.Equal(t, "App.C::M", mre.Element)
			assert.Equal(t, tt.arg.Name, mre.Rule)
		})
	}
}

func TestKindOf(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	b.Aspect("App.Log", runtime.OnMethodBoundaryAspectType)
	b.Aspect("App.Around", runtime.MethodInterceptionAspectType)
	b.Aspect("App.Prop", runtime.LocationInterceptionAspectType)
	b.Aspect("App.Evt", runtime.EventInterceptionAspectType)

	composed := b.Aspect("App.Composed", runtime.ComposedAspectType)
	entry := composed.Method("Before", il.MethodVirtual, il.Void,
		wt.Ps(wt.P("args", wt.Envelope(runtime.AdviceOnEntry))), func(e *il.Emitter) { e.Op(il.OpRet) })
	entry.CustomAttributes = append(entry.CustomAttributes,
		wt.Attribute(runtime.AdviceAttributeType, il.IntArg(int64(runtime.AdviceOnEntry))))

	mixed := b.Aspect("App.Mixed", runtime.ComposedAspectType)
	for _, k := range []runtime.AdviceKind{runtime.AdviceOnEntry, runtime.AdviceOnInvoke} {
		md := mixed.Method("Do"+k.String(), il.MethodVirtual, il.Void,
			wt.Ps(wt.P("args", wt.Envelope(k))), func(e *il.Emitter) { e.Op(il.OpRet) })
		md.CustomAttributes = append(md.CustomAttributes, wt.Attribute(runtime.AdviceAttributeType, il.IntArg(int64(k))))
	}
	b.Class("App.Plain", "")
	p := b.Program()

	for name, want := range map[string]AspectKind{
		"App.Log":      KindBoundary,
		"App.Around":   KindInterception,
		"App.Prop":     KindLocation,
		"App.Evt":      KindEvent,
		"App.Composed": KindBoundary,
		"App.Plain":    KindNone,
	} {
		got, err := KindOf(p, p.LookupType(name))
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := KindOf(p, p.LookupType("App.Mixed"))
	assert.Error(t, err)
	assert.Equal(t, "marker_resolution", weaveerr.Kind(err))
}

func TestUsageOf_Inherited(t *testing.T) {
	b := wt.NewModule(wt.AppModule)
	base := b.Aspect("App.BaseLog", runtime.OnMethodBoundaryAspectType)
	usage := wt.Attribute(runtime.MulticastUsageAttributeType, il.IntArg(int64(TargetMethod)))
	usage.SetNamed("Inheritance", il.IntArg(int64(InheritMulticast)))
	base.Attr(usage)
	b.Aspect("App.Log", "App.BaseLog")
	p := b.Program()

	u := UsageOf(p, p.LookupType("App.Log"))
	assert.True(t, u.Declared)
	assert.Equal(t, TargetMethod, u.ValidOn)
	assert.Equal(t, InheritMulticast, u.Inheritance)

	assert.False(t, UsageOf(p, p.LookupType(runtime.OnMethodBoundaryAspectType)).Declared)
}
