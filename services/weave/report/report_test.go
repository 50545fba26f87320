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
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inverness/Spinner-sub001/services/weave/elements"
	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/multicast"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	wt "github.com/Inverness/Spinner-sub001/services/weave/weavetest"
)

// newTestStore creates a Store over an in-memory BadgerDB.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := NewStore(db, logger)
	require.NoError(t, err)
	return s
}

func ret(e *il.Emitter) { e.Op(il.OpRet) }

// resolved builds a program whose Run carries App.Log and whose Stop
// carries App.Log and App.Trace.
func resolved(t *testing.T) (*elements.Graph, *multicast.Resolution, *il.MethodDef, *il.MethodDef) {
	t.Helper()
	b := wt.NewModule(wt.AppModule)
	b.Aspect("App.Log", runtime.OnMethodBoundaryAspectType)
	b.Aspect("App.Trace", runtime.MethodInterceptionAspectType)
	svc := b.Class("App.Service", "")
	run := svc.Static("Run", il.Void, nil, ret)
	run.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Log")}
	stop := svc.Static("Stop", il.Void, nil, ret)
	stop.CustomAttributes = []*il.CustomAttribute{wt.Attribute("App.Log"), wt.Attribute("App.Trace")}
	svc.Static("Idle", il.Void, nil, ret)

	ctx := context.Background()
	g, _, err := elements.NewBuilder().Build(ctx, b.Program())
	require.NoError(t, err)
	res, err := multicast.NewEngine().Resolve(ctx, g)
	require.NoError(t, err)
	return g, res, run, stop
}

func TestNewManifest(t *testing.T) {
	g, res, run, stop := resolved(t)

	m, err := NewManifest("build-1", g, res)
	require.NoError(t, err)

	assert.Equal(t, wt.AppModule, m.Module)
	assert.Equal(t, 3, m.Instances())
	assert.Equal(t, map[string]int{"boundary": 2, "interception": 1}, m.Applied)

	byID := indexTargets(m)
	require.Len(t, byID, 2)
	assert.Equal(t, []string{"App.Log"}, aspectTypes(byID[string(elements.MethodID(run))]))
	assert.Equal(t, []string{"App.Log", "App.Trace"}, aspectTypes(byID[string(elements.MethodID(stop))]))
	assert.Equal(t, "method", byID[string(elements.MethodID(run))].Kind)

	_, err = NewManifest("", g, res)
	assert.Error(t, err)
}

func aspectTypes(t Target) []string {
	out := make([]string, len(t.Aspects))
	for i, a := range t.Aspects {
		out[i] = a.AspectType
	}
	return out
}

func TestManifest_HashIgnoresIdentity(t *testing.T) {
	g, res, _, _ := resolved(t)
	a, err := NewManifest("build-1", g, res)
	require.NoError(t, err)
	b, err := NewManifest("build-2", g, res)
	require.NoError(t, err)
	b.BuiltAtMilli = a.BuiltAtMilli + 1000

	assert.Equal(t, a.Hash(), b.Hash())

	b.Targets = b.Targets[:1]
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g, res, _, _ := resolved(t)
	m, err := NewManifest("build-1", g, res)
	require.NoError(t, err)
	m.Source = "app.il.json"

	meta, err := s.Save(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, ModuleHash(wt.AppModule), meta.ModuleHash)
	assert.Equal(t, 2, meta.Targets)
	assert.Equal(t, 3, meta.Instances)
	assert.Equal(t, m.Hash(), meta.ManifestHash)
	assert.Positive(t, meta.CompressedSize)

	got, gotMeta, err := s.Load(ctx, "build-1")
	require.NoError(t, err)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("loaded manifest mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, meta, gotMeta)

	latest, _, err := s.Latest(ctx, wt.AppModule)
	require.NoError(t, err)
	assert.Equal(t, "build-1", latest.BuildID)
}

func TestStore_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = s.Latest(ctx, "Nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "missing"), ErrNotFound)
}

func TestStore_RejectsBadInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, nil)
	assert.Error(t, err)
	_, err = s.Save(ctx, &Manifest{BuildID: "a:b"})
	assert.Error(t, err)
	_, _, err = s.Load(ctx, "")
	assert.Error(t, err)

	_, err = NewStore(nil, nil)
	assert.Error(t, err)
}

func TestStore_ListAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"b1", "b2", "b3"} {
		_, err := s.Save(ctx, &Manifest{BuildID: id, Module: "App", BuiltAtMilli: int64(1000 * (i + 1))})
		require.NoError(t, err)
	}
	_, err := s.Save(ctx, &Manifest{BuildID: "o1", Module: "Other", BuiltAtMilli: 5000})
	require.NoError(t, err)

	all, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "b3", "b2", "b1"}, buildIDs(all))

	app, err := s.List(ctx, "App", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b3", "b2"}, buildIDs(app))

	require.NoError(t, s.Delete(ctx, "b1"))
	app, err = s.List(ctx, "App", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b3", "b2"}, buildIDs(app))
	_, meta, err := s.Latest(ctx, "App")
	require.NoError(t, err)
	assert.Equal(t, "b3", meta.BuildID, "deleting an older build keeps the pointer")
}

func TestStore_DeleteLatestRepointsToNewestRemaining(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Saved out of BuiltAt order: the pointer follows b2 after b3 goes.
	for _, m := range []*Manifest{
		{BuildID: "b2", Module: "App", BuiltAtMilli: 2000},
		{BuildID: "b1", Module: "App", BuiltAtMilli: 1000},
		{BuildID: "b3", Module: "App", BuiltAtMilli: 3000},
	} {
		_, err := s.Save(ctx, m)
		require.NoError(t, err)
	}
	_, err := s.Save(ctx, &Manifest{BuildID: "o1", Module: "Other", BuiltAtMilli: 9000})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "b3"))
	m, meta, err := s.Latest(ctx, "App")
	require.NoError(t, err)
	assert.Equal(t, "b2", meta.BuildID)
	assert.Equal(t, "b2", m.BuildID)

	require.NoError(t, s.Delete(ctx, "b2"))
	_, meta, err = s.Latest(ctx, "App")
	require.NoError(t, err)
	assert.Equal(t, "b1", meta.BuildID)

	require.NoError(t, s.Delete(ctx, "b1"))
	_, _, err = s.Latest(ctx, "App")
	assert.True(t, errors.Is(err, ErrNotFound), "the pointer is cleared once no builds remain")

	_, meta, err = s.Latest(ctx, "Other")
	require.NoError(t, err)
	assert.Equal(t, "o1", meta.BuildID)
}

func buildIDs(metas []*Metadata) []string {
	out := make([]string, len(metas))
	for i, m := range metas {
		out[i] = m.BuildID
	}
	return out
}

func TestStore_IntegrityCheck(t *testing.T) {
	db, err := Open("")
	require.NoError(t, err)
	defer db.Close()
	s, err := NewStore(db, nil)
	require.NoError(t, err)
	ctx := context.Background()

	meta, err := s.Save(ctx, &Manifest{BuildID: "b1", Module: "App"})
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set(dataKey(meta.ModuleHash, "b1"), []byte("tampered"))
	}))

	_, _, err = s.Load(ctx, "b1")
	assert.ErrorContains(t, err, "integrity check failed")
}

func target(id string, aspects ...string) Target {
	t := Target{ID: id, Kind: "method"}
	for _, a := range aspects {
		t.Aspects = append(t.Aspects, Applied{AspectType: a, Kind: "boundary", Origin: id + "[0]"})
	}
	return t
}

func TestDiffManifests(t *testing.T) {
	base := &Manifest{BuildID: "b1", Targets: []Target{
		target("M:A", "Log"),
		target("M:B", "Log", "Trace"),
		target("M:C", "Log"),
		target("M:D", "Log"),
	}}
	next := &Manifest{BuildID: "b2", Targets: []Target{
		target("M:A", "Log"),
		target("M:B", "Trace", "Log"),
		target("M:C", "Audit"),
		target("M:E", "Log"),
	}}

	d, err := DiffManifests(base, next)
	require.NoError(t, err)

	want := &Diff{
		BaseBuildID:    "b1",
		TargetBuildID:  "b2",
		TargetsAdded:   []string{"M:E"},
		TargetsRemoved: []string{"M:D"},
		TargetsModified: []TargetDiff{
			{ID: "M:B", ChangeType: ChangeReordered},
			{ID: "M:C", ChangeType: ChangeAspects, AspectsAdded: []string{"Audit@M:C[0]"}, AspectsRemoved: []string{"Log@M:C[0]"}},
		},
		Summary: DiffSummary{TotalChanges: 4, ChangeRatio: 1.0},
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("DiffManifests mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, d.Empty())

	same, err := DiffManifests(base, base)
	require.NoError(t, err)
	assert.True(t, same.Empty())

	_, err = DiffManifests(nil, base)
	assert.Error(t, err)
}
