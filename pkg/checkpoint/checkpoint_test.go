// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package checkpoint

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/codegraph/pkg/graph"
	"github.com/kraklabs/codegraph/pkg/writer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedGraph builds a small containment chain with one cross-file call:
//
//	mod:core -> dir:src -> file:src/a.ts -> sym alpha -> sym beta
//	                       file:src/b.ts -> sym beta
func seedGraph(t *testing.T) (*writer.MemorySink, map[string]string) {
	t.Helper()
	ctx := context.Background()
	sink := writer.NewMemorySink()

	ids := map[string]string{
		"mod":   graph.GenerateModuleID("core"),
		"dir":   graph.GenerateDirectoryID("src"),
		"fileA": graph.GenerateFileID("src/a.ts"),
		"fileB": graph.GenerateFileID("src/b.ts"),
		"alpha": graph.GenerateSymbolID("src/a.ts", "alpha", "function alpha(): void"),
		"beta":  graph.GenerateSymbolID("src/b.ts", "beta", "function beta(): void"),
	}

	entities := []graph.Entity{
		&graph.ModuleEntity{ID: ids["mod"], Name: "core"},
		&graph.DirectoryEntity{ID: ids["dir"], Path: "src", Depth: 1},
		&graph.FileEntity{ID: ids["fileA"], Path: "src/a.ts", Language: "typescript"},
		&graph.FileEntity{ID: ids["fileB"], Path: "src/b.ts", Language: "typescript"},
		&graph.SymbolEntity{ID: ids["alpha"], Name: "alpha", Kind: graph.SymbolFunction, FilePath: "src/a.ts", Signature: "function alpha(): void"},
		&graph.SymbolEntity{ID: ids["beta"], Name: "beta", Kind: graph.SymbolFunction, FilePath: "src/b.ts", Signature: "function beta(): void"},
	}
	require.NoError(t, sink.CreateEntitiesBulk(ctx, entities))

	rels := []*graph.Relationship{
		graph.NewRelationship(graph.RelContains, ids["mod"], graph.EntityRef(ids["dir"])),
		graph.NewRelationship(graph.RelContains, ids["dir"], graph.EntityRef(ids["fileA"])),
		graph.NewRelationship(graph.RelContains, ids["dir"], graph.EntityRef(ids["fileB"])),
		graph.NewRelationship(graph.RelContains, ids["fileA"], graph.EntityRef(ids["alpha"])),
		graph.NewRelationship(graph.RelContains, ids["fileB"], graph.EntityRef(ids["beta"])),
		graph.NewRelationship(graph.RelCalls, ids["alpha"], graph.EntityRef(ids["beta"])),
	}
	require.NoError(t, sink.CreateRelationshipsBulk(ctx, rels))
	return sink, ids
}

func TestManager_CreateBoundedByHopLimit(t *testing.T) {
	sink, ids := seedGraph(t)
	m := NewManager(sink, testLogger())

	cp, err := m.Create(context.Background(), CreateOptions{
		Name:    "around-alpha",
		SeedIDs: []string{ids["alpha"]},
		HopLimit: 1,
	})
	require.NoError(t, err)

	// One hop from alpha: its file and its callee.
	assert.ElementsMatch(t, []string{ids["alpha"], ids["fileA"], ids["beta"]}, cp.EntityIDs)
	assert.Len(t, cp.RelationshipIDs, 2, "only edges between members are kept")
	assert.Equal(t, 1, cp.HopLimit)
}

func TestManager_CreateDefaultHopLimit(t *testing.T) {
	sink, ids := seedGraph(t)
	m := NewManager(sink, testLogger())

	cp, err := m.Create(context.Background(), CreateOptions{
		Name:    "around-fileA",
		SeedIDs: []string{ids["fileA"]},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultHopLimit, cp.HopLimit)

	// Two hops from file a: dir + alpha (1), mod + fileB + beta (2).
	assert.ElementsMatch(t, []string{
		ids["fileA"], ids["dir"], ids["alpha"],
		ids["mod"], ids["fileB"], ids["beta"],
	}, cp.EntityIDs)
	assert.Len(t, cp.RelationshipIDs, 6)
}

func TestManager_CreateRejectsBadSeeds(t *testing.T) {
	sink, _ := seedGraph(t)
	m := NewManager(sink, testLogger())

	_, err := m.Create(context.Background(), CreateOptions{Name: "empty"})
	assert.Error(t, err)

	_, err = m.Create(context.Background(), CreateOptions{
		Name:    "ghost",
		SeedIDs: []string{"file:src/ghost.ts"},
	})
	assert.Error(t, err)
}

func TestManager_CreateHonorsTimeWindow(t *testing.T) {
	sink, ids := seedGraph(t)

	// Age the call edge out of the window.
	cutoff := time.Now().Add(-time.Hour)
	for _, rel := range sink.Relationships() {
		if rel.Type == graph.RelCalls {
			rel.CreatedAt = cutoff.Add(-time.Hour)
		}
	}

	m := NewManager(sink, testLogger())
	cp, err := m.Create(context.Background(), CreateOptions{
		Name:     "recent-only",
		SeedIDs:  []string{ids["alpha"]},
		HopLimit: 1,
		Window:   &TimeWindow{Since: cutoff},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{ids["alpha"], ids["fileA"]}, cp.EntityIDs,
		"the aged-out call edge is not traversable")
}

func TestManager_MembersPaging(t *testing.T) {
	sink, ids := seedGraph(t)
	m := NewManager(sink, testLogger())

	cp, err := m.Create(context.Background(), CreateOptions{
		Name:    "all",
		SeedIDs: []string{ids["fileA"]},
		HopLimit: 3,
	})
	require.NoError(t, err)
	total := len(cp.EntityIDs)
	require.Equal(t, 6, total)

	page1, gotTotal, err := m.Members(cp.ID, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, total, gotTotal)
	assert.Len(t, page1, 4)

	page2, _, err := m.Members(cp.ID, 4, 4)
	require.NoError(t, err)
	assert.Len(t, page2, 2)

	empty, _, err := m.Members(cp.ID, 100, 4)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, _, err = m.Members("ckpt-missing", 0, 10)
	assert.Error(t, err)
}

func TestManager_Summary(t *testing.T) {
	sink, ids := seedGraph(t)
	m := NewManager(sink, testLogger())

	cp, err := m.Create(context.Background(), CreateOptions{
		Name:    "all",
		SeedIDs: []string{ids["fileA"]},
		HopLimit: 3,
	})
	require.NoError(t, err)

	summary, err := m.Summary(cp.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, summary.EntityCount)
	assert.Equal(t, 1, summary.EntitiesByKind[graph.KindModule])
	assert.Equal(t, 1, summary.EntitiesByKind[graph.KindDirectory])
	assert.Equal(t, 2, summary.EntitiesByKind[graph.KindFile])
	assert.Equal(t, 2, summary.EntitiesByKind[graph.KindSymbol])
	assert.Equal(t, 5, summary.RelationshipsByType[graph.RelContains])
	assert.Equal(t, 1, summary.RelationshipsByType[graph.RelCalls])
}

func TestManager_CreateReasonValidated(t *testing.T) {
	sink, ids := seedGraph(t)
	m := NewManager(sink, testLogger())
	ctx := context.Background()

	// Unset reason defaults to manual.
	cp, err := m.Create(ctx, CreateOptions{Name: "plain", SeedIDs: []string{ids["fileA"]}})
	require.NoError(t, err)
	assert.Equal(t, ReasonManual, cp.Reason)

	nightly, err := m.Create(ctx, CreateOptions{
		Name:    "nightly",
		SeedIDs: []string{ids["fileA"]},
		Reason:  ReasonDaily,
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonDaily, nightly.Reason)

	_, err = m.Create(ctx, CreateOptions{
		Name:    "odd",
		SeedIDs: []string{ids["fileA"]},
		Reason:  Reason("whim"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reason")
}

func TestManager_ReasonSurvivesExportImport(t *testing.T) {
	sink, ids := seedGraph(t)
	m := NewManager(sink, testLogger())
	ctx := context.Background()

	cp, err := m.Create(ctx, CreateOptions{
		Name:    "post-incident",
		SeedIDs: []string{ids["fileA"]},
		Reason:  ReasonIncident,
	})
	require.NoError(t, err)

	data, err := m.Export(ctx, cp.ID)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"reason": "incident"`)

	tm := NewManager(writer.NewMemorySink(), testLogger())
	imported, err := tm.Import(ctx, data, ImportOptions{Name: "restored"})
	require.NoError(t, err)
	assert.Equal(t, ReasonIncident, imported.Reason)

	// Documents predating the reason field import as manual.
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	header := doc["checkpoint"].(map[string]any)
	delete(header, "reason")
	legacy, err := json.Marshal(doc)
	require.NoError(t, err)
	fromLegacy, err := tm.Import(ctx, legacy, ImportOptions{Name: "legacy"})
	require.NoError(t, err)
	assert.Equal(t, ReasonManual, fromLegacy.Reason)

	// An unknown reason in the document is rejected.
	header["reason"] = "whim"
	tainted, err := json.Marshal(doc)
	require.NoError(t, err)
	_, err = tm.Import(ctx, tainted, ImportOptions{})
	assert.Error(t, err)
}

func TestManager_ListAndDelete(t *testing.T) {
	sink, ids := seedGraph(t)
	m := NewManager(sink, testLogger())
	ctx := context.Background()

	first, err := m.Create(ctx, CreateOptions{Name: "first", SeedIDs: []string{ids["fileA"]}})
	require.NoError(t, err)
	second, err := m.Create(ctx, CreateOptions{Name: "second", SeedIDs: []string{ids["fileB"]}})
	require.NoError(t, err)
	second.CreatedAt = first.CreatedAt.Add(time.Minute)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].Name, "newest first")

	require.NoError(t, m.Delete(first.ID))
	assert.Len(t, m.List(), 1)
	assert.Error(t, m.Delete(first.ID))
	_, err = m.Get(first.ID)
	assert.Error(t, err)
}

func TestManager_ExportImportRoundTrip(t *testing.T) {
	sink, ids := seedGraph(t)
	m := NewManager(sink, testLogger())
	ctx := context.Background()

	cp, err := m.Create(ctx, CreateOptions{
		Name:    "exported",
		SeedIDs: []string{ids["fileA"]},
		HopLimit: 3,
	})
	require.NoError(t, err)

	data, err := m.Export(ctx, cp.ID)
	require.NoError(t, err)

	// Import into a fresh store with remapped ids.
	target := writer.NewMemorySink()
	tm := NewManager(target, testLogger())
	imported, err := tm.Import(ctx, data, ImportOptions{Name: "restored"})
	require.NoError(t, err)

	assert.Equal(t, "restored", imported.Name)
	assert.Len(t, imported.EntityIDs, len(cp.EntityIDs))
	assert.Len(t, imported.RelationshipIDs, len(cp.RelationshipIDs))
	assert.Equal(t, len(cp.EntityIDs), target.EntityCount())
	for _, id := range imported.EntityIDs {
		assert.Contains(t, id, "@import-")
		_, ok := target.Entity(id)
		assert.True(t, ok)
	}

	summary, err := tm.Summary(imported.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.EntitiesByKind[graph.KindSymbol])
	assert.Equal(t, 1, summary.RelationshipsByType[graph.RelCalls])
}

func TestManager_ImportWithOriginalIDs(t *testing.T) {
	sink, ids := seedGraph(t)
	m := NewManager(sink, testLogger())
	ctx := context.Background()

	cp, err := m.Create(ctx, CreateOptions{
		Name:    "exported",
		SeedIDs: []string{ids["fileA"]},
		HopLimit: 3,
	})
	require.NoError(t, err)
	data, err := m.Export(ctx, cp.ID)
	require.NoError(t, err)

	target := writer.NewMemorySink()
	tm := NewManager(target, testLogger())
	imported, err := tm.Import(ctx, data, ImportOptions{UseOriginalIDs: true})
	require.NoError(t, err)

	assert.ElementsMatch(t, cp.EntityIDs, imported.EntityIDs)
	entity, ok := target.Entity(ids["alpha"])
	require.True(t, ok)
	sym, ok := entity.(*graph.SymbolEntity)
	require.True(t, ok, "concrete type survives the round trip")
	assert.Equal(t, "alpha", sym.Name)
	assert.Equal(t, graph.SymbolFunction, sym.Kind)
}

func TestManager_ImportRejectsMalformed(t *testing.T) {
	tm := NewManager(writer.NewMemorySink(), testLogger())
	ctx := context.Background()

	_, err := tm.Import(ctx, []byte("{not json"), ImportOptions{})
	assert.Error(t, err)

	_, err = tm.Import(ctx, []byte(`{"version": 99, "checkpoint": {"id": "x"}}`), ImportOptions{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "version"))
}

func TestManager_TraverseTimeTravel(t *testing.T) {
	sink, ids := seedGraph(t)
	ctx := context.Background()

	// The call edge appears an hour after the containment edges.
	callTime := time.Now().Add(time.Hour)
	for _, rel := range sink.Relationships() {
		if rel.Type == graph.RelCalls {
			rel.CreatedAt = callTime
		}
	}

	m := NewManager(sink, testLogger())

	// As of now, the call edge does not exist yet.
	before, err := m.Traverse(ctx, TraversalQuery{
		StartID:  ids["alpha"],
		AtTime:   time.Now(),
		MaxDepth: 2,
	})
	require.NoError(t, err)
	for _, rel := range before.Relationships {
		assert.NotEqual(t, graph.RelCalls, rel.Type)
	}

	// As of after the call edge, beta is reachable.
	after, err := m.Traverse(ctx, TraversalQuery{
		StartID:  ids["alpha"],
		AtTime:   callTime.Add(time.Minute),
		MaxDepth: 1,
	})
	require.NoError(t, err)
	found := false
	for _, entity := range after.Entities {
		if entity.EntityID() == ids["beta"] {
			found = true
		}
	}
	assert.True(t, found)
}

func TestManager_TraverseRelTypeFilter(t *testing.T) {
	sink, ids := seedGraph(t)
	m := NewManager(sink, testLogger())

	result, err := m.Traverse(context.Background(), TraversalQuery{
		StartID:  ids["alpha"],
		MaxDepth: 3,
		RelTypes: []graph.RelationType{graph.RelCalls},
	})
	require.NoError(t, err)

	// Only the call edge is traversable, so only alpha and beta appear.
	memberIDs := make([]string, 0, len(result.Entities))
	for _, entity := range result.Entities {
		memberIDs = append(memberIDs, entity.EntityID())
	}
	assert.ElementsMatch(t, []string{ids["alpha"], ids["beta"]}, memberIDs)
	require.Len(t, result.Relationships, 1)
	assert.Equal(t, graph.RelCalls, result.Relationships[0].Type)
}

func TestManager_TraverseRejectsUnknownStart(t *testing.T) {
	sink, _ := seedGraph(t)
	m := NewManager(sink, testLogger())

	_, err := m.Traverse(context.Background(), TraversalQuery{StartID: "file:nope.ts"})
	assert.Error(t, err)
	_, err = m.Traverse(context.Background(), TraversalQuery{})
	assert.Error(t, err)
}
