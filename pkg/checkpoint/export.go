// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/codegraph/pkg/graph"
	"github.com/kraklabs/codegraph/pkg/reliability"
)

// exportVersion guards the wire format of exported checkpoints.
const exportVersion = 1

// entityEnvelope tags a serialized entity with its kind so imports can
// rebuild the concrete type.
type entityEnvelope struct {
	Kind graph.EntityKind `json:"kind"`
	Data json.RawMessage  `json:"data"`
}

// exportDocument is the canonical JSON form of a checkpoint. Entities and
// relationships are id-sorted, so equal checkpoints export byte-equal.
type exportDocument struct {
	Version       int                   `json:"version"`
	Checkpoint    *Checkpoint           `json:"checkpoint"`
	Entities      []entityEnvelope      `json:"entities"`
	Relationships []*graph.Relationship `json:"relationships"`
}

// ImportOptions tune an import.
type ImportOptions struct {
	// Name overrides the checkpoint name from the document.
	Name string

	// UseOriginalIDs preserves entity ids from the document. Off by
	// default: imported members get tagged ids so they cannot collide
	// with live graph entities.
	UseOriginalIDs bool
}

// Export serializes a checkpoint and its members as canonical JSON.
func (m *Manager) Export(_ context.Context, id string) ([]byte, error) {
	cp, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	doc := exportDocument{Version: exportVersion, Checkpoint: cp}
	for _, entityID := range cp.EntityIDs {
		entity, ok := m.store.Entity(entityID)
		if !ok {
			continue
		}
		data, err := json.Marshal(entity)
		if err != nil {
			return nil, reliability.Errorf(reliability.KindInvalidInput, false,
				"encode entity %s: %v", entityID, err)
		}
		doc.Entities = append(doc.Entities, entityEnvelope{Kind: entity.EntityKind(), Data: data})
	}

	byID := make(map[string]*graph.Relationship)
	for _, rel := range m.store.Relationships() {
		byID[rel.ID] = rel
	}
	for _, relID := range cp.RelationshipIDs {
		if rel, ok := byID[relID]; ok {
			doc.Relationships = append(doc.Relationships, rel)
		}
	}

	return json.MarshalIndent(doc, "", "  ")
}

// Import writes an exported checkpoint's members into the store and
// registers a new checkpoint over them. Unless the original ids are kept,
// every member id gets an import tag and relationships are rebuilt over
// the remapped endpoints.
func (m *Manager) Import(ctx context.Context, data []byte, opts ImportOptions) (*Checkpoint, error) {
	var doc exportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, reliability.Errorf(reliability.KindInvalidInput, false,
			"malformed checkpoint document: %v", err)
	}
	if doc.Version != exportVersion {
		return nil, reliability.Errorf(reliability.KindInvalidInput, false,
			"unsupported checkpoint version %d", doc.Version)
	}
	if doc.Checkpoint == nil {
		return nil, reliability.Errorf(reliability.KindInvalidInput, false,
			"checkpoint document has no checkpoint header")
	}

	entities := make([]graph.Entity, 0, len(doc.Entities))
	for _, env := range doc.Entities {
		entity, err := decodeEntity(env)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}

	idMap := make(map[string]string, len(entities))
	if opts.UseOriginalIDs {
		for _, entity := range entities {
			idMap[entity.EntityID()] = entity.EntityID()
		}
	} else {
		tag := "import-" + uuid.NewString()[:8]
		remapped := make([]graph.Entity, 0, len(entities))
		for _, entity := range entities {
			newID := entity.EntityID() + "@" + tag
			idMap[entity.EntityID()] = newID
			remapped = append(remapped, withID(entity, newID))
		}
		entities = remapped
	}

	rels := make([]*graph.Relationship, 0, len(doc.Relationships))
	for _, rel := range doc.Relationships {
		from, okFrom := idMap[rel.FromEntityID]
		to, okTo := idMap[rel.ToEntityID]
		if !okFrom || !okTo {
			continue // endpoint outside the snapshot
		}
		if opts.UseOriginalIDs {
			rels = append(rels, rel)
			continue
		}
		rebuilt := graph.NewRelationship(rel.Type, from, graph.EntityRef(to))
		rebuilt.Confidence = rel.Confidence
		rebuilt.Metadata = rel.Metadata
		rels = append(rels, rebuilt)
	}

	if err := m.store.CreateEntitiesBulk(ctx, entities); err != nil {
		return nil, err
	}
	if err := m.store.CreateRelationshipsBulk(ctx, rels); err != nil {
		return nil, err
	}

	entityIDs := make([]string, 0, len(entities))
	for _, entity := range entities {
		entityIDs = append(entityIDs, entity.EntityID())
	}
	relIDs := make([]string, 0, len(rels))
	for _, rel := range rels {
		relIDs = append(relIDs, rel.ID)
	}
	seeds := make([]string, 0, len(doc.Checkpoint.SeedIDs))
	for _, seed := range doc.Checkpoint.SeedIDs {
		if mapped, ok := idMap[seed]; ok {
			seeds = append(seeds, mapped)
		}
	}
	name := doc.Checkpoint.Name
	if opts.Name != "" {
		name = opts.Name
	}
	// Documents from before the reason field default to manual.
	reason := doc.Checkpoint.Reason
	if reason == "" {
		reason = ReasonManual
	}
	if !validReason(reason) {
		return nil, reliability.Errorf(reliability.KindInvalidInput, false,
			"unknown checkpoint reason %q", reason)
	}

	cp := &Checkpoint{
		ID:              checkpointID(),
		Name:            name,
		Description:     doc.Checkpoint.Description,
		Reason:          reason,
		CreatedAt:       time.Now().UTC(),
		SeedIDs:         seeds,
		HopLimit:        doc.Checkpoint.HopLimit,
		Window:          doc.Checkpoint.Window,
		EntityIDs:       entityIDs,
		RelationshipIDs: relIDs,
	}
	m.register(cp)

	m.logger.Info("checkpoint.imported",
		"checkpoint_id", cp.ID,
		"source_id", doc.Checkpoint.ID,
		"entities", len(entityIDs),
		"original_ids", opts.UseOriginalIDs,
	)
	return cp, nil
}

// decodeEntity rebuilds the concrete entity type from its envelope.
func decodeEntity(env entityEnvelope) (graph.Entity, error) {
	var entity graph.Entity
	switch env.Kind {
	case graph.KindFile:
		entity = &graph.FileEntity{}
	case graph.KindDirectory:
		entity = &graph.DirectoryEntity{}
	case graph.KindModule:
		entity = &graph.ModuleEntity{}
	case graph.KindSymbol:
		entity = &graph.SymbolEntity{}
	default:
		return nil, reliability.Errorf(reliability.KindInvalidInput, false,
			"unknown entity kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Data, entity); err != nil {
		return nil, reliability.Errorf(reliability.KindInvalidInput, false,
			"decode %s entity: %v", env.Kind, err)
	}
	return entity, nil
}

// withID clones an entity with a replacement id.
func withID(e graph.Entity, id string) graph.Entity {
	switch t := e.(type) {
	case *graph.FileEntity:
		clone := *t
		clone.ID = id
		return &clone
	case *graph.DirectoryEntity:
		clone := *t
		clone.ID = id
		return &clone
	case *graph.ModuleEntity:
		clone := *t
		clone.ID = id
		return &clone
	case *graph.SymbolEntity:
		clone := *t
		clone.ID = id
		return &clone
	}
	return e
}
