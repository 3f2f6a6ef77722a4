// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package writer batches graph fragments and flushes them to the knowledge
// graph sink in dependency order: entities commit before the relationships
// that reference them.
package writer

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/kraklabs/codegraph/pkg/graph"
	"github.com/kraklabs/codegraph/pkg/reliability"
)

// Embedding is a vector attached to one entity.
type Embedding struct {
	EntityID string
	Vector   []float32
	Model    string
}

// Sink is the downstream knowledge graph store. Implementations must make
// bulk upserts idempotent by entity/relationship id.
type Sink interface {
	CreateEntitiesBulk(ctx context.Context, entities []graph.Entity) error
	CreateRelationshipsBulk(ctx context.Context, rels []*graph.Relationship) error
	CreateEmbeddingsBatch(ctx context.Context, embeddings []Embedding) error
	DeleteEntitiesBulk(ctx context.Context, ids []string) error
	DeleteRelationshipsBulk(ctx context.Context, ids []string) error
}

// MemorySink is an in-memory Sink used by tests and local runs. It records
// write order so callers can assert dependency ordering.
type MemorySink struct {
	mu            sync.Mutex
	closed        bool
	entities      map[string]graph.Entity
	relationships map[string]*graph.Relationship
	embeddings    map[string]Embedding

	// writeLog records one token per bulk call: "entities", "relationships",
	// "embeddings", "deletes" or "rel_deletes".
	writeLog []string

	// FailNext makes the next matching bulk call fail, for retry tests.
	FailNext map[string]error
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		entities:      make(map[string]graph.Entity),
		relationships: make(map[string]*graph.Relationship),
		embeddings:    make(map[string]Embedding),
		FailNext:      make(map[string]error),
	}
}

func (s *MemorySink) failIfArmed(op string) error {
	if err, ok := s.FailNext[op]; ok {
		delete(s.FailNext, op)
		return err
	}
	return nil
}

func (s *MemorySink) CreateEntitiesBulk(_ context.Context, entities []graph.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reliability.Errorf(reliability.KindBatchProcessing, false, "sink closed")
	}
	if err := s.failIfArmed("entities"); err != nil {
		return err
	}
	for _, e := range entities {
		s.entities[e.EntityID()] = e
	}
	s.writeLog = append(s.writeLog, "entities")
	return nil
}

func (s *MemorySink) CreateRelationshipsBulk(_ context.Context, rels []*graph.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reliability.Errorf(reliability.KindBatchProcessing, false, "sink closed")
	}
	if err := s.failIfArmed("relationships"); err != nil {
		return err
	}
	for _, r := range rels {
		s.relationships[r.ID] = r
	}
	s.writeLog = append(s.writeLog, "relationships")
	return nil
}

func (s *MemorySink) CreateEmbeddingsBatch(_ context.Context, embeddings []Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reliability.Errorf(reliability.KindBatchProcessing, false, "sink closed")
	}
	if err := s.failIfArmed("embeddings"); err != nil {
		return err
	}
	for _, e := range embeddings {
		s.embeddings[e.EntityID] = e
	}
	s.writeLog = append(s.writeLog, "embeddings")
	return nil
}

func (s *MemorySink) DeleteEntitiesBulk(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reliability.Errorf(reliability.KindBatchProcessing, false, "sink closed")
	}
	if err := s.failIfArmed("deletes"); err != nil {
		return err
	}
	for _, id := range ids {
		delete(s.entities, id)
		// Cascade: relationships touching a deleted entity go with it.
		for rid, r := range s.relationships {
			if r.FromEntityID == id || r.ToEntityID == id {
				delete(s.relationships, rid)
			}
		}
		delete(s.embeddings, id)
	}
	s.writeLog = append(s.writeLog, "deletes")
	return nil
}

func (s *MemorySink) DeleteRelationshipsBulk(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reliability.Errorf(reliability.KindBatchProcessing, false, "sink closed")
	}
	if err := s.failIfArmed("rel_deletes"); err != nil {
		return err
	}
	for _, id := range ids {
		delete(s.relationships, id)
	}
	s.writeLog = append(s.writeLog, "rel_deletes")
	return nil
}

// Close marks the sink closed. Subsequent writes fail.
func (s *MemorySink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Entity returns the stored entity with the given id, if present.
func (s *MemorySink) Entity(id string) (graph.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	return e, ok
}

// Relationship returns the stored relationship with the given id, if present.
func (s *MemorySink) Relationship(id string) (*graph.Relationship, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relationships[id]
	return r, ok
}

// Relationships returns all stored relationships, id-sorted for determinism.
func (s *MemorySink) Relationships() []*graph.Relationship {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*graph.Relationship, 0, len(s.relationships))
	for _, r := range s.relationships {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EntityCount returns the number of stored entities.
func (s *MemorySink) EntityCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// RelationshipCount returns the number of stored relationships.
func (s *MemorySink) RelationshipCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.relationships)
}

// WriteLog returns the bulk-call order observed so far.
func (s *MemorySink) WriteLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writeLog))
	copy(out, s.writeLog)
	return out
}

// WriteLogString joins the write log for compact assertions.
func (s *MemorySink) WriteLogString() string {
	return strings.Join(s.WriteLog(), ",")
}

var _ Sink = (*MemorySink)(nil)
