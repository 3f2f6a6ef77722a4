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

// Package checkpoint snapshots subgraphs of the code graph: a checkpoint is
// the set of entities reachable from seed ids within a hop limit and an
// optional time window, frozen at creation time. Checkpoints can be listed,
// paged through, summarized, exported as canonical JSON and imported back.
package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/kraklabs/codegraph/pkg/graph"
	"github.com/kraklabs/codegraph/pkg/reliability"
)

// DefaultHopLimit bounds the BFS from the seed set when the caller does not
// specify one.
const DefaultHopLimit = 2

// Store is the graph surface the manager reads from and imports into.
// The in-memory sink satisfies it; a remote store adapter would too.
type Store interface {
	Entity(id string) (graph.Entity, bool)
	Relationships() []*graph.Relationship
	CreateEntitiesBulk(ctx context.Context, entities []graph.Entity) error
	CreateRelationshipsBulk(ctx context.Context, rels []*graph.Relationship) error
}

// TimeWindow restricts a snapshot or traversal to relationships created
// inside [Since, Until]. Zero bounds are open.
type TimeWindow struct {
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`
}

// contains reports whether t falls inside the window.
func (w *TimeWindow) contains(t time.Time) bool {
	if w == nil {
		return true
	}
	if !w.Since.IsZero() && t.Before(w.Since) {
		return false
	}
	if !w.Until.IsZero() && t.After(w.Until) {
		return false
	}
	return true
}

// Reason records why a checkpoint was taken.
type Reason string

const (
	ReasonDaily    Reason = "daily"
	ReasonIncident Reason = "incident"
	ReasonManual   Reason = "manual"
)

// validReason reports whether r is a known checkpoint reason.
func validReason(r Reason) bool {
	switch r {
	case ReasonDaily, ReasonIncident, ReasonManual:
		return true
	}
	return false
}

// Checkpoint is one frozen subgraph snapshot.
type Checkpoint struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Reason      Reason      `json:"reason"`
	CreatedAt   time.Time   `json:"createdAt"`
	SeedIDs     []string    `json:"seedIds"`
	HopLimit    int         `json:"hopLimit"`
	Window      *TimeWindow `json:"window,omitempty"`

	// Members, id-sorted at creation.
	EntityIDs       []string `json:"entityIds"`
	RelationshipIDs []string `json:"relationshipIds"`
}

// Summary is the by-type breakdown of a checkpoint's members.
type Summary struct {
	CheckpointID      string                       `json:"checkpointId"`
	EntityCount       int                          `json:"entityCount"`
	RelationshipCount int                          `json:"relationshipCount"`
	EntitiesByKind    map[graph.EntityKind]int     `json:"entitiesByKind"`
	RelationshipsByType map[graph.RelationType]int `json:"relationshipsByType"`
}

// CreateOptions parameterize a snapshot.
type CreateOptions struct {
	Name        string
	Description string
	Reason      Reason // empty means ReasonManual
	SeedIDs     []string
	HopLimit    int // 0 means DefaultHopLimit
	Window      *TimeWindow
}

// Manager creates and serves checkpoints over a Store.
type Manager struct {
	store  Store
	logger *slog.Logger

	mu          sync.Mutex
	checkpoints map[string]*Checkpoint
}

// NewManager builds a manager over the store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       store,
		logger:      logger,
		checkpoints: make(map[string]*Checkpoint),
	}
}

// Create snapshots the subgraph reachable from the seeds. Seeds that do not
// exist in the store are an error; an empty seed set is too.
func (m *Manager) Create(_ context.Context, opts CreateOptions) (*Checkpoint, error) {
	if len(opts.SeedIDs) == 0 {
		return nil, reliability.Errorf(reliability.KindInvalidInput, false,
			"checkpoint needs at least one seed entity")
	}
	for _, id := range opts.SeedIDs {
		if _, ok := m.store.Entity(id); !ok {
			return nil, reliability.Errorf(reliability.KindInvalidInput, false,
				"seed entity %q not found", id)
		}
	}
	reason := opts.Reason
	if reason == "" {
		reason = ReasonManual
	}
	if !validReason(reason) {
		return nil, reliability.Errorf(reliability.KindInvalidInput, false,
			"unknown checkpoint reason %q", reason)
	}
	hopLimit := opts.HopLimit
	if hopLimit <= 0 {
		hopLimit = DefaultHopLimit
	}

	members, relIDs := m.collect(opts.SeedIDs, hopLimit, opts.Window, nil)

	cp := &Checkpoint{
		ID:              checkpointID(),
		Name:            opts.Name,
		Description:     opts.Description,
		Reason:          reason,
		CreatedAt:       time.Now().UTC(),
		SeedIDs:         append([]string(nil), opts.SeedIDs...),
		HopLimit:        hopLimit,
		Window:          opts.Window,
		EntityIDs:       members,
		RelationshipIDs: relIDs,
	}

	m.mu.Lock()
	m.checkpoints[cp.ID] = cp
	m.mu.Unlock()

	m.logger.Info("checkpoint.created",
		"checkpoint_id", cp.ID,
		"name", cp.Name,
		"reason", string(cp.Reason),
		"entities", len(cp.EntityIDs),
		"relationships", len(cp.RelationshipIDs),
	)
	return cp, nil
}

// collect runs the bounded BFS and returns id-sorted members plus the ids
// of relationships whose both endpoints are members. Traversal follows
// edges in both directions; containment makes most interesting paths
// downward-only otherwise.
func (m *Manager) collect(seeds []string, hopLimit int, window *TimeWindow, relTypes map[graph.RelationType]struct{}) ([]string, []string) {
	adjacency := make(map[string][]*graph.Relationship)
	for _, rel := range m.store.Relationships() {
		if rel.ToEntityID == "" {
			continue // unresolved refs have no second endpoint
		}
		if !window.contains(rel.CreatedAt) {
			continue
		}
		if relTypes != nil {
			if _, ok := relTypes[rel.Type]; !ok {
				continue
			}
		}
		adjacency[rel.FromEntityID] = append(adjacency[rel.FromEntityID], rel)
		adjacency[rel.ToEntityID] = append(adjacency[rel.ToEntityID], rel)
	}

	visited := make(map[string]int)
	frontier := make([]string, 0, len(seeds))
	for _, id := range seeds {
		if _, ok := m.store.Entity(id); ok {
			visited[id] = 0
			frontier = append(frontier, id)
		}
	}

	for hop := 1; hop <= hopLimit && len(frontier) > 0; hop++ {
		next := frontier[:0:0]
		for _, id := range frontier {
			for _, rel := range adjacency[id] {
				other := rel.ToEntityID
				if other == id {
					other = rel.FromEntityID
				}
				if _, seen := visited[other]; seen {
					continue
				}
				if _, ok := m.store.Entity(other); !ok {
					continue
				}
				visited[other] = hop
				next = append(next, other)
			}
		}
		frontier = next
	}

	members := make([]string, 0, len(visited))
	for id := range visited {
		members = append(members, id)
	}
	sort.Strings(members)

	relIDs := make([]string, 0)
	seenRels := make(map[string]struct{})
	for _, rel := range m.store.Relationships() {
		if rel.ToEntityID == "" || !window.contains(rel.CreatedAt) {
			continue
		}
		if relTypes != nil {
			if _, ok := relTypes[rel.Type]; !ok {
				continue
			}
		}
		if _, ok := visited[rel.FromEntityID]; !ok {
			continue
		}
		if _, ok := visited[rel.ToEntityID]; !ok {
			continue
		}
		if _, dup := seenRels[rel.ID]; dup {
			continue
		}
		seenRels[rel.ID] = struct{}{}
		relIDs = append(relIDs, rel.ID)
	}
	sort.Strings(relIDs)
	return members, relIDs
}

// List returns all checkpoints, newest first.
func (m *Manager) List() []*Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Checkpoint, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Get returns one checkpoint by id.
func (m *Manager) Get(id string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, reliability.Errorf(reliability.KindInvalidInput, false,
			"checkpoint %q not found", id)
	}
	return cp, nil
}

// Members returns one page of the checkpoint's entities plus the total
// member count. Entities deleted from the store since creation are skipped.
func (m *Manager) Members(id string, offset, limit int) ([]graph.Entity, int, error) {
	cp, err := m.Get(id)
	if err != nil {
		return nil, 0, err
	}
	total := len(cp.EntityIDs)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return nil, total, nil
	}
	if limit <= 0 {
		limit = 100
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]graph.Entity, 0, end-offset)
	for _, entityID := range cp.EntityIDs[offset:end] {
		if entity, ok := m.store.Entity(entityID); ok {
			page = append(page, entity)
		}
	}
	return page, total, nil
}

// Summary returns member counts broken down by entity kind and
// relationship type.
func (m *Manager) Summary(id string) (*Summary, error) {
	cp, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	summary := &Summary{
		CheckpointID:        cp.ID,
		EntityCount:         len(cp.EntityIDs),
		RelationshipCount:   len(cp.RelationshipIDs),
		EntitiesByKind:      make(map[graph.EntityKind]int),
		RelationshipsByType: make(map[graph.RelationType]int),
	}
	for _, entityID := range cp.EntityIDs {
		if entity, ok := m.store.Entity(entityID); ok {
			summary.EntitiesByKind[entity.EntityKind()]++
		}
	}
	byID := make(map[string]*graph.Relationship)
	for _, rel := range m.store.Relationships() {
		byID[rel.ID] = rel
	}
	for _, relID := range cp.RelationshipIDs {
		if rel, ok := byID[relID]; ok {
			summary.RelationshipsByType[rel.Type]++
		}
	}
	return summary, nil
}

// Delete removes a checkpoint. The underlying graph is untouched.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkpoints[id]; !ok {
		return reliability.Errorf(reliability.KindInvalidInput, false,
			"checkpoint %q not found", id)
	}
	delete(m.checkpoints, id)
	m.logger.Info("checkpoint.deleted", "checkpoint_id", id)
	return nil
}

// TraversalQuery is a time-travel walk from one start entity.
type TraversalQuery struct {
	StartID  string
	Since    time.Time
	Until    time.Time
	AtTime   time.Time // exclusive with Since/Until; means "as of"
	MaxDepth int       // 0 means DefaultHopLimit
	RelTypes []graph.RelationType
}

// TraversalResult is the reachable subgraph for a query.
type TraversalResult struct {
	Entities      []graph.Entity
	Relationships []*graph.Relationship
}

// Traverse walks the graph as it existed in the query's time frame.
func (m *Manager) Traverse(_ context.Context, q TraversalQuery) (*TraversalResult, error) {
	if q.StartID == "" {
		return nil, reliability.Errorf(reliability.KindInvalidInput, false,
			"traversal needs a start entity")
	}
	if _, ok := m.store.Entity(q.StartID); !ok {
		return nil, reliability.Errorf(reliability.KindInvalidInput, false,
			"start entity %q not found", q.StartID)
	}

	window := &TimeWindow{Since: q.Since, Until: q.Until}
	if !q.AtTime.IsZero() {
		window = &TimeWindow{Until: q.AtTime}
	}
	maxDepth := q.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultHopLimit
	}
	var relTypes map[graph.RelationType]struct{}
	if len(q.RelTypes) > 0 {
		relTypes = make(map[graph.RelationType]struct{}, len(q.RelTypes))
		for _, t := range q.RelTypes {
			relTypes[t] = struct{}{}
		}
	}

	memberIDs, relIDs := m.collect([]string{q.StartID}, maxDepth, window, relTypes)

	result := &TraversalResult{}
	for _, id := range memberIDs {
		if entity, ok := m.store.Entity(id); ok {
			result.Entities = append(result.Entities, entity)
		}
	}
	byID := make(map[string]*graph.Relationship)
	for _, rel := range m.store.Relationships() {
		byID[rel.ID] = rel
	}
	for _, relID := range relIDs {
		if rel, ok := byID[relID]; ok {
			result.Relationships = append(result.Relationships, rel)
		}
	}
	return result, nil
}

// register adds an imported checkpoint to the registry.
func (m *Manager) register(cp *Checkpoint) {
	m.mu.Lock()
	m.checkpoints[cp.ID] = cp
	m.mu.Unlock()
}

func checkpointID() string {
	return "ckpt-" + uuid.NewString()
}
