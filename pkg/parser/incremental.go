// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parser

import (
	"context"
	"time"

	"log/slog"

	"github.com/kraklabs/codegraph/pkg/cache"
	"github.com/kraklabs/codegraph/pkg/graph"
	"github.com/kraklabs/codegraph/pkg/reliability"
)

// Delta is the incremental outcome of applying one change event: the graph
// fragments to upsert and the entity ids to delete.
type Delta struct {
	File                   *graph.FileEntity
	UpsertEntities         []graph.Entity
	UpsertRelationships    []*graph.Relationship
	DeleteEntityIDs        []string
	RemovedRelationshipIDs []string

	// Skipped is set when the content hash matched the cache and no parse
	// was needed.
	Skipped bool

	SymbolsAdded   int
	SymbolsRemoved int
	SymbolsKept    int
	BudgetSpent    int
}

// Incremental wraps the parser with the cache-aware diffing that turns full
// parses into minimal deltas.
type Incremental struct {
	parser  *Parser
	cache   *cache.Cache
	exports *ExportMap
	resolve *Resolver
	logger  *slog.Logger
}

// NewIncremental wires the incremental parser over shared state.
func NewIncremental(p *Parser, c *cache.Cache, exports *ExportMap, logger *slog.Logger) *Incremental {
	if logger == nil {
		logger = slog.Default()
	}
	return &Incremental{
		parser:  p,
		cache:   c,
		exports: exports,
		resolve: NewResolver(c, exports, logger),
		logger:  logger,
	}
}

// ProcessChange applies one change event and returns the delta. The per-file
// lock serializes concurrent events for the same path; events for different
// paths proceed in parallel.
func (inc *Incremental) ProcessChange(ctx context.Context, event *graph.ChangeEvent, content []byte, budget *ResolutionBudget) (*Delta, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if budget == nil {
		budget = NewResolutionBudget(0)
	}

	unlock := inc.cache.LockFile(event.FilePath)
	defer unlock()

	switch event.EventType {
	case graph.EventDeleted:
		return inc.processDelete(event), nil
	case graph.EventCreated, graph.EventModified:
		return inc.processUpsert(ctx, event, content, budget)
	default:
		return nil, reliability.Errorf(reliability.KindInvalidInput, false,
			"unknown change type %q", event.EventType)
	}
}

func (inc *Incremental) processDelete(event *graph.ChangeEvent) *Delta {
	path := graph.NormalizePath(event.FilePath)
	delta := &Delta{}

	entry, ok := inc.cache.Delete(path)
	if ok {
		for _, sym := range entry.Symbols {
			delta.DeleteEntityIDs = append(delta.DeleteEntityIDs, sym.ID)
			delta.SymbolsRemoved++
		}
	}
	delta.DeleteEntityIDs = append(delta.DeleteEntityIDs, graph.GenerateFileID(path))
	inc.exports.Delete(path)

	inc.logger.Info("ingestion.file.deleted",
		"path", path,
		"symbols_removed", delta.SymbolsRemoved,
	)
	return delta
}

func (inc *Incremental) processUpsert(ctx context.Context, event *graph.ChangeEvent, content []byte, budget *ResolutionBudget) (*Delta, error) {
	path := graph.NormalizePath(event.FilePath)

	// O(1) skip: unchanged content needs no parse.
	hash := graph.ShortHash(string(content))
	if inc.cache.HashMatches(path, hash) {
		inc.logger.Debug("ingestion.file.unchanged", "path", path)
		return &Delta{Skipped: true}, nil
	}

	started := time.Now()
	fp, err := inc.parser.Parse(ctx, path, content)
	if err != nil {
		return nil, err
	}

	// Big or symbol-dense files earn extra resolution headroom.
	budget.ScaleFor(len(content), len(fp.Symbols))

	// Update cache and export map before resolving so same-file lookups see
	// the fresh symbols.
	entry := &cache.FileEntry{
		Path:          path,
		Hash:          hash,
		Symbols:       make(map[string]*graph.SymbolEntity, len(fp.Symbols)),
		Relationships: fp.Relationships,
		LastParsed:    time.Now(),
	}
	for _, sym := range fp.Symbols {
		entry.Symbols[sym.Name] = sym
	}

	old, hadOld := inc.cache.Get(path)
	var oldSymbols map[string]*graph.SymbolEntity
	if hadOld {
		oldSymbols = old.Symbols
	}

	inc.cache.Put(entry)
	inc.exports.Update(path, fp.Exports)

	inc.resolve.ResolveFile(fp, budget)

	delta := &Delta{File: fp.File, BudgetSpent: budget.Spent()}
	delta.UpsertEntities = append(delta.UpsertEntities, fp.File)

	// Diff against the previous parse: a symbol id encodes name and
	// signature, so changed signatures show up as remove+add pairs.
	newIDs := make(map[string]struct{}, len(fp.Symbols))
	for _, sym := range fp.Symbols {
		newIDs[sym.ID] = struct{}{}
		if oldSym, existed := oldSymbols[sym.Name]; existed && oldSym.ID == sym.ID {
			delta.SymbolsKept++
		} else {
			delta.SymbolsAdded++
		}
		// Upsert everything: identical ids are idempotent downstream, and
		// body-only changes still refresh line ranges and call sites.
		delta.UpsertEntities = append(delta.UpsertEntities, sym)
	}
	for _, oldSym := range oldSymbols {
		if _, still := newIDs[oldSym.ID]; !still {
			delta.DeleteEntityIDs = append(delta.DeleteEntityIDs, oldSym.ID)
			delta.SymbolsRemoved++
		}
	}

	delta.UpsertRelationships = fp.Relationships

	// Diff relationships the same way: the id hashes the canonical key, so
	// an edge dropped from the new parse (a removed call, a detached
	// implements clause) surfaces as a removal.
	if hadOld {
		stillPresent := make(map[string]struct{}, len(fp.Relationships))
		for _, rel := range fp.Relationships {
			stillPresent[rel.ID] = struct{}{}
		}
		for _, rel := range old.Relationships {
			if _, still := stillPresent[rel.ID]; !still {
				delta.RemovedRelationshipIDs = append(delta.RemovedRelationshipIDs, rel.ID)
			}
		}
	}

	inc.logger.Info("ingestion.parse.complete",
		"path", path,
		"change", string(event.EventType),
		"symbols_added", delta.SymbolsAdded,
		"symbols_removed", delta.SymbolsRemoved,
		"symbols_kept", delta.SymbolsKept,
		"relationships", len(delta.UpsertRelationships),
		"relationships_removed", len(delta.RemovedRelationshipIDs),
		"budget_spent", delta.BudgetSpent,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return delta, nil
}
