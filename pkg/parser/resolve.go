// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parser

import (
	"log/slog"
	"strings"

	"github.com/kraklabs/codegraph/pkg/cache"
	"github.com/kraklabs/codegraph/pkg/graph"
)

// Resolution confidence tiers. An explicit same-file or import-chain match
// is near-certain; a unique global name match is plausible; anything else
// stays an external guess.
const (
	confidenceDirect   = 0.9
	confidenceNameOnly = 0.6
	confidenceExternal = 0.4
)

// Resolver concretizes placeholder and external refs against the cache's
// symbol and name indices, within a per-event lookup budget.
type Resolver struct {
	cache   *cache.Cache
	exports *ExportMap
	logger  *slog.Logger
}

// NewResolver creates a resolver over the shared cache and export map.
func NewResolver(c *cache.Cache, exports *ExportMap, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{cache: c, exports: exports, logger: logger}
}

// ResolveFile attempts to concretize every unresolved relationship produced
// by one file parse. Same-file lookups are free; cross-file lookups each
// consume one unit of budget and are skipped for names the budget policy
// judges not worth chasing. Relationships left unresolved keep their
// placeholder refs and low confidence.
func (r *Resolver) ResolveFile(fp *FileParse, budget *ResolutionBudget) {
	imports := importsByName(fp)
	// Memo of names the global index already reported ambiguous, so repeat
	// references in the same file do not spend budget re-learning it.
	ambiguous := make(map[string]int)

	for _, rel := range fp.Relationships {
		if rel.ToRef == nil || rel.ToRef.Kind == graph.RefEntity {
			continue
		}
		switch rel.ToRef.Kind {
		case graph.RefPlaceholder, graph.RefExternal:
			r.resolveName(fp.File.Path, rel, imports, budget, ambiguous)
		case graph.RefFileSymbol:
			r.resolveFileSymbol(rel, budget)
		}
	}
}

// importsByName maps each imported binding to its source specifier.
func importsByName(fp *FileParse) map[string]string {
	out := make(map[string]string)
	for _, imp := range fp.Imports {
		for _, name := range imp.Names {
			out[name] = imp.Specifier
		}
	}
	return out
}

func (r *Resolver) resolveName(filePath string, rel *graph.Relationship, imports map[string]string, budget *ResolutionBudget, ambiguous map[string]int) {
	name := rel.ToRef.Name
	// Qualified names resolve on their final segment.
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}

	// Tier 1: same file. No budget cost.
	if sym, ok := r.cache.SymbolInFile(filePath, name); ok {
		concretize(rel, sym.ID, confidenceDirect)
		return
	}

	if count, known := ambiguous[name]; known {
		rel.ToRef = graph.ExternalRef(name)
		rel.MarkAmbiguous(count)
		return
	}
	if !budget.shouldUse(lookup{name: name, crossFile: true}) {
		return
	}

	// Tier 2: explicit import, following re-export chains.
	if spec, imported := imports[name]; imported && strings.HasPrefix(spec, ".") {
		if !budget.Take() {
			return
		}
		target := resolveRelative(filePath, spec)
		if defFile, ok := r.exports.Resolve(target, name); ok {
			if sym, ok := r.cache.SymbolInFile(defFile, name); ok {
				concretize(rel, sym.ID, confidenceDirect)
				return
			}
		}
		// The import target is known but not yet indexed: narrow the ref to
		// a fileSymbol so a later parse of that file can finish the job.
		rel.ToRef = graph.FileSymbolRef(target, name)
		return
	}

	// Tier 3: global name index.
	if !budget.Take() {
		return
	}
	matches := r.cache.LookupName(name)
	switch len(matches) {
	case 0:
		rel.ToRef = graph.ExternalRef(name)
		rel.Confidence = confidenceExternal
	case 1:
		concretize(rel, matches[0].ID, confidenceNameOnly)
	default:
		// Ambiguous: stays external, confidence reflects the candidate set.
		rel.ToRef = graph.ExternalRef(name)
		rel.MarkAmbiguous(len(matches))
		ambiguous[name] = len(matches)
	}
}

func (r *Resolver) resolveFileSymbol(rel *graph.Relationship, budget *ResolutionBudget) {
	if name := rel.ToRef.Name; name != "" && !budget.shouldUse(lookup{name: name, crossFile: true}) {
		return
	}
	if !budget.Take() {
		return
	}
	file, name := rel.ToRef.File, rel.ToRef.Name
	if name == "" {
		// Import edge targeting a whole file: concretize to the file entity
		// when it is cached.
		for _, candidate := range candidateFiles(file) {
			if _, ok := r.cache.Get(candidate); ok {
				concretize(rel, graph.GenerateFileID(candidate), confidenceDirect)
				return
			}
		}
		return
	}
	for _, candidate := range candidateFiles(file) {
		if sym, ok := r.cache.SymbolInFile(candidate, name); ok {
			concretize(rel, sym.ID, confidenceDirect)
			return
		}
	}
}

// candidateFiles expands an extensionless specifier path into the files it
// may denote.
func candidateFiles(p string) []string {
	base := p[strings.LastIndex(p, "/")+1:]
	if strings.Contains(base, ".") {
		return []string{p}
	}
	return []string{p + ".ts", p + ".tsx", p + ".js", p + ".jsx", p + "/index.ts", p + "/index.js"}
}

// concretize points the edge at a concrete entity with the given confidence
// tier, preserving the relationship's identity.
func concretize(rel *graph.Relationship, entityID string, confidence float64) {
	rel.Concretize(entityID)
	rel.Confidence = confidence
}
