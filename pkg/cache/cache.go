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

// Package cache holds the in-memory parse state between change events: the
// per-file entry cache, the global symbol index and the name index used for
// cross-file reference resolution.
package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kraklabs/codegraph/pkg/graph"
)

// lockStripes is the number of per-file lock shards. Writes to different
// files proceed concurrently; writes to one file serialize.
const lockStripes = 64

// FileEntry is the cached parse result for one file.
type FileEntry struct {
	Path          string
	Hash          string
	Symbols       map[string]*graph.SymbolEntity // keyed by symbol name
	Relationships []*graph.Relationship
	LastParsed    time.Time
}

// SymbolCount returns the number of cached symbols in the entry.
func (e *FileEntry) SymbolCount() int { return len(e.Symbols) }

// Cache is the combined file cache, symbol index and name index.
type Cache struct {
	stripes [lockStripes]sync.Mutex

	mu    sync.RWMutex
	files map[string]*FileEntry

	// symbols indexes every cached symbol by its entity id.
	symbols map[string]*graph.SymbolEntity

	// names maps a bare symbol name to the ids of all symbols carrying it,
	// across files. Resolution consults this for unqualified references.
	names map[string]map[string]struct{}
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		files:   make(map[string]*FileEntry),
		symbols: make(map[string]*graph.SymbolEntity),
		names:   make(map[string]map[string]struct{}),
	}
}

// stripeFor returns the lock shard for a file path.
func (c *Cache) stripeFor(path string) *sync.Mutex {
	return &c.stripes[xxhash.Sum64String(path)%lockStripes]
}

// LockFile acquires the per-file write lock for path and returns the unlock
// function. Parsing and cache update for one file run under this lock so two
// events for the same file cannot interleave.
func (c *Cache) LockFile(path string) func() {
	m := c.stripeFor(graph.NormalizePath(path))
	m.Lock()
	return m.Unlock
}

// Get returns the cached entry for path, if present.
func (c *Cache) Get(path string) (*FileEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.files[graph.NormalizePath(path)]
	return e, ok
}

// HashMatches reports whether the cached hash for path equals hash. A match
// means the file content is unchanged and the event can be skipped without
// parsing.
func (c *Cache) HashMatches(path, hash string) bool {
	e, ok := c.Get(path)
	return ok && e.Hash == hash
}

// Put replaces the entry for a file and reindexes its symbols. The previous
// entry's symbols are removed from the indices first so renames and
// deletions inside the file do not leave ghosts.
func (c *Cache) Put(entry *FileEntry) {
	path := graph.NormalizePath(entry.Path)
	entry.Path = path
	if entry.LastParsed.IsZero() {
		entry.LastParsed = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.files[path]; ok {
		c.unindexLocked(old)
	}
	c.files[path] = entry
	for _, sym := range entry.Symbols {
		c.indexLocked(sym)
	}
}

// Delete removes a file's entry and all its symbols from the indices,
// returning the removed entry for downstream deletion fan-out.
func (c *Cache) Delete(path string) (*FileEntry, bool) {
	path = graph.NormalizePath(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.files[path]
	if !ok {
		return nil, false
	}
	c.unindexLocked(old)
	delete(c.files, path)
	return old, true
}

func (c *Cache) indexLocked(sym *graph.SymbolEntity) {
	c.symbols[sym.ID] = sym
	ids, ok := c.names[sym.Name]
	if !ok {
		ids = make(map[string]struct{})
		c.names[sym.Name] = ids
	}
	ids[sym.ID] = struct{}{}
}

func (c *Cache) unindexLocked(entry *FileEntry) {
	for _, sym := range entry.Symbols {
		delete(c.symbols, sym.ID)
		if ids, ok := c.names[sym.Name]; ok {
			delete(ids, sym.ID)
			if len(ids) == 0 {
				delete(c.names, sym.Name)
			}
		}
	}
}

// Symbol returns the indexed symbol with the given entity id.
func (c *Cache) Symbol(id string) (*graph.SymbolEntity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.symbols[id]
	return s, ok
}

// SymbolInFile returns the symbol with the given name in the given file.
func (c *Cache) SymbolInFile(path, name string) (*graph.SymbolEntity, bool) {
	e, ok := c.Get(path)
	if !ok {
		return nil, false
	}
	s, ok := e.Symbols[name]
	return s, ok
}

// LookupName returns all indexed symbols with the given bare name. Zero
// matches means the name is external; more than one means it is ambiguous.
func (c *Cache) LookupName(name string) []*graph.SymbolEntity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids, ok := c.names[name]
	if !ok {
		return nil
	}
	out := make([]*graph.SymbolEntity, 0, len(ids))
	for id := range ids {
		if s, ok := c.symbols[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Stats summarizes cache occupancy.
type Stats struct {
	Files   int
	Symbols int
	Names   int
}

// Stats returns current occupancy counts.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Files: len(c.files), Symbols: len(c.symbols), Names: len(c.names)}
}

// Paths returns all cached file paths. Order is unspecified.
func (c *Cache) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.files))
	for p := range c.files {
		out = append(out, p)
	}
	return out
}
