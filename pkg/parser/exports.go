// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parser

import (
	"strings"
	"sync"

	"github.com/kraklabs/codegraph/pkg/graph"
)

// maxReexportDepth bounds re-export chain traversal. Chains deeper than
// this (or cyclic ones) resolve to nothing rather than recursing forever.
const maxReexportDepth = 8

// ExportMap tracks, per file, which names it exports and where re-exports
// forward to. Resolution follows "export { x } from './y'" chains to the
// defining file.
type ExportMap struct {
	mu sync.RWMutex
	// exports[file][name] = origin: "" for a local export, else the
	// normalized path of the file the name is re-exported from.
	exports map[string]map[string]string
	// stars[file] = barrel re-export targets ("export * from"), in
	// declaration order. A file may have several.
	stars map[string][]string
}

// NewExportMap creates an empty export map.
func NewExportMap() *ExportMap {
	return &ExportMap{
		exports: make(map[string]map[string]string),
		stars:   make(map[string][]string),
	}
}

// Update replaces the export table for a file from its latest parse.
func (m *ExportMap) Update(filePath string, exports []ExportSpec) {
	filePath = graph.NormalizePath(filePath)
	table := make(map[string]string, len(exports))
	var stars []string
	for _, e := range exports {
		from := ""
		if e.From != "" {
			from = resolveRelative(filePath, e.From)
		}
		if e.Name == "*" {
			stars = append(stars, from)
			continue
		}
		table[e.Name] = from
	}
	m.mu.Lock()
	m.exports[filePath] = table
	if len(stars) > 0 {
		m.stars[filePath] = stars
	} else {
		delete(m.stars, filePath)
	}
	m.mu.Unlock()
}

// Delete drops a file's export table.
func (m *ExportMap) Delete(filePath string) {
	m.mu.Lock()
	delete(m.exports, graph.NormalizePath(filePath))
	delete(m.stars, graph.NormalizePath(filePath))
	m.mu.Unlock()
}

// Resolve follows re-export chains from filePath until it finds the file
// that locally exports name. Barrel re-exports branch: every "export *"
// target is searched in declaration order. Returns the defining file and
// true, or "" and false when the name is not exported, the chain dead-ends
// in an external module, or the chain exceeds the depth bound.
func (m *ExportMap) Resolve(filePath, name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	visited := make(map[string]struct{})
	return m.resolveLocked(graph.NormalizePath(filePath), name, visited, 0)
}

func (m *ExportMap) resolveLocked(current, name string, visited map[string]struct{}, depth int) (string, bool) {
	if depth >= maxReexportDepth {
		return "", false
	}
	if _, cyc := visited[current]; cyc {
		return "", false
	}
	visited[current] = struct{}{}

	table, ok := m.exports[current]
	if !ok {
		return "", false
	}
	if origin, exported := table[name]; exported {
		if origin == "" {
			return current, true
		}
		return m.resolveLocked(origin, name, visited, depth+1)
	}
	for _, star := range m.stars[current] {
		if def, found := m.resolveLocked(star, name, visited, depth+1); found {
			return def, true
		}
	}
	return "", false
}

// resolveRelative joins a relative specifier against the importing file's
// directory and normalizes, appending ".ts" when the specifier has no
// extension. Non-relative specifiers pass through unchanged.
func resolveRelative(fromFile, specifier string) string {
	if !strings.HasPrefix(specifier, ".") {
		return specifier
	}
	dir := fromFile
	if i := strings.LastIndex(dir, "/"); i >= 0 {
		dir = dir[:i]
	} else {
		dir = ""
	}
	p := graph.NormalizePath(dir + "/" + specifier)
	if !strings.Contains(p[strings.LastIndex(p, "/")+1:], ".") {
		p += ".ts"
	}
	return p
}
