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

// Package graph defines the typed code graph: entities (files, directories,
// modules, symbols), directed relationships between them, and the change
// events that drive ingestion.
//
// All IDs are deterministic and stable across re-runs for idempotency:
//   - file:{relPath}
//   - dir:{relPath}
//   - mod:{name}
//   - sym:{relPath}#{name}@{shorthash(signature)}
//   - rel:{shorthash(canonicalKey)}
//
// Relationship identity is defined over (fromID, type, targetKey) rather than
// the concrete target id, so an edge whose target is later concretized from a
// placeholder to a real symbol keeps the same identity across parses.
package graph

// EntityKind discriminates the entity variants.
type EntityKind string

const (
	KindFile      EntityKind = "file"
	KindDirectory EntityKind = "directory"
	KindModule    EntityKind = "module"
	KindSymbol    EntityKind = "symbol"
)

// SymbolKind classifies symbol declarations.
type SymbolKind string

const (
	SymbolFunction  SymbolKind = "function"
	SymbolMethod    SymbolKind = "method"
	SymbolClass     SymbolKind = "class"
	SymbolInterface SymbolKind = "interface"
	SymbolTypeAlias SymbolKind = "typeAlias"
	SymbolProperty  SymbolKind = "property"
	SymbolVariable  SymbolKind = "variable"
)

// Visibility is the declared access level of a symbol.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityPrivate   Visibility = "private"
	VisibilityProtected Visibility = "protected"
)

// RelationType enumerates the directed edge types in the graph.
type RelationType string

const (
	RelContains    RelationType = "CONTAINS"
	RelExtends     RelationType = "EXTENDS"
	RelImplements  RelationType = "IMPLEMENTS"
	RelReferences  RelationType = "REFERENCES"
	RelDependsOn   RelationType = "DEPENDS_ON"
	RelParamType   RelationType = "PARAM_TYPE"
	RelReturnsType RelationType = "RETURNS_TYPE"
	RelCalls       RelationType = "CALLS"
	RelImports     RelationType = "IMPORTS"
)

// Entity is implemented by all graph entity variants.
type Entity interface {
	// EntityID returns the deterministic, stable entity id.
	EntityID() string

	// EntityKind returns the variant discriminator.
	EntityKind() EntityKind

	// ContentHash returns a hash that depends only on the variant's content,
	// used for change detection.
	ContentHash() string
}
