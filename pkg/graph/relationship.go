// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import (
	"fmt"
	"strings"
	"time"
)

// RefKind discriminates the lazy resolution target variants of a
// relationship.
type RefKind string

const (
	// RefEntity is an already-concretized target: the edge points at an
	// extant entity id.
	RefEntity RefKind = "entity"

	// RefFileSymbol is resolved to a file but the symbol is not yet indexed.
	RefFileSymbol RefKind = "fileSymbol"

	// RefExternal is an unresolved ambient or library reference.
	RefExternal RefKind = "external"

	// RefPlaceholder is an unresolved binding with a known category.
	RefPlaceholder RefKind = "placeholder"
)

// Ref is a tagged-variant lazy resolution target. Exactly the fields for the
// active Kind are set.
type Ref struct {
	Kind RefKind `json:"kind"`

	// entity
	ID string `json:"id,omitempty"`

	// fileSymbol
	File string `json:"file,omitempty"`

	// fileSymbol, external, placeholder
	Name string `json:"name,omitempty"`

	// placeholder: one of class, interface, function, typeAlias
	Category SymbolKind `json:"category,omitempty"`
}

// EntityRef returns a concretized ref.
func EntityRef(id string) *Ref { return &Ref{Kind: RefEntity, ID: id} }

// FileSymbolRef returns a ref resolved to a file whose symbol is not yet
// indexed.
func FileSymbolRef(file, name string) *Ref {
	return &Ref{Kind: RefFileSymbol, File: NormalizePath(file), Name: name}
}

// ExternalRef returns an unresolved ambient/library ref.
func ExternalRef(name string) *Ref { return &Ref{Kind: RefExternal, Name: name} }

// PlaceholderRef returns an unresolved ref with a known category.
func PlaceholderRef(category SymbolKind, name string) *Ref {
	return &Ref{Kind: RefPlaceholder, Category: category, Name: name}
}

// TargetKey derives the deterministic, target-agnostic key fragment for the
// relationship canonical key. Stable prefixes keep keys comparable as text.
func (r *Ref) TargetKey() string {
	switch r.Kind {
	case RefEntity:
		if strings.HasPrefix(r.ID, "sym:") {
			return "SYM:" + r.ID
		}
		return "ENT:" + r.ID
	case RefFileSymbol:
		return "FS:" + r.File + ":" + r.Name
	case RefExternal:
		return "EXT:" + r.Name
	case RefPlaceholder:
		return "PLH:" + string(r.Category) + ":" + r.Name
	default:
		return "RAW:" + r.ID
	}
}

// Relationship is a directed, typed edge between two entities. ToRef carries
// the lazy resolution target; when it is nil the raw ToEntityID string is the
// target.
type Relationship struct {
	ID             string       `json:"id"`
	Type           RelationType `json:"type"`
	FromEntityID   string       `json:"fromEntityId"`
	ToEntityID     string       `json:"toEntityId,omitempty"`
	ToRef          *Ref         `json:"toRef,omitempty"`
	Confidence     float64      `json:"confidence,omitempty"` // [0,1], for unresolved refs
	Version        int          `json:"version"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastModifiedAt time.Time    `json:"lastModifiedAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CanonicalKey returns the stable key "fromID|type|targetKey" identifying
// this relationship across parses. The target key derives from ToRef when
// present, falling back to the raw target id.
func (r *Relationship) CanonicalKey() string {
	var target string
	if r.ToRef != nil {
		target = r.ToRef.TargetKey()
	} else if r.ToEntityID != "" {
		if strings.HasPrefix(r.ToEntityID, "sym:") {
			target = "SYM:" + r.ToEntityID
		} else {
			target = "ENT:" + r.ToEntityID
		}
	} else {
		target = "RAW:"
	}
	return r.FromEntityID + "|" + string(r.Type) + "|" + target
}

// NewRelationship builds a relationship with its deterministic id
// "rel:{shorthash(canonicalKey)}" and timestamps set to now.
func NewRelationship(relType RelationType, fromID string, toRef *Ref) *Relationship {
	now := time.Now().UTC()
	r := &Relationship{
		Type:           relType,
		FromEntityID:   fromID,
		ToRef:          toRef,
		Version:        1,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	if toRef != nil && toRef.Kind == RefEntity {
		r.ToEntityID = toRef.ID
		r.Confidence = 1.0
	}
	r.ID = "rel:" + ShortHash(r.CanonicalKey())
	return r
}

// Concretize resolves the edge to a concrete entity id, preserving identity:
// the canonical key (and therefore the id) is computed from the original ref,
// not the concrete target.
func (r *Relationship) Concretize(entityID string) {
	r.ToEntityID = entityID
	r.Confidence = 1.0
	r.LastModifiedAt = time.Now().UTC()
	r.Version++
}

// IsResolved reports whether the edge points at a concrete entity.
func (r *Relationship) IsResolved() bool {
	return r.ToEntityID != "" || (r.ToRef != nil && r.ToRef.Kind == RefEntity)
}

// MarkAmbiguous annotates an external ref that matched more than one
// name-index candidate. Confidence is 1/candidateCount capped at 0.4; no
// tie-breaker concretization is attempted.
func (r *Relationship) MarkAmbiguous(candidateCount int) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata["ambiguous"] = true
	r.Metadata["candidateCount"] = candidateCount
	c := 1.0 / float64(candidateCount)
	if c > 0.4 {
		c = 0.4
	}
	r.Confidence = c
}

func (r *Relationship) String() string {
	return fmt.Sprintf("%s %s -> %s", r.Type, r.FromEntityID, r.CanonicalKey())
}
