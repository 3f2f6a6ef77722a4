// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parser

import "sync"

// DefaultResolutionBudget is the per-event cap on cross-file resolution
// lookups.
const DefaultResolutionBudget = 50

// MaxResolutionBudget bounds configured budgets.
const MaxResolutionBudget = 200

// ResolutionBudget caps the cross-file lookups spent on one change event so
// a file with thousands of references cannot stall the pipeline. When the
// budget is exhausted remaining references stay unresolved placeholders;
// later events may concretize them.
type ResolutionBudget struct {
	mu        sync.Mutex
	remaining int
	spent     int
}

// NewResolutionBudget creates a budget of n lookups. Zero or negative n uses
// the default; n above the maximum is clamped.
func NewResolutionBudget(n int) *ResolutionBudget {
	if n <= 0 {
		n = DefaultResolutionBudget
	}
	if n > MaxResolutionBudget {
		n = MaxResolutionBudget
	}
	return &ResolutionBudget{remaining: n}
}

// minResolvableNameLen filters names too short to chase across files: one-
// and two-character identifiers collide with loop variables and type
// parameters far more often than they name real exports.
const minResolvableNameLen = 3

// lookup describes one prospective resolution, used to decide whether it is
// worth spending budget on.
type lookup struct {
	name      string
	crossFile bool
	ambiguous bool
}

// shouldUse reports whether a lookup is worth budget. Same-file lookups are
// always free; short names and names already known ambiguous are never
// chased across files.
func (b *ResolutionBudget) shouldUse(l lookup) bool {
	if !l.crossFile {
		return true
	}
	if l.ambiguous || len(l.name) < minResolvableNameLen {
		return false
	}
	return b.Remaining() > 0
}

// ScaleFor widens the budget for large or symbol-dense files: every 8 KB of
// content or 25 symbols adds lookups, clamped to MaxResolutionBudget.
func (b *ResolutionBudget) ScaleFor(contentBytes, symbolCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	extra := (contentBytes/8192)*5 + (symbolCount/25)*10
	if extra <= 0 {
		return
	}
	if total := b.remaining + b.spent + extra; total > MaxResolutionBudget {
		extra = MaxResolutionBudget - b.remaining - b.spent
	}
	if extra > 0 {
		b.remaining += extra
	}
}

// Take consumes one lookup. Returns false when the budget is exhausted.
func (b *ResolutionBudget) Take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	b.spent++
	return true
}

// Spent returns the number of lookups consumed.
func (b *ResolutionBudget) Spent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// Remaining returns the lookups left.
func (b *ResolutionBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}
