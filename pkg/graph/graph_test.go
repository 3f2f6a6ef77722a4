// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import (
	"testing"
)

func TestGenerateSymbolID_Deterministic(t *testing.T) {
	a := GenerateSymbolID("src/a.ts", "A", "class A extends B")
	b := GenerateSymbolID("src/a.ts", "A", "class A extends B")
	if a != b {
		t.Errorf("symbol id not deterministic: %s vs %s", a, b)
	}

	c := GenerateSymbolID("src/a.ts", "A", "class A extends C")
	if a == c {
		t.Errorf("different signatures produced the same id: %s", a)
	}

	d := GenerateSymbolID("src/b.ts", "A", "class A extends B")
	if a == d {
		t.Errorf("different files produced the same id: %s", a)
	}
}

func TestGenerateSymbolID_Format(t *testing.T) {
	id := GenerateSymbolID("./src/a.ts", "handler", "function handler(req: Request): void")
	want := "sym:src/a.ts#handler@"
	if len(id) != len(want)+8 || id[:len(want)] != want {
		t.Errorf("unexpected symbol id format: %s", id)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"src/a.ts", "src/a.ts"},
		{"./src/a.ts", "src/a.ts"},
		{"src\\win\\a.ts", "src/win/a.ts"},
		{"src/../lib/b.ts", "lib/b.ts"},
		{"/abs/root.ts", "abs/root.ts"},
		{".", ""},
	}
	for _, c := range cases {
		if got := NormalizePath(c.in); got != c.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRelationship_CanonicalKeyStableAcrossConcretization(t *testing.T) {
	rel := NewRelationship(RelExtends, "sym:src/a.ts#A@12345678", PlaceholderRef(SymbolClass, "B"))
	keyBefore := rel.CanonicalKey()
	idBefore := rel.ID

	rel.Concretize("sym:src/b.ts#B@87654321")

	if rel.CanonicalKey() != keyBefore {
		t.Errorf("canonical key changed after concretization: %s", rel.CanonicalKey())
	}
	if rel.ID != idBefore {
		t.Errorf("relationship id changed after concretization: %s", rel.ID)
	}
	if !rel.IsResolved() {
		t.Error("expected relationship to be resolved")
	}
	if rel.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0, got %f", rel.Confidence)
	}
}

func TestRelationship_TargetKeyPrefixes(t *testing.T) {
	cases := []struct {
		ref  *Ref
		want string
	}{
		{EntityRef("file:src/a.ts"), "ENT:file:src/a.ts"},
		{EntityRef("sym:src/a.ts#A@ab"), "SYM:sym:src/a.ts#A@ab"},
		{FileSymbolRef("src/b.ts", "B"), "FS:src/b.ts:B"},
		{ExternalRef("console"), "EXT:console"},
		{PlaceholderRef(SymbolInterface, "Shape"), "PLH:interface:Shape"},
	}
	for _, c := range cases {
		if got := c.ref.TargetKey(); got != c.want {
			t.Errorf("TargetKey() = %q, want %q", got, c.want)
		}
	}
}

func TestRelationship_MarkAmbiguous(t *testing.T) {
	rel := NewRelationship(RelReferences, "sym:a#x@00000000", ExternalRef("Widget"))
	rel.MarkAmbiguous(5)

	if rel.Metadata["ambiguous"] != true {
		t.Error("expected ambiguous metadata")
	}
	if rel.Metadata["candidateCount"] != 5 {
		t.Errorf("expected candidateCount 5, got %v", rel.Metadata["candidateCount"])
	}
	if rel.Confidence != 0.2 {
		t.Errorf("expected confidence 0.2, got %f", rel.Confidence)
	}

	rel.MarkAmbiguous(2)
	if rel.Confidence != 0.4 {
		t.Errorf("expected confidence capped at 0.4, got %f", rel.Confidence)
	}
}

func TestChangeEvent_Validate(t *testing.T) {
	valid := &ChangeEvent{ID: "e1", FilePath: "src/a.ts", EventType: EventCreated}
	if err := valid.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	for _, ev := range []*ChangeEvent{
		{FilePath: "src/a.ts", EventType: EventCreated},
		{ID: "e1", EventType: EventCreated},
		{ID: "e1", FilePath: "src/a.ts", EventType: "renamed"},
	} {
		if err := ev.Validate(); err == nil {
			t.Errorf("expected validation error for %+v", ev)
		}
	}
}
