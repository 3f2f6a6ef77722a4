// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import "testing"

func TestParseParams(t *testing.T) {
	cases := []struct {
		name string
		sig  string
		want []Parameter
	}{
		{
			name: "typed params",
			sig:  "function f(name: string, age: number): void",
			want: []Parameter{
				{Name: "name", Type: "string"},
				{Name: "age", Type: "number"},
			},
		},
		{
			name: "optional and default",
			sig:  "function g(tag?: string, limit: number = 10)",
			want: []Parameter{
				{Name: "tag", Type: "string", Optional: true},
				{Name: "limit", Type: "number", Optional: true, Default: "10"},
			},
		},
		{
			name: "rest param",
			sig:  "function h(...args: any[])",
			want: []Parameter{
				{Name: "args", Type: "any[]"},
			},
		},
		{
			name: "nested generic not split",
			sig:  "function k(cb: Map<string, () => void>, x: number)",
			want: []Parameter{
				{Name: "cb", Type: "Map<string, () => void>"},
				{Name: "x", Type: "number"},
			},
		},
		{
			name: "empty list",
			sig:  "function none(): void",
			want: nil,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ParseParams(c.sig)
			if len(got) != len(c.want) {
				t.Fatalf("got %d params, want %d: %+v", len(got), len(c.want), got)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Errorf("param %d = %+v, want %+v", i, got[i], c.want[i])
				}
			}
		})
	}
}

func TestParseReturnType(t *testing.T) {
	cases := []struct {
		sig, want string
	}{
		{"function f(): Promise<void>", "Promise<void>"},
		{"function g(a: number): string", "string"},
		{"function h(a: number)", ""},
		{"method(x: T): T[]", "T[]"},
	}
	for _, c := range cases {
		if got := ParseReturnType(c.sig); got != c.want {
			t.Errorf("ParseReturnType(%q) = %q, want %q", c.sig, got, c.want)
		}
	}
}

func TestBaseTypeName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Promise<User[]>", "Promise"},
		{"User[]", "User"},
		{"ns.Thing", "Thing"},
		{"string | null", "string"},
		{"  Widget ", "Widget"},
	}
	for _, c := range cases {
		if got := BaseTypeName(c.in); got != c.want {
			t.Errorf("BaseTypeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
