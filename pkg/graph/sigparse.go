// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import "strings"

// ParseParams parses a TypeScript-style parameter list out of a signature
// string and returns the ordered parameters.
//
// It handles:
//   - Typed params:      "name: string, age: number"
//   - Optional params:   "tag?: string" → Optional=true
//   - Defaults:          "limit: number = 10" → Default="10"
//   - Rest params:       "...args: any[]" → name "args"
//   - Destructuring:     "{a, b}: Opts" → name "{a, b}"
//   - Nested generics:   "cb: Map<string, () => void>" kept intact
//
// The signature should contain a parenthesized parameter list, e.g.
// "function f(a: string, b = 2): void" or "(x: number) => x".
func ParseParams(signature string) []Parameter {
	paramStr, ok := extractParamString(signature)
	if !ok || strings.TrimSpace(paramStr) == "" {
		return nil
	}

	var params []Parameter
	for _, part := range splitTopLevel(paramStr, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		params = append(params, parseParam(part))
	}
	return params
}

// ParseReturnType extracts the annotated return type from a signature, e.g.
// "function f(): Promise<void>" → "Promise<void>". Returns "" when no
// annotation is present.
func ParseReturnType(signature string) string {
	start := strings.IndexByte(signature, '(')
	if start < 0 {
		return ""
	}
	end := matchParen(signature, start)
	if end < 0 {
		return ""
	}
	rest := strings.TrimSpace(signature[end+1:])
	rest = strings.TrimPrefix(rest, ":")
	rest = strings.TrimSpace(rest)
	// Arrow signatures annotate after "=>" instead.
	if idx := strings.Index(rest, "=>"); idx == 0 {
		return ""
	}
	rest = strings.TrimSuffix(rest, ";")
	rest = strings.TrimSpace(rest)
	return rest
}

// BaseTypeName reduces a type expression to its base identifier:
//
//	"Promise<User[]>" → "Promise"
//	"User[]"          → "User"
//	"ns.Thing"        → "Thing"
//	"string | null"   → "string"
func BaseTypeName(t string) string {
	t = strings.TrimSpace(t)
	if idx := strings.IndexAny(t, "<[|&"); idx >= 0 {
		t = strings.TrimSpace(t[:idx])
	}
	if dot := strings.LastIndexByte(t, '.'); dot >= 0 {
		t = t[dot+1:]
	}
	return t
}

func parseParam(p string) Parameter {
	param := Parameter{}

	p = strings.TrimPrefix(p, "...")

	// Default value: split at top-level '='.
	if eq := indexTopLevel(p, '='); eq >= 0 {
		param.Default = strings.TrimSpace(p[eq+1:])
		param.Optional = true
		p = strings.TrimSpace(p[:eq])
	}

	// Type annotation: split at top-level ':'.
	if colon := indexTopLevel(p, ':'); colon >= 0 {
		param.Type = strings.TrimSpace(p[colon+1:])
		p = strings.TrimSpace(p[:colon])
	}

	if strings.HasSuffix(p, "?") {
		param.Optional = true
		p = strings.TrimSuffix(p, "?")
	}

	param.Name = strings.TrimSpace(p)
	return param
}

// extractParamString returns the contents of the first balanced paren group.
func extractParamString(sig string) (string, bool) {
	start := strings.IndexByte(sig, '(')
	if start < 0 {
		return "", false
	}
	end := matchParen(sig, start)
	if end < 0 {
		return "", false
	}
	return sig[start+1 : end], true
}

// matchParen returns the index of the ')' matching the '(' at pos, or -1.
func matchParen(s string, pos int) int {
	depth := 0
	for i := pos; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTopLevel splits s at sep occurrences outside (), {}, [] and <>.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '{', '[', '<':
			depth++
		case ')', '}', ']', '>':
			depth--
		default:
			if s[i] == sep && depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// indexTopLevel returns the index of the first sep outside nested brackets,
// or -1.
func indexTopLevel(s string, sep byte) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '{', '[', '<':
			depth++
		case ')', '}', ']', '>':
			depth--
		default:
			if s[i] == sep && depth == 0 {
				return i
			}
		}
	}
	return -1
}
