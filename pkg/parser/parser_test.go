// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/codegraph/pkg/graph"
)

func parseSource(t *testing.T, path, src string) *FileParse {
	t.Helper()
	fp, err := New(nil).Parse(context.Background(), path, []byte(src))
	require.NoError(t, err)
	return fp
}

func findSymbol(fp *FileParse, name string) *graph.SymbolEntity {
	for _, s := range fp.Symbols {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func relsOfType(fp *FileParse, rt graph.RelationType) []*graph.Relationship {
	var out []*graph.Relationship
	for _, r := range fp.Relationships {
		if r.Type == rt {
			out = append(out, r)
		}
	}
	return out
}

func TestParse_FunctionDeclaration(t *testing.T) {
	fp := parseSource(t, "src/math.ts", `
export async function add(a: number, b: number): Promise<number> {
  return a + b;
}
`)
	sym := findSymbol(fp, "add")
	require.NotNil(t, sym)
	assert.Equal(t, graph.SymbolFunction, sym.Kind)
	assert.True(t, sym.IsExported)
	assert.True(t, sym.IsAsync)
	require.Len(t, sym.Parameters, 2)
	assert.Equal(t, "a", sym.Parameters[0].Name)
	assert.Equal(t, "number", sym.Parameters[0].Type)
	assert.Equal(t, "Promise<number>", sym.ReturnType)
}

func TestParse_ClassHeritage(t *testing.T) {
	fp := parseSource(t, "src/svc.ts", `
interface Runner { run(): void; }
abstract class Base {}
class Service extends Base implements Runner {
  private count: number = 0;
  run(): void {}
}
`)
	cls := findSymbol(fp, "Service")
	require.NotNil(t, cls)
	assert.Equal(t, []string{"Base"}, cls.Extends)
	assert.Equal(t, []string{"Runner"}, cls.Implements)
	assert.Contains(t, cls.Methods, "Service.run")
	assert.Contains(t, cls.Properties, "Service.count")

	base := findSymbol(fp, "Base")
	require.NotNil(t, base)
	assert.True(t, base.IsAbstract)

	require.Len(t, relsOfType(fp, graph.RelExtends), 1)
	require.Len(t, relsOfType(fp, graph.RelImplements), 1)

	prop := findSymbol(fp, "Service.count")
	require.NotNil(t, prop)
	assert.Equal(t, graph.VisibilityPrivate, prop.Visibility)
}

func TestParse_InterfaceMultipleExtends(t *testing.T) {
	fp := parseSource(t, "src/i.ts", `
interface A {}
interface B {}
interface C extends A, B {
  name: string;
  describe(): string;
}
`)
	c := findSymbol(fp, "C")
	require.NotNil(t, c)
	assert.ElementsMatch(t, []string{"A", "B"}, c.Extends)
	assert.Contains(t, c.Properties, "name")
	assert.Contains(t, c.Methods, "describe")
	assert.Len(t, relsOfType(fp, graph.RelExtends), 2)
}

func TestParse_TypeAlias(t *testing.T) {
	fp := parseSource(t, "src/t.ts", `
type Result = Success | Failure;
type Pair = { left: Item, right: Item };
`)
	result := findSymbol(fp, "Result")
	require.NotNil(t, result)
	assert.Equal(t, graph.SymbolTypeAlias, result.Kind)
	assert.True(t, result.IsUnion)
	assert.False(t, result.IsIntersection)

	deps := relsOfType(fp, graph.RelDependsOn)
	var names []string
	for _, d := range deps {
		names = append(names, d.ToRef.Name)
	}
	assert.Contains(t, names, "Success")
	assert.Contains(t, names, "Failure")
	assert.Contains(t, names, "Item")
}

func TestParse_ArrowFunctionAndCalls(t *testing.T) {
	fp := parseSource(t, "src/a.ts", `
function helper(x: number): number { return x * 2; }
export const compute = (n: number): number => {
  if (n > 0) {
    return helper(n);
  }
  return helper(-n);
};
`)
	compute := findSymbol(fp, "compute")
	require.NotNil(t, compute)
	assert.True(t, compute.IsExported)
	assert.GreaterOrEqual(t, compute.Complexity, 2)
	require.NotEmpty(t, compute.CallSites)
	assert.Equal(t, "helper", compute.CallSites[0].Callee)

	calls := relsOfType(fp, graph.RelCalls)
	require.Len(t, calls, 1) // deduped per callee
	assert.Equal(t, "helper", calls[0].ToRef.Name)
}

func TestParse_ImportsAndContains(t *testing.T) {
	fp := parseSource(t, "src/app.ts", `
import { Widget } from "./widget";
import lodash from "lodash";

export function render(w: Widget): string { return lodash.template("x")(w); }
`)
	require.Len(t, fp.Imports, 2)
	assert.Equal(t, "./widget", fp.Imports[0].Specifier)
	assert.Equal(t, []string{"Widget"}, fp.Imports[0].Names)
	assert.True(t, fp.Imports[1].IsDefault)

	assert.ElementsMatch(t, []string{"./widget", "lodash"}, fp.File.Dependencies)

	imports := relsOfType(fp, graph.RelImports)
	require.Len(t, imports, 2)

	contains := relsOfType(fp, graph.RelContains)
	require.Len(t, contains, len(fp.Symbols))
	for _, c := range contains {
		assert.Equal(t, fp.File.ID, c.FromEntityID)
	}

	// PARAM_TYPE edge for the user-defined Widget type.
	params := relsOfType(fp, graph.RelParamType)
	require.Len(t, params, 1)
	assert.Equal(t, "Widget", params[0].ToRef.Name)
}

func TestParse_DocComments(t *testing.T) {
	fp := parseSource(t, "src/doc.ts", `
/**
 * Formats a user-facing label.
 * Trims surrounding whitespace first.
 */
export function label(raw: string): string { return raw.trim(); }

// Holds one unit of work.
// Queued in arrival order.
export class Job {}

interface Quiet {}
`)
	fn := findSymbol(fp, "label")
	require.NotNil(t, fn)
	assert.Equal(t, "Formats a user-facing label.\nTrims surrounding whitespace first.", fn.Docstring)

	cls := findSymbol(fp, "Job")
	require.NotNil(t, cls)
	assert.Equal(t, "Holds one unit of work.\nQueued in arrival order.", cls.Docstring)

	quiet := findSymbol(fp, "Quiet")
	require.NotNil(t, quiet)
	assert.Empty(t, quiet.Docstring)
}

func TestParse_DocCommentNotAdjacent(t *testing.T) {
	fp := parseSource(t, "src/gap.ts", `
// Stale note about something else.


export function detached(): void {}
`)
	sym := findSymbol(fp, "detached")
	require.NotNil(t, sym)
	assert.Empty(t, sym.Docstring)
}

func TestParse_EmptyFile(t *testing.T) {
	fp := parseSource(t, "src/empty.ts", "")
	assert.Empty(t, fp.Symbols)
	assert.Empty(t, fp.Relationships)
	assert.Equal(t, 0, fp.File.LineCount)
	assert.NotEmpty(t, fp.File.ID)
}

func TestParse_Deterministic(t *testing.T) {
	src := `
export class Engine {
  start(mode: string): boolean { return mode !== ""; }
}
`
	a := parseSource(t, "src/e.ts", src)
	b := parseSource(t, "src/e.ts", src)

	require.Equal(t, len(a.Symbols), len(b.Symbols))
	for i := range a.Symbols {
		assert.Equal(t, a.Symbols[i].ID, b.Symbols[i].ID)
	}
	require.Equal(t, len(a.Relationships), len(b.Relationships))
	for i := range a.Relationships {
		assert.Equal(t, a.Relationships[i].ID, b.Relationships[i].ID)
	}
}

func TestParse_UnsupportedExtension(t *testing.T) {
	_, err := New(nil).Parse(context.Background(), "README.md", []byte("# hi"))
	require.Error(t, err)
}

func TestParse_JavaScript(t *testing.T) {
	fp := parseSource(t, "src/legacy.js", `
function greet(name) { return "hi " + name; }
const shout = (name) => greet(name).toUpperCase();
`)
	assert.NotNil(t, findSymbol(fp, "greet"))
	shout := findSymbol(fp, "shout")
	require.NotNil(t, shout)
	assert.Equal(t, "javascript", fp.File.Language)
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "typescript", DetectLanguage("a/b.ts"))
	assert.Equal(t, "typescript", DetectLanguage("a/b.tsx"))
	assert.Equal(t, "javascript", DetectLanguage("a/b.mjs"))
	assert.Equal(t, "", DetectLanguage("a/b.py"))
}
