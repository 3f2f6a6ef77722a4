// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parser

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/kraklabs/codegraph/pkg/graph"
)

// extraction accumulates symbols and relationships during one AST walk.
// The same walk handles TypeScript and JavaScript; JS simply never produces
// interface, type-alias or type-annotation nodes.
type extraction struct {
	path    string
	content []byte

	symbols       []*graph.SymbolEntity
	relationships []*graph.Relationship
	imports       []ImportSpec
	exports       []ExportSpec

	// relKeys dedupes edges within a single parse by canonical key.
	relKeys map[string]struct{}
}

func newExtraction(path string, content []byte) *extraction {
	return &extraction{path: path, content: content, relKeys: make(map[string]struct{})}
}

func (ex *extraction) text(n *sitter.Node) string { return nodeText(n, ex.content) }

func (ex *extraction) addRel(r *graph.Relationship) {
	key := r.CanonicalKey()
	if _, dup := ex.relKeys[key]; dup {
		return
	}
	ex.relKeys[key] = struct{}{}
	ex.relationships = append(ex.relationships, r)
}

// walk dispatches on node type. parentClass carries the enclosing class or
// interface name so members get qualified names.
func (ex *extraction) walk(node *sitter.Node, parentClass string) {
	if node == nil {
		return
	}

	switch node.Type() {
	case "class_declaration", "abstract_class_declaration":
		ex.extractClass(node)
		return
	case "interface_declaration":
		ex.extractInterface(node)
		return
	case "type_alias_declaration":
		ex.extractTypeAlias(node)
		return
	case "function_declaration", "generator_function_declaration":
		ex.extractFunction(node, parentClass)
		return
	case "lexical_declaration", "variable_declaration":
		ex.extractVariables(node)
		return
	case "import_statement":
		ex.extractImport(node)
		return
	case "export_statement":
		ex.extractExport(node)
		// Fall through into children so exported declarations are indexed.
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		ex.walk(node.Child(i), parentClass)
	}
}

// finish emits the CONTAINS edges from the file to every extracted symbol
// and the IMPORTS dependency list onto the file entity.
func (ex *extraction) finish(file *graph.FileEntity) {
	for _, sym := range ex.symbols {
		ex.addRel(graph.NewRelationship(graph.RelContains, file.ID, graph.EntityRef(sym.ID)))
	}
	for _, imp := range ex.imports {
		file.Dependencies = append(file.Dependencies, imp.Specifier)
		rel := graph.NewRelationship(graph.RelImports, file.ID, importRef(ex.path, imp.Specifier))
		rel.Metadata = map[string]any{"specifier": imp.Specifier, "line": imp.Line}
		ex.addRel(rel)
	}
}

// importRef targets the imported file for relative specifiers and an
// external module otherwise. Extension resolution happens later against the
// cache; the ref carries the raw specifier path.
func importRef(fromPath, specifier string) *graph.Ref {
	if strings.HasPrefix(specifier, ".") {
		dir := fromPath
		if i := strings.LastIndex(dir, "/"); i >= 0 {
			dir = dir[:i]
		} else {
			dir = ""
		}
		return graph.FileSymbolRef(joinPath(dir, specifier), "")
	}
	return graph.ExternalRef(specifier)
}

func joinPath(dir, rel string) string {
	if dir == "" {
		return graph.NormalizePath(rel)
	}
	return graph.NormalizePath(dir + "/" + rel)
}

// ---- classes ----

func (ex *extraction) extractClass(node *sitter.Node) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := ex.text(nameNode)

	sym := &graph.SymbolEntity{
		Name:       name,
		Kind:       graph.SymbolClass,
		FilePath:   ex.path,
		Visibility: graph.VisibilityPublic,
		IsExported: ex.isExported(node),
		IsAbstract: node.Type() == "abstract_class_declaration",
		StartLine:  int(node.StartPoint().Row) + 1,
		EndLine:    int(node.EndPoint().Row) + 1,
		Docstring:  ex.docComment(node),
	}

	// Heritage: extends (single) and implements (many).
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() != "class_heritage" {
			continue
		}
		for j := 0; j < int(child.ChildCount()); j++ {
			clause := child.Child(j)
			switch clause.Type() {
			case "extends_clause":
				for _, t := range heritageTypes(clause, ex.content) {
					sym.Extends = append(sym.Extends, t)
				}
			case "implements_clause":
				for _, t := range heritageTypes(clause, ex.content) {
					sym.Implements = append(sym.Implements, t)
				}
			}
		}
	}

	// Members.
	body := node.ChildByFieldName("body")
	if body != nil {
		for i := 0; i < int(body.ChildCount()); i++ {
			member := body.Child(i)
			switch member.Type() {
			case "method_definition":
				if m := ex.extractMethod(member, name); m != nil {
					sym.Methods = append(sym.Methods, m.Name)
				}
			case "public_field_definition", "property_signature":
				if prop := ex.extractProperty(member, name); prop != nil {
					sym.Properties = append(sym.Properties, prop.Name)
				}
			}
		}
	}

	sym.Signature = classSignature(sym)
	sym.ID = graph.GenerateSymbolID(ex.path, name, sym.Signature)
	ex.symbols = append(ex.symbols, sym)

	for _, base := range sym.Extends {
		ex.addRel(graph.NewRelationship(graph.RelExtends, sym.ID, ex.typeRef(base)))
	}
	for _, iface := range sym.Implements {
		ex.addRel(graph.NewRelationship(graph.RelImplements, sym.ID, ex.typeRef(iface)))
	}
	ex.extractDecorators(node, sym.ID)
}

func classSignature(s *graph.SymbolEntity) string {
	var b strings.Builder
	if s.IsAbstract {
		b.WriteString("abstract ")
	}
	b.WriteString("class " + s.Name)
	if len(s.Extends) > 0 {
		b.WriteString(" extends " + strings.Join(s.Extends, ", "))
	}
	if len(s.Implements) > 0 {
		b.WriteString(" implements " + strings.Join(s.Implements, ", "))
	}
	return b.String()
}

// heritageTypes collects the base type names of an extends/implements clause.
func heritageTypes(clause *sitter.Node, content []byte) []string {
	var out []string
	for i := 0; i < int(clause.ChildCount()); i++ {
		c := clause.Child(i)
		switch c.Type() {
		case "identifier", "type_identifier", "nested_type_identifier", "member_expression", "generic_type":
			name := nodeText(c, content)
			// Strip type arguments: Base<T> -> Base.
			if lt := strings.IndexByte(name, '<'); lt > 0 {
				name = name[:lt]
			}
			out = append(out, name)
		}
	}
	return out
}

// ---- interfaces ----

func (ex *extraction) extractInterface(node *sitter.Node) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := ex.text(nameNode)

	sym := &graph.SymbolEntity{
		Name:       name,
		Kind:       graph.SymbolInterface,
		FilePath:   ex.path,
		Visibility: graph.VisibilityPublic,
		IsExported: ex.isExported(node),
		StartLine:  int(node.StartPoint().Row) + 1,
		EndLine:    int(node.EndPoint().Row) + 1,
		Docstring:  ex.docComment(node),
	}

	// Interfaces may extend several bases.
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == "extends_type_clause" || child.Type() == "extends_clause" {
			sym.Extends = append(sym.Extends, heritageTypes(child, ex.content)...)
		}
	}

	body := node.ChildByFieldName("body")
	if body != nil {
		for i := 0; i < int(body.ChildCount()); i++ {
			member := body.Child(i)
			switch member.Type() {
			case "method_signature":
				if n := member.ChildByFieldName("name"); n != nil {
					sym.Methods = append(sym.Methods, ex.text(n))
				}
			case "property_signature":
				if n := member.ChildByFieldName("name"); n != nil {
					sym.Properties = append(sym.Properties, ex.text(n))
				}
			}
		}
	}

	sig := "interface " + name
	if len(sym.Extends) > 0 {
		sig += " extends " + strings.Join(sym.Extends, ", ")
	}
	sym.Signature = sig
	sym.ID = graph.GenerateSymbolID(ex.path, name, sig)
	ex.symbols = append(ex.symbols, sym)

	for _, base := range sym.Extends {
		ex.addRel(graph.NewRelationship(graph.RelExtends, sym.ID, ex.typeRef(base)))
	}
}

// ---- type aliases ----

func (ex *extraction) extractTypeAlias(node *sitter.Node) {
	nameNode := node.ChildByFieldName("name")
	valueNode := node.ChildByFieldName("value")
	if nameNode == nil || valueNode == nil {
		return
	}
	name := ex.text(nameNode)
	aliased := ex.text(valueNode)

	sym := &graph.SymbolEntity{
		Name:           name,
		Kind:           graph.SymbolTypeAlias,
		FilePath:       ex.path,
		Visibility:     graph.VisibilityPublic,
		IsExported:     ex.isExported(node),
		StartLine:      int(node.StartPoint().Row) + 1,
		EndLine:        int(node.EndPoint().Row) + 1,
		AliasedType:    aliased,
		IsUnion:        valueNode.Type() == "union_type",
		IsIntersection: valueNode.Type() == "intersection_type",
		Signature:      "type " + name + " = " + aliased,
	}
	sym.ID = graph.GenerateSymbolID(ex.path, name, sym.Signature)
	ex.symbols = append(ex.symbols, sym)

	for _, dep := range referencedTypeNames(aliased) {
		ex.addRel(graph.NewRelationship(graph.RelDependsOn, sym.ID, ex.typeRef(dep)))
	}
}

// referencedTypeNames pulls the distinct user-type names out of a type
// expression text, skipping primitives and builtins.
func referencedTypeNames(typeExpr string) []string {
	seen := make(map[string]struct{})
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		name := cur.String()
		cur.Reset()
		if isBuiltinType(name) {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for i := 0; i < len(typeExpr); i++ {
		c := typeExpr[i]
		if c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(cur.Len() > 0 && c >= '0' && c <= '9') {
			cur.WriteByte(c)
			continue
		}
		// String literal types are not references.
		if c == '\'' || c == '"' || c == '`' {
			flush()
			for i++; i < len(typeExpr) && typeExpr[i] != c; i++ {
			}
			continue
		}
		flush()
	}
	flush()
	return out
}

func isBuiltinType(name string) bool {
	switch name {
	case "string", "number", "boolean", "void", "any", "unknown", "never",
		"null", "undefined", "object", "symbol", "bigint", "this",
		"Array", "Promise", "Map", "Set", "Record", "Partial", "Required",
		"Readonly", "Pick", "Omit", "Exclude", "Extract", "ReturnType",
		"Parameters", "Awaited", "Date", "Error", "RegExp", "Function",
		"keyof", "typeof", "infer", "extends", "in", "readonly":
		return true
	}
	return false
}

// ---- functions, methods, variables ----

func (ex *extraction) extractFunction(node *sitter.Node, parentClass string) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := ex.text(nameNode)
	if parentClass != "" {
		name = parentClass + "." + name
	}

	sig := ex.functionSignature(node, name)
	sym := ex.newFunctionSymbol(node, name, sig, graph.SymbolFunction)
	sym.IsGenerator = node.Type() == "generator_function_declaration" ||
		strings.Contains(sig, "function*")
	ex.symbols = append(ex.symbols, sym)
	ex.emitTypeEdges(sym)
	ex.collectCallSites(node, sym)
}

func (ex *extraction) extractMethod(node *sitter.Node, className string) *graph.SymbolEntity {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	bare := ex.text(nameNode)
	name := className + "." + bare

	sig := ex.functionSignature(node, bare)
	sym := ex.newFunctionSymbol(node, name, sig, graph.SymbolMethod)
	sym.Visibility = memberVisibility(node, ex.content)
	ex.symbols = append(ex.symbols, sym)
	ex.emitTypeEdges(sym)
	ex.collectCallSites(node, sym)
	ex.extractDecorators(node, sym.ID)
	return sym
}

func (ex *extraction) extractProperty(node *sitter.Node, className string) *graph.SymbolEntity {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	bare := ex.text(nameNode)
	name := className + "." + bare

	var typeText string
	if tn := node.ChildByFieldName("type"); tn != nil {
		typeText = strings.TrimPrefix(ex.text(tn), ": ")
		typeText = strings.TrimPrefix(typeText, ":")
		typeText = strings.TrimSpace(typeText)
	}

	sym := &graph.SymbolEntity{
		Name:       name,
		Kind:       graph.SymbolProperty,
		FilePath:   ex.path,
		Visibility: memberVisibility(node, ex.content),
		StartLine:  int(node.StartPoint().Row) + 1,
		EndLine:    int(node.EndPoint().Row) + 1,
		ReturnType: typeText,
		Signature:  bare + ": " + typeText,
	}
	sym.ID = graph.GenerateSymbolID(ex.path, name, sym.Signature)
	ex.symbols = append(ex.symbols, sym)

	if base := graph.BaseTypeName(typeText); base != "" && !isBuiltinType(base) {
		ex.addRel(graph.NewRelationship(graph.RelDependsOn, sym.ID, ex.typeRef(base)))
	}
	return sym
}

// extractVariables handles top-level const/let declarations. Arrow functions
// and function expressions become function symbols; everything else becomes
// a variable symbol.
func (ex *extraction) extractVariables(node *sitter.Node) {
	exported := ex.isExported(node)
	for i := 0; i < int(node.ChildCount()); i++ {
		decl := node.Child(i)
		if decl.Type() != "variable_declarator" {
			continue
		}
		nameNode := decl.ChildByFieldName("name")
		valueNode := decl.ChildByFieldName("value")
		if nameNode == nil || nameNode.Type() != "identifier" {
			continue
		}
		name := ex.text(nameNode)

		if valueNode != nil && (valueNode.Type() == "arrow_function" || valueNode.Type() == "function_expression" || valueNode.Type() == "function") {
			sig := ex.arrowSignature(name, valueNode)
			sym := ex.newFunctionSymbol(decl, name, sig, graph.SymbolFunction)
			sym.IsExported = exported
			ex.symbols = append(ex.symbols, sym)
			ex.emitTypeEdges(sym)
			ex.collectCallSites(valueNode, sym)
			continue
		}

		sym := &graph.SymbolEntity{
			Name:       name,
			Kind:       graph.SymbolVariable,
			FilePath:   ex.path,
			Visibility: graph.VisibilityPublic,
			IsExported: exported,
			StartLine:  int(decl.StartPoint().Row) + 1,
			EndLine:    int(decl.EndPoint().Row) + 1,
			Signature:  "const " + name,
		}
		if tn := decl.ChildByFieldName("type"); tn != nil {
			t := strings.TrimSpace(strings.TrimPrefix(ex.text(tn), ":"))
			sym.ReturnType = t
			sym.Signature = "const " + name + ": " + t
		}
		sym.ID = graph.GenerateSymbolID(ex.path, name, sym.Signature)
		ex.symbols = append(ex.symbols, sym)
	}
}

// newFunctionSymbol builds the common function/method symbol fields.
func (ex *extraction) newFunctionSymbol(node *sitter.Node, name, sig string, kind graph.SymbolKind) *graph.SymbolEntity {
	sym := &graph.SymbolEntity{
		Name:       name,
		Kind:       kind,
		FilePath:   ex.path,
		Visibility: graph.VisibilityPublic,
		IsExported: ex.isExported(node),
		StartLine:  int(node.StartPoint().Row) + 1,
		EndLine:    int(node.EndPoint().Row) + 1,
		Signature:  sig,
		Parameters: graph.ParseParams(sig),
		ReturnType: graph.ParseReturnType(sig),
		IsAsync:    strings.HasPrefix(sig, "async ") || strings.Contains(sig, " async "),
		Complexity: cyclomaticComplexity(node),
		Docstring:  ex.docComment(node),
	}
	sym.ID = graph.GenerateSymbolID(ex.path, name, sig)
	return sym
}

// functionSignature renders "async function name(params): ret" from the
// declaration node.
func (ex *extraction) functionSignature(node *sitter.Node, name string) string {
	var b strings.Builder
	if hasChildToken(node, ex.content, "async") {
		b.WriteString("async ")
	}
	b.WriteString("function")
	if node.Type() == "generator_function_declaration" {
		b.WriteString("*")
	}
	b.WriteString(" " + name)
	if params := node.ChildByFieldName("parameters"); params != nil {
		b.WriteString(ex.text(params))
	} else {
		b.WriteString("()")
	}
	if ret := node.ChildByFieldName("return_type"); ret != nil {
		b.WriteString(ex.text(ret))
	}
	return b.String()
}

func (ex *extraction) arrowSignature(name string, valueNode *sitter.Node) string {
	var b strings.Builder
	if hasChildToken(valueNode, ex.content, "async") {
		b.WriteString("async ")
	}
	b.WriteString("const " + name + " = ")
	params := valueNode.ChildByFieldName("parameters")
	if params == nil {
		params = valueNode.ChildByFieldName("parameter")
	}
	if params != nil {
		p := ex.text(params)
		if !strings.HasPrefix(p, "(") {
			p = "(" + p + ")"
		}
		b.WriteString(p)
	} else {
		b.WriteString("()")
	}
	if ret := valueNode.ChildByFieldName("return_type"); ret != nil {
		b.WriteString(ex.text(ret))
	}
	b.WriteString(" =>")
	return b.String()
}

// hasChildToken reports whether a direct child's text equals token.
func hasChildToken(node *sitter.Node, content []byte, token string) bool {
	for i := 0; i < int(node.ChildCount()); i++ {
		if nodeText(node.Child(i), content) == token {
			return true
		}
	}
	return false
}

// memberVisibility reads the TS accessibility modifier, defaulting to public.
func memberVisibility(node *sitter.Node, content []byte) graph.Visibility {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == "accessibility_modifier" {
			switch nodeText(child, content) {
			case "private":
				return graph.VisibilityPrivate
			case "protected":
				return graph.VisibilityProtected
			}
		}
	}
	return graph.VisibilityPublic
}

// cyclomaticComplexity counts branch points plus one.
func cyclomaticComplexity(node *sitter.Node) int {
	count := 1
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		switch n.Type() {
		case "if_statement", "for_statement", "for_in_statement", "while_statement",
			"do_statement", "switch_case", "catch_clause", "conditional_expression",
			"ternary_expression":
			count++
		case "binary_expression":
			// && and || add paths.
			for i := 0; i < int(n.ChildCount()); i++ {
				t := n.Child(i).Type()
				if t == "&&" || t == "||" || t == "??" {
					count++
				}
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			visit(n.Child(i))
		}
	}
	visit(node)
	return count
}

// emitTypeEdges adds PARAM_TYPE and RETURNS_TYPE edges for a callable's
// user-defined types.
func (ex *extraction) emitTypeEdges(sym *graph.SymbolEntity) {
	for _, param := range sym.Parameters {
		base := graph.BaseTypeName(param.Type)
		if base == "" || isBuiltinType(base) {
			continue
		}
		rel := graph.NewRelationship(graph.RelParamType, sym.ID, ex.typeRef(base))
		rel.Metadata = map[string]any{"param": param.Name}
		ex.addRel(rel)
	}
	if base := graph.BaseTypeName(sym.ReturnType); base != "" && !isBuiltinType(base) {
		ex.addRel(graph.NewRelationship(graph.RelReturnsType, sym.ID, ex.typeRef(base)))
	}
}

// collectCallSites records same-file call sites on the symbol and emits a
// CALLS edge per distinct callee name. Calls to stop-listed globals are
// skipped.
func (ex *extraction) collectCallSites(node *sitter.Node, sym *graph.SymbolEntity) {
	seen := make(map[string]struct{})
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if n.Type() == "call_expression" {
			if fn := n.ChildByFieldName("function"); fn != nil {
				callee := calleeName(fn, ex.content)
				if callee != "" && !isStopListed(callee) {
					sym.CallSites = append(sym.CallSites, graph.CallSite{
						Callee: callee,
						Line:   int(n.StartPoint().Row) + 1,
					})
					if _, dup := seen[callee]; !dup {
						seen[callee] = struct{}{}
						ex.addRel(graph.NewRelationship(graph.RelCalls, sym.ID,
							graph.PlaceholderRef(graph.SymbolFunction, callee)))
					}
				}
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			visit(n.Child(i))
		}
	}
	visit(node)
}

// calleeName extracts the called name: bare identifier, or the property of a
// member expression ("obj.method" yields "method").
func calleeName(node *sitter.Node, content []byte) string {
	switch node.Type() {
	case "identifier":
		return nodeText(node, content)
	case "member_expression":
		if prop := node.ChildByFieldName("property"); prop != nil {
			return nodeText(prop, content)
		}
	}
	return ""
}

// isStopListed filters runtime globals and noise names from CALLS edges.
func isStopListed(name string) bool {
	switch name {
	case "log", "warn", "error", "info", "debug", "require",
		"parseInt", "parseFloat", "isNaN", "isFinite", "setTimeout",
		"setInterval", "clearTimeout", "clearInterval", "String", "Number",
		"Boolean", "Array", "Object", "Symbol", "Promise", "resolve",
		"reject", "then", "catch", "finally", "stringify", "parse",
		"push", "pop", "shift", "unshift", "map", "filter", "reduce",
		"forEach", "join", "split", "slice", "splice", "concat",
		"indexOf", "includes", "find", "some", "every", "keys", "values",
		"entries", "has", "get", "set", "add", "delete", "toString",
		"hasOwnProperty", "freeze", "assign", "bind", "call", "apply":
		return true
	}
	return false
}

// ---- decorators ----

// extractDecorators emits REFERENCES edges from a decorated symbol to each
// decorator name.
func (ex *extraction) extractDecorators(node *sitter.Node, symID string) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() != "decorator" {
			continue
		}
		name := strings.TrimPrefix(ex.text(child), "@")
		if lp := strings.IndexByte(name, '('); lp > 0 {
			name = name[:lp]
		}
		rel := graph.NewRelationship(graph.RelReferences, symID, graph.ExternalRef(name))
		rel.Confidence = 0.4
		rel.Metadata = map[string]any{"decorator": true}
		ex.addRel(rel)
	}
}

// ---- imports / exports ----

func (ex *extraction) extractImport(node *sitter.Node) {
	srcNode := node.ChildByFieldName("source")
	if srcNode == nil {
		return
	}
	spec := strings.Trim(ex.text(srcNode), "\"'`")
	imp := ImportSpec{Specifier: spec, Line: int(node.StartPoint().Row) + 1}

	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		switch n.Type() {
		case "import_specifier":
			if name := n.ChildByFieldName("name"); name != nil {
				imp.Names = append(imp.Names, ex.text(name))
			}
		case "identifier":
			// Default import: import Foo from "./foo".
			if n.Parent() != nil && n.Parent().Type() == "import_clause" {
				imp.Names = append(imp.Names, ex.text(n))
				imp.IsDefault = true
			}
		case "namespace_import":
			for i := 0; i < int(n.ChildCount()); i++ {
				if n.Child(i).Type() == "identifier" {
					imp.Names = append(imp.Names, ex.text(n.Child(i)))
				}
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			visit(n.Child(i))
		}
	}
	visit(node)
	ex.imports = append(ex.imports, imp)
}

func (ex *extraction) extractExport(node *sitter.Node) {
	var from string
	if srcNode := node.ChildByFieldName("source"); srcNode != nil {
		from = strings.Trim(ex.text(srcNode), "\"'`")
	}

	found := false
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if n.Type() == "export_specifier" {
			if name := n.ChildByFieldName("name"); name != nil {
				ex.exports = append(ex.exports, ExportSpec{Name: ex.text(name), From: from})
				found = true
			}
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			visit(n.Child(i))
		}
	}
	visit(node)

	if !found && from != "" {
		// export * from "./mod"
		ex.exports = append(ex.exports, ExportSpec{Name: "*", From: from})
		return
	}
	if !found {
		// export const / export function / export class: name comes from
		// the declaration child.
		if decl := node.ChildByFieldName("declaration"); decl != nil {
			if name := decl.ChildByFieldName("name"); name != nil {
				ex.exports = append(ex.exports, ExportSpec{Name: ex.text(name)})
			}
		}
	}
}

// docComment returns the documentation comment immediately preceding a
// declaration, with comment markers stripped. A declaration wrapped in an
// export statement takes the comment preceding the export.
func (ex *extraction) docComment(node *sitter.Node) string {
	target := node
	if p := node.Parent(); p != nil && p.Type() == "export_statement" {
		target = p
	}
	prev := target.PrevSibling()
	if prev == nil || prev.Type() != "comment" {
		return ""
	}
	// Only a comment that sits directly above the declaration documents it.
	if int(target.StartPoint().Row)-int(prev.EndPoint().Row) > 1 {
		return ""
	}

	// Collect a run of adjacent line comments above the nearest one.
	comments := []*sitter.Node{prev}
	for {
		p := comments[len(comments)-1].PrevSibling()
		last := comments[len(comments)-1]
		if p == nil || p.Type() != "comment" ||
			int(last.StartPoint().Row)-int(p.EndPoint().Row) > 1 ||
			strings.HasPrefix(ex.text(last), "/*") {
			break
		}
		comments = append(comments, p)
	}

	var lines []string
	for i := len(comments) - 1; i >= 0; i-- {
		lines = append(lines, cleanCommentText(ex.text(comments[i]))...)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// cleanCommentText strips //, /* */ and JSDoc leading-* markers, returning
// the content lines.
func cleanCommentText(raw string) []string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "/*") {
		raw = strings.TrimPrefix(raw, "/**")
		raw = strings.TrimPrefix(raw, "/*")
		raw = strings.TrimSuffix(raw, "*/")
	}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "//")
		line = strings.TrimPrefix(line, "*")
		line = strings.TrimSpace(line)
		if line == "" && len(out) == 0 {
			continue
		}
		out = append(out, line)
	}
	// Drop trailing blank lines left by the close marker.
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

// isExported reports whether a declaration node sits under an export
// statement.
func (ex *extraction) isExported(node *sitter.Node) bool {
	for p := node.Parent(); p != nil; p = p.Parent() {
		if p.Type() == "export_statement" {
			return true
		}
		if p.Type() == "program" {
			return false
		}
	}
	return false
}

// typeRef resolves a type name to a ref. Resolution against the cache runs
// later; at extraction time every type target is a placeholder.
func (ex *extraction) typeRef(name string) *graph.Ref {
	return graph.PlaceholderRef(graph.SymbolClass, name)
}
