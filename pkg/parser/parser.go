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

// Package parser turns TypeScript and JavaScript source into typed graph
// fragments using Tree-sitter, and diffs successive parses of one file into
// incremental deltas.
package parser

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"log/slog"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/kraklabs/codegraph/pkg/graph"
	"github.com/kraklabs/codegraph/pkg/reliability"
)

// FileParse is the complete extraction result for one file.
type FileParse struct {
	File          *graph.FileEntity
	Symbols       []*graph.SymbolEntity
	Relationships []*graph.Relationship
	Imports       []ImportSpec
	Exports       []ExportSpec
}

// ImportSpec is one import statement in a file.
type ImportSpec struct {
	Specifier string   // module specifier as written, e.g. "./util" or "lodash"
	Names     []string // imported bindings; empty for side-effect imports
	IsDefault bool
	Line      int
}

// ExportSpec is one exported binding, including re-exports.
type ExportSpec struct {
	Name string
	// From is the module specifier for re-exports ("export { x } from './y'"),
	// empty for local exports.
	From string
}

// Parser extracts graph fragments from source text. Tree-sitter parsers are
// not safe for concurrent use, so instances are pooled per language.
type Parser struct {
	logger *slog.Logger

	tsPool sync.Pool
	jsPool sync.Pool
	init   sync.Once
}

// New creates a parser.
func New(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

func (p *Parser) initPools() {
	p.init.Do(func() {
		p.tsPool.New = func() any {
			parser := sitter.NewParser()
			parser.SetLanguage(typescript.GetLanguage())
			return parser
		}
		p.jsPool.New = func() any {
			parser := sitter.NewParser()
			parser.SetLanguage(javascript.GetLanguage())
			return parser
		}
	})
}

// DetectLanguage maps a file path to a supported language, or "" when the
// file is not parseable source.
func DetectLanguage(filePath string) string {
	switch strings.ToLower(path.Ext(filePath)) {
	case ".ts", ".tsx", ".mts", ".cts":
		return "typescript"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	default:
		return ""
	}
}

// Parse extracts the file entity, its symbols and intra-file relationships
// from content. An empty file yields a file entity with no symbols.
func (p *Parser) Parse(ctx context.Context, filePath string, content []byte) (*FileParse, error) {
	p.initPools()

	relPath := graph.NormalizePath(filePath)
	language := DetectLanguage(relPath)
	if language == "" {
		return nil, reliability.Errorf(reliability.KindParse, false,
			"unsupported file type: %s", relPath)
	}

	file := &graph.FileEntity{
		ID:        graph.GenerateFileID(relPath),
		Path:      relPath,
		Extension: strings.TrimPrefix(path.Ext(relPath), "."),
		Size:      int64(len(content)),
		LineCount: strings.Count(string(content), "\n") + 1,
		Language:  language,
		Hash:      graph.ShortHash(string(content)),
		IsTest:    isTestPath(relPath),
		IsConfig:  isConfigPath(relPath),
	}
	if len(content) == 0 {
		file.LineCount = 0
		return &FileParse{File: file}, nil
	}

	pool := &p.tsPool
	if language == "javascript" {
		pool = &p.jsPool
	}
	parserObj := pool.Get()
	parser, ok := parserObj.(*sitter.Parser)
	if !ok {
		return nil, reliability.Errorf(reliability.KindParse, false, "invalid parser in %s pool", language)
	}
	defer pool.Put(parser)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, reliability.NewError(reliability.KindParse, false,
			fmt.Errorf("tree-sitter parse %s: %w", relPath, err))
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		if n := countErrors(root); n > 0 {
			p.logger.Warn("parser.syntax_errors", "path", relPath, "error_count", n)
		}
	}

	ex := newExtraction(relPath, content)
	ex.walk(root, "")
	ex.finish(file)

	p.logger.Debug("parser.parse.complete",
		"path", relPath,
		"symbols", len(ex.symbols),
		"relationships", len(ex.relationships),
	)

	return &FileParse{
		File:          file,
		Symbols:       ex.symbols,
		Relationships: ex.relationships,
		Imports:       ex.imports,
		Exports:       ex.exports,
	}, nil
}

func isTestPath(p string) bool {
	return strings.Contains(p, ".test.") || strings.Contains(p, ".spec.") ||
		strings.Contains(p, "__tests__/")
}

func isConfigPath(p string) bool {
	base := path.Base(p)
	return strings.Contains(base, ".config.") || strings.HasPrefix(base, ".") ||
		base == "tsconfig.json" || base == "package.json"
}

// countErrors counts ERROR nodes in the AST.
func countErrors(node *sitter.Node) int {
	count := 0
	if node.Type() == "ERROR" {
		count++
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		count += countErrors(node.Child(i))
	}
	return count
}

// nodeText returns the source text of a node.
func nodeText(node *sitter.Node, content []byte) string {
	return string(content[node.StartByte():node.EndByte()])
}
