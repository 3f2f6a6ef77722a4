// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import (
	"fmt"
	"path"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// FileEntity represents a source file in the workspace.
type FileEntity struct {
	ID           string   `json:"id"`
	Path         string   `json:"path"` // POSIX-normalized, relative to workspace root
	Extension    string   `json:"extension"`
	Size         int64    `json:"size"`
	LineCount    int      `json:"lineCount"`
	Language     string   `json:"language"`
	Dependencies []string `json:"dependencies,omitempty"` // import specifiers
	IsTest       bool     `json:"isTest"`
	IsConfig     bool     `json:"isConfig"`
	Hash         string   `json:"hash"` // content fingerprint
}

func (f *FileEntity) EntityID() string       { return f.ID }
func (f *FileEntity) EntityKind() EntityKind { return KindFile }
func (f *FileEntity) ContentHash() string    { return f.Hash }

// DirectoryEntity represents one directory on the chain from the workspace
// root down to an indexed file.
type DirectoryEntity struct {
	ID       string   `json:"id"`
	Path     string   `json:"path"`
	Depth    int      `json:"depth"`
	Children []string `json:"children,omitempty"` // child entity ids
}

func (d *DirectoryEntity) EntityID() string       { return d.ID }
func (d *DirectoryEntity) EntityKind() EntityKind { return KindDirectory }

// ContentHash for a directory covers its path and child set.
func (d *DirectoryEntity) ContentHash() string {
	h := xxhash.New()
	_, _ = h.WriteString(d.Path)
	for _, c := range d.Children {
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(c)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// ModuleEntity represents a logical package/module.
type ModuleEntity struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Version    string            `json:"version,omitempty"`
	EntryPoint string            `json:"entryPoint,omitempty"`
	Manifest   map[string]string `json:"manifest,omitempty"` // manifest snapshot
}

func (m *ModuleEntity) EntityID() string       { return m.ID }
func (m *ModuleEntity) EntityKind() EntityKind { return KindModule }

func (m *ModuleEntity) ContentHash() string {
	h := xxhash.New()
	_, _ = h.WriteString(m.Name)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(m.Version)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(m.EntryPoint)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Parameter is one ordered function/method parameter.
type Parameter struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Default  string `json:"default,omitempty"`
}

// CallSite records a call made from within a symbol's body.
type CallSite struct {
	Callee string `json:"callee"`
	Line   int    `json:"line"`
}

// SymbolEntity represents one declaration: function, method, class,
// interface, type alias, property, or variable. Kind-specific fields are
// populated only for the matching kind.
type SymbolEntity struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Kind         SymbolKind `json:"kind"`
	FilePath     string     `json:"filePath"`
	Signature    string     `json:"signature"`
	Visibility   Visibility `json:"visibility"`
	IsExported   bool       `json:"isExported"`
	IsDeprecated bool       `json:"isDeprecated,omitempty"`
	Docstring    string     `json:"docstring,omitempty"`
	StartLine    int        `json:"startLine"`
	EndLine      int        `json:"endLine"`

	// function / method
	Parameters  []Parameter `json:"parameters,omitempty"`
	ReturnType  string      `json:"returnType,omitempty"`
	IsAsync     bool        `json:"isAsync,omitempty"`
	IsGenerator bool        `json:"isGenerator,omitempty"`
	Complexity  int         `json:"complexity,omitempty"`
	CallSites   []CallSite  `json:"callSites,omitempty"`

	// class / interface
	Extends    []string `json:"extends,omitempty"` // 0..1 for classes, 0..n for interfaces
	Implements []string `json:"implements,omitempty"`
	Methods    []string `json:"methods,omitempty"`
	Properties []string `json:"properties,omitempty"`
	IsAbstract bool     `json:"isAbstract,omitempty"`

	// typeAlias
	AliasedType    string `json:"aliasedType,omitempty"`
	IsUnion        bool   `json:"isUnion,omitempty"`
	IsIntersection bool   `json:"isIntersection,omitempty"`
}

func (s *SymbolEntity) EntityID() string       { return s.ID }
func (s *SymbolEntity) EntityKind() EntityKind { return KindSymbol }

// ContentHash covers the signature only: a symbol whose signature is
// unchanged is considered unchanged for diffing purposes.
func (s *SymbolEntity) ContentHash() string { return ShortHash(s.Signature) }

// MapKey returns the symbol-map key "{fileRelPath}:{name}" used by the
// per-file cache and the global symbol index.
func (s *SymbolEntity) MapKey() string { return s.FilePath + ":" + s.Name }

// ShortHash returns a 16-hex-digit xxhash of s. Used for symbol identity
// suffixes and relationship ids.
func ShortHash(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

// shortHash8 is the truncated 8-hex form used inside symbol ids.
func shortHash8(s string) string {
	return ShortHash(s)[:8]
}

// NormalizePath converts p to a POSIX path relative to the workspace root.
// Backslashes are normalized, "." and ".." segments are collapsed, and any
// leading "./" is dropped.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	if p == "." {
		return ""
	}
	return strings.TrimPrefix(p, "/")
}

// GenerateFileID generates a deterministic ID for a file entity.
func GenerateFileID(relPath string) string {
	return "file:" + NormalizePath(relPath)
}

// GenerateDirectoryID generates a deterministic ID for a directory entity.
func GenerateDirectoryID(relPath string) string {
	return "dir:" + NormalizePath(relPath)
}

// GenerateModuleID generates a deterministic ID for a module entity.
func GenerateModuleID(name string) string {
	return "mod:" + name
}

// GenerateSymbolID generates the deterministic symbol identity
// "sym:{file}#{name}@{shorthash(signature)}". Same name + signature + file
// yields the same id across runs and machines.
func GenerateSymbolID(fileRelPath, name, signature string) string {
	return fmt.Sprintf("sym:%s#%s@%s", NormalizePath(fileRelPath), name, shortHash8(signature))
}
