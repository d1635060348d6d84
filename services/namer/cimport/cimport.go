// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cimport builds a binview.Program from a decompiled C listing, the
// kind of pseudo-C a decompiler exports for a whole binary.
package cimport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"

	"github.com/AleutianAI/AleutianNamer/services/namer/binview"
)

const (
	// DefaultMaxFileSize bounds the listing size accepted by Import.
	DefaultMaxFileSize int64 = 32 * 1024 * 1024

	// syntheticBase and syntheticStride place functions whose names carry
	// no address.
	syntheticBase   binview.Address = 0x100000
	syntheticStride binview.Address = 0x1000
)

var (
	// ErrFileTooLarge is returned for listings above the size limit.
	ErrFileTooLarge = errors.New("cimport: listing too large")

	// ErrInvalidContent is returned for listings that are not UTF-8.
	ErrInvalidContent = errors.New("cimport: listing is not valid UTF-8")

	// ErrNoFunctions is returned when the listing defines no function.
	ErrNoFunctions = errors.New("cimport: listing defines no functions")
)

// placeholderAddrRe matches decompiler default names that embed an address.
var placeholderAddrRe = regexp.MustCompile(`^(?:sub|func|FUN|fcn)_(?:0x)?([0-9a-fA-F]+)$`)

// declaratorTypes are the node types that can name a declared variable.
var declaratorTypes = map[string]bool{
	"identifier":               true,
	"init_declarator":          true,
	"pointer_declarator":       true,
	"array_declarator":         true,
	"parenthesized_declarator": true,
}

// Option configures an Importer.
type Option func(*Importer)

// WithMaxFileSize sets the largest listing Import accepts.
func WithMaxFileSize(n int64) Option {
	return func(im *Importer) {
		if n > 0 {
			im.maxFileSize = n
		}
	}
}

// WithLogger sets the importer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(im *Importer) {
		if l != nil {
			im.logger = l
		}
	}
}

// Importer turns decompiled C listings into programs.
//
// Thread Safety: Safe for concurrent use; each Import creates its own
// tree-sitter parser.
type Importer struct {
	maxFileSize int64
	logger      *slog.Logger
}

// New returns an Importer with default limits.
func New(opts ...Option) *Importer {
	im := &Importer{maxFileSize: DefaultMaxFileSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// parsedFunc is a function_definition before addresses are assigned.
type parsedFunc struct {
	node     *sitter.Node
	name     string
	params   *sitter.Node
	body     *sitter.Node
	addr     binview.Address
	hasAddr  bool
	varNames []string
}

// Import parses a listing and returns the program it describes.
//
// Description:
//
//	Every top-level function definition becomes a function. Its address is
//	taken from a placeholder name such as sub_401000 or FUN_00401000;
//	other functions get synthetic addresses from 0x100000 upward in listing
//	order. Each source line of the definition is one decompiled line whose
//	address is its 1-based line number in the listing. Parameters and local
//	declarations become the function's variables. Identifiers naming a
//	variable or a defined function become reference tokens, and calls to
//	defined functions become callees.
//
// Inputs:
//
//	ctx - Checked before and after parsing.
//	content - The listing. Syntax errors are tolerated and logged.
//	name - Program name.
//
// Outputs:
//
//	*binview.Program - A validated program.
//	error - ErrFileTooLarge, ErrInvalidContent, ErrNoFunctions, or a parse
//	or context error.
func (im *Importer) Import(ctx context.Context, content []byte, name string) (*binview.Program, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cimport: canceled before start: %w", err)
	}
	if int64(len(content)) > im.maxFileSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, len(content), im.maxFileSize)
	}
	if !utf8.Valid(content) {
		return nil, ErrInvalidContent
	}

	parser := sitter.NewParser()
	parser.SetLanguage(c.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("cimport: tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, fmt.Errorf("cimport: tree-sitter returned nil root node")
	}
	if root.HasError() {
		im.logger.Warn("listing contains syntax errors", slog.String("program", name))
	}

	var funcs []*parsedFunc
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if child == nil || child.Type() != "function_definition" {
			continue
		}
		if pf := parseFunction(child, content); pf != nil {
			funcs = append(funcs, pf)
		}
	}
	if len(funcs) == 0 {
		return nil, ErrNoFunctions
	}
	assignAddresses(funcs)

	byName := make(map[string]binview.Address, len(funcs))
	for _, pf := range funcs {
		if _, dup := byName[pf.name]; dup {
			im.logger.Warn("duplicate function definition, later one shadows calls",
				slog.String("function", pf.name))
		}
		byName[pf.name] = pf.addr
	}

	lineStarts := lineOffsets(content)
	p := &binview.Program{Name: name}
	for _, pf := range funcs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("cimport: canceled during extraction: %w", err)
		}
		fn, vars := buildFunction(pf, content, lineStarts, byName)
		p.Functions = append(p.Functions, fn)
		p.Variables = append(p.Variables, vars...)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("cimport: result validation failed: %w", err)
	}
	im.logger.Info("listing imported",
		slog.String("program", name),
		slog.Int("functions", len(p.Functions)),
		slog.Int("variables", len(p.Variables)),
	)
	return p, nil
}

func nodeText(node *sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}

// declaratorName follows a declarator chain down to its identifier.
// Returns nil for abstract declarators.
func declaratorName(d *sitter.Node) *sitter.Node {
	for d != nil {
		switch d.Type() {
		case "identifier":
			return d
		case "parenthesized_declarator":
			d = d.NamedChild(0)
		default:
			d = d.ChildByFieldName("declarator")
		}
	}
	return nil
}

func parseFunction(node *sitter.Node, source []byte) *parsedFunc {
	pf := &parsedFunc{node: node, body: node.ChildByFieldName("body")}

	d := node.ChildByFieldName("declarator")
	for d != nil && d.Type() != "identifier" {
		switch d.Type() {
		case "function_declarator":
			if pf.params == nil {
				pf.params = d.ChildByFieldName("parameters")
			}
			d = d.ChildByFieldName("declarator")
		case "parenthesized_declarator":
			d = d.NamedChild(0)
		default:
			d = d.ChildByFieldName("declarator")
		}
	}
	if d == nil {
		return nil
	}
	pf.name = nodeText(d, source)

	if m := placeholderAddrRe.FindStringSubmatch(pf.name); m != nil {
		if v, err := strconv.ParseUint(m[1], 16, 64); err == nil {
			pf.addr, pf.hasAddr = binview.Address(v), true
		}
	}

	seen := make(map[string]bool)
	add := func(n *sitter.Node) {
		if n == nil {
			return
		}
		name := nodeText(n, source)
		if !seen[name] {
			seen[name] = true
			pf.varNames = append(pf.varNames, name)
		}
	}
	if pf.params != nil {
		for i := 0; i < int(pf.params.NamedChildCount()); i++ {
			param := pf.params.NamedChild(i)
			if param == nil || param.Type() != "parameter_declaration" {
				continue
			}
			add(declaratorName(param.ChildByFieldName("declarator")))
		}
	}
	walk(pf.body, func(n *sitter.Node) bool {
		if n.Type() != "declaration" {
			return true
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			if child != nil && declaratorTypes[child.Type()] {
				add(declaratorName(child))
			}
		}
		// Initializers may contain nested declarations only in GNU
		// statement expressions, which are not followed.
		return false
	})
	return pf
}

// walk visits node and its descendants in source order. visit returns false
// to skip a node's children.
func walk(node *sitter.Node, visit func(*sitter.Node) bool) {
	if node == nil {
		return
	}
	stack := []*sitter.Node{node}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !visit(n) {
			continue
		}
		for i := int(n.ChildCount()) - 1; i >= 0; i-- {
			if child := n.Child(i); child != nil {
				stack = append(stack, child)
			}
		}
	}
}

// assignAddresses gives every function without an embedded address the
// next free synthetic address, in listing order.
func assignAddresses(funcs []*parsedFunc) {
	taken := make(map[binview.Address]bool)
	for _, pf := range funcs {
		if !pf.hasAddr {
			continue
		}
		if taken[pf.addr] {
			// Two definitions claiming one address: the later one is synthetic.
			pf.hasAddr = false
			continue
		}
		taken[pf.addr] = true
	}
	next := syntheticBase
	for _, pf := range funcs {
		if pf.hasAddr {
			continue
		}
		for taken[next] {
			next += syntheticStride
		}
		pf.addr = next
		taken[next] = true
		next += syntheticStride
	}
}

// lineOffsets returns the byte offset at which each line starts.
func lineOffsets(content []byte) []int {
	offsets := []int{0}
	for i, b := range content {
		if b == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

type ref struct {
	start, end int
	token      binview.Token
}

func buildFunction(pf *parsedFunc, source []byte, lineStarts []int, byName map[string]binview.Address) (binview.Function, []binview.Variable) {
	fn := binview.Function{Address: pf.addr, Name: pf.name}

	varIdx := make(map[string]int, len(pf.varNames))
	vars := make([]binview.Variable, 0, len(pf.varNames))
	for i, name := range pf.varNames {
		varIdx[name] = i
		vars = append(vars, binview.Variable{
			ID:   binview.VariableID{Function: pf.addr, Index: i},
			Name: name,
		})
	}

	var refs []ref
	calleeSeen := make(map[binview.Address]bool)
	walk(pf.node, func(n *sitter.Node) bool {
		switch n.Type() {
		case "identifier":
			name := nodeText(n, source)
			r := ref{start: int(n.StartByte()), end: int(n.EndByte())}
			if i, ok := varIdx[name]; ok {
				r.token = binview.Token{Kind: binview.TokenVar, Text: name, Var: binview.VariableID{Function: pf.addr, Index: i}}
			} else if addr, ok := byName[name]; ok {
				r.token = binview.Token{Kind: binview.TokenFunc, Text: name, Func: addr}
			} else {
				return false
			}
			refs = append(refs, r)
			return false
		case "call_expression":
			callee := n.ChildByFieldName("function")
			if callee != nil && callee.Type() == "identifier" {
				if addr, ok := byName[nodeText(callee, source)]; ok && !calleeSeen[addr] {
					calleeSeen[addr] = true
					fn.Callees = append(fn.Callees, addr)
				}
			}
		}
		return true
	})
	sort.Slice(refs, func(i, j int) bool { return refs[i].start < refs[j].start })

	startRow := int(pf.node.StartPoint().Row)
	endRow := int(pf.node.EndPoint().Row)
	for row := startRow; row <= endRow && row < len(lineStarts); row++ {
		lineStart := lineStarts[row]
		lineEnd := len(source)
		if row+1 < len(lineStarts) {
			lineEnd = lineStarts[row+1] - 1
		}
		lineEnd = trimCR(source, lineStart, lineEnd)

		var tokens []binview.Token
		pos := lineStart
		for len(refs) > 0 && refs[0].start < lineEnd {
			r := refs[0]
			refs = refs[1:]
			if r.start < pos {
				continue
			}
			if r.start > pos {
				tokens = append(tokens, binview.Token{Kind: binview.TokenText, Text: string(source[pos:r.start])})
			}
			tokens = append(tokens, r.token)
			pos = r.end
		}
		if pos < lineEnd {
			tokens = append(tokens, binview.Token{Kind: binview.TokenText, Text: string(source[pos:lineEnd])})
		}
		fn.Lines = append(fn.Lines, binview.Line{
			Address: binview.Address(row + 1),
			Tokens:  tokens,
		})
	}
	return fn, vars
}

func trimCR(source []byte, start, end int) int {
	if end > start && bytes.HasSuffix(source[start:end], []byte("\r")) {
		return end - 1
	}
	return end
}
