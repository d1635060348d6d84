// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package binview

import (
	"errors"
	"fmt"
	"strings"
)

// renderer resolves token references against one transaction, caching
// names for the duration of a single render.
type renderer struct {
	txn   Txn
	vars  map[VariableID]string
	funcs map[Address]string
}

func newRenderer(txn Txn) *renderer {
	return &renderer{
		txn:   txn,
		vars:  make(map[VariableID]string),
		funcs: make(map[Address]string),
	}
}

func (r *renderer) loadVars(fn Address) error {
	vars, err := r.txn.Variables(fn)
	if err != nil {
		return err
	}
	for _, v := range vars {
		r.vars[v.ID] = v.Name
	}
	return nil
}

func (r *renderer) varName(t Token) (string, error) {
	if name, ok := r.vars[t.Var]; ok {
		return name, nil
	}
	v, err := r.txn.Variable(t.Var)
	if errors.Is(err, ErrNotFound) {
		return t.Text, nil
	}
	if err != nil {
		return "", err
	}
	r.vars[t.Var] = v.Name
	return v.Name, nil
}

func (r *renderer) funcName(t Token) (string, error) {
	if name, ok := r.funcs[t.Func]; ok {
		return name, nil
	}
	f, err := r.txn.Function(t.Func)
	if errors.Is(err, ErrNotFound) {
		return t.Text, nil
	}
	if err != nil {
		return "", err
	}
	r.funcs[t.Func] = f.Name
	return f.Name, nil
}

func (r *renderer) line(l Line) (string, error) {
	var b strings.Builder
	for _, t := range l.Tokens {
		switch t.Kind {
		case TokenVar:
			name, err := r.varName(t)
			if err != nil {
				return "", err
			}
			b.WriteString(name)
		case TokenFunc:
			name, err := r.funcName(t)
			if err != nil {
				return "", err
			}
			b.WriteString(name)
		default:
			b.WriteString(t.Text)
		}
	}
	return b.String(), nil
}

// Decompile renders the function at addr with current names.
//
// Description:
//
//	Each line is rendered by substituting the current variable and function
//	names for reference tokens; lines are joined by "\n". Inside a writable
//	Txn the text reflects renames made earlier in the same transaction.
//
// Outputs:
//
//	string - The decompiled text.
//	error - ErrNotFound if no function starts at addr.
func Decompile(txn Txn, addr Address) (string, error) {
	fn, err := txn.Function(addr)
	if err != nil {
		return "", err
	}
	return DecompileFunction(txn, fn)
}

// DecompileFunction is Decompile for an already loaded function.
func DecompileFunction(txn Txn, fn Function) (string, error) {
	r := newRenderer(txn)
	if err := r.loadVars(fn.Address); err != nil {
		return "", fmt.Errorf("loading variables of %s: %w", fn.Address, err)
	}
	lines := make([]string, 0, len(fn.Lines))
	for _, l := range fn.Lines {
		text, err := r.line(l)
		if err != nil {
			return "", fmt.Errorf("rendering line %s: %w", l.Address, err)
		}
		lines = append(lines, text)
	}
	return strings.Join(lines, "\n"), nil
}

// FunctionVariables returns every distinct variable referenced in fn's
// lines, by identity, in first-seen order.
func FunctionVariables(fn Function) []VariableID {
	var out []VariableID
	seen := make(map[VariableID]struct{})
	for _, l := range fn.Lines {
		for _, id := range l.Vars() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// InstructionAt resolves the decompiled line at addr.
//
// Outputs:
//
//	Instruction - The line's owner, rendered text and referenced variables.
//	error - ErrNotFound if no line has that address.
func InstructionAt(txn Txn, addr Address) (Instruction, error) {
	fn, err := txn.FunctionContaining(addr)
	if err != nil {
		return Instruction{}, err
	}
	for _, l := range fn.Lines {
		if l.Address != addr {
			continue
		}
		r := newRenderer(txn)
		if err := r.loadVars(fn.Address); err != nil {
			return Instruction{}, err
		}
		text, err := r.line(l)
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{
			Address:  addr,
			Function: fn.Address,
			Text:     text,
			Vars:     l.Vars(),
		}, nil
	}
	return Instruction{}, fmt.Errorf("line %s in %s: %w", addr, fn.Address, ErrNotFound)
}
