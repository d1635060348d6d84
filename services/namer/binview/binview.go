// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package binview describes the view of a decompiled binary that the naming
// operations consume: functions with their decompiled lines and callees,
// function-scoped variables, and transactional renaming.
//
// The code database owns every entity. Callers read and rename through a Txn
// and never hold on to entities across transactions.
package binview

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotFound is returned when an address or variable does not resolve.
var ErrNotFound = errors.New("binview: not found")

// Address identifies a function or a decompiled line.
type Address uint64

// String renders the address as lowercase hex with a 0x prefix.
func (a Address) String() string {
	return "0x" + strconv.FormatUint(uint64(a), 16)
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. See ParseAddress.
func (a *Address) UnmarshalText(text []byte) error {
	v, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAddress parses "0x401000", "401000h" or a plain decimal number.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	base := 10
	switch {
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		s, base = s[2:], 16
	case strings.HasSuffix(s, "h"), strings.HasSuffix(s, "H"):
		s, base = s[:len(s)-1], 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("binview: invalid address %q: %w", s, err)
	}
	return Address(v), nil
}

// VariableID is the identity of a variable: its function and its slot.
// Two variables with the same name in one function are still distinct.
type VariableID struct {
	Function Address `yaml:"function" json:"function"`
	Index    int     `yaml:"index" json:"index"`
}

func (id VariableID) String() string {
	return fmt.Sprintf("%s:%d", id.Function, id.Index)
}

// Variable is a function-scoped variable with a mutable display name.
type Variable struct {
	ID   VariableID `yaml:"id" json:"id"`
	Name string     `yaml:"name" json:"name" validate:"required"`
}

// TokenKind says how a Token is rendered.
type TokenKind int

const (
	// TokenText is literal text.
	TokenText TokenKind = iota
	// TokenVar renders as the current name of Token.Var.
	TokenVar
	// TokenFunc renders as the current name of the function at Token.Func.
	TokenFunc
)

var tokenKindNames = [...]string{"text", "var", "func"}

func (k TokenKind) String() string {
	if int(k) >= 0 && int(k) < len(tokenKindNames) {
		return tokenKindNames[k]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k TokenKind) MarshalText() ([]byte, error) {
	if k.String() == "unknown" {
		return nil, fmt.Errorf("binview: unknown token kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *TokenKind) UnmarshalText(text []byte) error {
	for i, name := range tokenKindNames {
		if string(text) == name {
			*k = TokenKind(i)
			return nil
		}
	}
	return fmt.Errorf("binview: unknown token kind %q", string(text))
}

// Token is one piece of a decompiled line.
//
// Text is always populated. For TokenVar and TokenFunc it holds the name at
// import time and is used only when the reference no longer resolves.
type Token struct {
	Kind TokenKind  `yaml:"kind" json:"kind"`
	Text string     `yaml:"text,omitempty" json:"text,omitempty"`
	Var  VariableID `yaml:"var,omitempty" json:"var,omitempty"`
	Func Address    `yaml:"func,omitempty" json:"func,omitempty"`
}

// Line is one decompiled instruction line.
type Line struct {
	Address Address `yaml:"address" json:"address"`
	Tokens  []Token `yaml:"tokens" json:"tokens"`
}

// Vars returns the variables referenced by the line, deduplicated by
// identity in first-seen order.
func (l Line) Vars() []VariableID {
	var out []VariableID
	seen := make(map[VariableID]struct{})
	for _, t := range l.Tokens {
		if t.Kind != TokenVar {
			continue
		}
		if _, ok := seen[t.Var]; ok {
			continue
		}
		seen[t.Var] = struct{}{}
		out = append(out, t.Var)
	}
	return out
}

// Function is a decompiled function.
type Function struct {
	Address Address   `yaml:"address" json:"address"`
	Name    string    `yaml:"name" json:"name" validate:"required"`
	Callees []Address `yaml:"callees,omitempty" json:"callees,omitempty"`
	Lines   []Line    `yaml:"lines" json:"lines"`
}

// Instruction is the decompiled line at one address, resolved to its owner.
type Instruction struct {
	Address  Address      `json:"address"`
	Function Address      `json:"function"`
	Text     string       `json:"text"`
	Vars     []VariableID `json:"vars"`
}

// Txn is a view of the code database. Reads inside a writable Txn observe
// its own pending renames. Exactly one of Commit or Discard ends it;
// Discard after Commit is a no-op.
type Txn interface {
	// Functions returns every function in ascending address order.
	Functions() ([]Function, error)
	Function(addr Address) (Function, error)
	// FunctionContaining resolves the function owning the line at addr.
	FunctionContaining(addr Address) (Function, error)
	// Variables returns the variables of fn in slot order.
	Variables(fn Address) ([]Variable, error)
	Variable(id VariableID) (Variable, error)
	RenameFunction(addr Address, name string) error
	RenameVariable(id VariableID, name string) error
	Commit() error
	Discard()
}

// Database opens transactions on a code database.
type Database interface {
	Begin(ctx context.Context, writable bool) (Txn, error)
}

// View runs fn in a read-only transaction that is always discarded.
func View(ctx context.Context, db Database, fn func(Txn) error) error {
	txn, err := db.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer txn.Discard()
	return fn(txn)
}
