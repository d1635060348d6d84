// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cimport

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNamer/services/namer/binview"
)

const listing = `int32_t sub_401000(char* arg1)
{
    int32_t var_8 = 0;
    while (arg1[var_8] != 0)
        var_8 += 1;
    return var_8;
}

int32_t sub_401100(char* arg1, char* arg2)
{
    int32_t var_c = sub_401000(arg1);
    memcpy(arg2, arg1, var_c);
    return var_c;
}

int main(int argc, char** argv)
{
    char buf[64];
    return sub_401100(argv[1], buf) + helper();
}

static int helper(void)
{
    return 0;
}
`

// memTxn is a read-only Txn over an imported Program.
type memTxn struct{ p *binview.Program }

func (t memTxn) Functions() ([]binview.Function, error) { return t.p.Functions, nil }

func (t memTxn) Function(addr binview.Address) (binview.Function, error) {
	for _, f := range t.p.Functions {
		if f.Address == addr {
			return f, nil
		}
	}
	return binview.Function{}, binview.ErrNotFound
}

func (t memTxn) FunctionContaining(addr binview.Address) (binview.Function, error) {
	for _, f := range t.p.Functions {
		for _, l := range f.Lines {
			if l.Address == addr {
				return f, nil
			}
		}
	}
	return binview.Function{}, binview.ErrNotFound
}

func (t memTxn) Variables(fn binview.Address) ([]binview.Variable, error) {
	return t.p.FunctionVariablesOf(fn), nil
}

func (t memTxn) Variable(id binview.VariableID) (binview.Variable, error) {
	for _, v := range t.p.Variables {
		if v.ID == id {
			return v, nil
		}
	}
	return binview.Variable{}, binview.ErrNotFound
}

func (memTxn) RenameFunction(binview.Address, string) error { return nil }
func (memTxn) RenameVariable(binview.VariableID, string) error { return nil }
func (memTxn) Commit() error { return nil }
func (memTxn) Discard() {}

func importListing(t *testing.T) *binview.Program {
	t.Helper()
	p, err := New().Import(context.Background(), []byte(listing), "crackme")
	require.NoError(t, err)
	return p
}

func TestImport_Functions(t *testing.T) {
	p := importListing(t)
	require.Len(t, p.Functions, 4)

	names := make(map[string]binview.Address)
	for _, f := range p.Functions {
		names[f.Name] = f.Address
	}
	assert.Equal(t, binview.Address(0x401000), names["sub_401000"])
	assert.Equal(t, binview.Address(0x401100), names["sub_401100"])
	assert.Equal(t, binview.Address(0x100000), names["main"])
	assert.Equal(t, binview.Address(0x101000), names["helper"])
}

func TestImport_Callees(t *testing.T) {
	p := importListing(t)
	txn := memTxn{p}

	fn, err := txn.Function(0x401100)
	require.NoError(t, err)
	assert.Equal(t, []binview.Address{0x401000}, fn.Callees)

	main, err := txn.Function(0x100000)
	require.NoError(t, err)
	assert.Equal(t, []binview.Address{0x401100, 0x101000}, main.Callees)

	leaf, err := txn.Function(0x401000)
	require.NoError(t, err)
	assert.Empty(t, leaf.Callees)
}

func TestImport_Variables(t *testing.T) {
	p := importListing(t)

	var names []string
	for _, v := range p.FunctionVariablesOf(0x401100) {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"arg1", "arg2", "var_c"}, names)

	names = nil
	for _, v := range p.FunctionVariablesOf(0x100000) {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"argc", "argv", "buf"}, names)

	assert.Empty(t, p.FunctionVariablesOf(0x101000))
}

func TestImport_DecompileRoundTrip(t *testing.T) {
	p := importListing(t)
	txn := memTxn{p}

	text, err := binview.Decompile(txn, 0x401000)
	require.NoError(t, err)
	want := strings.Join(strings.Split(listing, "\n")[0:7], "\n")
	assert.Equal(t, want, text)
}

func TestImport_TokensAndLineAddresses(t *testing.T) {
	p := importListing(t)
	txn := memTxn{p}

	// Line 11 is "    int32_t var_c = sub_401000(arg1);".
	ins, err := binview.InstructionAt(txn, 11)
	require.NoError(t, err)
	assert.Equal(t, binview.Address(0x401100), ins.Function)
	assert.Equal(t, "    int32_t var_c = sub_401000(arg1);", ins.Text)
	assert.Equal(t, []binview.VariableID{
		{Function: 0x401100, Index: 2},
		{Function: 0x401100, Index: 0},
	}, ins.Vars)

	fn, err := txn.Function(0x401100)
	require.NoError(t, err)
	var kinds []binview.TokenKind
	for _, tok := range fn.Lines[2].Tokens {
		kinds = append(kinds, tok.Kind)
	}
	assert.Contains(t, kinds, binview.TokenFunc)
	assert.Contains(t, kinds, binview.TokenVar)

	// memcpy is not defined in the listing and stays text.
	for _, tok := range fn.Lines[3].Tokens {
		if tok.Kind != binview.TokenText {
			assert.NotEqual(t, "memcpy", tok.Text)
		}
	}
}

func TestImport_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := New().Import(ctx, []byte("int x = 3;\n"), "globals")
	assert.ErrorIs(t, err, ErrNoFunctions)

	_, err = New(WithMaxFileSize(8)).Import(ctx, []byte(listing), "big")
	assert.ErrorIs(t, err, ErrFileTooLarge)

	_, err = New().Import(ctx, []byte{0xff, 0xfe, 0x00}, "bin")
	assert.ErrorIs(t, err, ErrInvalidContent)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = New().Import(canceled, []byte(listing), "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImport_DuplicateEmbeddedAddress(t *testing.T) {
	src := "void sub_10(void) { }\nvoid func_10(void) { }\n"
	p, err := New().Import(context.Background(), []byte(src), "dup")
	require.NoError(t, err)
	require.Len(t, p.Functions, 2)
	assert.Equal(t, binview.Address(0x10), p.Functions[0].Address)
	assert.Equal(t, syntheticBase, p.Functions[1].Address)
}
