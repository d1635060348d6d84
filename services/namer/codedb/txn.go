// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codedb

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianNamer/services/namer/binview"
)

// Txn is a binview.Txn over one Badger transaction.
//
// Thread Safety: Not safe for concurrent use.
type Txn struct {
	db       *DB
	txn      *badger.Txn
	writable bool
	renames  []JournalRename
	done     bool
}

var _ binview.Txn = (*Txn)(nil)

func (t *Txn) getJSON(key []byte, out any) error {
	if t.done {
		return ErrTxnDone
	}
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return binview.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("codedb: reading %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func (t *Txn) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("codedb: marshaling %s: %w", key, err)
	}
	if err := t.txn.Set(key, data); err != nil {
		return fmt.Errorf("codedb: writing %s: %w", key, err)
	}
	return nil
}

// scan decodes every value under prefix, in key order.
func scan[T any](t *Txn, prefix []byte) ([]T, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []T
	for it.Seek(prefix); it.Valid(); it.Next() {
		var v T
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
		if err != nil {
			return nil, fmt.Errorf("codedb: decoding %s: %w", it.Item().Key(), err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Functions returns every function in ascending address order.
func (t *Txn) Functions() ([]binview.Function, error) {
	fns, err := scan[binview.Function](t, []byte(keyPrefixFunc))
	if err != nil {
		return nil, err
	}
	names, err := t.displayNames()
	if err != nil {
		return nil, err
	}
	for i := range fns {
		if name, ok := names[fns[i].Address]; ok {
			fns[i].Name = name
		}
	}
	return fns, nil
}

// Function returns the function starting at addr.
func (t *Txn) Function(addr binview.Address) (binview.Function, error) {
	var fn binview.Function
	if err := t.getJSON(funcKey(addr), &fn); err != nil {
		return binview.Function{}, fmt.Errorf("function %s: %w", addr, err)
	}
	name, ok, err := t.displayName(addr)
	if err != nil {
		return binview.Function{}, err
	}
	if ok {
		fn.Name = name
	}
	return fn, nil
}

// displayName returns the renamed name of the function at addr, if any.
func (t *Txn) displayName(addr binview.Address) (string, bool, error) {
	item, err := t.txn.Get(nameKey(addr))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("codedb: reading name %s: %w", addr, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, fmt.Errorf("codedb: reading name %s: %w", addr, err)
	}
	return string(val), true, nil
}

func (t *Txn) displayNames() (map[binview.Address]string, error) {
	prefix := []byte(keyPrefixName)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	names := make(map[binview.Address]string)
	for it.Seek(prefix); it.Valid(); it.Next() {
		key := it.Item().Key()
		addr, err := strconv.ParseUint(string(key[len(prefix):]), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("codedb: decoding %s: %w", key, err)
		}
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("codedb: reading %s: %w", key, err)
		}
		names[binview.Address(addr)] = string(val)
	}
	return names, nil
}

func (t *Txn) setDisplayName(addr binview.Address, name string) error {
	if err := t.txn.Set(nameKey(addr), []byte(name)); err != nil {
		return fmt.Errorf("codedb: writing name %s: %w", addr, err)
	}
	return nil
}

// FunctionContaining resolves the owner of the line at addr through the
// line index.
func (t *Txn) FunctionContaining(addr binview.Address) (binview.Function, error) {
	if t.done {
		return binview.Function{}, ErrTxnDone
	}
	item, err := t.txn.Get(lineKey(addr))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return binview.Function{}, fmt.Errorf("line %s: %w", addr, binview.ErrNotFound)
	}
	if err != nil {
		return binview.Function{}, fmt.Errorf("codedb: reading line %s: %w", addr, err)
	}
	var owner uint64
	err = item.Value(func(val []byte) error {
		var perr error
		owner, perr = strconv.ParseUint(string(val), 16, 64)
		return perr
	})
	if err != nil {
		return binview.Function{}, fmt.Errorf("codedb: decoding line %s: %w", addr, err)
	}
	return t.Function(binview.Address(owner))
}

// Variables returns the variables of fn in slot order.
func (t *Txn) Variables(fn binview.Address) ([]binview.Variable, error) {
	return scan[binview.Variable](t, varPrefix(fn))
}

// Variable returns the variable with the given identity.
func (t *Txn) Variable(id binview.VariableID) (binview.Variable, error) {
	var v binview.Variable
	if err := t.getJSON(varKey(id), &v); err != nil {
		return binview.Variable{}, fmt.Errorf("variable %s: %w", id, err)
	}
	return v, nil
}

// RenameFunction sets the display name of the function at addr. The
// function record itself is left as imported.
// Renaming to the current name records nothing.
func (t *Txn) RenameFunction(addr binview.Address, name string) error {
	if err := t.checkWritable(name); err != nil {
		return err
	}
	fn, err := t.Function(addr)
	if err != nil {
		return err
	}
	if fn.Name == name {
		return nil
	}
	old := fn.Name
	if err := t.setDisplayName(addr, name); err != nil {
		return err
	}
	t.renames = append(t.renames, JournalRename{Kind: RenameFunction, Function: addr, Old: old, New: name})
	return nil
}

// RenameVariable sets the display name of variable id.
func (t *Txn) RenameVariable(id binview.VariableID, name string) error {
	if err := t.checkWritable(name); err != nil {
		return err
	}
	v, err := t.Variable(id)
	if err != nil {
		return err
	}
	if v.Name == name {
		return nil
	}
	old := v.Name
	v.Name = name
	if err := t.setJSON(varKey(id), v); err != nil {
		return err
	}
	varID := id
	t.renames = append(t.renames, JournalRename{Kind: RenameVariable, Function: id.Function, Var: &varID, Old: old, New: name})
	return nil
}

func (t *Txn) checkWritable(name string) error {
	if t.done {
		return ErrTxnDone
	}
	if !t.writable {
		return ErrReadOnly
	}
	if name == "" {
		return fmt.Errorf("codedb: name must not be empty")
	}
	return nil
}

// Commit applies pending renames and their journal entry atomically.
//
// Description:
//
//	A transaction that renamed nothing commits without a journal entry.
//	Committing a read-only transaction only releases it. The transaction is
//	finished afterwards whether or not Commit succeeded.
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	defer t.finish()

	if !t.writable {
		return nil
	}
	var seq uint64
	if len(t.renames) > 0 {
		var err error
		seq, err = t.appendJournal(t.renames)
		if err != nil {
			return err
		}
	}
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("codedb: commit: %w", err)
	}
	if len(t.renames) > 0 {
		t.db.logger.Info("renames committed",
			slog.Int("renames", len(t.renames)),
			slog.Uint64("journal_seq", seq),
		)
	}
	return nil
}

// Discard drops pending renames. Safe to call after Commit.
func (t *Txn) Discard() {
	if t.done {
		return
	}
	t.finish()
}

func (t *Txn) finish() {
	t.txn.Discard()
	t.done = true
	t.db.openTxn.Add(-1)
}
