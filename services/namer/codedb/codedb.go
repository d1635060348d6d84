// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codedb stores a decompiled program in BadgerDB and implements
// binview.Database on top of it.
//
// Every committed writable transaction that renamed something also writes a
// journal entry recording each old and new name, so the most recent batch
// can be undone as a unit.
package codedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianNamer/services/namer/binview"
)

// BadgerDB key prefixes.
const (
	keyPrefixFunc    = "fn:"
	keyPrefixName    = "name:"
	keyPrefixVar     = "var:"
	keyPrefixLine    = "line:"
	keyPrefixJournal = "journal:"
	keyProgram       = "meta:program"
	keyJournalHead   = "meta:journal_head"
)

var (
	// ErrReadOnly is returned when renaming through a read-only transaction.
	ErrReadOnly = errors.New("codedb: transaction is read-only")

	// ErrTxnDone is returned when a finished transaction is used.
	ErrTxnDone = errors.New("codedb: transaction already committed or discarded")

	// ErrNothingToUndo is returned by Undo when the journal is empty.
	ErrNothingToUndo = errors.New("codedb: nothing to undo")
)

func funcKey(a binview.Address) []byte {
	return []byte(fmt.Sprintf("%s%016x", keyPrefixFunc, uint64(a)))
}

// nameKey holds a function's display name once renamed, so a rename
// writes a few bytes instead of the whole function record.
func nameKey(a binview.Address) []byte {
	return []byte(fmt.Sprintf("%s%016x", keyPrefixName, uint64(a)))
}

func varPrefix(fn binview.Address) []byte {
	return []byte(fmt.Sprintf("%s%016x:", keyPrefixVar, uint64(fn)))
}

func varKey(id binview.VariableID) []byte {
	return []byte(fmt.Sprintf("%s%016x:%06d", keyPrefixVar, uint64(id.Function), id.Index))
}

func lineKey(a binview.Address) []byte {
	return []byte(fmt.Sprintf("%s%016x", keyPrefixLine, uint64(a)))
}

func journalKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", keyPrefixJournal, seq))
}

// ProgramInfo is stored under meta:program.
type ProgramInfo struct {
	Name           string `json:"name"`
	FunctionCount  int    `json:"function_count"`
	VariableCount  int    `json:"variable_count"`
	ImportedAtMill int64  `json:"imported_at_milli"`
}

// DB is a BadgerDB-backed code database.
//
// Thread Safety:
//
//	Safe for concurrent use. Badger serializes conflicting writable
//	transactions by failing the later commit with badger.ErrConflict.
type DB struct {
	db      *badger.DB
	logger  *slog.Logger
	openTxn atomic.Int64
}

// Open opens (or creates) a code database at path.
//
// Inputs:
//
//	path - Directory for the BadgerDB files.
//	logger - Logger for diagnostic output. Nil uses slog.Default().
func Open(path string, logger *slog.Logger) (*DB, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil) // suppress BadgerDB internal logs
	return open(opts, logger)
}

// OpenInMemory opens an empty, non-persistent code database.
func OpenInMemory(logger *slog.Logger) (*DB, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), logger)
}

func open(opts badger.Options, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("codedb: opening badger: %w", err)
	}
	return &DB{db: db, logger: logger}, nil
}

// Close closes the underlying BadgerDB.
func (d *DB) Close() error {
	return d.db.Close()
}

// OpenTransactions reports how many transactions are neither committed nor
// discarded.
func (d *DB) OpenTransactions() int {
	return int(d.openTxn.Load())
}

// Import replaces the database content with p.
//
// Description:
//
//	Drops every existing key (including the undo journal) and writes the
//	program's functions, variables and line index. Large programs are
//	written across several Badger transactions; a failure part way leaves
//	a partially imported database that a repeated Import overwrites.
//
// Inputs:
//
//	ctx - Checked between writes.
//	p - A validated program.
func (d *DB) Import(ctx context.Context, p *binview.Program) error {
	if p == nil {
		return fmt.Errorf("codedb: program must not be nil")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := d.db.DropAll(); err != nil {
		return fmt.Errorf("codedb: clearing database: %w", err)
	}

	w := &chunkedWriter{db: d.db, txn: d.db.NewTransaction(true)}
	defer func() { w.txn.Discard() }()

	for _, fn := range p.Functions {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(fn)
		if err != nil {
			return fmt.Errorf("codedb: marshaling function %s: %w", fn.Address, err)
		}
		if err := w.set(funcKey(fn.Address), data); err != nil {
			return err
		}
		owner := []byte(strconv.FormatUint(uint64(fn.Address), 16))
		for _, l := range fn.Lines {
			if err := w.set(lineKey(l.Address), owner); err != nil {
				return err
			}
		}
	}
	for _, v := range p.Variables {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("codedb: marshaling variable %s: %w", v.ID, err)
		}
		if err := w.set(varKey(v.ID), data); err != nil {
			return err
		}
	}
	info, err := json.Marshal(ProgramInfo{
		Name:           p.Name,
		FunctionCount:  len(p.Functions),
		VariableCount:  len(p.Variables),
		ImportedAtMill: nowMilli(),
	})
	if err != nil {
		return fmt.Errorf("codedb: marshaling program info: %w", err)
	}
	if err := w.set([]byte(keyProgram), info); err != nil {
		return err
	}
	if err := w.txn.Commit(); err != nil {
		return fmt.Errorf("codedb: committing import: %w", err)
	}

	d.logger.Info("program imported",
		slog.String("program", p.Name),
		slog.Int("functions", len(p.Functions)),
		slog.Int("variables", len(p.Variables)),
		slog.Int("chunks", w.chunks+1),
	)
	return nil
}

// chunkedWriter commits and restarts its transaction when Badger reports
// ErrTxnTooBig.
type chunkedWriter struct {
	db     *badger.DB
	txn    *badger.Txn
	chunks int
}

func (w *chunkedWriter) set(key, val []byte) error {
	err := w.txn.Set(key, val)
	if errors.Is(err, badger.ErrTxnTooBig) {
		if err := w.txn.Commit(); err != nil {
			return fmt.Errorf("codedb: committing chunk: %w", err)
		}
		w.chunks++
		w.txn = w.db.NewTransaction(true)
		err = w.txn.Set(key, val)
	}
	if err != nil {
		return fmt.Errorf("codedb: writing %s: %w", key, err)
	}
	return nil
}

// Info returns the metadata of the imported program.
func (d *DB) Info(ctx context.Context) (ProgramInfo, error) {
	var info ProgramInfo
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyProgram))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ProgramInfo{}, fmt.Errorf("codedb: no program imported: %w", binview.ErrNotFound)
	}
	if err != nil {
		return ProgramInfo{}, fmt.Errorf("codedb: reading program info: %w", err)
	}
	return info, nil
}

// Begin opens a transaction. It implements binview.Database.
func (d *DB) Begin(ctx context.Context, writable bool) (binview.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.openTxn.Add(1)
	return &Txn{db: d, txn: d.db.NewTransaction(writable), writable: writable}, nil
}

// Program reads the whole database back as a Program.
func (d *DB) Program(ctx context.Context) (*binview.Program, error) {
	info, err := d.Info(ctx)
	if err != nil {
		return nil, err
	}
	p := &binview.Program{Name: info.Name}
	err = binview.View(ctx, d, func(txn binview.Txn) error {
		fns, err := txn.Functions()
		if err != nil {
			return err
		}
		p.Functions = fns
		for _, fn := range fns {
			vars, err := txn.Variables(fn.Address)
			if err != nil {
				return err
			}
			p.Variables = append(p.Variables, vars...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Export writes every function's decompiled text, in address order,
// separated by blank lines.
func (d *DB) Export(ctx context.Context, w io.Writer) error {
	return binview.View(ctx, d, func(txn binview.Txn) error {
		fns, err := txn.Functions()
		if err != nil {
			return err
		}
		for i, fn := range fns {
			if err := ctx.Err(); err != nil {
				return err
			}
			text, err := binview.DecompileFunction(txn, fn)
			if err != nil {
				return err
			}
			if i > 0 {
				if _, err := io.WriteString(w, "\n"); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintf(w, "// %s @ %s\n%s\n", fn.Name, fn.Address, text); err != nil {
				return err
			}
		}
		return nil
	})
}
