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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianNamer/services/namer/binview"
)

var nowMilli = func() int64 { return time.Now().UnixMilli() }

// RenameKind distinguishes journal records.
type RenameKind string

const (
	RenameFunction RenameKind = "function"
	RenameVariable RenameKind = "variable"
)

// JournalRename is one recorded rename. Var is set for variable renames.
type JournalRename struct {
	Kind     RenameKind          `json:"kind"`
	Function binview.Address     `json:"function"`
	Var      *binview.VariableID `json:"var,omitempty"`
	Old      string              `json:"old"`
	New      string              `json:"new"`
}

// JournalEntry is the set of renames committed by one transaction.
type JournalEntry struct {
	Seq             uint64          `json:"seq"`
	CommittedAtMill int64           `json:"committed_at_milli"`
	Renames         []JournalRename `json:"renames"`
}

func (t *Txn) journalHead() (uint64, error) {
	item, err := t.txn.Get([]byte(keyJournalHead))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("codedb: reading journal head: %w", err)
	}
	var head uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("journal head has %d bytes", len(val))
		}
		head = binary.BigEndian.Uint64(val)
		return nil
	})
	return head, err
}

func (t *Txn) setJournalHead(seq uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return t.txn.Set([]byte(keyJournalHead), buf[:])
}

// appendJournal writes renames as the next journal entry in this
// transaction and returns its sequence number.
func (t *Txn) appendJournal(renames []JournalRename) (uint64, error) {
	head, err := t.journalHead()
	if err != nil {
		return 0, err
	}
	seq := head + 1
	entry := JournalEntry{Seq: seq, CommittedAtMill: nowMilli(), Renames: renames}
	if err := t.setJSON(journalKey(seq), entry); err != nil {
		return 0, err
	}
	if err := t.setJournalHead(seq); err != nil {
		return 0, fmt.Errorf("codedb: writing journal head: %w", err)
	}
	return seq, nil
}

// Journal returns committed rename batches, oldest first.
func (d *DB) Journal(ctx context.Context) ([]JournalEntry, error) {
	txn := &Txn{db: d, txn: d.db.NewTransaction(false)}
	d.openTxn.Add(1)
	defer txn.Discard()
	return scan[JournalEntry](txn, []byte(keyPrefixJournal))
}

// Undo reverts the most recent journal entry.
//
// Description:
//
//	Restores every old name of the latest committed batch, newest rename
//	first, removes the entry and moves the journal head back, all in one
//	transaction. A name that was changed again outside the journal is left
//	as is and logged.
//
// Outputs:
//
//	*JournalEntry - The reverted entry.
//	error - ErrNothingToUndo when the journal is empty.
func (d *DB) Undo(ctx context.Context) (*JournalEntry, error) {
	raw, err := d.Begin(ctx, true)
	if err != nil {
		return nil, err
	}
	txn := raw.(*Txn)
	defer txn.Discard()

	head, err := txn.journalHead()
	if err != nil {
		return nil, err
	}
	if head == 0 {
		return nil, ErrNothingToUndo
	}
	var entry JournalEntry
	if err := txn.getJSON(journalKey(head), &entry); err != nil {
		return nil, fmt.Errorf("codedb: reading journal entry %d: %w", head, err)
	}

	for i := len(entry.Renames) - 1; i >= 0; i-- {
		r := entry.Renames[i]
		if err := d.revert(txn, r); err != nil {
			return nil, err
		}
	}

	if err := txn.txn.Delete(journalKey(head)); err != nil {
		return nil, fmt.Errorf("codedb: deleting journal entry %d: %w", head, err)
	}
	if err := txn.setJournalHead(head - 1); err != nil {
		return nil, fmt.Errorf("codedb: writing journal head: %w", err)
	}
	// Reverts are not journaled themselves.
	txn.renames = nil
	if err := txn.Commit(); err != nil {
		return nil, err
	}

	d.logger.Info("rename batch undone",
		slog.Uint64("journal_seq", entry.Seq),
		slog.Int("renames", len(entry.Renames)),
	)
	return &entry, nil
}

func (d *DB) revert(txn *Txn, r JournalRename) error {
	switch r.Kind {
	case RenameFunction:
		fn, err := txn.Function(r.Function)
		if err != nil {
			return err
		}
		if fn.Name != r.New {
			d.logger.Warn("skipping undo of function rename",
				slog.String("address", r.Function.String()),
				slog.String("expected", r.New),
				slog.String("actual", fn.Name),
			)
			return nil
		}
		return txn.setDisplayName(r.Function, r.Old)
	case RenameVariable:
		if r.Var == nil {
			return fmt.Errorf("codedb: variable rename without variable id")
		}
		v, err := txn.Variable(*r.Var)
		if err != nil {
			return err
		}
		if v.Name != r.New {
			d.logger.Warn("skipping undo of variable rename",
				slog.String("variable", r.Var.String()),
				slog.String("expected", r.New),
				slog.String("actual", v.Name),
			)
			return nil
		}
		v.Name = r.Old
		return txn.setJSON(varKey(*r.Var), v)
	default:
		return fmt.Errorf("codedb: unknown rename kind %q", r.Kind)
	}
}
