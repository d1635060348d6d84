// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianNamer/services/namer/binview"
	"github.com/AleutianAI/AleutianNamer/services/namer/graph"
	"github.com/AleutianAI/AleutianNamer/services/namer/naming"
	"github.com/AleutianAI/AleutianNamer/services/namer/tasks"
)

// batch accumulates renames inside one writable transaction.
type batch struct {
	txn    binview.Txn
	rep    tasks.Reporter
	logger *slog.Logger
	result RenameResult
}

func beginBatch(ctx context.Context, db binview.Database, rep tasks.Reporter, logger *slog.Logger) (*batch, error) {
	txn, err := db.Begin(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("opening transaction: %w", err)
	}
	return &batch{txn: txn, rep: rep, logger: logger, result: RenameResult{Renames: []Rename{}}}, nil
}

func (b *batch) applied(r Rename) {
	b.result.Renames = append(b.result.Renames, r)
	msg := fmt.Sprintf("Renamed %s to %s", r.Old, r.New)
	b.rep.Progress(msg)
	b.logger.Info(msg)
}

func (b *batch) failed(name string) {
	b.result.Failures = append(b.result.Failures, name)
	msg := fmt.Sprintf("Failed to generate a valid name for %s", name)
	b.rep.Progress(msg)
	b.logger.Info(msg)
}

// finish ends the transaction.
//
// Description:
//
//	Renames applied before opErr are kept: the transaction is committed
//	whenever it holds at least one rename, even if the batch stopped on a
//	service error or cancellation. With nothing applied it is discarded.
//	Either way the transaction is closed on return.
func (b *batch) finish(opErr error) (*RenameResult, error) {
	defer b.txn.Discard()

	if len(b.result.Renames) == 0 {
		if opErr != nil {
			return nil, opErr
		}
		return &b.result, nil
	}
	if err := b.txn.Commit(); err != nil {
		return nil, errors.Join(opErr, fmt.Errorf("committing renames: %w", err))
	}
	if opErr != nil {
		b.logger.Warn("batch stopped early, applied renames kept",
			slog.Int("renames", len(b.result.Renames)),
			slog.String("error", opErr.Error()),
		)
		return nil, opErr
	}
	return &b.result, nil
}

// renameAllFunctions renames placeholder-named functions bottom-up.
func renameAllFunctions(ctx context.Context, db binview.Database, s *naming.Suggester, rep tasks.Reporter, prefixes []string, logger *slog.Logger) (*RenameResult, error) {
	rep.Progress("Starting renaming task...")
	b, err := beginBatch(ctx, db, rep, logger)
	if err != nil {
		return nil, err
	}
	// Closes the transaction on a panic; a no-op after finish.
	defer b.txn.Discard()

	fns, err := b.txn.Functions()
	if err != nil {
		return b.finish(err)
	}
	byAddr := make(map[binview.Address]binview.Function, len(fns))
	order := make([]binview.Address, 0, len(fns))
	for _, fn := range fns {
		byAddr[fn.Address] = fn
		order = append(order, fn.Address)
	}
	order = graph.BottomUp(order, func(a binview.Address) []binview.Address {
		return byAddr[a].Callees
	})

	counter := naming.NewCounter()
	for _, addr := range order {
		if err := ctx.Err(); err != nil {
			return b.finish(err)
		}
		fn := byAddr[addr]
		if !naming.IsPlaceholder(fn.Name, prefixes) {
			continue
		}
		code, err := binview.Decompile(b.txn, addr)
		if err != nil {
			return b.finish(err)
		}
		name, ok, err := s.SuggestFunctionName(ctx, code)
		if err != nil {
			return b.finish(err)
		}
		if !ok {
			b.failed(fn.Name)
			continue
		}
		name = counter.Assign(name)
		if err := b.txn.RenameFunction(addr, name); err != nil {
			return b.finish(err)
		}
		b.applied(Rename{Target: TargetFunction, Function: addr, Old: fn.Name, New: name})
	}
	return b.finish(nil)
}

// renameFunction renames one function unconditionally.
func renameFunction(ctx context.Context, db binview.Database, s *naming.Suggester, rep tasks.Reporter, addr binview.Address, logger *slog.Logger) (*RenameResult, error) {
	rep.Progress("Starting renaming task...")
	b, err := beginBatch(ctx, db, rep, logger)
	if err != nil {
		return nil, err
	}
	// Closes the transaction on a panic; a no-op after finish.
	defer b.txn.Discard()
	fn, err := b.txn.Function(addr)
	if err != nil {
		return b.finish(err)
	}
	code, err := binview.DecompileFunction(b.txn, fn)
	if err != nil {
		return b.finish(err)
	}
	name, ok, err := s.SuggestFunctionName(ctx, code)
	if err != nil {
		return b.finish(err)
	}
	if !ok {
		b.failed(fn.Name)
		return b.finish(nil)
	}
	if err := b.txn.RenameFunction(addr, name); err != nil {
		return b.finish(err)
	}
	b.applied(Rename{Target: TargetFunction, Function: addr, Old: fn.Name, New: name})
	return b.finish(nil)
}

// renameFunctionVariables renames every distinct variable referenced in a
// function, using the function's text as context for each.
func renameFunctionVariables(ctx context.Context, db binview.Database, s *naming.Suggester, rep tasks.Reporter, addr binview.Address, logger *slog.Logger) (*RenameResult, error) {
	rep.Progress("Starting renaming task...")
	b, err := beginBatch(ctx, db, rep, logger)
	if err != nil {
		return nil, err
	}
	// Closes the transaction on a panic; a no-op after finish.
	defer b.txn.Discard()
	fn, err := b.txn.Function(addr)
	if err != nil {
		return b.finish(err)
	}
	code, err := binview.DecompileFunction(b.txn, fn)
	if err != nil {
		return b.finish(err)
	}
	counter := naming.NewCounter()
	err = renameVars(ctx, b, s, binview.FunctionVariables(fn), code, counter)
	return b.finish(err)
}

// renameVariable renames the variables of the instruction at addr. No
// counter is used, so two variables may end up with the same name.
func renameVariable(ctx context.Context, db binview.Database, s *naming.Suggester, rep tasks.Reporter, addr binview.Address, logger *slog.Logger) (*RenameResult, error) {
	rep.Progress("Starting renaming task...")
	b, err := beginBatch(ctx, db, rep, logger)
	if err != nil {
		return nil, err
	}
	// Closes the transaction on a panic; a no-op after finish.
	defer b.txn.Discard()
	ins, err := binview.InstructionAt(b.txn, addr)
	if err != nil {
		return b.finish(err)
	}
	code, err := binview.Decompile(b.txn, ins.Function)
	if err != nil {
		return b.finish(err)
	}
	err = renameVars(ctx, b, s, ins.Vars, code, nil)
	return b.finish(err)
}

func renameVars(ctx context.Context, b *batch, s *naming.Suggester, ids []binview.VariableID, code string, counter *naming.Counter) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := b.txn.Variable(id)
		if err != nil {
			return err
		}
		name, ok, err := s.SuggestVariableName(ctx, v.Name, code)
		if err != nil {
			return err
		}
		if !ok {
			b.failed(v.Name)
			continue
		}
		if counter != nil {
			name = counter.Assign(name)
		}
		if err := b.txn.RenameVariable(id, name); err != nil {
			return err
		}
		varID := id
		b.applied(Rename{Target: TargetVariable, Function: id.Function, Variable: &varID, Old: v.Name, New: name})
	}
	return nil
}

func readFunction(ctx context.Context, db binview.Database, addr binview.Address) (binview.Function, string, error) {
	var fn binview.Function
	var code string
	err := binview.View(ctx, db, func(txn binview.Txn) error {
		var err error
		if fn, err = txn.Function(addr); err != nil {
			return err
		}
		code, err = binview.DecompileFunction(txn, fn)
		return err
	})
	return fn, code, err
}

const reportRuler = "------------------"

// logReport writes a report between rulers so it stands out in text logs.
func logReport(logger *slog.Logger, title string, fn binview.Function, text string) {
	logger.Info(fmt.Sprintf("%s for %s:\n%s\n%s\n%s", title, fn.Name, reportRuler, text, reportRuler),
		slog.String("function", fn.Address.String()),
	)
}

func explainFunction(ctx context.Context, db binview.Database, s *naming.Suggester, rep tasks.Reporter, addr binview.Address, logger *slog.Logger) (*Report, error) {
	rep.Progress("Starting explanation task...")
	fn, code, err := readFunction(ctx, db, addr)
	if err != nil {
		return nil, err
	}
	text, ok, err := s.Explain(ctx, code)
	if err != nil {
		return nil, err
	}
	if ok {
		logReport(logger, "Function explanation", fn, text)
		rep.Progress("Function explanation generated")
	} else {
		rep.Progress("Failed to generate function explanation")
	}
	return &Report{Function: addr, Name: fn.Name, Kind: KindExplainFunction, Text: text}, nil
}

func analyzeVulnerabilities(ctx context.Context, db binview.Database, s *naming.Suggester, rep tasks.Reporter, addr binview.Address, logger *slog.Logger) (*Report, error) {
	rep.Progress("Starting vulnerability analysis...")
	fn, code, err := readFunction(ctx, db, addr)
	if err != nil {
		return nil, err
	}
	text, ok, err := s.AnalyzeVulnerabilities(ctx, code)
	if err != nil {
		return nil, err
	}
	if ok {
		logReport(logger, "Vulnerability analysis", fn, text)
		rep.Progress("Vulnerability analysis completed")
	} else {
		rep.Progress("Failed to generate vulnerability analysis")
	}
	return &Report{Function: addr, Name: fn.Name, Kind: KindAnalyzeVulnerabilities, Text: text}, nil
}
