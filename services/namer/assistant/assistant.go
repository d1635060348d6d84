// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assistant implements the user-facing commands: the four renaming
// operations, the two reports, and the server and model settings flow.
//
// Commands validate their target, make sure a server and model are
// configured, and start a background task. The task bodies live in
// operations.go and talk to the code database only through binview.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianNamer/services/llm"
	"github.com/AleutianAI/AleutianNamer/services/namer/binview"
	"github.com/AleutianAI/AleutianNamer/services/namer/naming"
	"github.com/AleutianAI/AleutianNamer/services/namer/tasks"
)

// ErrNotConfigured is returned by commands when no server is configured
// after the settings flow. It wraps llm.ErrNotConfigured.
var ErrNotConfigured = fmt.Errorf("assistant: %w", llm.ErrNotConfigured)

// Assistant dispatches commands to the task runner.
//
// Thread Safety: Safe for concurrent use.
type Assistant struct {
	db       binview.Database
	runner   *tasks.Runner
	settings *Settings
	dialogs  Dialogs
	logger   *slog.Logger
}

// Option configures an Assistant.
type Option func(*Assistant)

// WithDialogs enables interactive prompting when settings are missing.
func WithDialogs(d Dialogs) Option {
	return func(a *Assistant) { a.dialogs = d }
}

// WithLogger sets the logger used by commands and tasks.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assistant) {
		if l != nil {
			a.logger = l
		}
	}
}

// New returns an Assistant over db.
//
// Inputs:
//
//	db - The code database. Must not be nil.
//	runner - Runs the tasks. Must not be nil.
//	settings - Shared session settings. Must not be nil.
func New(db binview.Database, runner *tasks.Runner, settings *Settings, opts ...Option) (*Assistant, error) {
	if db == nil {
		return nil, fmt.Errorf("assistant: database must not be nil")
	}
	if runner == nil {
		return nil, fmt.Errorf("assistant: runner must not be nil")
	}
	if settings == nil {
		return nil, fmt.Errorf("assistant: settings must not be nil")
	}
	a := &Assistant{db: db, runner: runner, settings: settings, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Settings returns the session settings.
func (a *Assistant) Settings() *Settings {
	return a.settings
}

// Runner returns the task runner.
func (a *Assistant) Runner() *tasks.Runner {
	return a.runner
}

// SetServer shows the server dialog and stores the result.
func (a *Assistant) SetServer(ctx context.Context) error {
	if a.dialogs == nil {
		return fmt.Errorf("assistant: no dialogs available")
	}
	snap := a.settings.Snapshot()
	host, port, ok, err := a.dialogs.ServerDialog(ctx, snap.Host, snap.Port)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := a.settings.SetServer(host, port); err != nil {
		a.dialogs.ShowError(ctx, "Invalid server", err.Error())
		return err
	}
	a.logger.Info("ollama server set", slog.String("host", host), slog.String("port", port))
	return nil
}

// SetModel lets the user pick a model from the server's listing.
//
// Description:
//
//	Opens the server dialog first when no server is configured. A listing
//	failure is shown through Dialogs.ShowError and returned.
func (a *Assistant) SetModel(ctx context.Context) error {
	if a.dialogs == nil {
		return fmt.Errorf("assistant: no dialogs available")
	}
	if !a.settings.IsSet() {
		if err := a.SetServer(ctx); err != nil {
			return err
		}
		if !a.settings.IsSet() {
			return ErrNotConfigured
		}
	}

	models, err := a.ListModels(ctx)
	if err != nil {
		a.dialogs.ShowError(ctx, "Error", err.Error())
		return err
	}
	if len(models) == 0 {
		err := fmt.Errorf("assistant: the Ollama server has no models")
		a.dialogs.ShowError(ctx, "Error", err.Error())
		return err
	}

	model, ok, err := a.dialogs.ModelDialog(ctx, models, a.settings.Snapshot().Model)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := a.settings.SetModel(model); err != nil {
		return err
	}
	a.logger.Info("ollama model set", slog.String("model", model))
	return nil
}

// ListModels returns the models available on the configured server.
func (a *Assistant) ListModels(ctx context.Context) ([]string, error) {
	client := llm.NewOllamaClient(a.settings.Snapshot().OllamaConfig())
	return client.ListModels(ctx)
}

// ensureConfigured runs the settings flow when the server or model is
// missing and dialogs are available.
func (a *Assistant) ensureConfigured(ctx context.Context) (SettingsSnapshot, error) {
	snap := a.settings.Snapshot()
	if (!snap.IsSet() || snap.Model == "") && a.dialogs != nil {
		if err := a.SetModel(ctx); err != nil && !errors.Is(err, llm.ErrNotConfigured) {
			return SettingsSnapshot{}, err
		}
		snap = a.settings.Snapshot()
	}
	if !snap.IsSet() {
		return SettingsSnapshot{}, ErrNotConfigured
	}
	if snap.Model == "" {
		return SettingsSnapshot{}, fmt.Errorf("assistant: %w", llm.ErrNoModel)
	}
	return snap, nil
}

// submit starts a task whose body gets a Suggester built from snap.
func (a *Assistant) submit(ctx context.Context, kind string, mutating bool, snap SettingsSnapshot,
	body func(ctx context.Context, r tasks.Reporter, s *naming.Suggester) (any, error)) (*tasks.Task, error) {

	return a.runner.Submit(ctx, tasks.Spec{
		Kind:     kind,
		Mutating: mutating,
		Run: func(ctx context.Context, r tasks.Reporter) (any, error) {
			client := llm.NewOllamaClient(snap.OllamaConfig())
			return body(ctx, r, naming.NewSuggester(client, a.logger))
		},
	})
}

func (a *Assistant) requireFunction(ctx context.Context, addr binview.Address) error {
	return binview.View(ctx, a.db, func(txn binview.Txn) error {
		_, err := txn.Function(addr)
		return err
	})
}

// RenameAllFunctions renames every placeholder-named function, callees
// before callers, in one transaction.
func (a *Assistant) RenameAllFunctions(ctx context.Context) (*tasks.Task, error) {
	snap, err := a.ensureConfigured(ctx)
	if err != nil {
		return nil, err
	}
	prefixes := snap.PlaceholderPrefixes
	return a.submit(ctx, KindRenameAllFunctions, true, snap, func(ctx context.Context, r tasks.Reporter, s *naming.Suggester) (any, error) {
		return renameAllFunctions(ctx, a.db, s, r, prefixes, a.logger)
	})
}

// RenameFunction renames the function at addr regardless of its name.
func (a *Assistant) RenameFunction(ctx context.Context, addr binview.Address) (*tasks.Task, error) {
	if err := a.requireFunction(ctx, addr); err != nil {
		return nil, err
	}
	snap, err := a.ensureConfigured(ctx)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, KindRenameFunction, true, snap, func(ctx context.Context, r tasks.Reporter, s *naming.Suggester) (any, error) {
		return renameFunction(ctx, a.db, s, r, addr, a.logger)
	})
}

// RenameFunctionVariables renames every variable used in the function at
// addr.
func (a *Assistant) RenameFunctionVariables(ctx context.Context, addr binview.Address) (*tasks.Task, error) {
	if err := a.requireFunction(ctx, addr); err != nil {
		return nil, err
	}
	snap, err := a.ensureConfigured(ctx)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, KindRenameFunctionVariables, true, snap, func(ctx context.Context, r tasks.Reporter, s *naming.Suggester) (any, error) {
		return renameFunctionVariables(ctx, a.db, s, r, addr, a.logger)
	})
}

// RenameVariable renames the variables referenced by the instruction at
// addr.
func (a *Assistant) RenameVariable(ctx context.Context, addr binview.Address) (*tasks.Task, error) {
	err := binview.View(ctx, a.db, func(txn binview.Txn) error {
		_, err := binview.InstructionAt(txn, addr)
		return err
	})
	if err != nil {
		return nil, err
	}
	snap, err := a.ensureConfigured(ctx)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, KindRenameVariable, true, snap, func(ctx context.Context, r tasks.Reporter, s *naming.Suggester) (any, error) {
		return renameVariable(ctx, a.db, s, r, addr, a.logger)
	})
}

// ExplainFunction produces an explanation of the function at addr.
func (a *Assistant) ExplainFunction(ctx context.Context, addr binview.Address) (*tasks.Task, error) {
	if err := a.requireFunction(ctx, addr); err != nil {
		return nil, err
	}
	snap, err := a.ensureConfigured(ctx)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, KindExplainFunction, false, snap, func(ctx context.Context, r tasks.Reporter, s *naming.Suggester) (any, error) {
		return explainFunction(ctx, a.db, s, r, addr, a.logger)
	})
}

// AnalyzeVulnerabilities produces a vulnerability review of the function
// at addr.
func (a *Assistant) AnalyzeVulnerabilities(ctx context.Context, addr binview.Address) (*tasks.Task, error) {
	if err := a.requireFunction(ctx, addr); err != nil {
		return nil, err
	}
	snap, err := a.ensureConfigured(ctx)
	if err != nil {
		return nil, err
	}
	return a.submit(ctx, KindAnalyzeVulnerabilities, false, snap, func(ctx context.Context, r tasks.Reporter, s *naming.Suggester) (any, error) {
		return analyzeVulnerabilities(ctx, a.db, s, r, addr, a.logger)
	})
}
