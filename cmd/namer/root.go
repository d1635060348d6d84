// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNamer/services/namer/assistant"
	"github.com/AleutianAI/AleutianNamer/services/namer/binview"
	"github.com/AleutianAI/AleutianNamer/services/namer/cimport"
	"github.com/AleutianAI/AleutianNamer/services/namer/codedb"
	"github.com/AleutianAI/AleutianNamer/services/namer/config"
	"github.com/AleutianAI/AleutianNamer/services/namer/tasks"
)

// app holds the flag values and the components shared by all subcommands.
type app struct {
	configPath   string
	dbPath       string
	input        string
	logFormat    string
	debug        bool
	host         string
	port         string
	model        string
	otlpEndpoint string
	traceStdout  bool

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	cfg           *config.Config
	logger        *slog.Logger
	settings      *assistant.Settings
	db            *codedb.DB
	runner        *tasks.Runner
	asst          *assistant.Assistant
	closeTracing  func(context.Context) error
	dialogsForced assistant.Dialogs
	noDialogs     bool
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{in: in, out: out, errOut: errOut, logger: slog.Default()}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "namer",
		Short: "Name functions and variables in decompiled code with a local Ollama model",
		Long: `namer suggests names for placeholder functions (sub_401000) and
variables (var_8) in a decompiled program, explains functions, and reviews
them for memory-safety vulnerabilities. Suggestions come from a model served
by Ollama; renames are applied to a code database and can be undone.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "Config file (YAML) merged over the built-in defaults")
	pf.StringVar(&a.dbPath, "db", "", "Code database directory (default: in-memory, or $NAMER_DB)")
	pf.StringVarP(&a.input, "input", "i", "", "Listing (.c) or program file (.yaml/.json) to import before running")
	pf.StringVar(&a.logFormat, "log-format", "auto", "Log format: auto, text or json")
	pf.BoolVar(&a.debug, "debug", false, "Enable debug logging")
	pf.StringVar(&a.host, "host", "", "Ollama host (overrides config and $OLLAMA_HOST)")
	pf.StringVar(&a.port, "port", "", "Ollama port (overrides config and $OLLAMA_PORT)")
	pf.StringVar(&a.model, "model", "", "Ollama model (overrides config and $OLLAMA_MODEL)")
	pf.StringVar(&a.otlpEndpoint, "otlp-endpoint", "", "Export traces to this OTLP/gRPC endpoint")
	pf.BoolVar(&a.traceStdout, "trace-stdout", false, "Print traces to stderr")

	root.AddCommand(
		newImportCmd(a),
		newFunctionsCmd(a),
		newShowCmd(a),
		newRenameAllCmd(a),
		newRenameFunctionCmd(a),
		newRenameVariablesCmd(a),
		newRenameVariableCmd(a),
		newExplainCmd(a),
		newAnalyzeCmd(a),
		newModelsCmd(a),
		newSetServerCmd(a),
		newSetModelCmd(a),
		newMenuCmd(a),
		newUndoCmd(a),
		newExportCmd(a),
		newServeCmd(a),
	)
	return root
}

// init loads configuration and sets up logging and tracing.
func (a *app) init(cmd *cobra.Command) error {
	ctx := cmd.Context()

	cfg, err := config.LoadFile(ctx, a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Ollama.Host = a.host
	}
	if flags.Changed("port") {
		cfg.Ollama.Port = a.port
	}
	if flags.Changed("model") {
		cfg.Ollama.Model = a.model
	}
	if flags.Changed("db") {
		cfg.Database.Path = a.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := newLogger(a.errOut, a.logFormat, a.debug)
	if err != nil {
		return err
	}
	a.logger = logger
	slog.SetDefault(logger)

	closeTracing, err := setupTracing(ctx, a.otlpEndpoint, a.traceStdout, a.errOut)
	if err != nil {
		return err
	}
	a.closeTracing = closeTracing

	a.settings = assistant.NewSettings(cfg.Settings())
	return nil
}

// ready opens the database, imports --input, and builds the assistant.
func (a *app) ready(ctx context.Context) error {
	if a.asst != nil {
		return nil
	}
	var err error
	if a.cfg.Database.Path == "" {
		a.db, err = codedb.OpenInMemory(a.logger)
	} else {
		a.db, err = codedb.Open(a.cfg.Database.Path, a.logger)
	}
	if err != nil {
		return err
	}
	if a.input != "" {
		if err := a.importFile(ctx, a.input, ""); err != nil {
			return err
		}
	}

	a.runner = tasks.NewRunner(a.logger, tasks.WithRetention(a.cfg.Server.RetainedTasks))
	opts := []assistant.Option{assistant.WithLogger(a.logger)}
	if d := a.dialogs(); d != nil {
		opts = append(opts, assistant.WithDialogs(d))
	}
	a.asst, err = assistant.New(a.db, a.runner, a.settings, opts...)
	return err
}

// requireProgram fails when the database holds nothing to work on.
func (a *app) requireProgram(ctx context.Context) error {
	if err := a.ready(ctx); err != nil {
		return err
	}
	if _, err := a.db.Info(ctx); err != nil {
		if errors.Is(err, binview.ErrNotFound) {
			return fmt.Errorf("no program loaded: pass --input, or --db with a database created by 'namer import'")
		}
		return err
	}
	return nil
}

// dialogs returns the interactive dialogs when stdin and stdout are
// terminals, nil otherwise.
func (a *app) dialogs() assistant.Dialogs {
	if a.noDialogs {
		return nil
	}
	if a.dialogsForced != nil {
		return a.dialogsForced
	}
	if isTerminal(a.in) && isTerminal(a.out) {
		return newHuhDialogs(a.in, a.out)
	}
	return nil
}

// importFile loads path into the database, choosing the importer by
// format ("c", "program") or, when empty, by extension.
func (a *app) importFile(ctx context.Context, path, format string) error {
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json":
			format = "program"
		default:
			format = "c"
		}
	}

	var prog *binview.Program
	switch format {
	case "program":
		p, err := binview.LoadProgramFile(path)
		if err != nil {
			return err
		}
		prog = p
	case "c":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		p, err := cimport.New(cimport.WithLogger(a.logger)).Import(ctx, data, filepath.Base(path))
		if err != nil {
			return err
		}
		prog = p
	default:
		return fmt.Errorf("unknown format %q (want c or program)", format)
	}

	if err := a.db.Import(ctx, prog); err != nil {
		return err
	}
	a.logger.Info("program imported",
		slog.String("path", path),
		slog.String("name", prog.Name),
		slog.Int("functions", len(prog.Functions)),
		slog.Int("variables", len(prog.Variables)),
	)
	return nil
}

// close releases everything ready and init opened. It is safe to call
// more than once.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.runner != nil {
		if err := a.runner.Shutdown(ctx); err != nil {
			a.logger.Warn("task shutdown incomplete", slog.String("error", err.Error()))
		}
		a.runner = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("closing database failed", slog.String("error", err.Error()))
		}
		a.db = nil
	}
	if a.closeTracing != nil {
		if err := a.closeTracing(ctx); err != nil {
			a.logger.Warn("flushing traces failed", slog.String("error", err.Error()))
		}
		a.closeTracing = nil
	}
}

func isTerminal(v any) bool {
	f, ok := v.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
