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
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNamer/services/namer/assistant"
	"github.com/AleutianAI/AleutianNamer/services/namer/binview"
	"github.com/AleutianAI/AleutianNamer/services/namer/naming"
	"github.com/AleutianAI/AleutianNamer/services/namer/report"
	"github.com/AleutianAI/AleutianNamer/services/namer/tasks"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))

func (a *app) header(s string) string {
	if isTerminal(a.out) {
		return headerStyle.Render(s)
	}
	return s
}

func addressArg(args []string) (binview.Address, error) {
	addr, err := binview.ParseAddress(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", args[0], err)
	}
	return addr, nil
}

// =============================================================================
// Program
// =============================================================================

func newImportCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a decompiled C listing or a program file into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.ready(ctx); err != nil {
				return err
			}
			if a.cfg.Database.Path == "" {
				fmt.Fprintln(a.errOut, "Warning: no --db given; the import only lives for this command")
			}
			if err := a.importFile(ctx, args[0], format); err != nil {
				return err
			}
			info, err := a.db.Info(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Imported %s: %d functions, %d variables\n", info.Name, info.FunctionCount, info.VariableCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Input format: c or program (default: by extension)")
	return cmd
}

func newFunctionsCmd(a *app) *cobra.Command {
	var placeholdersOnly bool
	cmd := &cobra.Command{
		Use:   "functions",
		Short: "List functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.requireProgram(ctx); err != nil {
				return err
			}
			prefixes := a.settings.Snapshot().PlaceholderPrefixes
			return binview.View(ctx, a.db, func(txn binview.Txn) error {
				fns, err := txn.Functions()
				if err != nil {
					return err
				}
				for _, fn := range fns {
					placeholder := naming.IsPlaceholder(fn.Name, prefixes)
					if placeholdersOnly && !placeholder {
						continue
					}
					mark := " "
					if placeholder {
						mark = "*"
					}
					fmt.Fprintf(a.out, "%s %-18s %s\n", mark, fn.Address, fn.Name)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&placeholdersOnly, "placeholders", false, "Only list functions with placeholder names")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <address>",
		Short: "Print a function's decompiled text under current names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			addr, err := addressArg(args)
			if err != nil {
				return err
			}
			if err := a.requireProgram(ctx); err != nil {
				return err
			}
			return binview.View(ctx, a.db, func(txn binview.Txn) error {
				fn, err := txn.Function(addr)
				if err != nil {
					return fmt.Errorf("function %s: %w", addr, err)
				}
				text, err := binview.DecompileFunction(txn, fn)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, a.header(fmt.Sprintf("// %s @ %s", fn.Name, fn.Address)))
				fmt.Fprintln(a.out, text)
				return nil
			})
		},
	}
}

func newExportCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every function's decompiled text under current names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.requireProgram(ctx); err != nil {
				return err
			}
			var w io.Writer = a.out
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return a.db.Export(ctx, w)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	return cmd
}

func newUndoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "Revert the most recent rename batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.requireProgram(ctx); err != nil {
				return err
			}
			entry, err := a.db.Undo(ctx)
			if err != nil {
				return err
			}
			for _, r := range entry.Renames {
				fmt.Fprintf(a.out, "%s -> %s\n", r.New, r.Old)
			}
			fmt.Fprintf(a.out, "Reverted %d renames\n", len(entry.Renames))
			return nil
		},
	}
}

// =============================================================================
// Renaming and reports
// =============================================================================

// runRename starts a renaming task, follows it, and prints the result and
// optionally a diff of the affected functions.
func (a *app) runRename(ctx context.Context, showDiff bool, start func(context.Context) (*tasks.Task, error)) error {
	if err := a.requireProgram(ctx); err != nil {
		return err
	}
	var before []report.FunctionText
	if showDiff {
		var err error
		if before, err = report.Capture(ctx, a.db); err != nil {
			return err
		}
	}

	task, err := start(ctx)
	if err != nil {
		return err
	}
	if err := a.follow(ctx, task); err != nil {
		return err
	}
	res, _ := task.Result().(*assistant.RenameResult)
	a.printRenames(res)

	if showDiff {
		after, err := report.Capture(ctx, a.db)
		if err != nil {
			return err
		}
		out, err := report.Print(report.FunctionDiffs(before, after, report.DefaultContext))
		if err != nil {
			return err
		}
		a.out.Write(out)
	}
	return nil
}

func (a *app) printRenames(res *assistant.RenameResult) {
	if res == nil {
		return
	}
	for _, r := range res.Renames {
		fmt.Fprintf(a.out, "%s -> %s\n", r.Old, r.New)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(a.out, "%s: no valid name generated\n", f)
	}
	fmt.Fprintf(a.out, "Renamed %d, failed %d\n", len(res.Renames), len(res.Failures))
}

func addDiffFlag(cmd *cobra.Command, v *bool) {
	cmd.Flags().BoolVar(v, "diff", false, "Print a unified diff of the changed functions")
}

func newRenameAllCmd(a *app) *cobra.Command {
	var showDiff bool
	cmd := &cobra.Command{
		Use:   "rename-all",
		Short: "Rename every function with a placeholder name, callees first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRename(cmd.Context(), showDiff, func(ctx context.Context) (*tasks.Task, error) {
				return a.asst.RenameAllFunctions(ctx)
			})
		},
	}
	addDiffFlag(cmd, &showDiff)
	return cmd
}

func newRenameFunctionCmd(a *app) *cobra.Command {
	var showDiff bool
	cmd := &cobra.Command{
		Use:   "rename-function <address>",
		Short: "Rename the function at address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := addressArg(args)
			if err != nil {
				return err
			}
			return a.runRename(cmd.Context(), showDiff, func(ctx context.Context) (*tasks.Task, error) {
				return a.asst.RenameFunction(ctx, addr)
			})
		},
	}
	addDiffFlag(cmd, &showDiff)
	return cmd
}

func newRenameVariablesCmd(a *app) *cobra.Command {
	var showDiff bool
	cmd := &cobra.Command{
		Use:   "rename-variables <address>",
		Short: "Rename every variable of the function at address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := addressArg(args)
			if err != nil {
				return err
			}
			return a.runRename(cmd.Context(), showDiff, func(ctx context.Context) (*tasks.Task, error) {
				return a.asst.RenameFunctionVariables(ctx, addr)
			})
		},
	}
	addDiffFlag(cmd, &showDiff)
	return cmd
}

func newRenameVariableCmd(a *app) *cobra.Command {
	var showDiff bool
	cmd := &cobra.Command{
		Use:   "rename-variable <instruction-address>",
		Short: "Rename the variables used by the instruction at address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := addressArg(args)
			if err != nil {
				return err
			}
			return a.runRename(cmd.Context(), showDiff, func(ctx context.Context) (*tasks.Task, error) {
				return a.asst.RenameVariable(ctx, addr)
			})
		},
	}
	addDiffFlag(cmd, &showDiff)
	return cmd
}

// runReport starts an explain or vulnerability task and prints the text.
func (a *app) runReport(ctx context.Context, start func(context.Context) (*tasks.Task, error)) error {
	if err := a.requireProgram(ctx); err != nil {
		return err
	}
	task, err := start(ctx)
	if err != nil {
		return err
	}
	if err := a.follow(ctx, task); err != nil {
		return err
	}
	rep, _ := task.Result().(*assistant.Report)
	a.printReport(rep)
	return nil
}

func (a *app) printReport(rep *assistant.Report) {
	if rep == nil {
		return
	}
	title := "Explanation"
	if rep.Kind == assistant.KindAnalyzeVulnerabilities {
		title = "Vulnerability analysis"
	}
	fmt.Fprintln(a.out, a.header(fmt.Sprintf("%s of %s (%s)", title, rep.Name, rep.Function)))
	if rep.Text == "" {
		fmt.Fprintln(a.out, "(the model returned nothing)")
		return
	}
	fmt.Fprintln(a.out, rep.Text)
}

func newExplainCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "explain <address>",
		Short: "Explain what the function at address does",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := addressArg(args)
			if err != nil {
				return err
			}
			return a.runReport(cmd.Context(), func(ctx context.Context) (*tasks.Task, error) {
				return a.asst.ExplainFunction(ctx, addr)
			})
		},
	}
}

func newAnalyzeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <address>",
		Short: "Review the function at address for memory-safety vulnerabilities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := addressArg(args)
			if err != nil {
				return err
			}
			return a.runReport(cmd.Context(), func(ctx context.Context) (*tasks.Task, error) {
				return a.asst.AnalyzeVulnerabilities(ctx, addr)
			})
		},
	}
}

// =============================================================================
// Settings
// =============================================================================

func newModelsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models available on the Ollama server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.ready(ctx); err != nil {
				return err
			}
			models, err := a.asst.ListModels(ctx)
			if err != nil {
				return err
			}
			current := a.settings.Snapshot().Model
			for _, m := range models {
				mark := " "
				if m == current {
					mark = "*"
				}
				fmt.Fprintf(a.out, "%s %s\n", mark, m)
			}
			return nil
		},
	}
}

// errNeedTerminal is returned by commands that only work interactively.
var errNeedTerminal = errors.New("this command needs an interactive terminal")

// printSettingsEnv prints the environment that reproduces the session's
// server and model, since settings are not saved between runs.
func (a *app) printSettingsEnv() {
	s := a.settings.Snapshot()
	var b strings.Builder
	if s.Host != "" {
		fmt.Fprintf(&b, "export OLLAMA_HOST=%s\n", s.Host)
	}
	if s.Port != "" {
		fmt.Fprintf(&b, "export OLLAMA_PORT=%s\n", s.Port)
	}
	if s.Model != "" {
		fmt.Fprintf(&b, "export OLLAMA_MODEL=%s\n", s.Model)
	}
	fmt.Fprint(a.out, b.String())
}

func newSetServerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-server",
		Short: "Choose the Ollama server interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if a.dialogs() == nil {
				return errNeedTerminal
			}
			if err := a.ready(ctx); err != nil {
				return err
			}
			if err := a.asst.SetServer(ctx); err != nil {
				return err
			}
			a.printSettingsEnv()
			return nil
		},
	}
}

func newSetModelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-model",
		Short: "Choose the Ollama model interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if a.dialogs() == nil {
				return errNeedTerminal
			}
			if err := a.ready(ctx); err != nil {
				return err
			}
			if err := a.asst.SetModel(ctx); err != nil {
				return err
			}
			a.printSettingsEnv()
			return nil
		},
	}
}
