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

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNamer/services/llm"
	"github.com/AleutianAI/AleutianNamer/services/namer/assistant"
	"github.com/AleutianAI/AleutianNamer/services/namer/binview"
	"github.com/AleutianAI/AleutianNamer/services/namer/codedb"
	"github.com/AleutianAI/AleutianNamer/services/namer/tasks"
)

// menuAction is one entry of the interactive menu.
type menuAction struct {
	label string
	// prompt is the address question; empty when the action takes none.
	prompt string
	// selfReporting actions show their own failures in a dialog.
	selfReporting bool
	run           func(ctx context.Context, addr binview.Address) error
}

func (a *app) menuActions() []menuAction {
	rename := func(start func(context.Context, binview.Address) (*tasks.Task, error)) func(context.Context, binview.Address) error {
		return func(ctx context.Context, addr binview.Address) error {
			return a.runRename(ctx, false, func(ctx context.Context) (*tasks.Task, error) {
				return start(ctx, addr)
			})
		}
	}
	report := func(start func(context.Context, binview.Address) (*tasks.Task, error)) func(context.Context, binview.Address) error {
		return func(ctx context.Context, addr binview.Address) error {
			return a.runReport(ctx, func(ctx context.Context) (*tasks.Task, error) {
				return start(ctx, addr)
			})
		}
	}

	return []menuAction{
		{label: "Rename all functions", run: func(ctx context.Context, _ binview.Address) error {
			return a.runRename(ctx, false, a.asst.RenameAllFunctions)
		}},
		{label: "Rename function", prompt: "Function address", run: rename(a.asst.RenameFunction)},
		{label: "Rename function variables", prompt: "Function address", run: rename(a.asst.RenameFunctionVariables)},
		{label: "Rename variable", prompt: "Instruction address", run: rename(a.asst.RenameVariable)},
		{label: "Explain function", prompt: "Function address", run: report(a.asst.ExplainFunction)},
		{label: "Analyze vulnerabilities", prompt: "Function address", run: report(a.asst.AnalyzeVulnerabilities)},
		{label: "Undo last rename", run: func(ctx context.Context, _ binview.Address) error {
			entry, err := a.db.Undo(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Reverted %d renames\n", len(entry.Renames))
			return nil
		}},
		{label: "Set Ollama server", selfReporting: true, run: func(ctx context.Context, _ binview.Address) error {
			return a.asst.SetServer(ctx)
		}},
		{label: "Set Ollama model", selfReporting: true, run: func(ctx context.Context, _ binview.Address) error {
			return a.asst.SetModel(ctx)
		}},
	}
}

func newMenuCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "menu",
		Short: "Pick assistant actions from an interactive menu",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, ok := a.dialogs().(*huhDialogs)
			if !ok {
				return errNeedTerminal
			}
			if err := a.requireProgram(ctx); err != nil {
				return err
			}
			return a.menuLoop(ctx, d)
		},
	}
}

// menuLoop shows the menu until the user quits. Action errors are shown and
// the menu comes back.
func (a *app) menuLoop(ctx context.Context, d *huhDialogs) error {
	actions := a.menuActions()
	const quit = -1

	for ctx.Err() == nil {
		choice := quit
		opts := make([]huh.Option[int], 0, len(actions)+1)
		for i, act := range actions {
			opts = append(opts, huh.NewOption(act.label, i))
		}
		opts = append(opts, huh.NewOption("Quit", quit))

		ok, err := d.run(ctx, huh.NewGroup(
			huh.NewSelect[int]().
				Title("Aleutian namer").
				Options(opts...).
				Value(&choice),
		))
		if err != nil {
			return err
		}
		if !ok || choice == quit {
			return nil
		}

		act := actions[choice]
		var addr binview.Address
		if act.prompt != "" {
			var entered bool
			addr, entered, err = d.promptAddress(ctx, act.prompt)
			if err != nil {
				return err
			}
			if !entered {
				continue
			}
		}
		if err := act.run(ctx, addr); err != nil && !act.selfReporting {
			a.reportMenuError(ctx, d, act.label, err)
		}
	}
	return nil
}

func (a *app) reportMenuError(ctx context.Context, d *huhDialogs, label string, err error) {
	switch {
	case errors.Is(err, assistant.ErrNotConfigured), errors.Is(err, llm.ErrNoModel):
		d.ShowError(ctx, label, "Set the Ollama server and model first.")
	case errors.Is(err, codedb.ErrNothingToUndo):
		d.ShowError(ctx, label, "There is nothing to undo.")
	default:
		d.ShowError(ctx, label, err.Error())
	}
}
