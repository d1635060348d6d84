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
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/AleutianNamer/services/namer/assistant"
	"github.com/AleutianAI/AleutianNamer/services/namer/binview"
)

// huhDialogs implements assistant.Dialogs with terminal forms.
type huhDialogs struct {
	in  io.Reader
	out io.Writer
}

var _ assistant.Dialogs = (*huhDialogs)(nil)

func newHuhDialogs(in io.Reader, out io.Writer) *huhDialogs {
	return &huhDialogs{in: in, out: out}
}

func (d *huhDialogs) run(ctx context.Context, groups ...*huh.Group) (bool, error) {
	err := huh.NewForm(groups...).
		WithInput(d.in).
		WithOutput(d.out).
		RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *huhDialogs) ServerDialog(ctx context.Context, host, port string) (string, string, bool, error) {
	if port == "" {
		port = "11434"
	}
	ok, err := d.run(ctx, huh.NewGroup(
		huh.NewInput().
			Title("Ollama server host").
			Placeholder("localhost").
			Value(&host).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("host is required")
				}
				return nil
			}),
		huh.NewInput().
			Title("Ollama server port").
			Value(&port).
			Validate(validPort),
	))
	return host, port, ok, err
}

func validPort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return errors.New("port must be a number between 1 and 65535")
	}
	return nil
}

func (d *huhDialogs) ModelDialog(ctx context.Context, models []string, current string) (string, bool, error) {
	model := current
	ok, err := d.run(ctx, huh.NewGroup(
		huh.NewSelect[string]().
			Title("Select a model").
			Options(huh.NewOptions(models...)...).
			Value(&model),
	))
	return model, ok, err
}

func (d *huhDialogs) ShowError(ctx context.Context, title, message string) {
	_, err := d.run(ctx, huh.NewGroup(
		huh.NewNote().
			Title(title).
			Description(message).
			Next(true).
			NextLabel("OK"),
	))
	if err != nil {
		slog.Warn("error dialog failed", slog.String("title", title), slog.String("message", message))
	}
}

// promptAddress asks for a hexadecimal address.
func (d *huhDialogs) promptAddress(ctx context.Context, title string) (binview.Address, bool, error) {
	var text string
	ok, err := d.run(ctx, huh.NewGroup(
		huh.NewInput().
			Title(title).
			Placeholder("0x401000").
			Value(&text).
			Validate(func(s string) error {
				_, err := binview.ParseAddress(s)
				return err
			}),
	))
	if !ok || err != nil {
		return 0, false, err
	}
	addr, err := binview.ParseAddress(text)
	if err != nil {
		return 0, false, fmt.Errorf("invalid address %q: %w", text, err)
	}
	return addr, true, nil
}
