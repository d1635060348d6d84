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
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianNamer/services/namer/tasks"
)

var (
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// follow blocks until task terminates, showing its progress.
//
// Description:
//
//	On a terminal a spinner with the running message list is drawn;
//	otherwise each progress message is logged. Interrupting (ctx done or
//	ctrl+c) cancels the task and still waits for it to terminate.
func (a *app) follow(ctx context.Context, task *tasks.Task) error {
	if isTerminal(a.out) {
		if err := followTUI(ctx, task, a.in, a.out); err != nil {
			return err
		}
	} else {
		followPlain(ctx, task, a.logger)
	}
	<-task.Done()
	return task.Err()
}

func followPlain(ctx context.Context, task *tasks.Task, logger *slog.Logger) {
	go func() {
		select {
		case <-ctx.Done():
			task.Cancel()
		case <-task.Done():
		}
	}()
	for ev := range task.Events(context.WithoutCancel(ctx)) {
		if ev.Type == tasks.EventProgress {
			logger.Info(ev.Progress, slog.String("task_id", ev.TaskID))
		}
	}
}

type eventMsg tasks.Event

type streamClosedMsg struct{}

func nextEvent(events <-chan tasks.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// progressModel renders one task's progress messages under a spinner.
type progressModel struct {
	task      *tasks.Task
	events    <-chan tasks.Event
	spinner   spinner.Model
	lines     []string
	current   string
	done      bool
	cancelled bool
}

func newProgressModel(task *tasks.Task, events <-chan tasks.Event) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle
	return progressModel{task: task, events: events, spinner: s, current: "Waiting to start..."}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, nextEvent(m.events))
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		if msg.Type == tasks.EventProgress {
			if m.current != "" && m.current != "Waiting to start..." {
				m.lines = append(m.lines, m.current)
			}
			m.current = msg.Progress
		}
		return m, nextEvent(m.events)
	case streamClosedMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "esc" {
			if !m.cancelled {
				m.cancelled = true
				m.task.Cancel()
			}
		}
	}
	return m, nil
}

func (m progressModel) View() string {
	var b strings.Builder
	for _, l := range m.lines {
		b.WriteString(dimStyle.Render("  "+l) + "\n")
	}
	if m.done {
		switch m.task.Outcome() {
		case tasks.StateSucceeded:
			b.WriteString(doneStyle.Render("✓ "+m.current) + "\n")
		default:
			msg := m.current
			if err := m.task.Err(); err != nil {
				msg = err.Error()
			}
			b.WriteString(failStyle.Render("✗ "+msg) + "\n")
		}
		return b.String()
	}
	suffix := ""
	if m.cancelled {
		suffix = dimStyle.Render(" (cancelling)")
	}
	fmt.Fprintf(&b, "%s %s%s\n", m.spinner.View(), m.current, suffix)
	return b.String()
}

func followTUI(ctx context.Context, task *tasks.Task, in io.Reader, out io.Writer) error {
	go func() {
		select {
		case <-ctx.Done():
			task.Cancel()
		case <-task.Done():
		}
	}()
	events := task.Events(context.WithoutCancel(ctx))
	p := tea.NewProgram(newProgressModel(task, events), tea.WithInput(in), tea.WithOutput(out))
	if _, err := p.Run(); err != nil {
		task.Cancel()
		// Drain so the event goroutine can finish.
		for range events {
		}
		return fmt.Errorf("progress view: %w", err)
	}
	return nil
}
