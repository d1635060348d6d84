// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitTask(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not terminate", task.ID)
	}
}

func states(events []Event) []State {
	var out []State
	for _, ev := range events {
		if ev.Type == EventState {
			out = append(out, ev.State)
		}
	}
	return out
}

func TestValidateTransition(t *testing.T) {
	valid := [][2]State{
		{StateCreated, StateRunning},
		{StateRunning, StateSucceeded},
		{StateRunning, StateFailed},
		{StateSucceeded, StateTerminated},
		{StateFailed, StateTerminated},
	}
	for _, tr := range valid {
		assert.NoError(t, ValidateTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	invalid := [][2]State{
		{StateCreated, StateSucceeded},
		{StateRunning, StateCreated},
		{StateSucceeded, StateFailed},
		{StateFailed, StateRunning},
		{StateTerminated, StateRunning},
		{StateTerminated, StateCreated},
		{"bogus", StateRunning},
	}
	for _, tr := range invalid {
		assert.Error(t, ValidateTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	assert.True(t, IsFinal(StateFailed))
	assert.False(t, IsFinal(StateRunning))
}

func TestRunner_Succeeds(t *testing.T) {
	r := NewRunner(nil)
	task, err := r.Submit(context.Background(), Spec{
		Kind: "explain_function",
		Run: func(ctx context.Context, rep Reporter) (any, error) {
			rep.Progress("one")
			rep.Progress("two")
			return "report", nil
		},
	})
	require.NoError(t, err)
	waitTask(t, task)

	assert.Equal(t, StateTerminated, task.State())
	assert.Equal(t, StateSucceeded, task.Outcome())
	assert.Equal(t, "report", task.Result())
	assert.NoError(t, task.Err())
	assert.Equal(t, "two", task.ProgressText())

	hist := task.History()
	assert.Equal(t, []State{StateCreated, StateRunning, StateSucceeded, StateTerminated}, states(hist))
	for i, ev := range hist {
		assert.Equal(t, i, ev.Seq)
		assert.Equal(t, task.ID, ev.TaskID)
	}

	view := task.Snapshot()
	assert.Equal(t, "explain_function", view.Kind)
	assert.NotZero(t, view.FinishedAtMilli)
}

func TestRunner_Fails(t *testing.T) {
	r := NewRunner(nil)
	boom := errors.New("server returned status code 500")
	task, err := r.Submit(context.Background(), Spec{
		Kind: "rename_function",
		Run:  func(ctx context.Context, rep Reporter) (any, error) { return nil, boom },
	})
	require.NoError(t, err)

	_, werr := task.Wait(context.Background())
	assert.ErrorIs(t, werr, boom)
	assert.Equal(t, StateFailed, task.Outcome())
	assert.Nil(t, task.Result())
	assert.Equal(t, []State{StateCreated, StateRunning, StateFailed, StateTerminated}, states(task.History()))
	assert.Equal(t, boom.Error(), task.Snapshot().Error)
}

func TestRunner_PanicBecomesFailure(t *testing.T) {
	r := NewRunner(nil)
	task, err := r.Submit(context.Background(), Spec{
		Kind: "rename_variable",
		Run:  func(ctx context.Context, rep Reporter) (any, error) { panic("nil function") },
	})
	require.NoError(t, err)
	waitTask(t, task)
	assert.Equal(t, StateFailed, task.Outcome())
	assert.ErrorContains(t, task.Err(), "panicked")
}

func TestRunner_Cancel(t *testing.T) {
	r := NewRunner(nil)
	started := make(chan struct{})
	task, err := r.Submit(context.Background(), Spec{
		Kind: "rename_all_functions",
		Run: func(ctx context.Context, rep Reporter) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)
	<-started
	task.Cancel()
	waitTask(t, task)

	assert.Equal(t, StateFailed, task.Outcome())
	assert.ErrorIs(t, task.Err(), context.Canceled)
}

func TestRunner_SubmitContextDoesNotCancelTask(t *testing.T) {
	r := NewRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	task, err := r.Submit(ctx, Spec{
		Kind: "explain_function",
		Run: func(ctx context.Context, rep Reporter) (any, error) {
			<-release
			return "ok", ctx.Err()
		},
	})
	require.NoError(t, err)
	cancel()
	close(release)
	waitTask(t, task)
	assert.Equal(t, StateSucceeded, task.Outcome())
}

func TestRunner_MutatingTasksSerialize(t *testing.T) {
	r := NewRunner(nil)
	var active, maxActive atomic.Int32
	run := func(ctx context.Context, rep Reporter) (any, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}

	var submitted []*Task
	for i := 0; i < 4; i++ {
		task, err := r.Submit(context.Background(), Spec{Kind: "rename_function", Mutating: true, Run: run})
		require.NoError(t, err)
		submitted = append(submitted, task)
	}
	for _, task := range submitted {
		waitTask(t, task)
		assert.Equal(t, StateSucceeded, task.Outcome())
	}
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestTask_EventsReplayAndFollow(t *testing.T) {
	r := NewRunner(nil)
	step := make(chan struct{})
	task, err := r.Submit(context.Background(), Spec{
		Kind: "rename_function_variables",
		Run: func(ctx context.Context, rep Reporter) (any, error) {
			rep.Progress("Renamed var_8 to count")
			<-step
			rep.Progress("Renamed var_c to length")
			return nil, nil
		},
	})
	require.NoError(t, err)

	var got []Event
	events := task.Events(context.Background())
	close(step)
	for ev := range events {
		got = append(got, ev)
	}

	require.NotEmpty(t, got)
	assert.Equal(t, StateCreated, got[0].State)
	assert.Equal(t, StateTerminated, got[len(got)-1].State)

	var progress []string
	for i, ev := range got {
		assert.Equal(t, i, ev.Seq)
		if ev.Type == EventProgress {
			progress = append(progress, ev.Progress)
		}
	}
	assert.Equal(t, []string{"Renamed var_8 to count", "Renamed var_c to length"}, progress)
}

func TestTask_EventsStopOnContext(t *testing.T) {
	r := NewRunner(nil)
	block := make(chan struct{})
	defer close(block)
	task, err := r.Submit(context.Background(), Spec{
		Kind: "explain_function",
		Run: func(ctx context.Context, rep Reporter) (any, error) {
			<-block
			return nil, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events := task.Events(ctx)
	<-events
	cancel()
	for range events {
	}
}

func TestRunner_GetListShutdown(t *testing.T) {
	r := NewRunner(nil)
	task, err := r.Submit(context.Background(), Spec{
		Kind: "analyze_vulnerabilities",
		Run: func(ctx context.Context, rep Reporter) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)

	got, ok := r.Get(task.ID)
	require.True(t, ok)
	assert.Same(t, task, got)
	_, ok = r.Get("missing")
	assert.False(t, ok)
	assert.Len(t, r.List(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.Equal(t, StateTerminated, task.State())
	assert.Equal(t, StateFailed, task.Outcome())

	_, err = r.Submit(context.Background(), Spec{Kind: "x", Run: func(context.Context, Reporter) (any, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrRunnerClosed)
}

func TestRunner_ForgetsOldestTerminatedTasks(t *testing.T) {
	r := NewRunner(nil, WithRetention(2))
	release := make(chan struct{})
	slow, err := r.Submit(context.Background(), Spec{
		Kind: "rename_all_functions",
		Run: func(ctx context.Context, rep Reporter) (any, error) {
			<-release
			return nil, nil
		},
	})
	require.NoError(t, err)

	var quick []*Task
	for i := 0; i < 4; i++ {
		task, err := r.Submit(context.Background(), Spec{
			Kind: "explain_function",
			Run:  func(context.Context, Reporter) (any, error) { return "ok", nil },
		})
		require.NoError(t, err)
		waitTask(t, task)
		quick = append(quick, task)
	}

	ids := func() []string {
		var out []string
		for _, task := range r.List() {
			out = append(out, task.ID)
		}
		return out
	}
	assert.Equal(t, []string{slow.ID, quick[2].ID, quick[3].ID}, ids())
	_, ok := r.Get(quick[0].ID)
	assert.False(t, ok)
	_, ok = r.Get(slow.ID)
	assert.True(t, ok, "running tasks are never forgotten")

	close(release)
	waitTask(t, slow)
	assert.Equal(t, []string{quick[2].ID, quick[3].ID}, ids())
	assert.Equal(t, "ok", quick[0].Result(), "a forgotten task's handle still works")
}

func TestRunner_DefaultRetention(t *testing.T) {
	r := NewRunner(nil, WithRetention(0))
	assert.Equal(t, DefaultRetention, r.retain)
}

func TestRunner_InvalidSpec(t *testing.T) {
	r := NewRunner(nil)
	_, err := r.Submit(context.Background(), Spec{Kind: "x"})
	assert.Error(t, err)
	_, err = r.Submit(context.Background(), Spec{Run: func(context.Context, Reporter) (any, error) { return nil, nil }})
	assert.Error(t, err)
}
