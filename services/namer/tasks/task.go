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
	"sync"
	"time"
)

// EventType distinguishes state changes from progress updates.
type EventType string

const (
	EventState    EventType = "state"
	EventProgress EventType = "progress"
)

// Event is one entry of a task's ordered event stream.
type Event struct {
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Type      EventType `json:"type"`
	State     State     `json:"state"`
	Progress  string    `json:"progress,omitempty"`
	Error     string    `json:"error,omitempty"`
	TimeMilli int64     `json:"time_milli"`
}

// Reporter receives progress messages from a running operation.
type Reporter interface {
	Progress(msg string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(msg string)

// Progress calls f(msg).
func (f ReporterFunc) Progress(msg string) { f(msg) }

// Discard is a Reporter that drops every message.
var Discard Reporter = ReporterFunc(func(string) {})

// Task is a handle to one background operation.
//
// Description:
//
//	A Task records every state change and progress message as an Event.
//	Events replays that history and then follows live updates, so a
//	subscriber that attaches late still sees the whole run in order.
//
// Thread Safety: Safe for concurrent use.
type Task struct {
	ID        string
	Kind      string
	Mutating  bool
	CreatedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      State
	outcome    State
	progress   string
	result     any
	err        error
	finishedAt time.Time
	history    []Event
	changed    chan struct{}
}

func newTask(id, kind string, mutating bool, cancel context.CancelFunc) *Task {
	t := &Task{
		ID:        id,
		Kind:      kind,
		Mutating:  mutating,
		CreatedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateCreated,
		changed:   make(chan struct{}),
	}
	t.history = append(t.history, Event{
		TaskID:    id,
		Type:      EventState,
		State:     StateCreated,
		TimeMilli: t.CreatedAt.UnixMilli(),
	})
	return t
}

// publish appends ev and wakes subscribers. Caller holds t.mu.
func (t *Task) publish(ev Event) {
	ev.TaskID = t.ID
	ev.Seq = len(t.history)
	ev.TimeMilli = time.Now().UnixMilli()
	t.history = append(t.history, ev)
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Task) transition(to State, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ValidateTransition(t.state, to); err != nil {
		return err
	}
	t.state = to
	ev := Event{Type: EventState, State: to}
	switch to {
	case StateSucceeded, StateFailed:
		t.outcome = to
		t.err = err
		t.finishedAt = time.Now()
		if err != nil {
			ev.Error = err.Error()
		}
	}
	t.publish(ev)
	return nil
}

func (t *Task) setResult(v any) {
	t.mu.Lock()
	t.result = v
	t.mu.Unlock()
}

// Progress records msg as the current progress text. Ignored unless the
// task is running.
func (t *Task) Progress(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return
	}
	t.progress = msg
	t.publish(Event{Type: EventProgress, State: t.state, Progress: msg})
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Outcome returns StateSucceeded or StateFailed once the operation has
// finished, and "" before.
func (t *Task) Outcome() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// ProgressText returns the latest progress text.
func (t *Task) ProgressText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Result returns the operation's result, nil until it succeeded.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the operation's error once it failed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cancel requests cancellation. The operation observes it at its next
// checkpoint and the task fails with context.Canceled.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed when the task reaches StateTerminated.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task terminates or ctx ends.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.Result(), t.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events streams the task's events in order, starting from the first. The
// channel is closed after the terminated event or when ctx ends.
func (t *Task) Events(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		next := 0
		for {
			t.mu.Lock()
			if next < len(t.history) {
				ev := t.history[next]
				t.mu.Unlock()
				select {
				case out <- ev:
					next++
				case <-ctx.Done():
					return
				}
				continue
			}
			if t.state == StateTerminated {
				t.mu.Unlock()
				return
			}
			changed := t.changed
			t.mu.Unlock()

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// History returns a copy of the events published so far.
func (t *Task) History() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.history))
	copy(out, t.history)
	return out
}

// View is a JSON-friendly snapshot of a task.
type View struct {
	ID              string `json:"id"`
	Kind            string `json:"kind"`
	Mutating        bool   `json:"mutating"`
	State           State  `json:"state"`
	Outcome         State  `json:"outcome,omitempty"`
	Progress        string `json:"progress,omitempty"`
	Error           string `json:"error,omitempty"`
	Result          any    `json:"result,omitempty"`
	CreatedAtMilli  int64  `json:"created_at_milli"`
	FinishedAtMilli int64  `json:"finished_at_milli,omitempty"`
}

// Snapshot returns the task's current view.
func (t *Task) Snapshot() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := View{
		ID:             t.ID,
		Kind:           t.Kind,
		Mutating:       t.Mutating,
		State:          t.state,
		Outcome:        t.outcome,
		Progress:       t.progress,
		Result:         t.result,
		CreatedAtMilli: t.CreatedAt.UnixMilli(),
	}
	if t.err != nil {
		v.Error = t.err.Error()
	}
	if !t.finishedAt.IsZero() {
		v.FinishedAtMilli = t.finishedAt.UnixMilli()
	}
	return v
}
