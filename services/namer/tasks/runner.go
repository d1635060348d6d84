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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

// ErrRunnerClosed is returned by Submit after Shutdown.
var ErrRunnerClosed = errors.New("tasks: runner is shut down")

var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "namer",
			Subsystem: "tasks",
			Name:      "total",
			Help:      "Total finished tasks by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "namer",
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Task run time in seconds, including time waiting for the mutation lock.",
			Buckets:   []float64{0.1, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"kind"},
	)

	tasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "namer",
			Subsystem: "tasks",
			Name:      "running",
			Help:      "Number of tasks currently running.",
		},
	)
)

// RunFunc is the body of a task. It should check ctx between items and
// report progress through r.
type RunFunc func(ctx context.Context, r Reporter) (any, error)

// Spec describes a task to submit.
type Spec struct {
	// Kind names the operation, e.g. "rename_all_functions".
	Kind string
	// Mutating tasks run one at a time.
	Mutating bool
	Run      RunFunc
}

// DefaultRetention is how many terminated tasks a Runner keeps for Get and
// List unless WithRetention says otherwise.
const DefaultRetention = 200

// Runner starts one goroutine per task. It keeps every unfinished task and
// the most recent terminated ones, up to its retention.
//
// Thread Safety: Safe for concurrent use.
type Runner struct {
	logger *slog.Logger
	mutate *semaphore.Weighted
	wg     sync.WaitGroup
	retain int

	mu     sync.RWMutex
	tasks  map[string]*Task
	order  []string
	closed bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithRetention caps the terminated tasks kept for Get and List; older ones
// are forgotten. n <= 0 keeps DefaultRetention.
func WithRetention(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.retain = n
		}
	}
}

// NewRunner returns a Runner. A nil logger uses slog.Default().
func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		logger: logger,
		mutate: semaphore.NewWeighted(1),
		retain: DefaultRetention,
		tasks:  make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit starts spec.Run in the background and returns its handle.
//
// Description:
//
//	The task context keeps ctx's values but not its cancellation, so a task
//	started from a request outlives the request. Cancel the task through
//	Task.Cancel or Runner.Shutdown. A mutating task reports that it is
//	waiting while another mutating task holds the lock.
//
// Outputs:
//
//	*Task - The started task, already past StateCreated or about to be.
//	error - ErrRunnerClosed after Shutdown, or an invalid spec.
func (r *Runner) Submit(ctx context.Context, spec Spec) (*Task, error) {
	if spec.Run == nil {
		return nil, fmt.Errorf("tasks: spec %q has no run function", spec.Kind)
	}
	if spec.Kind == "" {
		return nil, fmt.Errorf("tasks: spec kind must not be empty")
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := newTask(uuid.NewString(), spec.Kind, spec.Mutating, cancel)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, ErrRunnerClosed
	}
	r.tasks[t.ID] = t
	r.order = append(r.order, t.ID)
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(taskCtx, t, spec)
	return t, nil
}

func (r *Runner) run(ctx context.Context, t *Task, spec Spec) {
	defer r.wg.Done()
	defer t.cancel()

	start := time.Now()
	logger := r.logger.With(slog.String("task_id", t.ID), slog.String("kind", t.Kind))

	_ = t.transition(StateRunning, nil)
	tasksRunning.Inc()

	result, err := r.execute(ctx, t, spec, logger)

	tasksRunning.Dec()
	if err != nil {
		_ = t.transition(StateFailed, err)
		logger.Error("task failed", slog.String("error", err.Error()))
	} else {
		t.setResult(result)
		_ = t.transition(StateSucceeded, nil)
		logger.Info("task succeeded", slog.Duration("duration", time.Since(start)))
	}
	tasksTotal.WithLabelValues(t.Kind, string(t.Outcome())).Inc()
	taskDuration.WithLabelValues(t.Kind).Observe(time.Since(start).Seconds())

	_ = t.transition(StateTerminated, nil)
	r.mu.Lock()
	r.prune()
	r.mu.Unlock()
	close(t.done)
}

// prune forgets the oldest terminated tasks beyond the retention. Callers
// hold r.mu.
func (r *Runner) prune() {
	excess := -r.retain
	for _, id := range r.order {
		if r.tasks[id].State() == StateTerminated {
			excess++
		}
	}
	if excess <= 0 {
		return
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if excess > 0 && r.tasks[id].State() == StateTerminated {
			delete(r.tasks, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	clear(r.order[len(kept):])
	r.order = kept
}

// execute holds the mutation lock for mutating tasks and converts panics
// into errors.
func (r *Runner) execute(ctx context.Context, t *Task, spec Spec, logger *slog.Logger) (result any, err error) {
	if spec.Mutating {
		if !r.mutate.TryAcquire(1) {
			t.Progress("Waiting for another renaming task to finish")
			if err := r.mutate.Acquire(ctx, 1); err != nil {
				return nil, err
			}
		}
		defer r.mutate.Release(1)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("task panicked", slog.Any("panic", p))
			result, err = nil, fmt.Errorf("tasks: %s panicked: %v", t.Kind, p)
		}
	}()
	return spec.Run(ctx, t)
}

// Get returns the task with the given ID. Terminated tasks past the
// retention are no longer found.
func (r *Runner) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// List returns the retained tasks in submission order.
func (r *Runner) List() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id])
	}
	return out
}

// Shutdown stops accepting tasks, cancels running ones and waits for them
// to terminate or for ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, t := range r.tasks {
		t.Cancel()
	}
	r.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks: shutdown: %w", ctx.Err())
	}
}
