// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tasks runs naming operations in the background and streams their
// progress.
//
// Every task moves through created, running, succeeded or failed, and
// finally terminated. Tasks that mutate the code database are serialized so
// that no two hold a writable transaction at the same time.
package tasks

import "fmt"

// State is the lifecycle state of a task.
type State string

const (
	StateCreated    State = "created"
	StateRunning    State = "running"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateTerminated State = "terminated"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateCreated: {
		StateRunning: {},
	},
	StateRunning: {
		StateSucceeded: {},
		StateFailed:    {},
	},
	StateSucceeded: {
		StateTerminated: {},
	},
	StateFailed: {
		StateTerminated: {},
	},
	StateTerminated: {},
}

// ValidateState reports whether s is a known state.
func ValidateState(s State) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid task state: %q", s)
	}
	return nil
}

// ValidateTransition reports whether a task may move from one state to
// another.
func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid task transition: %s -> %s", from, to)
	}
	return nil
}

// IsFinal reports whether s is succeeded, failed or terminated.
func IsFinal(s State) bool {
	return s == StateSucceeded || s == StateFailed || s == StateTerminated
}
