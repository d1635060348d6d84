// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report renders the effect of a renaming batch as a unified diff
// of decompiled function text.
package report

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/AleutianNamer/services/namer/binview"
)

// DefaultContext is the number of unchanged lines around each change.
const DefaultContext = 3

// FunctionText is the decompiled text of one function at a point in time.
type FunctionText struct {
	Address binview.Address
	Name    string
	Text    string
}

// Capture decompiles every function in db.
//
// Description:
//
//	Reads through a single read-only transaction so the capture is
//	consistent. The result is ordered by address.
func Capture(ctx context.Context, db binview.Database) ([]FunctionText, error) {
	var out []FunctionText
	err := binview.View(ctx, db, func(txn binview.Txn) error {
		fns, err := txn.Functions()
		if err != nil {
			return err
		}
		out = make([]FunctionText, 0, len(fns))
		for _, fn := range fns {
			text, err := binview.DecompileFunction(txn, fn)
			if err != nil {
				return fmt.Errorf("decompiling %s: %w", fn.Address, err)
			}
			out = append(out, FunctionText{Address: fn.Address, Name: fn.Name, Text: text})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("report: capture: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// FunctionDiffs returns one FileDiff per function whose text changed.
//
// Description:
//
//	Functions are paired by address. Renames never add or remove lines,
//	so lines are compared position by position; a pair with different
//	line counts is rendered as a single replace hunk. Functions present
//	on only one side are ignored.
//
// Inputs:
//
//	before, after - Captures to compare.
//	contextLines - Unchanged lines kept around each change. Negative
//	means DefaultContext.
func FunctionDiffs(before, after []FunctionText, contextLines int) []*diff.FileDiff {
	if contextLines < 0 {
		contextLines = DefaultContext
	}
	prev := make(map[binview.Address]FunctionText, len(before))
	for _, ft := range before {
		prev[ft.Address] = ft
	}

	var out []*diff.FileDiff
	for _, cur := range after {
		old, ok := prev[cur.Address]
		if !ok || old.Text == cur.Text {
			continue
		}
		hunks := lineHunks(splitLines(old.Text), splitLines(cur.Text), contextLines)
		if len(hunks) == 0 {
			continue
		}
		out = append(out, &diff.FileDiff{
			OrigName: fmt.Sprintf("a/%s@%s", old.Name, old.Address),
			NewName:  fmt.Sprintf("b/%s@%s", cur.Name, cur.Address),
			Hunks:    hunks,
		})
	}
	return out
}

// Print renders diffs in unified format.
func Print(diffs []*diff.FileDiff) ([]byte, error) {
	if len(diffs) == 0 {
		return nil, nil
	}
	b, err := diff.PrintMultiFileDiff(diffs)
	if err != nil {
		return nil, fmt.Errorf("report: printing diff: %w", err)
	}
	return b, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func lineHunks(a, b []string, n int) []*diff.Hunk {
	if len(a) != len(b) {
		return []*diff.Hunk{replaceHunk(a, b)}
	}

	var changed []int
	for i := range a {
		if a[i] != b[i] {
			changed = append(changed, i)
		}
	}
	if len(changed) == 0 {
		return nil
	}

	var hunks []*diff.Hunk
	start := max(changed[0]-n, 0)
	end := min(changed[0]+n+1, len(a))
	flush := func() {
		var body bytes.Buffer
		for i := start; i < end; i++ {
			if a[i] == b[i] {
				body.WriteString(" " + a[i] + "\n")
				continue
			}
			body.WriteString("-" + a[i] + "\n")
			body.WriteString("+" + b[i] + "\n")
		}
		lines := int32(end - start)
		hunks = append(hunks, &diff.Hunk{
			OrigStartLine: int32(start + 1),
			OrigLines:     lines,
			NewStartLine:  int32(start + 1),
			NewLines:      lines,
			Body:          body.Bytes(),
		})
	}
	for _, i := range changed[1:] {
		if i-n <= end {
			end = min(i+n+1, len(a))
			continue
		}
		flush()
		start = i - n
		end = min(i+n+1, len(a))
	}
	flush()
	return hunks
}

func replaceHunk(a, b []string) *diff.Hunk {
	var body bytes.Buffer
	for _, l := range a {
		body.WriteString("-" + l + "\n")
	}
	for _, l := range b {
		body.WriteString("+" + l + "\n")
	}
	return &diff.Hunk{
		OrigStartLine: 1,
		OrigLines:     int32(len(a)),
		NewStartLine:  1,
		NewLines:      int32(len(b)),
		Body:          body.Bytes(),
	}
}
