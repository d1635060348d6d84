// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package naming

import "strconv"

// Counter disambiguates proposed names within one renaming batch.
//
// Description:
//
//	The first proposal of a name is returned unchanged; the n-th proposal of
//	the same name is returned as name_n. A suffixed name that was already
//	handed out in the batch is skipped in favor of the next free suffix, so
//	every name returned by one Counter is distinct.
//
// Thread Safety: Not safe for concurrent use. One Counter per batch.
type Counter struct {
	counts map[string]int
	issued map[string]struct{}
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{
		counts: make(map[string]int),
		issued: make(map[string]struct{}),
	}
}

// Assign returns the name to apply for proposal.
func (c *Counter) Assign(proposal string) string {
	n := c.counts[proposal] + 1
	name := proposal
	if n > 1 {
		name = proposal + "_" + strconv.Itoa(n)
	}
	for {
		if _, taken := c.issued[name]; !taken {
			break
		}
		n++
		name = proposal + "_" + strconv.Itoa(n)
	}
	c.counts[proposal] = n
	c.issued[name] = struct{}{}
	return name
}
