// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph orders the functions of a call graph so that callees are
// processed before their callers.
package graph

// BottomUp returns every node of order exactly once, callees before callers.
//
// Description:
//
//	Depth-first post-order traversal started from each node of order in turn.
//	A node is appended only after all of its not-yet-visited callees have been
//	appended. Nodes are marked on enter, so a callee that is already on the
//	current visit stack is skipped; this breaks recursive and mutually
//	recursive groups and guarantees termination. Inside a cycle a node may
//	therefore appear before one of its direct callees.
//
//	Callees that are not part of order are ignored: the traversal only follows
//	edges between known nodes.
//
// Inputs:
//
//	order - Enumeration order of all nodes. Duplicates are visited once.
//	callees - Returns the direct callees of a node. May return nil.
//
// Outputs:
//
//	[]K - The bottom-up ordering. For an acyclic graph every callee precedes
//	      each of its callers. Deterministic for a fixed order and fixed
//	      callee slices.
func BottomUp[K comparable](order []K, callees func(K) []K) []K {
	known := make(map[K]struct{}, len(order))
	for _, n := range order {
		known[n] = struct{}{}
	}

	visited := make(map[K]struct{}, len(order))
	out := make([]K, 0, len(known))

	var visit func(n K)
	visit = func(n K) {
		visited[n] = struct{}{}
		for _, c := range callees(n) {
			if _, ok := known[c]; !ok {
				continue
			}
			if _, seen := visited[c]; seen {
				continue
			}
			visit(c)
		}
		out = append(out, n)
	}

	for _, n := range order {
		if _, seen := visited[n]; seen {
			continue
		}
		visit(n)
	}
	return out
}
