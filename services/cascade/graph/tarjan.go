// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import "sort"

// -----------------------------------------------------------------------------
// Tarjan's Strongly Connected Components
// -----------------------------------------------------------------------------

// sccResult is the condensation of a graph.
//
// Components are emitted in reverse topological order of the edge
// direction: because edges point from a node to its deps, every component
// appears after all components it depends on.
type sccResult struct {
	// components lists members of each SCC, sorted by id.
	components [][]string

	// componentOf maps each visited id to its component index.
	componentOf map[string]int
}

// tarjanState holds the algorithm state during execution.
type tarjanState struct {
	index     int
	nodeIndex map[string]int
	lowlink   map[string]int
	onStack   map[string]bool
	stack     []string
	sccs      [][]string
	edges     func(string) []string
}

// tarjan finds the SCCs reachable from roots following edges.
//
// Roots are visited in the given order and successors in edge order, so
// the result is deterministic for deterministic input.
func tarjan(roots []string, edges func(string) []string) *sccResult {
	state := &tarjanState{
		nodeIndex: make(map[string]int),
		lowlink:   make(map[string]int),
		onStack:   make(map[string]bool),
		edges:     edges,
	}
	for _, v := range roots {
		if _, visited := state.nodeIndex[v]; !visited {
			state.strongConnect(v)
		}
	}

	res := &sccResult{
		components:  state.sccs,
		componentOf: make(map[string]int, len(state.nodeIndex)),
	}
	for i, scc := range res.components {
		sort.Strings(scc)
		for _, id := range scc {
			res.componentOf[id] = i
		}
	}
	return res
}

// strongConnect is the recursive DFS step.
func (s *tarjanState) strongConnect(v string) {
	s.nodeIndex[v] = s.index
	s.lowlink[v] = s.index
	s.index++
	s.stack = append(s.stack, v)
	s.onStack[v] = true

	for _, w := range s.edges(v) {
		if _, visited := s.nodeIndex[w]; !visited {
			s.strongConnect(w)
			if s.lowlink[w] < s.lowlink[v] {
				s.lowlink[v] = s.lowlink[w]
			}
		} else if s.onStack[w] {
			if s.nodeIndex[w] < s.lowlink[v] {
				s.lowlink[v] = s.nodeIndex[w]
			}
		}
	}

	// v is a root: pop its component.
	if s.lowlink[v] == s.nodeIndex[v] {
		var scc []string
		for {
			w := s.stack[len(s.stack)-1]
			s.stack = s.stack[:len(s.stack)-1]
			s.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		s.sccs = append(s.sccs, scc)
	}
}

// cycles returns the cyclic components: size > 1, or a self loop.
func (r *sccResult) cycles(edges func(string) []string) [][]string {
	var out [][]string
	for _, scc := range r.components {
		if len(scc) > 1 || hasSelfLoop(scc[0], edges) {
			out = append(out, append([]string(nil), scc...))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func hasSelfLoop(id string, edges func(string) []string) bool {
	for _, d := range edges(id) {
		if d == id {
			return true
		}
	}
	return false
}
