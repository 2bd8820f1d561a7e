// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph builds the dependency graph of configuration nodes and
// resolves which nodes a change affects, and in which order they must be
// recomputed.
//
// Edge vocabulary follows the dependency direction: a node is a "parent"
// of each of its deps ("children"). ChildToParents therefore answers "who
// depends on me", which is the direction a change travels.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/cascade/services/cascade/node"
)

var (
	// ErrCycle indicates a dependency cycle where none is allowed.
	ErrCycle = errors.New("dependency cycle")
)

// CycleError lists the cycles found in a graph. Each cycle is sorted.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycles))
	for i, c := range e.Cycles {
		parts[i] = "[" + strings.Join(c, " -> ") + "]"
	}
	return fmt.Sprintf("dependency cycle: %s", strings.Join(parts, ", "))
}

// Unwrap lets callers match ErrCycle.
func (e *CycleError) Unwrap() error { return ErrCycle }

// -----------------------------------------------------------------------------
// Graph
// -----------------------------------------------------------------------------

// Graph is an immutable adjacency view over a node set.
//
// Thread Safety: Safe for concurrent reads once built.
type Graph struct {
	nodes map[string]*node.Node
	ids   []string

	// childToParents maps a dependency id to the ids depending on it.
	childToParents map[string][]string

	// parentToChildren maps an id to its deps, in declared order.
	parentToChildren map[string][]string

	// missing maps an id to deps that are not in the node set.
	missing map[string][]string
}

// Build constructs the graph from a flat node set.
//
// Description:
//
//	Scans each node's deps once. Nil deps count as none. When the same id
//	appears more than once, the later node wins. Dependencies that name
//	unknown ids are kept in ParentToChildren and reported by Missing, but
//	produce no reverse edge because there is no node to traverse from.
//
// Complexity: O(N * avgDeps) plus sorting of each dependents list.
func Build(nodes []*node.Node) *Graph {
	g := &Graph{
		nodes:            make(map[string]*node.Node, len(nodes)),
		childToParents:   make(map[string][]string),
		parentToChildren: make(map[string][]string, len(nodes)),
		missing:          make(map[string][]string),
	}
	for _, n := range nodes {
		if n == nil || n.ID == "" {
			continue
		}
		g.nodes[n.ID] = n
	}

	g.ids = make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		g.ids = append(g.ids, id)
	}
	sort.Strings(g.ids)

	for _, id := range g.ids {
		n := g.nodes[id]
		deps := make([]string, 0, len(n.Deps))
		seen := make(map[string]bool, len(n.Deps))
		for _, dep := range n.Deps {
			if dep == "" || seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
			if _, ok := g.nodes[dep]; !ok {
				g.missing[id] = append(g.missing[id], dep)
				continue
			}
			g.childToParents[dep] = append(g.childToParents[dep], id)
		}
		g.parentToChildren[id] = deps
	}
	// ids were visited in sorted order, so every dependents list is sorted.
	return g
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.ids) }

// IDs returns every node id in sorted order.
func (g *Graph) IDs() []string { return append([]string(nil), g.ids...) }

// Has reports whether id is in the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Node returns the node with id, or nil.
func (g *Graph) Node(id string) *node.Node { return g.nodes[id] }

// Dependents returns the ids that depend directly on id, sorted.
func (g *Graph) Dependents(id string) []string { return g.childToParents[id] }

// Dependencies returns the deps of id in declared order, including
// missing ones.
func (g *Graph) Dependencies(id string) []string { return g.parentToChildren[id] }

// Missing returns, per node id, the deps that are not in the graph.
func (g *Graph) Missing() map[string][]string {
	out := make(map[string][]string, len(g.missing))
	for k, v := range g.missing {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// ChildToParents returns a copy of the reverse adjacency.
func (g *Graph) ChildToParents() map[string][]string { return copyAdjacency(g.childToParents) }

// ParentToChildren returns a copy of the forward adjacency.
func (g *Graph) ParentToChildren() map[string][]string { return copyAdjacency(g.parentToChildren) }

// DetectCycles returns every cycle in the graph, or nil.
//
// Description:
//
//	Runs Tarjan's SCC over the whole graph. A component is a cycle when it
//	has more than one member or when its only member depends on itself.
//	Members are sorted, and cycles are sorted by their first member.
func (g *Graph) DetectCycles() [][]string {
	res := tarjan(g.ids, g.presentDeps)
	return res.cycles(g.presentDeps)
}

// ValidateAcyclic returns a *CycleError when the graph has any cycle.
func (g *Graph) ValidateAcyclic() error {
	if cycles := g.DetectCycles(); len(cycles) > 0 {
		return &CycleError{Cycles: cycles}
	}
	return nil
}

// presentDeps returns the deps of id that exist in the graph.
func (g *Graph) presentDeps(id string) []string {
	deps := g.parentToChildren[id]
	if len(g.missing[id]) == 0 {
		return deps
	}
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if g.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func copyAdjacency(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
