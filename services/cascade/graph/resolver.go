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

import (
	"log/slog"
	"sort"
	"strings"
)

// AffectedSet is the result of resolving a change.
type AffectedSet struct {
	// Seeds are the changed ids that exist in the graph, sorted.
	Seeds []string

	// Unknown are changed ids that do not exist in the graph, sorted.
	Unknown []string

	// Order lists every affected id ascending by (depth, id). Every node
	// appears after all of its in-set dependencies, except between members
	// of the same cycle.
	Order []string

	// Components groups Order into recomputation units. A unit holds one
	// node, or every member of one cycle sorted by id. Units are ordered
	// by depth, then by their first member.
	Components [][]string

	// Cycles lists the cyclic components, each sorted by id.
	Cycles [][]string

	depth       map[string]int
	componentOf map[string]int
}

// Len returns the number of affected ids.
func (a *AffectedSet) Len() int { return len(a.Order) }

// Contains reports whether id is affected.
func (a *AffectedSet) Contains(id string) bool {
	_, ok := a.depth[id]
	return ok
}

// Depth returns the depth rank of id, or -1 if id is not affected.
func (a *AffectedSet) Depth(id string) int {
	if d, ok := a.depth[id]; ok {
		return d
	}
	return -1
}

// Component returns the unit containing id, or nil.
func (a *AffectedSet) Component(id string) []string {
	i, ok := a.componentOf[id]
	if !ok {
		return nil
	}
	return a.Components[i]
}

// -----------------------------------------------------------------------------
// Resolver
// -----------------------------------------------------------------------------

// Resolver computes affected sets over one Graph.
type Resolver struct {
	graph  *Graph
	logger *slog.Logger
}

// NewResolver creates a resolver. A nil logger uses slog.Default().
func NewResolver(g *Graph, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{graph: g, logger: logger}
}

// Resolve returns every node transitively affected by changed, with its
// update order.
//
// Description:
//
//	1. Breadth-first traversal from the changed ids over ChildToParents
//	   collects the affected set. The changed ids are part of it. A visited
//	   set ensures each id is expanded once, so cycles terminate.
//	2. Tarjan's SCC over the affected subgraph condenses cycles into
//	   single units.
//	3. Depth rank per unit is 1 + max(depth of in-set dependency units),
//	   0 when it has none. All members of a unit share the rank, and
//	   members are ordered by id.
//
// Inputs:
//
//	changed - Changed ids. Duplicates and unknown ids are tolerated.
//
// Outputs:
//
//	*AffectedSet - Never nil. Empty when no changed id exists.
func (r *Resolver) Resolve(changed []string) *AffectedSet {
	g := r.graph
	set := &AffectedSet{
		depth:       make(map[string]int),
		componentOf: make(map[string]int),
	}

	seeds := uniqueSorted(changed)
	visited := make(map[string]bool, len(seeds))
	queue := make([]string, 0, len(seeds))
	for _, id := range seeds {
		if !g.Has(id) {
			set.Unknown = append(set.Unknown, id)
			continue
		}
		set.Seeds = append(set.Seeds, id)
		visited[id] = true
		queue = append(queue, id)
	}
	if len(set.Unknown) > 0 {
		r.logger.Warn("changed ids not found in graph",
			slog.Int("count", len(set.Unknown)),
			slog.String("ids", strings.Join(set.Unknown, ",")),
		)
	}

	affected := make([]string, 0, len(queue))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		affected = append(affected, id)
		for _, parent := range g.Dependents(id) {
			if !visited[parent] {
				visited[parent] = true
				queue = append(queue, parent)
			}
		}
	}
	sort.Strings(affected)

	inSet := func(id string) []string {
		var out []string
		for _, dep := range g.presentDeps(id) {
			if visited[dep] {
				out = append(out, dep)
			}
		}
		return out
	}

	scc := tarjan(affected, inSet)

	// Components arrive dependencies-first, so a single forward sweep
	// sees every dependency unit's depth before it is needed.
	compDepth := make([]int, len(scc.components))
	for i, members := range scc.components {
		d := 0
		for _, id := range members {
			for _, dep := range inSet(id) {
				j := scc.componentOf[dep]
				if j == i {
					continue
				}
				if compDepth[j]+1 > d {
					d = compDepth[j] + 1
				}
			}
		}
		compDepth[i] = d
	}

	order := make([]int, len(scc.components))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ca, cb := order[a], order[b]
		if compDepth[ca] != compDepth[cb] {
			return compDepth[ca] < compDepth[cb]
		}
		return scc.components[ca][0] < scc.components[cb][0]
	})

	for _, ci := range order {
		members := scc.components[ci]
		idx := len(set.Components)
		set.Components = append(set.Components, members)
		for _, id := range members {
			set.depth[id] = compDepth[ci]
			set.componentOf[id] = idx
			set.Order = append(set.Order, id)
		}
	}
	// Order groups unit members together; re-sort by (depth, id) so the
	// documented order holds even when two units interleave by id.
	sort.SliceStable(set.Order, func(a, b int) bool {
		da, db := set.depth[set.Order[a]], set.depth[set.Order[b]]
		if da != db {
			return da < db
		}
		return set.Order[a] < set.Order[b]
	})

	set.Cycles = scc.cycles(inSet)
	if len(set.Cycles) > 0 {
		for _, c := range set.Cycles {
			r.logger.Warn("dependency cycle in affected set; processing as one unit",
				slog.String("members", strings.Join(c, ",")),
				slog.Int("depth", set.depth[c[0]]),
			)
		}
	}

	r.logger.Debug("affected set resolved",
		slog.Int("seeds", len(set.Seeds)),
		slog.Int("affected", len(set.Order)),
		slog.Int("units", len(set.Components)),
		slog.Int("cycles", len(set.Cycles)),
	)
	return set
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
