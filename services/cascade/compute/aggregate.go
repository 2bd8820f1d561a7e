// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compute

import (
	"log/slog"
	"sort"

	"github.com/AleutianAI/cascade/services/cascade/node"
)

// aggregate assembles a container's SelfData.
//
// Direct deps are partitioned by node.SectionKey into one keyed sub-map
// per section ({"pages": {id: data}, "fieldSets": {id: data}}). Sections
// exist only when non-empty. Property deps are merged flatly, in declared
// order, onto the container's own structure; a section key always wins
// over a flat property key of the same name.
func (c *Computer) aggregate(n *node.Node, lookup Lookup) Result {
	var anomalies []Anomaly
	var flat []node.Data
	sections := make(map[string]node.Data)

	for _, depID := range n.Deps {
		data, anomaly := c.depData(n, depID, lookup)
		if anomaly != nil {
			anomalies = append(anomalies, *anomaly)
			continue
		}
		dep, _ := lookup(depID)
		key := node.SectionKey(dep)
		if key == "" {
			flat = append(flat, data)
			continue
		}
		if sections[key] == nil {
			sections[key] = node.Data{}
		}
		sections[key][depID] = data.Clone()
	}

	self, rep := c.merger.MergeInOrder(flat...)
	anomalies = append(anomalies, c.depthAnomalies(n, rep)...)

	keys := make([]string, 0, len(sections))
	for k := range sections {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, clash := self[k]; clash {
			anomalies = append(anomalies, Anomaly{NodeID: n.ID, Reason: "property key " + k + " shadowed by section"})
		}
		self[k] = sections[k]
	}

	return c.finish(n, self, anomalies)
}

// -----------------------------------------------------------------------------
// Workspace
// -----------------------------------------------------------------------------

// Workspace is the in-memory working set a cascade computes against.
type Workspace interface {
	// Lookup returns the freshest version of id.
	Lookup(id string) (*node.Node, bool)

	// Put replaces the working version of a node.
	Put(n *node.Node)
}

// MapWorkspace is a Workspace over a map. The zero value is not usable;
// use NewMapWorkspace.
type MapWorkspace struct {
	nodes map[string]*node.Node
}

// NewMapWorkspace creates a workspace holding the given nodes. Later
// duplicates win.
func NewMapWorkspace(nodes []*node.Node) *MapWorkspace {
	ws := &MapWorkspace{nodes: make(map[string]*node.Node, len(nodes))}
	for _, n := range nodes {
		if n != nil {
			ws.nodes[n.ID] = n
		}
	}
	return ws
}

// Lookup implements Workspace.
func (w *MapWorkspace) Lookup(id string) (*node.Node, bool) {
	n, ok := w.nodes[id]
	return n, ok
}

// Put implements Workspace.
func (w *MapWorkspace) Put(n *node.Node) { w.nodes[n.ID] = n }

// Nodes returns the working set sorted by id.
func (w *MapWorkspace) Nodes() []*node.Node {
	out := make([]*node.Node, 0, len(w.nodes))
	for _, n := range w.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// -----------------------------------------------------------------------------
// Hierarchy Aggregator
// -----------------------------------------------------------------------------

// Aggregator rebuilds grouping and container nodes level by level, from
// grouping sections up through page, space, workspace, app and user config.
type Aggregator struct {
	computer *Computer
	logger   *slog.Logger
}

// NewAggregator creates an Aggregator backed by computer.
func NewAggregator(computer *Computer, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{computer: computer, logger: logger}
}

// LevelReport is the outcome of one Rebuild pass.
type LevelReport struct {
	// Results holds one entry per computed target, in processing order.
	Results []Result

	// Deferred lists targets whose dependencies had not stabilized, sorted.
	Deferred []string
}

// Rebuild recomputes targets strictly in level order.
//
// Description:
//
//	Targets are grouped by node.Level (grouping = 0, page = 1, ... user
//	config = 5) and processed lowest level first, ids ascending within a
//	level. Each computed node is written back to ws so higher levels see
//	it. A target is deferred when one of its deps is itself a target that
//	has not been computed yet in this pass (same level or a higher one),
//	or is listed in unstable. Deferred targets are for the caller to
//	retry in a later pass.
//
// Inputs:
//
//	targets - Grouping or container nodes to rebuild. Other kinds are
//	          ignored.
//	ws - Working set; updated in place.
//	unstable - Ids that must not be consumed yet. May be nil.
func (a *Aggregator) Rebuild(targets []*node.Node, ws Workspace, unstable map[string]bool) LevelReport {
	byLevel := make(map[int][]*node.Node)
	pending := make(map[string]bool, len(targets))
	for _, t := range targets {
		lvl := t.Level()
		if lvl < 0 {
			continue
		}
		byLevel[lvl] = append(byLevel[lvl], t)
		pending[t.ID] = true
	}

	var report LevelReport
	deferred := make(map[string]bool)
	for lvl := range node.Levels {
		nodes := byLevel[lvl]
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

		for _, t := range nodes {
			if blocker := a.blockedBy(t, pending, deferred, unstable); blocker != "" {
				deferred[t.ID] = true
				a.logger.Warn("container deferred; children not yet stable",
					slog.String("node_id", t.ID),
					slog.String("waiting_on", blocker),
					slog.Int("level", lvl),
				)
				continue
			}
			cur, ok := ws.Lookup(t.ID)
			if !ok {
				cur = t
			}
			res := a.computer.Compute(cur, ws.Lookup)
			ws.Put(res.Node)
			delete(pending, t.ID)
			report.Results = append(report.Results, res)
		}
		a.logger.Debug("hierarchy level rebuilt",
			slog.Int("level", lvl),
			slog.Int("nodes", len(nodes)),
		)
	}

	for id := range deferred {
		report.Deferred = append(report.Deferred, id)
	}
	sort.Strings(report.Deferred)
	return report
}

func (a *Aggregator) blockedBy(t *node.Node, pending, deferred, unstable map[string]bool) string {
	for _, dep := range t.Deps {
		if dep == t.ID {
			continue
		}
		if pending[dep] || deferred[dep] || unstable[dep] {
			return dep
		}
	}
	return ""
}
