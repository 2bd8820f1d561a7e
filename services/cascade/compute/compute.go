// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compute derives a node's SelfData and effective Data from its
// dependencies.
//
// Three rules apply, chosen by kind:
//
//   - ordinary (property, field, leaf-misc): SelfData is the in-order deep
//     merge of each dependency's effective data, later deps winning
//   - grouping: SelfData is keyed by dependency id
//   - container: SelfData is assembled into sparse sections keyed by
//     dependency sub-kind, with property deps merged flatly
//
// In every case Data = Merge(SelfData, OverrideData).
package compute

import (
	"fmt"
	"log/slog"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/AleutianAI/cascade/services/cascade/merge"
	"github.com/AleutianAI/cascade/services/cascade/node"
)

// Lookup resolves a dependency id to the freshest known node: the
// recomputed one when the dependency is part of the current cascade,
// otherwise the last persisted one.
type Lookup func(id string) (*node.Node, bool)

// Anomaly records malformed input that was tolerated during computation.
type Anomaly struct {
	NodeID string `json:"nodeId"`
	DepID  string `json:"depId,omitempty"`
	Reason string `json:"reason"`
}

func (a Anomaly) String() string {
	if a.DepID == "" {
		return fmt.Sprintf("%s: %s", a.NodeID, a.Reason)
	}
	return fmt.Sprintf("%s (dep %s): %s", a.NodeID, a.DepID, a.Reason)
}

// Result is the outcome of computing one node.
type Result struct {
	// Node is an updated copy of the input. The input is never modified.
	Node *node.Node

	// Changed is false when SelfData and Data are equal to the values the
	// node had before computation. This is the "no change" sentinel.
	Changed bool

	Anomalies []Anomaly
}

// Computer derives data for single nodes.
//
// Thread Safety: Safe for concurrent use; it holds no mutable state.
type Computer struct {
	merger merge.Merger
	logger *slog.Logger
}

// Option configures a Computer.
type Option func(*Computer)

// WithLogger sets the logger used for anomalies.
func WithLogger(l *slog.Logger) Option {
	return func(c *Computer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxDepth bounds deep-merge recursion.
func WithMaxDepth(depth int) Option {
	return func(c *Computer) { c.merger.MaxDepth = depth }
}

// NewComputer creates a Computer.
func NewComputer(opts ...Option) *Computer {
	c := &Computer{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compute derives SelfData and Data for n.
//
// Description:
//
//	Dispatches on kind. Missing dependencies and dependencies whose data is
//	not an object contribute an empty object and are reported as anomalies;
//	computation always proceeds. Every anomaly is also logged at Warn.
//
// Inputs:
//
//	n - The node to compute. Not modified.
//	lookup - Resolves dependency ids.
//
// Outputs:
//
//	Result - The updated copy and whether it differs from n.
func (c *Computer) Compute(n *node.Node, lookup Lookup) Result {
	var res Result
	switch n.Kind {
	case node.KindGrouping:
		res = c.computeGrouping(n, lookup)
	case node.KindContainer:
		res = c.aggregate(n, lookup)
	default:
		res = c.computeOrdinary(n, lookup)
	}
	for _, a := range res.Anomalies {
		c.logger.Warn("computation anomaly",
			slog.String("node_id", a.NodeID),
			slog.String("dep_id", a.DepID),
			slog.String("reason", a.Reason),
		)
	}
	return res
}

func (c *Computer) computeOrdinary(n *node.Node, lookup Lookup) Result {
	var anomalies []Anomaly
	layers := make([]node.Data, 0, len(n.Deps))
	for _, depID := range n.Deps {
		data, anomaly := c.depData(n, depID, lookup)
		if anomaly != nil {
			anomalies = append(anomalies, *anomaly)
		}
		layers = append(layers, data)
	}
	self, rep := c.merger.MergeInOrder(layers...)
	anomalies = append(anomalies, c.depthAnomalies(n, rep)...)
	return c.finish(n, self, anomalies)
}

func (c *Computer) computeGrouping(n *node.Node, lookup Lookup) Result {
	var anomalies []Anomaly
	self := make(node.Data, len(n.Deps))
	for _, depID := range n.Deps {
		data, anomaly := c.depData(n, depID, lookup)
		if anomaly != nil {
			anomalies = append(anomalies, *anomaly)
			data = node.Data{}
		}
		self[depID] = data.Clone()
	}
	return c.finish(n, self, anomalies)
}

// depData returns the effective data of a dependency, or nil with an
// anomaly when it is missing or malformed.
func (c *Computer) depData(n *node.Node, depID string, lookup Lookup) (node.Data, *Anomaly) {
	if depID == n.ID {
		return nil, &Anomaly{NodeID: n.ID, DepID: depID, Reason: "node depends on itself; ignored"}
	}
	dep, ok := lookup(depID)
	if !ok || dep == nil {
		return nil, &Anomaly{NodeID: n.ID, DepID: depID, Reason: "missing dependency; contributes empty object"}
	}
	if dep.Data == nil {
		return nil, &Anomaly{NodeID: n.ID, DepID: depID, Reason: "dependency data is not an object; contributes empty object"}
	}
	return dep.Data, nil
}

// finish applies the override, builds the updated copy and decides
// whether anything changed.
func (c *Computer) finish(n *node.Node, self node.Data, anomalies []Anomaly) Result {
	override := n.OverrideData
	if override == nil {
		override = node.Data{}
	}
	effective, rep := c.merger.Merge(self, override)
	anomalies = append(anomalies, c.depthAnomalies(n, rep)...)

	out := n.Clone()
	out.SelfData = self
	out.Data = effective
	if out.OverrideData == nil {
		out.OverrideData = node.Data{}
	}

	changed := !EqualData(n.SelfData, self) || !EqualData(n.Data, effective)
	return Result{Node: out, Changed: changed, Anomalies: anomalies}
}

func (c *Computer) depthAnomalies(n *node.Node, rep merge.Report) []Anomaly {
	if rep.DepthHits == 0 {
		return nil
	}
	return []Anomaly{{
		NodeID: n.ID,
		Reason: fmt.Sprintf("merge depth limit hit %d time(s); subtrees replaced", rep.DepthHits),
	}}
}

// EqualData reports whether two normalized payloads are structurally
// equal. Nil and empty objects and arrays compare equal.
func EqualData(a, b node.Data) bool {
	return cmp.Equal(map[string]any(a), map[string]any(b), cmpopts.EquateEmpty())
}
