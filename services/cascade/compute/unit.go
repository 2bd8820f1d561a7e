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
	"strings"
)

// DefaultUnitIterations bounds how often a cyclic unit is recomputed while
// looking for a fixed point.
const DefaultUnitIterations = 4

// UnitResult is the outcome of computing one recomputation unit.
type UnitResult struct {
	// Results has one entry per member, in member order. Changed compares
	// against each member's state before the unit was computed.
	Results []Result

	// Converged is false when a cyclic unit kept changing after the
	// iteration ceiling. Its members are then unstable.
	Converged bool

	// Iterations is the number of sweeps performed.
	Iterations int
}

// ComputeUnit recomputes a unit produced by the affected-set resolver.
//
// Description:
//
//	A single-member unit is computed once. A cyclic unit is swept in
//	member order (ids ascending), writing each result to ws so the next
//	member reads it, until one full sweep changes nothing or maxIter is
//	reached. Cycles whose data grows on every sweep, such as two grouping
//	nodes keying each other, never reach a fixed point and come back with
//	Converged false.
//
// Inputs:
//
//	ids - Unit members, sorted.
//	ws - Working set; updated in place.
//	maxIter - Sweep ceiling. Values < 1 use DefaultUnitIterations.
func (c *Computer) ComputeUnit(ids []string, ws Workspace, maxIter int) UnitResult {
	if maxIter < 1 {
		maxIter = DefaultUnitIterations
	}

	before := make(map[string]Result, len(ids))
	var order []string
	for _, id := range ids {
		n, ok := ws.Lookup(id)
		if !ok {
			continue
		}
		order = append(order, id)
		before[id] = Result{Node: n}
	}

	if len(order) == 1 {
		n := before[order[0]].Node
		res := c.Compute(n, ws.Lookup)
		ws.Put(res.Node)
		return UnitResult{Results: []Result{res}, Converged: true, Iterations: 1}
	}

	out := UnitResult{}
	anomalies := make(map[string][]Anomaly, len(order))
	for out.Iterations < maxIter {
		out.Iterations++
		sweepChanged := false
		for _, id := range order {
			cur, _ := ws.Lookup(id)
			res := c.Compute(cur, ws.Lookup)
			anomalies[id] = res.Anomalies
			if res.Changed {
				sweepChanged = true
			}
			ws.Put(res.Node)
		}
		if !sweepChanged {
			out.Converged = true
			break
		}
	}

	for _, id := range order {
		orig := before[id].Node
		final, _ := ws.Lookup(id)
		changed := !EqualData(orig.SelfData, final.SelfData) || !EqualData(orig.Data, final.Data)
		out.Results = append(out.Results, Result{Node: final, Changed: changed, Anomalies: anomalies[id]})
	}

	if !out.Converged {
		c.logger.Warn("cyclic unit did not converge",
			slog.String("members", strings.Join(order, ",")),
			slog.Int("iterations", out.Iterations),
		)
	}
	return out
}
