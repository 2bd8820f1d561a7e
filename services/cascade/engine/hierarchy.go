// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/cascade/services/cascade/graph"
	"github.com/AleutianAI/cascade/services/cascade/node"
)

// HierarchyOptions controls a hierarchy rebuild.
type HierarchyOptions struct {
	// Full rebuilds every grouping and container node.
	Full bool

	// After limits the rebuild to grouping and container nodes affected by
	// these ids. Mutually exclusive with Full; empty with Full unset means
	// Full.
	After []string

	DryRun    bool
	Verbose   bool
	MaxPasses int
}

// RebuildHierarchy reassembles grouping and container nodes level by level.
//
// Description:
//
//	Targets are rebuilt in fixed level order (grouping, page, space,
//	workspace, app, user config). A target whose children are not yet
//	stable is deferred; deferred targets are retried in further passes
//	under the same rules as Cascade's convergence loop. Only nodes whose
//	data changed are written.
//
// Outputs:
//
//	*RunResult - Always non-nil.
//	error - ErrInvalidOptions, or a fatal lock/fetch error.
func (e *Engine) RebuildHierarchy(ctx context.Context, opts HierarchyOptions) (*RunResult, error) {
	e.initMetrics()
	start := time.Now()
	res := &RunResult{RunID: uuid.NewString(), Command: "rebuild-hierarchy", DryRun: opts.DryRun}
	logger := e.logger.With(slog.String("run_id", res.RunID), slog.String("command", res.Command))

	ctx, span := e.tracer.Start(ctx, "engine.RebuildHierarchy",
		trace.WithAttributes(
			attribute.String("run_id", res.RunID),
			attribute.Bool("full", opts.Full),
			attribute.Int("after", len(opts.After)),
		),
	)
	defer span.End()

	if opts.Full && len(opts.After) > 0 {
		return e.fail(ctx, span, res, start, fmt.Errorf("%w: full and after are mutually exclusive", ErrInvalidOptions))
	}

	run, err := e.begin(ctx, res, opts.DryRun, logger)
	if err != nil {
		return e.fail(ctx, span, res, start, err)
	}
	defer run.release(logger)

	targets := e.hierarchyTargets(run.ws, opts.After, res, logger)
	res.AffectedCount = len(targets)
	logger.Info("hierarchy rebuild started",
		slog.Bool("full", len(opts.After) == 0),
		slog.Int("targets", len(targets)),
	)

	maxPasses := e.maxPasses
	if opts.MaxPasses > 0 {
		maxPasses = opts.MaxPasses
	}

	var (
		candidates []*node.Node
		deferred   []string
	)
	for pass := 1; pass <= maxPasses && len(targets) > 0; pass++ {
		if ctx.Err() != nil {
			break
		}
		res.Passes = pass
		report := e.aggregator.Rebuild(targets, run.ws, nil)
		e.recomputed.Add(ctx, int64(len(report.Results)))
		for _, r := range report.Results {
			for _, a := range r.Anomalies {
				res.warn(a.String())
			}
			if r.Changed {
				candidates = append(candidates, r.Node)
			}
		}

		progressed := pass == 1 || len(report.Deferred) < len(deferred)
		deferred = report.Deferred
		if len(deferred) == 0 {
			break
		}
		if !progressed || pass == maxPasses {
			res.warn(fmt.Sprintf("pass %d: %d containers still deferred", pass, len(deferred)))
			logger.Warn("hierarchy rebuild stopped with deferred containers",
				slog.Int("pass", pass),
				slog.Int("deferred", len(deferred)),
			)
			break
		}

		next := make([]*node.Node, 0, len(deferred))
		for _, id := range deferred {
			if n, ok := run.ws.Lookup(id); ok {
				next = append(next, n)
			}
		}
		targets = next
	}
	res.Skipped = deferred
	res.SkippedCount = len(deferred)

	if err := ctx.Err(); err != nil {
		return e.fail(ctx, span, res, start, err)
	}
	e.commit(ctx, run, candidates, opts.DryRun, opts.Verbose, res, logger)
	return e.done(ctx, span, res, start, logger), nil
}

// hierarchyTargets returns the live grouping and container nodes to
// rebuild: all of them, or those affected by after.
func (e *Engine) hierarchyTargets(ws *liveWorkspace, after []string, res *RunResult, logger *slog.Logger) []*node.Node {
	nodes := ws.Nodes()
	include := func(*node.Node) bool { return true }

	if len(after) > 0 {
		set := graph.NewResolver(graph.Build(nodes), logger).Resolve(after)
		res.Unknown = set.Unknown
		res.Cycles = set.Cycles
		for _, id := range set.Unknown {
			res.warn(fmt.Sprintf("seed %s not found", id))
		}
		include = func(n *node.Node) bool { return set.Contains(n.ID) }
	}

	var targets []*node.Node
	for _, n := range nodes {
		if n.Deleted || n.Level() < 0 || !include(n) {
			continue
		}
		targets = append(targets, n)
	}
	return targets
}
