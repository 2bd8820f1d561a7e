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
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/cascade/services/cascade/change"
	"github.com/AleutianAI/cascade/services/cascade/compute"
	"github.com/AleutianAI/cascade/services/cascade/graph"
	"github.com/AleutianAI/cascade/services/cascade/node"
	"github.com/AleutianAI/cascade/services/cascade/storage"
	"github.com/AleutianAI/cascade/services/cascade/telemetry"
)

// CascadeOptions controls one cascade run.
type CascadeOptions struct {
	// DryRun computes everything but writes nothing. The result lists the
	// ids that would change.
	DryRun bool

	// Verbose attaches a field diff per changed node to the result.
	Verbose bool

	// MaxPasses overrides the engine's pass ceiling when > 0.
	MaxPasses int
}

// Cascade recomputes everything transitively affected by seeds.
//
// Description:
//
//	1. Acquire the store's advisory lock (real runs only, when supported).
//	2. Fetch every node. A fetch failure is fatal: nothing is computed and
//	   nothing is written.
//	3. Convergence loop over an in-memory working set. Each pass builds the
//	   graph, resolves the affected set of its seeds, and recomputes units
//	   in depth order. Units whose dependencies are not ready are skipped
//	   and seed the next pass.
//	4. Deduplicate the changed nodes, drop the ones equal to their stored
//	   form, bump versions, and hand the rest to the batch writer.
//
// Inputs:
//
//	ctx - Cancels the fetch and the writes.
//	seeds - Changed node ids. Unknown ids are reported, not fatal.
//	opts - Run options.
//
// Outputs:
//
//	*RunResult - Always non-nil. Success is false on fatal errors and
//	when any batch failed permanently.
//	error - Fatal errors only (lock held, store unreachable).
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) Cascade(ctx context.Context, seeds []string, opts CascadeOptions) (*RunResult, error) {
	e.initMetrics()
	start := time.Now()
	res := &RunResult{RunID: uuid.NewString(), Command: "cascade", DryRun: opts.DryRun}
	logger := e.logger.With(slog.String("run_id", res.RunID), slog.String("command", res.Command))

	ctx, span := e.tracer.Start(ctx, "engine.Cascade",
		trace.WithAttributes(
			attribute.String("run_id", res.RunID),
			attribute.Int("seeds", len(seeds)),
			attribute.Bool("dry_run", opts.DryRun),
		),
	)
	defer span.End()

	logger.Info("cascade started",
		slog.Int("seeds", len(seeds)),
		slog.Bool("dry_run", opts.DryRun),
	)

	run, err := e.begin(ctx, res, opts.DryRun, logger)
	if err != nil {
		return e.fail(ctx, span, res, start, err)
	}
	defer run.release(logger)

	maxPasses := e.maxPasses
	if opts.MaxPasses > 0 {
		maxPasses = opts.MaxPasses
	}
	candidates := e.converge(ctx, run.ws, seeds, maxPasses, res, logger)
	if err := ctx.Err(); err != nil {
		return e.fail(ctx, span, res, start, err)
	}

	e.commit(ctx, run, candidates, opts.DryRun, opts.Verbose, res, logger)
	return e.done(ctx, span, res, start, logger), nil
}

// -----------------------------------------------------------------------------
// Run lifecycle
// -----------------------------------------------------------------------------

// runState is the loaded state of one run.
type runState struct {
	persisted map[string]*node.Node
	ws        *liveWorkspace
	unlock    func() error
}

func (r *runState) release(logger *slog.Logger) {
	if r.unlock == nil {
		return
	}
	if err := r.unlock(); err != nil {
		logger.Warn("failed to release store lock", slog.String("error", err.Error()))
	}
}

// begin locks the store and loads every node.
func (e *Engine) begin(ctx context.Context, res *RunResult, dryRun bool, logger *slog.Logger) (*runState, error) {
	run := &runState{}
	if locker, ok := e.store.(storage.Locker); ok && !dryRun {
		unlock, err := locker.Lock(ctx, res.RunID)
		if err != nil {
			return nil, fmt.Errorf("acquire store lock: %w", err)
		}
		run.unlock = unlock
	}

	fetchCtx, span := e.tracer.Start(ctx, "engine.FetchAll")
	nodes, err := e.store.FetchAll(fetchCtx)
	span.End()
	if err != nil {
		run.release(logger)
		return nil, fmt.Errorf("fetch nodes: %w", err)
	}

	run.persisted = make(map[string]*node.Node, len(nodes))
	working := make([]*node.Node, 0, len(nodes))
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if err := n.Normalize(); err != nil {
			msg := fmt.Sprintf("node %s excluded: %v", n.ID, err)
			res.warn(msg)
			logger.Warn("stored node has invalid data; excluded from run",
				slog.String("node_id", n.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		run.persisted[n.ID] = n
		working = append(working, n.Clone())
	}
	run.ws = newLiveWorkspace(working)

	logger.Debug("nodes loaded", slog.Int("count", len(run.persisted)))
	return run, nil
}

func (e *Engine) fail(ctx context.Context, span trace.Span, res *RunResult, start time.Time, err error) (*RunResult, error) {
	res.Success = false
	res.DurationMs = time.Since(start).Milliseconds()
	telemetry.RecordError(span, err, attribute.String("command", res.Command))
	runsTotal.WithLabelValues(res.Command, "fatal").Inc()
	e.runDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("command", res.Command), attribute.String("status", "fatal")))
	e.logger.Error("run aborted",
		slog.String("run_id", res.RunID),
		slog.String("command", res.Command),
		slog.String("error", err.Error()),
	)
	return res, err
}

func (e *Engine) done(ctx context.Context, span trace.Span, res *RunResult, start time.Time, logger *slog.Logger) *RunResult {
	res.DurationMs = time.Since(start).Milliseconds()
	status := "success"
	if !res.Success {
		status = "partial"
	}
	runsTotal.WithLabelValues(res.Command, status).Inc()

	attrs := metric.WithAttributes(attribute.String("command", res.Command), attribute.String("status", status))
	e.runDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	e.passHistogram.Record(ctx, int64(res.Passes), attrs)
	if res.SkippedCount > 0 {
		e.skippedNodes.Add(ctx, int64(res.SkippedCount), attrs)
	}

	span.SetAttributes(
		attribute.Int("affected", res.AffectedCount),
		attribute.Int("updated", res.UpdatedCount),
		attribute.Int("failed", res.FailedCount),
		attribute.Int("skipped", res.SkippedCount),
		attribute.Int("passes", res.Passes),
	)
	if res.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "partial failure")
	}

	logger.Info("run finished",
		slog.Bool("success", res.Success),
		slog.Int("affected", res.AffectedCount),
		slog.Int("updated", res.UpdatedCount),
		slog.Int("failed", res.FailedCount),
		slog.Int("skipped", res.SkippedCount),
		slog.Int("passes", res.Passes),
		slog.Int64("duration_ms", res.DurationMs),
	)
	return res
}

// -----------------------------------------------------------------------------
// Convergence loop
// -----------------------------------------------------------------------------

// passOutcome is what one pass produced.
type passOutcome struct {
	changed    []*node.Node
	skipped    []string
	recomputed int
}

// converge runs passes until nothing is skipped, the skipped set stops
// shrinking, or maxPasses is reached. It returns every changed node in
// the order computed; later passes may repeat ids.
func (e *Engine) converge(ctx context.Context, ws *liveWorkspace, seeds []string, maxPasses int, res *RunResult, logger *slog.Logger) []*node.Node {
	var (
		candidates []*node.Node
		pending    = seeds
		unstable   = make(map[string]bool)
		last       passOutcome
	)

	for pass := 1; pass <= maxPasses; pass++ {
		if ctx.Err() != nil {
			break
		}
		res.Passes = pass

		g := graph.Build(ws.Nodes())
		set := graph.NewResolver(g, logger).Resolve(pending)
		if pass == 1 {
			res.AffectedCount = set.Len()
			res.Unknown = set.Unknown
			res.Cycles = set.Cycles
			for _, id := range set.Unknown {
				res.warn(fmt.Sprintf("seed %s not found", id))
			}
		}

		_, span := e.tracer.Start(ctx, "engine.Pass",
			trace.WithAttributes(attribute.Int("pass", pass), attribute.Int("affected", set.Len())),
		)
		out := e.runPass(g, set, ws, unstable, res, logger)
		span.SetAttributes(attribute.Int("skipped", len(out.skipped)))
		span.End()

		e.recomputed.Add(ctx, int64(out.recomputed))
		candidates = append(candidates, out.changed...)

		logger.Debug("pass complete",
			slog.Int("pass", pass),
			slog.Int("affected", set.Len()),
			slog.Int("changed", len(out.changed)),
			slog.Int("skipped", len(out.skipped)),
		)

		shrinking := pass == 1 || len(out.skipped) < len(last.skipped)
		last = out
		if len(out.skipped) == 0 {
			break
		}
		if !shrinking {
			logger.Warn("skipped set stopped shrinking; stopping",
				slog.Int("pass", pass),
				slog.Int("skipped", len(out.skipped)),
			)
			res.warn(fmt.Sprintf("pass %d: %d nodes still unresolved, no progress", pass, len(out.skipped)))
			break
		}
		if pass == maxPasses {
			logger.Warn("pass ceiling reached with unresolved nodes",
				slog.Int("max_passes", maxPasses),
				slog.Int("skipped", len(out.skipped)),
			)
			res.warn(fmt.Sprintf("pass ceiling %d reached with %d unresolved nodes", maxPasses, len(out.skipped)))
			break
		}
		pending = out.skipped
	}

	res.Skipped = last.skipped
	res.SkippedCount = len(last.skipped)
	for id := range unstable {
		res.Unstable = append(res.Unstable, id)
	}
	sort.Strings(res.Unstable)
	return candidates
}

// runPass recomputes one affected set unit by unit in depth order.
func (e *Engine) runPass(g *graph.Graph, set *graph.AffectedSet, ws *liveWorkspace, unstable map[string]bool, res *RunResult, logger *slog.Logger) passOutcome {
	var out passOutcome
	skipped := make(map[string]bool)

	for _, unit := range set.Components {
		members := ws.liveMembers(unit)
		if len(members) == 0 {
			continue
		}

		if reason := e.blocked(g, set, ws, members, skipped, unstable); reason != "" {
			for _, id := range members {
				skipped[id] = true
				out.skipped = append(out.skipped, id)
			}
			logger.Warn("dependency not ready; skipped for this pass",
				slog.String("nodes", strings.Join(members, ",")),
				slog.String("reason", reason),
			)
			res.warn(fmt.Sprintf("%s skipped: %s", strings.Join(members, ","), reason))
			continue
		}

		before := make([]*node.Node, len(members))
		for i, id := range members {
			before[i], _ = ws.Lookup(id)
		}

		ur := e.computer.ComputeUnit(members, ws, e.unitIterations)
		out.recomputed += len(ur.Results) * ur.Iterations
		if !ur.Converged {
			for _, n := range before {
				ws.Put(n)
			}
			for _, id := range members {
				unstable[id] = true
			}
			res.warn(fmt.Sprintf("cycle %s did not converge after %d iterations; left unchanged",
				strings.Join(members, ","), ur.Iterations))
			continue
		}

		for _, r := range ur.Results {
			for _, a := range r.Anomalies {
				res.warn(a.String())
			}
			if r.Changed {
				out.changed = append(out.changed, r.Node)
			}
		}
	}

	sort.Strings(out.skipped)
	return out
}

// blocked returns why a unit cannot be computed in this pass, or "".
//
// A unit waits when a dependency outside it was skipped earlier in the
// pass or belongs to a cycle that never converged. A container also waits
// on an affected container of a higher hierarchy level, because levels are
// rebuilt bottom-up.
func (e *Engine) blocked(g *graph.Graph, set *graph.AffectedSet, ws *liveWorkspace, members []string, skipped, unstable map[string]bool) string {
	inUnit := make(map[string]bool, len(members))
	for _, id := range members {
		inUnit[id] = true
	}
	for _, id := range members {
		n, _ := ws.Lookup(id)
		for _, dep := range g.Dependencies(id) {
			if inUnit[dep] {
				continue
			}
			if skipped[dep] {
				return fmt.Sprintf("dependency %s skipped", dep)
			}
			if unstable[dep] {
				return fmt.Sprintf("dependency %s unstable", dep)
			}
			if n.IsContainer() && set.Contains(dep) {
				if d, ok := ws.Lookup(dep); ok && d.IsContainer() && d.Level() > n.Level() {
					return fmt.Sprintf("dependency %s is a higher level (%s)", dep, d.SubKind)
				}
			}
		}
	}
	return ""
}

// -----------------------------------------------------------------------------
// Commit
// -----------------------------------------------------------------------------

// commit dedupes candidates, filters out nodes equal to their stored form
// and writes the rest unless dryRun.
func (e *Engine) commit(ctx context.Context, run *runState, candidates []*node.Node, dryRun, verbose bool, res *RunResult, logger *slog.Logger) {
	deduped, removed := change.Dedupe(candidates)
	res.DuplicatesRemoved = removed

	now := e.clock()
	writes := make([]*node.Node, 0, len(deduped))
	for _, n := range deduped {
		prev := run.persisted[n.ID]
		changed := e.detector.Changed(prev, n)
		var drifted []string
		if !changed {
			// Array order is ignored by Changed, yet the stored derived
			// data must match the recomputed data exactly.
			drifted = e.detector.Drifted(prev, n)
			if len(drifted) == 0 {
				continue
			}
			logger.Debug("rewriting reordered node",
				slog.String("node_id", n.ID),
				slog.Any("fields", drifted))
		}
		if verbose {
			if res.Explanations == nil {
				res.Explanations = make(map[string]string)
			}
			if changed {
				res.Explanations[n.ID] = e.detector.Explain(prev, n)
			} else {
				res.Explanations[n.ID] = e.detector.ExplainDrift(prev, n)
			}
		}
		out := n.Clone()
		out.Touch(now)
		writes = append(writes, out)
	}

	logger.Debug("change detection complete",
		slog.Int("candidates", len(candidates)),
		slog.Int("duplicates", removed),
		slog.Int("changed", len(writes)),
	)

	if dryRun {
		res.WouldChange = make([]string, len(writes))
		for i, n := range writes {
			res.WouldChange[i] = n.ID
		}
		res.Success = true
		return
	}

	m := e.writer.Write(ctx, writes)
	res.Write = &m
	res.UpdatedCount = m.Processed
	res.FailedCount = m.FailedRecords
	res.Success = m.FailedBatches == 0
	for _, be := range m.Errors {
		res.warn(be.Error())
	}
}

// -----------------------------------------------------------------------------
// Working set
// -----------------------------------------------------------------------------

// liveWorkspace hides soft-deleted nodes from dependency lookups, so a
// deleted dependency contributes nothing to its dependents.
type liveWorkspace struct {
	*compute.MapWorkspace
}

func newLiveWorkspace(nodes []*node.Node) *liveWorkspace {
	return &liveWorkspace{MapWorkspace: compute.NewMapWorkspace(nodes)}
}

// Lookup implements compute.Workspace.
func (w *liveWorkspace) Lookup(id string) (*node.Node, bool) {
	n, ok := w.MapWorkspace.Lookup(id)
	if !ok || n.Deleted {
		return nil, false
	}
	return n, true
}

// liveMembers filters out deleted and unknown ids.
func (w *liveWorkspace) liveMembers(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := w.Lookup(id); ok {
			out = append(out, id)
		}
	}
	return out
}
