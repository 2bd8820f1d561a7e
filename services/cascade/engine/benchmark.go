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

	"github.com/AleutianAI/cascade/services/cascade/node"
	"github.com/AleutianAI/cascade/services/cascade/storage/memory"
)

// BenchmarkOptions shapes the synthetic fixture.
type BenchmarkOptions struct {
	// Properties is the number of property nodes; every one is a seed.
	Properties int

	// FieldsPerProperty is the number of fields depending on each property.
	FieldsPerProperty int

	// Pages is the number of page containers. Groupings are spread over
	// them round robin; all pages sit in one space.
	Pages int

	// BatchSize overrides the writer batch size when > 0.
	BatchSize int
}

// DefaultBenchmarkOptions returns a fixture of roughly 11k nodes.
func DefaultBenchmarkOptions() BenchmarkOptions {
	return BenchmarkOptions{Properties: 500, FieldsPerProperty: 20, Pages: 25}
}

// BenchmarkResult reports one benchmark.
type BenchmarkResult struct {
	Nodes         int           `json:"nodes"`
	First         *RunResult    `json:"first"`
	Second        *RunResult    `json:"second"`
	Duration      time.Duration `json:"durationNs"`
	NodesPerSec   float64       `json:"nodesPerSecond"`
	WritesPerSec  float64       `json:"writesPerSecond"`
	SecondRunIdle bool          `json:"secondRunIdle"`
}

// Benchmark runs a fixed cascade over a synthetic fixture held in an
// in-memory store, then runs it again to confirm the second run writes
// nothing. The engine's own store is not touched.
func (e *Engine) Benchmark(ctx context.Context, opts BenchmarkOptions) (*BenchmarkResult, error) {
	def := DefaultBenchmarkOptions()
	if opts.Properties <= 0 {
		opts.Properties = def.Properties
	}
	if opts.FieldsPerProperty < 0 {
		opts.FieldsPerProperty = 0
	}
	if opts.Pages <= 0 {
		opts.Pages = 1
	}

	fixture, seeds := BenchmarkFixture(opts)
	store := memory.New(fixture...)

	cfg := e.writerConfig
	cfg.InterBatchDelay = 0
	cfg.BaseDelay = 0
	if opts.BatchSize > 0 {
		cfg.BatchSize = opts.BatchSize
	}
	bench, err := New(store,
		WithLogger(e.logger),
		WithWriterConfig(cfg),
		WithClock(e.clock),
		WithMaxPasses(e.maxPasses),
		WithUnitIterations(e.unitIterations),
	)
	if err != nil {
		return nil, fmt.Errorf("benchmark engine: %w", err)
	}

	e.logger.Info("benchmark started",
		slog.Int("nodes", len(fixture)),
		slog.Int("seeds", len(seeds)),
	)

	start := time.Now()
	first, err := bench.Cascade(ctx, seeds, CascadeOptions{})
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	second, err := bench.Cascade(ctx, seeds, CascadeOptions{})
	if err != nil {
		return nil, err
	}

	out := &BenchmarkResult{
		Nodes:         len(fixture),
		First:         first,
		Second:        second,
		Duration:      elapsed,
		SecondRunIdle: second.UpdatedCount == 0,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		out.NodesPerSec = float64(first.AffectedCount) / secs
		out.WritesPerSec = float64(first.UpdatedCount) / secs
	}
	e.logger.Info("benchmark finished",
		slog.Int("affected", first.AffectedCount),
		slog.Int("updated", first.UpdatedCount),
		slog.Duration("duration", elapsed),
		slog.Float64("nodes_per_sec", out.NodesPerSec),
	)
	return out, nil
}

// BenchmarkFixture builds the synthetic node set and its seeds.
//
// Layout: property p_i, fields f_i_j depending on p_i, one grouping g_i
// per property over its fields, pages distributing the groupings round
// robin, and one space over all pages.
func BenchmarkFixture(opts BenchmarkOptions) ([]*node.Node, []string) {
	var (
		nodes []*node.Node
		seeds []string
	)
	pageDeps := make([][]string, opts.Pages)

	for i := 0; i < opts.Properties; i++ {
		pid := fmt.Sprintf("p_%04d", i)
		seeds = append(seeds, pid)
		nodes = append(nodes, &node.Node{
			ID:           pid,
			Kind:         node.KindProperty,
			OverrideData: node.Data{"required": i%2 == 0, "weight": float64(i)},
		})

		var fieldIDs []string
		for j := 0; j < opts.FieldsPerProperty; j++ {
			fid := fmt.Sprintf("f_%04d_%02d", i, j)
			fieldIDs = append(fieldIDs, fid)
			nodes = append(nodes, &node.Node{
				ID:           fid,
				Kind:         node.KindField,
				Deps:         []string{pid},
				OverrideData: node.Data{"label": fid, "order": float64(j)},
			})
		}

		gid := fmt.Sprintf("g_%04d", i)
		nodes = append(nodes, &node.Node{
			ID:      gid,
			Kind:    node.KindGrouping,
			SubKind: node.SubKindFieldSet,
			Deps:    fieldIDs,
		})
		pageDeps[i%opts.Pages] = append(pageDeps[i%opts.Pages], gid)
	}

	var pageIDs []string
	for k, deps := range pageDeps {
		id := fmt.Sprintf("page_%03d", k)
		pageIDs = append(pageIDs, id)
		nodes = append(nodes, &node.Node{
			ID:           id,
			Kind:         node.KindContainer,
			SubKind:      node.SubKindPage,
			Deps:         deps,
			OverrideData: node.Data{"title": id},
		})
	}
	nodes = append(nodes, &node.Node{
		ID:      "space_main",
		Kind:    node.KindContainer,
		SubKind: node.SubKindSpace,
		Deps:    pageIDs,
	})
	return nodes, seeds
}
