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
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/cascade/services/cascade/node"
	"github.com/AleutianAI/cascade/services/cascade/storage"
	"github.com/AleutianAI/cascade/services/cascade/storage/memory"
	"github.com/AleutianAI/cascade/services/cascade/writer"
)

var fixedNow = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWriterConfig() writer.Config {
	cfg := writer.DefaultConfig()
	cfg.BaseDelay = 0
	cfg.InterBatchDelay = 0
	cfg.MaxRetries = 1
	return cfg
}

func newTestEngine(t *testing.T, store storage.RecordStore, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(quietLogger()),
		WithWriterConfig(testWriterConfig()),
		WithClock(func() time.Time { return fixedNow }),
	}
	e, err := New(store, append(base, opts...)...)
	require.NoError(t, err)
	return e
}

func scenarioNodes() []*node.Node {
	return []*node.Node{
		{ID: "property_required", Kind: node.KindProperty, OverrideData: node.Data{"required": true}},
		{ID: "field_name", Kind: node.KindField, Deps: []string{"property_required"}, OverrideData: node.Data{"label": "Name"}},
	}
}

func get(t *testing.T, s *memory.Store, id string) *node.Node {
	t.Helper()
	n, ok := s.Get(id)
	require.True(t, ok, id)
	return n
}

func TestNew_NilStore(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNilStore)
}

func TestNew_InvalidWriterConfig(t *testing.T) {
	cfg := testWriterConfig()
	cfg.BatchSize = 0
	_, err := New(memory.New(), WithWriterConfig(cfg))
	assert.ErrorIs(t, err, writer.ErrInvalidConfig)
}

func TestCascade_EndToEnd(t *testing.T) {
	store := memory.New(scenarioNodes()...)
	e := newTestEngine(t, store)

	res, err := e.Cascade(context.Background(), []string{"property_required"}, CascadeOptions{})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "cascade", res.Command)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 2, res.AffectedCount)
	assert.Equal(t, 2, res.UpdatedCount)
	assert.Equal(t, 0, res.FailedCount)
	assert.Equal(t, 1, res.Passes)
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))

	field := get(t, store, "field_name")
	assert.Equal(t, node.Data{"required": true}, field.SelfData)
	assert.Equal(t, node.Data{"required": true, "label": "Name"}, field.Data)
	assert.Equal(t, 1, field.Version)
	assert.Equal(t, fixedNow, field.UpdatedAt)

	prop := get(t, store, "property_required")
	assert.Equal(t, node.Data{"required": true}, prop.Data)
}

func TestCascade_SecondRunWritesNothing(t *testing.T) {
	store := memory.New(scenarioNodes()...)
	e := newTestEngine(t, store)
	ctx := context.Background()

	_, err := e.Cascade(ctx, []string{"property_required"}, CascadeOptions{})
	require.NoError(t, err)
	calls := store.UpsertCalls()

	res, err := e.Cascade(ctx, []string{"property_required"}, CascadeOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.AffectedCount)
	assert.Equal(t, 0, res.UpdatedCount)
	assert.Equal(t, calls, store.UpsertCalls())
	assert.Equal(t, 1, get(t, store, "field_name").Version)
}

func TestCascade_ReorderedArrayIsRewritten(t *testing.T) {
	store := memory.New(
		&node.Node{ID: "sort_a", Kind: node.KindProperty, OverrideData: node.Data{"order": []any{"name", "age"}}},
		&node.Node{ID: "field_f", Kind: node.KindField, Deps: []string{"sort_a"}},
	)
	e := newTestEngine(t, store)
	ctx := context.Background()

	_, err := e.Cascade(ctx, []string{"sort_a"}, CascadeOptions{})
	require.NoError(t, err)

	reordered := node.Data{"order": []any{"age", "name"}}
	require.NoError(t, store.UpdateOne(ctx, "sort_a", storage.Patch{OverrideData: &reordered}))

	res, err := e.Cascade(ctx, []string{"sort_a"}, CascadeOptions{Verbose: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.UpdatedCount)
	assert.Contains(t, res.Explanations["field_f"], "age")

	want := node.Data{"order": []any{"age", "name"}}
	assert.Equal(t, want, get(t, store, "sort_a").Data)
	assert.Equal(t, want, get(t, store, "field_f").SelfData)
	assert.Equal(t, want, get(t, store, "field_f").Data)

	// Once the stored data matches exactly, the next run is idle again.
	res, err = e.Cascade(ctx, []string{"sort_a"}, CascadeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.UpdatedCount)
}

func TestCascade_DryRunListsWithoutWriting(t *testing.T) {
	store := memory.New(scenarioNodes()...)
	e := newTestEngine(t, store)

	res, err := e.Cascade(context.Background(), []string{"property_required"}, CascadeOptions{DryRun: true, Verbose: true})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.Equal(t, []string{"property_required", "field_name"}, res.WouldChange)
	assert.Equal(t, 0, res.UpdatedCount)
	assert.Nil(t, res.Write)
	assert.Equal(t, 0, store.UpsertCalls())
	assert.Empty(t, get(t, store, "field_name").SelfData)

	require.Contains(t, res.Explanations, "field_name")
	assert.Contains(t, res.Explanations["field_name"], "required")
}

func TestCascade_UnknownSeed(t *testing.T) {
	store := memory.New(scenarioNodes()...)
	e := newTestEngine(t, store)

	res, err := e.Cascade(context.Background(), []string{"ghost"}, CascadeOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.AffectedCount)
	assert.Equal(t, []string{"ghost"}, res.Unknown)
	assert.NotEmpty(t, res.Warnings)
}

func TestCascade_OrderedAcrossDepths(t *testing.T) {
	store := memory.New(
		&node.Node{ID: "p", Kind: node.KindProperty, OverrideData: node.Data{"a": 1.0}},
		&node.Node{ID: "f1", Kind: node.KindField, Deps: []string{"p"}, OverrideData: node.Data{"b": 2.0}},
		&node.Node{ID: "f2", Kind: node.KindField, Deps: []string{"f1", "p"}, OverrideData: node.Data{"c": 3.0}},
	)
	e := newTestEngine(t, store)

	res, err := e.Cascade(context.Background(), []string{"p"}, CascadeOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"p", "f1", "f2"}, res.WouldChange)

	_, err = e.Cascade(context.Background(), []string{"p"}, CascadeOptions{})
	require.NoError(t, err)
	assert.Equal(t, node.Data{"a": 1.0, "b": 2.0, "c": 3.0}, get(t, store, "f2").Data)
}

func TestCascade_ConvergingCycle(t *testing.T) {
	store := memory.New(
		&node.Node{ID: "a", Kind: node.KindProperty, Deps: []string{"b"}, OverrideData: node.Data{"x": 1.0}},
		&node.Node{ID: "b", Kind: node.KindProperty, Deps: []string{"a"}, OverrideData: node.Data{"y": 2.0}},
	)
	e := newTestEngine(t, store)

	res, err := e.Cascade(context.Background(), []string{"a"}, CascadeOptions{})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, [][]string{{"a", "b"}}, res.Cycles)
	assert.Empty(t, res.Unstable)
	assert.Equal(t, node.Data{"x": 1.0, "y": 2.0}, get(t, store, "a").Data)
	assert.Equal(t, node.Data{"x": 1.0, "y": 2.0}, get(t, store, "b").Data)

	again, err := e.Cascade(context.Background(), []string{"a"}, CascadeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.UpdatedCount)
}

func TestCascade_DivergingCycleTerminates(t *testing.T) {
	store := memory.New(
		&node.Node{ID: "g1", Kind: node.KindGrouping, SubKind: node.SubKindFieldSet, Deps: []string{"g2"}},
		&node.Node{ID: "g2", Kind: node.KindGrouping, SubKind: node.SubKindFieldSet, Deps: []string{"g1"}},
		&node.Node{ID: "f", Kind: node.KindField, Deps: []string{"g1"}},
		&node.Node{ID: "p", Kind: node.KindProperty, OverrideData: node.Data{"ok": true}},
		&node.Node{ID: "h", Kind: node.KindField, Deps: []string{"p"}},
	)
	e := newTestEngine(t, store)

	res, err := e.Cascade(context.Background(), []string{"g1", "p"}, CascadeOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"g1", "g2"}, res.Unstable)
	assert.Equal(t, []string{"f"}, res.Skipped)
	assert.Equal(t, 1, res.SkippedCount)
	assert.Equal(t, 2, res.Passes, "second pass makes no progress and stops the loop")
	assert.Empty(t, get(t, store, "g1").SelfData, "unstable members are not written")
	assert.Equal(t, node.Data{"ok": true}, get(t, store, "h").SelfData, "unrelated branch still converges")
}

func TestCascade_ConvergenceLoopResolvesLevelOrder(t *testing.T) {
	store := memory.New(
		&node.Node{ID: "q", Kind: node.KindProperty, OverrideData: node.Data{"theme": "dark"}},
		&node.Node{ID: "space", Kind: node.KindContainer, SubKind: node.SubKindSpace, Deps: []string{"q"}},
		&node.Node{ID: "page", Kind: node.KindContainer, SubKind: node.SubKindPage, Deps: []string{"space", "q"}},
	)
	e := newTestEngine(t, store)

	res, err := e.Cascade(context.Background(), []string{"q"}, CascadeOptions{})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Passes)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, 3, res.UpdatedCount)
	assert.Equal(t, node.Data{
		"theme":  "dark",
		"spaces": node.Data{"space": node.Data{"theme": "dark"}},
	}, get(t, store, "page").Data)
}

func TestCascade_PassCeiling(t *testing.T) {
	store := memory.New(
		&node.Node{ID: "q", Kind: node.KindProperty, OverrideData: node.Data{"theme": "dark"}},
		&node.Node{ID: "space", Kind: node.KindContainer, SubKind: node.SubKindSpace, Deps: []string{"q"}},
		&node.Node{ID: "page", Kind: node.KindContainer, SubKind: node.SubKindPage, Deps: []string{"space"}},
	)
	e := newTestEngine(t, store)

	res, err := e.Cascade(context.Background(), []string{"q"}, CascadeOptions{MaxPasses: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passes)
	assert.Equal(t, []string{"page"}, res.Skipped)
	assert.Equal(t, 2, res.UpdatedCount)
}

func TestCascade_FetchFailureIsFatal(t *testing.T) {
	store := memory.New(scenarioNodes()...)
	store.SetFetchError(func() error { return storage.ErrUnavailable })
	e := newTestEngine(t, store)

	res, err := e.Cascade(context.Background(), []string{"property_required"}, CascadeOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, 0, store.UpsertCalls())
}

func TestCascade_FatalErrorRecordedOnSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	store := memory.New(scenarioNodes()...)
	store.SetFetchError(func() error { return storage.ErrUnavailable })
	e := newTestEngine(t, store, WithTracerProvider(tp))

	_, err := e.Cascade(context.Background(), []string{"property_required"}, CascadeOptions{})
	require.ErrorIs(t, err, storage.ErrUnavailable)

	var run sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Name() == "engine.Cascade" {
			run = s
		}
	}
	require.NotNil(t, run)
	assert.Equal(t, codes.Error, run.Status().Code)
	assert.Contains(t, run.Status().Description, storage.ErrUnavailable.Error())
	events := run.Events()
	require.NotEmpty(t, events)
	assert.Contains(t, events[len(events)-1].Attributes, attribute.String("command", "cascade"))
}

func TestCascade_MergeMaxDepth(t *testing.T) {
	nodes := func() []*node.Node {
		return []*node.Node{
			{ID: "property_nested", Kind: node.KindProperty, OverrideData: node.Data{"a": node.Data{"b": 1.0}}},
			{ID: "field_nested", Kind: node.KindField, Deps: []string{"property_nested"}},
		}
	}
	depthWarnings := func(res *RunResult) int {
		n := 0
		for _, w := range res.Warnings {
			if strings.Contains(w, "merge depth limit") {
				n++
			}
		}
		return n
	}

	res, err := newTestEngine(t, memory.New(nodes()...)).
		Cascade(context.Background(), []string{"property_nested"}, CascadeOptions{})
	require.NoError(t, err)
	assert.Zero(t, depthWarnings(res))

	store := memory.New(nodes()...)
	res, err = newTestEngine(t, store, WithMergeMaxDepth(1)).
		Cascade(context.Background(), []string{"property_nested"}, CascadeOptions{})
	require.NoError(t, err)
	assert.Positive(t, depthWarnings(res))
	// the replaced subtree still carries the later layer's value
	assert.Equal(t, node.Data{"a": node.Data{"b": 1.0}}, get(t, store, "field_nested").Data)
}

func TestCascade_LockHeld(t *testing.T) {
	ctx := context.Background()
	store := memory.New(scenarioNodes()...)
	unlock, err := store.Lock(ctx, "someone-else")
	require.NoError(t, err)
	e := newTestEngine(t, store)

	_, err = e.Cascade(ctx, []string{"property_required"}, CascadeOptions{})
	assert.ErrorIs(t, err, storage.ErrLocked)

	res, err := e.Cascade(ctx, []string{"property_required"}, CascadeOptions{DryRun: true})
	require.NoError(t, err, "dry runs do not lock")
	assert.Len(t, res.WouldChange, 2)

	require.NoError(t, unlock())
	_, err = e.Cascade(ctx, []string{"property_required"}, CascadeOptions{})
	assert.NoError(t, err)
}

func TestCascade_PartialWriteFailure(t *testing.T) {
	store := memory.New(scenarioNodes()...)
	store.SetFault(func(_ int, batch []*node.Node) error {
		if batch[0].ID == "field_name" {
			return errors.New("connection reset")
		}
		return nil
	})
	cfg := testWriterConfig()
	cfg.BatchSize = 1
	e := newTestEngine(t, store, WithWriterConfig(cfg))

	res, err := e.Cascade(context.Background(), []string{"property_required"}, CascadeOptions{})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.UpdatedCount)
	assert.Equal(t, 1, res.FailedCount)
	require.NotNil(t, res.Write)
	assert.Equal(t, []string{"field_name"}, res.Write.FailedIDs)
	assert.Equal(t, 1, get(t, store, "property_required").Version)
	assert.Equal(t, 0, get(t, store, "field_name").Version)
}

func TestCascade_DeletedDependencyContributesNothing(t *testing.T) {
	store := memory.New(
		&node.Node{ID: "p", Kind: node.KindProperty, OverrideData: node.Data{"required": true}, Data: node.Data{"required": true}, Deleted: true},
		&node.Node{ID: "f", Kind: node.KindField, Deps: []string{"p"}, SelfData: node.Data{"required": true}, Data: node.Data{"required": true}},
	)
	e := newTestEngine(t, store)

	res, err := e.Cascade(context.Background(), []string{"p"}, CascadeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.UpdatedCount)
	assert.Empty(t, get(t, store, "f").SelfData)
	assert.Equal(t, 0, get(t, store, "p").Version, "deleted nodes are not recomputed")
	assert.NotEmpty(t, res.Warnings)
}

func TestCascade_CancelledContext(t *testing.T) {
	store := memory.New(scenarioNodes()...)
	e := newTestEngine(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.Cascade(ctx, []string{"property_required"}, CascadeOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Success)
	assert.Equal(t, 0, store.Writes())
}

// -----------------------------------------------------------------------------
// Hierarchy
// -----------------------------------------------------------------------------

func hierarchyNodes() []*node.Node {
	return []*node.Node{
		{ID: "f1", Kind: node.KindField, OverrideData: node.Data{"label": "A"}, Data: node.Data{"label": "A"}},
		{ID: "g", Kind: node.KindGrouping, SubKind: node.SubKindFieldSet, Deps: []string{"f1"}},
		{ID: "pg", Kind: node.KindContainer, SubKind: node.SubKindPage, Deps: []string{"g"}},
		{ID: "sp", Kind: node.KindContainer, SubKind: node.SubKindSpace, Deps: []string{"pg"}},
		{ID: "other", Kind: node.KindContainer, SubKind: node.SubKindPage},
	}
}

func TestRebuildHierarchy_Full(t *testing.T) {
	store := memory.New(hierarchyNodes()...)
	e := newTestEngine(t, store)

	res, err := e.RebuildHierarchy(context.Background(), HierarchyOptions{Full: true})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "rebuild-hierarchy", res.Command)
	assert.Equal(t, 4, res.AffectedCount)
	assert.Equal(t, 3, res.UpdatedCount, "the empty page does not change")
	assert.Equal(t, 1, res.Passes)

	grouped := node.Data{"f1": node.Data{"label": "A"}}
	assert.Equal(t, grouped, get(t, store, "g").Data)
	assert.Equal(t, node.Data{"fieldSets": node.Data{"g": grouped}}, get(t, store, "pg").Data)
	assert.Equal(t, node.Data{"pages": node.Data{"pg": node.Data{"fieldSets": node.Data{"g": grouped}}}}, get(t, store, "sp").Data)
}

func TestRebuildHierarchy_After(t *testing.T) {
	store := memory.New(hierarchyNodes()...)
	e := newTestEngine(t, store)

	res, err := e.RebuildHierarchy(context.Background(), HierarchyOptions{After: []string{"pg"}, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.AffectedCount)
	assert.Equal(t, []string{"pg", "sp"}, res.WouldChange)
}

func TestRebuildHierarchy_DefersHigherLevelDependency(t *testing.T) {
	store := memory.New(
		&node.Node{ID: "sp", Kind: node.KindContainer, SubKind: node.SubKindSpace, OverrideData: node.Data{"name": "S"}},
		&node.Node{ID: "pg", Kind: node.KindContainer, SubKind: node.SubKindPage, Deps: []string{"sp"}},
	)
	e := newTestEngine(t, store)

	res, err := e.RebuildHierarchy(context.Background(), HierarchyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Passes)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, node.Data{"spaces": node.Data{"sp": node.Data{"name": "S"}}}, get(t, store, "pg").Data)
}

func TestRebuildHierarchy_FullAndAfterConflict(t *testing.T) {
	e := newTestEngine(t, memory.New())
	res, err := e.RebuildHierarchy(context.Background(), HierarchyOptions{Full: true, After: []string{"x"}})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	assert.False(t, res.Success)
}

// -----------------------------------------------------------------------------
// Benchmark
// -----------------------------------------------------------------------------

func TestBenchmarkFixture(t *testing.T) {
	nodes, seeds := BenchmarkFixture(BenchmarkOptions{Properties: 4, FieldsPerProperty: 2, Pages: 2})
	assert.Len(t, seeds, 4)
	// 4 properties + 8 fields + 4 groupings + 2 pages + 1 space
	assert.Len(t, nodes, 19)
	for _, n := range nodes {
		assert.NoError(t, n.Validate(), n.ID)
	}
}

func TestBenchmark(t *testing.T) {
	own := memory.New()
	e := newTestEngine(t, own)

	res, err := e.Benchmark(context.Background(), BenchmarkOptions{Properties: 5, FieldsPerProperty: 3, Pages: 2, BatchSize: 7})
	require.NoError(t, err)

	assert.Equal(t, 28, res.Nodes)
	assert.Equal(t, 28, res.First.AffectedCount)
	assert.Equal(t, 28, res.First.UpdatedCount)
	assert.Equal(t, 4, res.First.Write.Batches)
	assert.True(t, res.SecondRunIdle)
	assert.Equal(t, 0, own.UpsertCalls(), "engine store untouched")
}
