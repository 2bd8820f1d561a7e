// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine orchestrates cascade runs.
//
// A run loads every node from the record store, resolves what a change
// affects, recomputes it in dependency order, and writes back only the
// nodes whose data actually changed. Recomputation happens on an in-memory
// working set; the store is touched once to read and once (in batches) to
// write.
//
// Convergence is explicit: a node that cannot be computed in a pass
// because a dependency is not ready is skipped, and the skipped ids seed
// the next pass over the same working set. Passes stop when nothing is
// skipped, when the skipped set stops shrinking, or at MaxPasses.
package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/cascade/services/cascade/change"
	"github.com/AleutianAI/cascade/services/cascade/compute"
	"github.com/AleutianAI/cascade/services/cascade/storage"
	"github.com/AleutianAI/cascade/services/cascade/writer"
)

const instrumentationName = "cascade.engine"

var meter = otel.Meter(instrumentationName)

var (
	// ErrNilStore is returned by New without a record store.
	ErrNilStore = errors.New("engine: record store is nil")

	// ErrInvalidOptions is returned for contradictory run options.
	ErrInvalidOptions = errors.New("engine: invalid options")
)

// DefaultMaxPasses is the pass ceiling of the convergence loop.
const DefaultMaxPasses = 5

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cascade_engine_runs_total",
	Help: "Engine runs by command and outcome",
}, []string{"command", "status"})

// RunResult is the structured outcome of every run.
type RunResult struct {
	RunID   string `json:"runId"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	DryRun  bool   `json:"dryRun"`

	AffectedCount int   `json:"affectedCount"`
	UpdatedCount  int   `json:"updatedCount"`
	FailedCount   int   `json:"failedCount"`
	SkippedCount  int   `json:"skippedCount"`
	Passes        int   `json:"passes"`
	DurationMs    int64 `json:"durationMs"`

	// WouldChange lists, in a dry run, the ids a real run would write.
	WouldChange []string `json:"wouldChange,omitempty"`

	// Skipped are ids still unresolved when the convergence loop stopped.
	Skipped []string `json:"skipped,omitempty"`

	// Unstable are members of cycles that never reached a fixed point.
	// Their stored values are left untouched.
	Unstable []string `json:"unstable,omitempty"`

	// Unknown are seed ids that do not exist in the store.
	Unknown []string `json:"unknown,omitempty"`

	Cycles            [][]string `json:"cycles,omitempty"`
	Warnings          []string   `json:"warnings,omitempty"`
	DuplicatesRemoved int        `json:"duplicatesRemoved"`

	// Explanations maps each changed id to a field diff (verbose runs).
	Explanations map[string]string `json:"explanations,omitempty"`

	Write *writer.Metrics `json:"write,omitempty"`
}

func (r *RunResult) warn(msg string) { r.Warnings = append(r.Warnings, msg) }

// Engine runs cascades against one record store.
//
// Thread Safety: Safe for concurrent use, but concurrent runs against the
// same store are only serialized when the store implements storage.Locker.
type Engine struct {
	store          storage.RecordStore
	logger         *slog.Logger
	computer       *compute.Computer
	aggregator     *compute.Aggregator
	detector       *change.Detector
	writer         *writer.Writer
	writerConfig   writer.Config
	writerOpts     []writer.Option
	clock          func() time.Time
	maxPasses      int
	unitIterations int
	mergeMaxDepth  int
	tracer         trace.Tracer

	metricsOnce   sync.Once
	runDuration   metric.Float64Histogram
	recomputed    metric.Int64Counter
	skippedNodes  metric.Int64Counter
	passHistogram metric.Int64Histogram
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithWriterConfig replaces writer.DefaultConfig().
func WithWriterConfig(cfg writer.Config) Option {
	return func(e *Engine) { e.writerConfig = cfg }
}

// WithWriterOptions passes options through to the batch writer.
func WithWriterOptions(opts ...writer.Option) Option {
	return func(e *Engine) { e.writerOpts = append(e.writerOpts, opts...) }
}

// WithClock overrides the clock stamping written nodes.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.clock = now
		}
	}
}

// WithMaxPasses sets the default pass ceiling. Values < 1 are ignored.
func WithMaxPasses(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxPasses = n
		}
	}
}

// WithUnitIterations bounds the fixed-point sweeps of one cyclic unit.
func WithUnitIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.unitIterations = n
		}
	}
}

// WithMergeMaxDepth bounds deep-merge recursion. Values < 1 keep
// merge.DefaultMaxDepth.
func WithMergeMaxDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.mergeMaxDepth = n
		}
	}
}

// WithTracerProvider sets where run spans go. Nil keeps the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// New creates an Engine over store.
//
// Inputs:
//
//	store - Record store. Must not be nil.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Engine - Ready engine.
//	error - ErrNilStore, or the writer configuration error.
func New(store storage.RecordStore, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	e := &Engine{
		store:          store,
		logger:         slog.Default(),
		detector:       change.NewDetector(),
		writerConfig:   writer.DefaultConfig(),
		clock:          time.Now,
		maxPasses:      DefaultMaxPasses,
		unitIterations: compute.DefaultUnitIterations,
		tracer:         otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	copts := []compute.Option{compute.WithLogger(e.logger)}
	if e.mergeMaxDepth > 0 {
		copts = append(copts, compute.WithMaxDepth(e.mergeMaxDepth))
	}
	e.computer = compute.NewComputer(copts...)
	e.aggregator = compute.NewAggregator(e.computer, e.logger)

	w, err := writer.New(store, e.writerConfig, append([]writer.Option{writer.WithLogger(e.logger)}, e.writerOpts...)...)
	if err != nil {
		return nil, err
	}
	e.writer = w
	return e, nil
}

// Store returns the record store the engine runs against.
func (e *Engine) Store() storage.RecordStore { return e.store }

// initMetrics lazily creates otel instruments. Failures degrade
// observability but never fail a run.
func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.runDuration, err = meter.Float64Histogram("cascade_run_duration_seconds",
			metric.WithDescription("Wall time of one engine run"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_duration: "+err.Error())
		}

		e.recomputed, err = meter.Int64Counter("cascade_nodes_recomputed_total",
			metric.WithDescription("Nodes recomputed across all passes"),
		)
		if err != nil {
			initErrors = append(initErrors, "recomputed: "+err.Error())
		}

		e.skippedNodes, err = meter.Int64Counter("cascade_nodes_skipped_total",
			metric.WithDescription("Nodes left unresolved when a run stopped"),
		)
		if err != nil {
			initErrors = append(initErrors, "skipped: "+err.Error())
		}

		e.passHistogram, err = meter.Int64Histogram("cascade_run_passes",
			metric.WithDescription("Convergence passes per run"),
		)
		if err != nil {
			initErrors = append(initErrors, "passes: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some engine metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}
