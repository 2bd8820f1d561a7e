// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package writer persists recomputed nodes in bounded batches with retry,
// exponential backoff and inter-batch pacing.
//
// A batch that still fails after its last retry is recorded and skipped;
// the remaining batches are always attempted. Partial failure is reported
// through Metrics, never returned as an error.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/cascade/services/cascade/node"
	"github.com/AleutianAI/cascade/services/cascade/storage"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

const (
	// DefaultBatchSize is the number of nodes per upsert.
	DefaultBatchSize = 500

	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the first backoff; attempt n waits BaseDelay << n.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultInterBatchDelay is the minimum spacing between batch starts.
	DefaultInterBatchDelay = 100 * time.Millisecond
)

// Config configures a Writer.
type Config struct {
	BatchSize       int           `yaml:"batch_size" json:"batchSize" validate:"gte=1,lte=10000"`
	MaxRetries      int           `yaml:"max_retries" json:"maxRetries" validate:"gte=0,lte=10"`
	BaseDelay       time.Duration `yaml:"base_delay" json:"baseDelay" validate:"gte=0"`
	InterBatchDelay time.Duration `yaml:"inter_batch_delay" json:"interBatchDelay" validate:"gte=0"`

	// Concurrency is the number of batches in flight. 1 writes serially.
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"gte=1,lte=64"`

	// ConflictKey is passed to RecordStore.UpsertBatch.
	ConflictKey string `yaml:"conflict_key" json:"conflictKey" validate:"required"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       DefaultBatchSize,
		MaxRetries:      DefaultMaxRetries,
		BaseDelay:       DefaultBaseDelay,
		InterBatchDelay: DefaultInterBatchDelay,
		Concurrency:     1,
		ConflictKey:     storage.DefaultConflictKey,
	}
}

var configValidate = validator.New()

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrInvalidConfig wraps configuration validation failures.
var ErrInvalidConfig = errors.New("invalid writer config")

// BatchError describes a batch that failed after all retries.
type BatchError struct {
	// Index is the 0-based batch number.
	Index int

	// Size is the number of nodes in the batch.
	Size int

	// Attempts is the number of upsert calls made.
	Attempts int

	// IDs are the node ids in the batch.
	IDs []string

	// Err is the last error returned by the store.
	Err error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (%d nodes) failed after %d attempts: %v", e.Index, e.Size, e.Attempts, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

// Metrics summarizes one Write call.
type Metrics struct {
	TotalRecords  int           `json:"totalRecords"`
	Processed     int           `json:"processed"`
	Batches       int           `json:"batches"`
	FailedBatches int           `json:"failedBatches"`
	FailedRecords int           `json:"failedRecords"`
	Retries       int           `json:"retries"`
	FailedIDs     []string      `json:"failedIds,omitempty"`
	Errors        []*BatchError `json:"-"`
	Duration      time.Duration `json:"durationNs"`

	// Throughput is processed records per second.
	Throughput float64 `json:"throughput"`
}

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_writer_batches_total",
		Help: "Batches written by status",
	}, []string{"status"})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_writer_records_total",
		Help: "Records written by status",
	}, []string{"status"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascade_writer_retries_total",
		Help: "Upsert retries after transient failures",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cascade_writer_batch_duration_seconds",
		Help:    "Batch upsert duration in seconds, including retries",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// -----------------------------------------------------------------------------
// Writer
// -----------------------------------------------------------------------------

// Upserter is the part of storage.RecordStore the writer needs.
type Upserter interface {
	UpsertBatch(ctx context.Context, nodes []*node.Node, conflictKey string) (int, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Writer persists nodes through an Upserter.
//
// Thread Safety: Safe for concurrent Write calls; each call keeps its own
// state.
type Writer struct {
	store  Upserter
	config Config
	logger *slog.Logger
	sleep  SleepFunc
	now    func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithSleep replaces the backoff sleep. Tests use it to record delays
// without waiting.
func WithSleep(fn SleepFunc) Option {
	return func(w *Writer) {
		if fn != nil {
			w.sleep = fn
		}
	}
}

// New creates a Writer.
//
// Outputs:
//
//	*Writer - Ready to use.
//	error - ErrInvalidConfig when config is out of bounds.
func New(store Upserter, config Config, opts ...Option) (*Writer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	w := &Writer{
		store:  store,
		config: config,
		logger: slog.Default(),
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Config returns the writer configuration.
func (w *Writer) Config() Config { return w.config }

// batchOutcome is written by exactly one goroutine.
type batchOutcome struct {
	written int
	retries int
	err     *BatchError
}

// Write persists nodes.
//
// Description:
//
//	Splits nodes into batches of Config.BatchSize. Batch starts are paced
//	by a token bucket with one token per InterBatchDelay. Each batch is
//	upserted with up to MaxRetries retries; attempt n (0-based) is
//	followed by a wait of BaseDelay << n. A batch that exhausts its
//	retries is recorded in Metrics and the run continues with the next
//	batch. With Concurrency > 1 batches are dispatched in parallel up to
//	that limit; each batch still fails or succeeds in isolation.
//
//	Cancelling ctx stops dispatching new batches; batches not started are
//	counted as failed with the context error.
//
// Inputs:
//
//	ctx - Cancellation for pacing, backoff and the store.
//	nodes - Deduplicated, change-filtered nodes to persist.
//
// Outputs:
//
//	Metrics - Always populated.
func (w *Writer) Write(ctx context.Context, nodes []*node.Node) Metrics {
	start := w.now()
	batches := split(nodes, w.config.BatchSize)
	metrics := Metrics{TotalRecords: len(nodes), Batches: len(batches)}
	if len(batches) == 0 {
		return metrics
	}

	limit := rate.Inf
	if w.config.InterBatchDelay > 0 {
		limit = rate.Every(w.config.InterBatchDelay)
	}
	pacer := rate.NewLimiter(limit, 1)

	outcomes := make([]batchOutcome, len(batches))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.Concurrency)

	dispatched := 0
	for i, batch := range batches {
		if err := pacer.Wait(ctx); err != nil {
			break
		}
		dispatched++
		i, batch := i, batch
		g.Go(func() error {
			// Batch failures are isolated; never cancel siblings.
			outcomes[i] = w.writeBatch(gCtx, i, batch)
			return nil
		})
	}
	_ = g.Wait()

	for i := dispatched; i < len(batches); i++ {
		outcomes[i] = batchOutcome{err: &BatchError{
			Index: i,
			Size:  len(batches[i]),
			IDs:   ids(batches[i]),
			Err:   ctx.Err(),
		}}
	}

	for _, o := range outcomes {
		metrics.Processed += o.written
		metrics.Retries += o.retries
		if o.err != nil {
			metrics.FailedBatches++
			metrics.FailedRecords += o.err.Size
			metrics.FailedIDs = append(metrics.FailedIDs, o.err.IDs...)
			metrics.Errors = append(metrics.Errors, o.err)
		}
	}
	metrics.Duration = w.now().Sub(start)
	if secs := metrics.Duration.Seconds(); secs > 0 {
		metrics.Throughput = float64(metrics.Processed) / secs
	}

	level := slog.LevelInfo
	if metrics.FailedBatches > 0 {
		level = slog.LevelWarn
	}
	w.logger.Log(ctx, level, "batch write finished",
		slog.Int("total_records", metrics.TotalRecords),
		slog.Int("processed", metrics.Processed),
		slog.Int("batches", metrics.Batches),
		slog.Int("failed_batches", metrics.FailedBatches),
		slog.Int("retries", metrics.Retries),
		slog.Duration("duration", metrics.Duration),
		slog.Float64("throughput", metrics.Throughput),
	)
	return metrics
}

// writeBatch upserts one batch with retry and backoff.
func (w *Writer) writeBatch(ctx context.Context, index int, batch []*node.Node) batchOutcome {
	start := time.Now()
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	var out batchOutcome
	var lastErr error
	attempts := 0

retryLoop:
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		attempts++
		written, err := w.store.UpsertBatch(ctx, batch, w.config.ConflictKey)
		if err == nil {
			out.written = written
			batchesTotal.WithLabelValues("success").Inc()
			recordsTotal.WithLabelValues("success").Add(float64(written))
			return out
		}
		lastErr = err

		// Not transient: retrying cannot help.
		if errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, storage.ErrUnsupportedConflictKey) ||
			errors.Is(err, storage.ErrClosed) {
			break retryLoop
		}

		if attempt < w.config.MaxRetries {
			backoff := w.config.BaseDelay << attempt
			w.logger.Warn("batch upsert failed, retrying",
				slog.Int("batch", index),
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", w.config.MaxRetries),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			out.retries++
			retriesTotal.Inc()
			if err := w.sleep(ctx, backoff); err != nil {
				lastErr = err
				break retryLoop
			}
		}
	}

	out.err = &BatchError{
		Index:    index,
		Size:     len(batch),
		Attempts: attempts,
		IDs:      ids(batch),
		Err:      lastErr,
	}
	batchesTotal.WithLabelValues("error").Inc()
	recordsTotal.WithLabelValues("error").Add(float64(len(batch)))
	w.logger.Error("batch failed after retries",
		slog.Int("batch", index),
		slog.Int("size", len(batch)),
		slog.Int("attempts", attempts),
		slog.String("error", lastErr.Error()),
	)
	return out
}

func split(nodes []*node.Node, size int) [][]*node.Node {
	if size < 1 {
		size = DefaultBatchSize
	}
	var out [][]*node.Node
	for start := 0; start < len(nodes); start += size {
		end := start + size
		if end > len(nodes) {
			end = len(nodes)
		}
		out = append(out, nodes[start:end])
	}
	return out
}

func ids(batch []*node.Node) []string {
	out := make([]string, len(batch))
	for i, n := range batch {
		out[i] = n.ID
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
