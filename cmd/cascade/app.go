// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/cascade/cmd/cascade/config"
	"github.com/AleutianAI/cascade/pkg/logging"
	"github.com/AleutianAI/cascade/services/cascade/authoring"
	"github.com/AleutianAI/cascade/services/cascade/engine"
	"github.com/AleutianAI/cascade/services/cascade/storage"
	"github.com/AleutianAI/cascade/services/cascade/storage/badger"
	"github.com/AleutianAI/cascade/services/cascade/storage/memory"
	"github.com/AleutianAI/cascade/services/cascade/storage/postgres"
	"github.com/spf13/cobra"
)

// app holds everything a command needs, built from the config file
// and the global flags.
type app struct {
	cfg    *config.CascadeConfig
	logger *logging.Logger
	store  storage.RecordStore
	engine *engine.Engine

	closeStore func() error
}

// bootstrap loads the config, applies the global flag overrides, and opens
// the logger, store and engine. The caller must Close the result.
func bootstrap(ctx context.Context, cmd *cobra.Command) (*app, error) {
	return bootstrapStore(ctx, cmd, storeOverride)
}

// bootstrapStore is bootstrap with an explicit store type override.
func bootstrapStore(ctx context.Context, cmd *cobra.Command, storeType string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if storeType != "" {
		cfg.Store.Type = storeType
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if storeType != "" || logLevel != "" {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := newLogger(cfg.Logging, cmd)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg.Store, logger.Slog())
	if err != nil {
		logger.Close()
		return nil, err
	}

	eng, err := engine.New(store,
		engine.WithLogger(logger.Slog()),
		engine.WithWriterConfig(cfg.Writer),
		engine.WithMaxPasses(cfg.Engine.MaxPasses),
		engine.WithUnitIterations(cfg.Engine.UnitIterations),
		engine.WithMergeMaxDepth(cfg.Engine.MergeMaxDepth),
	)
	if err != nil {
		closeStore()
		logger.Close()
		return nil, err
	}

	logger.Debug("runtime ready",
		slog.String("store", cfg.Store.Type),
		slog.Int("batch_size", cfg.Writer.BatchSize),
		slog.Int("max_passes", cfg.Engine.MaxPasses))

	return &app{cfg: cfg, logger: logger, store: store, engine: eng, closeStore: closeStore}, nil
}

// author returns an authoring front end on the app's store.
func (r *app) author(allowDangling bool) *authoring.Author {
	opts := []authoring.Option{authoring.WithLogger(r.logger.Slog())}
	if allowDangling {
		opts = append(opts, authoring.AllowDangling())
	}
	return authoring.NewAuthor(r.store, opts...)
}

// Close releases the store and the log file.
func (r *app) Close() {
	if err := r.closeStore(); err != nil {
		r.logger.Warn("failed to close store", slog.String("error", err.Error()))
	}
	r.logger.Close()
}

func newLogger(cfg config.LoggingConfig, cmd *cobra.Command) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: "cascade",
		JSON:    cfg.JSON,
		Output:  cmd.ErrOrStderr(),
	}), nil
}

// openStore opens the configured record store and returns its closer.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (storage.RecordStore, func() error, error) {
	switch strings.ToLower(cfg.Type) {
	case config.StoreBadger:
		bc := badger.DefaultConfig()
		bc.Path = cfg.Path
		bc.SyncWrites = cfg.SyncWrites
		bc.GCInterval = cfg.GCInterval
		bc.Logger = logger
		s, err := badger.Open(bc)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.StorePostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.Options{Table: cfg.Table})
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, nil, errors.Join(err, s.Close())
		}
		return s, s.Close, nil

	case config.StoreMemory:
		logger.Info("using the in-memory store; nothing is persisted")
		s := memory.New()
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown store type %q", config.ErrInvalidConfig, cfg.Type)
	}
}

// parseIDs splits comma separated arguments into unique, trimmed ids in
// first-seen order.
func parseIDs(args ...string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, arg := range args {
		for _, id := range strings.Split(arg, ",") {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
