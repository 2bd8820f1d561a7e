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
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/cascade/cmd/cascade/config"
	"github.com/AleutianAI/cascade/services/cascade/engine"
	"github.com/spf13/cobra"
)

// commandContext returns the command's context cancelled on SIGINT or
// SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runCascade executes the cascade command.
func runCascade(cmd *cobra.Command, args []string) error {
	ids := parseIDs(args...)
	if len(ids) == 0 {
		return errors.New("at least one id is required")
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Cascade(ctx, ids, engine.CascadeOptions{
		DryRun:    cascadeDryRun,
		Verbose:   cascadeVerbose,
		MaxPasses: cascadeMaxPasses,
	})
	if err != nil {
		return err
	}
	return printRun(cmd.OutOrStdout(), res)
}

// runRebuildHierarchy executes the rebuild-hierarchy command.
func runRebuildHierarchy(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.RebuildHierarchy(ctx, engine.HierarchyOptions{
		Full:    rebuildFull,
		After:   parseIDs(rebuildAfter),
		DryRun:  rebuildDryRun,
		Verbose: rebuildVerbose,
	})
	if err != nil {
		return err
	}
	return printRun(cmd.OutOrStdout(), res)
}

// runBenchmark executes the benchmark command. Only the config and logger
// are used; the fixture lives in memory.
func runBenchmark(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := bootstrapStore(ctx, cmd, config.StoreMemory)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Benchmark(ctx, engine.BenchmarkOptions{
		Properties:        benchProperties,
		FieldsPerProperty: benchFields,
		Pages:             benchPages,
		BatchSize:         benchBatchSize,
	})
	if err != nil {
		return err
	}
	return printBenchmark(cmd.OutOrStdout(), res)
}
