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
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/cascade/services/cascade/authoring"
	"github.com/AleutianAI/cascade/services/cascade/engine"
	"github.com/AleutianAI/cascade/services/cascade/storage"
	"github.com/spf13/cobra"
)

// runApply executes the apply command.
func runApply(cmd *cobra.Command, args []string) error {
	defs, err := authoring.Load(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	applied, err := a.author(applyAllowDangling).Apply(ctx, defs)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if applyNoCascade || len(applied.Applied) == 0 {
		return printApply(out, applied)
	}
	if !jsonOutput {
		if err := printApply(out, applied); err != nil {
			return err
		}
	}

	res, err := a.engine.Cascade(ctx, applied.Applied, engine.CascadeOptions{})
	if err != nil {
		return fmt.Errorf("definitions applied but cascade failed: %w", err)
	}
	if jsonOutput {
		if err := writeJSON(out, struct {
			Apply   *authoring.ApplyResult `json:"apply"`
			Cascade *engine.RunResult      `json:"cascade"`
		}{applied, res}); err != nil {
			return err
		}
		if !res.Success {
			return ErrRunFailed
		}
		return nil
	}
	return printRun(out, res)
}

// runWatch executes the watch command. It blocks until interrupted.
func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	onApply := func(ctx context.Context, applied *authoring.ApplyResult) {
		if len(applied.Applied) == 0 {
			return
		}
		res, err := a.engine.Cascade(ctx, applied.Applied, engine.CascadeOptions{})
		if err != nil {
			a.logger.Error("cascade after apply failed", slog.String("error", err.Error()))
			return
		}
		if err := printRun(out, res); err != nil {
			a.logger.Warn("cascade after apply incomplete", slog.String("run_id", res.RunID))
		}
	}

	w, err := authoring.NewWatcher(args[0], a.author(false), onApply, authoring.WatcherOptions{
		Debounce: time.Duration(watchDebounce) * time.Millisecond,
		Logger:   a.logger.Slog(),
		OnError: func(err error) {
			a.logger.Error("apply failed", slog.String("error", err.Error()))
		},
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	w.Stop()
	return nil
}

// runShow executes the show command.
func runShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := bootstrap(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	nodes, err := a.store.FetchByIDs(ctx, []string{args[0]})
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, args[0])
	}
	return printNode(cmd.OutOrStdout(), nodes[0])
}
