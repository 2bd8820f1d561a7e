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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/cascade/services/cascade/authoring"
	"github.com/AleutianAI/cascade/services/cascade/engine"
	"github.com/AleutianAI/cascade/services/cascade/node"
	"gopkg.in/yaml.v3"
)

// ErrRunFailed is returned by commands whose run completed but did not
// succeed, so the process exits non-zero.
var ErrRunFailed = errors.New("run did not succeed")

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRun prints a RunResult and returns ErrRunFailed when it did not
// succeed.
func printRun(w io.Writer, res *engine.RunResult) error {
	if jsonOutput {
		if err := writeJSON(w, res); err != nil {
			return err
		}
	} else {
		writeRunText(w, res)
	}
	if !res.Success {
		return ErrRunFailed
	}
	return nil
}

func writeRunText(w io.Writer, res *engine.RunResult) {
	status := "success"
	if !res.Success {
		status = "FAILED"
	}
	mode := ""
	if res.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "%s %s%s: %s\n", res.Command, res.RunID, mode, status)
	fmt.Fprintf(w, "  affected: %d  updated: %d  failed: %d  skipped: %d  passes: %d  duration: %s\n",
		res.AffectedCount, res.UpdatedCount, res.FailedCount, res.SkippedCount, res.Passes,
		time.Duration(res.DurationMs)*time.Millisecond)

	writeList(w, "would change", res.WouldChange)
	writeList(w, "unknown", res.Unknown)
	writeList(w, "skipped", res.Skipped)
	writeList(w, "unstable", res.Unstable)
	for _, cycle := range res.Cycles {
		fmt.Fprintf(w, "  cycle: %s\n", strings.Join(cycle, " -> "))
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}

	if len(res.Explanations) > 0 {
		ids := make([]string, 0, len(res.Explanations))
		for id := range res.Explanations {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(w, "\n--- %s\n%s\n", id, strings.TrimRight(res.Explanations[id], "\n"))
		}
	}
}

func writeList(w io.Writer, label string, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s: %s\n", label, strings.Join(ids, ", "))
}

func printBenchmark(w io.Writer, res *engine.BenchmarkResult) error {
	if jsonOutput {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "benchmark: %d nodes in %s\n", res.Nodes, res.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  first run:  affected %d  updated %d  passes %d\n",
		res.First.AffectedCount, res.First.UpdatedCount, res.First.Passes)
	fmt.Fprintf(w, "  second run: updated %d  idle %t\n", res.Second.UpdatedCount, res.SecondRunIdle)
	fmt.Fprintf(w, "  %.0f nodes/s  %.0f writes/s\n", res.NodesPerSec, res.WritesPerSec)
	if !res.SecondRunIdle {
		return ErrRunFailed
	}
	return nil
}

func printApply(w io.Writer, res *authoring.ApplyResult) error {
	if jsonOutput {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "apply: %d written (%d new), %d unchanged\n",
		len(res.Applied), len(res.Created), res.Unchanged)
	writeList(w, "written", res.Applied)
	return nil
}

func printNode(w io.Writer, n *node.Node) error {
	if jsonOutput {
		return writeJSON(w, n)
	}
	out, err := yaml.Marshal(n)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
