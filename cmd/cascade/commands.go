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
	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	// Global flags
	configPath    string
	storeOverride string
	logLevel      string
	jsonOutput    bool

	// cascade
	cascadeDryRun    bool
	cascadeVerbose   bool
	cascadeMaxPasses int

	// rebuild-hierarchy
	rebuildFull    bool
	rebuildAfter   string
	rebuildDryRun  bool
	rebuildVerbose bool

	// benchmark
	benchProperties int
	benchFields     int
	benchPages      int
	benchBatchSize  int

	// apply
	applyNoCascade     bool
	applyAllowDangling bool

	// watch
	watchDebounce int

	// serve
	servePort int
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "cascade",
	Short: "Recompute configuration nodes after their dependencies change",
	Long: `cascade maintains derived data for a graph of configuration nodes.

When a node changes, every node that depends on it (directly or
transitively) is recomputed in dependency order and only the nodes whose
data actually changed are written back.

Configuration is read from ~/.cascade/cascade.yaml (created on first run)
or from --config. CASCADE_DATABASE_URL selects a postgres store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// runCascadeCmd seeds a cascade from explicit ids.
var runCascadeCmd = &cobra.Command{
	Use:   "cascade IDS...",
	Short: "Recompute every node affected by the given ids",
	Long: `Recompute every node that transitively depends on the given ids.

Ids may be given as separate arguments or comma separated.

Examples:
  cascade cascade property_required
  cascade cascade property_required,field_name --dry-run --verbose`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCascade,
}

// rebuildHierarchyCmd reassembles grouping and container nodes.
var rebuildHierarchyCmd = &cobra.Command{
	Use:   "rebuild-hierarchy",
	Short: "Rebuild grouping and container nodes level by level",
	Long: `Rebuild grouping and container nodes in level order.

With --full (the default) every grouping and container node is rebuilt.
With --after only those affected by the given ids are.

Examples:
  cascade rebuild-hierarchy --full
  cascade rebuild-hierarchy --after field_name,field_email --dry-run`,
	Args: cobra.NoArgs,
	RunE: runRebuildHierarchy,
}

// benchmarkCmd measures the engine on a synthetic graph.
var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Run the engine against a generated in-memory graph",
	Long: `Generate a synthetic graph, cascade it twice in memory and report
throughput. The second run must write nothing.

The configured store is not touched.`,
	Args: cobra.NoArgs,
	RunE: runBenchmark,
}

// applyCmd loads node definitions and writes them.
var applyCmd = &cobra.Command{
	Use:   "apply PATH",
	Short: "Apply node definitions from a YAML/JSON file or directory",
	Long: `Load node definitions, validate them, write the ones that changed and
cascade from them.

Examples:
  cascade apply ./nodes
  cascade apply ./nodes/fields.yaml --no-cascade`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

// watchCmd re-applies a definitions directory on change.
var watchCmd = &cobra.Command{
	Use:   "watch DIR",
	Short: "Apply and cascade a definitions directory whenever it changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

// showCmd prints one stored node.
var showCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Print a stored node",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

// serveCmd starts the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default ~/.cascade/cascade.yaml)")
	rootCmd.PersistentFlags().StringVar(&storeOverride, "store", "",
		"Override the store type: badger, postgres, memory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override the log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output as JSON for scripting")

	runCascadeCmd.Flags().BoolVar(&cascadeDryRun, "dry-run", false,
		"Compute and report what would change without writing")
	runCascadeCmd.Flags().BoolVar(&cascadeVerbose, "verbose", false,
		"Include a per-node diff of every change")
	runCascadeCmd.Flags().IntVar(&cascadeMaxPasses, "max-passes", 0,
		"Convergence pass ceiling (0 = config value)")

	rebuildHierarchyCmd.Flags().BoolVar(&rebuildFull, "full", false,
		"Rebuild every grouping and container node")
	rebuildHierarchyCmd.Flags().StringVar(&rebuildAfter, "after", "",
		"Comma separated ids; rebuild only what they affect")
	rebuildHierarchyCmd.Flags().BoolVar(&rebuildDryRun, "dry-run", false,
		"Report what would change without writing")
	rebuildHierarchyCmd.Flags().BoolVar(&rebuildVerbose, "verbose", false,
		"Include a per-node diff of every change")
	rebuildHierarchyCmd.MarkFlagsMutuallyExclusive("full", "after")

	benchmarkCmd.Flags().IntVar(&benchProperties, "properties", 0,
		"Number of property nodes (0 = default)")
	benchmarkCmd.Flags().IntVar(&benchFields, "fields", 0,
		"Fields per property (0 = default)")
	benchmarkCmd.Flags().IntVar(&benchPages, "pages", 0,
		"Number of page containers (0 = default)")
	benchmarkCmd.Flags().IntVar(&benchBatchSize, "batch-size", 0,
		"Writer batch size (0 = config value)")

	applyCmd.Flags().BoolVar(&applyNoCascade, "no-cascade", false,
		"Write the definitions without cascading")
	applyCmd.Flags().BoolVar(&applyAllowDangling, "allow-dangling", false,
		"Accept dependencies on ids that do not exist yet")

	watchCmd.Flags().IntVar(&watchDebounce, "debounce-ms", 0,
		"Quiet period before applying (0 = default)")

	serveCmd.Flags().IntVar(&servePort, "port", 0,
		"Listen port (0 = config value)")

	rootCmd.AddCommand(runCascadeCmd)
	rootCmd.AddCommand(rebuildHierarchyCmd)
	rootCmd.AddCommand(benchmarkCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(serveCmd)
}
