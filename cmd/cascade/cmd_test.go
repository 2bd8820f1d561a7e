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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/cascade/cmd/cascade/config"
	"github.com/AleutianAI/cascade/services/cascade/engine"
	"github.com/AleutianAI/cascade/services/cascade/node"
	"github.com/AleutianAI/cascade/services/cascade/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const definitionsYAML = `
nodes:
  - id: property_required
    kind: property
    overrideData:
      required: true
  - id: field_name
    kind: field
    deps: [property_required]
    overrideData:
      label: Name
`

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// setupCLI writes a config pointing at a badger store in a temp dir and
// returns its path.
func setupCLI(t *testing.T) string {
	t.Helper()
	for _, key := range []string{config.EnvDatabaseURL, config.EnvStore, config.EnvStorePath, config.EnvLogLevel} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	cfgPath := filepath.Join(dir, "cascade.yaml")
	body := "store:\n  type: badger\n  path: " + filepath.Join(dir, "data") + "\n  sync_writes: false\nlogging:\n  level: error\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return cfgPath
}

func TestParseIDs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"single", []string{"a"}, []string{"a"}},
		{"comma separated", []string{"a,b,c"}, []string{"a", "b", "c"}},
		{"mixed and spaced", []string{"a, b", "c"}, []string{"a", "b", "c"}},
		{"duplicates keep first", []string{"b,a", "b"}, []string{"b", "a"}},
		{"empty parts", []string{",,a,", " "}, []string{"a"}},
		{"nothing", []string{""}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseIDs(tt.args...))
		})
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	logger := quietLogger()

	t.Run("memory", func(t *testing.T) {
		s, closeFn, err := openStore(ctx, config.StoreConfig{Type: config.StoreMemory}, logger)
		require.NoError(t, err)
		nodes, err := s.FetchAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, nodes)
		require.NoError(t, closeFn())
	})

	t.Run("badger", func(t *testing.T) {
		s, closeFn, err := openStore(ctx, config.StoreConfig{Type: config.StoreBadger, Path: t.TempDir()}, logger)
		require.NoError(t, err)
		_, ok := s.(storage.Locker)
		assert.True(t, ok)
		require.NoError(t, closeFn())
	})

	t.Run("unknown", func(t *testing.T) {
		_, _, err := openStore(ctx, config.StoreConfig{Type: "etcd"}, logger)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("postgres unreachable", func(t *testing.T) {
		_, _, err := openStore(ctx, config.StoreConfig{Type: config.StorePostgres, DatabaseURL: "  "}, logger)
		assert.ErrorIs(t, err, storage.ErrUnavailable)
	})
}

func TestCLI_ApplyCascadeShow(t *testing.T) {
	cfgPath := setupCLI(t)
	defs := filepath.Join(filepath.Dir(cfgPath), "defs.yaml")
	require.NoError(t, os.WriteFile(defs, []byte(definitionsYAML), 0o600))

	out, err := execute(t, "apply", defs, "--config", cfgPath, "--json")
	require.NoError(t, err)
	var applied struct {
		Apply struct {
			Applied []string `json:"applied"`
		} `json:"apply"`
		Cascade engine.RunResult `json:"cascade"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &applied))
	assert.Equal(t, []string{"field_name", "property_required"}, applied.Apply.Applied)
	assert.True(t, applied.Cascade.Success)
	assert.Equal(t, 2, applied.Cascade.UpdatedCount)

	out, err = execute(t, "show", "field_name", "--config", cfgPath, "--json")
	require.NoError(t, err)
	var n node.Node
	require.NoError(t, json.Unmarshal([]byte(out), &n))
	assert.Equal(t, true, n.Data["required"])
	assert.Equal(t, "Name", n.Data["label"])

	// Nothing changed since the apply, so a cascade writes nothing.
	out, err = execute(t, "cascade", "property_required,ghost", "--config", cfgPath, "--json")
	require.NoError(t, err)
	var res engine.RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "cascade", res.Command)
	assert.Equal(t, 0, res.UpdatedCount)
	assert.Equal(t, []string{"ghost"}, res.Unknown)

	out, err = execute(t, "show", "ghost", "--config", cfgPath)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, out)
}

func TestCLI_DryRunText(t *testing.T) {
	cfgPath := setupCLI(t)
	defs := filepath.Join(filepath.Dir(cfgPath), "defs.yaml")
	require.NoError(t, os.WriteFile(defs, []byte(definitionsYAML), 0o600))

	_, err := execute(t, "apply", defs, "--config", cfgPath, "--no-cascade")
	require.NoError(t, err)

	out, err := execute(t, "cascade", "property_required", "--config", cfgPath, "--dry-run", "--verbose")
	require.NoError(t, err)
	assert.Contains(t, out, "(dry run): success")
	assert.Contains(t, out, "would change: property_required, field_name")
	assert.Contains(t, out, "--- field_name")

	// The dry run wrote nothing.
	out, err = execute(t, "show", "field_name", "--config", cfgPath, "--json")
	require.NoError(t, err)
	var n node.Node
	require.NoError(t, json.Unmarshal([]byte(out), &n))
	assert.Empty(t, n.Data)
}

func TestCLI_RebuildHierarchyFlagConflict(t *testing.T) {
	cfgPath := setupCLI(t)
	_, err := execute(t, "rebuild-hierarchy", "--full", "--after", "a", "--config", cfgPath)
	require.Error(t, err)
}

func TestCLI_Benchmark(t *testing.T) {
	cfgPath := setupCLI(t)
	out, err := execute(t, "benchmark", "--properties", "3", "--fields", "2", "--pages", "1", "--config", cfgPath, "--json")
	require.NoError(t, err)

	var res engine.BenchmarkResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.SecondRunIdle)
	assert.Equal(t, 0, res.Second.UpdatedCount)
	assert.Positive(t, res.First.UpdatedCount)
}

func TestCLI_InvalidStoreOverride(t *testing.T) {
	cfgPath := setupCLI(t)
	_, err := execute(t, "show", "x", "--config", cfgPath, "--store", "etcd")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
