// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{EnvDatabaseURL, EnvStore, EnvStorePath, EnvLogLevel} {
		t.Setenv(k, "")
	}
}

func TestCreateDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".cascade", "cascade.yaml")
	require.NoError(t, createDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg CascadeConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, CurrentConfigVersion, cfg.Meta.Version)
	assert.Equal(t, StoreBadger, cfg.Store.Type)
	assert.Equal(t, 500, cfg.Writer.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Writer.BaseDelay)
}

func TestLoad_CreatesDefaultInHome(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".cascade", "data"), cfg.Store.Path)
	assert.FileExists(t, filepath.Join(home, ".cascade", "cascade.yaml"))
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  type: memory
writer:
  batch_size: 50
  inter_batch_delay: 250ms
engine:
  max_passes: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store.Type)
	assert.Equal(t, 5*time.Minute, cfg.Store.GCInterval)
	assert.Equal(t, 50, cfg.Writer.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Writer.InterBatchDelay)
	assert.Equal(t, 3, cfg.Writer.MaxRetries)
	assert.Equal(t, 8, cfg.Engine.MaxPasses)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  type: badger\n  path: /tmp/x\n"), 0o644))
	t.Setenv(EnvDatabaseURL, "postgres://cascade@localhost/cascade?sslmode=disable")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store.Type)
	assert.Equal(t, "postgres://cascade@localhost/cascade?sslmode=disable", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	cases := map[string]string{
		"unknown store":        "store:\n  type: mongo\n",
		"postgres no dsn":      "store:\n  type: postgres\n",
		"negative gc interval": "store:\n  gc_interval: -1s\n",
		"zero batch size":      "writer:\n  batch_size: 0\n",
		"bad log level":        "logging:\n  level: loud\n",
		"zero passes":          "engine:\n  max_passes: 0\n",
		"zero merge depth":     "engine:\n  merge_max_depth: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(path)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
