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
	"time"

	"github.com/AleutianAI/cascade/services/cascade/engine"
	"github.com/AleutianAI/cascade/services/cascade/merge"
	"github.com/AleutianAI/cascade/services/cascade/storage/badger"
	"github.com/AleutianAI/cascade/services/cascade/storage/postgres"
	"github.com/AleutianAI/cascade/services/cascade/telemetry"
	"github.com/AleutianAI/cascade/services/cascade/writer"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1.0.0"

// Store types.
const (
	StoreBadger   = "badger"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// CascadeConfig is the on-disk CLI configuration.
type CascadeConfig struct {
	Meta      ConfigMeta       `yaml:"meta"`
	Store     StoreConfig      `yaml:"store" validate:"required"`
	Writer    writer.Config    `yaml:"writer"`
	Engine    EngineConfig     `yaml:"engine"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Server    ServerConfig     `yaml:"server"`
}

// ConfigMeta tracks the file format version.
type ConfigMeta struct {
	Version string `yaml:"version"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	// Type is badger (embedded, default), postgres or memory.
	Type string `yaml:"type" validate:"oneof=badger postgres memory"`

	// Path is the badger data directory.
	Path string `yaml:"path" validate:"required_if=Type badger"`

	// DatabaseURL is the postgres DSN. Prefer CASCADE_DATABASE_URL.
	DatabaseURL string `yaml:"database_url,omitempty" validate:"required_if=Type postgres"`

	Table      string `yaml:"table,omitempty"`
	SyncWrites bool   `yaml:"sync_writes"`

	// GCInterval is how often badger's value log GC runs. 0 disables it.
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// EngineConfig tunes the convergence loop.
type EngineConfig struct {
	MaxPasses      int `yaml:"max_passes" validate:"gte=1,lte=50"`
	UnitIterations int `yaml:"unit_iterations" validate:"gte=1,lte=100"`
	// MergeMaxDepth bounds deep-merge recursion. Deeper subtrees are
	// replaced whole and reported as anomalies.
	MergeMaxDepth int `yaml:"merge_max_depth" validate:"gte=1,lte=1024"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gte=1,lte=65535"`
}

// DefaultConfig returns a config using an embedded badger store under
// ~/.cascade/data.
func DefaultConfig() CascadeConfig {
	dataDir := filepath.Join(".cascade", "data")
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".cascade", "data")
	}
	tel := telemetry.DefaultConfig()
	tel.TraceExporter = "none"
	tel.MetricExporter = "none"

	return CascadeConfig{
		Meta: ConfigMeta{Version: CurrentConfigVersion},
		Store: StoreConfig{
			Type:       StoreBadger,
			Path:       dataDir,
			Table:      postgres.DefaultTable,
			GCInterval: badger.DefaultConfig().GCInterval,
		},
		Writer: writer.DefaultConfig(),
		Engine: EngineConfig{
			MaxPasses:      engine.DefaultMaxPasses,
			UnitIterations: 4,
			MergeMaxDepth:  merge.DefaultMaxDepth,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: tel,
		Server:    ServerConfig{Port: 8085},
	}
}
