// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package authoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/AleutianAI/cascade/services/cascade/change"
	"github.com/AleutianAI/cascade/services/cascade/graph"
	"github.com/AleutianAI/cascade/services/cascade/node"
	"github.com/AleutianAI/cascade/services/cascade/storage"
)

// ErrDanglingDependency is returned when a definition depends on an id
// that neither the store nor the definitions contain.
var ErrDanglingDependency = errors.New("dependency on unknown node")

// ApplyResult reports what Apply wrote.
type ApplyResult struct {
	// Applied are the ids that were created or changed, sorted. They are
	// the seeds for the follow-up cascade.
	Applied []string `json:"applied"`

	// Created is the subset of Applied that did not exist before.
	Created []string `json:"created,omitempty"`

	// Removed are ids soft-deleted because their definition disappeared
	// from a watched directory. They are also in Applied.
	Removed []string `json:"removed,omitempty"`

	Unchanged int `json:"unchanged"`
}

// Author writes definitions to a record store.
//
// Thread Safety: Safe for concurrent use, but concurrent Apply calls may
// interleave; run them under the store lock when that matters.
type Author struct {
	store         storage.RecordStore
	logger        *slog.Logger
	detector      *change.Detector
	clock         func() time.Time
	allowDangling bool
}

// Option configures an Author.
type Option func(*Author)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Author) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides the clock stamping written nodes.
func WithClock(now func() time.Time) Option {
	return func(a *Author) {
		if now != nil {
			a.clock = now
		}
	}
}

// AllowDangling accepts dependencies on ids that do not exist yet.
func AllowDangling() Option {
	return func(a *Author) { a.allowDangling = true }
}

// NewAuthor creates an Author over store.
func NewAuthor(store storage.RecordStore, opts ...Option) *Author {
	a := &Author{
		store:    store,
		logger:   slog.Default(),
		detector: change.NewDetector(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply validates defs against the stored node set and upserts the ones
// that differ from what is stored.
//
// Description:
//
//	1. Validate every definition; all failures are reported together.
//	2. Merge the definitions over the stored nodes. An existing node keeps
//	   its engine-owned fields (selfData, effectiveData, version).
//	3. Reject dependencies on unknown ids (unless AllowDangling) and any
//	   dependency cycle in the merged graph.
//	4. Upsert created and changed nodes with their version bumped.
//
// Outputs:
//
//	*ApplyResult - Applied ids to seed a cascade with.
//	error - ErrInvalidDefinitions, ErrDanglingDependency, graph.ErrCycle, or
//	a store error. Nothing is written on error.
func (a *Author) Apply(ctx context.Context, defs []Definition) (*ApplyResult, error) {
	if err := Validate(defs); err != nil {
		return nil, err
	}

	stored, err := a.store.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch nodes: %w", err)
	}
	existing := make(map[string]*node.Node, len(stored))
	for _, n := range stored {
		existing[n.ID] = n
	}

	merged := make(map[string]*node.Node, len(stored)+len(defs))
	for id, n := range existing {
		merged[id] = n
	}
	incoming := make([]*node.Node, 0, len(defs))
	for _, d := range defs {
		n := d.Node()
		if err := n.Normalize(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDefinitions, n.ID, err)
		}
		if prev, ok := existing[n.ID]; ok {
			n.SelfData = prev.SelfData.Clone()
			n.Data = prev.Data.Clone()
			n.Version = prev.Version
			n.UpdatedAt = prev.UpdatedAt
		}
		merged[n.ID] = n
		incoming = append(incoming, n)
	}

	if !a.allowDangling {
		var errs *multierror.Error
		for _, n := range incoming {
			for _, dep := range n.Deps {
				if _, ok := merged[dep]; !ok {
					errs = multierror.Append(errs, fmt.Errorf("%w: %s depends on %s", ErrDanglingDependency, n.ID, dep))
				}
			}
		}
		if err := errs.ErrorOrNil(); err != nil {
			return nil, err
		}
	}

	all := make([]*node.Node, 0, len(merged))
	for _, n := range merged {
		all = append(all, n)
	}
	if err := graph.Build(all).ValidateAcyclic(); err != nil {
		return nil, err
	}

	res := &ApplyResult{}
	now := a.clock()
	var writes []*node.Node
	for _, n := range incoming {
		prev, ok := existing[n.ID]
		if ok && !a.differs(prev, n) {
			res.Unchanged++
			continue
		}
		n.Touch(now)
		writes = append(writes, n)
		res.Applied = append(res.Applied, n.ID)
		if !ok {
			res.Created = append(res.Created, n.ID)
		}
	}
	sort.Strings(res.Applied)
	sort.Strings(res.Created)

	if len(writes) > 0 {
		if _, err := a.store.UpsertBatch(ctx, writes, storage.DefaultConflictKey); err != nil {
			return nil, fmt.Errorf("upsert definitions: %w", err)
		}
	}

	a.logger.Info("definitions applied",
		slog.Int("definitions", len(defs)),
		slog.Int("applied", len(res.Applied)),
		slog.Int("created", len(res.Created)),
		slog.Int("unchanged", res.Unchanged),
	)
	return res, nil
}

// differs compares the author-owned fields of two nodes.
func (a *Author) differs(prev, next *node.Node) bool {
	if prev.Kind != next.Kind || prev.SubKind != next.SubKind ||
		prev.Category != next.Category || prev.Caption != next.Caption ||
		prev.Deleted != next.Deleted {
		return true
	}
	if len(prev.Deps) != len(next.Deps) {
		return true
	}
	for i := range prev.Deps {
		// Dependency order decides merge precedence.
		if prev.Deps[i] != next.Deps[i] {
			return true
		}
	}
	return a.detector.Changed(prev, next)
}

// SetOverride replaces one node's overrideData.
func (a *Author) SetOverride(ctx context.Context, id string, data node.Data) error {
	normalized, err := data.Normalize()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidDefinitions, id, err)
	}
	if err := a.store.UpdateOne(ctx, id, storage.Patch{OverrideData: &normalized}); err != nil {
		return fmt.Errorf("set override %s: %w", id, err)
	}
	a.logger.Info("override updated", slog.String("node_id", id))
	return nil
}

// SoftDelete marks one node deleted. Its dependents stop receiving its
// data on the next cascade seeded with id.
func (a *Author) SoftDelete(ctx context.Context, id string) error {
	deleted := true
	if err := a.store.UpdateOne(ctx, id, storage.Patch{Deleted: &deleted}); err != nil {
		return fmt.Errorf("soft delete %s: %w", id, err)
	}
	a.logger.Info("node soft-deleted", slog.String("node_id", id))
	return nil
}
