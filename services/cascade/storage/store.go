// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the record store the cascade engine reads from
// and writes to. Implementations live in subpackages:
//
//   - memory: in-process store for tests, dry runs and benchmarks
//   - badger: embedded BadgerDB store for single-host deployments
//   - postgres: relational store with JSONB payload columns
//
// The engine only ever talks to the RecordStore interface; nothing in
// services/cascade reaches for a global client.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/cascade/services/cascade/node"
)

// DefaultConflictKey is the column upserts conflict on.
const DefaultConflictKey = "id"

var (
	// ErrNotFound is returned by UpdateOne for an unknown id.
	ErrNotFound = node.ErrNotFound

	// ErrUnavailable indicates the store cannot be reached. The engine
	// treats it as fatal before any computation begins.
	ErrUnavailable = errors.New("record store unavailable")

	// ErrUnsupportedConflictKey is returned for a conflict key the store
	// cannot upsert on.
	ErrUnsupportedConflictKey = errors.New("unsupported conflict key")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("record store closed")

	// ErrLocked is returned by Locker.Lock when another run holds the lock.
	ErrLocked = errors.New("record store locked by another run")
)

// RecordStore is the persistence boundary of the engine.
//
// Implementations must return nodes that are independent copies: callers
// may mutate them without affecting the store.
type RecordStore interface {
	// FetchAll returns every node, including soft-deleted ones.
	FetchAll(ctx context.Context) ([]*node.Node, error)

	// FetchByIDs returns the nodes with the given ids. Unknown ids are
	// skipped, not reported as errors.
	FetchByIDs(ctx context.Context, ids []string) ([]*node.Node, error)

	// UpsertBatch inserts or replaces nodes, matching existing rows on
	// conflictKey, and returns how many rows were written. A batch either
	// fails as a whole or succeeds as a whole.
	UpsertBatch(ctx context.Context, nodes []*node.Node, conflictKey string) (int, error)

	// UpdateOne applies patch to a single node.
	UpdateOne(ctx context.Context, id string, patch Patch) error
}

// Locker is implemented by stores that can hold an advisory lock across a
// whole cascade run. Concurrent runs against one store are unsafe without
// it.
type Locker interface {
	// Lock acquires the lock for owner without blocking. It returns
	// ErrLocked when another owner holds it.
	Lock(ctx context.Context, owner string) (unlock func() error, err error)
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Deps         *[]string  `json:"deps,omitempty"`
	OverrideData *node.Data `json:"overrideData,omitempty"`
	SelfData     *node.Data `json:"selfData,omitempty"`
	Data         *node.Data `json:"effectiveData,omitempty"`
	Tags         *[]string  `json:"tags,omitempty"`
	Category     *string    `json:"category,omitempty"`
	Caption      *string    `json:"caption,omitempty"`
	Deleted      *bool      `json:"deleted,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Deps == nil && p.OverrideData == nil && p.SelfData == nil && p.Data == nil &&
		p.Tags == nil && p.Category == nil && p.Caption == nil && p.Deleted == nil
}

// Apply returns a patched copy of n with version bumped and UpdatedAt set
// to now. The result is validated; an invalid result is returned as an
// error and n is untouched.
func (p Patch) Apply(n *node.Node, now time.Time) (*node.Node, error) {
	out := n.Clone()
	if p.Deps != nil {
		out.Deps = append([]string{}, (*p.Deps)...)
	}
	if p.Tags != nil {
		out.Tags = append([]string{}, (*p.Tags)...)
	}
	if p.OverrideData != nil {
		out.OverrideData = p.OverrideData.Clone()
	}
	if p.SelfData != nil {
		out.SelfData = p.SelfData.Clone()
	}
	if p.Data != nil {
		out.Data = p.Data.Clone()
	}
	if p.Category != nil {
		out.Category = *p.Category
	}
	if p.Caption != nil {
		out.Caption = *p.Caption
	}
	if p.Deleted != nil {
		out.Deleted = *p.Deleted
	}
	if err := out.Normalize(); err != nil {
		return nil, fmt.Errorf("patch %s: %w", n.ID, err)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("patch %s: %w", n.ID, err)
	}
	out.Touch(now)
	return out, nil
}

// CheckConflictKey returns ErrUnsupportedConflictKey unless key is "id"
// or empty. Every bundled store keys rows by node id.
func CheckConflictKey(key string) error {
	if key == "" || key == DefaultConflictKey {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedConflictKey, key)
}
