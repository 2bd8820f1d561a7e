// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory provides an in-process RecordStore.
//
// It backs unit tests, dry runs and the benchmark command. A fault hook
// lets tests fail chosen upsert calls to exercise retry and partial-failure
// paths.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/cascade/services/cascade/node"
	"github.com/AleutianAI/cascade/services/cascade/storage"
)

// FaultFunc decides whether an upsert call fails. call is 1-based and
// counts every UpsertBatch invocation, including retries.
type FaultFunc func(call int, batch []*node.Node) error

// Store is an in-memory RecordStore.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	nodes   map[string]*node.Node
	fault   FaultFunc
	fetchFn func() error
	calls   int
	writes  int
	now     func() time.Time
	closed  bool
	lockMu  sync.Mutex
	owner   string
}

var (
	_ storage.RecordStore = (*Store)(nil)
	_ storage.Locker      = (*Store)(nil)
)

// New creates a store seeded with copies of nodes.
func New(nodes ...*node.Node) *Store {
	s := &Store{nodes: make(map[string]*node.Node, len(nodes)), now: time.Now}
	for _, n := range nodes {
		cp := n.Clone()
		_ = cp.Normalize()
		s.nodes[n.ID] = cp
	}
	return s
}

// SetFault installs a fault hook for UpsertBatch. Nil removes it.
func (s *Store) SetFault(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// SetFetchError makes FetchAll and FetchByIDs fail with the returned
// error while f returns non-nil. Nil removes the hook.
func (s *Store) SetFetchError(f func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchFn = f
}

// SetClock overrides the clock used by UpdateOne.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// UpsertCalls returns the number of UpsertBatch invocations so far.
func (s *Store) UpsertCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

// Writes returns the number of nodes written by successful upserts.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Get returns a copy of one node.
func (s *Store) Get(id string) (*node.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Len returns the number of stored nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// FetchAll implements storage.RecordStore. Nodes are sorted by id.
func (s *Store) FetchAll(ctx context.Context) ([]*node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkFetch(); err != nil {
		return nil, err
	}
	out := make([]*node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FetchByIDs implements storage.RecordStore.
func (s *Store) FetchByIDs(ctx context.Context, ids []string) ([]*node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkFetch(); err != nil {
		return nil, err
	}
	out := make([]*node.Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := s.nodes[id]; ok {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

// UpsertBatch implements storage.RecordStore.
func (s *Store) UpsertBatch(ctx context.Context, nodes []*node.Node, conflictKey string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := storage.CheckConflictKey(conflictKey); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}
	s.calls++
	if s.fault != nil {
		if err := s.fault(s.calls, nodes); err != nil {
			return 0, err
		}
	}
	for _, n := range nodes {
		s.nodes[n.ID] = n.Clone()
	}
	s.writes += len(nodes)
	return len(nodes), nil
}

// UpdateOne implements storage.RecordStore.
func (s *Store) UpdateOne(ctx context.Context, id string, patch storage.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	cur, ok := s.nodes[id]
	if !ok {
		return storage.ErrNotFound
	}
	next, err := patch.Apply(cur, s.now())
	if err != nil {
		return err
	}
	s.nodes[id] = next
	s.writes++
	return nil
}

// Lock implements storage.Locker with an in-process mutex flag.
func (s *Store) Lock(ctx context.Context, owner string) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.owner != "" {
		return nil, storage.ErrLocked
	}
	s.owner = owner
	return func() error {
		s.lockMu.Lock()
		defer s.lockMu.Unlock()
		if s.owner == owner {
			s.owner = ""
		}
		return nil
	}, nil
}

// Close marks the store closed; later writes fail with storage.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkFetch() error {
	if s.closed {
		return storage.ErrClosed
	}
	if s.fetchFn != nil {
		return s.fetchFn()
	}
	return nil
}
