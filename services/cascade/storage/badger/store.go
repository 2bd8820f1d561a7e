// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/cascade/services/cascade/lock"
	"github.com/AleutianAI/cascade/services/cascade/node"
	"github.com/AleutianAI/cascade/services/cascade/storage"
)

const keyPrefix = "node/"

func nodeKey(id string) []byte { return []byte(keyPrefix + id) }

// Store is a RecordStore on BadgerDB.
//
// Thread Safety: Safe for concurrent use. A batch is committed in one
// transaction, so it is written entirely or not at all.
type Store struct {
	db  *DB
	now func() time.Time

	// memLock guards in-memory databases, which have no directory to flock.
	memLock sync.Mutex
	memHeld bool
}

var (
	_ storage.RecordStore = (*Store)(nil)
	_ storage.Locker      = (*Store)(nil)
)

// Open opens a store with cfg.
func Open(cfg Config) (*Store, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return NewStore(db), nil
}

// OpenInMemory opens a memory-only store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// NewStore wraps an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB returns the underlying database.
func (s *Store) DB() *DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// FetchAll implements storage.RecordStore. Nodes come back sorted by id.
func (s *Store) FetchAll(ctx context.Context) ([]*node.Node, error) {
	var out []*node.Node
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, mapErr("fetch all", err)
	}
	return out, nil
}

// FetchByIDs implements storage.RecordStore.
func (s *Store) FetchByIDs(ctx context.Context, ids []string) ([]*node.Node, error) {
	out := make([]*node.Node, 0, len(ids))
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(nodeKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			n, err := decodeItem(item)
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, mapErr("fetch by ids", err)
	}
	return out, nil
}

// UpsertBatch implements storage.RecordStore.
func (s *Store) UpsertBatch(ctx context.Context, nodes []*node.Node, conflictKey string) (int, error) {
	if err := storage.CheckConflictKey(conflictKey); err != nil {
		return 0, err
	}
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, n := range nodes {
			b, err := json.Marshal(n)
			if err != nil {
				return fmt.Errorf("encode %s: %w", n.ID, err)
			}
			if err := txn.Set(nodeKey(n.ID), b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, mapErr("upsert batch", err)
	}
	return len(nodes), nil
}

// UpdateOne implements storage.RecordStore.
func (s *Store) UpdateOne(ctx context.Context, id string, patch storage.Patch) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodeItem(item)
		if err != nil {
			return err
		}
		next, err := patch.Apply(cur, s.now())
		if err != nil {
			return err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return txn.Set(nodeKey(id), b)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, node.ErrInvalidNode) {
			return err
		}
		return mapErr("update one", err)
	}
	return nil
}

// Lock implements storage.Locker.
//
// A persistent store takes the flock in its data directory, which also
// excludes runs in other processes. An in-memory store only excludes runs
// within this process.
func (s *Store) Lock(ctx context.Context, owner string) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.db.InMemory() {
		s.memLock.Lock()
		defer s.memLock.Unlock()
		if s.memHeld {
			return nil, storage.ErrLocked
		}
		s.memHeld = true
		return func() error {
			s.memLock.Lock()
			defer s.memLock.Unlock()
			s.memHeld = false
			return nil
		}, nil
	}

	fl, err := lock.Acquire(s.db.Path(), owner)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, fmt.Errorf("%w: %w", storage.ErrLocked, err)
		}
		return nil, err
	}
	return fl.Release, nil
}

// IDs returns every stored id, sorted. Keys only; values are not read.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, mapErr("list ids", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func decodeItem(item *badger.Item) (*node.Node, error) {
	var n node.Node
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &n)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", item.Key(), err)
	}
	return &n, nil
}

// mapErr marks read failures as ErrUnavailable so the engine treats them
// as fatal; write failures stay transient and are retried by the writer.
func mapErr(op string, err error) error {
	switch op {
	case "fetch all", "fetch by ids", "list ids":
		return fmt.Errorf("%s: %w: %w", op, storage.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
