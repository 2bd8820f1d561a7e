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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cascade/services/cascade/node"
	"github.com/AleutianAI/cascade/services/cascade/storage"
)

func sampleNodes() []*node.Node {
	return []*node.Node{
		{ID: "property_required", Kind: node.KindProperty, OverrideData: node.Data{"required": true}},
		{ID: "field_name", Kind: node.KindField, Deps: []string{"property_required"}, OverrideData: node.Data{"label": "Name"}, Tags: []string{"core"}},
	}
}

func TestStore_InMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	written, err := s.UpsertBatch(ctx, sampleNodes(), storage.DefaultConflictKey)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	all, err := s.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "field_name", all[0].ID)
	assert.Equal(t, []string{"property_required"}, all[0].Deps)
	assert.Equal(t, node.Data{"label": "Name"}, all[0].OverrideData)
	assert.Equal(t, []string{}, all[1].Tags, "tags never come back nil")

	some, err := s.FetchByIDs(ctx, []string{"property_required", "ghost"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, true, some[0].OverrideData["required"])

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"field_name", "property_required"}, ids)
}

func TestStore_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.UpsertBatch(ctx, sampleNodes(), "id")
	require.NoError(t, err)
	updated := sampleNodes()[1]
	updated.Caption = "Full name"
	_, err = s.UpsertBatch(ctx, []*node.Node{updated}, "id")
	require.NoError(t, err)

	got, err := s.FetchByIDs(ctx, []string{"field_name"})
	require.NoError(t, err)
	assert.Equal(t, "Full name", got[0].Caption)

	_, err = s.UpsertBatch(ctx, sampleNodes(), "caption")
	assert.ErrorIs(t, err, storage.ErrUnsupportedConflictKey)
}

func TestStore_UpdateOne(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()
	_, err = s.UpsertBatch(ctx, sampleNodes(), "id")
	require.NoError(t, err)

	override := node.Data{"label": "Full name"}
	deleted := true
	require.NoError(t, s.UpdateOne(ctx, "field_name", storage.Patch{OverrideData: &override, Deleted: &deleted}))

	got, err := s.FetchByIDs(ctx, []string{"field_name"})
	require.NoError(t, err)
	assert.Equal(t, override, got[0].OverrideData)
	assert.True(t, got[0].Deleted)
	assert.Equal(t, 1, got[0].Version)
	assert.False(t, got[0].UpdatedAt.IsZero())

	err = s.UpdateOne(ctx, "ghost", storage.Patch{Deleted: &deleted})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	selfDep := []string{"field_name"}
	err = s.UpdateOne(ctx, "field_name", storage.Patch{Deps: &selfDep})
	assert.ErrorIs(t, err, node.ErrInvalidNode)
}

func TestStore_PersistentReopenAndLock(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.SyncWrites = false
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)
	_, err = s.UpsertBatch(ctx, sampleNodes(), "id")
	require.NoError(t, err)

	unlock, err := s.Lock(ctx, "run-1")
	require.NoError(t, err)
	_, err = s.Lock(ctx, "run-2")
	assert.ErrorIs(t, err, storage.ErrLocked)
	require.NoError(t, unlock())
	require.NoError(t, s.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()
	all, err := reopened.FetchAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_PersistentRunsValueLogGC(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.SyncWrites = false
	cfg.GCInterval = 5 * time.Millisecond

	s, err := Open(cfg)
	require.NoError(t, err)
	runner := s.DB().gcRunner
	require.NotNil(t, runner)

	_, err = s.UpsertBatch(context.Background(), sampleNodes(), "id")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.Close())
	select {
	case <-runner.doneCh:
	default:
		t.Fatal("GC runner still running after Close")
	}

	mem, err := OpenInMemory()
	require.NoError(t, err)
	defer mem.Close()
	assert.Nil(t, mem.DB().gcRunner)
}

func TestStore_InMemoryLock(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	unlock, err := s.Lock(context.Background(), "a")
	require.NoError(t, err)
	_, err = s.Lock(context.Background(), "b")
	assert.ErrorIs(t, err, storage.ErrLocked)
	require.NoError(t, unlock())
	_, err = s.Lock(context.Background(), "b")
	assert.NoError(t, err)
}

func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	require.Error(t, err)

	_, err = Open(Config{})
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestNewGCRunner_Validation(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	_, err = NewGCRunner(nil, 1, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db.DB, 0, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db.DB, 1, 1.5, nil)
	assert.Error(t, err)
	r, err := NewGCRunner(db.DB, 1, 0.5, nil)
	require.NoError(t, err)
	r.Start()
	r.Stop()
}
