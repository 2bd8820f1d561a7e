// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cascade/services/cascade/node"
	"github.com/AleutianAI/cascade/services/cascade/storage"
)

func TestStore_CopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	seed := &node.Node{ID: "p", Kind: node.KindProperty, OverrideData: node.Data{"required": true}}
	s := New(seed)
	seed.OverrideData["required"] = false

	all, err := s.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, true, all[0].OverrideData["required"])

	all[0].OverrideData["required"] = "mutated"
	got, ok := s.Get("p")
	require.True(t, ok)
	assert.Equal(t, true, got.OverrideData["required"])
}

func TestStore_FetchByIDsSkipsUnknown(t *testing.T) {
	s := New(&node.Node{ID: "a", Kind: node.KindProperty}, &node.Node{ID: "b", Kind: node.KindProperty})
	got, err := s.FetchByIDs(context.Background(), []string{"b", "ghost"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestStore_FaultAndCounters(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")
	s.SetFault(func(call int, _ []*node.Node) error {
		if call == 1 {
			return boom
		}
		return nil
	})

	batch := []*node.Node{{ID: "a", Kind: node.KindProperty}}
	_, err := s.UpsertBatch(ctx, batch, storage.DefaultConflictKey)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.Len())

	n, err := s.UpsertBatch(ctx, batch, storage.DefaultConflictKey)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, s.UpsertCalls())
	assert.Equal(t, 1, s.Writes())

	_, err = s.UpsertBatch(ctx, batch, "name")
	assert.ErrorIs(t, err, storage.ErrUnsupportedConflictKey)
}

func TestStore_FetchErrorHook(t *testing.T) {
	s := New()
	s.SetFetchError(func() error { return storage.ErrUnavailable })
	_, err := s.FetchAll(context.Background())
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	s.SetFetchError(nil)
	_, err = s.FetchAll(context.Background())
	assert.NoError(t, err)
}

func TestStore_UpdateOne(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(&node.Node{ID: "f", Kind: node.KindField})
	s.SetClock(func() time.Time { return at })

	caption := "Name"
	require.NoError(t, s.UpdateOne(ctx, "f", storage.Patch{Caption: &caption}))
	got, _ := s.Get("f")
	assert.Equal(t, "Name", got.Caption)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, at, got.UpdatedAt)

	assert.ErrorIs(t, s.UpdateOne(ctx, "ghost", storage.Patch{Caption: &caption}), storage.ErrNotFound)

	self := []string{"f"}
	err := s.UpdateOne(ctx, "f", storage.Patch{Deps: &self})
	assert.ErrorIs(t, err, node.ErrInvalidNode)
	got, _ = s.Get("f")
	assert.Empty(t, got.Deps)
}

func TestStore_LockAndClose(t *testing.T) {
	ctx := context.Background()
	s := New()

	unlock, err := s.Lock(ctx, "run-1")
	require.NoError(t, err)
	_, err = s.Lock(ctx, "run-2")
	assert.ErrorIs(t, err, storage.ErrLocked)
	require.NoError(t, unlock())
	unlock2, err := s.Lock(ctx, "run-2")
	require.NoError(t, err)
	require.NoError(t, unlock2())

	require.NoError(t, s.Close())
	_, err = s.UpsertBatch(ctx, []*node.Node{{ID: "a", Kind: node.KindProperty}}, "")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.FetchAll(ctx)
	assert.ErrorIs(t, err, storage.ErrClosed)
}
