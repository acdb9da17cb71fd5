// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package facts

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelease_BlocksWritesKeepsReads(t *testing.T) {
	owner := NewOwner("builder")
	kb := New(owner)
	require.NoError(t, kb.InsertFact(owner, TableInfo, "k", []byte("v")))

	require.NoError(t, kb.Release(owner))
	assert.True(t, kb.Released())

	err := kb.InsertFact(owner, TableInfo, "k2", []byte("v2"))
	assert.ErrorIs(t, err, ErrWritesReleased)

	err = kb.BulkLoad(owner, TableInfo, []Fact{{Key: "x"}})
	assert.ErrorIs(t, err, ErrWritesReleased)

	v, ok, err := kb.Lookup(owner, TableInfo, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))

	t.Run("idempotent", func(t *testing.T) {
		assert.NoError(t, kb.Release(owner))
	})

	t.Run("non-owner", func(t *testing.T) {
		assert.ErrorIs(t, kb.Release(NewOwner("other")), ErrNotOwner)
	})
}

func TestTransfer(t *testing.T) {
	builder := NewOwner("builder")
	consumer := NewOwner("consumer")

	t.Run("requires release", func(t *testing.T) {
		kb := New(builder)
		err := Transfer(kb, builder, consumer)
		assert.ErrorIs(t, err, ErrWritesOpen)
		assert.Same(t, builder, kb.Owner())
	})

	t.Run("requires current owner", func(t *testing.T) {
		kb := New(builder)
		require.NoError(t, kb.Release(builder))
		err := Transfer(kb, consumer, consumer)
		assert.ErrorIs(t, err, ErrNotOwner)
		assert.Same(t, builder, kb.Owner())
	})

	t.Run("nil target", func(t *testing.T) {
		kb := New(builder)
		require.NoError(t, kb.Release(builder))
		assert.ErrorIs(t, Transfer(kb, builder, nil), ErrNilOwner)
	})

	t.Run("moves rights", func(t *testing.T) {
		kb := New(builder)
		require.NoError(t, kb.InsertFact(builder, TableTypes, "f", []byte("sig")))
		require.NoError(t, kb.Release(builder))

		require.NoError(t, Transfer(kb, builder, consumer))

		assert.Same(t, consumer, kb.Owner())
		assert.False(t, kb.Released())

		_, _, err := kb.Lookup(builder, TableTypes, "f")
		assert.ErrorIs(t, err, ErrNotOwner)

		v, ok, err := kb.Lookup(consumer, TableTypes, "f")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "sig", string(v))

		assert.NoError(t, kb.InsertFact(consumer, TableTypes, "g", []byte("sig2")))
	})
}

// Only one of many concurrent transfers from the same released owner may
// win.
func TestTransfer_ConcurrentSingleWinner(t *testing.T) {
	builder := NewOwner("builder")
	kb := New(builder)
	require.NoError(t, kb.Release(builder))

	const n = 16
	targets := make([]*Owner, n)
	for i := range targets {
		targets[i] = NewOwner("consumer")
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []*Owner
	)
	for _, to := range targets {
		wg.Add(1)
		go func(to *Owner) {
			defer wg.Done()
			if err := Transfer(kb, builder, to); err == nil {
				mu.Lock()
				wins = append(wins, to)
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()

	require.Len(t, wins, 1)
	assert.Same(t, wins[0], kb.Owner())
}
