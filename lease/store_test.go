// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package lease_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/graphrelay/internal/testcontext"
	"storj.io/graphrelay/lease"
)

func TestCreateIfAbsent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := lease.NewTestStore()
	require.NoError(t, store.CreateIfAbsent(ctx, "app"))

	created, err := store.Get(ctx, "app")
	require.NoError(t, err)
	require.Equal(t, lease.Nobody, created.Owner)
	require.EqualValues(t, 0, created.Checkpoint)
	require.EqualValues(t, 0, created.SubSequence)

	// Creating again keeps the existing record.
	_, err = store.Take(ctx, "app", "runner-1")
	require.NoError(t, err)
	require.NoError(t, store.CreateIfAbsent(ctx, "app"))

	kept, err := store.Get(ctx, "app")
	require.NoError(t, err)
	require.Equal(t, "runner-1", kept.Owner)
}

func TestGetMissing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := lease.NewTestStore()
	_, err := store.Get(ctx, "missing")
	require.True(t, lease.ErrNotFound.Has(err))
}

func TestTakeBusy(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := lease.NewTestStore()
	require.NoError(t, store.CreateIfAbsent(ctx, "app"))

	_, err := store.Take(ctx, "app", "runner-1")
	require.NoError(t, err)

	_, err = store.Take(ctx, "app", "runner-2")
	require.True(t, lease.ErrLeaseBusy.Has(err))
}

func TestTakeExactlyOnce(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := lease.NewTestStore()
	require.NoError(t, store.CreateIfAbsent(ctx, "app"))

	const runners = 16
	var succeeded int64
	var group sync.WaitGroup
	for i := 0; i < runners; i++ {
		group.Add(1)
		go func() {
			defer group.Done()
			if _, err := store.Take(ctx, "app", "runner"); err == nil {
				atomic.AddInt64(&succeeded, 1)
			}
		}()
	}
	group.Wait()

	require.EqualValues(t, 1, succeeded)
}

func TestAdvance(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := lease.NewTestStore()
	require.NoError(t, store.CreateIfAbsent(ctx, "app"))
	_, err := store.Take(ctx, "app", "runner-1")
	require.NoError(t, err)

	require.NoError(t, store.Advance(ctx, "app", "runner-1", 10, 2))
	require.NoError(t, store.Advance(ctx, "app", "runner-1", 10, 3))
	require.NoError(t, store.Advance(ctx, "app", "runner-1", 11, 0))

	current, err := store.Get(ctx, "app")
	require.NoError(t, err)
	require.EqualValues(t, 11, current.Checkpoint)
	require.EqualValues(t, 0, current.SubSequence)

	err = store.Advance(ctx, "app", "runner-2", 12, 0)
	require.True(t, lease.ErrLeaseStolen.Has(err))
}

func TestEvict(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := lease.NewTestStore()
	require.NoError(t, store.CreateIfAbsent(ctx, "app"))
	_, err := store.Take(ctx, "app", "runner-1")
	require.NoError(t, err)

	// Eviction by a stale owner is swallowed and keeps the holder.
	require.NoError(t, store.Evict(ctx, "app", "runner-2"))
	current, err := store.Get(ctx, "app")
	require.NoError(t, err)
	require.Equal(t, "runner-1", current.Owner)

	require.NoError(t, store.Evict(ctx, "app", "runner-1"))
	current, err = store.Get(ctx, "app")
	require.NoError(t, err)
	require.Equal(t, lease.Nobody, current.Owner)

	// The freed lease can be taken again.
	_, err = store.Take(ctx, "app", "runner-2")
	require.NoError(t, err)
}

func TestDeleteAll(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := lease.NewTestStore()
	require.NoError(t, store.CreateIfAbsent(ctx, "app"))
	require.NoError(t, store.DeleteAll(ctx))

	_, err := store.Get(ctx, "app")
	require.True(t, lease.ErrNotFound.Has(err))
}
