// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package lease

import (
	"context"
	"sync"

	"k8s.io/utils/clock"
)

// TestStore implements Store in memory with the same conditional-write
// semantics as the DynamoDB store. Intended for tests and local runs.
type TestStore struct {
	mu     sync.Mutex
	leases map[string]Lease
	clock  clock.PassiveClock
}

var _ Store = (*TestStore)(nil)

// NewTestStore creates an empty in-memory lease store.
func NewTestStore() *TestStore {
	return &TestStore{
		leases: map[string]Lease{},
		clock:  clock.RealClock{},
	}
}

// TestSwapClock replaces the clock used for lease timestamps.
func (store *TestStore) TestSwapClock(clk clock.PassiveClock) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.clock = clk
}

// CreateIfAbsent implements Store.
func (store *TestStore) CreateIfAbsent(ctx context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.leases[key]; ok {
		return nil
	}
	store.leases[key] = Lease{
		Key:          key,
		Owner:        Nobody,
		LastUpdateMs: store.clock.Now().UnixMilli(),
	}
	return nil
}

// Get implements Store.
func (store *TestStore) Get(ctx context.Context, key string) (Lease, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	lease, ok := store.leases[key]
	if !ok {
		return Lease{}, ErrNotFound.New("%q", key)
	}
	return lease, nil
}

// Take implements Store.
func (store *TestStore) Take(ctx context.Context, key, owner string) (Lease, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	lease, ok := store.leases[key]
	if !ok {
		return Lease{}, ErrNotFound.New("%q", key)
	}
	if lease.Owner != Nobody {
		return Lease{}, ErrLeaseBusy.New("%q is already held", key)
	}
	lease.Owner = owner
	lease.LastUpdateMs = store.clock.Now().UnixMilli()
	store.leases[key] = lease
	return lease, nil
}

// Advance implements Store.
func (store *TestStore) Advance(ctx context.Context, key, owner string, checkpoint, subSequence int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	lease, ok := store.leases[key]
	if !ok {
		return ErrNotFound.New("%q", key)
	}
	if lease.Owner != owner {
		return ErrLeaseStolen.New("%q is no longer held by %q", key, owner)
	}
	lease.Checkpoint = checkpoint
	lease.SubSequence = subSequence
	lease.LastUpdateMs = store.clock.Now().UnixMilli()
	store.leases[key] = lease
	return nil
}

// Evict implements Store.
func (store *TestStore) Evict(ctx context.Context, key, owner string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	lease, ok := store.leases[key]
	if !ok || lease.Owner != owner {
		return nil
	}
	lease.Owner = Nobody
	lease.LastUpdateMs = store.clock.Now().UnixMilli()
	store.leases[key] = lease
	return nil
}

// DeleteAll implements Store.
func (store *TestStore) DeleteAll(ctx context.Context) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.leases = map[string]Lease{}
	return nil
}
