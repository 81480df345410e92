// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lease manages the single lease record that keeps redundant
// poller invocations from consuming the stream at the same time.
//
// The lease stores the owner of the currently running cycle together
// with the stream checkpoint of the last acknowledged record. All
// ownership transitions happen through conditional writes, so a second
// runner can neither take a held lease nor advance a lease it lost.
package lease

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default lease errs class.
	Error = errs.Class("lease")

	// ErrNotFound is returned when no lease record exists for a key.
	ErrNotFound = errs.Class("lease not found")

	// ErrLeaseBusy is returned when another owner holds the lease.
	ErrLeaseBusy = errs.Class("lease busy")

	// ErrLeaseStolen is returned when a checkpoint advance finds the
	// lease held by somebody else.
	ErrLeaseStolen = errs.Class("lease stolen")

	mon = monkit.Package()
)

// Nobody is the owner value of a free lease.
const Nobody = "nobody"

// Config holds configuration for the lease store.
type Config struct {
	Table string `help:"dynamodb table holding the lease record" default:""`
}

// Lease is the checkpoint record for one application.
type Lease struct {
	Key          string
	Owner        string
	Checkpoint   int64
	SubSequence  int64
	LastUpdateMs int64
}

// Store persists leases and mutates them conditionally.
type Store interface {
	// CreateIfAbsent writes a free lease with a zero checkpoint unless
	// one already exists. Creating an existing lease is not an error.
	CreateIfAbsent(ctx context.Context, key string) error

	// Get returns the lease using a strongly consistent read.
	Get(ctx context.Context, key string) (Lease, error)

	// Take assigns the lease to owner. Fails with ErrLeaseBusy unless
	// the lease is currently free.
	Take(ctx context.Context, key, owner string) (Lease, error)

	// Advance moves the checkpoint forward. Fails with ErrLeaseStolen
	// unless the lease is still held by owner.
	Advance(ctx context.Context, key, owner string, checkpoint, subSequence int64) error

	// Evict frees the lease if it is still held by owner. Losing the
	// conditional race is not an error; some other cycle reclaimed it.
	Evict(ctx context.Context, key, owner string) error

	// DeleteAll removes every lease record. Operator reset only.
	DeleteAll(ctx context.Context) error
}
