// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package poller drives the replication loop.
//
// A cycle takes the lease, reads the stream from the lease's cursor,
// hands batches to the transformer and bulk executor, advances the
// cursor after each applied batch and finally releases the lease. When
// the stream runs dry the cycle reports an exponentially growing wait
// time for the next invocation.
package poller

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"storj.io/graphrelay/aggregate"
	"storj.io/graphrelay/lease"
	"storj.io/graphrelay/metrics"
	"storj.io/graphrelay/searchdb"
	"storj.io/graphrelay/stream"
	"storj.io/graphrelay/transform"
)

var (
	// Error is the default poller errs class.
	Error = errs.Class("poller")

	mon = monkit.Package()
)

// deadlineFraction bounds one cycle to a fraction of the maximum
// polling interval so the lease is released before it looks dead.
const deadlineFraction = 0.9

// Config holds configuration for the polling loop.
type Config struct {
	Application        string        `help:"application name identifying the lease" default:"graphrelay"`
	BatchSize          int           `help:"maximum records fetched per stream read" default:"100"`
	MaxPollingWait     time.Duration `help:"maximum wait between polls on an idle stream" default:"10s"`
	MaxPollingInterval time.Duration `help:"maximum duration of one polling cycle" default:"10m"`
}

// Fetcher reads batches from the change stream.
type Fetcher interface {
	Language() string
	Fetch(ctx context.Context, limit int, commitNum, opNum int64) (*stream.Batch, error)
}

// Index is the slice of the search cluster the poller drives.
type Index interface {
	NewRegistry(ctx context.Context) (*searchdb.Registry, error)
	Execute(ctx context.Context, actions []searchdb.Action) error
}

// CycleIterator positions a cycle within an externally driven loop of
// invocations.
type CycleIterator struct {
	Index           int `json:"index"`
	Count           int `json:"count"`
	WaitTimeSeconds int `json:"wait_time"`
}

// CycleRequest is the input of one polling cycle.
type CycleRequest struct {
	Iterator CycleIterator `json:"iterator"`
}

// CycleResponse tells the driver whether to keep iterating and how long
// to wait before the next cycle.
type CycleResponse struct {
	Index           int  `json:"index"`
	Continue        bool `json:"continue"`
	Count           int  `json:"count"`
	WaitTimeSeconds int  `json:"wait_time"`
}

// Service runs polling cycles.
type Service struct {
	log         *zap.Logger
	config      Config
	leases      lease.Store
	fetcher     Fetcher
	transformer transform.Transformer
	aggregator  *aggregate.Aggregator
	index       Index
	sink        metrics.Sink
	owner       string
	clock       clock.PassiveClock
}

// New creates the polling service. The lease owner id is unique per
// process so concurrent runners are told apart.
func New(log *zap.Logger, config Config, leases lease.Store, fetcher Fetcher,
	transformer transform.Transformer, aggregator *aggregate.Aggregator,
	index Index, sink metrics.Sink) (*Service, error) {

	if transformer.Language() != fetcher.Language() {
		return nil, Error.New("handler language %q does not match stream language %q",
			transformer.Language(), fetcher.Language())
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Service{
		log:         log,
		config:      config,
		leases:      leases,
		fetcher:     fetcher,
		transformer: transformer,
		aggregator:  aggregator,
		index:       index,
		sink:        sink,
		owner:       fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()),
		clock:       clock.RealClock{},
	}, nil
}

// TestSwapClock replaces the clock, for tests.
func (service *Service) TestSwapClock(clk clock.PassiveClock) { service.clock = clk }

// Owner returns the lease owner id of this runner.
func (service *Service) Owner() string { return service.owner }

// RunCycle runs one polling cycle: take the lease, poll until the
// stream runs dry or the cycle deadline passes, and release the lease.
// The lease is released even when polling fails, so another runner can
// continue from the last advanced cursor.
func (service *Service) RunCycle(ctx context.Context, request CycleRequest) (_ CycleResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := service.leases.CreateIfAbsent(ctx, service.config.Application); err != nil {
		return CycleResponse{}, err
	}
	current, err := service.leases.Take(ctx, service.config.Application, service.owner)
	if err != nil {
		return CycleResponse{}, err
	}
	service.log.Info("took lease",
		zap.String("owner", service.owner),
		zap.Int64("checkpoint", current.Checkpoint),
		zap.Int64("subSequence", current.SubSequence))
	defer func() {
		err = errs.Combine(err, service.leases.Evict(ctx, service.config.Application, service.owner))
	}()

	deadline := service.clock.Now().Add(
		time.Duration(deadlineFraction * float64(service.config.MaxPollingInterval)))
	wait := time.Duration(request.Iterator.WaitTimeSeconds) * time.Second

	for service.clock.Now().Before(deadline) {
		more, err := service.pollOnce(ctx, &current)
		if err != nil {
			return CycleResponse{}, err
		}
		if more {
			wait = 0
			continue
		}
		wait = nextWaitTime(service.config.MaxPollingWait, wait)
		if wait > 0 {
			service.log.Info("stream is idle", zap.Duration("wait", wait))
			break
		}
	}

	index := request.Iterator.Index + 1
	return CycleResponse{
		Index:           index,
		Continue:        index < request.Iterator.Count,
		Count:           request.Iterator.Count,
		WaitTimeSeconds: int(wait / time.Second),
	}, nil
}

// pollOnce reads and applies one batch. Returns false when the cursor
// has reached the head of the stream.
func (service *Service) pollOnce(ctx context.Context, current *lease.Lease) (more bool, err error) {
	defer mon.Task()(&ctx)(&err)

	batch, err := service.fetcher.Fetch(ctx, service.config.BatchSize,
		current.Checkpoint, current.SubSequence)
	if stream.ErrEndOfStream.Has(err) {
		service.publishProcessed(ctx, 0)
		service.publishLag(ctx, 0)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	registry, err := service.index.NewRegistry(ctx)
	if err != nil {
		return false, err
	}
	records, err := service.transformer.Filter(ctx, batch.Records, registry)
	if err != nil {
		return false, err
	}
	actions, err := transform.Actions(service.transformer, service.aggregator.Aggregate(records))
	if err != nil {
		return false, err
	}
	if err := service.index.Execute(ctx, actions); err != nil {
		return false, err
	}

	err = service.leases.Advance(ctx, service.config.Application, service.owner,
		batch.LastEventID.CommitNum, batch.LastEventID.OpNum)
	if err != nil {
		return false, err
	}
	current.Checkpoint = batch.LastEventID.CommitNum
	current.SubSequence = batch.LastEventID.OpNum

	service.log.Info("applied batch",
		zap.Int("records", batch.TotalRecords),
		zap.Int("actions", len(actions)),
		zap.Int64("checkpoint", current.Checkpoint),
		zap.Int64("subSequence", current.SubSequence))
	mon.IntVal("records_processed").Observe(int64(batch.TotalRecords))

	service.publishProcessed(ctx, batch.TotalRecords)
	lag := service.clock.Now().Sub(time.UnixMilli(batch.LastTrxTimestampMs))
	mon.DurationVal("stream_lag").Observe(lag)
	service.publishLag(ctx, lag)
	return true, nil
}

// Metric publishing never fails a cycle; replication matters more than
// observability.
func (service *Service) publishProcessed(ctx context.Context, count int) {
	if err := service.sink.RecordsProcessed(ctx, count); err != nil {
		service.log.Warn("failed to publish processed metric", zap.Error(err))
	}
}

func (service *Service) publishLag(ctx context.Context, lag time.Duration) {
	if err := service.sink.StreamLag(ctx, lag); err != nil {
		service.log.Warn("failed to publish lag metric", zap.Error(err))
	}
}

// Run polls forever, sleeping the wait time each cycle reports. Lease
// contention and cycle failures are logged and retried.
func (service *Service) Run(ctx context.Context) error {
	wait := 0
	for {
		response, err := service.RunCycle(ctx, CycleRequest{
			Iterator: CycleIterator{Index: 0, Count: 1, WaitTimeSeconds: wait},
		})
		switch {
		case err == nil:
			wait = response.WaitTimeSeconds
		case lease.ErrLeaseBusy.Has(err):
			service.log.Info("lease is held by another runner")
			wait = 1
		case ctx.Err() != nil:
			return Error.Wrap(ctx.Err())
		default:
			service.log.Error("polling cycle failed", zap.Error(err))
			wait = 1
		}

		select {
		case <-ctx.Done():
			return Error.Wrap(ctx.Err())
		case <-time.After(time.Duration(wait) * time.Second):
		}
	}
}

// nextWaitTime doubles the previous wait up to max. A zero max means
// continuous polling; the first idle poll waits one second.
func nextWaitTime(max, last time.Duration) time.Duration {
	if max == 0 {
		return 0
	}
	if last == 0 {
		return time.Second
	}
	if next := 2 * last; next < max {
		return next
	}
	return max
}
