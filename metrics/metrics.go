// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package metrics publishes poller throughput and lag measurements.
//
// Two measurements are published per cycle: how many stream records
// were processed, and how far the poller's committed position lags
// behind the newest transaction on the source database.
package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default metrics errs class.
	Error = errs.Class("metrics")

	mon = monkit.Package()
)

const (
	namespace     = "AWS/Neptune"
	dimensionName = "Neptune Stream"
)

// Config holds configuration for metrics publishing.
type Config struct {
	Enabled bool `help:"publish throughput and lag metrics" default:"true"`
}

// Sink receives per-cycle measurements.
type Sink interface {
	// RecordsProcessed reports how many records a cycle applied.
	RecordsProcessed(ctx context.Context, count int) error

	// StreamLag reports how far the poller trails the source database.
	StreamLag(ctx context.Context, lag time.Duration) error
}

// CloudWatchAPI is the slice of the cloudwatch client the sink needs.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch publishes measurements as cloudwatch metrics, dimensioned
// by the stream endpoint so multiple pollers stay distinguishable.
type CloudWatch struct {
	log         *zap.Logger
	client      CloudWatchAPI
	application string
	endpoint    string
}

// NewCloudWatch creates a cloudwatch sink for the given application
// name and stream endpoint.
func NewCloudWatch(log *zap.Logger, client CloudWatchAPI, application, endpoint string) *CloudWatch {
	return &CloudWatch{
		log:         log,
		client:      client,
		application: application,
		endpoint:    endpoint,
	}
}

// RecordsProcessed implements Sink.
func (cw *CloudWatch) RecordsProcessed(ctx context.Context, count int) (err error) {
	defer mon.Task()(&ctx)(&err)

	return cw.publish(ctx, cw.application+" - Stream Records Processed",
		types.StandardUnitCount, float64(count))
}

// StreamLag implements Sink.
func (cw *CloudWatch) StreamLag(ctx context.Context, lag time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	return cw.publish(ctx, cw.application+" - Stream Lag from Neptune DB",
		types.StandardUnitMilliseconds, float64(lag.Milliseconds()))
}

func (cw *CloudWatch) publish(ctx context.Context, name string, unit types.StandardUnit, value float64) error {
	_, err := cw.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(namespace),
		MetricData: []types.MetricDatum{{
			MetricName: aws.String(name),
			Dimensions: []types.Dimension{{
				Name:  aws.String(dimensionName),
				Value: aws.String(cw.endpoint),
			}},
			Unit:  unit,
			Value: aws.Float64(value),
		}},
	})
	if err != nil {
		return Error.Wrap(err)
	}
	cw.log.Debug("published metric",
		zap.String("metric", name),
		zap.Float64("value", value))
	return nil
}

// Noop discards all measurements.
type Noop struct{}

// RecordsProcessed implements Sink.
func (Noop) RecordsProcessed(ctx context.Context, count int) error { return nil }

// StreamLag implements Sink.
func (Noop) StreamLag(ctx context.Context, lag time.Duration) error { return nil }
