// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// graphrelay replicates a graph database change stream into a search
// cluster.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/graphrelay/aggregate"
	"storj.io/graphrelay/internal/cfgstruct"
	"storj.io/graphrelay/internal/process"
	"storj.io/graphrelay/lease"
	"storj.io/graphrelay/metrics"
	"storj.io/graphrelay/poller"
	"storj.io/graphrelay/searchdb"
	"storj.io/graphrelay/sigv4"
	"storj.io/graphrelay/stream"
	"storj.io/graphrelay/transform"
)

// Config is the full runtime configuration of the relay.
type Config struct {
	Region          string `help:"aws region of the lease table and metrics, uses AWS_REGION when unset" default:""`
	AccessKeyID     string `help:"static aws access key id, uses the default credential chain when unset" default:""`
	SecretAccessKey string `help:"static aws secret access key" default:""`
	SessionToken    string `help:"static aws session token" default:""`

	Lease     lease.Config
	Stream    stream.Config
	Search    searchdb.Config
	Transform transform.Config
	Aggregate aggregate.Config
	Poller    poller.Config
	Metrics   metrics.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "graphrelay",
		Short: "replicates a graph database change stream into a search cluster",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "poll the change stream continuously",
		RunE:  cmdRun,
	}
	cycleCmd = &cobra.Command{
		Use:   "cycle",
		Short: "run a single polling cycle",
		Long: "Runs one polling cycle and exits. A cycle request is read as JSON\n" +
			"from stdin (an empty stdin starts a fresh iteration) and the cycle\n" +
			"response is written to stdout, so an external scheduler can chain\n" +
			"invocations.",
		RunE: cmdCycle,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "create the search index and the lease record",
		RunE:  cmdSetup,
	}
	resetLeaseCmd = &cobra.Command{
		Use:   "reset-lease",
		Short: "delete all lease records, restarting replication from the trim horizon",
		RunE:  cmdResetLease,
	}

	runCfg Config
)

func init() {
	rootCmd.AddCommand(runCmd, cycleCmd, setupCmd, resetLeaseCmd)
	for _, cmd := range []*cobra.Command{runCmd, cycleCmd, setupCmd, resetLeaseCmd} {
		cmd.Flags().String("config", "", "path to a yaml configuration file")
		cfgstruct.Bind(cmd.Flags(), &runCfg)
	}

	// Bare environment variable names kept for compatibility with
	// deployments configured through the environment alone.
	for flagName, envName := range map[string]string{
		"region":                         "AWS_REGION",
		"log.level":                      "LoggingLevel",
		"lease.table":                    "LeaseTable",
		"stream.endpoint":                "NeptuneStreamEndpoint",
		"stream.iam-auth":                "IAMAuthEnabledOnSourceStream",
		"search.endpoint":                "ElasticSearchEndpoint",
		"search.shards":                  "NumberOfShards",
		"search.replicas":                "NumberOfReplica",
		"search.geo-fields":              "GeoLocationFields",
		"search.ignore-missing-document": "IgnoreMissingDocument",
		"transform.handler":              "StreamRecordsHandler",
		"transform.excluded-properties":  "PropertiesToExclude",
		"transform.excluded-datatypes":   "DatatypesToExclude",
		"transform.replication-scope":    "ReplicationScope",
		"transform.non-string-indexing":  "EnableNonStringIndexing",
		"poller.application":             "Application",
		"poller.batch-size":              "StreamRecordsBatchSize",
		"poller.max-polling-wait":        "MaxPollingWaitTime",
		"poller.max-polling-interval":    "MaxPollingInterval",
	} {
		process.BindEnv(flagName, envName)
	}

	// AdditionalParams is the original deployment's JSON blob of handler
	// settings. Its keys are the same bare names registered above, so
	// surfacing them as environment variables is enough; explicitly set
	// variables win over the blob.
	if raw := os.Getenv("AdditionalParams"); raw != "" {
		var params map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &params); err == nil {
			for name, value := range params {
				if os.Getenv(name) == "" {
					_ = os.Setenv(name, fmt.Sprint(value))
				}
			}
		}
	}
	if level := os.Getenv("LoggingLevel"); level != "" {
		_ = os.Setenv("LoggingLevel", strings.ToLower(level))
	}
}

func main() {
	process.Exec(rootCmd)
}

func cmdRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	service, err := newService(ctx, zap.L())
	if err != nil {
		return err
	}
	return service.Run(ctx)
}

func cmdCycle(cmd *cobra.Command, args []string) error {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	var request poller.CycleRequest
	decoder := json.NewDecoder(os.Stdin)
	if err := decoder.Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		return errs.New("malformed cycle request: %v", err)
	}

	service, err := newService(ctx, zap.L())
	if err != nil {
		return err
	}
	response, err := service.RunCycle(ctx, request)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	return errs.Wrap(encoder.Encode(response))
}

func cmdSetup(cmd *cobra.Command, args []string) error {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()
	log := zap.L()

	search, err := searchdb.NewClient(log.Named("searchdb"), runCfg.Search)
	if err != nil {
		return err
	}
	if err := search.Bootstrap(ctx); err != nil {
		return err
	}

	leases, err := newLeaseStore(ctx, log)
	if err != nil {
		return err
	}
	if err := leases.CreateIfAbsent(ctx, runCfg.Poller.Application); err != nil {
		return err
	}

	// Persist non-default settings so later invocations can run with
	// --config alone.
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return process.SaveConfig(cmd, path, nil)
	}
	return nil
}

func cmdResetLease(cmd *cobra.Command, args []string) error {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	leases, err := newLeaseStore(ctx, zap.L())
	if err != nil {
		return err
	}
	return leases.DeleteAll(ctx)
}

// loadAWSConfig resolves aws credentials, preferring explicitly
// configured static keys over the default credential chain.
func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if runCfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(runCfg.Region))
	}
	if runCfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				runCfg.AccessKeyID, runCfg.SecretAccessKey, runCfg.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errs.New("loading aws configuration: %v", err)
	}
	return awsCfg, nil
}

func newLeaseStore(ctx context.Context, log *zap.Logger) (lease.Store, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return lease.NewDB(log.Named("lease"), dynamodb.NewFromConfig(awsCfg), runCfg.Lease)
}

func newService(ctx context.Context, log *zap.Logger) (*poller.Service, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}

	leases, err := lease.NewDB(log.Named("lease"), dynamodb.NewFromConfig(awsCfg), runCfg.Lease)
	if err != nil {
		return nil, err
	}

	var signer *sigv4.Signer
	if runCfg.Stream.IAMAuth {
		signer = sigv4.New(awsCfg.Region, sigv4.AWSCredentials{Provider: awsCfg.Credentials})
	}
	reader, err := stream.NewReader(log.Named("stream"), runCfg.Stream, signer)
	if err != nil {
		return nil, err
	}

	search, err := searchdb.NewClient(log.Named("searchdb"), runCfg.Search)
	if err != nil {
		return nil, err
	}
	if err := search.Bootstrap(ctx); err != nil {
		return nil, err
	}

	transformer, err := transform.New(log.Named("transform"), runCfg.Transform,
		runCfg.Search.IgnoreMissingDocument)
	if err != nil {
		return nil, err
	}

	aggregator, err := aggregate.New(runCfg.Aggregate)
	if err != nil {
		return nil, err
	}

	var sink metrics.Sink = metrics.Noop{}
	if runCfg.Metrics.Enabled {
		sink = metrics.NewCloudWatch(log.Named("metrics"), cloudwatch.NewFromConfig(awsCfg),
			runCfg.Poller.Application, runCfg.Stream.Endpoint)
	}

	service, err := poller.New(log.Named("poller"), runCfg.Poller, leases,
		reader, transformer, aggregator, search, sink)
	if err != nil {
		return nil, err
	}
	return service, nil
}
