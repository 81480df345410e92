// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package lease

import (
	"context"
	"errors"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Attribute names of the lease record. The checkpoint pair is stored as
// strings, the timestamp as a number, matching the layout existing
// deployments already have.
const (
	attrLeaseKey       = "leaseKey"
	attrLeaseOwner     = "leaseOwner"
	attrCheckpoint     = "checkpoint"
	attrSubSequence    = "checkpointSubSequenceNumber"
	attrLastUpdateTime = "lastUpdateTime"
)

// DB implements Store on a DynamoDB table with a single record per
// application.
type DB struct {
	log    *zap.Logger
	client *dynamodb.Client
	table  string
	clock  clock.PassiveClock
}

var _ Store = (*DB)(nil)

// NewDB creates a lease store backed by the configured DynamoDB table.
func NewDB(log *zap.Logger, client *dynamodb.Client, config Config) (*DB, error) {
	if config.Table == "" {
		return nil, Error.New("lease table is not configured")
	}
	return &DB{
		log:    log,
		client: client,
		table:  config.Table,
		clock:  clock.RealClock{},
	}, nil
}

// TestSwapClock replaces the clock used for lease timestamps.
func (db *DB) TestSwapClock(clk clock.PassiveClock) {
	db.clock = clk
}

func (db *DB) nowMs() int64 {
	return db.clock.Now().UnixMilli()
}

// CreateIfAbsent implements Store.
func (db *DB) CreateIfAbsent(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(db.table),
		Item: map[string]types.AttributeValue{
			attrLeaseKey:       &types.AttributeValueMemberS{Value: key},
			attrLeaseOwner:     &types.AttributeValueMemberS{Value: Nobody},
			attrCheckpoint:     &types.AttributeValueMemberS{Value: "0"},
			attrSubSequence:    &types.AttributeValueMemberS{Value: "0"},
			attrLastUpdateTime: &types.AttributeValueMemberN{Value: strconv.FormatInt(db.nowMs(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(" + attrLeaseKey + ")"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			db.log.Debug("lease already exists", zap.String("leaseKey", key))
			return nil
		}
		return Error.Wrap(err)
	}
	db.log.Info("created lease", zap.String("leaseKey", key))
	return nil
}

// Get implements Store.
func (db *DB) Get(ctx context.Context, key string) (_ Lease, err error) {
	defer mon.Task()(&ctx)(&err)

	out, err := db.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(db.table),
		Key: map[string]types.AttributeValue{
			attrLeaseKey: &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Lease{}, Error.Wrap(err)
	}
	if len(out.Item) == 0 {
		return Lease{}, ErrNotFound.New("%q", key)
	}
	return itemToLease(out.Item)
}

// Take implements Store.
func (db *DB) Take(ctx context.Context, key, owner string) (_ Lease, err error) {
	defer mon.Task()(&ctx)(&err)

	out, err := db.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(db.table),
		Key: map[string]types.AttributeValue{
			attrLeaseKey: &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression:    aws.String("SET " + attrLeaseOwner + " = :owner, " + attrLastUpdateTime + " = :now"),
		ConditionExpression: aws.String(attrLeaseOwner + " = :nobody"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner":  &types.AttributeValueMemberS{Value: owner},
			":now":    &types.AttributeValueMemberN{Value: strconv.FormatInt(db.nowMs(), 10)},
			":nobody": &types.AttributeValueMemberS{Value: Nobody},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return Lease{}, ErrLeaseBusy.New("%q is already held", key)
		}
		return Lease{}, Error.Wrap(err)
	}
	db.log.Debug("took lease", zap.String("leaseKey", key), zap.String("owner", owner))
	return itemToLease(out.Attributes)
}

// Advance implements Store.
func (db *DB) Advance(ctx context.Context, key, owner string, checkpoint, subSequence int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(db.table),
		Key: map[string]types.AttributeValue{
			attrLeaseKey: &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression: aws.String("SET " + attrCheckpoint + " = :checkpoint, " +
			attrSubSequence + " = :subSequence, " + attrLastUpdateTime + " = :now"),
		ConditionExpression: aws.String(attrLeaseOwner + " = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner":       &types.AttributeValueMemberS{Value: owner},
			":checkpoint":  &types.AttributeValueMemberS{Value: strconv.FormatInt(checkpoint, 10)},
			":subSequence": &types.AttributeValueMemberS{Value: strconv.FormatInt(subSequence, 10)},
			":now":         &types.AttributeValueMemberN{Value: strconv.FormatInt(db.nowMs(), 10)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrLeaseStolen.New("%q is no longer held by %q", key, owner)
		}
		return Error.Wrap(err)
	}
	return nil
}

// Evict implements Store.
func (db *DB) Evict(ctx context.Context, key, owner string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(db.table),
		Key: map[string]types.AttributeValue{
			attrLeaseKey: &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression:    aws.String("SET " + attrLeaseOwner + " = :nobody, " + attrLastUpdateTime + " = :now"),
		ConditionExpression: aws.String(attrLeaseOwner + " = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":nobody": &types.AttributeValueMemberS{Value: Nobody},
			":now":    &types.AttributeValueMemberN{Value: strconv.FormatInt(db.nowMs(), 10)},
			":owner":  &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			db.log.Warn("lease already reclaimed",
				zap.String("leaseKey", key), zap.String("owner", owner))
			return nil
		}
		return Error.Wrap(err)
	}
	db.log.Debug("evicted lease", zap.String("leaseKey", key), zap.String("owner", owner))
	return nil
}

// DeleteAll implements Store.
func (db *DB) DeleteAll(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var startKey map[string]types.AttributeValue
	for {
		out, err := db.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(db.table),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return Error.Wrap(err)
		}
		for _, item := range out.Items {
			_, err := db.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(db.table),
				Key: map[string]types.AttributeValue{
					attrLeaseKey: item[attrLeaseKey],
				},
			})
			if err != nil {
				return Error.Wrap(err)
			}
		}
		if out.LastEvaluatedKey == nil {
			return nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func isConditionalCheckFailed(err error) bool {
	var conditional *types.ConditionalCheckFailedException
	return errors.As(err, &conditional)
}

func itemToLease(item map[string]types.AttributeValue) (Lease, error) {
	lease := Lease{
		Key:   stringAttr(item[attrLeaseKey]),
		Owner: stringAttr(item[attrLeaseOwner]),
	}

	var err error
	lease.Checkpoint, err = strconv.ParseInt(stringAttr(item[attrCheckpoint]), 10, 64)
	if err != nil {
		return Lease{}, Error.New("malformed checkpoint: %w", err)
	}
	lease.SubSequence, err = strconv.ParseInt(stringAttr(item[attrSubSequence]), 10, 64)
	if err != nil {
		return Lease{}, Error.New("malformed sub-sequence number: %w", err)
	}
	if num, ok := item[attrLastUpdateTime].(*types.AttributeValueMemberN); ok {
		lease.LastUpdateMs, err = strconv.ParseInt(num.Value, 10, 64)
		if err != nil {
			return Lease{}, Error.New("malformed update time: %w", err)
		}
	}
	return lease, nil
}

func stringAttr(value types.AttributeValue) string {
	if s, ok := value.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}
