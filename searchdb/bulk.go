// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package searchdb

import (
	"context"
	"time"

	"github.com/olivere/elastic/v7"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// ErrBulkPartial is returned when a bulk request leaves failed items
// behind that cannot be ignored.
var ErrBulkPartial = errs.Class("bulk update partially failed")

// Operations an Action can perform.
const (
	OpAdd    = "ADD"
	OpRemove = "REMOVE"
)

const (
	bulkChunkSize   = 2000
	bulkMaxAttempts = 5
	bulkBaseBackoff = time.Second
)

// Predicate is one key/value pair handed to the update scripts.
type Predicate struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// Action is one scripted update against a single document. Upsert, when
// set, inserts the document if none exists to update.
type Action struct {
	DocumentID string
	Op         string
	Predicates []Predicate
	Upsert     *Document
}

// Execute applies actions through the bulk API in chunks. Transport
// errors retry with exponential backoff. When the client is configured
// to ignore missing documents, failures that are all missing-document
// 404s are swallowed; any other failure aborts the cycle so the commit
// position is not advanced past unapplied changes.
func (client *Client) Execute(ctx context.Context, actions []Action) (err error) {
	defer mon.Task()(&ctx)(&err)

	for len(actions) > 0 {
		chunk := actions
		if len(chunk) > bulkChunkSize {
			chunk = chunk[:bulkChunkSize]
		}
		actions = actions[len(chunk):]

		if err := client.executeChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (client *Client) executeChunk(ctx context.Context, chunk []Action) error {
	bulk := client.es.Bulk()
	for _, action := range chunk {
		bulk.Add(bulkRequest(action))
	}

	var resp *elastic.BulkResponse
	backoff := bulkBaseBackoff
	for attempt := 1; ; attempt++ {
		var err error
		resp, err = bulk.Do(ctx)
		if err == nil {
			break
		}
		if attempt >= bulkMaxAttempts {
			return Error.New("bulk request failed after %d attempts: %w", attempt, err)
		}
		client.log.Warn("bulk request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return Error.Wrap(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	failed := resp.Failed()
	if len(failed) == 0 {
		client.log.Debug("bulk update complete", zap.Int("actions", len(chunk)))
		return nil
	}

	if client.config.IgnoreMissingDocument && allMissingDocument(failed) {
		client.log.Info("ignored updates against missing documents",
			zap.Int("ignored", len(failed)),
			zap.Int("succeeded", len(chunk)-len(failed)))
		return nil
	}

	first := failed[0]
	return ErrBulkPartial.New("%d of %d actions failed, first: id=%s status=%d type=%s",
		len(failed), len(chunk), first.Id, first.Status, failureType(first))
}

// bulkRequest builds the scripted update for one action.
func bulkRequest(action Action) *elastic.BulkUpdateRequest {
	source := dropFieldScript
	if action.Op == OpAdd {
		source = addFieldScript
	}
	script := elastic.NewScript(source).
		Lang("painless").
		Param("predicates", action.Predicates)

	request := elastic.NewBulkUpdateRequest().
		Index(Index).
		Id(action.DocumentID).
		Script(script)
	if action.Upsert != nil {
		request = request.Upsert(action.Upsert)
	}
	return request
}

// allMissingDocument reports whether every failed item is an update
// against a document that does not exist.
func allMissingDocument(failed []*elastic.BulkResponseItem) bool {
	for _, item := range failed {
		if item.Status != 404 || failureType(item) != "document_missing_exception" {
			return false
		}
	}
	return true
}

func failureType(item *elastic.BulkResponseItem) string {
	if item.Error == nil {
		return ""
	}
	return item.Error.Type
}
