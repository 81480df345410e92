// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package stream reads change records from the graph database's
// change-data-capture endpoint.
//
// The stream is single sharded and totally ordered by (commitNum,
// opNum). Records carry either a property-graph payload or an RDF
// n-quad statement, depending on the query language of the source
// cluster.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default stream errs class.
	Error = errs.Class("stream")

	// ErrEndOfStream is returned when the cursor points past the last
	// record on the stream. Polling continues after a wait.
	ErrEndOfStream = errs.Class("end of stream")

	// ErrBackwards is returned when the stream produces a commit number
	// lower than the position already read.
	ErrBackwards = errs.Class("stream moved backwards")

	mon = monkit.Package()
)

// Operations of a change record.
const (
	OpAdd    = "ADD"
	OpRemove = "REMOVE"
)

// Property-graph record types.
const (
	TypeVertexLabel    = "vl"
	TypeVertexProperty = "vp"
	TypeEdge           = "e"
	TypeEdgeProperty   = "ep"
)

// EventID orders records across the stream. Multiple records may share
// a commit number; opNum disambiguates them.
type EventID struct {
	CommitNum int64 `json:"commitNum"`
	OpNum     int64 `json:"opNum"`
}

// ChangeRecord is one event from the source stream. Data stays raw
// until a transformer decodes it for the configured query language.
type ChangeRecord struct {
	EventID           EventID         `json:"eventId"`
	Op                string          `json:"op"`
	CommitTimestampMs int64           `json:"commitTimestamp"`
	Data              json.RawMessage `json:"data"`
	IsLastOp          string          `json:"isLastOp,omitempty"`
}

// PropertyValue is a typed property-graph value.
type PropertyValue struct {
	Value    interface{} `json:"value"`
	DataType string      `json:"dataType"`
}

// PropertyData is the payload of a property-graph change record.
// Type is one of vl, vp, e, ep.
type PropertyData struct {
	ID    string        `json:"id"`
	Type  string        `json:"type"`
	Key   string        `json:"key"`
	Value PropertyValue `json:"value"`
	From  string        `json:"from,omitempty"`
	To    string        `json:"to,omitempty"`
}

// SparqlData is the payload of an RDF change record: a single n-quad
// line.
type SparqlData struct {
	Statement string `json:"stmt"`
}

// Batch is one successful stream read.
type Batch struct {
	LastEventID        EventID        `json:"lastEventId"`
	LastTrxTimestampMs int64          `json:"lastTrxTimestamp"`
	Records            []ChangeRecord `json:"records"`
	TotalRecords       int            `json:"totalRecords"`
}

// GapError reports the first commit number missing from a stream
// response.
type GapError struct {
	MissingCommit int64
}

// Error implements error.
func (e *GapError) Error() string {
	return fmt.Sprintf("missing commit %d in stream", e.MissingCommit)
}

// checkGaps walks records in order and fails on the first missing
// commit. startingCommit is -1 when reading from the trim horizon, in
// which case the first record seeds the walk. Consecutive records may
// share a commit number but must never skip one.
func checkGaps(records []ChangeRecord, startingCommit int64) error {
	prev := startingCommit
	for _, record := range records {
		curr := record.EventID.CommitNum
		if prev == -1 {
			prev = curr
			continue
		}
		if curr-prev > 1 {
			return Error.Wrap(&GapError{MissingCommit: prev + 1})
		}
		if curr < prev {
			return ErrBackwards.New("commit %d after commit %d", curr, prev)
		}
		prev = curr
	}
	return nil
}
