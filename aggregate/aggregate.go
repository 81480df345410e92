// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package aggregate groups transformed change records into per-document
// runs so that each document needs at most one bulk action per run.
//
// Records are grouped under an aggregation key and, within a key, split
// into runs of consecutive records that share an operation tag. Runs
// preserve stream order, so replaying them against the search index is
// equivalent to applying the records one by one.
package aggregate

import (
	"fmt"

	"github.com/zeebo/errs"
)

// Error is the default aggregate errs class.
var Error = errs.Class("aggregate")

// Aggregation modes.
const (
	// ModeDefault scopes the aggregation key to a single commit, so
	// records of one document in different commits stay in different
	// entries.
	ModeDefault = "default"

	// ModeOptimized keys on the document alone, collapsing a document's
	// records across commits into longer runs.
	ModeOptimized = "optimized"
)

// QuerySize caps how many records one bulk action may carry. Runs longer
// than this are split into consecutive sub-runs.
const QuerySize = 50

// Config holds configuration for the aggregator.
type Config struct {
	Mode string `help:"aggregation mode (default, optimized)" default:"default"`
}

// Record is a transformed change record ready for aggregation.
type Record interface {
	// DocumentID identifies the search document the record applies to.
	DocumentID() string

	// OperationTag distinguishes operations that cannot share a run.
	OperationTag() string

	// CommitNum is the stream commit the record came from.
	CommitNum() int64
}

// Run is a maximal sequence of consecutive records of one entry sharing
// an operation tag.
type Run struct {
	Op      string
	Records []Record
}

// Entry collects the runs of one aggregation key in arrival order.
type Entry struct {
	Key  string
	Runs []Run
}

// Map holds entries in first-touch order.
type Map struct {
	order   []string
	entries map[string]int
	items   []Entry
}

// NewMap creates an empty Map.
func NewMap() *Map {
	return &Map{entries: make(map[string]int)}
}

// Add appends record to the entry for key, extending the last run when
// the operation tag matches and starting a new run otherwise.
func (m *Map) Add(key string, record Record) {
	index, ok := m.entries[key]
	if !ok {
		index = len(m.items)
		m.entries[key] = index
		m.order = append(m.order, key)
		m.items = append(m.items, Entry{Key: key})
	}

	entry := &m.items[index]
	op := record.OperationTag()
	if n := len(entry.Runs); n > 0 && entry.Runs[n-1].Op == op {
		entry.Runs[n-1].Records = append(entry.Runs[n-1].Records, record)
		return
	}
	entry.Runs = append(entry.Runs, Run{Op: op, Records: []Record{record}})
}

// Entries returns the entries in first-touch order.
func (m *Map) Entries() []Entry {
	return m.items
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return len(m.items)
}

// Aggregator groups records by the configured key mode.
type Aggregator struct {
	mode string
}

// New creates an Aggregator, validating the mode.
func New(config Config) (*Aggregator, error) {
	switch config.Mode {
	case ModeDefault, ModeOptimized:
	default:
		return nil, Error.New("unknown aggregation mode %q", config.Mode)
	}
	return &Aggregator{mode: config.Mode}, nil
}

// Aggregate groups records into per-key runs, preserving stream order.
func (agg *Aggregator) Aggregate(records []Record) *Map {
	m := NewMap()
	for _, record := range records {
		m.Add(agg.key(record), record)
	}
	return m
}

func (agg *Aggregator) key(record Record) string {
	if agg.mode == ModeOptimized {
		return record.DocumentID()
	}
	return fmt.Sprintf("%d_%s", record.CommitNum(), record.DocumentID())
}

// Split breaks records into consecutive chunks of at most size records.
func Split(records []Record, size int) [][]Record {
	if size <= 0 || len(records) == 0 {
		return nil
	}
	chunks := make([][]Record, 0, (len(records)+size-1)/size)
	for len(records) > size {
		chunks = append(chunks, records[:size])
		records = records[size:]
	}
	return append(chunks, records)
}
