// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package transform turns change records into search index actions.
//
// A transformer understands one query language. It filters the raw
// records of a stream batch against the configuration and the index's
// field mappings, and the surviving records are aggregated and turned
// into scripted bulk actions.
package transform

import (
	"context"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/graphrelay/aggregate"
	"storj.io/graphrelay/searchdb"
	"storj.io/graphrelay/stream"
)

var (
	// Error is the default transform errs class.
	Error = errs.Class("transform")

	mon = monkit.Package()
)

// Handler names.
const (
	HandlerGremlin = "gremlin"
	HandlerSparql  = "sparql"
)

// Config holds configuration for record transformation.
type Config struct {
	Handler            string `help:"record handler (gremlin, sparql)" default:"gremlin"`
	ExcludedProperties string `help:"comma separated property names not to replicate" default:""`
	ExcludedDatatypes  string `help:"comma separated source datatypes not to replicate" default:""`
	ReplicationScope   string `help:"entities to replicate (all, nodes)" default:"all"`
	NonStringIndexing  bool   `help:"index non-string values with native index types" default:"true"`
}

// Transformer filters stream records for one query language and knows
// which operations need an upsert document.
type Transformer interface {
	// Language is the query language the transformer handles.
	Language() string

	// Filter drops records that must not reach the index and resolves
	// the index datatype for the rest, creating field mappings through
	// the registry as needed.
	Filter(ctx context.Context, records []stream.ChangeRecord, registry *searchdb.Registry) ([]aggregate.Record, error)

	// UpsertRequired reports whether actions for the operation tag
	// carry an upsert document.
	UpsertRequired(opTag string) bool
}

// Record extends an aggregatable record with what action assembly
// needs.
type Record interface {
	aggregate.Record

	// EntityID is the graph-side id of the document's entity.
	EntityID() string

	// DocumentClass is the document_type of the entity's document.
	DocumentClass() string

	// FieldKey is the document field the record writes.
	FieldKey() string

	// FieldValue is the value written under FieldKey.
	FieldValue() interface{}
}

// New creates the transformer for the configured handler.
func New(log *zap.Logger, config Config, ignoreMissingDocument bool) (Transformer, error) {
	switch config.Handler {
	case HandlerGremlin:
		return NewGremlin(log, config, ignoreMissingDocument), nil
	case HandlerSparql:
		return NewSparql(log, config), nil
	default:
		return nil, Error.New("unknown handler %q", config.Handler)
	}
}

// Actions converts aggregated runs into bulk actions. Each run becomes
// one action per QuerySize chunk, and ADD actions get an upsert
// document when the transformer requires one for the operation.
func Actions(transformer Transformer, m *aggregate.Map) ([]searchdb.Action, error) {
	var actions []searchdb.Action
	for _, entry := range m.Entries() {
		for _, run := range entry.Runs {
			op := searchdb.OpRemove
			if strings.HasPrefix(run.Op, stream.OpAdd) {
				op = searchdb.OpAdd
			}
			for _, chunk := range aggregate.Split(run.Records, aggregate.QuerySize) {
				action, err := buildAction(transformer, run.Op, op, chunk)
				if err != nil {
					return nil, err
				}
				actions = append(actions, action)
			}
		}
	}
	return actions, nil
}

func buildAction(transformer Transformer, opTag, op string, chunk []aggregate.Record) (searchdb.Action, error) {
	first, ok := chunk[0].(Record)
	if !ok {
		return searchdb.Action{}, Error.New("unexpected record type %T", chunk[0])
	}

	action := searchdb.Action{
		DocumentID: first.DocumentID(),
		Op:         op,
	}
	if op == searchdb.OpAdd && transformer.UpsertRequired(opTag) {
		action.Upsert = searchdb.NewDocument(first.EntityID(), first.DocumentClass())
	}

	for _, rec := range chunk {
		record, ok := rec.(Record)
		if !ok {
			return searchdb.Action{}, Error.New("unexpected record type %T", rec)
		}
		key, value := record.FieldKey(), record.FieldValue()
		action.Predicates = append(action.Predicates, searchdb.Predicate{Key: key, Value: value})
		if action.Upsert != nil {
			action.Upsert.AddField(key, value)
		}
	}
	return action, nil
}

// Source datatypes each language can produce; configured exclusions
// outside these sets are ignored.
var (
	gremlinSourceTypes = makeSet(
		"string", "date", "bool", "byte", "short", "int", "long", "float", "double")
	sparqlSourceTypes = makeSet(
		"string", "boolean", "float", "double", "datetime", "byte", "int", "long",
		"short", "date", "decimal", "integer", "nonnegativeinteger",
		"nonpositiveinteger", "negativeinteger", "unsignedbyte", "unsignedint",
		"unsignedlong", "unsignedshort", "time")
)

func makeSet(items ...string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

func excludedProperties(config Config) map[string]bool {
	set := map[string]bool{}
	for _, name := range strings.Split(config.ExcludedProperties, ",") {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = true
		}
	}
	return set
}

func excludedDatatypes(config Config, valid map[string]bool) map[string]bool {
	set := map[string]bool{}
	for _, name := range strings.Split(config.ExcludedDatatypes, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if valid[name] {
			set[name] = true
		}
	}
	return set
}
