// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package transform_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/graphrelay/internal/testcontext"
	"storj.io/graphrelay/searchdb"
	"storj.io/graphrelay/stream"
	"storj.io/graphrelay/transform"
)

func statementRecord(t *testing.T, commit int64, op, stmt string) stream.ChangeRecord {
	raw, err := json.Marshal(map[string]string{"stmt": stmt})
	require.NoError(t, err)
	return stream.ChangeRecord{
		EventID: stream.EventID{CommitNum: commit, OpNum: 1},
		Op:      op,
		Data:    raw,
	}
}

func newSparql(t *testing.T, config transform.Config) transform.Transformer {
	config.Handler = transform.HandlerSparql
	tr, err := transform.New(zaptest.NewLogger(t), config, true)
	require.NoError(t, err)
	require.Equal(t, stream.LanguageSparql, tr.Language())
	return tr
}

func TestSparqlTypeAndLiteral(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tr := newSparql(t, transform.Config{NonStringIndexing: true})
	registry := emptyRegistry(t, ctx)

	records, err := tr.Filter(ctx, []stream.ChangeRecord{
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://www.w3.org/1999/02/22-rdf-syntax-ns#type> <http://example.org/Person> .`),
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/name> "Alice" .`),
	}, registry)
	require.NoError(t, err)
	require.Len(t, records, 2)

	actions := actionsFor(t, tr, records)
	// Same subject, same operation: one aggregated action.
	require.Len(t, actions, 1)

	action := actions[0]
	require.Equal(t, searchdb.ResourceDocumentID("http://example.org/alice"), action.DocumentID)
	require.Equal(t, searchdb.OpAdd, action.Op)

	require.Equal(t, searchdb.Predicate{
		Key: searchdb.FieldEntityType, Value: "http://example.org/Person",
	}, action.Predicates[0])
	require.Equal(t, searchdb.Predicate{
		Key: "http://example.org/name", Value: searchdb.ValueObject{Value: "Alice"},
	}, action.Predicates[1])

	require.NotNil(t, action.Upsert)
	require.Equal(t, "http://example.org/alice", action.Upsert.EntityID)
	require.Equal(t, searchdb.DocResource, action.Upsert.DocumentType)
	require.Equal(t, []interface{}{"http://example.org/Person"}, action.Upsert.EntityType)
}

func TestSparqlBlankSubjectDropped(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tr := newSparql(t, transform.Config{NonStringIndexing: true})
	records, err := tr.Filter(ctx, []stream.ChangeRecord{
		statementRecord(t, 1, stream.OpAdd,
			`_:b0 <http://example.org/name> "Alice" .`),
	}, emptyRegistry(t, ctx))
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSparqlNonLiteralObjectDropped(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tr := newSparql(t, transform.Config{NonStringIndexing: true})
	records, err := tr.Filter(ctx, []stream.ChangeRecord{
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/knows> <http://example.org/bob> .`),
	}, emptyRegistry(t, ctx))
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSparqlTypedLiteral(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tr := newSparql(t, transform.Config{NonStringIndexing: true})
	registry := emptyRegistry(t, ctx)

	records, err := tr.Filter(ctx, []stream.ChangeRecord{
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/age> "30"^^<http://www.w3.org/2001/XMLSchema#int> .`),
	}, registry)
	require.NoError(t, err)
	require.Len(t, records, 1)

	value := records[0].(transform.Record).FieldValue().(searchdb.ValueObject)
	require.Equal(t, int64(30), value.Value)
	require.Equal(t, "http://www.w3.org/2001/XMLSchema#int", value.Datatype)

	// The created mapping is visible for the rest of the batch.
	fieldType, ok := registry.TypeFor("http://example.org/age")
	require.True(t, ok)
	require.Equal(t, searchdb.TypeLong, fieldType)
}

func TestSparqlInvalidValueForDeclaredType(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tr := newSparql(t, transform.Config{NonStringIndexing: true})
	records, err := tr.Filter(ctx, []stream.ChangeRecord{
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/age> "abc"^^<http://www.w3.org/2001/XMLSchema#int> .`),
	}, emptyRegistry(t, ctx))
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSparqlLanguageTags(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tr := newSparql(t, transform.Config{NonStringIndexing: true})
	registry := emptyRegistry(t, ctx)

	records, err := tr.Filter(ctx, []stream.ChangeRecord{
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/name> "Alice"@en-US .`),
	}, registry)
	require.NoError(t, err)
	require.Len(t, records, 1)

	value := records[0].(transform.Record).FieldValue().(searchdb.ValueObject)
	require.Equal(t, "Alice", value.Value)
	require.Equal(t, "en-US", value.Language)
	require.Empty(t, value.Datatype)
}

func TestSparqlNonFiniteFloatDropped(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tr := newSparql(t, transform.Config{NonStringIndexing: true})
	records, err := tr.Filter(ctx, []stream.ChangeRecord{
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/score> "INF"^^<http://www.w3.org/2001/XMLSchema#double> .`),
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/score> "NaN"^^<http://www.w3.org/2001/XMLSchema#double> .`),
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/score> "1.5"^^<http://www.w3.org/2001/XMLSchema#double> .`),
	}, emptyRegistry(t, ctx))
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestSparqlNamedGraph(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tr := newSparql(t, transform.Config{NonStringIndexing: true})
	records, err := tr.Filter(ctx, []stream.ChangeRecord{
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/name> "Alice" <http://example.org/g1> .`),
	}, emptyRegistry(t, ctx))
	require.NoError(t, err)
	require.Len(t, records, 1)

	value := records[0].(transform.Record).FieldValue().(searchdb.ValueObject)
	require.Equal(t, "http://example.org/g1", value.Graph)
}

func TestSparqlExcludedPredicateAndDatatype(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tr := newSparql(t, transform.Config{
		NonStringIndexing:  true,
		ExcludedProperties: "http://example.org/secret",
		ExcludedDatatypes:  "decimal",
	})
	records, err := tr.Filter(ctx, []stream.ChangeRecord{
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/secret> "hidden" .`),
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/price> "1.5"^^<http://www.w3.org/2001/XMLSchema#decimal> .`),
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/name> "Alice" .`),
	}, emptyRegistry(t, ctx))
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestSparqlStringOnly(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tr := newSparql(t, transform.Config{NonStringIndexing: false})
	records, err := tr.Filter(ctx, []stream.ChangeRecord{
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/age> "30"^^<http://www.w3.org/2001/XMLSchema#int> .`),
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/name> "Alice"@en .`),
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://www.w3.org/1999/02/22-rdf-syntax-ns#type> <http://example.org/Person> .`),
	}, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)

	value := records[0].(transform.Record).FieldValue().(searchdb.ValueObject)
	require.Equal(t, "Alice", value.Value)
	require.Equal(t, "en", value.Language)
	require.Empty(t, value.Datatype)
}

func TestSparqlRemoveRunsSeparately(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tr := newSparql(t, transform.Config{NonStringIndexing: true})
	registry := emptyRegistry(t, ctx)

	records, err := tr.Filter(ctx, []stream.ChangeRecord{
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/name> "Alice" .`),
		statementRecord(t, 1, stream.OpRemove,
			`<http://example.org/alice> <http://example.org/name> "Ally" .`),
		statementRecord(t, 1, stream.OpAdd,
			`<http://example.org/alice> <http://example.org/name> "Al" .`),
	}, registry)
	require.NoError(t, err)

	actions := actionsFor(t, tr, records)
	// Interleaved operations preserve order as separate actions.
	require.Len(t, actions, 3)
	require.Equal(t, searchdb.OpAdd, actions[0].Op)
	require.Equal(t, searchdb.OpRemove, actions[1].Op)
	require.Equal(t, searchdb.OpAdd, actions[2].Op)
	require.Nil(t, actions[1].Upsert)
}
