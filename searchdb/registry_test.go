// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package searchdb_test

import (
	"context"
	"testing"

	"github.com/olivere/elastic/v7"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/graphrelay/internal/testcontext"
	"storj.io/graphrelay/searchdb"
)

type fakeMappingAPI struct {
	mapping map[string]interface{}
	putErr  error
	puts    []map[string]interface{}
}

func (fake *fakeMappingAPI) GetMapping(ctx context.Context) (map[string]interface{}, error) {
	return fake.mapping, nil
}

func (fake *fakeMappingAPI) PutMapping(ctx context.Context, body map[string]interface{}) error {
	if fake.putErr != nil {
		return fake.putErr
	}
	fake.puts = append(fake.puts, body)
	return nil
}

func mappingWith(fields map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		searchdb.Index: map[string]interface{}{
			"mappings": map[string]interface{}{
				"properties": map[string]interface{}{
					"predicates": map[string]interface{}{
						"properties": fields,
					},
				},
			},
		},
	}
}

func fieldMapping(fieldType string) map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"value": map[string]interface{}{
				"type": fieldType,
			},
		},
	}
}

func TestRegistryTypeFor(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMappingAPI{mapping: mappingWith(map[string]interface{}{
		"age":  fieldMapping("long"),
		"name": fieldMapping("text"),
	})}
	registry, err := searchdb.NewRegistry(ctx, zaptest.NewLogger(t), fake)
	require.NoError(t, err)

	fieldType, ok := registry.TypeFor("age")
	require.True(t, ok)
	require.Equal(t, "long", fieldType)

	fieldType, ok = registry.TypeFor("name")
	require.True(t, ok)
	require.Equal(t, "text", fieldType)

	_, ok = registry.TypeFor("missing")
	require.False(t, ok)
}

func TestRegistryTypeForDottedKey(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// A dot in the field name nests the mapping one level per token.
	fake := &fakeMappingAPI{mapping: mappingWith(map[string]interface{}{
		"address": map[string]interface{}{
			"properties": map[string]interface{}{
				"city": fieldMapping("text"),
			},
		},
		"literal.key": fieldMapping("long"),
	})}
	registry, err := searchdb.NewRegistry(ctx, zaptest.NewLogger(t), fake)
	require.NoError(t, err)

	fieldType, ok := registry.TypeFor("address.city")
	require.True(t, ok)
	require.Equal(t, "text", fieldType)

	// Falls back to the literal key when the token walk finds nothing.
	fieldType, ok = registry.TypeFor("literal.key")
	require.True(t, ok)
	require.Equal(t, "long", fieldType)
}

func TestRegistryCreateMirrorsLocally(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMappingAPI{mapping: map[string]interface{}{}}
	registry, err := searchdb.NewRegistry(ctx, zaptest.NewLogger(t), fake)
	require.NoError(t, err)

	esType, err := registry.Create(ctx, "age", "int")
	require.NoError(t, err)
	require.Equal(t, searchdb.TypeLong, esType)
	require.Len(t, fake.puts, 1)

	// The new mapping is visible without a refetch.
	fieldType, ok := registry.TypeFor("age")
	require.True(t, ok)
	require.Equal(t, "long", fieldType)

	// String fields are mirrored as text with a keyword sub-field.
	esType, err = registry.Create(ctx, "name", "string")
	require.NoError(t, err)
	require.Equal(t, searchdb.TypeString, esType)

	fieldType, ok = registry.TypeFor("name")
	require.True(t, ok)
	require.Equal(t, "text", fieldType)
}

func TestRegistryCreateConflict(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMappingAPI{
		mapping: map[string]interface{}{},
		putErr: &elastic.Error{
			Status:  400,
			Details: &elastic.ErrorDetails{Type: "illegal_argument_exception"},
		},
	}
	registry, err := searchdb.NewRegistry(ctx, zaptest.NewLogger(t), fake)
	require.NoError(t, err)

	_, err = registry.Create(ctx, "age", "int")
	require.ErrorIs(t, err, searchdb.ErrMappingConflict)
}

func TestRegistryEnsureGeoPoints(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMappingAPI{mapping: mappingWith(map[string]interface{}{
		"location": fieldMapping("geo_point"),
	})}
	registry, err := searchdb.NewRegistry(ctx, zaptest.NewLogger(t), fake)
	require.NoError(t, err)

	require.NoError(t, registry.EnsureGeoPoints(ctx, []string{"location", "origin", " "}))

	// Only the unmapped field produced a put.
	require.Len(t, fake.puts, 1)
	fieldType, ok := registry.TypeFor("origin")
	require.True(t, ok)
	require.Equal(t, "geo_point", fieldType)
}
