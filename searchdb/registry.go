// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package searchdb

import (
	"context"
	"errors"
	"strings"

	"github.com/olivere/elastic/v7"
	"go.uber.org/zap"
)

// ErrMappingConflict is returned when another writer concurrently
// created a mapping for the same field with a different type.
var ErrMappingConflict = Error.New("conflicting field mapping already exists")

// MappingAPI is the slice of the search cluster API the registry needs.
type MappingAPI interface {
	GetMapping(ctx context.Context) (map[string]interface{}, error)
	PutMapping(ctx context.Context, body map[string]interface{}) error
}

// Registry tracks the index's field type mappings. It works off a
// snapshot fetched once per polling cycle and mirrors new mappings
// locally, so a cycle does at most one mapping fetch plus one put per
// new field.
type Registry struct {
	log      *zap.Logger
	api      MappingAPI
	snapshot map[string]interface{}
}

// NewRegistry fetches the current index mappings and returns a registry
// over them.
func NewRegistry(ctx context.Context, log *zap.Logger, api MappingAPI) (_ *Registry, err error) {
	defer mon.Task()(&ctx)(&err)

	registry := &Registry{log: log, api: api}
	if err := registry.Refresh(ctx); err != nil {
		return nil, err
	}
	return registry, nil
}

// Refresh replaces the snapshot with the cluster's current mappings.
func (registry *Registry) Refresh(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	snapshot, err := registry.api.GetMapping(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	registry.snapshot = snapshot
	return nil
}

// TypeFor returns the index datatype mapped for the field, or false
// when the field has no mapping yet.
func (registry *Registry) TypeFor(key string) (string, bool) {
	predicates, ok := registry.predicateProperties()
	if !ok {
		return "", false
	}

	// Dots in a field name produce a nested mapping, so descend token
	// by token first and fall back to the literal key.
	if fieldType, ok := nestedValueType(predicates, strings.Split(key, ".")); ok {
		return fieldType, true
	}
	return nestedValueType(predicates, []string{key})
}

// Create registers a mapping for the field derived from the source
// datatype, both in the cluster and in the local snapshot. Returns
// ErrMappingConflict when a conflicting mapping beat us to it.
func (registry *Registry) Create(ctx context.Context, key, sourceType string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	esType := TypeForSource(sourceType)
	body := map[string]interface{}{
		"properties": map[string]interface{}{
			FieldPredicates: map[string]interface{}{
				"properties": map[string]interface{}{
					key: valueMapping(esType),
				},
			},
		},
	}
	if err := registry.api.PutMapping(ctx, body); err != nil {
		if isIllegalArgument(err) {
			return "", ErrMappingConflict
		}
		return "", Error.Wrap(err)
	}

	registry.mirror(key, esType)
	registry.log.Debug("created field mapping",
		zap.String("field", key),
		zap.String("type", esType))
	return esType, nil
}

// EnsureGeoPoints registers geo_point mappings for the configured
// fields that have none yet.
func (registry *Registry) EnsureGeoPoints(ctx context.Context, fields []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if _, ok := registry.TypeFor(field); ok {
			continue
		}
		if _, err := registry.Create(ctx, field, TypeGeoPoint); err != nil {
			return err
		}
	}
	return nil
}

// mirror records the new mapping in the snapshot so later lookups in
// the same cycle see it without refetching.
func (registry *Registry) mirror(key, esType string) {
	if registry.snapshot == nil {
		registry.snapshot = map[string]interface{}{}
	}
	predicates, ok := registry.predicateProperties()
	if !ok {
		predicates = map[string]interface{}{}
		registry.snapshot[Index] = map[string]interface{}{
			"mappings": map[string]interface{}{
				"properties": map[string]interface{}{
					FieldPredicates: map[string]interface{}{
						"properties": predicates,
					},
				},
			},
		}
	}
	predicates[key] = valueMapping(esType)
}

// predicateProperties digs out the per-field properties of the nested
// predicates object.
func (registry *Registry) predicateProperties() (map[string]interface{}, bool) {
	node := registry.snapshot
	for _, step := range []string{Index, "mappings", "properties", FieldPredicates, "properties"} {
		child, ok := node[step].(map[string]interface{})
		if !ok {
			return nil, false
		}
		node = child
	}
	return node, true
}

// nestedValueType descends one properties level per token and reads the
// value type at the bottom.
func nestedValueType(properties map[string]interface{}, tokens []string) (string, bool) {
	node := properties
	for _, token := range tokens {
		field, ok := node[token].(map[string]interface{})
		if !ok {
			return "", false
		}
		node, ok = field["properties"].(map[string]interface{})
		if !ok {
			return "", false
		}
	}
	value, ok := node["value"].(map[string]interface{})
	if !ok {
		return "", false
	}
	fieldType, ok := value["type"].(string)
	return fieldType, ok
}

// valueMapping builds the mapping for one field's nested value. String
// fields are indexed as text with a keyword sub-field for exact match.
func valueMapping(esType string) map[string]interface{} {
	if esType == TypeString || esType == TypeText {
		return map[string]interface{}{
			"properties": map[string]interface{}{
				"value": map[string]interface{}{
					"type": "text",
					"fields": map[string]interface{}{
						"keyword": map[string]interface{}{
							"type":         "keyword",
							"ignore_above": 256,
						},
					},
				},
			},
		}
	}
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"value": map[string]interface{}{
				"type": esType,
			},
		},
	}
}

// isIllegalArgument detects the cluster's response to a put mapping
// that conflicts with an existing field type.
func isIllegalArgument(err error) bool {
	var elasticErr *elastic.Error
	if !errors.As(err, &elasticErr) {
		return false
	}
	if elasticErr.Details != nil {
		return elasticErr.Details.Type == "illegal_argument_exception"
	}
	return elasticErr.Status == 400
}
