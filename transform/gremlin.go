// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"storj.io/graphrelay/aggregate"
	"storj.io/graphrelay/searchdb"
	"storj.io/graphrelay/stream"
)

// labelKey is the property key carrying a vertex or edge label. Labels
// are stored under entity_type so both query languages share one
// document model.
const labelKey = "label"

// Gremlin transforms property-graph change records. When NonStringIndexing
// is disabled it keeps only string properties and skips the index's
// field mapping machinery entirely.
type Gremlin struct {
	log                *zap.Logger
	dropEdges          bool
	stringOnly         bool
	upsertPropertyAdds bool
	excludedProperties map[string]bool
	excludedDatatypes  map[string]bool
}

// NewGremlin creates the property-graph transformer.
func NewGremlin(log *zap.Logger, config Config, ignoreMissingDocument bool) *Gremlin {
	return &Gremlin{
		log:                log,
		dropEdges:          config.ReplicationScope == "nodes",
		stringOnly:         !config.NonStringIndexing,
		upsertPropertyAdds: ignoreMissingDocument,
		excludedProperties: excludedProperties(config),
		excludedDatatypes:  excludedDatatypes(config, gremlinSourceTypes),
	}
}

// Language implements Transformer.
func (g *Gremlin) Language() string { return stream.LanguageGremlin }

// UpsertRequired implements Transformer. Vertex and edge creation
// always upserts; property adds upsert only when missing-document
// errors are ignored, so a property arriving before its entity still
// creates the document.
func (g *Gremlin) UpsertRequired(opTag string) bool {
	switch opTag {
	case stream.OpAdd + "_" + stream.TypeVertexLabel,
		stream.OpAdd + "_" + stream.TypeEdge:
		return true
	case stream.OpAdd + "_" + stream.TypeVertexProperty,
		stream.OpAdd + "_" + stream.TypeEdgeProperty:
		return g.upsertPropertyAdds
	default:
		return false
	}
}

// Filter implements Transformer.
func (g *Gremlin) Filter(ctx context.Context, records []stream.ChangeRecord, registry *searchdb.Registry) (_ []aggregate.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	var out []aggregate.Record
	for _, record := range records {
		var data stream.PropertyData
		if err := json.Unmarshal(record.Data, &data); err != nil {
			return nil, Error.New("malformed property-graph record at (%d, %d): %w",
				record.EventID.CommitNum, record.EventID.OpNum, err)
		}

		if g.dropEdges && (data.Type == stream.TypeEdge || data.Type == stream.TypeEdgeProperty) {
			g.log.Debug("dropping record: edge updates out of replication scope",
				zap.String("id", data.ID))
			continue
		}

		isProperty := data.Type == stream.TypeVertexProperty || data.Type == stream.TypeEdgeProperty

		if g.stringOnly {
			if isProperty && !strings.EqualFold(data.Value.DataType, "string") {
				g.log.Debug("dropping record: non-string property",
					zap.String("key", data.Key),
					zap.String("datatype", data.Value.DataType))
				continue
			}
			out = append(out, g.record(record, data, ""))
			continue
		}

		if !isProperty {
			out = append(out, g.record(record, data, ""))
			continue
		}

		kept, esType, err := g.filterProperty(ctx, data, registry)
		if err != nil {
			return nil, err
		}
		if kept {
			out = append(out, g.record(record, data, esType))
		}
	}
	return out, nil
}

// filterProperty applies the property record filter chain and resolves
// the index datatype the value is stored under.
func (g *Gremlin) filterProperty(ctx context.Context, data stream.PropertyData, registry *searchdb.Registry) (kept bool, esType string, err error) {
	sourceType := data.Value.DataType
	if !searchdb.KnownSourceType(sourceType) {
		g.log.Debug("dropping record: unknown property datatype",
			zap.String("key", data.Key),
			zap.String("datatype", sourceType))
		return false, "", nil
	}

	// Date values arrive as epoch milliseconds; validate against the
	// rendered datetime so a long mapping does not accept them.
	value := data.Value.Value
	if strings.ToLower(sourceType) == "date" {
		if millis, ok := value.(float64); ok {
			value = searchdb.ISOFromMillis(int64(millis))
		}
	}

	if g.excludedProperties[strings.TrimSpace(data.Key)] {
		g.log.Debug("dropping record: property excluded", zap.String("key", data.Key))
		return false, "", nil
	}
	if g.excludedDatatypes[strings.ToLower(strings.TrimSpace(sourceType))] {
		g.log.Debug("dropping record: datatype excluded",
			zap.String("key", data.Key),
			zap.String("datatype", sourceType))
		return false, "", nil
	}

	esType, ok := registry.TypeFor(data.Key)
	if !ok {
		esType, err = registry.Create(ctx, data.Key, sourceType)
		if errors.Is(err, searchdb.ErrMappingConflict) {
			// Another writer mapped the field with a different type.
			// Refresh so the rest of the batch sees the winner, and
			// drop this record.
			if err := registry.Refresh(ctx); err != nil {
				return false, "", err
			}
			g.log.Debug("dropping record: conflicting field mapping",
				zap.String("key", data.Key))
			return false, "", nil
		}
		if err != nil {
			return false, "", err
		}
		return true, esType, nil
	}

	if !searchdb.Validate(value, esType) {
		g.log.Debug("dropping record: value invalid for mapped type",
			zap.String("key", data.Key),
			zap.String("type", esType))
		return false, "", nil
	}
	return true, esType, nil
}

func (g *Gremlin) record(record stream.ChangeRecord, data stream.PropertyData, esType string) *gremlinRecord {
	return &gremlinRecord{
		data:       data,
		op:         record.Op,
		commit:     record.EventID.CommitNum,
		esType:     esType,
		stringOnly: g.stringOnly,
	}
}

// gremlinRecord is one filtered property-graph record.
type gremlinRecord struct {
	data       stream.PropertyData
	op         string
	commit     int64
	esType     string
	stringOnly bool
}

func (r *gremlinRecord) isVertex() bool {
	return r.data.Type == stream.TypeVertexLabel || r.data.Type == stream.TypeVertexProperty
}

// DocumentID implements Record.
func (r *gremlinRecord) DocumentID() string {
	if r.isVertex() {
		return searchdb.VertexDocumentID(r.data.ID)
	}
	return searchdb.EdgeDocumentID(r.data.ID)
}

// OperationTag implements Record. Property-graph records cannot share a
// run across record types, so the tag carries both.
func (r *gremlinRecord) OperationTag() string {
	return r.op + "_" + r.data.Type
}

// CommitNum implements Record.
func (r *gremlinRecord) CommitNum() int64 { return r.commit }

// EntityID implements Record.
func (r *gremlinRecord) EntityID() string { return r.data.ID }

// DocumentClass implements Record.
func (r *gremlinRecord) DocumentClass() string {
	if r.isVertex() {
		return searchdb.DocVertex
	}
	return searchdb.DocEdge
}

// FieldKey implements Record.
func (r *gremlinRecord) FieldKey() string {
	if r.data.Key == labelKey {
		return searchdb.FieldEntityType
	}
	return r.data.Key
}

// FieldValue implements Record. Labels are bare strings; property
// values become nested value objects, carrying the source datatype
// unless it is string.
func (r *gremlinRecord) FieldValue() interface{} {
	if r.data.Key == labelKey {
		return r.data.Value.Value
	}

	if r.stringOnly {
		value := r.data.Value.Value
		if r.data.Value.DataType == "Date" {
			if millis, ok := value.(float64); ok {
				value = searchdb.ISOFromMillis(int64(millis))
			}
		}
		return searchdb.ValueObject{Value: value}
	}

	esType := r.esType
	if esType == "" {
		esType = searchdb.TypeString
	}
	value := searchdb.Convert(r.data.Value.Value, esType)
	if strings.EqualFold(r.data.Value.DataType, "string") {
		return searchdb.ValueObject{Value: value}
	}
	return searchdb.ValueObject{
		Value:    value,
		Datatype: r.data.Value.DataType,
	}
}
