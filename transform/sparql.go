// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/knakk/rdf"
	"go.uber.org/zap"

	"storj.io/graphrelay/aggregate"
	"storj.io/graphrelay/searchdb"
	"storj.io/graphrelay/stream"
)

// Sparql transforms RDF change records. All statements sharing a
// subject land in the subject's document; rdf:type objects become
// entity types, every other literal becomes a predicate value. When
// NonStringIndexing is disabled only string literals are kept.
type Sparql struct {
	log                *zap.Logger
	stringOnly         bool
	excludedProperties map[string]bool
	excludedDatatypes  map[string]bool
}

// NewSparql creates the RDF transformer.
func NewSparql(log *zap.Logger, config Config) *Sparql {
	return &Sparql{
		log:                log,
		stringOnly:         !config.NonStringIndexing,
		excludedProperties: excludedProperties(config),
		excludedDatatypes:  excludedDatatypes(config, sparqlSourceTypes),
	}
}

// Language implements Transformer.
func (s *Sparql) Language() string { return stream.LanguageSparql }

// UpsertRequired implements Transformer. Statement adds always upsert
// since an RDF document only exists once some statement created it.
func (s *Sparql) UpsertRequired(opTag string) bool {
	return opTag == stream.OpAdd
}

// Filter implements Transformer.
func (s *Sparql) Filter(ctx context.Context, records []stream.ChangeRecord, registry *searchdb.Registry) (_ []aggregate.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	var out []aggregate.Record
	for _, record := range records {
		var data stream.SparqlData
		if err := json.Unmarshal(record.Data, &data); err != nil {
			return nil, Error.New("malformed rdf record at (%d, %d): %w",
				record.EventID.CommitNum, record.EventID.OpNum, err)
		}
		stmt, err := stream.ParseStatement(data.Statement)
		if err != nil {
			return nil, err
		}

		if stream.IsBlank(stmt.Subject) {
			s.log.Debug("dropping record: subject is a blank node",
				zap.String("statement", data.Statement))
			continue
		}

		if stream.IsRDFType(stmt.Predicate) {
			out = append(out, s.record(record, stmt, ""))
			continue
		}

		if s.stringOnly {
			if s.keepStringOnly(stmt) {
				out = append(out, s.record(record, stmt, ""))
			}
			continue
		}

		kept, esType, err := s.filterStatement(ctx, stmt, registry)
		if err != nil {
			return nil, err
		}
		if kept {
			out = append(out, s.record(record, stmt, esType))
		}
	}
	return out, nil
}

// keepStringOnly keeps literal objects whose datatype is xsd:string or
// rdf:langString.
func (s *Sparql) keepStringOnly(stmt stream.Statement) bool {
	literal, ok := stmt.Object.(rdf.Literal)
	if !ok {
		s.log.Debug("dropping record: object is not a literal")
		return false
	}
	if dt := literalDatatype(literal); dt != "" {
		s.log.Debug("dropping record: object is not a string literal",
			zap.String("datatype", dt))
		return false
	}
	return true
}

// filterStatement applies the statement filter chain and resolves the
// index datatype the object value is stored under.
func (s *Sparql) filterStatement(ctx context.Context, stmt stream.Statement, registry *searchdb.Registry) (kept bool, esType string, err error) {
	literal, ok := stmt.Object.(rdf.Literal)
	if !ok {
		s.log.Debug("dropping record: object is not a literal",
			zap.String("predicate", stmt.Predicate.String()))
		return false, "", nil
	}

	key := stmt.Predicate.String()
	value := literal.String()
	token := stream.DatatypeToken(literal.DataType.String())

	if s.excludedProperties[strings.TrimSpace(key)] {
		s.log.Debug("dropping record: predicate excluded", zap.String("predicate", key))
		return false, "", nil
	}
	if s.excludedDatatypes[token] {
		s.log.Debug("dropping record: datatype excluded",
			zap.String("predicate", key),
			zap.String("datatype", token))
		return false, "", nil
	}

	if token == "string" && literal.Lang() != "" && !searchdb.ValidateLanguage(literal.Lang()) {
		s.log.Debug("dropping record: invalid language tag",
			zap.String("language", literal.Lang()))
		return false, "", nil
	}

	if token == "float" || token == "double" || token == "decimal" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && (math.IsInf(f, 0) || math.IsNaN(f)) {
			s.log.Debug("dropping record: non-finite float literal",
				zap.String("predicate", key))
			return false, "", nil
		}
	}

	esType, ok = registry.TypeFor(key)
	if !ok {
		esType = searchdb.TypeForSource(token)
		if !searchdb.Validate(value, esType) {
			s.log.Debug("dropping record: value invalid for declared datatype",
				zap.String("predicate", key),
				zap.String("type", esType))
			return false, "", nil
		}
		esType, err = registry.Create(ctx, key, token)
		if errors.Is(err, searchdb.ErrMappingConflict) {
			if err := registry.Refresh(ctx); err != nil {
				return false, "", err
			}
			s.log.Debug("dropping record: conflicting field mapping",
				zap.String("predicate", key))
			return false, "", nil
		}
		if err != nil {
			return false, "", err
		}
		return true, esType, nil
	}

	if !searchdb.Validate(value, esType) {
		s.log.Debug("dropping record: value invalid for mapped type",
			zap.String("predicate", key),
			zap.String("type", esType))
		return false, "", nil
	}
	return true, esType, nil
}

func (s *Sparql) record(record stream.ChangeRecord, stmt stream.Statement, esType string) *sparqlRecord {
	return &sparqlRecord{
		stmt:       stmt,
		op:         record.Op,
		commit:     record.EventID.CommitNum,
		esType:     esType,
		stringOnly: s.stringOnly,
	}
}

// literalDatatype returns the literal's datatype IRI, empty for plain
// strings and language-tagged strings.
func literalDatatype(literal rdf.Literal) string {
	dt := literal.DataType.String()
	if dt == "" || dt == stream.XSDString || dt == stream.RDFLangString {
		return ""
	}
	return dt
}

// sparqlRecord is one filtered RDF statement.
type sparqlRecord struct {
	stmt       stream.Statement
	op         string
	commit     int64
	esType     string
	stringOnly bool
}

// DocumentID implements Record.
func (r *sparqlRecord) DocumentID() string {
	return searchdb.ResourceDocumentID(r.stmt.Subject.String())
}

// OperationTag implements Record. RDF statements of one subject can
// share a run regardless of predicate, so the bare operation suffices.
func (r *sparqlRecord) OperationTag() string { return r.op }

// CommitNum implements Record.
func (r *sparqlRecord) CommitNum() int64 { return r.commit }

// EntityID implements Record.
func (r *sparqlRecord) EntityID() string { return r.stmt.Subject.String() }

// DocumentClass implements Record.
func (r *sparqlRecord) DocumentClass() string { return searchdb.DocResource }

// FieldKey implements Record.
func (r *sparqlRecord) FieldKey() string {
	if stream.IsRDFType(r.stmt.Predicate) {
		return searchdb.FieldEntityType
	}
	return r.stmt.Predicate.String()
}

// FieldValue implements Record. rdf:type objects are bare IRI strings;
// other objects become nested value objects carrying datatype, graph
// and language where present.
func (r *sparqlRecord) FieldValue() interface{} {
	if stream.IsRDFType(r.stmt.Predicate) {
		return r.stmt.Object.String()
	}

	// Filter only passes literal objects through.
	literal, _ := r.stmt.Object.(rdf.Literal)
	value := literal.String()

	obj := searchdb.ValueObject{Value: value}
	if !r.stringOnly {
		if dt := literalDatatype(literal); dt != "" {
			esType := r.esType
			if esType == "" {
				esType = searchdb.TypeString
			}
			obj.Value = searchdb.Convert(value, esType)
			obj.Datatype = dt
		}
	}
	if r.stmt.Graph != "" {
		obj.Graph = r.stmt.Graph
	}
	if lang := literal.Lang(); lang != "" {
		if r.stringOnly || searchdb.ValidateLanguage(lang) {
			obj.Language = lang
		}
	}
	return obj
}
