// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package searchdb maintains the search index that mirrors the graph
// database.
//
// All entities live in a single index. A document represents a vertex,
// an edge or an RDF resource and carries the entity's types plus a
// nested predicates object holding every property value. Documents are
// updated through scripted bulk requests so that replaying the same
// change twice leaves the index unchanged.
package searchdb

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default searchdb errs class.
	Error = errs.Class("searchdb")

	mon = monkit.Package()
)

// Index is the single index holding all replicated documents.
const Index = "amazon_neptune"

// Document id prefixes keep vertex and edge ids from colliding.
const (
	vertexIDPrefix = "v://"
	edgeIDPrefix   = "e://"
)

// Document classes.
const (
	DocVertex   = "vertex"
	DocEdge     = "edge"
	DocResource = "rdf-resource"
)

// Top-level document field names.
const (
	FieldEntityID     = "entity_id"
	FieldEntityType   = "entity_type"
	FieldDocumentType = "document_type"
	FieldPredicates   = "predicates"
)

// Document is the upsert body for a search index document. EntityType
// values are bare strings; predicate values are ValueObjects.
type Document struct {
	EntityID     string                   `json:"entity_id"`
	EntityType   []interface{}            `json:"entity_type,omitempty"`
	DocumentType string                   `json:"document_type"`
	Predicates   map[string][]interface{} `json:"predicates,omitempty"`
}

// NewDocument creates a Document shell for the given entity.
func NewDocument(entityID, documentType string) *Document {
	return &Document{
		EntityID:     entityID,
		DocumentType: documentType,
	}
}

// AddField appends a field value, routing entity types to the top-level
// list and everything else into the nested predicates object.
func (doc *Document) AddField(key string, value interface{}) {
	if key == FieldEntityType {
		doc.EntityType = append(doc.EntityType, value)
		return
	}
	if doc.Predicates == nil {
		doc.Predicates = make(map[string][]interface{})
	}
	doc.Predicates[key] = append(doc.Predicates[key], value)
}

// ValueObject is one nested predicate value. Datatype is absent for
// plain strings; graph and language only appear for RDF data.
type ValueObject struct {
	Value    interface{} `json:"value"`
	Datatype string      `json:"datatype,omitempty"`
	Graph    string      `json:"graph,omitempty"`
	Language string      `json:"language,omitempty"`
}

// VertexDocumentID derives the document id for a vertex.
func VertexDocumentID(vertexID string) string {
	return hashID(vertexIDPrefix + vertexID)
}

// EdgeDocumentID derives the document id for an edge.
func EdgeDocumentID(edgeID string) string {
	return hashID(edgeIDPrefix + edgeID)
}

// ResourceDocumentID derives the document id for an RDF resource. All
// statements sharing a subject land in the same document.
func ResourceDocumentID(subject string) string {
	return hashID(subject)
}

// hashID uses md5 rather than sha as document ids only need to be
// cheap and well distributed, not collision resistant.
func hashID(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
