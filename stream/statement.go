// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package stream

import (
	"strings"

	"github.com/knakk/rdf"
	"github.com/zeebo/errs"
)

// ErrParse is returned for malformed n-quad statements. Malformed
// stream content is not recoverable without intervention, so parse
// failures abort the cycle instead of dropping records.
var ErrParse = errs.Class("statement parse")

// Well-known RDF vocabulary.
const (
	XSDPrefix     = "http://www.w3.org/2001/XMLSchema#"
	RDFPrefix     = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
	RDFType       = RDFPrefix + "type"
	RDFLangString = RDFPrefix + "langString"
	XSDString     = XSDPrefix + "string"
)

// Statement is one parsed n-quad from an RDF change record. Graph is
// empty when the statement belongs to the default graph.
type Statement struct {
	Subject   rdf.Subject
	Predicate rdf.Predicate
	Object    rdf.Object
	Graph     string
}

// ParseStatement parses a single n-quad line.
func ParseStatement(line string) (Statement, error) {
	decoder := rdf.NewQuadDecoder(strings.NewReader(strings.TrimSpace(line)), rdf.NQuads)
	quad, err := decoder.Decode()
	if err != nil {
		return Statement{}, ErrParse.New("%q: %v", line, err)
	}

	stmt := Statement{
		Subject:   quad.Subj,
		Predicate: quad.Pred,
		Object:    quad.Obj,
	}
	// The decoder substitutes a synthetic default graph when the quad
	// has no graph label; only IRI labels name a real graph.
	if quad.Ctx != nil && quad.Ctx.Type() == rdf.TermIRI {
		stmt.Graph = quad.Ctx.String()
	}
	return stmt, nil
}

// IsBlank reports whether the term is a blank node.
func IsBlank(term rdf.Term) bool {
	return term.Type() == rdf.TermBlank
}

// IsRDFType reports whether the predicate is rdf:type.
func IsRDFType(pred rdf.Predicate) bool {
	return pred.String() == RDFType
}

// DatatypeToken extracts the bare XSD type token from a datatype IRI.
// Unrecognized namespaces default to string.
func DatatypeToken(datatype string) string {
	if rest, ok := strings.CutPrefix(datatype, XSDPrefix); ok && rest != "" {
		return strings.ToLower(strings.TrimSpace(rest))
	}
	return "string"
}
