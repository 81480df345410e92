// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package searchdb

import "strings"

// Index-side datatypes.
const (
	TypeString   = "string"
	TypeText     = "text"
	TypeLong     = "long"
	TypeDouble   = "double"
	TypeBoolean  = "boolean"
	TypeDate     = "date"
	TypeGeoPoint = "geo_point"
)

// sourceTypes maps graph database datatype names onto index datatypes.
// Every non-floating numeric type is stored as long and every floating
// type as double; anything absent from the table is stored as string.
var sourceTypes = map[string]string{
	"bool":    TypeBoolean,
	"boolean": TypeBoolean,

	"int":                TypeLong,
	"integer":            TypeLong,
	"byte":               TypeLong,
	"short":              TypeLong,
	"nonnegativeinteger": TypeLong,
	"nonpositiveinteger": TypeLong,
	"negativeinteger":    TypeLong,
	"unsignedbyte":       TypeLong,
	"unsignedint":        TypeLong,
	"unsignedlong":       TypeLong,
	"unsignedshort":      TypeLong,
	"long":               TypeLong,

	"decimal": TypeDouble,
	"float":   TypeDouble,
	"double":  TypeDouble,

	"datetime": TypeDate,
	"date":     TypeDate,

	"time":   TypeString,
	"string": TypeString,

	"geo_point": TypeGeoPoint,
}

// KnownSourceType reports whether the source datatype has an index
// equivalent.
func KnownSourceType(sourceType string) bool {
	_, ok := sourceTypes[strings.ToLower(strings.TrimSpace(sourceType))]
	return ok
}

// TypeForSource converts a source datatype name to the index datatype.
// Unknown and empty types default to string.
func TypeForSource(sourceType string) string {
	if sourceType == "" {
		return TypeString
	}
	if esType, ok := sourceTypes[strings.ToLower(strings.TrimSpace(sourceType))]; ok {
		return esType
	}
	return TypeString
}
