// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package searchdb

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/shopspring/decimal"
)

// isoMillisFormat renders datetimes with millisecond precision, the
// format already stored in the index.
const isoMillisFormat = "2006-01-02T15:04:05.000"

var langTagRegex = regexp.MustCompile(`^[a-zA-Z]{1,8}(-[a-zA-Z0-9]{1,8})*$`)

// Truthy and boolean-convertible string forms. Values decoded from the
// stream may be double quoted, so the quoted spellings count too.
var (
	validBooleanStrings = map[string]bool{
		"true": true, `"true"`: true, "false": true, `"false"`: true,
		"0": true, "1": true, "0.0": true, "1.0": true, "-0": true, "-0.0": true,
	}
	truthyStrings = map[string]bool{
		"true": true, `"true"`: true, "1": true, "1.0": true,
	}
)

// Validate reports whether value can safely be stored under the given
// index datatype. Values come from decoded JSON or RDF literals, so
// only bool, string and float64 representations occur.
func Validate(value interface{}, destType string) bool {
	if value == nil {
		return false
	}
	switch destType {
	case TypeString, TypeText:
		return true
	case TypeBoolean:
		return validateBoolean(value)
	case TypeDouble:
		return validateDouble(value)
	case TypeLong:
		return validateLong(value)
	case TypeDate:
		return validateDate(value)
	case TypeGeoPoint:
		return validateGeoPoint(value)
	default:
		return false
	}
}

func validateBoolean(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return true
	case string:
		return validBooleanStrings[strings.ToLower(v)]
	case float64:
		return v == 0 || v == 1
	default:
		return false
	}
}

func validateDouble(value interface{}) bool {
	switch v := value.(type) {
	case float64:
		return true
	case string:
		_, err := strconv.ParseFloat(v, 64)
		return err == nil
	default:
		return false
	}
}

// validateLong accepts values that represent a whole number fitting a
// signed 64-bit integer, including spellings like "128.0".
func validateLong(value interface{}) bool {
	var dec decimal.Decimal
	switch v := value.(type) {
	case float64:
		dec = decimal.NewFromFloat(v)
	case string:
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return false
		}
		dec = parsed
	default:
		return false
	}
	return dec.IsInteger() && dec.BigInt().BitLen() <= 63
}

// validateDate accepts whole numbers as epoch milliseconds and strings
// in any parseable datetime format.
func validateDate(value interface{}) bool {
	switch v := value.(type) {
	case float64:
		return v == float64(int64(v))
	case string:
		if representsWholeNumber(v) {
			return true
		}
		_, err := dateparse.ParseAny(v)
		return err == nil
	default:
		return false
	}
}

// validateGeoPoint accepts "lat,lon" with latitude in [-90, 90] and
// longitude in [-180, 180].
func validateGeoPoint(value interface{}) bool {
	str, ok := value.(string)
	if !ok {
		return false
	}
	parts := strings.Split(strings.ReplaceAll(str, " ", ""), ",")
	if len(parts) != 2 {
		return false
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return false
	}
	lon, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// ValidateLanguage reports whether a language tag matches the BCP 47
// shape accepted by the index.
func ValidateLanguage(language string) bool {
	return langTagRegex.MatchString(language)
}

// Convert transforms a validated value into its index representation.
// Values that fail conversion are passed through unchanged.
func Convert(value interface{}, destType string) interface{} {
	switch destType {
	case TypeDouble:
		if f, ok := toFloat(value); ok {
			return f
		}
		return value
	case TypeLong:
		if dec, ok := toDecimal(value); ok {
			return dec.IntPart()
		}
		return value
	case TypeDate:
		return convertDate(value)
	case TypeBoolean:
		if b, ok := value.(bool); ok {
			return b
		}
		return truthyStrings[strings.ToLower(Stringify(value))]
	default:
		return Stringify(value)
	}
}

func convertDate(value interface{}) interface{} {
	switch v := value.(type) {
	case float64:
		return ISOFromMillis(int64(v))
	case string:
		if representsWholeNumber(v) {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return ISOFromMillis(int64(f))
			}
		}
		parsed, err := dateparse.ParseAny(v)
		if err != nil {
			return value
		}
		return parsed.Format(isoMillisFormat)
	default:
		return value
	}
}

// ISOFromMillis converts epoch milliseconds to an ISO datetime string
// with millisecond precision.
func ISOFromMillis(millis int64) string {
	return time.UnixMilli(millis).UTC().Format(isoMillisFormat)
}

// Stringify renders a value the way it would appear as a plain index
// string. Whole floats print without an exponent or trailing zeros.
func Stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// toFloat converts a float64 or numeric string to a float64.
func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// toDecimal converts a float64 or numeric string to a decimal.
func toDecimal(value interface{}) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case string:
		dec, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return dec, true
	default:
		return decimal.Decimal{}, false
	}
}

// representsWholeNumber reports whether the string parses to a float
// with no fractional part, like "128" or "128.0".
func representsWholeNumber(s string) bool {
	f, err := strconv.ParseFloat(s, 64)
	return err == nil && f == float64(int64(f))
}
