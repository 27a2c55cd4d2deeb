package engine

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ajitpratap0/quasar/pkg/catalog"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/json"
)

// fieldKind is the coercion target derived from a property schema.
type fieldKind int

const (
	kindString fieldKind = iota
	kindInteger
	kindNumber
	kindBoolean
	kindDateTime
)

// coercer normalizes raw API records to their stream schema. Built once
// per stream, applied to every record.
type coercer struct {
	fields map[string]fieldKind
}

// newCoercer derives per-field coercion from the schema, restricted to
// the selected fields. Record keys outside this set are pruned, which
// also discards OData annotations like @odata.etag.
func newCoercer(schema *catalog.Schema, selected []string) *coercer {
	fields := make(map[string]fieldKind, len(selected))
	for _, name := range selected {
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}
		fields[name] = kindFor(prop)
	}
	return &coercer{fields: fields}
}

func kindFor(prop *catalog.Schema) fieldKind {
	switch {
	case prop.Type.Contains("integer"):
		return kindInteger
	case prop.Type.Contains("number"):
		return kindNumber
	case prop.Type.Contains("boolean"):
		return kindBoolean
	case prop.Format == "date-time":
		return kindDateTime
	default:
		return kindString
	}
}

// coerceRecord normalizes a record in place. Coercion is idempotent:
// running it over its own output changes nothing, so replayed records
// serialize identically. A value the schema cannot absorb fails the
// record with a validation error.
func (c *coercer) coerceRecord(rec map[string]interface{}) error {
	for key, value := range rec {
		kind, ok := c.fields[key]
		if !ok {
			delete(rec, key)
			continue
		}
		if value == nil {
			continue
		}
		coerced, err := coerceValue(value, kind)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "field "+key)
		}
		rec[key] = coerced
	}
	return nil
}

// coerceValue converts one value to its target kind. Inputs may be raw
// decoder output (json.Number, string, bool) or already-coerced values
// from a previous pass.
func coerceValue(value interface{}, kind fieldKind) (interface{}, error) {
	switch kind {
	case kindInteger:
		return coerceInteger(value)
	case kindNumber:
		return coerceNumber(value)
	case kindBoolean:
		return coerceBoolean(value)
	case kindDateTime:
		return coerceDateTime(value)
	default:
		return coerceString(value)
	}
}

func coerceInteger(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		// The service serializes some integer columns with a decimal
		// point. Accept exact whole numbers only.
		f, err := v.Float64()
		if err != nil || f != math.Trunc(f) {
			return nil, fmt.Errorf("value %q is not an integer", v.String())
		}
		return int64(f), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not an integer", v)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to integer", value)
	}
}

func coerceNumber(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case json.Number:
		// Kept as-is: Number round-trips without losing precision on
		// money and decimal columns.
		return v, nil
	case float64:
		return v, nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("value %q is not a number", v)
		}
		return json.Number(v), nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to number", value)
	}
}

func coerceBoolean(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("value %q is not a boolean", v)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to boolean", value)
	}
}

// coerceDateTime normalizes timestamps to UTC RFC3339 with nanosecond
// precision preserved. Normalizing once makes bookmark comparison and
// replay byte-stable.
func coerceDateTime(value interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("cannot coerce %T to date-time", value)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("value %q is not an RFC3339 timestamp", s)
	}
	return t.UTC().Format(time.RFC3339Nano), nil
}

func coerceString(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to string", value)
	}
}
