package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// encodeRecord serializes a record to its stored JSON document and returns
// the decoded field map used for key and index extraction.
func encodeRecord(record any) (json.RawMessage, map[string]any, error) {
	doc, err := json.Marshal(record)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, nil, fmt.Errorf("record is not a JSON object: %w", err)
	}
	return doc, fields, nil
}

// primaryKey extracts the primary key value at keyPath. Keys must be
// non-empty strings.
func primaryKey(fields map[string]any, keyPath string) (string, error) {
	v, ok := lookupPath(fields, keyPath)
	if !ok || v == nil {
		return "", fmt.Errorf("record has no value at key path %q", keyPath)
	}
	key, ok := v.(string)
	if !ok || key == "" {
		return "", fmt.Errorf("key path %q must hold a non-empty string, got %T", keyPath, v)
	}
	return key, nil
}

// indexValue extracts and encodes the value at keyPath for storage in an
// index column. Missing values are stored as NULL.
func indexValue(fields map[string]any, keyPath string) (any, error) {
	v, ok := lookupPath(fields, keyPath)
	if !ok || v == nil {
		return nil, nil
	}
	enc, err := encodeScalar(v)
	if err != nil {
		return nil, fmt.Errorf("key path %q: %w", keyPath, err)
	}
	return enc, nil
}

// encodeScalar maps a JSON scalar to its index-column representation:
// strings as text, numbers as numerics, bools as 0/1.
func encodeScalar(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return t, nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("unsupported index value type %T", v)
	}
}

// lookupPath walks a dotted key path through nested JSON objects.
func lookupPath(fields map[string]any, keyPath string) (any, bool) {
	parts := strings.Split(keyPath, ".")
	var cur any = fields
	for _, part := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// timeMillis interprets the value at timeField as a point in time, in Unix
// milliseconds. Numbers are taken verbatim; strings are parsed as RFC3339.
func timeMillis(fields map[string]any, timeField string) (int64, bool) {
	v, ok := lookupPath(fields, timeField)
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return 0, false
		}
		return parsed.UnixMilli(), true
	default:
		return 0, false
	}
}
