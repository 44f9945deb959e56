package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Metadata is an open map of scalar values attached to cards, tasks and activities.
type Metadata map[string]any

// Validate rejects nested values; only strings, numbers, booleans and null are allowed.
func (m Metadata) Validate() error {
	for _, k := range m.Keys() {
		if k == "" {
			return fmt.Errorf("metadata key must not be empty")
		}
		if kind := ScalarKind(m[k]); kind == "" {
			return fmt.Errorf("metadata %s: value must be a string, number, boolean or null", k)
		}
	}
	return nil
}

// Keys returns the keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// JSON encodes the map, using {} for nil.
func (m Metadata) JSON() (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseMetadata decodes a stored metadata column.
func ParseMetadata(raw string) (Metadata, error) {
	if raw == "" {
		return Metadata{}, nil
	}
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if m == nil {
		m = Metadata{}
	}
	return m, nil
}

// ScalarKind classifies v as "string", "number", "bool" or "null". Empty means not a scalar.
func ScalarKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return "number"
	default:
		return ""
	}
}
