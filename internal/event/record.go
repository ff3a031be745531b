// Package event defines the immutable event records fanned out to webhooks
// and the per-type handlers that validate incoming payloads.
package event

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"sort"
	"time"
)

// Record is one decoded sensor reading or domain event.
// Values are normalized to int64, float64, string, bool or time.Time.
// A Record is never modified after construction.
type Record struct {
	fields map[string]any
}

// NewRecord builds a Record from a flat map. Nil values are dropped.
// Nested objects and arrays are rejected.
func NewRecord(fields map[string]any) (Record, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "" {
			return Record{}, fmt.Errorf("field name is empty")
		}
		if v == nil {
			continue
		}
		nv, err := normalize(v)
		if err != nil {
			return Record{}, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return Record{fields: out}, nil
}

// MustRecord is NewRecord for literals in tests and static tables.
func MustRecord(fields map[string]any) Record {
	r, err := NewRecord(fields)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the value of a field.
func (r Record) Lookup(name string) (any, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Len returns the number of fields.
func (r Record) Len() int { return len(r.fields) }

// Names returns field names in sorted order.
func (r Record) Names() []string {
	names := make([]string, 0, len(r.fields))
	for k := range r.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Fields returns a copy of the record's values.
func (r Record) Fields() map[string]any {
	return maps.Clone(r.fields)
}

// MarshalJSON encodes the record as a flat JSON object.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.fields)
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case string, bool, int64, float64:
		if f, ok := t.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return nil, fmt.Errorf("non-finite number")
		}
		return t, nil
	case time.Time:
		return t.UTC(), nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return float64(t), nil
		}
		return int64(t), nil
	case float32:
		return normalize(float64(t))
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.String())
		}
		return normalize(f)
	default:
		return nil, fmt.Errorf("unsupported value of type %T", v)
	}
}
