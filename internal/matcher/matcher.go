// Package matcher decides whether an event record triggers a subscription.
//
// A subscription's conditions are named inclusive ranges. The record
// matches when at least one named field is present, numeric, and within
// its range. Fields missing from the record, or holding non-numeric
// values, are skipped rather than counted as mismatches. An empty
// condition set never matches.
package matcher

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Fields is read-only access to an event record's values.
type Fields interface {
	Lookup(name string) (any, bool)
}

// MapFields adapts a plain map to Fields.
type MapFields map[string]any

// Lookup implements Fields.
func (m MapFields) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Conditions maps field names to ranges: {"pm2_5": [null, 50]}.
type Conditions map[string]Range

// Validate checks every range and rejects empty field names.
func (c Conditions) Validate() error {
	for _, f := range c.Fields() {
		if f == "" {
			return fmt.Errorf("condition field name is empty")
		}
		if err := c[f].Validate(); err != nil {
			return fmt.Errorf("condition %q: %w", f, err)
		}
	}
	return nil
}

// Fields returns the condition field names in sorted order.
func (c Conditions) Fields() []string {
	names := make([]string, 0, len(c))
	for f := range c {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}

// Matches reports whether rec satisfies at least one condition.
// Conditions are evaluated in field-name order and evaluation stops at the
// first satisfied one.
func Matches(rec Fields, conds Conditions) bool {
	if len(conds) == 0 || rec == nil {
		return false
	}
	for _, field := range conds.Fields() {
		raw, ok := rec.Lookup(field)
		if !ok {
			continue
		}
		v, ok := NumberOf(raw)
		if !ok {
			continue
		}
		if conds[field].Contains(v) {
			return true
		}
	}
	return false
}

// NumberOf converts a record value to a Number.
// Only numeric kinds convert; strings, booleans and timestamps do not.
func NumberOf(v any) (Number, bool) {
	switch t := v.(type) {
	case int:
		return Number{i: int64(t), f: float64(t), isInt: true}, true
	case int8:
		return Number{i: int64(t), f: float64(t), isInt: true}, true
	case int16:
		return Number{i: int64(t), f: float64(t), isInt: true}, true
	case int32:
		return Number{i: int64(t), f: float64(t), isInt: true}, true
	case int64:
		return Number{i: t, f: float64(t), isInt: true}, true
	case uint8:
		return Number{i: int64(t), f: float64(t), isInt: true}, true
	case uint16:
		return Number{i: int64(t), f: float64(t), isInt: true}, true
	case uint32:
		return Number{i: int64(t), f: float64(t), isInt: true}, true
	case uint64:
		if t > math.MaxInt64 {
			return Number{f: float64(t)}, true
		}
		return Number{i: int64(t), f: float64(t), isInt: true}, true
	case float32:
		return Number{f: float64(t)}, true
	case float64:
		return Number{f: t}, true
	case json.Number:
		n, err := parseNumber(t)
		return n, err == nil
	default:
		return Number{}, false
	}
}
