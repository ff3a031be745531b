package matcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Number is a bound value that remembers whether it was written as an integer.
type Number struct {
	i     int64
	f     float64
	isInt bool
}

// Int returns an integer Number.
func Int(v int64) *Number { return &Number{i: v, f: float64(v), isInt: true} }

// Float returns a floating-point Number.
func Float(v float64) *Number { return &Number{f: v} }

// IsInt reports whether n holds an integer.
func (n Number) IsInt() bool { return n.isInt }

// Float64 returns n as a float64.
func (n Number) Float64() float64 { return n.f }

// Int64 returns n as an int64 (truncated for floats).
func (n Number) Int64() int64 {
	if n.isInt {
		return n.i
	}
	return int64(n.f)
}

func (n Number) String() string {
	if n.isInt {
		return strconv.FormatInt(n.i, 10)
	}
	return strconv.FormatFloat(n.f, 'g', -1, 64)
}

// MarshalJSON writes the number in its original kind.
func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalJSON parses a JSON number, keeping integer literals exact.
func (n *Number) UnmarshalJSON(data []byte) error {
	parsed, err := parseNumber(json.Number(bytes.TrimSpace(data)))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

func parseNumber(num json.Number) (Number, error) {
	if i, err := num.Int64(); err == nil {
		return Number{i: i, f: float64(i), isInt: true}, nil
	}
	f, err := num.Float64()
	if err != nil {
		return Number{}, fmt.Errorf("bound %q is not a number", num.String())
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Number{}, fmt.Errorf("bound %q is not finite", num.String())
	}
	return Number{f: f}, nil
}

// Range is an inclusive numeric interval. A nil bound is open on that side.
// On the wire it is the two-element array [min|null, max|null].
type Range struct {
	Min *Number
	Max *Number
}

// Between builds a Range from optional bounds.
func Between(lo, hi *Number) Range { return Range{Min: lo, Max: hi} }

// Validate checks that Min does not exceed Max.
func (r Range) Validate() error {
	if r.Min != nil && r.Max != nil && compareNumbers(*r.Min, *r.Max) > 0 {
		return fmt.Errorf("min %s is greater than max %s", r.Min, r.Max)
	}
	return nil
}

// Contains reports whether v lies within the range.
// Integer values are compared exactly against integer bounds. Any float on
// either side switches the comparison to float64. NaN is never contained.
func (r Range) Contains(v Number) bool {
	if !v.isInt && math.IsNaN(v.f) {
		return false
	}
	if r.Min != nil && compareNumbers(v, *r.Min) < 0 {
		return false
	}
	if r.Max != nil && compareNumbers(v, *r.Max) > 0 {
		return false
	}
	return true
}

// MarshalJSON encodes the range as [min|null, max|null].
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]*Number{r.Min, r.Max})
}

// UnmarshalJSON decodes [min|null, max|null] and validates ordering.
func (r *Range) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("range must be an array [min, max]: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("range must have exactly 2 elements, got %d", len(raw))
	}

	var bounds [2]*Number
	for i, el := range raw {
		switch v := el.(type) {
		case nil:
		case json.Number:
			n, err := parseNumber(v)
			if err != nil {
				return err
			}
			bounds[i] = &n
		default:
			return fmt.Errorf("range bound %v must be a number or null", el)
		}
	}

	parsed := Range{Min: bounds[0], Max: bounds[1]}
	if err := parsed.Validate(); err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Compare orders two numbers, returning -1, 0 or 1.
func Compare(a, b Number) int { return compareNumbers(a, b) }

func compareNumbers(a, b Number) int {
	if a.isInt && b.isInt {
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		}
		return 0
	}
	switch {
	case a.f < b.f:
		return -1
	case a.f > b.f:
		return 1
	}
	return 0
}
