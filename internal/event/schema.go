package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the expected type of a schema field.
type Kind int

const (
	KindNumber  Kind = iota // int64 or float64
	KindInteger             // int64 only
	KindString
	KindBool
	KindTime // time.Time, or an RFC 3339 string
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindInteger:
		return "integer"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Field describes one named value in an event payload.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
}

// Schema is the expected shape of a payload. Fields not named in the
// schema pass through unchecked as long as they are flat scalars.
type Schema struct {
	Fields []Field
}

// ErrInvalidPayload classifies every validation failure.
var ErrInvalidPayload = errors.New("invalid event payload")

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid event payload: " + e.Reason
	}
	return fmt.Sprintf("invalid event payload: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPayload }

// Validate converts payload into a Record and checks it against the schema.
// Accepted payload forms: Record, map[string]any, json.RawMessage, []byte,
// or any value that marshals to a flat JSON object.
func (s Schema) Validate(payload any) (Record, error) {
	fields, err := toMap(payload)
	if err != nil {
		return Record{}, err
	}

	for _, f := range s.Fields {
		v, ok := fields[f.Name]
		if !ok || v == nil {
			if f.Required {
				return Record{}, &ValidationError{Field: f.Name, Reason: "is required"}
			}
			continue
		}
		cv, err := coerce(f, v)
		if err != nil {
			return Record{}, err
		}
		fields[f.Name] = cv
	}

	rec, err := NewRecord(fields)
	if err != nil {
		return Record{}, &ValidationError{Reason: err.Error()}
	}
	return rec, nil
}

func toMap(payload any) (map[string]any, error) {
	switch p := payload.(type) {
	case nil:
		return nil, &ValidationError{Reason: "payload is empty"}
	case Record:
		return p.Fields(), nil
	case map[string]any:
		out := make(map[string]any, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out, nil
	case json.RawMessage:
		return decodeObject(p)
	case []byte:
		return decodeObject(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, &ValidationError{Reason: "payload is not JSON-encodable"}
		}
		return decodeObject(b)
	}
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, &ValidationError{Reason: "payload is not a JSON object"}
	}
	if out == nil {
		return nil, &ValidationError{Reason: "payload is empty"}
	}
	return out, nil
}

func coerce(f Field, v any) (any, error) {
	bad := func() error {
		return &ValidationError{Field: f.Name, Reason: fmt.Sprintf("must be %s, got %T", f.Kind, v)}
	}

	switch f.Kind {
	case KindString:
		if _, ok := v.(string); !ok {
			return nil, bad()
		}
		return v, nil
	case KindBool:
		if _, ok := v.(bool); !ok {
			return nil, bad()
		}
		return v, nil
	case KindTime:
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, &ValidationError{Field: f.Name, Reason: "must be an RFC 3339 timestamp"}
			}
			return parsed, nil
		}
		return nil, bad()
	case KindNumber, KindInteger:
		n, err := normalize(v)
		if err != nil {
			return nil, bad()
		}
		switch n.(type) {
		case int64:
			return n, nil
		case float64:
			if f.Kind == KindNumber {
				return n, nil
			}
		}
		return nil, bad()
	}
	return nil, bad()
}
