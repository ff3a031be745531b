// Package subscription models webhook subscriptions and the administrative
// operations that create, update and delete them.
package subscription

import (
	"log/slog"
	"maps"
	"sort"
	"strings"
	"time"

	"hookrelay/internal/matcher"
)

// Wildcard as an event type subscribes to every event type.
const Wildcard = "*"

// Subscription is one endpoint's interest in an event type.
// Values held by the registry are never mutated; updates replace them.
type Subscription struct {
	ID              string             `json:"id"`
	OwnerID         string             `json:"owner_id"`
	EventType       string             `json:"event_type"`
	URL             string             `json:"url"`
	Secret          []byte             `json:"-"`
	SecretRef       string             `json:"-"`
	Headers         map[string]string  `json:"headers,omitempty"`
	Conditions      matcher.Conditions `json:"conditions,omitempty"`
	Enabled         bool               `json:"enabled"`
	LastError       string             `json:"last_error,omitempty"`
	LastTriggeredAt *time.Time         `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// AppliesTo reports whether the subscription listens to eventType.
func (s *Subscription) AppliesTo(eventType string) bool {
	return s.EventType == Wildcard || s.EventType == eventType
}

// IsWildcard reports whether the subscription listens to every event type.
func (s *Subscription) IsWildcard() bool { return s.EventType == Wildcard }

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Secret = append([]byte(nil), s.Secret...)
	c.Headers = maps.Clone(s.Headers)
	c.Conditions = maps.Clone(s.Conditions)
	if s.LastTriggeredAt != nil {
		t := *s.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	return &c
}

// LogValue keeps secrets and header values out of logs.
func (s *Subscription) LogValue() slog.Value {
	headers := make([]string, 0, len(s.Headers))
	for k := range s.Headers {
		headers = append(headers, k)
	}
	sort.Strings(headers)
	return slog.GroupValue(
		slog.String("id", s.ID),
		slog.String("owner_id", s.OwnerID),
		slog.String("event_type", s.EventType),
		slog.String("url", s.URL),
		slog.Bool("enabled", s.Enabled),
		slog.Bool("has_secret", len(s.Secret) > 0),
		slog.String("headers", strings.Join(headers, ",")),
		slog.Int("conditions", len(s.Conditions)),
	)
}

type sortPair struct {
	field string
	lower *matcher.Number // nil is negative infinity
}

func sortKey(s *Subscription) []sortPair {
	fields := s.Conditions.Fields()
	out := make([]sortPair, len(fields))
	for i, f := range fields {
		out[i] = sortPair{field: f, lower: s.Conditions[f].Min}
	}
	return out
}

func comparePairs(a, b sortPair) int {
	if c := strings.Compare(a.field, b.field); c != 0 {
		return c
	}
	switch {
	case a.lower == nil && b.lower == nil:
		return 0
	case a.lower == nil:
		return -1
	case b.lower == nil:
		return 1
	}
	return matcher.Compare(*a.lower, *b.lower)
}

// Compare orders subscriptions for deterministic evaluation: by the sorted
// (field, lower bound) pairs of their conditions, then by ID.
func Compare(a, b *Subscription) int {
	ka, kb := sortKey(a), sortKey(b)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := comparePairs(ka[i], kb[i]); c != 0 {
			return c
		}
	}
	if len(ka) != len(kb) {
		if len(ka) < len(kb) {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// Sort orders subs in place using Compare.
func Sort(subs []*Subscription) {
	sort.SliceStable(subs, func(i, j int) bool { return Compare(subs[i], subs[j]) < 0 })
}
