package subscription

import (
	"slices"

	"hookrelay/internal/event"
)

// Roles known to the default policy.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleAnalyst  = "analyst"
)

// Policy maps a principal role to the event types it may subscribe to.
// A Wildcard entry allows every event type, including wildcard subscriptions.
type Policy map[string][]string

// DefaultPolicy returns the built-in role table.
func DefaultPolicy() Policy {
	return Policy{
		RoleAdmin: {Wildcard},
		RoleOperator: {
			event.TypeAlertTriggered,
			event.TypeReadingReceived,
			event.TypeSensorCreated,
			event.TypeSensorStatusChanged,
		},
		RoleAnalyst: {event.TypeAlertTriggered},
	}
}

// Allows reports whether role may subscribe to eventType.
func (p Policy) Allows(role, eventType string) bool {
	allowed := p[role]
	if slices.Contains(allowed, Wildcard) {
		return true
	}
	if eventType == Wildcard {
		return false
	}
	return slices.Contains(allowed, eventType)
}

// Manages reports whether role may act on subscriptions owned by others.
func (p Policy) Manages(role string) bool {
	return slices.Contains(p[role], Wildcard)
}
