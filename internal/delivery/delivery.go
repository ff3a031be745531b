// Package delivery performs one webhook delivery: signed POST, bounded
// retries and failure bookkeeping on the subscription.
package delivery

import (
	"context"
	"time"

	"hookrelay/internal/subscription"
)

// State is the lifecycle of a single delivery.
type State int

const (
	StatePending State = iota
	StateAttempting
	StateDelivered
	StatePermanentlyFailed
	StateRetriesExhausted
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAttempting:
		return "attempting"
	case StateDelivered:
		return "delivered"
	case StatePermanentlyFailed:
		return "permanently_failed"
	case StateRetriesExhausted:
		return "retries_exhausted"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the delivery.
func (s State) Terminal() bool { return s >= StateDelivered }

// Failed reports whether the state is recorded against the subscription.
func (s State) Failed() bool {
	return s == StatePermanentlyFailed || s == StateRetriesExhausted
}

// Job is one event bound for one subscription.
type Job struct {
	Subscription *subscription.Subscription
	EventType    string
	DeliveryID   string
	Body         []byte // canonical JSON
	Signature    string // precomputed; signed from Subscription.Secret when empty
	Requeues     int    // times put back because the subscription's circuit was open
}

// Outcome is the result of Executor.Deliver.
type Outcome struct {
	State      State
	Attempts   int
	StatusCode int   // last HTTP status, 0 if none
	Err        error // last delivery error
	StorageErr error // webhook-tagged error from failure bookkeeping
	Duration   time.Duration
}

// FailureRecorder persists terminal failures on the subscription row.
type FailureRecorder interface {
	RecordDeliveryFailure(ctx context.Context, subscriptionID, errText string, at time.Time) error
	ClearDeliveryError(ctx context.Context, subscriptionID string, at time.Time) error
}
