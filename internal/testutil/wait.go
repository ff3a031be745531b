// Package testutil provides polling helpers and a recording webhook
// endpoint for tests.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions configures polling.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for the polling helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets how long to poll (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Timeout = d }
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Interval = d }
}

func resolve(opts []WaitOption) WaitOptions {
	o := WaitOptions{Timeout: 10 * time.Second, Interval: 10 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// poll evaluates condition until it returns true or the timeout passes.
// The condition is checked once more at the deadline.
func poll(condition func() bool, o WaitOptions) bool {
	if condition() {
		return true
	}
	deadline := time.NewTimer(o.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.Interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if condition() {
				return true
			}
		case <-deadline.C:
			return condition()
		}
	}
}

// WaitFor polls until condition returns true. It reports false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	return poll(condition, resolve(opts))
}

// WaitForCount polls until counter reaches target. It reports false on timeout.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return poll(func() bool { return counter.Load() >= target }, resolve(opts))
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustWaitForCount is WaitForCount that fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}

// MustStay fails the test if condition turns false at any point during
// the timeout (default here: 100ms). Use it to assert that something
// does not happen, e.g. that no further webhook arrives.
func MustStay(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	o := resolve(append([]WaitOption{WithTimeout(100 * time.Millisecond)}, opts...))
	if poll(func() bool { return !condition() }, o) {
		tb.Fatal("condition stopped holding")
	}
}
