// Package circuitbreaker keeps one breaker per key (a webhook subscription).
//
// A breaker opens after Threshold consecutive failures and rejects calls
// until Cooldown has passed. It then lets exactly one probe through
// (half-open): success closes it, failure opens it again.
package circuitbreaker

import (
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold = 5
	defaultCooldown  = 30 * time.Second
)

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // consecutive failures before opening (default: 5)
	Cooldown  time.Duration // open time before a probe is allowed (default: 30s)

	// OnStateChange, if set, is called after every transition. It runs
	// outside the breaker's lock.
	OnStateChange func(key string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = defaultThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	return c
}

// Breaker guards one key.
type Breaker struct {
	key    string
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	lastUsed time.Time
	probing  bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	return newBreaker("", cfg.withDefaults(), time.Now)
}

func newBreaker(key string, cfg Config, now func() time.Time) *Breaker {
	return &Breaker{key: key, config: cfg, now: now, lastUsed: now()}
}

// transition must be called with mu held. It returns the change to report.
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	if from == to || b.config.OnStateChange == nil {
		return func() {}
	}
	key, fn := b.key, b.config.OnStateChange
	return func() { fn(key, from, to) }
}

// Allow reports whether a call may be attempted. While half-open only one
// caller is let through until it reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	b.lastUsed = b.now()

	var (
		allowed bool
		notify  = func() {}
	)
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) >= b.config.Cooldown {
			notify = b.transition(HalfOpen)
			b.probing = true
			allowed = true
		}
	case HalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	default:
		allowed = true
	}
	b.mu.Unlock()

	notify()
	return allowed
}

// RetryAfter reports how long until an open breaker lets a probe through.
// Zero means a call may be attempted now.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return 0
	}
	return max(0, b.config.Cooldown-b.now().Sub(b.openedAt))
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	notify := b.transition(Closed)
	b.mu.Unlock()

	notify()
}

// RecordFailure counts a failure. A failed probe or reaching the threshold
// opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.probing = false
	notify := func() {}
	if b.state == HalfOpen || b.failures >= b.config.Threshold {
		b.openedAt = b.now()
		notify = b.transition(Open)
	}
	b.mu.Unlock()

	notify()
}

// Release gives back a half-open probe that ended without reaching the
// endpoint, so another caller may probe.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// idleSince reports whether the breaker is closed and unused since t.
func (b *Breaker) idleSince(t time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Closed && b.lastUsed.Before(t)
}
