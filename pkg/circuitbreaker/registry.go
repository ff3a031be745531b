package circuitbreaker

import (
	"sort"
	"sync"
	"time"
)

// Registry holds one breaker per key, created on first use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	now      func() time.Time
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg.withDefaults(),
		now:      time.Now,
	}
}

// Get returns the breaker for key, creating one if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = newBreaker(key, r.config, r.now)
	r.breakers[key] = b
	return b
}

// Prune drops closed breakers not used for idle and returns how many were
// removed. Open and half-open breakers are kept.
func (r *Registry) Prune(idle time.Duration) int {
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k, b := range r.breakers {
		if b.idleSince(cutoff) {
			delete(r.breakers, k)
			removed++
		}
	}
	return removed
}

// Stats holds registry statistics.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats counts breakers by state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		default:
			stats.Closed++
		}
	}
	return stats
}

// KeyState is the state of one breaker, as reported by Tripped.
type KeyState struct {
	Key      string `json:"key"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Tripped returns every breaker that is not closed, ordered by key.
func (r *Registry) Tripped() []KeyState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []KeyState
	for k, b := range r.breakers {
		if s := b.State(); s != Closed {
			out = append(out, KeyState{Key: k, State: s.String(), Failures: b.Failures()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
