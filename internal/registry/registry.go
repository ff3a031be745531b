// Package registry holds the in-memory, per-event-type lists of active
// webhook subscriptions that the dispatcher evaluates for every event.
//
// Reads are lock-free: each mutation builds a new snapshot and publishes it
// through an atomic pointer, so a reader always sees a complete list.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hookrelay/internal/apperrors"
	"hookrelay/internal/subscription"
)

var (
	// ErrSecretNotFound is returned by a Source when a secret reference
	// does not resolve (deleted, revoked or undecryptable). Any other
	// ResolveSecret error fails the load.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrNotLoaded is returned by Active for a bucket that has never
	// loaded from storage.
	ErrNotLoaded = errors.New("registry not loaded")
)

// Source is the storage the registry loads from.
type Source interface {
	// ActiveSubscriptions returns enabled subscriptions for eventType,
	// wildcard subscriptions included.
	ActiveSubscriptions(ctx context.Context, eventType string) ([]*subscription.Subscription, error)
	ResolveSecret(ctx context.Context, ref string) ([]byte, error)
}

type bucket struct {
	requireConditions bool
	subs              []*subscription.Subscription
	loadedAt          time.Time
	lastErr           error
}

func (b *bucket) admits(sub *subscription.Subscription) bool {
	if !sub.Enabled || len(sub.Secret) == 0 {
		return false
	}
	return !b.requireConditions || len(sub.Conditions) > 0
}

// snapshot is never modified after it is published.
type snapshot map[string]*bucket

// journal collects the changes published while a Load is reading storage.
// They are replayed onto the loaded rows so a subscription added or removed
// during the read is not lost or brought back.
type journal struct {
	changes []func(next snapshot)
}

// Registry is the set of subscription buckets, one per tracked event type.
type Registry struct {
	source  Source
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[snapshot]
	loads   map[*journal]struct{} // guarded by mu
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an empty registry backed by source.
func New(source Source) *Registry {
	r := &Registry{
		source: source,
		loads:  make(map[*journal]struct{}),
		logger: slog.With("component", "registry"),
		now:    time.Now,
	}
	r.current.Store(&snapshot{})
	return r
}

// Track creates the bucket for eventType. requireConditions makes the
// bucket reject subscriptions with an empty condition set.
func (r *Registry) Track(eventType string, requireConditions bool) {
	r.mutate(func(next snapshot) {
		if b, ok := next[eventType]; ok {
			nb := *b
			nb.requireConditions = requireConditions
			if requireConditions {
				nb.subs = slices.DeleteFunc(slices.Clone(b.subs), func(s *subscription.Subscription) bool {
					return len(s.Conditions) == 0
				})
			}
			next[eventType] = &nb
			return
		}
		next[eventType] = &bucket{requireConditions: requireConditions}
	})
}

// Tracked returns the tracked event types in sorted order.
func (r *Registry) Tracked() []string {
	snap := *r.current.Load()
	types := make([]string, 0, len(snap))
	for et := range snap {
		types = append(types, et)
	}
	sort.Strings(types)
	return types
}

// Load replaces the bucket for eventType with the enabled subscriptions
// currently in storage. On a storage error the previous bucket stays live.
func (r *Registry) Load(ctx context.Context, eventType string) error {
	snap := *r.current.Load()
	b, ok := snap[eventType]
	if !ok {
		return apperrors.Validation("event_type", fmt.Sprintf("event type %q is not tracked", eventType))
	}

	j := &journal{}
	r.mu.Lock()
	r.loads[j] = struct{}{}
	r.mu.Unlock()

	subs, err := r.fetch(ctx, eventType, b.requireConditions)
	if err != nil {
		err = apperrors.Webhook("registry.load", err)
		r.mutate(func(next snapshot) {
			delete(r.loads, j)
			if cur, ok := next[eventType]; ok {
				nb := *cur
				nb.lastErr = err
				next[eventType] = &nb
			}
		})
		r.logger.Error("Registry load failed", "event_type", eventType, "error", err)
		return err
	}

	loadedAt := r.now()
	count := 0
	r.mutate(func(next snapshot) {
		delete(r.loads, j)
		cur, ok := next[eventType]
		if !ok {
			return
		}
		loaded := &bucket{requireConditions: cur.requireConditions, loadedAt: loadedAt}
		loaded.subs = slices.DeleteFunc(subs, func(s *subscription.Subscription) bool {
			return !loaded.admits(s)
		})
		replay := snapshot{eventType: loaded}
		for _, change := range j.changes {
			change(replay)
		}
		next[eventType] = replay[eventType]
		count = len(replay[eventType].subs)
	})

	r.logger.Info("Registry loaded", "event_type", eventType, "subscriptions", count)
	return nil
}

// fetch reads and prepares a bucket's contents without holding the lock.
func (r *Registry) fetch(ctx context.Context, eventType string, requireConditions bool) ([]*subscription.Subscription, error) {
	rows, err := r.source.ActiveSubscriptions(ctx, eventType)
	if err != nil {
		return nil, err
	}

	admission := &bucket{requireConditions: requireConditions}
	subs := make([]*subscription.Subscription, 0, len(rows))
	for _, row := range rows {
		if !row.AppliesTo(eventType) {
			continue
		}
		sub := row.Clone()
		if len(sub.Secret) == 0 {
			secret, err := r.source.ResolveSecret(ctx, sub.SecretRef)
			if err != nil {
				if !errors.Is(err, ErrSecretNotFound) {
					return nil, fmt.Errorf("resolve secret for subscription %s: %w", sub.ID, err)
				}
				r.logger.Warn("Skipping subscription with unresolvable secret",
					"event_type", eventType, "subscription", sub, "error", err)
				continue
			}
			sub.Secret = secret
		}
		if !admission.admits(sub) {
			r.logger.Warn("Skipping subscription rejected by bucket rules",
				"event_type", eventType, "subscription", sub)
			continue
		}
		subs = append(subs, sub)
	}
	subscription.Sort(subs)
	return subs, nil
}

// GetAll returns the current subscriptions for eventType in evaluation
// order. The returned slice is the caller's to keep.
func (r *Registry) GetAll(eventType string) []*subscription.Subscription {
	b, ok := (*r.current.Load())[eventType]
	if !ok || len(b.subs) == 0 {
		return nil
	}
	return slices.Clone(b.subs)
}

// Active returns the subscriptions for eventType like GetAll, but fails with
// a webhook-tagged ErrNotLoaded until the bucket has loaded from storage
// once, so a failed or pending load is never read as "no subscribers".
// Untracked event types return nil.
func (r *Registry) Active(eventType string) ([]*subscription.Subscription, error) {
	b, ok := (*r.current.Load())[eventType]
	if !ok {
		return nil, nil
	}
	if b.loadedAt.IsZero() {
		cause := fmt.Errorf("%w: %s", ErrNotLoaded, eventType)
		if b.lastErr != nil {
			cause = fmt.Errorf("%w: %s: %w", ErrNotLoaded, eventType, b.lastErr)
		}
		return nil, apperrors.Webhook("registry.active", cause)
	}
	if len(b.subs) == 0 {
		return nil, nil
	}
	return slices.Clone(b.subs), nil
}

// Add inserts sub into its bucket, or into every tracked bucket for a
// wildcard subscription. Buckets whose rules reject sub are skipped.
func (r *Registry) Add(sub *subscription.Subscription) {
	r.change(func(next snapshot) {
		r.insert(next, sub)
	})
}

// Remove drops the subscription with id from every bucket. Removing an
// unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.change(func(next snapshot) {
		remove(next, id)
	})
}

// Replace swaps in a new version of a subscription in a single step.
func (r *Registry) Replace(sub *subscription.Subscription) {
	r.change(func(next snapshot) {
		remove(next, sub.ID)
		r.insert(next, sub)
	})
}

func (r *Registry) insert(next snapshot, sub *subscription.Subscription) {
	inserted := 0
	for et, b := range next {
		if !sub.AppliesTo(et) {
			continue
		}
		if !b.admits(sub) {
			r.logger.Debug("Bucket rejected subscription", "event_type", et, "subscription", sub)
			continue
		}
		subs := slices.DeleteFunc(slices.Clone(b.subs), func(s *subscription.Subscription) bool {
			return s.ID == sub.ID
		})
		i, _ := slices.BinarySearchFunc(subs, sub, subscription.Compare)
		nb := *b
		nb.subs = slices.Insert(subs, i, sub)
		next[et] = &nb
		inserted++
	}
	if inserted == 0 {
		r.logger.Debug("Subscription not placed in any bucket", "subscription", sub)
	}
}

func remove(next snapshot, id string) {
	for et, b := range next {
		idx := slices.IndexFunc(b.subs, func(s *subscription.Subscription) bool { return s.ID == id })
		if idx < 0 {
			continue
		}
		nb := *b
		nb.subs = slices.Delete(slices.Clone(b.subs), idx, idx+1)
		next[et] = &nb
	}
}

// change applies a subscription change and journals it for in-flight loads.
func (r *Registry) change(fn func(next snapshot)) {
	r.mutate(func(next snapshot) {
		fn(next)
		for j := range r.loads {
			j.changes = append(j.changes, fn)
		}
	})
}

// mutate applies fn to a copy of the current snapshot and publishes it.
func (r *Registry) mutate(fn func(next snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := maps.Clone(*r.current.Load())
	if next == nil {
		next = snapshot{}
	}
	fn(next)
	r.current.Store(&next)
}

// BucketStats describes one event type's bucket.
type BucketStats struct {
	EventType          string     `json:"event_type"`
	Subscriptions      int        `json:"subscriptions"`
	RequiresConditions bool       `json:"requires_conditions"`
	LoadedAt           *time.Time `json:"loaded_at,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
}

// Stats holds registry statistics.
type Stats struct {
	Buckets []BucketStats `json:"buckets"`
	Total   int           `json:"total"`
}

// Stats returns per-bucket counts and load status.
func (r *Registry) Stats() Stats {
	snap := *r.current.Load()
	stats := Stats{Buckets: make([]BucketStats, 0, len(snap))}
	for _, et := range r.Tracked() {
		b, ok := snap[et]
		if !ok {
			continue
		}
		bs := BucketStats{
			EventType:          et,
			Subscriptions:      len(b.subs),
			RequiresConditions: b.requireConditions,
		}
		if !b.loadedAt.IsZero() {
			t := b.loadedAt
			bs.LoadedAt = &t
		}
		if b.lastErr != nil {
			bs.LastError = b.lastErr.Error()
		}
		stats.Buckets = append(stats.Buckets, bs)
		stats.Total += len(b.subs)
	}
	return stats
}

// Ready returns an error until every tracked bucket has loaded once.
// A bucket that loaded before and failed a later reload keeps serving its
// previous contents and does not affect readiness.
func (r *Registry) Ready() error {
	snap := *r.current.Load()
	if len(snap) == 0 {
		return errors.New("no event types tracked")
	}
	for _, et := range r.Tracked() {
		b := snap[et]
		if b == nil || !b.loadedAt.IsZero() {
			continue
		}
		if b.lastErr != nil {
			return fmt.Errorf("registry %s: %w", et, b.lastErr)
		}
		return fmt.Errorf("registry %s not loaded", et)
	}
	return nil
}
