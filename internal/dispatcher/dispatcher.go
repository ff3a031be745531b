// Package dispatcher turns incoming events into webhook deliveries.
//
// For each event the dispatcher validates the payload against the handler
// registered for its type, evaluates every subscription in the registry
// bucket in order, signs the canonical body per subscription and queues one
// delivery job per match. A worker pool drains the queue.
//
// Delivery is at-least-once with no ordering across events. Subscribers
// must be idempotent (use the X-Hookrelay-Delivery header) and tolerate
// reordering.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"hookrelay/internal/apperrors"
	"hookrelay/internal/delivery"
	"hookrelay/internal/event"
	"hookrelay/internal/matcher"
	"hookrelay/internal/registry"
	"hookrelay/internal/subscription"
	"hookrelay/pkg/circuitbreaker"
	"hookrelay/pkg/signature"
)

var (
	// ErrBufferFull is returned when the queue stayed full until the
	// caller's context ended. The undelivered jobs are dropped.
	ErrBufferFull = errors.New("dispatcher buffer full")
	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("dispatcher is closed")
	// ErrCircuitOpen is recorded for jobs that gave up waiting on an open circuit.
	ErrCircuitOpen = errors.New("circuit open")
)

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordEventReceived(ctx context.Context, eventType string, matched int)
	RecordEventInvalid(ctx context.Context, eventType string)
	RecordWebhookDelivered(ctx context.Context, eventType string, durationSeconds float64)
	RecordWebhookFailed(ctx context.Context, eventType, state string)
	RecordWebhookDropped(ctx context.Context, eventType, reason string)
	RecordWebhookRequeued(ctx context.Context, eventType string)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   `json:"queue_depth"`    // current queue size
	Events        int64 `json:"events"`         // events accepted for matching
	Invalid       int64 `json:"invalid"`        // events dropped by validation
	Queued        int64 `json:"queued"`         // delivery jobs queued
	Delivered     int64 `json:"delivered"`      // successful deliveries
	Failed        int64 `json:"failed"`         // permanent failures and exhausted retries
	Abandoned     int64 `json:"abandoned"`      // cut short by shutdown
	Dropped       int64 `json:"dropped"`        // never queued or lost on requeue
	Requeued      int64 `json:"requeued"`       // requeued due to open circuit
	BreakersTotal int   `json:"breakers_total"` // total circuit breakers
	BreakersOpen  int   `json:"breakers_open"`  // currently open breakers

	OpenCircuits []circuitbreaker.KeyState `json:"open_circuits,omitempty"`
}

// Dispatcher routes events to matching subscriptions.
type Dispatcher struct {
	registry *registry.Registry
	executor *delivery.Executor
	breakers *circuitbreaker.Registry
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	handlersMu sync.RWMutex
	handlers   map[string]event.Handler

	queue chan *delivery.Job

	// Internal counters (for Stats())
	events    atomic.Int64
	invalid   atomic.Int64
	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
	dropped   atomic.Int64
	requeued  atomic.Int64

	// deliveryCtx is cancelled when Close gives up waiting.
	deliveryCtx    context.Context
	cancelDelivery context.CancelFunc

	wg       sync.WaitGroup
	shutdown chan struct{} // closed when Close starts
	stop     chan struct{} // closed once no enqueue can still land
	closed   atomic.Bool

	// enqueueMu is held shared by every send into queue and exclusively
	// by Close before workers drain, so no job lands after the drain.
	enqueueMu sync.RWMutex
}

// New creates a dispatcher and starts its workers.
func New(cfg Config, reg *registry.Registry, executor *delivery.Executor, metrics MetricsRecorder) *Dispatcher {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:       reg,
		executor:       executor,
		config:         cfg,
		logger:         slog.With("component", "dispatcher"),
		metrics:        metrics,
		handlers:       make(map[string]event.Handler),
		queue:          make(chan *delivery.Job, cfg.BufferSize),
		deliveryCtx:    ctx,
		cancelDelivery: cancel,
		shutdown:       make(chan struct{}),
		stop:           make(chan struct{}),
	}
	d.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold:     cfg.BreakerThreshold,
		Cooldown:      cfg.BreakerCooldown,
		OnStateChange: d.logCircuit,
	})
	if d.config.OnError == nil {
		d.config.OnError = func(err error) {
			d.logger.Error("Webhook storage error", "error", err)
		}
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}

	go d.maintain()

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// RegisterHandler wires an event type to its validator and registry bucket.
// Call it during startup, before events arrive.
func (d *Dispatcher) RegisterHandler(h event.Handler) {
	d.handlersMu.Lock()
	d.handlers[h.EventType()] = h
	d.handlersMu.Unlock()
	d.registry.Track(h.EventType(), h.RequiresConditions())
}

// Handler returns the handler registered for eventType.
func (d *Dispatcher) Handler(eventType string) (event.Handler, bool) {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	h, ok := d.handlers[eventType]
	return h, ok
}

// RequiresConditions reports whether eventType is registered and whether
// its subscriptions need conditions.
func (d *Dispatcher) RequiresConditions(eventType string) (required, known bool) {
	h, ok := d.Handler(eventType)
	if !ok {
		return false, false
	}
	return h.RequiresConditions(), true
}

// EventTypes returns the registered event types.
func (d *Dispatcher) EventTypes() []string {
	return d.registry.Tracked()
}

// Dispatch validates payload and queues a delivery for every matching
// subscription. Unknown event types and invalid payloads are dropped and
// return nil. An event whose registry bucket has never loaded returns a
// webhook-tagged registry.ErrNotLoaded so the caller can retry it. While the
// queue is full Dispatch blocks until ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload any) error {
	if d.closed.Load() {
		return apperrors.Webhook("dispatch", ErrClosed)
	}

	jobs, err := d.prepare(ctx, eventType, payload)
	if err != nil || len(jobs) == 0 {
		return err
	}

	for i, job := range jobs {
		if err := d.enqueue(ctx, job); err != nil {
			lost := int64(len(jobs) - i)
			d.dropped.Add(lost)
			if d.metrics != nil {
				for range lost {
					d.metrics.RecordWebhookDropped(context.Background(), eventType, "buffer_full")
				}
			}
			d.logger.Warn("Deliveries dropped", "event_type", eventType, "dropped", lost, "error", err)
			return apperrors.Webhook("dispatch", err)
		}
		d.queued.Add(1)
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, job *delivery.Job) error {
	d.enqueueMu.RLock()
	defer d.enqueueMu.RUnlock()
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- job:
		return nil
	default:
	}

	select {
	case d.queue <- job:
		return nil
	case <-d.shutdown:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrBufferFull, ctx.Err())
	}
}

// DispatchWait matches like Dispatch but delivers on the caller's
// goroutines and waits for every delivery. Storage errors from failure
// bookkeeping are returned together.
func (d *Dispatcher) DispatchWait(ctx context.Context, eventType string, payload any) error {
	if d.closed.Load() {
		return apperrors.Webhook("dispatch", ErrClosed)
	}

	jobs, err := d.prepare(ctx, eventType, payload)
	if err != nil || len(jobs) == 0 {
		return err
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := d.run(ctx, job)
			if out.StorageErr != nil {
				mu.Lock()
				result = multierror.Append(result, out.StorageErr)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// prepare validates the payload and builds one signed job per matching
// subscription, in registry order.
func (d *Dispatcher) prepare(ctx context.Context, eventType string, payload any) ([]*delivery.Job, error) {
	h, ok := d.Handler(eventType)
	if !ok {
		d.logger.Debug("Ignoring event of unknown type", "event_type", eventType)
		return nil, nil
	}

	rec, err := h.Validate(payload)
	if err != nil {
		d.invalid.Add(1)
		if d.metrics != nil {
			d.metrics.RecordEventInvalid(ctx, eventType)
		}
		d.logger.Debug("Dropping invalid event", "event_type", eventType, "error", err)
		return nil, nil
	}

	// A bucket that never loaded is not the same as no subscribers.
	subs, err := d.registry.Active(eventType)
	if err != nil {
		d.logger.Debug("Rejecting event, registry not loaded", "event_type", eventType, "error", err)
		return nil, err
	}
	d.events.Add(1)

	var (
		body []byte
		jobs []*delivery.Job
	)
	for _, sub := range subs {
		if !matches(h, rec, sub) {
			continue
		}
		if body == nil {
			body, err = signature.Canonicalize(rec)
			if err != nil {
				return nil, apperrors.Internal("dispatch.canonicalize", err)
			}
		}
		// A signing failure leaves Signature empty; the executor then
		// fails the job without sending it.
		sig, _ := signature.Sign(body, sub.Secret)
		jobs = append(jobs, &delivery.Job{
			Subscription: sub,
			EventType:    eventType,
			DeliveryID:   uuid.NewString(),
			Body:         body,
			Signature:    sig,
		})
	}

	if d.metrics != nil {
		d.metrics.RecordEventReceived(ctx, eventType, len(jobs))
	}
	return jobs, nil
}

// matches applies a subscription's conditions. Conditional types always
// filter; other types filter only when the subscription has conditions.
func matches(h event.Handler, rec event.Record, sub *subscription.Subscription) bool {
	if len(sub.Conditions) == 0 {
		return !h.RequiresConditions()
	}
	return matcher.Matches(rec, sub.Conditions)
}

// AddToRegistry inserts a subscription into the registry.
func (d *Dispatcher) AddToRegistry(sub *subscription.Subscription) { d.registry.Add(sub) }

// RemoveFromRegistry drops a subscription from every bucket.
func (d *Dispatcher) RemoveFromRegistry(id string) { d.registry.Remove(id) }

// ReplaceInRegistry swaps in an updated subscription.
func (d *Dispatcher) ReplaceInRegistry(sub *subscription.Subscription) { d.registry.Replace(sub) }

// LoadRegistry reloads one event type's bucket.
func (d *Dispatcher) LoadRegistry(ctx context.Context, eventType string) error {
	return d.registry.Load(ctx, eventType)
}

// LoadAllRegistries reloads every registered event type. All types are
// attempted; failures are returned together.
func (d *Dispatcher) LoadAllRegistries(ctx context.Context) error {
	var result *multierror.Error
	for _, et := range d.registry.Tracked() {
		if err := d.registry.Load(ctx, et); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Registry returns the registry the dispatcher evaluates.
func (d *Dispatcher) Registry() *registry.Registry { return d.registry }

// Subscriptions returns a copy of the bucket for eventType in evaluation
// order. ok is false for unregistered event types.
func (d *Dispatcher) Subscriptions(eventType string) (subs []*subscription.Subscription, ok bool) {
	if _, ok := d.Handler(eventType); !ok {
		return nil, false
	}
	return d.registry.GetAll(eventType), true
}

// RegistryStats returns per-bucket registry statistics.
func (d *Dispatcher) RegistryStats() registry.Stats { return d.registry.Stats() }

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Events:        d.events.Load(),
		Invalid:       d.invalid.Load(),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Abandoned:     d.abandoned.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
		OpenCircuits:  d.breakers.Tripped(),
	}
}

// Close stops accepting events and waits for queued deliveries. When ctx
// expires first, in-flight deliveries are abandoned and ctx.Err is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil // already closed
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))

	close(d.shutdown)
	// Wait out in-progress enqueues, then let the workers drain.
	d.enqueueMu.Lock()
	close(d.stop)
	d.enqueueMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancelDelivery()
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.cancelDelivery()
		<-done
		d.logger.Warn("Dispatcher shutdown timed out",
			"abandoned", d.abandoned.Load(),
			"remaining", len(d.queue),
		)
		return ctx.Err()
	}
}
