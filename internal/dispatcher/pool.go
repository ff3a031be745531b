package dispatcher

import (
	"context"
	"fmt"
	"time"

	"hookrelay/internal/delivery"
	"hookrelay/pkg/circuitbreaker"
)

// Idle closed breakers are dropped so subscriptions that stopped receiving
// webhooks (or were deleted) do not accumulate.
const (
	maintenanceInterval = 5 * time.Second
	breakerIdle         = 10 * time.Minute
)

// maintain reports the queue size and prunes idle breakers until shutdown.
func (d *Dispatcher) maintain() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	lastPrune := time.Now()
	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			if d.metrics != nil {
				d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
			}
			if time.Since(lastPrune) >= time.Minute {
				lastPrune = time.Now()
				if n := d.breakers.Prune(breakerIdle); n > 0 {
					d.logger.Debug("Pruned idle circuit breakers", "count", n)
				}
			}
		}
	}
}

func (d *Dispatcher) logCircuit(subscriptionID string, from, to circuitbreaker.State) {
	switch to {
	case circuitbreaker.Open:
		d.logger.Warn("Circuit opened", "subscription_id", subscriptionID, "from", from.String(),
			"cooldown", d.config.BreakerCooldown)
	case circuitbreaker.Closed:
		d.logger.Info("Circuit closed", "subscription_id", subscriptionID)
	default:
		d.logger.Debug("Circuit probing", "subscription_id", subscriptionID)
	}
}

// worker processes jobs from the queue.
func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stop:
			// Drain remaining jobs before exiting
			d.drainQueue()
			return
		case job := <-d.queue:
			d.process(job)
		}
	}
}

// drainQueue delivers remaining jobs after shutdown signal.
func (d *Dispatcher) drainQueue() {
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		default:
			return // queue empty
		}
	}
}

// process delivers one queued job. A panic is contained to the job.
func (d *Dispatcher) process(job *delivery.Job) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.logger.Error("Delivery panicked",
				"subscription_id", job.Subscription.ID,
				"event_type", job.EventType,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	breaker := d.breakers.Get(job.Subscription.ID)
	if !breaker.Allow() {
		d.requeue(job, breaker)
		return
	}

	out := d.executor.Deliver(d.deliveryCtx, job)
	d.settle(job, breaker, out)
}

// run delivers a job synchronously. An open circuit fails the job at once.
func (d *Dispatcher) run(ctx context.Context, job *delivery.Job) delivery.Outcome {
	breaker := d.breakers.Get(job.Subscription.ID)
	if !breaker.Allow() {
		out := d.executor.Reject(job, ErrCircuitOpen)
		d.settle(job, nil, out)
		return out
	}
	out := d.executor.Deliver(ctx, job)
	d.settle(job, breaker, out)
	return out
}

// settle feeds an outcome back into the breaker, counters and metrics.
// Only exhausted retries count against the subscription; a 4xx means its
// endpoint answered.
func (d *Dispatcher) settle(job *delivery.Job, breaker *circuitbreaker.Breaker, out delivery.Outcome) {
	ctx := context.Background()

	if breaker != nil {
		switch {
		case out.State == delivery.StateRetriesExhausted:
			breaker.RecordFailure()
		case out.State == delivery.StateDelivered, out.StatusCode != 0:
			breaker.RecordSuccess()
		default:
			breaker.Release()
		}
	}

	switch out.State {
	case delivery.StateDelivered:
		d.delivered.Add(1)
		if d.metrics != nil {
			d.metrics.RecordWebhookDelivered(ctx, job.EventType, out.Duration.Seconds())
		}
	case delivery.StateAbandoned:
		d.abandoned.Add(1)
		if d.metrics != nil {
			d.metrics.RecordWebhookDropped(ctx, job.EventType, "shutdown")
		}
	default:
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordWebhookFailed(ctx, job.EventType, out.State.String())
		}
	}

	if out.StorageErr != nil {
		d.config.OnError(out.StorageErr)
	}
}

// requeue puts a job back in the queue once its subscription's circuit may
// let a probe through. After MaxRequeues the job is failed as "circuit open".
func (d *Dispatcher) requeue(job *delivery.Job, breaker *circuitbreaker.Breaker) {
	if job.Requeues >= d.config.MaxRequeues {
		out := d.executor.Reject(job, ErrCircuitOpen)
		d.settle(job, nil, out)
		d.logger.Warn("Delivery failed, max requeues reached",
			"subscription_id", job.Subscription.ID,
			"event_type", job.EventType,
			"requeues", job.Requeues,
		)
		return
	}

	job.Requeues++
	requeues := job.Requeues // capture for goroutine
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordWebhookRequeued(context.Background(), job.EventType)
	}

	wait := breaker.RetryAfter()
	if wait <= 0 {
		wait = d.config.BreakerCooldown
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-d.shutdown:
			d.abandon(job, "shutdown")
			return
		case <-timer.C:
		}

		d.enqueueMu.RLock()
		defer d.enqueueMu.RUnlock()
		if d.closed.Load() {
			d.abandon(job, "shutdown")
			return
		}
		select {
		case d.queue <- job:
			d.logger.Debug("Delivery requeued", "subscription_id", job.Subscription.ID,
				"event_type", job.EventType, "requeues", requeues)
		default:
			d.abandon(job, "buffer_full")
			d.logger.Warn("Delivery dropped on requeue, buffer full",
				"subscription_id", job.Subscription.ID, "event_type", job.EventType)
		}
	}()
}

func (d *Dispatcher) abandon(job *delivery.Job, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordWebhookDropped(context.Background(), job.EventType, reason)
	}
}
