package delivery

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"hookrelay/internal/apperrors"
	"hookrelay/internal/subscription"
	"hookrelay/pkg/backoff"
	"hookrelay/pkg/signature"
	"hookrelay/pkg/webhook"
)

// Executor delivers jobs to subscriber endpoints.
type Executor struct {
	sender   *webhook.Sender
	recorder FailureRecorder
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	// failing holds the subscription IDs this executor recorded a failure
	// for since their registry copy was loaded.
	failing sync.Map
}

// NewExecutor creates an executor. A nil sender gets a default one using
// the configured attempt timeout; a nil recorder disables bookkeeping.
func NewExecutor(cfg Config, sender *webhook.Sender, recorder FailureRecorder) *Executor {
	cfg = cfg.withDefaults()
	if sender == nil {
		sender = webhook.NewSender(cfg.AttemptTimeout)
	}
	return &Executor{
		sender:   sender,
		recorder: recorder,
		config:   cfg,
		logger:   slog.With("component", "delivery"),
		now:      time.Now,
	}
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.config }

// Deliver runs the attempt loop for job. ctx cancellation abandons the
// delivery without recording anything.
func (e *Executor) Deliver(ctx context.Context, job *Job) Outcome {
	start := e.now()
	out := Outcome{State: StatePending}
	sub := job.Subscription

	sig := job.Signature
	if sig == "" {
		var err error
		sig, err = signature.Sign(job.Body, sub.Secret)
		if err != nil {
			out.State = StatePermanentlyFailed
			out.Err = err
			out.Duration = e.now().Sub(start)
			out.StorageErr = e.recordFailure(job, err)
			e.logOutcome(job, out)
			return out
		}
	}
	header := Header(job, sig)

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			if !backoff.Wait(ctx, attempt-1, &e.config.Backoff) {
				return e.abandon(job, out, start)
			}
		}
		if ctx.Err() != nil {
			return e.abandon(job, out, start)
		}

		out.State = StateAttempting
		out.Attempts = attempt
		status, err := e.attempt(ctx, sub.URL, job.Body, header)
		out.StatusCode = status
		if err == nil {
			out.State = StateDelivered
			out.Err = nil
			out.Duration = e.now().Sub(start)
			if e.hasFailure(sub) {
				out.StorageErr = e.clearFailure(job)
			}
			e.logOutcome(job, out)
			return out
		}
		out.Err = err

		if ctx.Err() != nil {
			return e.abandon(job, out, start)
		}
		if !webhook.IsRetryable(err) {
			out.State = StatePermanentlyFailed
			break
		}
		e.logger.Debug("Delivery attempt failed", "subscription_id", sub.ID,
			"delivery_id", job.DeliveryID, "attempt", attempt, "error", err)
	}

	if out.State != StatePermanentlyFailed {
		out.State = StateRetriesExhausted
	}
	out.Duration = e.now().Sub(start)
	out.StorageErr = e.recordFailure(job, out.Err)
	e.logOutcome(job, out)
	return out
}

// Reject ends job without contacting the endpoint and records cause as a
// permanent failure.
func (e *Executor) Reject(job *Job, cause error) Outcome {
	out := Outcome{State: StatePermanentlyFailed, Err: cause}
	out.StorageErr = e.recordFailure(job, cause)
	e.logOutcome(job, out)
	return out
}

func (e *Executor) attempt(ctx context.Context, url string, body []byte, header http.Header) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.AttemptTimeout)
	defer cancel()

	resp, err := e.sender.Post(ctx, url, body, header)
	if resp != nil {
		return resp.StatusCode, err
	}
	return 0, err
}

func (e *Executor) abandon(job *Job, out Outcome, start time.Time) Outcome {
	out.State = StateAbandoned
	out.Duration = e.now().Sub(start)
	e.logOutcome(job, out)
	return out
}

// recordFailure runs on a context detached from the delivery so that
// shutdown of the caller does not lose the record.
func (e *Executor) recordFailure(job *Job, cause error) error {
	if e.recorder == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.config.PersistTimeout)
	defer cancel()

	errText := "unknown error"
	if cause != nil {
		errText = cause.Error()
	}
	if err := e.recorder.RecordDeliveryFailure(ctx, job.Subscription.ID, errText, e.now().UTC()); err != nil {
		return apperrors.Webhook("delivery.recordFailure", err)
	}
	e.failing.Store(job.Subscription.ID, struct{}{})
	return nil
}

// hasFailure reports whether storage may hold a last error for sub: either
// the one it was loaded with or one recorded here since.
func (e *Executor) hasFailure(sub *subscription.Subscription) bool {
	if sub.LastError != "" {
		return true
	}
	_, ok := e.failing.Load(sub.ID)
	return ok
}

func (e *Executor) clearFailure(job *Job) error {
	if e.recorder == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.config.PersistTimeout)
	defer cancel()

	if err := e.recorder.ClearDeliveryError(ctx, job.Subscription.ID, e.now().UTC()); err != nil {
		return apperrors.Webhook("delivery.clearFailure", err)
	}
	e.failing.Delete(job.Subscription.ID)
	return nil
}

func (e *Executor) logOutcome(job *Job, out Outcome) {
	attrs := []any{
		"subscription_id", job.Subscription.ID,
		"event_type", job.EventType,
		"delivery_id", job.DeliveryID,
		"state", out.State.String(),
		"attempts", out.Attempts,
		"status", out.StatusCode,
		"duration_ms", out.Duration.Milliseconds(),
	}
	switch out.State {
	case StateDelivered:
		e.logger.Debug("Webhook delivered", attrs...)
	case StateAbandoned:
		e.logger.Info("Webhook delivery abandoned", attrs...)
	default:
		e.logger.Warn("Webhook delivery failed", append(attrs, "error", out.Err)...)
	}
	if out.StorageErr != nil {
		e.logger.Error("Failed to update delivery status", "subscription_id", job.Subscription.ID, "error", out.StorageErr)
	}
}

// Header builds the request headers for job. Reserved headers are set
// after the subscription's custom headers so they cannot be overridden.
func Header(job *Job, sig string) http.Header {
	h := make(http.Header, len(job.Subscription.Headers)+4)
	h.Set("Content-Type", "application/json")
	for k, v := range job.Subscription.Headers {
		if subscription.IsReservedHeader(k) {
			continue
		}
		h.Set(k, v)
	}
	h.Set(signature.HeaderName, sig)
	h.Set(webhook.HeaderEvent, job.EventType)
	h.Set(webhook.HeaderDelivery, job.DeliveryID)
	return h
}
