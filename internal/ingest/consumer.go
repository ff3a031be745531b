// Package ingest feeds events from Kafka into the dispatcher.
//
// Offsets are committed only after the dispatcher accepted the event, so a
// crash between the two redelivers it (at-least-once).
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"hookrelay/pkg/backoff"
)

// HeaderEventType is the Kafka message header naming the event type.
const HeaderEventType = "event_type"

// ErrNoEventType is returned for messages that name no event type.
var ErrNoEventType = errors.New("message has no event type")

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Dispatcher accepts decoded events.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventType string, payload any) error
}

// Stats are consumer counters.
type Stats struct {
	Received   int64 `json:"received"`
	Dispatched int64 `json:"dispatched"`
	Malformed  int64 `json:"malformed"`
	Retried    int64 `json:"retried"`
}

// Consumer reads messages and dispatches them.
type Consumer struct {
	reader     MessageReader
	dispatcher Dispatcher
	retry      backoff.Config
	logger     *slog.Logger

	received   atomic.Int64
	dispatched atomic.Int64
	malformed  atomic.Int64
	retried    atomic.Int64
}

// NewConsumer creates a consumer reading from reader.
func NewConsumer(cfg Config, reader MessageReader, d Dispatcher) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		reader:     reader,
		dispatcher: d,
		retry:      backoff.Config{Initial: cfg.RetryDelay, Max: 10 * cfg.RetryDelay, Jitter: 0.2},
		logger:     slog.With("component", "ingest", "topic", cfg.Topic),
	}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting Kafka ingestion")
	defer c.logger.Info("Kafka ingestion stopped")

	fetchFailures := 0
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fetchFailures++
			c.logger.Error("Failed to fetch message", "error", err)
			if !backoff.Wait(ctx, fetchFailures, &c.retry) {
				return nil
			}
			continue
		}
		fetchFailures = 0
		c.received.Add(1)

		if !c.handle(ctx, msg) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// The offset is committed with a later message or redelivered.
			c.logger.Error("Failed to commit offset",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

// handle dispatches msg, retrying while the dispatcher rejects it. It
// returns false when ctx ended before the event was accepted.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	eventType, payload, err := Decode(msg)
	if err != nil {
		c.malformed.Add(1)
		c.logger.Warn("Dropping malformed message",
			"partition", msg.Partition, "offset", msg.Offset, "error", err)
		return true
	}

	for attempt := 1; ; attempt++ {
		err := c.dispatcher.Dispatch(ctx, eventType, payload)
		if err == nil {
			c.dispatched.Add(1)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.retried.Add(1)
		c.logger.Warn("Dispatch rejected event, retrying",
			"event_type", eventType, "offset", msg.Offset, "attempt", attempt, "error", err)
		if !backoff.Wait(ctx, attempt, &c.retry) {
			return false
		}
	}
}

// Stats returns consumer counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Received:   c.received.Load(),
		Dispatched: c.dispatched.Load(),
		Malformed:  c.malformed.Load(),
		Retried:    c.retried.Load(),
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		c.logger.Error("Error closing Kafka reader", "error", err)
		return err
	}
	return nil
}

type envelope struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// Decode extracts the event type and payload from msg. The event type comes
// from the event_type header, with the value as payload; otherwise the value
// must be an {"event_type": ..., "data": {...}} envelope.
func Decode(msg kafka.Message) (string, json.RawMessage, error) {
	for _, h := range msg.Headers {
		if h.Key == HeaderEventType && len(h.Value) > 0 {
			return string(h.Value), json.RawMessage(msg.Value), nil
		}
	}

	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return "", nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.EventType == "" {
		return "", nil, ErrNoEventType
	}
	return env.EventType, env.Data, nil
}
