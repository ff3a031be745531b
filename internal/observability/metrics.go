package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/deliveries take
// - Traffic: Request/event throughput
// - Errors: Rate of failures
// - Saturation: Queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Event metrics (Traffic, Errors)
	EventsTotal        metric.Int64Counter
	EventsInvalidTotal metric.Int64Counter
	EventMatches       metric.Int64Histogram

	// Webhook delivery metrics (Latency, Traffic, Errors, Saturation)
	WebhookDuration     metric.Float64Histogram
	WebhookDelivered    metric.Int64Counter
	WebhookFailed       metric.Int64Counter
	WebhookDropped      metric.Int64Counter
	WebhookRequeued     metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("hookrelay")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Event metrics
	m.EventsTotal, err = meter.Int64Counter(
		"events_total",
		metric.WithDescription("Total events accepted for matching"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventsInvalidTotal, err = meter.Int64Counter(
		"events_invalid_total",
		metric.WithDescription("Total events dropped by payload validation"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventMatches, err = meter.Int64Histogram(
		"event_matched_subscriptions",
		metric.WithDescription("Subscriptions matched per event"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 5, 10, 25, 50, 100),
	)
	if err != nil {
		return nil, nil, err
	}

	// Webhook delivery metrics
	m.WebhookDuration, err = meter.Float64Histogram(
		"webhook_delivery_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds, retries included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WebhookDelivered, err = meter.Int64Counter(
		"webhook_delivered_total",
		metric.WithDescription("Total webhooks successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WebhookFailed, err = meter.Int64Counter(
		"webhook_failed_total",
		metric.WithDescription("Total webhooks failed permanently or after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WebhookDropped, err = meter.Int64Counter(
		"webhook_dropped_total",
		metric.WithDescription("Total webhooks dropped (buffer full or shutdown)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WebhookRequeued, err = meter.Int64Counter(
		"webhook_requeued_total",
		metric.WithDescription("Total webhooks requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of deliveries in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// ObserveRegistrySize reports the number of registered subscriptions on
// each collection.
func (m *Metrics) ObserveRegistrySize(size func() int64) error {
	_, err := m.meter.Int64ObservableGauge(
		"webhook_registry_subscriptions",
		metric.WithDescription("Subscriptions held in the in-memory registry"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(size())
			return nil
		}),
	)
	return err
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordEventReceived records an event that passed validation and how many
// subscriptions it matched.
func (m *Metrics) RecordEventReceived(ctx context.Context, eventType string, matched int) {
	attrs := metric.WithAttributes(eventTypeAttr(eventType))
	m.EventsTotal.Add(ctx, 1, attrs)
	m.EventMatches.Record(ctx, int64(matched), attrs)
}

// RecordEventInvalid records an event dropped by validation.
func (m *Metrics) RecordEventInvalid(ctx context.Context, eventType string) {
	m.EventsInvalidTotal.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType)))
}

// RecordWebhookDelivered records a successful delivery with its duration.
func (m *Metrics) RecordWebhookDelivered(ctx context.Context, eventType string, durationSeconds float64) {
	attrs := metric.WithAttributes(eventTypeAttr(eventType))
	m.WebhookDelivered.Add(ctx, 1, attrs)
	m.WebhookDuration.Record(ctx, durationSeconds, attrs)
}

// RecordWebhookFailed records a failed delivery by terminal state.
func (m *Metrics) RecordWebhookFailed(ctx context.Context, eventType, state string) {
	m.WebhookFailed.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType), stateAttr(state)))
}

// RecordWebhookDropped records a delivery that was never attempted.
func (m *Metrics) RecordWebhookDropped(ctx context.Context, eventType, reason string) {
	m.WebhookDropped.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType), reasonAttr(reason)))
}

// RecordWebhookRequeued records a requeued delivery.
func (m *Metrics) RecordWebhookRequeued(ctx context.Context, eventType string) {
	m.WebhookRequeued.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType)))
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
