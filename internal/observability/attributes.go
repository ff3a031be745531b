// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrEventType = "event_type"
	attrState     = "state"
	attrReason    = "reason"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/subscriptions/abc123 -> /v1/subscriptions/{id}
	normalized := normalizePath(path)
	return attribute.String(attrPath, normalized)
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func eventTypeAttr(eventType string) attribute.KeyValue {
	return attribute.String(attrEventType, eventType)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

// pathTemplates maps route prefixes to the placeholder used for the trailing
// segment. Event types are a small fixed set and stay as they are.
var pathTemplates = []struct {
	prefix      string
	placeholder string
}{
	{"/v1/subscriptions/", "/v1/subscriptions/{id}"},
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	for _, t := range pathTemplates {
		if len(path) > len(t.prefix) && strings.HasPrefix(path, t.prefix) {
			return t.placeholder
		}
	}
	return path
}

// WithMethod returns a metric option with the method attribute.
func WithMethod(method string) metric.MeasurementOption {
	return metric.WithAttributes(methodAttr(method))
}

// WithPath returns a metric option with the path attribute.
func WithPath(path string) metric.MeasurementOption {
	return metric.WithAttributes(pathAttr(path))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}

// WithEventType returns a metric option with the event type attribute.
func WithEventType(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(eventTypeAttr(eventType))
}
