// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
	ErrInternal   = errors.New("internal error")

	// ErrWebhook tags failures of the webhook subsystem (registry loads,
	// delivery bookkeeping) surfaced to ingestion and admin callers.
	ErrWebhook = errors.New("webhook error")
)

// DomainWebhook is the Domain value carried by webhook errors.
const DomainWebhook = "webhook"

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "url", "conditions")
	Resource string // For not found/conflict (e.g., "subscription")
	Op       string // Operation that failed (e.g., "registry.load")
	Domain   string // Subsystem tag (e.g., "webhook")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the sentinel and, when set, the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Forbidden creates an authorization error for a resource.
func Forbidden(resource, reason string) error {
	return &Error{
		Sentinel: ErrForbidden,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Webhook wraps a webhook subsystem failure. Returns nil for a nil cause.
// An error that is already tagged is returned unchanged.
func Webhook(op string, cause error) error {
	if cause == nil {
		return nil
	}
	if IsWebhook(cause) {
		return cause
	}
	return &Error{
		Sentinel: ErrWebhook,
		Message:  fmt.Sprintf("webhook: %s: %v", op, cause),
		Op:       op,
		Domain:   DomainWebhook,
		Cause:    cause,
	}
}

// IsWebhook reports whether err carries the webhook domain tag.
func IsWebhook(err error) bool {
	return errors.Is(err, ErrWebhook)
}
