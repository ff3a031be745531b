package apperrors

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("url", "url is required")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to match ErrValidation")
	}
	if err.Error() != "url is required" {
		t.Errorf("expected message 'url is required', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "url" {
		t.Errorf("expected field 'url', got %q", appErr.Field)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("subscription", "abc123")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if err.Error() != "subscription abc123 not found" {
		t.Errorf("expected message 'subscription abc123 not found', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Resource != "subscription" {
		t.Errorf("expected resource 'subscription', got %q", appErr.Resource)
	}
}

func TestConflict(t *testing.T) {
	t.Parallel()
	err := Conflict("subscription", "abc123", "subscription already exists")

	if !errors.Is(err, ErrConflict) {
		t.Error("expected error to match ErrConflict")
	}
	if err.Error() != "subscription already exists" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestForbidden(t *testing.T) {
	t.Parallel()
	err := Forbidden("subscription", "role analyst may not subscribe to sensor_created")

	if !errors.Is(err, ErrForbidden) {
		t.Error("expected error to match ErrForbidden")
	}
	if errors.Is(err, ErrValidation) {
		t.Error("forbidden must not classify as validation")
	}
}

func TestInternal(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("connection reset")
	err := Internal("store.createSubscription", cause)

	if !errors.Is(err, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}
	if err.Error() != "store.createSubscription: connection reset" {
		t.Errorf("unexpected message: %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Cause != cause {
		t.Error("expected cause to be preserved")
	}
}

func TestWebhook(t *testing.T) {
	t.Parallel()
	err := Webhook("registry.load", sql.ErrConnDone)

	if !IsWebhook(err) {
		t.Error("expected webhook tag")
	}
	if !errors.Is(err, sql.ErrConnDone) {
		t.Error("expected cause to remain reachable through errors.Is")
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Domain != DomainWebhook || appErr.Op != "registry.load" {
		t.Errorf("unexpected tag fields: domain=%q op=%q", appErr.Domain, appErr.Op)
	}
	if err.Error() != "webhook: registry.load: sql: connection is already closed" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestWebhook_NilAndIdempotent(t *testing.T) {
	t.Parallel()
	if Webhook("op", nil) != nil {
		t.Error("expected nil for nil cause")
	}

	once := Webhook("delivery.record", errors.New("db down"))
	twice := Webhook("dispatcher.dispatch", fmt.Errorf("wrap: %w", once))
	if !IsWebhook(twice) {
		t.Error("expected tag to survive wrapping")
	}
	var appErr *Error
	if !errors.As(twice, &appErr) || appErr.Op != "delivery.record" {
		t.Errorf("expected original tagged error to be kept, got %v", twice)
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("url", "required"), http.StatusBadRequest},
		{"not found", NotFound("subscription", "123"), http.StatusNotFound},
		{"conflict", Conflict("subscription", "123", "exists"), http.StatusConflict},
		{"forbidden", Forbidden("subscription", "nope"), http.StatusForbidden},
		{"webhook", Webhook("registry.load", errors.New("down")), http.StatusServiceUnavailable},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"sentinel validation", ErrValidation, http.StatusBadRequest},
		{"sentinel not found", ErrNotFound, http.StatusNotFound},
		{"sentinel internal", ErrInternal, http.StatusInternalServerError},
		{"wrapped validation", fmt.Errorf("wrap: %w", Validation("f", "m")), http.StatusBadRequest},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HTTPStatus(tt.err)
			if got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestErrorsIsWithWrapping(t *testing.T) {
	t.Parallel()
	original := Validation("conditions", "invalid range")
	wrapped := fmt.Errorf("service error: %w", original)
	doubleWrapped := fmt.Errorf("handler error: %w", wrapped)

	if !errors.Is(doubleWrapped, ErrValidation) {
		t.Error("expected errors.Is to find ErrValidation through multiple wraps")
	}
}
