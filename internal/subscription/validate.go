package subscription

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"hookrelay/internal/apperrors"
	"hookrelay/pkg/signature"
	"hookrelay/pkg/webhook"
)

// Validation limits
const (
	maxURLLength       = 2048
	maxHeaders         = 16
	maxHeaderNameLen   = 64
	maxHeaderValueLen  = 1024
	maxConditions      = 32
	maxEventTypeLength = 64
)

// reservedHeaders cannot be set through a subscription's custom headers.
var reservedHeaders = []string{
	signature.HeaderName,
	webhook.HeaderEvent,
	webhook.HeaderDelivery,
	"Content-Type",
	"Content-Length",
	"Host",
	"Transfer-Encoding",
	"Connection",
}

// IsReservedHeader reports whether name is set by hookrelay itself.
func IsReservedHeader(name string) bool {
	key := http.CanonicalHeaderKey(name)
	for _, h := range reservedHeaders {
		if http.CanonicalHeaderKey(h) == key {
			return true
		}
	}
	return false
}

// ValidateURL checks that rawURL is an absolute http(s) URL.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	if len(rawURL) > maxURLLength {
		return fmt.Errorf("URL exceeds maximum length of %d", maxURLLength)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if parsed.User != nil {
		return fmt.Errorf("URL must not embed credentials")
	}
	return nil
}

// Validate checks a subscription before it is stored.
// requiresConditions reports whether the event type needs a non-empty
// condition set.
func Validate(s *Subscription, requiresConditions bool) error {
	if s.OwnerID == "" {
		return apperrors.Validation("owner_id", "owner is required")
	}
	if s.EventType == "" {
		return apperrors.Validation("event_type", "event type is required")
	}
	if len(s.EventType) > maxEventTypeLength {
		return apperrors.Validation("event_type", fmt.Sprintf("event type exceeds maximum length of %d", maxEventTypeLength))
	}
	if err := ValidateURL(s.URL); err != nil {
		return apperrors.Validation("url", fmt.Sprintf("invalid URL: %v", err))
	}

	if len(s.Headers) > maxHeaders {
		return apperrors.Validation("headers", fmt.Sprintf("headers exceed maximum of %d", maxHeaders))
	}
	for k, v := range s.Headers {
		if k == "" || len(k) > maxHeaderNameLen {
			return apperrors.Validation("headers", fmt.Sprintf("header name must be 1-%d characters", maxHeaderNameLen))
		}
		if len(v) > maxHeaderValueLen {
			return apperrors.Validation("headers", fmt.Sprintf("header %s value exceeds maximum length of %d", k, maxHeaderValueLen))
		}
		if strings.ContainsAny(k, " \t\r\n:") || strings.ContainsAny(v, "\r\n") {
			return apperrors.Validation("headers", fmt.Sprintf("header %s contains invalid characters", k))
		}
		if IsReservedHeader(k) {
			return apperrors.Validation("headers", fmt.Sprintf("header %s is reserved", http.CanonicalHeaderKey(k)))
		}
	}

	if len(s.Conditions) > maxConditions {
		return apperrors.Validation("conditions", fmt.Sprintf("conditions exceed maximum of %d", maxConditions))
	}
	if err := s.Conditions.Validate(); err != nil {
		return apperrors.Validation("conditions", err.Error())
	}
	if requiresConditions && len(s.Conditions) == 0 {
		return apperrors.Validation("conditions", fmt.Sprintf("event type %s requires at least one condition", s.EventType))
	}
	return nil
}
