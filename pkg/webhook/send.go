// Package webhook sends signed JSON bodies to subscriber endpoints over HTTP.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Headers set by hookrelay on every delivery.
const (
	HeaderEvent    = "X-Hookrelay-Event"
	HeaderDelivery = "X-Hookrelay-Delivery"
)

// maxResponseBody caps how much of a subscriber response is read.
const maxResponseBody = 64 << 10

// Sender posts webhook bodies over HTTP.
// Redirects are followed and certificates are verified (net/http defaults).
type Sender struct {
	client *http.Client
}

// NewSender creates a new sender with standard transport settings.
// The timeout applies to each call; callers may impose tighter deadlines via ctx.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// NewSenderWithClient wraps an existing client (tests, custom transports).
func NewSenderWithClient(client *http.Client) *Sender {
	return &Sender{client: client}
}

// Response summarizes a completed HTTP exchange.
type Response struct {
	StatusCode int
	Body       []byte // first 64KB of the response body
}

// Post delivers body via HTTP POST with the given headers.
// A non-2xx response is reported as *HTTPError alongside the response.
func (s *Sender) Post(ctx context.Context, url string, body []byte, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	out := &Response{StatusCode: resp.StatusCode, Body: snippet}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return out, nil
	}
	return out, &HTTPError{StatusCode: resp.StatusCode}
}

// HTTPError represents a non-2xx HTTP response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// RequestError means the request could not be built (bad URL, etc).
// Retrying will not help.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string {
	return "invalid request: " + e.Err.Error()
}

func (e *RequestError) Unwrap() error { return e.Err }

// IsClientError returns true for 4xx errors.
func IsClientError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}

// IsRetryable reports whether a failed delivery may succeed on another attempt.
// Server errors (5xx) and transport failures are retryable. Every other
// non-2xx status and malformed requests are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *RequestError
	if errors.As(err, &re) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500
	}
	return true
}
