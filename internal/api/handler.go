// Package api provides the HTTP API handlers and routing for hookrelay.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"hookrelay/internal/apperrors"
	"hookrelay/internal/dispatcher"
	"hookrelay/internal/health"
	"hookrelay/internal/observability"
	"hookrelay/internal/registry"
	"hookrelay/internal/subscription"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Principal headers are set by the upstream gateway after authentication.
const (
	HeaderPrincipalID   = "X-Principal-Id"
	HeaderPrincipalRole = "X-Principal-Role"
)

// EventDispatcher is the dispatcher surface used by the API.
type EventDispatcher interface {
	Dispatch(ctx context.Context, eventType string, payload any) error
	LoadAllRegistries(ctx context.Context) error
	Subscriptions(eventType string) ([]*subscription.Subscription, bool)
	RegistryStats() registry.Stats
	Stats() dispatcher.Stats
}

// SubscriptionService applies administrative subscription changes.
type SubscriptionService interface {
	Create(ctx context.Context, p subscription.Principal, req *subscription.CreateRequest) (*subscription.Response, error)
	Get(ctx context.Context, p subscription.Principal, id string) (*subscription.Subscription, error)
	Update(ctx context.Context, p subscription.Principal, id string, req *subscription.UpdateRequest) (*subscription.Response, error)
	Delete(ctx context.Context, p subscription.Principal, id string) error
}

// Handler contains HTTP handlers for the hookrelay API
type Handler struct {
	subs       SubscriptionService
	metrics    *observability.Metrics
	health     *health.Checker
	dispatcher EventDispatcher
	notifier   subscription.ChangeNotifier
}

// NewHandler creates a new API handler
func NewHandler(subs SubscriptionService, metrics *observability.Metrics, healthChecker *health.Checker,
	d EventDispatcher, notifier subscription.ChangeNotifier) *Handler {
	return &Handler{
		subs:       subs,
		metrics:    metrics,
		health:     healthChecker,
		dispatcher: d,
		notifier:   notifier,
	}
}

func principal(r *http.Request) subscription.Principal {
	return subscription.Principal{
		ID:   r.Header.Get(HeaderPrincipalID),
		Role: r.Header.Get(HeaderPrincipalRole),
	}
}

// CreateSubscription handles POST /v1/subscriptions
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req subscription.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.subs.Create(r.Context(), principal(r), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// GetSubscription handles GET /v1/subscriptions/{id}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Subscription ID is required")
		return
	}

	sub, err := h.subs.Get(r.Context(), principal(r), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// UpdateSubscription handles PUT /v1/subscriptions/{id}
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Subscription ID is required")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req subscription.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.subs.Update(r.Context(), principal(r), id, &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// DeleteSubscription handles DELETE /v1/subscriptions/{id}
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Subscription ID is required")
		return
	}

	if err := h.subs.Delete(r.Context(), principal(r), id); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ReloadRegistry handles POST /v1/registry/reload. It reloads every bucket
// from storage and asks other instances to do the same.
func (h *Handler) ReloadRegistry(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		h.handleError(w, r, err)
		return
	}

	if err := h.dispatcher.LoadAllRegistries(r.Context()); err != nil {
		h.handleError(w, r, err)
		return
	}
	if h.notifier != nil {
		if _, err := h.notifier.Bump(r.Context()); err != nil {
			slog.Warn("Failed to publish registry reload", "error", err)
		}
	}

	h.writeJSON(w, http.StatusOK, h.dispatcher.RegistryStats())
}

// GetRegistry handles GET /v1/registry/{eventType} and lists the bucket in
// evaluation order.
func (h *Handler) GetRegistry(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		h.handleError(w, r, err)
		return
	}

	eventType := r.PathValue("eventType")
	subs, ok := h.dispatcher.Subscriptions(eventType)
	if !ok {
		h.handleError(w, r, apperrors.NotFound("event type", eventType))
		return
	}
	if subs == nil {
		subs = []*subscription.Subscription{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"event_type":    eventType,
		"subscriptions": subs,
	})
}

// DispatcherStats handles GET /v1/dispatcher/stats
func (h *Handler) DispatcherStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.dispatcher.Stats())
}

func requireAdmin(r *http.Request) error {
	if r.Header.Get(HeaderPrincipalRole) != subscription.RoleAdmin {
		return apperrors.Forbidden("registry", "admin role required")
	}
	return nil
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 until the registry has loaded or while storage is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}

// IngestEvent handles POST /internal/events/{eventType}. The body is the
// event payload as a JSON object. Unknown event types and payloads that
// fail validation are accepted and dropped.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	eventType := r.PathValue("eventType")
	if eventType == "" {
		h.writeError(w, http.StatusBadRequest, "event type is required")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid event payload: "+err.Error())
		return
	}

	if err := h.dispatcher.Dispatch(r.Context(), eventType, payload); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
