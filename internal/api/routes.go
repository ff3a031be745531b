package api

import (
	"net/http"

	"hookrelay/internal/health"
	"hookrelay/internal/observability"
	"hookrelay/internal/subscription"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Subscriptions SubscriptionService
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Dispatcher    EventDispatcher
	Notifier      subscription.ChangeNotifier
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Subscriptions, cfg.Metrics, cfg.HealthChecker, cfg.Dispatcher, cfg.Notifier)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Internal endpoints - no auth (network-isolated)
	mux.HandleFunc("POST /internal/events/{eventType}", handler.IngestEvent)

	// Admin endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/subscriptions", authMiddleware(http.HandlerFunc(handler.CreateSubscription)))
	mux.Handle("GET /v1/subscriptions/{id}", authMiddleware(http.HandlerFunc(handler.GetSubscription)))
	mux.Handle("PUT /v1/subscriptions/{id}", authMiddleware(http.HandlerFunc(handler.UpdateSubscription)))
	mux.Handle("DELETE /v1/subscriptions/{id}", authMiddleware(http.HandlerFunc(handler.DeleteSubscription)))
	mux.Handle("POST /v1/registry/reload", authMiddleware(http.HandlerFunc(handler.ReloadRegistry)))
	mux.Handle("GET /v1/registry/{eventType}", authMiddleware(http.HandlerFunc(handler.GetRegistry)))
	mux.Handle("GET /v1/dispatcher/stats", authMiddleware(http.HandlerFunc(handler.DispatcherStats)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	h = RequestIDMiddleware()(h)

	return h
}
