// hookrelay delivers sensor events to subscribed webhook endpoints.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"hookrelay/internal/api"
	"hookrelay/internal/config"
	"hookrelay/internal/delivery"
	"hookrelay/internal/dispatcher"
	"hookrelay/internal/event"
	"hookrelay/internal/health"
	"hookrelay/internal/ingest"
	"hookrelay/internal/observability"
	"hookrelay/internal/registry"
	"hookrelay/internal/reloader"
	"hookrelay/internal/store"
	"hookrelay/internal/subscription"
	"hookrelay/pkg/backoff"
	"hookrelay/pkg/secretbox"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	deliveryCfg := delivery.LoadConfigFromEnv()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	kafkaCfg := ingest.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Storage with encrypted secrets
	material, err := keyMaterial(svcCfg.SecretKey)
	if err != nil {
		return err
	}
	box, err := secretbox.New(material)
	if err != nil {
		return fmt.Errorf("invalid SECRET_KEY_FILE: %w", err)
	}
	db, err := store.NewDB(svcCfg.DatabaseURL, box)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	// Registry, delivery and dispatcher
	reg := registry.New(db)
	executor := delivery.NewExecutor(deliveryCfg, nil, db)
	dispatcherCfg.OnError = func(err error) {
		slog.Warn("Delivery bookkeeping failed", "error", err)
	}
	eventDispatcher := dispatcher.New(dispatcherCfg, reg, executor, metrics)
	for _, h := range event.Builtin() {
		eventDispatcher.RegisterHandler(h)
	}
	if err := metrics.ObserveRegistrySize(func() int64 { return int64(reg.Stats().Total) }); err != nil {
		return err
	}

	checks := []health.Check{
		{Name: "registry", Checker: health.ReadinessFunc(func(context.Context) error { return reg.Ready() })},
		{Name: "database", Checker: health.ReadinessFunc(db.Ping)},
	}

	// Cross-instance reloads are optional
	var notifier subscription.ChangeNotifier
	var versionPoller *reloader.Reloader
	if svcCfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: svcCfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis not reachable, registry reloads will retry", "addr", svcCfg.RedisAddr, "error", err)
		}
		versions := reloader.NewRedisVersions(redisClient)
		notifier = versions
		versionPoller = reloader.New(versions, eventDispatcher, svcCfg.PollInterval)
		checks = append(checks, health.Check{
			Name:     "redis",
			Checker:  health.ReadinessFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
			Optional: true,
		})
		slog.Info("Cross-instance registry reloads enabled", "addr", svcCfg.RedisAddr)
	}

	healthChecker := health.NewChecker(checks...)

	subscriptions := subscription.NewService(subscription.ServiceConfig{
		Store:    db,
		Registry: eventDispatcher,
		Catalog:  eventDispatcher,
		Notifier: notifier,
	})

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Subscriptions: subscriptions,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Dispatcher:    eventDispatcher,
		Notifier:      notifier,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Background work stops when bgCancel is called or any runner fails
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	g, gctx := errgroup.WithContext(bgCtx)

	g.Go(func() error {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		loadRegistries(gctx, eventDispatcher)
		return nil
	})
	if versionPoller != nil {
		g.Go(func() error { return versionPoller.Run(gctx) })
	}

	var consumer *ingest.Consumer
	if kafkaCfg.Enabled() {
		reader, err := ingest.NewReader(kafkaCfg)
		if err != nil {
			return err
		}
		consumer = ingest.NewConsumer(kafkaCfg, reader, eventDispatcher)
		g.Go(func() error { return consumer.Run(gctx) })
		slog.Info("Kafka ingestion enabled", "brokers", kafkaCfg.Brokers, "topic", kafkaCfg.Topic)
	}

	// Wait for interrupt signal or a failed runner
	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case <-gctx.Done():
		slog.Error("Background runner failed, shutting down")
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 && gctx.Err() == nil {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop ingestion, then finish in-flight HTTP requests
	slog.Info("Starting graceful shutdown")
	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("API server shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server shutdown error", "error", err)
	}
	runErr = g.Wait()
	if consumer != nil {
		consumer.Close()
	}

	// Phase 3: Drain queued deliveries
	slog.Info("Draining webhook dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"abandoned", stats.Abandoned,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return runErr
}

// loadRegistries performs the initial registry load, retrying until every
// bucket loaded or ctx ends. The service reports not ready meanwhile.
func loadRegistries(ctx context.Context, d *dispatcher.Dispatcher) {
	retry := &backoff.Config{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2}
	for attempt := 1; ; attempt++ {
		err := d.LoadAllRegistries(ctx)
		if err == nil {
			slog.Info("Registry loaded", "subscriptions", d.RegistryStats().Total)
			return
		}
		slog.Error("Registry load failed", "attempt", attempt, "error", err)

		if !backoff.Wait(ctx, attempt, retry) {
			return
		}
	}
}

// keyMaterial accepts the secret key as hex or as raw bytes.
func keyMaterial(key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("SECRET_KEY_FILE is required")
	}
	if decoded, err := hex.DecodeString(key); err == nil && len(decoded) >= secretbox.MinKeySize {
		return decoded, nil
	}
	return []byte(key), nil
}
