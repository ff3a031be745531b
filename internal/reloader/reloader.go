// Package reloader keeps the in-memory registries of several instances in
// step by polling a shared version counter.
package reloader

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// VersionSource returns the shared registry version.
type VersionSource interface {
	Version(ctx context.Context) (int64, error)
}

// Loader reloads every registry bucket from storage.
type Loader interface {
	LoadAllRegistries(ctx context.Context) error
}

// Reloader polls the version and reloads registries when it changes.
type Reloader struct {
	source       VersionSource
	loader       Loader
	pollInterval time.Duration
	current      atomic.Int64
	reloads      atomic.Int64
	logger       *slog.Logger
}

// New creates a reloader. pollInterval defaults to 5s.
func New(source VersionSource, loader Loader, pollInterval time.Duration) *Reloader {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Reloader{
		source:       source,
		loader:       loader,
		pollInterval: pollInterval,
		logger:       slog.With("component", "reloader"),
	}
}

// Run polls until ctx is cancelled. The version seen at start is taken as
// already loaded.
func (r *Reloader) Run(ctx context.Context) error {
	version, err := r.source.Version(ctx)
	if err != nil {
		r.logger.Warn("Failed to read initial registry version", "error", err)
	}
	r.current.Store(version)

	r.logger.Info("Starting version poller",
		"poll_interval", r.pollInterval,
		"initial_version", version,
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Version poller stopped")
			return nil
		case <-ticker.C:
			if err := r.checkAndReload(ctx); err != nil && ctx.Err() == nil {
				// Version stays unchanged so the next tick retries.
				r.logger.Error("Failed to check/reload registries", "error", err)
			}
		}
	}
}

func (r *Reloader) checkAndReload(ctx context.Context) error {
	version, err := r.source.Version(ctx)
	if err != nil {
		return err
	}
	previous := r.current.Load()
	if version == previous {
		return nil
	}

	r.logger.Info("Registry version changed, reloading",
		"old_version", previous,
		"new_version", version,
	)
	if err := r.loader.LoadAllRegistries(ctx); err != nil {
		return err
	}
	r.current.Store(version)
	r.reloads.Add(1)
	return nil
}

// Version returns the last version that was loaded.
func (r *Reloader) Version() int64 { return r.current.Load() }

// Reloads returns how many version changes were applied.
func (r *Reloader) Reloads() int64 { return r.reloads.Load() }
