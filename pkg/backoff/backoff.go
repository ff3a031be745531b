// Package backoff provides exponential backoff calculation.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	Jitter  float64       // fraction of the delay to randomize, e.g. 0.2 = ±20% (default: none)
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
// With Jitter set, the result is spread uniformly around that value
// and never exceeds Max.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	jitter := 0.0
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
		if cfg.Jitter > 0 && cfg.Jitter < 1 {
			jitter = cfg.Jitter
		}
	}

	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	if jitter > 0 {
		backoff += backoff * jitter * (rand.Float64()*2 - 1)
		if backoff > float64(maxBackoff) {
			backoff = float64(maxBackoff)
		}
	}
	return time.Duration(backoff)
}

// Wait blocks for the backoff of attempt. It returns false if ctx ended
// first.
func Wait(ctx context.Context, attempt int, cfg *Config) bool {
	t := time.NewTimer(Exponential(attempt, cfg))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
