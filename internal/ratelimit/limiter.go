// Package ratelimit enforces a per-(provider, tenant) token bucket on
// outbound upstream calls, and lets a caller that received a 429 pause the
// whole bucket for the advertised Retry-After duration.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opside/reconciler/internal/core"
)

// Config is the default token bucket shape, overridable per provider.
type Config struct {
	RatePerSecond float64
	Burst         int
}

// DefaultSPAPIConfig matches SP-API's default per-seller throttling.
var DefaultSPAPIConfig = Config{RatePerSecond: 1, Burst: 1}

type bucket struct {
	limiter  *rate.Limiter
	pausedAt time.Time
	pauseFor time.Duration
	mu       sync.Mutex
}

func (b *bucket) paused() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pauseFor == 0 {
		return 0, false
	}
	remaining := b.pauseFor - time.Since(b.pausedAt)
	if remaining <= 0 {
		b.pauseFor = 0
		return 0, false
	}
	return remaining, true
}

func (b *bucket) pause(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pausedAt = time.Now()
	b.pauseFor = d
}

// Limiter tracks one token bucket per (provider, tenantId) key.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[string]*bucket
	defaults map[core.Provider]Config
	logger   *slog.Logger
}

// New creates a Limiter. defaults maps a provider to its bucket shape;
// providers not present fall back to DefaultSPAPIConfig.
func New(defaults map[core.Provider]Config) *Limiter {
	l := &Limiter{
		buckets:  make(map[string]*bucket),
		defaults: defaults,
		logger:   slog.Default().With("component", "ratelimit"),
	}
	go l.cleanup()
	return l
}

func key(provider core.Provider, tenantID string) string {
	return string(provider) + ":" + tenantID
}

func (l *Limiter) bucketFor(provider core.Provider, tenantID string) *bucket {
	k := key(provider, tenantID)

	l.mu.RLock()
	b, ok := l.buckets[k]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[k]; ok {
		return b
	}

	cfg, ok := l.defaults[provider]
	if !ok {
		cfg = DefaultSPAPIConfig
	}
	b = &bucket{limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)}
	l.buckets[k] = b
	return b
}

// Acquire blocks until a token is available for (provider, tenantID), the
// bucket's pause window (set by Pause) elapses, or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context, provider core.Provider, tenantID string) error {
	b := l.bucketFor(provider, tenantID)

	if remaining, paused := b.paused(); paused {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	// Reserve and wait here rather than rate.Wait, which fails early with
	// its own error when the next token lies past ctx's deadline.
	if err := ctx.Err(); err != nil {
		return err
	}
	r := b.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("ratelimit: bucket %s cannot grant a token", key(provider, tenantID))
	}
	wait := time.NewTimer(r.Delay())
	defer wait.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-wait.C:
		return nil
	}
}

// Pause suspends the bucket for (provider, tenantID) for d, per a 429
// response's Retry-After. Any in-flight or future Acquire call on this
// key waits out the full pause before consulting the token bucket again.
func (l *Limiter) Pause(provider core.Provider, tenantID string, d time.Duration) {
	b := l.bucketFor(provider, tenantID)
	b.pause(d)
	l.logger.Warn("rate limiter paused", "provider", provider, "tenant", tenantID, "duration", d)
}

// cleanup periodically drops buckets that have been idle long enough that
// recreating them on next use is cheaper than holding them forever.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		for k, b := range l.buckets {
			if _, paused := b.paused(); !paused && b.limiter.Tokens() >= float64(b.limiter.Burst()) {
				delete(l.buckets, k)
			}
		}
		l.mu.Unlock()
	}
}

// Stats reports the number of active buckets, for health/metrics endpoints.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return map[string]interface{}{
		"active_buckets": len(l.buckets),
	}
}
