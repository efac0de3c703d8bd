// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package ratelimit spaces out requests to each remote origin by a base
// delay plus random jitter. Origins are independent: waiting on one never
// blocks callers of another.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pdiddy/harvest-engine/internal/metrics"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

// Limiter tracks the last release time per origin. Its state is in-memory
// only; a restart forgets it, which affects politeness but not correctness.
type Limiter struct {
	mu       sync.Mutex
	last     map[string]time.Time
	defaults types.RateLimitConfig
	origins  map[string]types.RateLimitConfig

	now    func() time.Time
	wait   func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source and the wait function. Tests use it
// to simulate time without sleeping.
func WithClock(now func() time.Time, wait func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.wait = wait
	}
}

// WithJitter replaces the jitter source. fn receives the configured maximum
// and must return a value in [0, max].
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(l *Limiter) { l.jitter = fn }
}

// New creates a Limiter applying cfg to every origin without an override.
func New(cfg types.RateLimitConfig, opts ...Option) *Limiter {
	l := &Limiter{
		last:     make(map[string]time.Time),
		defaults: cfg,
		origins:  make(map[string]types.RateLimitConfig),
		now:      time.Now,
		wait:     sleep,
		jitter:   uniformJitter,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetOrigin overrides the policy for one origin.
func (l *Limiter) SetOrigin(origin string, cfg types.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.origins[origin] = cfg
}

// Acquire suspends the caller until it is polite to contact origin again.
// It fails only when ctx is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context, origin string) error {
	delay := l.reserve(origin)
	if delay <= 0 {
		return nil
	}
	metrics.ObserveRateLimitWait(origin, delay)
	return l.wait(ctx, delay)
}

// reserve claims the next release slot for origin and returns how long the
// caller must wait for it. Concurrent callers of one origin get successive
// slots, so they are released in arrival order.
func (l *Limiter) reserve(origin string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, ok := l.origins[origin]
	if !ok {
		cfg = l.defaults
	}

	now := l.now()
	release := now
	if last, seen := l.last[origin]; seen {
		spacing := cfg.BaseDelay
		if cfg.Jitter > 0 {
			spacing += l.jitter(cfg.Jitter)
		}
		if next := last.Add(spacing); next.After(now) {
			release = next
		}
	}
	l.last[origin] = release
	return release.Sub(now)
}

// Origin returns the rate-limit key for a URL: its lower-cased scheme and
// host. Strings that are not absolute URLs (source ids) are returned as is.
func Origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
