// Package ratelimit bounds per-caller invocation frequency with a fixed
// window counter.
//
// The counter state lives behind the CounterStore interface so it has a
// defined lifecycle and is swappable: the in-process MemoryStore is the
// default, and RedisStore coordinates across instances. Either way the
// limiter is explicitly best-effort — a store malfunction fails open rather
// than blocking traffic.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// CounterStore increments the request counter for a key within the current
// fixed window, creating the window on first use. Implementations must be
// safe for concurrent use; the increment must be atomic (no lock held
// across a network call).
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// Result reports a limiter decision. ResetAt is echoed to rejected callers
// so they can back off until the window turns over.
type Result struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Limiter enforces at most Limit requests per caller per Window.
type Limiter struct {
	store  CounterStore
	limit  int64
	window time.Duration
	logger *slog.Logger
}

// New creates a fixed-window limiter over the given counter store.
func New(store CounterStore, limit int, window time.Duration, logger *slog.Logger) *Limiter {
	return &Limiter{store: store, limit: int64(limit), window: window, logger: logger}
}

// Allow records one request for callerID and reports whether it is within
// the window's budget. Store errors fail open.
func (l *Limiter) Allow(ctx context.Context, callerID string) Result {
	count, resetAt, err := l.store.Incr(ctx, callerID, l.window)
	if err != nil {
		l.logger.Warn("ratelimit: counter store error, failing open", "caller_id", callerID, "error", err)
		return Result{Allowed: true, Remaining: 0, ResetAt: time.Now().UTC().Add(l.window)}
	}

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= l.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Close releases the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
