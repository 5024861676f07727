// Package ratelimit implements a fixed-window request limiter keyed by
// client address.
//
// The window does not slide: a bucket's counter resets when the window
// elapses, which keeps per-key state to a single {count, window_start} pair.
// A background reaper evicts keys idle for more than twice the window.
//
// All methods are safe for concurrent use.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// reapInterval is how often idle buckets are purged.
const reapInterval = 5 * time.Minute

// bucket is the per-key counter state.
type bucket struct {
	count       int
	windowStart time.Time
}

// Decision is the outcome of one [Limiter.Check] call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time

	// RetryAfter is how long the client should wait before retrying.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// SetHeaders writes the standard X-RateLimit-* response headers.
func (d Decision) SetHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

// Limiter is a fixed-window counter limiter.
type Limiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates a [Limiter] allowing limit requests per window. Call
// [Limiter.Run] to start the idle-bucket reaper.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

// Check records one request for key and reports whether it is within the
// limit. Headers are populated on every decision, allowed or not.
func (l *Limiter) Check(key string) Decision {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		b = &bucket{windowStart: now}
		l.buckets[key] = b
	}

	reset := b.windowStart.Add(l.window)
	if b.count >= l.limit {
		return Decision{
			Allowed:    false,
			Limit:      l.limit,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: time.Until(reset),
		}
	}

	b.count++
	return Decision{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - b.count,
		Reset:     reset,
	}
}

// Run purges idle buckets until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reap()
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// reap removes buckets whose window started more than 2× window ago.
func (l *Limiter) reap() {
	cutoff := time.Now().Add(-2 * l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.windowStart.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
