package gate

import (
	"context"
	"sync"
	"time"
)

// idemReapInterval is how often expired idempotency records are purged.
const idemReapInterval = time.Minute

// idemKey identifies one gate submission.
type idemKey struct {
	toolCallID string
	gate       int
}

// idemEntry is a cached gate response.
type idemEntry struct {
	response []byte
	storedAt time.Time
}

// Idempotency caches the response body for each (tool_call_id, gate) pair so
// that duplicate submissions within the TTL are answered verbatim without
// re-running side effects.
//
// All methods are safe for concurrent use.
type Idempotency struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[idemKey]idemEntry
}

// NewIdempotency creates an [Idempotency] cache with the given TTL.
// A non-positive TTL defaults to 5 minutes.
func NewIdempotency(ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Idempotency{
		ttl:     ttl,
		entries: make(map[idemKey]idemEntry),
	}
}

// Get returns the cached response for the pair, if present and fresh.
func (i *Idempotency) Get(toolCallID string, gate int) ([]byte, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.entries[idemKey{toolCallID, gate}]
	if !ok || time.Since(e.storedAt) > i.ttl {
		return nil, false
	}
	return e.response, true
}

// Put caches the exact response bytes written for the pair.
func (i *Idempotency) Put(toolCallID string, gate int, response []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[idemKey{toolCallID, gate}] = idemEntry{
		response: response,
		storedAt: time.Now(),
	}
}

// Len returns the number of cached entries, including expired ones not yet
// reaped.
func (i *Idempotency) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entries)
}

// Run purges expired entries until ctx is cancelled.
func (i *Idempotency) Run(ctx context.Context) {
	ticker := time.NewTicker(idemReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.reap()
		}
	}
}

func (i *Idempotency) reap() {
	cutoff := time.Now().Add(-i.ttl)
	i.mu.Lock()
	defer i.mu.Unlock()
	for k, e := range i.entries {
		if e.storedAt.Before(cutoff) {
			delete(i.entries, k)
		}
	}
}
