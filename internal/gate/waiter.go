package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// waiterSweepInterval is how often stale waiters are swept.
const waiterSweepInterval = time.Minute

// ErrWaiterExists is returned by [Waiters.Create] when a waiter for the tool
// call is already suspended.
var ErrWaiterExists = errors.New("confirmation already in progress")

// ReasonTimeout is the resolution reason used when the confirmation window
// elapses without a human decision.
const ReasonTimeout = "Confirmation timeout"

// Resolution is the outcome delivered to a suspended Gate-2 callback.
type Resolution struct {
	Continue bool
	Cancel   bool
	Reason   string
}

// Confirmed and Cancelled build the two common resolutions.
func Confirmed() Resolution { return Resolution{Continue: true} }

// Cancelled builds a cancel resolution with the given reason.
func Cancelled(reason string) Resolution {
	return Resolution{Cancel: true, Reason: reason}
}

// waiter holds one suspended Gate-2 response.
type waiter struct {
	ch        chan Resolution
	sessionID string
	createdAt time.Time
	timer     *time.Timer
}

// Waiters is the Gate-2 wait registry. A waiter resolves exactly once —
// confirm, cancel, or timeout — whichever fires first; the map removal under
// the registry lock decides the winner and the losers become no-ops.
//
// All methods are safe for concurrent use. No lock is held while a caller
// awaits a resolution.
type Waiters struct {
	timeout time.Duration

	mu sync.Mutex
	m  map[string]*waiter
}

// NewWaiters creates a [Waiters] registry with the given confirmation
// timeout. A non-positive timeout defaults to 30 seconds.
func NewWaiters(timeout time.Duration) *Waiters {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Waiters{
		timeout: timeout,
		m:       make(map[string]*waiter),
	}
}

// Timeout returns the configured confirmation window.
func (w *Waiters) Timeout() time.Duration { return w.timeout }

// Create registers a waiter for the tool call and returns the channel its
// resolution will arrive on. The channel always receives exactly one value:
// the timeout timer auto-cancels when nothing else resolves first.
func (w *Waiters) Create(toolCallID, sessionID string) (<-chan Resolution, error) {
	wt := &waiter{
		ch:        make(chan Resolution, 1),
		sessionID: sessionID,
		createdAt: time.Now(),
	}

	w.mu.Lock()
	if _, exists := w.m[toolCallID]; exists {
		w.mu.Unlock()
		return nil, ErrWaiterExists
	}
	// The timer must be set before the waiter is published: a resolver that
	// finds the entry in the map may read wt.timer immediately.
	wt.timer = time.AfterFunc(w.timeout, func() {
		if w.Resolve(toolCallID, Cancelled(ReasonTimeout)) {
			slog.Info("gate 2 confirmation timed out", "tool_call_id", toolCallID)
		}
	})
	w.m[toolCallID] = wt
	w.mu.Unlock()

	return wt.ch, nil
}

// Resolve delivers res to the waiter for the tool call. It reports whether
// this call won the race; late resolvers get false and cause no effect. The
// waiter is removed from the registry before the resolution is delivered.
func (w *Waiters) Resolve(toolCallID string, res Resolution) bool {
	w.mu.Lock()
	wt, ok := w.m[toolCallID]
	if ok {
		delete(w.m, toolCallID)
	}
	w.mu.Unlock()

	if !ok {
		return false
	}
	if wt.timer != nil {
		wt.timer.Stop()
	}
	wt.ch <- res
	return true
}

// Has reports whether a waiter for the tool call is currently suspended.
func (w *Waiters) Has(toolCallID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.m[toolCallID]
	return ok
}

// Len returns the number of suspended waiters.
func (w *Waiters) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.m)
}

// ResolveSession cancels every waiter belonging to the session and returns
// how many were resolved. Used on session close and server shutdown.
func (w *Waiters) ResolveSession(sessionID, reason string) int {
	w.mu.Lock()
	var ids []string
	for id, wt := range w.m {
		if wt.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	w.mu.Unlock()

	n := 0
	for _, id := range ids {
		if w.Resolve(id, Cancelled(reason)) {
			n++
		}
	}
	return n
}

// ResolveAll cancels every suspended waiter; used on server shutdown.
func (w *Waiters) ResolveAll(reason string) int {
	w.mu.Lock()
	ids := make([]string, 0, len(w.m))
	for id := range w.m {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	n := 0
	for _, id := range ids {
		if w.Resolve(id, Cancelled(reason)) {
			n++
		}
	}
	return n
}

// Run sweeps waiters older than twice the timeout until ctx is cancelled.
// The per-waiter timer normally fires long before the sweep; the sweep is a
// backstop against timers lost to clock weirdness.
func (w *Waiters) Run(ctx context.Context) {
	ticker := time.NewTicker(waiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Waiters) sweep() {
	cutoff := time.Now().Add(-2 * w.timeout)

	w.mu.Lock()
	var stale []string
	for id, wt := range w.m {
		if wt.createdAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	w.mu.Unlock()

	for _, id := range stale {
		if w.Resolve(id, Cancelled(ReasonTimeout)) {
			slog.Warn("swept stale gate 2 waiter", "tool_call_id", id)
		}
	}
}
