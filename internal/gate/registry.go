package gate

import (
	"context"
	"sync"
	"time"
)

// registryReapInterval is how often stale cancel requests and callback slots
// are purged.
const registryReapInterval = time.Minute

// Notifier is the per-session surface the gate handler pushes side effects
// through. Both methods are best-effort: implementations log failures and
// never propagate them back into the callback response path.
type Notifier interface {
	// PushBrowser sends a JSON notification frame to the browser peer if its
	// socket is open.
	PushBrowser(payload map[string]any)

	// NudgeAgent sends an instructions override to the upstream model so it
	// verbalises the state change to the user.
	NudgeAgent(status, message string)
}

// CancelRequest is a pre-emptive or concurrent cancellation awaiting the next
// gate inspection.
type CancelRequest struct {
	Reason    string
	SessionID string
	At        time.Time
}

// CallbackSlot routes gate callbacks for one tool call back to its session.
type CallbackSlot struct {
	ToolCallID   string
	ConnectionID string
	SessionID    string
	FunctionName string
	Notifier     Notifier
	CreatedAt    time.Time
}

// Registry holds the process-wide cancel-request and callback-slot maps.
// Each map is guarded by the same mutex but no caller ever holds it across a
// blocking operation.
type Registry struct {
	ttl time.Duration

	mu      sync.Mutex
	cancels map[string]CancelRequest
	slots   map[string]CallbackSlot
}

// NewRegistry creates a [Registry] whose entries expire after ttl.
// A non-positive ttl defaults to 10 minutes.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Registry{
		ttl:     ttl,
		cancels: make(map[string]CancelRequest),
		slots:   make(map[string]CallbackSlot),
	}
}

// RequestCancel records a cancellation for the tool call. The session id
// scopes the request so session teardown can clear it deterministically.
func (r *Registry) RequestCancel(toolCallID, reason, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[toolCallID] = CancelRequest{
		Reason:    reason,
		SessionID: sessionID,
		At:        time.Now(),
	}
}

// TakeCancel consumes and returns the cancel request for the tool call.
func (r *Registry) TakeCancel(toolCallID string) (CancelRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cr, ok := r.cancels[toolCallID]
	if ok {
		delete(r.cancels, toolCallID)
	}
	return cr, ok
}

// PeekCancel returns the cancel request without consuming it.
func (r *Registry) PeekCancel(toolCallID string) (CancelRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cr, ok := r.cancels[toolCallID]
	return cr, ok
}

// ClearCancel removes any cancel request for the tool call.
func (r *Registry) ClearCancel(toolCallID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, toolCallID)
}

// RegisterSlot installs the callback slot for its tool call. Exactly one
// slot exists per dispatched tool call until it terminates.
func (r *Registry) RegisterSlot(slot CallbackSlot) {
	if slot.CreatedAt.IsZero() {
		slot.CreatedAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[slot.ToolCallID] = slot
}

// Slot returns the callback slot for the tool call, if registered.
func (r *Registry) Slot(toolCallID string) (CallbackSlot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[toolCallID]
	return s, ok
}

// ReleaseSlot removes the callback slot for the tool call.
func (r *Registry) ReleaseSlot(toolCallID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, toolCallID)
}

// ClearSession removes every callback slot and cancel request scoped to the
// session and returns the removed slots so the caller can settle them.
func (r *Registry) ClearSession(sessionID string) []CallbackSlot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []CallbackSlot
	for id, slot := range r.slots {
		if slot.SessionID == sessionID {
			removed = append(removed, slot)
			delete(r.slots, id)
		}
	}
	for id, cr := range r.cancels {
		if cr.SessionID == sessionID {
			delete(r.cancels, id)
		}
	}
	return removed
}

// Counts returns the number of pending cancel requests and active callback
// slots; used by the health endpoint.
func (r *Registry) Counts() (cancels, slots int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels), len(r.slots)
}

// Run purges entries older than the TTL until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(registryReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Registry) reap() {
	cutoff := time.Now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cr := range r.cancels {
		if cr.At.Before(cutoff) {
			delete(r.cancels, id)
		}
	}
	for id, slot := range r.slots {
		if slot.CreatedAt.Before(cutoff) {
			delete(r.slots, id)
		}
	}
}
