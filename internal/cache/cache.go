// Package cache provides the in-memory per-session state store.
//
// Each session owns a context key/value map, a pending-tool table, a bounded
// ring of recently completed tools, and a last-query-result slot. Durable
// context writes are mirrored through the record sink; everything else lives
// only for the lifetime of the session plus the idle TTL.
//
// All methods are safe for concurrent use.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/internal/sink"
)

// recentToolRingSize bounds the per-session recent-tool history.
const recentToolRingSize = 20

// defaultTTL is how long an idle session's state survives before the reaper
// purges it. Sessions are normally destroyed explicitly on close; the TTL is
// a backstop against leaked entries.
const defaultTTL = 30 * time.Minute

// reapInterval is how often the background reaper scans for idle sessions.
const reapInterval = 5 * time.Minute

// Recorder is the narrow sink surface the cache writes durable keys through.
type Recorder interface {
	Record(kind sink.Kind, payload map[string]any)
}

// PendingTool tracks a tool call that has been dispatched but not yet
// terminated.
type PendingTool struct {
	ToolCallID   string
	FunctionName string
	Status       string
	CreatedAt    time.Time
}

// RecentTool is one completed (or failed) tool call retained for the
// query_conversation_history local tool.
type RecentTool struct {
	ToolCallID   string
	FunctionName string
	Status       string
	DurationMS   int64
	CompletedAt  time.Time
}

// entry is the full cached state of one session.
type entry struct {
	context         map[string]any
	pendingTools    map[string]PendingTool
	recentTools     []RecentTool // ring, newest last
	lastQueryResult any
	lastAccess      time.Time
}

// Cache is the process-wide session state store.
type Cache struct {
	ttl      time.Duration
	recorder Recorder

	mu       sync.Mutex
	sessions map[string]*entry
}

// Config configures a [Cache].
type Config struct {
	// TTL is the idle lifetime of a session entry. Defaults to 30m if zero.
	TTL time.Duration

	// Recorder receives write-through records for durable context keys.
	// May be nil.
	Recorder Recorder
}

// New creates an empty [Cache]. Call [Cache.Run] to start the idle reaper.
func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		ttl:      ttl,
		recorder: cfg.Recorder,
		sessions: make(map[string]*entry),
	}
}

// Run purges idle sessions until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reap()
		}
	}
}

// SetContext stores a context value for the session. When durable is true the
// write is mirrored to the sink so the key survives a process restart in the
// durable store.
func (c *Cache) SetContext(sessionID, key string, value any, durable bool) {
	c.mu.Lock()
	e := c.touch(sessionID)
	e.context[key] = value
	c.mu.Unlock()

	if durable && c.recorder != nil {
		c.recorder.Record(sink.KindAudit, map[string]any{
			"event":      "context_set",
			"session_id": sessionID,
			"key":        key,
			"value":      value,
			"timestamp":  time.Now().UnixMilli(),
		})
	}
}

// GetContext returns the context value for key, if present.
func (c *Cache) GetContext(sessionID, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	e.lastAccess = time.Now()
	v, ok := e.context[key]
	return v, ok
}

// Context returns a copy of the session's full context map.
func (c *Cache) Context(sessionID string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(e.context))
	for k, v := range e.context {
		out[k] = v
	}
	return out
}

// TrackPendingTool records a dispatched tool call.
func (c *Cache) TrackPendingTool(sessionID string, pt PendingTool) {
	if pt.CreatedAt.IsZero() {
		pt.CreatedAt = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.touch(sessionID)
	e.pendingTools[pt.ToolCallID] = pt
}

// UpdatePendingTool sets the status of a pending tool call, if tracked.
func (c *Cache) UpdatePendingTool(sessionID, toolCallID, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	if pt, ok := e.pendingTools[toolCallID]; ok {
		pt.Status = status
		e.pendingTools[toolCallID] = pt
	}
}

// ResolvePendingTool removes the pending entry and pushes it onto the
// recent-tool ring with the terminal status.
func (c *Cache) ResolvePendingTool(sessionID, toolCallID, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	pt, ok := e.pendingTools[toolCallID]
	if !ok {
		return
	}
	delete(e.pendingTools, toolCallID)

	now := time.Now()
	rt := RecentTool{
		ToolCallID:   pt.ToolCallID,
		FunctionName: pt.FunctionName,
		Status:       status,
		DurationMS:   now.Sub(pt.CreatedAt).Milliseconds(),
		CompletedAt:  now,
	}
	e.recentTools = append(e.recentTools, rt)
	if len(e.recentTools) > recentToolRingSize {
		e.recentTools = e.recentTools[len(e.recentTools)-recentToolRingSize:]
	}
}

// PendingTools returns the session's in-flight tool calls.
func (c *Cache) PendingTools(sessionID string) []PendingTool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]PendingTool, 0, len(e.pendingTools))
	for _, pt := range e.pendingTools {
		out = append(out, pt)
	}
	return out
}

// RecentTools returns the session's recent-tool ring, oldest first.
func (c *Cache) RecentTools(sessionID string) []RecentTool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]RecentTool, len(e.recentTools))
	copy(out, e.recentTools)
	return out
}

// SetLastQueryResult stores the most recent data-query result for the session.
func (c *Cache) SetLastQueryResult(sessionID string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.touch(sessionID)
	e.lastQueryResult = result
}

// LastQueryResult returns the most recent data-query result, if any.
func (c *Cache) LastQueryResult(sessionID string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if !ok || e.lastQueryResult == nil {
		return nil, false
	}
	return e.lastQueryResult, true
}

// Destroy removes all state for the session.
func (c *Cache) Destroy(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// Len returns the number of live session entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// touch returns the entry for sessionID, creating it when absent.
// Must be called with c.mu held.
func (c *Cache) touch(sessionID string) *entry {
	e, ok := c.sessions[sessionID]
	if !ok {
		e = &entry{
			context:      make(map[string]any),
			pendingTools: make(map[string]PendingTool),
		}
		c.sessions[sessionID] = e
	}
	e.lastAccess = time.Now()
	return e
}

// reap deletes sessions idle for longer than the TTL.
func (c *Cache) reap() {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.sessions {
		if e.lastAccess.Before(cutoff) {
			delete(c.sessions, id)
		}
	}
}
