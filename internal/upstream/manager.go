// Package upstream manages WebSocket connections to the realtime model API.
//
// A [Manager] dials the upstream endpoint with bounded retries behind a
// process-wide circuit breaker; the returned [Conn] is a thin wrapper that
// forwards raw frames so the relay stays payload-agnostic. Event decoding for
// the few intercepted types lives in events.go.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/resilience"
)

// Conn is one established upstream session socket.
type Conn struct {
	ws *websocket.Conn
}

// Read returns the next frame from the upstream socket.
func (c *Conn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.ws.Read(ctx)
}

// Write sends a raw frame to the upstream socket.
func (c *Conn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	return c.ws.Write(ctx, typ, data)
}

// WriteJSON marshals v and sends it as a text frame.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("upstream: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close closes the socket with the given status.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// Manager dials upstream sessions. One manager serves the whole process; the
// circuit breaker it carries is shared across all sessions so a dead upstream
// fails new connections fast instead of burning retry budgets per browser.
type Manager struct {
	cfg     config.UpstreamConfig
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

// NewManager creates a [Manager]. metrics may be nil.
func NewManager(cfg config.UpstreamConfig, metrics *observe.Metrics) *Manager {
	return &Manager{
		cfg: cfg,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "upstream",
			MaxFailures: cfg.MaxRetries,
			Cooldown:    cfg.BreakerCooldown,
		}),
		metrics: metrics,
	}
}

// Breaker exposes the shared circuit breaker for health reporting.
func (m *Manager) Breaker() *resilience.CircuitBreaker { return m.breaker }

// Acquire establishes an upstream session, retrying with exponential backoff
// up to the configured attempt budget. Returns [resilience.ErrCircuitOpen]
// without dialing while the breaker is open.
func (m *Manager) Acquire(ctx context.Context, model string) (*Conn, error) {
	if model == "" {
		model = m.cfg.Model
	}
	wsURL := m.cfg.URL + "?model=" + url.QueryEscape(model)

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		if err := m.breaker.Allow(); err != nil {
			return nil, err
		}

		conn, err := m.dial(ctx, wsURL)
		if err == nil {
			m.breaker.RecordSuccess()
			if m.metrics != nil {
				m.metrics.UpstreamAcquireDuration.Record(ctx, time.Since(start).Seconds())
			}
			slog.Info("upstream session established",
				"model", model, "attempt", attempt)
			return conn, nil
		}

		lastErr = err
		m.breaker.RecordFailure()
		if m.metrics != nil {
			m.metrics.UpstreamFailures.Add(ctx, 1)
		}
		slog.Warn("upstream dial failed",
			"attempt", attempt, "max", m.cfg.MaxRetries, "err", err)

		if attempt == m.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.backoff(attempt)):
		}
	}
	return nil, fmt.Errorf("upstream: acquire after %d attempts: %w", m.cfg.MaxRetries, lastErr)
}

// dial performs one WebSocket dial bounded by the handshake timeout.
func (m *Manager) dial(ctx context.Context, wsURL string) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + m.cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(16 << 20) // audio deltas are large
	return &Conn{ws: ws}, nil
}

// backoff returns the delay before the next attempt: the configured base
// doubled per attempt, capped at the breaker cooldown.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.Backoff << (attempt - 1)
	if max := m.cfg.BreakerCooldown; max > 0 && d > max {
		d = max
	}
	return d
}
