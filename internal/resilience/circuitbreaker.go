// Package resilience provides the circuit breaker guarding upstream dials.
//
// The breaker is process-wide: a regional upstream outage would otherwise
// turn every new browser connection into a 30-second retry storm. After
// MaxFailures consecutive failures the breaker opens and rejects calls
// immediately for the cooldown period; once the cooldown elapses a single
// probe call is let through and any success fully resets the breaker.
//
// All methods are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Allow] while the breaker is
// open and the cooldown has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures before the breaker
	// opens. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker rejects calls after opening.
	// Default: 30s.
	Cooldown time.Duration
}

// CircuitBreaker tracks consecutive failures across the process and rejects
// calls while open.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration

	mu              sync.Mutex
	open            bool
	consecutiveFail int
	openedAt        time.Time
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with the defaults above.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
	}
}

// Allow reports whether a call may proceed. It returns [ErrCircuitOpen] while
// the breaker is open and the cooldown has not elapsed; after the cooldown a
// call is admitted as a probe without closing the breaker.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.open && time.Since(cb.openedAt) < cb.cooldown {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess resets the breaker. A single success closes an open breaker
// and clears the consecutive failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.open {
		slog.Info("circuit breaker closed", "name", cb.name)
	}
	cb.open = false
	cb.consecutiveFail = 0
}

// RecordFailure increments the consecutive failure counter and opens the
// breaker once the threshold is reached. A failure during an open-state probe
// restarts the cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFail++
	if cb.open {
		cb.openedAt = time.Now()
		slog.Warn("circuit breaker probe failed, cooldown restarted", "name", cb.name)
		return
	}
	if cb.consecutiveFail >= cb.maxFailures {
		cb.open = true
		cb.openedAt = time.Now()
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail,
		)
	}
}

// IsOpen reports whether the breaker is currently rejecting calls.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.open && time.Since(cb.openedAt) < cb.cooldown
}

// Reset manually closes the breaker and clears all failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = false
	cb.consecutiveFail = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
