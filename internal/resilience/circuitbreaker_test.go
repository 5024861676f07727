package resilience_test

import (
	"errors"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/internal/resilience"
)

func TestAllow_ClosedByDefault(t *testing.T) {
	t.Parallel()
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "test"})
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow on fresh breaker = %v; want nil", err)
	}
	if cb.IsOpen() {
		t.Error("fresh breaker reports open")
	}
}

func TestRecordFailure_OpensAtThreshold(t *testing.T) {
	t.Parallel()
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "test",
		MaxFailures: 3,
		Cooldown:    time.Minute,
	})

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.IsOpen() {
		t.Fatal("breaker opened before threshold")
	}
	cb.RecordFailure()
	if !cb.IsOpen() {
		t.Fatal("breaker did not open at threshold")
	}
	if err := cb.Allow(); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Allow while open = %v; want ErrCircuitOpen", err)
	}
}

func TestRecordSuccess_ResetsCounter(t *testing.T) {
	t.Parallel()
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "test",
		MaxFailures: 2,
		Cooldown:    time.Minute,
	})

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.IsOpen() {
		t.Error("success did not reset the consecutive failure counter")
	}
}

func TestAllow_ProbeAfterCooldown(t *testing.T) {
	t.Parallel()
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "test",
		MaxFailures: 1,
		Cooldown:    10 * time.Millisecond,
	})

	cb.RecordFailure()
	if err := cb.Allow(); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Allow while open = %v; want ErrCircuitOpen", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow after cooldown = %v; want probe admitted", err)
	}

	// A failed probe restarts the cooldown.
	cb.RecordFailure()
	if err := cb.Allow(); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Allow after failed probe = %v; want ErrCircuitOpen", err)
	}

	// A successful probe closes the breaker for good.
	time.Sleep(20 * time.Millisecond)
	cb.RecordSuccess()
	if cb.IsOpen() {
		t.Error("breaker still open after successful probe")
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow after close = %v; want nil", err)
	}
}

func TestReset_ClosesImmediately(t *testing.T) {
	t.Parallel()
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "test",
		MaxFailures: 1,
		Cooldown:    time.Hour,
	})
	cb.RecordFailure()
	cb.Reset()
	if cb.IsOpen() {
		t.Error("breaker open after Reset")
	}
}
