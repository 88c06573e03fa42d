package infra

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1, time.Minute)

	if !cb.Allow() {
		t.Fatal("closed breaker should allow")
	}

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != BreakerClosed {
		t.Error("breaker should still be closed below threshold")
	}

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Error("breaker should open at threshold")
	}
	if cb.Allow() {
		t.Error("open breaker should reject")
	}
}

func TestCircuitBreakerRecovery(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 2, 10*time.Millisecond)

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)

	// First allow after timeout moves to half-open.
	if !cb.Allow() {
		t.Fatal("breaker should probe after timeout")
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", cb.State())
	}

	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Error("breaker should close after success threshold")
	}
}

func TestCircuitBreakerHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 2, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	cb.Allow()

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Error("half-open failure should reopen the breaker")
	}
}
