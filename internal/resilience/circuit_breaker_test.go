package resilience

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensOnFailureThenHalfOpensThenCloses(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 4, 1, 0.5, 20*time.Millisecond, 1)

	if !cb.Allow() {
		t.Fatal("expected a fresh breaker to allow calls")
	}

	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatal("expected breaker to be open immediately after a tripping failure")
	}

	time.Sleep(25 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected a half-open probe to be allowed once halfOpenAfter elapses")
	}
	cb.RecordResult(true)

	if !cb.Allow() {
		t.Fatal("expected the breaker to close again after a successful probe")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 4, 1, 0.5, 10*time.Millisecond, 2)

	cb.RecordResult(false) // trip open
	time.Sleep(15 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected first half-open probe to be allowed")
	}
	cb.RecordResult(false) // probe fails, should reopen

	if cb.Allow() {
		t.Fatal("expected breaker to reopen after a failed half-open probe")
	}
}
