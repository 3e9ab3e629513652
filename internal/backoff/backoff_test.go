package backoff

import (
	"testing"
	"time"
)

func TestExponentialDelay(t *testing.T) {
	e := New(Config{Base: time.Second, Max: 8 * time.Second})

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second}, // capped
		{0, 1 * time.Second}, // clamped to attempt 1
	}
	for _, c := range cases {
		if got := e.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Second, HalfOpenMax: 1})
	cb.now = func() time.Time { return now }

	if !cb.Allow() {
		t.Fatal("expected closed breaker to allow")
	}
	cb.RecordFailure()
	if cb.State() != Closed {
		t.Fatal("expected still closed after one failure")
	}
	cb.RecordFailure()
	if cb.State() != Open {
		t.Fatal("expected open after threshold failures")
	}
	if cb.Allow() {
		t.Fatal("expected open breaker to reject")
	}

	now = now.Add(2 * time.Second)
	if !cb.Allow() {
		t.Fatal("expected half-open probe to be allowed after reset timeout")
	}
	cb.RecordSuccess()
	if cb.State() != Closed {
		t.Fatal("expected closed after successful probe")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMax: 2})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	if cb.State() != Open {
		t.Fatal("expected open")
	}
	now = now.Add(2 * time.Second)
	cb.Allow() // transitions to half-open
	cb.RecordFailure()
	if cb.State() != Open {
		t.Fatal("expected half-open failure to reopen the breaker")
	}
}
