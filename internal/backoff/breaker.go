package backoff

import (
	"sync"
	"time"

	"github.com/iotistica/iotistic-agent/internal/domain"
)

// State is the circuit breaker state.
type State int

const (
	Closed   State = iota // normal operation — requests pass through
	Open                  // tripped — all requests rejected immediately
	HalfOpen              // recovery probe — requests pass until HalfOpenMax successes close it or a failure reopens it
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ConnectionStatus maps the breaker state onto the domain-level connection
// health vocabulary used by /v2/connection/health.
func (s State) ConnectionStatus() domain.ConnectionStatus {
	switch s {
	case Closed:
		return domain.ConnConnected
	case HalfOpen:
		return domain.ConnDegraded
	default:
		return domain.ConnOffline
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // failures to trip (default 5)
	ResetTimeout     time.Duration // time in Open before probing (default 30s)
	HalfOpenMax      int           // successful probes in HalfOpen to close (default 3)
}

// DefaultBreakerConfig returns sane defaults for the cloud sync connection.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMax:      3,
	}
}

// CircuitBreaker counts failures against an upstream dependency (the
// cloud API, a Modbus channel, the MQTT broker), each success while
// Closed forgiving one, and trips open to stop hammering it, probing
// again after a cooldown.
// Thread-safe for concurrent use.
type CircuitBreaker struct {
	mu          sync.Mutex
	name        string
	config      BreakerConfig
	state       State
	failures    int
	successes   int
	trippedAt   time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a circuit breaker identified by name.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{name: name, config: cfg, state: Closed, now: time.Now}
}

// Allow reports whether a request should be attempted right now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Open:
		if cb.now().Sub(cb.trippedAt) >= cb.config.ResetTimeout {
			cb.state = HalfOpen
			cb.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case HalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenMax {
			cb.state = Closed
			cb.failures = 0
			cb.successes = 0
		}
	case Closed:
		if cb.failures > 0 {
			cb.failures--
		}
	}
}

// RecordFailure records a failed call. May trip the breaker open.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = Open
			cb.trippedAt = cb.now()
		}
	case HalfOpen:
		cb.state = Open
		cb.trippedAt = cb.now()
	}
}

// State returns the current state, auto-transitioning Open → HalfOpen
// once the reset timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == Open && cb.now().Sub(cb.trippedAt) >= cb.config.ResetTimeout {
		cb.state = HalfOpen
		cb.successes = 0
	}
	return cb.state
}

// Reset forces the breaker back to Closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = Closed
	cb.failures = 0
	cb.successes = 0
}
