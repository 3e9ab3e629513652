// Package backoff provides the exponential-backoff and circuit-breaker
// primitives shared by cloud sync, the MQTT client, and the Modbus
// channel reconnect loop.
package backoff

import "time"

// Config controls exponential backoff growth.
type Config struct {
	Base time.Duration // delay before the first retry
	Max  time.Duration // cap on delay, regardless of attempt count
}

// Exponential computes attempt-indexed backoff delays: Base * 2^(attempt-1),
// capped at Max. Attempt 1 returns Base.
type Exponential struct {
	cfg Config
}

// New creates an Exponential backoff calculator.
func New(cfg Config) Exponential {
	return Exponential{cfg: cfg}
}

// Delay returns the backoff duration for the given 1-indexed attempt.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := e.cfg.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > e.cfg.Max {
			return e.cfg.Max
		}
	}
	if delay > e.cfg.Max {
		return e.cfg.Max
	}
	return delay
}
