// Package health composes the checks behind /v1/healthy: a Ping of the
// RuntimePinger handed to NewChecker (the daemon hands it the SQLite
// store, so the container engine itself is not probed), and resident
// memory staying under a growth threshold once past a warm-up period
// (§4.6).
package health

import (
	"context"
	"sync"
	"time"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// RuntimePinger is satisfied by anything that can confirm the device's
// backing store is reachable.
type RuntimePinger interface {
	Ping() error
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker creates a health checker with the runtime-reachable and
// RSS-growth checks. maxGrowthBytes caps how far resident memory may
// grow past its startup baseline once the warm-up period has elapsed;
// 0 selects a conservative default.
func NewChecker(runtime RuntimePinger, maxGrowthBytes uint64) *Checker {
	if maxGrowthBytes == 0 {
		maxGrowthBytes = 256 * 1024 * 1024 // 256MiB
	}
	rss := newRSSMonitor(20*time.Second, maxGrowthBytes)

	return &Checker{
		interval: 60 * time.Second,
		checks: []Check{
			{
				Name: "runtime_reachable",
				CheckFn: func(ctx context.Context) error {
					if runtime == nil {
						return nil
					}
					return runtime.Ping()
				},
			},
			{
				Name: "rss_growth",
				CheckFn: func(ctx context.Context) error {
					return rss.check()
				},
			},
		},
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			if check.RecoverFn != nil {
				_ = check.RecoverFn(ctx)
			}
		} else {
			s.Healthy = true
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// Check runs every registered check immediately and returns a flat
// name to healthy map, the shape api.HealthChecker expects.
func (c *Checker) Check(ctx context.Context) map[string]bool {
	c.runAll(ctx)
	out := make(map[string]bool, len(c.checks))
	for _, s := range c.Statuses() {
		out[s.Name] = s.Healthy
	}
	return out
}
