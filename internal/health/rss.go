package health

import (
	"fmt"
	"sync"
	"time"
)

// rssMonitor flags unbounded resident-memory growth. It samples a
// baseline on first use and only starts enforcing the threshold once
// warmup has elapsed, since RSS is naturally higher right after startup
// (model pools, connection buffers, caches) before settling.
type rssMonitor struct {
	mu        sync.Mutex
	maxGrowth uint64
	warmup    time.Duration
	startedAt time.Time
	baseline  uint64
	haveBase  bool
}

func newRSSMonitor(warmup time.Duration, maxGrowthBytes uint64) *rssMonitor {
	return &rssMonitor{warmup: warmup, maxGrowth: maxGrowthBytes}
}

func (m *rssMonitor) check() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rss, err := readRSSBytes()
	if err != nil {
		return nil // unsupported platform or unreadable; don't fail health on it
	}

	if !m.haveBase {
		m.baseline = rss
		m.haveBase = true
		m.startedAt = time.Now()
		return nil
	}

	if time.Since(m.startedAt) < m.warmup {
		return nil
	}

	if rss > m.baseline && rss-m.baseline > m.maxGrowth {
		return fmt.Errorf("resident memory grew %d bytes past baseline %d (limit %d)",
			rss-m.baseline, m.baseline, m.maxGrowth)
	}
	return nil
}
