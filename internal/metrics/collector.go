package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sampler reads one host resource dimension. Implementations are
// OS-specific (collector_linux.go / collector_other.go); a dimension
// with no implementation for the current OS returns an error.
type Sampler interface {
	CPUPercent() (float64, error)
	MemoryBytes() (used, total uint64, err error)
	StorageBytes(path string) (used, free uint64, err error)
	UptimeSeconds() (float64, error)
	TemperatureCelsius() (map[string]float64, error)
	TopProcesses(n int) ([]ProcessSample, error)
	NetworkCounters() (map[string]NetIfaceCounters, error)
}

// ProcessSample is one entry of a top-N-by-CPU process snapshot.
type ProcessSample struct {
	PID        int
	Name       string
	CPUPercent float64
}

// NetIfaceCounters is cumulative byte counters for one network interface.
type NetIfaceCounters struct {
	RxBytes uint64
	TxBytes uint64
}

// Snapshot is the last successfully sampled value of every dimension,
// cheap to read for callers that need current figures without waiting
// on the next Prometheus scrape (the cloud sync report body, §6).
type Snapshot struct {
	CPUUsagePercent    float64
	MemoryUsageBytes   uint64
	MemoryTotalBytes   uint64
	StorageUsageBytes  uint64
	StorageFreeBytes   uint64
	UptimeSeconds      float64
	TemperatureCelsius map[string]float64
}

// Collector samples host resources on an interval and publishes them
// to the Prometheus series above.
type Collector struct {
	sampler Sampler
	dataDir string
	topN    int
	log     *logrus.Entry

	lastNet map[string]NetIfaceCounters

	mu   sync.RWMutex
	last Snapshot
}

// NewCollector creates a Collector that samples the current platform's
// Sampler implementation (see collector_linux.go).
func NewCollector(sampler Sampler, dataDir string, topN int, log *logrus.Entry) *Collector {
	if topN <= 0 {
		topN = 5
	}
	return &Collector{sampler: sampler, dataDir: dataDir, topN: topN, log: log}
}

// Run samples every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sampleOnce()
		}
	}
}

func (c *Collector) sampleOnce() {
	c.mu.Lock()
	snap := c.last

	if pct, err := c.sampler.CPUPercent(); err == nil {
		CPUUsagePercent.Set(pct)
		snap.CPUUsagePercent = pct
	} else if c.log != nil {
		c.log.WithError(err).Debug("cpu sample failed")
	}

	if used, total, err := c.sampler.MemoryBytes(); err == nil {
		MemoryUsageBytes.Set(float64(used))
		MemoryTotalBytes.Set(float64(total))
		snap.MemoryUsageBytes = used
		snap.MemoryTotalBytes = total
	} else if c.log != nil {
		c.log.WithError(err).Debug("memory sample failed")
	}

	if used, free, err := c.sampler.StorageBytes(c.dataDir); err == nil {
		StorageUsageBytes.Set(float64(used))
		StorageFreeBytes.Set(float64(free))
		snap.StorageUsageBytes = used
		snap.StorageFreeBytes = free
	} else if c.log != nil {
		c.log.WithError(err).Debug("storage sample failed")
	}

	if uptime, err := c.sampler.UptimeSeconds(); err == nil {
		UptimeSeconds.Set(uptime)
		snap.UptimeSeconds = uptime
	} else if c.log != nil {
		c.log.WithError(err).Debug("uptime sample failed")
	}

	if zones, err := c.sampler.TemperatureCelsius(); err == nil {
		for zone, temp := range zones {
			TemperatureCelsius.WithLabelValues(zone).Set(temp)
		}
		snap.TemperatureCelsius = zones
	} else if c.log != nil {
		c.log.WithError(err).Debug("temperature sample failed")
	}

	c.last = snap
	c.mu.Unlock()

	if procs, err := c.sampler.TopProcesses(c.topN); err == nil {
		TopProcessCPUPercent.Reset()
		for _, p := range procs {
			TopProcessCPUPercent.WithLabelValues(itoa(p.PID), p.Name).Set(p.CPUPercent)
		}
	} else if c.log != nil {
		c.log.WithError(err).Debug("top process sample failed")
	}

	if ifaces, err := c.sampler.NetworkCounters(); err == nil {
		for name, counters := range ifaces {
			if prev, ok := c.lastNet[name]; ok {
				NetworkBytesTotal.WithLabelValues(name, "rx").Add(deltaUint64(prev.RxBytes, counters.RxBytes))
				NetworkBytesTotal.WithLabelValues(name, "tx").Add(deltaUint64(prev.TxBytes, counters.TxBytes))
			}
		}
		c.lastNet = ifaces
	} else if c.log != nil {
		c.log.WithError(err).Debug("network sample failed")
	}
}

// Snapshot returns the last successfully sampled value of every
// dimension. Safe to call concurrently with Run.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// deltaUint64 returns cur-prev, treating a decrease (counter reset, e.g.
// after an interface flap) as "start counting again from zero".
func deltaUint64(prev, cur uint64) float64 {
	if cur < prev {
		return float64(cur)
	}
	return float64(cur - prev)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
