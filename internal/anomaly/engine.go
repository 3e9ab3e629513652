package anomaly

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iotistica/iotistic-agent/internal/domain"
)

const defaultQueueCapacity = 500

// DetectorConfig tunes every detector type. A single config applies to
// all metrics tracked by one Engine; per-metric overrides are not
// needed at the scale this agent operates at.
type DetectorConfig struct {
	MinSamples      int
	SigmaThreshold  float64
	MADThreshold    float64
	IQRMultiplier   float64
	MaxRateOfChange float64
	EWMAAlpha       float64
	EWMADeviation   float64
	Cooldown        time.Duration
	QueueCapacity   int
}

// DefaultDetectorConfig returns defaults matching §4.9.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MinSamples:      10,
		SigmaThreshold:  defaultSigmaThreshold,
		MADThreshold:    defaultMADThreshold,
		IQRMultiplier:   defaultIQRMultiplier,
		MaxRateOfChange: 0, // disabled unless the caller sets a bound
		EWMAAlpha:       0.3,
		EWMADeviation:   0.5,
		Cooldown:        5 * time.Minute,
		QueueCapacity:   defaultQueueCapacity,
	}
}

// Engine runs all five detectors against every observed sample,
// deduplicates repeat alerts for the same metric+detector fingerprint
// within the cooldown window, and exposes a bounded alert queue for
// downstream consumers (the local API, the cloud report loop).
type Engine struct {
	mu      sync.Mutex
	cfg     DetectorConfig
	metrics map[string]*metricProfile
	alerts  map[string]*domain.Alert // keyed by fingerprint, for dedup/update-in-place
	queue   []domain.Alert
	now     func() time.Time
}

// NewEngine creates an anomaly Engine.
func NewEngine(cfg DetectorConfig) *Engine {
	return &Engine{
		cfg:     cfg,
		metrics: make(map[string]*metricProfile),
		alerts:  make(map[string]*domain.Alert),
		now:     time.Now,
	}
}

// Observe feeds one sample for (source, metric) through every
// detector. Any detector that fires produces or refreshes an Alert,
// subject to the cooldown dedup rule.
func (e *Engine) Observe(source, metric string, value float64) []domain.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := source + "/" + metric
	profile, ok := e.metrics[key]
	if !ok {
		profile = newMetricProfile()
		e.metrics[key] = profile
	}

	results := profile.observe(value, e.cfg)
	var fired []domain.Alert
	for _, r := range results {
		alert := e.toAlert(source, metric, value, r)
		if e.shouldEmit(alert) {
			fired = append(fired, alert)
			e.enqueue(alert)
		}
	}
	return fired
}

func (e *Engine) toAlert(source, metric string, value float64, r domain.DetectorResult) domain.Alert {
	severity := severityFor(r.Confidence, r.Deviation)
	fp := fingerprint(metric, r.Detector, severity)
	now := e.now()
	return domain.Alert{
		Fingerprint:  fp,
		Metric:       metric,
		Source:       source,
		Detector:     r.Detector,
		Severity:     severity,
		Confidence:   r.Confidence,
		Deviation:    r.Deviation,
		ExpectedLow:  r.ExpectedLow,
		ExpectedHigh: r.ExpectedHigh,
		Value:        value,
		Message:      r.Message,
		FirstSeenAt:  now,
		LastSeenAt:   now,
		Count:        1,
	}
}

// shouldEmit applies fingerprint-based dedup: a repeat of the same
// metric+detector+severity within the cooldown window updates the existing
// alert's Count/LastSeenAt in place rather than producing a new one.
func (e *Engine) shouldEmit(alert domain.Alert) bool {
	existing, ok := e.alerts[alert.Fingerprint]
	if !ok || e.now().Sub(existing.LastSeenAt) > e.cfg.Cooldown {
		e.alerts[alert.Fingerprint] = &alert
		return true
	}
	existing.Count++
	existing.LastSeenAt = alert.LastSeenAt
	existing.Value = alert.Value
	existing.Deviation = alert.Deviation
	return false
}

func (e *Engine) enqueue(alert domain.Alert) {
	if len(e.queue) >= e.cfg.QueueCapacity {
		e.queue = e.queue[1:]
	}
	e.queue = append(e.queue, alert)
}

// Drain returns and clears all queued alerts, for the report loop to
// ship upstream.
func (e *Engine) Drain() []domain.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.queue
	e.queue = nil
	return out
}

// QueueLen reports how many alerts are waiting to be drained.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// SummaryStats is the alert-count breakdown carried in a cloud report.
type SummaryStats struct {
	MetricsTracked int `json:"metricsTracked"`
	TotalAlerts    int `json:"totalAlerts"`
	CriticalCount  int `json:"criticalCount"`
	WarningCount   int `json:"warningCount"`
	InfoCount      int `json:"infoCount"`
}

// Summary is the anomaly section of a cloud state report (§4.9).
type Summary struct {
	Enabled      bool          `json:"enabled"`
	Stats        SummaryStats  `json:"stats"`
	RecentAlerts []domain.Alert `json:"recentAlerts"`
}

// GetSummaryForReport builds the anomaly summary shipped in the next
// cloud state report: how many metrics are tracked, a severity
// breakdown of every currently-tracked alert, and the maxRecent most
// recently seen alerts.
func (e *Engine) GetSummaryForReport(maxRecent int) Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := SummaryStats{MetricsTracked: len(e.metrics), TotalAlerts: len(e.alerts)}
	recent := make([]domain.Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		switch a.Severity {
		case domain.SeverityCritical:
			stats.CriticalCount++
		case domain.SeverityWarning:
			stats.WarningCount++
		default:
			stats.InfoCount++
		}
		recent = append(recent, *a)
	}

	sort.Slice(recent, func(i, j int) bool { return recent[i].LastSeenAt.After(recent[j].LastSeenAt) })
	if maxRecent > 0 && len(recent) > maxRecent {
		recent = recent[:maxRecent]
	}

	return Summary{Enabled: true, Stats: stats, RecentAlerts: recent}
}

// fingerprint identifies an alert by metric, detector, and severity
// (I9) so that the same metric tripping the same detector at a higher
// severity is tracked as a distinct alert rather than silently
// updating the lower-severity one in place.
func fingerprint(metric string, detector domain.DetectorKind, severity domain.Severity) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", metric, detector, severity)))
	return fmt.Sprintf("%x", h[:8])
}

// severityFor derives an alert's severity from both how confident the
// detector is and how far the sample deviated, since a detector can be
// highly confident about a mild deviation or less confident about a
// wild one.
func severityFor(confidence, deviation float64) domain.Severity {
	switch {
	case confidence >= 0.85 || deviation >= 5:
		return domain.SeverityCritical
	case confidence >= 0.7 || deviation >= 3:
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}
