package anomaly

import (
	"fmt"
	"math"

	"github.com/iotistica/iotistic-agent/internal/domain"
)

const (
	defaultSigmaThreshold = 3.0
	defaultMADThreshold   = 3.5 // Iglewicz & Hoaglin's modified z-score cutoff
	defaultIQRMultiplier  = 1.5
	windowCapacity        = 200
)

// metricProfile holds all the per-detector state for one metric
// stream (one sensor reading name, or one system metric series).
type metricProfile struct {
	stats    welford
	win      *window
	ewma     float64
	ewmaInit bool
	lastVal  float64
	haveLast bool
}

func newMetricProfile() *metricProfile {
	return &metricProfile{win: newWindow(windowCapacity)}
}

// observe folds x into every detector's running state and returns the
// detector results that considered it anomalous.
func (p *metricProfile) observe(x float64, cfg DetectorConfig) []domain.DetectorResult {
	var results []domain.DetectorResult

	if p.stats.count >= cfg.MinSamples {
		if r, ok := zscoreCheck(p.stats, x, cfg.SigmaThreshold); ok {
			results = append(results, r)
		}
	}
	if len(p.win.samples) >= cfg.MinSamples {
		if r, ok := madCheck(p.win, x, cfg.MADThreshold); ok {
			results = append(results, r)
		}
		if r, ok := iqrCheck(p.win, x, cfg.IQRMultiplier); ok {
			results = append(results, r)
		}
	}
	if p.haveLast {
		if r, ok := rateOfChangeCheck(p.lastVal, x, cfg.MaxRateOfChange); ok {
			results = append(results, r)
		}
	}
	if p.ewmaInit {
		if r, ok := ewmaCheck(p.ewma, x, p.stats.stddev(), cfg.EWMADeviation); ok {
			results = append(results, r)
		}
	}

	p.stats.add(x)
	p.win.add(x)
	if !p.ewmaInit {
		p.ewma = x
		p.ewmaInit = true
	} else {
		p.ewma = cfg.EWMAAlpha*x + (1-cfg.EWMAAlpha)*p.ewma
	}
	p.lastVal = x
	p.haveLast = true

	return results
}

// zscoreCheck flags samples more than threshold standard deviations
// from the running mean. Against a constant baseline (σ = 0) any
// deviation from the mean is flagged.
func zscoreCheck(stats welford, x, threshold float64) (domain.DetectorResult, bool) {
	sd := stats.stddev()
	if sd == 0 {
		if x == stats.mean {
			return domain.DetectorResult{}, false
		}
		return domain.DetectorResult{
			IsAnomaly:    true,
			Detector:     domain.DetectorZScore,
			Confidence:   1,
			Deviation:    math.Abs(x - stats.mean),
			ExpectedLow:  stats.mean,
			ExpectedHigh: stats.mean,
			Message:      fmt.Sprintf("value %.4f deviates from constant baseline %.4f", x, stats.mean),
		}, true
	}
	z := math.Abs(x-stats.mean) / sd
	if z <= threshold {
		return domain.DetectorResult{}, false
	}
	return domain.DetectorResult{
		IsAnomaly:    true,
		Detector:     domain.DetectorZScore,
		Confidence:   clamp01(z / (threshold * 2)),
		Deviation:    z,
		ExpectedLow:  stats.mean - threshold*sd,
		ExpectedHigh: stats.mean + threshold*sd,
		Message:      fmt.Sprintf("value %.4f is %.2fσ from mean %.4f", x, z, stats.mean),
	}, true
}

// madCheck uses the median absolute deviation, a robust alternative
// to z-score that isn't itself skewed by the outliers it's looking for.
func madCheck(w *window, x, threshold float64) (domain.DetectorResult, bool) {
	med := w.median()
	deviations := make([]float64, len(w.samples))
	for i, s := range w.samples {
		deviations[i] = math.Abs(s - med)
	}
	madWin := &window{samples: deviations}
	mad := madWin.median()
	if mad == 0 {
		return domain.DetectorResult{}, false
	}
	// 0.6745 is the constant that makes MAD a consistent estimator of
	// standard deviation for normally distributed data.
	score := 0.6745 * math.Abs(x-med) / mad
	if score <= threshold {
		return domain.DetectorResult{}, false
	}
	return domain.DetectorResult{
		IsAnomaly:  true,
		Detector:   domain.DetectorMAD,
		Confidence: clamp01(score / (threshold * 2)),
		Deviation:  score,
		Message:    fmt.Sprintf("value %.4f has modified z-score %.2f (median %.4f, MAD %.4f)", x, score, med, mad),
	}, true
}

// iqrCheck flags samples outside [Q1 - k*IQR, Q3 + k*IQR].
func iqrCheck(w *window, x, multiplier float64) (domain.DetectorResult, bool) {
	q1, q3 := w.quartiles()
	iqr := q3 - q1
	if iqr == 0 {
		return domain.DetectorResult{}, false
	}
	lo := q1 - multiplier*iqr
	hi := q3 + multiplier*iqr
	if x >= lo && x <= hi {
		return domain.DetectorResult{}, false
	}
	return domain.DetectorResult{
		IsAnomaly:    true,
		Detector:     domain.DetectorIQR,
		Confidence:   clamp01(math.Abs(x-((lo+hi)/2)) / (iqr * multiplier * 2)),
		ExpectedLow:  lo,
		ExpectedHigh: hi,
		Message:      fmt.Sprintf("value %.4f outside IQR fence [%.4f, %.4f]", x, lo, hi),
	}, true
}

// rateOfChangeCheck flags a sample-to-sample jump larger than maxDelta.
func rateOfChangeCheck(prev, cur, maxDelta float64) (domain.DetectorResult, bool) {
	if maxDelta <= 0 {
		return domain.DetectorResult{}, false
	}
	delta := math.Abs(cur - prev)
	if delta <= maxDelta {
		return domain.DetectorResult{}, false
	}
	return domain.DetectorResult{
		IsAnomaly:  true,
		Detector:   domain.DetectorRateOfChange,
		Confidence: clamp01(delta / (maxDelta * 2)),
		Deviation:  delta,
		Message:    fmt.Sprintf("value jumped by %.4f (prev %.4f, now %.4f), exceeding max rate %.4f", delta, prev, cur, maxDelta),
	}, true
}

// ewmaCheck flags a sample that deviates from an exponentially
// weighted moving average by more than tMultiplier standard
// deviations (|x-avg| > T·σ), catching slow drifts z-score would
// smooth over while still scaling with the metric's own spread
// instead of a fraction of its magnitude.
func ewmaCheck(avg, x, sigma, tMultiplier float64) (domain.DetectorResult, bool) {
	if tMultiplier <= 0 || sigma == 0 {
		return domain.DetectorResult{}, false
	}
	dev := math.Abs(x - avg)
	threshold := tMultiplier * sigma
	if dev <= threshold {
		return domain.DetectorResult{}, false
	}
	return domain.DetectorResult{
		IsAnomaly:  true,
		Detector:   domain.DetectorEWMA,
		Confidence: clamp01(dev / (threshold * 2)),
		Deviation:  dev / sigma,
		Message:    fmt.Sprintf("value %.4f deviates %.4fσ from EWMA %.4f (threshold %.1fσ)", x, dev/sigma, avg, tMultiplier),
	}, true
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
