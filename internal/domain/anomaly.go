package domain

import "time"

// Severity ranks how serious a detected anomaly is (§4.9).
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// DetectorKind identifies which statistical test raised an alert.
type DetectorKind string

const (
	DetectorZScore        DetectorKind = "zscore"
	DetectorMAD           DetectorKind = "mad"
	DetectorIQR           DetectorKind = "iqr"
	DetectorRateOfChange  DetectorKind = "rate_of_change"
	DetectorEWMA          DetectorKind = "ewma"
)

// Alert is one deduplicated anomaly notification (§3, §4.9).
type Alert struct {
	Fingerprint   string       `json:"fingerprint"`
	Metric        string       `json:"metric"`
	Source        string       `json:"source"`
	Detector      DetectorKind `json:"detector"`
	Severity      Severity     `json:"severity"`
	Confidence    float64      `json:"confidence"`
	Deviation     float64      `json:"deviation"`
	ExpectedLow   float64      `json:"expectedLow"`
	ExpectedHigh  float64      `json:"expectedHigh"`
	Value         float64      `json:"value"`
	Message       string       `json:"message"`
	FirstSeenAt   time.Time    `json:"firstSeenAt"`
	LastSeenAt    time.Time    `json:"lastSeenAt"`
	Count         int          `json:"count"`
}

// DetectorResult is the raw outcome of running one detector against one
// sample, before severity derivation and dedup.
type DetectorResult struct {
	IsAnomaly    bool
	Detector     DetectorKind
	Confidence   float64
	Deviation    float64
	ExpectedLow  float64
	ExpectedHigh float64
	Message      string
}
