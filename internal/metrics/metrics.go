// Package metrics provides Prometheus series for the agent (§4.10) and
// a Collector that samples host resource usage on an interval.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Reconciliation ─────────────────────────────────────────────────────────

var ReconcilePassesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "iotistic",
	Name:      "reconcile_passes_total",
	Help:      "Total reconciliation passes run.",
})

var ReconcileStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "iotistic",
	Name:      "reconcile_step_duration_seconds",
	Help:      "Duration of individual reconciliation steps.",
	Buckets:   prometheus.DefBuckets,
}, []string{"kind"})

var AppsDegraded = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "iotistic",
	Name:      "apps_degraded",
	Help:      "Number of apps currently marked degraded after repeated reconciliation failures.",
})

// ─── Cloud sync ─────────────────────────────────────────────────────────────

var CloudPollLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "iotistic",
	Name:      "cloud_poll_latency_seconds",
	Help:      "Cloud target-state poll round-trip latency.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
})

var CloudConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "iotistic",
	Name:      "cloud_connection_status",
	Help:      "Cloud connection status (0=offline, 1=degraded, 2=connected).",
})

// ─── Sensors / Modbus ───────────────────────────────────────────────────────

var SensorCommQuality = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "iotistic",
	Name:      "sensor_comm_quality",
	Help:      "Rolling communication success ratio per Modbus channel, 0..1.",
}, []string{"channel"})

var SensorReadingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "iotistic",
	Name:      "sensor_readings_total",
	Help:      "Total sensor readings decoded, by channel and quality.",
}, []string{"channel", "quality"})

// ─── Anomaly ────────────────────────────────────────────────────────────────

var AnomalyAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "iotistic",
	Name:      "anomaly_alerts_total",
	Help:      "Total anomaly alerts raised, by detector and severity.",
}, []string{"detector", "severity"})

// ─── Host resources ─────────────────────────────────────────────────────────

var CPUUsagePercent = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "iotistic",
	Name:      "host_cpu_usage_percent",
	Help:      "Current host CPU usage percentage.",
})

var MemoryUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "iotistic",
	Name:      "host_memory_usage_bytes",
	Help:      "Current host memory usage in bytes.",
})

var MemoryTotalBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "iotistic",
	Name:      "host_memory_total_bytes",
	Help:      "Total host memory in bytes.",
})

var StorageUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "iotistic",
	Name:      "host_storage_usage_bytes",
	Help:      "Current storage usage in bytes for the agent's data directory filesystem.",
})

var StorageFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "iotistic",
	Name:      "host_storage_free_bytes",
	Help:      "Free space in bytes for the agent's data directory filesystem.",
})

var UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "iotistic",
	Name:      "host_uptime_seconds",
	Help:      "Host uptime in seconds.",
})

var TemperatureCelsius = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "iotistic",
	Name:      "host_temperature_celsius",
	Help:      "Host thermal zone temperature in Celsius, by zone.",
}, []string{"zone"})

var NetworkBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "iotistic",
	Name:      "host_network_bytes_total",
	Help:      "Cumulative network bytes, by interface and direction.",
}, []string{"interface", "direction"})

var TopProcessCPUPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "iotistic",
	Name:      "host_top_process_cpu_percent",
	Help:      "CPU percentage of the current top N processes by CPU usage.",
}, []string{"pid", "name"})

// ─── Health ─────────────────────────────────────────────────────────────────

var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "iotistic",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
