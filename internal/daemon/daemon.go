// Package daemon wires every agent component together and manages the
// process lifecycle: construct, serve, and gracefully shut down.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iotistica/iotistic-agent/internal/anomaly"
	"github.com/iotistica/iotistic-agent/internal/api"
	"github.com/iotistica/iotistic-agent/internal/cloudsync"
	"github.com/iotistica/iotistic-agent/internal/device"
	"github.com/iotistica/iotistic-agent/internal/domain"
	"github.com/iotistica/iotistic-agent/internal/health"
	"github.com/iotistica/iotistic-agent/internal/infra/sqlite"
	"github.com/iotistica/iotistic-agent/internal/metrics"
	"github.com/iotistica/iotistic-agent/internal/modbus"
	"github.com/iotistica/iotistic-agent/internal/mqttclient"
	"github.com/iotistica/iotistic-agent/internal/reconcile"
	"github.com/iotistica/iotistic-agent/internal/runtime"
)

// ErrProvisioningRequired is a fatal startup error: $REQUIRE_PROVISIONING
// is set but the device has not completed the provisioning handshake.
// Callers should exit 1 on this error.
var ErrProvisioningRequired = errors.New("REQUIRE_PROVISIONING is set but device is not provisioned")

// sensorChannel pairs a configured Modbus channel with its own poll
// cadence, since each sensor in the target state may run on a
// different period.
type sensorChannel struct {
	ch     *modbus.Channel
	period time.Duration
}

// Daemon owns every long-lived component and drives the agent's
// construct-wire-serve-shutdown lifecycle.
type Daemon struct {
	Config Config

	log *logrus.Entry
	db  *sqlite.DB

	devices    *device.Manager
	reconciler *reconcile.Reconciler
	checker    *health.Checker
	cloud      *cloudsync.Client
	mqtt       *mqttclient.Client
	anomalyEng *anomaly.Engine
	collector  *metrics.Collector
	channels   []sensorChannel

	httpServer *http.Server
}

// New loads config from $AGENT_HOME and wires every component.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig wires every component against an already-loaded config,
// for tests and callers that override flags before construction.
func NewWithConfig(cfg Config) (*Daemon, error) {
	log := newLogger(cfg.Logging)

	if err := os.MkdirAll(AgentHome(), 0700); err != nil {
		return nil, fmt.Errorf("create agent home: %w", err)
	}

	db, err := sqlite.Open(AgentHome())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cr, err := runtime.NewDocker()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to container runtime: %w", err)
	}

	devices := device.New(db, nil)

	if os.Getenv("REQUIRE_PROVISIONING") != "" {
		dev, err := devices.Initialize()
		if err != nil || !dev.IsProvisioned() {
			db.Close()
			return nil, ErrProvisioningRequired
		}
	}

	reconciler := reconcile.New(cr, db, log.WithField("component", "reconcile"))
	maxGrowth := uint64(cfg.Resources.MemoryThresholdMB) * 1024 * 1024
	checker := health.NewChecker(db, maxGrowth)

	d := &Daemon{
		Config:     cfg,
		log:        log,
		db:         db,
		devices:    devices,
		reconciler: reconciler,
		checker:    checker,
	}

	if cfg.Anomaly.Enabled {
		acfg := anomaly.DefaultDetectorConfig()
		acfg.SigmaThreshold = cfg.Anomaly.SigmaThreshold
		acfg.Cooldown = time.Duration(cfg.Anomaly.CooldownSecs) * time.Second
		d.anomalyEng = anomaly.NewEngine(acfg)
	}

	if cfg.Metrics.Enabled {
		sampler := metrics.NewLinuxSampler()
		d.collector = metrics.NewCollector(sampler, AgentHome(), cfg.Metrics.TopProcesses, log.WithField("component", "metrics"))
	}

	if cfg.MQTT.Enabled {
		mcfg := mqttclient.DefaultConfig()
		mcfg.BrokerURL = cfg.MQTT.BrokerURL
		mcfg.ClientID = cfg.MQTT.ClientID
		mcfg.Username = cfg.MQTT.Username
		mcfg.Password = cfg.MQTT.Password
		d.mqtt = mqttclient.New(mcfg, log.WithField("component", "mqtt"))
	}

	dev, err := devices.Initialize()
	if err == nil && dev.IsProvisioned() {
		ccfg := cloudsync.DefaultConfig()
		ccfg.APIBase = dev.CloudAPIBase
		ccfg.DeviceUUID = dev.UUID
		ccfg.DeviceKey = dev.DeviceKey
		ccfg.PollInterval = ParseDuration(cfg.CloudSync.PollInterval, ccfg.PollInterval)
		ccfg.ReportInterval = ParseDuration(cfg.CloudSync.ReportInterval, ccfg.ReportInterval)
		ccfg.BackoffBase = ParseDuration(cfg.CloudSync.BackoffBase, ccfg.BackoffBase)
		ccfg.BackoffMax = ParseDuration(cfg.CloudSync.BackoffMax, ccfg.BackoffMax)
		d.cloud = cloudsync.New(ccfg, db, reconciler, reconciler, log.WithField("component", "cloudsync"))
	}

	if target, ok := reconciler.GetTargetState(); ok && target.Config.Sensors != nil {
		for _, sc := range *target.Config.Sensors {
			sc := sc
			open := func() (domain.Transport, error) {
				if sc.Transport == "rtu" {
					return modbus.NewRTUTransport(sc.Address, 9600)
				}
				return modbus.NewTCPTransport(sc.Address)
			}
			ch := modbus.NewChannel(sc, open, log.WithField("component", "modbus").WithField("channel", sc.ChannelID))
			period := ParseDuration(sc.PollPeriod, 5*time.Second)
			d.channels = append(d.channels, sensorChannel{ch: ch, period: period})
		}
	}

	var cloudHealth api.ConnectionHealthSource
	if d.cloud != nil {
		cloudHealth = d.cloud
	}
	server := api.NewServer(devices, reconciler, checker, cloudHealth)
	if cfg.Metrics.Enabled {
		server.EnableMetrics()
	}
	server.SetCORSOrigins(cfg.API.CORSOrigins)

	d.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port)),
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	return d, nil
}

// newLogger configures structured logging per the logging section of
// Config: JSON to a file path when set, text to stderr otherwise.
func newLogger(cfg LoggingConfig) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		l.SetLevel(level)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			l.SetFormatter(&logrus.JSONFormatter{})
			l.SetOutput(f)
		}
	}

	return logrus.NewEntry(l)
}

// Serve starts every background loop and the local HTTP API, blocking
// until ctx is canceled or a termination signal arrives.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go d.checker.Run(ctx)

	if interval := ParseDuration(d.Config.Reconcile.AutoInterval, 60*time.Second); interval > 0 {
		go d.reconciler.StartAutoReconciliation(ctx, interval)
	}

	if d.cloud != nil {
		go d.cloud.RunPollLoop(ctx)
		go d.cloud.RunReportLoop(ctx, d.metricsSnapshot, d.anomalySnapshot)
	}

	if d.mqtt != nil {
		if err := d.mqtt.Connect(); err != nil {
			d.log.WithError(err).Warn("initial mqtt connect failed, will keep retrying")
		}
	}

	if d.collector != nil {
		go d.collector.Run(ctx, ParseDuration(d.Config.Metrics.SampleInterval, 15*time.Second))
	}

	for _, sc := range d.channels {
		sc := sc
		go sc.ch.RunLoop(ctx, sc.period, d.onSensorFrame)
	}

	d.log.WithField("addr", d.httpServer.Addr).Info("starting local API server")

	serveErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	select {
	case <-ctx.Done():
		d.log.Info("shutting down")
	case err := <-serveErrCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.httpServer.Shutdown(shutdownCtx)
}

// onSensorFrame folds a completed Modbus poll into the anomaly engine
// and exposes its comm-quality gauge.
func (d *Daemon) onSensorFrame(frame domain.SensorFrame) {
	metrics.SensorCommQuality.WithLabelValues(frame.ChannelID).Set(frame.CommQuality)
	if frame.Err != "" {
		d.log.WithField("channel", frame.ChannelID).WithField("error", frame.Err).Warn("sensor poll failed")
		return
	}
	if d.anomalyEng == nil {
		return
	}
	for _, r := range frame.Readings {
		alerts := d.anomalyEng.Observe(frame.ChannelID, r.Name, r.Value)
		for _, a := range alerts {
			metrics.AnomalyAlertsTotal.WithLabelValues(string(a.Detector), string(a.Severity)).Inc()
			d.log.WithFields(logrus.Fields{
				"metric":   a.Metric,
				"severity": a.Severity,
				"value":    a.Value,
			}).Warn(a.Message)
		}
	}
}

func (d *Daemon) metricsSnapshot() metrics.Snapshot {
	if d.collector == nil {
		return metrics.Snapshot{}
	}
	return d.collector.Snapshot()
}

func (d *Daemon) anomalySnapshot() anomaly.Summary {
	if d.anomalyEng == nil {
		return anomaly.Summary{}
	}
	return d.anomalyEng.GetSummaryForReport(10)
}

// Close releases every held resource (Modbus transports, the store).
// Call after Serve returns.
func (d *Daemon) Close() error {
	for _, sc := range d.channels {
		_ = sc.ch.Close()
	}
	if d.mqtt != nil {
		d.mqtt.Close()
	}
	return d.db.Close()
}
