// Package cloudsync implements the cloud control-plane connection:
// a long-poll loop that fetches target state with ETag caching, and a
// report loop that pushes current state, metrics, and anomaly summaries
// back up (§4.5).
package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iotistica/iotistic-agent/internal/anomaly"
	"github.com/iotistica/iotistic-agent/internal/backoff"
	"github.com/iotistica/iotistic-agent/internal/domain"
	"github.com/iotistica/iotistic-agent/internal/metrics"
)

// Config controls poll/report cadence and backoff bounds.
type Config struct {
	APIBase        string
	DeviceUUID     string
	DeviceKey      string
	AgentVersion   string
	PollInterval   time.Duration
	ReportInterval time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig returns sane defaults matching spec.md's stated caps.
func DefaultConfig() Config {
	return Config{
		AgentVersion:   "dev",
		PollInterval:   10 * time.Second,
		ReportInterval: 30 * time.Second,
		BackoffBase:    500 * time.Millisecond,
		BackoffMax:     15 * time.Second,
	}
}

// TargetSetter receives a newly fetched target state.
type TargetSetter interface {
	SetTarget(domain.TargetState) error
}

// ReportSource supplies the payload fields for the report loop: the
// observed current state plus the already-applied target state's apps
// and config, which the report loop echoes back unchanged (§4.5, §6).
type ReportSource interface {
	GetCurrentState(ctx context.Context) (domain.CurrentState, error)
	GetTargetState() (domain.TargetState, bool)
}

// Client drives the poll and report loops against the cloud API.
type Client struct {
	cfg     Config
	http    *http.Client
	store   domain.Store
	target  TargetSetter
	source  ReportSource
	breaker *backoff.CircuitBreaker
	backoff backoff.Exponential
	log     *logrus.Entry

	healthMu sync.RWMutex
	health   domain.ConnectionHealth
}

// New creates a cloud sync Client.
func New(cfg Config, store domain.Store, target TargetSetter, source ReportSource, log *logrus.Entry) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		store:   store,
		target:  target,
		source:  source,
		breaker: backoff.NewCircuitBreaker("cloud-sync", backoff.DefaultBreakerConfig()),
		backoff: backoff.New(backoff.Config{Base: cfg.BackoffBase, Max: cfg.BackoffMax}),
		log:     log,
	}
}

// Health returns the last-observed connection health snapshot.
func (c *Client) Health() domain.ConnectionHealth {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.health
}

// RunPollLoop long-polls the cloud API for target state updates until
// ctx is cancelled.
func (c *Client) RunPollLoop(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !c.breaker.Allow() {
			c.setStatus(domain.ConnOffline, "circuit open")
			time.Sleep(c.cfg.BackoffMax)
			continue
		}

		changed, err := c.poll(ctx)
		if err != nil {
			attempt++
			c.breaker.RecordFailure()
			c.setStatus(c.breaker.State().ConnectionStatus(), err.Error())
			if c.log != nil {
				c.log.WithError(err).WithField("attempt", attempt).Warn("poll failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff.Delay(attempt)):
			}
			continue
		}

		attempt = 0
		c.breaker.RecordSuccess()
		c.setStatus(domain.ConnConnected, "")
		if changed {
			c.log.Info("target state updated")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// stateEnvelopeEntry is the per-device payload nested under the
// device's uuid in the GET /device/:uuid/state response (§4.5, §6).
type stateEnvelopeEntry struct {
	Apps            map[string]domain.App `json:"apps"`
	Config          domain.SectionConfig  `json:"config"`
	Version         int                    `json:"version"`
	NeedsDeployment bool                   `json:"needs_deployment,omitempty"`
	LastDeployedAt  time.Time              `json:"last_deployed_at,omitempty"`
}

// poll issues one GET against /device/:uuid/state with If-None-Match
// set from the last stored ETag. Returns true if a new target state
// (200) was applied. A 304 is a no-op; other 4xx/5xx never alter the
// stored target (ordering guarantee, §4.5).
func (c *Client) poll(ctx context.Context) (bool, error) {
	etag, _ := c.store.GetMeta("cloud_etag")

	url := fmt.Sprintf("%s/device/%s/state", c.cfg.APIBase, c.cfg.DeviceUUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.DeviceKey)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrCloudUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return false, nil
	case http.StatusOK:
		var envelope map[string]stateEnvelopeEntry
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return false, fmt.Errorf("decode target state: %w", err)
		}
		entry, ok := envelope[c.cfg.DeviceUUID]
		if !ok {
			return false, fmt.Errorf("%w: response missing entry for device %s", domain.ErrCloudBadRequest, c.cfg.DeviceUUID)
		}
		ts := domain.TargetState{Apps: entry.Apps, Config: entry.Config, Version: entry.Version}
		if newEtag := resp.Header.Get("ETag"); newEtag != "" {
			_ = c.store.SetMeta("cloud_etag", newEtag)
		}
		if err := c.target.SetTarget(ts); err != nil {
			return false, err
		}
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, domain.ErrCloudAuth
	case http.StatusNotFound:
		return false, fmt.Errorf("%w: device not found", domain.ErrCloudBadRequest)
	default:
		if resp.StatusCode >= 500 {
			return false, fmt.Errorf("%w: status %d", domain.ErrCloudUnreachable, resp.StatusCode)
		}
		return false, fmt.Errorf("%w: status %d", domain.ErrCloudBadRequest, resp.StatusCode)
	}
}

// RunReportLoop periodically pushes current state, host metrics, and
// the anomaly summary to the cloud (§4.5). Either callback may be nil
// when the corresponding feature is disabled.
func (c *Client) RunReportLoop(ctx context.Context, metricsSnapshot func() metrics.Snapshot, anomalySummary func() anomaly.Summary) {
	ticker := time.NewTicker(c.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.report(ctx, metricsSnapshot, anomalySummary); err != nil && c.log != nil {
				c.log.WithError(err).Warn("report failed")
			}
		}
	}
}

// reportBody is the flat POST /device/:uuid/state payload (§4.5, §6).
type reportBody struct {
	Apps            map[string]domain.App `json:"apps"`
	Config          domain.SectionConfig  `json:"config"`
	Version         int                   `json:"version"`
	CPUUsage        float64               `json:"cpu_usage"`
	MemoryUsage     uint64                `json:"memory_usage"`
	MemoryTotal     uint64                `json:"memory_total"`
	StorageUsage    uint64                `json:"storage_usage"`
	StorageFree     uint64                `json:"storage_free"`
	Temperature     *float64              `json:"temperature,omitempty"`
	IsOnline        bool                  `json:"is_online"`
	LocalIP         string                `json:"local_ip"`
	OSVersion       string                `json:"os_version"`
	AgentVersion    string                `json:"agent_version"`
	UptimeSeconds   float64               `json:"uptime"`
	AnomalySummary  *anomaly.Summary      `json:"anomalySummary,omitempty"`
}

func (c *Client) report(ctx context.Context, metricsSnapshot func() metrics.Snapshot, anomalySummary func() anomaly.Summary) error {
	current, err := c.source.GetCurrentState(ctx)
	if err != nil {
		return err
	}
	target, _ := c.source.GetTargetState()

	body := reportBody{
		Apps:         flattenAppsFromCurrent(target.Apps, current),
		Config:       target.Config,
		Version:      target.Version,
		IsOnline:     true,
		LocalIP:      localIP(),
		OSVersion:    goruntime.GOOS,
		AgentVersion: c.cfg.AgentVersion,
	}
	if metricsSnapshot != nil {
		snap := metricsSnapshot()
		body.CPUUsage = snap.CPUUsagePercent
		body.MemoryUsage = snap.MemoryUsageBytes
		body.MemoryTotal = snap.MemoryTotalBytes
		body.StorageUsage = snap.StorageUsageBytes
		body.StorageFree = snap.StorageFreeBytes
		body.UptimeSeconds = snap.UptimeSeconds
		if t, ok := snap.TemperatureCelsius["cpu"]; ok {
			body.Temperature = &t
		}
	}
	if anomalySummary != nil {
		s := anomalySummary()
		body.AnomalySummary = &s
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/device/%s/state", c.cfg.APIBase, c.cfg.DeviceUUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.DeviceKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCloudUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("report: unexpected status %d", resp.StatusCode)
	}

	c.healthMu.Lock()
	c.health.LastReportAt = time.Now()
	c.healthMu.Unlock()
	return nil
}

// flattenAppsFromCurrent reports the declared apps with each service's
// status overwritten by what was actually observed, so the cloud sees
// both the desired shape and the live state in one payload.
func flattenAppsFromCurrent(declared map[string]domain.App, current domain.CurrentState) map[string]domain.App {
	apps := make(map[string]domain.App, len(declared))
	for appID, app := range declared {
		cs, ok := current[appID]
		if !ok {
			apps[appID] = app
			continue
		}
		services := make([]domain.Service, len(app.Services))
		for i, svc := range app.Services {
			services[i] = svc
			if observed, ok := cs.Services[svc.ServiceID]; ok {
				services[i].Status = string(observed.State)
			}
		}
		app.Services = services
		apps[appID] = app
	}
	return apps
}

// localIP returns the device's primary non-loopback IPv4 address, or
// empty if none can be determined.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

func (c *Client) setStatus(status domain.ConnectionStatus, lastErr string) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.health.Status = status
	c.health.LastPollAt = time.Now()
	c.health.LastError = lastErr
	if status == domain.ConnConnected {
		c.health.ConsecutiveFailures = 0
	} else {
		c.health.ConsecutiveFailures++
	}
}
