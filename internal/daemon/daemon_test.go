package daemon

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewWithConfig_WiresWithoutError(t *testing.T) {
	t.Setenv("AGENT_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.API.Port = 0 // let the OS pick a free port
	cfg.Metrics.Enabled = false
	cfg.MQTT.Enabled = false

	d, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	defer d.Close()

	if d.devices == nil || d.reconciler == nil || d.checker == nil {
		t.Fatal("expected core components to be wired")
	}
	if d.cloud != nil {
		t.Error("expected no cloudsync client for an unprovisioned device")
	}
}

func TestNewWithConfig_RequireProvisioningFailsWhenUnprovisioned(t *testing.T) {
	t.Setenv("AGENT_HOME", t.TempDir())
	t.Setenv("REQUIRE_PROVISIONING", "1")

	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.MQTT.Enabled = false

	_, err := NewWithConfig(cfg)
	if !errors.Is(err, ErrProvisioningRequired) {
		t.Fatalf("expected ErrProvisioningRequired, got %v", err)
	}
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	t.Setenv("AGENT_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.API.Port = 0
	cfg.Metrics.Enabled = false
	cfg.MQTT.Enabled = false
	cfg.Reconcile.AutoInterval = "1h"

	d, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after context cancellation")
	}
}
