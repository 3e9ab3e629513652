package device

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/iotistica/iotistic-agent/internal/domain"
	"github.com/iotistica/iotistic-agent/internal/infra/sqlite"
)

func newTestStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// newCloudStub serves the register/key-exchange handshake, asserting
// that register is authenticated with the provisioning key and
// key-exchange with the device's own deviceKey (§4.1, §6).
func newCloudStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/device/register", func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer provisioning-key-1" {
			t.Errorf("register: unexpected Authorization header %q", auth)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["uuid"] == nil || body["deviceKey"] == nil {
			t.Errorf("register: expected uuid and deviceKey in body, got %+v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":         "server-id-1",
			"uuid":       body["uuid"],
			"deviceName": body["deviceName"],
			"deviceType": body["deviceType"],
		})
	})
	mux.HandleFunc("/device/", func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth == "" {
			t.Errorf("key-exchange: missing Authorization header")
		}
		json.NewEncoder(w).Encode(map[string]bool{"acknowledged": true})
	})
	return httptest.NewServer(mux)
}

func TestInitializeGeneratesLocalIdentity(t *testing.T) {
	store := newTestStore(t)
	mgr := New(store, nil)

	dev, err := mgr.Initialize()
	if err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if dev.UUID == "" || dev.DeviceKey == "" {
		t.Fatalf("Initialize() did not generate identity: %+v", dev)
	}
	if dev.Phase != domain.PhaseUnprovisioned {
		t.Fatalf("Phase = %q, want unprovisioned", dev.Phase)
	}

	again, err := mgr.Initialize()
	if err != nil {
		t.Fatalf("second Initialize() error: %v", err)
	}
	if again.UUID != dev.UUID || again.DeviceKey != dev.DeviceKey {
		t.Fatalf("Initialize() is not idempotent: %+v vs %+v", dev, again)
	}
}

func TestProvisionRequiresInitialization(t *testing.T) {
	store := newTestStore(t)
	mgr := New(store, nil)

	_, err := mgr.Provision(context.Background(), ProvisionRequest{ProvisioningKey: "x"})
	if err != domain.ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestProvisionRequiresProvisioningKey(t *testing.T) {
	store := newTestStore(t)
	mgr := New(store, nil)
	if _, err := mgr.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	_, err := mgr.Provision(context.Background(), ProvisionRequest{CloudAPIBase: "http://example"})
	if err != domain.ErrProvisioningKeyRequired {
		t.Fatalf("expected ErrProvisioningKeyRequired, got %v", err)
	}
}

func TestProvisionFullHandshake(t *testing.T) {
	store := newTestStore(t)
	cloud := newCloudStub(t)
	defer cloud.Close()

	mgr := New(store, cloud.Client())
	if _, err := mgr.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	dev, err := mgr.Provision(context.Background(), ProvisionRequest{
		CloudAPIBase:    cloud.URL,
		ProvisioningKey: "provisioning-key-1",
		DeviceType:      "edge-gateway",
	})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if dev.Phase != domain.PhaseProvisioned {
		t.Fatalf("Phase = %q, want provisioned", dev.Phase)
	}
	if dev.UUID == "" || dev.DeviceKey == "" {
		t.Fatalf("unexpected device: %+v", dev)
	}
	if dev.ProvisioningKey != "" {
		t.Fatalf("provisioningKey should be erased after successful handshake, got %q", dev.ProvisioningKey)
	}

	if _, err := mgr.Provision(context.Background(), ProvisionRequest{CloudAPIBase: cloud.URL, ProvisioningKey: "provisioning-key-1"}); err != domain.ErrAlreadyProvisioned {
		t.Fatalf("expected ErrAlreadyProvisioned, got %v", err)
	}
}

func TestProvisionResumesAfterCrashMidHandshake(t *testing.T) {
	store := newTestStore(t)
	cloud := newCloudStub(t)
	defer cloud.Close()

	// Simulate a crash after registration but before key exchange: the
	// provisioningKey is still retained on disk (I3).
	if err := store.SaveDevice(domain.Device{
		Phase:           domain.PhaseKeyExchange,
		UUID:            "dev-1",
		DeviceKey:       "dk-1",
		ProvisioningKey: "provisioning-key-1",
		CloudAPIBase:    cloud.URL,
	}); err != nil {
		t.Fatalf("seed SaveDevice() error: %v", err)
	}

	mgr := New(store, cloud.Client())
	dev, err := mgr.Provision(context.Background(), ProvisionRequest{CloudAPIBase: cloud.URL})
	if err != nil {
		t.Fatalf("Provision() resume error: %v", err)
	}
	if dev.Phase != domain.PhaseProvisioned {
		t.Fatalf("Phase = %q, want provisioned after resume", dev.Phase)
	}
	if dev.UUID != "dev-1" {
		t.Fatalf("resume should keep the already-generated uuid, got %q", dev.UUID)
	}
}

func TestMarkAsLocalModeRequiresProvisioned(t *testing.T) {
	store := newTestStore(t)
	mgr := New(store, nil)

	if err := mgr.MarkAsLocalMode(); err != domain.ErrNotProvisioned {
		t.Fatalf("expected ErrNotProvisioned, got %v", err)
	}

	if err := store.SaveDevice(domain.Device{Phase: domain.PhaseProvisioned, UUID: "dev-1", DeviceKey: "dk-1"}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.MarkAsLocalMode(); err != nil {
		t.Fatalf("MarkAsLocalMode() error: %v", err)
	}
	dev, _ := mgr.Current()
	if dev.Phase != domain.PhaseLocalMode {
		t.Fatalf("Phase = %q, want local_mode", dev.Phase)
	}
}

func TestFactoryReset(t *testing.T) {
	store := newTestStore(t)
	mgr := New(store, nil)

	store.SaveDevice(domain.Device{Phase: domain.PhaseProvisioned, UUID: "dev-1", DeviceKey: "dk-1"})
	if err := mgr.FactoryReset(); err != nil {
		t.Fatalf("FactoryReset() error: %v", err)
	}
	dev, _ := mgr.Current()
	if dev.Phase != domain.PhaseUnprovisioned || dev.UUID != "" {
		t.Fatalf("FactoryReset() left %+v", dev)
	}
}
