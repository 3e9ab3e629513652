package sqlite

import (
	"testing"
	"time"

	"github.com/iotistica/iotistic-agent/internal/domain"
)

func TestDeviceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	dev, err := db.LoadDevice()
	if err != nil {
		t.Fatalf("LoadDevice() error: %v", err)
	}
	if dev.Phase != domain.PhaseUnprovisioned {
		t.Fatalf("expected unprovisioned default, got %q", dev.Phase)
	}

	want := domain.Device{
		UUID:            "abc-123",
		ProvisioningKey: "key",
		DeviceKey:       "deadbeef",
		Phase:           domain.PhaseProvisioned,
		RegisteredAt:    time.Unix(1700000000, 0),
		CloudAPIBase:    "https://cloud.example.com",
		DeviceType:      "edge-gateway",
	}
	if err := db.SaveDevice(want); err != nil {
		t.Fatalf("SaveDevice() error: %v", err)
	}

	got, err := db.LoadDevice()
	if err != nil {
		t.Fatalf("LoadDevice() error: %v", err)
	}
	if got.UUID != want.UUID || got.Phase != want.Phase || got.DeviceKey != want.DeviceKey {
		t.Fatalf("LoadDevice() = %+v, want %+v", got, want)
	}
}

func TestTargetStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := db.LoadTargetState(); err != domain.ErrTargetStateMissing {
		t.Fatalf("expected ErrTargetStateMissing, got %v", err)
	}

	ts := domain.TargetState{
		Version: 3,
		Apps: map[string]domain.App{
			"web": {
				AppID: "web",
				Name:  "web",
				Services: []domain.Service{
					{ServiceID: "web", ServiceName: "web", ImageName: "nginx:latest"},
				},
			},
		},
	}
	if err := db.SaveTargetState(ts); err != nil {
		t.Fatalf("SaveTargetState() error: %v", err)
	}

	got, err := db.LoadTargetState()
	if err != nil {
		t.Fatalf("LoadTargetState() error: %v", err)
	}
	webSvc, ok := got.Apps["web"].Service("web")
	if got.Version != 3 || !ok || webSvc.ImageName != "nginx:latest" {
		t.Fatalf("LoadTargetState() = %+v", got)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if v, err := db.GetMeta("etag"); err != nil || v != "" {
		t.Fatalf("GetMeta() on empty key = %q, %v", v, err)
	}
	if err := db.SetMeta("etag", `"abc123"`); err != nil {
		t.Fatalf("SetMeta() error: %v", err)
	}
	v, err := db.GetMeta("etag")
	if err != nil || v != `"abc123"` {
		t.Fatalf("GetMeta() = %q, %v, want %q", v, err, `"abc123"`)
	}
	if err := db.SetMeta("etag", `"def456"`); err != nil {
		t.Fatalf("SetMeta() overwrite error: %v", err)
	}
	v, _ = db.GetMeta("etag")
	if v != `"def456"` {
		t.Fatalf("GetMeta() after overwrite = %q", v)
	}
}
