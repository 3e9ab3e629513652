package daemon

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 48484 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 48484)
	}
	if cfg.CloudSync.PollInterval != "10s" {
		t.Errorf("CloudSync.PollInterval = %q, want %q", cfg.CloudSync.PollInterval, "10s")
	}
	if !cfg.Anomaly.Enabled {
		t.Error("expected anomaly detection enabled by default")
	}
	if cfg.Resources.MemoryThresholdMB != 256 {
		t.Errorf("Resources.MemoryThresholdMB = %d, want %d", cfg.Resources.MemoryThresholdMB, 256)
	}
	if cfg.Firewall.Mode != "auto" {
		t.Errorf("Firewall.Mode = %q, want %q", cfg.Firewall.Mode, "auto")
	}
}

func TestLoadConfig_FallsBackToDefaultsWithoutFile(t *testing.T) {
	t.Setenv("AGENT_HOME", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Fatalf("expected default config when no file exists, got %+v", cfg)
	}
}

func TestSaveAndLoadConfig_RoundTrip(t *testing.T) {
	t.Setenv("AGENT_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.API.Port = 9999
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.API.Port != 9999 {
		t.Fatalf("expected round-tripped port 9999, got %d", loaded.API.Port)
	}
}

func TestParseDuration_FallsBackOnEmptyOrInvalid(t *testing.T) {
	if got := ParseDuration("", 5); got != 5 {
		t.Errorf("expected fallback for empty string, got %v", got)
	}
	if got := ParseDuration("not-a-duration", 5); got != 5 {
		t.Errorf("expected fallback for invalid duration, got %v", got)
	}
}
