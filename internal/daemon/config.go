// Package daemon wires every agent component together and manages the
// process lifecycle.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all agent configuration.
type Config struct {
	Cloud     CloudConfig     `toml:"cloud"`
	API       APIConfig       `toml:"api"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	CloudSync CloudSyncConfig `toml:"cloudsync"`
	Metrics   MetricsConfig   `toml:"metrics"`
	MQTT      MQTTConfig      `toml:"mqtt"`
	Anomaly   AnomalyConfig   `toml:"anomaly"`
	Firewall  FirewallConfig  `toml:"firewall"`
	Resources ResourcesConfig `toml:"resources"`
	Logging   LoggingConfig   `toml:"logging"`
}

// CloudConfig identifies the cloud control plane this device talks to.
type CloudConfig struct {
	APIBase         string `toml:"api_base"`
	ProvisioningKey string `toml:"provisioning_key"`
	DeviceType      string `toml:"device_type"`
}

// APIConfig controls the local HTTP control API.
type APIConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// ReconcileConfig controls the state reconciler's auto-reconciliation
// cadence.
type ReconcileConfig struct {
	AutoInterval string `toml:"auto_interval"`
}

// CloudSyncConfig controls the cloud poll/report loops.
type CloudSyncConfig struct {
	PollInterval   string `toml:"poll_interval"`
	ReportInterval string `toml:"report_interval"`
	BackoffBase    string `toml:"backoff_base"`
	BackoffMax     string `toml:"backoff_max"`
}

// MetricsConfig controls the local Prometheus endpoint and the host
// resource sampler.
type MetricsConfig struct {
	Enabled        bool   `toml:"enabled"`
	Port           int    `toml:"port"`
	SampleInterval string `toml:"sample_interval"`
	TopProcesses   int    `toml:"top_processes"`
}

// MQTTConfig controls the MQTT client, when configured.
type MQTTConfig struct {
	Enabled   bool   `toml:"enabled"`
	BrokerURL string `toml:"broker_url"`
	ClientID  string `toml:"client_id"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// AnomalyConfig controls the statistical anomaly engine.
type AnomalyConfig struct {
	Enabled        bool    `toml:"enabled"`
	SigmaThreshold float64 `toml:"sigma_threshold"`
	CooldownSecs   int     `toml:"cooldown_seconds"`
}

// FirewallConfig records the post-provision firewall mode reported to
// the cloud control plane. The actual firewall/VPN setup scripts are
// an external collaborator's concern, not this agent's; the agent only
// carries the setting through.
type FirewallConfig struct {
	Mode string `toml:"mode"` // on|off|auto|disabled
}

// ResourcesConfig bounds how much host resource growth the health
// checker tolerates before flagging the process unhealthy.
type ResourcesConfig struct {
	MemoryThresholdMB int `toml:"memory_threshold_mb"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := AgentHome()
	return Config{
		Cloud: CloudConfig{
			APIBase:    "https://api.iotistica.example",
			DeviceType: "generic-edge",
		},
		API: APIConfig{
			Host:        "127.0.0.1",
			Port:        48484,
			CORSOrigins: []string{"*"},
		},
		Reconcile: ReconcileConfig{
			AutoInterval: "60s",
		},
		CloudSync: CloudSyncConfig{
			PollInterval:   "10s",
			ReportInterval: "30s",
			BackoffBase:    "500ms",
			BackoffMax:     "15s",
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			Port:           9476,
			SampleInterval: "15s",
			TopProcesses:   5,
		},
		MQTT: MQTTConfig{
			Enabled: false,
		},
		Anomaly: AnomalyConfig{
			Enabled:        true,
			SigmaThreshold: 3.0,
			CooldownSecs:   300,
		},
		Firewall: FirewallConfig{
			Mode: "auto",
		},
		Resources: ResourcesConfig{
			MemoryThresholdMB: 256,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(homeDir, "agent.log"),
		},
	}
}

// LoadConfig reads config from $AGENT_HOME/config.toml, falling back
// to defaults when no file exists yet.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(AgentHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to $AGENT_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(AgentHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// AgentHome returns the agent's data directory, overridable via
// $AGENT_HOME for tests and multi-instance setups.
func AgentHome() string {
	if env := os.Getenv("AGENT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".iotistic-agent")
}

// ParseDuration wraps time.ParseDuration with the zero-value-means-unset
// convention the config sections above rely on.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
