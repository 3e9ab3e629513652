package domain

import (
	"hash/fnv"
	"sort"
	"strconv"
	"time"
)

// ContainerConfig is the runtime-facing shape of one service: the bits
// the container runtime adapter actually needs to create and start it.
type ContainerConfig struct {
	Env      map[string]string `json:"env,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Networks []string          `json:"networks,omitempty"`
	Volumes  []string          `json:"volumes,omitempty"`
	Ports    []string          `json:"ports,omitempty"`
	Restart  string            `json:"restart,omitempty"` // "always" | "on-failure" | "no"
}

// Service is one container workload inside an App (§3). An App may
// declare several services (e.g. a web service plus a sidecar), each
// independently addressable by serviceId.
type Service struct {
	ServiceID       string          `json:"serviceId"`
	ServiceName     string          `json:"serviceName"`
	ImageName       string          `json:"imageName"`
	Status          string          `json:"status,omitempty"` // desired status hint, e.g. "running"
	UpdateStrat     string          `json:"updateStrategy,omitempty"`
	ContainerConfig ContainerConfig `json:"containerConfig"`
}

// App is one application entry in a target state (§3): a name plus the
// services that compose it.
type App struct {
	AppID    string    `json:"appId"`
	Name     string    `json:"name"`
	Services []Service `json:"services"`
	Version  int       `json:"version"`
}

// Service looks up one of the app's declared services by id.
func (a App) Service(serviceID string) (Service, bool) {
	for _, s := range a.Services {
		if s.ServiceID == serviceID {
			return s, true
		}
	}
	return Service{}, false
}

func hashStrings(ss []string) string {
	sorted := append([]string(nil), ss...)
	sort.Strings(sorted)
	h := fnv.New64a()
	for _, s := range sorted {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func hashMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := fnv.New64a()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(m[k]))
		h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// NetworksHash identifies the set of networks a service is declared to
// join. The planner compares this against the last-observed value
// (carried on the runtime as a label) to detect major-topology
// changes independent of other config (§4.4 rule 3).
func (s Service) NetworksHash() string {
	return hashStrings(s.ContainerConfig.Networks)
}

// RuntimeConfigHash identifies the runtime-visible shape of a
// service's container — ports, volumes, restart policy, env — that
// can only be changed by recreating the container. The image is
// deliberately excluded so an image-only update doesn't look like a
// runtime-config change (§4.4 rule 3).
func (s Service) RuntimeConfigHash() string {
	h := fnv.New64a()
	h.Write([]byte(hashStrings(s.ContainerConfig.Ports)))
	h.Write([]byte(hashStrings(s.ContainerConfig.Volumes)))
	h.Write([]byte(s.ContainerConfig.Restart))
	h.Write([]byte(hashMap(s.ContainerConfig.Env)))
	return strconv.FormatUint(h.Sum64(), 16)
}

// LabelsHash identifies a service's non-runtime metadata. A change
// here alone only needs an UpdateMetadata step (§4.4 rule 4).
func (s Service) LabelsHash() string {
	return hashMap(s.ContainerConfig.Labels)
}

// LoggingConfig, SensorConfig, FeaturesConfig, SettingsConfig are the four
// sub-sections of TargetState.Config. A nil pointer means "absent from the
// most recent cloud payload" and must not overwrite the prior value (I6).
type LoggingConfig struct {
	Level       string `toml:"level" json:"level"`
	RemoteDebug bool   `toml:"remote_debug" json:"remoteDebug"`
}

type SensorConfig struct {
	ChannelID  string         `json:"channelId"`
	Transport  string         `json:"transport"` // "tcp" | "rtu"
	Address    string         `json:"address"`
	UnitID     byte           `json:"unitId"`
	ByteOrder  string         `json:"byteOrder"` // ABCD | CDAB | BADC | DCBA
	PollPeriod string         `json:"pollPeriod"`
	Registers  []RegisterSpec `json:"registers"`
}

type RegisterSpec struct {
	Name     string  `json:"name"`
	Address  uint16  `json:"address"`
	Quantity uint16  `json:"quantity"`
	FuncCode byte    `json:"funcCode"`
	Scale    float64 `json:"scale,omitempty"`
}

type FeaturesConfig struct {
	AnomalyDetection bool `json:"anomalyDetection"`
	Metrics          bool `json:"metrics"`
}

type SettingsConfig struct {
	AutoReconcileInterval string `json:"autoReconcileInterval"`
	ReportInterval        string `json:"reportInterval"`
}

// SectionConfig is the "config" sub-key of a target state. Each field is a
// pointer so a partial cloud payload can express "this sub-section was not
// sent" distinctly from "this sub-section was sent and is empty" (I6).
type SectionConfig struct {
	Logging  *LoggingConfig  `json:"logging,omitempty"`
	Sensors  *[]SensorConfig `json:"sensors,omitempty"`
	Features *FeaturesConfig `json:"features,omitempty"`
	Settings *SettingsConfig `json:"settings,omitempty"`
}

// Merge applies a partial incoming config onto the receiver, replacing only
// the sub-sections that are non-nil in incoming (I6 subset-merge semantics).
func (c SectionConfig) Merge(incoming SectionConfig) SectionConfig {
	merged := c
	if incoming.Logging != nil {
		merged.Logging = incoming.Logging
	}
	if incoming.Sensors != nil {
		merged.Sensors = incoming.Sensors
	}
	if incoming.Features != nil {
		merged.Features = incoming.Features
	}
	if incoming.Settings != nil {
		merged.Settings = incoming.Settings
	}
	return merged
}

// TargetState is the desired state pushed down from the cloud control
// plane (§3). Apps are always replaced wholesale on update; Config is
// merged per sub-key (I6).
type TargetState struct {
	Version int            `json:"version"`
	ETag    string         `json:"-"`
	Apps    map[string]App `json:"apps"`
	Config  SectionConfig  `json:"config"`
}

// ServiceRunState is the observed lifecycle state of one service's
// container (§3).
type ServiceRunState string

const (
	ServicePending ServiceRunState = "Pending"
	ServiceCreated ServiceRunState = "Created"
	ServiceRunning ServiceRunState = "Running"
	ServiceStopped ServiceRunState = "Stopped"
	ServiceExited  ServiceRunState = "Exited"
	ServiceUnknown ServiceRunState = "Unknown"
)

// ServiceInstance is one running-or-stopped container as reported
// directly by the runtime adapter, before grouping by appId.
type ServiceInstance struct {
	AppID             string
	ServiceID         string
	ServiceName       string
	ContainerID       string
	Image             string
	ImageDigest       string
	State             ServiceRunState
	StartedAt         time.Time
	NetworksHash      string
	RuntimeConfigHash string
	LabelsHash        string
}

// ServiceState is one entry of an App's derived current state (§3).
type ServiceState struct {
	ServiceID         string          `json:"serviceId"`
	ServiceName       string          `json:"serviceName"`
	Image             string          `json:"image"`
	ImageDigest       string          `json:"imageDigest,omitempty"`
	State             ServiceRunState `json:"state"`
	ContainerID       string          `json:"containerId,omitempty"`
	StartedAt         time.Time       `json:"startedAt,omitempty"`
	Error             string          `json:"error,omitempty"`
	NetworksHash      string          `json:"-"`
	RuntimeConfigHash string          `json:"-"`
	LabelsHash        string          `json:"-"`
}

// AppState is the derived current state of one app (§3): every
// observed service, plus whether the reconciler has given up and
// marked the app degraded after repeated failures.
type AppState struct {
	AppID    string                  `json:"appId"`
	Services map[string]ServiceState `json:"services"`
	Degraded bool                    `json:"degraded,omitempty"`
}

// CurrentState is the set of AppStates derived by inspecting the runtime,
// keyed by appId. Never persisted.
type CurrentState map[string]AppState

// ConnectionStatus describes the health of the cloud sync connection,
// surfaced on /v2/connection/health.
type ConnectionStatus string

const (
	ConnConnected ConnectionStatus = "connected"
	ConnDegraded  ConnectionStatus = "degraded"
	ConnOffline   ConnectionStatus = "offline"
)

// ConnectionHealth is the last-observed cloud sync connection state.
type ConnectionHealth struct {
	Status              ConnectionStatus `json:"status"`
	LastPollAt          time.Time        `json:"lastPollAt,omitempty"`
	LastReportAt        time.Time        `json:"lastReportAt,omitempty"`
	LastError           string           `json:"lastError,omitempty"`
	ConsecutiveFailures int              `json:"consecutiveFailures"`
}
