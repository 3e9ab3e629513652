// Package domain holds the shared types, sentinel errors, and narrow
// interfaces that every other package depends on. Nothing in this
// package talks to a database, network socket, or field bus.
package domain

import "time"

// ProvisioningPhase tracks the two-phase provisioning protocol (§4.1).
type ProvisioningPhase string

const (
	PhaseUnprovisioned  ProvisioningPhase = "unprovisioned"
	PhaseRegistering    ProvisioningPhase = "registering"
	PhaseKeyExchange    ProvisioningPhase = "key_exchange"
	PhaseProvisioned    ProvisioningPhase = "provisioned"
	PhaseLocalMode      ProvisioningPhase = "local_mode"
	PhaseDeprovisioning ProvisioningPhase = "deprovisioning"
)

// Device is the device identity record (§3). uuid and deviceKey are
// generated locally by initialize(), before any contact with the
// cloud (I2); provisioningKey is the fleet-wide, one-time credential
// supplied by the caller of provision(cfg) and is erased once both
// register and key-exchange succeed (I3).
type Device struct {
	UUID            string            `json:"uuid"`
	DeviceKey       string            `json:"-"` // symmetric key, hex-encoded, never serialized
	ProvisioningKey string            `json:"-"` // transient, erased after successful key exchange
	DeviceID        string            `json:"device_id,omitempty"`
	DeviceName      string            `json:"device_name,omitempty"`
	RegisteredAt    time.Time         `json:"registered_at,omitempty"`
	Phase           ProvisioningPhase `json:"phase"`
	CloudAPIBase    string            `json:"cloud_api_base,omitempty"`
	DeviceType      string            `json:"device_type,omitempty"`
}

// IsProvisioned reports whether the device has completed the full
// two-phase handshake and is not in the middle of deprovisioning.
func (d Device) IsProvisioned() bool {
	return d.Phase == PhaseProvisioned
}
