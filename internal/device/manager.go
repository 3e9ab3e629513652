// Package device implements the two-phase provisioning protocol (§4.1):
// register → key-exchange → (optional) key retirement, with crash-
// resumable state tracked via domain.ProvisioningPhase.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/iotistica/iotistic-agent/internal/domain"
	"github.com/iotistica/iotistic-agent/internal/security"
)

// Manager drives the provisioning state machine against a Store and the
// cloud provisioning API. Retrying a failed call is the caller's job —
// Manager itself does not loop-retry (§4.1 "Failure modes").
type Manager struct {
	store  domain.Store
	client *http.Client
}

// New creates a device Manager.
func New(store domain.Store, client *http.Client) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Manager{store: store, client: client}
}

// Initialize generates this device's local identity — a uuid and a
// symmetric deviceKey — the first time it runs, before any contact
// with the cloud (I2). Calling it again is a no-op that returns the
// already-generated identity, so it is safe to call unconditionally on
// every startup.
func (m *Manager) Initialize() (*domain.Device, error) {
	dev, err := m.store.LoadDevice()
	if err != nil {
		return nil, err
	}
	if dev.UUID != "" && dev.DeviceKey != "" {
		return dev, nil
	}

	deviceKey, err := security.GenerateDeviceKey()
	if err != nil {
		return nil, err
	}
	dev.UUID = uuid.NewString()
	dev.DeviceKey = deviceKey
	if dev.Phase == "" {
		dev.Phase = domain.PhaseUnprovisioned
	}
	if err := m.store.SaveDevice(*dev); err != nil {
		return nil, err
	}
	return dev, nil
}

// Current returns the persisted device record as-is, for read-only
// callers like the local API.
func (m *Manager) Current() (*domain.Device, error) {
	return m.store.LoadDevice()
}

// ProvisionRequest carries the information needed to register an
// initialized device against the cloud fleet (§4.1, §6).
type ProvisionRequest struct {
	CloudAPIBase    string
	ProvisioningKey string
	DeviceName      string
	DeviceType      string
	ApplicationID   string
	MacAddress      string
	OSVersion       string
	AgentVersion    string
}

// registerResponse is phase 1 of the handshake: cloud acknowledges the
// locally-generated uuid and returns any fleet-assigned connectivity
// config.
type registerResponse struct {
	ID            string    `json:"id"`
	UUID          string    `json:"uuid"`
	DeviceName    string    `json:"deviceName"`
	DeviceType    string    `json:"deviceType"`
	ApplicationID string    `json:"applicationId,omitempty"`
	MQTT          any       `json:"mqtt"`
	API           any       `json:"api,omitempty"`
	VPNConfig     any       `json:"vpnConfig,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// keyExchangeResponse is phase 2: cloud acknowledges our deviceKey.
type keyExchangeResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// Provision runs the two-phase handshake against an already-initialized
// device: Register, then Key exchange, then Key retirement (§4.1). It
// is idempotent: calling it again on an already-provisioned device
// returns ErrAlreadyProvisioned; calling it again after a crash
// mid-handshake resumes from the persisted phase rather than restarting
// registration, and the provisioningKey is retained on disk until both
// calls have succeeded so a crash never strands the device (I3).
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) (*domain.Device, error) {
	dev, err := m.store.LoadDevice()
	if err != nil {
		return nil, err
	}
	if dev.Phase == domain.PhaseProvisioned {
		return nil, domain.ErrAlreadyProvisioned
	}
	if dev.UUID == "" || dev.DeviceKey == "" {
		return nil, domain.ErrNotInitialized
	}
	if dev.Phase == domain.PhaseUnprovisioned && req.ProvisioningKey == "" {
		return nil, domain.ErrProvisioningKeyRequired
	}

	dev.CloudAPIBase = req.CloudAPIBase
	dev.DeviceType = req.DeviceType
	dev.DeviceName = req.DeviceName
	if req.ProvisioningKey != "" {
		dev.ProvisioningKey = req.ProvisioningKey
	}

	if dev.Phase == domain.PhaseUnprovisioned {
		dev.Phase = domain.PhaseRegistering
		if err := m.store.SaveDevice(*dev); err != nil {
			return nil, err
		}
	}

	if dev.Phase == domain.PhaseRegistering {
		regResp, err := m.register(ctx, *dev, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrProvisioningFailed, err)
		}
		if regResp != nil {
			dev.DeviceID = regResp.ID
			if regResp.DeviceName != "" {
				dev.DeviceName = regResp.DeviceName
			}
		}
		dev.Phase = domain.PhaseKeyExchange
		if err := m.store.SaveDevice(*dev); err != nil {
			return nil, err
		}
	}

	if dev.Phase == domain.PhaseKeyExchange {
		if err := m.exchangeKey(ctx, *dev); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrKeyExchangeFailed, err)
		}
		dev.ProvisioningKey = ""
		dev.RegisteredAt = time.Now()
		dev.Phase = domain.PhaseProvisioned
		if err := m.store.SaveDevice(*dev); err != nil {
			return nil, err
		}
	}

	return dev, nil
}

// register performs phase 1 (§4.1, §6): POST /device/register,
// authenticated with the fleet-wide provisioningKey, carrying the
// locally-generated uuid and deviceKey. A 409 means the uuid is already
// registered from a prior attempt; that is not a failure, it just means
// this call is skipped on resume and the handshake proceeds straight
// to key exchange.
func (m *Manager) register(ctx context.Context, dev domain.Device, req ProvisionRequest) (*registerResponse, error) {
	body, _ := json.Marshal(map[string]any{
		"uuid":          dev.UUID,
		"deviceName":    req.DeviceName,
		"deviceType":    req.DeviceType,
		"deviceKey":     dev.DeviceKey,
		"applicationId": req.ApplicationID,
		"macAddress":    req.MacAddress,
		"osVersion":     req.OSVersion,
		"agentVersion":  req.AgentVersion,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		req.CloudAPIBase+"/device/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.ProvisioningKey)

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCloudUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, domain.ErrCloudAuth
	}
	if resp.StatusCode == http.StatusConflict {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("register: unexpected status %d", resp.StatusCode)
	}

	var out registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode register response: %w", err)
	}
	return &out, nil
}

// exchangeKey performs phase 2 (§4.1, §6): POST
// /device/{uuid}/key-exchange, authenticated with the deviceKey we
// generated locally in Initialize, confirming it with the cloud.
func (m *Manager) exchangeKey(ctx context.Context, dev domain.Device) error {
	body, _ := json.Marshal(map[string]string{"uuid": dev.UUID, "deviceKey": dev.DeviceKey})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		dev.CloudAPIBase+"/device/"+dev.UUID+"/key-exchange", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+dev.DeviceKey)

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCloudUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return domain.ErrCloudAuth
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key-exchange: unexpected status %d", resp.StatusCode)
	}

	var out keyExchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode key-exchange response: %w", err)
	}
	if !out.Acknowledged {
		return fmt.Errorf("cloud did not acknowledge device key")
	}
	return nil
}

// MarkAsLocalMode switches a provisioned device into an offline,
// cloud-disconnected operating mode without forgetting its identity.
func (m *Manager) MarkAsLocalMode() error {
	dev, err := m.store.LoadDevice()
	if err != nil {
		return err
	}
	if dev.Phase != domain.PhaseProvisioned && dev.Phase != domain.PhaseLocalMode {
		return domain.ErrNotProvisioned
	}
	dev.Phase = domain.PhaseLocalMode
	return m.store.SaveDevice(*dev)
}

// Reset clears the device's cloud registration but retains the local
// UUID and deviceKey, returning it to the unprovisioned phase so
// Provision can run again with a provisioning key.
func (m *Manager) Reset() error {
	dev, err := m.store.LoadDevice()
	if err != nil {
		return err
	}
	dev.Phase = domain.PhaseUnprovisioned
	dev.ProvisioningKey = ""
	dev.DeviceID = ""
	dev.RegisteredAt = time.Time{}
	return m.store.SaveDevice(*dev)
}

// FactoryReset wipes all device identity, returning it to the zero
// state as if it had never been provisioned.
func (m *Manager) FactoryReset() error {
	return m.store.SaveDevice(domain.Device{Phase: domain.PhaseUnprovisioned})
}
