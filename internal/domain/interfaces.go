package domain

import (
	"context"
	"io"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Runtime abstracts the container engine (§4.3). Implemented by
// internal/runtime's docker adapter; mocked in tests.
type Runtime interface {
	ListContainers(ctx context.Context) ([]ServiceInstance, error)
	CreateAndStart(ctx context.Context, appID string, svc Service) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Kill(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	PullImage(ctx context.Context, image string, progress func(status string, pct float64)) error
	CreateNetwork(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
	Logs(ctx context.Context, containerID string, tail int) (io.ReadCloser, error)
	Events(ctx context.Context) (<-chan ContainerEvent, error)
}

// ContainerEvent is one lifecycle notification from the runtime's event
// stream (container died, OOM-killed, etc).
type ContainerEvent struct {
	ContainerID string
	AppID       string
	Action      string
	At          time.Time
}

// Store abstracts the local persistent store (§4.2). Implemented by
// internal/infra/sqlite.DB.
type Store interface {
	LoadDevice() (*Device, error)
	SaveDevice(Device) error
	LoadTargetState() (*TargetState, error)
	SaveTargetState(TargetState) error
	GetMeta(key string) (string, error)
	SetMeta(key, value string) error
	Close() error
}

// Transport abstracts a Modbus wire-level client, narrowed to exactly the
// operations the channel adapter needs (§4.8). Implemented by an adapter
// over a third-party Modbus client library.
type Transport interface {
	ReadHoldingRegisters(unitID byte, address, quantity uint16) ([]byte, error)
	ReadInputRegisters(unitID byte, address, quantity uint16) ([]byte, error)
	Close() error
}
