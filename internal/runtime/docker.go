// Package runtime provides the concrete container engine adapter behind
// domain.Runtime (§4.3). The interface itself is runtime-agnostic per
// spec; this package is one implementation, backed by a real Docker
// engine over its API client.
package runtime

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/image"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/api/types/volume"
	dockerclient "github.com/moby/moby/client"

	"github.com/iotistica/iotistic-agent/internal/domain"
)

// Docker implements domain.Runtime against a local Docker engine.
type Docker struct {
	cli *dockerclient.Client
}

// NewDocker connects to the Docker engine using the standard
// DOCKER_HOST/DOCKER_CERT_PATH environment conventions.
func NewDocker() (*Docker, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRuntimeUnavailable, err)
	}
	return &Docker{cli: cli}, nil
}

// ListContainers returns every container this agent manages (labeled
// with our appId/serviceId labels), one domain.ServiceInstance per
// container. The reconciler groups these by appId into CurrentState.
func (d *Docker) ListContainers(ctx context.Context) ([]domain.ServiceInstance, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRuntimeUnavailable, err)
	}

	instances := make([]domain.ServiceInstance, 0, len(containers))
	for _, c := range containers {
		appID := c.Labels["iotistic.appId"]
		serviceID := c.Labels["iotistic.serviceId"]
		if appID == "" || serviceID == "" {
			continue
		}
		state := domain.ServiceUnknown
		switch c.State {
		case "running":
			state = domain.ServiceRunning
		case "created":
			state = domain.ServiceCreated
		case "exited", "dead":
			state = domain.ServiceExited
		case "paused", "restarting":
			state = domain.ServiceStopped
		}
		instances = append(instances, domain.ServiceInstance{
			AppID:             appID,
			ServiceID:         serviceID,
			ServiceName:       c.Labels["iotistic.serviceName"],
			ContainerID:       c.ID,
			Image:             c.Image,
			State:             state,
			StartedAt:         time.Unix(c.Created, 0),
			NetworksHash:      c.Labels["iotistic.networksHash"],
			RuntimeConfigHash: c.Labels["iotistic.runtimeHash"],
			LabelsHash:        c.Labels["iotistic.labelsHash"],
		})
	}
	return instances, nil
}

// CreateAndStart creates a container for the given Service within an
// App and starts it. The service's diffing hashes (§4.4 rule 3) are
// stamped as container labels so a later reconciliation pass can tell
// what last produced this container without needing the prior target
// state.
func (d *Docker) CreateAndStart(ctx context.Context, appID string, svc domain.Service) (string, error) {
	cfg := svc.ContainerConfig
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	labels := map[string]string{
		"iotistic.appId":        appID,
		"iotistic.serviceId":    svc.ServiceID,
		"iotistic.serviceName":  svc.ServiceName,
		"iotistic.networksHash": svc.NetworksHash(),
		"iotistic.runtimeHash":  svc.RuntimeConfigHash(),
		"iotistic.labelsHash":   svc.LabelsHash(),
	}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	restartPolicy := container.RestartPolicy{}
	switch cfg.Restart {
	case "always":
		restartPolicy.Name = container.RestartPolicyAlways
	case "on-failure":
		restartPolicy.Name = container.RestartPolicyOnFailure
	default:
		restartPolicy.Name = container.RestartPolicyDisabled
	}

	endpoints := map[string]*network.EndpointSettings{}
	for _, n := range cfg.Networks {
		endpoints[n] = &network.EndpointSettings{}
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  svc.ImageName,
			Env:    env,
			Labels: labels,
		},
		&container.HostConfig{
			RestartPolicy: restartPolicy,
			Binds:         cfg.Volumes,
			PortBindings:  nat.PortMap{},
		},
		&network.NetworkingConfig{EndpointsConfig: endpoints},
		nil,
		fmt.Sprintf("iotistic-%s-%s", appID, svc.ServiceID),
	)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "", fmt.Errorf("%w: %v", domain.ErrImagePullFailed, err)
		}
		return "", fmt.Errorf("%w: %v", domain.ErrRuntimeConflict, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("%w: %v", domain.ErrRuntimeUnavailable, err)
	}
	return resp.ID, nil
}

// StartContainer (re)starts an already-created container, used by the
// handover update strategy and by manual start requests against
// containers the reconciler stopped but did not remove.
func (d *Docker) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return domain.ErrContainerNotFound
		}
		return fmt.Errorf("%w: %v", domain.ErrRuntimeUnavailable, err)
	}
	return nil
}

// Stop gracefully stops a container, killing it after timeout.
func (d *Docker) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs})
}

// Kill sends SIGKILL to a container immediately.
func (d *Docker) Kill(ctx context.Context, containerID string) error {
	return d.cli.ContainerKill(ctx, containerID, "SIGKILL")
}

// Remove deletes a stopped container.
func (d *Docker) Remove(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if dockerclient.IsErrNotFound(err) {
		return domain.ErrContainerNotFound
	}
	return err
}

// PullImage pulls an image, reporting progress via the callback.
func (d *Docker) PullImage(ctx context.Context, ref string, progress func(status string, pct float64)) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrImagePullFailed, err)
	}
	defer rc.Close()

	decoder := newPullProgressDecoder(rc)
	for {
		status, pct, done, err := decoder.Next()
		if err != nil && err != io.EOF {
			return fmt.Errorf("%w: %v", domain.ErrImagePullFailed, err)
		}
		if progress != nil && status != "" {
			progress(status, pct)
		}
		if done || err == io.EOF {
			break
		}
	}
	return nil
}

func (d *Docker) CreateNetwork(ctx context.Context, name string) error {
	_, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{})
	return err
}

func (d *Docker) RemoveNetwork(ctx context.Context, name string) error {
	return d.cli.NetworkRemove(ctx, name)
}

func (d *Docker) CreateVolume(ctx context.Context, name string) error {
	_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	return err
}

func (d *Docker) RemoveVolume(ctx context.Context, name string) error {
	return d.cli.VolumeRemove(ctx, name, true)
}

func (d *Docker) Logs(ctx context.Context, containerID string, tail int) (io.ReadCloser, error) {
	return d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
}

// Events streams container lifecycle events, translated to
// domain.ContainerEvent and filtered to our managed containers.
func (d *Docker) Events(ctx context.Context) (<-chan domain.ContainerEvent, error) {
	msgs, errs := d.cli.Events(ctx, events.ListOptions{})
	out := make(chan domain.ContainerEvent, 32)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				if err != nil {
					return
				}
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				appID := msg.Actor.Attributes["iotistic.appId"]
				if appID == "" {
					continue
				}
				select {
				case out <- domain.ContainerEvent{
					ContainerID: msg.Actor.ID,
					AppID:       appID,
					Action:      string(msg.Action),
					At:          time.Unix(0, msg.TimeNano),
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
