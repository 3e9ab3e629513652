// Package reconcile implements the State Reconciler and Step Planner
// (§4.4): diffing target state against observed current state and
// producing an ordered list of idempotent composition steps.
package reconcile

import (
	"github.com/iotistica/iotistic-agent/internal/domain"
)

// Options tunes step generation for a single reconciliation pass.
type Options struct {
	// Force re-creates services even if their spec is unchanged (used by a
	// manual restart request).
	Force map[string]bool
}

// getRequiredSteps is a pure function: given target and current state,
// return the ordered steps needed to converge. It never touches the
// network or filesystem, which is what makes it unit-testable without
// a runtime adapter.
func getRequiredSteps(target domain.TargetState, current domain.CurrentState, opts Options) []domain.Step {
	var steps []domain.Step

	// Removed apps: present in current, absent from target → stop every
	// observed service, then remove it.
	for appID, cs := range current {
		if _, wanted := target.Apps[appID]; wanted {
			continue
		}
		steps = append(steps, domain.Step{Kind: domain.StepTakeLock, AppID: appID})
		for svcID, svc := range cs.Services {
			if svc.State == domain.ServiceRunning {
				steps = append(steps, domain.Step{Kind: domain.StepStop, AppID: appID, ServiceID: svcID, ContainerID: svc.ContainerID})
			}
			steps = append(steps, domain.Step{Kind: domain.StepRemove, AppID: appID, ServiceID: svcID, ContainerID: svc.ContainerID})
		}
		steps = append(steps, domain.Step{Kind: domain.StepReleaseLock, AppID: appID})
	}

	// New/changed apps.
	for appID, app := range target.Apps {
		cs, exists := current[appID]
		forced := opts.Force[appID]

		if !exists {
			steps = append(steps, newAppSteps(app)...)
			continue
		}

		steps = append(steps, updateAppSteps(app, cs, forced)...)
	}

	return steps
}

func newAppSteps(app domain.App) []domain.Step {
	steps := []domain.Step{{Kind: domain.StepTakeLock, AppID: app.AppID}}
	for _, svc := range app.Services {
		steps = append(steps, serviceCreateSteps(app.AppID, svc)...)
	}
	steps = append(steps, domain.Step{Kind: domain.StepReleaseLock, AppID: app.AppID})
	return steps
}

func serviceCreateSteps(appID string, svc domain.Service) []domain.Step {
	var steps []domain.Step
	for _, n := range svc.ContainerConfig.Networks {
		steps = append(steps, domain.Step{Kind: domain.StepCreateNetwork, Name: n})
	}
	for _, v := range svc.ContainerConfig.Volumes {
		steps = append(steps, domain.Step{Kind: domain.StepCreateVolume, Name: v})
	}
	steps = append(steps,
		domain.Step{Kind: domain.StepFetch, AppID: appID, ServiceID: svc.ServiceID, Image: svc.ImageName},
		domain.Step{Kind: domain.StepStart, AppID: appID, ServiceID: svc.ServiceID, Service: svc, Image: svc.ImageName},
	)
	return steps
}

// updateAppSteps diffs every declared service against its last
// observed state and plans convergence per service; services that
// disappeared from the declaration but are still observed are torn
// down.
func updateAppSteps(app domain.App, cs domain.AppState, forced bool) []domain.Step {
	var steps []domain.Step
	steps = append(steps, domain.Step{Kind: domain.StepTakeLock, AppID: app.AppID})

	for _, svc := range app.Services {
		observed, exists := cs.Services[svc.ServiceID]
		if !exists {
			steps = append(steps, serviceCreateSteps(app.AppID, svc)...)
			continue
		}
		steps = append(steps, serviceConvergeSteps(app.AppID, svc, observed, forced)...)
	}

	for svcID, observed := range cs.Services {
		if _, declared := app.Service(svcID); declared {
			continue
		}
		if observed.State == domain.ServiceRunning {
			steps = append(steps, domain.Step{Kind: domain.StepStop, AppID: app.AppID, ServiceID: svcID, ContainerID: observed.ContainerID})
		}
		steps = append(steps, domain.Step{Kind: domain.StepRemove, AppID: app.AppID, ServiceID: svcID, ContainerID: observed.ContainerID})
	}

	steps = append(steps, domain.Step{Kind: domain.StepReleaseLock, AppID: app.AppID})
	return steps
}

// serviceConvergeSteps decides what, if anything, needs to happen for
// one already-deployed service by diffing the declared spec against
// what was last observed running (§4.4 rule 3): image-only changes
// prefer download-then-kill; topology changes (networks) require
// delete-then-download; other runtime-config changes (ports, volumes,
// restart policy, env) require stop-first (kill-then-download); a
// pure label change only needs UpdateMetadata; a declared "handover"
// strategy is honored verbatim since stateful handover can't be
// inferred from a diff.
func serviceConvergeSteps(appID string, svc domain.Service, observed domain.ServiceState, forced bool) []domain.Step {
	imageChanged := observed.Image != svc.ImageName
	networksChanged := observed.NetworksHash != "" && observed.NetworksHash != svc.NetworksHash()
	runtimeChanged := observed.RuntimeConfigHash != "" && observed.RuntimeConfigHash != svc.RuntimeConfigHash()
	labelsChanged := observed.LabelsHash != "" && observed.LabelsHash != svc.LabelsHash()
	notRunning := observed.State != domain.ServiceRunning

	if !forced && !imageChanged && !networksChanged && !runtimeChanged && !labelsChanged && !notRunning {
		return nil // already converged
	}
	if !forced && !imageChanged && !networksChanged && !runtimeChanged && labelsChanged && !notRunning {
		return []domain.Step{{Kind: domain.StepUpdateMetadata, AppID: appID, ServiceID: svc.ServiceID, Metadata: svc.ContainerConfig.Labels}}
	}

	fetch := domain.Step{Kind: domain.StepFetch, AppID: appID, ServiceID: svc.ServiceID, Image: svc.ImageName}
	stop := domain.Step{Kind: domain.StepStop, AppID: appID, ServiceID: svc.ServiceID, ContainerID: observed.ContainerID}
	kill := domain.Step{Kind: domain.StepKill, AppID: appID, ServiceID: svc.ServiceID, ContainerID: observed.ContainerID}
	remove := domain.Step{Kind: domain.StepRemove, AppID: appID, ServiceID: svc.ServiceID, ContainerID: observed.ContainerID}
	start := domain.Step{Kind: domain.StepStart, AppID: appID, ServiceID: svc.ServiceID, Service: svc, Image: svc.ImageName}

	switch {
	case svc.UpdateStrat == "handover":
		return []domain.Step{fetch, start, stop, remove}
	case networksChanged:
		return []domain.Step{stop, remove, fetch, start}
	case runtimeChanged:
		return []domain.Step{kill, remove, fetch, start}
	default: // image-only, or simply not currently running
		return []domain.Step{fetch, stop, remove, start}
	}
}
