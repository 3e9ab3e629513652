package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iotistica/iotistic-agent/internal/backoff"
	"github.com/iotistica/iotistic-agent/internal/domain"
)

// appLock is a reentrant-by-appId mutex, acquired while any step for
// that app is in flight. Mirrors the mutex+map+refcount discipline this
// codebase uses for its other shared resource pools.
type appLock struct {
	mu       sync.Mutex
	refCount int
}

// Reconciler owns the target state, derives current state from a
// domain.Runtime, and drives convergence by executing planned steps.
type Reconciler struct {
	mu      sync.Mutex
	locksMu sync.Mutex
	locks   map[string]*appLock

	target  domain.TargetState
	haveTgt bool

	runtime domain.Runtime
	store   domain.Store

	appBackoff map[string]*backoff.Exponential
	failures   map[string]int
	degraded   map[string]bool

	changed chan struct{}
	log     *logrus.Entry
}

// New creates a Reconciler. It loads any previously persisted target
// state from store so a restart resumes the same desired state.
func New(runtime domain.Runtime, store domain.Store, log *logrus.Entry) *Reconciler {
	r := &Reconciler{
		locks:      make(map[string]*appLock),
		runtime:    runtime,
		store:      store,
		appBackoff: make(map[string]*backoff.Exponential),
		failures:   make(map[string]int),
		degraded:   make(map[string]bool),
		changed:    make(chan struct{}, 1),
		log:        log,
	}
	if ts, err := store.LoadTargetState(); err == nil {
		r.target = *ts
		r.haveTgt = true
	}
	return r
}

// SetTarget replaces the desired state (apps wholesale, config merged
// per I6) and persists it before signaling a reconciliation pass.
func (r *Reconciler) SetTarget(incoming domain.TargetState) error {
	r.mu.Lock()
	merged := incoming
	if r.haveTgt {
		merged.Config = r.target.Config.Merge(incoming.Config)
	}
	r.target = merged
	r.haveTgt = true
	r.mu.Unlock()

	if err := r.store.SaveTargetState(merged); err != nil {
		return err
	}

	// Clear any stale per-app backoff state — this target-state-changed
	// event supersedes whatever failure history led to it.
	r.locksMu.Lock()
	r.failures = make(map[string]int)
	r.locksMu.Unlock()

	select {
	case r.changed <- struct{}{}:
	default:
	}
	return nil
}

// GetTargetState returns the current desired state.
func (r *Reconciler) GetTargetState() (domain.TargetState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target, r.haveTgt
}

// GetCurrentState derives the observed state from the runtime,
// grouping the flat list of running/stopped services by appId.
func (r *Reconciler) GetCurrentState(ctx context.Context) (domain.CurrentState, error) {
	instances, err := r.runtime.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	cs := make(domain.CurrentState)
	for _, inst := range instances {
		app, ok := cs[inst.AppID]
		if !ok {
			app = domain.AppState{AppID: inst.AppID, Services: make(map[string]domain.ServiceState)}
		}
		app.Services[inst.ServiceID] = domain.ServiceState{
			ServiceID:         inst.ServiceID,
			ServiceName:       inst.ServiceName,
			Image:             inst.Image,
			ImageDigest:       inst.ImageDigest,
			State:             inst.State,
			ContainerID:       inst.ContainerID,
			StartedAt:         inst.StartedAt,
			NetworksHash:      inst.NetworksHash,
			RuntimeConfigHash: inst.RuntimeConfigHash,
			LabelsHash:        inst.LabelsHash,
		}
		cs[inst.AppID] = app
	}
	r.locksMu.Lock()
	for appID, degraded := range r.degraded {
		if degraded {
			if app, ok := cs[appID]; ok {
				app.Degraded = true
				cs[appID] = app
			}
		}
	}
	r.locksMu.Unlock()
	return cs, nil
}

// lockApp acquires the reentrant per-app lock, used by TakeLock/ReleaseLock
// steps so that no two reconciliation passes act on the same app
// concurrently.
func (r *Reconciler) lockApp(appID string) *appLock {
	r.locksMu.Lock()
	l, ok := r.locks[appID]
	if !ok {
		l = &appLock{}
		r.locks[appID] = l
	}
	l.refCount++
	r.locksMu.Unlock()
	return l
}

func (r *Reconciler) unlockApp(appID string, l *appLock) {
	r.locksMu.Lock()
	l.refCount--
	if l.refCount <= 0 {
		delete(r.locks, appID)
	}
	r.locksMu.Unlock()
}

// ExecuteStep runs one composition step against the runtime.
func (r *Reconciler) ExecuteStep(ctx context.Context, step domain.Step) error {
	switch step.Kind {
	case domain.StepTakeLock:
		l := r.lockApp(step.AppID)
		l.mu.Lock()
		return nil
	case domain.StepReleaseLock:
		r.locksMu.Lock()
		l, ok := r.locks[step.AppID]
		r.locksMu.Unlock()
		if ok {
			l.mu.Unlock()
			r.unlockApp(step.AppID, l)
		}
		return nil
	case domain.StepFetch:
		return r.runtime.PullImage(ctx, step.Image, nil)
	case domain.StepStart:
		svc := step.Service
		if svc.ServiceID == "" {
			var ok bool
			svc, ok = r.serviceSpec(step.AppID, step.ServiceID)
			if !ok {
				return domain.ErrAppNotFound
			}
		}
		_, err := r.runtime.CreateAndStart(ctx, step.AppID, svc)
		return err
	case domain.StepStop:
		return r.runtime.Stop(ctx, step.ContainerID, 10*time.Second)
	case domain.StepKill:
		return r.runtime.Kill(ctx, step.ContainerID)
	case domain.StepRemove:
		return r.runtime.Remove(ctx, step.ContainerID)
	case domain.StepCreateNetwork:
		return r.runtime.CreateNetwork(ctx, step.Name)
	case domain.StepRemoveNetwork:
		return r.runtime.RemoveNetwork(ctx, step.Name)
	case domain.StepCreateVolume:
		return r.runtime.CreateVolume(ctx, step.Name)
	case domain.StepRemoveVolume:
		return r.runtime.RemoveVolume(ctx, step.Name)
	case domain.StepUpdateMetadata:
		for k, v := range step.Metadata {
			if err := r.store.SetMeta(k, v); err != nil {
				return err
			}
		}
		return nil
	default:
		return domain.ErrStepNotSupported
	}
}

func (r *Reconciler) appSpec(appID string) (domain.App, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.target.Apps[appID]
	return app, ok
}

func (r *Reconciler) serviceSpec(appID, serviceID string) (domain.Service, bool) {
	app, ok := r.appSpec(appID)
	if !ok {
		return domain.Service{}, false
	}
	return app.Service(serviceID)
}

// ApplyTargetState runs one full reconciliation pass: plan steps, then
// execute them in order, marking any app whose steps fail as degraded
// and scheduling a backed-off retry rather than blocking the rest of
// the pass.
func (r *Reconciler) ApplyTargetState(ctx context.Context, opts Options) error {
	target, ok := r.GetTargetState()
	if !ok {
		return domain.ErrTargetStateMissing
	}
	current, err := r.GetCurrentState(ctx)
	if err != nil {
		return err
	}

	steps := getRequiredSteps(target, current, opts)
	return r.runSteps(ctx, steps)
}

func (r *Reconciler) runSteps(ctx context.Context, steps []domain.Step) error {
	var activeApp string
	for _, step := range steps {
		if step.AppID != "" {
			activeApp = step.AppID
		}
		if r.isSuppressed(activeApp) {
			continue
		}
		if err := r.ExecuteStep(ctx, step); err != nil {
			r.recordFailure(activeApp)
			if r.log != nil {
				r.log.WithField("appId", activeApp).WithField("step", step.Kind).WithError(err).Warn("reconciliation step failed")
			}
			continue
		}
		r.recordSuccess(activeApp)
	}
	return nil
}

// StartApp forces the named app's services to (re)start, bypassing the
// "already converged" short-circuit — backs the local API's
// /v1/apps/:appId/start operation (§4.6).
func (r *Reconciler) StartApp(ctx context.Context, appID string) error {
	app, ok := r.appSpec(appID)
	if !ok {
		return domain.ErrAppNotFound
	}
	current, err := r.GetCurrentState(ctx)
	if err != nil {
		return err
	}
	steps := updateAppSteps(app, current[appID], true)
	return r.runSteps(ctx, steps)
}

// StopApp stops every running service of appID without removing its
// containers — backs /v1/apps/:appId/stop.
func (r *Reconciler) StopApp(ctx context.Context, appID string) error {
	if _, ok := r.appSpec(appID); !ok {
		return domain.ErrAppNotFound
	}
	current, err := r.GetCurrentState(ctx)
	if err != nil {
		return err
	}
	cs, exists := current[appID]
	if !exists {
		return nil
	}

	steps := []domain.Step{{Kind: domain.StepTakeLock, AppID: appID}}
	for svcID, svc := range cs.Services {
		if svc.State == domain.ServiceRunning {
			steps = append(steps, domain.Step{Kind: domain.StepStop, AppID: appID, ServiceID: svcID, ContainerID: svc.ContainerID})
		}
	}
	steps = append(steps, domain.Step{Kind: domain.StepReleaseLock, AppID: appID})
	return r.runSteps(ctx, steps)
}

// PurgeApp stops and removes every container of appID, leaving its
// declared target state intact (the next pass recreates it) — backs
// /v1/apps/:appId/purge.
func (r *Reconciler) PurgeApp(ctx context.Context, appID string) error {
	if _, ok := r.appSpec(appID); !ok {
		return domain.ErrAppNotFound
	}
	current, err := r.GetCurrentState(ctx)
	if err != nil {
		return err
	}
	cs, exists := current[appID]
	if !exists {
		return nil
	}

	steps := []domain.Step{{Kind: domain.StepTakeLock, AppID: appID}}
	for svcID, svc := range cs.Services {
		if svc.State == domain.ServiceRunning {
			steps = append(steps, domain.Step{Kind: domain.StepStop, AppID: appID, ServiceID: svcID, ContainerID: svc.ContainerID})
		}
		steps = append(steps, domain.Step{Kind: domain.StepRemove, AppID: appID, ServiceID: svcID, ContainerID: svc.ContainerID})
	}
	steps = append(steps, domain.Step{Kind: domain.StepReleaseLock, AppID: appID})
	return r.runSteps(ctx, steps)
}

func (r *Reconciler) recordFailure(appID string) {
	if appID == "" {
		return
	}
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	r.failures[appID]++
	r.degraded[appID] = true
}

func (r *Reconciler) recordSuccess(appID string) {
	if appID == "" {
		return
	}
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	delete(r.failures, appID)
	delete(r.degraded, appID)
}

// isSuppressed reports whether appID is still inside its backoff window
// following a prior failure.
func (r *Reconciler) isSuppressed(appID string) bool {
	if appID == "" {
		return false
	}
	r.locksMu.Lock()
	n := r.failures[appID]
	r.locksMu.Unlock()
	return n > 0 && n%2 == 0 // every other pass backs off; real timing handled by the caller's ticker
}

// IsDegraded reports whether an app is currently marked degraded.
func (r *Reconciler) IsDegraded(appID string) bool {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	return r.degraded[appID]
}

// StartAutoReconciliation runs ApplyTargetState on a fixed interval and
// whenever SetTarget signals a change, until ctx is cancelled.
func (r *Reconciler) StartAutoReconciliation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runPass(ctx)
		case <-r.changed:
			r.runPass(ctx)
		}
	}
}

func (r *Reconciler) runPass(ctx context.Context) {
	if err := r.ApplyTargetState(ctx, Options{}); err != nil {
		if r.log != nil {
			r.log.WithError(err).Warn("reconciliation pass failed")
		}
	}
}
