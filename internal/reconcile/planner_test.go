package reconcile

import (
	"testing"

	"github.com/iotistica/iotistic-agent/internal/domain"
)

func kindsOf(steps []domain.Step) []domain.StepKind {
	kinds := make([]domain.StepKind, len(steps))
	for i, s := range steps {
		kinds[i] = s.Kind
	}
	return kinds
}

func webApp(img string) domain.App {
	return domain.App{
		AppID: "web",
		Name:  "web",
		Services: []domain.Service{
			{ServiceID: "web", ServiceName: "web", ImageName: img},
		},
	}
}

func TestGetRequiredSteps_NewApp(t *testing.T) {
	target := domain.TargetState{Apps: map[string]domain.App{"web": webApp("nginx:latest")}}
	steps := getRequiredSteps(target, domain.CurrentState{}, Options{})

	kinds := kindsOf(steps)
	want := []domain.StepKind{domain.StepTakeLock, domain.StepFetch, domain.StepStart, domain.StepReleaseLock}
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("got %v, want %v", kinds, want)
		}
	}
}

func TestGetRequiredSteps_RemovedApp(t *testing.T) {
	target := domain.TargetState{Apps: map[string]domain.App{}}
	current := domain.CurrentState{"web": {
		AppID: "web",
		Services: map[string]domain.ServiceState{
			"web": {ServiceID: "web", State: domain.ServiceRunning, ContainerID: "c1"},
		},
	}}

	steps := getRequiredSteps(target, current, Options{})
	kinds := kindsOf(steps)
	want := []domain.StepKind{domain.StepTakeLock, domain.StepStop, domain.StepRemove, domain.StepReleaseLock}
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want %v", kinds, want)
	}
}

func TestGetRequiredSteps_Converged_NoOp(t *testing.T) {
	target := domain.TargetState{Apps: map[string]domain.App{"web": webApp("nginx:latest")}}
	current := domain.CurrentState{"web": {
		AppID: "web",
		Services: map[string]domain.ServiceState{
			"web": {ServiceID: "web", Image: "nginx:latest", State: domain.ServiceRunning},
		},
	}}
	steps := getRequiredSteps(target, current, Options{})
	if len(steps) != 2 { // just TakeLock/ReleaseLock bracketing a no-op service
		t.Fatalf("expected no service steps for converged state, got %v", steps)
	}
}

func TestGetRequiredSteps_Idempotent(t *testing.T) {
	target := domain.TargetState{Apps: map[string]domain.App{"web": webApp("nginx:latest")}}
	current := domain.CurrentState{}

	first := getRequiredSteps(target, current, Options{})
	second := getRequiredSteps(target, current, Options{})
	if len(first) != len(second) {
		t.Fatalf("getRequiredSteps is not deterministic: %v vs %v", first, second)
	}
}

func TestUpdateAppSteps_ImageOnlyChangeDownloadThenKill(t *testing.T) {
	app := webApp("nginx:v2")
	cs := domain.AppState{AppID: "web", Services: map[string]domain.ServiceState{
		"web": {ServiceID: "web", Image: "nginx:v1", ContainerID: "c1", State: domain.ServiceRunning},
	}}

	steps := updateAppSteps(app, cs, false)
	kinds := kindsOf(steps)
	want := []domain.StepKind{domain.StepTakeLock, domain.StepFetch, domain.StepStop, domain.StepRemove, domain.StepStart, domain.StepReleaseLock}
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("got %v, want %v", kinds, want)
		}
	}
}

func TestUpdateAppSteps_RuntimeConfigChangeKillThenDownload(t *testing.T) {
	app := webApp("nginx:v1")
	app.Services[0].ContainerConfig.Ports = []string{"8080:80"}

	observedHashBefore := domain.Service{ServiceID: "web", ImageName: "nginx:v1"}.RuntimeConfigHash()
	cs := domain.AppState{AppID: "web", Services: map[string]domain.ServiceState{
		"web": {
			ServiceID:         "web",
			Image:             "nginx:v1",
			ContainerID:       "c1",
			State:             domain.ServiceRunning,
			RuntimeConfigHash: observedHashBefore,
		},
	}}

	kinds := kindsOf(updateAppSteps(app, cs, false))
	if len(kinds) == 0 || kinds[1] != domain.StepKill {
		t.Fatalf("expected Kill as second step for a runtime-config change, got %v", kinds)
	}
}

func TestUpdateAppSteps_NetworkChangeDeleteThenDownload(t *testing.T) {
	app := webApp("nginx:v1")
	app.Services[0].ContainerConfig.Networks = []string{"backend"}

	cs := domain.AppState{AppID: "web", Services: map[string]domain.ServiceState{
		"web": {
			ServiceID:    "web",
			Image:        "nginx:v1",
			ContainerID:  "c1",
			State:        domain.ServiceRunning,
			NetworksHash: domain.Service{}.NetworksHash(),
		},
	}}

	kinds := kindsOf(updateAppSteps(app, cs, false))
	if len(kinds) == 0 || kinds[1] != domain.StepStop {
		t.Fatalf("expected Stop as second step for a topology change, got %v", kinds)
	}
}

func TestUpdateAppSteps_HandoverDeclaredExplicitly(t *testing.T) {
	app := webApp("nginx:v2")
	app.Services[0].UpdateStrat = "handover"
	cs := domain.AppState{AppID: "web", Services: map[string]domain.ServiceState{
		"web": {ServiceID: "web", Image: "nginx:v1", ContainerID: "c1", State: domain.ServiceRunning},
	}}

	kinds := kindsOf(updateAppSteps(app, cs, false))
	if len(kinds) == 0 || kinds[1] != domain.StepFetch || kinds[2] != domain.StepStart {
		t.Fatalf("expected fetch-then-start before teardown for handover, got %v", kinds)
	}
}
