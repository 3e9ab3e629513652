package cloudsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iotistica/iotistic-agent/internal/domain"
	"github.com/iotistica/iotistic-agent/internal/infra/sqlite"
)

type stubTarget struct {
	calls int32
	last  domain.TargetState
}

func (s *stubTarget) SetTarget(ts domain.TargetState) error {
	atomic.AddInt32(&s.calls, 1)
	s.last = ts
	return nil
}

type stubSource struct{}

func (stubSource) GetCurrentState(ctx context.Context) (domain.CurrentState, error) {
	return domain.CurrentState{}, nil
}

func (stubSource) GetTargetState() (domain.TargetState, bool) {
	return domain.TargetState{}, false
}

func newTestStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPoll_AppliesNewTargetAndStoresETag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", "v1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"dev-1":{"apps":{},"config":{},"version":1}}`))
	}))
	defer srv.Close()

	store := newTestStore(t)
	target := &stubTarget{}
	c := New(Config{APIBase: srv.URL, DeviceUUID: "dev-1"}, store, target, stubSource{}, logrus.NewEntry(logrus.New()))

	changed, err := c.poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !changed {
		t.Fatal("expected changed=true on 200")
	}
	if target.calls != 1 {
		t.Fatalf("expected SetTarget called once, got %d", target.calls)
	}
	etag, _ := store.GetMeta("cloud_etag")
	if etag != "v1" {
		t.Fatalf("expected etag persisted, got %q", etag)
	}
}

func TestPoll_NotModifiedIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "v1" {
			t.Errorf("expected If-None-Match v1, got %q", r.Header.Get("If-None-Match"))
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	store := newTestStore(t)
	store.SetMeta("cloud_etag", "v1")
	target := &stubTarget{}
	c := New(Config{APIBase: srv.URL, DeviceUUID: "dev-1"}, store, target, stubSource{}, logrus.NewEntry(logrus.New()))

	changed, err := c.poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if changed {
		t.Fatal("expected changed=false on 304")
	}
	if target.calls != 0 {
		t.Fatal("expected SetTarget not called on 304")
	}
}

func TestPoll_AuthFailureClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	store := newTestStore(t)
	c := New(Config{APIBase: srv.URL, DeviceUUID: "dev-1"}, store, &stubTarget{}, stubSource{}, logrus.NewEntry(logrus.New()))

	_, err := c.poll(context.Background())
	if err != domain.ErrCloudAuth {
		t.Fatalf("expected ErrCloudAuth, got %v", err)
	}
}

func TestReport_PostsCurrentState(t *testing.T) {
	var gotBody bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody = r.ContentLength > 0 || r.Header.Get("Content-Type") == "application/json"
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	store := newTestStore(t)
	c := New(Config{APIBase: srv.URL, DeviceUUID: "dev-1"}, store, &stubTarget{}, stubSource{}, logrus.NewEntry(logrus.New()))

	err := c.report(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !gotBody {
		t.Fatal("expected JSON body posted")
	}
	if c.Health().LastReportAt.IsZero() {
		t.Fatal("expected LastReportAt to be set")
	}
}

func TestRunPollLoop_StopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	store := newTestStore(t)
	cfg := DefaultConfig()
	cfg.APIBase = srv.URL
	cfg.DeviceUUID = "dev-1"
	cfg.PollInterval = 5 * time.Millisecond
	c := New(cfg, store, &stubTarget{}, stubSource{}, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.RunPollLoop(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunPollLoop did not return after context cancellation")
	}
}
