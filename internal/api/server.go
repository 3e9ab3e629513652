// Package api provides the local HTTP control API for the agent (§4.6):
// device/provisioning status, target-state inspection, per-app
// control, and connection health.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iotistica/iotistic-agent/internal/device"
	"github.com/iotistica/iotistic-agent/internal/domain"
	"github.com/iotistica/iotistic-agent/internal/reconcile"
)

// HealthChecker is satisfied by internal/health.Checker.
type HealthChecker interface {
	Check(ctx context.Context) map[string]bool
}

// ConnectionHealthSource is satisfied by internal/cloudsync.Client.
type ConnectionHealthSource interface {
	Health() domain.ConnectionHealth
}

// Server is the agent's local HTTP control API.
type Server struct {
	devices        *device.Manager
	reconciler     *reconcile.Reconciler
	health         HealthChecker
	cloud          ConnectionHealthSource
	metricsEnabled bool
	corsOrigins    []string
}

// NewServer creates a new API server.
func NewServer(devices *device.Manager, reconciler *reconcile.Reconciler, health HealthChecker, cloud ConnectionHealthSource) *Server {
	return &Server{devices: devices, reconciler: reconciler, health: health, cloud: cloud, corsOrigins: []string{"*"}}
}

// EnableMetrics mounts the Prometheus /metrics endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetCORSOrigins overrides the allowed CORS origins (default "*").
func (s *Server) SetCORSOrigins(origins []string) { s.corsOrigins = origins }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.corsMiddleware)

	r.Get("/v1/healthy", s.handleHealthy)

	r.Route("/v1/device", func(r chi.Router) {
		r.Get("/", s.handleGetDevice)
	})

	r.Route("/v1/provision", func(r chi.Router) {
		r.Post("/", s.handleProvision)
		r.Get("/status", s.handleProvisionStatus)
	})

	r.Post("/v1/deprovision", s.handleDeprovision)
	r.Post("/v1/factory-reset", s.handleFactoryReset)

	r.Route("/v1/config", func(r chi.Router) {
		r.Get("/", s.handleGetTargetState)
	})

	r.Route("/v1/apps/{appId}", func(r chi.Router) {
		r.Get("/info", s.handleGetApp)
		r.Post("/start", s.handleStartApp)
		r.Post("/stop", s.handleStopApp)
		r.Post("/restart", s.handleRestartApp)
		r.Post("/purge", s.handlePurgeApp)
	})

	r.Post("/v1/restart", s.handleRestartAll)

	r.Get("/v2/connection/health", s.handleConnectionHealth)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealthy(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	checks := s.health.Check(r.Context())
	allOK := true
	for _, ok := range checks {
		if !ok {
			allOK = false
			break
		}
	}
	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"status": allOK, "checks": checks})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.devices.Current()
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req device.ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	dev, err := s.devices.Provision(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleProvisionStatus(w http.ResponseWriter, r *http.Request) {
	dev, err := s.devices.Current()
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"phase": string(domain.PhaseUnprovisioned)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"phase": string(dev.Phase)})
}

func (s *Server) handleDeprovision(w http.ResponseWriter, r *http.Request) {
	if err := s.devices.MarkAsLocalMode(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "local_mode"})
}

func (s *Server) handleFactoryReset(w http.ResponseWriter, r *http.Request) {
	if err := s.devices.FactoryReset(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleGetTargetState(w http.ResponseWriter, r *http.Request) {
	target, ok := s.reconciler.GetTargetState()
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrTargetStateMissing.Error())
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appId")
	current, err := s.reconciler.GetCurrentState(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	state, ok := current[appID]
	if !ok {
		writeError(w, http.StatusNotFound, "app not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleStartApp(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appId")
	if err := s.reconciler.StartApp(r.Context(), appID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "starting"})
}

func (s *Server) handleStopApp(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appId")
	if err := s.reconciler.StopApp(r.Context(), appID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handlePurgeApp(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appId")
	if err := s.reconciler.PurgeApp(r.Context(), appID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (s *Server) handleRestartApp(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appId")
	if err := s.reconciler.ApplyTargetState(r.Context(), reconcile.Options{Force: map[string]bool{appID: true}}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}

func (s *Server) handleRestartAll(w http.ResponseWriter, r *http.Request) {
	target, ok := s.reconciler.GetTargetState()
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrTargetStateMissing.Error())
		return
	}
	forced := make(map[string]bool, len(target.Apps))
	for appID := range target.Apps {
		forced[appID] = true
	}
	if err := s.reconciler.ApplyTargetState(r.Context(), reconcile.Options{Force: forced}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}

func (s *Server) handleConnectionHealth(w http.ResponseWriter, r *http.Request) {
	if s.cloud == nil {
		writeJSON(w, http.StatusOK, domain.ConnectionHealth{Status: domain.ConnOffline})
		return
	}
	writeJSON(w, http.StatusOK, s.cloud.Health())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.corsOrigins) > 0 {
			origin = s.corsOrigins[0]
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
