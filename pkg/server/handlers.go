package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/sensorvault/pkg/httpx"
	"github.com/nicktill/sensorvault/pkg/scheduler"
	"github.com/nicktill/sensorvault/pkg/server/monitor"
	"github.com/nicktill/sensorvault/pkg/storage"
)

// Version is reported by /api/health.
const Version = "1.0.0"

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string              `json:"status"`
	Version string              `json:"version"`
	Uptime  string              `json:"uptime"`
	Jobs    []monitor.JobStatus `json:"jobs"`
}

// StorageResponse reports disk usage and store contents.
type StorageResponse struct {
	Usage monitor.Usage  `json:"usage"`
	Store *storage.Stats `json:"store"`
}

// handleHealth returns 503 when any maintenance job is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !s.Jobs.Healthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	httpx.RespondJSON(w, code, HealthResponse{
		Status:  status,
		Version: Version,
		Uptime:  s.clock.Now().Sub(s.start).Round(time.Second).String(),
		Jobs:    s.Jobs.Statuses(),
	})
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.Stats(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	usage, err := s.StorageMonitor.GetUsage()
	if err != nil {
		s.log.Warn("failed to measure storage usage", "error", err)
	}
	httpx.RespondJSON(w, http.StatusOK, StorageResponse{Usage: usage, Store: stats})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, s.Scheduler.Jobs())
}

// handleTriggerJob runs a maintenance job now, outside its schedule.
func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["job"]
	// A triggered job outlives a client that disconnects.
	err := s.Scheduler.Trigger(context.WithoutCancel(r.Context()), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		httpx.RespondError(w, http.StatusNotFound, err)
	case err != nil:
		httpx.RespondError(w, http.StatusInternalServerError, err)
	default:
		httpx.RespondMessage(w, name+" completed")
	}
}

// SetupRoutes configures all HTTP routes for the server.
func (s *Server) SetupRoutes(router *mux.Router) {
	router.Use(loggingMiddleware(s.log))
	router.Use(corsMiddleware(s.cfg.CORS.AllowedOrigins))

	// Routes sit on the root router, not a subrouter, so method mismatches
	// reach MethodNotAllowedHandler.

	// OPTIONS is listed so preflights reach the CORS middleware.
	post := []string{http.MethodPost, http.MethodOptions}
	get := []string{http.MethodGet, http.MethodOptions}

	// Device ingest and dashboard queries
	router.HandleFunc("/api/post-data", s.ingest.HandlePostData).Methods(post...)
	router.HandleFunc("/api/get-data", s.query.HandleGetData).Methods(get...)
	router.HandleFunc("/api/get-aggregated-data", s.query.HandleGetAggregatedData).Methods(get...)
	router.HandleFunc("/api/search-temperature", s.query.HandleSearchTemperature).Methods(get...)
	router.HandleFunc("/api/stats", s.query.HandleStats).Methods(get...)

	// Operations
	router.HandleFunc("/api/health", s.handleHealth).Methods(get...)
	router.HandleFunc("/api/storage", s.handleStorage).Methods(get...)
	router.HandleFunc("/api/maintenance", s.handleListJobs).Methods(get...)
	router.HandleFunc("/api/maintenance/{job}", s.handleTriggerJob).Methods(post...)

	// WebSocket for live readings
	router.HandleFunc("/api/ws", s.Hub.HandleWebSocket).Methods(http.MethodGet)

	// Export/import
	router.HandleFunc("/api/export", s.export.HandleExport).Methods(get...)
	router.HandleFunc("/api/import", s.export.HandleImport).Methods(post...)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondErrorString(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}
