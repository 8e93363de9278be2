package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/civicsignal/bulwark/internal/engine"
	"github.com/civicsignal/bulwark/internal/ha"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server exposes the operator surface over HTTP: status queries, manual
// failover, forced health checks, and metrics.
type Server struct {
	logger       *zap.Logger
	router       *mux.Router
	httpServer   *http.Server
	controller   *engine.Controller
	orchestrator *ha.Orchestrator
	monitor      *ha.Monitor
	metrics      *Metrics
	startTime    time.Time
}

// NewServer wires the operator endpoints.
func NewServer(port int, logger *zap.Logger, controller *engine.Controller,
	orchestrator *ha.Orchestrator, monitor *ha.Monitor, metrics *Metrics) *Server {

	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:       logger,
		router:       mux.NewRouter(),
		controller:   controller,
		orchestrator: orchestrator,
		monitor:      monitor,
		metrics:      metrics,
		startTime:    time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	s.router.HandleFunc("/v1/storage/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/v1/storage/check", s.handleForceCheck).Methods("POST")
	s.router.HandleFunc("/v1/storage/reconnect", s.handleReconnect).Methods("POST")
	s.router.HandleFunc("/v1/storage/failover", s.handleFailover).Methods("POST")
	s.router.HandleFunc("/v1/storage/failovers", s.handleFailoverHistory).Methods("GET")
	s.router.HandleFunc("/v1/storage/replicas", s.handleReplicas).Methods("GET")
	s.router.HandleFunc("/v1/storage/diagnostics", s.handleClearDiagnostics).Methods("DELETE")
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("operator API listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
		"mode":   s.controller.Mode(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.HealthStatus())
}

func (s *Server) handleForceCheck(w http.ResponseWriter, r *http.Request) {
	err := s.monitor.ForceCheck(r.Context())
	status := s.controller.HealthStatus()
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"healthy": false,
			"error":   err.Error(),
			"status":  status,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"healthy": true, "status": status})
}

// handleReconnect probes immediately and, when the primary answers while the
// system is degraded, drives a maintenance plan back to DATABASE mode.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.ForceCheck(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"reconnected": false,
			"error":       err.Error(),
		})
		return
	}

	if s.controller.Mode() == ha.ModeDatabase {
		s.writeJSON(w, http.StatusOK, map[string]any{"reconnected": true, "mode": ha.ModeDatabase})
		return
	}

	exec, err := s.orchestrator.Execute(r.Context(), ha.PlanPlannedMaintenance,
		ha.ModeDatabase, ha.TriggerManual, "operator reconnect")
	if err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reconnected": true, "execution": exec})
}

type failoverRequest struct {
	TargetMode string `json:"target_mode"`
	Reason     string `json:"reason"`
}

func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	var req failoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	mode, ok := ha.ParseMode(req.TargetMode)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid target mode %q", req.TargetMode))
		return
	}
	if req.Reason == "" {
		req.Reason = "manual failover"
	}

	exec, err := s.orchestrator.Execute(r.Context(), ha.PlanForTrigger(ha.TriggerManual),
		mode, ha.TriggerManual, req.Reason)
	if err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleFailoverHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"executions": s.orchestrator.History(limit),
		"active":     s.orchestrator.Active(),
	})
}

func (s *Server) handleReplicas(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"active":   s.controller.ActiveReplica(),
		"replicas": s.controller.ReplicaStatus(),
	})
}

func (s *Server) handleClearDiagnostics(w http.ResponseWriter, _ *http.Request) {
	s.monitor.ClearDiagnostics()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
