package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/marko911/pulse-bus/internal/bus"
	"github.com/marko911/pulse-bus/internal/relay"
)

const maxModuleSize = 50 << 20

// TenantProvisioner creates a tenant's queue storage.
type TenantProvisioner interface {
	EnsureTenant(ctx context.Context, tenantID string) error
}

// ModuleStore stores tenant bus handler modules.
type ModuleStore interface {
	Upload(ctx context.Context, tenantID string, wasmBytes []byte) error
}

// Server is the bus-relay HTTP API.
type Server struct {
	engine  *relay.Engine
	tenants TenantProvisioner
	modules ModuleStore
	logger  *slog.Logger
}

func NewServer(engine *relay.Engine, tenants TenantProvisioner, modules ModuleStore, logger *slog.Logger) *Server {
	return &Server{
		engine:  engine,
		tenants: tenants,
		modules: modules,
		logger:  logger.With("component", "http"),
	}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/tenants/{tenant}", s.handleEnsureTenant)
	mux.HandleFunc("POST /api/v1/tenants/{tenant}/messages", s.handleSendMessage)
	mux.HandleFunc("PUT /api/v1/tenants/{tenant}/bus-config", s.handleSetBusConfig)
	mux.HandleFunc("PUT /api/v1/tenants/{tenant}/handler", s.handleUploadHandler)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/buses/{name}", s.handleDescribeBus)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status": "ok",
		"engine": s.engine.State().String(),
	})
}

func (s *Server) handleEnsureTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if err := s.tenants.EnsureTenant(r.Context(), tenantID); err != nil {
		s.handleError(w, "ensure tenant", err)
		return
	}
	s.engine.InvalidateFanout()
	s.jsonResponse(w, http.StatusOK, map[string]string{"tenant_id": tenantID})
}

// sendRequest is the message body accepted over HTTP. Body is a plain
// string, matching what handler modules pass to send_message.
type sendRequest struct {
	Kind        bus.InstanceKind  `json:"kind"`
	BusID       int64             `json:"bus_id"`
	BusName     string            `json:"bus_name"`
	Secret      string            `json:"secret"`
	Reliability bus.Reliability   `json:"reliability"`
	Body        string            `json:"body"`
	Options     map[string]string `json:"options"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	err := s.engine.SendMessage(r.Context(), tenantID, bus.Message{
		Kind:        req.Kind,
		BusID:       req.BusID,
		BusName:     req.BusName,
		Secret:      req.Secret,
		Reliability: req.Reliability,
		Body:        []byte(req.Body),
		Options:     req.Options,
	})
	if err != nil {
		s.handleError(w, "send message", err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleSetBusConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if err := s.engine.SetPlatformConfigJSON(r.Context(), tenantID, data); err != nil {
		s.handleError(w, "set bus config", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if err := bus.ValidateTenantID(tenantID); err != nil {
		s.handleError(w, "upload handler", err)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxModuleSize+1))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(data) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "empty module")
		return
	}
	if len(data) > maxModuleSize {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "module too large")
		return
	}

	if err := s.modules.Upload(r.Context(), tenantID, data); err != nil {
		s.handleError(w, "upload handler", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "size": len(data)})
}

func (s *Server) handleDescribeBus(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Describe(r.Context(), r.PathValue("tenant"), r.PathValue("name"))
	if err != nil {
		s.handleError(w, "describe bus", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, d)
}

// handleError maps domain errors to status codes.
func (s *Server) handleError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, bus.ErrInvalidTenant),
		errors.Is(err, bus.ErrInvalidMessage),
		errors.Is(err, bus.ErrPlatformConfig):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, bus.ErrUnknownBus),
		errors.Is(err, bus.ErrUnknownKind):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, bus.ErrNoReceiver):
		s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error(op+" failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, op+" failed")
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}
