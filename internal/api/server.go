// Package api exposes the inverter services over HTTP: register reads and
// writes, app mode changes, on-demand dataset refresh and bridge status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tamzrod/saj-mqtt-bridge/internal/client"
	"github.com/tamzrod/saj-mqtt-bridge/internal/metrics"
	"github.com/tamzrod/saj-mqtt-bridge/internal/registers"
	"github.com/tamzrod/saj-mqtt-bridge/internal/status"
)

// ErrNotFound is returned by a Backend for an unknown dataset.
var ErrNotFound = errors.New("api: not found")

// Backend is what the HTTP surface drives.
type Backend interface {
	ReadRegisters(ctx context.Context, start, count uint16) ([]byte, error)
	WriteRegister(ctx context.Context, register, value uint16) ([]byte, error)
	Refresh(dataset string) error
	Status() Status
}

// Status is the body of GET /api/v1/status.
type Status struct {
	Serial   string          `json:"serial"`
	Health   string          `json:"health"`
	Snapshot status.Snapshot `json:"snapshot"`
	Pending  int             `json:"pending_requests"`
	Datasets []DatasetStatus `json:"datasets"`
}

type DatasetStatus struct {
	ID        string    `json:"id"`
	LastPoll  time.Time `json:"last_poll,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Server is the HTTP API.
type Server struct {
	backend Backend
	router  *mux.Router
	server  *http.Server
	logger  zerolog.Logger
	started time.Time
}

// NewServer builds the router. A non-nil gatherer is served on /metrics.
func NewServer(backend Backend, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		backend: backend,
		router:  mux.NewRouter(),
		logger:  log.With().Str("component", "api").Logger(),
		started: time.Now(),
	}
	s.setupRoutes()
	if gatherer != nil {
		s.router.Handle("/metrics", metrics.Handler(gatherer)).Methods(http.MethodGet)
	}
	return s
}

// Routes live on the root router so a wrong method on a known path
// answers 405; a PathPrefix subrouter would answer 404.
func (s *Server) setupRoutes() {
	const v1 = "/api/v1"

	s.router.HandleFunc(v1+"/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc(v1+"/registers/{register}", s.handleReadRegister).Methods(http.MethodGet)
	s.router.HandleFunc(v1+"/registers/{register}", s.handleWriteRegister).Methods(http.MethodPut, http.MethodPost)
	s.router.HandleFunc(v1+"/app-mode", s.handleSetAppMode).Methods(http.MethodPost, http.MethodPut)
	s.router.HandleFunc(v1+"/datasets/{id}/refresh", s.handleRefresh).Methods(http.MethodPost)
}

// Handler is the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves in the background. The bound address is
// returned, which matters for ":0".
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("api: listen %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().Str("listen", ln.Addr().String()).Msg("starting HTTP API server")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return ln.Addr().String(), nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info().Msg("stopping HTTP API server")

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// ---- HANDLERS ----

type registerReply struct {
	Register string `json:"register"`
	Count    uint16 `json:"count"`
	Format   string `json:"format,omitempty"`
	Hex      string `json:"hex"`
	Value    string `json:"value,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.backend.Status()
	s.writeJSON(w, map[string]any{
		"status":   st,
		"uptime_s": int64(time.Since(s.started).Seconds()),
	}, http.StatusOK)
}

// GET /api/v1/registers/{register}?count=N&format=>H
func (s *Server) handleReadRegister(w http.ResponseWriter, r *http.Request) {
	reg, err := registers.ParseUint16(mux.Vars(r)["register"])
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	count := uint16(1)
	if raw := r.URL.Query().Get("count"); raw != "" {
		if count, err = registers.ParseUint16(raw); err != nil {
			s.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	format := r.URL.Query().Get("format")
	if format != "" {
		if err := registers.ValidateFormat(format); err != nil {
			s.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	data, err := s.backend.ReadRegisters(r.Context(), reg, count)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}

	reply := registerReply{
		Register: fmt.Sprintf("0x%04x", reg),
		Count:    count,
		Format:   format,
		Hex:      registers.Hex(data),
	}
	if format != "" {
		if reply.Value, err = registers.Unpack(format, data); err != nil {
			s.writeError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
	}
	s.writeJSON(w, reply, http.StatusOK)
}

type writeRequest struct {
	Value string `json:"value"`
}

type writeReply struct {
	Register string `json:"register"`
	Value    uint16 `json:"value"`
	Reply    string `json:"reply"`
}

// PUT /api/v1/registers/{register} {"value": "0x0003"}
func (s *Server) handleWriteRegister(w http.ResponseWriter, r *http.Request) {
	reg, err := registers.ParseUint16(mux.Vars(r)["register"])
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	val, err := registers.ParseUint16(req.Value)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.write(w, r, reg, val)
}

type appModeRequest struct {
	Mode string `json:"mode"`
}

// POST /api/v1/app-mode {"mode": "PASSIVE"}
func (s *Server) handleSetAppMode(w http.ResponseWriter, r *http.Request) {
	var req appModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	mode, err := registers.ParseMode(req.Mode)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.logger.Info().Str("mode", mode.String()).Msg("setting app mode")
	s.write(w, r, registers.AppMode, uint16(mode))
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, reg, val uint16) {
	data, err := s.backend.WriteRegister(r.Context(), reg, val)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, writeReply{
		Register: fmt.Sprintf("0x%04x", reg),
		Value:    val,
		Reply:    registers.Hex(data),
	}, http.StatusOK)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.backend.Refresh(id); err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"dataset": id, "refresh": "queued"}, http.StatusAccepted)
}

// ---- HELPERS ----

func (s *Server) writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, map[string]string{"error": message}, statusCode)
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Warn().Err(err).Int("status", code).Msg("request failed")
	}
	s.writeError(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, client.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, client.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, client.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, client.ErrClosed), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
