// Package control provides a Unix socket HTTP API for the running
// regiongate daemon. The daemon starts the server as part of its lifecycle
// and the CLI subcommands talk to it through Client.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultLogLimit is the page size of GET /log when no limit is given.
const DefaultLogLimit = 50

// ResolveSocketPath returns the best socket path for the current environment.
//
// It checks in order:
//  1. /run/regiongate/ if it exists (systemd RuntimeDirectory= or root)
//  2. $XDG_RUNTIME_DIR/regiongate/, a user-writable runtime directory
//  3. /tmp/regiongate/ as a fallback
func ResolveSocketPath() string {
	if info, err := os.Stat("/run/regiongate"); err == nil && info.IsDir() {
		return "/run/regiongate/control.sock"
	}

	if xdgDir := os.Getenv("XDG_RUNTIME_DIR"); xdgDir != "" {
		return filepath.Join(xdgDir, "regiongate", "control.sock")
	}

	return "/tmp/regiongate/control.sock"
}

// Server is an HTTP server that listens on a Unix domain socket and
// exposes a Backend as JSON.
type Server struct {
	socketPath string
	backend    Backend
	metrics    http.Handler
	log        *slog.Logger
	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a new control server. metrics, when non-nil, is served
// at GET /metrics.
func NewServer(socketPath string, backend Backend, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		backend:    backend,
		metrics:    metrics,
		log:        logger.With("component", "control"),
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("POST /devices/sync", s.handleSyncDevices)
	mux.HandleFunc("POST /devices/{id}/enable", s.handleEnable)
	mux.HandleFunc("POST /devices/{id}/disable", s.handleDisable)
	mux.HandleFunc("PUT /devices/{id}/region", s.handleRegion)
	mux.HandleFunc("POST /devices/{id}/check", s.handleCheck)
	mux.HandleFunc("GET /regions", s.handleRegions)
	mux.HandleFunc("POST /regions/refresh", s.handleRefreshRegions)
	mux.HandleFunc("POST /regions/{id}/reconnect", s.handleReconnect)
	mux.HandleFunc("GET /log", s.handleLog)
	mux.HandleFunc("PUT /setup", s.handleSetup)
	mux.HandleFunc("GET /settings/tailscale", s.handleTailscaleSettings)
	mux.HandleFunc("PUT /settings/tailscale", s.handleTailscaleKey)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Start begins listening on the Unix socket and serving HTTP requests.
// It returns immediately; the server runs in the background.
func (s *Server) Start() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating socket directory %s: %w", dir, err)
	}

	// Remove stale socket file from a previous run.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.listener = ln

	// The API mutates routing, so only the owner may connect.
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		s.log.Warn("setting socket permissions", "error", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("control server error", "error", err)
		}
	}()

	s.log.Info("control server started", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the control server and removes the socket file.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("control server shutdown", "error", err)
		}
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("removing socket file", "error", err)
	}

	s.log.Info("control server stopped")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.backend.Status(r.Context())
	s.respond(w, r, status, err)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.backend.Devices(r.Context())
	if devices == nil {
		devices = []Device{}
	}
	s.respond(w, r, devices, err)
}

func (s *Server) handleSyncDevices(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.SyncDevices(r.Context())
	s.respond(w, r, res, err)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.EnableDevice(r.Context(), r.PathValue("id"))
	s.respond(w, r, res, err)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.DisableDevice(r.Context(), r.PathValue("id"))
	s.respond(w, r, res, err)
}

func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	var req RegionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, r, nil, fmt.Errorf("%w: decoding body: %v", ErrInvalid, err))
		return
	}
	res, err := s.backend.SetDeviceRegion(r.Context(), r.PathValue("id"), req.RegionID)
	s.respond(w, r, res, err)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	check, err := s.backend.CheckDevice(r.Context(), r.PathValue("id"))
	s.respond(w, r, check, err)
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := s.backend.Regions(r.Context())
	if regions == nil {
		regions = []Region{}
	}
	s.respond(w, r, regions, err)
}

func (s *Server) handleRefreshRegions(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.RefreshRegions(r.Context())
	s.respond(w, r, res, err)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.ReconnectRegion(r.Context(), r.PathValue("id"))
	s.respond(w, r, res, err)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", DefaultLogLimit)
	if err != nil {
		s.respond(w, r, nil, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.respond(w, r, nil, err)
		return
	}
	page, err := s.backend.Log(r.Context(), limit, offset)
	s.respond(w, r, page, err)
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		s.respond(w, r, nil, fmt.Errorf("%w: decoding body: %v", ErrInvalid, err))
		return
	}
	if creds.Username == "" || creds.Password == "" {
		s.respond(w, r, nil, fmt.Errorf("%w: username and password are required", ErrInvalid))
		return
	}
	res, err := s.backend.SetCredentials(r.Context(), creds)
	s.respond(w, r, res, err)
}

func (s *Server) handleTailscaleSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.backend.TailscaleSettings(r.Context())
	s.respond(w, r, settings, err)
}

func (s *Server) handleTailscaleKey(w http.ResponseWriter, r *http.Request) {
	var req TailscaleKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, r, nil, fmt.Errorf("%w: decoding body: %v", ErrInvalid, err))
		return
	}
	if req.APIKey == "" {
		s.respond(w, r, nil, fmt.Errorf("%w: api_key is required", ErrInvalid))
		return
	}
	res, err := s.backend.SetTailscaleAPIKey(r.Context(), req.APIKey)
	s.respond(w, r, res, err)
}

// respond writes v as JSON, or err as {"error": ...} with a status code
// derived from its class.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		code := statusCode(err)
		if code == http.StatusInternalServerError {
			s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		} else {
			s.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
		}
		w.WriteHeader(code)
		v = errorResponse{Error: err.Error()}
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", "path", r.URL.Path, "error", err)
	}
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalid, key)
	}
	return n, nil
}
