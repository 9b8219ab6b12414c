// Package web provides the admin HTTP API for the relay gateway: server
// introspection, start/stop/block controls, and the telemetry endpoint.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"relay-gateway/internal/manager"
	"relay-gateway/internal/relay"
	"relay-gateway/internal/server"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	maxHeaderBytes    = 1 << 20 // 1MB
	readTimeout       = 15 * time.Second
	writeTimeout      = 15 * time.Second
	idleTimeout       = 60 * time.Second
	headerReadTimeout = 10 * time.Second
)

// Server is the admin API server.
type Server struct {
	httpServer *http.Server
	cm         *manager.ConfigManager
	registry   *server.Registry
}

// NewServer wires the router, auth middleware, and hardened HTTP server.
func NewServer(cm *manager.ConfigManager, registry *server.Registry, telemetryPath string) *Server {
	s := &Server{cm: cm, registry: registry}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/servers", s.handleListServers).Methods(http.MethodGet)
	api.HandleFunc("/servers/{name}", s.handleServerDetail).Methods(http.MethodGet)
	api.HandleFunc("/servers/{name}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/servers/{name}/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/servers/{name}/block", s.handleBlock).Methods(http.MethodPost)
	api.HandleFunc("/servers/{name}/clients/{ip}/{port}", s.handleRealClient).Methods(http.MethodGet)

	if telemetryPath == "" {
		telemetryPath = "/metrics"
	}
	r.Handle(telemetryPath, promhttp.Handler()).Methods(http.MethodGet)

	var handler http.Handler = r
	cfg := cm.Get()
	if cfg.WebAuth.Enabled {
		handler = basicAuthMiddleware(cfg.WebAuth, handler)
	} else {
		log.Warn().Msg("admin API running without authentication - not recommended outside a trusted network")
	}

	s.httpServer = &http.Server{
		Addr:              cfg.WebAddress,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: headerReadTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}
	return s
}

// Start blocks serving the admin API until Shutdown.
func (s *Server) Start() error {
	log.Info().Str("address", s.httpServer.Addr).Msg("Starting admin API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the admin API.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type serverSummary struct {
	Name  string       `json:"name"`
	State server.State `json:"state"`
	Stats relay.Stats  `json:"stats"`
}

type serverDetail struct {
	serverSummary
	Players []server.Player `json:"players"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to encode API response")
	}
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps lifecycle error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := ""
	var lifecycleErr *server.Error
	if errors.As(err, &lifecycleErr) {
		code = string(lifecycleErr.Code)
		switch lifecycleErr.Code {
		case server.CodeServerRunning, server.CodeServerNotRunning, server.CodeServerBusy, server.CodeServerFaulted:
			status = http.StatusConflict
		case server.CodeExecutableMissing, server.CodeConfigInvalid:
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, apiError{Error: err.Error(), Code: code})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*server.Server, bool) {
	name := mux.Vars(r)["name"]
	srv, ok := s.registry.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, apiError{Error: fmt.Sprintf("unknown server %q", name)})
		return nil, false
	}
	return srv, true
}

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	servers := s.registry.All()
	out := make([]serverSummary, 0, len(servers))
	for _, srv := range servers {
		out = append(out, serverSummary{Name: srv.Name(), State: srv.State(), Stats: srv.Stats()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleServerDetail(w http.ResponseWriter, r *http.Request) {
	srv, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, serverDetail{
		serverSummary: serverSummary{Name: srv.Name(), State: srv.State(), Stats: srv.Stats()},
		Players:       srv.Players(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	srv, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := srv.Start(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, serverSummary{Name: srv.Name(), State: srv.State(), Stats: srv.Stats()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	srv, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := srv.Stop(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, serverSummary{Name: srv.Name(), State: srv.State()})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	srv, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IP == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "request body must be {\"ip\": \"<address>\"}"})
		return
	}
	if err := srv.BlockClient(body.IP); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"blocked": body.IP})
}

func (s *Server) handleRealClient(w http.ResponseWriter, r *http.Request) {
	srv, ok := s.lookup(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	port, err := strconv.Atoi(vars["port"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "port must be numeric"})
		return
	}
	ip, realPort, found := srv.RealClientInfo(vars["ip"], port)
	if !found {
		writeJSON(w, http.StatusNotFound, apiError{Error: "no real client information for this tuple"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ip": ip, "port": realPort})
}
