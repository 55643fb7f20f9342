// Package api serves the debug and observability REST API plus the
// Prometheus scrape endpoint. The API is read-only except for the
// proxy test endpoint and is started by the serve command, never by
// the library itself.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	heimdall "github.com/rennerdo30/heimdall-proxy"
	"github.com/rennerdo30/heimdall-proxy/internal/eventlog"
	"github.com/rennerdo30/heimdall-proxy/internal/logging"
	"github.com/rennerdo30/heimdall-proxy/internal/version"
)

// Config holds API server configuration.
type Config struct {
	Manager *heimdall.Manager
	Listen  string
	// Token, when set, is required as a bearer token on every API
	// route. The Prometheus endpoint stays open for scrapers.
	Token string
	// EventLog bounds the event history served by the events
	// endpoint. Zero means eventlog.DefaultCapacity.
	EventLog int
	Logger   *slog.Logger
}

// Server hosts the REST API and the Prometheus scrape endpoint on one
// listener.
type Server struct {
	manager *heimdall.Manager
	listen  string
	token   string
	logger  *slog.Logger
	events  *eventlog.Log

	mu    sync.Mutex
	ln    net.Listener
	http  *http.Server
	unsub func()
}

// New creates an API server and starts recording manager events for
// the events endpoint. Start binds the listener; Stop drops the event
// subscription again.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: cfg.Manager,
		listen:  cfg.Listen,
		token:   cfg.Token,
		logger:  logger,
		events:  eventlog.New(cfg.EventLog),
	}
	s.unsub = cfg.Manager.OnEvent(s.events.Record)
	return s
}

// Router returns the HTTP router for the API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.requestLogger)

	if s.token != "" {
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			s.addAPIRoutes(r)
		})
	} else {
		s.addAPIRoutes(r)
	}

	// Scrape endpoint, outside the auth group.
	r.Handle("/metrics", s.manager.MetricsHandler())

	return r
}

func (s *Server) addAPIRoutes(r chi.Router) {
	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/version", s.handleVersion)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/api/v1/stats", s.handleStats)
	r.Get("/api/v1/proxies", s.handleProxies)
	r.Get("/api/v1/connections", s.handleConnections)
	r.Get("/api/v1/tunnels", s.handleTunnels)
	r.Get("/api/v1/metrics", s.handleMetrics)
	r.Get("/api/v1/events", s.handleEvents)
	r.Post("/api/v1/test", s.handleTest)
}

// Start binds the listen address and serves in the background until
// Stop. Bind errors surface here.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.listen, err)
	}

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.ln = ln
	s.http = srv
	s.mu.Unlock()

	go func() {
		s.logger.Info("api server listening", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests until the
// context expires, and stops recording manager events. Stopping a
// server that never started still drops the event subscription.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	unsub := s.unsub
	s.http = nil
	s.ln = nil
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// requestLogger carries a request-scoped logger so handlers share the
// chi request id in their log lines.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithContext(r.Context(),
			s.logger.With("request_id", middleware.GetReqID(r.Context())))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}

		if token != s.token {
			logging.FromContext(r.Context()).Debug("unauthorized api request", "path", r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	}

	st := s.manager.Stats()
	switch {
	case !st.Running:
		response["status"] = "stopped"
	default:
		for _, h := range st.Health {
			if !h.Healthy {
				response["status"] = "degraded"
				break
			}
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, version.GetInfo())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.manager.Stats()
	status := "running"
	if !st.Running {
		status = "stopped"
	}

	response := map[string]any{
		"status":             status,
		"time":               time.Now().Format(time.RFC3339),
		"version":            version.Short(),
		"enabled":            st.Enabled,
		"servers":            st.Servers,
		"active_connections": st.ActiveConnections,
		"active_tunnels":     st.ActiveTunnels,
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Stats())
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	cfg := s.manager.Config()
	if cfg == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}

	health := s.manager.Stats().Health
	response := make([]map[string]any, 0, len(cfg.Servers))
	for i := range cfg.Servers {
		srv := &cfg.Servers[i]
		entry := map[string]any{
			"url":      srv.URL(),
			"protocol": srv.Protocol,
			"host":     srv.Host,
			"port":     srv.Port,
			"healthy":  s.manager.Healthy(srv.Key()),
		}
		if h, ok := health[srv.Key()]; ok {
			entry["health"] = h
		}
		response = append(response, entry)
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.ActiveConnections())
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.ActiveTunnels())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Metrics())
}

// defaultEventLimit caps the events response when no limit is given.
const defaultEventLimit = 100

// eventView flattens an event for the wire. Err does not marshal on
// its own, so the handler copies its text into Error.
type eventView struct {
	heimdall.Event
	Error string `json:"error,omitempty"`
}

// handleEvents returns recent manager events, newest first. The kind
// query parameter filters by event kind and limit caps the count.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = n
	}
	kind := heimdall.EventKind(r.URL.Query().Get("kind"))

	views := make([]eventView, 0, min(limit, s.events.Count()))
	for _, ev := range s.events.Recent(s.events.Count()) {
		if kind != "" && ev.Kind != kind {
			continue
		}
		view := eventView{Event: ev}
		if ev.Err != nil {
			view.Error = ev.Err.Error()
		}
		views = append(views, view)
		if len(views) == limit {
			break
		}
	}

	s.writeJSON(w, http.StatusOK, views)
}

type testRequest struct {
	Proxy string `json:"proxy"`
	URL   string `json:"url"`
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Proxy == "" {
		http.Error(w, "proxy is required", http.StatusBadRequest)
		return
	}

	server, err := heimdall.ParseProxyURL(req.Proxy, "http")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reachable, err := s.manager.TestProxy(r.Context(), &server, req.URL)
	logging.FromContext(r.Context()).Info("proxy test", "proxy", server.URL(), "reachable", reachable)

	response := map[string]any{
		"proxy":     server.URL(),
		"reachable": reachable,
	}
	if err != nil {
		response["error"] = err.Error()
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("write api response", "error", err)
	}
}
