// Package server is the swarm's control surface: the streamable HTTP MCP
// endpoint multiplexing client sessions onto the shared supervisor, the
// admin REST routes, the event stream, and the single-client stdio mode.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/SpideXD/mcp-swarm/pkg/catalog"
	"github.com/SpideXD/mcp-swarm/pkg/config"
	"github.com/SpideXD/mcp-swarm/pkg/events"
	"github.com/SpideXD/mcp-swarm/pkg/logger"
	"github.com/SpideXD/mcp-swarm/pkg/profiles"
	"github.com/SpideXD/mcp-swarm/pkg/store"
	"github.com/SpideXD/mcp-swarm/pkg/supervisor"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

const (
	serverName    = "mcp-swarm"
	serverVersion = "0.1.0"

	// headerSessionID is the MCP streamable HTTP session header.
	headerSessionID = "Mcp-Session-Id"

	// eventsPingInterval is the keep-alive cadence on /events.
	eventsPingInterval = 15 * time.Second

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server is the HTTP control plane.
type Server struct {
	cfg      *config.Config
	sup      *supervisor.Supervisor
	store    store.Store
	bus      events.Bus
	sessions *sessionManager

	mcpServer  *mcpserver.MCPServer
	httpServer *http.Server

	listenerMu sync.Mutex
	listener   net.Listener

	startedAt time.Time
}

// New assembles the control plane over an already-constructed supervisor.
func New(cfg *config.Config, sup *supervisor.Supervisor, st store.Store, bus events.Bus) *Server {
	sessions := newSessionManager(sup, bus, cfg.MaxSessions, cfg.SessionIdleTimeout)

	mcpSrv := mcpserver.NewMCPServer(
		serverName,
		serverVersion,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
	)
	tools := newToolServer(sup, st, catalog.NewSearcher(), func(ctx context.Context) string {
		if cs := mcpserver.ClientSessionFromContext(ctx); cs != nil {
			return cs.SessionID()
		}
		return ""
	})
	tools.register(mcpSrv)

	return &Server{
		cfg:       cfg,
		sup:       sup,
		store:     st,
		bus:       bus,
		sessions:  sessions,
		mcpServer: mcpSrv,
	}
}

// Router builds the chi router with every control-plane route mounted.
func (s *Server) Router() http.Handler {
	streamable := mcpserver.NewStreamableHTTPServer(
		s.mcpServer,
		mcpserver.WithEndpointPath("/mcp"),
		mcpserver.WithSessionIdManager(s.sessions),
	)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	if s.cfg.CORSEnabled {
		r.Use(s.corsMiddleware)
	}

	r.Handle("/mcp", s.sessionGate(streamable))
	r.Get("/health", s.handleHealth)
	r.Get("/events", s.handleEvents)
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.handleSessions)
		r.Get("/workers", s.handleWorkers)
		r.Get("/logs/{base}", s.handleLogs)
		r.Get("/config", s.handleConfig)
		r.Get("/profiles", s.handleProfiles)
	})
	return r
}

// sessionGate enforces the session-layer rules the SDK does not: the
// session cap on new sessions, and deterministic 400/404 responses for
// stream and delete requests against missing or unknown sessions.
func (s *Server) sessionGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get(headerSessionID)
		switch r.Method {
		case http.MethodPost:
			if sessionID == "" && s.sessions.atCapacity() {
				http.Error(w, "session limit reached", http.StatusServiceUnavailable)
				return
			}
		case http.MethodGet:
			if sessionID == "" {
				http.Error(w, "missing "+headerSessionID+" header", http.StatusBadRequest)
				return
			}
			if !s.sessions.exists(sessionID) {
				http.Error(w, "unknown session", http.StatusNotFound)
				return
			}
		case http.MethodDelete:
			if sessionID == "" || !s.sessions.exists(sessionID) {
				http.Error(w, "unknown session", http.StatusNotFound)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, "+headerSessionID+", Last-Event-ID")
		w.Header().Set("Access-Control-Expose-Headers", headerSessionID)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()

	gcCtx, gcCancel := context.WithCancel(ctx)
	defer gcCancel()
	go s.sessions.gcLoop(gcCtx, s.cfg.SessionCleanupInterval)

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := s.listen()
	if err != nil {
		return err
	}
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	logger.Infow("control plane listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func (s *Server) listen() (net.Listener, error) {
	if s.cfg.SocketPath != "" {
		// A stale socket file from an unclean shutdown blocks the bind.
		_ = os.Remove(s.cfg.SocketPath)
		return net.Listen("unix", s.cfg.SocketPath)
	}
	return net.Listen("tcp", s.cfg.Addr())
}

// Addr returns the bound listener address, for tests using port 0.
func (s *Server) Addr() string {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the control plane down: HTTP first, then every session (which
// releases session-owned worker instances).
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.sessions.closeAll()
	if s.cfg.SocketPath != "" {
		_ = os.Remove(s.cfg.SocketPath)
	}
	return errors.Join(errs...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to encode response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"mode":     string(s.cfg.Mode),
		"sessions": s.sessions.count(),
		"workers":  len(s.sup.List()),
		"uptime_s": int(time.Since(s.startedAt).Seconds()),
	})
}

// handleEvents streams every bus event as a server-sent-events feed, with a
// ping frame keeping intermediaries from reaping the connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe()
	defer sub.Close()

	ping := time.NewTicker(eventsPingInterval)
	defer ping.Stop()

	writeFrame := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if !writeFrame(map[string]string{"type": "ping"}) {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !writeFrame(ev) {
				return
			}
		}
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.list())
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.List())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	base := chi.URLParam(r, "base")
	snap, ok := s.sup.Get(base)
	if !ok {
		http.Error(w, "unknown worker", http.StatusNotFound)
		return
	}
	if snap.Config.Transport != workers.TransportStdio {
		writeJSON(w, http.StatusOK, map[string]any{"name": base, "stderr": []string{}})
		return
	}
	tail, err := s.sup.StderrTail(base)
	if err != nil {
		http.Error(w, "unknown worker", http.StatusNotFound)
		return
	}
	if tail == nil {
		tail = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": base, "stderr": tail})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg)
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.ListProfiles(r.Context())
	if err != nil {
		http.Error(w, "failed to list profiles", http.StatusInternalServerError)
		return
	}
	bundles := make([]profiles.Bundle, 0, len(user))
	for _, b := range user {
		bundles = append(bundles, *b)
	}
	writeJSON(w, http.StatusOK, profiles.Merge(profiles.BuiltIns(), bundles))
}
