// Package gateway serves the WebSocket endpoints clients use to drive
// pooled agent sessions and the orchestrator. Any number of tabs may
// subscribe to the same session; sessions survive client disconnects.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/pool"
	"github.com/nextlevelbuilder/maestro/internal/search"
	"github.com/nextlevelbuilder/maestro/internal/session"
	"github.com/nextlevelbuilder/maestro/internal/tools"
)

// Server is the gateway HTTP/WebSocket server.
type Server struct {
	cfg      *config.Config
	pool     *pool.Pool
	store    *session.Store
	registry *tools.Registry
	toolCtx  *tools.Context

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu      sync.Mutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, p *pool.Pool, store *session.Store, runner *search.Runner) *Server {
	s := &Server{
		cfg:     cfg,
		pool:    p,
		store:   store,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM)

	s.registry = tools.NewRegistry()
	tools.RegisterSessionTools(s.registry)
	tools.RegisterFileTools(s.registry)
	tools.RegisterSearchTools(s.registry)

	s.toolCtx = &tools.Context{
		Pool:       p,
		Store:      store,
		Config:     cfg,
		Search:     runner,
		ProjectDir: cfg.Agent.ProjectDir,
		IndexDir:   cfg.Search.IndexDir,
		Broadcast:  p.BroadcastOrchestrator,
	}
	return s
}

// Registry returns the shared tool registry.
func (s *Server) Registry() *tools.Registry { return s.registry }

// checkOrigin validates the Origin header against the configured
// whitelist. No config means allow all; non-browser clients with an empty
// Origin are always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/session", s.handleSessionWS)
	mux.HandleFunc("/ws/orchestrator", s.handleOrchestratorWS)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down the HTTP server
// and gracefully stops every pooled session (the one shutdown path that
// drives subprocess teardown).
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.pool.StopOrchestrator()
		s.pool.StopAll()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, len(s.pool.ListSessions()))
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("client disconnected", "id", c.id)
}

// StartTestServer creates a listener on a random port and returns its
// address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.httpServer.Serve(ln)
	}
	return addr, start
}
