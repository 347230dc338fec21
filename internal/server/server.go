// Package server is the HTTP edge of the gateway. It decodes requests into
// pipeline calls, maps pipeline errors onto status codes, and exposes the
// health, metrics, and system endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/manifoldmcp/manifold/internal/backend"
	"github.com/manifoldmcp/manifold/internal/breaker"
	"github.com/manifoldmcp/manifold/internal/gateway"
	"github.com/manifoldmcp/manifold/internal/metrics"
	"github.com/manifoldmcp/manifold/internal/server/middleware"
	"github.com/manifoldmcp/manifold/internal/service"
)

// SessionHeader carries the session identifier on continuing calls.
const SessionHeader = middleware.SessionHeader

// Config holds the HTTP server configuration.
type Config struct {
	Host              string
	Port              int
	ShutdownTimeout   time.Duration
	CORSOrigins       []string
	EdgeRequestsPerIP int // per minute, outermost guard before the core limiter
	MaxBodySize       int64
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              8080,
		ShutdownTimeout:   30 * time.Second,
		CORSOrigins:       []string{"*"},
		EdgeRequestsPerIP: 600,
		MaxBodySize:       1 * 1024 * 1024, // 1MB
	}
}

// Server is the top-level HTTP server. It owns the chi router and delegates
// every call to the gateway pipeline.
type Server struct {
	cfg        Config
	router     chi.Router
	gw         *gateway.Gateway
	backends   *backend.Registry
	authSvc    *service.AuthService
	collector  *metrics.Collector
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server, wires up all routes and middleware, and returns it
// ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, gw *gateway.Gateway, backends *backend.Registry, authSvc *service.AuthService, collector *metrics.Collector, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		gw:        gw,
		backends:  backends,
		authSvc:   authSvc,
		collector: collector,
		logger:    logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.RateLimit(s.cfg.EdgeRequestsPerIP))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", SessionHeader},
		ExposedHeaders:   []string{"X-Request-ID", SessionHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- Prometheus scrape endpoint ---
	if s.collector != nil {
		r.Handle("/metrics", s.collector.Handler())
	}

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {

		// System endpoints require a service token
		r.Route("/system", func(r chi.Router) {
			r.Use(middleware.RequireServiceToken(s.authSvc))

			r.Get("/stats", s.handleStats)
			r.Get("/backends", s.handleListBackends)
		})

		// Gateway RPC surface, one route per backend
		r.Route("/{backendName}", func(r chi.Router) {
			r.Post("/rpc", s.handleRPC)
			r.Delete("/rpc", s.handleTerminate)
		})
	})

	s.router = r
}

// rpcRequest is the wire shape of one gateway call.
type rpcRequest struct {
	Method    string         `json:"method"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// handleRPC decodes one call and runs it through the pipeline. The session
// travels in the Mcp-Session-Id header, the API key in X-API-Key, and the
// service token (required for initialize) as a Bearer token.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)

	var req rpcRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	call := gateway.Call{
		Backend:      chi.URLParam(r, "backendName"),
		SessionID:    r.Header.Get(SessionHeader),
		Method:       req.Method,
		ToolName:     req.Tool,
		Arguments:    req.Arguments,
		ServiceToken: bearerToken(r),
		APIKey:       r.Header.Get("X-API-Key"),
		RequestID:    middleware.GetRequestID(r.Context()),
	}

	reply, err := s.gw.Handle(r.Context(), call)
	if err != nil {
		writeError(w, err)
		return
	}

	if reply.SessionID != "" {
		w.Header().Set(SessionHeader, reply.SessionID)
	}
	writeJSON(w, http.StatusOK, reply)
}

// handleTerminate closes the session named by the Mcp-Session-Id header.
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	call := gateway.Call{
		Backend:   chi.URLParam(r, "backendName"),
		SessionID: r.Header.Get(SessionHeader),
		Method:    gateway.MethodTerminate,
		APIKey:    r.Header.Get("X-API-Key"),
		RequestID: middleware.GetRequestID(r.Context()),
	}

	if _, err := s.gw.Handle(r.Context(), call); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStats reports per-backend pool, queue, and breaker statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"backends": s.gw.Stats(),
		"sessions": s.gw.Sessions().Len(),
	})
}

// handleListBackends reports the registered backend definitions.
func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"backends": s.backends.List(),
	})
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 while every breaker is
// closed, or 503 once any backend's circuit has opened.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	for _, bs := range s.gw.Stats() {
		checks[bs.Backend] = bs.Breaker
		if bs.BreakerState == breaker.StateOpen {
			status = "degraded"
		}
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before tearing down sessions and pools.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.gw.Close()
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
