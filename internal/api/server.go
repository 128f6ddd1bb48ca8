package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/plughost/internal/auth"
	"github.com/mattjoyce/plughost/internal/events"
	"github.com/mattjoyce/plughost/internal/history"
	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/protocol"
	"github.com/mattjoyce/plughost/internal/supervisor"
)

// Supervisor is the process manager surface the API drives.
type Supervisor interface {
	StartServer(ctx context.Context, desc *plugin.Plugin) error
	StopServer(ctx context.Context, name string) error
	RestartServer(ctx context.Context, name string) error
	CallTool(ctx context.Context, name, tool string, args any) (json.RawMessage, error)
	ListTools(ctx context.Context, name string) ([]protocol.Tool, error)
	GetServerInfo(name string) (supervisor.ServerInfo, bool)
	Servers(names ...string) []supervisor.ServerInfo
}

// PluginRegistry defines the interface for plugin lookups.
type PluginRegistry interface {
	Get(name string) (*plugin.Plugin, bool)
	All() map[string]*plugin.Plugin
	Names() []string
}

// HistoryLister reads persisted lifecycle entries.
type HistoryLister interface {
	List(ctx context.Context, plugin string, limit int) ([]history.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token (full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// MaxCallTimeout caps how long a tool call request may hold the connection.
	MaxCallTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	supervisor Supervisor
	registry   PluginRegistry
	history    HistoryLister
	events     *events.Hub
	metrics    http.Handler
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance. history and metrics may be nil.
func New(config Config, sup Supervisor, registry PluginRegistry, hist HistoryLister, hub *events.Hub, metrics http.Handler, logger *slog.Logger) *Server {
	if config.MaxCallTimeout <= 0 {
		config.MaxCallTimeout = 10 * time.Minute
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &Server{
		config:     config,
		supervisor: sup,
		registry:   registry,
		history:    hist,
		events:     hub,
		metrics:    metrics,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.config.MaxCallTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler without binding a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeServersRead)).Get("/servers", s.handleListServers)
		r.With(s.requireScopes(auth.ScopeServersRead)).Get("/servers/{name}", s.handleGetServer)
		r.With(s.requireScopes(auth.ScopeServersRead)).Get("/servers/{name}/history", s.handleServerHistory)
		r.With(s.requireScopes(auth.ScopeServersRead)).Get("/openapi.json", s.handleOpenAPI)

		r.With(s.requireScopes(auth.ScopeServersWrite)).Post("/servers/{name}/start", s.handleStartServer)
		r.With(s.requireScopes(auth.ScopeServersWrite)).Post("/servers/{name}/stop", s.handleStopServer)
		r.With(s.requireScopes(auth.ScopeServersWrite)).Post("/servers/{name}/restart", s.handleRestartServer)

		r.With(s.requireScopes(auth.ScopeToolsCall)).Get("/servers/{name}/tools", s.handleListTools)
		r.With(s.requireScopes(auth.ScopeToolsCall)).Post("/servers/{name}/tools/{tool}", s.handleCallTool)

		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
