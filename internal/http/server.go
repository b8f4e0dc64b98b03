// Package http provides the node and rendezvous HTTP servers and the
// status API handlers.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jmylchreest/segswarm/internal/config"
	"github.com/jmylchreest/segswarm/internal/http/middleware"
	"github.com/jmylchreest/segswarm/internal/observability"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Host is the address to bind to (default: "0.0.0.0").
	Host string
	// Port is the port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration before timing out writes of the
	// response. Hijacked peer connections are not affected.
	WriteTimeout time.Duration
	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration
	// ShutdownTimeout is the maximum duration to wait for active connections to close.
	ShutdownTimeout time.Duration
	// LogAllRequests logs successful requests too.
	LogAllRequests bool
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ServerConfigFrom builds a ServerConfig from the loaded configuration.
func ServerConfigFrom(server config.ServerConfig, logging config.LoggingConfig) ServerConfig {
	cfg := DefaultServerConfig()
	cfg.Host = server.Host
	cfg.Port = server.Port
	if server.ReadTimeout > 0 {
		cfg.ReadTimeout = server.ReadTimeout
	}
	if server.WriteTimeout > 0 {
		cfg.WriteTimeout = server.WriteTimeout
	}
	if server.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = server.ShutdownTimeout
	}
	cfg.LogAllRequests = logging.EnableRequestLogging
	return cfg
}

// Server represents the HTTP server.
type Server struct {
	config     ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
	bound      atomic.Pointer[string]
}

// NewServer creates a new HTTP server with the given configuration.
// The version parameter is used in the OpenAPI document. Extra middleware
// runs after the built-in chain and before any route.
func NewServer(config ServerConfig, logger *slog.Logger, version string, extra ...func(http.Handler) http.Handler) *Server {
	logger = observability.WithComponent(observability.Or(logger), "http")
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()

	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.NewLoggingMiddleware(logger, config.LogAllRequests))
	router.Use(middleware.Recovery(logger))
	router.Use(extra...)

	// Peer websockets must see the raw connection.
	router.Use(middleware.SkipCompressionForUpgrades(chimiddleware.Compress(5)))

	humaConfig := huma.DefaultConfig("segswarm API", version)
	humaConfig.Info.Description = "Segment swarm node status and rendezvous API"

	api := humachi.New(router, humaConfig)

	s := &Server{
		config: config,
		router: router,
		api:    api,
		logger: logger,
	}
	s.httpServer = &http.Server{
		Addr:         s.Address(),
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// API returns the Huma API instance for registering operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the Chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Address returns the bound address once listening, else the configured
// one. Port 0 resolves to the kernel-assigned port after Start.
func (s *Server) Address() string {
	if addr := s.bound.Load(); addr != nil {
		return *addr
	}
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start listens and serves until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	addr := ln.Addr().String()
	s.bound.Store(&addr)
	s.logger.Info("starting HTTP server", slog.String("address", addr))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server", slog.Duration("timeout", s.config.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// ListenAndServe starts the server and handles graceful shutdown.
// It blocks until ctx is cancelled or the server fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}
