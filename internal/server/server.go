// Package server wires the protocol server and the sandbox origin server
// together: configuration, logging, metrics, the tool engine, the session
// registry, and the HTTP surfaces on their two ports.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/toolframe/toolframe/internal/api/http"
	"github.com/toolframe/toolframe/internal/api/middleware"
	"github.com/toolframe/toolframe/internal/infrastructure/config"
	"github.com/toolframe/toolframe/internal/infrastructure/logging"
	"github.com/toolframe/toolframe/internal/infrastructure/monitoring"
	"github.com/toolframe/toolframe/internal/sandbox"
	"github.com/toolframe/toolframe/internal/sandbox/guest"
	"github.com/toolframe/toolframe/internal/session"
	"github.com/toolframe/toolframe/internal/tools"
)

const shutdownTimeout = 10 * time.Second

// Server runs the protocol endpoint and the sandbox origin side by side.
type Server struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *session.Registry

	protocol *http.Server
	origin   *http.Server
}

// New assembles the full server from configuration.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	metrics, promReg := monitoring.NewDefault()

	engine := tools.NewEngine(tools.Config{
		CountdownTick: cfg.Tools.CountdownTick,
	}, logger).WithMetrics(metrics)

	registry := session.NewRegistry(engine, logger).WithMetrics(metrics)

	// The engine needs the registry for per-tick transport lookup and for
	// handle tracking, and the registry needs the engine as its handler.
	// Bind closes the loop after both exist.
	engine.Bind(
		func(sessionID string) (tools.Notifier, bool) {
			return registry.Transport(sessionID)
		},
		func(sessionID string, h *tools.Handle) (func(), bool) {
			return registry.Track(sessionID, h)
		},
	)

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Trace(logger))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	apihttp.NewHandlers(registry, logger, metrics).Routes(router)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	originRouter := gin.New()
	originRouter.Use(gin.Recovery())
	sandbox.NewOriginServer(sandbox.OriginConfig{
		Origin:           cfg.Sandbox.Origin,
		AllowedReferrers: cfg.Sandbox.AllowedReferrers,
	}, guest.Runner(logger), logger).
		WithMetrics(metrics).
		Routes(originRouter)

	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		protocol: &http.Server{
			Addr:    fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
			Handler: router,
		},
		origin: &http.Server{
			Addr:    fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Sandbox.Port),
			Handler: originRouter,
		},
	}, nil
}

// Run starts both listeners and blocks until one fails or the context ends.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("protocol server listening", zap.String("addr", s.protocol.Addr))
		if err := s.protocol.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("protocol server: %w", err)
		}
	}()
	go func() {
		s.logger.Info("sandbox origin listening", zap.String("addr", s.origin.Addr))
		if err := s.origin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("sandbox origin: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains both listeners and tears down every live session. Session
// teardown cancels any streaming tools still ticking.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.registry.CloseAll()

	var first error
	if err := s.protocol.Shutdown(ctx); err != nil {
		first = err
	}
	if err := s.origin.Shutdown(ctx); err != nil && first == nil {
		first = err
	}
	s.logger.Info("server stopped")
	return first
}
