package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	mw "github.com/phenolog/phenolog/internal/api/middleware"
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/ingest"
	"github.com/phenolog/phenolog/internal/logger"
	"github.com/phenolog/phenolog/internal/observability"
	"github.com/phenolog/phenolog/internal/securefs"
)

// Server is the HTTP server of phenolog.
// It manages the Echo instance, middleware and all routes.
type Server struct {
	echo       *echo.Echo
	config     *Config
	log        logger.Logger
	metrics    *observability.Metrics
	controller *Controller

	wg        sync.WaitGroup
	errCh     chan error
	startTime time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithMetrics exposes the metrics registry on /metrics.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates a new HTTP server serving coord and the media root fsys.
func New(config *Config, coord *ingest.Coordinator, fsys *securefs.SecureFS, opts ...ServerOption) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.New(fmt.Errorf("invalid server configuration: %w", err)).
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}

	s := &Server{
		config:    config,
		errCh:     make(chan error, 1),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = GetLogger()
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Debug = config.Debug
	s.echo.HTTPErrorHandler = s.handleHTTPError
	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.controller = NewController(coord, fsys, config.AccountHeader, s.log)

	s.setupMiddleware()
	s.setupRoutes()

	s.log.Info("HTTP server initialized", logger.String("config", config.String()))
	return s, nil
}

// setupMiddleware configures middleware applied to every route.
func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(mw.TraceID())
	s.echo.Use(mw.NewRequestLoggerWithSkipper(s.log, func(c echo.Context) bool {
		// scrapes and health probes are too frequent to log
		p := c.Path()
		return p == "/metrics" || p == "/api/v1/health"
	}))
}

// setupRoutes registers all HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/api/v1/health", s.healthCheck)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/observations", s.controller.CreateObservation,
		echomw.BodyLimit(s.config.BodyLimit),
		mw.NewUploadRateLimiter(s.config.RateLimit, s.config.RateBurst, s.config.AccountHeader))
	v1.GET("/observations/:id", s.controller.GetObservation)
	v1.DELETE("/observations/:id", s.controller.DeleteObservation)
	v1.GET("/experiments/:id/observations", s.controller.ListObservations)
	v1.GET("/experiments/:id/matrix", s.controller.GetMatrix)

	s.echo.GET(s.config.MediaPrefix+"/*", s.controller.ServeMedia)

	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

// healthCheck handles GET /api/v1/health
func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

// Start begins serving HTTP requests in a background goroutine.
// Use Shutdown() to stop the server.
func (s *Server) Start() {
	s.wg.Go(func() {
		s.log.Info("Starting HTTP server", logger.String("address", s.config.Listen))
		if err := s.echo.Start(s.config.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server stopped", logger.Error(err))
			s.errCh <- err
		}
	})
}

// Run starts the server and blocks until ctx is done or the listener fails,
// then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	s.Start()
	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("Shutdown requested, stopping HTTP server")
	case runErr = <-s.errCh:
	}
	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.wg.Wait()
	s.log.Info("HTTP server stopped")
	return nil
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
