// Package http serves a read-only status API over workflow checkpoints.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/humanizer/internal/logging"
	"github.com/fyrsmithlabs/humanizer/internal/state"
)

// Store is the part of the state store the API reads.
type Store interface {
	WorkflowLister
	Snapshot(ctx context.Context, id string) (*state.WorkflowState, error)
	ListBackups(ctx context.Context, id string) ([]state.Backup, error)
}

// Server provides the status endpoints.
type Server struct {
	echo     *echo.Echo
	store    Store
	logger   *logging.Logger
	config   *Config
	registry *prometheus.Registry
	now      func() time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Meter records request metrics when set.
	Meter metric.Meter
}

// NewServer creates a new HTTP server.
func NewServer(store Store, logger *logging.Logger, cfg *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}
	logger = logger.Named("http")

	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	if err := registry.Register(NewWorkflowCollector(store, logger)); err != nil {
		return nil, fmt.Errorf("register workflow collector: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.Meter != nil {
		e.Use(NewHTTPMetrics(cfg.Meter, logger).MetricsMiddleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		store:    store,
		logger:   logger,
		config:   cfg,
		registry: registry,
		now:      time.Now,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/workflows", s.handleListWorkflows)
	v1.GET("/workflows/:id", s.handleWorkflow)
	v1.GET("/workflows/:id/log", s.handleLog)
	v1.GET("/workflows/:id/backups", s.handleBackups)
}

// Echo returns the underlying router.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	summaries, err := s.store.ListWorkflows(c.Request().Context())
	if err != nil {
		return s.storeError(c, err)
	}
	if summaries == nil {
		summaries = []state.Summary{}
	}
	return c.JSON(http.StatusOK, WorkflowsResponse{
		Workflows: summaries,
		Counts:    CountByStatus(summaries),
	})
}

func (s *Server) handleWorkflow(c echo.Context) error {
	st, err := s.store.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, state.Summarize(st, s.now()))
}

func (s *Server) handleLog(c echo.Context) error {
	st, err := s.store.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, LogResponse{WorkflowID: st.WorkflowID, Entries: state.ProcessingLog(st)})
}

// handleBackups lists backups even when the live checkpoint is unreadable,
// since that is when they are needed.
func (s *Server) handleBackups(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	backups, err := s.store.ListBackups(ctx, id)
	if err != nil {
		return s.storeError(c, err)
	}
	if len(backups) == 0 {
		if _, err := s.store.Snapshot(ctx, id); errors.Is(err, state.ErrNotFound) {
			return s.storeError(c, err)
		}
		backups = []state.Backup{}
	}
	return c.JSON(http.StatusOK, BackupsResponse{WorkflowID: id, Backups: backups})
}

func (s *Server) storeError(c echo.Context, err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, state.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, state.ErrInvalidID):
		code = http.StatusBadRequest
	case errors.Is(err, state.ErrLockTimeout):
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "status request failed",
			zap.String("uri", c.Request().RequestURI), zap.Error(err))
	}
	return c.JSON(code, ErrorResponse{Error: err.Error()})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
