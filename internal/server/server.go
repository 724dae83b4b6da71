// Package server exposes the HTTP trigger, run status, health and metrics.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/checkpoint"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/dataflow"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/logging"
)

// APIKeyHeader carries the trigger credential
const APIKeyHeader = "X-Api-Key"

// Starter queues a start message for a pipeline.
type Starter interface {
	Trigger(ctx context.Context, pipeline, trigger, requestID string) (dataflow.StartMessage, error)
}

// StatusReader returns persisted run state.
type StatusReader interface {
	Status(ctx context.Context, pipeline string) (*checkpoint.RunState, error)
	StatusAll(ctx context.Context) ([]*checkpoint.RunState, error)
}

// Options configures the server.
type Options struct {
	Addr        string
	APIKey      string
	MetricsPath string // empty disables /metrics
	Gatherer    prometheus.Gatherer
}

// Server is the HTTP surface of the service.
type Server struct {
	echo    *echo.Echo
	opts    Options
	starter Starter
	status  StatusReader
	log     logging.Component
}

// New builds the server and its routes.
func New(opts Options, starter Starter, status StatusReader) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, opts: opts, starter: starter, status: status, log: logging.For("server")}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("%s %s %d (%s)", v.Method, v.URI, v.Status, v.Latency.Round(time.Millisecond))
			return nil
		},
	}))

	e.GET("/healthz", s.health)
	api := e.Group("/api/dataflows")
	api.GET("", s.listStatus)
	api.GET("/:pipeline", s.getStatus)
	api.POST("/:pipeline/start", s.start, s.requireAPIKey)

	if opts.MetricsPath != "" && opts.Gatherer != nil {
		e.GET(opts.MetricsPath, echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening on %s", s.opts.Addr)
		if err := s.echo.Start(s.opts.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// requireAPIKey rejects requests without the configured key. An empty
// configured key rejects everything.
func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		got := c.Request().Header.Get(APIKeyHeader)
		if s.opts.APIKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.APIKey)) != 1 {
			s.log.Warn("rejected trigger for %s from %s", c.Param("pipeline"), c.RealIP())
			return c.JSON(http.StatusForbidden, errorBody("forbidden"))
		}
		return next(c)
	}
}

func (s *Server) start(c echo.Context) error {
	requestID := c.Request().Header.Get(echo.HeaderXRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	msg, err := s.starter.Trigger(c.Request().Context(), c.Param("pipeline"), "http", requestID)
	switch {
	case errors.Is(err, dataflow.ErrUnknownPipeline):
		return c.JSON(http.StatusNotFound, errorBody(err.Error()))
	case err != nil:
		s.log.Error("triggering %s: %v", c.Param("pipeline"), err)
		return c.JSON(http.StatusInternalServerError, errorBody("could not queue start"))
	}
	return c.JSON(http.StatusCreated, msg)
}

func (s *Server) getStatus(c echo.Context) error {
	st, err := s.status.Status(c.Request().Context(), c.Param("pipeline"))
	switch {
	case errors.Is(err, dataflow.ErrUnknownPipeline):
		return c.JSON(http.StatusNotFound, errorBody(err.Error()))
	case err != nil:
		s.log.Error("reading status of %s: %v", c.Param("pipeline"), err)
		return c.JSON(http.StatusInternalServerError, errorBody("could not read status"))
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) listStatus(c echo.Context) error {
	states, err := s.status.StatusAll(c.Request().Context())
	if err != nil {
		s.log.Error("listing status: %v", err)
		return c.JSON(http.StatusInternalServerError, errorBody("could not read status"))
	}
	return c.JSON(http.StatusOK, states)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
