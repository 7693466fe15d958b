// Package httpapi is the ops and admin surface: liveness, aggregated
// pipeline health, prometheus metrics, and the manual review queue.
package httpapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/config"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/health"
)

// Server hosts the echo application. It never carries pipeline traffic,
// only operator requests.
type Server struct {
	echo *echo.Echo
	addr string
	log  *zap.Logger
}

// NewServer assembles the echo app and mounts every handler. gatherer is the
// metrics registry the pipeline instruments are registered on.
func NewServer(cfg config.HTTP, registry *health.Registry, review *ReviewHandler, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(otelecho.Middleware("toll-pipeline"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/pipeline", func(c echo.Context) error {
		ov := registry.Snapshot()
		code := http.StatusOK
		if ov.State == domain.HealthUnhealthy {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, ov)
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	review.Register(e)

	return &Server{echo: e, addr: cfg.Addr, log: log.Named("httpapi")}
}

// Start serves until Shutdown. Blocks; run it on its own goroutine.
func (s *Server) Start() error {
	s.log.Info("ops API listening", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
