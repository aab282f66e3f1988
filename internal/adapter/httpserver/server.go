package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/notifyrelay/internal/adapter/metrics"
	"github.com/pscheid92/notifyrelay/internal/domain"
	"github.com/pscheid92/notifyrelay/internal/platform/config"
)

type negotiator interface {
	Negotiate(ctx context.Context, req domain.NegotiateRequest) (*domain.ConnectionInfo, error)
}

// Realtime is the transport endpoint clients connect to after negotiating.
type Realtime struct {
	Path    string
	Handler http.Handler
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	negotiator negotiator
	realtime   Realtime

	httpMetrics    *metrics.HTTPMetrics
	metricsHandler http.Handler
	healthChecks   []HealthCheck
	startTime      time.Time
}

func NewServer(cfg *config.Config, negotiator negotiator, realtime Realtime, httpMetrics *metrics.HTTPMetrics, metricsHandler http.Handler, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	clock := clockwork.NewRealClock()
	srv := &Server{
		echo:           e,
		config:         cfg,
		clock:          clock,
		negotiator:     negotiator,
		realtime:       realtime,
		httpMetrics:    httpMetrics,
		metricsHandler: metricsHandler,
		healthChecks:   healthChecks,
		startTime:      clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port, "realtime_path", s.realtime.Path)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (s *Server) getBaseURL(c echo.Context) string {
	scheme := "http"
	if c.Request().TLS != nil {
		scheme = "https"
	}
	if fwdProto := c.Request().Header.Get("X-Forwarded-Proto"); fwdProto == "http" || fwdProto == "https" {
		scheme = fwdProto
	}
	return fmt.Sprintf("%s://%s", scheme, c.Request().Host)
}
