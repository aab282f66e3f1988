package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/notifyrelay/internal/platform/version"
	"golang.org/x/sync/errgroup"
)

const (
	startupCheckTimeout   = 2 * time.Second
	readinessCheckTimeout = 5 * time.Second

	checkOK = "ok"
)

// HealthCheck tests one dependency the relay needs to move messages.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type livenessReport struct {
	Status        string  `json:"status"`
	Instance      string  `json:"instance,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.healthEndpoint(startupCheckTimeout))
	s.echo.GET("/health/ready", s.healthEndpoint(readinessCheckTimeout))
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/version", s.handleVersion)
}

// healthEndpoint runs every check concurrently and reports each result, so one slow
// dependency does not hide the state of the others.
func (s *Server) healthEndpoint(timeout time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		report, healthy := s.runHealthChecks(ctx)
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		if err := c.JSON(status, report); err != nil {
			return fmt.Errorf("failed to write health response: %w", err)
		}
		return nil
	}
}

func (s *Server) runHealthChecks(ctx context.Context) (healthReport, bool) {
	results := make([]error, len(s.healthChecks))
	var g errgroup.Group
	for i, hc := range s.healthChecks {
		g.Go(func() error {
			results[i] = hc.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	report := healthReport{Status: "ready", Checks: make(map[string]string, len(results))}
	healthy := true
	for i, err := range results {
		name := s.healthChecks[i].Name
		if err != nil {
			report.Checks[name] = err.Error()
			healthy = false
			continue
		}
		report.Checks[name] = checkOK
	}
	if !healthy {
		report.Status = "unavailable"
	}
	return report, healthy
}

func (s *Server) handleLiveness(c echo.Context) error {
	report := livenessReport{
		Status:        checkOK,
		Instance:      s.config.InstanceID,
		UptimeSeconds: s.clock.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, report); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get(s.config.InstanceID)); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
