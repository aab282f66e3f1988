package httpserver

import (
	"context"
	"net/http"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/notifyrelay/internal/domain"
	"github.com/pscheid92/notifyrelay/internal/platform/config"
)

// --- Mock implementations ---

type mockNegotiator struct {
	negotiateFn func(ctx context.Context, req domain.NegotiateRequest) (*domain.ConnectionInfo, error)
	requests    []domain.NegotiateRequest
}

func (m *mockNegotiator) Negotiate(ctx context.Context, req domain.NegotiateRequest) (*domain.ConnectionInfo, error) {
	m.requests = append(m.requests, req)
	if m.negotiateFn != nil {
		return m.negotiateFn(ctx, req)
	}
	return &domain.ConnectionInfo{URL: req.BaseURL + "/client/?hub=chat", AccessToken: "token"}, nil
}

// --- Test helpers ---

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:             "development",
		Port:               "0",
		InstanceID:         "relay-test",
		NegotiateRateLimit: 100,
		NegotiateRateBurst: 100,
	}
}

func newTestServer(t *testing.T, negotiator negotiator, opts ...func(*Server)) *Server {
	t.Helper()

	clock := clockwork.NewFakeClock()
	srv := &Server{
		echo:       echo.New(),
		config:     testConfig(),
		clock:      clock,
		negotiator: negotiator,
		startTime:  clock.Now(),
	}

	for _, opt := range opts {
		opt(srv)
	}

	// Register routes so endpoints are available for testing
	srv.registerRoutes()

	return srv
}

func withHealthChecks(checks ...HealthCheck) func(*Server) {
	return func(s *Server) {
		s.healthChecks = checks
	}
}

func withConfig(mutate func(*config.Config)) func(*Server) {
	return func(s *Server) {
		mutate(s.config)
	}
}

func withRealtime(path string, h http.Handler) func(*Server) {
	return func(s *Server) {
		s.realtime = Realtime{Path: path, Handler: h}
	}
}

func withMetricsHandler(h http.Handler) func(*Server) {
	return func(s *Server) {
		s.metricsHandler = h
	}
}
