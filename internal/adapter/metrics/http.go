package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	routeUnmatched  = "unmatched"
	upgradeAccepted = "upgraded"
)

// HTTPMetrics tracks negotiate traffic and realtime upgrade attempts.
type HTTPMetrics struct {
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	InFlightGauge   prometheus.Gauge
	// Upgrades counts handshakes on the realtime route by outcome: "upgraded"
	// or the status code the handshake was refused with.
	Upgrades *prometheus.CounterVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds, excluding realtime connections.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status_code"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests, excluding realtime connections.",
		}, []string{"method", "route", "status_code"}),
		InFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of HTTP requests currently being processed.",
		}),
		Upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "realtime_upgrades_total",
			Help:      "Realtime handshakes by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.RequestDuration, m.RequestsTotal, m.InFlightGauge, m.Upgrades)
	return m
}

// Middleware records request metrics. Requests on realtimePath hold a
// connection open for its whole lifetime, so they are counted by handshake
// outcome instead of timed. /metrics and /health/* are skipped.
func (m *HTTPMetrics) Middleware(realtimePath string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if route == "/metrics" || strings.HasPrefix(route, "/health/") {
				return next(c)
			}

			if realtimePath != "" && route == realtimePath {
				err := next(c)
				m.Upgrades.WithLabelValues(upgradeOutcome(responseStatus(c, err))).Inc()
				return err
			}

			m.InFlightGauge.Inc()
			defer m.InFlightGauge.Dec()

			var err error
			timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
				status := responseStatus(c, err)
				label := route
				if status == http.StatusNotFound || status == http.StatusMethodNotAllowed || label == "" {
					label = routeUnmatched
				}
				code := strconv.Itoa(status)
				m.RequestDuration.WithLabelValues(c.Request().Method, label, code).Observe(v)
				m.RequestsTotal.WithLabelValues(c.Request().Method, label, code).Inc()
			}))

			err = next(c)
			timer.ObserveDuration()
			return err
		}
	}
}

// responseStatus is the status the client will see. Errors returned up the
// chain are rendered by echo's error handler after this middleware runs.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	return http.StatusInternalServerError
}

// upgradeOutcome treats anything below 400 as upgraded: a hijacked
// connection never writes a status through the echo response.
func upgradeOutcome(status int) string {
	if status < http.StatusBadRequest {
		return upgradeAccepted
	}
	return strconv.Itoa(status)
}
