package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchMetrics_Recorder(t *testing.T) {
	reg := NewRegistry()
	m := NewDispatchMetrics(reg)

	m.MessageDispatched("delivered", 3, 10*time.Millisecond)
	m.MessageDispatched("delivered", 1, time.Millisecond)
	m.MessageDispatched("malformed", 0, 0)
	m.AckFailed()
	m.DequeueRetried()
	m.DequeueRetried()

	assert.InDelta(t, 2, testutil.ToFloat64(m.MessagesDispatched.WithLabelValues("delivered")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesDispatched.WithLabelValues("malformed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.AckFailures), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.DequeueRetries), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.MembersPerMessage))
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	reg := NewRegistry()
	ws := NewWebSocketMetrics(reg)
	_ = NewRedisMetrics(reg)
	ws.ActiveConnections.Set(4)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "notifyrelay_websocket_active_connections 4"))
	assert.Contains(t, body, "go_goroutines")
}

func TestNewDatabaseMetrics_Registers(t *testing.T) {
	reg := NewRegistry()
	m := NewDatabaseMetrics(reg)

	m.QueryErrors.WithLabelValues("INSERT").Inc()
	m.DeadLettersRecorded.Inc()

	assert.InDelta(t, 1, testutil.ToFloat64(m.QueryErrors.WithLabelValues("INSERT")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.DeadLettersRecorded), 0)
	assert.Panics(t, func() { NewDatabaseMetrics(reg) })
}

func TestHTTPMetrics_Middleware(t *testing.T) {
	m := NewHTTPMetrics(NewRegistry())
	e := echo.New()
	e.Use(m.Middleware("/client/"))
	e.GET("/negotiate", func(c echo.Context) error { return c.String(http.StatusOK, "{}") })
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/client/", func(c echo.Context) error {
		if c.QueryParam("access_token") == "" {
			return c.String(http.StatusUnauthorized, "Unauthorized")
		}
		// a successful handshake hijacks the connection without writing a status
		return nil
	})

	for _, target := range []string{"/negotiate", "/negotiate", "/health/live", "/client/", "/client/?access_token=t", "/nope"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	assert.InDelta(t, 2, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/negotiate", "200")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Upgrades.WithLabelValues("401")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Upgrades.WithLabelValues("upgraded")), 0)
	// health and realtime routes stay out of the request series
	assert.Equal(t, 2, testutil.CollectAndCount(m.RequestsTotal))
	assert.InDelta(t, 0, testutil.ToFloat64(m.InFlightGauge), 0)
}
