package httpserver

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/notifyrelay/internal/platform/errors"
	"golang.org/x/time/rate"
)

// Idle per-client buckets are dropped after this long.
const negotiateLimiterExpiry = 5 * time.Minute

// negotiateLimiter caps how often one client address may negotiate. CORS
// preflights are free so a browser's OPTIONS does not spend the budget of
// the request it precedes.
func negotiateLimiter(perSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(perSecond),
		Burst:     burst,
		ExpiresIn: negotiateLimiterExpiry,
	})
	retryAfter := retryAfterSeconds(perSecond)

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().Method == http.MethodOptions
		},
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, client string, _ error) error {
			c.Response().Header().Set("Retry-After", retryAfter)
			return HandleError(c, apperrors.RateLimitedError("rate limit exceeded").WithContext("client", client))
		},
	})
}

// retryAfterSeconds is the time one token takes to refill, at least a second.
func retryAfterSeconds(perSecond float64) string {
	if perSecond <= 0 {
		return "60"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/perSecond))))
}
