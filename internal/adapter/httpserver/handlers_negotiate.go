package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/notifyrelay/internal/domain"
	apperrors "github.com/pscheid92/notifyrelay/internal/platform/errors"
)

const (
	headerUserID    = "X-User-ID"
	maxUserIDLength = 128
)

// handleNegotiate hands an anonymous client the realtime URL and an access token.
func (s *Server) handleNegotiate(c echo.Context) error {
	userID := strings.TrimSpace(c.Request().Header.Get(headerUserID))
	if userID == "" {
		userID = strings.TrimSpace(c.QueryParam("userId"))
	}
	if len(userID) > maxUserIDLength {
		return apperrors.ValidationError("user id too long").WithContext("max_length", maxUserIDLength)
	}

	info, err := s.negotiator.Negotiate(c.Request().Context(), domain.NegotiateRequest{
		UserID:  userID,
		BaseURL: s.getBaseURL(c),
	})
	if errors.Is(err, domain.ErrUpstreamUnavailable) {
		return apperrors.UnavailableError("realtime service unavailable", err)
	}
	if err != nil {
		return apperrors.InternalError("failed to negotiate connection", err)
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	if err := c.JSON(http.StatusOK, info); err != nil {
		return fmt.Errorf("failed to write negotiate response: %w", err)
	}
	return nil
}
