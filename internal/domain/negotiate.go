package domain

import (
	"context"
	"time"
)

// NegotiateRequest is an anonymous negotiation request.
// UserID is an optional pass-through of an upstream auth context.
type NegotiateRequest struct {
	UserID  string
	BaseURL string
}

// ConnectionInfo is returned to clients so they can join the realtime transport.
type ConnectionInfo struct {
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`
}

// Grant is the content of an access token.
type Grant struct {
	Subject   string
	Hub       string
	ExpiresAt time.Time
}

type TokenIssuer interface {
	Issue(grant Grant) (string, error)
	Verify(token string) (*Grant, error)
}

// Endpoint describes where a transport accepts connections and whether
// its backend is reachable.
type Endpoint interface {
	Path(hub string) string
	Ping(ctx context.Context) error
}
