package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/notifyrelay/internal/domain"
)

const (
	DefaultHub = "chat"

	anonymousSubjectPrefix = "anon-"
)

type NegotiatorOptions struct {
	Hub string
	// PublicURL overrides the request base URL when set.
	PublicURL string
	TokenTTL  time.Duration
	Clock     clockwork.Clock
}

// Negotiator hands out connection info for the realtime transport.
// It is stateless: no registry entry exists until the client completes the handshake.
type Negotiator struct {
	endpoint domain.Endpoint
	tokens   domain.TokenIssuer
	opts     NegotiatorOptions
}

func NewNegotiator(endpoint domain.Endpoint, tokens domain.TokenIssuer, opts NegotiatorOptions) *Negotiator {
	if opts.Hub == "" {
		opts.Hub = DefaultHub
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")

	return &Negotiator{endpoint: endpoint, tokens: tokens, opts: opts}
}

func (n *Negotiator) Hub() string {
	return n.opts.Hub
}

// Negotiate returns the endpoint URL and an access token scoped to the hub.
// It fails with domain.ErrUpstreamUnavailable when the transport backend is unreachable.
func (n *Negotiator) Negotiate(ctx context.Context, req domain.NegotiateRequest) (*domain.ConnectionInfo, error) {
	if err := n.endpoint.Ping(ctx); err != nil {
		slog.WarnContext(ctx, "Transport backend unreachable", "hub", n.opts.Hub, "error", err)
		return nil, fmt.Errorf("negotiate: %w: %w", domain.ErrUpstreamUnavailable, err)
	}

	subject := strings.TrimSpace(req.UserID)
	if subject == "" {
		subject = anonymousSubjectPrefix + uuid.NewString()
	}

	token, err := n.tokens.Issue(domain.Grant{
		Subject:   subject,
		Hub:       n.opts.Hub,
		ExpiresAt: n.opts.Clock.Now().Add(n.opts.TokenTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("negotiate: issue token: %w", err)
	}

	base := n.opts.PublicURL
	if base == "" {
		base = strings.TrimRight(req.BaseURL, "/")
	}

	slog.DebugContext(ctx, "Negotiated connection", "hub", n.opts.Hub, "subject", subject)
	return &domain.ConnectionInfo{
		URL:         base + n.endpoint.Path(n.opts.Hub),
		AccessToken: token,
	}, nil
}
