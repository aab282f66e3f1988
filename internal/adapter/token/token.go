// Package token issues and verifies the HMAC-signed access tokens handed out by /negotiate.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/notifyrelay/internal/domain"
)

const issuer = "notifyrelay"

type claims struct {
	Hub string `json:"hub"`
	jwt.RegisteredClaims
}

// Issuer signs grants with HS256.
type Issuer struct {
	secret []byte
	clock  clockwork.Clock
}

func NewIssuer(secret string, clock clockwork.Clock) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Issuer{secret: []byte(secret), clock: clock}, nil
}

func (i *Issuer) Issue(grant domain.Grant) (string, error) {
	if grant.Subject == "" || grant.Hub == "" {
		return "", errors.New("grant needs subject and hub")
	}

	now := i.clock.Now()
	c := claims{
		Hub: grant.Hub,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   grant.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(grant.ExpiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its grant. Every failure wraps domain.ErrInvalidToken.
func (i *Issuer) Verify(raw string) (*domain.Grant, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty token: %w", domain.ErrInvalidToken)
	}

	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidToken, err)
	}
	if c.Hub == "" || c.Subject == "" {
		return nil, fmt.Errorf("token without hub or subject: %w", domain.ErrInvalidToken)
	}

	var expires time.Time
	if c.ExpiresAt != nil {
		expires = c.ExpiresAt.Time
	}
	return &domain.Grant{Subject: c.Subject, Hub: c.Hub, ExpiresAt: expires}, nil
}
