package backend

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const issuer = "auditwatch"

// JWTSource mints short-lived HS256 bearer tokens for the audit backend.
// It satisfies oauth2.TokenSource so it can sit behind oauth2.Transport.
type JWTSource struct {
	secret  []byte
	subject string
	ttl     time.Duration
	now     func() time.Time
}

func NewJWTSource(secret, subject string, ttl time.Duration) *JWTSource {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTSource{secret: []byte(secret), subject: subject, ttl: ttl, now: time.Now}
}

func (s *JWTSource) Token() (*oauth2.Token, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   s.subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("backend.JWTSource.Token: %w", err)
	}

	return &oauth2.Token{AccessToken: signed, TokenType: "Bearer", Expiry: exp}, nil
}
