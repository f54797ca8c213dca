package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// GatewayClaims is what the gateway needs from an access token: who is
// connecting and from which device. Token issuance lives elsewhere; the
// gateway only verifies.
type GatewayClaims struct {
	UserID   string
	DeviceID string
}

type gatewayTokenClaims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"deviceId"`
}

// TokenVerifier validates access tokens against the identity provider's
// JWKS endpoint.
type TokenVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewTokenVerifier fetches and caches the JWKS, retrying while the identity
// provider comes up.
func NewTokenVerifier(jwksURL, issuer string) (*TokenVerifier, error) {
	slog.Info("Initializing JWKS token verifier", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS endpoint", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	return &TokenVerifier{jwks: jwks, issuer: issuer}, nil
}

// Verify parses and validates an access token and extracts the gateway
// claims. The token subject is the user id; a missing deviceId claim gets
// an empty device id.
func (v *TokenVerifier) Verify(tokenString string) (*GatewayClaims, error) {
	claims := &gatewayTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return &GatewayClaims{UserID: claims.Subject, DeviceID: claims.DeviceID}, nil
}
