// Package auth issues and validates the bearer tokens protecting the local
// control API. Clients exchange the shared API secret for a short-lived JWT
// bound to their device identifier.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour

	tokenIssuer   = "flashnote-syncd"
	tokenAudience = "flashnote-app"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingAPISecret     = errors.New("api secret must be provided")
	errMissingDeviceID      = errors.New("device id must be provided")
	// ErrInvalidAPISecret reports a failed shared-secret exchange.
	ErrInvalidAPISecret = errors.New("api secret mismatch")
)

// TokenIssuerConfig configures the control-API JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	APISecret     []byte
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer exchanges the shared API secret for device-scoped JWTs and
// validates them on subsequent requests.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			APISecret:     cfg.APISecret,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// Exchange verifies the presented API secret and issues a signed JWT plus
// its lifetime in seconds for the device.
func (i *TokenIssuer) Exchange(_ context.Context, apiSecret, deviceID string) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if len(i.config.APISecret) == 0 {
		return "", 0, errMissingAPISecret
	}
	if deviceID == "" {
		return "", 0, errMissingDeviceID
	}
	if subtle.ConstantTimeCompare([]byte(apiSecret), i.config.APISecret) != 1 {
		return "", 0, ErrInvalidAPISecret
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   deviceID,
		Issuer:    tokenIssuer,
		Audience:  []string{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the JWT is well formed and returns the device id it
// was issued to.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingDeviceID
	}
	return claims.Subject, nil
}
