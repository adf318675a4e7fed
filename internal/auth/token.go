package auth

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"event-certs/certificate-backend/internal/apperrors"
)

// Claims are the bearer token claims the service relies on.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenConfig selects how bearer tokens are checked. Either Secret (HS256)
// or PublicKeyPEM (RS256/ES256) must be set.
type TokenConfig struct {
	Secret       string
	PublicKeyPEM string
	Issuer       string
	Audience     string
	Leeway       time.Duration
}

// TokenVerifier validates bearer credentials independently of the caller.
type TokenVerifier struct {
	key     interface{}
	methods []string
	opts    []jwt.ParserOption
}

func NewTokenVerifier(cfg TokenConfig) (*TokenVerifier, error) {
	v := &TokenVerifier{}
	switch {
	case cfg.PublicKeyPEM != "":
		block, _ := pem.Decode([]byte(strings.ReplaceAll(cfg.PublicKeyPEM, `\n`, "\n")))
		if block == nil {
			return nil, apperrors.Configuration("token public key is not PEM encoded", nil)
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, apperrors.Configuration("invalid token public key", err)
		}
		v.key = pub
		v.methods = []string{"RS256", "ES256"}
	case cfg.Secret != "":
		v.key = []byte(cfg.Secret)
		v.methods = []string{"HS256"}
	default:
		return nil, apperrors.Configuration("no token verification key configured", nil)
	}

	v.opts = []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		v.opts = append(v.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		v.opts = append(v.opts, jwt.WithAudience(cfg.Audience))
	}
	return v, nil
}

// Verify parses and validates raw, returning its claims.
func (v *TokenVerifier) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, v.opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.Authorization("bearer token has expired", err)
		}
		return nil, apperrors.Authorization("invalid bearer token", err)
	}
	if !token.Valid {
		return nil, apperrors.Authorization("invalid bearer token", nil)
	}
	claims.Email = strings.ToLower(strings.TrimSpace(claims.Email))
	if claims.Email == "" {
		return nil, apperrors.Authorization("bearer token has no email claim", nil)
	}
	return claims, nil
}

// IssueToken signs an HS256 token for email. Intended for operators and
// tests using a shared secret.
func IssueToken(secret, email, issuer string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret is required")
	}
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
