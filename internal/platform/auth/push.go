// Package auth verifies the OIDC tokens the push channel attaches to each
// delivery, so only the configured subscription can drive the webhook.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	DefaultIssuer  = "https://accounts.google.com"
	DefaultJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

	// PushEmailKey is the echo context key holding the verified caller email.
	PushEmailKey = "push_email"
)

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrIssuer        = errors.New("token issuer not accepted")
	ErrEmail         = errors.New("token email not accepted")
	ErrEmailVerified = errors.New("token email not verified")
)

// PushConfig configures push token verification.
type PushConfig struct {
	// Audience must match the token aud claim. Push subscriptions default it
	// to the endpoint URL.
	Audience string
	// Issuer accepted with or without the https:// scheme.
	Issuer string
	// JWKSURL serves the signing keys. When empty it is discovered from
	// Issuer.
	JWKSURL string
	// Email, when set, must equal the token email claim and be verified.
	Email string
	// SigningKey switches to HS256 verification. Development only.
	SigningKey []byte
	// Leeway tolerates clock skew on exp/iat/nbf.
	Leeway time.Duration
}

// PushClaims are the claims of a push token.
type PushClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// PushVerifier checks push tokens.
type PushVerifier struct {
	cfg     PushConfig
	keys    *KeySet
	parser  *jwt.Parser
	issuers map[string]bool
	logger  zerolog.Logger
}

// NewPushVerifier resolves the key source and returns a verifier. Discovery
// failures are returned so a misconfigured issuer fails at startup rather
// than on every delivery.
func NewPushVerifier(ctx context.Context, cfg PushConfig, logger zerolog.Logger) (*PushVerifier, error) {
	if cfg.Audience == "" {
		return nil, errors.New("push auth: audience is required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}

	v := &PushVerifier{
		cfg:     cfg,
		issuers: acceptedIssuers(cfg.Issuer),
		logger:  logger,
	}

	methods := []string{"RS256"}
	if len(cfg.SigningKey) > 0 {
		methods = []string{"HS256"}
	} else {
		client := NewHTTPClient(logger, 10*time.Second)
		jwksURL := cfg.JWKSURL
		if jwksURL == "" {
			p, err := Discover(ctx, client, cfg.Issuer)
			if err != nil {
				return nil, fmt.Errorf("push auth: %w", err)
			}
			jwksURL = p.JWKSURI
		}
		v.keys = NewKeySet(jwksURL, defaultKeyTTL, client)
	}

	v.parser = jwt.NewParser(
		jwt.WithValidMethods(methods),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(cfg.Leeway),
	)
	return v, nil
}

// Verify parses and validates a raw token.
func (v *PushVerifier) Verify(ctx context.Context, raw string) (*PushClaims, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}

	claims := &PushClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, v.keyFunc(ctx)); err != nil {
		return nil, err
	}
	if !v.issuers[claims.Issuer] {
		return nil, fmt.Errorf("%w: %q", ErrIssuer, claims.Issuer)
	}
	if v.cfg.Email != "" {
		if !strings.EqualFold(claims.Email, v.cfg.Email) {
			return nil, fmt.Errorf("%w: %q", ErrEmail, claims.Email)
		}
		if !claims.EmailVerified {
			return nil, ErrEmailVerified
		}
	}
	return claims, nil
}

// Middleware rejects deliveries without a valid push token with 401.
func (v *PushVerifier) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := v.Verify(c.Request().Context(), strings.TrimSpace(parts[1]))
			if err != nil {
				rid, _ := c.Get("request_id").(string)
				v.logger.Warn().Err(err).Str("request_id", rid).Msg("push token rejected")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid push token")
			}

			c.Set(PushEmailKey, claims.Email)
			return next(c)
		}
	}
}

func (v *PushVerifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		if len(v.cfg.SigningKey) > 0 {
			return v.cfg.SigningKey, nil
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return v.keys.Key(ctx, kid)
	}
}

// acceptedIssuers returns issuer with and without its https:// scheme; the
// Google issuer emits both forms.
func acceptedIssuers(issuer string) map[string]bool {
	issuer = strings.TrimRight(issuer, "/")
	bare := strings.TrimPrefix(issuer, "https://")
	return map[string]bool{issuer: true, bare: true, "https://" + bare: true}
}
