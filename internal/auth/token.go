package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultIssuer   = "tourguide"
	DefaultAudience = "tourguide-api"
	DefaultTokenTTL = 24 * time.Hour

	minSecretLength = 32
)

// Claims are the identity claims carried in a bearer token.
type Claims struct {
	Email string `json:"email"`
	Role  Role   `json:"role"`
	jwt.RegisteredClaims
}

// IdentityID returns the subject of the token.
func (c *Claims) IdentityID() string { return c.Subject }

// TokenCodec issues and verifies HS256 bearer tokens. It performs no I/O.
type TokenCodec struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

// TokenOption configures a TokenCodec.
type TokenOption func(*TokenCodec) error

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) TokenOption {
	return func(c *TokenCodec) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
		return nil
	}
}

// WithAudience overrides the aud claim.
func WithAudience(audience string) TokenOption {
	return func(c *TokenCodec) error {
		if audience = strings.TrimSpace(audience); audience != "" {
			c.audience = audience
		}
		return nil
	}
}

// WithTokenTTL configures token lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(c *TokenCodec) error {
		if ttl < 0 {
			return fmt.Errorf("%w: token ttl must be positive", ErrInvalidInput)
		}
		if ttl > 0 {
			c.ttl = ttl
		}
		return nil
	}
}

// NewTokenCodec constructs a codec signing with secret.
func NewTokenCodec(secret []byte, opts ...TokenOption) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("%w: token secret must be at least %d bytes", ErrInvalidInput, minSecretLength)
	}
	c := &TokenCodec{
		secret:   append([]byte(nil), secret...),
		issuer:   DefaultIssuer,
		audience: DefaultAudience,
		ttl:      DefaultTokenTTL,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// TTL returns the lifetime of issued tokens.
func (c *TokenCodec) TTL() time.Duration { return c.ttl }

// Issue signs a token for identity valid from now for the codec TTL.
func (c *TokenCodec) Issue(identity *Identity, now time.Time) (string, time.Time, error) {
	if identity == nil || strings.TrimSpace(identity.ID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	now = now.UTC()
	exp := now.Add(c.ttl)
	claims := Claims{
		Email: identity.Email,
		Role:  identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   identity.ID,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	// exp is truncated to whole seconds in the token; report what the token says.
	return signed, claims.ExpiresAt.Time, nil
}

// Verify checks the signature and claims of token at now.
// Failures are *AuthenticationError of kind MalformedToken, InvalidSignature or ExpiredToken.
func (c *TokenCodec) Verify(token string, now time.Time) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, authnError(MissingToken)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, classifyTokenError(err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, authnError(MalformedToken)
	}
	return claims, nil
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return authnError(InvalidSignature)
	case errors.Is(err, jwt.ErrTokenExpired):
		return authnError(ExpiredToken)
	default:
		return authnError(MalformedToken)
	}
}
