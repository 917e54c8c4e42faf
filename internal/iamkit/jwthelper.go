package iamkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenConfig carries the signing parameters for access and refresh tokens.
type TokenConfig struct {
	Secret          []byte
	Audience        string
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// TokenClaims are embedded in both access and refresh tokens.
type TokenClaims struct {
	Email          string       `json:"email,omitempty"`
	Role           Role         `json:"role,omitempty"`
	Permissions    []Permission `json:"permissions,omitempty"`
	RefreshTokenID string       `json:"refreshTokenId,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts verified access-token claims into an identity.
func (claims *TokenClaims) Identity() ActiveUserData {
	return ActiveUserData{
		Subject:        claims.Subject,
		Email:          claims.Email,
		Role:           claims.Role,
		Permissions:    claims.Permissions,
		RefreshTokenID: claims.RefreshTokenID,
	}
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a clock backed by time.Now.
func NewSystemClock() Clock {
	return systemClock{}
}

// TokenIssuer signs and verifies HS256 tokens bound to an issuer and audience.
type TokenIssuer struct {
	configuration TokenConfig
	clock         Clock
}

// NewTokenIssuer validates the configuration and constructs an issuer.
func NewTokenIssuer(configuration TokenConfig, clock Clock) (*TokenIssuer, error) {
	if len(configuration.Secret) == 0 {
		return nil, errors.New("jwt.config: secret must be non-empty")
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, errors.New("jwt.config: issuer must be non-empty")
	}
	if strings.TrimSpace(configuration.Audience) == "" {
		return nil, errors.New("jwt.config: audience must be non-empty")
	}
	if configuration.AccessTokenTTL <= 0 || configuration.RefreshTokenTTL <= 0 {
		return nil, errors.New("jwt.config: token ttls must be positive")
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenIssuer{configuration: configuration, clock: clock}, nil
}

// Sign creates a token for subject with the supplied claims and ttl.
func (issuer *TokenIssuer) Sign(subject string, ttl time.Duration, claims TokenClaims) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("jwt.mint.failure: subject must be non-empty")
	}
	if ttl <= 0 {
		return "", errors.New("jwt.mint.failure: ttl must be positive")
	}
	issuedAt := issuer.clock.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuer.configuration.Issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{issuer.configuration.Audience},
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(issuer.configuration.Secret)
	if err != nil {
		return "", fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return signed, nil
}

// SignAccessToken issues a short-lived token carrying email, role, and permissions.
func (issuer *TokenIssuer) SignAccessToken(user User) (string, error) {
	return issuer.Sign(formatSubject(user.ID), issuer.configuration.AccessTokenTTL, TokenClaims{
		Email:       user.Email,
		Role:        user.Role,
		Permissions: user.Permissions,
	})
}

// SignRefreshToken issues a long-lived token carrying only the refresh-token-id.
func (issuer *TokenIssuer) SignRefreshToken(user User, refreshTokenID string) (string, error) {
	return issuer.Sign(formatSubject(user.ID), issuer.configuration.RefreshTokenTTL, TokenClaims{
		RefreshTokenID: refreshTokenID,
	})
}

// Verify checks signature, issuer, audience, and expiry; every failure is ErrInvalidToken.
func (issuer *TokenIssuer) Verify(tokenString string) (*TokenClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrInvalidToken
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return issuer.configuration.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer.configuration.Issuer),
		jwt.WithAudience(issuer.configuration.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(issuer.clock.Now),
	)
	if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsedToken.Claims.(*TokenClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
