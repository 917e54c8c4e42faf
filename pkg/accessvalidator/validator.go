// Package accessvalidator lets downstream services verify access tokens minted by the booking IAM server.
package accessvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	Clock      Clock
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "iam_claims"

const bearerPrefix = "Bearer "

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("access.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("access.validator.missing_issuer")
	ErrMissingAudience   = errors.New("access.validator.missing_audience")
	ErrMissingToken      = errors.New("access.validator.missing_token")
	ErrInvalidToken      = errors.New("access.validator.invalid_token")
	ErrTokenExpired      = errors.New("access.validator.expired")
	ErrRefreshToken      = errors.New("access.validator.refresh_token")
)

// Validator validates bearer access tokens.
type Validator struct {
	signingKey []byte
	issuer     string
	audience   string
	clock      Clock
}

// Claims mirror the payload of IAM access tokens.
type Claims struct {
	Email          string   `json:"email"`
	Role           string   `json:"role"`
	Permissions    []string `json:"permissions,omitempty"`
	RefreshTokenID string   `json:"refreshTokenId,omitempty"`
	jwt.RegisteredClaims
}

// GetUserID returns the subject, which is the numeric user id.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// HasPermission reports whether the token grants permission.
func (claims *Claims) HasPermission(permission string) bool {
	if claims == nil {
		return false
	}
	return slices.Contains(claims.Permissions, permission)
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("access.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("access.validator.new: %w", ErrMissingIssuer)
	}
	if strings.TrimSpace(configuration.Audience) == "" {
		return nil, fmt.Errorf("access.validator.new: %w", ErrMissingAudience)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		audience:   configuration.Audience,
		clock:      clock,
	}, nil
}

// ValidateToken parses tokenString and enforces signature, issuer, audience, and expiry.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(validator.issuer),
		jwt.WithAudience(validator.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time {
			return validator.clock.Now()
		}),
	)
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("access.validator.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || !parsedToken.Valid {
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.RefreshTokenID != "" {
		return nil, fmt.Errorf("access.validator.validate_token: %w", ErrRefreshToken)
	}
	return claims, nil
}

// ValidateRequest reads the Authorization header and validates the bearer token.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("access.validator.validate_request: %w", ErrMissingToken)
	}
	header := request.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, bearerPrefix)
	if !found {
		return nil, fmt.Errorf("access.validator.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateToken(token)
}

// GinMiddleware validates the bearer token and injects claims under contextKey.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
