package iamkit

import (
	"net/http"
	"time"
)

// ServerConfig configures token signing, TTLs, cookies, and third-party identity.
type ServerConfig struct {
	JWTSecret         []byte
	JWTAudience       string
	JWTIssuer         string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	GoogleClientID    string
	TfaAppName        string
	BcryptCost        int
	SessionCookieName string
	SessionTTL        time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
}

// TokenConfig extracts the signing parameters shared by the issuer and validators.
func (configuration ServerConfig) TokenConfig() TokenConfig {
	return TokenConfig{
		Secret:          configuration.JWTSecret,
		Audience:        configuration.JWTAudience,
		Issuer:          configuration.JWTIssuer,
		AccessTokenTTL:  configuration.AccessTokenTTL,
		RefreshTokenTTL: configuration.RefreshTokenTTL,
	}
}
