package iamkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultSessionCookieName = "iam_session"

// CredentialVerifier resolves a user from password credentials.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, input SignInInput) (User, error)
}

// SessionAuthenticationService signs users into server-side sessions referenced by a cookie.
type SessionAuthenticationService struct {
	credentials CredentialVerifier
	sessions    SessionStore
	cookieName  string
	ttl         time.Duration
}

// NewSessionAuthenticationService constructs the service.
func NewSessionAuthenticationService(credentials CredentialVerifier, sessions SessionStore, cookieName string, ttl time.Duration) (*SessionAuthenticationService, error) {
	if ttl <= 0 {
		return nil, errors.New("session.config: ttl must be positive")
	}
	if strings.TrimSpace(cookieName) == "" {
		cookieName = defaultSessionCookieName
	}
	return &SessionAuthenticationService{
		credentials: credentials,
		sessions:    sessions,
		cookieName:  cookieName,
		ttl:         ttl,
	}, nil
}

// CookieName is the name of the session cookie.
func (service *SessionAuthenticationService) CookieName() string {
	return service.cookieName
}

// TTL is the lifetime of new sessions.
func (service *SessionAuthenticationService) TTL() time.Duration {
	return service.ttl
}

// SignIn verifies credentials and stores the identity; the returned id belongs in the cookie.
func (service *SessionAuthenticationService) SignIn(ctx context.Context, input SignInInput) (string, error) {
	user, err := service.credentials.VerifyCredentials(ctx, input)
	if err != nil {
		return "", err
	}
	sessionID, createErr := service.sessions.Create(ctx, identityFromUser(user), service.ttl)
	if createErr != nil {
		return "", fmt.Errorf("iam.session.sign_in: %w", createErr)
	}
	return sessionID, nil
}

// SignOut destroys the session; unknown ids are not an error.
func (service *SessionAuthenticationService) SignOut(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	if err := service.sessions.Destroy(ctx, sessionID); err != nil {
		return fmt.Errorf("iam.session.sign_out: %w", err)
	}
	return nil
}

// Authenticate implements the Session scheme by loading the cookie's session.
func (service *SessionAuthenticationService) Authenticate(ctx context.Context, request *http.Request) (*ActiveUserData, error) {
	sessionCookie, cookieErr := request.Cookie(service.cookieName)
	if cookieErr != nil || sessionCookie == nil || strings.TrimSpace(sessionCookie.Value) == "" {
		return nil, ErrMissingCredential
	}
	identity, loadErr := service.sessions.Load(ctx, sessionCookie.Value)
	if loadErr != nil {
		return nil, unauthenticated("session", loadErr)
	}
	return &identity, nil
}
