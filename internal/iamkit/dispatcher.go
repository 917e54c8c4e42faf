package iamkit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// AuthType names a request authentication scheme.
type AuthType string

const (
	AuthTypeBearer  AuthType = "Bearer"
	AuthTypeApiKey  AuthType = "ApiKey"
	AuthTypeSession AuthType = "Session"
	AuthTypeNone    AuthType = "None"
)

const authorizationHeader = "Authorization"

// Authenticator resolves the identity of a request for one scheme.
// A nil identity with a nil error means the request passes without an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, request *http.Request) (*ActiveUserData, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, request *http.Request) (*ActiveUserData, error)

// Authenticate calls the function.
func (authenticate AuthenticatorFunc) Authenticate(ctx context.Context, request *http.Request) (*ActiveUserData, error) {
	return authenticate(ctx, request)
}

// AuthenticationDispatcher tries the schemes declared for a route in order.
type AuthenticationDispatcher struct {
	authenticators map[AuthType]Authenticator
}

// NewAuthenticationDispatcher constructs a dispatcher; AuthTypeNone is always registered.
func NewAuthenticationDispatcher(authenticators map[AuthType]Authenticator) *AuthenticationDispatcher {
	registered := make(map[AuthType]Authenticator, len(authenticators)+1)
	for authType, authenticator := range authenticators {
		registered[authType] = authenticator
	}
	if _, ok := registered[AuthTypeNone]; !ok {
		registered[AuthTypeNone] = AuthenticatorFunc(func(context.Context, *http.Request) (*ActiveUserData, error) {
			return nil, nil
		})
	}
	return &AuthenticationDispatcher{authenticators: registered}
}

// Authenticate returns the first successful scheme's identity, or the last scheme's error.
func (dispatcher *AuthenticationDispatcher) Authenticate(ctx context.Context, request *http.Request, authTypes []AuthType) (*ActiveUserData, error) {
	if len(authTypes) == 0 {
		authTypes = []AuthType{AuthTypeBearer}
	}
	lastErr := unauthenticated("dispatch", nil)
	for _, authType := range authTypes {
		authenticator, ok := dispatcher.authenticators[authType]
		if !ok {
			lastErr = unauthenticated("dispatch", fmt.Errorf("no authenticator for %q", string(authType)))
			continue
		}
		identity, err := authenticator.Authenticate(ctx, request)
		if err == nil {
			return identity, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// AccessTokenAuthenticator accepts "Authorization: Bearer <jwt>" access tokens.
type AccessTokenAuthenticator struct {
	issuer *TokenIssuer
}

// NewAccessTokenAuthenticator constructs the bearer scheme.
func NewAccessTokenAuthenticator(issuer *TokenIssuer) *AccessTokenAuthenticator {
	return &AccessTokenAuthenticator{issuer: issuer}
}

// Authenticate verifies the bearer token; refresh tokens are rejected.
func (authenticator *AccessTokenAuthenticator) Authenticate(ctx context.Context, request *http.Request) (*ActiveUserData, error) {
	token, err := extractCredential(request, AuthTypeBearer)
	if err != nil {
		return nil, err
	}
	claims, verifyErr := authenticator.issuer.Verify(token)
	if verifyErr != nil {
		return nil, unauthenticated("bearer", verifyErr)
	}
	if claims.RefreshTokenID != "" {
		return nil, unauthenticated("bearer", ErrInvalidToken)
	}
	identity := claims.Identity()
	return &identity, nil
}

// APIKeyAuthenticator accepts "Authorization: ApiKey <key>".
type APIKeyAuthenticator struct {
	keys *APIKeyService
}

// NewAPIKeyAuthenticator constructs the API key scheme.
func NewAPIKeyAuthenticator(keys *APIKeyService) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: keys}
}

// Authenticate resolves the key's owner.
func (authenticator *APIKeyAuthenticator) Authenticate(ctx context.Context, request *http.Request) (*ActiveUserData, error) {
	apiKey, err := extractCredential(request, AuthTypeApiKey)
	if err != nil {
		return nil, err
	}
	identity, authErr := authenticator.keys.Authenticate(ctx, apiKey)
	if authErr != nil {
		return nil, authErr
	}
	return &identity, nil
}

func extractCredential(request *http.Request, scheme AuthType) (string, error) {
	headerValue := request.Header.Get(authorizationHeader)
	prefix, credential, found := strings.Cut(headerValue, " ")
	if !found || prefix != string(scheme) || strings.TrimSpace(credential) == "" {
		return "", ErrMissingCredential
	}
	return strings.TrimSpace(credential), nil
}
