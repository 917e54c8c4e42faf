package iamkit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordingAuthenticator struct {
	identity *ActiveUserData
	err      error
	calls    int
}

func (authenticator *recordingAuthenticator) Authenticate(ctx context.Context, request *http.Request) (*ActiveUserData, error) {
	authenticator.calls++
	return authenticator.identity, authenticator.err
}

func TestDispatcherReturnsLastError(t *testing.T) {
	apiKeyErr := errors.New("api key failure")
	bearerErr := errors.New("bearer failure")
	apiKey := &recordingAuthenticator{err: apiKeyErr}
	bearer := &recordingAuthenticator{err: bearerErr}
	dispatcher := NewAuthenticationDispatcher(map[AuthType]Authenticator{
		AuthTypeApiKey: apiKey,
		AuthTypeBearer: bearer,
	})

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := dispatcher.Authenticate(context.Background(), request, []AuthType{AuthTypeApiKey, AuthTypeBearer})
	if !errors.Is(err, bearerErr) {
		t.Fatalf("expected last scheme's error, got %v", err)
	}
	if apiKey.calls != 1 || bearer.calls != 1 {
		t.Fatalf("expected both schemes to run once, got %d and %d", apiKey.calls, bearer.calls)
	}
}

func TestDispatcherShortCircuitsOnSuccess(t *testing.T) {
	apiKey := &recordingAuthenticator{identity: &ActiveUserData{Subject: "7"}}
	bearer := &recordingAuthenticator{err: errors.New("unused")}
	dispatcher := NewAuthenticationDispatcher(map[AuthType]Authenticator{
		AuthTypeApiKey: apiKey,
		AuthTypeBearer: bearer,
	})

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	identity, err := dispatcher.Authenticate(context.Background(), request, []AuthType{AuthTypeApiKey, AuthTypeBearer})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity == nil || identity.Subject != "7" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if bearer.calls != 0 {
		t.Fatalf("bearer must not run after apikey succeeded")
	}
}

func TestDispatcherDefaultsToBearerAndNonePasses(t *testing.T) {
	bearer := &recordingAuthenticator{identity: &ActiveUserData{Subject: "1"}}
	dispatcher := NewAuthenticationDispatcher(map[AuthType]Authenticator{AuthTypeBearer: bearer})
	request := httptest.NewRequest(http.MethodGet, "/", nil)

	if _, err := dispatcher.Authenticate(context.Background(), request, nil); err != nil || bearer.calls != 1 {
		t.Fatalf("expected bearer default, err=%v calls=%d", err, bearer.calls)
	}
	identity, err := dispatcher.Authenticate(context.Background(), request, []AuthType{AuthTypeNone})
	if err != nil || identity != nil {
		t.Fatalf("expected passthrough without identity, got %+v, %v", identity, err)
	}
	if _, err := dispatcher.Authenticate(context.Background(), request, []AuthType{AuthTypeSession}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("unregistered scheme should be unauthenticated, got %v", err)
	}
}

func TestAccessTokenAuthenticator(t *testing.T) {
	issuer := newTestTokenIssuer(t, newControllableClock())
	authenticator := NewAccessTokenAuthenticator(issuer)
	user := User{ID: 3, Email: "a@x.com", Role: RoleAdmin, Permissions: []Permission{PermissionDeleteProduct}}

	accessToken, err := issuer.SignAccessToken(user)
	if err != nil {
		t.Fatalf("sign access failed: %v", err)
	}
	refreshToken, err := issuer.SignRefreshToken(user, "refresh-id")
	if err != nil {
		t.Fatalf("sign refresh failed: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("Authorization", "Bearer "+accessToken)
	identity, authErr := authenticator.Authenticate(context.Background(), request)
	if authErr != nil {
		t.Fatalf("expected access token to authenticate: %v", authErr)
	}
	if identity.Subject != "3" || identity.Role != RoleAdmin || !identity.HasPermission(PermissionDeleteProduct) {
		t.Fatalf("unexpected identity: %+v", identity)
	}

	cases := map[string]string{
		"missing header":   "",
		"wrong scheme":     "ApiKey " + accessToken,
		"no credential":    "Bearer ",
		"refresh token":    "Bearer " + refreshToken,
		"tampered":         "Bearer " + accessToken + "x",
		"lowercase scheme": "bearer " + accessToken,
	}
	for name, header := range cases {
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			request.Header.Set("Authorization", header)
		}
		if _, err := authenticator.Authenticate(context.Background(), request); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected unauthenticated, got %v", name, err)
		}
	}
}

func TestAccessTokenAuthenticatorRejectsForeignAudience(t *testing.T) {
	clock := newControllableClock()
	foreignConfig := newTestTokenConfig()
	foreignConfig.Audience = "another-api"
	foreignIssuer, err := NewTokenIssuer(foreignConfig, clock)
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	token, err := foreignIssuer.SignAccessToken(User{ID: 1, Email: "a@x.com", Role: RoleRegular})
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	authenticator := NewAccessTokenAuthenticator(newTestTokenIssuer(t, clock))
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	if _, err := authenticator.Authenticate(context.Background(), request); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected audience mismatch to fail, got %v", err)
	}
}

func TestAPIKeyAuthenticatorMissingPrefix(t *testing.T) {
	authenticator := NewAPIKeyAuthenticator(NewAPIKeyService(newTestHasher(), NewMemoryUserStore()))
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("Authorization", "Bearer something")
	if _, err := authenticator.Authenticate(context.Background(), request); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}
