package iamkit

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/api/idtoken"
)

type validatorResult struct {
	payload          *idtoken.Payload
	err              error
	expectedAudience string
}

type fakeGoogleValidator struct {
	results map[string]validatorResult
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	result, ok := validator.results[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	if result.expectedAudience != "" && result.expectedAudience != audience {
		return nil, errors.New("audience mismatch")
	}
	return result.payload, result.err
}

type stubTokenGenerator struct {
	users []User
}

func (generator *stubTokenGenerator) GenerateTokens(ctx context.Context, user User) (Tokens, error) {
	generator.users = append(generator.users, user)
	return Tokens{AccessToken: "access-" + formatSubject(user.ID), RefreshToken: "refresh"}, nil
}

// racingUserStore reports a duplicate on create after a concurrent request inserted the user.
type racingUserStore struct {
	*MemoryUserStore
	winner *User
}

func (store *racingUserStore) CreateUser(ctx context.Context, user *User) error {
	if store.winner != nil {
		winner := *store.winner
		store.winner = nil
		if err := store.MemoryUserStore.CreateUser(ctx, &winner); err != nil {
			return err
		}
	}
	return store.MemoryUserStore.CreateUser(ctx, user)
}

func googlePayload(subject string, email string) *idtoken.Payload {
	return &idtoken.Payload{
		Subject: subject,
		Claims: map[string]interface{}{
			"sub":   subject,
			"email": email,
		},
	}
}

func newFakeValidator(token string, payload *idtoken.Payload) *fakeGoogleValidator {
	return &fakeGoogleValidator{results: map[string]validatorResult{
		token: {payload: payload, expectedAudience: "client-id"},
	}}
}

func TestGoogleAuthenticateCreatesThenReusesUser(t *testing.T) {
	users := NewMemoryUserStore()
	generator := &stubTokenGenerator{}
	service := NewGoogleAuthenticationService("client-id", newFakeValidator("valid", googlePayload("g-1", "g@x.com")), users, generator)

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := service.Authenticate(context.Background(), "valid"); err != nil {
			t.Fatalf("attempt %d failed: %v", attempt, err)
		}
	}
	if len(generator.users) != 2 || generator.users[0].ID != generator.users[1].ID {
		t.Fatalf("expected the same user both times, got %+v", generator.users)
	}
	stored, err := users.FindUserByGoogleID(context.Background(), "g-1")
	if err != nil || stored.Email != "g@x.com" || stored.Role != RoleRegular {
		t.Fatalf("unexpected stored user: %+v, %v", stored, err)
	}
}

func TestGoogleAuthenticateResolvesConcurrentCreate(t *testing.T) {
	googleID := "g-race"
	users := &racingUserStore{
		MemoryUserStore: NewMemoryUserStore(),
		winner:          &User{Email: "race@x.com", GoogleID: &googleID, Role: RoleRegular},
	}
	generator := &stubTokenGenerator{}
	service := NewGoogleAuthenticationService("client-id", newFakeValidator("valid", googlePayload(googleID, "race@x.com")), users, generator)

	if _, err := service.Authenticate(context.Background(), "valid"); err != nil {
		t.Fatalf("expected race to resolve to existing user, got %v", err)
	}
	if len(generator.users) != 1 || generator.users[0].Email != "race@x.com" {
		t.Fatalf("unexpected token recipients: %+v", generator.users)
	}
}

func TestGoogleAuthenticateEmailOwnedByPasswordAccount(t *testing.T) {
	users := NewMemoryUserStore()
	password := User{Email: "taken@x.com", PasswordHash: "hash"}
	if err := users.CreateUser(context.Background(), &password); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	service := NewGoogleAuthenticationService("client-id", newFakeValidator("valid", googlePayload("g-2", "taken@x.com")), users, &stubTokenGenerator{})

	_, err := service.Authenticate(context.Background(), "valid")
	if !errors.Is(err, ErrUserAlreadyExists) {
		t.Fatalf("expected ErrUserAlreadyExists, got %v", err)
	}
}

func TestGoogleAuthenticateRejectsInvalidTokens(t *testing.T) {
	validator := &fakeGoogleValidator{results: map[string]validatorResult{
		"no-email":  {payload: googlePayload("g-3", ""), expectedAudience: "client-id"},
		"wrong-aud": {payload: googlePayload("g-4", "w@x.com"), expectedAudience: "other-client"},
	}}
	service := NewGoogleAuthenticationService("client-id", validator, NewMemoryUserStore(), &stubTokenGenerator{})

	for _, token := range []string{"", "unknown", "no-email", "wrong-aud"} {
		if _, err := service.Authenticate(context.Background(), token); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("token %q: expected unauthenticated, got %v", token, err)
		}
	}
}
