package iamkit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

func newTestTokenConfig() TokenConfig {
	return TokenConfig{
		Secret:          []byte("test-signing-secret"),
		Audience:        "booking-api",
		Issuer:          "booking-iam",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}
}

func newTestTokenIssuer(t *testing.T, clock Clock) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(newTestTokenConfig(), clock)
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}
	return issuer
}

func newTestHasher() *BcryptHasher {
	return NewBcryptHasher(bcrypt.MinCost)
}

type authenticationFixture struct {
	service    *AuthenticationService
	users      *MemoryUserStore
	refreshIDs *MemoryRefreshTokenIDStore
	issuer     *TokenIssuer
	clock      *controllableClock
	metrics    *CounterMetrics
}

func newAuthenticationFixture(t *testing.T, options ...AuthenticationOption) authenticationFixture {
	t.Helper()
	clock := newControllableClock()
	issuer := newTestTokenIssuer(t, clock)
	users := NewMemoryUserStore()
	refreshIDs := NewMemoryRefreshTokenIDStore()
	metrics := NewCounterMetrics()
	options = append([]AuthenticationOption{WithMetrics(metrics)}, options...)
	service := NewAuthenticationService(users, newTestHasher(), issuer, refreshIDs, options...)
	return authenticationFixture{
		service:    service,
		users:      users,
		refreshIDs: refreshIDs,
		issuer:     issuer,
		clock:      clock,
		metrics:    metrics,
	}
}

func mustSignUp(t *testing.T, service *AuthenticationService, email string, password string) User {
	t.Helper()
	user, err := service.SignUp(context.Background(), SignUpInput{Email: email, Password: password})
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	return user
}

func newSQLiteUserStore(t *testing.T) *DatabaseUserStore {
	t.Helper()
	databaseURL := "sqlite://" + filepath.ToSlash(filepath.Join(t.TempDir(), "users.db"))
	store, err := NewDatabaseUserStore(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("failed to create sqlite user store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
