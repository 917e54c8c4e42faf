package iamkit

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryUserStore is a user and API key store used for local runs and tests.
type MemoryUserStore struct {
	mutex      sync.RWMutex
	users      map[uint]User
	apiKeys    map[string]APIKey
	sequenceID uint
}

// NewMemoryUserStore constructs an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:   make(map[uint]User),
		apiKeys: make(map[string]APIKey),
	}
}

// CreateUser assigns an id and enforces unique email and Google id.
func (store *MemoryUserStore) CreateUser(ctx context.Context, user *User) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, existing := range store.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return ErrUserAlreadyExists
		}
		if user.GoogleID != nil && existing.GoogleID != nil && *existing.GoogleID == *user.GoogleID {
			return ErrUserAlreadyExists
		}
	}
	if user.Role == "" {
		user.Role = RoleRegular
	}
	store.sequenceID++
	user.ID = store.sequenceID
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	store.users[user.ID] = cloneUser(*user)
	return nil
}

// FindUserByID loads a user by id.
func (store *MemoryUserStore) FindUserByID(ctx context.Context, userID uint) (User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	user, ok := store.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return cloneUser(user), nil
}

// FindUserByEmail loads a user by email.
func (store *MemoryUserStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	return store.findFirst(func(user User) bool {
		return strings.EqualFold(user.Email, email)
	})
}

// FindUserByGoogleID loads a user by Google subject.
func (store *MemoryUserStore) FindUserByGoogleID(ctx context.Context, googleID string) (User, error) {
	return store.findFirst(func(user User) bool {
		return user.GoogleID != nil && *user.GoogleID == googleID
	})
}

// UpdateTfa stores the shared TOTP secret and the enabled flag.
func (store *MemoryUserStore) UpdateTfa(ctx context.Context, userID uint, secret string, enabled bool) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, ok := store.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.TfaSecret = secret
	user.IsTfaEnabled = enabled
	user.UpdatedAt = time.Now().UTC()
	store.users[userID] = user
	return nil
}

// CreateAPIKey inserts a record owned by an existing user.
func (store *MemoryUserStore) CreateAPIKey(ctx context.Context, record *APIKey) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, ok := store.users[record.UserID]; !ok {
		return ErrUserNotFound
	}
	if _, exists := store.apiKeys[record.UUID]; exists {
		return ErrUserAlreadyExists
	}
	record.ID = uint(len(store.apiKeys) + 1)
	record.CreatedAt = time.Now().UTC()
	stored := *record
	stored.User = User{}
	store.apiKeys[record.UUID] = stored
	return nil
}

// FindAPIKeyByUUID returns the record with its owning user joined.
func (store *MemoryUserStore) FindAPIKeyByUUID(ctx context.Context, lookupID string) (APIKey, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.apiKeys[lookupID]
	if !ok {
		return APIKey{}, ErrAPIKeyNotFound
	}
	owner, ok := store.users[record.UserID]
	if !ok {
		return APIKey{}, ErrAPIKeyNotFound
	}
	record.User = cloneUser(owner)
	return record, nil
}

func (store *MemoryUserStore) findFirst(matches func(User) bool) (User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	for _, user := range store.users {
		if matches(user) {
			return cloneUser(user), nil
		}
	}
	return User{}, ErrUserNotFound
}

func cloneUser(user User) User {
	user.Permissions = slices.Clone(user.Permissions)
	user.APIKeys = nil
	if user.GoogleID != nil {
		googleID := *user.GoogleID
		user.GoogleID = &googleID
	}
	return user
}
