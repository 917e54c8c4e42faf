package iamkit

import (
	"context"
	"sync"
)

// MemoryRefreshTokenIDStore is an in-memory slot-per-user store intended for tests and dev.
type MemoryRefreshTokenIDStore struct {
	mutex sync.Mutex
	slots map[string]string
}

// NewMemoryRefreshTokenIDStore creates an empty in-memory store.
func NewMemoryRefreshTokenIDStore() *MemoryRefreshTokenIDStore {
	return &MemoryRefreshTokenIDStore{slots: make(map[string]string)}
}

// Insert overwrites the live refresh-token-id for the user.
func (store *MemoryRefreshTokenIDStore) Insert(ctx context.Context, userID uint, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.slots[refreshTokenIDKey(userID)] = tokenID
	return nil
}

// Validate compares tokenID against the live id.
func (store *MemoryRefreshTokenIDStore) Validate(ctx context.Context, userID uint, tokenID string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	storedID, ok := store.slots[refreshTokenIDKey(userID)]
	if !ok || storedID != tokenID {
		return false, ErrInvalidatedRefreshToken
	}
	return true, nil
}

// Invalidate clears the slot for the user.
func (store *MemoryRefreshTokenIDStore) Invalidate(ctx context.Context, userID uint) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.slots, refreshTokenIDKey(userID))
	return nil
}

// Consume validates and clears the slot under one lock acquisition.
func (store *MemoryRefreshTokenIDStore) Consume(ctx context.Context, userID uint, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	key := refreshTokenIDKey(userID)
	storedID, ok := store.slots[key]
	if !ok || storedID != tokenID {
		return ErrInvalidatedRefreshToken
	}
	delete(store.slots, key)
	return nil
}
