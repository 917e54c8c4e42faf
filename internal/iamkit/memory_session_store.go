package iamkit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memorySession struct {
	identity  ActiveUserData
	expiresAt time.Time
}

// MemorySessionStore keeps sessions in process memory.
type MemorySessionStore struct {
	mutex    sync.Mutex
	sessions map[string]memorySession
	now      func() time.Time
}

// NewMemorySessionStore constructs an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]memorySession),
		now:      time.Now,
	}
}

// Create stores identity under a fresh random session id.
func (store *MemorySessionStore) Create(ctx context.Context, identity ActiveUserData, ttl time.Duration) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	sessionID := uuid.NewString()
	store.sessions[sessionID] = memorySession{identity: identity, expiresAt: store.now().Add(ttl)}
	return sessionID, nil
}

// Load returns the identity for sessionID or ErrSessionNotFound.
func (store *MemorySessionStore) Load(ctx context.Context, sessionID string) (ActiveUserData, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	session, ok := store.sessions[sessionID]
	if !ok {
		return ActiveUserData{}, ErrSessionNotFound
	}
	if store.now().After(session.expiresAt) {
		delete(store.sessions, sessionID)
		return ActiveUserData{}, ErrSessionNotFound
	}
	return session.identity, nil
}

// Destroy deletes the session; unknown ids are ignored.
func (store *MemorySessionStore) Destroy(ctx context.Context, sessionID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.sessions, sessionID)
	return nil
}

func (store *MemorySessionStore) purgeExpiredLocked() {
	if len(store.sessions) == 0 {
		return
	}
	now := store.now()
	for sessionID, session := range store.sessions {
		if now.After(session.expiresAt) {
			delete(store.sessions, sessionID)
		}
	}
}
