package iamkit

import (
	"context"
	"time"
)

// User is the persisted account referenced by the identity core.
type User struct {
	ID           uint         `gorm:"primaryKey"`
	Email        string       `gorm:"uniqueIndex;not null"`
	PasswordHash string       `gorm:"column:password"`
	Role         Role         `gorm:"not null"`
	Permissions  []Permission `gorm:"serializer:json;type:text"`
	TfaSecret    string
	IsTfaEnabled bool    `gorm:"not null;default:false"`
	GoogleID     *string `gorm:"uniqueIndex"`
	APIKeys      []APIKey
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// APIKey stores the hash of an issued key; the raw key is never persisted.
type APIKey struct {
	ID        uint   `gorm:"primaryKey"`
	UUID      string `gorm:"column:uuid;uniqueIndex;not null"`
	KeyHash   string `gorm:"column:key;not null"`
	UserID    uint   `gorm:"index;not null"`
	User      User
	CreatedAt time.Time
}

// UserStore persists and retrieves application users.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	FindUserByID(ctx context.Context, userID uint) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	FindUserByGoogleID(ctx context.Context, googleID string) (User, error)
	UpdateTfa(ctx context.Context, userID uint, secret string, enabled bool) error
}

// APIKeyStore persists API key records with their owning user.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, record *APIKey) error
	// FindAPIKeyByUUID returns the record with User populated.
	FindAPIKeyByUUID(ctx context.Context, lookupID string) (APIKey, error)
}

// RefreshTokenIDStore tracks the single live refresh-token-id per user.
type RefreshTokenIDStore interface {
	Insert(ctx context.Context, userID uint, tokenID string) error
	// Validate returns ErrInvalidatedRefreshToken when tokenID is not the live id.
	Validate(ctx context.Context, userID uint, tokenID string) (bool, error)
	Invalidate(ctx context.Context, userID uint) error
}

// RefreshTokenIDConsumer is implemented by stores able to compare-and-delete atomically.
type RefreshTokenIDConsumer interface {
	// Consume deletes the slot when it holds tokenID, else returns ErrInvalidatedRefreshToken.
	Consume(ctx context.Context, userID uint, tokenID string) error
}

// SessionStore keeps server-side sessions for cookie authentication.
type SessionStore interface {
	Create(ctx context.Context, identity ActiveUserData, ttl time.Duration) (sessionID string, err error)
	Load(ctx context.Context, sessionID string) (ActiveUserData, error)
	Destroy(ctx context.Context, sessionID string) error
}

func refreshTokenIDKey(userID uint) string {
	return "user-" + formatSubject(userID)
}
