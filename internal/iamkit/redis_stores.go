package iamkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig addresses the Redis instance holding refresh slots and sessions.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// OpenRedis connects and pings; callers own the returned client and must Close it at shutdown.
func OpenRedis(ctx context.Context, configuration RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(configuration.Addr) == "" {
		return nil, errors.New("redis.open: addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     configuration.Addr,
		Password: configuration.Password,
		DB:       configuration.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.open.ping: %w", err)
	}
	return client, nil
}

var consumeRefreshTokenIDScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// RedisRefreshTokenIDStore keeps one refresh-token-id per user under "user-<id>".
type RedisRefreshTokenIDStore struct {
	client redis.UniversalClient
}

// NewRedisRefreshTokenIDStore wraps an open client.
func NewRedisRefreshTokenIDStore(client redis.UniversalClient) *RedisRefreshTokenIDStore {
	return &RedisRefreshTokenIDStore{client: client}
}

// Insert overwrites the live refresh-token-id for the user.
func (store *RedisRefreshTokenIDStore) Insert(ctx context.Context, userID uint, tokenID string) error {
	if err := store.client.Set(ctx, refreshTokenIDKey(userID), tokenID, 0).Err(); err != nil {
		return fmt.Errorf("refresh_store.redis.insert: %w", err)
	}
	return nil
}

// Validate compares tokenID against the live id.
func (store *RedisRefreshTokenIDStore) Validate(ctx context.Context, userID uint, tokenID string) (bool, error) {
	storedID, err := store.client.Get(ctx, refreshTokenIDKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrInvalidatedRefreshToken
	}
	if err != nil {
		return false, fmt.Errorf("refresh_store.redis.validate: %w", err)
	}
	if storedID != tokenID {
		return false, ErrInvalidatedRefreshToken
	}
	return true, nil
}

// Invalidate clears the slot for the user.
func (store *RedisRefreshTokenIDStore) Invalidate(ctx context.Context, userID uint) error {
	if err := store.client.Del(ctx, refreshTokenIDKey(userID)).Err(); err != nil {
		return fmt.Errorf("refresh_store.redis.invalidate: %w", err)
	}
	return nil
}

// Consume runs compare-and-delete as one script so concurrent replicas cannot both redeem.
func (store *RedisRefreshTokenIDStore) Consume(ctx context.Context, userID uint, tokenID string) error {
	deleted, err := consumeRefreshTokenIDScript.Run(ctx, store.client, []string{refreshTokenIDKey(userID)}, tokenID).Int()
	if err != nil {
		return fmt.Errorf("refresh_store.redis.consume: %w", err)
	}
	if deleted != 1 {
		return ErrInvalidatedRefreshToken
	}
	return nil
}

const redisSessionKeyPrefix = "sess:"

// RedisSessionStore serialises identities as JSON under "sess:<id>" with a TTL.
type RedisSessionStore struct {
	client redis.UniversalClient
}

// NewRedisSessionStore wraps an open client.
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

// Create stores identity under a fresh random session id.
func (store *RedisSessionStore) Create(ctx context.Context, identity ActiveUserData, ttl time.Duration) (string, error) {
	payload, marshalErr := json.Marshal(identity)
	if marshalErr != nil {
		return "", fmt.Errorf("session_store.redis.create: %w", marshalErr)
	}
	sessionID := uuid.NewString()
	if err := store.client.Set(ctx, redisSessionKeyPrefix+sessionID, payload, ttl).Err(); err != nil {
		return "", fmt.Errorf("session_store.redis.create: %w", err)
	}
	return sessionID, nil
}

// Load returns the identity for sessionID or ErrSessionNotFound.
func (store *RedisSessionStore) Load(ctx context.Context, sessionID string) (ActiveUserData, error) {
	if strings.TrimSpace(sessionID) == "" {
		return ActiveUserData{}, ErrSessionNotFound
	}
	payload, err := store.client.Get(ctx, redisSessionKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ActiveUserData{}, ErrSessionNotFound
	}
	if err != nil {
		return ActiveUserData{}, fmt.Errorf("session_store.redis.load: %w", err)
	}
	var identity ActiveUserData
	if err := json.Unmarshal(payload, &identity); err != nil {
		return ActiveUserData{}, fmt.Errorf("session_store.redis.load: %w", err)
	}
	return identity, nil
}

// Destroy deletes the session.
func (store *RedisSessionStore) Destroy(ctx context.Context, sessionID string) error {
	if err := store.client.Del(ctx, redisSessionKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("session_store.redis.destroy: %w", err)
	}
	return nil
}
