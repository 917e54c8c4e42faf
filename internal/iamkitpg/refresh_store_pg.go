package iamkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tyemirov/booking-iam/internal/iamkit"
)

// Executor is the subset of *pgxpool.Pool used by the store.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// PostgresRefreshTokenIDStore keeps one live refresh-token-id per user in PostgreSQL.
type PostgresRefreshTokenIDStore struct {
	executor Executor
	now      func() time.Time
}

// NewPostgresRefreshTokenIDStore constructs a store over a pool or transaction.
func NewPostgresRefreshTokenIDStore(executor Executor) *PostgresRefreshTokenIDStore {
	return &PostgresRefreshTokenIDStore{executor: executor, now: func() time.Time { return time.Now().UTC() }}
}

// Insert upserts the user's slot.
func (store *PostgresRefreshTokenIDStore) Insert(ctx context.Context, userID uint, tokenID string) error {
	_, err := store.executor.Exec(ctx, `
INSERT INTO refresh_token_ids (user_id, token_id, updated_at_unix)
VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET token_id = EXCLUDED.token_id, updated_at_unix = EXCLUDED.updated_at_unix
`, int64(userID), tokenID, store.now().Unix())
	if err != nil {
		return fmt.Errorf("refresh_store.pg.insert: %w", err)
	}
	return nil
}

// Validate compares tokenID against the live id.
func (store *PostgresRefreshTokenIDStore) Validate(ctx context.Context, userID uint, tokenID string) (bool, error) {
	var storedID string
	row := store.executor.QueryRow(ctx, `SELECT token_id FROM refresh_token_ids WHERE user_id = $1`, int64(userID))
	if scanErr := row.Scan(&storedID); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return false, iamkit.ErrInvalidatedRefreshToken
		}
		return false, fmt.Errorf("refresh_store.pg.validate: %w", scanErr)
	}
	if storedID != tokenID {
		return false, iamkit.ErrInvalidatedRefreshToken
	}
	return true, nil
}

// Invalidate deletes the user's slot.
func (store *PostgresRefreshTokenIDStore) Invalidate(ctx context.Context, userID uint) error {
	if _, err := store.executor.Exec(ctx, `DELETE FROM refresh_token_ids WHERE user_id = $1`, int64(userID)); err != nil {
		return fmt.Errorf("refresh_store.pg.invalidate: %w", err)
	}
	return nil
}

// Consume deletes the slot only while it still holds tokenID.
func (store *PostgresRefreshTokenIDStore) Consume(ctx context.Context, userID uint, tokenID string) error {
	tag, err := store.executor.Exec(ctx, `DELETE FROM refresh_token_ids WHERE user_id = $1 AND token_id = $2`, int64(userID), tokenID)
	if err != nil {
		return fmt.Errorf("refresh_store.pg.consume: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return iamkit.ErrInvalidatedRefreshToken
	}
	return nil
}
