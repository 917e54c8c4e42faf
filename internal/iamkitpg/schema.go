package iamkitpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS refresh_token_ids (
    user_id BIGINT PRIMARY KEY,
    token_id TEXT NOT NULL,
    updated_at_unix BIGINT NOT NULL
);
`

type schemaExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the refresh slot table if it does not exist.
func EnsureSchema(ctx context.Context, executor schemaExecutor) error {
	_, err := executor.Exec(ctx, schemaSQL)
	return err
}
