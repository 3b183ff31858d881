package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/mlflow-authorizer/internal/domain/auth"
)

const (
	getSecretSQL = `SELECT payload::text FROM secrets WHERE name = $1`

	putSecretSQL = `INSERT INTO secrets (name, payload, updated_at)
	VALUES ($1, $2::jsonb, now())
	ON CONFLICT (name) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`
)

var _ auth.SecretStore = (*SecretStore)(nil)

// SecretStore provides secret payload lookups backed by PostgreSQL.
type SecretStore struct {
	pool *pgxpool.Pool
}

// NewSecretStore returns a SecretStore that uses the given pool.
func NewSecretStore(pool *pgxpool.Pool) *SecretStore {
	return &SecretStore{pool: pool}
}

// SecretValue returns the JSON payload stored under name.
// Returns an error wrapping auth.ErrSecretNotFound when no row exists.
func (s *SecretStore) SecretValue(ctx context.Context, name string) ([]byte, error) {
	var payload string
	if err := s.pool.QueryRow(ctx, getSecretSQL, name).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("secret %q: %w", name, auth.ErrSecretNotFound)
		}
		return nil, fmt.Errorf("finding secret %q: %w", name, err)
	}
	return []byte(payload), nil
}

// PutSecret creates or replaces the payload stored under name.
func (s *SecretStore) PutSecret(ctx context.Context, name string, payload []byte) error {
	if _, err := s.pool.Exec(ctx, putSecretSQL, name, string(payload)); err != nil {
		return fmt.Errorf("storing secret %q: %w", name, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *SecretStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
