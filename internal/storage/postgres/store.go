// Package postgres provides a Postgres-backed ConnectionStore for
// multi-instance deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dynamiq/connecthub/internal/integrations"
	"github.com/dynamiq/connecthub/internal/storage"
)

// Store persists connections in Postgres.
type Store struct {
	pool   *pgxpool.Pool
	codec  *storage.Codec
	logger *zap.Logger
	now    func() time.Time
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string, codec *storage.Codec, logger *zap.Logger) (*Store, error) {
	if codec == nil {
		return nil, errors.New("postgres: codec is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool, codec: codec, logger: logger, now: time.Now}
	if _, err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("postgres connection store ready")
	return s, nil
}

// Migrate applies pending schema migrations and reports how many ran.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	return runMigrations(ctx, s.pool)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const selectColumns = `user_id, provider, provider_account_id, access_token, refresh_token,
	token_type, scopes, expires_at, metadata, connected_at, updated_at`

func (s *Store) Upsert(ctx context.Context, conn *integrations.Connection) error {
	row, err := s.codec.Encode(conn)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	connectedAt := row.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = now
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO connections (
			user_id, provider, provider_account_id, access_token, refresh_token,
			token_type, scopes, expires_at, metadata, connected_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			provider_account_id = CASE WHEN EXCLUDED.provider_account_id = '' THEN connections.provider_account_id ELSE EXCLUDED.provider_account_id END,
			access_token = EXCLUDED.access_token,
			refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN connections.refresh_token ELSE EXCLUDED.refresh_token END,
			token_type = EXCLUDED.token_type,
			scopes = EXCLUDED.scopes,
			expires_at = EXCLUDED.expires_at,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		row.UserID, row.Provider, row.AccountID, row.AccessToken, row.RefreshToken,
		row.TokenType, row.Scopes, nullTime(row.ExpiresAt), row.Metadata, connectedAt, now,
	)
	if err != nil {
		return fmt.Errorf("upsert connection %s/%s: %w", row.UserID, row.Provider, err)
	}
	return nil
}

func (s *Store) FindByUser(ctx context.Context, userID string, provider integrations.Provider) (*integrations.Connection, error) {
	r := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM connections WHERE user_id = $1 AND provider = $2`,
		userID, string(provider))
	return s.scan(r)
}

func (s *Store) FindByProviderAccount(ctx context.Context, provider integrations.Provider, accountID string) (*integrations.Connection, error) {
	if accountID == "" {
		return nil, integrations.ErrConnectionNotFound
	}
	r := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM connections
		WHERE provider = $1 AND provider_account_id = $2
		ORDER BY connected_at LIMIT 1`,
		string(provider), accountID)
	return s.scan(r)
}

func (s *Store) UpdateTokens(ctx context.Context, userID string, provider integrations.Provider, accessToken, refreshToken string, expiresAt time.Time) error {
	access, refresh, err := s.codec.SealRefreshed(accessToken, refreshToken)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE connections SET
			access_token = $1,
			refresh_token = CASE WHEN $2::text = '' THEN refresh_token ELSE $2::text END,
			expires_at = $3,
			updated_at = $4
		WHERE user_id = $5 AND provider = $6`,
		access, refresh, nullTime(expiresAt), s.now().UTC(), userID, string(provider))
	if err != nil {
		return fmt.Errorf("update tokens %s/%s: %w", userID, provider, err)
	}
	if tag.RowsAffected() == 0 {
		return integrations.ErrConnectionNotFound
	}
	return nil
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]*integrations.Connection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM connections WHERE user_id = $1 ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections for %s: %w", userID, err)
	}
	defer rows.Close()

	var result []*integrations.Connection
	for rows.Next() {
		conn, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list connections for %s: %w", userID, err)
	}
	return result, nil
}

func (s *Store) scan(r pgx.Row) (*integrations.Connection, error) {
	var (
		row       storage.Row
		expiresAt *time.Time
	)
	err := r.Scan(&row.UserID, &row.Provider, &row.AccountID, &row.AccessToken, &row.RefreshToken,
		&row.TokenType, &row.Scopes, &expiresAt, &row.Metadata, &row.ConnectedAt, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, integrations.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	if expiresAt != nil {
		row.ExpiresAt = *expiresAt
	}
	return s.codec.Decode(&row)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

var _ integrations.ConnectionStore = (*Store)(nil)
