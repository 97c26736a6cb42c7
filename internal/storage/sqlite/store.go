// Package sqlite provides a SQLite-backed ConnectionStore.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dynamiq/connecthub/internal/integrations"
	"github.com/dynamiq/connecthub/internal/storage"
)

// FileName is the database file created under the data directory.
const FileName = "connections.db"

// Store persists connections in SQLite. Tokens are sealed before they are
// written.
type Store struct {
	db     *sql.DB
	codec  *storage.Codec
	logger *zap.Logger
	now    func() time.Time
}

// Open creates dataDir if needed, opens the database and applies pending
// migrations.
func Open(ctx context.Context, dataDir string, codec *storage.Codec, logger *zap.Logger) (*Store, error) {
	if codec == nil {
		return nil, errors.New("sqlite: codec is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, codec: codec, logger: logger, now: time.Now}
	if _, err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sqlite connection store ready", zap.String("path", dbPath))
	return s, nil
}

// Migrate applies pending schema migrations and reports how many ran.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	return runMigrations(ctx, s.db)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectColumns = `user_id, provider, provider_account_id, access_token, refresh_token,
	token_type, scopes, expires_at, metadata, connected_at, updated_at`

func (s *Store) Upsert(ctx context.Context, conn *integrations.Connection) error {
	row, err := s.codec.Encode(conn)
	if err != nil {
		return err
	}
	now := s.now()
	connectedAt := row.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = now
	}

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO connections (
		user_id, provider, provider_account_id, access_token, refresh_token,
		token_type, scopes, expires_at, metadata, connected_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, provider) DO UPDATE SET
		provider_account_id = CASE WHEN excluded.provider_account_id = '' THEN connections.provider_account_id ELSE excluded.provider_account_id END,
		access_token = excluded.access_token,
		refresh_token = CASE WHEN excluded.refresh_token = '' THEN connections.refresh_token ELSE excluded.refresh_token END,
		token_type = excluded.token_type,
		scopes = excluded.scopes,
		expires_at = excluded.expires_at,
		metadata = excluded.metadata,
		updated_at = excluded.updated_at`,
		row.UserID, row.Provider, row.AccountID, row.AccessToken, row.RefreshToken,
		row.TokenType, row.Scopes, toNullMillis(row.ExpiresAt), nullBytes(row.Metadata),
		toMillis(connectedAt), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("upsert connection %s/%s: %w", row.UserID, row.Provider, err)
	}
	return nil
}

func (s *Store) FindByUser(ctx context.Context, userID string, provider integrations.Provider) (*integrations.Connection, error) {
	r := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM connections WHERE user_id = ? AND provider = ?`,
		userID, string(provider))
	return s.scan(r)
}

func (s *Store) FindByProviderAccount(ctx context.Context, provider integrations.Provider, accountID string) (*integrations.Connection, error) {
	if accountID == "" {
		return nil, integrations.ErrConnectionNotFound
	}
	r := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM connections WHERE provider = ? AND provider_account_id = ?
		ORDER BY connected_at LIMIT 1`,
		string(provider), accountID)
	return s.scan(r)
}

func (s *Store) UpdateTokens(ctx context.Context, userID string, provider integrations.Provider, accessToken, refreshToken string, expiresAt time.Time) error {
	access, refresh, err := s.codec.SealRefreshed(accessToken, refreshToken)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
	UPDATE connections SET
		access_token = ?,
		refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
		expires_at = ?,
		updated_at = ?
	WHERE user_id = ? AND provider = ?`,
		access, refresh, refresh, toNullMillis(expiresAt), toMillis(s.now()), userID, string(provider))
	if err != nil {
		return fmt.Errorf("update tokens %s/%s: %w", userID, provider, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tokens %s/%s: %w", userID, provider, err)
	}
	if n == 0 {
		return integrations.ErrConnectionNotFound
	}
	return nil
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]*integrations.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM connections WHERE user_id = ? ORDER BY provider`, userID)
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
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(sc scanner) (*integrations.Connection, error) {
	var (
		row         storage.Row
		expiresAt   sql.NullInt64
		metadata    sql.NullString
		connectedAt int64
		updatedAt   int64
	)
	err := sc.Scan(&row.UserID, &row.Provider, &row.AccountID, &row.AccessToken, &row.RefreshToken,
		&row.TokenType, &row.Scopes, &expiresAt, &metadata, &connectedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, integrations.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	if expiresAt.Valid {
		row.ExpiresAt = fromMillis(expiresAt.Int64)
	}
	if metadata.Valid {
		row.Metadata = []byte(metadata.String)
	}
	row.ConnectedAt = fromMillis(connectedAt)
	row.UpdatedAt = fromMillis(updatedAt)
	return s.codec.Decode(&row)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func toNullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(t), Valid: true}
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

var _ integrations.ConnectionStore = (*Store)(nil)
