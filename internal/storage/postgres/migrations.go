package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// runMigrations applies pending migrations through a database/sql handle
// borrowed from the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(database.DialectPostgres, db, migrationFS)
	if err != nil {
		return 0, fmt.Errorf("failed to create goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return len(results), nil
}
