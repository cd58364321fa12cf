package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

func openMigrationDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database for migrations: %w", err)
	}
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return db, nil
}

// MigrateUp runs all pending migrations.
func MigrateUp(ctx context.Context, log *slog.Logger, connStr string) error {
	db, err := openMigrationDB(connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("postgres: running migrations (up)")
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("postgres: migrations completed")
	return nil
}

// MigrateDown rolls back the last migration.
func MigrateDown(ctx context.Context, log *slog.Logger, connStr string) error {
	db, err := openMigrationDB(connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("postgres: rolling back migration (down)")
	if err := goose.DownContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	log.Info("postgres: migration rollback completed")
	return nil
}

// MigrateStatus logs the status of every migration.
func MigrateStatus(ctx context.Context, log *slog.Logger, connStr string) error {
	db, err := openMigrationDB(connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("postgres: migration status")
	if err := goose.StatusContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	return nil
}
