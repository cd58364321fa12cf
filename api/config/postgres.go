package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/commission/engine/pkg/postgres"
	"github.com/malbeclabs/commission/utils/pkg/retry"
)

// PgConfig holds the PostgreSQL configuration
type PgConfig struct {
	Host          string
	Port          string
	Database      string
	Username      string
	Password      string
	SSLMode       string
	RunMigrations bool
}

// PostgresFromEnv reads POSTGRES_* variables.
func PostgresFromEnv() (PgConfig, error) {
	cfg := PgConfig{
		Host:          envOr("POSTGRES_HOST", "localhost"),
		Port:          envOr("POSTGRES_PORT", "5432"),
		Database:      os.Getenv("POSTGRES_DB"),
		Username:      os.Getenv("POSTGRES_USER"),
		Password:      os.Getenv("POSTGRES_PASSWORD"),
		SSLMode:       envOr("POSTGRES_SSLMODE", "disable"),
		RunMigrations: os.Getenv("POSTGRES_RUN_MIGRATIONS") == "true",
	}

	if cfg.Database == "" {
		return cfg, fmt.Errorf("POSTGRES_DB is required")
	}
	if cfg.Username == "" {
		return cfg, fmt.Errorf("POSTGRES_USER is required")
	}
	if cfg.Password == "" {
		return cfg, fmt.Errorf("POSTGRES_PASSWORD is required")
	}
	return cfg, nil
}

// ConnString renders the config as a postgres:// URL.
func (c PgConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

// NewPostgresPool connects, pings with retry and optionally runs migrations.
func NewPostgresPool(ctx context.Context, log *slog.Logger, cfg PgConfig) (*pgxpool.Pool, error) {
	log.Info("config: connecting to postgres",
		"host", cfg.Host, "port", cfg.Port, "database", cfg.Database, "username", cfg.Username)

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.OnRetry = func(attempt int, err error) {
		log.Warn("config: postgres ping failed, retrying", "attempt", attempt, "error", err)
	}
	err = retry.Do(ctx, retryCfg, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	log.Info("config: connected to postgres")

	if cfg.RunMigrations {
		if err := postgres.MigrateUp(ctx, log, cfg.ConnString()); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return pool, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
