package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/commission/api/handlers"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	API               *handlers.API

	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready func(ctx context.Context) error

	// AllowedOrigins for CORS. Empty disables cross-origin access.
	AllowedOrigins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.API == nil {
		return errors.New("api is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return nil
}
