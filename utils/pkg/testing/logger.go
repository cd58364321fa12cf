package commissiontesting

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func NewLogger() *slog.Logger {
	debugLevel := os.Getenv("DEBUG")
	var level slog.Level
	switch debugLevel {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		// Suppress logs by default (only show errors and above)
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Epoch is the fixed start time used by fake clocks in tests.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// MustParseTime parses an RFC3339 timestamp or fails the test.
func MustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("invalid time %q: %v", s, err)
	}
	return ts
}
