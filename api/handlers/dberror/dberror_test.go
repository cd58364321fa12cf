package dberror_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/malbeclabs/commission/api/handlers/dberror"
	"github.com/stretchr/testify/require"
)

func TestCommission_DBError_Classify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want dberror.ErrorType
	}{
		{name: "nil", err: nil, want: dberror.ErrorTypeUnknown},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: dberror.ErrorTypeConnectivity},
		{name: "too many connections", err: &pgconn.PgError{Code: "53300"}, want: dberror.ErrorTypeConnectivity},
		{name: "connection exception", err: fmt.Errorf("failed to query: %w", &pgconn.PgError{Code: "08006"}), want: dberror.ErrorTypeConnectivity},
		{name: "statement timeout", err: &pgconn.PgError{Code: "57014"}, want: dberror.ErrorTypeTimeout},
		{name: "bad password", err: &pgconn.PgError{Code: "28P01"}, want: dberror.ErrorTypeAuth},
		{name: "undefined table", err: &pgconn.PgError{Code: "42P01"}, want: dberror.ErrorTypeQuery},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: dberror.ErrorTypeUnknown},
		{name: "refused", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), want: dberror.ErrorTypeConnectivity},
		{name: "timeout text", err: errors.New("query timed out"), want: dberror.ErrorTypeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, dberror.Classify(tt.err))
		})
	}
}

func TestCommission_DBError_IsTransient(t *testing.T) {
	t.Parallel()

	require.True(t, dberror.IsTransient(&pgconn.PgError{Code: "57P03"}))
	require.False(t, dberror.IsTransient(&pgconn.PgError{Code: "42P01"}))
	require.False(t, dberror.IsTransient(context.Canceled))
	require.False(t, dberror.IsTransient(nil))
}

func TestCommission_DBError_Retry(t *testing.T) {
	t.Parallel()

	cfg := dberror.RetryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	t.Run("retries transient errors", func(t *testing.T) {
		t.Parallel()
		calls := 0
		got, err := dberror.Retry(t.Context(), cfg, func() (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("connection reset by peer")
			}
			return 42, nil
		})
		require.NoError(t, err)
		require.Equal(t, 42, got)
		require.Equal(t, 3, calls)
	})

	t.Run("stops on permanent errors", func(t *testing.T) {
		t.Parallel()
		calls := 0
		_, err := dberror.Retry(t.Context(), cfg, func() (int, error) {
			calls++
			return 0, &pgconn.PgError{Code: "42601"}
		})
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})
}
