package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/malbeclabs/commission/api/handlers"
	"github.com/malbeclabs/commission/api/server"
	"github.com/malbeclabs/commission/engine/pkg/attribution"
	"github.com/malbeclabs/commission/engine/pkg/ledger"
	"github.com/malbeclabs/commission/engine/pkg/memstore"
	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
	"github.com/malbeclabs/commission/engine/pkg/split"
	commissiontesting "github.com/malbeclabs/commission/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func newAPI(t *testing.T) *handlers.API {
	t.Helper()

	log := commissiontesting.NewLogger()
	store := memstore.New()
	calc, err := split.NewCalculator(split.Config{Rates: ratetable.Default(), Scenarios: scenario.Default()})
	require.NoError(t, err)
	scheduler, err := settlement.NewScheduler(settlement.SchedulerConfig{Logger: log, Store: store})
	require.NoError(t, err)
	tracker, err := attribution.NewTracker(attribution.TrackerConfig{Logger: log, Store: store, Calculator: calc, Settler: scheduler})
	require.NoError(t, err)
	agg, err := ledger.NewAggregator(ledger.Config{Logger: log, Reader: store})
	require.NoError(t, err)

	api, err := handlers.New(handlers.Config{
		Logger:     log,
		Tracker:    tracker,
		Scheduler:  scheduler,
		Ledger:     agg,
		Calculator: calc,
		Rules:      ratetable.Default(),
		Scenarios:  scenario.Default(),
	})
	require.NoError(t, err)
	return api
}

func newServer(t *testing.T, mutate ...func(*server.Config)) *server.Server {
	t.Helper()
	cfg := server.Config{
		Logger:         commissiontesting.NewLogger(),
		ListenAddr:     "127.0.0.1:0",
		API:            newAPI(t),
		VersionInfo:    server.VersionInfo{Version: "1.2.3", Commit: "abc123", Date: "2025-01-01"},
		AllowedOrigins: []string{"https://app.example.com"},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := server.New(cfg)
	require.NoError(t, err)
	return srv
}

func serve(srv *server.Server, method, path string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCommission_Server_Config(t *testing.T) {
	t.Parallel()

	_, err := server.New(server.Config{})
	require.Error(t, err)

	_, err = server.New(server.Config{Logger: commissiontesting.NewLogger(), ListenAddr: ":8080"})
	require.ErrorContains(t, err, "api is required")
}

func TestCommission_Server_Probes(t *testing.T) {
	t.Parallel()

	srv := newServer(t)

	rec := serve(srv, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())

	rec = serve(srv, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(srv, http.MethodGet, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	var info server.VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	require.Equal(t, "1.2.3", info.Version)

	rec = serve(srv, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "commission_api_http_requests_total")
}

func TestCommission_Server_ReadyzFailure(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(cfg *server.Config) {
		cfg.Ready = func(context.Context) error { return errors.New("connection refused") }
	})
	rec := serve(srv, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCommission_Server_RoutesAPI(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	rec := serve(srv, http.MethodGet, "/commission-rules")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestCommission_Server_CORS(t *testing.T) {
	t.Parallel()

	srv := newServer(t)

	rec := serve(srv, http.MethodOptions, "/conversions",
		"Origin", "https://app.example.com",
		"Access-Control-Request-Method", "POST",
	)
	require.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(srv, http.MethodGet, "/commission-rules", "Origin", "https://evil.example.com")
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
