package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/commission/api/config"
	"github.com/malbeclabs/commission/api/handlers"
	"github.com/malbeclabs/commission/api/metrics"
	"github.com/malbeclabs/commission/api/server"
	"github.com/malbeclabs/commission/engine/pkg/attribution"
	"github.com/malbeclabs/commission/engine/pkg/ledger"
	"github.com/malbeclabs/commission/engine/pkg/memstore"
	"github.com/malbeclabs/commission/engine/pkg/postgres"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
	"github.com/malbeclabs/commission/engine/pkg/split"
	"github.com/malbeclabs/commission/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = "0.0.0.0:8080"

// store is everything the engine persists.
type store interface {
	attribution.Store
	settlement.Store
	ledger.Reader
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address to listen on (or set LISTEN_ADDR env var)")
	memoryFlag := flag.Bool("memory", false, "use the in-memory store instead of PostgreSQL (data is lost on exit)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 15*time.Second, "maximum time to wait for in-flight requests during shutdown")
	flag.Parse()

	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	log := logger.New(*verboseFlag)

	if envListenAddr := os.Getenv("LISTEN_ADDR"); envListenAddr != "" {
		*listenAddrFlag = envListenAddr
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		env := os.Getenv("SENTRY_ENVIRONMENT")
		if env == "" {
			env = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: env,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized", "environment", env)
	}

	engineCfg, err := config.EngineFromEnv()
	if err != nil {
		return err
	}
	rates, scenarios, err := engineCfg.LoadTables()
	if err != nil {
		return err
	}
	log.Info("commission rules loaded", "version", rates.Version(), "rules", len(rates.Rules()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		st    store
		ready func(context.Context) error
	)
	if *memoryFlag {
		log.Warn("using in-memory store, data will not survive a restart")
		st = memstore.New()
	} else {
		pgCfg, err := config.PostgresFromEnv()
		if err != nil {
			return err
		}
		pool, err := config.NewPostgresPool(ctx, log, pgCfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		pgStore, err := newPostgresStore(log, pool)
		if err != nil {
			return err
		}
		st = pgStore
		ready = pgStore.Ping
	}

	notifier, err := engineCfg.Notifier(ctx, log)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	calc, err := split.NewCalculator(split.Config{
		Rates:            rates,
		Scenarios:        scenarios,
		PromoterBonusPct: engineCfg.PromoterBonusPct,
	})
	if err != nil {
		return fmt.Errorf("failed to create calculator: %w", err)
	}
	scheduler, err := settlement.NewScheduler(settlement.SchedulerConfig{
		Logger:    log,
		Clock:     clock,
		Store:     st,
		Notifier:  notifier,
		BatchSize: engineCfg.TickBatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	tracker, err := attribution.NewTracker(attribution.TrackerConfig{
		Logger:     log,
		Clock:      clock,
		Store:      st,
		Calculator: calc,
		Settler:    scheduler,
	})
	if err != nil {
		return fmt.Errorf("failed to create tracker: %w", err)
	}
	agg, err := ledger.NewAggregator(ledger.Config{Logger: log, Reader: st})
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}

	api, err := handlers.New(handlers.Config{
		Logger:        log,
		Clock:         clock,
		Tracker:       tracker,
		Scheduler:     scheduler,
		Ledger:        agg,
		Calculator:    calc,
		Rules:         rates,
		Scenarios:     scenarios,
		InternalToken: engineCfg.InternalToken,
	})
	if err != nil {
		return fmt.Errorf("failed to create api: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		API:             api,
		Ready:           ready,
		AllowedOrigins:  engineCfg.AllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	metrics.SetBuildInfo(version, commit, date)

	var sweeper *settlement.Sweeper
	if engineCfg.TickInterval > 0 {
		sweeper, err = settlement.NewSweeper(settlement.SweeperConfig{
			Logger:   log,
			Clock:    clock,
			Ticker:   scheduler,
			Interval: engineCfg.TickInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to create sweeper: %w", err)
		}
	} else {
		log.Info("in-process sweeper disabled, expecting external calls to /settlements/tick")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if sweeper != nil {
		g.Go(func() error {
			sweeper.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	log.Info("commission api stopped", "reason", context.Cause(ctx))
	return err
}

func newPostgresStore(log *slog.Logger, pool *pgxpool.Pool) (*postgres.Store, error) {
	s, err := postgres.NewStore(postgres.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres store: %w", err)
	}
	return s, nil
}
