package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/commission/admin/internal/admin"
	"github.com/malbeclabs/commission/api/config"
	"github.com/malbeclabs/commission/engine/pkg/postgres"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
	"github.com/malbeclabs/commission/engine/pkg/split"
	"github.com/malbeclabs/commission/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// PostgreSQL configuration
	pgHostFlag := flag.String("pg-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("pg-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("pg-database", "commission", "PostgreSQL database name (or set POSTGRES_DB env var)")
	pgUsernameFlag := flag.String("pg-username", "commission", "PostgreSQL username (or set POSTGRES_USER env var)")
	pgPasswordFlag := flag.String("pg-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	pgSSLModeFlag := flag.String("pg-sslmode", "disable", "PostgreSQL SSL mode (or set POSTGRES_SSLMODE env var)")

	// Rule tables
	rateTableFlag := flag.String("rate-table-file", "", "rate table YAML (or set RATE_TABLE_FILE env var; default: built-in table)")
	scenarioTableFlag := flag.String("scenario-table-file", "", "scenario table YAML (or set SCENARIO_TABLE_FILE env var; default: built-in table)")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run PostgreSQL migrations using goose")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show PostgreSQL migration status")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the last PostgreSQL migration")
	tickFlag := flag.Bool("tick", false, "Release settlements whose lock period has elapsed (one bounded batch)")
	tickAllFlag := flag.Bool("tick-all", false, "With --tick, keep running batches until nothing is due")
	dryRunFlag := flag.Bool("dry-run", false, "With --tick, list due settlements without releasing them")
	listRulesFlag := flag.Bool("list-rules", false, "Print the active rate and scenario tables")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override PostgreSQL flags with environment variables if set
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		*pgHostFlag = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		*pgPortFlag = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		*pgDatabaseFlag = v
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		*pgUsernameFlag = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		*pgPasswordFlag = v
	}
	if v := os.Getenv("POSTGRES_SSLMODE"); v != "" {
		*pgSSLModeFlag = v
	}

	pgCfg := config.PgConfig{
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUsernameFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	}

	engineCfg, err := config.EngineFromEnv()
	if err != nil {
		return err
	}
	if *rateTableFlag != "" {
		engineCfg.RateTableFile = *rateTableFlag
	}
	if *scenarioTableFlag != "" {
		engineCfg.ScenarioTableFile = *scenarioTableFlag
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Execute commands
	if *pgMigrateFlag {
		return admin.PgMigrateUp(ctx, log, pgCfg)
	}

	if *pgMigrateStatusFlag {
		return admin.PgMigrateStatus(ctx, log, pgCfg)
	}

	if *pgMigrateDownFlag {
		return admin.PgMigrateDown(ctx, log, pgCfg)
	}

	if *listRulesFlag {
		rates, scenarios, err := engineCfg.LoadTables()
		if err != nil {
			return err
		}
		calc, err := split.NewCalculator(split.Config{Rates: rates, Scenarios: scenarios, PromoterBonusPct: engineCfg.PromoterBonusPct})
		if err != nil {
			return err
		}
		return admin.PrintRules(os.Stdout, rates, scenarios, calc.PromoterBonusPct())
	}

	if *tickFlag {
		if pgCfg.Password == "" {
			return fmt.Errorf("--pg-password is required for --tick")
		}
		pool, err := config.NewPostgresPool(ctx, log, pgCfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		store, err := postgres.NewStore(postgres.StoreConfig{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
		clock := clockwork.NewRealClock()

		if *dryRunFlag {
			n, err := admin.PrintDue(ctx, os.Stdout, store, clock.Now(), engineCfg.TickBatchSize)
			if err != nil {
				return err
			}
			log.Info("dry run: settlements due", "count", n)
			return nil
		}

		notifier, err := engineCfg.Notifier(ctx, log)
		if err != nil {
			return err
		}
		scheduler, err := settlement.NewScheduler(settlement.SchedulerConfig{
			Logger:    log,
			Clock:     clock,
			Store:     store,
			Notifier:  notifier,
			BatchSize: engineCfg.TickBatchSize,
		})
		if err != nil {
			return err
		}
		sum, err := admin.Tick(ctx, admin.TickConfig{
			Logger: log,
			Clock:  clock,
			Ticker: scheduler,
			Drain:  *tickAllFlag,
		})
		if err != nil {
			return err
		}
		if sum.Failed > 0 {
			return fmt.Errorf("%d settlements failed to release", sum.Failed)
		}
		return nil
	}

	flag.Usage()
	return nil
}
