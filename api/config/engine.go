package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/commission/engine/pkg/payout"
	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
	"github.com/shopspring/decimal"
)

const defaultTickInterval = time.Minute

// EngineConfig holds the commission engine settings.
type EngineConfig struct {
	RateTableFile     string
	ScenarioTableFile string

	// PromoterBonusPct overrides the calculator default when set.
	PromoterBonusPct *decimal.Decimal

	// TickInterval of the in-process sweeper; 0 disables it.
	TickInterval  time.Duration
	TickBatchSize int

	InternalToken  string
	AllowedOrigins []string

	PayoutS3Bucket   string
	PayoutS3Prefix   string
	PayoutS3Region   string
	PayoutS3Endpoint string
}

// EngineFromEnv reads the engine variables, applying defaults.
func EngineFromEnv() (EngineConfig, error) {
	cfg := EngineConfig{
		RateTableFile:     os.Getenv("RATE_TABLE_FILE"),
		ScenarioTableFile: os.Getenv("SCENARIO_TABLE_FILE"),
		TickInterval:      defaultTickInterval,
		TickBatchSize:     settlement.DefaultBatchSize,
		InternalToken:     os.Getenv("INTERNAL_API_TOKEN"),
		PayoutS3Bucket:    os.Getenv("PAYOUT_S3_BUCKET"),
		PayoutS3Prefix:    os.Getenv("PAYOUT_S3_PREFIX"),
		PayoutS3Region:    envOr("PAYOUT_S3_REGION", "us-east-1"),
		PayoutS3Endpoint:  os.Getenv("PAYOUT_S3_ENDPOINT"),
	}

	if v := os.Getenv("PROMOTER_BONUS_PCT"); v != "" {
		pct, err := decimal.NewFromString(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid PROMOTER_BONUS_PCT %q: %w", v, err)
		}
		cfg.PromoterBonusPct = &pct
	}
	if v := os.Getenv("TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return cfg, fmt.Errorf("invalid TICK_INTERVAL %q", v)
		}
		cfg.TickInterval = d
	}
	if v := os.Getenv("TICK_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid TICK_BATCH_SIZE %q", v)
		}
		cfg.TickBatchSize = n
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	return cfg, nil
}

// LoadTables loads the configured rate and scenario tables, falling back to the
// embedded defaults.
func (c EngineConfig) LoadTables() (*ratetable.Table, *scenario.Table, error) {
	rates := ratetable.Default()
	if c.RateTableFile != "" {
		t, err := ratetable.LoadFile(c.RateTableFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load rate table: %w", err)
		}
		rates = t
	}

	scenarios := scenario.Default()
	if c.ScenarioTableFile != "" {
		t, err := scenario.LoadFile(c.ScenarioTableFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load scenario table: %w", err)
		}
		scenarios = t
	}
	return rates, scenarios, nil
}

// Notifier returns the payout publisher: S3 when a bucket is configured,
// otherwise one that only logs.
func (c EngineConfig) Notifier(ctx context.Context, log *slog.Logger) (settlement.Notifier, error) {
	if c.PayoutS3Bucket == "" {
		log.Info("config: payout instructions will be logged only, PAYOUT_S3_BUCKET is not set")
		return payout.NewLogPublisher(log), nil
	}
	client, err := payout.NewS3Client(ctx, c.PayoutS3Region, c.PayoutS3Endpoint)
	if err != nil {
		return nil, err
	}
	pub, err := payout.NewS3Publisher(payout.S3PublisherConfig{
		Logger: log,
		Client: client,
		Bucket: c.PayoutS3Bucket,
		Prefix: c.PayoutS3Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 publisher: %w", err)
	}
	log.Info("config: payout instructions will be published to s3", "bucket", c.PayoutS3Bucket, "prefix", c.PayoutS3Prefix)
	return pub, nil
}
