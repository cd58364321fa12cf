package settlement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/commission/engine/pkg/metrics"
)

// Ticker runs one bounded sweep.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (TickResult, error)
}

type SweeperConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Ticker   Ticker
	Interval time.Duration
}

func (cfg *SweeperConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ticker == nil {
		return errors.New("ticker is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Sweeper calls Tick on a fixed interval. One sweep handles at most one batch;
// the remainder is picked up on the next interval.
type Sweeper struct {
	log    *slog.Logger
	cfg    SweeperConfig
	tickMu sync.Mutex
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sweeper{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Start runs the sweep loop until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	go s.Run(ctx)
}

// Run is Start without the goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("settlement: starting sweeper", "interval", s.cfg.Interval)

	s.safeTick(ctx)

	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.safeTick(ctx)
		}
	}
}

func (s *Sweeper) safeTick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("settlement: sweep panicked", "panic", r)
			metrics.TickTotal.WithLabelValues("panic").Inc()
		}
	}()

	if _, err := s.cfg.Ticker.Tick(ctx, s.cfg.Clock.Now().UTC()); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("settlement: sweep failed", "error", err)
	}
}
