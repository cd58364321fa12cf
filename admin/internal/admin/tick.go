package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
)

const defaultMaxTickRounds = 1000

// DueLister finds locked settlements whose lock period has elapsed.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]settlement.Settlement, error)
}

type TickConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Ticker settlement.Ticker

	// Drain keeps ticking while a batch comes back full.
	Drain     bool
	MaxRounds int
}

// TickSummary totals one or more tick rounds.
type TickSummary struct {
	Rounds int
	settlement.TickResult
}

// Tick runs the settlement sweep once, or until drained when cfg.Drain is set.
func Tick(ctx context.Context, cfg TickConfig) (TickSummary, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxTickRounds
	}

	var sum TickSummary
	for sum.Rounds < cfg.MaxRounds {
		res, err := cfg.Ticker.Tick(ctx, cfg.Clock.Now())
		sum.Rounds++
		sum.Scanned += res.Scanned
		sum.Released += res.Released
		sum.Skipped += res.Skipped
		sum.Failed += res.Failed
		sum.HasMore = res.HasMore
		if err != nil {
			return sum, fmt.Errorf("tick round %d failed: %w", sum.Rounds, err)
		}
		// A round that released nothing would repeat itself.
		if !cfg.Drain || !res.HasMore || res.Released == 0 {
			break
		}
	}

	cfg.Logger.Info("admin: tick finished",
		"rounds", sum.Rounds,
		"scanned", sum.Scanned,
		"released", sum.Released,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"has_more", sum.HasMore,
	)
	return sum, nil
}

// PrintDue writes the settlements a tick would release without changing them.
func PrintDue(ctx context.Context, w io.Writer, store DueLister, now time.Time, limit int) (int, error) {
	due, err := store.ListDue(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due settlements: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER ID\tASSET TYPE\tGROSS\tCURRENCY\tLOCK UNTIL")
	for _, s := range due {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.OrderID, s.AssetType, s.GrossAmount, s.Currency, s.LockUntil.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return 0, err
	}
	return len(due), nil
}
