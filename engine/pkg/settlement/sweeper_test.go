package settlement_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
	commissiontesting "github.com/malbeclabs/commission/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestCommission_Sweeper_Config(t *testing.T) {
	t.Parallel()

	_, err := settlement.NewSweeper(settlement.SweeperConfig{Ticker: &countingTicker{}, Interval: time.Second})
	require.Error(t, err)
	_, err = settlement.NewSweeper(settlement.SweeperConfig{Logger: commissiontesting.NewLogger(), Interval: time.Second})
	require.Error(t, err)
	_, err = settlement.NewSweeper(settlement.SweeperConfig{Logger: commissiontesting.NewLogger(), Ticker: &countingTicker{}})
	require.Error(t, err)
}

func TestCommission_Sweeper_ReleasesOnInterval(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.create(t, "order-1", ratetable.AssetVirtual)

	sweeper, err := settlement.NewSweeper(settlement.SweeperConfig{
		Logger:   commissiontesting.NewLogger(),
		Clock:    h.clock,
		Ticker:   h.scheduler,
		Interval: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Start(ctx)

	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(24 * time.Hour)

	require.Eventually(t, func() bool {
		s, err := h.store.GetSettlement(context.Background(), "order-1")
		return err == nil && s.Status == settlement.StatusReleasable
	}, 5*time.Second, 10*time.Millisecond)
}

type countingTicker struct {
	calls atomic.Int32
	panic bool
}

func (c *countingTicker) Tick(context.Context, time.Time) (settlement.TickResult, error) {
	c.calls.Add(1)
	if c.panic {
		panic("boom")
	}
	return settlement.TickResult{}, nil
}

func TestCommission_Sweeper_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(commissiontesting.Epoch)
	ticker := &countingTicker{panic: true}
	sweeper, err := settlement.NewSweeper(settlement.SweeperConfig{
		Logger:   commissiontesting.NewLogger(),
		Clock:    clock,
		Ticker:   ticker,
		Interval: time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Start(ctx)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return ticker.calls.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)
}
