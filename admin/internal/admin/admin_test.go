package admin_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/commission/admin/internal/admin"
	"github.com/malbeclabs/commission/engine/pkg/memstore"
	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
	"github.com/malbeclabs/commission/engine/pkg/split"
	commissiontesting "github.com/malbeclabs/commission/utils/pkg/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, scheduler *settlement.Scheduler, n int) {
	t.Helper()
	calc, err := split.NewCalculator(split.Config{Rates: ratetable.Default(), Scenarios: scenario.Default()})
	require.NoError(t, err)
	for i := range n {
		b, err := calc.Compute(1000, ratetable.AssetVirtual, scenario.Dual, split.Parties{})
		require.NoError(t, err)
		_, _, err = scheduler.Create(context.Background(), settlement.Params{
			OrderID:   fmt.Sprintf("order-%03d", i),
			Currency:  "USD",
			Breakdown: b,
		})
		require.NoError(t, err)
	}
}

func TestCommission_Admin_TickDrains(t *testing.T) {
	t.Parallel()

	log := commissiontesting.NewLogger()
	clock := clockwork.NewFakeClockAt(commissiontesting.Epoch)
	store := memstore.New()
	scheduler, err := settlement.NewScheduler(settlement.SchedulerConfig{Logger: log, Clock: clock, Store: store, BatchSize: 4})
	require.NoError(t, err)
	seed(t, scheduler, 10)

	clock.Advance(24 * time.Hour)

	var out bytes.Buffer
	n, err := admin.PrintDue(t.Context(), &out, store, clock.Now(), 0)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Contains(t, out.String(), "order-009")

	once, err := admin.Tick(t.Context(), admin.TickConfig{Logger: log, Clock: clock, Ticker: scheduler})
	require.NoError(t, err)
	require.Equal(t, 1, once.Rounds)
	require.Equal(t, 4, once.Released)
	require.True(t, once.HasMore)

	all, err := admin.Tick(t.Context(), admin.TickConfig{Logger: log, Clock: clock, Ticker: scheduler, Drain: true})
	require.NoError(t, err)
	require.Equal(t, 6, all.Released)
	require.False(t, all.HasMore)
}

type failingTicker struct{}

func (failingTicker) Tick(context.Context, time.Time) (settlement.TickResult, error) {
	return settlement.TickResult{}, errors.New("connection refused")
}

func TestCommission_Admin_TickError(t *testing.T) {
	t.Parallel()

	_, err := admin.Tick(t.Context(), admin.TickConfig{Logger: commissiontesting.NewLogger(), Ticker: failingTicker{}, Drain: true})
	require.ErrorContains(t, err, "connection refused")
}

func TestCommission_Admin_PrintRules(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, admin.PrintRules(&out, ratetable.Default(), scenario.Default(), decimal.NewFromInt(20)))
	s := out.String()
	require.Contains(t, s, "Rate table version 2025-01")
	require.Contains(t, s, "dev_tool")
	require.Contains(t, s, "execution_only")
	require.Contains(t, s, "Promoter bonus: 20%")
}
