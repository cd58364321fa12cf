package memstore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/malbeclabs/commission/engine/pkg/memstore"
	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
	"github.com/malbeclabs/commission/engine/pkg/split"
	commissiontesting "github.com/malbeclabs/commission/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store *memstore.Store, orderID string, createdAt time.Time) *settlement.Settlement {
	t.Helper()

	calc, err := split.NewCalculator(split.Config{Rates: ratetable.Default(), Scenarios: scenario.Default()})
	require.NoError(t, err)
	b, err := calc.Compute(10000, ratetable.AssetPhysical, scenario.Dual, split.Parties{})
	require.NoError(t, err)
	st, history, err := settlement.Build(settlement.Params{OrderID: orderID, Currency: "USD", Breakdown: b}, createdAt)
	require.NoError(t, err)
	_, created, err := store.CreateSettlement(context.Background(), st, history)
	require.NoError(t, err)
	require.True(t, created)
	return st
}

func TestCommission_Memstore_CreateSettlementIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.New()
	st := seed(t, store, "order-1", commissiontesting.Epoch)

	again := st.Clone()
	again.GrossAmount = 1
	got, created, err := store.CreateSettlement(ctx, again, nil)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, int64(10000), got.GrossAmount)

	history, err := store.History(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestCommission_Memstore_ListSettlements(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.New()
	for i := range 5 {
		seed(t, store, fmt.Sprintf("order-%d", i), commissiontesting.Epoch.Add(time.Duration(i)*time.Hour))
	}
	_, err := store.Transition(ctx, "order-2", []settlement.Status{settlement.StatusLocked}, settlement.StatusReverted, "fraud", commissiontesting.Epoch)
	require.NoError(t, err)

	page, total, err := store.ListSettlements(ctx, settlement.ListFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page, 2)
	require.Equal(t, "order-3", page[0].OrderID)
	require.Equal(t, "order-2", page[1].OrderID)

	reverted, total, err := store.ListSettlements(ctx, settlement.ListFilter{Status: settlement.StatusReverted})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "order-2", reverted[0].OrderID)

	empty, total, err := store.ListSettlements(ctx, settlement.ListFilter{Offset: 10})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Empty(t, empty)
}

func TestCommission_Memstore_ListDue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.New()
	seed(t, store, "late", commissiontesting.Epoch.Add(2*time.Hour))
	seed(t, store, "early", commissiontesting.Epoch)
	seed(t, store, "middle", commissiontesting.Epoch.Add(time.Hour))

	due, err := store.ListDue(ctx, commissiontesting.Epoch.Add(7*24*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "early", due[0].OrderID)

	due, err = store.ListDue(ctx, commissiontesting.Epoch.Add(8*24*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "early", due[0].OrderID)
	require.Equal(t, "middle", due[1].OrderID)
}

func TestCommission_Memstore_Transition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.New()
	seed(t, store, "order-1", commissiontesting.Epoch)

	_, err := store.Transition(ctx, "order-1", []settlement.Status{settlement.StatusReleasable}, settlement.StatusReleased, "", commissiontesting.Epoch)
	require.ErrorIs(t, err, settlement.ErrIllegalTransition)

	_, err = store.Transition(ctx, "missing", []settlement.Status{settlement.StatusLocked}, settlement.StatusReleasable, "", commissiontesting.Epoch)
	require.ErrorIs(t, err, settlement.ErrNotFound)

	st, err := store.Transition(ctx, "order-1", []settlement.Status{settlement.StatusLocked}, settlement.StatusReleasable, settlement.ReasonLockElapsed, commissiontesting.Epoch)
	require.NoError(t, err)
	require.Equal(t, settlement.StatusReleasable, st.Status)

	history, err := store.History(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestCommission_Memstore_Hold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.New()
	seed(t, store, "held", commissiontesting.Epoch)
	seed(t, store, "free", commissiontesting.Epoch)
	afterLock := commissiontesting.Epoch.Add(8 * 24 * time.Hour)

	_, err := store.Freeze(ctx, "held", "dispute", commissiontesting.Epoch)
	require.NoError(t, err)

	due, err := store.ListDue(ctx, afterLock, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "free", due[0].OrderID)

	_, err = store.Transition(ctx, "held", []settlement.Status{settlement.StatusLocked}, settlement.StatusReleasable, "", afterLock)
	require.ErrorIs(t, err, settlement.ErrFrozen)

	// The stored copy is not shared with callers.
	got, err := store.GetSettlement(ctx, "held")
	require.NoError(t, err)
	*got.FrozenAt = afterLock
	got, err = store.GetSettlement(ctx, "held")
	require.NoError(t, err)
	require.True(t, got.FrozenAt.Equal(commissiontesting.Epoch))

	_, err = store.Unfreeze(ctx, "held", afterLock)
	require.NoError(t, err)
	due, err = store.ListDue(ctx, afterLock, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
}
