package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/commission/engine/pkg/memstore"
	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
	"github.com/malbeclabs/commission/engine/pkg/split"
	commissiontesting "github.com/malbeclabs/commission/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	orderIDs []string
	err      error
}

func (n *recordingNotifier) Releasable(_ context.Context, s *settlement.Settlement) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orderIDs = append(n.orderIDs, s.OrderID)
	return n.err
}

func (n *recordingNotifier) OrderIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.orderIDs...)
}

type harness struct {
	clock     *clockwork.FakeClock
	store     *memstore.Store
	notifier  *recordingNotifier
	scheduler *settlement.Scheduler
	calc      *split.Calculator
}

func newHarness(t *testing.T, batchSize int) *harness {
	t.Helper()

	clock := clockwork.NewFakeClockAt(commissiontesting.Epoch)
	store := memstore.New()
	notifier := &recordingNotifier{}
	scheduler, err := settlement.NewScheduler(settlement.SchedulerConfig{
		Logger:    commissiontesting.NewLogger(),
		Clock:     clock,
		Store:     store,
		Notifier:  notifier,
		BatchSize: batchSize,
	})
	require.NoError(t, err)
	calc, err := split.NewCalculator(split.Config{Rates: ratetable.Default(), Scenarios: scenario.Default()})
	require.NoError(t, err)

	return &harness{clock: clock, store: store, notifier: notifier, scheduler: scheduler, calc: calc}
}

func (h *harness) params(t *testing.T, orderID string, asset ratetable.AssetType) settlement.Params {
	t.Helper()
	b, err := h.calc.Compute(10000, asset, scenario.Dual, split.Parties{ReferralAgentID: "ref", ExecutionAgentID: "exec"})
	require.NoError(t, err)
	return settlement.Params{OrderID: orderID, Currency: "USD", Breakdown: b}
}

func (h *harness) create(t *testing.T, orderID string, asset ratetable.AssetType) *settlement.Settlement {
	t.Helper()
	s, dup, err := h.scheduler.Create(context.Background(), h.params(t, orderID, asset))
	require.NoError(t, err)
	require.False(t, dup)
	return s
}

func TestCommission_Settlement_CanTransition(t *testing.T) {
	t.Parallel()

	all := []settlement.Status{
		settlement.StatusPending,
		settlement.StatusLocked,
		settlement.StatusReleasable,
		settlement.StatusReleased,
		settlement.StatusReverted,
	}
	legal := map[[2]settlement.Status]bool{
		{settlement.StatusPending, settlement.StatusLocked}:      true,
		{settlement.StatusPending, settlement.StatusReverted}:    true,
		{settlement.StatusLocked, settlement.StatusReleasable}:   true,
		{settlement.StatusLocked, settlement.StatusReverted}:     true,
		{settlement.StatusReleasable, settlement.StatusReleased}: true,
		{settlement.StatusReleasable, settlement.StatusReverted}: true,
	}
	for _, from := range all {
		for _, to := range all {
			require.Equal(t, legal[[2]settlement.Status{from, to}], settlement.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	require.True(t, settlement.StatusReleased.Terminal())
	require.True(t, settlement.StatusReverted.Terminal())
	require.False(t, settlement.StatusLocked.Terminal())
}

func TestCommission_Settlement_Build(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	now := commissiontesting.Epoch

	t.Run("locked until the asset delay elapses", func(t *testing.T) {
		t.Parallel()
		s, history, err := settlement.Build(h.params(t, "order-1", ratetable.AssetPhysical), now)
		require.NoError(t, err)
		require.Equal(t, settlement.StatusLocked, s.Status)
		require.Equal(t, now.Add(7*24*time.Hour), s.LockUntil)
		require.Equal(t, "2025-01", s.RuleVersion)
		require.Equal(t, int64(10000), split.Sum(s.Splits))
		require.Len(t, history, 1)
		require.Equal(t, settlement.StatusPending, history[0].From)
		require.Equal(t, settlement.StatusLocked, history[0].To)
	})

	t.Run("zero delay is releasable immediately", func(t *testing.T) {
		t.Parallel()
		s, history, err := settlement.Build(h.params(t, "order-2", ratetable.AssetDevTool), now)
		require.NoError(t, err)
		require.Equal(t, settlement.StatusReleasable, s.Status)
		require.Equal(t, now, s.LockUntil)
		require.Len(t, history, 2)
		require.Equal(t, settlement.StatusReleasable, history[1].To)
	})

	t.Run("attribution picks the owner's split", func(t *testing.T) {
		t.Parallel()
		p := h.params(t, "order-3", ratetable.AssetPhysical)
		p.Attribution = &settlement.Attribution{LinkID: "link-1", Role: split.RoleReferralAgent, PartyID: "ref"}
		s, _, err := settlement.Build(p, now)
		require.NoError(t, err)
		require.Equal(t, "link-1", s.LinkID)
		require.Equal(t, int64(75), s.AttributedAmount)
	})

	t.Run("rejects splits that do not reconcile", func(t *testing.T) {
		t.Parallel()
		p := h.params(t, "order-4", ratetable.AssetPhysical)
		p.Breakdown.Splits[0].Amount++
		_, _, err := settlement.Build(p, now)
		require.ErrorIs(t, err, settlement.ErrSplitMismatch)
	})

	t.Run("rejects empty order id", func(t *testing.T) {
		t.Parallel()
		_, _, err := settlement.Build(h.params(t, "", ratetable.AssetPhysical), now)
		require.ErrorIs(t, err, settlement.ErrInvalidOrder)
	})
}

func TestCommission_Settlement_CreateIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	first := h.create(t, "order-1", ratetable.AssetPhysical)

	h.clock.Advance(time.Hour)
	again, dup, err := h.scheduler.Create(context.Background(), h.params(t, "order-1", ratetable.AssetService))
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, first.AssetType, again.AssetType)
	require.Equal(t, first.LockUntil, again.LockUntil)

	list, total, err := h.scheduler.List(context.Background(), settlement.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, list, 1)
}

func TestCommission_Settlement_ConcurrentCreate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	params := h.params(t, "order-1", ratetable.AssetPhysical)
	var created atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, dup, err := h.scheduler.Create(context.Background(), params)
			if err == nil && !dup {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), created.Load())
}

func TestCommission_Settlement_TickReleasesAfterLock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ctx := context.Background()
	h.create(t, "order-1", ratetable.AssetPhysical)

	res, err := h.scheduler.Tick(ctx, commissiontesting.Epoch.Add(6*24*time.Hour+23*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, res.Scanned)
	s, _, err := h.scheduler.Get(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, settlement.StatusLocked, s.Status)

	res, err = h.scheduler.Tick(ctx, commissiontesting.Epoch.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, settlement.TickResult{Scanned: 1, Released: 1}, res)

	s, history, err := h.scheduler.Get(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, settlement.StatusReleasable, s.Status)
	require.Len(t, history, 2)
	require.Equal(t, settlement.ReasonLockElapsed, history[1].Reason)
	require.Equal(t, []string{"order-1"}, h.notifier.OrderIDs())

	// Re-running is a no-op.
	res, err = h.scheduler.Tick(ctx, commissiontesting.Epoch.Add(8*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, settlement.TickResult{}, res)
	require.Len(t, h.notifier.OrderIDs(), 1)
}

func TestCommission_Settlement_InstantIsAnnounced(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	s := h.create(t, "order-1", ratetable.AssetDevTool)
	require.Equal(t, settlement.StatusReleasable, s.Status)
	require.Equal(t, []string{"order-1"}, h.notifier.OrderIDs())
}

func TestCommission_Settlement_TickIsBounded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		h.create(t, id, ratetable.AssetVirtual)
	}
	now := commissiontesting.Epoch.Add(24 * time.Hour)

	res, err := h.scheduler.Tick(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 2, res.Released)
	require.True(t, res.HasMore)

	res, err = h.scheduler.Tick(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, res.Released)
	require.False(t, res.HasMore)
}

func TestCommission_Settlement_ConcurrentTicks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1000)
	for i := range 50 {
		h.create(t, fmt.Sprintf("order-%02d", i), ratetable.AssetVirtual)
	}
	now := commissiontesting.Epoch.Add(24 * time.Hour)

	var released atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.scheduler.Tick(context.Background(), now)
			if err == nil {
				released.Add(int32(res.Released))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(50), released.Load())
	require.Len(t, h.notifier.OrderIDs(), 50)
}

type flakyStore struct {
	*memstore.Store
	failOrder string
}

func (s *flakyStore) Transition(ctx context.Context, orderID string, from []settlement.Status, to settlement.Status, reason string, at time.Time) (*settlement.Settlement, error) {
	if orderID == s.failOrder {
		return nil, errors.New("connection reset by peer")
	}
	return s.Store.Transition(ctx, orderID, from, to, reason, at)
}

func TestCommission_Settlement_TickIsolatesFailures(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(commissiontesting.Epoch)
	store := &flakyStore{Store: memstore.New(), failOrder: "b"}
	scheduler, err := settlement.NewScheduler(settlement.SchedulerConfig{
		Logger: commissiontesting.NewLogger(),
		Clock:  clock,
		Store:  store,
	})
	require.NoError(t, err)
	h := newHarness(t, 0)
	for _, id := range []string{"a", "b", "c"} {
		_, _, err := scheduler.Create(context.Background(), h.params(t, id, ratetable.AssetVirtual))
		require.NoError(t, err)
	}

	res, err := scheduler.Tick(context.Background(), commissiontesting.Epoch.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, settlement.TickResult{Scanned: 3, Released: 2, Failed: 1}, res)

	s, err := store.GetSettlement(context.Background(), "b")
	require.NoError(t, err)
	require.Equal(t, settlement.StatusLocked, s.Status)
}

func TestCommission_Settlement_MarkReleased(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ctx := context.Background()
	h.create(t, "order-1", ratetable.AssetPhysical)

	_, err := h.scheduler.MarkReleased(ctx, "order-1")
	var te *settlement.TransitionError
	require.ErrorAs(t, err, &te)
	require.ErrorIs(t, err, settlement.ErrIllegalTransition)
	require.Equal(t, settlement.StatusLocked, te.From)

	_, err = h.scheduler.Tick(ctx, commissiontesting.Epoch.Add(7*24*time.Hour))
	require.NoError(t, err)

	h.clock.Advance(8 * 24 * time.Hour)
	s, err := h.scheduler.MarkReleased(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, settlement.StatusReleased, s.Status)
	require.NotNil(t, s.ReleasedAt)
	require.True(t, h.clock.Now().Equal(*s.ReleasedAt))

	_, err = h.scheduler.MarkReleased(ctx, "order-1")
	require.ErrorIs(t, err, settlement.ErrIllegalTransition)
	_, err = h.scheduler.Revert(ctx, "order-1", "chargeback")
	require.ErrorIs(t, err, settlement.ErrIllegalTransition)

	_, err = h.scheduler.MarkReleased(ctx, "missing")
	require.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestCommission_Settlement_Revert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ctx := context.Background()
	h.create(t, "order-1", ratetable.AssetPhysical)

	s, err := h.scheduler.Revert(ctx, "order-1", "refund")
	require.NoError(t, err)
	require.Equal(t, settlement.StatusReverted, s.Status)
	require.Equal(t, "refund", s.RevertReason)

	// Reverted is terminal.
	res, err := h.scheduler.Tick(ctx, commissiontesting.Epoch.Add(30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, res.Scanned)
	_, err = h.scheduler.MarkReleased(ctx, "order-1")
	require.ErrorIs(t, err, settlement.ErrIllegalTransition)
	_, err = h.scheduler.Revert(ctx, "order-1", "again")
	require.ErrorIs(t, err, settlement.ErrIllegalTransition)

	_, history, err := h.scheduler.Get(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, settlement.StatusReverted, history[1].To)
	require.Empty(t, h.notifier.OrderIDs())
}

func TestCommission_Settlement_NotifierFailureDoesNotRollBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.notifier.err = errors.New("bucket unavailable")
	ctx := context.Background()
	h.create(t, "order-1", ratetable.AssetVirtual)

	res, err := h.scheduler.Tick(ctx, commissiontesting.Epoch.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, res.Released)

	s, _, err := h.scheduler.Get(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, settlement.StatusReleasable, s.Status)
}

func TestCommission_Settlement_ListFilter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ctx := context.Background()
	h.create(t, "a", ratetable.AssetPhysical)
	h.clock.Advance(time.Minute)
	h.create(t, "b", ratetable.AssetDevTool)
	h.clock.Advance(time.Minute)
	h.create(t, "c", ratetable.AssetPhysical)

	list, total, err := h.scheduler.List(ctx, settlement.ListFilter{Status: settlement.StatusLocked})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, "c", list[0].OrderID)
	require.Equal(t, "a", list[1].OrderID)

	list, total, err = h.scheduler.List(ctx, settlement.ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, list, 1)
	require.Equal(t, "b", list[0].OrderID)

	_, _, err = h.scheduler.List(ctx, settlement.ListFilter{Status: "paid"})
	require.ErrorIs(t, err, settlement.ErrInvalidOrder)
}

func TestCommission_Settlement_ValidateOrderID(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"order-1", "shop:42", "A.b_c-9", strings.Repeat("x", 128)} {
		require.NoError(t, settlement.ValidateOrderID(id), id)
	}
	for _, id := range []string{"", ".", "..", "shop/42", "x/../b", "shop%2F42", "order 1", "ordér", strings.Repeat("x", 129)} {
		require.ErrorIs(t, settlement.ValidateOrderID(id), settlement.ErrInvalidOrder, id)
	}

	h := newHarness(t, 0)
	_, _, err := settlement.Build(h.params(t, "shop/42", ratetable.AssetPhysical), commissiontesting.Epoch)
	require.ErrorIs(t, err, settlement.ErrInvalidOrder)
}

func TestCommission_Settlement_FreezeHoldsRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 0)
	h.create(t, "held", ratetable.AssetVirtual)
	h.create(t, "free", ratetable.AssetVirtual)

	frozen, err := h.scheduler.Freeze(ctx, "held", "chargeback")
	require.NoError(t, err)
	require.True(t, frozen.Frozen())
	require.Equal(t, "chargeback", frozen.FreezeReason)

	again, err := h.scheduler.Freeze(ctx, "held", "second opinion")
	require.NoError(t, err)
	require.Equal(t, "chargeback", again.FreezeReason)
	require.Equal(t, frozen.FrozenAt, again.FrozenAt)

	res, err := h.scheduler.Tick(ctx, commissiontesting.Epoch.Add(48*time.Hour))
	require.NoError(t, err)
	require.Equal(t, settlement.TickResult{Scanned: 1, Released: 1}, res)
	require.Equal(t, []string{"free"}, h.notifier.OrderIDs())

	held, history, err := h.scheduler.Get(ctx, "held")
	require.NoError(t, err)
	require.Equal(t, settlement.StatusLocked, held.Status)
	require.Len(t, history, 2)
	require.Equal(t, settlement.StatusLocked, history[1].From)
	require.Equal(t, settlement.StatusLocked, history[1].To)
	require.Equal(t, "frozen: chargeback", history[1].Reason)

	_, err = h.scheduler.Freeze(ctx, "free", "")
	require.NoError(t, err)
	_, err = h.scheduler.MarkReleased(ctx, "free")
	require.ErrorIs(t, err, settlement.ErrFrozen)
	require.NotErrorIs(t, err, settlement.ErrIllegalTransition)

	for _, id := range []string{"held", "free"} {
		s, err := h.scheduler.Unfreeze(ctx, id)
		require.NoError(t, err)
		require.False(t, s.Frozen())
	}
	_, err = h.scheduler.Unfreeze(ctx, "held")
	require.NoError(t, err)
	_, history, err = h.scheduler.Get(ctx, "held")
	require.NoError(t, err)
	require.Len(t, history, 3)

	res, err = h.scheduler.Tick(ctx, commissiontesting.Epoch.Add(48*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, res.Released)
	_, err = h.scheduler.MarkReleased(ctx, "free")
	require.NoError(t, err)

	_, err = h.scheduler.Freeze(ctx, "free", "late dispute")
	require.ErrorIs(t, err, settlement.ErrIllegalTransition)
	_, err = h.scheduler.Freeze(ctx, "missing", "")
	require.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestCommission_Settlement_RevertClearsHold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, 0)
	h.create(t, "order-1", ratetable.AssetPhysical)

	_, err := h.scheduler.Freeze(ctx, "order-1", "")
	require.NoError(t, err)
	s, err := h.scheduler.Revert(ctx, "order-1", "refunded")
	require.NoError(t, err)
	require.Equal(t, settlement.StatusReverted, s.Status)
	require.False(t, s.Frozen())
	require.Empty(t, s.FreezeReason)
}

// Freezes every listed settlement before Tick gets to transition it.
type freezeOnListStore struct {
	*memstore.Store
}

func (s *freezeOnListStore) ListDue(ctx context.Context, now time.Time, limit int) ([]settlement.Settlement, error) {
	due, err := s.Store.ListDue(ctx, now, limit)
	for _, d := range due {
		if _, ferr := s.Store.Freeze(ctx, d.OrderID, "", now); ferr != nil {
			return nil, ferr
		}
	}
	return due, err
}

func TestCommission_Settlement_TickSkipsFrozenAfterListing(t *testing.T) {
	t.Parallel()

	store := &freezeOnListStore{Store: memstore.New()}
	scheduler, err := settlement.NewScheduler(settlement.SchedulerConfig{
		Logger: commissiontesting.NewLogger(),
		Clock:  clockwork.NewFakeClockAt(commissiontesting.Epoch),
		Store:  store,
	})
	require.NoError(t, err)
	h := newHarness(t, 0)
	_, _, err = scheduler.Create(context.Background(), h.params(t, "order-1", ratetable.AssetVirtual))
	require.NoError(t, err)

	res, err := scheduler.Tick(context.Background(), commissiontesting.Epoch.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, settlement.TickResult{Scanned: 1, Skipped: 1}, res)
}
