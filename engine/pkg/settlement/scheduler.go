package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/commission/engine/pkg/metrics"
)

const DefaultBatchSize = 500

type SchedulerConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     Store
	Notifier  Notifier // optional
	BatchSize int
}

func (cfg *SchedulerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.BatchSize < 0 {
		return errors.New("batch size must not be negative")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Scheduler drives the settlement state machine. It never retries store
// operations; callers own their retry policy.
type Scheduler struct {
	log *slog.Logger
	cfg SchedulerConfig
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Prepare builds a settlement at the current time without persisting it.
func (s *Scheduler) Prepare(p Params) (*Settlement, []Transition, error) {
	return Build(p, s.cfg.Clock.Now())
}

// Create prices and persists a settlement for a direct order. A repeated order
// id returns the existing settlement with duplicate=true.
func (s *Scheduler) Create(ctx context.Context, p Params) (*Settlement, bool, error) {
	st, history, err := s.Prepare(p)
	if err != nil {
		return nil, false, err
	}
	stored, created, err := s.cfg.Store.CreateSettlement(ctx, st, history)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create settlement: %w", err)
	}
	if !created {
		s.log.Info("settlement: duplicate order", "order_id", p.OrderID, "status", stored.Status)
		return stored, true, nil
	}
	s.Announce(ctx, stored)
	return stored, false, nil
}

// Announce records a newly persisted settlement and hands it to the notifier
// if it is already releasable.
func (s *Scheduler) Announce(ctx context.Context, st *Settlement) {
	metrics.SettlementsCreatedTotal.WithLabelValues(string(st.AssetType), string(st.Status)).Inc()
	metrics.SettlementTransitionsTotal.WithLabelValues(string(StatusLocked)).Inc()
	if st.Status == StatusReleasable {
		metrics.SettlementTransitionsTotal.WithLabelValues(string(StatusReleasable)).Inc()
	}
	s.log.Info("settlement: created",
		"order_id", st.OrderID,
		"asset_type", st.AssetType,
		"status", st.Status,
		"lock_until", st.LockUntil,
		"gross_amount", st.GrossAmount,
	)
	if st.Status == StatusReleasable {
		s.notify(ctx, st)
	}
}

type TickResult struct {
	Scanned  int  `json:"scanned"`
	Released int  `json:"released"`
	Skipped  int  `json:"skipped"`
	Failed   int  `json:"failed"`
	HasMore  bool `json:"hasMore"`
}

// Tick moves up to one batch of unfrozen locked settlements whose lock has
// expired to releasable. It is safe to run concurrently with itself: a record
// another tick already moved, or one frozen since it was listed, is counted as
// skipped. Failures on one record are logged and do not stop the batch. The
// returned error is only for failing to list due settlements.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	var res TickResult
	due, err := s.cfg.Store.ListDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		metrics.TickTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("failed to list due settlements: %w", err)
	}
	res.Scanned = len(due)
	res.HasMore = len(due) == s.cfg.BatchSize

	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		st, err := s.cfg.Store.Transition(ctx, d.OrderID, []Status{StatusLocked}, StatusReleasable, ReasonLockElapsed, now)
		switch {
		case err == nil:
			res.Released++
			metrics.TickRecordsTotal.WithLabelValues("released").Inc()
			metrics.SettlementTransitionsTotal.WithLabelValues(string(StatusReleasable)).Inc()
			s.notify(ctx, st)
		case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrNotFound), errors.Is(err, ErrFrozen):
			res.Skipped++
			metrics.TickRecordsTotal.WithLabelValues("skipped").Inc()
			s.log.Debug("settlement: tick skipped record", "order_id", d.OrderID, "error", err)
		default:
			res.Failed++
			metrics.TickRecordsTotal.WithLabelValues("failed").Inc()
			s.log.Error("settlement: tick failed to release record", "order_id", d.OrderID, "error", err)
		}
	}

	status := "ok"
	if res.Failed > 0 {
		status = "partial"
	}
	metrics.TickTotal.WithLabelValues(status).Inc()
	if res.Scanned > 0 {
		s.log.Info("settlement: tick completed",
			"scanned", res.Scanned,
			"released", res.Released,
			"skipped", res.Skipped,
			"failed", res.Failed,
			"has_more", res.HasMore,
			"duration", time.Since(start).String(),
		)
	}
	return res, ctx.Err()
}

// MarkReleased records the payout collaborator's acknowledgement. Only legal
// from releasable, and refused with ErrFrozen while a hold is in place.
func (s *Scheduler) MarkReleased(ctx context.Context, orderID string) (*Settlement, error) {
	return s.transition(ctx, "release", orderID, []Status{StatusReleasable}, StatusReleased, ReasonPayoutAcked)
}

// Revert cancels a settlement before release. Reverted is terminal.
func (s *Scheduler) Revert(ctx context.Context, orderID, reason string) (*Settlement, error) {
	if reason == "" {
		reason = "reverted"
	}
	return s.transition(ctx, "revert", orderID, []Status{StatusPending, StatusLocked, StatusReleasable}, StatusReverted, reason)
}

func (s *Scheduler) transition(ctx context.Context, op, orderID string, from []Status, to Status, reason string) (*Settlement, error) {
	now := s.cfg.Clock.Now().UTC()
	st, err := s.cfg.Store.Transition(ctx, orderID, from, to, reason, now)
	if err != nil {
		var te *TransitionError
		if errors.Is(err, ErrFrozen) {
			metrics.SettlementHoldsTotal.WithLabelValues("refused").Inc()
			s.log.Warn("settlement: refused while frozen", "operation", op, "order_id", orderID)
		} else if errors.As(err, &te) {
			metrics.IllegalTransitionsTotal.WithLabelValues(op).Inc()
			s.log.Error("settlement: illegal transition",
				"operation", op,
				"order_id", orderID,
				"from", te.From,
				"to", te.To,
			)
		}
		return nil, err
	}
	metrics.SettlementTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.log.Info("settlement: transitioned", "operation", op, "order_id", orderID, "status", st.Status, "reason", reason)
	return st, nil
}

// Freeze puts a dispute hold on the settlement. Tick leaves a frozen settlement
// locked and MarkReleased refuses it until Unfreeze. Revert is still allowed.
// Freezing an already frozen settlement keeps the original reason.
func (s *Scheduler) Freeze(ctx context.Context, orderID, reason string) (*Settlement, error) {
	st, err := s.cfg.Store.Freeze(ctx, orderID, reason, s.cfg.Clock.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			metrics.IllegalTransitionsTotal.WithLabelValues("freeze").Inc()
			s.log.Error("settlement: illegal freeze", "order_id", orderID, "error", err)
		}
		return nil, err
	}
	metrics.SettlementHoldsTotal.WithLabelValues("freeze").Inc()
	s.log.Info("settlement: frozen", "order_id", orderID, "status", st.Status, "reason", st.FreezeReason)
	return st, nil
}

// Unfreeze lifts the hold. A settlement whose lock expired while frozen is
// picked up by the next tick.
func (s *Scheduler) Unfreeze(ctx context.Context, orderID string) (*Settlement, error) {
	st, err := s.cfg.Store.Unfreeze(ctx, orderID, s.cfg.Clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	metrics.SettlementHoldsTotal.WithLabelValues("unfreeze").Inc()
	s.log.Info("settlement: unfrozen", "order_id", orderID, "status", st.Status)
	return st, nil
}

func (s *Scheduler) Get(ctx context.Context, orderID string) (*Settlement, []Transition, error) {
	st, err := s.cfg.Store.GetSettlement(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	history, err := s.cfg.Store.History(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get settlement history: %w", err)
	}
	return st, history, nil
}

func (s *Scheduler) List(ctx context.Context, filter ListFilter) ([]Settlement, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidOrder, filter.Status)
	}
	return s.cfg.Store.ListSettlements(ctx, filter)
}

func (s *Scheduler) notify(ctx context.Context, st *Settlement) {
	if s.cfg.Notifier == nil {
		return
	}
	if err := s.cfg.Notifier.Releasable(ctx, st); err != nil {
		s.log.Error("settlement: failed to publish payout instruction", "order_id", st.OrderID, "error", err)
	}
}
