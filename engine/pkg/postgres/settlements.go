package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/commission/engine/pkg/attribution"
	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
	"github.com/malbeclabs/commission/engine/pkg/split"
	"github.com/shopspring/decimal"
)

const settlementColumns = `order_id, COALESCE(link_id::text, ''), asset_type, scenario_id, currency,
	gross_amount, status, lock_until, rule_version, base_rate::text, pool_rate::text,
	promoter_bonus_pct::text, splits, attributed_role, attributed_party_id, attributed_amount,
	revert_reason, created_at, updated_at, released_at, reverted_at, frozen_at, freeze_reason`

func scanSettlement(row pgx.Row) (*settlement.Settlement, error) {
	var (
		st                        settlement.Settlement
		assetType, scenarioID     string
		status, attributedRole    string
		baseRate, poolRate, bonus string
		splitsJSON                []byte
	)
	if err := row.Scan(
		&st.OrderID, &st.LinkID, &assetType, &scenarioID, &st.Currency,
		&st.GrossAmount, &status, &st.LockUntil, &st.RuleVersion, &baseRate, &poolRate,
		&bonus, &splitsJSON, &attributedRole, &st.AttributedPartyID, &st.AttributedAmount,
		&st.RevertReason, &st.CreatedAt, &st.UpdatedAt, &st.ReleasedAt, &st.RevertedAt,
		&st.FrozenAt, &st.FreezeReason,
	); err != nil {
		return nil, err
	}

	st.AssetType = ratetable.AssetType(assetType)
	st.ScenarioID = scenario.ID(scenarioID)
	st.Status = settlement.Status(status)
	st.AttributedRole = split.Role(attributedRole)

	var err error
	if st.BaseRate, err = decimal.NewFromString(baseRate); err != nil {
		return nil, fmt.Errorf("invalid base_rate %q: %w", baseRate, err)
	}
	if st.PoolRate, err = decimal.NewFromString(poolRate); err != nil {
		return nil, fmt.Errorf("invalid pool_rate %q: %w", poolRate, err)
	}
	if st.PromoterBonusPct, err = decimal.NewFromString(bonus); err != nil {
		return nil, fmt.Errorf("invalid promoter_bonus_pct %q: %w", bonus, err)
	}
	if err := json.Unmarshal(splitsJSON, &st.Splits); err != nil {
		return nil, fmt.Errorf("invalid splits: %w", err)
	}

	st.LockUntil = st.LockUntil.UTC()
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	st.ReleasedAt = utcPtr(st.ReleasedAt)
	st.RevertedAt = utcPtr(st.RevertedAt)
	st.FrozenAt = utcPtr(st.FrozenAt)
	return &st, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// insertSettlement inserts s unless its order id exists, reporting whether a
// row was written.
func insertSettlement(ctx context.Context, tx pgx.Tx, s *settlement.Settlement) (bool, error) {
	splitsJSON, err := json.Marshal(s.Splits)
	if err != nil {
		return false, fmt.Errorf("failed to encode splits: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO settlements (
			order_id, link_id, asset_type, scenario_id, currency, gross_amount, status, lock_until,
			rule_version, base_rate, pool_rate, promoter_bonus_pct, splits,
			attributed_role, attributed_party_id, attributed_amount, created_at, updated_at
		) VALUES (
			$1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8,
			$9, $10::text::numeric, $11::text::numeric, $12::text::numeric, $13,
			$14, $15, $16, $17, $18
		)
		ON CONFLICT (order_id) DO NOTHING`,
		s.OrderID, s.LinkID, string(s.AssetType), string(s.ScenarioID), s.Currency, s.GrossAmount, string(s.Status), s.LockUntil,
		s.RuleVersion, s.BaseRate.String(), s.PoolRate.String(), s.PromoterBonusPct.String(), splitsJSON,
		string(s.AttributedRole), s.AttributedPartyID, s.AttributedAmount, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert settlement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, history []settlement.Transition) error {
	for _, tr := range history {
		if _, err := tx.Exec(ctx, `
			INSERT INTO settlement_transitions (order_id, from_status, to_status, reason, at)
			VALUES ($1, $2, $3, $4, $5)`,
			tr.OrderID, string(tr.From), string(tr.To), tr.Reason, tr.At,
		); err != nil {
			return fmt.Errorf("failed to insert transition: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateSettlement(ctx context.Context, st *settlement.Settlement, history []settlement.Transition) (_ *settlement.Settlement, created bool, err error) {
	defer observe("create_settlement", time.Now(), &err)

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		created, err = insertSettlement(ctx, tx, st)
		if err != nil || !created {
			return err
		}
		return insertHistory(ctx, tx, history)
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := s.GetSettlement(ctx, st.OrderID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing settlement: %w", err)
		}
		return existing, false, nil
	}
	return st.Clone(), true, nil
}

func (s *Store) GetSettlement(ctx context.Context, orderID string) (_ *settlement.Settlement, err error) {
	defer observe("get_settlement", time.Now(), &err)

	st, err := scanSettlement(s.pool.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, settlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement: %w", err)
	}
	return st, nil
}

func (s *Store) querySettlements(ctx context.Context, sql string, args ...any) ([]settlement.Settlement, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	out := []settlement.Settlement{}
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settlements: %w", err)
	}
	return out, nil
}

func (s *Store) ListSettlements(ctx context.Context, filter settlement.ListFilter) (_ []settlement.Settlement, total int, err error) {
	defer observe("list_settlements", time.Now(), &err)

	status := string(filter.Status)
	if err = s.pool.QueryRow(ctx, `
		SELECT count(*) FROM settlements WHERE ($1::text = '' OR status = $1::text)`, status,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count settlements: %w", err)
	}

	list, err := s.querySettlements(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC, order_id
		LIMIT NULLIF($2::int, 0) OFFSET $3::int`,
		status, max(filter.Limit, 0), max(filter.Offset, 0),
	)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) (_ []settlement.Settlement, err error) {
	defer observe("list_due", time.Now(), &err)

	return s.querySettlements(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE status = 'locked' AND frozen_at IS NULL AND lock_until <= $1
		ORDER BY lock_until, order_id
		LIMIT NULLIF($2::int, 0)`, now, max(limit, 0))
}

// Transition locks the row, checks the current status, applies the change and
// appends history in one transaction. A release also credits the link's
// commissionAccrued.
func (s *Store) Transition(ctx context.Context, orderID string, from []settlement.Status, to settlement.Status, reason string, at time.Time) (_ *settlement.Settlement, err error) {
	defer observe("transition", time.Now(), &err)

	var updated *settlement.Settlement
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		locked, err := lockSettlement(ctx, tx, orderID)
		if err != nil {
			return err
		}
		cur := locked.Status
		if !slices.Contains(from, cur) || !settlement.CanTransition(cur, to) {
			return &settlement.TransitionError{OrderID: orderID, From: cur, To: to}
		}
		if locked.HoldBlocks(to) {
			return fmt.Errorf("%w: order %s", settlement.ErrFrozen, orderID)
		}

		updated, err = scanSettlement(tx.QueryRow(ctx, `
			UPDATE settlements SET
				status = $2,
				updated_at = $3,
				released_at = CASE WHEN $2 = 'released' THEN $3 ELSE released_at END,
				reverted_at = CASE WHEN $2 = 'reverted' THEN $3 ELSE reverted_at END,
				revert_reason = CASE WHEN $2 = 'reverted' THEN $4 ELSE revert_reason END,
				frozen_at = CASE WHEN $2 = 'reverted' THEN NULL ELSE frozen_at END,
				freeze_reason = CASE WHEN $2 = 'reverted' THEN '' ELSE freeze_reason END
			WHERE order_id = $1
			RETURNING `+settlementColumns,
			orderID, string(to), at, reason,
		))
		if err != nil {
			return fmt.Errorf("failed to update settlement: %w", err)
		}

		if err := insertHistory(ctx, tx, []settlement.Transition{{
			OrderID: orderID, From: cur, To: to, Reason: reason, At: at,
		}}); err != nil {
			return err
		}

		if to == settlement.StatusReleased && updated.LinkID != "" && updated.AttributedAmount > 0 {
			if _, err := tx.Exec(ctx, `
				UPDATE referral_links SET commission_accrued = commission_accrued + $2
				WHERE id = $1::uuid`, updated.LinkID, updated.AttributedAmount,
			); err != nil {
				return fmt.Errorf("failed to accrue commission: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func lockSettlement(ctx context.Context, tx pgx.Tx, orderID string) (*settlement.Settlement, error) {
	st, err := scanSettlement(tx.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE order_id = $1 FOR UPDATE`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, settlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock settlement: %w", err)
	}
	return st, nil
}

// setHold locks the row, lets change mutate it, and writes the hold columns and
// the history entry change returned. A nil entry leaves the row untouched.
func (s *Store) setHold(ctx context.Context, orderID string, change func(*settlement.Settlement) (*settlement.Transition, error)) (*settlement.Settlement, error) {
	var st *settlement.Settlement
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		st, err = lockSettlement(ctx, tx, orderID)
		if err != nil {
			return err
		}
		tr, err := change(st)
		if err != nil || tr == nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE settlements SET frozen_at = $2, freeze_reason = $3, updated_at = $4
			WHERE order_id = $1`,
			orderID, st.FrozenAt, st.FreezeReason, st.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to update hold: %w", err)
		}
		return insertHistory(ctx, tx, []settlement.Transition{*tr})
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) Freeze(ctx context.Context, orderID, reason string, at time.Time) (_ *settlement.Settlement, err error) {
	defer observe("freeze", time.Now(), &err)

	return s.setHold(ctx, orderID, func(st *settlement.Settlement) (*settlement.Transition, error) {
		return st.Freeze(reason, at)
	})
}

func (s *Store) Unfreeze(ctx context.Context, orderID string, at time.Time) (_ *settlement.Settlement, err error) {
	defer observe("unfreeze", time.Now(), &err)

	return s.setHold(ctx, orderID, func(st *settlement.Settlement) (*settlement.Transition, error) {
		return st.Unfreeze(at), nil
	})
}

func (s *Store) History(ctx context.Context, orderID string) (_ []settlement.Transition, err error) {
	defer observe("history", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT order_id, from_status, to_status, reason, at
		FROM settlement_transitions
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []settlement.Transition{}
	for rows.Next() {
		var tr settlement.Transition
		var from, to string
		if err := rows.Scan(&tr.OrderID, &from, &to, &tr.Reason, &tr.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.From = settlement.Status(from)
		tr.To = settlement.Status(to)
		tr.At = tr.At.UTC()
		history = append(history, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	if len(history) == 0 {
		return nil, settlement.ErrNotFound
	}
	return history, nil
}

// RecordConversion bumps the link's conversion counter, inserts the settlement
// and the event in one transaction. A known order id rolls everything back and
// returns the existing records.
func (s *Store) RecordConversion(ctx context.Context, ev *attribution.ConversionEvent, st *settlement.Settlement, history []settlement.Transition) (_ *attribution.Conversion, created bool, err error) {
	defer observe("record_conversion", time.Now(), &err)

	errDuplicate := errors.New("duplicate")
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var disabled bool
		err := tx.QueryRow(ctx, `
			UPDATE referral_links SET conversions = conversions + 1
			WHERE id = $1::uuid
			RETURNING disabled_at IS NOT NULL`, ev.LinkID).Scan(&disabled)
		if errors.Is(err, pgx.ErrNoRows) {
			return attribution.ErrLinkNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to update link: %w", err)
		}
		if disabled {
			return attribution.ErrLinkDisabled
		}

		inserted, err := insertSettlement(ctx, tx, st)
		if err != nil {
			return err
		}
		if !inserted {
			return errDuplicate
		}
		if err := insertHistory(ctx, tx, history); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversion_events (
				id, link_id, order_id, gross_amount, currency, asset_type, scenario_id,
				execution_agent_id, promoter_id, occurred_at
			) VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10)`,
			ev.ID, ev.LinkID, ev.OrderID, ev.GrossAmount, ev.Currency, string(ev.AssetType), string(ev.ScenarioID),
			ev.ExecutionAgentID, ev.PromoterID, ev.OccurredAt,
		); err != nil {
			return fmt.Errorf("failed to insert conversion event: %w", err)
		}
		return nil
	})
	if errors.Is(err, errDuplicate) {
		existing, gerr := s.GetConversion(ctx, ev.OrderID)
		if gerr != nil {
			return nil, false, fmt.Errorf("failed to load existing conversion: %w", gerr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	evCopy := *ev
	return &attribution.Conversion{Event: &evCopy, Settlement: st.Clone()}, true, nil
}

func (s *Store) GetConversion(ctx context.Context, orderID string) (_ *attribution.Conversion, err error) {
	defer observe("get_conversion", time.Now(), &err)

	st, err := s.GetSettlement(ctx, orderID)
	if errors.Is(err, settlement.ErrNotFound) {
		return nil, attribution.ErrConversionNotFound
	}
	if err != nil {
		return nil, err
	}

	var ev attribution.ConversionEvent
	var assetType, scenarioID string
	err = s.pool.QueryRow(ctx, `
		SELECT id::text, link_id::text, order_id, gross_amount, currency, asset_type, scenario_id,
			execution_agent_id, promoter_id, occurred_at
		FROM conversion_events WHERE order_id = $1`, orderID,
	).Scan(
		&ev.ID, &ev.LinkID, &ev.OrderID, &ev.GrossAmount, &ev.Currency, &assetType, &scenarioID,
		&ev.ExecutionAgentID, &ev.PromoterID, &ev.OccurredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return &attribution.Conversion{Settlement: st}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversion event: %w", err)
	}
	ev.AssetType = ratetable.AssetType(assetType)
	ev.ScenarioID = scenario.ID(scenarioID)
	ev.OccurredAt = ev.OccurredAt.UTC()
	return &attribution.Conversion{Event: &ev, Settlement: st}, nil
}
