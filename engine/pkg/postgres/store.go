// Package postgres is the PostgreSQL implementation of the attribution,
// settlement and ledger stores.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/commission/engine/pkg/attribution"
	"github.com/malbeclabs/commission/engine/pkg/metrics"
)

const (
	uniqueViolation     = "23505"
	shortCodeConstraint = "referral_links_short_code_key"
	linkColumns         = `id::text, owner_id, target_url, short_code, role, created_at, disabled_at, clicks, conversions, commission_accrued`
)

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:  cfg.Logger,
		pool: cfg.Pool,
	}, nil
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// observe records a store operation's outcome and duration.
func observe(op string, start time.Time, err *error) {
	status := "ok"
	if *err != nil {
		status = "error"
	}
	metrics.StoreQueriesTotal.WithLabelValues(op, status).Inc()
	metrics.StoreQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func scanLink(row pgx.Row) (*attribution.Link, error) {
	var l attribution.Link
	var role string
	if err := row.Scan(
		&l.ID, &l.OwnerID, &l.TargetURL, &l.ShortCode, &role, &l.CreatedAt,
		&l.DisabledAt, &l.Clicks, &l.Conversions, &l.CommissionAccrued,
	); err != nil {
		return nil, err
	}
	l.Role = attribution.Role(role)
	l.CreatedAt = l.CreatedAt.UTC()
	if l.DisabledAt != nil {
		t := l.DisabledAt.UTC()
		l.DisabledAt = &t
	}
	return &l, nil
}

func (s *Store) CreateLink(ctx context.Context, link *attribution.Link) (err error) {
	defer observe("create_link", time.Now(), &err)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO referral_links (id, owner_id, target_url, short_code, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		link.ID, link.OwnerID, link.TargetURL, link.ShortCode, string(link.Role), link.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == shortCodeConstraint {
			return attribution.ErrShortCodeTaken
		}
		return fmt.Errorf("failed to insert link: %w", err)
	}
	return nil
}

func (s *Store) GetLink(ctx context.Context, id string) (_ *attribution.Link, err error) {
	defer observe("get_link", time.Now(), &err)

	if _, perr := uuid.Parse(id); perr != nil {
		return nil, attribution.ErrLinkNotFound
	}
	l, err := scanLink(s.pool.QueryRow(ctx, `SELECT `+linkColumns+` FROM referral_links WHERE id = $1`, id))
	return l, linkErr(err)
}

func (s *Store) GetLinkByShortCode(ctx context.Context, shortCode string) (_ *attribution.Link, err error) {
	defer observe("get_link_by_short_code", time.Now(), &err)

	l, err := scanLink(s.pool.QueryRow(ctx, `SELECT `+linkColumns+` FROM referral_links WHERE short_code = $1`, shortCode))
	return l, linkErr(err)
}

func linkErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return attribution.ErrLinkNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to query link: %w", err)
	}
	return nil
}

func (s *Store) ListLinksByOwner(ctx context.Context, ownerID string) (_ []attribution.Link, err error) {
	defer observe("list_links_by_owner", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT `+linkColumns+` FROM referral_links
		WHERE owner_id = $1
		ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	links := []attribution.Link{}
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate links: %w", err)
	}
	return links, nil
}

func (s *Store) DisableLink(ctx context.Context, id string, at time.Time) (_ *attribution.Link, err error) {
	defer observe("disable_link", time.Now(), &err)

	if _, perr := uuid.Parse(id); perr != nil {
		return nil, attribution.ErrLinkNotFound
	}
	l, err := scanLink(s.pool.QueryRow(ctx, `
		UPDATE referral_links SET disabled_at = COALESCE(disabled_at, $2)
		WHERE id = $1
		RETURNING `+linkColumns, id, at))
	return l, linkErr(err)
}

// RecordClick increments the counter in place, so concurrent clicks never lose
// updates.
func (s *Store) RecordClick(ctx context.Context, shortCode string) (_ *attribution.Link, err error) {
	defer observe("record_click", time.Now(), &err)

	l, err := scanLink(s.pool.QueryRow(ctx, `
		UPDATE referral_links SET clicks = clicks + 1
		WHERE short_code = $1 AND disabled_at IS NULL
		RETURNING `+linkColumns, shortCode))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, gerr := s.GetLinkByShortCode(ctx, shortCode)
		if gerr != nil {
			return nil, gerr
		}
		if existing.Disabled() {
			return nil, attribution.ErrLinkDisabled
		}
		return nil, attribution.ErrLinkNotFound
	}
	return l, linkErr(err)
}

// PendingAttributedByOwner sums the attributed amounts of locked and releasable
// settlements on the owner's links.
func (s *Store) PendingAttributedByOwner(ctx context.Context, ownerID string) (total int64, err error) {
	defer observe("pending_attributed_by_owner", time.Now(), &err)

	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(s.attributed_amount), 0)::bigint
		FROM settlements s
		JOIN referral_links l ON l.id = s.link_id
		WHERE l.owner_id = $1 AND s.status IN ('locked', 'releasable')`, ownerID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pending commission: %w", err)
	}
	return total, nil
}
