package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/malbeclabs/commission/engine/pkg/attribution"
)

var ErrInvalidOwner = errors.New("owner id is required")

// Reader is the read side the aggregator projects over.
type Reader interface {
	ListLinksByOwner(ctx context.Context, ownerID string) ([]attribution.Link, error)
	PendingAttributedByOwner(ctx context.Context, ownerID string) (int64, error)
}

type Config struct {
	Logger *slog.Logger
	Reader Reader
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Reader == nil {
		return errors.New("reader is required")
	}
	return nil
}

// Aggregator computes dashboard rollups. It keeps no state of its own, and its
// results may lag the latest writes.
type Aggregator struct {
	log *slog.Logger
	cfg Config
}

func NewAggregator(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

type LinkStats struct {
	LinkID            string  `json:"linkId"`
	ShortCode         string  `json:"shortCode"`
	Role              string  `json:"role"`
	Disabled          bool    `json:"disabled"`
	Clicks            int64   `json:"clicks"`
	Conversions       int64   `json:"conversions"`
	CommissionAccrued int64   `json:"commissionAccrued"`
	ConversionRate    float64 `json:"conversionRate"`
}

type Stats struct {
	OwnerID           string      `json:"ownerId"`
	TotalReferrals    int         `json:"totalReferrals"`
	ActiveReferrals   int         `json:"activeReferrals"`
	TotalClicks       int64       `json:"totalClicks"`
	TotalConversions  int64       `json:"totalConversions"`
	ConversionRate    float64     `json:"conversionRate"`
	TotalCommission   int64       `json:"totalCommission"`
	PendingCommission int64       `json:"pendingCommission"`
	Links             []LinkStats `json:"links"`
}

// Stats rolls up every link the owner created, disabled ones included.
// TotalCommission counts released settlements only; PendingCommission counts
// locked and releasable ones.
func (a *Aggregator) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrInvalidOwner
	}

	links, err := a.cfg.Reader.ListLinksByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	pending, err := a.cfg.Reader.PendingAttributedByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum pending commission: %w", err)
	}

	stats := &Stats{
		OwnerID:           ownerID,
		TotalReferrals:    len(links),
		PendingCommission: pending,
		Links:             make([]LinkStats, 0, len(links)),
	}
	for i := range links {
		l := &links[i]
		if !l.Disabled() {
			stats.ActiveReferrals++
		}
		stats.TotalClicks += l.Clicks
		stats.TotalConversions += l.Conversions
		stats.TotalCommission += l.CommissionAccrued
		stats.Links = append(stats.Links, LinkStats{
			LinkID:            l.ID,
			ShortCode:         l.ShortCode,
			Role:              string(l.Role),
			Disabled:          l.Disabled(),
			Clicks:            l.Clicks,
			Conversions:       l.Conversions,
			CommissionAccrued: l.CommissionAccrued,
			ConversionRate:    l.ConversionRate(),
		})
	}
	stats.ConversionRate = conversionRate(stats.TotalConversions, stats.TotalClicks)

	sort.SliceStable(stats.Links, func(i, j int) bool {
		return stats.Links[i].Clicks > stats.Links[j].Clicks
	})

	a.log.Debug("ledger: computed stats", "owner_id", ownerID, "links", len(links))
	return stats, nil
}

func conversionRate(conversions, clicks int64) float64 {
	if clicks == 0 {
		return 0
	}
	return float64(conversions) / float64(clicks)
}
