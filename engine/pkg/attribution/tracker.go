package attribution

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/commission/engine/pkg/metrics"
	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
	"github.com/malbeclabs/commission/engine/pkg/split"
)

const DefaultMaxShortCodeAttempts = 8

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Calculator prices a transaction.
type Calculator interface {
	Compute(grossAmount int64, assetType ratetable.AssetType, scenarioID scenario.ID, parties split.Parties) (split.Breakdown, error)
}

// Settler builds settlements and announces the ones that were persisted.
type Settler interface {
	Prepare(p settlement.Params) (*settlement.Settlement, []settlement.Transition, error)
	Announce(ctx context.Context, s *settlement.Settlement)
}

type TrackerConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Store      Store
	Calculator Calculator
	Settler    Settler

	ShortCodeBytes       int
	MaxShortCodeAttempts int
	Random               io.Reader
}

func (cfg *TrackerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Calculator == nil {
		return errors.New("calculator is required")
	}
	if cfg.Settler == nil {
		return errors.New("settler is required")
	}
	if cfg.ShortCodeBytes == 0 {
		cfg.ShortCodeBytes = DefaultShortCodeBytes
	}
	if cfg.ShortCodeBytes < minShortCodeBytes || cfg.ShortCodeBytes > maxShortCodeBytes {
		return fmt.Errorf("short code bytes must be between %d and %d, got %d", minShortCodeBytes, maxShortCodeBytes, cfg.ShortCodeBytes)
	}
	if cfg.MaxShortCodeAttempts <= 0 {
		cfg.MaxShortCodeAttempts = DefaultMaxShortCodeAttempts
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Tracker manages referral links and turns conversions into settlements.
type Tracker struct {
	log *slog.Logger
	cfg TrackerConfig
}

func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

type CreateLinkInput struct {
	OwnerID   string `json:"ownerId"`
	TargetURL string `json:"targetUrl"`
	Role      Role   `json:"role,omitempty"`
}

// CreateLink creates a link with a fresh short code, retrying on collision.
func (t *Tracker) CreateLink(ctx context.Context, in CreateLinkInput) (*Link, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return nil, fmt.Errorf("%w: ownerId is required", ErrInvalidInput)
	}
	if err := validateTargetURL(in.TargetURL); err != nil {
		return nil, err
	}
	if in.Role == "" {
		in.Role = RoleReferral
	}
	if !in.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}

	for attempt := 1; attempt <= t.cfg.MaxShortCodeAttempts; attempt++ {
		code, err := newShortCode(t.cfg.Random, t.cfg.ShortCodeBytes)
		if err != nil {
			return nil, err
		}
		link := &Link{
			ID:        uuid.NewString(),
			OwnerID:   in.OwnerID,
			TargetURL: in.TargetURL,
			ShortCode: code,
			Role:      in.Role,
			CreatedAt: t.cfg.Clock.Now().UTC(),
		}
		err = t.cfg.Store.CreateLink(ctx, link)
		if errors.Is(err, ErrShortCodeTaken) {
			t.log.Warn("attribution: short code collision", "short_code", code, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create link: %w", err)
		}
		t.log.Info("attribution: link created", "link_id", link.ID, "owner_id", link.OwnerID, "short_code", code, "role", link.Role)
		return link, nil
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrShortCodeUnavailable, t.cfg.MaxShortCodeAttempts)
}

// RecordClick counts one click. Clicks are not de-duplicated: every request
// increments the counter, including reloads by the same visitor.
func (t *Tracker) RecordClick(ctx context.Context, shortCode string) (*Link, error) {
	if err := ValidateShortCode(shortCode); err != nil {
		metrics.ClicksTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	link, err := t.cfg.Store.RecordClick(ctx, shortCode)
	if err != nil {
		switch {
		case errors.Is(err, ErrLinkNotFound):
			metrics.ClicksTotal.WithLabelValues("not_found").Inc()
		case errors.Is(err, ErrLinkDisabled):
			metrics.ClicksTotal.WithLabelValues("disabled").Inc()
		default:
			metrics.ClicksTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	metrics.ClicksTotal.WithLabelValues("ok").Inc()
	return link, nil
}

type ConversionInput struct {
	ShortCode        string              `json:"shortCode"`
	OrderID          string              `json:"orderId"`
	GrossAmount      int64               `json:"grossAmount"`
	Currency         string              `json:"currency"`
	AssetType        ratetable.AssetType `json:"assetType"`
	ScenarioID       scenario.ID         `json:"scenarioId"`
	ExecutionAgentID string              `json:"executionAgentId,omitempty"`
	PromoterID       string              `json:"promoterId,omitempty"`
}

type ConversionResult struct {
	Event      *ConversionEvent       `json:"event,omitempty"`
	Settlement *settlement.Settlement `json:"settlement"`
	Duplicate  bool                   `json:"duplicate"`
}

// RecordConversion attributes an order to a link and creates its settlement.
// Order ids are globally unique: a repeated order returns the original records
// with Duplicate set and touches no counters.
func (t *Tracker) RecordConversion(ctx context.Context, in ConversionInput) (*ConversionResult, error) {
	res, err := t.recordConversion(ctx, in)
	switch {
	case err != nil:
		metrics.ConversionsTotal.WithLabelValues("error").Inc()
	case res.Duplicate:
		metrics.ConversionsTotal.WithLabelValues("duplicate").Inc()
	default:
		metrics.ConversionsTotal.WithLabelValues("ok").Inc()
	}
	return res, err
}

func (t *Tracker) recordConversion(ctx context.Context, in ConversionInput) (*ConversionResult, error) {
	if err := ValidateShortCode(in.ShortCode); err != nil {
		return nil, err
	}
	if err := ValidateOrder(in.OrderID, in.GrossAmount, in.Currency); err != nil {
		return nil, err
	}

	existing, err := t.cfg.Store.GetConversion(ctx, in.OrderID)
	if err == nil {
		return &ConversionResult{Event: existing.Event, Settlement: existing.Settlement, Duplicate: true}, nil
	}
	if !errors.Is(err, ErrConversionNotFound) {
		return nil, fmt.Errorf("failed to check order: %w", err)
	}

	link, err := t.cfg.Store.GetLinkByShortCode(ctx, in.ShortCode)
	if err != nil {
		return nil, err
	}
	if link.Disabled() {
		return nil, fmt.Errorf("%w: %s", ErrLinkDisabled, link.ShortCode)
	}

	parties := split.Parties{ExecutionAgentID: in.ExecutionAgentID}
	attr := &settlement.Attribution{LinkID: link.ID, PartyID: link.OwnerID}
	switch link.Role {
	case RolePromoter:
		if in.PromoterID != "" && in.PromoterID != link.OwnerID {
			return nil, fmt.Errorf("%w: promoter link already names its promoter", ErrInvalidInput)
		}
		parties.PromoterID = link.OwnerID
		attr.Role = split.RolePromoter
	default:
		parties.ReferralAgentID = link.OwnerID
		parties.PromoterID = in.PromoterID
		attr.Role = split.RoleReferralAgent
	}

	breakdown, err := t.cfg.Calculator.Compute(in.GrossAmount, in.AssetType, in.ScenarioID, parties)
	if err != nil {
		if errors.Is(err, split.ErrRateOverflow) {
			t.log.Error("attribution: rate configuration overflow", "order_id", in.OrderID, "asset_type", in.AssetType, "scenario", in.ScenarioID, "error", err)
		}
		return nil, err
	}

	st, history, err := t.cfg.Settler.Prepare(settlement.Params{
		OrderID:     in.OrderID,
		Currency:    in.Currency,
		Breakdown:   breakdown,
		Attribution: attr,
	})
	if err != nil {
		return nil, err
	}

	ev := &ConversionEvent{
		ID:               uuid.NewString(),
		LinkID:           link.ID,
		OrderID:          in.OrderID,
		GrossAmount:      in.GrossAmount,
		Currency:         in.Currency,
		AssetType:        breakdown.AssetType,
		ScenarioID:       breakdown.ScenarioID,
		ExecutionAgentID: in.ExecutionAgentID,
		PromoterID:       parties.PromoterID,
		OccurredAt:       st.CreatedAt,
	}

	conv, created, err := t.cfg.Store.RecordConversion(ctx, ev, st, history)
	if err != nil {
		return nil, fmt.Errorf("failed to record conversion: %w", err)
	}
	if !created {
		t.log.Info("attribution: duplicate conversion", "order_id", in.OrderID)
		return &ConversionResult{Event: conv.Event, Settlement: conv.Settlement, Duplicate: true}, nil
	}

	t.log.Info("attribution: conversion recorded",
		"order_id", in.OrderID,
		"link_id", link.ID,
		"gross_amount", in.GrossAmount,
		"attributed_amount", conv.Settlement.AttributedAmount,
	)
	t.cfg.Settler.Announce(ctx, conv.Settlement)
	return &ConversionResult{Event: conv.Event, Settlement: conv.Settlement}, nil
}

// DisableLink soft-disables a link owned by ownerID. Disabling twice is a no-op.
func (t *Tracker) DisableLink(ctx context.Context, linkID, ownerID string) (*Link, error) {
	link, err := t.cfg.Store.GetLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if link.OwnerID != ownerID {
		return nil, ErrLinkNotFound
	}
	if link.Disabled() {
		return link, nil
	}
	link, err = t.cfg.Store.DisableLink(ctx, linkID, t.cfg.Clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to disable link: %w", err)
	}
	t.log.Info("attribution: link disabled", "link_id", linkID, "owner_id", ownerID)
	return link, nil
}

func (t *Tracker) ListLinks(ctx context.Context, ownerID string) ([]Link, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: ownerId is required", ErrInvalidInput)
	}
	return t.cfg.Store.ListLinksByOwner(ctx, ownerID)
}

// ValidateOrder checks the order fields shared by conversions and direct orders.
func ValidateOrder(orderID string, grossAmount int64, currency string) error {
	if err := settlement.ValidateOrderID(orderID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if grossAmount <= 0 {
		return fmt.Errorf("%w: gross amount must be positive, got %d", split.ErrInvalidAmount, grossAmount)
	}
	if !currencyPattern.MatchString(currency) {
		return fmt.Errorf("%w: currency must be a 3-letter uppercase code, got %q", ErrInvalidInput, currency)
	}
	return nil
}

func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: targetUrl must be an absolute http(s) URL", ErrInvalidInput)
	}
	return nil
}
