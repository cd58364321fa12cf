package attribution

import (
	"context"
	"errors"
	"time"

	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidShortCode     = errors.New("invalid short code")
	ErrLinkNotFound         = errors.New("referral link not found")
	ErrLinkDisabled         = errors.New("referral link disabled")
	ErrShortCodeTaken       = errors.New("short code already taken")
	ErrShortCodeUnavailable = errors.New("could not allocate a unique short code")
	ErrConversionNotFound   = errors.New("conversion not found")
)

// Role is what a link's owner earns as when the link converts.
type Role string

const (
	RoleReferral Role = "referral"
	RolePromoter Role = "promoter"
)

func (r Role) Valid() bool {
	return r == RoleReferral || r == RolePromoter
}

// Link is a referral short-link. Links are never deleted, only disabled.
type Link struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"ownerId"`
	TargetURL         string     `json:"targetUrl"`
	ShortCode         string     `json:"shortCode"`
	Role              Role       `json:"role"`
	CreatedAt         time.Time  `json:"createdAt"`
	DisabledAt        *time.Time `json:"disabledAt,omitempty"`
	Clicks            int64      `json:"clicks"`
	Conversions       int64      `json:"conversions"`
	CommissionAccrued int64      `json:"commissionAccrued"`
}

func (l *Link) Disabled() bool {
	return l.DisabledAt != nil
}

// ConversionRate is conversions per click, 0 when there are no clicks.
func (l *Link) ConversionRate() float64 {
	if l.Clicks == 0 {
		return 0
	}
	return float64(l.Conversions) / float64(l.Clicks)
}

func (l *Link) Clone() *Link {
	c := *l
	if l.DisabledAt != nil {
		t := *l.DisabledAt
		c.DisabledAt = &t
	}
	return &c
}

// ConversionEvent is an immutable record of an attributed purchase. OrderID is
// globally unique.
type ConversionEvent struct {
	ID               string              `json:"id"`
	LinkID           string              `json:"linkId"`
	OrderID          string              `json:"orderId"`
	GrossAmount      int64               `json:"grossAmount"`
	Currency         string              `json:"currency"`
	AssetType        ratetable.AssetType `json:"assetType"`
	ScenarioID       scenario.ID         `json:"scenarioId"`
	ExecutionAgentID string              `json:"executionAgentId,omitempty"`
	PromoterID       string              `json:"promoterId,omitempty"`
	OccurredAt       time.Time           `json:"occurredAt"`
}

// Conversion pairs a conversion event with the settlement it created. Event is
// nil when the order was first settled directly, without a link.
type Conversion struct {
	Event      *ConversionEvent       `json:"event,omitempty"`
	Settlement *settlement.Settlement `json:"settlement"`
}

// Store persists links and conversions.
type Store interface {
	// CreateLink inserts a link, failing with ErrShortCodeTaken on collision.
	CreateLink(ctx context.Context, link *Link) error
	GetLink(ctx context.Context, id string) (*Link, error)
	GetLinkByShortCode(ctx context.Context, shortCode string) (*Link, error)
	ListLinksByOwner(ctx context.Context, ownerID string) ([]Link, error)
	DisableLink(ctx context.Context, id string, at time.Time) (*Link, error)

	// RecordClick atomically increments the link's click counter.
	RecordClick(ctx context.Context, shortCode string) (*Link, error)

	// RecordConversion atomically inserts the event and its settlement and
	// increments the link's conversion counter. If the order id is already
	// known it changes nothing and returns the existing records with
	// created=false. A link disabled concurrently fails with ErrLinkDisabled.
	RecordConversion(ctx context.Context, ev *ConversionEvent, s *settlement.Settlement, history []settlement.Transition) (conv *Conversion, created bool, err error)
	GetConversion(ctx context.Context, orderID string) (*Conversion, error)
}
