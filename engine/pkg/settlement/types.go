package settlement

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/malbeclabs/commission/engine/pkg/split"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("settlement not found")
	ErrIllegalTransition = errors.New("illegal settlement transition")
	ErrFrozen            = errors.New("settlement is frozen")
	ErrSplitMismatch     = errors.New("splits do not sum to gross amount")
	ErrInvalidOrder      = errors.New("invalid order")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusLocked     Status = "locked"
	StatusReleasable Status = "releasable"
	StatusReleased   Status = "released"
	StatusReverted   Status = "reverted"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusLocked, StatusReverted},
	StatusLocked:     {StatusReleasable, StatusReverted},
	StatusReleasable: {StatusReleased, StatusReverted},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusLocked, StatusReleasable, StatusReleased, StatusReverted:
		return true
	}
	return false
}

// TransitionError is returned when a settlement is not in a state that allows
// the requested transition. It matches ErrIllegalTransition.
type TransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: order %s cannot move from %s to %s", ErrIllegalTransition, e.OrderID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// Settlement is the frozen split of one order plus its release state. Rates and
// splits are captured at creation and never recomputed.
type Settlement struct {
	OrderID     string              `json:"orderId"`
	LinkID      string              `json:"linkId,omitempty"`
	AssetType   ratetable.AssetType `json:"assetType"`
	ScenarioID  scenario.ID         `json:"scenarioId"`
	Currency    string              `json:"currency"`
	GrossAmount int64               `json:"grossAmount"`
	Status      Status              `json:"status"`
	LockUntil   time.Time           `json:"lockUntil"`

	RuleVersion      string          `json:"ruleVersion"`
	BaseRate         decimal.Decimal `json:"baseRate"`
	PoolRate         decimal.Decimal `json:"poolRate"`
	PromoterBonusPct decimal.Decimal `json:"promoterBonusPct"`
	Splits           []split.Split   `json:"splits"`

	// The link owner's share, credited to the link's commissionAccrued on release.
	AttributedRole    split.Role `json:"attributedRole,omitempty"`
	AttributedPartyID string     `json:"attributedPartyId,omitempty"`
	AttributedAmount  int64      `json:"attributedAmount"`

	RevertReason string     `json:"revertReason,omitempty"`

	// A hold blocks release while the order is disputed. Lock expiry keeps
	// running underneath it.
	FrozenAt     *time.Time `json:"frozenAt,omitempty"`
	FreezeReason string     `json:"freezeReason,omitempty"`

	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ReleasedAt   *time.Time `json:"releasedAt,omitempty"`
	RevertedAt   *time.Time `json:"revertedAt,omitempty"`
}

// Clone returns a deep copy.
func (s *Settlement) Clone() *Settlement {
	c := *s
	c.Splits = slices.Clone(s.Splits)
	if s.ReleasedAt != nil {
		t := *s.ReleasedAt
		c.ReleasedAt = &t
	}
	if s.RevertedAt != nil {
		t := *s.RevertedAt
		c.RevertedAt = &t
	}
	if s.FrozenAt != nil {
		t := *s.FrozenAt
		c.FrozenAt = &t
	}
	return &c
}

func (s *Settlement) Frozen() bool {
	return s.FrozenAt != nil
}

// HoldBlocks reports whether a hold on the settlement prevents moving it to
// status to. Reverting a frozen settlement is allowed.
func (s *Settlement) HoldBlocks(to Status) bool {
	return s.Frozen() && (to == StatusReleasable || to == StatusReleased)
}

// Freeze places a hold. It returns nil if the settlement is already frozen, and
// an ErrIllegalTransition error if it is released or reverted.
func (s *Settlement) Freeze(reason string, at time.Time) (*Transition, error) {
	if s.Status.Terminal() {
		return nil, fmt.Errorf("%w: order %s is %s and cannot be frozen", ErrIllegalTransition, s.OrderID, s.Status)
	}
	if s.Frozen() {
		return nil, nil
	}
	if reason == "" {
		reason = ReasonDisputed
	}
	s.FrozenAt = &at
	s.FreezeReason = reason
	s.UpdatedAt = at
	return &Transition{OrderID: s.OrderID, From: s.Status, To: s.Status, Reason: ReasonFrozen + ": " + reason, At: at}, nil
}

// Unfreeze lifts the hold. It returns nil if there was none.
func (s *Settlement) Unfreeze(at time.Time) *Transition {
	if !s.Frozen() {
		return nil
	}
	s.FrozenAt = nil
	s.FreezeReason = ""
	s.UpdatedAt = at
	return &Transition{OrderID: s.OrderID, From: s.Status, To: s.Status, Reason: ReasonUnfrozen, At: at}
}

// Apply moves the settlement to status at the given time. The caller must have
// checked CanTransition.
func (s *Settlement) Apply(to Status, reason string, at time.Time) Transition {
	tr := Transition{OrderID: s.OrderID, From: s.Status, To: to, Reason: reason, At: at}
	s.Status = to
	s.UpdatedAt = at
	switch to {
	case StatusReleased:
		s.ReleasedAt = &at
	case StatusReverted:
		s.RevertedAt = &at
		s.RevertReason = reason
		s.FrozenAt = nil
		s.FreezeReason = ""
	}
	return tr
}

// Transition is one append-only history entry.
type Transition struct {
	OrderID string    `json:"orderId"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Attribution names the referral link whose owner earns a share of the order.
type Attribution struct {
	LinkID  string
	Role    split.Role
	PartyID string
}

// Params describe an order to settle.
type Params struct {
	OrderID     string
	Currency    string
	Breakdown   split.Breakdown
	Attribution *Attribution
}

const (
	ReasonPriced      = "priced"
	ReasonInstant     = "instant settlement"
	ReasonLockElapsed = "lock period elapsed"
	ReasonPayoutAcked = "payout acknowledged"
	ReasonFrozen      = "frozen"
	ReasonUnfrozen    = "hold released"
	ReasonDisputed    = "disputed"
)

var orderIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ValidateOrderID checks that an order id fits in a single URL path segment
// and an object key without escaping.
func ValidateOrderID(orderID string) error {
	if !orderIDPattern.MatchString(orderID) || strings.Trim(orderID, ".") == "" {
		return fmt.Errorf("%w: order id must be 1-128 characters of A-Z, a-z, 0-9, '.', '_', ':' or '-', got %q", ErrInvalidOrder, orderID)
	}
	return nil
}

// Build creates a settlement from a computed breakdown. The settlement is
// returned locked until now + the rule's settlement delay, or releasable if the
// delay is zero, together with the transitions that got it there.
func Build(p Params, now time.Time) (*Settlement, []Transition, error) {
	if err := ValidateOrderID(p.OrderID); err != nil {
		return nil, nil, err
	}
	b := p.Breakdown
	if len(b.Splits) == 0 {
		return nil, nil, fmt.Errorf("%w: no splits", ErrInvalidOrder)
	}
	if sum := split.Sum(b.Splits); sum != b.GrossAmount {
		return nil, nil, fmt.Errorf("%w: %d != %d", ErrSplitMismatch, sum, b.GrossAmount)
	}

	now = now.UTC()
	s := &Settlement{
		OrderID:          p.OrderID,
		AssetType:        b.AssetType,
		ScenarioID:       b.ScenarioID,
		Currency:         p.Currency,
		GrossAmount:      b.GrossAmount,
		Status:           StatusPending,
		LockUntil:        now.Add(b.SettlementDelay),
		RuleVersion:      b.RuleVersion,
		BaseRate:         b.BaseRate,
		PoolRate:         b.PoolRate,
		PromoterBonusPct: b.PromoterBonusPct,
		Splits:           slices.Clone(b.Splits),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if a := p.Attribution; a != nil {
		s.LinkID = a.LinkID
		s.AttributedRole = a.Role
		s.AttributedPartyID = a.PartyID
		for _, sp := range b.Splits {
			if sp.Role == a.Role && sp.PartyID == a.PartyID {
				s.AttributedAmount += sp.Amount
			}
		}
	}

	history := []Transition{s.Apply(StatusLocked, ReasonPriced, now)}
	if b.SettlementDelay == 0 {
		history = append(history, s.Apply(StatusReleasable, ReasonInstant, now))
	}
	return s, history, nil
}
