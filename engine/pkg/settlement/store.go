package settlement

import (
	"context"
	"time"
)

// ListFilter selects settlements for listing. An empty Status matches all.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// Store persists settlements and their transition history.
//
// Implementations must make CreateSettlement atomic with respect to the order
// id, and Transition atomic with respect to the settlement's current status.
// When a settlement with a link moves to released, Transition must add its
// AttributedAmount to that link's commissionAccrued in the same unit of work.
type Store interface {
	// CreateSettlement inserts s with its initial history. If the order id is
	// already known it returns the existing settlement and created=false.
	CreateSettlement(ctx context.Context, s *Settlement, history []Transition) (existing *Settlement, created bool, err error)
	GetSettlement(ctx context.Context, orderID string) (*Settlement, error)
	ListSettlements(ctx context.Context, filter ListFilter) ([]Settlement, int, error)
	// ListDue returns up to limit unfrozen locked settlements with
	// lockUntil <= now, oldest lock first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Settlement, error)
	// Transition moves the settlement to `to` if its current status is one of
	// `from`, returning a *TransitionError otherwise. A frozen settlement
	// cannot become releasable or released; that returns ErrFrozen.
	Transition(ctx context.Context, orderID string, from []Status, to Status, reason string, at time.Time) (*Settlement, error)
	// Freeze and Unfreeze place and lift a release hold, recording a history
	// entry only when the hold actually changes.
	Freeze(ctx context.Context, orderID, reason string, at time.Time) (*Settlement, error)
	Unfreeze(ctx context.Context, orderID string, at time.Time) (*Settlement, error)
	History(ctx context.Context, orderID string) ([]Transition, error)
}

// Notifier is told about every settlement that becomes releasable.
type Notifier interface {
	Releasable(ctx context.Context, s *Settlement) error
}
