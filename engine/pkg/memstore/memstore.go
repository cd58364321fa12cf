// Package memstore is an in-process implementation of the attribution,
// settlement and ledger stores. It is used by tests and by the API's --memory
// mode; all state is lost on restart.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/malbeclabs/commission/engine/pkg/attribution"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
)

type Store struct {
	mu sync.Mutex

	links       map[string]*attribution.Link // by id
	shortCodes  map[string]string            // short code -> link id
	conversions map[string]*attribution.ConversionEvent
	settlements map[string]*settlement.Settlement
	history     map[string][]settlement.Transition
}

func New() *Store {
	return &Store{
		links:       make(map[string]*attribution.Link),
		shortCodes:  make(map[string]string),
		conversions: make(map[string]*attribution.ConversionEvent),
		settlements: make(map[string]*settlement.Settlement),
		history:     make(map[string][]settlement.Transition),
	}
}

func (s *Store) CreateLink(_ context.Context, link *attribution.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shortCodes[link.ShortCode]; ok {
		return attribution.ErrShortCodeTaken
	}
	s.links[link.ID] = link.Clone()
	s.shortCodes[link.ShortCode] = link.ID
	return nil
}

func (s *Store) GetLink(_ context.Context, id string) (*attribution.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[id]
	if !ok {
		return nil, attribution.ErrLinkNotFound
	}
	return l.Clone(), nil
}

func (s *Store) GetLinkByShortCode(_ context.Context, shortCode string) (*attribution.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.linkByShortCodeLocked(shortCode)
	if err != nil {
		return nil, err
	}
	return l.Clone(), nil
}

func (s *Store) linkByShortCodeLocked(shortCode string) (*attribution.Link, error) {
	id, ok := s.shortCodes[shortCode]
	if !ok {
		return nil, attribution.ErrLinkNotFound
	}
	return s.links[id], nil
}

func (s *Store) ListLinksByOwner(_ context.Context, ownerID string) ([]attribution.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []attribution.Link{}
	for _, l := range s.links {
		if l.OwnerID == ownerID {
			out = append(out, *l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DisableLink(_ context.Context, id string, at time.Time) (*attribution.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[id]
	if !ok {
		return nil, attribution.ErrLinkNotFound
	}
	if l.DisabledAt == nil {
		l.DisabledAt = &at
	}
	return l.Clone(), nil
}

func (s *Store) RecordClick(_ context.Context, shortCode string) (*attribution.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.linkByShortCodeLocked(shortCode)
	if err != nil {
		return nil, err
	}
	if l.Disabled() {
		return nil, attribution.ErrLinkDisabled
	}
	l.Clicks++
	return l.Clone(), nil
}

func (s *Store) RecordConversion(_ context.Context, ev *attribution.ConversionEvent, st *settlement.Settlement, history []settlement.Transition) (*attribution.Conversion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settlements[ev.OrderID]; ok {
		return s.conversionLocked(ev.OrderID), false, nil
	}
	l, ok := s.links[ev.LinkID]
	if !ok {
		return nil, false, attribution.ErrLinkNotFound
	}
	if l.Disabled() {
		return nil, false, attribution.ErrLinkDisabled
	}

	evCopy := *ev
	s.conversions[ev.OrderID] = &evCopy
	s.settlements[st.OrderID] = st.Clone()
	s.history[st.OrderID] = slices.Clone(history)
	l.Conversions++
	return s.conversionLocked(ev.OrderID), true, nil
}

func (s *Store) GetConversion(_ context.Context, orderID string) (*attribution.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settlements[orderID]; !ok {
		return nil, attribution.ErrConversionNotFound
	}
	return s.conversionLocked(orderID), nil
}

func (s *Store) conversionLocked(orderID string) *attribution.Conversion {
	conv := &attribution.Conversion{Settlement: s.settlements[orderID].Clone()}
	if ev, ok := s.conversions[orderID]; ok {
		evCopy := *ev
		conv.Event = &evCopy
	}
	return conv
}

func (s *Store) CreateSettlement(_ context.Context, st *settlement.Settlement, history []settlement.Transition) (*settlement.Settlement, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.settlements[st.OrderID]; ok {
		return existing.Clone(), false, nil
	}
	s.settlements[st.OrderID] = st.Clone()
	s.history[st.OrderID] = slices.Clone(history)
	return st.Clone(), true, nil
}

func (s *Store) GetSettlement(_ context.Context, orderID string) (*settlement.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settlements[orderID]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *Store) ListSettlements(_ context.Context, filter settlement.ListFilter) ([]settlement.Settlement, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := []*settlement.Settlement{}
	for _, st := range s.settlements {
		if filter.Status == "" || st.Status == filter.Status {
			matched = append(matched, st)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].OrderID < matched[j].OrderID
	})

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	out := make([]settlement.Settlement, 0, end-start)
	for _, st := range matched[start:end] {
		out = append(out, *st.Clone())
	}
	return out, total, nil
}

func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]settlement.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := []*settlement.Settlement{}
	for _, st := range s.settlements {
		if st.Status == settlement.StatusLocked && !st.Frozen() && !st.LockUntil.After(now) {
			due = append(due, st)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].LockUntil.Equal(due[j].LockUntil) {
			return due[i].LockUntil.Before(due[j].LockUntil)
		}
		return due[i].OrderID < due[j].OrderID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]settlement.Settlement, 0, len(due))
	for _, st := range due {
		out = append(out, *st.Clone())
	}
	return out, nil
}

func (s *Store) Transition(_ context.Context, orderID string, from []settlement.Status, to settlement.Status, reason string, at time.Time) (*settlement.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settlements[orderID]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	if !slices.Contains(from, st.Status) || !settlement.CanTransition(st.Status, to) {
		return nil, &settlement.TransitionError{OrderID: orderID, From: st.Status, To: to}
	}
	if st.HoldBlocks(to) {
		return nil, fmt.Errorf("%w: order %s", settlement.ErrFrozen, orderID)
	}

	tr := st.Apply(to, reason, at)
	s.history[orderID] = append(s.history[orderID], tr)

	if to == settlement.StatusReleased && st.LinkID != "" {
		if l, ok := s.links[st.LinkID]; ok {
			l.CommissionAccrued += st.AttributedAmount
		}
	}
	return st.Clone(), nil
}

func (s *Store) Freeze(_ context.Context, orderID, reason string, at time.Time) (*settlement.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settlements[orderID]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	tr, err := st.Freeze(reason, at)
	if err != nil {
		return nil, err
	}
	if tr != nil {
		s.history[orderID] = append(s.history[orderID], *tr)
	}
	return st.Clone(), nil
}

func (s *Store) Unfreeze(_ context.Context, orderID string, at time.Time) (*settlement.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settlements[orderID]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	if tr := st.Unfreeze(at); tr != nil {
		s.history[orderID] = append(s.history[orderID], *tr)
	}
	return st.Clone(), nil
}

func (s *Store) History(_ context.Context, orderID string) ([]settlement.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.history[orderID]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	return slices.Clone(h), nil
}

// PendingAttributedByOwner sums the attributed amounts of unreleased, unreverted
// settlements on the owner's links.
func (s *Store) PendingAttributedByOwner(_ context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, st := range s.settlements {
		if st.Status != settlement.StatusLocked && st.Status != settlement.StatusReleasable {
			continue
		}
		if l, ok := s.links[st.LinkID]; ok && l.OwnerID == ownerID {
			total += st.AttributedAmount
		}
	}
	return total, nil
}
