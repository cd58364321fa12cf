package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/commission/api/handlers/dberror"
	"github.com/malbeclabs/commission/engine/pkg/attribution"
	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
	"github.com/malbeclabs/commission/engine/pkg/split"
)

const maxReasonLength = 512

// DirectOrderRequest prices an order that did not come through a referral link.
type DirectOrderRequest struct {
	OrderID          string              `json:"orderId"`
	AssetType        ratetable.AssetType `json:"assetType"`
	ScenarioID       scenario.ID         `json:"scenarioId"`
	GrossAmount      int64               `json:"grossAmount"`
	Currency         string              `json:"currency"`
	ExecutionAgentID string              `json:"executionAgentId,omitempty"`
	PromoterID       string              `json:"promoterId,omitempty"`
}

type SettlementResponse struct {
	Settlement *settlement.Settlement `json:"settlement"`
	Duplicate  bool                   `json:"duplicate"`
}

type SettlementDetail struct {
	Settlement *settlement.Settlement  `json:"settlement"`
	History    []settlement.Transition `json:"history"`
}

type RevertRequest struct {
	Reason string `json:"reason"`
}

// CreateSettlement handles POST /settlements
func (a *API) CreateSettlement(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	var req DirectOrderRequest
	if err := decode(r, &req); err != nil {
		a.writeErr(w, r, err)
		return
	}
	if err := attribution.ValidateOrder(req.OrderID, req.GrossAmount, req.Currency); err != nil {
		a.writeErr(w, r, err)
		return
	}

	existing, _, err := a.cfg.Scheduler.Get(ctx, req.OrderID)
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusOK, SettlementResponse{Settlement: existing, Duplicate: true})
		return
	case !errors.Is(err, settlement.ErrNotFound):
		a.writeErr(w, r, err)
		return
	}

	breakdown, err := a.cfg.Calculator.Compute(req.GrossAmount, req.AssetType, req.ScenarioID, split.Parties{
		ExecutionAgentID: req.ExecutionAgentID,
		PromoterID:       req.PromoterID,
	})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}

	st, duplicate, err := a.cfg.Scheduler.Create(ctx, settlement.Params{
		OrderID:   req.OrderID,
		Currency:  req.Currency,
		Breakdown: breakdown,
	})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}

	status := http.StatusAccepted
	if duplicate {
		status = http.StatusOK
	}
	a.writeJSON(w, status, SettlementResponse{Settlement: st, Duplicate: duplicate})
}

// ListSettlements handles GET /settlements?status=&limit=&offset=
func (a *API) ListSettlements(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	page := ParsePagination(r, DefaultLimit)
	filter := settlement.ListFilter{
		Status: settlement.Status(r.URL.Query().Get("status")),
		Limit:  page.Limit,
		Offset: page.Offset,
	}

	type result struct {
		items []settlement.Settlement
		total int
	}
	res, err := dberror.Retry(ctx, a.cfg.ReadRetry, func() (result, error) {
		items, total, err := a.cfg.Scheduler.List(ctx, filter)
		return result{items: items, total: total}, err
	})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	if res.items == nil {
		res.items = []settlement.Settlement{}
	}

	a.writeJSON(w, http.StatusOK, PaginatedResponse[settlement.Settlement]{
		Items:  res.items,
		Total:  res.total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// GetSettlement handles GET /settlements/{orderId}
func (a *API) GetSettlement(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	orderID := chi.URLParam(r, "orderId")
	detail, err := dberror.Retry(ctx, a.cfg.ReadRetry, func() (SettlementDetail, error) {
		st, history, err := a.cfg.Scheduler.Get(ctx, orderID)
		return SettlementDetail{Settlement: st, History: history}, err
	})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, detail)
}

// ReleaseSettlement handles POST /settlements/{orderId}/release, the payout
// collaborator's acknowledgement.
func (a *API) ReleaseSettlement(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	st, err := a.cfg.Scheduler.MarkReleased(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

// RevertSettlement handles POST /settlements/{orderId}/revert. The body is
// optional.
func (a *API) RevertSettlement(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	var req RevertRequest
	if err := decodeOptional(r, &req); err != nil {
		a.writeErr(w, r, err)
		return
	}
	if len(req.Reason) > maxReasonLength {
		a.writeErr(w, r, fmt.Errorf("%w: reason is too long", attribution.ErrInvalidInput))
		return
	}

	st, err := a.cfg.Scheduler.Revert(ctx, chi.URLParam(r, "orderId"), req.Reason)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

// FreezeRequest is the optional body of POST /settlements/{orderId}/freeze.
type FreezeRequest struct {
	Reason string `json:"reason"`
}

// FreezeSettlement handles POST /settlements/{orderId}/freeze: a dispute hold
// that keeps the settlement from being released until it is unfrozen.
func (a *API) FreezeSettlement(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	var req FreezeRequest
	if err := decodeOptional(r, &req); err != nil {
		a.writeErr(w, r, err)
		return
	}
	if len(req.Reason) > maxReasonLength {
		a.writeErr(w, r, fmt.Errorf("%w: reason is too long", attribution.ErrInvalidInput))
		return
	}

	st, err := a.cfg.Scheduler.Freeze(ctx, chi.URLParam(r, "orderId"), req.Reason)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

// UnfreezeSettlement handles POST /settlements/{orderId}/unfreeze.
func (a *API) UnfreezeSettlement(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	st, err := a.cfg.Scheduler.Unfreeze(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

// Tick handles POST /settlements/tick: one bounded sweep of due settlements.
func (a *API) Tick(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	res, err := a.cfg.Scheduler.Tick(ctx, a.cfg.Clock.Now())
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}
