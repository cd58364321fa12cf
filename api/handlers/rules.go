package handlers

import (
	"net/http"

	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/malbeclabs/commission/engine/pkg/split"
	"github.com/shopspring/decimal"
)

// RulesResponse carries everything a client needs to reproduce server pricing.
type RulesResponse struct {
	Version          string              `json:"version"`
	Rules            []ratetable.Rule    `json:"rules"`
	Scenarios        []scenario.Scenario `json:"scenarios"`
	PromoterBonusPct decimal.Decimal     `json:"promoterBonusPct"`
}

type PreviewRequest struct {
	GrossAmount int64               `json:"grossAmount"`
	AssetType   ratetable.AssetType `json:"assetType"`
	ScenarioID  scenario.ID         `json:"scenarioId"`
	Promoter    bool                `json:"promoter"`
}

type PreviewResponse struct {
	split.Breakdown
	SettlementDelay string `json:"settlementDelay"`
	Instant         bool   `json:"instant"`
}

// GetRules handles GET /commission-rules
func (a *API) GetRules(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, RulesResponse{
		Version:          a.cfg.Rules.Version(),
		Rules:            a.cfg.Rules.Rules(),
		Scenarios:        a.cfg.Scenarios.Scenarios(),
		PromoterBonusPct: a.cfg.Calculator.PromoterBonusPct(),
	})
}

// PreviewCommission handles POST /commission-preview. It prices an order with
// the same calculator used for settlements and persists nothing.
func (a *API) PreviewCommission(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := decode(r, &req); err != nil {
		a.writeErr(w, r, err)
		return
	}

	var parties split.Parties
	if req.Promoter {
		parties.PromoterID = "promoter"
	}
	b, err := a.cfg.Calculator.Compute(req.GrossAmount, req.AssetType, req.ScenarioID, parties)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}

	a.writeJSON(w, http.StatusOK, PreviewResponse{
		Breakdown:       b,
		SettlementDelay: ratetable.FormatDelay(b.SettlementDelay),
		Instant:         b.SettlementDelay == 0,
	})
}
