// Package payout hands releasable settlements to the external payout service.
// The engine never moves money itself; it only emits instructions.
package payout

import (
	"context"
	"log/slog"
	"time"

	"github.com/malbeclabs/commission/engine/pkg/metrics"
	"github.com/malbeclabs/commission/engine/pkg/settlement"
	"github.com/malbeclabs/commission/engine/pkg/split"
)

// Instruction tells the payout service who to pay for one order. OrderID is
// the idempotency key on the receiving side.
type Instruction struct {
	OrderID     string        `json:"orderId"`
	Currency    string        `json:"currency"`
	GrossAmount int64         `json:"grossAmount"`
	RuleVersion string        `json:"ruleVersion"`
	Splits      []split.Split `json:"splits"`
	IssuedAt    time.Time     `json:"issuedAt"`
}

// NewInstruction builds the payable part of a settlement. The platform's own
// split is kept so the instruction reconciles to the gross amount.
func NewInstruction(s *settlement.Settlement, issuedAt time.Time) Instruction {
	return Instruction{
		OrderID:     s.OrderID,
		Currency:    s.Currency,
		GrossAmount: s.GrossAmount,
		RuleVersion: s.RuleVersion,
		Splits:      s.Splits,
		IssuedAt:    issuedAt.UTC(),
	}
}

// LogPublisher writes instructions to the log. Used when no bucket is configured.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Releasable(_ context.Context, s *settlement.Settlement) error {
	p.log.Info("payout: settlement releasable",
		"order_id", s.OrderID,
		"currency", s.Currency,
		"gross_amount", s.GrossAmount,
		"splits", len(s.Splits),
	)
	metrics.PayoutPublishTotal.WithLabelValues("log", "ok").Inc()
	return nil
}
