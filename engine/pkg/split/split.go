package split

import (
	"errors"
	"fmt"
	"time"

	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrRateOverflow  = errors.New("rate overflow")
)

// DefaultPromoterBonusPct is the share of the platform's base amount paid to a
// promoter.
var DefaultPromoterBonusPct = decimal.NewFromInt(20)

var hundred = decimal.NewFromInt(100)

type Role string

const (
	RolePlatform       Role = "platform"
	RoleExecutionAgent Role = "execution_agent"
	RoleReferralAgent  Role = "referral_agent"
	RolePromoter       Role = "promoter"
)

// Split is one party's share of a transaction. Amount is in minor currency
// units; RatePct is the effective percent of the gross amount.
type Split struct {
	Role    Role            `json:"role"`
	PartyID string          `json:"partyId,omitempty"`
	Amount  int64           `json:"amount"`
	RatePct decimal.Decimal `json:"ratePct"`
}

// Parties identifies who fills each agent role. Any of them may be empty.
// A promoter split is only produced when PromoterID is set.
type Parties struct {
	ReferralAgentID  string `json:"referralAgentId,omitempty"`
	ExecutionAgentID string `json:"executionAgentId,omitempty"`
	PromoterID       string `json:"promoterId,omitempty"`
}

// Breakdown is the full, frozen result of pricing one transaction.
type Breakdown struct {
	GrossAmount      int64               `json:"grossAmount"`
	AssetType        ratetable.AssetType `json:"assetType"`
	ScenarioID       scenario.ID         `json:"scenarioId"`
	RuleVersion      string              `json:"ruleVersion"`
	BaseRate         decimal.Decimal     `json:"baseRate"`
	PoolRate         decimal.Decimal     `json:"poolRate"`
	PromoterBonusPct decimal.Decimal     `json:"promoterBonusPct"`
	SettlementDelay  time.Duration       `json:"-"`
	Splits           []Split             `json:"splits"`
}

// Amount returns the total amount allocated to role, or 0 if the role has no split.
func (b Breakdown) Amount(role Role) int64 {
	var total int64
	for _, s := range b.Splits {
		if s.Role == role {
			total += s.Amount
		}
	}
	return total
}

// Sum returns the total of every split amount.
func Sum(splits []Split) int64 {
	var total int64
	for _, s := range splits {
		total += s.Amount
	}
	return total
}

type RateResolver interface {
	Resolve(assetType ratetable.AssetType) (ratetable.Rule, error)
	Version() string
}

type ScenarioResolver interface {
	Resolve(id scenario.ID) (scenario.Scenario, error)
}

type Config struct {
	Rates            RateResolver
	Scenarios        ScenarioResolver
	PromoterBonusPct *decimal.Decimal
}

func (cfg *Config) Validate() error {
	if cfg.Rates == nil {
		return errors.New("rate table is required")
	}
	if cfg.Scenarios == nil {
		return errors.New("scenario table is required")
	}
	if cfg.PromoterBonusPct == nil {
		bonus := DefaultPromoterBonusPct
		cfg.PromoterBonusPct = &bonus
	}
	if cfg.PromoterBonusPct.IsNegative() || cfg.PromoterBonusPct.GreaterThan(hundred) {
		return fmt.Errorf("promoter bonus must be between 0 and 100, got %s", cfg.PromoterBonusPct)
	}
	return nil
}

// Calculator prices transactions. It holds no mutable state and is safe for
// concurrent use.
type Calculator struct {
	rates     RateResolver
	scenarios ScenarioResolver
	bonusPct  decimal.Decimal
}

func NewCalculator(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{
		rates:     cfg.Rates,
		scenarios: cfg.Scenarios,
		bonusPct:  *cfg.PromoterBonusPct,
	}, nil
}

func (c *Calculator) PromoterBonusPct() decimal.Decimal {
	return c.bonusPct
}

// Compute splits grossAmount (minor units) among the parties.
//
// Every agent and promoter amount is computed exactly from the gross amount and
// then floored to a whole minor unit. The platform receives whatever remains,
// so the splits always sum to grossAmount.
func (c *Calculator) Compute(grossAmount int64, assetType ratetable.AssetType, scenarioID scenario.ID, parties Parties) (Breakdown, error) {
	if grossAmount <= 0 {
		return Breakdown{}, fmt.Errorf("%w: gross amount must be positive, got %d", ErrInvalidAmount, grossAmount)
	}
	rule, err := c.rates.Resolve(assetType)
	if err != nil {
		return Breakdown{}, err
	}
	sc, err := c.scenarios.Resolve(scenarioID)
	if err != nil {
		return Breakdown{}, err
	}

	gross := decimal.NewFromInt(grossAmount)

	// Effective percents of gross.
	referralPct := rule.PoolRate.Mul(sc.ReferralSharePct).Shift(-2)
	executionPct := rule.PoolRate.Mul(sc.ExecutionSharePct).Shift(-2)
	promoterPct := decimal.Zero
	if parties.PromoterID != "" {
		promoterPct = rule.BaseRate.Mul(c.bonusPct).Shift(-2)
	}

	referralAmount := floorPct(gross, referralPct)
	executionAmount := floorPct(gross, executionPct)
	promoterAmount := floorPct(gross, promoterPct)

	platformAmount := grossAmount - referralAmount - executionAmount - promoterAmount
	if platformAmount < 0 || referralAmount < 0 || executionAmount < 0 || promoterAmount < 0 {
		return Breakdown{}, fmt.Errorf("%w: %s/%s leaves platform with %d of %d", ErrRateOverflow, assetType, scenarioID, platformAmount, grossAmount)
	}

	splits := make([]Split, 0, 4)
	if sc.ReferralSharePct.IsPositive() {
		splits = append(splits, Split{Role: RoleReferralAgent, PartyID: parties.ReferralAgentID, Amount: referralAmount, RatePct: referralPct})
	}
	if sc.ExecutionSharePct.IsPositive() {
		splits = append(splits, Split{Role: RoleExecutionAgent, PartyID: parties.ExecutionAgentID, Amount: executionAmount, RatePct: executionPct})
	}
	if parties.PromoterID != "" {
		splits = append(splits, Split{Role: RolePromoter, PartyID: parties.PromoterID, Amount: promoterAmount, RatePct: promoterPct})
	}
	splits = append(splits, Split{
		Role:    RolePlatform,
		Amount:  platformAmount,
		RatePct: hundred.Sub(referralPct).Sub(executionPct).Sub(promoterPct),
	})

	return Breakdown{
		GrossAmount:      grossAmount,
		AssetType:        rule.AssetType,
		ScenarioID:       sc.ID,
		RuleVersion:      c.rates.Version(),
		BaseRate:         rule.BaseRate,
		PoolRate:         rule.PoolRate,
		PromoterBonusPct: c.bonusPct,
		SettlementDelay:  rule.SettlementDelay,
		Splits:           splits,
	}, nil
}

func floorPct(gross, pct decimal.Decimal) int64 {
	return gross.Mul(pct).Shift(-2).Floor().IntPart()
}
