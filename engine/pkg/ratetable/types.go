package ratetable

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownAssetType = errors.New("unknown asset type")
	ErrInvalidRule      = errors.New("invalid commission rule")
)

// AssetType classifies a sellable item. The set is open; a table may define
// any asset type it needs.
type AssetType string

const (
	AssetPhysical     AssetType = "physical"
	AssetService      AssetType = "service"
	AssetVirtual      AssetType = "virtual"
	AssetNFTRWA       AssetType = "nft_rwa"
	AssetDevTool      AssetType = "dev_tool"
	AssetSubscription AssetType = "subscription"
	AssetOther        AssetType = "other"
)

var hundred = decimal.NewFromInt(100)

// Rule is the commission configuration for one asset type. Rates are percents
// of gross value. TotalRate is always BaseRate + PoolRate.
type Rule struct {
	AssetType       AssetType
	BaseRate        decimal.Decimal
	PoolRate        decimal.Decimal
	TotalRate       decimal.Decimal
	SettlementDelay time.Duration
}

// NewRule builds a validated rule.
func NewRule(assetType AssetType, baseRate, poolRate decimal.Decimal, delay time.Duration) (Rule, error) {
	if strings.TrimSpace(string(assetType)) == "" {
		return Rule{}, fmt.Errorf("%w: asset type is required", ErrInvalidRule)
	}
	if baseRate.IsNegative() || poolRate.IsNegative() {
		return Rule{}, fmt.Errorf("%w: %s: rates must not be negative", ErrInvalidRule, assetType)
	}
	total := baseRate.Add(poolRate)
	if total.GreaterThan(hundred) {
		return Rule{}, fmt.Errorf("%w: %s: total rate %s%% exceeds 100%%", ErrInvalidRule, assetType, total)
	}
	if delay < 0 {
		return Rule{}, fmt.Errorf("%w: %s: settlement delay must not be negative", ErrInvalidRule, assetType)
	}
	return Rule{
		AssetType:       assetType,
		BaseRate:        baseRate,
		PoolRate:        poolRate,
		TotalRate:       total,
		SettlementDelay: delay,
	}, nil
}

// Instant reports whether settlements for this rule are releasable on creation.
func (r Rule) Instant() bool {
	return r.SettlementDelay == 0
}

type ruleJSON struct {
	AssetType              AssetType       `json:"assetType"`
	BaseRate               decimal.Decimal `json:"baseRate"`
	PoolRate               decimal.Decimal `json:"poolRate"`
	TotalRate              decimal.Decimal `json:"totalRate"`
	SettlementDelay        string          `json:"settlementDelay"`
	SettlementDelaySeconds int64           `json:"settlementDelaySeconds"`
}

func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(ruleJSON{
		AssetType:              r.AssetType,
		BaseRate:               r.BaseRate,
		PoolRate:               r.PoolRate,
		TotalRate:              r.TotalRate,
		SettlementDelay:        FormatDelay(r.SettlementDelay),
		SettlementDelaySeconds: int64(r.SettlementDelay / time.Second),
	})
}

// ParseDelay parses a settlement delay. Whole days may be written with a "d"
// suffix ("7d"); anything else is parsed with time.ParseDuration.
func ParseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid delay %q: %w", s, err)
		}
		if n < 0 {
			return 0, fmt.Errorf("invalid delay %q: must not be negative", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q: %w", s, err)
	}
	return d, nil
}

// FormatDelay is the inverse of ParseDelay for whole days.
func FormatDelay(d time.Duration) string {
	if d == 0 {
		return "0"
	}
	if d%(24*time.Hour) == 0 {
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	}
	return d.String()
}
