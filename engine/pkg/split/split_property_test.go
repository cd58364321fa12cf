package split

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/shopspring/decimal"
)

// Property: for every valid input the splits sum to the gross amount exactly,
// no split is negative, and agent and promoter amounts never exceed their
// exact share.
func TestCommission_Split_SumInvariant(t *testing.T) {
	calc, err := NewCalculator(Config{Rates: ratetable.Default(), Scenarios: scenario.Default()})
	if err != nil {
		t.Fatal(err)
	}

	assets := []ratetable.AssetType{}
	for _, r := range ratetable.Default().Rules() {
		assets = append(assets, r.AssetType)
	}
	scenarios := []scenario.ID{scenario.Dual, scenario.ExecutionOnly, scenario.None}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 1000
	properties := gopter.NewProperties(parameters)

	properties.Property("splits sum to gross amount", prop.ForAll(
		func(gross int64, assetIdx, scenarioIdx int, withPromoter bool) bool {
			parties := Parties{ReferralAgentID: "r", ExecutionAgentID: "e"}
			if withPromoter {
				parties.PromoterID = "p"
			}
			b, err := calc.Compute(gross, assets[assetIdx], scenarios[scenarioIdx], parties)
			if err != nil {
				return false
			}
			if Sum(b.Splits) != gross {
				return false
			}
			g := decimal.NewFromInt(gross)
			for _, s := range b.Splits {
				if s.Amount < 0 {
					return false
				}
				if s.Role == RolePlatform {
					continue
				}
				exact := g.Mul(s.RatePct).Shift(-2)
				if decimal.NewFromInt(s.Amount).GreaterThan(exact) {
					return false
				}
				if exact.Sub(decimal.NewFromInt(s.Amount)).GreaterThanOrEqual(decimal.NewFromInt(1)) {
					return false
				}
			}
			return true
		},
		gen.Int64Range(1, 1_000_000_000_000),
		gen.IntRange(0, len(assets)-1),
		gen.IntRange(0, len(scenarios)-1),
		gen.Bool(),
	))

	properties.Property("non-positive amounts are rejected", prop.ForAll(
		func(gross int64) bool {
			_, err := calc.Compute(gross, ratetable.AssetPhysical, scenario.Dual, Parties{})
			return err != nil
		},
		gen.Int64Range(-1_000_000, 0),
	))

	properties.TestingRun(t)
}
