package admin

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/malbeclabs/commission/engine/pkg/ratetable"
	"github.com/malbeclabs/commission/engine/pkg/scenario"
	"github.com/shopspring/decimal"
)

// PrintRules writes the rate and scenario tables in a human-readable form.
func PrintRules(w io.Writer, rates *ratetable.Table, scenarios *scenario.Table, promoterBonusPct decimal.Decimal) error {
	fmt.Fprintf(w, "Rate table version %s\n\n", rates.Version())

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ASSET TYPE\tBASE %\tPOOL %\tTOTAL %\tDELAY")
	for _, r := range rates.Rules() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.AssetType, r.BaseRate, r.PoolRate, r.TotalRate, ratetable.FormatDelay(r.SettlementDelay))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCENARIO\tREFERRAL %\tEXECUTION %")
	for _, s := range scenarios.Scenarios() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.ReferralSharePct, s.ExecutionSharePct)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nPromoter bonus: %s%% of base rate\n", promoterBonusPct)
	return nil
}
