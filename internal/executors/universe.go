package executors

import (
	"context"
	"sort"

	"icpilot/internal/artifact"
	"icpilot/internal/funddb"
)

// UniverseBuilder screens the fund database against a mandate.
type UniverseBuilder struct {
	Base
	Funds funddb.Source
	Query funddb.Query
}

func NewUniverseBuilder(env Env, funds funddb.Source, q funddb.Query) *UniverseBuilder {
	return &UniverseBuilder{Base: newBase(env, "universe_builder"), Funds: funds, Query: q}
}

// Eligible reports whether a fund fits the mandate's allocation bands and
// liquidity floor. Liquidity is approximated as cash plus 90% of equity and
// must reach half the mandate's minimum ratio.
func Eligible(m *artifact.MandateDSL, f artifact.FundInfo) bool {
	if f.EquityPct < m.MinEquity || f.EquityPct > m.MaxEquity {
		return false
	}
	if f.FixedIncomePct < m.MinFixedIncome || f.FixedIncomePct > m.MaxFixedIncome {
		return false
	}
	liquidity := f.CashPct + f.EquityPct*0.9
	return liquidity >= m.MinLiquidityRatio*0.5
}

// FilterFunds keeps the eligible funds in their original order.
func FilterFunds(m *artifact.MandateDSL, funds []artifact.FundInfo) []artifact.FundInfo {
	out := []artifact.FundInfo{}
	for _, f := range funds {
		if Eligible(m, f) {
			out = append(out, f)
		}
	}
	return out
}

// NewUniverse aggregates the screened funds into an unsealed universe.
func NewUniverse(m *artifact.MandateDSL, screened []artifact.FundInfo) *artifact.Universe {
	passed := FilterFunds(m, screened)
	u := &artifact.Universe{
		MandateID:           m.MandateID,
		Funds:               passed,
		TotalFundsScreened:  len(screened),
		FundsPassedFilter:   len(passed),
		AssetClassBreakdown: map[string]float64{},
		ManagerBreakdown:    map[string]int{},
	}
	var eq, fi, cash, other float64
	managers := map[string]int{}
	for _, f := range passed {
		u.TotalAUM += f.TotalAssets
		eq += f.EquityPct * f.TotalAssets
		fi += f.FixedIncomePct * f.TotalAssets
		cash += f.CashPct * f.TotalAssets
		other += f.OtherPct * f.TotalAssets
		managers[f.ManagerName]++
	}
	if u.TotalAUM > 0 {
		u.AssetClassBreakdown["equity"] = round(eq/u.TotalAUM, 4)
		u.AssetClassBreakdown["fixed_income"] = round(fi/u.TotalAUM, 4)
		u.AssetClassBreakdown["cash"] = round(cash/u.TotalAUM, 4)
		u.AssetClassBreakdown["other"] = round(other/u.TotalAUM, 4)
	}
	names := make([]string, 0, len(managers))
	for name := range managers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if managers[names[i]] != managers[names[j]] {
			return managers[names[i]] > managers[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > 10 {
		names = names[:10]
	}
	for _, name := range names {
		u.ManagerBreakdown[name] = managers[name]
	}
	return u
}

func (b *UniverseBuilder) Execute(ctx context.Context, m *artifact.MandateDSL) (*artifact.Universe, error) {
	var screened []artifact.FundInfo
	err := b.tool(ctx, "fund_db.query_funds", map[string]any{
		"min_total_assets": b.Query.MinTotalAssets,
		"limit":            b.Query.Limit,
	}, func(ctx context.Context) (map[string]any, error) {
		var err error
		screened, err = b.Funds.Funds(ctx, b.Query)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows": len(screened)}, nil
	})
	if err != nil {
		return nil, err
	}
	b.progress(ctx, 50, "Applying mandate filters")

	u := NewUniverse(m, screened)
	u.Classification = artifact.ClassPublic
	u.Sources = []string{b.Funds.Name(), "fund_reported_info", "fund_reported_holding"}
	if _, err := b.save(ctx, u, artifact.KindUniverse, 0, m); err != nil {
		return nil, err
	}
	b.Logger.Info("universe_built", "screened", u.TotalFundsScreened, "passed", u.FundsPassedFilter)
	return u, nil
}
