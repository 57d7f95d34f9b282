package executors

import (
	"context"
	"fmt"
	"math"

	"icpilot/internal/artifact"
	"icpilot/internal/funddb"
)

// FeatureComputer derives risk and return metrics per universe fund.
type FeatureComputer struct {
	Base
	Funds funddb.Source
}

func NewFeatureComputer(env Env, funds funddb.Source) *FeatureComputer {
	return &FeatureComputer{Base: newBase(env, "feature_computer"), Funds: funds}
}

// NewFeatures computes the metrics of one fund. A zero monthly return is
// treated as not reported. The average always divides by three months and
// volatility is a fixed multiple of the average's magnitude.
func NewFeatures(f artifact.FundInfo, r funddb.Returns, c funddb.Concentration) *artifact.FundFeatures {
	ff := &artifact.FundFeatures{
		AccessionNumber:     f.AccessionNumber,
		SeriesName:          f.SeriesName,
		MonthlyReturn1:      reported(r.Month1),
		MonthlyReturn2:      reported(r.Month2),
		MonthlyReturn3:      reported(r.Month3),
		EquityExposure:      f.EquityPct,
		FixedIncomeExposure: f.FixedIncomePct,
		CashExposure:        f.CashPct,
		AlternativeExposure: f.OtherPct,
		Top10Concentration:  round(c.Top10, 6),
		SectorHHI:           round(c.HHI, 6),
	}
	var sum float64
	var n int
	for _, v := range []*float64{ff.MonthlyReturn1, ff.MonthlyReturn2, ff.MonthlyReturn3} {
		if v != nil {
			sum += *v
			n++
		}
	}
	if n > 0 {
		avg := sum / 3
		ann := round(avg*12, 6)
		vol := round(math.Abs(avg)*3.46, 6)
		ff.AnnualizedReturn = &ann
		ff.Volatility = &vol
		if vol > 0 {
			sharpe := round(ann/vol, 6)
			ff.SharpeRatio = &sharpe
		}
	}
	liq := f.CashPct*1.0 + f.EquityPct*0.8 + f.FixedIncomePct*0.5 + f.OtherPct*0.3
	ff.LiquidityScore = round(math.Min(1, liq), 6)
	return ff
}

func reported(v *float64) *float64 {
	if v == nil || *v == 0 {
		return nil
	}
	out := *v
	return &out
}

func (fc *FeatureComputer) Execute(ctx context.Context, u *artifact.Universe) ([]*artifact.FundFeatures, error) {
	out := make([]*artifact.FundFeatures, 0, len(u.Funds))
	type raw struct {
		r funddb.Returns
		c funddb.Concentration
	}
	rows := make([]raw, len(u.Funds))
	err := fc.tool(ctx, "fund_db.query_features", map[string]any{"funds": len(u.Funds)}, func(ctx context.Context) (map[string]any, error) {
		for i, f := range u.Funds {
			r, err := fc.Funds.MonthlyReturns(ctx, f.AccessionNumber)
			if err != nil {
				return nil, fmt.Errorf("returns for %s: %w", f.AccessionNumber, err)
			}
			c, err := fc.Funds.Concentration(ctx, f.AccessionNumber)
			if err != nil {
				return nil, fmt.Errorf("concentration for %s: %w", f.AccessionNumber, err)
			}
			rows[i] = raw{r: r, c: c}
			if (i+1)%20 == 0 {
				fc.progress(ctx, float64(i+1)/float64(len(u.Funds))*100, fmt.Sprintf("Queried %d/%d funds", i+1, len(u.Funds)))
			}
		}
		return map[string]any{"funds": len(u.Funds)}, nil
	})
	if err != nil {
		return nil, err
	}
	for i, f := range u.Funds {
		ff := NewFeatures(f, rows[i].r, rows[i].c)
		ff.Sources = []string{fc.Funds.Name(), "monthly_total_return", "fund_reported_holding"}
		if _, err := fc.save(ctx, ff, artifact.KindFeatures, 0, u); err != nil {
			return nil, err
		}
		out = append(out, ff)
	}
	fc.Logger.Info("features_computed", "funds", len(out))
	return out, nil
}
