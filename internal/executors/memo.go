package executors

import (
	"context"
	"fmt"
	"strings"

	"icpilot/internal/artifact"
)

// MemoInputs are the artifacts the memo summarises.
type MemoInputs struct {
	Mandate    *artifact.MandateDSL
	Universe   *artifact.Universe
	Candidate  *artifact.PortfolioCandidate
	Decision   *artifact.Decision
	Compliance *artifact.ComplianceReport
	RedTeam    *artifact.RedTeamReport
	Rebalance  *artifact.RebalancePlan
}

const tradingDays = 21

// NewRiskAppendix derives the structured risk summary of the selected
// candidate. Sector, geographic and liquidity figures are fixed estimates
// until holdings-level data is available.
func NewRiskAppendix(c *artifact.PortfolioCandidate, rt *artifact.RedTeamReport) *artifact.RiskAppendix {
	a := &artifact.RiskAppendix{
		AppendixID:  "risk_appendix_" + c.CandidateID,
		CandidateID: c.CandidateID,
		FactorExposures: map[string]float64{
			"market":         c.EquityAllocation,
			"size":           0,
			"value":          0,
			"momentum":       0,
			"quality":        0,
			"low_volatility": round(1-c.ExpectedVolatility, 4),
		},
		StressResults:     map[string]float64{},
		SectorHHI:         0.15,
		GeographicHHI:     0.20,
		LiquidityCoverage: 0.95,
		DaysToLiquidate:   3.0,
	}
	if rt != nil {
		a.VaR95OneDay = round(rt.VaR95/tradingDays, 6)
		a.VaR99OneDay = round(rt.VaR95*1.3/tradingDays, 6)
		a.CVaR95OneDay = round(rt.CVaR95/tradingDays, 6)
		a.ExpectedShortfall = rt.CVaR95
		for _, r := range rt.Results {
			a.StressResults[r.ScenarioName] = r.PortfolioReturn
		}
	}
	var hhi float64
	for _, h := range c.Holdings {
		hhi += h.Weight * h.Weight
	}
	a.PositionHHI = round(hhi, 6)
	return a
}

func pct(v float64) string { return fmt.Sprintf("%.2f%%", v*100) }

// NewMemo formats the committee memo. The memo's section order is fixed.
func NewMemo(in MemoInputs, appendixID string) *artifact.ICMemo {
	m, u, c, d := in.Mandate, in.Universe, in.Candidate, in.Decision
	memo := &artifact.ICMemo{
		Title:        "IC Recommendation: " + m.Name,
		CandidateID:  c.CandidateID,
		MandateName:  m.Name,
		AppendixRefs: []string{appendixID},
		PreparedBy:   "IC Autopilot",
	}
	add := func(key, title, content string) {
		memo.Sections = append(memo.Sections, artifact.MemoSection{Key: key, Title: title, Content: content})
	}

	add("executive_summary", "Executive Summary", fmt.Sprintf(
		"We recommend Candidate %s (%s) for the %s mandate. The portfolio holds %d funds with an expected return of %s and an expected Sharpe ratio of %.2f.",
		c.CandidateID, c.SolverConfig, m.Name, c.TotalPositions, pct(c.ExpectedReturn), c.ExpectedSharpe))

	add("recommendation", "Recommendation", d.Rationale)

	add("mandate_summary", "Mandate Summary", fmt.Sprintf(
		"Objective: %s. Benchmark: %s. Equity band %s to %s, fixed income band %s to %s, max single position %s, risk budget %s.",
		m.PrimaryObjective, m.Benchmark, pct(m.MinEquity), pct(m.MaxEquity), pct(m.MinFixedIncome), pct(m.MaxFixedIncome),
		pct(m.MaxSinglePosition), pct(m.RiskBudget)))

	var ctxText string
	if u != nil {
		ctxText = fmt.Sprintf("%d funds screened, %d passed the mandate filters, representing $%.1fB in assets.",
			u.TotalFundsScreened, u.FundsPassedFilter, u.TotalAUM/1e9)
	}
	add("market_context", "Market Context", ctxText)

	var top strings.Builder
	fmt.Fprintf(&top, "Equity %s, fixed income %s, cash %s. Top holdings:",
		pct(c.EquityAllocation), pct(c.FixedIncomeAllocation), pct(c.CashAllocation))
	holdings := NewRebalancePlan(c).Trades
	for i, t := range holdings {
		if i == 5 {
			break
		}
		fmt.Fprintf(&top, "\n- %s: %s", t.FundName, pct(t.TargetWeight))
	}
	add("portfolio_overview", "Portfolio Overview", top.String())

	risk := fmt.Sprintf("Expected volatility %s.", pct(c.ExpectedVolatility))
	if in.RedTeam != nil {
		risk += fmt.Sprintf(" Stress testing: %d/%d scenarios passed, worst drawdown %s, VaR95 %s, CVaR95 %s.",
			in.RedTeam.ScenariosPassed, in.RedTeam.ScenariosTested, pct(in.RedTeam.MaxDrawdown), pct(in.RedTeam.VaR95), pct(in.RedTeam.CVaR95))
		if len(in.RedTeam.BreakingScenarios) > 0 {
			risk += " Breaking scenarios: " + strings.Join(in.RedTeam.BreakingScenarios, ", ") + "."
		}
	}
	add("risk_analysis", "Risk Analysis", risk)

	comp := "Compliance report unavailable."
	if in.Compliance != nil {
		comp = fmt.Sprintf("%d/%d rules passed, %d critical failures, %d warnings.",
			in.Compliance.RulesPassed, in.Compliance.RulesChecked, in.Compliance.CriticalFailures, in.Compliance.Warnings)
		if len(in.Compliance.FailedRuleIDs) > 0 {
			comp += " Failed rules: " + strings.Join(in.Compliance.FailedRuleIDs, ", ") + "."
		}
	}
	add("compliance_summary", "Compliance Summary", comp)

	impl := "Rebalance plan unavailable."
	if p := in.Rebalance; p != nil {
		impl = fmt.Sprintf("%d BUY trades from cash, turnover %s, estimated cost %s at %.0fbps, estimated market impact %s.",
			p.TotalTrades, pct(p.Turnover), pct(p.EstimatedCost), p.CostAssumptionBps, pct(p.EstimatedImpact))
		if len(p.LiquidityWarnings) > 0 {
			impl += " Liquidity warnings: " + strings.Join(p.LiquidityWarnings, "; ") + "."
		}
	}
	add("implementation_plan", "Implementation Plan", impl)
	return memo
}

// MemoWriter produces the memo and its risk appendix.
type MemoWriter struct {
	Base
}

func NewMemoWriter(env Env) *MemoWriter {
	return &MemoWriter{Base: newBase(env, "memo_writer")}
}

func (w *MemoWriter) Execute(ctx context.Context, in MemoInputs) (*artifact.ICMemo, *artifact.RiskAppendix, error) {
	appendix := NewRiskAppendix(in.Candidate, in.RedTeam)
	appendix.Classification = artifact.ClassRestricted
	if _, err := w.save(ctx, appendix, artifact.KindAppendix, 0, in.Candidate, in.RedTeam); err != nil {
		return nil, nil, err
	}
	w.progress(ctx, 50, "Risk appendix written")

	memo := NewMemo(in, appendix.AppendixID)
	memo.Classification = artifact.ClassRestricted
	if _, err := w.save(ctx, memo, artifact.KindMemo, 0,
		in.Mandate, in.Universe, in.Candidate, in.Decision, in.Compliance, in.RedTeam, in.Rebalance, appendix); err != nil {
		return nil, nil, err
	}
	w.Logger.Info("memo_written", "candidate_id", in.Candidate.CandidateID, "sections", len(memo.Sections))
	return memo, appendix, nil
}
