package executors_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
	"icpilot/internal/executors"
	"icpilot/internal/funddb"
	"icpilot/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Emit(_ context.Context, evt domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func newEnv(t *testing.T) (executors.Env, *recorder, *store.Memory) {
	t.Helper()
	rec := &recorder{}
	mem := store.NewMemory()
	return executors.Env{
		RunID:     "run-1",
		Seed:      42,
		StageID:   domain.StageLoadMandate,
		Artifacts: mem,
		Emitter:   rec,
		Ledger:    executors.NewLedger(),
	}, rec, mem
}

func mandate(t *testing.T, id string) *artifact.MandateDSL {
	t.Helper()
	tmpl, ok := executors.LookupMandate(id)
	require.True(t, ok, id)
	return tmpl.ToDSL(id)
}

type fakeSource struct {
	funds []artifact.FundInfo
	err   error
}

func (f fakeSource) Funds(context.Context, funddb.Query) ([]artifact.FundInfo, error) {
	return f.funds, f.err
}

func (f fakeSource) MonthlyReturns(context.Context, string) (funddb.Returns, error) {
	v := 0.01
	return funddb.Returns{Month1: &v, Month2: &v, Month3: &v}, f.err
}

func (f fakeSource) Concentration(context.Context, string) (funddb.Concentration, error) {
	return funddb.Concentration{Top10: 0.5, HHI: 0.05}, f.err
}

func (fakeSource) Name() string { return "fake" }
func (fakeSource) Close() error { return nil }

func features(n int) []*artifact.FundFeatures {
	out := make([]*artifact.FundFeatures, n)
	for i := range out {
		ann := 0.04 + float64(i%7)*0.01
		vol := 0.05 + float64(i%5)*0.02
		sharpe := ann / vol
		out[i] = &artifact.FundFeatures{
			AccessionNumber:     fmt.Sprintf("ACC-%03d", i),
			SeriesName:          fmt.Sprintf("Fund %d", i),
			AnnualizedReturn:    &ann,
			Volatility:          &vol,
			SharpeRatio:         &sharpe,
			EquityExposure:      0.55,
			FixedIncomeExposure: 0.40,
			CashExposure:        0.05,
		}
	}
	return out
}

func TestMandateRegistry(t *testing.T) {
	all, err := executors.Mandates()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, executors.DefaultMandate, all[0].ID)

	ci := mandate(t, "conservative_income")
	assert.Equal(t, 0.10, ci.MinEquity)
	assert.Equal(t, 0.30, ci.MaxEquity)
	assert.Equal(t, 0.05, ci.MaxSinglePosition)
}

func TestMandateLoaderFallsBackVisibly(t *testing.T) {
	env, rec, mem := newEnv(t)
	m, err := executors.NewMandateLoader(env, false).Execute(context.Background(), "custom_mandate")
	require.NoError(t, err)
	assert.Equal(t, "custom_mandate", m.MandateID)
	assert.Equal(t, executors.DefaultMandate, m.Template)
	assert.Equal(t, []string{"template:balanced_growth(fallback)"}, m.Sources)
	assert.Contains(t, m.Description, "custom_mandate")
	assert.Equal(t, 1, m.Version)
	require.NoError(t, artifact.Verify(m))

	var warned bool
	for _, e := range rec.events {
		if e.Kind == domain.EventProgressUpdate && e.Level == domain.LevelWarn {
			warned = true
		}
	}
	assert.True(t, warned)

	stored, err := mem.Load(context.Background(), "run-1", artifact.KindMandate, store.Latest)
	require.NoError(t, err)
	assert.Equal(t, m.Hash, stored.Meta().Hash)
}

func TestMandateLoaderStrictRejectsUnknown(t *testing.T) {
	env, _, _ := newEnv(t)
	_, err := executors.NewMandateLoader(env, true).Execute(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mandate template "nope"`)
}

func TestUniverseExcludesFundOutsideEquityBand(t *testing.T) {
	m := mandate(t, "conservative_income")
	funds := []artifact.FundInfo{
		{AccessionNumber: "EQ50", ManagerName: "A", TotalAssets: 2e8, EquityPct: 0.50, FixedIncomePct: 0.45, CashPct: 0.05},
		{AccessionNumber: "INC", ManagerName: "B", TotalAssets: 3e8, EquityPct: 0.20, FixedIncomePct: 0.50, CashPct: 0.30},
	}
	u := executors.NewUniverse(m, funds)
	require.Len(t, u.Funds, 1)
	assert.Equal(t, "INC", u.Funds[0].AccessionNumber)
	assert.Equal(t, 2, u.TotalFundsScreened)
	assert.Equal(t, 1, u.FundsPassedFilter)
	assert.InDelta(t, 0.20, u.AssetClassBreakdown["equity"], 1e-9)
	assert.Equal(t, map[string]int{"B": 1}, u.ManagerBreakdown)
}

func TestUniverseBuilderReportsToolCalls(t *testing.T) {
	env, rec, _ := newEnv(t)
	m := mandate(t, "balanced_growth")
	src := fakeSource{funds: []artifact.FundInfo{{AccessionNumber: "X", EquityPct: 0.5, FixedIncomePct: 0.45, CashPct: 0.05, TotalAssets: 1e9}}}
	u, err := executors.NewUniverseBuilder(env, src, funddb.Query{}).Execute(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, 1, u.FundsPassedFilter)
	assert.Equal(t, []domain.EventKind{
		domain.EventToolCalled, domain.EventToolCompleted, domain.EventProgressUpdate, domain.EventArtifactPersisted,
	}, rec.kinds())

	env2, rec2, _ := newEnv(t)
	_, err = executors.NewUniverseBuilder(env2, fakeSource{err: errors.New("db down")}, funddb.Query{}).Execute(context.Background(), m)
	require.Error(t, err)
	assert.Equal(t, []domain.EventKind{domain.EventToolCalled, domain.EventToolFailed}, rec2.kinds())
	assert.Equal(t, domain.LevelError, rec2.events[1].Level)
}

func TestFeaturesTreatZeroReturnAsMissing(t *testing.T) {
	r1, r2 := 0.03, 0.0
	f := executors.NewFeatures(
		artifact.FundInfo{AccessionNumber: "X", EquityPct: 0.6, FixedIncomePct: 0.3, CashPct: 0.1},
		funddb.Returns{Month1: &r1, Month2: &r2},
		funddb.Concentration{Top10: 0.4, HHI: 0.02},
	)
	assert.Nil(t, f.MonthlyReturn2)
	assert.Nil(t, f.MonthlyReturn3)
	require.NotNil(t, f.AnnualizedReturn)
	assert.InDelta(t, 0.12, *f.AnnualizedReturn, 1e-9)
	assert.InDelta(t, 0.0346, *f.Volatility, 1e-9)
	require.NotNil(t, f.SharpeRatio)
	assert.InDelta(t, 0.12/0.0346, *f.SharpeRatio, 1e-5)
	assert.InDelta(t, 0.1+0.48+0.15, f.LiquidityScore, 1e-9)

	none := executors.NewFeatures(artifact.FundInfo{AccessionNumber: "Y"}, funddb.Returns{}, funddb.Concentration{})
	assert.Nil(t, none.AnnualizedReturn)
	assert.Nil(t, none.SharpeRatio)
}

func TestCandidateGenerationIsReproducible(t *testing.T) {
	m := mandate(t, "balanced_growth")
	fs := features(40)
	for _, cfg := range executors.SolverConfigs {
		a, err := executors.GenerateCandidate(cfg, m, fs, 42)
		require.NoError(t, err)
		b, err := executors.GenerateCandidate(cfg, m, fs, 42)
		require.NoError(t, err)
		if diff := cmp.Diff(a, b); diff != "" {
			t.Fatalf("candidate %s not reproducible (-a +b):\n%s", cfg.CandidateID, diff)
		}
		assert.GreaterOrEqual(t, a.TotalPositions, 10)
		assert.LessOrEqual(t, a.TotalPositions, 20)
		assert.Len(t, a.Holdings, a.TotalPositions)
		assert.InDelta(t, 1.0, a.TotalWeight(), 1e-3)
		assert.Equal(t, 42+cfg.SeedOffset, a.DiversitySeed)
	}

	a, _ := executors.GenerateCandidate(executors.SolverConfigs[0], m, fs, 42)
	other, _ := executors.GenerateCandidate(executors.SolverConfigs[0], m, fs, 43)
	assert.NotEqual(t, a.Holdings, other.Holdings)
}

func TestCandidateGeneratorRejectsEmptyUniverse(t *testing.T) {
	_, err := executors.GenerateCandidate(executors.SolverConfigs[0], mandate(t, "balanced_growth"), nil, 42)
	assert.Error(t, err)
}

func TestRandStreamsAreIndependent(t *testing.T) {
	a := executors.Rand(42, "stage", "A", 0).Uint64()
	again := executors.Rand(42, "stage", "A", 0).Uint64()
	b := executors.Rand(42, "stage", "B", 0).Uint64()
	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)
}

func TestComplianceConcentrationRule(t *testing.T) {
	m := mandate(t, "balanced_growth")
	m.MaxSinglePosition = 0.10
	c := &artifact.PortfolioCandidate{
		CandidateID: "A", MaxPositionSize: 0.15, TotalPositions: 12,
		EquityAllocation: 0.55, FixedIncomeAllocation: 0.40,
	}
	r := executors.NewComplianceReport(c, m)
	require.NotEmpty(t, r.Results)
	conc := r.Results[0]
	assert.Equal(t, "CONC-001", conc.RuleID)
	assert.False(t, conc.Passed)
	assert.Equal(t, 0.15, conc.ActualValue)
	assert.Equal(t, 0.10, conc.LimitValue)
	assert.True(t, conc.Critical)
	assert.False(t, r.Passed)
	assert.Equal(t, 1, r.CriticalFailures)
	assert.Contains(t, r.FailedRuleIDs, "CONC-001")
	assert.Equal(t, 8, r.RulesChecked)
}

func TestComplianceWarningsDoNotFail(t *testing.T) {
	m := mandate(t, "balanced_growth")
	c := &artifact.PortfolioCandidate{
		CandidateID: "A", MaxPositionSize: 0.05, TotalPositions: 3,
		EquityAllocation: 0.90, FixedIncomeAllocation: 0.05,
	}
	r := executors.NewComplianceReport(c, m)
	assert.True(t, r.Passed)
	assert.Zero(t, r.CriticalFailures)
	assert.GreaterOrEqual(t, r.Warnings, 3)
	for _, id := range []string{"ALLOC-002", "ALLOC-003", "DIV-001"} {
		assert.Contains(t, r.FailedRuleIDs, id)
	}
}

func TestESGPlaceholderIsStablePerCandidate(t *testing.T) {
	m := mandate(t, "balanced_growth")
	c := &artifact.PortfolioCandidate{CandidateID: "B", TotalPositions: 10}
	first := executors.CheckRules(c, m)
	second := executors.CheckRules(c, m)
	esg1, esg2 := first[len(first)-1], second[len(second)-1]
	assert.Equal(t, "ESG-001", esg1.RuleID)
	assert.Equal(t, esg1.Passed, esg2.Passed)
	assert.False(t, esg1.Critical)
}

func TestRedTeamFinancialCrisis(t *testing.T) {
	c := &artifact.PortfolioCandidate{CandidateID: "A", EquityAllocation: 0.60, FixedIncomeAllocation: 0.40}
	res := executors.RunScenario(executors.Scenarios[0], c, 0)
	assert.Equal(t, "2008_FINANCIAL_CRISIS", res.ScenarioID)
	assert.InDelta(t, -0.34, res.PortfolioReturn, 1e-9)
	assert.Equal(t, "critical", res.Severity)
	assert.True(t, res.VaRBreach)
	assert.False(t, res.Passed)

	r := executors.NewRedTeamReport(c, 7)
	crisis := r.Results[0]
	assert.InDelta(t, -0.30, crisis.PortfolioReturn, 0.15)
	assert.Contains(t, []string{"high", "critical"}, crisis.Severity)
	assert.Equal(t, 7, r.ScenariosTested)
	assert.False(t, r.Passed)
	assert.Equal(t, r, executors.NewRedTeamReport(c, 7))
	assert.LessOrEqual(t, r.CVaR95, r.AvgDrawdown)
}

func TestRedTeamPassesLowRiskCandidate(t *testing.T) {
	c := &artifact.PortfolioCandidate{CandidateID: "B", EquityAllocation: 0.05, FixedIncomeAllocation: 0.10}
	res := executors.RunScenario(executors.Scenarios[0], c, 0)
	assert.Equal(t, "low", res.Severity)
	assert.True(t, res.Passed)
}

func TestRepairCapsOversizedPosition(t *testing.T) {
	m := mandate(t, "balanced_growth")
	m.MaxSinglePosition = 0.10
	c := &artifact.PortfolioCandidate{CandidateID: "A", SolverConfig: "Balanced", EquityAllocation: 0.5, FixedIncomeAllocation: 0.4}
	c.Holdings = append(c.Holdings, artifact.Holding{FundAccession: "BIG", Weight: 0.15})
	for i := 0; i < 17; i++ {
		c.Holdings = append(c.Holdings, artifact.Holding{FundAccession: fmt.Sprintf("F%02d", i), Weight: 0.05})
	}
	c.MaxPositionSize = 0.15
	c.TotalPositions = len(c.Holdings)
	comp := executors.NewComplianceReport(c, m)
	require.False(t, comp.Passed)

	repaired, actions := executors.RepairCandidate(c, comp, nil, m, 1)
	require.NotSame(t, c, repaired)
	require.NotEmpty(t, actions)
	assert.LessOrEqual(t, repaired.MaxPositionSize, m.MaxSinglePosition)
	assert.InDelta(t, 1.0, repaired.TotalWeight(), 1e-3)
	assert.Equal(t, 1, repaired.RepairAttempt)
	assert.Equal(t, "Balanced (repaired)", repaired.SolverConfig)
	assert.Contains(t, repaired.ConstraintViolations, "CONC-001")
	assert.Equal(t, 0.15, c.Holdings[0].Weight, "input must not be mutated")

	again := executors.NewComplianceReport(repaired, m)
	assert.Empty(t, again.Failed(artifact.CategoryConcentration))
}

func TestRepairIsNoOpForPassingCandidate(t *testing.T) {
	env, rec, _ := newEnv(t)
	m := mandate(t, "balanced_growth")
	c := &artifact.PortfolioCandidate{CandidateID: "A", Holdings: []artifact.Holding{{FundAccession: "X", Weight: 1}}}
	comp := &artifact.ComplianceReport{CandidateID: "A", Passed: true}
	rt := &artifact.RedTeamReport{CandidateID: "A", Passed: true}

	out, err := executors.NewRepairer(env, 3).Execute(context.Background(), c, comp, rt, m, 1)
	require.NoError(t, err)
	assert.Same(t, c, out)
	assert.Empty(t, rec.events)
	assert.Zero(t, env.Ledger.Len())
}

func TestRepairTrimsLargestForRedTeam(t *testing.T) {
	m := mandate(t, "balanced_growth")
	c := &artifact.PortfolioCandidate{CandidateID: "C", ExpectedReturn: 0.1, EquityAllocation: 0.6, FixedIncomeAllocation: 0.4}
	for i, w := range []float64{0.08, 0.08, 0.08, 0.04, 0.04, 0.04, 0.04, 0.04, 0.04, 0.04, 0.04, 0.04, 0.04, 0.04, 0.04, 0.04, 0.04, 0.04, 0.04, 0.04, 0.04, 0.04} {
		c.Holdings = append(c.Holdings, artifact.Holding{FundAccession: fmt.Sprintf("F%02d", i), Weight: w})
	}
	rt := &artifact.RedTeamReport{CandidateID: "C", Passed: false, BreakingScenarios: []string{"2008_FINANCIAL_CRISIS", "2020_COVID_CRASH"}}
	repaired, _ := executors.RepairCandidate(c, &artifact.ComplianceReport{Passed: true}, rt, m, 2)
	assert.Less(t, repaired.Holdings[0].Weight, 0.08)
	assert.InDelta(t, 1.0, repaired.TotalWeight(), 1e-3)
	assert.InDelta(t, 0.095, repaired.ExpectedReturn, 1e-9)
	assert.InDelta(t, 0.57, repaired.EquityAllocation, 1e-9)
	assert.InDelta(t, 0.42, repaired.FixedIncomeAllocation, 1e-9)
	assert.InDelta(t, 0.02, repaired.CashAllocation, 1e-9)
}

func verified(id string, ret, sharpe, dd float64, compliant, resilient bool) executors.Verified {
	comp := &artifact.ComplianceReport{CandidateID: id, Passed: compliant}
	if !compliant {
		comp.Results = []artifact.RuleResult{{RuleID: "CONC-001", Category: artifact.CategoryConcentration, Critical: true}}
		comp.FailedRuleIDs = []string{"CONC-001"}
	}
	rt := &artifact.RedTeamReport{CandidateID: id, Passed: resilient, MaxDrawdown: dd, BreakingScenarios: []string{}}
	if !resilient {
		rt.BreakingScenarios = []string{"2008_FINANCIAL_CRISIS", "STAGFLATION"}
	}
	return executors.Verified{
		Candidate:  &artifact.PortfolioCandidate{CandidateID: id, ExpectedReturn: ret, ExpectedSharpe: sharpe},
		Compliance: comp,
		RedTeam:    rt,
	}
}

func TestSelectPicksBestEligible(t *testing.T) {
	vs := []executors.Verified{
		verified("C", 0.08, 0.8, -0.05, true, true),
		verified("A", 0.10, 1.0, -0.10, true, true),
		verified("B", 0.16, 1.6, -0.20, false, true),
	}
	d, err := executors.Select(vs)
	require.NoError(t, err)
	assert.Equal(t, "A", d.SelectedCandidate)
	assert.False(t, d.NoEligibleCandidate)
	assert.Equal(t, []string{"A", "C"}, d.EligibleCandidates)
	assert.InDelta(t, 0.59, d.CandidateScores["A"], 1e-9)
	assert.InDelta(t, 0.74, d.CandidateScores["B"], 1e-9)
	assert.InDelta(t, 0.55, d.CandidateScores["C"], 1e-9)
	assert.Equal(t, "Selected Candidate A with score 0.590. Expected return: 10.00%, Expected Sharpe: 1.00.", d.Rationale)
	assert.Contains(t, d.RejectedCandidates["B"], "Failed compliance: CONC-001")
	assert.Contains(t, d.RejectedCandidates["C"], "Lower score than A")
	assert.Equal(t, 0.35, d.ScoringWeights["return"])

	again, err := executors.Select([]executors.Verified{vs[2], vs[0], vs[1]})
	require.NoError(t, err)
	if diff := cmp.Diff(d, again, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("selection not deterministic (-first +second):\n%s", diff)
	}
}

func TestSelectDegradesWhenNothingEligible(t *testing.T) {
	vs := []executors.Verified{
		verified("A", 0.10, 1.0, -0.40, true, false),
		verified("B", 0.16, 1.6, -0.40, true, false),
		verified("C", 0.08, 0.8, -0.40, false, false),
	}
	d, err := executors.Select(vs)
	require.NoError(t, err)
	assert.True(t, d.NoEligibleCandidate)
	assert.Equal(t, "B", d.SelectedCandidate)
	assert.Empty(t, d.EligibleCandidates)
	assert.Equal(t, "No candidates passed all checks. Selected B as best available option.", d.Rationale)
	assert.Len(t, d.RejectedCandidates, 2)
	assert.True(t, strings.HasPrefix(d.RejectedCandidates["A"], "Failed red-team"))
}

func TestSelectNeutralRiskWithoutReport(t *testing.T) {
	v := executors.Verified{Candidate: &artifact.PortfolioCandidate{CandidateID: "A"}}
	assert.Equal(t, 0.5, executors.ComponentScores(v)["risk"])
	d, err := executors.Select([]executors.Verified{v})
	require.NoError(t, err)
	assert.Equal(t, "A", d.SelectedCandidate)
	assert.True(t, d.NoEligibleCandidate)
}

func TestRebalancePlanFromCash(t *testing.T) {
	c := &artifact.PortfolioCandidate{CandidateID: "A"}
	weights := []float64{0.05, 0.12, 0.09, 0.2, 0.04, 0.3, 0.2}
	for i, w := range weights {
		c.Holdings = append(c.Holdings, artifact.Holding{FundAccession: fmt.Sprintf("F%d", i), FundName: fmt.Sprintf("Fund %d", i), Weight: w})
	}
	p := executors.NewRebalancePlan(c)
	assert.Equal(t, 7, p.TotalTrades)
	assert.Equal(t, []string{"F5", "F3", "F6", "F1", "F2"}, p.ExecutionPriority)
	assert.InDelta(t, 1.0, p.Turnover, 1e-9)
	assert.InDelta(t, 0.001, p.EstimatedCost, 1e-9)
	assert.InDelta(t, 0.0005, p.EstimatedImpact, 1e-9)
	assert.Len(t, p.LiquidityWarnings, 5)
	assert.Equal(t, "Fund 5: 30.0% position may require multiple days to execute", p.LiquidityWarnings[0])
	for _, tr := range p.Trades {
		assert.Equal(t, "BUY", tr.Action)
		assert.Zero(t, tr.CurrentWeight)
	}
}

func TestRiskAppendixAndMemo(t *testing.T) {
	m := mandate(t, "balanced_growth")
	c := &artifact.PortfolioCandidate{
		CandidateID: "B", SolverConfig: "Risk-Focused", TotalPositions: 2,
		ExpectedReturn: 0.08, ExpectedVolatility: 0.1, EquityAllocation: 0.5, FixedIncomeAllocation: 0.45,
		Holdings: []artifact.Holding{{FundAccession: "X", FundName: "Fund X", Weight: 0.6}, {FundAccession: "Y", FundName: "Fund Y", Weight: 0.4}},
	}
	rt := executors.NewRedTeamReport(c, 1)
	a := executors.NewRiskAppendix(c, rt)
	assert.Equal(t, "risk_appendix_B", a.AppendixID)
	assert.InDelta(t, 0.52, a.PositionHHI, 1e-9)
	assert.InDelta(t, 0.9, a.FactorExposures["low_volatility"], 1e-9)
	assert.Len(t, a.StressResults, 7)
	assert.InDelta(t, rt.VaR95/21, a.VaR95OneDay, 1e-6)

	d := &artifact.Decision{SelectedCandidate: "B", Rationale: "Selected Candidate B"}
	memo := executors.NewMemo(executors.MemoInputs{Mandate: m, Candidate: c, Decision: d, RedTeam: rt}, a.AppendixID)
	assert.Equal(t, "IC Recommendation: Balanced Growth Fund", memo.Title)
	assert.Len(t, memo.Sections, 8)
	assert.Equal(t, "Selected Candidate B", memo.Section("recommendation").Content)
	assert.Contains(t, memo.Section("portfolio_overview").Content, "Fund X: 60.00%")
	assert.Equal(t, []string{"risk_appendix_B"}, memo.AppendixRefs)
}

func TestAuditReferencesEveryLedgerArtifact(t *testing.T) {
	env, _, _ := newEnv(t)
	ctx := context.Background()
	m, err := executors.NewMandateLoader(env, false).Execute(ctx, "balanced_growth")
	require.NoError(t, err)
	u, err := executors.NewUniverseBuilder(env, fakeSource{}, funddb.Query{}).Execute(ctx, m)
	require.NoError(t, err)

	ev, err := executors.NewAuditFinalizer(env.ForStage(domain.StageAuditFinalize)).Execute(ctx, []string{"load_mandate", "build_universe"}, nil, m, u)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"mandate_dsl:v1": m.Hash,
		"universe:v1":    u.Hash,
	}, ev.ArtifactHashes)
	assert.Equal(t, "run_completion", ev.EventType)
	assert.Equal(t, "audit-final-"+env.RunID, ev.EventID)
	assert.Equal(t, 2, ev.Details["artifact_count"])
	assert.ElementsMatch(t, []string{m.Hash, u.Hash}, ev.ParentHashes)
	assert.Equal(t, domain.StageAuditFinalize, ev.StageID)
}
