package executors

import (
	"context"
	"fmt"
	"math"
	"sort"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
)

// Scenario is one entry of the stress catalogue.
type Scenario struct {
	ID            string
	Name          string
	Type          string
	Description   string
	EquityShock   float64
	BondShock     float64
	VolMultiplier float64
}

var Scenarios = []Scenario{
	{"2008_FINANCIAL_CRISIS", "2008 Financial Crisis", "historical", "Global credit crunch with equity collapse", -0.50, -0.10, 3.0},
	{"2020_COVID_CRASH", "2020 COVID Crash", "historical", "Pandemic-driven liquidity shock", -0.35, 0.05, 4.0},
	{"RATE_SHOCK_UP", "Rate Shock +300bp", "synthetic", "Sudden rise in interest rates", -0.15, -0.20, 2.0},
	{"STAGFLATION", "Stagflation", "synthetic", "High inflation with low growth", -0.25, -0.15, 2.5},
	{"LIQUIDITY_CRISIS", "Liquidity Crisis", "adversarial", "Market-wide liquidity freeze", -0.30, -0.05, 3.5},
	{"CURRENCY_CRISIS", "Currency Crisis", "adversarial", "Major currency devaluation", -0.20, -0.10, 2.5},
	{"TECH_BUBBLE_BURST", "Tech Bubble Burst", "adversarial", "Technology sector collapse", -0.40, 0.05, 2.0},
}

const (
	noiseStdDev       = 0.02
	varBreachLevel    = -0.15
	scenarioDrawdown  = -0.30
	candidateDrawdown = -0.35
	maxBreaking       = 1
	searchBudget      = 100
)

func severity(drawdown float64) string {
	switch {
	case drawdown > -0.10:
		return "low"
	case drawdown > -0.20:
		return "medium"
	case drawdown > -0.30:
		return "high"
	}
	return "critical"
}

// RunScenario applies one scenario to the candidate's asset-class mix.
func RunScenario(s Scenario, c *artifact.PortfolioCandidate, noise float64) artifact.ScenarioResult {
	ret := round(c.EquityAllocation*s.EquityShock+c.FixedIncomeAllocation*s.BondShock+noise, 4)
	dd := math.Min(0, ret)
	breach := ret < varBreachLevel
	return artifact.ScenarioResult{
		ScenarioID:      s.ID,
		ScenarioName:    s.Name,
		ScenarioType:    s.Type,
		Description:     s.Description,
		EquityShock:     s.EquityShock,
		BondShock:       s.BondShock,
		VolMultiplier:   s.VolMultiplier,
		PortfolioReturn: ret,
		Drawdown:        dd,
		VaRBreach:       breach,
		Severity:        severity(dd),
		Passed:          dd > scenarioDrawdown && !breach,
	}
}

// NewRedTeamReport stresses c with seeded noise. The same noise seed gives
// the same report.
func NewRedTeamReport(c *artifact.PortfolioCandidate, noiseSeed uint64) *artifact.RedTeamReport {
	rng := Rand(int64(noiseSeed), "noise", c.CandidateID, 0)
	r := &artifact.RedTeamReport{
		CandidateID:       c.CandidateID,
		CandidateVersion:  c.Version,
		BreakingScenarios: []string{},
		SearchBudget:      searchBudget,
		NoiseSeed:         int64(noiseSeed),
	}
	returns := make([]float64, 0, len(Scenarios))
	var sumDD float64
	for _, s := range Scenarios {
		res := RunScenario(s, c, rng.NormFloat64()*noiseStdDev)
		r.Results = append(r.Results, res)
		r.ScenariosTested++
		if res.Passed {
			r.ScenariosPassed++
		} else {
			r.BreakingScenarios = append(r.BreakingScenarios, res.ScenarioID)
		}
		sumDD += res.Drawdown
		r.MaxDrawdown = math.Min(r.MaxDrawdown, res.Drawdown)
		returns = append(returns, res.PortfolioReturn)
	}
	sort.Float64s(returns)
	idx := int(float64(len(returns)) * 0.05)
	r.VaR95 = returns[idx]
	tail := max(1, idx)
	var tailSum float64
	for _, v := range returns[:tail] {
		tailSum += v
	}
	r.CVaR95 = round(tailSum/float64(tail), 4)
	r.AvgDrawdown = round(sumDD/float64(len(Scenarios)), 4)
	r.Passed = len(r.BreakingScenarios) <= maxBreaking && r.MaxDrawdown > candidateDrawdown
	return r
}

// RedTeam runs the stress catalogue against one candidate.
type RedTeam struct {
	Base
}

func NewRedTeam(env Env) *RedTeam {
	return &RedTeam{Base: newBase(env, "redteam")}
}

// Execute stresses c. attempt is the repair iteration the check belongs
// to and feeds the noise seed; version is reserved by the caller or zero.
func (rt *RedTeam) Execute(ctx context.Context, c *artifact.PortfolioCandidate, attempt, version int) (*artifact.RedTeamReport, error) {
	r := NewRedTeamReport(c, DeriveSeed(rt.Seed, "redteam", c.CandidateID, attempt))
	if _, err := rt.save(ctx, r, artifact.KindRedTeam, version, c); err != nil {
		return nil, err
	}
	level := domain.LevelInfo
	if !r.Passed {
		level = domain.LevelWarn
	}
	evt := rt.event(domain.EventRedTeamCheck, level,
		fmt.Sprintf("Red-team %s for candidate %s: %d/%d scenarios passed", cmpWord(r.Passed, "passed", "failed"), c.CandidateID, r.ScenariosPassed, r.ScenariosTested))
	evt.CandidateID = c.CandidateID
	evt.Payload = map[string]any{
		"passed":             r.Passed,
		"scenarios_tested":   r.ScenariosTested,
		"breaking_scenarios": r.BreakingScenarios,
		"max_drawdown":       r.MaxDrawdown,
		"var_95":             r.VaR95,
	}
	rt.emit(ctx, evt)
	rt.Logger.Info("redteam_completed", "candidate_id", c.CandidateID, "passed", r.Passed, "breaking", len(r.BreakingScenarios))
	return r, nil
}
