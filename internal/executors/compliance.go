package executors

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
)

const (
	MinDiversification = 5
	MaxDiversification = 50
	// esgFailureRate is the share of candidates the ESG placeholder fails.
	esgFailureRate     = 0.10
)

// IsCritical reports whether failures in category block selection.
func IsCritical(category string) bool {
	return category == artifact.CategoryConcentration || category == artifact.CategoryRegulatory
}

func rule(id, name, category, description string, passed bool, actual, limit float64, msg string) artifact.RuleResult {
	return artifact.RuleResult{
		RuleID:      id,
		RuleName:    name,
		Category:    category,
		Description: description,
		Passed:      passed,
		ActualValue: round(actual, 4),
		LimitValue:  limit,
		Message:     msg,
		Critical:    IsCritical(category),
	}
}

func cmpWord(ok bool, pass, fail string) string {
	if ok {
		return pass
	}
	return fail
}

// esgDraw is a placeholder for a real exclusion screen. The draw is
// seeded by the candidate id alone.
func esgDraw(candidateID string) bool {
	h := fnv.New64a()
	h.Write([]byte(candidateID))
	s := h.Sum64()
	return rand.New(rand.NewPCG(s, s)).Float64() >= esgFailureRate
}

// CheckRules evaluates the fixed rule list in order.
func CheckRules(c *artifact.PortfolioCandidate, m *artifact.MandateDSL) []artifact.RuleResult {
	pct := func(v float64) float64 { return v * 100 }
	var out []artifact.RuleResult

	ok := c.MaxPositionSize <= m.MaxSinglePosition
	out = append(out, rule("CONC-001", "Max Single Position", artifact.CategoryConcentration,
		"No single fund may exceed the mandate's position limit", ok, c.MaxPositionSize, m.MaxSinglePosition,
		fmt.Sprintf("Max position %.2f%% %s limit %.2f%%", pct(c.MaxPositionSize), cmpWord(ok, "<=", ">"), pct(m.MaxSinglePosition))))

	ok = c.EquityAllocation >= m.MinEquity
	out = append(out, rule("ALLOC-001", "Min Equity Allocation", artifact.CategoryAllocation,
		"Equity allocation must meet the mandate minimum", ok, c.EquityAllocation, m.MinEquity,
		fmt.Sprintf("Equity %.2f%% %s min %.2f%%", pct(c.EquityAllocation), cmpWord(ok, ">=", "<"), pct(m.MinEquity))))

	ok = c.EquityAllocation <= m.MaxEquity
	out = append(out, rule("ALLOC-002", "Max Equity Allocation", artifact.CategoryAllocation,
		"Equity allocation must not exceed the mandate maximum", ok, c.EquityAllocation, m.MaxEquity,
		fmt.Sprintf("Equity %.2f%% %s max %.2f%%", pct(c.EquityAllocation), cmpWord(ok, "<=", ">"), pct(m.MaxEquity))))

	ok = c.FixedIncomeAllocation >= m.MinFixedIncome
	out = append(out, rule("ALLOC-003", "Min Fixed Income Allocation", artifact.CategoryAllocation,
		"Fixed income allocation must meet the mandate minimum", ok, c.FixedIncomeAllocation, m.MinFixedIncome,
		fmt.Sprintf("Fixed income %.2f%% %s min %.2f%%", pct(c.FixedIncomeAllocation), cmpWord(ok, ">=", "<"), pct(m.MinFixedIncome))))

	ok = c.FixedIncomeAllocation <= m.MaxFixedIncome
	out = append(out, rule("ALLOC-004", "Max Fixed Income Allocation", artifact.CategoryAllocation,
		"Fixed income allocation must not exceed the mandate maximum", ok, c.FixedIncomeAllocation, m.MaxFixedIncome,
		fmt.Sprintf("Fixed income %.2f%% %s max %.2f%%", pct(c.FixedIncomeAllocation), cmpWord(ok, "<=", ">"), pct(m.MaxFixedIncome))))

	positions := float64(c.TotalPositions)
	ok = c.TotalPositions >= MinDiversification
	out = append(out, rule("DIV-001", "Min Diversification", artifact.CategoryDiversification,
		"Portfolio must hold a minimum number of funds", ok, positions, MinDiversification,
		fmt.Sprintf("%d positions %s min %d", c.TotalPositions, cmpWord(ok, ">=", "<"), MinDiversification)))

	ok = c.TotalPositions <= MaxDiversification
	out = append(out, rule("DIV-002", "Max Diversification", artifact.CategoryDiversification,
		"Portfolio must not hold more than the maximum number of funds", ok, positions, MaxDiversification,
		fmt.Sprintf("%d positions %s max %d", c.TotalPositions, cmpWord(ok, "<=", ">"), MaxDiversification)))

	ok = esgDraw(c.CandidateID)
	actual := 0.0
	if !ok {
		actual = 1
	}
	exclusions := "none"
	if len(m.ESGExclusions) > 0 {
		exclusions = strings.Join(m.ESGExclusions, ", ")
	}
	out = append(out, rule("ESG-001", "ESG Exclusions", artifact.CategoryESG,
		"Placeholder screen against excluded sectors; not backed by holdings data", ok, actual, 0,
		fmt.Sprintf("Exclusions (%s): %s", exclusions, cmpWord(ok, "no violations found", "potential violation flagged"))))
	return out
}

// NewComplianceReport aggregates rule results into an unsealed report.
// Only critical failures fail the report.
func NewComplianceReport(c *artifact.PortfolioCandidate, m *artifact.MandateDSL) *artifact.ComplianceReport {
	r := &artifact.ComplianceReport{
		CandidateID:      c.CandidateID,
		CandidateVersion: c.Version,
		Results:          CheckRules(c, m),
		FailedRuleIDs:    []string{},
	}
	for _, res := range r.Results {
		r.RulesChecked++
		if res.Passed {
			r.RulesPassed++
			continue
		}
		r.RulesFailed++
		r.FailedRuleIDs = append(r.FailedRuleIDs, res.RuleID)
		if res.Critical {
			r.CriticalFailures++
		} else {
			r.Warnings++
		}
	}
	r.Passed = r.CriticalFailures == 0
	return r
}

// ComplianceChecker runs the rule set against one candidate.
type ComplianceChecker struct {
	Base
}

func NewComplianceChecker(env Env) *ComplianceChecker {
	return &ComplianceChecker{Base: newBase(env, "compliance_checker")}
}

// Execute checks c. version is the report version reserved by the caller;
// zero allocates the next one.
func (cc *ComplianceChecker) Execute(ctx context.Context, c *artifact.PortfolioCandidate, m *artifact.MandateDSL, version int) (*artifact.ComplianceReport, error) {
	r := NewComplianceReport(c, m)
	if _, err := cc.save(ctx, r, artifact.KindCompliance, version, c, m); err != nil {
		return nil, err
	}
	level := domain.LevelInfo
	if !r.Passed {
		level = domain.LevelWarn
	}
	evt := cc.event(domain.EventComplianceCheck, level,
		fmt.Sprintf("Compliance %s for candidate %s: %d/%d rules passed", cmpWord(r.Passed, "passed", "failed"), c.CandidateID, r.RulesPassed, r.RulesChecked))
	evt.CandidateID = c.CandidateID
	evt.Payload = map[string]any{
		"passed":            r.Passed,
		"rules_checked":     r.RulesChecked,
		"rules_failed":      r.RulesFailed,
		"critical_failures": r.CriticalFailures,
		"failed_rule_ids":   r.FailedRuleIDs,
	}
	cc.emit(ctx, evt)
	cc.Logger.Info("compliance_checked", "candidate_id", c.CandidateID, "passed", r.Passed, "failed", r.FailedRuleIDs)
	return r, nil
}
