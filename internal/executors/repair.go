package executors

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
)

const repairedSuffix = " (repaired)"

// capWeights trims every weight above limit and spreads the excess over
// positions below half the limit, falling back to any position with
// headroom.
func capWeights(ws []float64, limit float64) []float64 {
	out := append([]float64(nil), ws...)
	for iter := 0; iter < 20; iter++ {
		var excess float64
		for i, w := range out {
			if w > limit {
				excess += w - limit
				out[i] = limit
			}
		}
		if excess <= 1e-12 {
			break
		}
		recipients := headroom(out, limit*0.5)
		if len(recipients) == 0 {
			recipients = headroom(out, limit)
		}
		if len(recipients) == 0 {
			break
		}
		var room float64
		for _, i := range recipients {
			room += limit - out[i]
		}
		for _, i := range recipients {
			out[i] += excess * (limit - out[i]) / room
		}
	}
	return out
}

func headroom(ws []float64, below float64) []int {
	var idx []int
	for i, w := range ws {
		if w < below {
			idx = append(idx, i)
		}
	}
	return idx
}

// trimLargest scales the n largest weights by factor.
func trimLargest(ws []float64, n int, factor float64) []float64 {
	out := append([]float64(nil), ws...)
	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return out[idx[a]] > out[idx[b]] })
	for _, i := range idx[:min(n, len(idx))] {
		out[i] *= factor
	}
	return out
}

// settle normalizes and then pins any weight that rounding pushed over
// limit, handing the difference to the smallest position.
func settle(ws []float64, limit float64) []float64 {
	out := normalize(ws)
	for i, w := range out {
		if w > limit {
			diff := w - limit
			out[i] = limit
			smallest := 0
			for j := range out {
				if out[j] < out[smallest] {
					smallest = j
				}
			}
			out[smallest] = round(out[smallest]+diff, 4)
		}
	}
	return out
}

// RepairCandidate applies the fixes the reports call for and returns an
// unsealed new version of c with the actions taken. A candidate that
// passes both checks is returned unchanged with no actions.
func RepairCandidate(c *artifact.PortfolioCandidate, comp *artifact.ComplianceReport, rt *artifact.RedTeamReport, m *artifact.MandateDSL, attempt int) (*artifact.PortfolioCandidate, []string) {
	complianceOK := comp == nil || comp.Passed
	redteamOK := rt == nil || rt.Passed
	if complianceOK && redteamOK {
		return c, nil
	}

	weights := make([]float64, len(c.Holdings))
	for i, h := range c.Holdings {
		weights[i] = h.Weight
	}
	var actions, violations []string
	if comp != nil {
		violations = append(violations, comp.FailedRuleIDs...)
		if len(comp.Failed(artifact.CategoryConcentration)) > 0 {
			weights = capWeights(weights, m.MaxSinglePosition)
			actions = append(actions, fmt.Sprintf("capped positions at %.2f%%", m.MaxSinglePosition*100))
		}
	}
	if rt != nil && !rt.Passed {
		violations = append(violations, rt.BreakingScenarios...)
		weights = trimLargest(weights, 3, 0.9)
		actions = append(actions, "reduced the three largest positions by 10%")
	}
	weights = settle(weights, m.MaxSinglePosition)

	out := *c
	out.Envelope = artifact.Envelope{Classification: c.Classification}
	out.Holdings = make([]artifact.Holding, len(c.Holdings))
	out.MaxPositionSize = 0
	for i, h := range c.Holdings {
		h2 := h
		if h.Weight > 0 {
			h2.ExpectedContribution = round(h.ExpectedContribution*weights[i]/h.Weight, 6)
		}
		h2.Weight = weights[i]
		out.Holdings[i] = h2
		out.MaxPositionSize = math.Max(out.MaxPositionSize, h2.Weight)
	}
	out.ExpectedReturn = round(c.ExpectedReturn*0.95, 4)
	out.ExpectedVolatility = round(c.ExpectedVolatility*0.9, 4)
	out.EquityAllocation = round(c.EquityAllocation*0.95, 4)
	out.FixedIncomeAllocation = round(c.FixedIncomeAllocation*1.05, 4)
	out.CashAllocation = round(c.CashAllocation+0.02, 4)
	if !strings.HasSuffix(out.SolverConfig, repairedSuffix) {
		out.SolverConfig += repairedSuffix
	}
	out.SolverIterations = c.SolverIterations + 50
	out.SolverTimeMS = c.SolverTimeMS + 100
	out.RepairAttempt = attempt
	out.ConstraintViolations = append([]string{}, violations...)
	return &out, actions
}

// Repairer produces repaired candidate versions.
type Repairer struct {
	Base
	MaxAttempts int
}

func NewRepairer(env Env, maxAttempts int) *Repairer {
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxRepairAttempts
	}
	return &Repairer{Base: newBase(env, "repair"), MaxAttempts: maxAttempts}
}

// Execute runs one repair iteration. When both checks already pass the
// input candidate is returned and nothing is persisted.
func (rp *Repairer) Execute(ctx context.Context, c *artifact.PortfolioCandidate, comp *artifact.ComplianceReport, rt *artifact.RedTeamReport, m *artifact.MandateDSL, attempt int) (*artifact.PortfolioCandidate, error) {
	repaired, actions := RepairCandidate(c, comp, rt, m, attempt)
	if repaired == c {
		return c, nil
	}
	evt := rp.event(domain.EventRepairIteration, domain.LevelInfo,
		fmt.Sprintf("Repair attempt %d/%d for candidate %s", attempt, rp.MaxAttempts, c.CandidateID))
	evt.CandidateID = c.CandidateID
	evt.Payload = map[string]any{
		"attempt":      attempt,
		"max_attempts": rp.MaxAttempts,
		"actions":      actions,
		"violations":   repaired.ConstraintViolations,
	}
	rp.emit(ctx, evt)

	parents := []artifact.Artifact{c, m}
	if comp != nil {
		parents = append(parents, comp)
	}
	if rt != nil {
		parents = append(parents, rt)
	}
	if _, err := rp.save(ctx, repaired, artifact.KindCandidate, 0, parents...); err != nil {
		return nil, err
	}
	rp.Logger.Info("candidate_repaired", "candidate_id", c.CandidateID, "attempt", attempt, "max_position", repaired.MaxPositionSize)
	return repaired, nil
}
