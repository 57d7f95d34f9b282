package executors

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
)

// ScoringWeights combine the normalized components into one score.
var ScoringWeights = map[string]float64{
	"compliance": 0.0,
	"risk":       0.30,
	"return":     0.35,
	"sharpe":     0.35,
}

// Verified is one candidate as it enters selection.
type Verified struct {
	Candidate  *artifact.PortfolioCandidate
	Compliance *artifact.ComplianceReport
	RedTeam    *artifact.RedTeamReport
	Repaired   bool
}

// Eligible reports whether both checks passed.
func (v Verified) Eligible() bool {
	return v.Compliance != nil && v.Compliance.Passed && v.RedTeam != nil && v.RedTeam.Passed
}

// ComponentScores returns the normalized risk, return and sharpe
// components. A missing red-team report scores a neutral 0.5 on risk.
func ComponentScores(v Verified) map[string]float64 {
	risk := 0.5
	if v.RedTeam != nil {
		risk = clamp01(1 + v.RedTeam.MaxDrawdown/0.5)
	}
	compliance := 0.0
	if v.Compliance != nil && v.Compliance.Passed {
		compliance = 1
	}
	return map[string]float64{
		"compliance": compliance,
		"risk":       round(risk, 4),
		"return":     round(clamp01(v.Candidate.ExpectedReturn/0.20), 4),
		"sharpe":     round(clamp01(v.Candidate.ExpectedSharpe/2.0), 4),
	}
}

var scoringOrder = []string{"compliance", "risk", "return", "sharpe"}

func weighted(components map[string]float64) float64 {
	var total float64
	for _, k := range scoringOrder {
		total += components[k] * ScoringWeights[k]
	}
	return round(total, 4)
}

func rejection(v Verified, winner string, winnerScore, score float64) string {
	var reasons []string
	if v.Compliance == nil || !v.Compliance.Passed {
		ids := []string{}
		if v.Compliance != nil {
			for _, r := range v.Compliance.Failed("") {
				if r.Critical {
					ids = append(ids, r.RuleID)
				}
			}
		}
		reasons = append(reasons, "Failed compliance: "+strings.Join(ids, ", "))
	}
	if v.RedTeam == nil || !v.RedTeam.Passed {
		ids := []string{}
		if v.RedTeam != nil {
			ids = v.RedTeam.BreakingScenarios
		}
		reasons = append(reasons, "Failed red-team: "+strings.Join(ids, ", "))
	}
	if len(reasons) == 0 {
		reasons = append(reasons, fmt.Sprintf("Lower score than %s (%.3f vs %.3f)", winner, score, winnerScore))
	}
	return strings.Join(reasons, "; ")
}

// Select ranks the candidates and picks exactly one winner. It is a pure
// function of its input; ties go to the lower candidate id. When nothing
// is eligible the best overall candidate wins and the decision says so.
func Select(vs []Verified) (*artifact.Decision, error) {
	if len(vs) == 0 {
		return nil, fmt.Errorf("no candidates to select from")
	}
	sorted := append([]Verified(nil), vs...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Candidate.CandidateID < sorted[j].Candidate.CandidateID
	})

	d := &artifact.Decision{
		CandidateScores:     map[string]float64{},
		ScoringWeights:      map[string]float64{},
		ComponentScores:     map[string]map[string]float64{},
		EligibleCandidates:  []string{},
		RejectedCandidates:  map[string]string{},
		CandidateComparison: map[string]artifact.CandidateSummary{},
	}
	for k, w := range ScoringWeights {
		d.ScoringWeights[k] = w
	}
	for _, v := range sorted {
		id := v.Candidate.CandidateID
		comp := ComponentScores(v)
		d.ComponentScores[id] = comp
		d.CandidateScores[id] = weighted(comp)
		if v.Eligible() {
			d.EligibleCandidates = append(d.EligibleCandidates, id)
		}
		summary := artifact.CandidateSummary{
			ExpectedReturn:   v.Candidate.ExpectedReturn,
			ExpectedSharpe:   v.Candidate.ExpectedSharpe,
			Volatility:       v.Candidate.ExpectedVolatility,
			CompliancePassed: v.Compliance != nil && v.Compliance.Passed,
			RedTeamPassed:    v.RedTeam != nil && v.RedTeam.Passed,
			Repaired:         v.Repaired,
		}
		if v.RedTeam != nil {
			summary.MaxDrawdown = v.RedTeam.MaxDrawdown
		}
		d.CandidateComparison[id] = summary
	}

	pool := sorted
	if len(d.EligibleCandidates) == 0 {
		d.NoEligibleCandidate = true
	} else {
		pool = nil
		for _, v := range sorted {
			if v.Eligible() {
				pool = append(pool, v)
			}
		}
	}
	best := pool[0]
	for _, v := range pool[1:] {
		if d.CandidateScores[v.Candidate.CandidateID] > d.CandidateScores[best.Candidate.CandidateID] {
			best = v
		}
	}
	winner := best.Candidate.CandidateID
	winnerScore := d.CandidateScores[winner]
	d.SelectedCandidate = winner
	for _, v := range sorted {
		id := v.Candidate.CandidateID
		if id == winner {
			continue
		}
		d.RejectedCandidates[id] = rejection(v, winner, winnerScore, d.CandidateScores[id])
	}
	if d.NoEligibleCandidate {
		d.Rationale = fmt.Sprintf("No candidates passed all checks. Selected %s as best available option.", winner)
	} else {
		d.Rationale = fmt.Sprintf("Selected Candidate %s with score %.3f. Expected return: %.2f%%, Expected Sharpe: %.2f.",
			winner, winnerScore, best.Candidate.ExpectedReturn*100, best.Candidate.ExpectedSharpe)
	}
	return d, nil
}

// Selector persists the selection decision.
type Selector struct {
	Base
}

func NewSelector(env Env) *Selector {
	return &Selector{Base: newBase(env, "selector")}
}

func (s *Selector) Execute(ctx context.Context, vs []Verified) (*artifact.Decision, error) {
	d, err := Select(vs)
	if err != nil {
		return nil, err
	}
	var parents []artifact.Artifact
	for _, v := range vs {
		parents = append(parents, v.Candidate)
		if v.Compliance != nil {
			parents = append(parents, v.Compliance)
		}
		if v.RedTeam != nil {
			parents = append(parents, v.RedTeam)
		}
	}
	d.Classification = artifact.ClassRestricted
	if _, err := s.save(ctx, d, artifact.KindDecision, 0, parents...); err != nil {
		return nil, err
	}
	level := domain.LevelInfo
	if d.NoEligibleCandidate {
		level = domain.LevelWarn
	}
	evt := s.event(domain.EventDecisionMade, level, d.Rationale)
	evt.CandidateID = d.SelectedCandidate
	evt.Payload = map[string]any{
		"winner":                d.SelectedCandidate,
		"scores":                d.CandidateScores,
		"eligible":              d.EligibleCandidates,
		"no_eligible_candidate": d.NoEligibleCandidate,
	}
	s.emit(ctx, evt)
	s.Logger.Info("selection_completed", "selected", d.SelectedCandidate, "eligible", d.EligibleCandidates)
	return d, nil
}
