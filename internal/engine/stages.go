package engine

import (
	"context"
	"errors"
	"fmt"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
	"icpilot/internal/executors"
	"icpilot/internal/funddb"
)

// Blackboard holds what a run has produced so far. Each field is filled by
// exactly one stage; stage 5 and 6 own the per-candidate maps. CheckErrors
// keys are "<candidate>/<check>" for verification units that failed to run.
type Blackboard struct {
	Mandate        *artifact.MandateDSL
	Universe       *artifact.Universe
	Features       []*artifact.FundFeatures
	Candidates     map[string]*artifact.PortfolioCandidate
	Compliance     map[string]*artifact.ComplianceReport
	RedTeam        map[string]*artifact.RedTeamReport
	CheckErrors    map[string]error
	Repaired       map[string]bool
	RepairAttempts map[string]int
	Decision       *artifact.Decision
	Rebalance      *artifact.RebalancePlan
	Memo           *artifact.ICMemo
	Appendix       *artifact.RiskAppendix
	Audit          *artifact.AuditEvent

	chain []string
}

func NewBlackboard() *Blackboard {
	return &Blackboard{
		Candidates:     map[string]*artifact.PortfolioCandidate{},
		Compliance:     map[string]*artifact.ComplianceReport{},
		RedTeam:        map[string]*artifact.RedTeamReport{},
		CheckErrors:    map[string]error{},
		Repaired:       map[string]bool{},
		RepairAttempts: map[string]int{},
	}
}

// Selected is the winning candidate id, or "" before stage 7.
func (b *Blackboard) Selected() string {
	if b == nil || b.Decision == nil {
		return ""
	}
	return b.Decision.SelectedCandidate
}

// Verified returns the candidates as they enter selection, ordered by id.
func (b *Blackboard) Verified() []executors.Verified {
	var out []executors.Verified
	for _, id := range domain.CandidateIDs {
		c, ok := b.Candidates[id]
		if !ok {
			continue
		}
		out = append(out, executors.Verified{
			Candidate:  c,
			Compliance: b.Compliance[id],
			RedTeam:    b.RedTeam[id],
			Repaired:   b.Repaired[id],
		})
	}
	return out
}

type stageResult struct {
	status         domain.StageStatus
	repairAttempts *int
}

type stage struct {
	id  string
	run func(ctx context.Context, e Engine, x *execution, env executors.Env) (stageResult, error)
}

var pipeline = []stage{
	{domain.StageLoadMandate, loadMandate},
	{domain.StageBuildUniverse, buildUniverse},
	{domain.StageComputeFeatures, computeFeatures},
	{domain.StageGenerateCandidates, generateCandidates},
	{domain.StageVerifyCandidates, verifyCandidates},
	{domain.StageRepairLoop, repairLoop},
	{domain.StageRankSelect, rankSelect},
	{domain.StageRebalancePlan, rebalancePlan},
	{domain.StageWriteMemo, writeMemo},
	{domain.StageAuditFinalize, auditFinalize},
}

var errNoFundSource = errors.New("fund source not configured")

func loadMandate(ctx context.Context, _ Engine, x *execution, env executors.Env) (stageResult, error) {
	m, err := executors.NewMandateLoader(env, x.cfg.Pipeline.StrictMandates).Execute(ctx, x.run.MandateID)
	if err != nil {
		return stageResult{}, err
	}
	x.bb.Mandate = m
	return stageResult{}, nil
}

func buildUniverse(ctx context.Context, e Engine, x *execution, env executors.Env) (stageResult, error) {
	if e.Funds == nil {
		return stageResult{}, errNoFundSource
	}
	q := funddb.Query{MinTotalAssets: x.cfg.Funds.MinTotalAssets, Limit: x.cfg.Funds.Limit}
	u, err := executors.NewUniverseBuilder(env, e.Funds, q).Execute(ctx, x.bb.Mandate)
	if err != nil {
		return stageResult{}, err
	}
	x.bb.Universe = u
	return stageResult{}, nil
}

func computeFeatures(ctx context.Context, e Engine, x *execution, env executors.Env) (stageResult, error) {
	if e.Funds == nil {
		return stageResult{}, errNoFundSource
	}
	features, err := executors.NewFeatureComputer(env, e.Funds).Execute(ctx, x.bb.Universe)
	if err != nil {
		return stageResult{}, err
	}
	x.bb.Features = features
	return stageResult{}, nil
}

func generateCandidates(ctx context.Context, _ Engine, x *execution, env executors.Env) (stageResult, error) {
	candidates, err := executors.NewCandidateGenerator(env).Execute(ctx, x.bb.Mandate, x.bb.Universe, x.bb.Features)
	if err != nil {
		return stageResult{}, err
	}
	for _, c := range candidates {
		x.bb.Candidates[c.CandidateID] = c
	}
	if len(x.bb.Candidates) != len(domain.CandidateIDs) {
		return stageResult{}, fmt.Errorf("expected %d candidates, got %d", len(domain.CandidateIDs), len(x.bb.Candidates))
	}
	return stageResult{}, nil
}

func rankSelect(ctx context.Context, e Engine, x *execution, env executors.Env) (stageResult, error) {
	vs := x.bb.Verified()
	for _, v := range vs {
		if err := e.setCandidate(ctx, x, v.Candidate.CandidateID, func(p *domain.CandidateProgress) {
			p.State = domain.CandidateScored
		}); err != nil {
			return stageResult{}, err
		}
	}
	d, err := executors.NewSelector(env).Execute(ctx, vs)
	if err != nil {
		return stageResult{}, err
	}
	x.bb.Decision = d
	if err := e.Runs.SetSelected(ctx, x.run.RunID, d.SelectedCandidate); err != nil {
		return stageResult{}, err
	}
	for _, v := range vs {
		id := v.Candidate.CandidateID
		if err := e.setCandidate(ctx, x, id, func(p *domain.CandidateProgress) {
			p.Scores = map[string]float64{"weighted": d.CandidateScores[id]}
			for k, s := range d.ComponentScores[id] {
				p.Scores[k] = s
			}
			if id == d.SelectedCandidate {
				p.State = domain.CandidateSelected
				p.IsSelected = true
				return
			}
			p.State = domain.CandidateRejected
			p.RejectionReason = d.RejectedCandidates[id]
		}); err != nil {
			return stageResult{}, err
		}
	}
	return stageResult{}, nil
}

func rebalancePlan(ctx context.Context, _ Engine, x *execution, env executors.Env) (stageResult, error) {
	winner := x.bb.Candidates[x.bb.Selected()]
	if winner == nil {
		return stageResult{}, fmt.Errorf("selected candidate %q not on the blackboard", x.bb.Selected())
	}
	p, err := executors.NewRebalancePlanner(env).Execute(ctx, winner, x.bb.Decision)
	if err != nil {
		return stageResult{}, err
	}
	x.bb.Rebalance = p
	return stageResult{}, nil
}

func writeMemo(ctx context.Context, _ Engine, x *execution, env executors.Env) (stageResult, error) {
	id := x.bb.Selected()
	memo, appendix, err := executors.NewMemoWriter(env).Execute(ctx, executors.MemoInputs{
		Mandate:    x.bb.Mandate,
		Universe:   x.bb.Universe,
		Candidate:  x.bb.Candidates[id],
		Decision:   x.bb.Decision,
		Compliance: x.bb.Compliance[id],
		RedTeam:    x.bb.RedTeam[id],
		Rebalance:  x.bb.Rebalance,
	})
	if err != nil {
		return stageResult{}, err
	}
	x.bb.Memo = memo
	x.bb.Appendix = appendix
	return stageResult{}, nil
}

func auditFinalize(ctx context.Context, _ Engine, x *execution, env executors.Env) (stageResult, error) {
	total := 0
	for _, n := range x.bb.RepairAttempts {
		total += n
	}
	details := map[string]any{
		"mandate_id":            x.run.MandateID,
		"seed":                  x.run.Seed,
		"selected_candidate":    x.bb.Selected(),
		"no_eligible_candidate": x.bb.Decision.NoEligibleCandidate,
		"repair_attempts":       total,
	}
	ev, err := executors.NewAuditFinalizer(env).Execute(ctx, x.bb.chain, details, x.bb.Decision, x.bb.Memo, x.bb.Appendix, x.bb.Rebalance)
	if err != nil {
		return stageResult{}, err
	}
	x.bb.Audit = ev
	return stageResult{}, nil
}

// setCandidate applies fn to the stored progress record of id.
func (e Engine) setCandidate(ctx context.Context, x *execution, id string, fn func(p *domain.CandidateProgress)) error {
	run, err := e.Runs.GetRun(ctx, x.run.RunID)
	if err != nil {
		return err
	}
	cur := run.Candidate(id)
	if cur == nil {
		return fmt.Errorf("unknown candidate %s", id)
	}
	next := *cur
	fn(&next)
	return e.Runs.UpdateCandidate(ctx, x.run.RunID, next)
}
