package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
	"icpilot/internal/executors"
)

const (
	checkCompliance = "compliance"
	checkRedTeam    = "redteam"
)

// unit is one check of one candidate. Each unit writes only its own slot.
type unit struct {
	candidateID string
	check       string
	version     int
	compliance  *artifact.ComplianceReport
	redteam     *artifact.RedTeamReport
	err         error
}

// verifyCandidates runs both checks of every candidate concurrently. A unit
// that fails is recorded against its candidate and never cancels the
// others.
func verifyCandidates(ctx context.Context, e Engine, x *execution, env executors.Env) (stageResult, error) {
	m := x.bb.Mandate
	var units []*unit
	for _, id := range domain.CandidateIDs {
		if _, ok := x.bb.Candidates[id]; !ok {
			continue
		}
		// versions are reserved in launch order so reruns number reports
		// identically whatever order the units finish in
		units = append(units,
			&unit{candidateID: id, check: checkCompliance, version: env.Ledger.Next(artifact.KindCompliance)},
			&unit{candidateID: id, check: checkRedTeam, version: env.Ledger.Next(artifact.KindRedTeam)},
		)
		if err := e.setCandidate(ctx, x, id, func(p *domain.CandidateProgress) {
			p.State = domain.CandidateVerifying
			p.ComplianceStatus = domain.CheckRunning
			p.RedTeamStatus = domain.CheckRunning
		}); err != nil {
			return stageResult{}, err
		}
	}

	compliance := executors.NewComplianceChecker(env)
	redteam := executors.NewRedTeam(env)
	var done atomic.Int32
	var g errgroup.Group
	g.SetLimit(x.cfg.Pipeline.VerifyConcurrency)
	for _, u := range units {
		g.Go(func() error {
			c := x.bb.Candidates[u.candidateID]
			switch u.check {
			case checkCompliance:
				u.compliance, u.err = compliance.Execute(ctx, c, m, u.version)
			case checkRedTeam:
				u.redteam, u.err = redteam.Execute(ctx, c, 0, u.version)
			}
			n := done.Add(1)
			pct := float64(n) / float64(len(units)) * 100
			evt := domain.Event{Kind: domain.EventProgressUpdate, StageID: domain.StageVerifyCandidates, CandidateID: u.candidateID,
				Message: fmt.Sprintf("Verification %d/%d done (%s %s)", n, len(units), u.candidateID, u.check)}
			evt.ProgressPct = &pct
			evt.Payload = map[string]any{"progress_pct": pct, "check": u.check}
			if u.err != nil {
				evt.Level = domain.LevelWarn
				evt.Payload["error"] = u.err.Error()
			}
			x.em.Emit(ctx, evt)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return stageResult{}, err
	}

	for _, u := range units {
		switch {
		case u.err != nil:
			x.bb.CheckErrors[u.candidateID+"/"+u.check] = u.err
			e.logger().Warn("verification_unit_failed", "run_id", x.run.RunID, "candidate_id", u.candidateID, "check", u.check, "error", u.err)
		case u.compliance != nil:
			x.bb.Compliance[u.candidateID] = u.compliance
		case u.redteam != nil:
			x.bb.RedTeam[u.candidateID] = u.redteam
		}
	}
	for _, id := range domain.CandidateIDs {
		if _, ok := x.bb.Candidates[id]; !ok {
			continue
		}
		if err := e.recordVerification(ctx, x, id); err != nil {
			return stageResult{}, err
		}
	}
	return stageResult{}, nil
}

func checkStatus(passed, present bool) domain.CheckStatus {
	if present && passed {
		return domain.CheckPassed
	}
	return domain.CheckFailed
}

// recordVerification stores the stage-5 outcome of one candidate and
// announces it.
func (e Engine) recordVerification(ctx context.Context, x *execution, id string) error {
	comp, rt := x.bb.Compliance[id], x.bb.RedTeam[id]
	compOK := comp != nil && comp.Passed
	rtOK := rt != nil && rt.Passed
	passed := compOK && rtOK
	var errMsg string
	for _, check := range []string{checkCompliance, checkRedTeam} {
		if err := x.bb.CheckErrors[id+"/"+check]; err != nil {
			errMsg = fmt.Sprintf("%s check failed: %v", check, err)
			break
		}
	}
	if err := e.setCandidate(ctx, x, id, func(p *domain.CandidateProgress) {
		p.ComplianceStatus = checkStatus(compOK, comp != nil)
		p.RedTeamStatus = checkStatus(rtOK, rt != nil)
		p.CompliancePassed = compOK
		p.RedTeamPassed = rtOK
		p.ErrorMessage = errMsg
		p.State = domain.CandidateFailed
		if passed {
			p.State = domain.CandidatePassed
		}
	}); err != nil {
		return err
	}

	evt := domain.Event{Kind: domain.EventCandidatePassed, StageID: domain.StageVerifyCandidates, CandidateID: id,
		Message: fmt.Sprintf("Candidate %s passed verification", id)}
	if !passed {
		evt.Kind = domain.EventCandidateFailed
		evt.Level = domain.LevelWarn
		evt.Message = fmt.Sprintf("Candidate %s failed verification", id)
	}
	evt.Payload = map[string]any{"compliance_passed": compOK, "redteam_passed": rtOK}
	if errMsg != "" {
		evt.Payload["error"] = errMsg
	}
	x.em.Emit(ctx, evt)
	return nil
}

// repairLoop repairs every candidate whose checks ran and failed, up to the
// configured attempt budget, re-running both checks after each attempt. A
// candidate whose check could not run is left as it is.
func repairLoop(ctx context.Context, e Engine, x *execution, env executors.Env) (stageResult, error) {
	maxAttempts := x.cfg.Pipeline.MaxRepairAttempts
	repairer := executors.NewRepairer(env, maxAttempts)
	compliance := executors.NewComplianceChecker(env)
	redteam := executors.NewRedTeam(env)

	total := 0
	for _, id := range domain.CandidateIDs {
		c := x.bb.Candidates[id]
		comp, rt := x.bb.Compliance[id], x.bb.RedTeam[id]
		if c == nil || comp == nil || rt == nil || (comp.Passed && rt.Passed) {
			continue
		}
		if err := e.setCandidate(ctx, x, id, func(p *domain.CandidateProgress) {
			p.State = domain.CandidateRepairing
		}); err != nil {
			return stageResult{}, err
		}

		attempts := 0
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return stageResult{}, err
			}
			next, err := repairer.Execute(ctx, c, comp, rt, x.bb.Mandate, attempt)
			if err != nil {
				return stageResult{}, err
			}
			c = next
			attempts = attempt
			if comp, err = compliance.Execute(ctx, c, x.bb.Mandate, 0); err != nil {
				return stageResult{}, err
			}
			if rt, err = redteam.Execute(ctx, c, attempt, 0); err != nil {
				return stageResult{}, err
			}
			if comp.Passed && rt.Passed {
				break
			}
		}
		total += attempts
		x.bb.Candidates[id] = c
		x.bb.Compliance[id] = comp
		x.bb.RedTeam[id] = rt
		x.bb.Repaired[id] = true
		x.bb.RepairAttempts[id] = attempts

		passed := comp.Passed && rt.Passed
		if err := e.setCandidate(ctx, x, id, func(p *domain.CandidateProgress) {
			p.RepairAttempts = attempts
			p.IsRepaired = true
			p.CompliancePassed = comp.Passed
			p.RedTeamPassed = rt.Passed
			p.ComplianceStatus = checkStatus(comp.Passed, true)
			p.RedTeamStatus = checkStatus(rt.Passed, true)
			p.State = domain.CandidateRepairExhausted
			if passed {
				p.State = domain.CandidateRepaired
			}
		}); err != nil {
			return stageResult{}, err
		}
		evt := domain.Event{Kind: domain.EventCandidateRepaired, StageID: domain.StageRepairLoop, CandidateID: id,
			Message: fmt.Sprintf("Candidate %s repaired after %d attempt(s)", id, attempts)}
		if !passed {
			evt.Level = domain.LevelWarn
			evt.Message = fmt.Sprintf("Candidate %s still failing after %d repair attempt(s)", id, attempts)
		}
		evt.Payload = map[string]any{
			"attempts":          attempts,
			"max_attempts":      maxAttempts,
			"passed":            passed,
			"candidate_version": c.Version,
		}
		x.em.Emit(ctx, evt)
	}

	if total == 0 {
		return stageResult{status: domain.StageSkipped, repairAttempts: &total}, nil
	}
	return stageResult{status: domain.StageRepaired, repairAttempts: &total}, nil
}
