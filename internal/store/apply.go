package store

import (
	"fmt"
	"time"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
)

// ApplyRunStatus validates and applies a run status change to r.
func ApplyRunStatus(r *domain.Run, u RunStatusUpdate) error {
	if err := domain.EnsureRunTransition(r.Status, u.Status); err != nil {
		return err
	}
	at := u.At.UTC()
	r.Status = u.Status
	switch u.Status {
	case domain.RunRunning:
		r.StartedAt = &at
	case domain.RunCompleted, domain.RunFailed, domain.RunCancelled:
		r.CompletedAt = &at
		r.CurrentStage = ""
	}
	if u.ErrorMessage != "" {
		r.ErrorMessage = u.ErrorMessage
	}
	if u.ErrorStage != "" {
		r.ErrorStage = u.ErrorStage
	}
	return nil
}

// ApplyStageUpdate validates and applies a stage transition to r and
// refreshes the aggregate progress.
func ApplyStageUpdate(r *domain.Run, u StageUpdate) error {
	s := r.Stage(u.StageID)
	if s == nil {
		return fmt.Errorf("unknown stage %s", u.StageID)
	}
	if err := domain.EnsureStageTransition(s.Status, u.Status); err != nil {
		return fmt.Errorf("stage %s: %w", u.StageID, err)
	}
	at := u.At.UTC()
	s.Status = u.Status
	switch u.Status {
	case domain.StageRunning:
		s.StartedAt = &at
		r.CurrentStage = u.StageID
	default:
		s.CompletedAt = &at
		if s.StartedAt != nil && u.DurationMS == nil {
			d := at.Sub(*s.StartedAt).Milliseconds()
			s.DurationMS = &d
		}
		s.ProgressPct = 100
	}
	if u.DurationMS != nil {
		d := *u.DurationMS
		s.DurationMS = &d
	}
	if u.ErrorMessage != "" {
		s.ErrorMessage = u.ErrorMessage
	}
	if u.ErrorCode != "" {
		s.ErrorCode = u.ErrorCode
	}
	if len(u.Artifacts) > 0 {
		s.Artifacts = append(s.Artifacts, u.Artifacts...)
	}
	if u.RepairAttempts != nil {
		s.RepairAttempts = *u.RepairAttempts
	}
	r.UpdateProgress()
	return nil
}

// ApplyCandidate replaces the progress record of c.CandidateID, guarding
// the state machine.
func ApplyCandidate(r *domain.Run, c domain.CandidateProgress) error {
	cur := r.Candidate(c.CandidateID)
	if cur == nil {
		return fmt.Errorf("unknown candidate %s", c.CandidateID)
	}
	if cur.State != c.State {
		if err := domain.EnsureCandidateTransition(cur.State, c.State); err != nil {
			return fmt.Errorf("candidate %s: %w", c.CandidateID, err)
		}
	}
	*cur = c
	return nil
}

// ApplyArtifact maintains the artifact index of r. The latest pointer only
// moves forward.
func ApplyArtifact(r *domain.Run, ref artifact.Ref) {
	if r.ArtifactsIndex == nil {
		r.ArtifactsIndex = map[string]int{}
	}
	r.ArtifactCount++
	if ref.Version > r.ArtifactsIndex[string(ref.Type)] {
		r.ArtifactsIndex[string(ref.Type)] = ref.Version
	}
}

// ApplySelected marks candidateID as the run's selection.
func ApplySelected(r *domain.Run, candidateID string) error {
	if r.Candidate(candidateID) == nil {
		return fmt.Errorf("unknown candidate %s", candidateID)
	}
	r.SelectedCandidate = candidateID
	for i := range r.Candidates {
		r.Candidates[i].IsSelected = r.Candidates[i].CandidateID == candidateID
	}
	return nil
}

// ApplyEventTouch records the latest event sequence seen for r.
func ApplyEventTouch(r *domain.Run, sequence int64, at time.Time) {
	if sequence > r.EventCount {
		r.EventCount = sequence
	}
	t := at.UTC()
	r.LastEventAt = &t
}
