package domain

import (
	"fmt"
	"time"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StageRepaired  StageStatus = "repaired"
)

// Terminal reports whether the stage has finished one way or another.
func (s StageStatus) Terminal() bool {
	return s != StagePending && s != StageRunning
}

// Done reports whether the stage counts towards run progress.
func (s StageStatus) Done() bool {
	return s == StageSucceeded || s == StageSkipped || s == StageRepaired
}

const (
	StageLoadMandate        = "load_mandate"
	StageBuildUniverse      = "build_universe"
	StageComputeFeatures    = "compute_features"
	StageGenerateCandidates = "generate_candidates"
	StageVerifyCandidates   = "verify_candidates"
	StageRepairLoop         = "repair_loop"
	StageRankSelect         = "rank_select"
	StageRebalancePlan      = "rebalance_plan"
	StageWriteMemo          = "write_memo"
	StageAuditFinalize      = "audit_finalize"
)

type Stage struct {
	ID    string `json:"stage_id"`
	Name  string `json:"stage_name"`
	Order int    `json:"stage_order"`
}

// Stages is the fixed pipeline, in execution order.
var Stages = []Stage{
	{StageLoadMandate, "Load Mandate Template", 1},
	{StageBuildUniverse, "Build Universe", 2},
	{StageComputeFeatures, "Compute Features", 3},
	{StageGenerateCandidates, "Generate Candidates", 4},
	{StageVerifyCandidates, "Verify Candidates", 5},
	{StageRepairLoop, "Repair Loop", 6},
	{StageRankSelect, "Rank and Select", 7},
	{StageRebalancePlan, "Rebalance Planner", 8},
	{StageWriteMemo, "Write Memo", 9},
	{StageAuditFinalize, "Audit Finalize", 10},
}

const TotalStages = 10

// StageByID looks up a stage definition.
func StageByID(id string) (Stage, bool) {
	for _, s := range Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// CandidateIDs are the three candidates generated for every run.
var CandidateIDs = []string{"A", "B", "C"}

const DefaultMaxRepairAttempts = 3

type StageMetadata struct {
	StageID           string      `json:"stage_id"`
	StageName         string      `json:"stage_name"`
	StageOrder        int         `json:"stage_order"`
	Status            StageStatus `json:"status" enum:"pending,running,succeeded,failed,skipped,repaired"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	DurationMS        *int64      `json:"duration_ms,omitempty"`
	ProgressPct       float64     `json:"progress_pct"`
	Artifacts         []string    `json:"artifacts,omitempty"`
	ErrorMessage      string      `json:"error_message,omitempty"`
	ErrorCode         string      `json:"error_code,omitempty"`
	RepairAttempts    int         `json:"repair_attempts"`
	MaxRepairAttempts int         `json:"max_repair_attempts"`
}

type CheckStatus string

const (
	CheckPending CheckStatus = "pending"
	CheckRunning CheckStatus = "running"
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
)

// CandidateState tracks a candidate through verification, repair and
// selection.
type CandidateState string

const (
	CandidateCreated         CandidateState = "created"
	CandidateVerifying       CandidateState = "verifying"
	CandidatePassed          CandidateState = "passed"
	CandidateFailed          CandidateState = "failed"
	CandidateRepairing       CandidateState = "repairing"
	CandidateRepaired        CandidateState = "repaired"
	CandidateRepairExhausted CandidateState = "repair_exhausted"
	CandidateScored          CandidateState = "scored"
	CandidateSelected        CandidateState = "selected"
	CandidateRejected        CandidateState = "rejected"
)

type CandidateProgress struct {
	CandidateID      string             `json:"candidate_id"`
	State            CandidateState     `json:"state" enum:"created,verifying,passed,failed,repairing,repaired,repair_exhausted,scored,selected,rejected"`
	ComplianceStatus CheckStatus        `json:"compliance_status" enum:"pending,running,passed,failed"`
	RedTeamStatus    CheckStatus        `json:"redteam_status" enum:"pending,running,passed,failed"`
	CompliancePassed bool               `json:"compliance_passed"`
	RedTeamPassed    bool               `json:"redteam_passed"`
	RepairAttempts   int                `json:"repair_attempts"`
	IsRepaired       bool               `json:"is_repaired"`
	IsSelected       bool               `json:"is_selected"`
	RejectionReason  string             `json:"rejection_reason,omitempty"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	Scores           map[string]float64 `json:"scores,omitempty"`
}

// Run is the aggregate root persisted by the run store.
type Run struct {
	RunID             string              `json:"run_id"`
	MandateID         string              `json:"mandate_id"`
	Seed              int64               `json:"seed"`
	Status            RunStatus           `json:"status" enum:"pending,running,completed,failed,cancelled"`
	Config            map[string]any      `json:"config,omitempty"`
	CurrentStage      string              `json:"current_stage,omitempty"`
	StagesCompleted   int                 `json:"stages_completed"`
	TotalStages       int                 `json:"total_stages"`
	ProgressPct       float64             `json:"progress_pct"`
	SelectedCandidate string              `json:"selected_candidate,omitempty"`
	ArtifactCount     int                 `json:"artifact_count"`
	ArtifactsIndex    map[string]int      `json:"artifacts_index"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	ErrorStage        string              `json:"error_stage,omitempty"`
	EventCount        int64               `json:"event_count"`
	LastEventAt       *time.Time          `json:"last_event_at,omitempty"`
	RequestedBy       string              `json:"requested_by,omitempty"`
	Tags              []string            `json:"tags,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	Stages            []StageMetadata     `json:"stages"`
	Candidates        []CandidateProgress `json:"candidates"`
}

// NewRun builds a pending run with all stages and candidates initialised.
func NewRun(runID, mandateID string, seed int64, now time.Time) Run {
	r := Run{
		RunID:          runID,
		MandateID:      mandateID,
		Seed:           seed,
		Status:         RunPending,
		TotalStages:    TotalStages,
		ArtifactsIndex: map[string]int{},
		CreatedAt:      now,
	}
	for _, s := range Stages {
		r.Stages = append(r.Stages, StageMetadata{
			StageID:           s.ID,
			StageName:         s.Name,
			StageOrder:        s.Order,
			Status:            StagePending,
			MaxRepairAttempts: DefaultMaxRepairAttempts,
		})
	}
	for _, id := range CandidateIDs {
		r.Candidates = append(r.Candidates, NewCandidateProgress(id))
	}
	return r
}

func NewCandidateProgress(id string) CandidateProgress {
	return CandidateProgress{
		CandidateID:      id,
		State:            CandidateCreated,
		ComplianceStatus: CheckPending,
		RedTeamStatus:    CheckPending,
	}
}

// Stage returns the metadata of stage id, or nil.
func (r *Run) Stage(id string) *StageMetadata {
	for i := range r.Stages {
		if r.Stages[i].StageID == id {
			return &r.Stages[i]
		}
	}
	return nil
}

// Candidate returns the progress record of candidate id, or nil.
func (r *Run) Candidate(id string) *CandidateProgress {
	for i := range r.Candidates {
		if r.Candidates[i].CandidateID == id {
			return &r.Candidates[i]
		}
	}
	return nil
}

// UpdateProgress recomputes the aggregate progress from stage statuses.
func (r *Run) UpdateProgress() {
	done := 0
	for _, s := range r.Stages {
		if s.Status.Done() {
			done++
		}
	}
	r.StagesCompleted = done
	total := r.TotalStages
	if total == 0 {
		total = TotalStages
	}
	r.ProgressPct = float64(done) / float64(total) * 100
}

// EnsureRunTransition guards the run lifecycle: pending -> running ->
// terminal, exactly once.
func EnsureRunTransition(oldStatus, newStatus RunStatus) error {
	switch oldStatus {
	case RunPending:
		if newStatus == RunRunning || newStatus == RunCancelled || newStatus == RunFailed {
			return nil
		}
	case RunRunning:
		if newStatus == RunCompleted || newStatus == RunFailed || newStatus == RunCancelled {
			return nil
		}
	}
	return fmt.Errorf("invalid run status transition %s -> %s", oldStatus, newStatus)
}

// EnsureStageTransition guards stage statuses so they only move forward.
func EnsureStageTransition(oldStatus, newStatus StageStatus) error {
	switch oldStatus {
	case StagePending:
		// failed covers a stage whose start could not be recorded
		if newStatus == StageRunning || newStatus == StageSkipped || newStatus == StageFailed {
			return nil
		}
	case StageRunning:
		if newStatus == StageSucceeded || newStatus == StageFailed || newStatus == StageRepaired || newStatus == StageSkipped {
			return nil
		}
	}
	return fmt.Errorf("invalid stage status transition %s -> %s", oldStatus, newStatus)
}

// EnsureCandidateTransition guards the candidate state machine.
func EnsureCandidateTransition(oldState, newState CandidateState) error {
	switch oldState {
	case CandidateCreated:
		if newState == CandidateVerifying {
			return nil
		}
	case CandidateVerifying:
		if newState == CandidatePassed || newState == CandidateFailed {
			return nil
		}
	case CandidateFailed:
		if newState == CandidateRepairing || newState == CandidateScored {
			return nil
		}
	case CandidateRepairing:
		if newState == CandidateRepaired || newState == CandidateRepairExhausted {
			return nil
		}
	case CandidatePassed, CandidateRepaired, CandidateRepairExhausted:
		if newState == CandidateScored {
			return nil
		}
	case CandidateScored:
		if newState == CandidateSelected || newState == CandidateRejected {
			return nil
		}
	}
	return fmt.Errorf("invalid candidate transition %s -> %s", oldState, newState)
}
