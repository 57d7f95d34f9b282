package domain

import "time"

type EventKind string

const (
	EventRunStarted        EventKind = "run_started"
	EventRunCompleted      EventKind = "run_completed"
	EventRunFailed         EventKind = "run_failed"
	EventStageStarted      EventKind = "stage_started"
	EventStageCompleted    EventKind = "stage_completed"
	EventStageFailed       EventKind = "stage_failed"
	EventStageSkipped      EventKind = "stage_skipped"
	EventExecutorStarted   EventKind = "executor_started"
	EventExecutorCompleted EventKind = "executor_completed"
	EventToolCalled        EventKind = "tool_called"
	EventToolCompleted     EventKind = "tool_completed"
	EventToolFailed        EventKind = "tool_failed"
	EventCandidateCreated  EventKind = "candidate_created"
	EventCandidatePassed   EventKind = "candidate_passed"
	EventCandidateFailed   EventKind = "candidate_failed"
	EventCandidateRepaired EventKind = "candidate_repaired"
	EventComplianceCheck   EventKind = "compliance_check"
	EventRedTeamCheck      EventKind = "redteam_check"
	EventRepairIteration   EventKind = "repair_iteration"
	EventDecisionMade      EventKind = "decision_made"
	EventArtifactPersisted EventKind = "artifact_persisted"
	EventProgressUpdate    EventKind = "progress_update"
	EventHeartbeat         EventKind = "heartbeat"
)

// Terminal reports whether the kind ends a run's event stream.
func (k EventKind) Terminal() bool {
	return k == EventRunCompleted || k == EventRunFailed
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one immutable entry of a run's progress trail. Sequence is
// assigned by the engine at emission time and is gap-free per run;
// heartbeats carry sequence 0 and are never persisted.
type Event struct {
	LogID        int64          `json:"log_id,omitempty"`
	EventID      string         `json:"event_id"`
	RunID        string         `json:"run_id"`
	Sequence     int64          `json:"sequence"`
	TS           time.Time      `json:"ts"`
	Level        Level          `json:"level" enum:"info,warn,error"`
	Kind         EventKind      `json:"kind"`
	StageID      string         `json:"stage_id,omitempty"`
	StageName    string         `json:"stage_name,omitempty"`
	CandidateID  string         `json:"candidate_id,omitempty"`
	ExecutorName string         `json:"executor_name,omitempty"`
	ToolName     string         `json:"tool_name,omitempty"`
	Message      string         `json:"message"`
	Payload      map[string]any `json:"payload,omitempty"`
	TraceID      string         `json:"trace_id,omitempty"`
	SpanID       string         `json:"span_id,omitempty"`
	ProgressPct  *float64       `json:"progress_pct,omitempty"`
	DurationMS   *int64         `json:"duration_ms,omitempty"`
}

// Heartbeat builds a liveness event for a subscriber stream.
func Heartbeat(runID string, now time.Time) Event {
	return Event{
		RunID:   runID,
		TS:      now,
		Level:   LevelInfo,
		Kind:    EventHeartbeat,
		Message: "heartbeat",
	}
}
