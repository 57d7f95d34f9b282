package executors

import (
	"context"
	"fmt"

	"icpilot/internal/artifact"
)

// AuditKey is the artifact_hashes key of a stored artifact.
func AuditKey(ref artifact.Ref) string {
	return fmt.Sprintf("%s:v%d", ref.Type, ref.Version)
}

// AuditEventID is the id of a run's terminal audit record. It is derived
// from the run so the record hashes the same on every replay.
func AuditEventID(runID string) string {
	return "audit-final-" + runID
}

// NewAuditEvent builds the terminal record referencing every artifact in
// refs.
func NewAuditEvent(runID string, refs []artifact.Ref, chain []string, details map[string]any) *artifact.AuditEvent {
	ev := &artifact.AuditEvent{
		EventID:        AuditEventID(runID),
		EventType:      "run_completion",
		Actor:          "IC Autopilot",
		Action:         "finalize_audit",
		Target:         runID,
		Outcome:        "success",
		ArtifactHashes: map[string]string{},
		DecisionChain:  append([]string{}, chain...),
		Details:        map[string]any{},
	}
	for _, ref := range refs {
		ev.ArtifactHashes[AuditKey(ref)] = ref.Hash
	}
	for k, v := range details {
		ev.Details[k] = v
	}
	ev.Details["artifact_count"] = len(refs)
	return ev
}

// AuditFinalizer writes the run's audit record.
type AuditFinalizer struct {
	Base
}

func NewAuditFinalizer(env Env) *AuditFinalizer {
	return &AuditFinalizer{Base: newBase(env, "audit_finalizer")}
}

// Execute records every artifact in the ledger so far. parents are the
// artifacts the record is directly derived from.
func (a *AuditFinalizer) Execute(ctx context.Context, chain []string, details map[string]any, parents ...artifact.Artifact) (*artifact.AuditEvent, error) {
	refs := a.Ledger.Refs()
	ev := NewAuditEvent(a.RunID, refs, chain, details)
	ev.Classification = artifact.ClassRestricted
	ev.Sources = []string{"artifact_store"}
	if _, err := a.save(ctx, ev, artifact.KindAudit, 0, parents...); err != nil {
		return nil, err
	}
	a.Logger.Info("audit_finalized", "artifacts", len(refs))
	return ev, nil
}
