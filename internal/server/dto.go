package server

import (
	"time"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
	"icpilot/internal/store"
)

// Request payloads

type CreateRunRequest struct {
	MandateID   string         `json:"mandate_id" minLength:"1" example:"balanced_growth"`
	Seed        *int64         `json:"seed,omitempty" example:"42"`
	Config      map[string]any `json:"config,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	RequestedBy string         `json:"requested_by,omitempty"`
}

// Response payloads

type CreateRunResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status" example:"started"`
	Message string `json:"message"`
}

type RunSummary struct {
	RunID             string           `json:"run_id"`
	MandateID         string           `json:"mandate_id"`
	Status            domain.RunStatus `json:"status"`
	Seed              int64            `json:"seed"`
	CurrentStage      string           `json:"current_stage,omitempty"`
	ProgressPct       float64          `json:"progress_pct"`
	SelectedCandidate string           `json:"selected_candidate,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
}

type paginatedRuns struct {
	Items  []RunSummary `json:"items"`
	Count  int          `json:"count"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type ArtifactIndexEntry struct {
	Type          artifact.Kind `json:"type"`
	LatestVersion int           `json:"latest_version"`
	Versions      []int         `json:"versions"`
	Location      string        `json:"location"`
}

type ArtifactIndexResponse struct {
	RunID     string               `json:"run_id"`
	Artifacts []ArtifactIndexEntry `json:"artifacts"`
}

type ArtifactResponse struct {
	RunID    string        `json:"run_id"`
	Type     artifact.Kind `json:"type"`
	Version  int           `json:"version"`
	Hash     string        `json:"artifact_hash"`
	Location string        `json:"location"`
	Data     any           `json:"data"`
}

type AuditEntry struct {
	Version int    `json:"version"`
	Hash    string `json:"artifact_hash"`
	Data    any    `json:"data"`
}

type AuditResponse struct {
	RunID      string                `json:"run_id"`
	ExportedAt time.Time             `json:"exported_at"`
	Artifacts  map[string]AuditEntry `json:"artifacts"`
}

type ReadyResponse struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

func runSummary(r domain.Run) RunSummary {
	return RunSummary{
		RunID:             r.RunID,
		MandateID:         r.MandateID,
		Status:            r.Status,
		Seed:              r.Seed,
		CurrentStage:      r.CurrentStage,
		ProgressPct:       r.ProgressPct,
		SelectedCandidate: r.SelectedCandidate,
		CreatedAt:         r.CreatedAt,
		CompletedAt:       r.CompletedAt,
	}
}

func mapRuns(items []domain.Run) []RunSummary {
	out := make([]RunSummary, 0, len(items))
	for _, r := range items {
		out = append(out, runSummary(r))
	}
	return out
}

func artifactResponse(runID string, a artifact.Artifact) ArtifactResponse {
	meta := a.Meta()
	return ArtifactResponse{
		RunID:    runID,
		Type:     meta.Type,
		Version:  meta.Version,
		Hash:     meta.Hash,
		Location: store.Location(runID, meta.Type, meta.Version),
		Data:     a,
	}
}

func auditResponse(b store.AuditBundle) AuditResponse {
	out := AuditResponse{RunID: b.RunID, ExportedAt: b.ExportedAt, Artifacts: map[string]AuditEntry{}}
	for kind, entry := range b.Artifacts {
		out.Artifacts[string(kind)] = AuditEntry{Version: entry.Version, Hash: entry.Hash, Data: entry.Artifact}
	}
	return out
}
