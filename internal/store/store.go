// Package store declares the persistence contracts the engine depends on:
// an artifact store keyed by (run, type, version) with a latest pointer, a
// durable run/stage/candidate table, and an append-only per-run event log.
// Backends live elsewhere (internal/repo for sqlite, Memory for tests and
// ephemeral runs).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Latest asks Load for the highest stored version.
const Latest = 0

// ArtifactStore persists artifacts. Save is idempotent for the same
// (run, type, version): a second save overwrites the first.
type ArtifactStore interface {
	Save(ctx context.Context, a artifact.Artifact) (string, error)
	Load(ctx context.Context, runID string, kind artifact.Kind, version int) (artifact.Artifact, error)
	ListVersions(ctx context.Context, runID string, kind artifact.Kind) ([]int, error)
	ListArtifacts(ctx context.Context, runID string) (map[artifact.Kind]int, error)
	DeleteRun(ctx context.Context, runID string) (int, error)
}

type CreateRunRequest struct {
	RunID       string
	MandateID   string
	Seed        int64
	Config      map[string]any
	RequestedBy string
	Tags        []string
}

type RunStatusUpdate struct {
	Status       domain.RunStatus
	ErrorMessage string
	ErrorStage   string
	At           time.Time
}

type StageUpdate struct {
	StageID        string
	Status         domain.StageStatus
	DurationMS     *int64
	ErrorMessage   string
	ErrorCode      string
	Artifacts      []string
	RepairAttempts *int
	At             time.Time
}

type RunFilter struct {
	Status    domain.RunStatus
	MandateID string
	Limit     int
	Offset    int
}

// RunStore holds the durable run aggregate.
type RunStore interface {
	CreateRun(ctx context.Context, req CreateRunRequest) (domain.Run, error)
	GetRun(ctx context.Context, runID string) (domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, u RunStatusUpdate) error
	UpdateStage(ctx context.Context, runID string, u StageUpdate) error
	UpdateCandidate(ctx context.Context, runID string, c domain.CandidateProgress) error
	RecordArtifact(ctx context.Context, runID string, ref artifact.Ref) error
	SetSelected(ctx context.Context, runID, candidateID string) error
	TouchEvents(ctx context.Context, runID string, sequence int64, at time.Time) error
	ListRuns(ctx context.Context, f RunFilter) ([]domain.Run, error)
}

// EventLog is the append-only backing log of the event bus. AppendEvent is
// idempotent on (run_id, sequence).
type EventLog interface {
	AppendEvent(ctx context.Context, evt domain.Event) (int64, error)
	EventsAfter(ctx context.Context, runID string, afterSequence int64, limit int) ([]domain.Event, error)
	EventsSince(ctx context.Context, afterLogID int64, limit int) ([]domain.Event, error)
	LatestLogID(ctx context.Context) (int64, error)
}

// EventBus publishes events and serves resumable per-run subscriptions.
// Subscribe delivers every event with a sequence above cursor in order and
// emits heartbeats while idle; the channel closes when ctx is done or the
// run's terminal event has been delivered.
type EventBus interface {
	Publish(ctx context.Context, evt domain.Event) error
	Subscribe(ctx context.Context, runID string, cursor int64) (<-chan domain.Event, error)
}

// Location is the logical path of an artifact version.
func Location(runID string, kind artifact.Kind, version int) string {
	return fmt.Sprintf("runs/%s/artifacts/%s/%d.json", runID, kind, version)
}

// BundleEntry is one artifact of an audit bundle.
type BundleEntry struct {
	Version  int               `json:"version"`
	Hash     string            `json:"artifact_hash"`
	Artifact artifact.Artifact `json:"data"`
}

// AuditBundle is every latest artifact of a run with its hash.
type AuditBundle struct {
	RunID      string                        `json:"run_id"`
	ExportedAt time.Time                     `json:"exported_at"`
	Artifacts  map[artifact.Kind]BundleEntry `json:"artifacts"`
}

// BuildAuditBundle loads the latest version of every artifact type of a
// run, verifying each hash on the way.
func BuildAuditBundle(ctx context.Context, s ArtifactStore, runID string, now time.Time) (AuditBundle, error) {
	index, err := s.ListArtifacts(ctx, runID)
	if err != nil {
		return AuditBundle{}, err
	}
	bundle := AuditBundle{RunID: runID, ExportedAt: now, Artifacts: map[artifact.Kind]BundleEntry{}}
	for kind, version := range index {
		a, err := s.Load(ctx, runID, kind, version)
		if err != nil {
			return AuditBundle{}, fmt.Errorf("load %s v%d: %w", kind, version, err)
		}
		if err := artifact.Verify(a); err != nil {
			return AuditBundle{}, err
		}
		bundle.Artifacts[kind] = BundleEntry{Version: version, Hash: a.Meta().Hash, Artifact: a}
	}
	return bundle, nil
}
