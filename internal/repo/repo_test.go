package repo_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"icpilot/internal/artifact"
	"icpilot/internal/db"
	"icpilot/internal/domain"
	"icpilot/internal/migrate"
	"icpilot/internal/repo"
	"icpilot/internal/store"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

func candidate(runID, id string, version int, weights ...float64) *artifact.PortfolioCandidate {
	c := &artifact.PortfolioCandidate{CandidateID: id}
	c.Envelope = artifact.Envelope{
		ID:      "cand-" + id,
		Type:    artifact.KindCandidate,
		Version: version,
		RunID:   runID,
		StageID: domain.StageGenerateCandidates,
	}
	for i, w := range weights {
		c.Holdings = append(c.Holdings, artifact.Holding{FundAccession: string(rune('A' + i)), Weight: w})
	}
	if err := artifact.Seal(c); err != nil {
		panic(err)
	}
	return c
}

func TestMigrateIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	if err := migrate.Migrate(r.DB); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := migrate.Version(context.Background(), r.DB)
	if err != nil || v != 1 {
		t.Fatalf("expected schema version 1, got %d (%v)", v, err)
	}
}

func TestArtifactRoundTripAndLatest(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for v := 1; v <= 3; v++ {
		if _, err := r.Save(ctx, candidate("run-1", "A", v, 0.5, 0.5)); err != nil {
			t.Fatalf("save v%d: %v", v, err)
		}
	}
	latest, err := r.Load(ctx, "run-1", artifact.KindCandidate, store.Latest)
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if latest.Meta().Version != 3 {
		t.Fatalf("expected latest version 3, got %d", latest.Meta().Version)
	}
	if err := artifact.Verify(latest); err != nil {
		t.Fatalf("verify: %v", err)
	}
	c, err := artifact.As[*artifact.PortfolioCandidate](latest)
	if err != nil || len(c.Holdings) != 2 {
		t.Fatalf("unexpected candidate %+v (%v)", c, err)
	}
	versions, err := r.ListVersions(ctx, "run-1", artifact.KindCandidate)
	if err != nil || len(versions) != 3 || versions[0] != 1 || versions[2] != 3 {
		t.Fatalf("unexpected versions %v (%v)", versions, err)
	}
	index, err := r.ListArtifacts(ctx, "run-1")
	if err != nil || index[artifact.KindCandidate] != 3 {
		t.Fatalf("unexpected index %v (%v)", index, err)
	}
	ref, err := r.FindByHash(ctx, latest.Meta().Hash)
	if err != nil || ref.RunID != "run-1" || ref.Type != artifact.KindCandidate {
		t.Fatalf("find by hash: %+v (%v)", ref, err)
	}
	if _, err := r.Load(ctx, "run-1", artifact.KindDecision, store.Latest); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	n, err := r.DeleteRun(ctx, "run-1")
	if err != nil || n != 3 {
		t.Fatalf("delete run: %d (%v)", n, err)
	}
}

func TestSaveOverwritesSameVersion(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.Save(ctx, candidate("run-1", "A", 1, 1.0)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Save(ctx, candidate("run-1", "A", 1, 0.4, 0.6)); err != nil {
		t.Fatal(err)
	}
	got, err := r.Load(ctx, "run-1", artifact.KindCandidate, 1)
	if err != nil {
		t.Fatal(err)
	}
	if c := got.(*artifact.PortfolioCandidate); len(c.Holdings) != 2 {
		t.Fatalf("expected overwritten payload, got %+v", c.Holdings)
	}
}

func TestRunAggregatePersists(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.CreateRun(ctx, store.CreateRunRequest{RunID: "run-1", MandateID: "balanced_growth", Seed: 7, Tags: []string{"nightly"}}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := r.CreateRun(ctx, store.CreateRunRequest{RunID: "run-1", MandateID: "balanced_growth"}); err == nil {
		t.Fatalf("expected duplicate run error")
	}
	at := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)
	if err := r.UpdateRunStatus(ctx, "run-1", store.RunStatusUpdate{Status: domain.RunRunning, At: at}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateStage(ctx, "run-1", store.StageUpdate{StageID: domain.StageLoadMandate, Status: domain.StageRunning, At: at}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateStage(ctx, "run-1", store.StageUpdate{StageID: domain.StageLoadMandate, Status: domain.StageSucceeded, At: at.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	cp := domain.NewCandidateProgress("B")
	cp.State = domain.CandidateVerifying
	if err := r.UpdateCandidate(ctx, "run-1", cp); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordArtifact(ctx, "run-1", artifact.Ref{Type: artifact.KindMandate, Version: 1}); err != nil {
		t.Fatal(err)
	}
	if err := r.TouchEvents(ctx, "run-1", 12, at); err != nil {
		t.Fatal(err)
	}

	run, err := r.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunRunning || run.StagesCompleted != 1 || run.EventCount != 12 {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Candidate("B").State != domain.CandidateVerifying {
		t.Fatalf("candidate state not persisted")
	}
	if run.ArtifactsIndex[string(artifact.KindMandate)] != 1 || run.ArtifactCount != 1 {
		t.Fatalf("artifact index not persisted: %+v", run.ArtifactsIndex)
	}
	if d := run.Stage(domain.StageLoadMandate).DurationMS; d == nil || *d != 1000 {
		t.Fatalf("unexpected duration %v", d)
	}

	err = r.UpdateStage(ctx, "run-1", store.StageUpdate{StageID: domain.StageLoadMandate, Status: domain.StageRunning, At: at})
	if err == nil {
		t.Fatalf("expected backwards stage transition to fail")
	}
	if _, err := r.GetRun(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	runs, err := r.ListRuns(ctx, store.RunFilter{Status: domain.RunRunning})
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %v (%v)", runs, err)
	}
	runs, err = r.ListRuns(ctx, store.RunFilter{Status: domain.RunCompleted})
	if err != nil || len(runs) != 0 {
		t.Fatalf("expected no completed runs: %v (%v)", runs, err)
	}
}

func TestEventLogCursor(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 5; seq++ {
		evt := domain.Event{RunID: "run-1", Sequence: seq, Kind: domain.EventProgressUpdate, Level: domain.LevelInfo, TS: time.Now(), Message: "tick"}
		if _, err := r.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
	id, err := r.AppendEvent(ctx, domain.Event{RunID: "run-1", Sequence: 3, Kind: domain.EventProgressUpdate, TS: time.Now()})
	if err != nil || id != 3 {
		t.Fatalf("expected idempotent append to return 3, got %d (%v)", id, err)
	}
	evts, err := r.EventsAfter(ctx, "run-1", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 || evts[0].Sequence != 3 || evts[1].Sequence != 4 {
		t.Fatalf("unexpected page %+v", evts)
	}
	if evts[0].LogID != 3 || evts[0].Message != "tick" {
		t.Fatalf("event not decoded: %+v", evts[0])
	}
	since, err := r.EventsSince(ctx, 4, 0)
	if err != nil || len(since) != 1 || since[0].Sequence != 5 {
		t.Fatalf("unexpected events since: %+v (%v)", since, err)
	}
	latest, err := r.LatestLogID(ctx)
	if err != nil || latest != 5 {
		t.Fatalf("latest log id: %d (%v)", latest, err)
	}
}

func TestConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.CreateRun(ctx, store.CreateRunRequest{RunID: "run-1", MandateID: "balanced_growth", Seed: 42}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	const workers, perWorker = 6, 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				version := w*perWorker + i + 1
				c := candidate("run-1", "A", version, 0.5, 0.5)
				if _, err := r.Save(ctx, c); err != nil {
					errs <- fmt.Errorf("save v%d: %w", version, err)
					continue
				}
				if err := r.RecordArtifact(ctx, "run-1", artifact.RefOf(c)); err != nil {
					errs <- fmt.Errorf("record v%d: %w", version, err)
					continue
				}
				evt := domain.Event{RunID: "run-1", Sequence: int64(version), Kind: domain.EventArtifactPersisted, Level: domain.LevelInfo, TS: time.Now()}
				if _, err := r.AppendEvent(ctx, evt); err != nil {
					errs <- fmt.Errorf("append #%d: %w", version, err)
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent write: %v", err)
	}

	run, err := r.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.ArtifactCount != workers*perWorker {
		t.Fatalf("expected %d recorded artifacts, got %d", workers*perWorker, run.ArtifactCount)
	}
	if got := run.ArtifactsIndex[string(artifact.KindCandidate)]; got != workers*perWorker {
		t.Fatalf("expected latest candidate version %d, got %d", workers*perWorker, got)
	}
	evts, err := r.EventsAfter(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != workers*perWorker {
		t.Fatalf("expected %d events, got %d", workers*perWorker, len(evts))
	}
}
