package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"icpilot/internal/artifact"
	"icpilot/internal/config"
	"icpilot/internal/db"
	"icpilot/internal/domain"
	"icpilot/internal/engine"
	"icpilot/internal/events"
	"icpilot/internal/funddb"
	"icpilot/internal/logging"
	"icpilot/internal/migrate"
	"icpilot/internal/repo"
	"icpilot/internal/store"
)

type testEnv struct {
	Engine engine.Engine
	Store  *store.Memory
	Ctx    context.Context
}

func fundSource(t *testing.T) funddb.Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), "funds.db")
	if _, err := funddb.Seed(context.Background(), path, funddb.Synthetic(80, 7)); err != nil {
		t.Fatalf("seed funds: %v", err)
	}
	src, err := funddb.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open funds: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func newTestEnv(t *testing.T, artifacts store.ArtifactStore) testEnv {
	t.Helper()
	mem := store.NewMemory()
	if artifacts == nil {
		artifacts = mem
	}
	bus := events.NewBus(mem, mem, logging.Discard())
	eng := engine.New(mem, artifacts, bus, fundSource(t), config.Default(), logging.Discard())
	return testEnv{Engine: eng, Store: mem, Ctx: context.Background()}
}

func (env testEnv) run(t *testing.T, opts engine.CreateOptions) (domain.Run, *engine.Blackboard, error) {
	t.Helper()
	if opts.MandateID == "" {
		opts.MandateID = "balanced_growth"
	}
	return env.Engine.Run(env.Ctx, opts)
}

func (env testEnv) events(t *testing.T, runID string) []domain.Event {
	t.Helper()
	evts, err := env.Store.EventsAfter(env.Ctx, runID, 0, 0)
	require.NoError(t, err)
	return evts
}

func TestExecuteCompletesRun(t *testing.T) {
	env := newTestEnv(t, nil)
	run, bb, err := env.run(t, engine.CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 100.0, run.ProgressPct)
	assert.Equal(t, domain.TotalStages, run.StagesCompleted)
	assert.Equal(t, int64(42), run.Seed)

	var last time.Time
	for i, st := range run.Stages {
		assert.Equal(t, domain.Stages[i].ID, st.StageID)
		require.NotNil(t, st.CompletedAt, st.StageID)
		assert.False(t, st.CompletedAt.Before(last), "stage %s completed out of order", st.StageID)
		last = *st.CompletedAt
		if st.StageID == domain.StageRepairLoop {
			assert.Contains(t, []domain.StageStatus{domain.StageRepaired, domain.StageSkipped}, st.Status)
			continue
		}
		assert.Equal(t, domain.StageSucceeded, st.Status, st.StageID)
	}

	require.Len(t, bb.Candidates, 3)
	for _, id := range domain.CandidateIDs {
		c := bb.Candidates[id]
		require.NotNil(t, c, id)
		var sum float64
		for _, h := range c.Holdings {
			sum += h.Weight
		}
		assert.InDelta(t, 1.0, sum, 1e-3, "candidate %s weights", id)
		require.NoError(t, artifact.Verify(c))
	}

	selected := 0
	for _, c := range run.Candidates {
		switch c.State {
		case domain.CandidateSelected:
			selected++
			assert.Equal(t, run.SelectedCandidate, c.CandidateID)
		case domain.CandidateRejected:
			assert.NotEmpty(t, c.RejectionReason)
		default:
			t.Fatalf("candidate %s ended in state %s", c.CandidateID, c.State)
		}
	}
	assert.Equal(t, 1, selected)
	assert.Equal(t, bb.Selected(), run.SelectedCandidate)
	require.NotNil(t, bb.Rebalance)
	require.NotNil(t, bb.Memo)
	assert.Equal(t, run.SelectedCandidate, bb.Memo.CandidateID)
}

func TestEventSequenceIsGapFree(t *testing.T) {
	env := newTestEnv(t, nil)
	run, _, err := env.run(t, engine.CreateOptions{})
	require.NoError(t, err)

	evts := env.events(t, run.RunID)
	require.NotEmpty(t, evts)
	for i, evt := range evts {
		assert.Equal(t, int64(i+1), evt.Sequence)
		assert.Equal(t, engine.EventID(run.RunID, evt.Sequence), evt.EventID)
	}
	assert.Equal(t, domain.EventRunStarted, evts[0].Kind)
	assert.Equal(t, domain.EventRunCompleted, evts[len(evts)-1].Kind)
	assert.Equal(t, int64(len(evts)), run.EventCount)

	var started []string
	for _, evt := range evts {
		if evt.Kind == domain.EventStageStarted {
			started = append(started, evt.StageID)
		}
	}
	var want []string
	for _, st := range domain.Stages {
		want = append(want, st.ID)
	}
	assert.Equal(t, want, started)
}

func TestAuditReferencesEveryArtifact(t *testing.T) {
	env := newTestEnv(t, nil)
	run, bb, err := env.run(t, engine.CreateOptions{})
	require.NoError(t, err)
	require.NotNil(t, bb.Audit)

	expected := 0
	for _, kind := range artifact.Kinds {
		if kind == artifact.KindAudit {
			continue
		}
		versions, err := env.Store.ListVersions(env.Ctx, run.RunID, kind)
		require.NoError(t, err)
		expected += len(versions)
		for _, v := range versions {
			a, err := env.Store.Load(env.Ctx, run.RunID, kind, v)
			require.NoError(t, err)
			key := fmt.Sprintf("%s:v%d", kind, v)
			assert.Equal(t, a.Meta().Hash, bb.Audit.ArtifactHashes[key], key)
		}
	}
	assert.Len(t, bb.Audit.ArtifactHashes, expected)
	assert.Len(t, bb.Audit.DecisionChain, domain.TotalStages-1)

	bundle, err := store.BuildAuditBundle(env.Ctx, env.Store, run.RunID, time.Now())
	require.NoError(t, err)
	assert.Len(t, bundle.Artifacts, len(artifact.Kinds))
}

func TestExecuteIsReproducible(t *testing.T) {
	first := newTestEnv(t, nil)
	second := newTestEnv(t, nil)
	second.Engine.Funds = first.Engine.Funds
	opts := engine.CreateOptions{RunID: "run-fixed"}
	_, a, err := first.run(t, opts)
	require.NoError(t, err)
	_, b, err := second.run(t, opts)
	require.NoError(t, err)

	for _, id := range domain.CandidateIDs {
		assert.Equal(t, a.Candidates[id].Hash, b.Candidates[id].Hash, "candidate %s", id)
		assert.Equal(t, a.Compliance[id].Hash, b.Compliance[id].Hash, "compliance %s", id)
		assert.Equal(t, a.RedTeam[id].Hash, b.RedTeam[id].Hash, "redteam %s", id)
	}
	assert.Equal(t, a.Decision.Hash, b.Decision.Hash)
	assert.Equal(t, a.Decision.CandidateScores, b.Decision.CandidateScores)
	assert.Equal(t, a.Rebalance.Hash, b.Rebalance.Hash, "rebalance")
	assert.Equal(t, a.Memo.Hash, b.Memo.Hash, "memo")
	assert.Equal(t, a.Appendix.Hash, b.Appendix.Hash, "appendix")
	assert.Equal(t, a.Audit.EventID, b.Audit.EventID)
	assert.Equal(t, a.Audit.Hash, b.Audit.Hash, "audit")
}

// failingStore refuses to persist the compliance report of one candidate.
type failingStore struct {
	*store.Memory
	candidate string
}

func (s failingStore) Save(ctx context.Context, a artifact.Artifact) (string, error) {
	if r, ok := a.(*artifact.ComplianceReport); ok && r.CandidateID == s.candidate {
		return "", errors.New("disk full")
	}
	return s.Memory.Save(ctx, a)
}

func TestVerificationFailureIsIsolated(t *testing.T) {
	arts := failingStore{Memory: store.NewMemory(), candidate: "A"}
	env := newTestEnv(t, arts)
	run, bb, err := env.run(t, engine.CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, run.Status)

	require.Error(t, bb.CheckErrors["A/compliance"])
	assert.Nil(t, bb.Compliance["A"])
	assert.NotNil(t, bb.RedTeam["A"])
	for _, id := range []string{"B", "C"} {
		assert.NotNil(t, bb.Compliance[id], id)
		assert.NotNil(t, bb.RedTeam[id], id)
	}
	assert.NotContains(t, bb.Decision.EligibleCandidates, "A")

	a := run.Candidate("A")
	require.NotNil(t, a)
	assert.Contains(t, a.ErrorMessage, "disk full")
	assert.False(t, a.CompliancePassed)
	assert.Equal(t, 0, a.RepairAttempts)
}

func TestFailedStageSkipsTheRest(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Funds = nil
	run, _, err := env.run(t, engine.CreateOptions{})
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, domain.StageBuildUniverse, run.ErrorStage)
	assert.Equal(t, err.Error(), run.ErrorMessage)

	assert.Equal(t, domain.StageSucceeded, run.Stage(domain.StageLoadMandate).Status)
	failed := run.Stage(domain.StageBuildUniverse)
	assert.Equal(t, domain.StageFailed, failed.Status)
	assert.Equal(t, engine.CodeExecutor, failed.ErrorCode)
	for _, st := range run.Stages[2:] {
		assert.Equal(t, domain.StageSkipped, st.Status, st.StageID)
	}

	evts := env.events(t, run.RunID)
	lastEvt := evts[len(evts)-1]
	assert.Equal(t, domain.EventRunFailed, lastEvt.Kind)
	assert.Equal(t, domain.LevelError, lastEvt.Level)
	var kinds []domain.EventKind
	for _, evt := range evts {
		kinds = append(kinds, evt.Kind)
	}
	assert.Contains(t, kinds, domain.EventStageFailed)
	assert.Contains(t, kinds, domain.EventStageSkipped)
}

func TestStrictMandateRejectsUnknownTemplate(t *testing.T) {
	env := newTestEnv(t, nil)
	cfg := config.Default()
	cfg.Pipeline.StrictMandates = true
	env.Engine.Config = cfg
	run, _, err := env.run(t, engine.CreateOptions{MandateID: "bespoke"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mandate template "bespoke"`)
	assert.Equal(t, domain.StageLoadMandate, run.ErrorStage)
}

func TestUnknownMandateFallsBackVisibly(t *testing.T) {
	env := newTestEnv(t, nil)
	run, bb, err := env.run(t, engine.CreateOptions{MandateID: "bespoke"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, "bespoke", bb.Mandate.MandateID)
	assert.Contains(t, bb.Mandate.Sources, "template:balanced_growth(fallback)")
}

func TestCancelledContextCancelsRun(t *testing.T) {
	env := newTestEnv(t, nil)
	created, err := env.Engine.CreateRun(env.Ctx, engine.CreateOptions{MandateID: "balanced_growth"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	_, err = env.Engine.Execute(ctx, created.RunID)
	require.ErrorIs(t, err, context.Canceled)

	run, err := env.Store.GetRun(env.Ctx, created.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, run.Status)
	assert.Equal(t, engine.CodeCancelled, run.Stage(domain.StageLoadMandate).ErrorCode)
	evts := env.events(t, created.RunID)
	assert.Equal(t, "cancelled", evts[len(evts)-1].Payload["status"])
}

func TestExecuteRejectsFinishedRun(t *testing.T) {
	env := newTestEnv(t, nil)
	run, _, err := env.run(t, engine.CreateOptions{})
	require.NoError(t, err)
	_, err = env.Engine.Execute(env.Ctx, run.RunID)
	assert.Error(t, err)
}

func TestSpansCoverRunAndStages(t *testing.T) {
	env := newTestEnv(t, nil)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	env.Engine.Tracer = tp.Tracer("test")

	run, _, err := env.run(t, engine.CreateOptions{})
	require.NoError(t, err)

	names := map[string]int{}
	var traceID string
	for _, s := range sr.Ended() {
		names[s.Name()]++
		if s.Name() == "icpilot.run" {
			traceID = s.SpanContext().TraceID().String()
		}
	}
	assert.Equal(t, 1, names["icpilot.run"])
	for _, st := range domain.Stages {
		assert.Equal(t, 1, names["icpilot.stage."+st.ID], st.ID)
	}
	for _, evt := range env.events(t, run.RunID) {
		assert.Equal(t, traceID, evt.TraceID, "event %d", evt.Sequence)
	}
}

func TestExecuteOnSQLiteKeepsEveryVerification(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	r := repo.Repo{DB: conn}
	bus := events.NewBus(r, r, logging.Discard())
	eng := engine.New(r, r, bus, fundSource(t), config.Default(), logging.Discard())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		run, bb, err := eng.Run(ctx, engine.CreateOptions{MandateID: "balanced_growth"})
		require.NoError(t, err, "run %d", i)
		require.Equal(t, domain.RunCompleted, run.Status, "run %d", i)
		assert.Empty(t, bb.CheckErrors, "run %d", i)
		for _, id := range domain.CandidateIDs {
			assert.NotNil(t, bb.Compliance[id], "run %d compliance %s", i, id)
			assert.NotNil(t, bb.RedTeam[id], "run %d redteam %s", i, id)
			assert.Empty(t, run.Candidate(id).ErrorMessage, "run %d candidate %s", i, id)
		}

		evts, err := r.EventsAfter(ctx, run.RunID, 0, 0)
		require.NoError(t, err)
		for j, evt := range evts {
			require.Equal(t, int64(j+1), evt.Sequence, "run %d", i)
		}
		assert.Equal(t, int64(len(evts)), run.EventCount)
	}
}

// flakyLog fails appends of one sequence number a fixed number of times.
type flakyLog struct {
	*store.Memory
	sequence int64
	failures *int
}

func (l flakyLog) AppendEvent(ctx context.Context, evt domain.Event) (int64, error) {
	if evt.Sequence == l.sequence && *l.failures > 0 {
		*l.failures--
		return 0, errors.New("connection reset")
	}
	return l.Memory.AppendEvent(ctx, evt)
}

func newFlakyEnv(t *testing.T, sequence int64, failures int) testEnv {
	t.Helper()
	env := newTestEnv(t, nil)
	log := flakyLog{Memory: env.Store, sequence: sequence, failures: &failures}
	env.Engine.Bus = events.NewBus(log, env.Store, logging.Discard())
	return env
}

func TestTransientPublishFailureIsRetried(t *testing.T) {
	env := newFlakyEnv(t, 5, 1)
	run, _, err := env.run(t, engine.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)

	evts := env.events(t, run.RunID)
	for i, evt := range evts {
		require.Equal(t, int64(i+1), evt.Sequence)
	}
}

func TestLostEventLeavesNoSequenceGap(t *testing.T) {
	// the first event numbered 5 exhausts its retries
	env := newFlakyEnv(t, 5, 3)
	run, _, err := env.run(t, engine.CreateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, engine.CodePublish, run.Stage(run.ErrorStage).ErrorCode)

	evts := env.events(t, run.RunID)
	require.NotEmpty(t, evts)
	for i, evt := range evts {
		require.Equal(t, int64(i+1), evt.Sequence)
	}
	assert.Equal(t, domain.EventRunFailed, evts[len(evts)-1].Kind)
}

// stuckStage refuses to mark one stage as running.
type stuckStage struct {
	*store.Memory
	stageID string
}

func (s stuckStage) UpdateStage(ctx context.Context, runID string, u store.StageUpdate) error {
	if u.StageID == s.stageID && u.Status == domain.StageRunning {
		return errors.New("database is locked")
	}
	return s.Memory.UpdateStage(ctx, runID, u)
}

func TestStageThatCannotStartEndsFailed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Runs = stuckStage{Memory: env.Store, stageID: domain.StageComputeFeatures}
	run, _, err := env.run(t, engine.CreateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, domain.StageComputeFeatures, run.ErrorStage)

	for _, st := range run.Stages {
		assert.True(t, st.Status.Terminal(), "stage %s ended %s", st.StageID, st.Status)
	}
	stuck := run.Stage(domain.StageComputeFeatures)
	assert.Equal(t, domain.StageFailed, stuck.Status)
	assert.Equal(t, engine.CodeExecutor, stuck.ErrorCode)
	assert.Contains(t, stuck.ErrorMessage, "database is locked")
}
