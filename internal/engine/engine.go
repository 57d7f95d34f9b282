// Package engine runs the ten-stage investment committee workflow for one
// run at a time: it owns the blackboard of produced artifacts, the run's
// event sequence and the durable stage bookkeeping.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"icpilot/internal/artifact"
	"icpilot/internal/config"
	"icpilot/internal/domain"
	"icpilot/internal/executors"
	"icpilot/internal/funddb"
	"icpilot/internal/store"
)

const tracerName = "icpilot/internal/engine"

// Error codes stored on a failed stage.
const (
	CodeExecutor  = "executor_error"
	CodeTimeout   = "stage_timeout"
	CodeCancelled = "cancelled"
	CodePublish   = "event_publish_failed"
)

type Engine struct {
	Runs      store.RunStore
	Artifacts store.ArtifactStore
	Bus       store.EventBus
	Funds     funddb.Source
	Config    *config.Config
	Tracer    trace.Tracer
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(runs store.RunStore, artifacts store.ArtifactStore, bus store.EventBus, funds funddb.Source, cfg *config.Config, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		Runs:      runs,
		Artifacts: artifacts,
		Bus:       bus,
		Funds:     funds,
		Config:    cfg,
		Tracer:    otel.Tracer(tracerName),
		Logger:    logger.With("component", "engine"),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return otel.Tracer(tracerName)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// CreateOptions are parameters for creating a run.
type CreateOptions struct {
	RunID       string
	MandateID   string
	Seed        *int64
	Config      map[string]any
	RequestedBy string
	Tags        []string
}

// CreateRun persists a pending run. A missing seed takes the configured
// default.
func (e Engine) CreateRun(ctx context.Context, opts CreateOptions) (domain.Run, error) {
	if opts.MandateID == "" {
		return domain.Run{}, errors.New("mandate_id is required")
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	seed := e.config().Pipeline.DefaultSeed
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	return e.Runs.CreateRun(ctx, store.CreateRunRequest{
		RunID:       opts.RunID,
		MandateID:   opts.MandateID,
		Seed:        seed,
		Config:      opts.Config,
		RequestedBy: opts.RequestedBy,
		Tags:        opts.Tags,
	})
}

// Run creates a run and executes it to completion.
func (e Engine) Run(ctx context.Context, opts CreateOptions) (domain.Run, *Blackboard, error) {
	run, err := e.CreateRun(ctx, opts)
	if err != nil {
		return domain.Run{}, nil, err
	}
	bb, execErr := e.Execute(ctx, run.RunID)
	final, err := e.Runs.GetRun(context.WithoutCancel(ctx), run.RunID)
	if err != nil {
		return run, bb, errors.Join(execErr, err)
	}
	return final, bb, execErr
}

// Start executes runID in the background. ctx bounds the execution, not
// the caller's request.
func (e Engine) Start(ctx context.Context, runID string) {
	go func() {
		if _, err := e.Execute(ctx, runID); err != nil {
			e.logger().Warn("run_failed", "run_id", runID, "error", err)
		}
	}()
}

type execution struct {
	run     domain.Run
	cfg     *config.Config
	bb      *Blackboard
	em      *emitter
	env     executors.Env
	started time.Time
}

// Execute runs every stage of runID in order. The run must exist and be
// pending or running with no stage started. The error of the failing
// stage is returned unchanged; the run record carries the failing stage.
func (e Engine) Execute(ctx context.Context, runID string) (*Blackboard, error) {
	run, err := e.Runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("run %s is already %s", runID, run.Status)
	}
	for _, st := range run.Stages {
		if st.Status != domain.StagePending {
			return nil, fmt.Errorf("run %s already executed stage %s", runID, st.StageID)
		}
	}

	ctx, span := e.tracer().Start(ctx, "icpilot.run", trace.WithAttributes(
		attribute.String("icpilot.run.id", runID),
		attribute.String("icpilot.mandate.id", run.MandateID),
		attribute.Int64("icpilot.seed", run.Seed),
	))
	defer span.End()

	logger := e.logger().With("run_id", runID)
	x := &execution{
		run:     run,
		cfg:     e.config(),
		bb:      NewBlackboard(),
		em:      newEmitter(e.Bus, runID, run.EventCount, e.now, logger),
		started: e.now(),
	}
	x.env = executors.Env{
		RunID:     runID,
		Seed:      run.Seed,
		Artifacts: e.Artifacts,
		Runs:      e.Runs,
		Emitter:   x.em,
		Ledger:    executors.NewLedger(),
		Now:       e.now,
		Logger:    e.logger(),
	}

	if run.Status == domain.RunPending {
		if err := e.Runs.UpdateRunStatus(ctx, runID, store.RunStatusUpdate{Status: domain.RunRunning, At: e.now()}); err != nil {
			return nil, err
		}
	}
	evt := domain.Event{Kind: domain.EventRunStarted, Message: fmt.Sprintf("Run started for mandate %s", run.MandateID)}
	evt.Payload = map[string]any{"mandate_id": run.MandateID, "seed": run.Seed, "total_stages": domain.TotalStages}
	x.em.Emit(ctx, evt)
	logger.Info("run_started", "mandate_id", run.MandateID, "seed", run.Seed)

	for i, st := range pipeline {
		if err := e.runStage(ctx, x, st); err != nil {
			e.fail(ctx, x, st.id, i, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return x.bb, err
		}
	}

	bg := context.WithoutCancel(ctx)
	duration := e.now().Sub(x.started).Milliseconds()
	if err := e.Runs.UpdateRunStatus(bg, runID, store.RunStatusUpdate{Status: domain.RunCompleted, At: e.now()}); err != nil {
		return x.bb, err
	}
	done := domain.Event{Kind: domain.EventRunCompleted, Message: fmt.Sprintf("Run completed: selected candidate %s", x.bb.Selected())}
	done.DurationMS = &duration
	done.Payload = map[string]any{
		"selected_candidate": x.bb.Selected(),
		"artifact_count":     x.env.Ledger.Len(),
		"duration_ms":        duration,
	}
	x.em.Emit(ctx, done)
	logger.Info("run_completed", "selected", x.bb.Selected(), "artifacts", x.env.Ledger.Len(), "duration_ms", duration)
	span.SetStatus(codes.Ok, "")
	return x.bb, x.em.Err()
}

// runStage executes one stage under its own span and deadline and records
// the outcome.
func (e Engine) runStage(ctx context.Context, x *execution, st stage) error {
	def, _ := domain.StageByID(st.id)
	ctx, span := e.tracer().Start(ctx, "icpilot.stage."+st.id, trace.WithAttributes(
		attribute.String("icpilot.run.id", x.run.RunID),
		attribute.String("icpilot.stage.id", st.id),
		attribute.Int("icpilot.stage.order", def.Order),
	))
	defer span.End()

	sctx := ctx
	if timeout := x.cfg.StageTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	bg := context.WithoutCancel(ctx)

	start := e.now()
	mark := x.env.Ledger.Len()
	if err := e.Runs.UpdateStage(ctx, x.run.RunID, store.StageUpdate{StageID: st.id, Status: domain.StageRunning, At: start}); err != nil {
		return e.failStage(ctx, x, st, span, start, mark, fmt.Errorf("start stage %s: %w", st.id, err))
	}
	started := domain.Event{Kind: domain.EventStageStarted, StageID: st.id, Message: fmt.Sprintf("Stage %d/%d: %s", def.Order, domain.TotalStages, def.Name)}
	started.Payload = map[string]any{"stage_order": def.Order}
	x.em.Emit(ctx, started)

	out, err := st.run(sctx, e, x, x.env.ForStage(st.id))
	if err == nil {
		err = x.em.Err()
	}
	if err == nil && sctx.Err() != nil {
		err = sctx.Err()
	}
	if err != nil {
		return e.failStage(ctx, x, st, span, start, mark, err)
	}

	duration := e.now().Sub(start).Milliseconds()
	status := out.status
	if status == "" {
		status = domain.StageSucceeded
	}
	if err := e.Runs.UpdateStage(bg, x.run.RunID, store.StageUpdate{
		StageID:        st.id,
		Status:         status,
		DurationMS:     &duration,
		Artifacts:      stageLocations(x, mark),
		RepairAttempts: out.repairAttempts,
		At:             e.now(),
	}); err != nil {
		return e.failStage(ctx, x, st, span, start, mark, fmt.Errorf("complete stage %s: %w", st.id, err))
	}
	x.bb.chain = append(x.bb.chain, fmt.Sprintf("%s:%s", st.id, status))
	completed := domain.Event{Kind: domain.EventStageCompleted, StageID: st.id, Message: fmt.Sprintf("Stage %s %s", def.Name, status)}
	completed.DurationMS = &duration
	completed.Payload = map[string]any{"status": string(status), "artifacts": len(x.env.Ledger.Since(mark))}
	if out.repairAttempts != nil {
		completed.Payload["repair_attempts"] = *out.repairAttempts
	}
	x.em.Emit(ctx, completed)
	span.SetAttributes(attribute.String("icpilot.stage.status", string(status)))
	e.logger().Info("stage_completed", "run_id", x.run.RunID, "stage_id", st.id, "status", status, "duration_ms", duration)
	return x.em.Err()
}

// stageLocations lists the artifacts saved since the ledger held mark
// entries.
func stageLocations(x *execution, mark int) []string {
	var locations []string
	for _, ref := range x.env.Ledger.Since(mark) {
		locations = append(locations, store.Location(ref.RunID, ref.Type, ref.Version))
	}
	return locations
}

// failStage records err as the outcome of st, whether the stage got as far
// as running or not, and returns err.
func (e Engine) failStage(ctx context.Context, x *execution, st stage, span trace.Span, start time.Time, mark int, err error) error {
	def, _ := domain.StageByID(st.id)
	bg := context.WithoutCancel(ctx)
	duration := e.now().Sub(start).Milliseconds()
	code := errorCode(ctx, x.em, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if uerr := e.Runs.UpdateStage(bg, x.run.RunID, store.StageUpdate{
		StageID:      st.id,
		Status:       domain.StageFailed,
		DurationMS:   &duration,
		ErrorMessage: err.Error(),
		ErrorCode:    code,
		Artifacts:    stageLocations(x, mark),
		At:           e.now(),
	}); uerr != nil {
		e.logger().Error("stage_update_failed", "run_id", x.run.RunID, "stage_id", st.id, "error", uerr)
	}
	failed := domain.Event{Kind: domain.EventStageFailed, Level: domain.LevelError, StageID: st.id, Message: fmt.Sprintf("Stage %s failed: %v", def.Name, err)}
	failed.DurationMS = &duration
	failed.Payload = map[string]any{"error": err.Error(), "error_code": code}
	x.em.Emit(bg, failed)
	e.logger().Error("stage_failed", "run_id", x.run.RunID, "stage_id", st.id, "error_code", code, "error", err)
	return err
}

func errorCode(ctx context.Context, em *emitter, err error) string {
	switch {
	case ctx.Err() != nil:
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case em.Err() != nil && errors.Is(err, em.Err()):
		return CodePublish
	}
	return CodeExecutor
}

// fail skips the stages after the failing one and closes the run as
// failed, or cancelled when ctx itself was cancelled.
func (e Engine) fail(ctx context.Context, x *execution, stageID string, index int, cause error) {
	bg := context.WithoutCancel(ctx)
	for _, st := range pipeline[index+1:] {
		if err := e.Runs.UpdateStage(bg, x.run.RunID, store.StageUpdate{StageID: st.id, Status: domain.StageSkipped, At: e.now()}); err != nil {
			e.logger().Error("stage_update_failed", "run_id", x.run.RunID, "stage_id", st.id, "error", err)
			continue
		}
		x.em.Emit(bg, domain.Event{Kind: domain.EventStageSkipped, StageID: st.id, Message: fmt.Sprintf("Skipped after %s failed", stageID)})
	}

	status := domain.RunFailed
	if ctx.Err() != nil {
		status = domain.RunCancelled
	}
	if err := e.Runs.UpdateRunStatus(bg, x.run.RunID, store.RunStatusUpdate{
		Status:       status,
		ErrorMessage: cause.Error(),
		ErrorStage:   stageID,
		At:           e.now(),
	}); err != nil {
		e.logger().Error("run_update_failed", "run_id", x.run.RunID, "error", err)
	}
	duration := e.now().Sub(x.started).Milliseconds()
	evt := domain.Event{Kind: domain.EventRunFailed, Level: domain.LevelError, StageID: stageID, Message: fmt.Sprintf("Run %s at %s: %v", status, stageID, cause)}
	evt.DurationMS = &duration
	evt.Payload = map[string]any{"error": cause.Error(), "error_stage": stageID, "status": string(status)}
	x.em.Emit(bg, evt)
	e.logger().Error("run_failed", "run_id", x.run.RunID, "status", status, "error_stage", stageID, "error", cause)
}

// LatestArtifact loads the newest version of kind for runID.
func (e Engine) LatestArtifact(ctx context.Context, runID string, kind artifact.Kind) (artifact.Artifact, error) {
	return e.Artifacts.Load(ctx, runID, kind, store.Latest)
}
