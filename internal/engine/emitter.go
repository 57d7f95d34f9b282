package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"icpilot/internal/domain"
	"icpilot/internal/store"
)

// emitter is the single writer of one run's event sequence. Events are
// numbered and published under the same lock, so the log never sees a gap
// or an out-of-order sequence even while stage 5 emits from several
// goroutines.
type emitter struct {
	mu     sync.Mutex
	bus    store.EventBus
	runID  string
	seq    int64
	now    func() time.Time
	logger *slog.Logger
	err    error
}

func newEmitter(bus store.EventBus, runID string, last int64, now func() time.Time, logger *slog.Logger) *emitter {
	return &emitter{bus: bus, runID: runID, seq: last, now: now, logger: logger}
}

// EventID derives the stable id of a run's nth event.
func EventID(runID string, sequence int64) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("icpilot:%s/%d", runID, sequence))).String()
}

// publishAttempts bounds the retries of one event. Appends are idempotent
// per (run, sequence), so retrying an append that did land is harmless.
const publishAttempts = 3

// Emit numbers evt and publishes it. The sequence only advances once the
// event is in the log; a failed event gives its number to the next one.
func (e *emitter) Emit(ctx context.Context, evt domain.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.seq + 1
	evt.RunID = e.runID
	evt.Sequence = next
	evt.EventID = EventID(e.runID, next)
	evt.TS = e.now().UTC()
	if evt.Level == "" {
		evt.Level = domain.LevelInfo
	}
	if evt.StageID != "" && evt.StageName == "" {
		if st, ok := domain.StageByID(evt.StageID); ok {
			evt.StageName = st.Name
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt.TraceID = sc.TraceID().String()
		evt.SpanID = sc.SpanID().String()
	}
	if e.bus == nil {
		e.seq = next
		return
	}
	pctx := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = e.bus.Publish(pctx, evt); err == nil {
			e.seq = next
			return
		}
		e.logger.Warn("event_publish_retry", "run_id", e.runID, "sequence", next, "kind", evt.Kind, "attempt", attempt, "error", err)
	}
	e.logger.Error("event_publish_failed", "run_id", e.runID, "sequence", next, "kind", evt.Kind, "error", err)
	if e.err == nil {
		e.err = fmt.Errorf("publish %s #%d: %w", evt.Kind, next, err)
	}
}

// Err returns the first publish failure.
func (e *emitter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
