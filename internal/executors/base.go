// Package executors holds the stage executors of the investment committee
// pipeline. Each executor takes typed prior artifacts, reports its work
// through an Emitter and persists what it produces before returning.
package executors

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
	"icpilot/internal/store"
)

// Emitter receives executor events. The engine implements it and owns
// sequence numbering, so executors never set RunID or Sequence.
type Emitter interface {
	Emit(ctx context.Context, evt domain.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, evt domain.Event)

func (f EmitterFunc) Emit(ctx context.Context, evt domain.Event) { f(ctx, evt) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(context.Context, domain.Event) {})

// Ledger allocates artifact versions per type and records every artifact a
// run persists. One ledger belongs to one run execution.
type Ledger struct {
	mu   sync.Mutex
	next map[artifact.Kind]int
	refs []artifact.Ref
}

func NewLedger() *Ledger {
	return &Ledger{next: map[artifact.Kind]int{}}
}

// Next reserves the next version of kind.
func (l *Ledger) Next(kind artifact.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next[kind]++
	return l.next[kind]
}

func (l *Ledger) Record(ref artifact.Ref) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs = append(l.refs, ref)
}

// Len is the number of recorded artifacts, usable as a mark for Since.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.refs)
}

// Since returns the artifacts recorded after mark, in recording order.
func (l *Ledger) Since(mark int) []artifact.Ref {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mark >= len(l.refs) {
		return nil
	}
	return append([]artifact.Ref(nil), l.refs[mark:]...)
}

// Refs returns every recorded artifact ordered by pipeline kind, then
// version.
func (l *Ledger) Refs() []artifact.Ref {
	l.mu.Lock()
	out := append([]artifact.Ref(nil), l.refs...)
	l.mu.Unlock()
	order := map[artifact.Kind]int{}
	for i, k := range artifact.Kinds {
		order[k] = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return order[out[i].Type] < order[out[j].Type]
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Env is what every executor of one stage shares.
type Env struct {
	RunID     string
	Seed      int64
	StageID   string
	Artifacts store.ArtifactStore
	Runs      store.RunStore
	Emitter   Emitter
	Ledger    *Ledger
	Now       func() time.Time
	Logger    *slog.Logger
}

// ForStage returns a copy of e bound to stageID.
func (e Env) ForStage(stageID string) Env {
	e.StageID = stageID
	return e
}

// Base carries the helpers common to all executors.
type Base struct {
	Env
	Name string
}

func newBase(env Env, name string) Base {
	if env.Emitter == nil {
		env.Emitter = Discard
	}
	if env.Ledger == nil {
		env.Ledger = NewLedger()
	}
	if env.Now == nil {
		env.Now = time.Now
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	env.Logger = env.Logger.With("executor", name, "run_id", env.RunID)
	return Base{Env: env, Name: name}
}

func (b Base) event(kind domain.EventKind, level domain.Level, msg string) domain.Event {
	return domain.Event{
		Kind:         kind,
		Level:        level,
		Message:      msg,
		StageID:      b.StageID,
		ExecutorName: b.Name,
	}
}

func (b Base) emit(ctx context.Context, evt domain.Event) {
	b.Emitter.Emit(ctx, evt)
}

// progress reports partial completion of the current stage.
func (b Base) progress(ctx context.Context, pct float64, msg string) {
	evt := b.event(domain.EventProgressUpdate, domain.LevelInfo, msg)
	evt.ProgressPct = &pct
	evt.Payload = map[string]any{"progress_pct": pct}
	b.emit(ctx, evt)
}

// tool wraps an external call so it is observable on its own: one
// tool_called event before, tool_completed or tool_failed after.
func (b Base) tool(ctx context.Context, name string, inputs map[string]any, fn func(ctx context.Context) (map[string]any, error)) error {
	called := b.event(domain.EventToolCalled, domain.LevelInfo, "Calling "+name)
	called.ToolName = name
	called.Payload = map[string]any{"tool": name, "executor": b.Name, "inputs": inputs}
	b.emit(ctx, called)

	start := b.Now()
	outputs, err := fn(ctx)
	d := b.Now().Sub(start).Milliseconds()
	if err != nil {
		failed := b.event(domain.EventToolFailed, domain.LevelError, fmt.Sprintf("%s failed: %v", name, err))
		failed.ToolName = name
		failed.DurationMS = &d
		failed.Payload = map[string]any{"tool": name, "executor": b.Name, "error": err.Error()}
		b.emit(ctx, failed)
		return err
	}
	done := b.event(domain.EventToolCompleted, domain.LevelInfo, name+" completed")
	done.ToolName = name
	done.DurationMS = &d
	done.Payload = map[string]any{"tool": name, "executor": b.Name, "outputs": outputs}
	b.emit(ctx, done)
	return nil
}

// save stamps the envelope of a, seals it and persists it. A zero version
// takes the next one from the ledger.
func (b Base) save(ctx context.Context, a artifact.Artifact, kind artifact.Kind, version int, parents ...artifact.Artifact) (string, error) {
	if version == 0 {
		version = b.Ledger.Next(kind)
	}
	m := a.Meta()
	m.ID = uuid.NewString()
	m.Type = kind
	m.Version = version
	m.RunID = b.RunID
	m.StageID = b.StageID
	m.Producer = b.Name
	m.CreatedAt = b.Now().UTC()
	m.ParentHashes = artifact.Lineage(parents...)
	if m.Classification == "" {
		m.Classification = artifact.ClassDerived
	}
	if m.Sources == nil {
		m.Sources = []string{}
	}
	if err := artifact.Seal(a); err != nil {
		return "", err
	}
	loc, err := b.Artifacts.Save(ctx, a)
	if err != nil {
		return "", fmt.Errorf("save %s v%d: %w", kind, version, err)
	}
	ref := artifact.RefOf(a)
	b.Ledger.Record(ref)
	if b.Runs != nil {
		if err := b.Runs.RecordArtifact(ctx, b.RunID, ref); err != nil {
			return "", err
		}
	}
	evt := b.event(domain.EventArtifactPersisted, domain.LevelInfo, fmt.Sprintf("Persisted %s v%d", kind, version))
	evt.Payload = map[string]any{
		"artifact_type": string(kind),
		"artifact_id":   m.ID,
		"version":       version,
		"hash":          m.Hash,
		"path":          loc,
	}
	b.emit(ctx, evt)
	b.Logger.Debug("artifact_saved", "artifact_type", kind, "version", version, "hash", m.Hash)
	return loc, nil
}

// DeriveSeed maps a run seed and an invocation identity to a generator
// seed.
func DeriveSeed(seed int64, stage, candidateID string, attempt int) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%s|%d", seed, stage, candidateID, attempt)
	return h.Sum64()
}

// Rand returns a generator owned by a single stage invocation.
func Rand(seed int64, stage, candidateID string, attempt int) *rand.Rand {
	s := DeriveSeed(seed, stage, candidateID, attempt)
	return rand.New(rand.NewPCG(s, s^0x5851f42d4c957f2d))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
