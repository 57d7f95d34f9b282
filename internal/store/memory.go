package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
)

// Memory is an in-process implementation of ArtifactStore, RunStore and
// EventLog. Values are copied on the way in and out so callers never share
// state with the store.
type Memory struct {
	mu        sync.RWMutex
	artifacts map[string]map[artifact.Kind]map[int][]byte
	runs      map[string]domain.Run
	order     []string
	events    []domain.Event
	bySeq     map[string]map[int64]int64
	Now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		artifacts: map[string]map[artifact.Kind]map[int][]byte{},
		runs:      map[string]domain.Run{},
		bySeq:     map[string]map[int64]int64{},
		Now:       time.Now,
	}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// --- artifacts ---

func (m *Memory) Save(_ context.Context, a artifact.Artifact) (string, error) {
	meta := a.Meta()
	if meta.RunID == "" || meta.Version <= 0 || !meta.Type.Valid() {
		return "", fmt.Errorf("artifact requires run_id, a known type and a positive version")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byKind, ok := m.artifacts[meta.RunID]
	if !ok {
		byKind = map[artifact.Kind]map[int][]byte{}
		m.artifacts[meta.RunID] = byKind
	}
	versions, ok := byKind[meta.Type]
	if !ok {
		versions = map[int][]byte{}
		byKind[meta.Type] = versions
	}
	versions[meta.Version] = data
	return Location(meta.RunID, meta.Type, meta.Version), nil
}

func (m *Memory) Load(_ context.Context, runID string, kind artifact.Kind, version int) (artifact.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.artifacts[runID][kind]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	if version == Latest {
		for v := range versions {
			if v > version {
				version = v
			}
		}
	}
	data, ok := versions[version]
	if !ok {
		return nil, ErrNotFound
	}
	return artifact.Decode(kind, data)
}

func (m *Memory) ListVersions(_ context.Context, runID string, kind artifact.Kind) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []int{}
	for v := range m.artifacts[runID][kind] {
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

func (m *Memory) ListArtifacts(_ context.Context, runID string) (map[artifact.Kind]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[artifact.Kind]int{}
	for kind, versions := range m.artifacts[runID] {
		for v := range versions {
			if v > out[kind] {
				out[kind] = v
			}
		}
	}
	return out, nil
}

func (m *Memory) DeleteRun(_ context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, versions := range m.artifacts[runID] {
		n += len(versions)
	}
	delete(m.artifacts, runID)
	return n, nil
}

// --- runs ---

func (m *Memory) CreateRun(_ context.Context, req CreateRunRequest) (domain.Run, error) {
	if req.RunID == "" || req.MandateID == "" {
		return domain.Run{}, fmt.Errorf("run_id and mandate_id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[req.RunID]; exists {
		return domain.Run{}, fmt.Errorf("run %s already exists", req.RunID)
	}
	r := domain.NewRun(req.RunID, req.MandateID, req.Seed, m.now().UTC())
	r.Config = req.Config
	r.RequestedBy = req.RequestedBy
	r.Tags = req.Tags
	m.runs[r.RunID] = r
	m.order = append(m.order, r.RunID)
	return cloneRun(r)
}

func (m *Memory) GetRun(_ context.Context, runID string) (domain.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return domain.Run{}, ErrNotFound
	}
	return cloneRun(r)
}

func (m *Memory) mutate(runID string, fn func(r *domain.Run) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r, err := cloneRun(stored)
	if err != nil {
		return err
	}
	if err := fn(&r); err != nil {
		return err
	}
	m.runs[runID] = r
	return nil
}

func (m *Memory) UpdateRunStatus(_ context.Context, runID string, u RunStatusUpdate) error {
	return m.mutate(runID, func(r *domain.Run) error { return ApplyRunStatus(r, u) })
}

func (m *Memory) UpdateStage(_ context.Context, runID string, u StageUpdate) error {
	return m.mutate(runID, func(r *domain.Run) error { return ApplyStageUpdate(r, u) })
}

func (m *Memory) UpdateCandidate(_ context.Context, runID string, c domain.CandidateProgress) error {
	return m.mutate(runID, func(r *domain.Run) error { return ApplyCandidate(r, c) })
}

func (m *Memory) RecordArtifact(_ context.Context, runID string, ref artifact.Ref) error {
	return m.mutate(runID, func(r *domain.Run) error {
		ApplyArtifact(r, ref)
		return nil
	})
}

func (m *Memory) SetSelected(_ context.Context, runID, candidateID string) error {
	return m.mutate(runID, func(r *domain.Run) error { return ApplySelected(r, candidateID) })
}

func (m *Memory) TouchEvents(_ context.Context, runID string, sequence int64, at time.Time) error {
	return m.mutate(runID, func(r *domain.Run) error {
		ApplyEventTouch(r, sequence, at)
		return nil
	})
}

func (m *Memory) ListRuns(_ context.Context, f RunFilter) ([]domain.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Run
	// newest first
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.runs[m.order[i]]
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.MandateID != "" && r.MandateID != f.MandateID {
			continue
		}
		out = append(out, r)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []domain.Run{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	res := make([]domain.Run, 0, len(out))
	for _, r := range out {
		c, err := cloneRun(r)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

// --- events ---

func (m *Memory) AppendEvent(_ context.Context, evt domain.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seqs, ok := m.bySeq[evt.RunID]
	if !ok {
		seqs = map[int64]int64{}
		m.bySeq[evt.RunID] = seqs
	}
	if id, dup := seqs[evt.Sequence]; dup {
		return id, nil
	}
	evt.LogID = int64(len(m.events) + 1)
	evt.Payload = clonePayload(evt.Payload)
	m.events = append(m.events, evt)
	seqs[evt.Sequence] = evt.LogID
	return evt.LogID, nil
}

func (m *Memory) EventsAfter(_ context.Context, runID string, afterSequence int64, limit int) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.RunID != runID || e.Sequence <= afterSequence {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) EventsSince(_ context.Context, afterLogID int64, limit int) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.LogID <= afterLogID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) LatestLogID(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}

func cloneRun(r domain.Run) (domain.Run, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return domain.Run{}, err
	}
	var out domain.Run
	if err := json.Unmarshal(data, &out); err != nil {
		return domain.Run{}, err
	}
	return out, nil
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
