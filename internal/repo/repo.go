// Package repo is the SQLite backend for the run, artifact and event
// stores.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"icpilot/internal/domain"
	"icpilot/internal/store"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

// ErrNotFound aliases the store sentinel so callers can match either.
var ErrNotFound = store.ErrNotFound

var (
	_ store.RunStore      = Repo{}
	_ store.ArtifactStore = Repo{}
	_ store.EventLog      = Repo{}
)

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func scanRun(row interface{ Scan(...any) error }) (domain.Run, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, ErrNotFound
		}
		return domain.Run{}, err
	}
	var run domain.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return domain.Run{}, fmt.Errorf("decode run: %w", err)
	}
	return run, nil
}

func (r Repo) CreateRun(ctx context.Context, req store.CreateRunRequest) (domain.Run, error) {
	if req.RunID == "" || req.MandateID == "" {
		return domain.Run{}, fmt.Errorf("run_id and mandate_id are required")
	}
	run := domain.NewRun(req.RunID, req.MandateID, req.Seed, r.now())
	run.Config = req.Config
	run.RequestedBy = req.RequestedBy
	run.Tags = req.Tags
	data, err := json.Marshal(run)
	if err != nil {
		return domain.Run{}, err
	}
	ts := formatTime(run.CreatedAt)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO runs(id,mandate_id,status,seed,requested_by,created_at,updated_at,data_json) VALUES (?,?,?,?,?,?,?,?)`,
		run.RunID, run.MandateID, run.Status, run.Seed, nullable(run.RequestedBy), ts, ts, string(data))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.Run{}, fmt.Errorf("run %s already exists", run.RunID)
		}
		return domain.Run{}, err
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT data_json FROM runs WHERE id=?`, runID))
}

// mutateRun loads the run aggregate, applies fn and writes it back in one
// transaction.
func (r Repo) mutateRun(ctx context.Context, runID string, fn func(run *domain.Run) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	run, err := scanRun(tx.QueryRowContext(ctx, `SELECT data_json FROM runs WHERE id=?`, runID))
	if err != nil {
		return err
	}
	if err := fn(&run); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status=?,updated_at=?,data_json=? WHERE id=?`,
		run.Status, formatTime(r.now()), string(data), runID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpdateRunStatus(ctx context.Context, runID string, u store.RunStatusUpdate) error {
	return r.mutateRun(ctx, runID, func(run *domain.Run) error { return store.ApplyRunStatus(run, u) })
}

func (r Repo) UpdateStage(ctx context.Context, runID string, u store.StageUpdate) error {
	return r.mutateRun(ctx, runID, func(run *domain.Run) error { return store.ApplyStageUpdate(run, u) })
}

func (r Repo) UpdateCandidate(ctx context.Context, runID string, c domain.CandidateProgress) error {
	return r.mutateRun(ctx, runID, func(run *domain.Run) error { return store.ApplyCandidate(run, c) })
}

func (r Repo) SetSelected(ctx context.Context, runID, candidateID string) error {
	return r.mutateRun(ctx, runID, func(run *domain.Run) error { return store.ApplySelected(run, candidateID) })
}

func (r Repo) TouchEvents(ctx context.Context, runID string, sequence int64, at time.Time) error {
	return r.mutateRun(ctx, runID, func(run *domain.Run) error {
		store.ApplyEventTouch(run, sequence, at)
		return nil
	})
}

func (r Repo) ListRuns(ctx context.Context, f store.RunFilter) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.MandateID != "" {
		clauses = append(clauses, "mandate_id=?")
		args = append(args, f.MandateID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query := fmt.Sprintf(`SELECT data_json FROM runs WHERE %s ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, strings.Join(clauses, " AND "))
	args = append(args, limit, f.Offset)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
