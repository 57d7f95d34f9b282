package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"icpilot/internal/domain"
)

// AppendEvent stores evt and returns its log id. A second append with the
// same (run_id, sequence) returns the existing id.
func (r Repo) AppendEvent(ctx context.Context, evt domain.Event) (int64, error) {
	evt.LogID = 0
	data, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO events(run_id,sequence,ts,level,kind,stage_id,candidate_id,data_json) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id,sequence) DO NOTHING`,
		evt.RunID, evt.Sequence, formatTime(evt.TS), evt.Level, evt.Kind, nullable(evt.StageID), nullable(evt.CandidateID), string(data))
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return res.LastInsertId()
	}
	var id int64
	err = r.DB.QueryRowContext(ctx, `SELECT id FROM events WHERE run_id=? AND sequence=?`, evt.RunID, evt.Sequence).Scan(&id)
	return id, err
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var e domain.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", id, err)
		}
		e.LogID = id
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events of runID with sequence greater than the cursor
// in ascending order.
func (r Repo) EventsAfter(ctx context.Context, runID string, afterSequence int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,data_json FROM events WHERE run_id=? AND sequence>? ORDER BY sequence ASC LIMIT ?`, runID, afterSequence, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsSince returns events of every run with log ids greater than the
// cursor in ascending order.
func (r Repo) EventsSince(ctx context.Context, afterLogID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,data_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterLogID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestLogID returns the most recent event log id.
func (r Repo) LatestLogID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

// DeleteRunEvents removes the event trail of runID.
func (r Repo) DeleteRunEvents(ctx context.Context, runID string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM events WHERE run_id=?`, runID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
