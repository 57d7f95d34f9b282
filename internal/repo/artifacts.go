package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
	"icpilot/internal/store"
)

// Save upserts one artifact version. Re-saving the same version replaces
// the stored payload.
func (r Repo) Save(ctx context.Context, a artifact.Artifact) (string, error) {
	meta := a.Meta()
	if meta.RunID == "" || meta.Version <= 0 || !meta.Type.Valid() {
		return "", fmt.Errorf("artifact requires run_id, a known type and a positive version")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", meta.Type, err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO artifacts(run_id,type,version,artifact_id,hash,stage_id,created_at,data_json) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id,type,version) DO UPDATE SET artifact_id=excluded.artifact_id,hash=excluded.hash,stage_id=excluded.stage_id,created_at=excluded.created_at,data_json=excluded.data_json`,
		meta.RunID, meta.Type, meta.Version, meta.ID, meta.Hash, nullable(meta.StageID), formatTime(meta.CreatedAt), string(data))
	if err != nil {
		return "", err
	}
	return store.Location(meta.RunID, meta.Type, meta.Version), nil
}

func (r Repo) Load(ctx context.Context, runID string, kind artifact.Kind, version int) (artifact.Artifact, error) {
	var row *sql.Row
	if version == store.Latest {
		row = r.DB.QueryRowContext(ctx, `SELECT data_json FROM artifacts WHERE run_id=? AND type=? ORDER BY version DESC LIMIT 1`, runID, kind)
	} else {
		row = r.DB.QueryRowContext(ctx, `SELECT data_json FROM artifacts WHERE run_id=? AND type=? AND version=?`, runID, kind, version)
	}
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return artifact.Decode(kind, []byte(data))
}

func (r Repo) ListVersions(ctx context.Context, runID string, kind artifact.Kind) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT version FROM artifacts WHERE run_id=? AND type=? ORDER BY version`, runID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []int{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) ListArtifacts(ctx context.Context, runID string) (map[artifact.Kind]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, MAX(version) FROM artifacts WHERE run_id=? GROUP BY type`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[artifact.Kind]int{}
	for rows.Next() {
		var (
			kind string
			v    int
		)
		if err := rows.Scan(&kind, &v); err != nil {
			return nil, err
		}
		res[artifact.Kind(kind)] = v
	}
	return res, rows.Err()
}

// FindByHash returns the reference of the artifact with the given content
// hash, if any.
func (r Repo) FindByHash(ctx context.Context, hash string) (artifact.Ref, error) {
	var ref artifact.Ref
	var kind string
	err := r.DB.QueryRowContext(ctx, `SELECT run_id,type,version,artifact_id,hash FROM artifacts WHERE hash=? ORDER BY created_at LIMIT 1`, hash).
		Scan(&ref.RunID, &kind, &ref.Version, &ref.ID, &ref.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ref, ErrNotFound
	}
	ref.Type = artifact.Kind(kind)
	return ref, err
}

func (r Repo) DeleteRun(ctx context.Context, runID string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM artifacts WHERE run_id=?`, runID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r Repo) RecordArtifact(ctx context.Context, runID string, ref artifact.Ref) error {
	return r.mutateRun(ctx, runID, func(run *domain.Run) error {
		store.ApplyArtifact(run, ref)
		return nil
	})
}
