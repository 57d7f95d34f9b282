// Package migrate keeps the workspace schema current. Every embedded script
// is recorded in schema_migrations with a checksum of its SQL, so a script
// edited after it shipped is reported instead of silently skipped.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"time"
)

//go:embed sql/*.sql
var scripts embed.FS

// Script is one embedded schema change.
type Script struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// Record is a schema change applied to a workspace.
type Record struct {
	Version   int
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Scripts returns the embedded scripts ordered by version.
func Scripts() ([]Script, error) {
	entries, err := fs.ReadDir(scripts, "sql")
	if err != nil {
		return nil, err
	}
	var out []Script
	seen := map[int]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%04d_", &version); err != nil || version <= 0 {
			return nil, fmt.Errorf("script %s: name must start with a positive NNNN_ version", entry.Name())
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("scripts %s and %s share version %d", prev, entry.Name(), version)
		}
		seen[version] = entry.Name()
		data, err := scripts.ReadFile("sql/" + entry.Name())
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		out = append(out, Script{Version: version, Name: entry.Name(), SQL: string(data), Checksum: hex.EncodeToString(sum[:])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  checksum TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`

// Migrate applies pending scripts.
func Migrate(db *sql.DB) error {
	_, err := Up(context.Background(), db)
	return err
}

// Up checks the recorded scripts against the embedded ones and applies the
// pending ones, each in its own transaction. It returns the scripts it
// applied.
func Up(ctx context.Context, db *sql.DB) ([]Script, error) {
	all, err := Scripts()
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, ledgerDDL); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := Applied(ctx, db)
	if err != nil {
		return nil, err
	}
	done := map[int]Record{}
	for _, rec := range applied {
		done[rec.Version] = rec
	}
	known := map[int]bool{}
	for _, s := range all {
		known[s.Version] = true
		if rec, ok := done[s.Version]; ok && rec.Checksum != s.Checksum {
			return nil, fmt.Errorf("script %s changed after it was applied on %s", s.Name, rec.AppliedAt.Format(time.RFC3339))
		}
	}
	for _, rec := range applied {
		if !known[rec.Version] {
			return nil, fmt.Errorf("workspace has schema version %d (%s) unknown to this build", rec.Version, rec.Name)
		}
	}

	var ran []Script
	for _, s := range all {
		if _, ok := done[s.Version]; ok {
			continue
		}
		if err := apply(ctx, db, s); err != nil {
			return ran, err
		}
		ran = append(ran, s)
	}
	return ran, nil
}

func apply(ctx context.Context, db *sql.DB, s Script) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.SQL); err != nil {
		return fmt.Errorf("script %s: %w", s.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version,name,checksum,applied_at) VALUES (?,?,?,?)`,
		s.Version, s.Name, s.Checksum, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("record %s: %w", s.Name, err)
	}
	return tx.Commit()
}

// Applied lists the scripts recorded in db, oldest first. A database that
// was never migrated has none.
func Applied(ctx context.Context, db *sql.DB) ([]Record, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx, `SELECT version,name,checksum,applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec Record
			at  string
		)
		if err := rows.Scan(&rec.Version, &rec.Name, &rec.Checksum, &at); err != nil {
			return nil, err
		}
		if rec.AppliedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("schema_migrations %d: %w", rec.Version, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Version is the highest applied script version, 0 when unmigrated.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	applied, err := Applied(ctx, db)
	if err != nil || len(applied) == 0 {
		return 0, err
	}
	return applied[len(applied)-1].Version, nil
}
