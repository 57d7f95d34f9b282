package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".icpilot"
	defaultDBName = "icpilot.db"
)

type Config struct {
	Workspace string
	// Path overrides the workspace-derived database location.
	Path string
}

func dbPath(cfg Config) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on. The pool holds a
// single connection, so writers from concurrent goroutines queue in
// database/sql instead of contending for SQLite locks. Transactions take
// the write lock up front; another process waits on busy_timeout rather
// than failing a lock upgrade.
func Open(cfg Config) (*sql.DB, error) {
	path := dbPath(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// OpenReadOnly opens an existing SQLite file that may only be queried.
// The fund database is consumed this way.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("fund database: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=query_only(1)", path)
	return sql.Open("sqlite", dsn)
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(Config{Workspace: workspace})
}
