// Package app wires the process-wide collaborators once: the workspace
// database, the event bus, the fund source and the engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"icpilot/internal/config"
	"icpilot/internal/db"
	"icpilot/internal/engine"
	"icpilot/internal/events"
	"icpilot/internal/funddb"
	"icpilot/internal/logging"
	"icpilot/internal/migrate"
	"icpilot/internal/repo"
)

// Options locate the workspace. ConfigPath overrides <workspace>/icpilot.yml.
type Options struct {
	Workspace  string
	ConfigPath string
	Logger     *slog.Logger
}

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Bus       *events.Bus
	Funds     funddb.Source
	Engine    engine.Engine
	Logger    *slog.Logger

	mirror *events.RedisMirror
}

// LoadConfig reads the explicit config file when given, otherwise the
// workspace config or the defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// FundsDSN resolves a relative sqlite fund database against the workspace.
func FundsDSN(workspace string, cfg *config.Config) string {
	dsn := cfg.Funds.DSN
	if (cfg.Funds.Driver == "" || cfg.Funds.Driver == "sqlite") && dsn != "" && !filepath.IsAbs(dsn) {
		return filepath.Join(workspace, dsn)
	}
	return dsn
}

// Open builds the application. A fund source that cannot be opened is
// logged and left nil so read-only commands keep working; runs then fail at
// the universe stage.
func Open(ctx context.Context, opts Options) (*App, error) {
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		if logger, err = logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
			return nil, err
		}
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open workspace db: %w", err)
	}
	ran, err := migrate.Up(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, s := range ran {
		logger.Info("schema_migrated", "version", s.Version, "script", s.Name)
	}
	r := repo.Repo{DB: conn}

	a := &App{Workspace: opts.Workspace, Config: cfg, DB: conn, Repo: r, Logger: logger}
	a.Bus = events.NewBus(r, r, logger)
	a.Bus.HeartbeatInterval = cfg.HeartbeatInterval()
	a.Bus.PollInterval = cfg.PollInterval()
	if redis := cfg.Events.Redis; redis.Addr != "" {
		mirror, err := events.NewRedisMirror(ctx, redis.Addr, redis.StreamPrefix, redis.MaxLen)
		if err != nil {
			logger.Warn("redis_mirror_disabled", "addr", redis.Addr, "error", err)
		} else {
			a.mirror = mirror
			a.Bus.Mirror = mirror
		}
	}

	funds, err := funddb.Open(ctx, cfg.Funds.Driver, FundsDSN(opts.Workspace, cfg), cfg.Funds.Schema)
	if err != nil {
		logger.Warn("fund_source_unavailable", "driver", cfg.Funds.Driver, "error", err)
	} else {
		a.Funds = funds
	}
	a.Engine = engine.New(r, r, a.Bus, a.Funds, cfg, logger)
	return a, nil
}

// Checks are the dependency probes served by the readiness endpoint.
func (a *App) Checks() map[string]func(ctx context.Context) error {
	checks := map[string]func(ctx context.Context) error{
		"db": a.DB.PingContext,
		"funds": func(context.Context) error {
			if a.Funds == nil {
				return errors.New("fund source not configured")
			}
			return nil
		},
	}
	if a.mirror != nil {
		checks["redis"] = a.mirror.Ping
	}
	return checks
}

func (a *App) Close() error {
	var errs []error
	if a.Funds != nil {
		errs = append(errs, a.Funds.Close())
	}
	if a.mirror != nil {
		errs = append(errs, a.mirror.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
