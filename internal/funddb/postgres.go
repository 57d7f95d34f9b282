package funddb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"icpilot/internal/artifact"
)

const DefaultSchema = "nport_funds"

// Postgres reads the fund schema through a pgx pool. Every session is set
// to read-only on connect and every query runs in a read-only transaction.
type Postgres struct {
	Pool   *pgxpool.Pool
	Schema string
}

func OpenPostgres(ctx context.Context, dsn, schema string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse fund database dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY")
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping fund database: %w", err)
	}
	if schema == "" {
		schema = DefaultSchema
	}
	return &Postgres{Pool: pool, Schema: schema}, nil
}

func (p *Postgres) Name() string { return "postgres:" + p.Schema }

func (p *Postgres) Close() error {
	p.Pool.Close()
	return nil
}

func (p *Postgres) prefix() string {
	return pgx.Identifier{p.Schema}.Sanitize() + "."
}

// readOnly runs fn inside a read-only transaction that is always rolled
// back.
func (p *Postgres) readOnly(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	return fn(tx)
}

func (p *Postgres) Funds(ctx context.Context, q Query) ([]artifact.FundInfo, error) {
	q = q.withDefaults()
	var funds []artifact.FundInfo
	err := p.readOnly(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, fundsQuery(p.prefix(), "$1", "$2"), q.MinTotalAssets, q.Limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			f, err := scanFund(rows)
			if err != nil {
				return err
			}
			funds = append(funds, f)
		}
		return rows.Err()
	})
	return funds, err
}

func (p *Postgres) MonthlyReturns(ctx context.Context, accession string) (Returns, error) {
	var r Returns
	err := p.readOnly(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, returnsQuery(p.prefix(), "$1"), accession).Scan(&r.Month1, &r.Month2, &r.Month3)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	})
	return r, err
}

func (p *Postgres) Concentration(ctx context.Context, accession string) (Concentration, error) {
	var c Concentration
	err := p.readOnly(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, concentrationQuery(p.prefix(), "$1"), accession).Scan(&c.Top10, &c.HHI)
	})
	return c, err
}
