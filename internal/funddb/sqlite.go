package funddb

import (
	"context"
	"database/sql"
	"errors"

	"icpilot/internal/artifact"
	"icpilot/internal/db"
)

// SQLite reads an N-PORT shaped fund database from a local file opened
// with mode=ro and query_only.
type SQLite struct {
	DB   *sql.DB
	Path string
}

func OpenSQLite(path string) (*SQLite, error) {
	conn, err := db.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &SQLite{DB: conn, Path: path}, nil
}

func (s *SQLite) Name() string { return "sqlite:" + s.Path }

func (s *SQLite) Close() error { return s.DB.Close() }

func (s *SQLite) Funds(ctx context.Context, q Query) ([]artifact.FundInfo, error) {
	q = q.withDefaults()
	rows, err := s.DB.QueryContext(ctx, fundsQuery("", "?", "?"), q.MinTotalAssets, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var funds []artifact.FundInfo
	for rows.Next() {
		f, err := scanFund(rows)
		if err != nil {
			return nil, err
		}
		funds = append(funds, f)
	}
	return funds, rows.Err()
}

func (s *SQLite) MonthlyReturns(ctx context.Context, accession string) (Returns, error) {
	var r1, r2, r3 sql.NullFloat64
	err := s.DB.QueryRowContext(ctx, returnsQuery("", "?"), accession).Scan(&r1, &r2, &r3)
	if errors.Is(err, sql.ErrNoRows) {
		return Returns{}, nil
	}
	if err != nil {
		return Returns{}, err
	}
	return Returns{Month1: nullFloat(r1), Month2: nullFloat(r2), Month3: nullFloat(r3)}, nil
}

func (s *SQLite) Concentration(ctx context.Context, accession string) (Concentration, error) {
	var c Concentration
	err := s.DB.QueryRowContext(ctx, concentrationQuery("", "?"), accession).Scan(&c.Top10, &c.HHI)
	if errors.Is(err, sql.ErrNoRows) {
		return Concentration{}, nil
	}
	return c, err
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
