// Package funddb is the read-only fund data source consumed by the universe
// and feature stages. Both backends open their connections in a mode that
// rejects writes.
package funddb

import (
	"context"
	"fmt"

	"icpilot/internal/artifact"
)

// Query bounds the fund screen.
type Query struct {
	MinTotalAssets float64
	Limit          int
}

func (q Query) withDefaults() Query {
	if q.MinTotalAssets <= 0 {
		q.MinTotalAssets = DefaultMinTotalAssets
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	return q
}

const (
	DefaultMinTotalAssets = 100_000_000
	DefaultLimit          = 200
)

// Returns holds the trailing monthly total returns of a fund. Nil means
// the source reported nothing for that month.
type Returns struct {
	Month1 *float64
	Month2 *float64
	Month3 *float64
}

// Concentration summarises a fund's holding weights.
type Concentration struct {
	Top10 float64
	HHI   float64
}

// Source is the query surface of the fund database.
type Source interface {
	Funds(ctx context.Context, q Query) ([]artifact.FundInfo, error)
	MonthlyReturns(ctx context.Context, accession string) (Returns, error)
	Concentration(ctx context.Context, accession string) (Concentration, error)
	Name() string
	Close() error
}

// Open returns a Source for driver ("sqlite" or "pgx") and dsn. schema
// only applies to Postgres.
func Open(ctx context.Context, driver, dsn, schema string) (Source, error) {
	switch driver {
	case "", "sqlite":
		return OpenSQLite(dsn)
	case "pgx", "postgres":
		return OpenPostgres(ctx, dsn, schema)
	}
	return nil, fmt.Errorf("unknown fund database driver %q", driver)
}

// fundsQuery aggregates raw holdings into allocation percentages and
// classifies each fund by its dominant asset category.
func fundsQuery(prefix, minAssets, limit string) string {
	return fmt.Sprintf(`
WITH fund_allocations AS (
    SELECT
        h.accession_number,
        SUM(CASE WHEN h.asset_cat = 'EC' THEN COALESCE(h.percentage, 0) ELSE 0 END) AS equity_pct,
        SUM(CASE WHEN h.asset_cat = 'DBT' THEN COALESCE(h.percentage, 0) ELSE 0 END) AS fixed_income_pct,
        SUM(CASE WHEN h.asset_cat IN ('MF', 'STIV') THEN COALESCE(h.percentage, 0) ELSE 0 END) AS cash_pct,
        SUM(CASE WHEN h.asset_cat NOT IN ('EC', 'DBT', 'MF', 'STIV') THEN COALESCE(h.percentage, 0) ELSE 0 END) AS other_pct,
        COUNT(*) AS holding_count
    FROM %[1]sfund_reported_holding h
    GROUP BY h.accession_number
)
SELECT
    f.accession_number,
    COALESCE(f.series_name, 'Unknown'),
    COALESCE(f.series_id, ''),
    COALESCE(r.registrant_name, 'Unknown'),
    COALESCE(f.total_assets, 0),
    COALESCE(f.net_assets, 0),
    CASE
        WHEN a.equity_pct > 0.6 THEN 'equity'
        WHEN a.fixed_income_pct > 0.6 THEN 'fixed_income'
        WHEN a.cash_pct > 0.4 THEN 'money_market'
        ELSE 'balanced'
    END,
    COALESCE(a.holding_count, 0),
    COALESCE(a.equity_pct, 0),
    COALESCE(a.fixed_income_pct, 0),
    COALESCE(a.cash_pct, 0),
    COALESCE(a.other_pct, 0)
FROM %[1]sfund_reported_info f
JOIN %[1]sregistrant r ON f.accession_number = r.accession_number
LEFT JOIN fund_allocations a ON f.accession_number = a.accession_number
WHERE f.total_assets > %[2]s
ORDER BY f.total_assets DESC, f.accession_number
LIMIT %[3]s`, prefix, minAssets, limit)
}

func returnsQuery(prefix, accession string) string {
	return fmt.Sprintf(`SELECT monthly_total_return1, monthly_total_return2, monthly_total_return3
FROM %smonthly_total_return WHERE accession_number = %s LIMIT 1`, prefix, accession)
}

func concentrationQuery(prefix, accession string) string {
	return fmt.Sprintf(`
SELECT
    COALESCE(SUM(CASE WHEN rn <= 10 THEN percentage ELSE 0 END), 0),
    COALESCE(SUM(percentage * percentage), 0)
FROM (
    SELECT percentage, ROW_NUMBER() OVER (ORDER BY percentage DESC) AS rn
    FROM %sfund_reported_holding
    WHERE accession_number = %s AND percentage IS NOT NULL
) ranked`, prefix, accession)
}

// scanner is satisfied by *sql.Rows and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanFund(row scanner) (artifact.FundInfo, error) {
	var f artifact.FundInfo
	err := row.Scan(&f.AccessionNumber, &f.SeriesName, &f.SeriesID, &f.ManagerName,
		&f.TotalAssets, &f.NetAssets, &f.PrimaryAssetClass, &f.HoldingCount,
		&f.EquityPct, &f.FixedIncomePct, &f.CashPct, &f.OtherPct)
	return f, err
}
