package funddb

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"gopkg.in/yaml.v3"

	"icpilot/internal/db"
)

// Fixture is a YAML description of a small fund database.
type Fixture struct {
	Funds []FixtureFund `yaml:"funds"`
}

type FixtureFund struct {
	AccessionNumber string           `yaml:"accession_number"`
	SeriesName      string           `yaml:"series_name"`
	SeriesID        string           `yaml:"series_id"`
	Manager         string           `yaml:"manager"`
	TotalAssets     float64          `yaml:"total_assets"`
	NetAssets       float64          `yaml:"net_assets"`
	Returns         []*float64       `yaml:"returns"`
	Holdings        []FixtureHolding `yaml:"holdings"`
}

type FixtureHolding struct {
	Issuer     string  `yaml:"issuer"`
	AssetCat   string  `yaml:"asset_cat"`
	Percentage float64 `yaml:"percentage"`
}

// LoadFixture reads a fixture file.
func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, err
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return f, nil
}

// Validate checks accession numbers are present and unique.
func (f Fixture) Validate() error {
	seen := map[string]bool{}
	for i, fund := range f.Funds {
		if fund.AccessionNumber == "" {
			return fmt.Errorf("funds[%d]: accession_number is required", i)
		}
		if seen[fund.AccessionNumber] {
			return fmt.Errorf("funds[%d]: duplicate accession_number %s", i, fund.AccessionNumber)
		}
		seen[fund.AccessionNumber] = true
		if len(fund.Returns) > 3 {
			return fmt.Errorf("funds[%d]: at most 3 monthly returns", i)
		}
	}
	return nil
}

const fixtureSchema = `
DROP TABLE IF EXISTS fund_reported_holding;
DROP TABLE IF EXISTS monthly_total_return;
DROP TABLE IF EXISTS fund_reported_info;
DROP TABLE IF EXISTS registrant;
CREATE TABLE registrant (
    accession_number TEXT PRIMARY KEY,
    registrant_name TEXT
);
CREATE TABLE fund_reported_info (
    accession_number TEXT PRIMARY KEY,
    series_name TEXT,
    series_id TEXT,
    total_assets REAL,
    net_assets REAL
);
CREATE TABLE monthly_total_return (
    accession_number TEXT PRIMARY KEY,
    monthly_total_return1 REAL,
    monthly_total_return2 REAL,
    monthly_total_return3 REAL
);
CREATE TABLE fund_reported_holding (
    accession_number TEXT NOT NULL,
    issuer_name TEXT,
    asset_cat TEXT,
    percentage REAL
);
CREATE INDEX idx_holding_accession ON fund_reported_holding(accession_number);
`

// Seed writes f into a fresh fund database at path, replacing any tables a
// previous seed left behind. It returns the number of funds written.
func Seed(ctx context.Context, path string, f Fixture) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	conn, err := db.Open(db.Config{Path: path})
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fixtureSchema); err != nil {
		return 0, fmt.Errorf("create fund schema: %w", err)
	}
	for _, fund := range f.Funds {
		if _, err := tx.ExecContext(ctx, `INSERT INTO registrant(accession_number, registrant_name) VALUES(?, ?)`,
			fund.AccessionNumber, fund.Manager); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO fund_reported_info(accession_number, series_name, series_id, total_assets, net_assets) VALUES(?, ?, ?, ?, ?)`,
			fund.AccessionNumber, fund.SeriesName, fund.SeriesID, fund.TotalAssets, fund.NetAssets); err != nil {
			return 0, err
		}
		if len(fund.Returns) > 0 {
			var r [3]any
			for i, v := range fund.Returns {
				if v != nil {
					r[i] = *v
				}
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO monthly_total_return(accession_number, monthly_total_return1, monthly_total_return2, monthly_total_return3) VALUES(?, ?, ?, ?)`,
				fund.AccessionNumber, r[0], r[1], r[2]); err != nil {
				return 0, err
			}
		}
		for _, h := range fund.Holdings {
			if _, err := tx.ExecContext(ctx, `INSERT INTO fund_reported_holding(accession_number, issuer_name, asset_cat, percentage) VALUES(?, ?, ?, ?)`,
				fund.AccessionNumber, h.Issuer, h.AssetCat, h.Percentage); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(f.Funds), nil
}

var syntheticManagers = []string{
	"Vanguard Group", "BlackRock", "Fidelity", "State Street",
	"T. Rowe Price", "PIMCO", "Capital Group", "Invesco",
}

// Synthetic generates a deterministic fixture of n funds. A quarter of the
// funds are bond heavy, a quarter equity heavy, the rest balanced.
func Synthetic(n int, seed uint64) Fixture {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var f Fixture
	for i := 0; i < n; i++ {
		var eq, cash, other float64
		style := "Balanced"
		switch i % 4 {
		case 2:
			style = "Income"
			eq = 0.12 + rng.Float64()*0.16
			cash = 0.485 - eq + rng.Float64()*0.005
		case 3:
			style = "Growth"
			eq = 0.75 + rng.Float64()*0.17
			cash = 0.02 + rng.Float64()*0.03
			other = rng.Float64() * 0.03
		default:
			eq = 0.42 + rng.Float64()*0.24
			cash = 0.03 + rng.Float64()*0.03
			other = rng.Float64() * 0.03
		}
		fi := 1 - eq - cash - other

		manager := syntheticManagers[i%len(syntheticManagers)]
		total := round(5e7*math.Exp(rng.Float64()*4.5), 0)
		fund := FixtureFund{
			AccessionNumber: fmt.Sprintf("0000000000-24-%06d", i+1),
			SeriesName:      fmt.Sprintf("%s %s Fund %d", manager, style, i+1),
			SeriesID:        fmt.Sprintf("S%09d", i+1),
			Manager:         manager,
			TotalAssets:     total,
			NetAssets:       round(total*0.97, 0),
		}
		for m := 0; m < 3; m++ {
			r := round(0.002+eq*0.01+rng.NormFloat64()*0.004, 6)
			if r == 0 {
				r = 0.0001
			}
			fund.Returns = append(fund.Returns, &r)
		}
		fund.Holdings = append(fund.Holdings, split(rng, fund.AccessionNumber, "EC", eq, 4+rng.IntN(12))...)
		fund.Holdings = append(fund.Holdings, split(rng, fund.AccessionNumber, "DBT", fi, 2+rng.IntN(10))...)
		fund.Holdings = append(fund.Holdings, split(rng, fund.AccessionNumber, "STIV", cash, 1+rng.IntN(2))...)
		if other > 0 {
			fund.Holdings = append(fund.Holdings, split(rng, fund.AccessionNumber, "RE", other, 1)...)
		}
		f.Funds = append(f.Funds, fund)
	}
	return f
}

// split divides total into k positive pieces that sum to total.
func split(rng *rand.Rand, accession, cat string, total float64, k int) []FixtureHolding {
	if total <= 0 {
		return nil
	}
	parts := make([]float64, k)
	var sum float64
	for i := range parts {
		parts[i] = 0.5 + rng.Float64()
		sum += parts[i]
	}
	out := make([]FixtureHolding, 0, k)
	remaining := total
	for i, p := range parts {
		pct := round(total*p/sum, 6)
		if i == k-1 {
			pct = remaining
		}
		remaining -= pct
		out = append(out, FixtureHolding{
			Issuer:     fmt.Sprintf("%s %s issuer %d", accession, cat, i+1),
			AssetCat:   cat,
			Percentage: pct,
		})
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
