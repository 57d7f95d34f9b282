package executors

import (
	"context"
	"fmt"
	"math"
	"sort"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
)

// SolverConfig is one scoring configuration of the candidate generator.
type SolverConfig struct {
	CandidateID  string
	Name         string
	ReturnWeight float64
	RiskWeight   float64
	SeedOffset   int64
}

var SolverConfigs = []SolverConfig{
	{CandidateID: "A", Name: "Return-Focused", ReturnWeight: 0.8, RiskWeight: 0.2, SeedOffset: 0},
	{CandidateID: "B", Name: "Risk-Focused", ReturnWeight: 0.2, RiskWeight: 0.8, SeedOffset: 1000},
	{CandidateID: "C", Name: "Balanced", ReturnWeight: 0.5, RiskWeight: 0.5, SeedOffset: 2000},
}

const (
	minPositions = 10
	maxPositions = 20
	minWeight    = 0.02
	shortlistPad = 5
)

type scoredFund struct {
	f     *artifact.FundFeatures
	score float64
}

func fundScore(cfg SolverConfig, f *artifact.FundFeatures) float64 {
	sharpe := 0.0
	if f.SharpeRatio != nil {
		sharpe = *f.SharpeRatio
	}
	vol := 1.0
	if f.Volatility != nil {
		vol = *f.Volatility
	}
	return sharpe*cfg.ReturnWeight + (1-vol)*cfg.RiskWeight
}

// GenerateCandidate builds one unsealed candidate. Identical inputs always
// give an identical candidate.
func GenerateCandidate(cfg SolverConfig, m *artifact.MandateDSL, features []*artifact.FundFeatures, seed int64) (*artifact.PortfolioCandidate, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("candidate %s: universe has no funds", cfg.CandidateID)
	}
	scored := make([]scoredFund, len(features))
	for i, f := range features {
		scored[i] = scoredFund{f: f, score: fundScore(cfg, f)}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].f.AccessionNumber < scored[j].f.AccessionNumber
	})

	diversitySeed := seed + cfg.SeedOffset
	rng := Rand(diversitySeed, domain.StageGenerateCandidates, cfg.CandidateID, 0)
	n := minPositions + rng.IntN(maxPositions-minPositions+1)
	pool := scored[:min(n+shortlistPad, len(scored))]
	pool = append([]scoredFund(nil), pool...)
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	picked := pool[:min(n, len(pool))]

	weights := make([]float64, len(picked))
	remaining := 1.0
	for i := 0; i < len(picked)-1; i++ {
		left := float64(len(picked) - i - 1)
		maxW := math.Min(m.MaxSinglePosition, remaining-minWeight*left)
		hi := math.Max(minWeight, maxW)
		w := round(minWeight+rng.Float64()*(hi-minWeight), 4)
		weights[i] = w
		remaining -= w
	}
	weights[len(picked)-1] = remaining
	weights = normalize(weights)

	c := &artifact.PortfolioCandidate{
		CandidateID:          cfg.CandidateID,
		SolverConfig:         cfg.Name,
		DiversitySeed:        diversitySeed,
		TotalPositions:       len(picked),
		ConstraintViolations: []string{},
	}
	var ret, vol, eq, fi, score float64
	for i, p := range picked {
		w := weights[i]
		ann := 0.0
		if p.f.AnnualizedReturn != nil {
			ann = *p.f.AnnualizedReturn
		}
		fv := 0.1
		if p.f.Volatility != nil {
			fv = *p.f.Volatility
		}
		c.Holdings = append(c.Holdings, artifact.Holding{
			FundAccession:        p.f.AccessionNumber,
			FundName:             p.f.SeriesName,
			Weight:               w,
			ExpectedContribution: round(w*ann, 6),
		})
		ret += w * ann
		vol += w * fv
		eq += w * p.f.EquityExposure
		fi += w * p.f.FixedIncomeExposure
		score += p.score
		c.MaxPositionSize = math.Max(c.MaxPositionSize, w)
	}
	c.ExpectedReturn = round(ret, 4)
	c.ExpectedVolatility = round(vol, 4)
	if vol > 0 {
		c.ExpectedSharpe = round(ret/vol, 4)
	}
	c.EquityAllocation = round(eq, 4)
	c.FixedIncomeAllocation = round(fi, 4)
	c.OptimizationScore = round(score/float64(len(picked)), 4)
	c.SolverIterations = 50 + rng.IntN(151)
	c.SolverTimeMS = 100 + rng.IntN(401)
	return c, nil
}

// normalize rescales weights to sum to one, rounded to four places.
func normalize(ws []float64) []float64 {
	var total float64
	for _, w := range ws {
		total += w
	}
	out := make([]float64, len(ws))
	if total <= 0 {
		return out
	}
	for i, w := range ws {
		out[i] = round(w/total, 4)
	}
	return out
}

// CandidateGenerator produces the three candidates of a run.
type CandidateGenerator struct {
	Base
}

func NewCandidateGenerator(env Env) *CandidateGenerator {
	return &CandidateGenerator{Base: newBase(env, "candidate_generator")}
}

func (g *CandidateGenerator) Execute(ctx context.Context, m *artifact.MandateDSL, u *artifact.Universe, features []*artifact.FundFeatures) ([]*artifact.PortfolioCandidate, error) {
	out := make([]*artifact.PortfolioCandidate, 0, len(SolverConfigs))
	for i, cfg := range SolverConfigs {
		c, err := GenerateCandidate(cfg, m, features, g.Seed)
		if err != nil {
			return nil, err
		}
		parents := []artifact.Artifact{m, u}
		for _, f := range features {
			parents = append(parents, f)
		}
		if _, err := g.save(ctx, c, artifact.KindCandidate, 0, parents...); err != nil {
			return nil, err
		}
		evt := g.event(domain.EventCandidateCreated, domain.LevelInfo,
			fmt.Sprintf("Candidate %s (%s): %d positions", c.CandidateID, c.SolverConfig, c.TotalPositions))
		evt.CandidateID = c.CandidateID
		evt.Payload = map[string]any{
			"solver_config":   c.SolverConfig,
			"positions":       c.TotalPositions,
			"expected_return": c.ExpectedReturn,
			"expected_sharpe": c.ExpectedSharpe,
			"version":         c.Version,
		}
		g.emit(ctx, evt)
		g.progress(ctx, float64(i+1)/float64(len(SolverConfigs))*100, "Generated candidate "+c.CandidateID)
		out = append(out, c)
	}
	g.Logger.Info("candidates_generated", "count", len(out))
	return out, nil
}
