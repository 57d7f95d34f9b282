package executors

import (
	"context"
	"fmt"
	"sort"

	"icpilot/internal/artifact"
)

const (
	costBps              = 10.0
	marketImpactRate     = 0.0005
	liquidityWarnWeight  = 0.08
	executionPriorityLen = 5
)

// NewRebalancePlan builds the trades that move an all-cash book to c.
func NewRebalancePlan(c *artifact.PortfolioCandidate) *artifact.RebalancePlan {
	p := &artifact.RebalancePlan{
		CandidateID:        c.CandidateID,
		Trades:             []artifact.Trade{},
		ExecutionPriority:  []string{},
		LiquidityWarnings:  []string{},
		CostAssumptionBps:  costBps,
		StartingAllocation: "cash",
	}
	for _, h := range c.Holdings {
		cost := round(h.Weight*costBps/10000, 6)
		p.Trades = append(p.Trades, artifact.Trade{
			FundAccession: h.FundAccession,
			FundName:      h.FundName,
			Action:        "BUY",
			TargetWeight:  h.Weight,
			TradeWeight:   h.Weight,
			EstimatedCost: cost,
		})
		p.Turnover += h.Weight
		p.EstimatedCost += cost
	}
	sort.SliceStable(p.Trades, func(i, j int) bool {
		if p.Trades[i].TradeWeight != p.Trades[j].TradeWeight {
			return p.Trades[i].TradeWeight > p.Trades[j].TradeWeight
		}
		return p.Trades[i].FundAccession < p.Trades[j].FundAccession
	})
	for i, t := range p.Trades {
		if i < executionPriorityLen {
			p.ExecutionPriority = append(p.ExecutionPriority, t.FundAccession)
		}
		if t.TradeWeight > liquidityWarnWeight {
			p.LiquidityWarnings = append(p.LiquidityWarnings,
				fmt.Sprintf("%s: %.1f%% position may require multiple days to execute", t.FundName, t.TradeWeight*100))
		}
	}
	p.TotalTrades = len(p.Trades)
	p.Turnover = round(p.Turnover, 4)
	p.EstimatedCost = round(p.EstimatedCost, 6)
	p.EstimatedImpact = round(p.Turnover*marketImpactRate, 6)
	return p
}

// RebalancePlanner plans execution of the selected candidate.
type RebalancePlanner struct {
	Base
}

func NewRebalancePlanner(env Env) *RebalancePlanner {
	return &RebalancePlanner{Base: newBase(env, "rebalance_planner")}
}

func (rp *RebalancePlanner) Execute(ctx context.Context, c *artifact.PortfolioCandidate, d *artifact.Decision) (*artifact.RebalancePlan, error) {
	if c.CandidateID != d.SelectedCandidate {
		return nil, fmt.Errorf("candidate %s is not the selected candidate %s", c.CandidateID, d.SelectedCandidate)
	}
	p := NewRebalancePlan(c)
	if _, err := rp.save(ctx, p, artifact.KindRebalance, 0, c, d); err != nil {
		return nil, err
	}
	rp.Logger.Info("rebalance_planned", "candidate_id", c.CandidateID, "trades", p.TotalTrades, "warnings", len(p.LiquidityWarnings))
	return p, nil
}
