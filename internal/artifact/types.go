package artifact

// MandateDSL holds the investment constraints governing a run.
type MandateDSL struct {
	Envelope
	MandateID           string   `json:"mandate_id"`
	Template            string   `json:"template"`
	Name                string   `json:"name"`
	Description         string   `json:"description,omitempty"`
	PrimaryObjective    string   `json:"primary_objective"`
	SecondaryObjectives []string `json:"secondary_objectives"`
	Benchmark           string   `json:"benchmark"`

	RiskBudget       float64 `json:"risk_budget"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	VolatilityTarget float64 `json:"volatility_target"`

	MinEquity       float64 `json:"min_equity"`
	MaxEquity       float64 `json:"max_equity"`
	MinFixedIncome  float64 `json:"min_fixed_income"`
	MaxFixedIncome  float64 `json:"max_fixed_income"`
	MinAlternatives float64 `json:"min_alternatives"`
	MaxAlternatives float64 `json:"max_alternatives"`

	MaxSinglePosition       float64 `json:"max_single_position"`
	MaxSectorConcentration  float64 `json:"max_sector_concentration"`
	MaxCountryConcentration float64 `json:"max_country_concentration"`
	MinLiquidityRatio       float64 `json:"min_liquidity_ratio"`

	ESGExclusions []string `json:"esg_exclusions"`
}

// FundInfo is one fund row as screened into the universe.
type FundInfo struct {
	AccessionNumber   string  `json:"accession_number"`
	SeriesName        string  `json:"series_name"`
	SeriesID          string  `json:"series_id"`
	ManagerName       string  `json:"manager_name"`
	TotalAssets       float64 `json:"total_assets"`
	NetAssets         float64 `json:"net_assets"`
	PrimaryAssetClass string  `json:"primary_asset_class"`
	HoldingCount      int     `json:"holding_count"`
	EquityPct         float64 `json:"equity_pct"`
	FixedIncomePct    float64 `json:"fixed_income_pct"`
	CashPct           float64 `json:"cash_pct"`
	OtherPct          float64 `json:"other_pct"`
}

// Universe is the set of funds eligible under a mandate.
type Universe struct {
	Envelope
	MandateID           string             `json:"mandate_id"`
	Funds               []FundInfo         `json:"funds"`
	TotalFundsScreened  int                `json:"total_funds_screened"`
	FundsPassedFilter   int                `json:"funds_passed_filter"`
	TotalAUM            float64            `json:"total_aum"`
	AssetClassBreakdown map[string]float64 `json:"asset_class_breakdown"`
	ManagerBreakdown    map[string]int     `json:"manager_breakdown"`
}

// FundFeatures holds derived risk/return metrics for one fund. Pointer
// fields are nil when the source had no data.
type FundFeatures struct {
	Envelope
	AccessionNumber     string   `json:"accession_number"`
	SeriesName          string   `json:"series_name"`
	MonthlyReturn1      *float64 `json:"monthly_return_1"`
	MonthlyReturn2      *float64 `json:"monthly_return_2"`
	MonthlyReturn3      *float64 `json:"monthly_return_3"`
	AnnualizedReturn    *float64 `json:"annualized_return"`
	Volatility          *float64 `json:"volatility"`
	SharpeRatio         *float64 `json:"sharpe_ratio"`
	EquityExposure      float64  `json:"equity_exposure"`
	FixedIncomeExposure float64  `json:"fixed_income_exposure"`
	CashExposure        float64  `json:"cash_exposure"`
	AlternativeExposure float64  `json:"alternative_exposure"`
	Top10Concentration  float64  `json:"top_10_concentration"`
	SectorHHI           float64  `json:"sector_hhi"`
	LiquidityScore      float64  `json:"liquidity_score"`
}

// Holding is one weighted position of a candidate portfolio.
type Holding struct {
	FundAccession        string  `json:"fund_accession"`
	FundName             string  `json:"fund_name"`
	Weight               float64 `json:"weight"`
	ExpectedContribution float64 `json:"expected_contribution"`
}

// PortfolioCandidate is one proposed allocation (A, B or C).
type PortfolioCandidate struct {
	Envelope
	CandidateID           string    `json:"candidate_id"`
	SolverConfig          string    `json:"solver_config"`
	DiversitySeed         int64     `json:"diversity_seed"`
	Holdings              []Holding `json:"holdings"`
	TotalPositions        int       `json:"total_positions"`
	ExpectedReturn        float64   `json:"expected_return"`
	ExpectedVolatility    float64   `json:"expected_volatility"`
	ExpectedSharpe        float64   `json:"expected_sharpe"`
	EquityAllocation      float64   `json:"equity_allocation"`
	FixedIncomeAllocation float64   `json:"fixed_income_allocation"`
	CashAllocation        float64   `json:"cash_allocation"`
	MaxPositionSize       float64   `json:"max_position_size"`
	OptimizationScore     float64   `json:"optimization_score"`
	ConstraintViolations  []string  `json:"constraint_violations"`
	SolverIterations      int       `json:"solver_iterations"`
	SolverTimeMS          int       `json:"solver_time_ms"`
	RepairAttempt         int       `json:"repair_attempt"`
}

// TotalWeight sums the holding weights.
func (c *PortfolioCandidate) TotalWeight() float64 {
	var sum float64
	for _, h := range c.Holdings {
		sum += h.Weight
	}
	return sum
}

// Rule categories. Failures in a critical category block selection.
const (
	CategoryConcentration   = "concentration"
	CategoryAllocation      = "allocation"
	CategoryDiversification = "diversification"
	CategoryESG             = "esg"
	CategoryRegulatory      = "regulatory"
)

// RuleResult is the outcome of one compliance rule.
type RuleResult struct {
	RuleID      string  `json:"rule_id"`
	RuleName    string  `json:"rule_name"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Passed      bool    `json:"passed"`
	ActualValue float64 `json:"actual_value"`
	LimitValue  float64 `json:"limit_value"`
	Message     string  `json:"message"`
	Critical    bool    `json:"critical"`
}

// ComplianceReport is the rule-set verdict for one candidate.
type ComplianceReport struct {
	Envelope
	CandidateID      string       `json:"candidate_id"`
	CandidateVersion int          `json:"candidate_version"`
	Passed           bool         `json:"passed"`
	RulesChecked     int          `json:"rules_checked"`
	RulesPassed      int          `json:"rules_passed"`
	RulesFailed      int          `json:"rules_failed"`
	CriticalFailures int          `json:"critical_failures"`
	Warnings         int          `json:"warnings"`
	Results          []RuleResult `json:"results"`
	FailedRuleIDs    []string     `json:"failed_rule_ids"`
}

// Failed returns the failing rule results of the given category, or all
// failures when category is empty.
func (r *ComplianceReport) Failed(category string) []RuleResult {
	var out []RuleResult
	for _, res := range r.Results {
		if res.Passed {
			continue
		}
		if category == "" || res.Category == category {
			out = append(out, res)
		}
	}
	return out
}

// ScenarioResult is the outcome of one stress scenario.
type ScenarioResult struct {
	ScenarioID      string  `json:"scenario_id"`
	ScenarioName    string  `json:"scenario_name"`
	ScenarioType    string  `json:"scenario_type"`
	Description     string  `json:"description"`
	EquityShock     float64 `json:"equity_shock"`
	BondShock       float64 `json:"bond_shock"`
	VolMultiplier   float64 `json:"vol_multiplier"`
	PortfolioReturn float64 `json:"portfolio_return"`
	Drawdown        float64 `json:"drawdown"`
	VaRBreach       bool    `json:"var_breach"`
	Severity        string  `json:"severity"`
	Passed          bool    `json:"passed"`
}

// RedTeamReport is the stress verdict for one candidate.
type RedTeamReport struct {
	Envelope
	CandidateID       string           `json:"candidate_id"`
	CandidateVersion  int              `json:"candidate_version"`
	Passed            bool             `json:"passed"`
	ScenariosTested   int              `json:"scenarios_tested"`
	ScenariosPassed   int              `json:"scenarios_passed"`
	BreakingScenarios []string         `json:"breaking_scenarios"`
	Results           []ScenarioResult `json:"results"`
	AvgDrawdown       float64          `json:"avg_drawdown"`
	MaxDrawdown       float64          `json:"max_drawdown"`
	VaR95             float64          `json:"var_95"`
	CVaR95            float64          `json:"cvar_95"`
	SearchBudget      int              `json:"search_budget"`
	NoiseSeed         int64            `json:"noise_seed"`
}

// Decision records the selected candidate and the audit trail of scoring.
type Decision struct {
	Envelope
	SelectedCandidate   string                        `json:"selected_candidate"`
	CandidateScores     map[string]float64            `json:"candidate_scores"`
	ScoringWeights      map[string]float64            `json:"scoring_weights"`
	ComponentScores     map[string]map[string]float64 `json:"component_scores"`
	EligibleCandidates  []string                      `json:"eligible_candidates"`
	RejectedCandidates  map[string]string             `json:"rejected_candidates"`
	NoEligibleCandidate bool                          `json:"no_eligible_candidate"`
	Rationale           string                        `json:"rationale"`
	CandidateComparison map[string]CandidateSummary   `json:"candidate_comparison"`
}

// CandidateSummary is the per-candidate row of a decision's comparison.
type CandidateSummary struct {
	ExpectedReturn   float64 `json:"expected_return"`
	ExpectedSharpe   float64 `json:"expected_sharpe"`
	Volatility       float64 `json:"volatility"`
	CompliancePassed bool    `json:"compliance_passed"`
	RedTeamPassed    bool    `json:"redteam_passed"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	Repaired         bool    `json:"repaired"`
}

// Trade is one leg of a rebalance plan.
type Trade struct {
	FundAccession string  `json:"fund_accession"`
	FundName      string  `json:"fund_name"`
	Action        string  `json:"action"`
	CurrentWeight float64 `json:"current_weight"`
	TargetWeight  float64 `json:"target_weight"`
	TradeWeight   float64 `json:"trade_weight"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// RebalancePlan moves from all-cash to the selected candidate.
type RebalancePlan struct {
	Envelope
	CandidateID        string   `json:"candidate_id"`
	Trades             []Trade  `json:"trades"`
	TotalTrades        int      `json:"total_trades"`
	Turnover           float64  `json:"turnover"`
	EstimatedCost      float64  `json:"estimated_cost"`
	EstimatedImpact    float64  `json:"estimated_market_impact"`
	ExecutionPriority  []string `json:"execution_priority"`
	LiquidityWarnings  []string `json:"liquidity_warnings"`
	CostAssumptionBps  float64  `json:"cost_assumption_bps"`
	StartingAllocation string   `json:"starting_allocation"`
}

// MemoSection is one titled block of the IC memo.
type MemoSection struct {
	Key     string `json:"key"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ICMemo is the narrative investment committee memo.
type ICMemo struct {
	Envelope
	Title        string        `json:"title"`
	CandidateID  string        `json:"candidate_id"`
	MandateName  string        `json:"mandate_name"`
	Sections     []MemoSection `json:"sections"`
	AppendixRefs []string      `json:"appendix_refs"`
	PreparedBy   string        `json:"prepared_by"`
}

// Section returns the memo section with key, or nil.
func (m *ICMemo) Section(key string) *MemoSection {
	for i := range m.Sections {
		if m.Sections[i].Key == key {
			return &m.Sections[i]
		}
	}
	return nil
}

// RiskAppendix is the structured risk summary attached to the memo.
type RiskAppendix struct {
	Envelope
	AppendixID        string             `json:"appendix_id"`
	CandidateID       string             `json:"candidate_id"`
	VaR95OneDay       float64            `json:"var_95_1d"`
	VaR99OneDay       float64            `json:"var_99_1d"`
	CVaR95OneDay      float64            `json:"cvar_95_1d"`
	ExpectedShortfall float64            `json:"expected_shortfall"`
	FactorExposures   map[string]float64 `json:"factor_exposures"`
	StressResults     map[string]float64 `json:"stress_results"`
	PositionHHI       float64            `json:"position_hhi"`
	SectorHHI         float64            `json:"sector_hhi"`
	GeographicHHI     float64            `json:"geographic_hhi"`
	LiquidityCoverage float64            `json:"liquidity_coverage_ratio"`
	DaysToLiquidate   float64            `json:"days_to_liquidate"`
}

// AuditEvent is the terminal record of a run; it references the hash of
// every other artifact the run produced.
type AuditEvent struct {
	Envelope
	EventID        string            `json:"event_id"`
	EventType      string            `json:"event_type"`
	Actor          string            `json:"actor"`
	Action         string            `json:"action"`
	Target         string            `json:"target"`
	Outcome        string            `json:"outcome"`
	ArtifactHashes map[string]string `json:"artifact_hashes"`
	DecisionChain  []string          `json:"decision_chain"`
	Details        map[string]any    `json:"details"`
}
