package executors

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"icpilot/internal/artifact"
	"icpilot/internal/domain"
)

//go:embed mandates.yaml
var mandatesYAML []byte

const DefaultMandate = "balanced_growth"

// MandateTemplate is one archetype of the mandate registry.
type MandateTemplate struct {
	ID                      string   `yaml:"id" json:"id"`
	Name                    string   `yaml:"name" json:"name"`
	Description             string   `yaml:"description" json:"description"`
	PrimaryObjective        string   `yaml:"primary_objective" json:"primary_objective"`
	SecondaryObjectives     []string `yaml:"secondary_objectives" json:"secondary_objectives"`
	Benchmark               string   `yaml:"benchmark" json:"benchmark"`
	RiskBudget              float64  `yaml:"risk_budget" json:"risk_budget"`
	MaxDrawdown             float64  `yaml:"max_drawdown" json:"max_drawdown"`
	VolatilityTarget        float64  `yaml:"volatility_target" json:"volatility_target"`
	MinEquity               float64  `yaml:"min_equity" json:"min_equity"`
	MaxEquity               float64  `yaml:"max_equity" json:"max_equity"`
	MinFixedIncome          float64  `yaml:"min_fixed_income" json:"min_fixed_income"`
	MaxFixedIncome          float64  `yaml:"max_fixed_income" json:"max_fixed_income"`
	MinAlternatives         float64  `yaml:"min_alternatives" json:"min_alternatives"`
	MaxAlternatives         float64  `yaml:"max_alternatives" json:"max_alternatives"`
	MaxSinglePosition       float64  `yaml:"max_single_position" json:"max_single_position"`
	MaxSectorConcentration  float64  `yaml:"max_sector_concentration" json:"max_sector_concentration"`
	MaxCountryConcentration float64  `yaml:"max_country_concentration" json:"max_country_concentration"`
	MinLiquidityRatio       float64  `yaml:"min_liquidity_ratio" json:"min_liquidity_ratio"`
	ESGExclusions           []string `yaml:"esg_exclusions" json:"esg_exclusions"`
}

var loadMandates = sync.OnceValues(func() ([]MandateTemplate, error) {
	var out []MandateTemplate
	if err := yaml.Unmarshal(mandatesYAML, &out); err != nil {
		return nil, fmt.Errorf("parse mandate registry: %w", err)
	}
	return out, nil
})

// Mandates lists the registry in declaration order.
func Mandates() ([]MandateTemplate, error) {
	return loadMandates()
}

// LookupMandate returns the archetype with id.
func LookupMandate(id string) (MandateTemplate, bool) {
	all, err := loadMandates()
	if err != nil {
		return MandateTemplate{}, false
	}
	for _, m := range all {
		if m.ID == id {
			return m, true
		}
	}
	return MandateTemplate{}, false
}

// ToDSL converts the archetype into an unsealed mandate artifact carrying
// mandateID.
func (t MandateTemplate) ToDSL(mandateID string) *artifact.MandateDSL {
	return &artifact.MandateDSL{
		MandateID:               mandateID,
		Template:                t.ID,
		Name:                    t.Name,
		Description:             t.Description,
		PrimaryObjective:        t.PrimaryObjective,
		SecondaryObjectives:     append([]string{}, t.SecondaryObjectives...),
		Benchmark:               t.Benchmark,
		RiskBudget:              t.RiskBudget,
		MaxDrawdown:             t.MaxDrawdown,
		VolatilityTarget:        t.VolatilityTarget,
		MinEquity:               t.MinEquity,
		MaxEquity:               t.MaxEquity,
		MinFixedIncome:          t.MinFixedIncome,
		MaxFixedIncome:          t.MaxFixedIncome,
		MinAlternatives:         t.MinAlternatives,
		MaxAlternatives:         t.MaxAlternatives,
		MaxSinglePosition:       t.MaxSinglePosition,
		MaxSectorConcentration:  t.MaxSectorConcentration,
		MaxCountryConcentration: t.MaxCountryConcentration,
		MinLiquidityRatio:       t.MinLiquidityRatio,
		ESGExclusions:           append([]string{}, t.ESGExclusions...),
	}
}

// MandateLoader resolves a mandate id against the registry.
type MandateLoader struct {
	Base
	// Strict turns an unknown id into an error instead of a fallback.
	Strict bool
}

func NewMandateLoader(env Env, strict bool) *MandateLoader {
	return &MandateLoader{Base: newBase(env, "mandate_loader"), Strict: strict}
}

func (l *MandateLoader) Execute(ctx context.Context, mandateID string) (*artifact.MandateDSL, error) {
	var (
		tmpl  MandateTemplate
		found bool
	)
	err := l.tool(ctx, "mandate_registry.lookup", map[string]any{"mandate_id": mandateID}, func(context.Context) (map[string]any, error) {
		if _, err := loadMandates(); err != nil {
			return nil, err
		}
		tmpl, found = LookupMandate(mandateID)
		return map[string]any{"found": found}, nil
	})
	if err != nil {
		return nil, err
	}

	source := "template:" + mandateID
	if !found {
		if l.Strict {
			return nil, fmt.Errorf("unknown mandate template %q", mandateID)
		}
		tmpl, _ = LookupMandate(DefaultMandate)
		source = "template:" + DefaultMandate + "(fallback)"
		evt := l.event(domain.EventProgressUpdate, domain.LevelWarn,
			fmt.Sprintf("Unknown mandate %q, using %s constraints", mandateID, DefaultMandate))
		evt.Payload = map[string]any{"mandate_id": mandateID, "fallback": DefaultMandate}
		l.emit(ctx, evt)
		l.Logger.Warn("mandate_fallback", "mandate_id", mandateID, "template", DefaultMandate)
	}

	m := tmpl.ToDSL(mandateID)
	if !found {
		m.Description = fmt.Sprintf("Unknown mandate %q; constraints taken from the %s template.", mandateID, DefaultMandate)
	}
	m.Classification = artifact.ClassPublic
	m.Sources = []string{source}
	if _, err := l.save(ctx, m, artifact.KindMandate, 0); err != nil {
		return nil, err
	}
	l.Logger.Info("mandate_loaded", "mandate_id", mandateID, "template", m.Template)
	return m, nil
}
