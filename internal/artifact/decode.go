package artifact

import (
	"encoding/json"
	"fmt"
)

// New returns an empty artifact of kind k.
func New(k Kind) (Artifact, error) {
	switch k {
	case KindMandate:
		return &MandateDSL{}, nil
	case KindUniverse:
		return &Universe{}, nil
	case KindFeatures:
		return &FundFeatures{}, nil
	case KindCandidate:
		return &PortfolioCandidate{}, nil
	case KindCompliance:
		return &ComplianceReport{}, nil
	case KindRedTeam:
		return &RedTeamReport{}, nil
	case KindDecision:
		return &Decision{}, nil
	case KindRebalance:
		return &RebalancePlan{}, nil
	case KindMemo:
		return &ICMemo{}, nil
	case KindAppendix:
		return &RiskAppendix{}, nil
	case KindAudit:
		return &AuditEvent{}, nil
	}
	return nil, fmt.Errorf("unknown artifact type %q", k)
}

// Decode unmarshals data into a typed artifact of kind k.
func Decode(k Kind, data []byte) (Artifact, error) {
	a, err := New(k)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("decode %s: %w", k, err)
	}
	return a, nil
}

// As decodes a stored artifact into the concrete type T.
func As[T Artifact](a Artifact) (T, error) {
	var zero T
	t, ok := a.(T)
	if !ok {
		return zero, fmt.Errorf("artifact %s is %T, not %T", a.Meta().Type, a, zero)
	}
	return t, nil
}
