// Package artifact defines the typed, versioned and content-hashed records a
// run produces. Every record embeds an Envelope carrying identity, lineage and
// classification; the hash is computed over a canonical serialization so the
// same logical content always yields the same digest.
package artifact

import "time"

// Kind names an artifact type. Values double as storage keys.
type Kind string

const (
	KindMandate    Kind = "mandate_dsl"
	KindUniverse   Kind = "universe"
	KindFeatures   Kind = "fund_features"
	KindCandidate  Kind = "portfolio_candidate"
	KindCompliance Kind = "compliance_report"
	KindRedTeam    Kind = "redteam_report"
	KindDecision   Kind = "decision"
	KindRebalance  Kind = "rebalance_plan"
	KindMemo       Kind = "ic_memo"
	KindAppendix   Kind = "risk_appendix"
	KindAudit      Kind = "audit_event"
)

// Kinds lists every artifact kind in pipeline order.
var Kinds = []Kind{
	KindMandate, KindUniverse, KindFeatures, KindCandidate, KindCompliance, KindRedTeam,
	KindDecision, KindRebalance, KindMemo, KindAppendix, KindAudit,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

type Classification string

const (
	ClassPublic     Classification = "public"
	ClassDerived    Classification = "derived"
	ClassRestricted Classification = "restricted"
)

// Envelope is the common header of every artifact.
type Envelope struct {
	ID             string         `json:"artifact_id"`
	Type           Kind           `json:"artifact_type"`
	Version        int            `json:"version"`
	ParentHashes   []string       `json:"parent_hashes"`
	Classification Classification `json:"data_classification"`
	PII            bool           `json:"pii"`
	Sources        []string       `json:"sources"`
	Producer       string         `json:"producer"`
	RunID          string         `json:"run_id"`
	StageID        string         `json:"stage_id"`
	CreatedAt      time.Time      `json:"created_at"`
	Hash           string         `json:"artifact_hash"`
}

// Meta gives access to the envelope of any artifact embedding it.
func (e *Envelope) Meta() *Envelope { return e }

// Artifact is implemented by every concrete artifact type through the
// embedded Envelope.
type Artifact interface {
	Meta() *Envelope
}

// Ref is the storage-level identity of an artifact.
type Ref struct {
	RunID   string `json:"run_id"`
	Type    Kind   `json:"artifact_type"`
	Version int    `json:"version"`
	ID      string `json:"artifact_id"`
	Hash    string `json:"artifact_hash"`
}

// RefOf returns the reference for a.
func RefOf(a Artifact) Ref {
	m := a.Meta()
	return Ref{RunID: m.RunID, Type: m.Type, Version: m.Version, ID: m.ID, Hash: m.Hash}
}
