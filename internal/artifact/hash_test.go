package artifact

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleUniverse() *Universe {
	return &Universe{
		Envelope: Envelope{
			ID:             "u-1",
			Type:           KindUniverse,
			Version:        1,
			ParentHashes:   []string{"abc"},
			Classification: ClassDerived,
			Sources:        []string{"nport_funds.fund_reported_info"},
			Producer:       "universe_builder",
			RunID:          "run-1",
			StageID:        "build_universe",
			CreatedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		MandateID: "balanced_growth",
		Funds: []FundInfo{
			{AccessionNumber: "0001", SeriesName: "Fund One", EquityPct: 0.55, FixedIncomePct: 0.35},
		},
		TotalFundsScreened:  10,
		FundsPassedFilter:   1,
		TotalAUM:            5e8,
		AssetClassBreakdown: map[string]float64{"equity": 0.55, "fixed_income": 0.35, "cash": 0.1},
		ManagerBreakdown:    map[string]int{"Vanguard": 1},
	}
}

func TestHashIsStable(t *testing.T) {
	u := sampleUniverse()
	h1, err := Hash(u)
	require.NoError(t, err)
	h2, err := Hash(u)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, HashLength)
}

func TestHashIgnoresTimestampIDAndStoredHash(t *testing.T) {
	u := sampleUniverse()
	before, err := Hash(u)
	require.NoError(t, err)

	u.CreatedAt = u.CreatedAt.Add(72 * time.Hour)
	u.ID = "u-other"
	u.Hash = "deadbeefdeadbeef"
	after, err := Hash(u)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestHashChangesWithContent(t *testing.T) {
	base := sampleUniverse()
	h0, err := Hash(base)
	require.NoError(t, err)

	mutations := map[string]func(u *Universe){
		"version":    func(u *Universe) { u.Version = 2 },
		"parents":    func(u *Universe) { u.ParentHashes = []string{"abd"} },
		"producer":   func(u *Universe) { u.Producer = "other" },
		"fund":       func(u *Universe) { u.Funds[0].EquityPct = 0.56 },
		"breakdown":  func(u *Universe) { u.AssetClassBreakdown["cash"] = 0.11 },
		"pii":        func(u *Universe) { u.PII = true },
		"mandate_id": func(u *Universe) { u.MandateID = "aggressive_growth" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			u := sampleUniverse()
			mutate(u)
			h, err := Hash(u)
			require.NoError(t, err)
			assert.NotEqual(t, h0, h)
		})
	}
}

func TestHashIndependentOfMapInsertionOrder(t *testing.T) {
	a := sampleUniverse()
	b := sampleUniverse()
	a.AssetClassBreakdown = map[string]float64{}
	b.AssetClassBreakdown = map[string]float64{}
	keys := []string{"equity", "fixed_income", "cash", "other"}
	for i, k := range keys {
		a.AssetClassBreakdown[k] = float64(i) / 10
	}
	for i := len(keys) - 1; i >= 0; i-- {
		b.AssetClassBreakdown[keys[i]] = float64(i) / 10
	}
	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestSealAndVerify(t *testing.T) {
	u := sampleUniverse()
	require.NoError(t, Seal(u))
	require.NoError(t, Verify(u))

	u.TotalAUM++
	assert.Error(t, Verify(u))
}

func TestLineageIsSortedSet(t *testing.T) {
	a := &MandateDSL{Envelope: Envelope{Hash: "bbb"}}
	b := &Universe{Envelope: Envelope{Hash: "aaa"}}
	c := &Decision{Envelope: Envelope{Hash: "bbb"}}
	unsealed := &Decision{}
	assert.Equal(t, []string{"aaa", "bbb"}, Lineage(a, b, c, unsealed, nil))
}

func TestDecodeRoundTripKeepsHash(t *testing.T) {
	u := sampleUniverse()
	require.NoError(t, Seal(u))
	data, err := json.Marshal(u)
	require.NoError(t, err)

	got, err := Decode(KindUniverse, data)
	require.NoError(t, err)
	require.NoError(t, Verify(got))
	typed, err := As[*Universe](got)
	require.NoError(t, err)
	assert.Equal(t, u.Funds, typed.Funds)

	_, err = As[*Decision](got)
	assert.Error(t, err)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New("portfolio")
	assert.Error(t, err)
	for _, k := range Kinds {
		a, err := New(k)
		require.NoError(t, err, k)
		assert.NotNil(t, a.Meta())
	}
}
