package rules

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestDefault_10KTier(t *testing.T) {
	r, err := Default().Lookup(Tier10K)
	require.NoError(t, err)

	assert.True(t, r.StartingBalance.Equal(d(10000)))
	assert.True(t, r.MaxDailyLoss.Equal(d(500)), "daily loss %s", r.MaxDailyLoss)
	assert.True(t, r.MaxTotalDrawdown.Equal(d(1000)), "drawdown %s", r.MaxTotalDrawdown)
	assert.True(t, r.ProfitTarget.Equal(d(1000)))
	assert.True(t, r.ProfitSplit.Equal(d(0.8)))
	assert.True(t, r.PayoutCap.Equal(d(10000)))
	assert.Equal(t, Version, r.Version)
}

func TestLookup_UnknownTier(t *testing.T) {
	_, err := Default().Lookup("7k")
	assert.True(t, errors.Is(err, ErrUnknownTier))
}

func TestForBalance(t *testing.T) {
	r, err := Default().ForBalance(d(25000))
	require.NoError(t, err)
	assert.Equal(t, Tier25K, r.Tier)

	_, err = Default().ForBalance(d(12345))
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestAll_OrderedByBalance(t *testing.T) {
	all := Default().All()
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].StartingBalance.LessThan(all[i].StartingBalance))
	}
}

func TestParse_OverridesTier(t *testing.T) {
	yml := []byte(`
version: 4
tiers:
  - tier: 10k
    starting_balance: 10000
    daily_loss_pct: 0.04
    total_drawdown_pct: 0.08
    profit_target_pct: 0.10
    max_exposure_pct: 0.5
    max_open_positions: 12
    min_trading_days: 4
    evaluation_days: 21
    profit_split: 0.9
    payout_cap: 8000
`)
	g, err := Parse(yml)
	require.NoError(t, err)
	assert.Equal(t, 4, g.Version())

	r, err := g.Lookup(Tier10K)
	require.NoError(t, err)
	assert.True(t, r.MaxDailyLoss.Equal(d(400)))
	assert.True(t, r.MaxTotalDrawdown.Equal(d(800)))
	assert.Equal(t, 12, r.MaxOpenPositions)
	assert.Equal(t, 4, r.Version)

	// Untouched tiers survive.
	_, err = g.Lookup(Tier5K)
	assert.NoError(t, err)
}

func TestParse_RejectsInvalidTier(t *testing.T) {
	yml := []byte(`
version: 4
tiers:
  - tier: 10k
    starting_balance: 10000
`)
	_, err := Parse(yml)
	assert.Error(t, err)
}

func TestParse_RequiresVersion(t *testing.T) {
	_, err := Parse([]byte(`tiers: []`))
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestMarshal_RoundTripsThroughParse(t *testing.T) {
	out, err := Default().Marshal()
	require.NoError(t, err)

	g, err := Parse(out)
	require.NoError(t, err)
	r, err := g.Lookup(Tier100K)
	require.NoError(t, err)
	assert.True(t, r.ProfitSplit.Equal(d(0.9)))
}

func validBlob() map[string]any {
	return map[string]any{
		"tier":               "10k",
		"starting_balance":   "10000",
		"daily_loss_pct":     0.05,
		"total_drawdown_pct": "0.10",
		"profit_target_pct":  0.1,
		"max_exposure_pct":   0.5,
		"max_open_positions": 15,
		"min_trading_days":   5,
		"profit_split":       "0.8",
		"payout_cap":         10000,
	}
}

func TestNormalize_Valid(t *testing.T) {
	r, err := Normalize(validBlob())
	require.NoError(t, err)
	assert.Equal(t, Tier10K, r.Tier)
	assert.True(t, r.MaxTotalDrawdown.Equal(d(1000)))
}

func TestNormalize_AbsoluteLimitsConverted(t *testing.T) {
	blob := validBlob()
	delete(blob, "daily_loss_pct")
	blob["max_daily_loss"] = "500"

	r, err := Normalize(blob)
	require.NoError(t, err)
	assert.True(t, r.DailyLossPct.Equal(d(0.05)))
	assert.True(t, r.MaxDailyLoss.Equal(d(500)))
}

func TestNormalize_FailsClosed(t *testing.T) {
	for _, key := range []string{"tier", "starting_balance", "total_drawdown_pct", "profit_split", "payout_cap", "min_trading_days"} {
		t.Run(key, func(t *testing.T) {
			blob := validBlob()
			delete(blob, key)
			_, err := Normalize(blob)
			assert.ErrorIs(t, err, ErrMissingField)
		})
	}

	blob := validBlob()
	blob["payout_cap"] = "lots"
	_, err := Normalize(blob)
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestNormalizeJSON_StoredRules(t *testing.T) {
	r, _ := Default().Lookup(Tier5K)
	data, err := json.Marshal(r)
	require.NoError(t, err)

	got, err := NormalizeJSON(data)
	require.NoError(t, err)
	assert.Equal(t, r.Tier, got.Tier)
	assert.True(t, r.MaxDailyLoss.Equal(got.MaxDailyLoss))

	_, err = NormalizeJSON(nil)
	assert.ErrorIs(t, err, ErrMissingField)
}
