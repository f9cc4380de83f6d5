package equity

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/pricing"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func quote(p float64) pricing.Quote {
	return pricing.Quote{Price: d(p), Source: pricing.SourceStatic}
}

func TestCompute_NoPositionValuation(t *testing.T) {
	// Bought NO while YES traded at 0.40, so each share cost 0.60.
	pos := model.Position{
		ID: "p1", MarketID: "m1", Direction: model.DirectionNo,
		Shares: d(100), EntryPrice: d(0.60), Status: model.PositionOpen,
	}
	s := Compute(nil, "a1", d(1000), []model.Position{pos}, map[string]pricing.Quote{"m1": quote(0.30)})

	require.Len(t, s.Positions, 1)
	assert.True(t, s.Positions[0].Value.Equal(d(70)), "value %s", s.Positions[0].Value)
	assert.True(t, s.Unrealized.Equal(d(10)), "unrealized %s", s.Unrealized)
	assert.True(t, s.Equity.Equal(d(1070)))
	assert.Zero(t, s.Fallbacks)
}

func TestCompute_MissingPriceFallsBackToEntry(t *testing.T) {
	positions := []model.Position{
		{ID: "p1", MarketID: "m1", Direction: model.DirectionYes, Shares: d(200), EntryPrice: d(0.50)},
		{ID: "p2", MarketID: "m2", Direction: model.DirectionYes, Shares: d(100), EntryPrice: d(0.20)},
	}
	s := Compute(nil, "a1", d(9000), positions, map[string]pricing.Quote{"m2": quote(0.25)})

	assert.Equal(t, 1, s.Fallbacks)
	assert.True(t, s.Positions[0].Fallback)
	assert.True(t, s.Positions[0].Value.Equal(d(100)), "never valued at zero")
	assert.True(t, s.Equity.Equal(d(9125)))
}

func TestCompute_IdentityHolds(t *testing.T) {
	positions := []model.Position{
		{ID: "p1", MarketID: "m1", Direction: model.DirectionYes, Shares: d(33), EntryPrice: d(0.31)},
		{ID: "p2", MarketID: "m2", Direction: model.DirectionNo, Shares: d(17), EntryPrice: d(0.77)},
		{ID: "p3", MarketID: "m1", Direction: model.DirectionNo, Shares: d(5), EntryPrice: d(0.45)},
	}
	quotes := map[string]pricing.Quote{"m1": quote(0.52), "m2": quote(0.18)}
	balance := d(4321.09)
	s := Compute(nil, "a1", balance, positions, quotes)

	sum := decimal.Zero
	for _, p := range positions {
		sum = sum.Add(p.Shares.Mul(pricing.Adjust(quotes[p.MarketID].Price, p.Direction)))
	}
	assert.True(t, s.Equity.Sub(balance.Add(sum)).Abs().LessThanOrEqual(d(0.01)))
}

func TestCompute_NoPositions(t *testing.T) {
	s := Compute(nil, "a1", d(500), nil, nil)
	assert.True(t, s.Equity.Equal(d(500)))
	assert.Empty(t, s.Positions)
}
