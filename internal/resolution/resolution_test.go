package resolution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/pricing"
	"github.com/atmx/funding-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type oracleFunc func(ctx context.Context, id string) (Verdict, error)

func (f oracleFunc) Status(ctx context.Context, id string) (Verdict, error) { return f(ctx, id) }

func TestLooksResolved(t *testing.T) {
	tests := []struct {
		price float64
		want  bool
	}{
		{0.01, true},
		{0.04, true},
		{0.05, true},
		{0.20, true},
		{0.21, false},
		{0.50, false},
		{0.65, false},
		{0.79, false},
		{0.80, true},
		{0.96, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LooksResolved(d(tt.price)), "price %v", tt.price)
	}
}

func TestIsResolutionEvent_OracleFirst(t *testing.T) {
	feed := pricing.NewStaticFeed(map[string]decimal.Decimal{"m1": d(0.5)})
	oracle := oracleFunc(func(context.Context, string) (Verdict, error) { return Resolved, nil })
	det := NewDetector(oracle, feed, time.Second, nil)

	ok, err := det.IsResolutionEvent(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, ok, "oracle verdict wins over a mid price")
}

func TestIsResolutionEvent_OracleDownFallsBackToHeuristic(t *testing.T) {
	feed := pricing.NewStaticFeed(map[string]decimal.Decimal{"m1": d(0.97), "m2": d(0.5)})
	oracle := oracleFunc(func(context.Context, string) (Verdict, error) {
		return Unknown, errors.New("oracle timeout")
	})
	det := NewDetector(oracle, feed, time.Second, nil)

	ok, err := det.IsResolutionEvent(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = det.IsResolutionEvent(context.Background(), "m2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = det.IsResolutionEvent(context.Background(), "unknown")
	assert.Error(t, err)
}

func TestMarketOracle(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.PutMarket(model.Market{ID: "settled", Status: "settled", PriceYes: d(1)})
	ms.PutMarket(model.Market{ID: "open", Status: "open", PriceYes: d(0.5)})
	o := NewMarketOracle(ms)
	ctx := context.Background()

	v, err := o.Status(ctx, "settled")
	require.NoError(t, err)
	assert.Equal(t, Resolved, v)

	v, _ = o.Status(ctx, "open")
	assert.Equal(t, Unresolved, v)

	v, _ = o.Status(ctx, "missing")
	assert.Equal(t, Unknown, v)
}

func TestGetExcludedPnL(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.PutMarket(model.Market{ID: "settled", Status: "settled", PriceYes: d(1)})
	ms.PutMarket(model.Market{ID: "open", Status: "open", PriceYes: d(0.5)})

	cycle := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	closed := func(id, market string, pnl, exit float64, at time.Time) *model.Position {
		return &model.Position{
			ID: id, AccountID: "a1", MarketID: market, Direction: model.DirectionYes,
			Shares: d(100), Status: model.PositionClosed, PnL: d(pnl), CurrentPrice: d(exit), ClosedAt: at,
		}
	}
	in := cycle.Add(24 * time.Hour)
	ms.PutPosition(closed("p1", "settled", 200, 1, in))
	ms.PutPosition(closed("p2", "settled", -50, 1, in))                    // losses never excluded
	ms.PutPosition(closed("p3", "open", 300, 0.5, in))                     // unresolved
	ms.PutPosition(closed("p4", "delisted", 100, 0.02, in))                // no oracle, no feed: exit price
	ms.PutPosition(closed("p5", "settled", 999, 1, cycle.Add(-time.Hour))) // before cycle

	det := NewDetector(NewMarketOracle(ms), pricing.NewStoreFeed(ms), time.Second, nil)
	total, excl, err := det.GetExcludedPnL(context.Background(), ms, "a1", cycle)
	require.NoError(t, err)
	assert.True(t, total.Equal(d(300)), "got %s", total)
	assert.Len(t, excl, 2)
}
