package pricing

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestAdjust(t *testing.T) {
	tests := []struct {
		name  string
		price decimal.Decimal
		dir   model.Direction
		want  decimal.Decimal
	}{
		{"yes keeps price", d(0.30), model.DirectionYes, d(0.30)},
		{"no inverts", d(0.30), model.DirectionNo, d(0.70)},
		{"no at zero", d(0), model.DirectionNo, d(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Adjust(tt.price, tt.dir)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}
}

func TestMarketIDs_Dedup(t *testing.T) {
	ids := MarketIDs([]model.Position{
		{MarketID: "m1"}, {MarketID: "m2"}, {MarketID: "m1"},
	})
	assert.Equal(t, []string{"m1", "m2"}, ids)
}

func TestStoreFeed(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.PutMarket(model.Market{ID: "m1", PriceYes: d(0.42), Status: "open"})
	ms.PutMarket(model.Market{ID: "bad", PriceYes: d(1.5), Status: "open"})

	q, err := NewStoreFeed(ms).GetPrices(context.Background(), []string{"m1", "bad", "missing"})
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.True(t, q["m1"].Price.Equal(d(0.42)))
	assert.Equal(t, SourceMarket, q["m1"].Source)
}

func TestStaticFeed(t *testing.T) {
	f := NewStaticFeed(map[string]decimal.Decimal{"m1": d(0.5)})
	f.Set("m2", d(0.9))
	f.Remove("m1")

	q, err := f.GetPrices(context.Background(), []string{"m1", "m2"})
	require.NoError(t, err)
	assert.NotContains(t, q, "m1")
	assert.True(t, q["m2"].Price.Equal(d(0.9)))
}

// TestCachedFeed runs against a live Redis when TEST_REDIS_URL is set.
func TestCachedFeed(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	ctx := context.Background()

	primary := NewStaticFeed(map[string]decimal.Decimal{"cf-m1": d(0.25)})
	f := NewCachedFeed(primary, rdb, time.Minute, nil)
	require.NoError(t, f.Invalidate(ctx, "cf-m1"))

	q, err := f.GetPrices(ctx, []string{"cf-m1"})
	require.NoError(t, err)
	assert.Equal(t, SourceStatic, q["cf-m1"].Source)

	primary.Set("cf-m1", d(0.99))
	q, err = f.GetPrices(ctx, []string{"cf-m1"})
	require.NoError(t, err)
	assert.Equal(t, SourceCache, q["cf-m1"].Source)
	assert.True(t, q["cf-m1"].Price.Equal(d(0.25)))

	require.NoError(t, f.Invalidate(ctx, "cf-m1"))
}
