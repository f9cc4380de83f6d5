// Package pricing is the engine's view of the external price feed. Prices
// are raw YES probabilities in [0, 1]; consumers apply the direction
// adjustment themselves through Adjust.
package pricing

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/store"
)

var one = decimal.NewFromInt(1)

// Quote sources.
const (
	SourceMarket = "market"
	SourceCache  = "cache"
	SourceStatic = "static"
)

// Quote is one live price.
type Quote struct {
	Price  decimal.Decimal `json:"price"`
	Source string          `json:"source"`
}

// Feed looks up live YES prices in a single round trip. Markets with no
// available price are absent from the result.
type Feed interface {
	GetPrices(ctx context.Context, marketIDs []string) (map[string]Quote, error)
}

// Adjust converts a raw YES price into the value of one share held in dir:
// YES keeps p, NO is worth 1 − p.
func Adjust(yesPrice decimal.Decimal, dir model.Direction) decimal.Decimal {
	if dir == model.DirectionNo {
		return one.Sub(yesPrice)
	}
	return yesPrice
}

// MarketIDs returns the distinct market IDs of positions, in first-seen order.
func MarketIDs(positions []model.Position) []string {
	seen := make(map[string]struct{}, len(positions))
	ids := make([]string, 0, len(positions))
	for _, p := range positions {
		if _, ok := seen[p.MarketID]; ok {
			continue
		}
		seen[p.MarketID] = struct{}{}
		ids = append(ids, p.MarketID)
	}
	return ids
}

// StoreFeed reads prices from the markets table maintained by the market
// data collaborator.
type StoreFeed struct {
	markets store.Reader
}

// NewStoreFeed creates a feed over the store's markets.
func NewStoreFeed(r store.Reader) *StoreFeed {
	return &StoreFeed{markets: r}
}

func (f *StoreFeed) GetPrices(ctx context.Context, marketIDs []string) (map[string]Quote, error) {
	markets, err := f.markets.GetMarkets(ctx, marketIDs)
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}
	out := make(map[string]Quote, len(markets))
	for id, m := range markets {
		if !validPrice(m.PriceYes) {
			continue
		}
		out[id] = Quote{Price: m.PriceYes, Source: SourceMarket}
	}
	return out, nil
}

// StaticFeed serves fixed prices. Used in tests and development.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticFeed creates a static feed seeded with prices.
func NewStaticFeed(prices map[string]decimal.Decimal) *StaticFeed {
	f := &StaticFeed{prices: make(map[string]decimal.Decimal, len(prices))}
	for id, p := range prices {
		f.prices[id] = p
	}
	return f
}

// Set replaces the price of a market.
func (f *StaticFeed) Set(marketID string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[marketID] = price
}

// Remove drops a market so it has no live price.
func (f *StaticFeed) Remove(marketID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prices, marketID)
}

func (f *StaticFeed) GetPrices(_ context.Context, marketIDs []string) (map[string]Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]Quote, len(marketIDs))
	for _, id := range marketIDs {
		if p, ok := f.prices[id]; ok {
			out[id] = Quote{Price: p, Source: SourceStatic}
		}
	}
	return out, nil
}

func validPrice(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(one)
}
