// Package equity computes account equity: cash balance plus the
// mark-to-market value of open positions. Every breach and promotion
// decision goes through Compute so the evaluator and the risk monitor can
// never disagree.
package equity

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/metrics"
	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/pricing"
)

// Valuation is one position's contribution to equity.
type Valuation struct {
	PositionID string          `json:"position_id"`
	MarketID   string          `json:"market_id"`
	Price      decimal.Decimal `json:"price"` // direction-adjusted per-share value
	RawPrice   decimal.Decimal `json:"raw_price"`
	Value      decimal.Decimal `json:"value"`
	Unrealized decimal.Decimal `json:"unrealized"`
	Fallback   bool            `json:"fallback"`
}

// Snapshot is the equity of one account at one instant.
type Snapshot struct {
	Balance        decimal.Decimal `json:"balance"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	Equity         decimal.Decimal `json:"equity"`
	Unrealized     decimal.Decimal `json:"unrealized"`
	Fallbacks      int             `json:"fallbacks"`
	Positions      []Valuation     `json:"positions"`
}

// Compute values positions at live quotes. A position with no quote is
// valued at its entry price and a warning is logged; it is never skipped
// or valued at zero.
func Compute(log *slog.Logger, accountID string, balance decimal.Decimal, positions []model.Position, quotes map[string]pricing.Quote) Snapshot {
	if log == nil {
		log = slog.Default()
	}
	s := Snapshot{
		Balance:        balance,
		PositionsValue: decimal.Zero,
		Unrealized:     decimal.Zero,
		Positions:      make([]Valuation, 0, len(positions)),
	}
	for _, p := range positions {
		v := Value(p, quotes)
		if v.Fallback {
			s.Fallbacks++
			metrics.PriceFallbacks.Inc()
			log.Warn("no live price, valuing position at entry",
				"account", accountID,
				"position", p.ID,
				"market", p.MarketID,
				"entry_price", p.EntryPrice.String(),
			)
		}
		s.PositionsValue = s.PositionsValue.Add(v.Value)
		s.Unrealized = s.Unrealized.Add(v.Unrealized)
		s.Positions = append(s.Positions, v)
	}
	s.Equity = balance.Add(s.PositionsValue)
	return s
}

// Value values a single position without logging.
func Value(p model.Position, quotes map[string]pricing.Quote) Valuation {
	v := Valuation{PositionID: p.ID, MarketID: p.MarketID}
	if q, ok := quotes[p.MarketID]; ok {
		v.RawPrice = q.Price
		v.Price = pricing.Adjust(q.Price, p.Direction)
	} else {
		v.Fallback = true
		v.Price = p.EntryPrice
		v.RawPrice = pricing.Adjust(p.EntryPrice, p.Direction)
	}
	v.Value = p.Shares.Mul(v.Price)
	v.Unrealized = p.Shares.Mul(v.Price.Sub(p.EntryPrice))
	return v
}
