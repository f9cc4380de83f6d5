// Package resolution identifies settled binary markets and computes the
// profit excluded from payouts because it came from betting on a
// resolution.
package resolution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/pricing"
	"github.com/atmx/funding-engine/internal/store"
)

// Heuristic thresholds on the raw YES price.
var (
	LowPrice  = decimal.RequireFromString("0.05")
	HighPrice = decimal.RequireFromString("0.95")
	// MidpointMove is the fractional move away from 0.5 that reads as
	// resolved: |p − 0.5| / 0.5 ≥ MidpointMove.
	MidpointMove = decimal.RequireFromString("0.60")

	half = decimal.RequireFromString("0.5")
)

// Verdict is an oracle answer.
type Verdict int

const (
	Unknown Verdict = iota
	Unresolved
	Resolved
)

// Oracle is the authoritative market-resolution source.
type Oracle interface {
	Status(ctx context.Context, marketID string) (Verdict, error)
}

// MarketOracle reads settlement status from the markets table.
type MarketOracle struct {
	markets store.Reader
}

// NewMarketOracle creates an oracle over the store's markets.
func NewMarketOracle(r store.Reader) *MarketOracle {
	return &MarketOracle{markets: r}
}

func (o *MarketOracle) Status(ctx context.Context, marketID string) (Verdict, error) {
	m, err := o.markets.GetMarkets(ctx, []string{marketID})
	if err != nil {
		return Unknown, err
	}
	mk, ok := m[marketID]
	if !ok {
		return Unknown, nil
	}
	if mk.Status == "settled" || mk.Status == "resolved" {
		return Resolved, nil
	}
	return Unresolved, nil
}

// LooksResolved applies the price heuristic to a raw YES price.
func LooksResolved(p decimal.Decimal) bool {
	if p.LessThan(LowPrice) || p.GreaterThan(HighPrice) {
		return true
	}
	return p.Sub(half).Abs().Div(half).GreaterThanOrEqual(MidpointMove)
}

// Detector combines the oracle with the price heuristic.
type Detector struct {
	oracle  Oracle
	feed    pricing.Feed
	timeout time.Duration
	log     *slog.Logger
}

// NewDetector creates a detector. A nil oracle means heuristic only.
func NewDetector(oracle Oracle, feed pricing.Feed, timeout time.Duration, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Detector{oracle: oracle, feed: feed, timeout: timeout, log: log}
}

// IsResolutionEvent reports whether marketID has resolved. The oracle is
// asked first; when it does not confirm resolution, or is unavailable, the
// live price heuristic decides.
func (d *Detector) IsResolutionEvent(ctx context.Context, marketID string) (bool, error) {
	return d.resolved(ctx, marketID, nil)
}

func (d *Detector) resolved(ctx context.Context, marketID string, fallback *decimal.Decimal) (bool, error) {
	if d.oracle != nil {
		octx, cancel := context.WithTimeout(ctx, d.timeout)
		v, err := d.oracle.Status(octx, marketID)
		cancel()
		if err != nil {
			d.log.Warn("oracle unavailable, using price heuristic", "market", marketID, "err", err)
		} else if v == Resolved {
			return true, nil
		}
	}

	if d.feed != nil {
		quotes, err := d.feed.GetPrices(ctx, []string{marketID})
		if err != nil {
			d.log.Warn("price unavailable for resolution check", "market", marketID, "err", err)
		} else if q, ok := quotes[marketID]; ok {
			return LooksResolved(q.Price), nil
		}
	}
	if fallback != nil {
		return LooksResolved(*fallback), nil
	}
	return false, fmt.Errorf("resolution %s: no oracle verdict and no price", marketID)
}

// Exclusion is one closed position whose profit is excluded.
type Exclusion struct {
	PositionID string          `json:"position_id"`
	MarketID   string          `json:"market_id"`
	PnL        decimal.Decimal `json:"pnl"`
}

// GetExcludedPnL sums the positive realized P&L of positions closed since
// cycleStart in markets that resolved. Losses are never excluded. Markets
// with no verdict at all are treated as unresolved and logged.
func (d *Detector) GetExcludedPnL(ctx context.Context, r store.Reader, accountID string, cycleStart time.Time) (decimal.Decimal, []Exclusion, error) {
	closed, err := r.ListClosedPositions(ctx, accountID, cycleStart)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("excluded pnl %s: %w", accountID, err)
	}

	total := decimal.Zero
	var out []Exclusion
	verdicts := make(map[string]bool)
	for _, p := range closed {
		if !p.PnL.IsPositive() {
			continue
		}
		res, seen := verdicts[p.MarketID]
		if !seen {
			// A closed position keeps its raw YES exit price.
			exit := p.CurrentPrice
			res, err = d.resolved(ctx, p.MarketID, &exit)
			if err != nil {
				d.log.Warn("resolution unknown, not excluding", "market", p.MarketID, "err", err)
				res = false
			}
			verdicts[p.MarketID] = res
		}
		if !res {
			continue
		}
		total = total.Add(p.PnL)
		out = append(out, Exclusion{PositionID: p.ID, MarketID: p.MarketID, PnL: p.PnL})
	}
	if total.IsPositive() {
		d.log.Info("resolution profit excluded", "account", accountID, "excluded", total.String(), "positions", len(out))
	}
	return total, out, nil
}
