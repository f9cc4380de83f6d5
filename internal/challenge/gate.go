package challenge

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/model"
)

// Sanity gate limits.
var (
	// GateTolerance is the share of the profit target by which equity profit
	// and trade-derived profit may disagree.
	GateTolerance = decimal.RequireFromString("0.2")

	GateMinAge = 24 * time.Hour

	GateMinSells = 5
)

// GateResult explains a sanity gate check.
type GateResult struct {
	EquityProfit decimal.Decimal `json:"equity_profit"`
	TradeProfit  decimal.Decimal `json:"trade_profit"`
	Discrepancy  decimal.Decimal `json:"discrepancy"`
	Sells        int             `json:"sells"`
	Age          time.Duration   `json:"age"`
	Reasons      []string        `json:"reasons,omitempty"`
}

// Blocked reports whether promotion must wait for manual review.
func (g GateResult) Blocked() bool { return len(g.Reasons) > 0 }

// Gate cross-checks equity-implied profit against profit rebuilt from
// trades: realized P&L of SELL trades plus unrealized P&L of open positions
// at live prices. It also refuses promotions that came too fast or with too
// few closing trades.
func Gate(a model.Account, equity, unrealized decimal.Decimal, trades []model.Trade, now time.Time) GateResult {
	g := GateResult{
		EquityProfit: equity.Sub(a.StartingBalance),
		TradeProfit:  unrealized,
		Age:          now.Sub(a.CreatedAt),
	}
	for _, t := range trades {
		if t.Side != model.SideSell {
			continue
		}
		g.Sells++
		g.TradeProfit = g.TradeProfit.Add(t.RealizedPnL)
	}
	g.Discrepancy = g.EquityProfit.Sub(g.TradeProfit).Abs()

	limit := a.Rules.ProfitTarget.Mul(GateTolerance)
	if g.Discrepancy.GreaterThan(limit) {
		g.Reasons = append(g.Reasons, fmt.Sprintf(
			"equity profit %s differs from trade profit %s by more than %s",
			g.EquityProfit.StringFixed(2), g.TradeProfit.StringFixed(2), limit.StringFixed(2)))
	}
	if g.Age < GateMinAge {
		g.Reasons = append(g.Reasons, fmt.Sprintf("passed after %s, minimum is %s", g.Age.Round(time.Minute), GateMinAge))
	}
	if g.Sells < GateMinSells {
		g.Reasons = append(g.Reasons, fmt.Sprintf("%d sell trades, minimum is %d", g.Sells, GateMinSells))
	}
	return g
}
