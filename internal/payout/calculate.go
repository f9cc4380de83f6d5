package payout

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/money"
	"github.com/atmx/funding-engine/internal/resolution"
)

// Calculation is the payout breakdown for one account.
//
//	gross    = max(0, current - starting)
//	adjusted = max(0, gross - excluded)
//	capped   = min(adjusted, cap)
//	net      = capped * split
//	firm     = capped - net
type Calculation struct {
	GrossProfit    decimal.Decimal        `json:"gross_profit"`
	ExcludedPnL    decimal.Decimal        `json:"excluded_pnl"`
	AdjustedProfit decimal.Decimal        `json:"adjusted_profit"`
	CappedProfit   decimal.Decimal        `json:"capped_profit"`
	NetPayout      decimal.Decimal        `json:"net_payout"`
	FirmShare      decimal.Decimal        `json:"firm_share"`
	ProfitSplit    decimal.Decimal        `json:"profit_split"`
	PayoutCap      decimal.Decimal        `json:"payout_cap"`
	Exclusions     []resolution.Exclusion `json:"exclusions,omitempty"`
}

// Calculate splits profit between trader and firm. Amounts are rounded to
// cents; the firm share absorbs the rounding so net + firm == capped.
func Calculate(current, starting, excluded, split, payoutCap decimal.Decimal) Calculation {
	gross := money.NonNegative(current.Sub(starting))
	adjusted := money.NonNegative(gross.Sub(money.NonNegative(excluded)))
	capped := adjusted
	if payoutCap.IsPositive() && capped.GreaterThan(payoutCap) {
		capped = payoutCap
	}
	capped = money.Cents(capped)
	net := money.Cents(capped.Mul(split))
	return Calculation{
		GrossProfit:    money.Cents(gross),
		ExcludedPnL:    money.Cents(money.NonNegative(excluded)),
		AdjustedProfit: money.Cents(adjusted),
		CappedProfit:   capped,
		NetPayout:      net,
		FirmShare:      capped.Sub(net),
		ProfitSplit:    split,
		PayoutCap:      payoutCap,
	}
}

// ledgerDebit reconstructs the pre-split profit from a payout's net amount.
// Net is rounded to cents, so the result can differ from the capped profit
// by a cent; it only cross-checks a stored payout.
func ledgerDebit(net, split, capped decimal.Decimal) decimal.Decimal {
	if !split.IsPositive() {
		return capped
	}
	return money.Cents(net.Div(split))
}
