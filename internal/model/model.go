// Package model defines the core domain types shared across the funding engine.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/rules"
)

// Phase is the stage of a funded-trading account.
type Phase string

const (
	PhaseEvaluation Phase = "evaluation"
	PhaseFunded     Phase = "funded"
)

// Status is the risk status of an account within its phase.
type Status string

const (
	StatusActive         Status = "active"
	StatusPendingFailure Status = "pending_failure"
	StatusFailed         Status = "failed"
	StatusPassed         Status = "passed"
)

// Terminal reports whether no further risk transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusPassed
}

// Account is a simulated funded-trading account (a "challenge").
// CurrentBalance is cash only; equity adds the mark-to-market value of
// open positions.
type Account struct {
	ID                 string          `json:"id" db:"id"`
	UserID             string          `json:"user_id" db:"user_id"`
	Phase              Phase           `json:"phase" db:"phase"`
	Status             Status          `json:"status" db:"status"`
	StartingBalance    decimal.Decimal `json:"starting_balance" db:"starting_balance"`
	CurrentBalance     decimal.Decimal `json:"current_balance" db:"current_balance"`
	HighWaterMark      decimal.Decimal `json:"high_water_mark" db:"high_water_mark"`
	StartOfDayBalance  decimal.Decimal `json:"start_of_day_balance" db:"start_of_day_balance"`
	StartOfDayAt       time.Time       `json:"start_of_day_at" db:"start_of_day_at"`
	ActiveTradingDays  int             `json:"active_trading_days" db:"active_trading_days"`
	ConsistencyFlagged bool            `json:"consistency_flagged" db:"consistency_flagged"`
	LastActivityAt     time.Time       `json:"last_activity_at,omitempty" db:"last_activity_at"`
	PayoutCycleStart   time.Time       `json:"payout_cycle_start,omitempty" db:"payout_cycle_start"`
	TotalPaidOut       decimal.Decimal `json:"total_paid_out" db:"total_paid_out"`
	FailureReason      string          `json:"failure_reason,omitempty" db:"failure_reason"`
	Rules              rules.Rules     `json:"rules" db:"rules_config"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	EndsAt             time.Time       `json:"ends_at,omitempty" db:"ends_at"`
	PassedAt           time.Time       `json:"passed_at,omitempty" db:"passed_at"`
}

// Direction is the side of a binary market a position holds.
type Direction string

const (
	DirectionYes Direction = "YES"
	DirectionNo  Direction = "NO"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is an account's holding in one binary market.
// EntryPrice is already direction-adjusted: a NO position bought while YES
// traded at 0.40 carries EntryPrice 0.60. CurrentPrice is the raw YES price
// last used to value the position.
type Position struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	Direction    Direction       `json:"direction" db:"direction"`
	Shares       decimal.Decimal `json:"shares" db:"shares"`
	EntryPrice   decimal.Decimal `json:"entry_price" db:"entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price" db:"current_price"`
	Status       PositionStatus  `json:"status" db:"status"`
	PnL          decimal.Decimal `json:"pnl" db:"pnl"`
	OpenedAt     time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt     time.Time       `json:"closed_at,omitempty" db:"closed_at"`
}

// CostBasis is the cash paid to open the position.
func (p Position) CostBasis() decimal.Decimal {
	return p.Shares.Mul(p.EntryPrice)
}

// TradeSide is BUY or SELL.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// Trade is an immutable record of an execution supplied by the trade engine.
// SELL trades carry RealizedPnL.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	AccountID   string          `json:"account_id" db:"account_id"`
	PositionID  string          `json:"position_id" db:"position_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	Side        TradeSide       `json:"side" db:"side"`
	Direction   Direction       `json:"direction" db:"direction"`
	Shares      decimal.Decimal `json:"shares" db:"shares"`
	Price       decimal.Decimal `json:"price" db:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	ExecutedAt  time.Time       `json:"executed_at" db:"executed_at"`
}

// PayoutStatus moves strictly forward:
// pending → approved → processing → {completed, failed}.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutApproved   PayoutStatus = "approved"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// Terminal reports whether the payout can no longer change.
func (s PayoutStatus) Terminal() bool {
	return s == PayoutCompleted || s == PayoutFailed
}

// Payout is an append-only record of a profit withdrawal. Amount is the
// trader's net share; CappedProfit is the full pre-split profit the ledger
// is debited by on completion.
type Payout struct {
	ID              string          `json:"id" db:"id"`
	AccountID       string          `json:"account_id" db:"account_id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Status          PayoutStatus    `json:"status" db:"status"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	GrossProfit     decimal.Decimal `json:"gross_profit" db:"gross_profit"`
	ExcludedPnL     decimal.Decimal `json:"excluded_pnl" db:"excluded_pnl"`
	AdjustedProfit  decimal.Decimal `json:"adjusted_profit" db:"adjusted_profit"`
	CappedProfit    decimal.Decimal `json:"capped_profit" db:"capped_profit"`
	FirmShare       decimal.Decimal `json:"firm_share" db:"firm_share"`
	ProfitSplit     decimal.Decimal `json:"profit_split" db:"profit_split"`
	ApprovedBy      string          `json:"approved_by,omitempty" db:"approved_by"`
	FailureReason   string          `json:"failure_reason,omitempty" db:"failure_reason"`
	TransactionHash string          `json:"transaction_hash,omitempty" db:"transaction_hash"`
	RequestedAt     time.Time       `json:"requested_at" db:"requested_at"`
	ApprovedAt      time.Time       `json:"approved_at,omitempty" db:"approved_at"`
	ProcessingAt    time.Time       `json:"processing_at,omitempty" db:"processing_at"`
	CompletedAt     time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	FailedAt        time.Time       `json:"failed_at,omitempty" db:"failed_at"`
}

// Market is the engine's view of a binary prediction market: its live YES
// probability and whether it has settled.
type Market struct {
	ID        string          `json:"id" db:"id"`
	PriceYes  decimal.Decimal `json:"price_yes" db:"price_yes"`
	Status    string          `json:"status" db:"status"` // "open", "settled"
	Outcome   string          `json:"outcome,omitempty" db:"outcome"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// BalanceLogEntry is one row of the forensic balance audit log.
type BalanceLogEntry struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Operation string          `json:"operation" db:"operation"`
	Source    string          `json:"source" db:"source"`
	Before    decimal.Decimal `json:"before" db:"before"`
	After     decimal.Decimal `json:"after" db:"after"`
	Delta     decimal.Decimal `json:"delta" db:"delta"`
	Anomaly   string          `json:"anomaly,omitempty" db:"anomaly"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
